// Package server exposes the automation engine over HTTP. Every API route is
// scoped to a home via homeID; auth is cookie-based OIDC with a bypass for
// local development.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/shiftwatt/shiftwatt/pkg/autopilot"
	"github.com/shiftwatt/shiftwatt/pkg/carbon"
	"github.com/shiftwatt/shiftwatt/pkg/device"
	"github.com/shiftwatt/shiftwatt/pkg/log"
	"github.com/shiftwatt/shiftwatt/pkg/schedule"
	"github.com/shiftwatt/shiftwatt/pkg/storage"
	"github.com/shiftwatt/shiftwatt/pkg/tariff"
	"github.com/shiftwatt/shiftwatt/pkg/types"
)

const authTokenCookie = "auth_token"

type contextKey string

const (
	homeIDContextKey contextKey = "homeID"
	emailContextKey  contextKey = "email"
)

// tokenVerifier is a function that validates a Google or Apple ID Token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server handles the HTTP API for the ShiftWatt engine.
type Server struct {
	db       storage.Database
	catalog  *tariff.Catalog
	carbon   *carbon.Resolver
	adapter  *device.Adapter
	manager  *schedule.Manager
	engine   *autopilot.Engine

	listenAddr string
	httpServer *http.Server

	adminEmails   []string
	oidcAudiences map[string]string
	oidcVerifiers map[string]tokenVerifier
	bypassAuth    bool
	serverName    string

	now func() time.Time
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(db storage.Database, catalog *tariff.Catalog, carbonRes *carbon.Resolver,
	adapter *device.Adapter, manager *schedule.Manager, engine *autopilot.Engine) *Server {

	srv := NewServer(db, catalog, carbonRes, adapter, manager, engine)
	srv.serverName = "shiftwatt"
	if revision := os.Getenv("K_REVISION"); revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to manage tariff plans")
	oidcAudiences := map[string]string{}
	lflag.JSON(&oidcAudiences, "oidc-audiences", oidcAudiences, "JSON map of provider (google/apple) to audience/client ID")
	bypassAuth := lflag.Bool("bypass-auth", false, "Disable authentication (local development only)")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *adminEmails != "" {
			srv.adminEmails = strings.Split(*adminEmails, ",")
			for i, email := range srv.adminEmails {
				srv.adminEmails[i] = strings.TrimSpace(email)
			}
		}
		if len(oidcAudiences) > 0 {
			srv.oidcAudiences = make(map[string]string, len(oidcAudiences))
			srv.oidcVerifiers = make(map[string]tokenVerifier, len(oidcAudiences))
			for n, a := range oidcAudiences {
				var issuer string
				switch n {
				case "google":
					issuer = "https://accounts.google.com"
				case "apple":
					issuer = "https://appleid.apple.com"
				default:
					log.Ctx(context.Background()).Error("unsupported oidc audience client", slog.String("client", n))
					os.Exit(1)
				}
				provider, err := oidc.NewProvider(context.Background(), issuer)
				if err != nil {
					log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("client", n), slog.Any("error", err))
					os.Exit(1)
				}
				srv.oidcVerifiers[n] = provider.Verifier(&oidc.Config{ClientID: a}).Verify
				srv.oidcAudiences[n] = a
			}
		}
		srv.bypassAuth = *bypassAuth
		if srv.bypassAuth && len(srv.oidcAudiences) > 0 {
			log.Ctx(context.Background()).Error("bypass-auth cannot be combined with oidc-audiences")
			os.Exit(1)
		}
	})

	return srv
}

// NewServer creates a server without flag wiring. This is primarily used for
// testing.
func NewServer(db storage.Database, catalog *tariff.Catalog, carbonRes *carbon.Resolver,
	adapter *device.Adapter, manager *schedule.Manager, engine *autopilot.Engine) *Server {

	return &Server{
		db:      db,
		catalog: catalog,
		carbon:  carbonRes,
		adapter: adapter,
		manager: manager,
		engine:  engine,
		now:     time.Now,
	}
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/tariff/slot", s.handleTariffSlot)
	apiMux.HandleFunc("GET /api/tariff/nextChange", s.handleTariffNextChange)
	apiMux.HandleFunc("GET /api/penalty/timeline", s.handlePenaltyTimeline)
	apiMux.HandleFunc("GET /api/carbon/cleanestHours", s.handleCleanestHours)
	apiMux.HandleFunc("GET /api/carbon/cleanWindow", s.handleCleanWindow)
	apiMux.HandleFunc("GET /api/appliances", s.handleListAppliances)
	apiMux.HandleFunc("POST /api/appliances", s.handlePutAppliance)
	apiMux.HandleFunc("POST /api/intercept/check", s.handleInterceptCheck)
	apiMux.HandleFunc("POST /api/appliances/control", s.handleControl)
	apiMux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	apiMux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	apiMux.HandleFunc("DELETE /api/schedules/{id}", s.handleCancelSchedule)
	apiMux.HandleFunc("GET /api/history/executions", s.handleExecutionHistory)
	apiMux.HandleFunc("GET /api/history/audit", s.handleAuditHistory)
	apiMux.HandleFunc("POST /api/autopilot/delegation", s.handleDelegation)
	apiMux.HandleFunc("POST /api/autopilot/override", s.handleOverride)
	apiMux.HandleFunc("POST /api/autopilot/toggle", s.handleToggleAutopilot)
	apiMux.HandleFunc("POST /api/autopilot/strategy", s.handleSetStrategy)
	apiMux.HandleFunc("GET /api/autopilot/simulate", s.handleSimulate)
	apiMux.HandleFunc("POST /api/autopilot/gridEvent", s.handleGridEvent)
	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.HandleFunc("POST /api/settings", s.handleUpdateSettings)
	apiMux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	apiMux.HandleFunc("POST /api/auth/login", s.handleLogin)
	apiMux.HandleFunc("POST /api/auth/logout", s.handleLogout)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

func (s *Server) getHomeID(r *http.Request) string {
	if homeID, ok := r.Context().Value(homeIDContextKey).(string); ok {
		return homeID
	}
	// we want to have a stack trace when this happens
	panic("no homeID in context")
}

func (s *Server) getEmail(r *http.Request) string {
	if email, ok := r.Context().Value(emailContextKey).(string); ok {
		return email
	}
	return ""
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

// writeDomainError maps the engine's error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrValidation):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, types.ErrNotControllable):
		writeJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, types.ErrConcurrentModification):
		writeJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, types.ErrDeviceUnreachable), errors.Is(err, types.ErrDeviceRejected):
		writeJSONError(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, storage.ErrApplianceNotFound),
		errors.Is(err, storage.ErrScheduleNotFound),
		errors.Is(err, storage.ErrPlanNotFound):
		writeJSONError(w, err.Error(), http.StatusNotFound)
	default:
		writeJSONError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

// isAdmin returns true if the email is in the adminEmails list.
func (s *Server) isAdmin(email string) bool {
	for _, adminEmail := range s.adminEmails {
		if email == adminEmail {
			return true
		}
	}
	return false
}
