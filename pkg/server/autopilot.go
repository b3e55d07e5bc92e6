package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shiftwatt/shiftwatt/pkg/types"
)

func (s *Server) handleDelegation(w http.ResponseWriter, r *http.Request) {
	var cfg types.DeviceAutopilotConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	cfg.HomeID = s.getHomeID(r)
	if err := s.engine.SetDelegation(r.Context(), cfg); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, cfg)
}

type overrideRequest struct {
	ApplianceID string `json:"applianceID"`
	// Clear removes an existing override instead of recording one.
	Clear bool `json:"clear"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.ApplianceID == "" {
		writeJSONError(w, "applianceID required", http.StatusBadRequest)
		return
	}

	var err error
	if req.Clear {
		err = s.engine.ClearOverride(r.Context(), s.getHomeID(r), req.ApplianceID)
	} else {
		err = s.engine.RecordOverride(r.Context(), s.getHomeID(r), req.ApplianceID, types.SourceManual)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleToggleAutopilot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.engine.ToggleAutopilot(r.Context(), s.getHomeID(r), req.Enabled); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy types.Strategy `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.engine.SetStrategy(r.Context(), s.getHomeID(r), req.Strategy); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Simulate(r.Context(), s.getHomeID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, res)
}

// handleGridEvent marks a demand-response event for the home; admin only.
func (s *Server) handleGridEvent(w http.ResponseWriter, r *http.Request) {
	if !s.bypassAuth && !s.isAdmin(s.getEmail(r)) {
		writeJSONError(w, "forbidden", http.StatusForbidden)
		return
	}
	var req struct {
		Until time.Time `json:"until"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Until.IsZero() || !req.Until.After(s.now()) {
		writeJSONError(w, "until must be in the future", http.StatusBadRequest)
		return
	}
	s.engine.RecordGridEvent(s.getHomeID(r), req.Until)
	w.WriteHeader(http.StatusOK)
}
