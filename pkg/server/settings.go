package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/shiftwatt/shiftwatt/pkg/log"
	"github.com/shiftwatt/shiftwatt/pkg/types"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	homeID := s.getHomeID(r)

	settings, version, err := s.db.GetSettings(ctx, homeID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	settings, migrated, err := types.MigrateSettings(settings, version)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if migrated {
		if err := s.db.SetSettings(ctx, homeID, settings, types.CurrentSettingsVersion); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to persist migrated settings", slog.Any("error", err))
		}
	}
	writeJSON(w, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	homeID := s.getHomeID(r)

	var settings types.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	switch settings.Strategy {
	case types.StrategyMaxSavings, types.StrategyBalanced, types.StrategyEcoMode:
	default:
		writeJSONError(w, "unknown strategy", http.StatusBadRequest)
		return
	}
	if settings.PenaltyThreshold <= 0 || settings.PenaltyThreshold >= 1 {
		writeJSONError(w, "penaltyThreshold must be between 0 and 1", http.StatusBadRequest)
		return
	}
	if settings.OverrideTTLMinutes < 0 {
		writeJSONError(w, "overrideTTLMinutes cannot be negative", http.StatusBadRequest)
		return
	}
	if settings.TariffPlanID != "" {
		if _, err := s.catalog.Plan(ctx, settings.TariffPlanID); err != nil {
			writeJSONError(w, "unknown tariff plan", http.StatusBadRequest)
			return
		}
	}

	if err := s.db.SetSettings(ctx, homeID, settings, types.CurrentSettingsVersion); err != nil {
		writeDomainError(w, err)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "updated settings",
		slog.String("strategy", string(settings.Strategy)),
		slog.Bool("autopilotEnabled", settings.AutopilotEnabled),
	)
	writeJSON(w, settings)
}
