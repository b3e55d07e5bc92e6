package server

import (
	"net/http"
	"strconv"

	"github.com/shiftwatt/shiftwatt/pkg/carbon"
	"github.com/shiftwatt/shiftwatt/pkg/penalty"
	"github.com/shiftwatt/shiftwatt/pkg/tariff"
	"github.com/shiftwatt/shiftwatt/pkg/types"
)

// homePlan resolves the home's settings and tariff plan in one step; almost
// every read endpoint needs both.
func (s *Server) homePlan(r *http.Request) (types.Settings, types.TariffPlan, error) {
	ctx := r.Context()
	settings, version, err := s.db.GetSettings(ctx, s.getHomeID(r))
	if err != nil {
		return types.Settings{}, types.TariffPlan{}, err
	}
	settings, _, err = types.MigrateSettings(settings, version)
	if err != nil {
		return types.Settings{}, types.TariffPlan{}, err
	}
	plan, err := s.catalog.Plan(ctx, settings.TariffPlanID)
	if err != nil {
		return types.Settings{}, types.TariffPlan{}, err
	}
	return settings, plan, nil
}

// queryHour parses the optional hour query parameter, defaulting to the
// current hour.
func (s *Server) queryHour(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("hour")
	if raw == "" {
		return s.now().Hour(), nil
	}
	hour, err := strconv.Atoi(raw)
	if err != nil || hour < 0 || hour > 23 {
		return 0, types.ErrValidation
	}
	return hour, nil
}

type slotResponse struct {
	Hour int              `json:"hour"`
	Slot types.TariffSlot `json:"slot"`
}

func (s *Server) handleTariffSlot(w http.ResponseWriter, r *http.Request) {
	hour, err := s.queryHour(r)
	if err != nil {
		writeJSONError(w, "hour must be 0-23", http.StatusBadRequest)
		return
	}
	_, plan, err := s.homePlan(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, slotResponse{Hour: hour, Slot: tariff.Resolve(plan.Slots, hour)})
}

func (s *Server) handleTariffNextChange(w http.ResponseWriter, r *http.Request) {
	hour, err := s.queryHour(r)
	if err != nil {
		writeJSONError(w, "hour must be 0-23", http.StatusBadRequest)
		return
	}
	_, plan, err := s.homePlan(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	changeHour, slot := tariff.NextChange(plan.Slots, hour)
	writeJSON(w, slotResponse{Hour: changeHour, Slot: slot})
}

func (s *Server) handlePenaltyTimeline(w http.ResponseWriter, r *http.Request) {
	settings, plan, err := s.homePlan(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sched := s.carbon.Schedule(r.Context(), settings.Region)
	writeJSON(w, struct {
		Strategy  types.Strategy        `json:"strategy"`
		Threshold float64               `json:"threshold"`
		Timeline  []penalty.HourPenalty `json:"timeline"`
	}{
		Strategy:  settings.Strategy,
		Threshold: settings.PenaltyThreshold,
		Timeline:  penalty.Timeline(plan, sched, settings.Strategy, settings.PenaltyThreshold),
	})
}

func (s *Server) handleCleanestHours(w http.ResponseWriter, r *http.Request) {
	n := 4
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 24 {
			writeJSONError(w, "n must be 1-24", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	settings, _, err := s.homePlan(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, struct {
		Region string `json:"region"`
		Hours  []int  `json:"hours"`
	}{
		Region: settings.Region,
		Hours:  s.carbon.CleanestHours(r.Context(), settings.Region, n),
	})
}

func (s *Server) handleCleanWindow(w http.ResponseWriter, r *http.Request) {
	hour, err := s.queryHour(r)
	if err != nil {
		writeJSONError(w, "hour must be 0-23", http.StatusBadRequest)
		return
	}
	settings, _, err := s.homePlan(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sched := s.carbon.Schedule(r.Context(), settings.Region)
	writeJSON(w, struct {
		Hour      int     `json:"hour"`
		Clean     bool    `json:"clean"`
		Intensity float64 `json:"intensity"`
		Average   float64 `json:"average"`
	}{
		Hour:      hour,
		Clean:     carbon.IsCleanWindow(sched, hour),
		Intensity: carbon.Intensity(sched, hour),
		Average:   sched.Average(),
	})
}
