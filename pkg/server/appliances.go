package server

import (
	"encoding/json"
	"net/http"

	"github.com/shiftwatt/shiftwatt/pkg/intercept"
	"github.com/shiftwatt/shiftwatt/pkg/log"
	"github.com/shiftwatt/shiftwatt/pkg/types"
)

type listAppliancesResponse struct {
	Appliances []types.Appliance `json:"appliances"`
	// NeedsOptimization lists appliances currently running that would be
	// intercepted if switched on right now.
	NeedsOptimization []string `json:"needsOptimization"`
}

func (s *Server) handleListAppliances(w http.ResponseWriter, r *http.Request) {
	appliances, err := s.db.ListAppliances(r.Context(), s.getHomeID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := listAppliancesResponse{Appliances: appliances}
	if _, plan, err := s.homePlan(r); err == nil {
		for _, a := range intercept.NeedsOptimization(appliances, plan.Slots, s.now().Hour()) {
			resp.NeedsOptimization = append(resp.NeedsOptimization, a.ID)
		}
	}
	writeJSON(w, resp)
}

func (s *Server) handlePutAppliance(w http.ResponseWriter, r *http.Request) {
	var appliance types.Appliance
	if err := json.NewDecoder(r.Body).Decode(&appliance); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	appliance.HomeID = s.getHomeID(r)
	if appliance.ID == "" || appliance.Name == "" {
		writeJSONError(w, "id and name are required", http.StatusBadRequest)
		return
	}
	switch appliance.Tier {
	case types.TierShiftable, types.TierPrepNeeded, types.TierComfort, types.TierEssential:
	default:
		writeJSONError(w, "unknown optimization tier", http.StatusBadRequest)
		return
	}
	if appliance.Status == "" {
		appliance.Status = types.StatusOff
	}
	if err := s.db.PutAppliance(r.Context(), appliance); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, appliance)
}

type interceptCheckRequest struct {
	ApplianceID string `json:"applianceID"`
}

type interceptCheckResponse struct {
	Intercept bool               `json:"intercept"`
	Options   *intercept.Options `json:"options,omitempty"`
}

func (s *Server) handleInterceptCheck(w http.ResponseWriter, r *http.Request) {
	var req interceptCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	appliance, err := s.db.GetAppliance(r.Context(), s.getHomeID(r), req.ApplianceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	_, plan, err := s.homePlan(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	hour := s.now().Hour()
	resp := interceptCheckResponse{
		Intercept: intercept.ShouldIntercept(appliance, plan.Slots, hour),
	}
	if resp.Intercept {
		opts := intercept.ScheduleOptions(appliance, plan.Slots, hour)
		resp.Options = &opts
	}
	writeJSON(w, resp)
}

type controlRequest struct {
	ApplianceID string `json:"applianceID"`
	// Action is one of on, off, eco_on, eco_off.
	Action string `json:"action"`
	// Force skips the interception check for turn-on during peak.
	Force bool `json:"force"`
}

type controlResponse struct {
	Intercepted bool               `json:"intercepted"`
	Options     *intercept.Options `json:"options,omitempty"`
	Appliance   *types.Appliance   `json:"appliance,omitempty"`
}

// handleControl executes a manual appliance command. A turn-on during a peak
// slot is intercepted (unless forced) and the caller gets the scheduling
// options instead; every executed command records a manual override so
// autopilot yields.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	homeID := s.getHomeID(r)

	appliance, err := s.db.GetAppliance(ctx, homeID, req.ApplianceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if req.Action == "on" && !req.Force {
		if _, plan, err := s.homePlan(r); err == nil {
			hour := s.now().Hour()
			if intercept.ShouldIntercept(appliance, plan.Slots, hour) {
				opts := intercept.ScheduleOptions(appliance, plan.Slots, hour)
				writeJSON(w, controlResponse{Intercepted: true, Options: &opts})
				return
			}
		}
	}

	switch req.Action {
	case "on":
		err = s.adapter.TurnOn(ctx, appliance, types.SourceManual)
	case "off":
		err = s.adapter.TurnOff(ctx, appliance, types.SourceManual)
	case "eco_on":
		err = s.adapter.SetEcoMode(ctx, appliance, true, types.SourceManual)
	case "eco_off":
		err = s.adapter.SetEcoMode(ctx, appliance, false, types.SourceManual)
	default:
		writeJSONError(w, "unknown action", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// a direct manual action blocks autopilot for the override TTL
	if err := s.engine.RecordOverride(ctx, homeID, appliance.ID, types.SourceManual); err != nil {
		log.Ctx(ctx).Warn("failed to record manual override", "error", err, "applianceID", appliance.ID)
	}

	updated, err := s.db.GetAppliance(ctx, homeID, appliance.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, controlResponse{Appliance: &updated})
}
