package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shiftwatt/shiftwatt/pkg/types"
)

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.db.ListSchedules(r.Context(), s.getHomeID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, struct {
		Schedules []types.Schedule `json:"schedules"`
	}{Schedules: schedules})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var sched types.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	sched.HomeID = s.getHomeID(r)
	// the API only creates user schedules; autopilot books its own
	sched.CreatedBy = types.CreatorUser

	created, err := s.manager.Create(r.Context(), sched)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, created)
}

func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := r.PathValue("id")
	if scheduleID == "" {
		writeJSONError(w, "schedule id required", http.StatusBadRequest)
		return
	}
	if err := s.manager.Cancel(r.Context(), s.getHomeID(r), scheduleID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// historyRange parses optional start/end query parameters (RFC 3339),
// defaulting to the last 7 days.
func (s *Server) historyRange(r *http.Request) (time.Time, time.Time, error) {
	now := s.now()
	start, end := now.AddDate(0, 0, -7), now

	if raw := r.URL.Query().Get("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		start = parsed
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		end = parsed
	}
	return start, end, nil
}

func (s *Server) handleExecutionHistory(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.historyRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range", http.StatusBadRequest)
		return
	}
	recs, err := s.db.GetExecutionHistory(r.Context(), s.getHomeID(r), start, end)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, struct {
		Executions []types.ScheduleExecutionRecord `json:"executions"`
	}{Executions: recs})
}

func (s *Server) handleAuditHistory(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.historyRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range", http.StatusBadRequest)
		return
	}
	recs, err := s.db.GetAuditHistory(r.Context(), s.getHomeID(r), start, end)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, struct {
		Audits []types.ControlAuditRecord `json:"audits"`
	}{Audits: recs})
}
