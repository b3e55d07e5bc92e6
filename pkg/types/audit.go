package types

import "time"

// TriggerSource identifies what initiated a control action.
type TriggerSource string

const (
	SourceManual    TriggerSource = "manual"
	SourceSchedule  TriggerSource = "schedule"
	SourceAutopilot TriggerSource = "autopilot"
)

// ControlOutcome is the result of a control attempt.
type ControlOutcome string

const (
	OutcomeSuccess ControlOutcome = "success"
	OutcomeFailed  ControlOutcome = "failed"
)

// ControlAuditRecord is appended for every control attempt on an appliance,
// regardless of which adapter variant handled it or whether it succeeded.
type ControlAuditRecord struct {
	ID          string         `json:"id"`
	HomeID      string         `json:"homeID"`
	ApplianceID string         `json:"applianceID"`
	Timestamp   time.Time      `json:"timestamp"`
	Source      TriggerSource  `json:"source"`
	Action      string         `json:"action"`
	Outcome     ControlOutcome `json:"outcome"`
	Error       string         `json:"error,omitempty"`
}
