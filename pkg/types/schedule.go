package types

import (
	"fmt"
	"time"
)

// RepeatKind describes how a schedule repeats.
type RepeatKind string

const (
	RepeatOnce     RepeatKind = "once"
	RepeatDaily    RepeatKind = "daily"
	RepeatWeekdays RepeatKind = "weekdays"
	RepeatWeekends RepeatKind = "weekends"
	RepeatCustom   RepeatKind = "custom"
)

// RepeatSpec is the repeat specification for a schedule. Days is only used
// when Kind is RepeatCustom.
type RepeatSpec struct {
	Kind RepeatKind     `json:"kind"`
	Days []time.Weekday `json:"days,omitempty"`
}

// Validate checks the spec for internal consistency.
func (r RepeatSpec) Validate() error {
	switch r.Kind {
	case RepeatOnce, RepeatDaily, RepeatWeekdays, RepeatWeekends:
		if len(r.Days) > 0 {
			return fmt.Errorf("%w: days only allowed with custom repeat", ErrValidation)
		}
		return nil
	case RepeatCustom:
		if len(r.Days) == 0 {
			return fmt.Errorf("%w: custom repeat requires at least one day", ErrValidation)
		}
		for _, d := range r.Days {
			if d < time.Sunday || d > time.Saturday {
				return fmt.Errorf("%w: invalid weekday %d", ErrValidation, d)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: unknown repeat kind %q", ErrValidation, r.Kind)
}

// Matches reports whether the spec fires on the given weekday.
func (r RepeatSpec) Matches(d time.Weekday) bool {
	switch r.Kind {
	case RepeatOnce, RepeatDaily:
		return true
	case RepeatWeekdays:
		return d >= time.Monday && d <= time.Friday
	case RepeatWeekends:
		return d == time.Saturday || d == time.Sunday
	case RepeatCustom:
		for _, day := range r.Days {
			if day == d {
				return true
			}
		}
	}
	return false
}

// Repeating reports whether the schedule re-arms after firing.
func (r RepeatSpec) Repeating() bool {
	return r.Kind != RepeatOnce
}

// ScheduleCreator tags who created a schedule.
type ScheduleCreator string

const (
	CreatorUser      ScheduleCreator = "user"
	CreatorAutopilot ScheduleCreator = "autopilot"
)

// Schedule is a user- or autopilot-created automation for one appliance. At
// most one active schedule exists per appliance; creating a new one
// deactivates the previous (last writer wins).
type Schedule struct {
	ID          string `json:"id"`
	HomeID      string `json:"homeID"`
	ApplianceID string `json:"applianceID"`

	StartTime time.Time `json:"startTime"`
	// EndTime is optional; zero means no off-trigger is armed.
	EndTime time.Time  `json:"endTime,omitzero"`
	Repeat  RepeatSpec `json:"repeat"`

	Active    bool            `json:"active"`
	CreatedBy ScheduleCreator `json:"createdBy"`
	CreatedAt time.Time       `json:"createdAt"`

	// Version guards concurrent updates to the active flag. It is incremented
	// on every write; a stale update fails with ErrConcurrentModification.
	Version int `json:"version"`
}

// ScheduleAction is the action a schedule trigger performs.
type ScheduleAction string

const (
	ActionOn  ScheduleAction = "on"
	ActionOff ScheduleAction = "off"
)

// ExecutionResult is the outcome of a single trigger attempt.
type ExecutionResult string

const (
	ExecutionSuccess     ExecutionResult = "success"
	ExecutionFailed      ExecutionResult = "failed"
	ExecutionUnreachable ExecutionResult = "device_unreachable"
)

// ScheduleExecutionRecord is an append-only log entry per trigger attempt.
// Records are never mutated after insert.
type ScheduleExecutionRecord struct {
	ID          string          `json:"id"`
	HomeID      string          `json:"homeID"`
	ScheduleID  string          `json:"scheduleID"`
	ApplianceID string          `json:"applianceID"`
	Timestamp   time.Time       `json:"timestamp"`
	Action      ScheduleAction  `json:"action"`
	Attempt     int             `json:"attempt"`
	Result      ExecutionResult `json:"result"`
	Error       string          `json:"error,omitempty"`
}
