package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shiftwatt/shiftwatt/pkg/types"
)

var (
	ErrApplianceNotFound = errors.New("appliance not found")
	ErrScheduleNotFound  = errors.New("schedule not found")
	ErrPlanNotFound      = errors.New("tariff plan not found")
	ErrConfigNotFound    = errors.New("autopilot config not found")
	ErrStateNotFound     = errors.New("saved state not found")
	ErrCarbonNotFound    = errors.New("carbon schedule not found")
)

// Database defines the interface for persisting engine state. Implementations
// must provide read-modify-write with per-entity isolation; the versioned
// schedule update is the only compare-and-swap the engine relies on.
type Database interface {
	// Settings
	GetSettings(ctx context.Context, homeID string) (types.Settings, int, error)
	SetSettings(ctx context.Context, homeID string, settings types.Settings, version int) error
	// ListAutopilotHomes returns the IDs of all homes whose settings have
	// autopilot enabled.
	ListAutopilotHomes(ctx context.Context) ([]string, error)

	// Appliances
	GetAppliance(ctx context.Context, homeID, applianceID string) (types.Appliance, error)
	ListAppliances(ctx context.Context, homeID string) ([]types.Appliance, error)
	PutAppliance(ctx context.Context, appliance types.Appliance) error
	// UpdateApplianceState persists the status and eco-mode flag. Only the
	// device adapter calls this.
	UpdateApplianceState(ctx context.Context, homeID, applianceID string, status types.ApplianceStatus, ecoMode bool) error

	// Schedules
	GetSchedule(ctx context.Context, homeID, scheduleID string) (types.Schedule, error)
	// GetActiveSchedule returns nil when the appliance has no active schedule.
	GetActiveSchedule(ctx context.Context, homeID, applianceID string) (*types.Schedule, error)
	ListSchedules(ctx context.Context, homeID string) ([]types.Schedule, error)
	// ListActiveSchedules returns active schedules across all homes; used to
	// re-arm triggers on process start.
	ListActiveSchedules(ctx context.Context) ([]types.Schedule, error)
	CreateSchedule(ctx context.Context, schedule types.Schedule) error
	// UpdateSchedule writes the schedule only if the stored version equals
	// expectedVersion, bumping the version by one. A mismatch returns
	// types.ErrConcurrentModification.
	UpdateSchedule(ctx context.Context, schedule types.Schedule, expectedVersion int) error

	// Execution log (append-only)
	InsertExecutionRecord(ctx context.Context, rec types.ScheduleExecutionRecord) error
	GetExecutionHistory(ctx context.Context, homeID string, start, end time.Time) ([]types.ScheduleExecutionRecord, error)

	// Control audit log (append-only)
	InsertAuditRecord(ctx context.Context, rec types.ControlAuditRecord) error
	GetAuditHistory(ctx context.Context, homeID string, start, end time.Time) ([]types.ControlAuditRecord, error)

	// Autopilot
	GetAutopilotConfig(ctx context.Context, homeID, applianceID string) (types.DeviceAutopilotConfig, error)
	ListDelegated(ctx context.Context, homeID string) ([]types.DeviceAutopilotConfig, error)
	SetAutopilotConfig(ctx context.Context, cfg types.DeviceAutopilotConfig) error
	GetSavedState(ctx context.Context, homeID, applianceID string, trigger types.AutopilotTrigger) (types.AutopilotSavedState, error)
	PutSavedState(ctx context.Context, state types.AutopilotSavedState) error

	// Tariff & carbon reference data
	GetTariffPlan(ctx context.Context, planID string) (types.TariffPlan, error)
	PutTariffPlan(ctx context.Context, plan types.TariffPlan) error
	GetCarbonSchedule(ctx context.Context, region string) (types.CarbonSchedule, error)
	PutCarbonSchedule(ctx context.Context, schedule types.CarbonSchedule) error

	// Lifecycle
	Close() error
}
