package storagemock

import (
	"context"
	"time"

	"github.com/shiftwatt/shiftwatt/pkg/storage"
	"github.com/shiftwatt/shiftwatt/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context, homeID string) (types.Settings, int, error) {
	args := m.Called(ctx, homeID)
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, homeID string, settings types.Settings, version int) error {
	args := m.Called(ctx, homeID, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) ListAutopilotHomes(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]string), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetAppliance(ctx context.Context, homeID, applianceID string) (types.Appliance, error) {
	args := m.Called(ctx, homeID, applianceID)
	if len(args) > 0 {
		return args.Get(0).(types.Appliance), args.Error(1)
	}
	return types.Appliance{}, nil
}

func (m *MockDatabase) ListAppliances(ctx context.Context, homeID string) ([]types.Appliance, error) {
	args := m.Called(ctx, homeID)
	if len(args) > 0 {
		return args.Get(0).([]types.Appliance), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) PutAppliance(ctx context.Context, appliance types.Appliance) error {
	args := m.Called(ctx, appliance)
	return args.Error(0)
}

func (m *MockDatabase) UpdateApplianceState(ctx context.Context, homeID, applianceID string, status types.ApplianceStatus, ecoMode bool) error {
	args := m.Called(ctx, homeID, applianceID, status, ecoMode)
	return args.Error(0)
}

func (m *MockDatabase) GetSchedule(ctx context.Context, homeID, scheduleID string) (types.Schedule, error) {
	args := m.Called(ctx, homeID, scheduleID)
	if len(args) > 0 {
		return args.Get(0).(types.Schedule), args.Error(1)
	}
	return types.Schedule{}, nil
}

func (m *MockDatabase) GetActiveSchedule(ctx context.Context, homeID, applianceID string) (*types.Schedule, error) {
	args := m.Called(ctx, homeID, applianceID)
	val := args.Get(0)
	if val == nil {
		return nil, args.Error(1)
	}
	return val.(*types.Schedule), args.Error(1)
}

func (m *MockDatabase) ListSchedules(ctx context.Context, homeID string) ([]types.Schedule, error) {
	args := m.Called(ctx, homeID)
	if len(args) > 0 {
		return args.Get(0).([]types.Schedule), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) ListActiveSchedules(ctx context.Context) ([]types.Schedule, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]types.Schedule), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) CreateSchedule(ctx context.Context, schedule types.Schedule) error {
	args := m.Called(ctx, schedule)
	return args.Error(0)
}

func (m *MockDatabase) UpdateSchedule(ctx context.Context, schedule types.Schedule, expectedVersion int) error {
	args := m.Called(ctx, schedule, expectedVersion)
	return args.Error(0)
}

func (m *MockDatabase) InsertExecutionRecord(ctx context.Context, rec types.ScheduleExecutionRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockDatabase) GetExecutionHistory(ctx context.Context, homeID string, start, end time.Time) ([]types.ScheduleExecutionRecord, error) {
	args := m.Called(ctx, homeID, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.ScheduleExecutionRecord), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) InsertAuditRecord(ctx context.Context, rec types.ControlAuditRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockDatabase) GetAuditHistory(ctx context.Context, homeID string, start, end time.Time) ([]types.ControlAuditRecord, error) {
	args := m.Called(ctx, homeID, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.ControlAuditRecord), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetAutopilotConfig(ctx context.Context, homeID, applianceID string) (types.DeviceAutopilotConfig, error) {
	args := m.Called(ctx, homeID, applianceID)
	if len(args) > 0 {
		return args.Get(0).(types.DeviceAutopilotConfig), args.Error(1)
	}
	return types.DeviceAutopilotConfig{}, nil
}

func (m *MockDatabase) ListDelegated(ctx context.Context, homeID string) ([]types.DeviceAutopilotConfig, error) {
	args := m.Called(ctx, homeID)
	if len(args) > 0 {
		return args.Get(0).([]types.DeviceAutopilotConfig), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) SetAutopilotConfig(ctx context.Context, cfg types.DeviceAutopilotConfig) error {
	args := m.Called(ctx, cfg)
	return args.Error(0)
}

func (m *MockDatabase) GetSavedState(ctx context.Context, homeID, applianceID string, trigger types.AutopilotTrigger) (types.AutopilotSavedState, error) {
	args := m.Called(ctx, homeID, applianceID, trigger)
	if len(args) > 0 {
		return args.Get(0).(types.AutopilotSavedState), args.Error(1)
	}
	return types.AutopilotSavedState{}, nil
}

func (m *MockDatabase) PutSavedState(ctx context.Context, state types.AutopilotSavedState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *MockDatabase) GetTariffPlan(ctx context.Context, planID string) (types.TariffPlan, error) {
	args := m.Called(ctx, planID)
	if len(args) > 0 {
		return args.Get(0).(types.TariffPlan), args.Error(1)
	}
	return types.TariffPlan{}, nil
}

func (m *MockDatabase) PutTariffPlan(ctx context.Context, plan types.TariffPlan) error {
	args := m.Called(ctx, plan)
	return args.Error(0)
}

func (m *MockDatabase) GetCarbonSchedule(ctx context.Context, region string) (types.CarbonSchedule, error) {
	args := m.Called(ctx, region)
	if len(args) > 0 {
		return args.Get(0).(types.CarbonSchedule), args.Error(1)
	}
	return types.CarbonSchedule{}, nil
}

func (m *MockDatabase) PutCarbonSchedule(ctx context.Context, schedule types.CarbonSchedule) error {
	args := m.Called(ctx, schedule)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
