package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shiftwatt/shiftwatt/pkg/types"
)

// Memory is an in-process Database used by tests and the demo/memory
// provider. All methods are safe for concurrent use.
type Memory struct {
	mu sync.Mutex

	settings        map[string]types.Settings
	settingsVersion map[string]int

	appliances map[string]types.Appliance // key homeID/applianceID
	schedules  map[string]types.Schedule  // key homeID/scheduleID

	executions []types.ScheduleExecutionRecord
	audits     []types.ControlAuditRecord

	configs     map[string]types.DeviceAutopilotConfig // key homeID/applianceID
	savedStates map[string]types.AutopilotSavedState   // key homeID/applianceID/trigger

	plans   map[string]types.TariffPlan
	carbons map[string]types.CarbonSchedule
}

var _ Database = (*Memory)(nil)

// NewMemory creates an empty in-memory Database.
func NewMemory() *Memory {
	return &Memory{
		settings:        make(map[string]types.Settings),
		settingsVersion: make(map[string]int),
		appliances:      make(map[string]types.Appliance),
		schedules:       make(map[string]types.Schedule),
		configs:         make(map[string]types.DeviceAutopilotConfig),
		savedStates:     make(map[string]types.AutopilotSavedState),
		plans:           make(map[string]types.TariffPlan),
		carbons:         make(map[string]types.CarbonSchedule),
	}
}

func key2(a, b string) string    { return a + "/" + b }
func key3(a, b, c string) string { return a + "/" + b + "/" + c }

func (m *Memory) GetSettings(ctx context.Context, homeID string) (types.Settings, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings[homeID], m.settingsVersion[homeID], nil
}

func (m *Memory) SetSettings(ctx context.Context, homeID string, settings types.Settings, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[homeID] = settings
	m.settingsVersion[homeID] = version
	return nil
}

func (m *Memory) ListAutopilotHomes(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var homes []string
	for homeID, s := range m.settings {
		if s.AutopilotEnabled {
			homes = append(homes, homeID)
		}
	}
	sort.Strings(homes)
	return homes, nil
}

func (m *Memory) GetAppliance(ctx context.Context, homeID, applianceID string) (types.Appliance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appliances[key2(homeID, applianceID)]
	if !ok {
		return types.Appliance{}, fmt.Errorf("%w: %s", ErrApplianceNotFound, applianceID)
	}
	return a, nil
}

func (m *Memory) ListAppliances(ctx context.Context, homeID string) ([]types.Appliance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Appliance
	for _, a := range m.appliances {
		if a.HomeID == homeID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PutAppliance(ctx context.Context, appliance types.Appliance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appliances[key2(appliance.HomeID, appliance.ID)] = appliance
	return nil
}

func (m *Memory) UpdateApplianceState(ctx context.Context, homeID, applianceID string, status types.ApplianceStatus, ecoMode bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(homeID, applianceID)
	a, ok := m.appliances[k]
	if !ok {
		return fmt.Errorf("%w: %s", ErrApplianceNotFound, applianceID)
	}
	a.Status = status
	a.EcoModeEnabled = ecoMode
	m.appliances[k] = a
	return nil
}

func (m *Memory) GetSchedule(ctx context.Context, homeID, scheduleID string) (types.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[key2(homeID, scheduleID)]
	if !ok {
		return types.Schedule{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, scheduleID)
	}
	return s, nil
}

func (m *Memory) GetActiveSchedule(ctx context.Context, homeID, applianceID string) (*types.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.schedules {
		if s.HomeID == homeID && s.ApplianceID == applianceID && s.Active {
			cp := s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListSchedules(ctx context.Context, homeID string) ([]types.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Schedule
	for _, s := range m.schedules {
		if s.HomeID == homeID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListActiveSchedules(ctx context.Context) ([]types.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Schedule
	for _, s := range m.schedules {
		if s.Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateSchedule(ctx context.Context, schedule types.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[key2(schedule.HomeID, schedule.ID)] = schedule
	return nil
}

func (m *Memory) UpdateSchedule(ctx context.Context, schedule types.Schedule, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(schedule.HomeID, schedule.ID)
	existing, ok := m.schedules[k]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, schedule.ID)
	}
	if existing.Version != expectedVersion {
		return fmt.Errorf("%w: schedule %s at version %d, expected %d",
			types.ErrConcurrentModification, schedule.ID, existing.Version, expectedVersion)
	}
	schedule.Version = expectedVersion + 1
	m.schedules[k] = schedule
	return nil
}

func (m *Memory) InsertExecutionRecord(ctx context.Context, rec types.ScheduleExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions = append(m.executions, rec)
	return nil
}

func (m *Memory) GetExecutionHistory(ctx context.Context, homeID string, start, end time.Time) ([]types.ScheduleExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ScheduleExecutionRecord
	for _, r := range m.executions {
		if r.HomeID == homeID && !r.Timestamp.Before(start) && r.Timestamp.Before(end) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) InsertAuditRecord(ctx context.Context, rec types.ControlAuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, rec)
	return nil
}

func (m *Memory) GetAuditHistory(ctx context.Context, homeID string, start, end time.Time) ([]types.ControlAuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ControlAuditRecord
	for _, r := range m.audits {
		if r.HomeID == homeID && !r.Timestamp.Before(start) && r.Timestamp.Before(end) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) GetAutopilotConfig(ctx context.Context, homeID, applianceID string) (types.DeviceAutopilotConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[key2(homeID, applianceID)]
	if !ok {
		return types.DeviceAutopilotConfig{}, fmt.Errorf("%w: %s", ErrConfigNotFound, applianceID)
	}
	return c, nil
}

func (m *Memory) ListDelegated(ctx context.Context, homeID string) ([]types.DeviceAutopilotConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.DeviceAutopilotConfig
	for _, c := range m.configs {
		if c.HomeID == homeID && c.Delegated {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ApplianceID < out[j].ApplianceID })
	return out, nil
}

func (m *Memory) SetAutopilotConfig(ctx context.Context, cfg types.DeviceAutopilotConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[key2(cfg.HomeID, cfg.ApplianceID)] = cfg
	return nil
}

func (m *Memory) GetSavedState(ctx context.Context, homeID, applianceID string, trigger types.AutopilotTrigger) (types.AutopilotSavedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.savedStates[key3(homeID, applianceID, string(trigger))]
	if !ok {
		return types.AutopilotSavedState{}, fmt.Errorf("%w: %s/%s", ErrStateNotFound, applianceID, trigger)
	}
	return s, nil
}

func (m *Memory) PutSavedState(ctx context.Context, state types.AutopilotSavedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savedStates[key3(state.HomeID, state.ApplianceID, string(state.Trigger))] = state
	return nil
}

func (m *Memory) GetTariffPlan(ctx context.Context, planID string) (types.TariffPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[planID]
	if !ok {
		return types.TariffPlan{}, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	return p, nil
}

func (m *Memory) PutTariffPlan(ctx context.Context, plan types.TariffPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[plan.ID] = plan
	return nil
}

func (m *Memory) GetCarbonSchedule(ctx context.Context, region string) (types.CarbonSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carbons[region]
	if !ok {
		return types.CarbonSchedule{}, fmt.Errorf("%w: %s", ErrCarbonNotFound, region)
	}
	return c, nil
}

func (m *Memory) PutCarbonSchedule(ctx context.Context, schedule types.CarbonSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carbons[schedule.Region] = schedule
	return nil
}

func (m *Memory) Close() error {
	return nil
}
