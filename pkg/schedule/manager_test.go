package schedule

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shiftwatt/shiftwatt/pkg/device"
	"github.com/shiftwatt/shiftwatt/pkg/notify"
	"github.com/shiftwatt/shiftwatt/pkg/storage"
	"github.com/shiftwatt/shiftwatt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAppliance() types.Appliance {
	return types.Appliance{
		ID:           "washer",
		HomeID:       "home-1",
		Name:         "Washer",
		Controllable: true,
		Tier:         types.TierShiftable,
		Status:       types.StatusOff,
	}
}

func newTestManager(t *testing.T, ctrl device.Controller) (*Manager, *storage.Memory) {
	t.Helper()
	db := storage.NewMemory()
	require.NoError(t, db.PutAppliance(context.Background(), testAppliance()))
	if ctrl == nil {
		ctrl = device.NewVirtual()
	}
	adapter := device.NewAdapter(db, ctrl, ctrl)
	m := NewManager(db, adapter, notify.NewLogNotifier())
	m.retryBackoff = time.Millisecond
	t.Cleanup(m.Stop)
	return m, db
}

// A once-only schedule with no end time arms exactly one trigger, fires it,
// logs one successful execution, and goes inactive.
func TestOnceScheduleLifecycle(t *testing.T) {
	ctx := context.Background()
	m, db := newTestManager(t, nil)

	sched, err := m.Create(ctx, types.Schedule{
		HomeID:      "home-1",
		ApplianceID: "washer",
		StartTime:   time.Now().Add(30 * time.Millisecond),
		Repeat:      types.RepeatSpec{Kind: types.RepeatOnce},
		CreatedBy:   types.CreatorUser,
	})
	require.NoError(t, err)

	m.mu.Lock()
	assert.Len(t, m.timers, 1)
	m.mu.Unlock()

	// appliance shows as scheduled until the trigger fires
	appliance, err := db.GetAppliance(ctx, "home-1", "washer")
	require.NoError(t, err)
	assert.Equal(t, types.StatusScheduled, appliance.Status)

	require.Eventually(t, func() bool {
		got, err := db.GetSchedule(ctx, "home-1", sched.ID)
		return err == nil && !got.Active
	}, 2*time.Second, 10*time.Millisecond)

	appliance, err = db.GetAppliance(ctx, "home-1", "washer")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOn, appliance.Status)

	recs, err := db.GetExecutionHistory(ctx, "home-1", time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.ActionOn, recs[0].Action)
	assert.Equal(t, types.ExecutionSuccess, recs[0].Result)
	assert.Equal(t, 1, recs[0].Attempt)
}

func TestCreateDeactivatesExisting(t *testing.T) {
	ctx := context.Background()
	m, db := newTestManager(t, nil)

	first, err := m.Create(ctx, types.Schedule{
		HomeID:      "home-1",
		ApplianceID: "washer",
		StartTime:   time.Now().Add(time.Hour),
		Repeat:      types.RepeatSpec{Kind: types.RepeatOnce},
	})
	require.NoError(t, err)

	second, err := m.Create(ctx, types.Schedule{
		HomeID:      "home-1",
		ApplianceID: "washer",
		StartTime:   time.Now().Add(2 * time.Hour),
		Repeat:      types.RepeatSpec{Kind: types.RepeatOnce},
	})
	require.NoError(t, err)

	got, err := db.GetSchedule(ctx, "home-1", first.ID)
	require.NoError(t, err)
	assert.False(t, got.Active, "creating a schedule deactivates the prior active one")

	active, err := db.GetActiveSchedule(ctx, "home-1", "washer")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)

	// only the new schedule's trigger remains armed
	m.mu.Lock()
	assert.Len(t, m.timers, 1)
	m.mu.Unlock()
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)

	tests := []struct {
		name  string
		sched types.Schedule
	}{
		{
			name: "missing appliance id",
			sched: types.Schedule{
				HomeID:    "home-1",
				StartTime: time.Now().Add(time.Hour),
				Repeat:    types.RepeatSpec{Kind: types.RepeatOnce},
			},
		},
		{
			name: "one-shot start in the past",
			sched: types.Schedule{
				HomeID:      "home-1",
				ApplianceID: "washer",
				StartTime:   time.Now().Add(-time.Hour),
				Repeat:      types.RepeatSpec{Kind: types.RepeatOnce},
			},
		},
		{
			name: "end before start",
			sched: types.Schedule{
				HomeID:      "home-1",
				ApplianceID: "washer",
				StartTime:   time.Now().Add(2 * time.Hour),
				EndTime:     time.Now().Add(time.Hour),
				Repeat:      types.RepeatSpec{Kind: types.RepeatOnce},
			},
		},
		{
			name: "custom repeat without days",
			sched: types.Schedule{
				HomeID:      "home-1",
				ApplianceID: "washer",
				StartTime:   time.Now().Add(time.Hour),
				Repeat:      types.RepeatSpec{Kind: types.RepeatCustom},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(ctx, tt.sched)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestCreateNotControllable(t *testing.T) {
	ctx := context.Background()
	m, db := newTestManager(t, nil)

	fixed := testAppliance()
	fixed.ID = "fridge"
	fixed.Controllable = false
	require.NoError(t, db.PutAppliance(ctx, fixed))

	_, err := m.Create(ctx, types.Schedule{
		HomeID:      "home-1",
		ApplianceID: "fridge",
		StartTime:   time.Now().Add(time.Hour),
		Repeat:      types.RepeatSpec{Kind: types.RepeatOnce},
	})
	assert.ErrorIs(t, err, types.ErrNotControllable)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	m, db := newTestManager(t, nil)

	sched, err := m.Create(ctx, types.Schedule{
		HomeID:      "home-1",
		ApplianceID: "washer",
		StartTime:   time.Now().Add(time.Hour),
		Repeat:      types.RepeatSpec{Kind: types.RepeatOnce},
	})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, "home-1", sched.ID))

	got, err := db.GetSchedule(ctx, "home-1", sched.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	m.mu.Lock()
	assert.Empty(t, m.timers)
	m.mu.Unlock()

	// the SCHEDULED badge is cleared
	appliance, err := db.GetAppliance(ctx, "home-1", "washer")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOff, appliance.Status)

	// idempotent
	assert.NoError(t, m.Cancel(ctx, "home-1", sched.ID))
}

func TestRearmNeverFiresRetroactively(t *testing.T) {
	ctx := context.Background()
	m, db := newTestManager(t, nil)

	// simulate schedules persisted by a previous process
	require.NoError(t, db.CreateSchedule(ctx, types.Schedule{
		ID:          "expired-once",
		HomeID:      "home-1",
		ApplianceID: "washer",
		StartTime:   time.Now().Add(-time.Hour),
		Repeat:      types.RepeatSpec{Kind: types.RepeatOnce},
		Active:      true,
		Version:     1,
	}))
	require.NoError(t, db.CreateSchedule(ctx, types.Schedule{
		ID:          "daily",
		HomeID:      "home-1",
		ApplianceID: "dryer",
		StartTime:   time.Now().Add(-time.Hour),
		Repeat:      types.RepeatSpec{Kind: types.RepeatDaily},
		Active:      true,
		Version:     1,
	}))

	require.NoError(t, m.Rearm(ctx))

	// the expired one-shot is deactivated, not fired
	got, err := db.GetSchedule(ctx, "home-1", "expired-once")
	require.NoError(t, err)
	assert.False(t, got.Active)

	// the repeating schedule stays active, armed for a future instant
	got, err = db.GetSchedule(ctx, "home-1", "daily")
	require.NoError(t, err)
	assert.True(t, got.Active)
	m.mu.Lock()
	_, armed := m.timers[timerKey("daily", types.ActionOn)]
	m.mu.Unlock()
	assert.True(t, armed)

	// nothing fired
	recs, err := db.GetExecutionHistory(ctx, "home-1", time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

// failingController rejects every command.
type failingController struct {
	mu    sync.Mutex
	calls int
}

func (f *failingController) bump() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return fmt.Errorf("%w: plug gone", types.ErrDeviceUnreachable)
}

func (f *failingController) TurnOn(ctx context.Context, a types.Appliance) error  { return f.bump() }
func (f *failingController) TurnOff(ctx context.Context, a types.Appliance) error { return f.bump() }
func (f *failingController) SetEcoMode(ctx context.Context, a types.Appliance, enabled bool) error {
	return f.bump()
}

func TestFireRetriesThreeTimes(t *testing.T) {
	ctx := context.Background()
	ctrl := &failingController{}
	m, db := newTestManager(t, ctrl)

	sched, err := m.Create(ctx, types.Schedule{
		HomeID:      "home-1",
		ApplianceID: "washer",
		StartTime:   time.Now().Add(20 * time.Millisecond),
		Repeat:      types.RepeatSpec{Kind: types.RepeatOnce},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := db.GetSchedule(ctx, "home-1", sched.ID)
		return err == nil && !got.Active
	}, 2*time.Second, 10*time.Millisecond)

	ctrl.mu.Lock()
	assert.Equal(t, 3, ctrl.calls)
	ctrl.mu.Unlock()

	// one execution record per attempt, all device_unreachable
	recs, err := db.GetExecutionHistory(ctx, "home-1", time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, i+1, rec.Attempt)
		assert.Equal(t, types.ExecutionUnreachable, rec.Result)
		assert.NotEmpty(t, rec.Error)
	}
}

// A request the device adapter rejects outright is not retried: only
// unreachable/rejected device failures share the retry budget.
func TestFireNotControllableNotRetried(t *testing.T) {
	ctx := context.Background()
	m, db := newTestManager(t, nil)

	sched, err := m.Create(ctx, types.Schedule{
		HomeID:      "home-1",
		ApplianceID: "washer",
		StartTime:   time.Now().Add(30 * time.Millisecond),
		Repeat:      types.RepeatSpec{Kind: types.RepeatOnce},
	})
	require.NoError(t, err)

	// the appliance loses controllability between arm and fire
	fixed := testAppliance()
	fixed.Controllable = false
	fixed.Status = types.StatusScheduled
	require.NoError(t, db.PutAppliance(ctx, fixed))

	require.Eventually(t, func() bool {
		got, err := db.GetSchedule(ctx, "home-1", sched.ID)
		return err == nil && !got.Active
	}, 2*time.Second, 10*time.Millisecond)

	// exactly one failed attempt, no retries
	recs, err := db.GetExecutionHistory(ctx, "home-1", time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].Attempt)
	assert.Equal(t, types.ExecutionFailed, recs[0].Result)
	assert.Contains(t, recs[0].Error, "not controllable")
}

// overrideSpy records override calls from user-created schedules.
type overrideSpy struct {
	mu    sync.Mutex
	calls []string
}

func (o *overrideSpy) RecordOverride(ctx context.Context, homeID, applianceID string, source types.TriggerSource) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, applianceID+"/"+string(source))
	return nil
}

func TestUserScheduleRecordsOverride(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)
	spy := &overrideSpy{}
	m.SetOverrideRecorder(spy)

	_, err := m.Create(ctx, types.Schedule{
		HomeID:      "home-1",
		ApplianceID: "washer",
		StartTime:   time.Now().Add(time.Hour),
		Repeat:      types.RepeatSpec{Kind: types.RepeatOnce},
		CreatedBy:   types.CreatorUser,
	})
	require.NoError(t, err)

	spy.mu.Lock()
	assert.Equal(t, []string{"washer/schedule"}, spy.calls)
	spy.mu.Unlock()

	// autopilot-created schedules do not count as user overrides
	_, err = m.Create(ctx, types.Schedule{
		HomeID:      "home-1",
		ApplianceID: "washer",
		StartTime:   time.Now().Add(2 * time.Hour),
		Repeat:      types.RepeatSpec{Kind: types.RepeatOnce},
		CreatedBy:   types.CreatorAutopilot,
	})
	require.NoError(t, err)

	spy.mu.Lock()
	assert.Len(t, spy.calls, 1)
	spy.mu.Unlock()
}

func TestOnOffWindow(t *testing.T) {
	ctx := context.Background()
	m, db := newTestManager(t, nil)

	start := time.Now().Add(30 * time.Millisecond)
	sched, err := m.Create(ctx, types.Schedule{
		HomeID:      "home-1",
		ApplianceID: "washer",
		StartTime:   start,
		EndTime:     start.Add(60 * time.Millisecond),
		Repeat:      types.RepeatSpec{Kind: types.RepeatOnce},
	})
	require.NoError(t, err)

	// both the on and off triggers are armed
	m.mu.Lock()
	assert.Len(t, m.timers, 2)
	m.mu.Unlock()

	require.Eventually(t, func() bool {
		got, err := db.GetSchedule(ctx, "home-1", sched.ID)
		return err == nil && !got.Active
	}, 2*time.Second, 10*time.Millisecond)

	appliance, err := db.GetAppliance(ctx, "home-1", "washer")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOff, appliance.Status)

	recs, err := db.GetExecutionHistory(ctx, "home-1", time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, types.ActionOn, recs[0].Action)
	assert.Equal(t, types.ActionOff, recs[1].Action)
}
