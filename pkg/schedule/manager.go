// Package schedule owns the lifecycle of appliance schedules: creation,
// trigger computation, timer-driven execution with retries, cancellation,
// and re-arming after a process restart. One time.Timer exists per armed
// trigger; armed instants are always re-derivable from persisted schedules,
// so timers are never the source of truth.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/shiftwatt/shiftwatt/pkg/device"
	"github.com/shiftwatt/shiftwatt/pkg/log"
	"github.com/shiftwatt/shiftwatt/pkg/notify"
	"github.com/shiftwatt/shiftwatt/pkg/storage"
	"github.com/shiftwatt/shiftwatt/pkg/types"
)

const (
	// maxAttempts is the shared retry budget per triggered action,
	// covering unreachable and rejected failures alike.
	maxAttempts = 3
	// casRetries bounds the deactivate-then-create read-modify-write loop.
	casRetries = 3
)

// OverrideRecorder is notified when a user creates a schedule for an
// appliance, so autopilot treats the appliance as manually overridden.
type OverrideRecorder interface {
	RecordOverride(ctx context.Context, homeID, applianceID string, source types.TriggerSource) error
}

// Manager arms and fires schedule triggers.
type Manager struct {
	db        storage.Database
	adapter   *device.Adapter
	notifier  notify.Notifier
	overrides OverrideRecorder

	retryBackoff time.Duration
	now          func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// Configured sets up the schedule manager based on flags.
func Configured(db storage.Database, adapter *device.Adapter, notifier notify.Notifier) *Manager {
	backoff := lflag.Duration("schedule-retry-backoff", 30*time.Second, "Delay between schedule execution retries")

	m := NewManager(db, adapter, notifier)
	lflag.Do(func() {
		m.retryBackoff = *backoff
	})
	return m
}

// NewManager creates a manager with default settings.
func NewManager(db storage.Database, adapter *device.Adapter, notifier notify.Notifier) *Manager {
	return &Manager{
		db:           db,
		adapter:      adapter,
		notifier:     notifier,
		retryBackoff: 30 * time.Second,
		now:          time.Now,
		timers:       make(map[string]*time.Timer),
	}
}

// SetOverrideRecorder wires the autopilot override hook. Set once at
// startup; user-created schedules then mark the appliance overridden.
func (m *Manager) SetOverrideRecorder(r OverrideRecorder) {
	m.overrides = r
}

// Create validates and persists a new schedule, deactivating any existing
// active schedule for the appliance first (at most one active schedule per
// appliance, last writer wins), then arms its triggers and marks the
// appliance SCHEDULED.
func (m *Manager) Create(ctx context.Context, sched types.Schedule) (types.Schedule, error) {
	if sched.HomeID == "" || sched.ApplianceID == "" {
		return types.Schedule{}, fmt.Errorf("%w: homeID and applianceID are required", types.ErrValidation)
	}
	if sched.StartTime.IsZero() {
		return types.Schedule{}, fmt.Errorf("%w: startTime is required", types.ErrValidation)
	}
	if err := sched.Repeat.Validate(); err != nil {
		return types.Schedule{}, err
	}
	if !sched.Repeat.Repeating() && !sched.EndTime.IsZero() && !sched.EndTime.After(sched.StartTime) {
		return types.Schedule{}, fmt.Errorf("%w: endTime must be after startTime", types.ErrValidation)
	}
	if !sched.Repeat.Repeating() && !sched.StartTime.After(m.now()) {
		return types.Schedule{}, fmt.Errorf("%w: startTime is in the past", types.ErrValidation)
	}

	appliance, err := m.db.GetAppliance(ctx, sched.HomeID, sched.ApplianceID)
	if err != nil {
		return types.Schedule{}, err
	}
	if !appliance.Controllable {
		return types.Schedule{}, fmt.Errorf("%w: %s", types.ErrNotControllable, appliance.ID)
	}

	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	sched.Active = true
	sched.CreatedAt = m.now()
	sched.Version = 1

	// deactivate-existing-then-create is one atomic transition with
	// respect to other Create/Cancel calls
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.deactivateExistingLocked(ctx, sched.HomeID, sched.ApplianceID); err != nil {
		return types.Schedule{}, err
	}
	if err := m.db.CreateSchedule(ctx, sched); err != nil {
		return types.Schedule{}, err
	}
	if err := m.armLocked(ctx, sched); err != nil {
		return types.Schedule{}, err
	}

	if err := m.adapter.MarkScheduled(ctx, appliance); err != nil {
		log.Ctx(ctx).Warn("failed to mark appliance scheduled", "error", err, "applianceID", appliance.ID)
	}

	if sched.CreatedBy == types.CreatorUser && m.overrides != nil {
		if err := m.overrides.RecordOverride(ctx, sched.HomeID, sched.ApplianceID, types.SourceSchedule); err != nil {
			log.Ctx(ctx).Warn("failed to record schedule override", "error", err, "applianceID", appliance.ID)
		}
	}

	m.notifier.Notify(ctx, sched.HomeID, notify.CategorySchedule,
		fmt.Sprintf("%s scheduled for %s", appliance.Name, sched.StartTime.Format(time.Kitchen)))
	return sched, nil
}

// Cancel deactivates a schedule and unregisters its pending timers. Calling
// it on an already-inactive schedule is a no-op.
func (m *Manager) Cancel(ctx context.Context, homeID, scheduleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unarmLocked(scheduleID)

	sched, err := m.db.GetSchedule(ctx, homeID, scheduleID)
	if err != nil {
		return err
	}
	if !sched.Active {
		return nil
	}
	if err := m.deactivateLocked(ctx, sched); err != nil {
		return err
	}

	// clear the SCHEDULED badge if nothing else set the appliance running
	appliance, err := m.db.GetAppliance(ctx, homeID, sched.ApplianceID)
	if err == nil && appliance.Status == types.StatusScheduled {
		if err := m.db.UpdateApplianceState(ctx, homeID, appliance.ID, types.StatusOff, appliance.EcoModeEnabled); err != nil {
			log.Ctx(ctx).Warn("failed to reset appliance status", "error", err, "applianceID", appliance.ID)
		}
	}
	return nil
}

// Rearm re-derives and registers timers for every persisted active schedule.
// Called once on process start: triggers whose instants have passed are
// never fired retroactively — repeating schedules arm at their next future
// occurrence and expired one-shots are deactivated.
func (m *Manager) Rearm(ctx context.Context) error {
	schedules, err := m.db.ListActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active schedules: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var armed int
	for _, sched := range schedules {
		hctx := log.WithHome(ctx, sched.HomeID)
		if err := m.armLocked(hctx, sched); err != nil {
			log.Ctx(hctx).Error("failed to re-arm schedule", "error", err, "scheduleID", sched.ID)
			continue
		}
		armed++
	}
	log.Ctx(ctx).Info("re-armed schedules", "armed", armed, "total", len(schedules))
	return nil
}

// Stop cancels all pending timers. In-flight firings run to completion.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, t := range m.timers {
		t.Stop()
		delete(m.timers, key)
	}
}

// armLocked registers timers for the schedule's next on-trigger and, when an
// end time is present, the matching off-trigger. A one-shot with no future
// trigger left is deactivated instead.
func (m *Manager) armLocked(ctx context.Context, sched types.Schedule) error {
	now := m.now()

	onAt, onOK := NextOccurrence(now, sched.StartTime, sched.Repeat)
	if onOK {
		m.armTimerLocked(sched, types.ActionOn, onAt.Sub(now))
	}

	if !sched.EndTime.IsZero() {
		offAt, offOK := m.nextOff(now, sched, onAt, onOK)
		if offOK {
			m.armTimerLocked(sched, types.ActionOff, offAt.Sub(now))
		}
		if !onOK && !offOK && !sched.Repeat.Repeating() {
			return m.deactivateLocked(ctx, sched)
		}
	} else if !onOK && !sched.Repeat.Repeating() {
		return m.deactivateLocked(ctx, sched)
	}
	return nil
}

// nextOff computes the next off-trigger instant. For one-shots that is the
// end time itself if still future (covering a restart mid-window). For
// repeats it is the end of the upcoming window, or the end of the current
// window when the process restarts between on and off.
func (m *Manager) nextOff(now time.Time, sched types.Schedule, onAt time.Time, onOK bool) (time.Time, bool) {
	if !sched.Repeat.Repeating() {
		if sched.EndTime.After(now) {
			return sched.EndTime, true
		}
		return time.Time{}, false
	}
	if !onOK {
		return time.Time{}, false
	}
	offAt := onAt.Add(windowDuration(sched.StartTime, sched.EndTime))
	// a restart inside the current window leaves an earlier off pending
	if pending, ok := NextOccurrence(now, sched.EndTime, sched.Repeat); ok && pending.Before(offAt) {
		offAt = pending
	}
	return offAt, true
}

func (m *Manager) armTimerLocked(sched types.Schedule, action types.ScheduleAction, d time.Duration) {
	key := timerKey(sched.ID, action)
	if t, ok := m.timers[key]; ok {
		t.Stop()
	}
	m.timers[key] = time.AfterFunc(d, func() {
		m.fire(sched.HomeID, sched.ID, action)
	})
}

func (m *Manager) unarmLocked(scheduleID string) {
	for _, action := range []types.ScheduleAction{types.ActionOn, types.ActionOff} {
		key := timerKey(scheduleID, action)
		if t, ok := m.timers[key]; ok {
			t.Stop()
			delete(m.timers, key)
		}
	}
}

func timerKey(scheduleID string, action types.ScheduleAction) string {
	return scheduleID + "/" + string(action)
}

// fire executes a triggered action against the appliance, retrying up to the
// shared attempt budget with a fixed backoff. Every attempt appends an
// execution record. Once fired, the action runs to completion and cannot be
// aborted.
func (m *Manager) fire(homeID, scheduleID string, action types.ScheduleAction) {
	ctx := log.WithHome(context.Background(), homeID)

	m.mu.Lock()
	delete(m.timers, timerKey(scheduleID, action))
	m.mu.Unlock()

	sched, err := m.db.GetSchedule(ctx, homeID, scheduleID)
	if err != nil {
		log.Ctx(ctx).Error("fired schedule not found", "error", err, "scheduleID", scheduleID)
		return
	}
	if !sched.Active {
		return
	}
	appliance, err := m.db.GetAppliance(ctx, homeID, sched.ApplianceID)
	if err != nil {
		log.Ctx(ctx).Error("scheduled appliance not found", "error", err, "applianceID", sched.ApplianceID)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = m.dispatch(ctx, appliance, action)
		m.recordAttempt(ctx, sched, action, attempt, lastErr)
		if lastErr == nil {
			break
		}
		log.Ctx(ctx).Warn("schedule execution attempt failed",
			"error", lastErr,
			"scheduleID", sched.ID,
			"attempt", attempt,
		)
		// only device failures share the retry budget; a rejected request
		// cannot succeed on a retry
		if errors.Is(lastErr, types.ErrNotControllable) || errors.Is(lastErr, types.ErrValidation) {
			break
		}
		if attempt < maxAttempts {
			time.Sleep(m.retryBackoff)
		}
	}

	if lastErr == nil {
		m.notifier.Notify(ctx, homeID, notify.CategorySchedule,
			fmt.Sprintf("%s turned %s as scheduled", appliance.Name, action))
	} else {
		m.notifier.Notify(ctx, homeID, notify.CategorySchedule,
			fmt.Sprintf("failed to turn %s %s", appliance.Name, action))
	}

	m.advance(ctx, sched, action)
}

func (m *Manager) dispatch(ctx context.Context, appliance types.Appliance, action types.ScheduleAction) error {
	switch action {
	case types.ActionOn:
		return m.adapter.TurnOn(ctx, appliance, types.SourceSchedule)
	case types.ActionOff:
		return m.adapter.TurnOff(ctx, appliance, types.SourceSchedule)
	default:
		return fmt.Errorf("%w: unknown action %q", types.ErrValidation, action)
	}
}

func (m *Manager) recordAttempt(ctx context.Context, sched types.Schedule, action types.ScheduleAction, attempt int, attemptErr error) {
	rec := types.ScheduleExecutionRecord{
		ID:          uuid.NewString(),
		HomeID:      sched.HomeID,
		ScheduleID:  sched.ID,
		ApplianceID: sched.ApplianceID,
		Timestamp:   m.now(),
		Action:      action,
		Attempt:     attempt,
		Result:      types.ExecutionSuccess,
	}
	if attemptErr != nil {
		rec.Result = types.ExecutionFailed
		if errors.Is(attemptErr, types.ErrDeviceUnreachable) {
			rec.Result = types.ExecutionUnreachable
		}
		rec.Error = attemptErr.Error()
	}
	if err := m.db.InsertExecutionRecord(ctx, rec); err != nil {
		log.Ctx(ctx).Error("failed to insert execution record", "error", err, "scheduleID", sched.ID)
	}
}

// advance moves the schedule to its next lifecycle state after a firing:
// repeating schedules re-arm for the next occurrence; one-shots deactivate
// once their final trigger has fired.
func (m *Manager) advance(ctx context.Context, sched types.Schedule, fired types.ScheduleAction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sched.Repeat.Repeating() {
		if err := m.armLocked(ctx, sched); err != nil {
			log.Ctx(ctx).Error("failed to re-arm repeating schedule", "error", err, "scheduleID", sched.ID)
		}
		return
	}

	final := fired == types.ActionOff || sched.EndTime.IsZero()
	if !final {
		return
	}
	if err := m.deactivateLocked(ctx, sched); err != nil {
		log.Ctx(ctx).Error("failed to deactivate schedule", "error", err, "scheduleID", sched.ID)
	}
}

// deactivateLocked clears the active flag with a versioned write, re-reading
// on conflict.
func (m *Manager) deactivateLocked(ctx context.Context, sched types.Schedule) error {
	for i := 0; i < casRetries; i++ {
		sched.Active = false
		err := m.db.UpdateSchedule(ctx, sched, sched.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, types.ErrConcurrentModification) {
			return err
		}
		fresh, gerr := m.db.GetSchedule(ctx, sched.HomeID, sched.ID)
		if gerr != nil {
			return gerr
		}
		sched = fresh
		if !sched.Active {
			return nil
		}
	}
	return fmt.Errorf("%w: schedule %s", types.ErrConcurrentModification, sched.ID)
}

func (m *Manager) deactivateExistingLocked(ctx context.Context, homeID, applianceID string) error {
	for i := 0; i < casRetries; i++ {
		existing, err := m.db.GetActiveSchedule(ctx, homeID, applianceID)
		if err != nil {
			return err
		}
		if existing == nil {
			return nil
		}
		m.unarmLocked(existing.ID)
		existing.Active = false
		err = m.db.UpdateSchedule(ctx, *existing, existing.Version)
		if err == nil {
			continue // re-check for another active schedule
		}
		if !errors.Is(err, types.ErrConcurrentModification) {
			return err
		}
	}
	// either cleared or the loop kept losing races
	existing, err := m.db.GetActiveSchedule(ctx, homeID, applianceID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: appliance %s", types.ErrConcurrentModification, applianceID)
	}
	return nil
}
