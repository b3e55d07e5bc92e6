// Package autopilot evaluates delegated appliances on a periodic tick and
// suppresses or restores them based on the penalty signal. Every transition
// goes through the device adapter so it is serialized and audited, and every
// suppression persists the device's prior state so it can be restored rather
// than reset to a default.
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/shiftwatt/shiftwatt/pkg/carbon"
	"github.com/shiftwatt/shiftwatt/pkg/device"
	"github.com/shiftwatt/shiftwatt/pkg/log"
	"github.com/shiftwatt/shiftwatt/pkg/notify"
	"github.com/shiftwatt/shiftwatt/pkg/penalty"
	"github.com/shiftwatt/shiftwatt/pkg/schedule"
	"github.com/shiftwatt/shiftwatt/pkg/storage"
	"github.com/shiftwatt/shiftwatt/pkg/tariff"
	"github.com/shiftwatt/shiftwatt/pkg/types"
)

// Engine drives the per-home autopilot state machine.
type Engine struct {
	db       storage.Database
	adapter  *device.Adapter
	catalog  *tariff.Catalog
	carbon   *carbon.Resolver
	notifier notify.Notifier
	manager  *schedule.Manager

	tick time.Duration
	now  func() time.Time

	mu         sync.Mutex
	gridEvents map[string]time.Time // homeID -> event end
}

// Configured sets up the autopilot engine based on flags.
func Configured(db storage.Database, adapter *device.Adapter, catalog *tariff.Catalog,
	carbonRes *carbon.Resolver, notifier notify.Notifier, manager *schedule.Manager) *Engine {

	tick := lflag.Duration("autopilot-tick", time.Minute, "Interval between autopilot evaluation passes")

	e := NewEngine(db, adapter, catalog, carbonRes, notifier, manager)
	lflag.Do(func() {
		e.tick = *tick
	})
	return e
}

// NewEngine creates an engine with the default tick interval.
func NewEngine(db storage.Database, adapter *device.Adapter, catalog *tariff.Catalog,
	carbonRes *carbon.Resolver, notifier notify.Notifier, manager *schedule.Manager) *Engine {

	return &Engine{
		db:         db,
		adapter:    adapter,
		catalog:    catalog,
		carbon:     carbonRes,
		notifier:   notifier,
		manager:    manager,
		tick:       time.Minute,
		now:        time.Now,
		gridEvents: make(map[string]time.Time),
	}
}

// Run ticks the engine until the context is cancelled. An evaluation pass
// runs immediately on start so a restart does not wait a full interval.
func (e *Engine) Run(ctx context.Context) error {
	e.Tick(ctx)

	t := time.NewTicker(e.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one evaluation pass over every home with autopilot enabled.
func (e *Engine) Tick(ctx context.Context) {
	homes, err := e.db.ListAutopilotHomes(ctx)
	if err != nil {
		log.Ctx(ctx).Error("failed to list autopilot homes", "error", err)
		return
	}
	for _, homeID := range homes {
		hctx := log.WithHome(ctx, homeID)
		if err := e.evaluateHome(hctx, homeID, false, nil); err != nil {
			log.Ctx(hctx).Error("autopilot evaluation failed", "error", err)
		}
	}
}

// homeSettings loads and migrates a home's settings, persisting the migrated
// copy so defaults stick.
func (e *Engine) homeSettings(ctx context.Context, homeID string) (types.Settings, error) {
	s, version, err := e.db.GetSettings(ctx, homeID)
	if err != nil {
		return types.Settings{}, err
	}
	s, migrated, err := types.MigrateSettings(s, version)
	if err != nil {
		return types.Settings{}, err
	}
	if migrated {
		if err := e.db.SetSettings(ctx, homeID, s, types.CurrentSettingsVersion); err != nil {
			log.Ctx(ctx).Warn("failed to persist migrated settings", "error", err)
		}
	}
	return s, nil
}

// evaluateHome evaluates every delegated device in a home. When collect is
// non-nil the decisions are appended to it instead of being executed; this is
// the shared path behind both the live tick and Simulate.
func (e *Engine) evaluateHome(ctx context.Context, homeID string, simulate bool, collect *[]Decision) error {
	settings, err := e.homeSettings(ctx, homeID)
	if err != nil {
		return err
	}
	if !simulate && (settings.Pause || !settings.AutopilotEnabled) {
		return nil
	}

	plan, err := e.catalog.Plan(ctx, settings.TariffPlanID)
	if err != nil {
		return fmt.Errorf("failed to load tariff plan: %w", err)
	}
	carbonSched := e.carbon.Schedule(ctx, settings.Region)

	now := e.now()
	hp := penalty.At(plan, carbonSched, settings.Strategy, settings.PenaltyThreshold, now.Hour())
	gridEvent := e.gridEventActive(homeID, now)

	configs, err := e.db.ListDelegated(ctx, homeID)
	if err != nil {
		return fmt.Errorf("failed to list delegated devices: %w", err)
	}

	for _, cfg := range configs {
		appliance, err := e.db.GetAppliance(ctx, homeID, cfg.ApplianceID)
		if err != nil {
			log.Ctx(ctx).Warn("delegated appliance missing", "error", err, "applianceID", cfg.ApplianceID)
			continue
		}
		d := e.evaluateDevice(ctx, settings, cfg, appliance, hp, plan, gridEvent, now)
		if collect != nil {
			*collect = append(*collect, d)
			continue
		}
		if d.Suppress || d.Restore {
			e.apply(ctx, settings, cfg, appliance, d)
		}
	}
	return nil
}

// gridEventActive reports whether a grid event is in effect for the home.
func (e *Engine) gridEventActive(homeID string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.gridEvents[homeID]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(e.gridEvents, homeID)
		return false
	}
	return true
}

// RecordGridEvent marks a demand-response event for a home. Delegated
// devices are suppressed on the next tick regardless of penalty until the
// event ends.
func (e *Engine) RecordGridEvent(homeID string, until time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gridEvents[homeID] = until
}

// apply executes a decision. The override marker is re-read immediately
// before acting so a manual action that landed after evaluation wins the
// race. A failed device command leaves all autopilot state unchanged; the
// next tick retries.
func (e *Engine) apply(ctx context.Context, settings types.Settings, cfg types.DeviceAutopilotConfig,
	appliance types.Appliance, d Decision) {

	fresh, err := e.db.GetAutopilotConfig(ctx, cfg.HomeID, cfg.ApplianceID)
	if err != nil {
		log.Ctx(ctx).Error("failed to re-check override", "error", err, "applianceID", cfg.ApplianceID)
		return
	}
	if fresh.OverrideInEffect(e.now()) {
		log.Ctx(ctx).Info("skipping autopilot action, override active",
			"applianceID", cfg.ApplianceID,
			"overrideSource", fresh.OverrideSource,
		)
		return
	}

	if settings.DryRun {
		log.Ctx(ctx).Info("dry run: would act",
			"applianceID", appliance.ID,
			"suppress", d.Suppress,
			"restore", d.Restore,
			"mitigation", d.Mitigation,
			"trigger", d.Trigger,
		)
		return
	}

	if d.Suppress {
		e.suppress(ctx, cfg, appliance, d)
		return
	}
	e.restore(ctx, appliance, d)
}

func (e *Engine) suppress(ctx context.Context, cfg types.DeviceAutopilotConfig, appliance types.Appliance, d Decision) {
	prevStatus, prevEco := appliance.Status, appliance.EcoModeEnabled

	var err error
	switch d.Mitigation {
	case types.MitigationEcoMode, types.MitigationPowerLimit:
		// the plug command channel has no power-limit verb, so power_limit
		// degrades to eco mode
		err = e.adapter.SetEcoMode(ctx, appliance, true, types.SourceAutopilot)
	case types.MitigationDelayStart:
		err = e.delayStart(ctx, appliance, d)
	default:
		err = e.adapter.TurnOff(ctx, appliance, types.SourceAutopilot)
	}
	if err != nil {
		log.Ctx(ctx).Error("failed to suppress appliance",
			"error", err,
			"applianceID", appliance.ID,
			"mitigation", d.Mitigation,
		)
		return
	}

	// persisted after the action succeeds so a failed command never leaves
	// a bogus restore target behind
	state := types.AutopilotSavedState{
		HomeID:      appliance.HomeID,
		ApplianceID: appliance.ID,
		Trigger:     d.Trigger,
		PrevStatus:  prevStatus,
		PrevEcoMode: prevEco,
		SavedAt:     e.now(),
	}
	if err := e.db.PutSavedState(ctx, state); err != nil {
		log.Ctx(ctx).Error("failed to save pre-intervention state", "error", err, "applianceID", appliance.ID)
	}

	log.Ctx(ctx).Info("autopilot suppressed appliance",
		"applianceID", appliance.ID,
		"trigger", d.Trigger,
		"mitigation", d.Mitigation,
		"reason", d.Reason,
	)
	e.notifier.Notify(ctx, appliance.HomeID, notify.CategoryAutopilot,
		fmt.Sprintf("%s %s (%s)", appliance.Name, mitigationVerb(d.Mitigation), d.Reason))
}

// delayStart turns the appliance off and books an autopilot schedule at the
// start of the decided cheaper slot.
func (e *Engine) delayStart(ctx context.Context, appliance types.Appliance, d Decision) error {
	if err := e.adapter.TurnOff(ctx, appliance, types.SourceAutopilot); err != nil {
		return err
	}
	if e.manager == nil || d.ResumeAt.IsZero() {
		return nil
	}
	_, err := e.manager.Create(ctx, types.Schedule{
		HomeID:      appliance.HomeID,
		ApplianceID: appliance.ID,
		StartTime:   d.ResumeAt,
		Repeat:      types.RepeatSpec{Kind: types.RepeatOnce},
		CreatedBy:   types.CreatorAutopilot,
	})
	if err != nil {
		log.Ctx(ctx).Error("failed to book delayed start", "error", err, "applianceID", appliance.ID)
	}
	return nil
}

func (e *Engine) restore(ctx context.Context, appliance types.Appliance, d Decision) {
	state := d.saved

	// the evaluation snapshot may be stale by now; re-read so a manual
	// change since then is the baseline we compare against
	if fresh, err := e.db.GetAppliance(ctx, appliance.HomeID, appliance.ID); err == nil {
		appliance = fresh
	}

	if appliance.Status != state.PrevStatus {
		var err error
		switch state.PrevStatus {
		case types.StatusOn:
			err = e.adapter.TurnOn(ctx, appliance, types.SourceAutopilot)
		case types.StatusOff:
			err = e.adapter.TurnOff(ctx, appliance, types.SourceAutopilot)
		}
		if err != nil {
			log.Ctx(ctx).Error("failed to restore appliance", "error", err, "applianceID", appliance.ID)
			return
		}
		// keep the local copy coherent for the eco step below
		appliance.Status = state.PrevStatus
	}
	if appliance.EcoModeEnabled != state.PrevEcoMode {
		if err := e.adapter.SetEcoMode(ctx, appliance, state.PrevEcoMode, types.SourceAutopilot); err != nil {
			log.Ctx(ctx).Error("failed to restore eco mode", "error", err, "applianceID", appliance.ID)
			return
		}
	}

	state.Restored = true
	if err := e.db.PutSavedState(ctx, state); err != nil {
		log.Ctx(ctx).Error("failed to mark state restored", "error", err, "applianceID", appliance.ID)
	}

	log.Ctx(ctx).Info("autopilot restored appliance",
		"applianceID", appliance.ID,
		"trigger", state.Trigger,
	)
	e.notifier.Notify(ctx, appliance.HomeID, notify.CategoryAutopilot,
		fmt.Sprintf("%s restored to its previous state", appliance.Name))
}

// unrestoredState finds a pending saved state for the appliance across all
// trigger kinds.
func (e *Engine) unrestoredState(ctx context.Context, homeID, applianceID string) (types.AutopilotSavedState, bool) {
	for _, trigger := range []types.AutopilotTrigger{
		types.TriggerGridEvent,
		types.TriggerPrePeak,
		types.TriggerHighCarbon,
	} {
		state, err := e.db.GetSavedState(ctx, homeID, applianceID, trigger)
		if err != nil {
			if !errors.Is(err, storage.ErrStateNotFound) {
				log.Ctx(ctx).Error("failed to load saved state", "error", err, "applianceID", applianceID)
			}
			continue
		}
		if !state.Restored {
			return state, true
		}
	}
	return types.AutopilotSavedState{}, false
}

// neutralizeSavedState marks any pending saved state restored without
// touching the device. Used when a manual override lands: autopilot must
// never undo what the user just did.
func (e *Engine) neutralizeSavedState(ctx context.Context, homeID, applianceID string) {
	state, ok := e.unrestoredState(ctx, homeID, applianceID)
	if !ok {
		return
	}
	state.Restored = true
	if err := e.db.PutSavedState(ctx, state); err != nil {
		log.Ctx(ctx).Error("failed to neutralize saved state", "error", err, "applianceID", applianceID)
	}
}

func mitigationVerb(m types.MitigationAction) string {
	switch m {
	case types.MitigationEcoMode, types.MitigationPowerLimit:
		return "switched to eco mode"
	case types.MitigationDelayStart:
		return "delayed to a cheaper slot"
	default:
		return "turned off"
	}
}
