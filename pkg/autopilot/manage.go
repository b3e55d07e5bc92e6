package autopilot

import (
	"context"
	"fmt"
	"time"

	"github.com/shiftwatt/shiftwatt/pkg/log"
	"github.com/shiftwatt/shiftwatt/pkg/types"
)

// SetDelegation persists a device's autopilot delegation record. Delegating
// a non-controllable appliance is rejected; removing delegation neutralizes
// any pending saved state so a later tick cannot restore a device the user
// has taken back.
func (e *Engine) SetDelegation(ctx context.Context, cfg types.DeviceAutopilotConfig) error {
	if cfg.HomeID == "" || cfg.ApplianceID == "" {
		return fmt.Errorf("%w: homeID and applianceID are required", types.ErrValidation)
	}
	switch cfg.Mitigation {
	case "", types.MitigationTurnOff, types.MitigationEcoMode, types.MitigationDelayStart, types.MitigationPowerLimit:
	default:
		return fmt.Errorf("%w: unknown mitigation %q", types.ErrValidation, cfg.Mitigation)
	}

	appliance, err := e.db.GetAppliance(ctx, cfg.HomeID, cfg.ApplianceID)
	if err != nil {
		return err
	}
	if cfg.Delegated && !appliance.Controllable {
		return fmt.Errorf("%w: %s", types.ErrNotControllable, appliance.ID)
	}

	if !cfg.Delegated {
		e.neutralizeSavedState(ctx, cfg.HomeID, cfg.ApplianceID)
	}
	return e.db.SetAutopilotConfig(ctx, cfg)
}

// RecordOverride marks a device as manually overridden. Autopilot will not
// act on it until the override expires (per the home's override TTL) or is
// explicitly cleared. Any pending restore is neutralized: the user's action
// is the new baseline, never to be undone.
//
// This is the hook the schedule manager calls for user-created schedules.
func (e *Engine) RecordOverride(ctx context.Context, homeID, applianceID string, source types.TriggerSource) error {
	settings, err := e.homeSettings(ctx, homeID)
	if err != nil {
		return err
	}

	cfg, err := e.db.GetAutopilotConfig(ctx, homeID, applianceID)
	if err != nil {
		// an override on a never-delegated device still needs a record so
		// a later delegation starts overridden
		cfg = types.DeviceAutopilotConfig{HomeID: homeID, ApplianceID: applianceID}
	}

	cfg.OverrideActive = true
	cfg.OverrideSource = source
	cfg.OverrideUntil = time.Time{}
	if ttl := settings.OverrideTTL(); ttl > 0 {
		cfg.OverrideUntil = e.now().Add(ttl)
	}

	e.neutralizeSavedState(ctx, homeID, applianceID)

	if err := e.db.SetAutopilotConfig(ctx, cfg); err != nil {
		return err
	}
	log.Ctx(ctx).Info("recorded manual override",
		"applianceID", applianceID,
		"source", source,
		"until", cfg.OverrideUntil,
	)
	return nil
}

// ClearOverride removes the override marker so autopilot may act again.
func (e *Engine) ClearOverride(ctx context.Context, homeID, applianceID string) error {
	cfg, err := e.db.GetAutopilotConfig(ctx, homeID, applianceID)
	if err != nil {
		return err
	}
	cfg.OverrideActive = false
	cfg.OverrideSource = ""
	cfg.OverrideUntil = time.Time{}
	return e.db.SetAutopilotConfig(ctx, cfg)
}

// ToggleAutopilot enables or disables the engine for a whole home.
func (e *Engine) ToggleAutopilot(ctx context.Context, homeID string, enabled bool) error {
	settings, err := e.homeSettings(ctx, homeID)
	if err != nil {
		return err
	}
	settings.AutopilotEnabled = enabled
	return e.db.SetSettings(ctx, homeID, settings, types.CurrentSettingsVersion)
}

// SetStrategy changes the home's penalty weighting strategy.
func (e *Engine) SetStrategy(ctx context.Context, homeID string, strategy types.Strategy) error {
	switch strategy {
	case types.StrategyMaxSavings, types.StrategyBalanced, types.StrategyEcoMode:
	default:
		return fmt.Errorf("%w: unknown strategy %q", types.ErrValidation, strategy)
	}
	settings, err := e.homeSettings(ctx, homeID)
	if err != nil {
		return err
	}
	settings.Strategy = strategy
	return e.db.SetSettings(ctx, homeID, settings, types.CurrentSettingsVersion)
}
