package autopilot

import (
	"context"
	"fmt"
	"time"

	"github.com/shiftwatt/shiftwatt/pkg/penalty"
	"github.com/shiftwatt/shiftwatt/pkg/schedule"
	"github.com/shiftwatt/shiftwatt/pkg/tariff"
	"github.com/shiftwatt/shiftwatt/pkg/types"
)

// ecoSavingsFactor is the assumed consumption reduction of eco mode relative
// to turning the appliance off entirely.
const ecoSavingsFactor = 0.3

// Decision is the outcome of evaluating one delegated device. The same
// decisions drive the live tick and Simulate.
type Decision struct {
	ApplianceID string `json:"applianceID"`

	Suppress bool `json:"suppress"`
	Restore  bool `json:"restore"`

	Mitigation types.MitigationAction `json:"mitigation,omitempty"`
	Trigger    types.AutopilotTrigger `json:"trigger,omitempty"`
	Reason     string                 `json:"reason"`

	// EstimatedSavingsPerHour is the avoided spend in the plan's currency
	// for one hour of suppression.
	EstimatedSavingsPerHour float64 `json:"estimatedSavingsPerHour,omitempty"`

	// ResumeAt is when a delay_start suppression books the appliance to
	// run again.
	ResumeAt time.Time `json:"resumeAt,omitzero"`

	saved types.AutopilotSavedState
}

// evaluateDevice decides what, if anything, autopilot should do to one
// delegated device right now. It is side-effect free apart from saved-state
// reads; apply() owns execution.
func (e *Engine) evaluateDevice(ctx context.Context, settings types.Settings, cfg types.DeviceAutopilotConfig,
	appliance types.Appliance, hp penalty.HourPenalty, plan types.TariffPlan, gridEvent bool, now time.Time) Decision {

	d := Decision{ApplianceID: appliance.ID}

	if !cfg.Delegated {
		d.Reason = "not delegated"
		return d
	}
	if cfg.OverrideInEffect(now) {
		d.Reason = "manual override active"
		return d
	}
	if !appliance.EligibleForShifting() {
		d.Reason = "appliance not eligible for shifting"
		return d
	}
	if cfg.ProtectedWindow != nil && cfg.ProtectedWindow.Contains(now.Hour()) {
		d.Reason = "inside protected window"
		return d
	}

	if gridEvent || hp.AboveThreshold {
		if _, pending := e.unrestoredState(ctx, cfg.HomeID, cfg.ApplianceID); pending {
			d.Reason = "already suppressed"
			return d
		}
		if appliance.Status != types.StatusOn {
			d.Reason = "appliance not running"
			return d
		}

		d.Mitigation = cfg.Mitigation
		if d.Mitigation == "" {
			d.Mitigation = types.MitigationTurnOff
		}
		if d.Mitigation == types.MitigationEcoMode && appliance.EcoModeEnabled {
			d.Reason = "already in eco mode"
			return d
		}

		d.Suppress = true
		d.Trigger = suppressionTrigger(hp, settings.Strategy, gridEvent)
		d.Reason = fmt.Sprintf("penalty %.2f above threshold %.2f", hp.Penalty, settings.PenaltyThreshold)
		if gridEvent {
			d.Reason = "grid event in progress"
		}

		slot := tariff.Resolve(plan.Slots, now.Hour())
		d.EstimatedSavingsPerHour = appliance.RatedPowerKW * slot.RatePerKWH
		switch d.Mitigation {
		case types.MitigationEcoMode, types.MitigationPowerLimit:
			d.EstimatedSavingsPerHour *= ecoSavingsFactor
		case types.MitigationDelayStart:
			if cheaper, ok := tariff.NextCheaperSlot(plan.Slots, now.Hour()); ok {
				if at, ok := schedule.NextOccurrence(now, slotStart(now, cheaper.StartHour), types.RepeatSpec{Kind: types.RepeatDaily}); ok {
					d.ResumeAt = at
				}
				d.EstimatedSavingsPerHour = appliance.RatedPowerKW * (slot.RatePerKWH - cheaper.RatePerKWH)
			}
		}
		return d
	}

	if state, pending := e.unrestoredState(ctx, cfg.HomeID, cfg.ApplianceID); pending {
		d.Restore = true
		d.Trigger = state.Trigger
		d.Reason = "suppression condition cleared"
		d.saved = state
		return d
	}

	d.Reason = "no action needed"
	return d
}

// suppressionTrigger names why a device is being suppressed: a grid event
// outranks the penalty components, and otherwise the dominant weighted
// component decides between pre-peak and high-carbon.
func suppressionTrigger(hp penalty.HourPenalty, strategy types.Strategy, gridEvent bool) types.AutopilotTrigger {
	if gridEvent {
		return types.TriggerGridEvent
	}
	w := penalty.ForStrategy(strategy)
	if w.Carbon*hp.CarbonComponent > w.Price*hp.PriceComponent {
		return types.TriggerHighCarbon
	}
	return types.TriggerPrePeak
}

// slotStart returns today's instant at the given hour in now's location.
func slotStart(now time.Time, hour int) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
}

// SimulationResult is the outcome of a dry evaluation pass over a home.
type SimulationResult struct {
	HomeID                  string     `json:"homeID"`
	EvaluatedAt             time.Time  `json:"evaluatedAt"`
	Decisions               []Decision `json:"decisions"`
	EstimatedSavingsPerHour float64    `json:"estimatedSavingsPerHour"`
}

// Simulate runs the live evaluation logic for a home without executing any
// action, answering "what would autopilot do right now". It shares
// evaluateDevice with the tick path so the preview never diverges from real
// behavior.
func (e *Engine) Simulate(ctx context.Context, homeID string) (SimulationResult, error) {
	var decisions []Decision
	if err := e.evaluateHome(ctx, homeID, true, &decisions); err != nil {
		return SimulationResult{}, err
	}

	res := SimulationResult{
		HomeID:      homeID,
		EvaluatedAt: e.now(),
		Decisions:   decisions,
	}
	for _, d := range decisions {
		if d.Suppress {
			res.EstimatedSavingsPerHour += d.EstimatedSavingsPerHour
		}
	}
	return res, nil
}
