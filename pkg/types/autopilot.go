package types

import "time"

// Strategy selects how the penalty model blends price and carbon signals.
type Strategy string

const (
	StrategyMaxSavings Strategy = "max_savings"
	StrategyBalanced   Strategy = "balanced"
	StrategyEcoMode    Strategy = "eco_mode"
)

// MitigationAction is the preferred intervention when autopilot suppresses a
// device.
type MitigationAction string

const (
	MitigationTurnOff    MitigationAction = "turn_off"
	MitigationEcoMode    MitigationAction = "eco_mode"
	MitigationDelayStart MitigationAction = "delay_start"
	MitigationPowerLimit MitigationAction = "power_limit"
)

// TimeWindow is an hour-of-day range, wrap-aware like TariffSlot.
type TimeWindow struct {
	StartHour int `json:"startHour"`
	EndHour   int `json:"endHour"`
}

// Contains checks if the given hour falls inside the window.
func (w TimeWindow) Contains(hour int) bool {
	if w.StartHour > w.EndHour {
		return hour >= w.StartHour || hour < w.EndHour
	}
	return hour >= w.StartHour && hour < w.EndHour
}

// DeviceAutopilotConfig is the per-appliance delegation record.
type DeviceAutopilotConfig struct {
	HomeID      string `json:"homeID"`
	ApplianceID string `json:"applianceID"`

	Delegated  bool             `json:"delegated"`
	Mitigation MitigationAction `json:"mitigation"`

	// ProtectedWindow, when set, is a daily window during which autopilot
	// must not act on the device regardless of penalty.
	ProtectedWindow *TimeWindow `json:"protectedWindow,omitempty"`

	// OverrideActive is set whenever a human acts on the device directly.
	// While set and unexpired, autopilot must not act on the device.
	OverrideActive bool          `json:"overrideActive"`
	OverrideSource TriggerSource `json:"overrideSource,omitempty"`
	// OverrideUntil bounds the override. Zero means the override holds until
	// explicitly cleared.
	OverrideUntil time.Time `json:"overrideUntil,omitzero"`
}

// OverrideInEffect reports whether the override marker blocks autopilot at
// the given instant.
func (c DeviceAutopilotConfig) OverrideInEffect(now time.Time) bool {
	if !c.OverrideActive {
		return false
	}
	if c.OverrideUntil.IsZero() {
		return true
	}
	return now.Before(c.OverrideUntil)
}

// AutopilotTrigger names the condition that caused a suppression.
type AutopilotTrigger string

const (
	TriggerPrePeak    AutopilotTrigger = "pre_peak"
	TriggerHighCarbon AutopilotTrigger = "high_carbon"
	TriggerGridEvent  AutopilotTrigger = "grid_event"
)

// AutopilotSavedState records a device's pre-intervention state so it can be
// restored when the triggering condition clears. It is persisted so a crash
// mid-suppression does not lose the ability to restore.
type AutopilotSavedState struct {
	HomeID      string           `json:"homeID"`
	ApplianceID string           `json:"applianceID"`
	Trigger     AutopilotTrigger `json:"trigger"`

	PrevStatus  ApplianceStatus `json:"prevStatus"`
	PrevEcoMode bool            `json:"prevEcoMode"`

	SavedAt  time.Time `json:"savedAt"`
	Restored bool      `json:"restored"`
}
