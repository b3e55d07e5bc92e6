package types

import (
	"fmt"
	"time"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 3

// Settings is the per-home configuration stored in the database. These are
// dynamic settings that can be changed without redeploying.
type Settings struct {
	// Pause all automated actions (armed schedules still fire, autopilot
	// does not intervene).
	Pause bool `json:"pause"`
	// DryRun logs autopilot decisions without executing them.
	DryRun bool `json:"dryRun"`

	// Region selects the carbon intensity table.
	Region string `json:"region"`
	// TariffPlanID selects the pricing regime for the home.
	TariffPlanID string `json:"tariffPlanID"`

	// Strategy picks the penalty weighting for autopilot decisions.
	Strategy Strategy `json:"strategy"`
	// PenaltyThreshold is the normalized penalty above which autopilot is
	// permitted to intervene.
	PenaltyThreshold float64 `json:"penaltyThreshold"`

	// AutopilotEnabled gates the whole autopilot engine for the home.
	AutopilotEnabled bool `json:"autopilotEnabled"`

	// OverrideTTLMinutes is how long a manual override blocks autopilot.
	// 0 means overrides hold until explicitly cleared.
	OverrideTTLMinutes int `json:"overrideTTLMinutes"`
}

// OverrideTTL returns the override duration as a time.Duration.
func (s Settings) OverrideTTL() time.Duration {
	return time.Duration(s.OverrideTTLMinutes) * time.Minute
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were
// made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	// Loop through versions to apply migrations sequentially
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if s.Strategy == "" {
				s.Strategy = StrategyBalanced
				migrated = true
			}
			if s.PenaltyThreshold == 0 {
				s.PenaltyThreshold = 0.6
				migrated = true
			}
			if s.Region == "" {
				s.Region = "default"
				migrated = true
			}
		case 2:
			// version 2: add override TTL
			if s.OverrideTTLMinutes == 0 {
				s.OverrideTTLMinutes = 120
				migrated = true
			}
		case 3:
			// version 3: renamed strategy "eco" to "eco_mode"
			if s.Strategy == "eco" {
				s.Strategy = StrategyEcoMode
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
