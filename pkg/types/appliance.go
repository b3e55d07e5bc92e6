package types

// ApplianceStatus is the persisted on/off state of an appliance.
type ApplianceStatus string

const (
	StatusOn        ApplianceStatus = "ON"
	StatusOff       ApplianceStatus = "OFF"
	StatusScheduled ApplianceStatus = "SCHEDULED"
	StatusWarning   ApplianceStatus = "WARNING"
)

// OptimizationTier classifies how eligible an appliance is for load shifting.
type OptimizationTier string

const (
	// TierShiftable appliances can run at any time (washer, dishwasher).
	TierShiftable OptimizationTier = "shiftable"
	// TierPrepNeeded appliances can shift with some user preparation (geyser).
	TierPrepNeeded OptimizationTier = "prep_needed"
	// TierComfort appliances affect comfort and should be softened, not moved (AC).
	TierComfort OptimizationTier = "comfort"
	// TierEssential appliances are never touched (fridge, router).
	TierEssential OptimizationTier = "essential"
)

// Appliance is a controllable (or always-on) device in a home. Status is
// mutated only through the device adapter, never written directly by callers.
type Appliance struct {
	ID     string `json:"id"`
	HomeID string `json:"homeID"`
	Name   string `json:"name"`

	// Controllable is false for always-on devices that must never be toggled.
	Controllable bool             `json:"controllable"`
	Tier         OptimizationTier `json:"tier"`
	RatedPowerKW float64          `json:"ratedPowerKW"`

	Status         ApplianceStatus `json:"status"`
	EcoModeEnabled bool            `json:"ecoModeEnabled"`

	// PlugID links the appliance to a physical smart plug. Empty means the
	// appliance is virtual and controlled in software only. The link can be
	// removed at any time, so it must be re-checked on every control call.
	PlugID string `json:"plugID,omitempty"`
}

// EligibleForShifting reports whether the appliance's tier allows the
// optimization layers to act on it at all.
func (a Appliance) EligibleForShifting() bool {
	switch a.Tier {
	case TierShiftable, TierPrepNeeded, TierComfort:
		return true
	}
	return false
}
