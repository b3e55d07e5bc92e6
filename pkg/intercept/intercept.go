// Package intercept decides whether a manual "turn on" request should be
// held for confirmation because the appliance could run cheaper later. It is
// a pure decision layer: actual state changes go through the device adapter
// after the caller picks an option.
package intercept

import (
	"github.com/shiftwatt/shiftwatt/pkg/tariff"
	"github.com/shiftwatt/shiftwatt/pkg/types"
)

// ShouldIntercept reports whether turning the appliance on right now should
// be questioned. Interception requires all of:
//   - the appliance is controllable
//   - its tier is shiftable or prep_needed, or comfort with eco mode off
//   - the current slot is the peak band
//
// An appliance already running in eco mode is never re-intercepted: it has
// already taken the mitigation we would offer.
func ShouldIntercept(appliance types.Appliance, slots []types.TariffSlot, hour int) bool {
	if !appliance.Controllable {
		return false
	}
	if appliance.EcoModeEnabled {
		return false
	}
	switch appliance.Tier {
	case types.TierShiftable, types.TierPrepNeeded, types.TierComfort:
	default:
		return false
	}
	return tariff.Resolve(slots, hour).Band == types.BandPeak
}

// Options are the choices presented to the user when a request is
// intercepted.
type Options struct {
	// RunNowCost is the estimated cost per hour of running immediately, in
	// the plan's currency.
	RunNowCost float64 `json:"runNowCost"`
	// NextCheaperSlot is the next upcoming slot cheaper than now, nil when
	// the current slot is already the cheapest.
	NextCheaperSlot *types.TariffSlot `json:"nextCheaperSlot,omitempty"`
	// CheapestSlot is the cheapest slot of the day.
	CheapestSlot types.TariffSlot `json:"cheapestSlot"`
	// EcoModeAvailable is set for comfort-tier appliances where enabling
	// eco mode is a valid alternative to deferring.
	EcoModeAvailable bool `json:"ecoModeAvailable"`
}

// ScheduleOptions computes the choices for an intercepted request.
func ScheduleOptions(appliance types.Appliance, slots []types.TariffSlot, hour int) Options {
	current := tariff.Resolve(slots, hour)
	opts := Options{
		RunNowCost:       current.RatePerKWH * appliance.RatedPowerKW,
		EcoModeAvailable: appliance.Tier == types.TierComfort && !appliance.EcoModeEnabled,
	}
	if cheapest, ok := tariff.CheapestSlot(slots); ok {
		opts.CheapestSlot = cheapest
	} else {
		opts.CheapestSlot = tariff.FallbackSlot
	}
	if next, ok := tariff.NextCheaperSlot(slots, hour); ok {
		opts.NextCheaperSlot = &next
	}
	return opts
}

// NeedsOptimization returns the appliances that would be intercepted right
// now, for the aggregate "N appliances could save money" alert. Eco-mode
// appliances are excluded the same way ShouldIntercept excludes them.
func NeedsOptimization(appliances []types.Appliance, slots []types.TariffSlot, hour int) []types.Appliance {
	var out []types.Appliance
	for _, a := range appliances {
		if a.Status == types.StatusOn && ShouldIntercept(a, slots, hour) {
			out = append(out, a)
		}
	}
	return out
}
