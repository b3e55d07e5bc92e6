// Package penalty blends the tariff price signal and the carbon intensity
// signal into a single scalar per hour. The autopilot engine compares this
// scalar against a per-home threshold to decide when intervention is
// permitted.
package penalty

import (
	"github.com/shiftwatt/shiftwatt/pkg/carbon"
	"github.com/shiftwatt/shiftwatt/pkg/tariff"
	"github.com/shiftwatt/shiftwatt/pkg/types"
)

// Weights splits the penalty between the price and carbon components. The
// two always sum to 1.
type Weights struct {
	Price  float64 `json:"price"`
	Carbon float64 `json:"carbon"`
}

// strategyWeights is the default weighting per strategy. Overridable via
// SetStrategyWeights so deployments can tune the balanced blend.
var strategyWeights = map[types.Strategy]Weights{
	types.StrategyMaxSavings: {Price: 1, Carbon: 0},
	types.StrategyBalanced:   {Price: 0.5, Carbon: 0.5},
	types.StrategyEcoMode:    {Price: 0, Carbon: 1},
}

// ForStrategy returns the weights for a strategy. Unknown strategies get the
// balanced blend.
func ForStrategy(strategy types.Strategy) Weights {
	if w, ok := strategyWeights[strategy]; ok {
		return w
	}
	return strategyWeights[types.StrategyBalanced]
}

// SetStrategyWeights overrides the weights for a strategy. The price weight
// is clamped to [0, 1] and the carbon weight is derived so the pair always
// sums to 1.
func SetStrategyWeights(strategy types.Strategy, priceWeight float64) {
	if priceWeight < 0 {
		priceWeight = 0
	} else if priceWeight > 1 {
		priceWeight = 1
	}
	strategyWeights[strategy] = Weights{Price: priceWeight, Carbon: 1 - priceWeight}
}

// HourPenalty is one entry of the 24-hour penalty timeline.
type HourPenalty struct {
	Hour            int     `json:"hour"`
	PriceComponent  float64 `json:"priceComponent"`
	CarbonComponent float64 `json:"carbonComponent"`
	Penalty         float64 `json:"penalty"`
	AboveThreshold  bool    `json:"aboveThreshold"`
}

// Timeline computes the penalty for every hour of the day. Both components
// are normalized to 0-1 against the plan's and schedule's own daily min/max,
// so the penalty is a relative signal within the day, not an absolute one.
func Timeline(plan types.TariffPlan, sched types.CarbonSchedule, strategy types.Strategy, threshold float64) []HourPenalty {
	w := ForStrategy(strategy)
	minRate, maxRate := plan.MinRate(), plan.MaxRate()
	minCarbon, maxCarbon := carbon.MinMax(sched)

	out := make([]HourPenalty, 24)
	for hour := range 24 {
		slot := tariff.Resolve(plan.Slots, hour)
		hp := HourPenalty{
			Hour:            hour,
			PriceComponent:  normalize(slot.RatePerKWH, minRate, maxRate),
			CarbonComponent: normalize(carbon.Intensity(sched, hour), minCarbon, maxCarbon),
		}
		hp.Penalty = w.Price*hp.PriceComponent + w.Carbon*hp.CarbonComponent
		hp.AboveThreshold = hp.Penalty > threshold
		out[hour] = hp
	}
	return out
}

// At computes the penalty for a single hour.
func At(plan types.TariffPlan, sched types.CarbonSchedule, strategy types.Strategy, threshold float64, hour int) HourPenalty {
	return Timeline(plan, sched, strategy, threshold)[normalizeHour(hour)]
}

// normalize maps v into [0, 1] against the given bounds. A flat signal
// (min == max) normalizes to 0 so it never contributes to the penalty.
func normalize(v, min, max float64) float64 {
	if max <= min {
		return 0
	}
	n := (v - min) / (max - min)
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

func normalizeHour(hour int) int {
	hour %= 24
	if hour < 0 {
		hour += 24
	}
	return hour
}
