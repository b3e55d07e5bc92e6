package penalty

import (
	"testing"

	"github.com/shiftwatt/shiftwatt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPlan = types.TariffPlan{
	ID: "plan-1",
	Slots: []types.TariffSlot{
		{StartHour: 22, EndHour: 6, RatePerKWH: 6.31, Band: types.BandOffPeak},
		{StartHour: 6, EndHour: 18, RatePerKWH: 7.42, Band: types.BandNormal},
		{StartHour: 18, EndHour: 22, RatePerKWH: 9.55, Band: types.BandPeak},
	},
}

func testCarbon() types.CarbonSchedule {
	s := types.CarbonSchedule{Region: "south"}
	for h := range 24 {
		s.Hourly[h] = 400
	}
	s.Hourly[3] = 250
	s.Hourly[19] = 600
	return s
}

func TestWeightsSumToOne(t *testing.T) {
	for _, strategy := range []types.Strategy{
		types.StrategyMaxSavings,
		types.StrategyBalanced,
		types.StrategyEcoMode,
		types.Strategy("unknown"),
	} {
		w := ForStrategy(strategy)
		assert.InDelta(t, 1.0, w.Price+w.Carbon, 1e-9, "strategy %s", strategy)
	}
}

func TestSetStrategyWeights(t *testing.T) {
	defer SetStrategyWeights(types.StrategyBalanced, 0.5)

	SetStrategyWeights(types.StrategyBalanced, 0.7)
	w := ForStrategy(types.StrategyBalanced)
	assert.Equal(t, 0.7, w.Price)
	assert.InDelta(t, 0.3, w.Carbon, 1e-9)

	// clamped
	SetStrategyWeights(types.StrategyBalanced, 1.5)
	w = ForStrategy(types.StrategyBalanced)
	assert.Equal(t, 1.0, w.Price)
	assert.Equal(t, 0.0, w.Carbon)
}

func TestTimelineComponents(t *testing.T) {
	tl := Timeline(testPlan, testCarbon(), types.StrategyMaxSavings, 0.6)
	require.Len(t, tl, 24)

	// max_savings ignores carbon entirely
	for _, hp := range tl {
		assert.Equal(t, hp.PriceComponent, hp.Penalty, "hour %d", hp.Hour)
	}

	// peak hours carry the maximum price component
	assert.Equal(t, 1.0, tl[19].PriceComponent)
	assert.True(t, tl[19].AboveThreshold)
	// off-peak hours carry the minimum
	assert.Equal(t, 0.0, tl[23].PriceComponent)
	assert.False(t, tl[23].AboveThreshold)
}

func TestTimelineEcoMode(t *testing.T) {
	tl := Timeline(testPlan, testCarbon(), types.StrategyEcoMode, 0.6)

	// eco_mode ignores price entirely
	for _, hp := range tl {
		assert.Equal(t, hp.CarbonComponent, hp.Penalty, "hour %d", hp.Hour)
	}
	// hour 19 is the dirtiest, hour 3 the cleanest
	assert.Equal(t, 1.0, tl[19].Penalty)
	assert.Equal(t, 0.0, tl[3].Penalty)
}

func TestTimelineMonotonicInPriceWeight(t *testing.T) {
	defer SetStrategyWeights(types.StrategyBalanced, 0.5)

	// during a high-price, averagely-clean hour (20:00, peak price,
	// carbon at the flat 400), raising the price weight raises the
	// penalty
	var prev float64 = -1
	for _, pw := range []float64{0, 0.25, 0.5, 0.75, 1} {
		SetStrategyWeights(types.StrategyBalanced, pw)
		tl := Timeline(testPlan, testCarbon(), types.StrategyBalanced, 0.6)
		require.Greater(t, tl[20].Penalty, prev, "price weight %v", pw)
		prev = tl[20].Penalty
	}
}

func TestTimelineFlatSignals(t *testing.T) {
	flatPlan := types.TariffPlan{
		Slots: []types.TariffSlot{{StartHour: 0, EndHour: 24, RatePerKWH: 7, Band: types.BandNormal}},
	}
	var flatCarbon types.CarbonSchedule
	for h := range 24 {
		flatCarbon.Hourly[h] = 400
	}

	tl := Timeline(flatPlan, flatCarbon, types.StrategyBalanced, 0.6)
	for _, hp := range tl {
		assert.Zero(t, hp.Penalty, "hour %d", hp.Hour)
		assert.False(t, hp.AboveThreshold)
	}
}

func TestAt(t *testing.T) {
	hp := At(testPlan, testCarbon(), types.StrategyBalanced, 0.6, 19)
	assert.Equal(t, 19, hp.Hour)
	assert.Equal(t, 1.0, hp.Penalty)
	assert.True(t, hp.AboveThreshold)

	// hour wraps
	assert.Equal(t, At(testPlan, testCarbon(), types.StrategyBalanced, 0.6, 3),
		At(testPlan, testCarbon(), types.StrategyBalanced, 0.6, 27))
}
