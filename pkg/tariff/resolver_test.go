package tariff

import (
	"testing"

	"github.com/shiftwatt/shiftwatt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// touSlots is a typical domestic three-band plan: off-peak wraps midnight.
var touSlots = []types.TariffSlot{
	{StartHour: 22, EndHour: 6, RatePerKWH: 6.31, Band: types.BandOffPeak},
	{StartHour: 6, EndHour: 18, RatePerKWH: 7.42, Band: types.BandNormal},
	{StartHour: 18, EndHour: 22, RatePerKWH: 9.55, Band: types.BandPeak},
}

func TestResolve(t *testing.T) {
	tests := []struct {
		hour int
		band types.TariffBand
		rate float64
	}{
		{23, types.BandOffPeak, 6.31},
		{0, types.BandOffPeak, 6.31},
		{5, types.BandOffPeak, 6.31},
		{6, types.BandNormal, 7.42},
		{17, types.BandNormal, 7.42},
		{18, types.BandPeak, 9.55},
		{21, types.BandPeak, 9.55},
		{22, types.BandOffPeak, 6.31},
	}
	for _, tt := range tests {
		s := Resolve(touSlots, tt.hour)
		assert.Equal(t, tt.band, s.Band, "hour %d", tt.hour)
		assert.Equal(t, tt.rate, s.RatePerKWH, "hour %d", tt.hour)
	}
}

func TestResolveEveryHourExactlyOnce(t *testing.T) {
	// every hour of the day must match exactly one slot
	for hour := range 24 {
		var matches int
		for _, s := range touSlots {
			if s.Contains(hour) {
				matches++
			}
		}
		assert.Equal(t, 1, matches, "hour %d", hour)
	}
	require.NoError(t, Validate(touSlots))
}

func TestResolveFallback(t *testing.T) {
	// a malformed plan with a coverage hole falls back to the normal band
	holey := []types.TariffSlot{
		{StartHour: 0, EndHour: 12, RatePerKWH: 5, Band: types.BandOffPeak},
	}
	s := Resolve(holey, 15)
	assert.Equal(t, types.BandNormal, s.Band)
	assert.Error(t, Validate(holey))

	assert.Error(t, Validate(nil))
}

func TestResolveNormalizesHour(t *testing.T) {
	assert.Equal(t, Resolve(touSlots, 2), Resolve(touSlots, 26))
	assert.Equal(t, Resolve(touSlots, 22), Resolve(touSlots, -2))
}

func TestNextChange(t *testing.T) {
	tests := []struct {
		hour     int
		wantHour int
		wantBand types.TariffBand
	}{
		{5, 6, types.BandNormal},
		{6, 18, types.BandPeak},
		{17, 18, types.BandPeak},
		{18, 22, types.BandOffPeak},
		{21, 22, types.BandOffPeak},
		// late night wraps to tomorrow's first boundary
		{23, 6, types.BandNormal},
		{0, 6, types.BandNormal},
	}
	for _, tt := range tests {
		h, s := NextChange(touSlots, tt.hour)
		assert.Equal(t, tt.wantHour, h, "hour %d", tt.hour)
		assert.Equal(t, tt.wantBand, s.Band, "hour %d", tt.hour)
	}
}

func TestNextChangeMonotonicConsistency(t *testing.T) {
	// stepping forward hour by hour never skips a reported boundary
	for start := range 24 {
		boundary, _ := NextChange(touSlots, start)
		h := start
		for {
			h = (h + 1) % 24
			next := Resolve(touSlots, h)
			if next.StartHour == h {
				assert.Equal(t, boundary, h, "starting at hour %d", start)
				break
			}
			require.NotEqual(t, boundary, -1)
		}
	}
}

func TestCheapestSlot(t *testing.T) {
	s, ok := CheapestSlot(touSlots)
	require.True(t, ok)
	assert.Equal(t, types.BandOffPeak, s.Band)

	_, ok = CheapestSlot(nil)
	assert.False(t, ok)
}

func TestNextCheaperSlot(t *testing.T) {
	// at peak (hour 19) the next cheaper slot starts at 22
	s, ok := NextCheaperSlot(touSlots, 19)
	require.True(t, ok)
	assert.Equal(t, 22, s.StartHour)
	assert.Equal(t, types.BandOffPeak, s.Band)

	// already in the cheapest slot: nothing cheaper exists
	_, ok = NextCheaperSlot(touSlots, 23)
	assert.False(t, ok)

	// in the normal band, the off-peak slot at 22 is cheaper
	s, ok = NextCheaperSlot(touSlots, 10)
	require.True(t, ok)
	assert.Equal(t, 22, s.StartHour)
}

func TestHoursInBand(t *testing.T) {
	peak := HoursInBand(touSlots, types.BandPeak)
	assert.Equal(t, []int{18, 19, 20, 21}, peak)

	off := HoursInBand(touSlots, types.BandOffPeak)
	assert.Len(t, off, 8)
}
