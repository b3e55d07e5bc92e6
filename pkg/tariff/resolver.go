// Package tariff resolves which price band applies at a given hour-of-day.
// Everything here is date independent: resolution depends only on the slot
// set and an integer hour 0-23, so results are identical on any calendar day.
package tariff

import (
	"sort"

	"github.com/shiftwatt/shiftwatt/pkg/types"
)

// FallbackSlot is returned when no slot in a plan covers the requested hour.
// Malformed plan data is a data quality issue, not an operational failure,
// so callers get a usable normal-band slot instead of an error.
var FallbackSlot = types.TariffSlot{
	StartHour:  0,
	EndHour:    24,
	RatePerKWH: 0,
	Band:       types.BandNormal,
}

// Resolve returns the slot covering the given hour. Exactly one slot matches
// for a well-formed plan; if none match the fallback normal band is returned.
func Resolve(slots []types.TariffSlot, hour int) types.TariffSlot {
	hour = normalizeHour(hour)
	for _, s := range slots {
		if s.Contains(hour) {
			return s
		}
	}
	return FallbackSlot
}

// NextChange returns the first slot boundary strictly after the given hour
// and the slot that begins there, wrapping to the next day's first boundary
// if no boundary remains today.
func NextChange(slots []types.TariffSlot, hour int) (int, types.TariffSlot) {
	hour = normalizeHour(hour)
	if len(slots) == 0 {
		return hour, FallbackSlot
	}

	// Walk forward at most a full day; the first hour whose resolved slot
	// has a StartHour equal to it is a boundary.
	for step := 1; step <= 24; step++ {
		h := (hour + step) % 24
		s := Resolve(slots, h)
		if s.StartHour == h {
			return h, s
		}
	}
	return hour, Resolve(slots, hour)
}

// CheapestSlot returns the slot with the lowest rate. The second return is
// false when the slot set is empty.
func CheapestSlot(slots []types.TariffSlot) (types.TariffSlot, bool) {
	if len(slots) == 0 {
		return types.TariffSlot{}, false
	}
	best := slots[0]
	for _, s := range slots[1:] {
		if s.RatePerKWH < best.RatePerKWH {
			best = s
		}
	}
	return best, true
}

// NextCheaperSlot returns the next upcoming slot (by start boundary after the
// given hour) whose rate is lower than the current slot's rate. The second
// return is false when no cheaper slot exists in the plan.
func NextCheaperSlot(slots []types.TariffSlot, hour int) (types.TariffSlot, bool) {
	hour = normalizeHour(hour)
	current := Resolve(slots, hour)

	for step := 1; step <= 24; step++ {
		h := (hour + step) % 24
		s := Resolve(slots, h)
		if s.StartHour == h && s.RatePerKWH < current.RatePerKWH {
			return s, true
		}
	}
	return types.TariffSlot{}, false
}

// Validate checks that the slot set partitions the 24-hour day: every hour
// covered by exactly one slot.
func Validate(slots []types.TariffSlot) error {
	if len(slots) == 0 {
		return types.ErrValidation
	}
	for hour := range 24 {
		var matches int
		for _, s := range slots {
			if s.Contains(hour) {
				matches++
			}
		}
		if matches != 1 {
			return types.ErrValidation
		}
	}
	return nil
}

// HoursInBand returns the hours of the day covered by slots with the given
// band, in ascending order.
func HoursInBand(slots []types.TariffSlot, band types.TariffBand) []int {
	var hours []int
	for hour := range 24 {
		if Resolve(slots, hour).Band == band {
			hours = append(hours, hour)
		}
	}
	sort.Ints(hours)
	return hours
}

func normalizeHour(hour int) int {
	hour %= 24
	if hour < 0 {
		hour += 24
	}
	return hour
}
