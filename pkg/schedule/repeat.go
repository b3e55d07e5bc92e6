package schedule

import (
	"time"

	"github.com/shiftwatt/shiftwatt/pkg/types"
)

// NextOccurrence computes the next instant strictly after now at which a
// schedule with the given start time and repeat spec should fire. One-shot
// schedules fire at their start time only; repeating schedules fire at the
// start's wall clock on each matching weekday. The second return is false
// when no future occurrence exists (a one-shot whose time has passed, or a
// day-set repeat with no days). Occurrences are never in the past: a
// repeating schedule re-armed after its start has passed resolves to the
// next future matching instant, not a retroactive one.
func NextOccurrence(now, start time.Time, repeat types.RepeatSpec) (time.Time, bool) {
	if !repeat.Repeating() {
		if start.After(now) {
			return start, true
		}
		return time.Time{}, false
	}

	// occurrences never precede the schedule's own start
	ref := now
	if start.After(ref) {
		// back off a nanosecond so the start instant itself qualifies
		ref = start.Add(-time.Nanosecond)
	}

	// walk forward day by day; 8 days covers any weekday set
	for day := range 8 {
		d := ref.AddDate(0, 0, day)
		cand := time.Date(d.Year(), d.Month(), d.Day(),
			start.Hour(), start.Minute(), start.Second(), 0, start.Location())
		if cand.After(ref) && repeat.Matches(cand.Weekday()) {
			return cand, true
		}
	}
	return time.Time{}, false
}

// windowDuration returns the length of a schedule's on-window. A window
// whose end wall clock precedes its start wraps past midnight.
func windowDuration(start, end time.Time) time.Duration {
	d := end.Sub(start)
	for d <= 0 {
		d += 24 * time.Hour
	}
	return d
}
