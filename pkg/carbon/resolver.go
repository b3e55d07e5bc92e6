// Package carbon resolves grid carbon intensity (g CO2/kWh) for a region at
// a given hour-of-day. Intensity comes from a static 24-entry table per
// region; tables are stored alongside tariff plans and cached here, with a
// compiled-in default table when a region has none.
package carbon

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/shiftwatt/shiftwatt/pkg/storage"
	"github.com/shiftwatt/shiftwatt/pkg/types"
)

// DefaultRegion is used when a home has no region configured or the
// configured region has no stored schedule.
const DefaultRegion = "default"

// defaultHourly is a generic coal-heavy grid profile: cleanest in the early
// morning and around midday solar, dirtiest during the evening ramp.
var defaultHourly = [24]float64{
	420, 410, 400, 395, 390, 400,
	430, 460, 480, 470, 440, 410,
	390, 380, 385, 400, 440, 490,
	540, 560, 550, 520, 480, 450,
}

// DefaultSchedule returns the compiled-in fallback schedule.
func DefaultSchedule() types.CarbonSchedule {
	return types.CarbonSchedule{Region: DefaultRegion, Hourly: defaultHourly}
}

// Intensity returns the schedule's intensity at the given hour.
func Intensity(s types.CarbonSchedule, hour int) float64 {
	return s.Hourly[normalizeHour(hour)]
}

// CleanestHours returns the n lowest-intensity hours of the day in ascending
// intensity order. Ties break toward the earlier hour.
func CleanestHours(s types.CarbonSchedule, n int) []int {
	if n <= 0 {
		return nil
	}
	if n > 24 {
		n = 24
	}
	hours := make([]int, 24)
	for i := range hours {
		hours[i] = i
	}
	sort.SliceStable(hours, func(i, j int) bool {
		return s.Hourly[hours[i]] < s.Hourly[hours[j]]
	})
	return hours[:n]
}

// IsCleanWindow reports whether the given hour's intensity is below the
// schedule's daily average.
func IsCleanWindow(s types.CarbonSchedule, hour int) bool {
	return Intensity(s, hour) < s.Average()
}

// MinMax returns the lowest and highest hourly intensity of the day.
func MinMax(s types.CarbonSchedule) (float64, float64) {
	min, max := s.Hourly[0], s.Hourly[0]
	for _, v := range s.Hourly[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

// Resolver serves per-region carbon schedules out of a cache backed by
// storage, falling back to the compiled-in default table for unknown
// regions.
type Resolver struct {
	mu        sync.Mutex
	db        storage.Database
	schedules map[string]types.CarbonSchedule
}

// Configured sets up the carbon intensity resolver.
func Configured(db storage.Database) *Resolver {
	return NewResolver(db)
}

// NewResolver creates an empty resolver backed by the given database.
func NewResolver(db storage.Database) *Resolver {
	return &Resolver{
		db:        db,
		schedules: make(map[string]types.CarbonSchedule),
	}
}

// Schedule returns the carbon schedule for a region, loading from storage on
// first use. An unknown region resolves to the default schedule rather than
// an error: intensity lookups must never fail a decision path.
func (r *Resolver) Schedule(ctx context.Context, region string) types.CarbonSchedule {
	if region == "" {
		region = DefaultRegion
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.schedules[region]; ok {
		return s
	}
	s, err := r.db.GetCarbonSchedule(ctx, region)
	if err != nil {
		if !errors.Is(err, storage.ErrCarbonNotFound) {
			// transient storage errors fall through to the default
			// without poisoning the cache
			return DefaultSchedule()
		}
		s = DefaultSchedule()
		s.Region = region
	}
	r.schedules[region] = s
	return s
}

// Resolve returns the intensity for a region at the given hour.
func (r *Resolver) Resolve(ctx context.Context, region string, hour int) float64 {
	return Intensity(r.Schedule(ctx, region), hour)
}

// CleanestHours returns the n cleanest hours of the day for a region.
func (r *Resolver) CleanestHours(ctx context.Context, region string, n int) []int {
	return CleanestHours(r.Schedule(ctx, region), n)
}

// IsCleanWindow reports whether a region's intensity at the given hour is
// below its daily average.
func (r *Resolver) IsCleanWindow(ctx context.Context, region string, hour int) bool {
	return IsCleanWindow(r.Schedule(ctx, region), hour)
}

// Invalidate drops a cached region so the next lookup re-reads storage.
func (r *Resolver) Invalidate(region string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schedules, region)
}

// SetSchedule inserts a schedule directly into the cache. This is primarily
// used for testing.
func (r *Resolver) SetSchedule(s types.CarbonSchedule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules[s.Region] = s
}

func normalizeHour(hour int) int {
	hour %= 24
	if hour < 0 {
		hour += 24
	}
	return hour
}
