package types

// TariffBand labels a price band within a tariff plan.
type TariffBand string

const (
	BandOffPeak TariffBand = "off_peak"
	BandNormal  TariffBand = "normal"
	BandPeak    TariffBand = "peak"
)

// TariffSlot is a contiguous (possibly midnight-wrapping) hour range with a
// fixed rate and band label. A slot with StartHour > EndHour wraps past
// midnight, e.g. 22 -> 6 covers 22:00-23:59 and 00:00-05:59.
type TariffSlot struct {
	StartHour  int        `json:"startHour"`
	EndHour    int        `json:"endHour"`
	RatePerKWH float64    `json:"ratePerKWH"`
	Band       TariffBand `json:"band"`
}

// Wraps returns true if the slot spans midnight.
func (s TariffSlot) Wraps() bool {
	return s.StartHour > s.EndHour
}

// Contains checks if the given hour-of-day falls inside the slot. It is
// intentionally independent of any calendar date.
func (s TariffSlot) Contains(hour int) bool {
	if s.Wraps() {
		return hour >= s.StartHour || hour < s.EndHour
	}
	return hour >= s.StartHour && hour < s.EndHour
}

// TariffSlab is a consumption-tier price step. Slabs are cumulative: the
// first UptoKWH units are billed at the first slab's rate and so on. A zero
// UptoKWH marks the open-ended final slab.
type TariffSlab struct {
	UptoKWH    float64 `json:"uptoKWH"`
	RatePerKWH float64 `json:"ratePerKWH"`
}

// TariffPlan identifies a pricing regime for a region/category.
type TariffPlan struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Region   string       `json:"region"`
	Category string       `json:"category"`
	Currency string       `json:"currency"`
	Slots    []TariffSlot `json:"slots"`
	Slabs    []TariffSlab `json:"slabs,omitempty"`
}

// MinRate returns the lowest slot rate in the plan, or 0 if it has no slots.
func (p TariffPlan) MinRate() float64 {
	if len(p.Slots) == 0 {
		return 0
	}
	m := p.Slots[0].RatePerKWH
	for _, s := range p.Slots[1:] {
		if s.RatePerKWH < m {
			m = s.RatePerKWH
		}
	}
	return m
}

// MaxRate returns the highest slot rate in the plan, or 0 if it has no slots.
func (p TariffPlan) MaxRate() float64 {
	if len(p.Slots) == 0 {
		return 0
	}
	m := p.Slots[0].RatePerKWH
	for _, s := range p.Slots[1:] {
		if s.RatePerKWH > m {
			m = s.RatePerKWH
		}
	}
	return m
}

// CarbonSchedule holds the fixed hourly grid carbon intensity for a region in
// grams of CO2 per kWh. It is looked up by region and hour-of-day only.
type CarbonSchedule struct {
	Region string      `json:"region"`
	Hourly [24]float64 `json:"hourly"`
}

// Average returns the mean intensity across the day.
func (c CarbonSchedule) Average() float64 {
	var sum float64
	for _, v := range c.Hourly {
		sum += v
	}
	return sum / 24
}
