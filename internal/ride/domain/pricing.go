package domain

import "math"

// Pricing is a fixed tariff expressed in minor currency units.
type Pricing struct {
	BaseCents      int64
	PerKmCents     int64
	PerMinuteCents int64
	MinimumCents   int64
}

// DefaultPricing is the tariff applied on completion.
var DefaultPricing = Pricing{
	BaseCents:      3000,
	PerKmCents:     1200,
	PerMinuteCents: 150,
	MinimumCents:   5000,
}

// Fare is deterministic in its inputs; negative inputs are clamped to zero.
func (p Pricing) Fare(distanceKm float64, durationMins int) int64 {
	if distanceKm < 0 || math.IsNaN(distanceKm) {
		distanceKm = 0
	}
	if durationMins < 0 {
		durationMins = 0
	}
	total := float64(p.BaseCents) + distanceKm*float64(p.PerKmCents) + float64(durationMins)*float64(p.PerMinuteCents)
	cents := int64(math.Round(total))
	if cents < p.MinimumCents {
		return p.MinimumCents
	}
	return cents
}
