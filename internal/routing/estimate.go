package routing

import (
	"errors"
	"time"

	"github.com/example/ridesync/internal/geo"
)

type Source string

const (
	SourceRoutingService    Source = "routing-service"
	SourceGeometricFallback Source = "geometric-fallback"
)

// FallbackSpeedKmh is the average speed assumed for geometric estimates.
const FallbackSpeedKmh = 30.0

// ErrGeocodeNotFound means an address could not be resolved by any means; the caller has
// to ask for manual entry.
var ErrGeocodeNotFound = errors.New("geocode not found")

// RouteEstimate is an immutable distance/duration estimate between two quantized endpoints.
// Consumers replace it wholesale; nothing mutates one in place.
type RouteEstimate struct {
	OriginKey      string      `json:"origin_key"`
	DestinationKey string      `json:"destination_key"`
	DistanceKm     float64     `json:"distance_km"`
	DurationMins   int         `json:"duration_mins"`
	Path           []geo.Point `json:"path"`
	ComputedAt     time.Time   `json:"computed_at"`
	Source         Source      `json:"source"`
}

func (e RouteEstimate) IsFallback() bool {
	return e.Source == SourceGeometricFallback
}

// Fallback computes the great-circle estimate used when the provider is unavailable.
func Fallback(origin, destination geo.Point, speedKmh float64, at time.Time) (RouteEstimate, error) {
	km, err := geo.HaversineDistanceKm(origin, destination)
	if err != nil {
		return RouteEstimate{}, err
	}
	if speedKmh <= 0 {
		speedKmh = FallbackSpeedKmh
	}
	return RouteEstimate{
		OriginKey:      geo.Quantize(origin),
		DestinationKey: geo.Quantize(destination),
		DistanceKm:     km,
		DurationMins:   geo.EstimateEtaMins(km, speedKmh),
		Path:           []geo.Point{},
		ComputedAt:     at,
		Source:         SourceGeometricFallback,
	}, nil
}
