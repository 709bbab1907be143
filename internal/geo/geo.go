package geo

import (
	"errors"
	"fmt"
	"math"
)

const earthRadiusKm = 6371.0

// ErrInvalidCoordinate indicates a latitude/longitude outside the WGS84 range or non-finite.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate reports whether the point is usable for distance computations.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) {
		return fmt.Errorf("%w: non-finite (%v, %v)", ErrInvalidCoordinate, p.Lat, p.Lng)
	}
	if math.Abs(p.Lat) > 90 || math.Abs(p.Lng) > 180 {
		return fmt.Errorf("%w: out of range (%v, %v)", ErrInvalidCoordinate, p.Lat, p.Lng)
	}
	return nil
}

func (p Point) String() string {
	return fmt.Sprintf("%.5f,%.5f", p.Lat, p.Lng)
}

// HaversineDistanceKm returns the great-circle distance between a and b.
func HaversineDistanceKm(a, b Point) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlng := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlng := math.Sin(dlng / 2)
	h := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlng*sinDlng
	h = math.Min(1, math.Max(0, h))
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c, nil
}

// EstimateEtaMins converts a distance into whole minutes at the assumed speed, never less than one.
func EstimateEtaMins(distanceKm, assumedSpeedKmh float64) int {
	if assumedSpeedKmh <= 0 || math.IsNaN(distanceKm) || distanceKm <= 0 {
		return 1
	}
	mins := math.Ceil(distanceKm / assumedSpeedKmh * 60)
	if math.IsInf(mins, 0) || mins > math.MaxInt32 {
		return math.MaxInt32
	}
	if mins < 1 {
		return 1
	}
	return int(mins)
}

// Quantize renders the point at ~11m resolution; used as a cache and identity key.
func Quantize(p Point) string {
	return fmt.Sprintf("%.4f,%.4f", p.Lat, p.Lng)
}

// DisplacementExceeds reports whether b moved more than thresholdKm away from a.
// Invalid points always count as moved.
func DisplacementExceeds(a, b Point, thresholdKm float64) bool {
	d, err := HaversineDistanceKm(a, b)
	if err != nil {
		return true
	}
	return d > thresholdKm
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// Track returns steps+1 points evenly spaced on the straight line from a to b, both ends
// included. It is meant for short urban legs where the line is a fair stand-in for the
// great circle.
func Track(a, b Point, steps int) []Point {
	if steps < 1 {
		steps = 1
	}
	out := make([]Point, 0, steps+1)
	for i := 0; i < steps; i++ {
		f := float64(i) / float64(steps)
		out = append(out, Point{Lat: a.Lat + (b.Lat-a.Lat)*f, Lng: a.Lng + (b.Lng-a.Lng)*f})
	}
	return append(out, b)
}
