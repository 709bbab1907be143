package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func pointGen() *rapid.Generator[Point] {
	return rapid.Custom(func(t *rapid.T) Point {
		return Point{
			Lat: rapid.Float64Range(-90, 90).Draw(t, "lat"),
			Lng: rapid.Float64Range(-180, 180).Draw(t, "lng"),
		}
	})
}

func TestHaversineSymmetricAndZero(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := pointGen().Draw(t, "a")
		b := pointGen().Draw(t, "b")

		ab, err := HaversineDistanceKm(a, b)
		require.NoError(t, err)
		ba, err := HaversineDistanceKm(b, a)
		require.NoError(t, err)
		require.InDelta(t, ab, ba, 1e-9)
		require.GreaterOrEqual(t, ab, 0.0)

		self, err := HaversineDistanceKm(a, a)
		require.NoError(t, err)
		require.Equal(t, 0.0, self)
	})
}

func TestEstimateEtaAtLeastOne(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d := rapid.Float64Range(0, 20000).Draw(t, "distance")
		speed := rapid.Float64Range(1, 200).Draw(t, "speed")
		require.GreaterOrEqual(t, EstimateEtaMins(d, speed), 1)
	})
}

func TestEstimateEtaCeil(t *testing.T) {
	require.Equal(t, 1, EstimateEtaMins(0, 30))
	require.Equal(t, 2, EstimateEtaMins(1, 30))
	require.Equal(t, 10, EstimateEtaMins(5, 30))
	require.Equal(t, 11, EstimateEtaMins(5.01, 30))
}

func TestHaversineKnownDistance(t *testing.T) {
	// Bengaluru MG Road to Koramangala, roughly 5.5km.
	d, err := HaversineDistanceKm(Point{Lat: 12.97, Lng: 77.59}, Point{Lat: 12.93, Lng: 77.62})
	require.NoError(t, err)
	require.InDelta(t, 5.5, d, 0.3)
}

func TestInvalidCoordinates(t *testing.T) {
	valid := Point{Lat: 1, Lng: 1}
	for _, p := range []Point{
		{Lat: 91, Lng: 0},
		{Lat: -90.5, Lng: 0},
		{Lat: 0, Lng: 180.1},
		{Lat: math.NaN(), Lng: 0},
		{Lat: 0, Lng: math.Inf(1)},
	} {
		_, err := HaversineDistanceKm(valid, p)
		require.ErrorIs(t, err, ErrInvalidCoordinate)
		_, err = HaversineDistanceKm(p, valid)
		require.ErrorIs(t, err, ErrInvalidCoordinate)
	}
}

func TestQuantizeAndDisplacement(t *testing.T) {
	require.Equal(t, "12.9700,77.5900", Quantize(Point{Lat: 12.97001, Lng: 77.59004}))
	require.False(t, DisplacementExceeds(Point{Lat: 12.97, Lng: 77.59}, Point{Lat: 12.97005, Lng: 77.59}, 0.02))
	require.True(t, DisplacementExceeds(Point{Lat: 12.97, Lng: 77.59}, Point{Lat: 12.95, Lng: 77.60}, 0.02))
	require.True(t, DisplacementExceeds(Point{Lat: 12.97, Lng: 77.59}, Point{Lat: 99, Lng: 0}, 0.02))
}

func TestTrackEndsAtBothPointsAndStaysBetween(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a, b := pointGen().Draw(t, "a"), pointGen().Draw(t, "b")
		steps := rapid.IntRange(1, 20).Draw(t, "steps")
		track := Track(a, b, steps)
		require.Len(t, track, steps+1)
		require.Equal(t, a, track[0])
		require.Equal(t, b, track[steps])
		for _, p := range track {
			require.InDelta(t, (a.Lat+b.Lat)/2, p.Lat, math.Abs(a.Lat-b.Lat)/2+1e-9)
			require.InDelta(t, (a.Lng+b.Lng)/2, p.Lng, math.Abs(a.Lng-b.Lng)/2+1e-9)
		}
	})
	require.Len(t, Track(Point{}, Point{Lat: 1}, 0), 2)
}
