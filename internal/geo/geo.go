// Package geo provides the small set of spherical-geometry helpers the
// brain and timeline packages need: great-circle distance, initial
// bearing, and projection to/from unit-sphere Cartesian coordinates for
// weighted-center averaging. There is no geodesy package in the example
// corpus (gonum ships statistics and linear algebra, not spherical
// trigonometry), so this is a deliberate, narrow standard-library
// implementation rather than a dependency.
package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used for all distance and
// bearing calculations in this package.
const EarthRadiusMeters = 6371000.0

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }
func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Lat float64
	Lon float64
}

// DistanceMeters returns the great-circle (haversine) distance between
// a and b in meters.
func DistanceMeters(a, b Point) float64 {
	lat1, lat2 := toRadians(a.Lat), toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLon := toRadians(b.Lon - a.Lon)

	sinDLat := math.Sin(dLat / 2)
	sinDLon := math.Sin(dLon / 2)

	h := sinDLat*sinDLat + math.Cos(lat1)*math.Cos(lat2)*sinDLon*sinDLon
	h = math.Min(1, math.Max(0, h))
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// BearingDegrees returns the initial bearing (0-360, 0 = north) for the
// great-circle path from a to b.
func BearingDegrees(a, b Point) float64 {
	lat1, lat2 := toRadians(a.Lat), toRadians(b.Lat)
	dLon := toRadians(b.Lon - a.Lon)

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	theta := math.Atan2(y, x)
	deg := toDegrees(theta)
	return math.Mod(deg+360, 360)
}

// ToUnitSphere projects p onto a point on the unit sphere, used for
// weighted averaging of coordinates (a plain arithmetic mean of
// latitude/longitude breaks down across the antimeridian and at the
// poles).
func ToUnitSphere(p Point) (x, y, z float64) {
	lat, lon := toRadians(p.Lat), toRadians(p.Lon)
	x = math.Cos(lat) * math.Cos(lon)
	y = math.Cos(lat) * math.Sin(lon)
	z = math.Sin(lat)
	return
}

// FromUnitSphere recovers a latitude/longitude point from a Cartesian
// coordinate on (or near) the unit sphere.
func FromUnitSphere(x, y, z float64) Point {
	lon := math.Atan2(y, x)
	hyp := math.Sqrt(x*x + y*y)
	lat := math.Atan2(z, hyp)
	return Point{Lat: toDegrees(lat), Lon: toDegrees(lon)}
}

// CircularMeanDegrees returns the circular mean of a set of bearings (in
// degrees), using the atan2-of-sin/cos-sums method. Returns ok=false for
// an empty input.
func CircularMeanDegrees(bearings []float64) (mean float64, ok bool) {
	if len(bearings) == 0 {
		return 0, false
	}
	var sumSin, sumCos float64
	for _, b := range bearings {
		r := toRadians(b)
		sumSin += math.Sin(r)
		sumCos += math.Cos(r)
	}
	mean = toDegrees(math.Atan2(sumSin, sumCos))
	return math.Mod(mean+360, 360), true
}
