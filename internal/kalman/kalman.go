// Package kalman implements the scalar Kalman filter recursion used to
// smooth a single axis (latitude, longitude, or altitude) of a raw
// positional fix stream. Two independent filters (one per horizontal
// axis) make up a coordinate filter; altitude runs a third, separately
// configured instance.
package kalman

import "math"

// RawFix is a single unsmoothed positional measurement. hAccuracy < 0
// means unusable; Speed and Course use a negative sentinel when absent.
type RawFix struct {
	Timestamp    float64 // unix seconds
	Lat          float64
	Lon          float64
	Altitude     float64
	HAccuracy    float64
	VAccuracy    float64
	Speed        float64 // m/s, -1 if absent
	Course       float64 // degrees, -1 if absent
}

// FilteredLocation is a RawFix after Kalman smoothing: lat/lon/altitude
// are filter outputs and HAccuracy is the filter's posterior standard
// deviation rather than the device-reported accuracy.
type FilteredLocation struct {
	Timestamp float64
	Lat       float64
	Lon       float64
	Altitude  float64
	HAccuracy float64
	VAccuracy float64
	Speed     float64
	Course    float64
}

// Filter is a one-dimensional Kalman filter over a single scalar axis.
// It is not safe for concurrent use; callers (Brain) hold their own
// mutex around the pair of filters that make up a coordinate filter.
type Filter struct {
	q        float64 // process noise per second, axis-specific
	variance float64 // posterior variance P; <0 means uninitialised
	gain     float64 // k
	timestamp float64
}

// NewFilter returns a Filter configured with the given process noise
// (q, in the axis's native units per second) and reset to the
// uninitialised state.
func NewFilter(q float64) *Filter {
	f := &Filter{q: q}
	f.Reset()
	return f
}

// Reset returns the filter to its uninitialised state: the next Update
// call seeds variance from the incoming measurement's accuracy rather
// than propagating a gain.
func (f *Filter) Reset() {
	f.variance = -1
	f.gain = 1
}

// ResetVarianceTo seeds the posterior variance directly from a known
// accuracy (standard deviation) rather than waiting for the next
// measurement, used when unfreezing a brain after a sleep period.
func (f *Filter) ResetVarianceTo(accuracy float64) {
	f.variance = accuracy * accuracy
}

// Update advances the filter to timestamp t given a new measurement
// whose standard deviation is accuracy, and returns the gain that
// Predict should use to blend the prior estimate with the new one.
func (f *Filter) Update(t, accuracy float64) float64 {
	if f.variance < 0 {
		f.variance = accuracy * accuracy
		f.timestamp = t
		return f.gain
	}

	dt := t - f.timestamp
	if dt > 0 {
		f.variance += dt * f.q * f.q
		f.timestamp = t
	}

	f.gain = f.variance / (f.variance + accuracy*accuracy)
	f.variance = (1 - f.gain) * f.variance
	return f.gain
}

// Predict blends old (the prior estimate) with newMeasurement using the
// gain computed by the most recent Update call.
func (f *Filter) Predict(old, newMeasurement float64) float64 {
	return old + f.gain*(newMeasurement-old)
}

// Accuracy is the filter's posterior standard deviation.
func (f *Filter) Accuracy() float64 {
	if f.variance < 0 {
		return 0
	}
	return math.Sqrt(f.variance)
}

// Timestamp returns the timestamp of the filter's last Update.
func (f *Filter) Timestamp() float64 {
	return f.timestamp
}

// Initialized reports whether Update has seeded the filter yet.
func (f *Filter) Initialized() bool {
	return f.variance >= 0
}

// Coordinate process noise, in metres per second: the same q drives
// both the latitude and longitude filters.
const CoordinateProcessNoise = 4.0

// Altitude process noise, in metres per second.
const AltitudeProcessNoise = 3.0

// CoordinateFilter runs two independent scalar Kalman filters, one per
// horizontal axis, sharing the same process noise.
type CoordinateFilter struct {
	Lat *Filter
	Lon *Filter
}

// NewCoordinateFilter returns a CoordinateFilter configured with the
// spec's default process noise for latitude/longitude.
func NewCoordinateFilter() *CoordinateFilter {
	return &CoordinateFilter{
		Lat: NewFilter(CoordinateProcessNoise),
		Lon: NewFilter(CoordinateProcessNoise),
	}
}

// Reset returns both axis filters to the uninitialised state.
func (c *CoordinateFilter) Reset() {
	c.Lat.Reset()
	c.Lon.Reset()
}

// ResetVarianceTo seeds both axis filters' posterior variance from a
// single accuracy value (used when unfreezing after sleep).
func (c *CoordinateFilter) ResetVarianceTo(accuracy float64) {
	c.Lat.ResetVarianceTo(accuracy)
	c.Lon.ResetVarianceTo(accuracy)
}

// Update advances both axis filters to t and returns the smoothed
// lat/lon given the raw measurement and its horizontal accuracy.
func (c *CoordinateFilter) Update(t, lat, lon, hAccuracy float64, priorLat, priorLon float64) (smoothedLat, smoothedLon, accuracy float64) {
	c.Lat.Update(t, hAccuracy)
	c.Lon.Update(t, hAccuracy)
	smoothedLat = c.Lat.Predict(priorLat, lat)
	smoothedLon = c.Lon.Predict(priorLon, lon)
	// The posterior standard deviation reported to the brain is the
	// larger of the two axis filters', matching the single hAccuracy
	// value FilteredLocation carries.
	accuracy = math.Max(c.Lat.Accuracy(), c.Lon.Accuracy())
	return
}

// IsUsableFix reports whether raw is acceptable for filtering: it must
// have a non-negative horizontal accuracy and non-degenerate (non
// zero-zero) coordinates.
func IsUsableFix(raw RawFix) bool {
	if raw.HAccuracy < 0 {
		return false
	}
	if raw.Lat == 0 && raw.Lon == 0 {
		return false
	}
	return true
}
