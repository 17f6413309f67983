// Package brain implements the ActivityBrain decision engine: it turns a
// stream of raw positional fixes into a present/past pair of smoothed
// samples and a moving/stationary/uncertain classification, the input
// the recorder state machine consumes every tick.
package brain

import (
	"math"

	"github.com/banshee-data/locomotion-timeline/internal/geo"
	"github.com/banshee-data/locomotion-timeline/internal/kalman"
)

// MovingState is the brain's classification of the present window.
type MovingState string

const (
	Moving     MovingState = "moving"
	Stationary MovingState = "stationary"
	Uncertain  MovingState = "uncertain"
)

// PedometerReading is a single step-rate observation.
type PedometerReading struct {
	Timestamp float64
	StepHz    float64
}

// InertialReading is a single accelerometer observation.
type InertialReading struct {
	Timestamp float64
	X, Y, Z   float64
}

// maxPedometerRing and maxInertialRing bound the ring buffers so a brain
// that runs for a long time without a trim cannot grow unbounded.
const (
	maxPedometerRing = 64
	maxInertialRing  = 64
)

// BrainSample is the present or past window of fixes that make up one
// side of the brain's decision: an ordered run of filtered locations, an
// unordered bag of recent raw fixes, and small rings of pedometer and
// inertial readings. Derived quantities (center, radius, course, speed)
// are cached and recomputed on demand by Recompute.
type BrainSample struct {
	filtered []kalman.FilteredLocation
	raws     []kalman.RawFix
	pedometer []PedometerReading
	inertial  []InertialReading

	radiusBounded float64
	movingState   MovingState

	center geo.Point
	radius float64
	course float64
	speed  float64

	dirty bool
}

// NewBrainSample returns an empty sample ready for ingestion.
func NewBrainSample() *BrainSample {
	return &BrainSample{movingState: Uncertain, dirty: true}
}

// AddRaw appends a raw fix to the unordered bag.
func (s *BrainSample) AddRaw(raw kalman.RawFix) {
	s.raws = append(s.raws, raw)
}

// AddFiltered inserts a filtered location in timestamp order, dropping it
// if its timestamp is not strictly greater than the current last entry:
// equal-or-older timestamps are dropped.
func (s *BrainSample) AddFiltered(loc kalman.FilteredLocation) {
	if n := len(s.filtered); n > 0 && loc.Timestamp <= s.filtered[n-1].Timestamp {
		return
	}
	s.filtered = append(s.filtered, loc)
	s.dirty = true
}

// AddPedometer appends a pedometer reading, trimming the ring to its cap.
func (s *BrainSample) AddPedometer(r PedometerReading) {
	s.pedometer = append(s.pedometer, r)
	if len(s.pedometer) > maxPedometerRing {
		s.pedometer = s.pedometer[len(s.pedometer)-maxPedometerRing:]
	}
}

// AddInertial appends an inertial reading, trimming the ring to its cap.
func (s *BrainSample) AddInertial(r InertialReading) {
	s.inertial = append(s.inertial, r)
	if len(s.inertial) > maxInertialRing {
		s.inertial = s.inertial[len(s.inertial)-maxInertialRing:]
	}
}

// N is the number of filtered locations currently held.
func (s *BrainSample) N() int { return len(s.filtered) }

// PopOldestFiltered removes and returns the oldest filtered location, or
// ok=false if the sample is empty.
func (s *BrainSample) PopOldestFiltered() (kalman.FilteredLocation, bool) {
	if len(s.filtered) == 0 {
		return kalman.FilteredLocation{}, false
	}
	loc := s.filtered[0]
	s.filtered = s.filtered[1:]
	s.dirty = true
	return loc, true
}

// PushFiltered appends a location that is already known to sort after
// the current contents (used when transferring a trimmed sample from
// present into past, which is always older-to-newer).
func (s *BrainSample) PushFiltered(loc kalman.FilteredLocation) {
	s.filtered = append(s.filtered, loc)
	s.dirty = true
}

// Latest returns the most recently added filtered location.
func (s *BrainSample) Latest() (kalman.FilteredLocation, bool) {
	if len(s.filtered) == 0 {
		return kalman.FilteredLocation{}, false
	}
	return s.filtered[len(s.filtered)-1], true
}

// Age is now - the timestamp of the oldest filtered location, in
// seconds. Returns 0 for an empty sample.
func (s *BrainSample) Age(now float64) float64 {
	if len(s.filtered) == 0 {
		return 0
	}
	return now - s.filtered[0].Timestamp
}

// TimeRange returns [first, last] timestamps of the filtered run.
func (s *BrainSample) TimeRange() (start, end float64, ok bool) {
	if len(s.filtered) == 0 {
		return 0, 0, false
	}
	return s.filtered[0].Timestamp, s.filtered[len(s.filtered)-1].Timestamp, true
}

// Flush clears all member data (used by Freeze), leaving derived values
// stale until the next Recompute.
func (s *BrainSample) Flush() {
	s.filtered = nil
	s.raws = nil
	s.pedometer = nil
	s.inertial = nil
	s.dirty = true
}

// RadiusBounded returns the mutable radius bound the decision cycle uses
// in place of the raw computed radius.
func (s *BrainSample) RadiusBounded() float64 { return s.radiusBounded }

// SetRadiusBounded sets the mutable radius bound.
func (s *BrainSample) SetRadiusBounded(v float64) { s.radiusBounded = v }

// MovingState returns the sample's last-classified moving state.
func (s *BrainSample) MovingState() MovingState { return s.movingState }

// SetMovingState sets the sample's moving state.
func (s *BrainSample) SetMovingState(v MovingState) { s.movingState = v }

// Center returns the cached weighted center, recomputing first if dirty.
func (s *BrainSample) Center() geo.Point {
	s.recomputeIfDirty()
	return s.center
}

// Radius returns the cached radius (mean + unweighted SD of
// accuracy-weighted distances from center).
func (s *BrainSample) Radius() float64 {
	s.recomputeIfDirty()
	return s.radius
}

// Course returns the cached circular-mean course, or -1 if there are
// fewer than two filtered locations to derive a bearing from.
func (s *BrainSample) Course() float64 {
	s.recomputeIfDirty()
	return s.course
}

// Speed returns the cached speed: the mean of valid raw speeds if any
// exist, else filtered distance over filtered duration, else -1.
func (s *BrainSample) Speed() float64 {
	s.recomputeIfDirty()
	return s.speed
}

// StepHz returns the mean step frequency of pedometer readings whose
// timestamp falls within [start, end], or -1 if none qualify.
func (s *BrainSample) StepHz(start, end float64) float64 {
	var sum float64
	var n int
	for _, r := range s.pedometer {
		if r.Timestamp >= start && r.Timestamp <= end {
			sum += r.StepHz
			n++
		}
	}
	if n == 0 {
		return -1
	}
	return sum / float64(n)
}

func (s *BrainSample) recomputeIfDirty() {
	if !s.dirty {
		return
	}
	s.Recompute()
}

// Recompute refreshes the cached derived values from the current member
// data. Callers normally don't need to call this directly; the Center,
// Radius, Course and Speed accessors do it lazily.
func (s *BrainSample) Recompute() {
	defer func() { s.dirty = false }()

	if len(s.filtered) == 0 {
		s.center = geo.Point{}
		s.radius = 0
		s.course = -1
		s.speed = -1
		return
	}

	s.center = s.weightedCenter()
	s.radius = s.weightedRadius(s.center)
	s.course = s.circularCourse()
	s.speed = s.derivedSpeed()
}

// worstAccuracyDenominator is the worst accuracy used by the weighting
// scheme in weightedCenter and weightedRadius: w = 1 - hAccuracy/(worst+5).
const worstAccuracyDenominator = 300.0

func (s *BrainSample) weightedCenter() geo.Point {
	var sumX, sumY, sumZ, sumW float64
	allEqual := true
	var firstW float64
	first := true

	for _, loc := range s.filtered {
		w := 1 - loc.HAccuracy/(worstAccuracyDenominator+5)
		if w < 0 {
			w = 0
		}
		if first {
			firstW = w
			first = false
		} else if math.Abs(w-firstW) > 1e-9 {
			allEqual = false
		}
		x, y, z := geo.ToUnitSphere(geo.Point{Lat: loc.Lat, Lon: loc.Lon})
		sumX += w * x
		sumY += w * y
		sumZ += w * z
		sumW += w
	}

	if allEqual || sumW == 0 {
		sumX, sumY, sumZ, sumW = 0, 0, 0, 0
		for _, loc := range s.filtered {
			x, y, z := geo.ToUnitSphere(geo.Point{Lat: loc.Lat, Lon: loc.Lon})
			sumX += x
			sumY += y
			sumZ += z
			sumW++
		}
	}

	return geo.FromUnitSphere(sumX/sumW, sumY/sumW, sumZ/sumW)
}

func (s *BrainSample) weightedRadius(center geo.Point) float64 {
	n := len(s.filtered)
	if n == 0 {
		return 0
	}
	distances := make([]float64, n)
	var sumW, sumWD float64
	for i, loc := range s.filtered {
		d := geo.DistanceMeters(center, geo.Point{Lat: loc.Lat, Lon: loc.Lon})
		distances[i] = d
		w := 1 - loc.HAccuracy/(worstAccuracyDenominator+5)
		if w < 0 {
			w = 0
		}
		sumW += w
		sumWD += w * d
	}
	var mean float64
	if sumW > 0 {
		mean = sumWD / sumW
	}

	if n == 1 {
		return mean
	}
	var sumSq float64
	for _, d := range distances {
		diff := d - mean
		sumSq += diff * diff
	}
	sd := math.Sqrt(sumSq / float64(n))
	return mean + sd
}

func (s *BrainSample) circularCourse() float64 {
	if len(s.filtered) < 2 {
		return -1
	}
	bearings := make([]float64, 0, len(s.filtered)-1)
	for i := 1; i < len(s.filtered); i++ {
		a := geo.Point{Lat: s.filtered[i-1].Lat, Lon: s.filtered[i-1].Lon}
		b := geo.Point{Lat: s.filtered[i].Lat, Lon: s.filtered[i].Lon}
		bearings = append(bearings, geo.BearingDegrees(a, b))
	}
	mean, ok := geo.CircularMeanDegrees(bearings)
	if !ok {
		return -1
	}
	return mean
}

func (s *BrainSample) derivedSpeed() float64 {
	var sum float64
	var n int
	for _, raw := range s.raws {
		if raw.Speed >= 0 {
			sum += raw.Speed
			n++
		}
	}
	if n > 0 {
		return sum / float64(n)
	}

	if len(s.filtered) < 2 {
		return -1
	}
	start, end, _ := s.TimeRange()
	duration := end - start
	if duration <= 0 {
		return -1
	}
	var distance float64
	for i := 1; i < len(s.filtered); i++ {
		a := geo.Point{Lat: s.filtered[i-1].Lat, Lon: s.filtered[i-1].Lon}
		b := geo.Point{Lat: s.filtered[i].Lat, Lon: s.filtered[i].Lon}
		distance += geo.DistanceMeters(a, b)
	}
	return distance / duration
}
