// Package timeline implements the persistent doubly-linked list of
// Visit and Path items, their validity/keepness scoring, and the merge
// machinery the processor uses to heal and prune that list.
package timeline

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/locomotion-timeline/internal/geo"
	"github.com/banshee-data/locomotion-timeline/internal/locomotion"
)

// Kind distinguishes the two TimelineItem specialisations.
type Kind string

const (
	KindVisit Kind = "visit"
	KindPath  Kind = "path"
)

// Validity thresholds.
const (
	MinValidVisitDuration   = 10 * time.Second
	MinKeeperVisitDuration  = 120 * time.Second
	MinPathSamples          = 2
	MinValidPathDuration    = 10 * time.Second
	MinValidPathDistance    = 10.0
	MinKeeperPathDuration   = 60 * time.Second
	MinKeeperPathDistance   = 20.0
	MinValidDataGapDuration = 60 * time.Second
	MinKeeperDataGapDuration = 24 * time.Hour

	VisitMinRadius = 10.0
	VisitMaxRadius = 150.0
)

// Item is a node in the timeline's doubly-linked list. The zero value is
// not usable; construct with NewVisit or NewPath.
type Item struct {
	ID       string
	Kind     Kind
	Deleted  bool
	Disabled bool
	Source   string

	PreviousItemID *string
	NextItemID     *string

	Samples []*locomotion.Sample

	// Path-only classifier fields; left nil for Visits.
	ModeActivityType       *string
	ModeMovingActivityType *string
	IsDataGap              bool

	dirty          bool
	cachedCenter   geo.Point
	cachedRadiusMean float64
	cachedRadiusSD   float64
	cachedDistance   float64
}

// NewVisit returns an empty Visit item.
func NewVisit(id, source string) *Item {
	return &Item{ID: id, Kind: KindVisit, Source: source, dirty: true}
}

// NewPath returns an empty Path item.
func NewPath(id, source string) *Item {
	return &Item{ID: id, Kind: KindPath, Source: source, dirty: true}
}

// NewDataGapPath returns a Path item flagged as a synthetic data gap.
func NewDataGapPath(id, source string) *Item {
	p := NewPath(id, source)
	p.IsDataGap = true
	return p
}

// Add unions samples with the item's existing set, re-parenting each to
// this item, re-sorts by date, and invalidates derived caches.
func (it *Item) Add(samples ...*locomotion.Sample) {
	for _, s := range samples {
		id := it.ID
		s.TimelineItemID = &id
	}
	it.Samples = append(it.Samples, samples...)
	it.sortSamples()
	it.dirty = true
}

// Remove detaches samples from this item (clearing their parent id) and
// drops them from the owned set.
func (it *Item) Remove(toRemove ...*locomotion.Sample) {
	remove := make(map[*locomotion.Sample]bool, len(toRemove))
	for _, s := range toRemove {
		remove[s] = true
		s.TimelineItemID = nil
	}
	kept := it.Samples[:0:0]
	for _, s := range it.Samples {
		if !remove[s] {
			kept = append(kept, s)
		}
	}
	it.Samples = kept
	it.dirty = true
}

func (it *Item) sortSamples() {
	s := it.Samples
	for i := 1; i < len(s); i++ {
		j := i
		for j > 0 && s[j-1].Date.After(s[j].Date) {
			s[j-1], s[j] = s[j], s[j-1]
			j--
		}
	}
}

// BreakEdges nulls both link pointers. The former neighbours' pointers
// are left unchanged.
func (it *Item) BreakEdges() {
	it.PreviousItemID = nil
	it.NextItemID = nil
}

// Delete refuses to act on a merge-locked or non-empty item; otherwise
// it marks the item deleted and breaks its edges.
func (it *Item) Delete(currentItemID string) error {
	if it.IsMergeLocked(currentItemID) {
		return fmt.Errorf("timeline: item %s is merge-locked", it.ID)
	}
	if len(it.Samples) > 0 {
		return fmt.Errorf("timeline: item %s is not empty, move samples first", it.ID)
	}
	it.Deleted = true
	it.BreakEdges()
	return nil
}

// Disable marks the item and all of its owned samples disabled, and
// breaks its edges.
func (it *Item) Disable() {
	it.Disabled = true
	for _, s := range it.Samples {
		s.Disabled = true
	}
	it.BreakEdges()
}

// N is the number of owned samples.
func (it *Item) N() int { return len(it.Samples) }

// StartDate is the first owned sample's date, or the zero time if empty.
func (it *Item) StartDate() time.Time {
	if len(it.Samples) == 0 {
		return time.Time{}
	}
	return it.Samples[0].Date
}

// EndDate is the later of the last owned sample's date and the start of
// next, when known; callers that don't have the next item's start date
// pass a zero time for nextStart and get the last sample's date back.
func (it *Item) EndDate(nextStart time.Time) time.Time {
	if len(it.Samples) == 0 {
		return nextStart
	}
	last := it.Samples[len(it.Samples)-1].Date
	if nextStart.After(last) {
		return nextStart
	}
	return last
}

// Duration is EndDate(nextStart) - StartDate().
func (it *Item) Duration(nextStart time.Time) time.Duration {
	return it.EndDate(nextStart).Sub(it.StartDate())
}

// IsNolo reports whether the item has no usable location data at all
// (every owned sample lacks filtered members).
func (it *Item) IsNolo() bool {
	for _, s := range it.Samples {
		if len(s.FilteredMembers) > 0 {
			return false
		}
	}
	return true
}

func (it *Item) recomputeIfDirty() {
	if !it.dirty {
		return
	}
	it.recompute()
}

func (it *Item) recompute() {
	defer func() { it.dirty = false }()

	var locs []geo.Point
	for _, s := range it.Samples {
		for _, f := range s.FilteredMembers {
			locs = append(locs, geo.Point{Lat: f.Lat, Lon: f.Lon})
		}
	}
	if len(locs) == 0 {
		it.cachedCenter = geo.Point{}
		it.cachedRadiusMean = 0
		it.cachedRadiusSD = 0
		it.cachedDistance = 0
		return
	}

	var x, y, z float64
	for _, p := range locs {
		px, py, pz := geo.ToUnitSphere(p)
		x += px
		y += py
		z += pz
	}
	n := float64(len(locs))
	it.cachedCenter = geo.FromUnitSphere(x/n, y/n, z/n)

	var sum float64
	distances := make([]float64, len(locs))
	for i, p := range locs {
		d := geo.DistanceMeters(it.cachedCenter, p)
		distances[i] = d
		sum += d
	}
	mean := sum / n
	var sq float64
	for _, d := range distances {
		diff := d - mean
		sq += diff * diff
	}
	it.cachedRadiusMean = mean
	it.cachedRadiusSD = math.Sqrt(sq / n)

	var dist float64
	for i := 1; i < len(locs); i++ {
		dist += geo.DistanceMeters(locs[i-1], locs[i])
	}
	it.cachedDistance = dist
}

// Center returns the item's cached center point.
func (it *Item) Center() geo.Point {
	it.recomputeIfDirty()
	return it.cachedCenter
}

// RadiusMean and RadiusSD expose the cached radius statistics.
func (it *Item) RadiusMean() float64 {
	it.recomputeIfDirty()
	return it.cachedRadiusMean
}

func (it *Item) RadiusSD() float64 {
	it.recomputeIfDirty()
	return it.cachedRadiusSD
}

// ClampedVisitRadius returns the Visit radius clamped to
// [VisitMinRadius, VisitMaxRadius]. Only meaningful for Kind == KindVisit.
func (it *Item) ClampedVisitRadius() float64 {
	r := it.RadiusMean()
	if r < VisitMinRadius {
		return VisitMinRadius
	}
	if r > VisitMaxRadius {
		return VisitMaxRadius
	}
	return r
}

// Contains reports whether loc is within this Visit's radius, inflated
// by sd standard deviations and clamped to the visit radius bounds.
func (it *Item) Contains(loc geo.Point, sd float64) bool {
	bound := it.ClampedVisitRadius() + sd*it.RadiusSD()
	if bound < VisitMinRadius {
		bound = VisitMinRadius
	}
	if bound > VisitMaxRadius {
		bound = VisitMaxRadius
	}
	return geo.DistanceMeters(it.Center(), loc) <= bound
}

// Distance is the sum of inter-sample geodesic distances for a Path.
func (it *Item) Distance() float64 {
	it.recomputeIfDirty()
	return it.cachedDistance
}

// Speed is distance/duration, unless this is a single-sample path whose
// own sample reports an instantaneous raw speed.
func (it *Item) Speed(nextStart time.Time) float64 {
	if len(it.Samples) == 1 {
		for _, raw := range it.Samples[0].RawMembers {
			if raw.Speed >= 0 {
				return raw.Speed
			}
		}
	}
	d := it.Duration(nextStart).Seconds()
	if d <= 0 {
		return -1
	}
	return it.Distance() / d
}

// IsValid reports whether the item meets the minimum data bar the
// processor requires before trusting it in a merge decision.
func (it *Item) IsValid(nextStart time.Time) bool {
	switch {
	case it.IsDataGap:
		return it.Duration(nextStart) >= MinValidDataGapDuration
	case it.Kind == KindVisit:
		return it.N() >= 1 && !it.IsNolo() && it.Duration(nextStart) >= MinValidVisitDuration
	default: // Path
		if it.IsNolo() {
			return it.N() >= 1 && it.Duration(nextStart) >= MinValidPathDuration
		}
		return it.N() >= MinPathSamples &&
			it.Duration(nextStart) >= MinValidPathDuration &&
			it.Distance() >= MinValidPathDistance
	}
}

// IsWorthKeeping is the stronger bar the processor uses to decide
// whether an item should survive merges untouched.
func (it *Item) IsWorthKeeping(nextStart time.Time) bool {
	if !it.IsValid(nextStart) {
		return false
	}
	switch {
	case it.IsDataGap:
		return it.Duration(nextStart) >= MinKeeperDataGapDuration
	case it.Kind == KindVisit:
		return it.Duration(nextStart) >= MinKeeperVisitDuration
	default:
		return it.Duration(nextStart) >= MinKeeperPathDuration && it.Distance() >= MinKeeperPathDistance
	}
}

// IsMergeLocked reports whether the processor must never mutate this
// item: it is the recorder's current item and not worth keeping, or it
// has been invalidated (disabled/deleted).
func (it *Item) IsMergeLocked(currentItemID string) bool {
	if it.Disabled || it.Deleted {
		return true
	}
	if it.ID == currentItemID && !it.IsWorthKeeping(time.Time{}) {
		return true
	}
	return false
}
