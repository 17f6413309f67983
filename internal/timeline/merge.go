package timeline

import (
	"fmt"
	"time"

	"github.com/banshee-data/locomotion-timeline/internal/geo"
	"github.com/banshee-data/locomotion-timeline/internal/kalman"
	"github.com/banshee-data/locomotion-timeline/internal/locomotion"
)

// Score is the consumption-score enum a keeper assigns a candidate
// deadman; higher scores are more desirable merges.
type Score int

const (
	Impossible Score = iota
	VeryLow
	Low
	Medium
	High
	Perfect
)

func (s Score) String() string {
	switch s {
	case Impossible:
		return "impossible"
	case VeryLow:
		return "veryLow"
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Perfect:
		return "perfect"
	default:
		return "unknown"
	}
}

// visitToPathMergeFloor is the minimum merge-distance ceiling between a
// visit and a path, regardless of their speeds.
const visitToPathMergeFloor = 150.0

// classifierMatchThresholds map a deadman Path's classifier score for
// the keeper's activity type to a consumption score.
var classifierScoreBands = []struct {
	min   float64
	score Score
}{
	{0.075, Perfect},
	{0.05, High},
	{0.025, Medium},
	{0.010, Low},
}

// Merge is a candidate triple the processor gathers and scores.
type Merge struct {
	Keeper     *Item
	Betweener  *Item
	Deadman    *Item
	Reversed   bool
}

// endDates bundles the next-item start dates a caller already knows, so
// Item.EndDate/Duration/IsValid calls don't need a store round-trip for
// every comparison inside scoring.
type endDates struct {
	keeperNext   time.Time
	deadmanNext  time.Time
}

// ScoreForConsuming computes keeper.scoreForConsuming(deadman).
// ends supplies each item's next-item start date (needed
// for duration-dependent validity checks); pass the zero time when
// unknown.
func ScoreForConsuming(keeper, deadman *Item, ends endDates) Score {
	if keeper.IsMergeLocked("") || deadman.IsMergeLocked("") || keeper.Deleted {
		return Impossible
	}
	if len(keeper.Samples) == 0 {
		return Impossible
	}

	if keeper.IsDataGap {
		if deadman.IsDataGap {
			return Perfect
		}
		return Impossible
	}
	if deadman.IsDataGap {
		if deadman.IsValid(ends.deadmanNext) {
			return Impossible
		}
		return Medium
	}

	if keeper.IsNolo() {
		if deadman.IsNolo() {
			return Perfect
		}
		return Impossible
	}
	if deadman.IsNolo() && !deadman.IsValid(ends.deadmanNext) {
		return Medium
	}

	if !WithinMergeableDistance(keeper, deadman, ends.keeperNext, ends.deadmanNext) {
		return Impossible
	}

	switch {
	case keeper.Kind == KindVisit && deadman.Kind == KindVisit:
		return scoreVisitVisit(keeper, deadman, ends)
	case keeper.Kind == KindVisit && deadman.Kind == KindPath:
		return scoreVisitConsumesPath(keeper, deadman)
	case keeper.Kind == KindPath && deadman.Kind == KindVisit:
		return scorePathConsumesVisit(keeper, deadman, ends)
	default:
		return scorePathConsumesPath(keeper, deadman)
	}
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

func scoreVisitVisit(keeper, deadman *Item, ends endDates) Score {
	kStart, kEnd := keeper.StartDate(), keeper.EndDate(ends.keeperNext)
	dStart, dEnd := deadman.StartDate(), deadman.EndDate(ends.deadmanNext)
	if overlaps(kStart, kEnd, dStart, dEnd) {
		if keeper.Duration(ends.keeperNext) >= deadman.Duration(ends.deadmanNext) {
			return Perfect
		}
		return High
	}
	return Impossible
}

func scoreVisitConsumesPath(keeper, deadman *Item) Score {
	if !keeper.IsValid(time.Time{}) || deadman.IsValid(time.Time{}) {
		return VeryLow
	}
	inside := fractionOfPathInsideVisit(keeper, deadman)
	if inside >= 1 {
		return Low
	}
	return VeryLow
}

func fractionOfPathInsideVisit(visit, path *Item) float64 {
	if len(path.Samples) == 0 {
		return 0
	}
	var inside int
	for _, s := range path.Samples {
		for _, f := range s.FilteredMembers {
			if visit.Contains(pointOf(f), 0) {
				inside++
			}
		}
	}
	total := 0
	for _, s := range path.Samples {
		total += len(s.FilteredMembers)
	}
	if total == 0 {
		return 0
	}
	return float64(inside) / float64(total)
}

func scorePathConsumesVisit(keeper, deadman *Item, ends endDates) Score {
	keeperIsKeeper := keeper.IsWorthKeeping(ends.keeperNext)
	deadmanIsKeeper := deadman.IsWorthKeeping(ends.deadmanNext)
	deadmanValid := deadman.IsValid(ends.deadmanNext)

	switch {
	case keeperIsKeeper && deadmanIsKeeper:
		// a keeper never consumes another keeper, regardless of type.
		return Impossible
	case keeperIsKeeper && deadmanValid:
		return Low
	case keeperIsKeeper && !deadmanValid:
		return Medium
	case !keeperIsKeeper && keeper.IsValid(time.Time{}) && !deadmanValid:
		return Low
	case keeper.IsValid(time.Time{}) && deadmanValid:
		return VeryLow
	default:
		return VeryLow
	}
}

func scorePathConsumesPath(keeper, deadman *Item) Score {
	keeperType := keeper.ModeMovingActivityType
	if keeperType == nil {
		keeperType = keeper.ModeActivityType
	}
	deadmanType := deadman.ModeMovingActivityType
	if deadmanType == nil {
		deadmanType = deadman.ModeActivityType
	}

	if keeperType == nil && deadmanType == nil {
		return Medium
	}
	if keeperType == nil {
		return Impossible
	}
	if deadmanType != nil && *deadmanType == *keeperType {
		return Perfect
	}

	score := classifierScoreFor(deadman, *keeperType)
	for _, band := range classifierScoreBands {
		if score >= band.min {
			return band.score
		}
	}
	return VeryLow
}

func classifierScoreFor(item *Item, activityType string) float64 {
	var best float64 = -1
	for _, s := range item.Samples {
		for _, r := range s.ClassifierResults {
			if r.ActivityType == activityType && r.Score > best {
				best = r.Score
			}
		}
	}
	if best < 0 {
		return 0
	}
	return best
}

// WithinMergeableDistance implements the merge-distance gate.
func WithinMergeableDistance(a, b *Item, aNext, bNext time.Time) bool {
	if a.IsNolo() || b.IsNolo() {
		return true
	}

	aStart, aEnd := a.StartDate(), a.EndDate(aNext)
	bStart, bEnd := b.StartDate(), b.EndDate(bNext)
	if overlaps(aStart, aEnd, bStart, bEnd) {
		return true
	}

	if a.Kind == KindVisit && b.Kind == KindVisit {
		return true
	}

	gap := timeGapBetween(aStart, aEnd, bStart, bEnd)
	speedA := a.Speed(aNext)
	speedB := b.Speed(bNext)
	meanSpeed := meanOfValid(speedA, speedB)
	ceiling := meanSpeed * gap.Seconds() * 4
	if (a.Kind == KindVisit) != (b.Kind == KindVisit) {
		if ceiling < visitToPathMergeFloor {
			ceiling = visitToPathMergeFloor
		}
	}

	return closestEdgeDistance(a, b) <= ceiling
}

func timeGapBetween(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	if aEnd.Before(bStart) {
		return bStart.Sub(aEnd)
	}
	if bEnd.Before(aStart) {
		return aStart.Sub(bEnd)
	}
	return 0
}

func meanOfValid(speeds ...float64) float64 {
	var sum float64
	var n int
	for _, s := range speeds {
		if s >= 0 {
			sum += s
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func closestEdgeDistance(a, b *Item) float64 {
	aEdges := edgeLocations(a)
	bEdges := edgeLocations(b)
	if len(aEdges) == 0 || len(bEdges) == 0 {
		return 0
	}
	best := -1.0
	for _, ae := range aEdges {
		for _, be := range bEdges {
			d := distanceBetween(ae, be)
			if best < 0 || d < best {
				best = d
			}
		}
	}
	if best < 0 {
		return 0
	}
	return best
}

// DoIt executes a validated merge: reparents deadman's (and betweener's)
// samples into keeper, rewires keeper's outward edge past the consumed
// items, and deletes the consumed items.
func (m *Merge) DoIt(currentItemID string) error {
	if m.Keeper.IsMergeLocked(currentItemID) {
		return fmt.Errorf("timeline: keeper %s is merge-locked", m.Keeper.ID)
	}

	toMove := collectEnabledSamples(m.Deadman)
	if m.Betweener != nil {
		toMove = append(toMove, collectEnabledSamples(m.Betweener)...)
	}
	m.Deadman.Remove(m.Deadman.Samples...)
	if m.Betweener != nil {
		m.Betweener.Remove(m.Betweener.Samples...)
	}
	m.Keeper.Add(toMove...)

	outward := m.Deadman.NextItemID
	if m.Reversed {
		outward = m.Deadman.PreviousItemID
	}
	if m.Reversed {
		m.Keeper.PreviousItemID = outward
	} else {
		m.Keeper.NextItemID = outward
	}

	if err := m.Deadman.Delete(currentItemID); err != nil {
		return err
	}
	if m.Betweener != nil {
		if err := m.Betweener.Delete(currentItemID); err != nil {
			return err
		}
	}
	return nil
}

func collectEnabledSamples(it *Item) []*locomotion.Sample {
	var out []*locomotion.Sample
	for _, s := range it.Samples {
		if !s.Disabled {
			out = append(out, s)
		}
	}
	return out
}

func pointOf(f kalman.FilteredLocation) geo.Point {
	return geo.Point{Lat: f.Lat, Lon: f.Lon}
}

func distanceBetween(a, b geo.Point) float64 {
	return geo.DistanceMeters(a, b)
}

// edgeLocations returns the filtered-location endpoints (first and last
// sample's member fixes) that closestEdgeDistance compares between two
// items.
func edgeLocations(it *Item) []geo.Point {
	var pts []geo.Point
	if len(it.Samples) == 0 {
		return pts
	}
	first := it.Samples[0]
	last := it.Samples[len(it.Samples)-1]
	for _, f := range first.FilteredMembers {
		pts = append(pts, pointOf(f))
	}
	if last != first {
		for _, f := range last.FilteredMembers {
			pts = append(pts, pointOf(f))
		}
	}
	return pts
}
