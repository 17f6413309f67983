package timeline

import (
	"context"
	"time"

	"github.com/banshee-data/locomotion-timeline/internal/locomotion"
)

// edgeCleansePass iterates cleanseEdge across items up to
// EdgeCleanseMaxIterations times, remembering which samples moved last
// round so an oscillating sample can't ping-pong forever.
func (p *Processor) edgeCleansePass(items []*Item) []*locomotion.Sample {
	var allMoved []*locomotion.Sample
	moved := map[string]bool{}

	for iter := 0; iter < p.tuning.EdgeCleanseMaxIterations; iter++ {
		roundMoved := false
		for _, it := range items {
			s := p.cleanseEdge(it, items)
			if s == nil {
				continue
			}
			if moved[s.ID] && p.lastCleansed[s.ID] {
				continue
			}
			moved[s.ID] = true
			allMoved = append(allMoved, s)
			roundMoved = true
		}
		if !roundMoved {
			break
		}
	}

	p.lastCleansed = moved
	return allMoved
}

// cleanseEdge asks it to steal one boundary sample from a neighbour,
// returning the sample that moved (if any).
func (p *Processor) cleanseEdge(it *Item, universe []*Item) *locomotion.Sample {
	if it.Kind == KindPath {
		if s := p.cleansePathPathEdge(it, universe); s != nil {
			return s
		}
	}
	if it.Kind == KindVisit {
		if s := p.cleanseVisitPathEdge(it, universe); s != nil {
			return s
		}
	}
	return nil
}

func (p *Processor) cleansePathPathEdge(path *Item, universe []*Item) *locomotion.Sample {
	for _, neighbour := range []*Item{itemWithID(universe, path.PreviousItemID), itemWithID(universe, path.NextItemID)} {
		if neighbour == nil || neighbour.Kind != KindPath {
			continue
		}
		if sameActivityType(path, neighbour) {
			continue
		}
		if !withinTimeWindow(path, neighbour, 10*time.Minute) {
			continue
		}
		if !WithinMergeableDistance(path, neighbour, time.Time{}, time.Time{}) {
			continue
		}
		pathSpeed := path.Speed(time.Time{})
		neighbourSpeed := neighbour.Speed(time.Time{})
		if (pathSpeed > maximumModeShiftSpeed) != (neighbourSpeed > maximumModeShiftSpeed) {
			continue
		}

		edgeSample := edgeSampleFacing(neighbour, path)
		if edgeSample == nil {
			continue
		}
		if classifierTopType(edgeSample) == nil {
			continue
		}
		pathType := path.ModeMovingActivityType
		if pathType == nil {
			pathType = path.ModeActivityType
		}
		if pathType == nil || *classifierTopType(edgeSample) != *pathType {
			continue
		}

		neighbour.Remove(edgeSample)
		path.Add(edgeSample)
		return edgeSample
	}
	return nil
}

func (p *Processor) cleanseVisitPathEdge(visit *Item, universe []*Item) *locomotion.Sample {
	for _, neighbour := range []*Item{itemWithID(universe, visit.PreviousItemID), itemWithID(universe, visit.NextItemID)} {
		if neighbour == nil || neighbour.Kind != KindPath {
			continue
		}

		edgeSample := edgeSampleFacing(neighbour, visit)
		if edgeSample != nil && !sampleInsideVisit(visit, edgeSample) {
			nextIn := nextInwardSample(neighbour, edgeSample, visit)
			if nextIn != nil && sampleInsideVisit(visit, nextIn) {
				neighbour.Remove(edgeSample)
				visit.Add(edgeSample)
				return edgeSample
			}
		}

		visitEdge := edgeSampleFacing(visit, neighbour)
		if visitEdge != nil && !sampleInsideVisit(visit, visitEdge) {
			if gapToNeighbour(visitEdge, neighbour) <= 2*time.Minute {
				visit.Remove(visitEdge)
				neighbour.Add(visitEdge)
				return visitEdge
			}
		}
	}
	return nil
}

func itemWithID(universe []*Item, id *string) *Item {
	if id == nil {
		return nil
	}
	for _, it := range universe {
		if it.ID == *id {
			return it
		}
	}
	return nil
}

func sameActivityType(a, b *Item) bool {
	at, bt := a.ModeMovingActivityType, b.ModeMovingActivityType
	if at == nil {
		at = a.ModeActivityType
	}
	if bt == nil {
		bt = b.ModeActivityType
	}
	if at == nil || bt == nil {
		return at == bt
	}
	return *at == *bt
}

func withinTimeWindow(a, b *Item, window time.Duration) bool {
	gap := timeGapBetween(a.StartDate(), a.EndDate(time.Time{}), b.StartDate(), b.EndDate(time.Time{}))
	return gap <= window
}

// edgeSampleFacing returns the sample of `from` adjacent to `toward`:
// from's first sample if toward comes before from, else from's last.
func edgeSampleFacing(from, toward *Item) *locomotion.Sample {
	if len(from.Samples) == 0 {
		return nil
	}
	if from.PreviousItemID != nil && *from.PreviousItemID == toward.ID {
		return from.Samples[0]
	}
	return from.Samples[len(from.Samples)-1]
}

func nextInwardSample(from *Item, edge *locomotion.Sample, toward *Item) *locomotion.Sample {
	for i, s := range from.Samples {
		if s == edge {
			if from.PreviousItemID != nil && *from.PreviousItemID == toward.ID {
				if i+1 < len(from.Samples) {
					return from.Samples[i+1]
				}
			} else if i > 0 {
				return from.Samples[i-1]
			}
		}
	}
	return nil
}

func sampleInsideVisit(visit *Item, s *locomotion.Sample) bool {
	for _, f := range s.FilteredMembers {
		if !visit.Contains(pointOf(f), 0) {
			return false
		}
	}
	return len(s.FilteredMembers) > 0
}

func gapToNeighbour(s *locomotion.Sample, neighbour *Item) time.Duration {
	if len(neighbour.Samples) == 0 {
		return time.Duration(1<<62 - 1)
	}
	first := neighbour.Samples[0].Date
	last := neighbour.Samples[len(neighbour.Samples)-1].Date
	d1, d2 := absDuration(s.Date.Sub(first)), absDuration(s.Date.Sub(last))
	if d1 < d2 {
		return d1
	}
	return d2
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func classifierTopType(s *locomotion.Sample) *string {
	var best *string
	var bestScore float64 = -1
	for i, r := range s.ClassifierResults {
		if r.Score > bestScore {
			bestScore = r.Score
			best = &s.ClassifierResults[i].ActivityType
		}
	}
	return best
}

// sanitise performs the three housekeeping passes required before any
// merge scoring: orphan adoption, dead-parent orphaning, and
// deadman edge detachment.
func (p *Processor) sanitise(ctx context.Context, tx Tx, start, end time.Time, source string) error {
	orphans, err := tx.SamplesWithoutParent(ctx, source)
	if err != nil {
		return err
	}
	candidates, err := tx.ItemsInRange(ctx, start, end, source)
	if err != nil {
		return err
	}

	var toUpsertSamples []*locomotion.Sample
	var toUpsertItems []*Item

	for _, s := range orphans {
		if s.Disabled {
			continue
		}
		home := findCoveringItem(candidates, s, source)
		if home != nil {
			home.Add(s)
			toUpsertItems = append(toUpsertItems, home)
			toUpsertSamples = append(toUpsertSamples, s)
			continue
		}
		// No covering item: the sample stays orphaned. No new item is
		// created for it, whatever its source.
	}

	for _, it := range candidates {
		if it.Deleted {
			for _, s := range it.Samples {
				s.TimelineItemID = nil
				toUpsertSamples = append(toUpsertSamples, s)
			}
			it.Samples = nil
		}
		if it.Deleted || it.Disabled {
			it.BreakEdges()
			toUpsertItems = append(toUpsertItems, it)
		}
	}

	if len(toUpsertItems) > 0 {
		if err := tx.Upsert(ctx, toUpsertItems...); err != nil {
			return err
		}
	}
	if len(toUpsertSamples) > 0 {
		if err := tx.UpsertSamples(ctx, toUpsertSamples...); err != nil {
			return err
		}
	}
	return nil
}

func findCoveringItem(items []*Item, s *locomotion.Sample, source string) *Item {
	for _, it := range items {
		if it.Deleted || it.Disabled || it.Source != source {
			continue
		}
		start, end := it.StartDate(), it.EndDate(time.Time{})
		if !s.Date.Before(start) && !s.Date.After(end) {
			return it
		}
	}
	return nil
}

// HealEdges looks for the nearest uncompeted neighbour on each side of a
// broken item (within 24h) and links them, or folds the item into a
// non-locked overlapper that wholly contains it.
func HealEdges(it *Item, universe []*Item, currentItemID string) {
	const healWindow = 24 * time.Hour

	if it.PreviousItemID == nil {
		if nearest := nearestNeighbourBefore(it, universe, healWindow); nearest != nil {
			if !hasCompetingNextEdge(nearest, it) {
				linkSequential(nearest, it)
			}
		}
	}
	if it.NextItemID == nil {
		if nearest := nearestNeighbourAfter(it, universe, healWindow); nearest != nil {
			if !hasCompetingPreviousEdge(nearest, it) {
				linkSequential(it, nearest)
			}
		}
	}

	for _, other := range universe {
		if other == it || other.IsMergeLocked(currentItemID) {
			continue
		}
		if other.Kind == KindVisit && whollyContains(other, it) {
			other.Add(it.Samples...)
			it.Remove(it.Samples...)
			it.Delete(currentItemID)
			return
		}
	}
}

func nearestNeighbourBefore(it *Item, universe []*Item, window time.Duration) *Item {
	var best *Item
	var bestGap time.Duration = window + 1
	for _, other := range universe {
		if other == it || other.Source != it.Source {
			continue
		}
		end := other.EndDate(time.Time{})
		if end.After(it.StartDate()) {
			continue
		}
		gap := it.StartDate().Sub(end)
		if gap <= window && gap < bestGap {
			best, bestGap = other, gap
		}
	}
	return best
}

func nearestNeighbourAfter(it *Item, universe []*Item, window time.Duration) *Item {
	var best *Item
	var bestGap time.Duration = window + 1
	end := it.EndDate(time.Time{})
	for _, other := range universe {
		if other == it || other.Source != it.Source {
			continue
		}
		if other.StartDate().Before(end) {
			continue
		}
		gap := other.StartDate().Sub(end)
		if gap <= window && gap < bestGap {
			best, bestGap = other, gap
		}
	}
	return best
}

func hasCompetingNextEdge(candidate, it *Item) bool {
	return candidate.NextItemID != nil && *candidate.NextItemID != it.ID
}

func hasCompetingPreviousEdge(candidate, it *Item) bool {
	return candidate.PreviousItemID != nil && *candidate.PreviousItemID != it.ID
}

func linkSequential(before, after *Item) {
	beforeID, afterID := before.ID, after.ID
	before.NextItemID = &afterID
	after.PreviousItemID = &beforeID
}

func whollyContains(visit, it *Item) bool {
	if len(it.Samples) == 0 {
		return false
	}
	for _, s := range it.Samples {
		if !sampleInsideVisit(visit, s) {
			return false
		}
	}
	return true
}
