package timeline

import (
	"context"
	"sort"
	"time"

	"github.com/banshee-data/locomotion-timeline/internal/locomotion"
)

// ProcessorTuning holds the processor's tunable thresholds; defaults
// and config-file loading live in internal/config.
type ProcessorTuning struct {
	MaximumItemsInProcessingLoop            int
	MaximumPotentialMergesInProcessingLoop  int
	KeeperBoundary                          time.Duration
	DurationBetween                         time.Duration
	EdgeCleanseMaxIterations                int
	HardDeleteSweepAge                      time.Duration
}

// DefaultProcessorTuning returns the processor's default thresholds.
func DefaultProcessorTuning() ProcessorTuning {
	return ProcessorTuning{
		MaximumItemsInProcessingLoop:           21,
		MaximumPotentialMergesInProcessingLoop: 10,
		KeeperBoundary:                         30 * time.Minute,
		DurationBetween:                        2 * time.Minute,
		EdgeCleanseMaxIterations:                30,
		HardDeleteSweepAge:                      time.Hour,
	}
}

// maximumModeShiftSpeed is the endpoint-speed threshold (m/s) above
// which two different-activity Path neighbours are still allowed to
// merge or donate edge samples. 2 km/h.
const maximumModeShiftSpeed = 0.5556

// dataGapThreshold is the gap between two non-data-gap items above which
// a data-gap Path is synthesised between them.
const dataGapThreshold = 5 * time.Minute

// Processor merges, heals, and prunes the timeline list. It depends only
// on the Store contract, never on SQL directly.
type Processor struct {
	store  Store
	tuning ProcessorTuning

	currentItemID string
	lastCleansed  map[string]bool
}

// NewProcessor returns a Processor backed by store.
func NewProcessor(store Store, tuning ProcessorTuning) *Processor {
	return &Processor{store: store, tuning: tuning, lastCleansed: map[string]bool{}}
}

// SetCurrentItemID tells the processor which item the recorder is
// actively writing to, so merge-lock checks can protect it.
func (p *Processor) SetCurrentItemID(id string) { p.currentItemID = id }

// ProcessFrom gathers a sliding window centered on itemID, extending
// outward until two "keepers" are captured on each side (bounded by
// MaximumItemsInProcessingLoop), and runs ProcessItems on it.
func (p *Processor) ProcessFrom(ctx context.Context, itemID string) error {
	center, err := p.store.GetItem(ctx, itemID)
	if err != nil || center == nil {
		return err
	}

	window := []*Item{center}
	keepersBefore, keepersAfter := 0, 0
	cursor := center

	for len(window) < p.tuning.MaximumItemsInProcessingLoop && keepersAfter < 2 {
		if cursor.NextItemID == nil {
			break
		}
		next, err := p.store.GetItem(ctx, *cursor.NextItemID)
		if err != nil || next == nil {
			break
		}
		window = append(window, next)
		if next.IsWorthKeeping(time.Time{}) {
			keepersAfter++
		}
		cursor = next
	}

	cursor = center
	for len(window) < p.tuning.MaximumItemsInProcessingLoop && keepersBefore < 2 {
		if cursor.PreviousItemID == nil {
			break
		}
		prev, err := p.store.GetItem(ctx, *cursor.PreviousItemID)
		if err != nil || prev == nil {
			break
		}
		window = append([]*Item{prev}, window...)
		if prev.IsWorthKeeping(time.Time{}) {
			keepersBefore++
		}
		cursor = prev
	}

	return p.ProcessItems(ctx, window)
}

// ProcessItems runs the core merge-pass algorithm over an explicit set
// of items.
func (p *Processor) ProcessItems(ctx context.Context, items []*Item) error {
	if len(items) == 0 {
		return nil
	}

	return p.store.Process(ctx, func(tx Tx) error {
		rangeStart, rangeEnd := itemsDateRange(items)
		source := items[0].Source
		if err := p.sanitise(ctx, tx, rangeStart, rangeEnd, source); err != nil {
			return err
		}

		reloaded := make([]*Item, 0, len(items))
		for _, it := range items {
			fresh, err := tx.GetItem(ctx, it.ID)
			if err != nil {
				return err
			}
			if fresh != nil {
				reloaded = append(reloaded, fresh)
			}
		}
		items = reloaded

		merges := p.gatherCandidateMerges(items)

		p.edgeCleansePass(items)

		var valid []*Merge
		for _, m := range merges {
			if !m.Deadman.IsValid(time.Time{}) {
				m.Deadman.BreakEdges()
				continue
			}
			valid = append(valid, m)
		}

		best := p.bestScoringMerge(valid)
		if best == nil {
			return tx.Upsert(ctx, items...)
		}

		if err := best.DoIt(p.currentItemID); err != nil {
			return err
		}
		return tx.Upsert(ctx, items...)
	})
}

func itemsDateRange(items []*Item) (time.Time, time.Time) {
	start := items[0].StartDate()
	end := items[0].EndDate(time.Time{})
	for _, it := range items[1:] {
		if s := it.StartDate(); s.Before(start) {
			start = s
		}
		if e := it.EndDate(time.Time{}); e.After(end) {
			end = e
		}
	}
	return start, end
}

// gatherCandidateMerges enumerates merges between the window's
// neighbours, stopping once the configured cap
// is reached (provided at least one candidate isn't impossible).
func (p *Processor) gatherCandidateMerges(items []*Item) []*Merge {
	byID := make(map[string]*Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	var out []*Merge
	haveViable := false

	addPair := func(a, b *Item, reversed bool) {
		if len(out) >= p.tuning.MaximumPotentialMergesInProcessingLoop && haveViable {
			return
		}
		m := &Merge{Keeper: a, Deadman: b, Reversed: reversed}
		out = append(out, m)
		if ScoreForConsuming(a, b, endDates{}) != Impossible {
			haveViable = true
		}
	}

	keepness := func(it *Item) bool { return it.IsWorthKeeping(time.Time{}) }

	for _, w := range items {
		if len(out) >= p.tuning.MaximumPotentialMergesInProcessingLoop && haveViable {
			break
		}
		next := itemByID(byID, w.NextItemID)
		prev := itemByID(byID, w.PreviousItemID)

		if next != nil {
			addPair(w, next, false)
			addPair(next, w, true)

			nextNext := itemByID(byID, next.NextItemID)
			if nextNext != nil && !keepness(next) && keepness(nextNext) {
				out = append(out, &Merge{Keeper: w, Betweener: next, Deadman: nextNext})
				out = append(out, &Merge{Keeper: nextNext, Betweener: next, Deadman: w, Reversed: true})
			}
		}
		if prev != nil {
			addPair(w, prev, true)
			addPair(prev, w, false)

			prevPrev := itemByID(byID, prev.PreviousItemID)
			if prevPrev != nil && !keepness(prev) && keepness(prevPrev) {
				out = append(out, &Merge{Keeper: w, Betweener: prev, Deadman: prevPrev, Reversed: true})
				out = append(out, &Merge{Keeper: prevPrev, Betweener: prev, Deadman: w})
			}
		}
		if prev != nil && next != nil && keepness(prev) && keepness(next) && !keepness(w) {
			out = append(out, &Merge{Keeper: prev, Betweener: w, Deadman: next})
			out = append(out, &Merge{Keeper: next, Betweener: w, Deadman: prev, Reversed: true})
		}
	}
	return out
}

func itemByID(byID map[string]*Item, id *string) *Item {
	if id == nil {
		return nil
	}
	return byID[*id]
}

func (p *Processor) bestScoringMerge(merges []*Merge) *Merge {
	if len(merges) == 0 {
		return nil
	}
	scored := make([]struct {
		m     *Merge
		score Score
	}, 0, len(merges))
	for _, m := range merges {
		scored = append(scored, struct {
			m     *Merge
			score Score
		}{m, ScoreForConsuming(m.Keeper, m.Deadman, endDates{})})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if scored[0].score == Impossible {
		return nil
	}
	return scored[0].m
}

// SafeDelete removes item d from the timeline by sanitising its edges,
// enumerating the three candidate merges around it, and executing the
// highest scoring one even if its score is Impossible.
func (p *Processor) SafeDelete(ctx context.Context, d *Item) error {
	return p.store.Process(ctx, func(tx Tx) error {
		p.edgeCleansePass([]*Item{d})

		var prev, next *Item
		var err error
		if d.PreviousItemID != nil {
			prev, err = tx.GetItem(ctx, *d.PreviousItemID)
			if err != nil {
				return err
			}
		}
		if d.NextItemID != nil {
			next, err = tx.GetItem(ctx, *d.NextItemID)
			if err != nil {
				return err
			}
		}

		candidates := make([]*Merge, 0, 3)
		if prev != nil && next != nil {
			candidates = append(candidates, &Merge{Keeper: prev, Betweener: d, Deadman: next})
		}
		if prev != nil {
			candidates = append(candidates, &Merge{Keeper: prev, Deadman: d, Reversed: false})
		}
		if next != nil {
			candidates = append(candidates, &Merge{Keeper: next, Deadman: d, Reversed: true})
		}
		if len(candidates) == 0 {
			return d.Delete(p.currentItemID)
		}

		best := candidates[0]
		bestScore := ScoreForConsuming(best.Keeper, best.Deadman, endDates{})
		for _, c := range candidates[1:] {
			if s := ScoreForConsuming(c.Keeper, c.Deadman, endDates{}); s > bestScore {
				best, bestScore = c, s
			}
		}
		return best.DoIt(p.currentItemID)
	})
}

// PruneStationarySamples drops interior samples of a stationary segment
// that fall within DurationBetween of a previously kept neighbour,
// leaving the KeeperBoundary window at each end untouched.
func (p *Processor) PruneStationarySamples(it *Item) []*locomotion.Sample {
	n := len(it.Samples)
	if n == 0 {
		return nil
	}
	start, end := it.Samples[0].Date, it.Samples[n-1].Date

	var dropped []*locomotion.Sample
	var lastKept time.Time
	haveLastKept := false

	for i, s := range it.Samples {
		if i == 0 || i == n-1 {
			continue
		}
		if s.Date.Sub(start) < p.tuning.KeeperBoundary || end.Sub(s.Date) < p.tuning.KeeperBoundary {
			continue
		}
		if isConfirmedNonStationary(s) {
			continue
		}
		if haveLastKept && s.Date.Sub(lastKept) < p.tuning.DurationBetween {
			dropped = append(dropped, s)
			continue
		}
		lastKept = s.Date
		haveLastKept = true
	}

	if len(dropped) > 0 {
		it.Remove(dropped...)
	}
	return dropped
}

func isConfirmedNonStationary(s *locomotion.Sample) bool {
	return s.ConfirmedType != nil && s.MovingState != "stationary"
}

// InsertDataGap synthesises a data-gap Path between older and newer when
// their gap exceeds dataGapThreshold and neither is already a data gap.
func InsertDataGap(idFactory func() string, source string, older, newer *Item) *Item {
	if older.IsDataGap || newer.IsDataGap {
		return nil
	}
	oldEnd := older.EndDate(time.Time{})
	newStart := newer.StartDate()
	if newStart.Sub(oldEnd) <= dataGapThreshold {
		return nil
	}

	gap := NewDataGapPath(idFactory(), source)
	gap.Add(
		&locomotion.Sample{ID: idFactory(), Date: oldEnd, RecordingState: locomotion.RecordingOff},
		&locomotion.Sample{ID: idFactory(), Date: newStart, RecordingState: locomotion.RecordingOff},
	)

	oldNext := older.ID
	gap.PreviousItemID = &oldNext
	newPrev := newer.ID
	gap.NextItemID = &newPrev

	gapID := gap.ID
	older.NextItemID = &gapID
	newer.PreviousItemID = &gapID
	return gap
}
