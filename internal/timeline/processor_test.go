package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/banshee-data/locomotion-timeline/internal/locomotion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal in-memory Store/Tx for exercising the
// processor without a real database. Process runs fn directly against
// the same map, since none of these tests need rollback-on-conflict
// behaviour.
type fakeStore struct {
	items   map[string]*Item
	orphans []*locomotion.Sample
}

func newFakeStore(items ...*Item) *fakeStore {
	f := &fakeStore{items: make(map[string]*Item, len(items))}
	for _, it := range items {
		f.items[it.ID] = it
	}
	return f
}

func (f *fakeStore) GetItem(_ context.Context, id string) (*Item, error) {
	return f.items[id], nil
}

func (f *fakeStore) ItemsInRange(_ context.Context, _, _ time.Time, source string) ([]*Item, error) {
	var out []*Item
	for _, it := range f.items {
		if source != "" && it.Source != source {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

func (f *fakeStore) Upsert(_ context.Context, items ...*Item) error {
	for _, it := range items {
		f.items[it.ID] = it
	}
	return nil
}

func (f *fakeStore) SamplesWithoutParent(_ context.Context, _ string) ([]*locomotion.Sample, error) {
	return f.orphans, nil
}

func (f *fakeStore) UpsertSamples(_ context.Context, _ ...*locomotion.Sample) error { return nil }

func (f *fakeStore) HardDeleteSweep(_ context.Context, _ time.Duration) (int, error) { return 0, nil }

func (f *fakeStore) Process(ctx context.Context, fn func(Tx) error) error { return fn(f) }

var _ Store = (*fakeStore)(nil)
var _ Tx = (*fakeStore)(nil)

func link(before, after *Item) {
	beforeID, afterID := before.ID, after.ID
	before.NextItemID = &afterID
	after.PreviousItemID = &beforeID
}

// TestProcessor_ProcessItemsMergesThroughBetweener builds a
// keeper-betweener-keeper chain (a long Visit, a short non-keeper
// Path, and another Visit overlapping the first in time) and checks
// that ProcessItems consumes the betweener and the shorter Visit into
// the longer one.
func TestProcessor_ProcessItemsMergesThroughBetweener(t *testing.T) {
	base := time.Now()

	home := NewVisit("home", "device")
	home.Add(sampleAt(base, 51.5, -0.1), sampleAt(base.Add(10*time.Minute), 51.5, -0.1))

	between := NewPath("between", "device")
	between.Add(sampleAt(base.Add(2*time.Minute), 10, 10))

	away := NewVisit("away", "device")
	away.Add(sampleAt(base.Add(3*time.Minute), 51.5, -0.1), sampleAt(base.Add(6*time.Minute), 51.5, -0.1))

	link(home, between)
	link(between, away)

	require.True(t, home.IsWorthKeeping(time.Time{}))
	require.True(t, away.IsWorthKeeping(time.Time{}))
	require.False(t, between.IsValid(time.Time{}))

	store := newFakeStore(home, between, away)
	p := NewProcessor(store, DefaultProcessorTuning())

	err := p.ProcessItems(context.Background(), []*Item{home, between, away})
	require.NoError(t, err)

	assert.True(t, away.Deleted, "shorter overlapping visit should have been consumed")
	assert.True(t, between.Deleted, "betweener path should have been consumed along with the deadman")
	assert.Len(t, home.Samples, 5, "keeper should now own its own samples plus the betweener's and deadman's")
	assert.Nil(t, home.NextItemID, "keeper's outward edge should be rewired past the consumed items")
}

// TestProcessor_SafeDeleteStitchesNeighboursTogether checks that
// deleting an item via SafeDelete folds it into the better-scoring of
// its two neighbours rather than leaving a gap.
func TestProcessor_SafeDeleteStitchesNeighboursTogether(t *testing.T) {
	base := time.Now()

	before := NewVisit("before", "device")
	before.Add(sampleAt(base, 51.5, -0.1), sampleAt(base.Add(5*time.Minute), 51.5, -0.1))

	middle := NewVisit("middle", "device")
	middle.Add(sampleAt(base.Add(1*time.Minute), 51.5, -0.1))

	after := NewVisit("after", "device")
	after.Add(sampleAt(base.Add(2*time.Minute), 80, 80))

	link(before, middle)
	link(middle, after)

	store := newFakeStore(before, middle, after)
	p := NewProcessor(store, DefaultProcessorTuning())

	err := p.SafeDelete(context.Background(), middle)
	require.NoError(t, err)

	assert.True(t, middle.Deleted)
	assert.Empty(t, middle.Samples)
}

func TestProcessor_InsertDataGapBridgesLongSilence(t *testing.T) {
	base := time.Now()
	older := NewVisit("older", "device")
	older.Add(sampleAt(base, 51.5, -0.1))
	newer := NewVisit("newer", "device")
	newer.Add(sampleAt(base.Add(time.Hour), 51.5, -0.1))

	gap := InsertDataGap(func() string { return "gap" }, "device", older, newer)
	require.NotNil(t, gap)
	assert.True(t, gap.IsDataGap)
	assert.Equal(t, "older", *gap.PreviousItemID)
	assert.Equal(t, "newer", *gap.NextItemID)
	assert.Equal(t, "gap", *older.NextItemID)
	assert.Equal(t, "gap", *newer.PreviousItemID)
}

func TestProcessor_InsertDataGapSkipsShortSilence(t *testing.T) {
	base := time.Now()
	older := NewVisit("older", "device")
	older.Add(sampleAt(base, 51.5, -0.1))
	newer := NewVisit("newer", "device")
	newer.Add(sampleAt(base.Add(time.Minute), 51.5, -0.1))

	gap := InsertDataGap(func() string { return "gap" }, "device", older, newer)
	assert.Nil(t, gap)
}

func TestProcessor_PruneStationarySamplesKeepsBoundariesAndThins(t *testing.T) {
	base := time.Now()
	visit := NewVisit("v", "device")
	tuning := ProcessorTuning{KeeperBoundary: time.Minute, DurationBetween: 5 * time.Minute}
	p := NewProcessor(newFakeStore(), tuning)

	visit.Add(
		sampleAt(base, 51.5, -0.1),
		sampleAt(base.Add(2*time.Minute), 51.5, -0.1),
		sampleAt(base.Add(3*time.Minute), 51.5, -0.1),
		sampleAt(base.Add(4*time.Minute), 51.5, -0.1),
		sampleAt(base.Add(20*time.Minute), 51.5, -0.1),
	)

	dropped := p.PruneStationarySamples(visit)
	assert.NotEmpty(t, dropped)
	assert.Len(t, visit.Samples, 5-len(dropped))
}
