package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/banshee-data/locomotion-timeline/internal/locomotion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCleansePathPathEdge_StealsSampleMatchingClassifierType builds two
// adjacent, differently-typed Paths whose endpoint speeds sit on the
// same side of the mode-shift threshold, with the neighbour's edge
// sample classified as the target path's own activity type. The edge
// sample should move across.
func TestCleansePathPathEdge_StealsSampleMatchingClassifierType(t *testing.T) {
	base := time.Now()

	neighbour := NewPath("neighbour", "device")
	neighbour.ModeMovingActivityType = ref("running")
	edge := sampleAt(base.Add(30*time.Second), 51.5, -0.1)
	edge.ClassifierResults = []locomotion.ClassifierResult{
		{ActivityType: "running", Score: 0.1},
		{ActivityType: "walking", Score: 0.9},
	}
	neighbour.Add(sampleAt(base, 51.5, -0.1), edge)

	path := NewPath("path", "device")
	path.ModeMovingActivityType = ref("walking")
	path.Add(sampleAt(base.Add(31*time.Second), 51.5, -0.1))

	neighbour.NextItemID = ref(path.ID)
	path.PreviousItemID = ref(neighbour.ID)

	p := NewProcessor(newFakeStore(), DefaultProcessorTuning())
	universe := []*Item{neighbour, path}

	moved := p.cleansePathPathEdge(path, universe)
	require.NotNil(t, moved, "edge sample matching the target path's classifier type should steal across")
	assert.Equal(t, edge, moved)
	assert.Contains(t, path.Samples, edge)
	assert.NotContains(t, neighbour.Samples, edge)
}

// TestCleansePathPathEdge_NoStealAcrossModeShift checks that the same
// setup refuses to steal when the two paths' speeds fall on opposite
// sides of the mode-shift threshold: one is crawling, the other is
// travelling fast enough to be a different mode of travel.
func TestCleansePathPathEdge_NoStealAcrossModeShift(t *testing.T) {
	base := time.Now()

	neighbour := NewPath("neighbour", "device")
	neighbour.ModeMovingActivityType = ref("running")
	edge := sampleAt(base.Add(30*time.Second), 51.5, -0.1)
	edge.ClassifierResults = []locomotion.ClassifierResult{{ActivityType: "walking", Score: 0.9}}
	// A large jump in a few seconds: far faster than maximumModeShiftSpeed.
	neighbour.Add(sampleAt(base, 0, 0), edge)

	path := NewPath("path", "device")
	path.ModeMovingActivityType = ref("walking")
	// Barely any movement: well under maximumModeShiftSpeed.
	path.Add(sampleAt(base.Add(31*time.Second), 51.5, -0.1), sampleAt(base.Add(32*time.Second), 51.5, -0.100001))

	neighbour.NextItemID = ref(path.ID)
	path.PreviousItemID = ref(neighbour.ID)

	p := NewProcessor(newFakeStore(), DefaultProcessorTuning())
	moved := p.cleansePathPathEdge(path, []*Item{neighbour, path})
	assert.Nil(t, moved, "opposite-side-of-threshold neighbours must not donate edge samples")
}

// TestSanitise_AdoptsOrphanIntoCoveringItem checks that a sample with
// no parent is folded into whichever candidate item's time range
// covers it.
func TestSanitise_AdoptsOrphanIntoCoveringItem(t *testing.T) {
	base := time.Now()
	home := NewVisit("home", "device")
	home.Add(sampleAt(base, 51.5, -0.1), sampleAt(base.Add(10*time.Minute), 51.5, -0.1))

	orphan := sampleAt(base.Add(5*time.Minute), 51.5, -0.1)
	orphan.TimelineItemID = nil

	store := newFakeStore(home)
	p := NewProcessor(store, DefaultProcessorTuning())
	store.orphans = []*locomotion.Sample{orphan}

	err := p.sanitise(context.Background(), store, base.Add(-time.Hour), base.Add(time.Hour), "device")
	require.NoError(t, err)

	assert.Contains(t, home.Samples, orphan)
	assert.Equal(t, "home", *orphan.TimelineItemID)
}

// TestSanitise_BreaksEdgesOfDeletedItem checks that sanitise detaches
// a deleted item from its neighbours and frees its samples rather than
// leaving dangling links.
func TestSanitise_BreaksEdgesOfDeletedItem(t *testing.T) {
	base := time.Now()
	before := NewVisit("before", "device")
	before.Add(sampleAt(base, 51.5, -0.1))

	gone := NewVisit("gone", "device")
	s := sampleAt(base.Add(time.Minute), 51.5, -0.1)
	gone.Add(s)
	gone.Deleted = true

	after := NewVisit("after", "device")
	after.Add(sampleAt(base.Add(2*time.Minute), 51.5, -0.1))

	link(before, gone)
	link(gone, after)

	store := newFakeStore(before, gone, after)
	p := NewProcessor(store, DefaultProcessorTuning())

	err := p.sanitise(context.Background(), store, base.Add(-time.Hour), base.Add(time.Hour), "device")
	require.NoError(t, err)

	assert.Nil(t, gone.PreviousItemID)
	assert.Nil(t, gone.NextItemID)
	assert.Empty(t, gone.Samples)
	assert.Nil(t, s.TimelineItemID)
}

func ref(s string) *string { return &s }
