package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/banshee-data/locomotion-timeline/internal/locomotion"
	"github.com/banshee-data/locomotion-timeline/internal/timeline"
)

func TestGetStepHzStats(t *testing.T) {
	testDBPath := t.TempDir() + "/test_step_hz.db"
	defer os.Remove(testDBPath)

	database, err := NewDB(testDBPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	item := timeline.NewPath("item-1", "test-source")
	if err := database.Upsert(ctx, item); err != nil {
		t.Fatalf("Upsert item: %v", err)
	}

	rates := []float64{1.5, 1.6, 1.8, 2.0, 2.2}
	for i, hz := range rates {
		v := hz
		itemID := item.ID
		sample := &locomotion.Sample{
			ID:             itemIDSuffix(i),
			Date:           time.Now().Add(time.Duration(i) * time.Second),
			TimelineItemID: &itemID,
			StepHz:         &v,
		}
		if err := database.UpsertSamples(ctx, sample); err != nil {
			t.Fatalf("UpsertSamples: %v", err)
		}
	}

	stats, err := database.GetStepHzStats("test-source")
	if err != nil {
		t.Fatalf("GetStepHzStats: %v", err)
	}
	if stats.Count != len(rates) {
		t.Fatalf("Count = %d, want %d", stats.Count, len(rates))
	}
	if stats.P50 <= 0 || stats.P85 < stats.P50 || stats.P98 < stats.P85 {
		t.Errorf("unexpected percentile ordering: %+v", stats)
	}

	empty, err := database.GetStepHzStats("nonexistent-source")
	if err != nil {
		t.Fatalf("GetStepHzStats(empty): %v", err)
	}
	if empty.Count != 0 {
		t.Errorf("Count = %d, want 0 for a source with no samples", empty.Count)
	}
}

func itemIDSuffix(i int) string {
	return "sample-" + string(rune('a'+i))
}
