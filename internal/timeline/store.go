package timeline

import (
	"context"
	"time"

	"github.com/banshee-data/locomotion-timeline/internal/locomotion"
)

// Store is the persistence contract the processor depends on instead of
// talking to SQL directly. internal/db backs this with a database/sql
// driver; the processor and its tests only ever see this interface.
type Store interface {
	// GetItem loads one item by id, or (nil, nil) if it doesn't exist.
	GetItem(ctx context.Context, id string) (*Item, error)
	// ItemsInRange returns items whose sample date span intersects
	// [start, end], restricted to source if non-empty.
	ItemsInRange(ctx context.Context, start, end time.Time, source string) ([]*Item, error)
	// Upsert persists dirty items, bumping their last-saved bookkeeping.
	Upsert(ctx context.Context, items ...*Item) error
	// SamplesWithoutParent returns non-disabled samples whose
	// TimelineItemID is nil. internal/db does not filter on source.
	SamplesWithoutParent(ctx context.Context, source string) ([]*locomotion.Sample, error)
	// UpsertSamples persists sample parent-id changes.
	UpsertSamples(ctx context.Context, samples ...*locomotion.Sample) error
	// HardDeleteSweep permanently removes soft-deleted items older than
	// olderThan and returns the count removed.
	HardDeleteSweep(ctx context.Context, olderThan time.Duration) (int, error)
	// Process runs fn inside one transaction and commits it when fn
	// returns nil. It keeps no processing flag and flushes nothing on its
	// own: fn persists its changes through the Tx. On a constraint
	// violation (linked-list cycle or reference to a missing item) the
	// implementation breaks the offending edges on the item and writes
	// it again once rather than aborting.
	Process(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the subset of Store operations available inside a Process
// callback; it shares the same backing transaction as the enclosing
// call.
type Tx interface {
	GetItem(ctx context.Context, id string) (*Item, error)
	ItemsInRange(ctx context.Context, start, end time.Time, source string) ([]*Item, error)
	Upsert(ctx context.Context, items ...*Item) error
	SamplesWithoutParent(ctx context.Context, source string) ([]*locomotion.Sample, error)
	UpsertSamples(ctx context.Context, samples ...*locomotion.Sample) error
}
