package batch

import (
	"context"
	"time"
)

// Store persists batches on the classroom device, alongside the local event
// store.
type Store interface {
	// Save persists a new batch.
	Save(ctx context.Context, b *Batch) error

	// Update persists lifecycle changes to an existing batch.
	Update(ctx context.Context, b *Batch) error

	// Get returns a batch by ID.
	Get(ctx context.Context, batchID string) (*Batch, error)

	// ListReady returns pending batches whose next_retry_at has passed,
	// oldest first, bounded by limit.
	ListReady(ctx context.Context, now time.Time, limit int) ([]*Batch, error)

	// ListInFlight returns all in-flight batches. Used by startup recovery.
	ListInFlight(ctx context.Context) ([]*Batch, error)

	// ListFailed returns terminally failed batches, for the manual re-batch
	// path and the "needs attention" indicator.
	ListFailed(ctx context.Context) ([]*Batch, error)

	// DeleteCompletedBefore removes completed batches whose completion
	// predates cutoff. Events keep their Synced state; only the grouping
	// record goes away.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
