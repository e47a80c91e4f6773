package event

import (
	"context"
	"time"
)

// LocalStore is the device-local durable store for captured events.
// Mutated by exactly one batcher/sync-agent pair per device.
type LocalStore interface {
	// Append persists a captured event. The caller has already passed the
	// allow-list and PII gates; Append enforces only uniqueness and capacity.
	Append(ctx context.Context, e *InteractionEvent) error

	// ListPending returns up to limit events in Captured state, ordered by
	// occurred_at ascending, excluding anything held by an active batch.
	ListPending(ctx context.Context, limit int) ([]*InteractionEvent, error)

	// GetByIDs returns the events with the given IDs. Missing IDs are
	// skipped, not an error: a retention purge may have removed them.
	GetByIDs(ctx context.Context, eventIDs []string) ([]*InteractionEvent, error)

	// MarkState transitions the given events to a new sync state.
	// Implementations must refuse transitions the state machine forbids.
	MarkState(ctx context.Context, eventIDs []string, state SyncState, at time.Time) error

	// CountUnsynced returns the number of events not yet Synced.
	CountUnsynced(ctx context.Context) (int64, error)

	// DropOldestUnsynced removes the n oldest events not claimed by an
	// active batch (Captured or Failed). Used by the capacity guard;
	// dropped events are gone, which beats crashing capture.
	DropOldestUnsynced(ctx context.Context, n int) (int64, error)

	// PurgeOlderThan deletes synced local events with occurred_at before
	// cutoff. Unsynced events survive any horizon.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
