package batch

import (
	"context"
	"time"
)

// Registry is the server-side record of completed batch IDs. It is what
// makes re-delivery a no-op: a batch ID found here is acknowledged without
// touching the event store again.
type Registry interface {
	// IsCompleted reports whether the batch ID was already ingested.
	IsCompleted(ctx context.Context, batchID string) (bool, error)

	// MarkCompleted records a successfully ingested batch.
	MarkCompleted(ctx context.Context, batchID string, classroomID string, eventCount int, at time.Time) error
}
