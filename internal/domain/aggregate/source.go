package aggregate

import (
	"context"
	"time"
)

// Source computes a rollup from the durable store. The cache layer calls it
// on a miss or an expired window.
type Source interface {
	// Compute aggregates the events for key between start and end.
	// An empty window is a valid zero-count rollup, not an error.
	Compute(ctx context.Context, key Key, start, end time.Time) (*Rollup, error)
}
