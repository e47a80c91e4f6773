package aggregate

import (
	"context"

	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
)

// Cache stores computed windows with explicit freshness. Shared across many
// server instances; the Redis implementation is the production one.
type Cache interface {
	// Get returns the cached window for key, or shared.ErrNotFound (wrapped)
	// on a miss.
	Get(ctx context.Context, key Key) (*Window, error)

	// Put stores a freshly computed window under its key with a TTL derived
	// from ExpiresAt.
	Put(ctx context.Context, w *Window) error

	// Invalidate drops the cached windows for every key touching the given
	// classroom. Called when new events land or retention removes data.
	Invalidate(ctx context.Context, classroomID shared.ClassroomID) error
}

// NoCache is a Cache that never hits. Every read recomputes from the
// durable store; used when the server runs without Redis.
type NoCache struct{}

var _ Cache = NoCache{}

func (NoCache) Get(_ context.Context, key Key) (*Window, error) {
	return nil, shared.WrapError("aggregate", "Get", shared.ErrNotFound, "caching disabled", nil)
}

func (NoCache) Put(context.Context, *Window) error { return nil }

func (NoCache) Invalidate(context.Context, shared.ClassroomID) error { return nil }
