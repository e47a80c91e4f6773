package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sproutly/sproutly-analytics/internal/domain/aggregate"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
	"github.com/sproutly/sproutly-analytics/pkg/timeutil"
)

// minWindowTTL is the floor applied when a window's ExpiresAt is already
// close. A zero TTL in Redis would mean "never expire".
const minWindowTTL = time.Second

// WindowCache implements aggregate.Cache on Redis. Keys follow the flat
// "agg:<classroom>:<category>:<level>:<bucket>" scheme so a classroom's
// windows can be invalidated with one pattern scan.
type WindowCache struct {
	client *Client
}

// NewWindowCache creates a WindowCache backed by the given client.
func NewWindowCache(client *Client) *WindowCache {
	return &WindowCache{client: client}
}

var _ aggregate.Cache = (*WindowCache)(nil)

// Get returns the cached window for key, or a not-found error on a miss.
func (c *WindowCache) Get(ctx context.Context, key aggregate.Key) (*aggregate.Window, error) {
	var w aggregate.Window
	err := c.client.Get(ctx, key.CacheKey(), &w)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, shared.WrapError("aggregate", "Get", shared.ErrNotFound, "window not cached", err)
		}
		return nil, shared.WrapError("aggregate", "Get", shared.ErrInvalidState, "cache read failed", err)
	}
	return &w, nil
}

// Put stores a window with a TTL derived from its ExpiresAt.
func (c *WindowCache) Put(ctx context.Context, w *aggregate.Window) error {
	if w == nil {
		return shared.NewDomainError("aggregate", "Put", shared.ErrEmptyValue, "window cannot be nil")
	}
	if err := w.Key.Validate(); err != nil {
		return err
	}

	ttl := w.ExpiresAt.Sub(timeutil.Now())
	if ttl < minWindowTTL {
		ttl = minWindowTTL
	}

	if err := c.client.Set(ctx, w.Key.CacheKey(), w, ttl); err != nil {
		return shared.WrapError("aggregate", "Put", shared.ErrInvalidState, "cache write failed", err)
	}
	return nil
}

// Invalidate drops every cached window for the classroom.
func (c *WindowCache) Invalidate(ctx context.Context, classroomID shared.ClassroomID) error {
	if !classroomID.IsValid() {
		return shared.NewDomainError("aggregate", "Invalidate", shared.ErrInvalidID, "classroom ID cannot be empty")
	}

	pattern := fmt.Sprintf("agg:%s:*", classroomID)
	if err := c.client.DeleteByPattern(ctx, pattern); err != nil {
		return shared.WrapError("aggregate", "Invalidate", shared.ErrInvalidState, "cache invalidation failed", err)
	}
	return nil
}
