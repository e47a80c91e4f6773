package query

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sproutly/sproutly-analytics/internal/domain/aggregate"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
	"github.com/sproutly/sproutly-analytics/pkg/logger"
)

// memoryCache is an in-memory aggregate.Cache for tests.
type memoryCache struct {
	mu      sync.Mutex
	windows map[string]*aggregate.Window
	getErr  error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{windows: make(map[string]*aggregate.Window)}
}

func (c *memoryCache) Get(_ context.Context, key aggregate.Key) (*aggregate.Window, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	w, ok := c.windows[key.CacheKey()]
	if !ok {
		return nil, shared.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (c *memoryCache) Put(_ context.Context, w *aggregate.Window) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *w
	c.windows[w.Key.CacheKey()] = &cp
	return nil
}

func (c *memoryCache) Invalidate(_ context.Context, classroomID shared.ClassroomID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, w := range c.windows {
		if w.Key.ClassroomID == classroomID {
			delete(c.windows, k)
		}
	}
	return nil
}

// countingSource counts Compute calls and returns a fixed rollup.
type countingSource struct {
	mu     sync.Mutex
	calls  int
	rollup aggregate.Rollup
}

func (s *countingSource) Compute(_ context.Context, _ aggregate.Key, _, _ time.Time) (*aggregate.Rollup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	cp := s.rollup
	return &cp, nil
}

func (s *countingSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testKey() aggregate.Key {
	return aggregate.Key{
		ClassroomID: "class-7b",
		Category:    shared.CategoryEmpathy,
		Level:       aggregate.LevelDaily,
		Bucket:      "2026-03-14",
	}
}

func newTestService(cache aggregate.Cache, source aggregate.Source, ttl time.Duration) *Service {
	log := logger.New(logger.Options{Output: io.Discard, Level: logger.LevelFatal})
	return NewService(cache, source, log, ttl)
}

func TestGetOrComputeCachesResult(t *testing.T) {
	cache := newMemoryCache()
	source := &countingSource{rollup: aggregate.Rollup{EventCount: 12, SubjectCount: 4, AverageScore: 3.5}}
	svc := newTestService(cache, source, time.Hour)

	w1, err := svc.GetOrCompute(context.Background(), testKey(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(12), w1.Payload.EventCount)
	assert.Equal(t, 1, source.callCount())

	// Second read is served from cache.
	w2, err := svc.GetOrCompute(context.Background(), testKey(), false)
	require.NoError(t, err)
	assert.Equal(t, w1.Payload, w2.Payload)
	assert.Equal(t, 1, source.callCount())
}

func TestGetOrComputeWindowBounds(t *testing.T) {
	svc := newTestService(newMemoryCache(), &countingSource{}, time.Hour)

	w, err := svc.GetOrCompute(context.Background(), testKey(), false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), w.WindowStart)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), w.WindowEnd)

	hourly := testKey()
	hourly.Level = aggregate.LevelHourly
	hourly.Bucket = "2026-03-14T15"
	w, err = svc.GetOrCompute(context.Background(), hourly, false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC), w.WindowStart)
	assert.Equal(t, time.Hour, w.WindowEnd.Sub(w.WindowStart))
}

func TestGetOrComputeRecomputesExpired(t *testing.T) {
	cache := newMemoryCache()
	source := &countingSource{}
	svc := newTestService(cache, source, time.Hour)

	w, err := svc.GetOrCompute(context.Background(), testKey(), false)
	require.NoError(t, err)

	// Age the cached copy past its TTL.
	w.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, cache.Put(context.Background(), w))

	_, err = svc.GetOrCompute(context.Background(), testKey(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, source.callCount())
}

func TestGetOrComputeForceRefresh(t *testing.T) {
	cache := newMemoryCache()
	source := &countingSource{}
	svc := newTestService(cache, source, time.Hour)

	_, err := svc.GetOrCompute(context.Background(), testKey(), false)
	require.NoError(t, err)
	_, err = svc.GetOrCompute(context.Background(), testKey(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, source.callCount())
}

func TestGetOrComputeSurvivesCacheFailure(t *testing.T) {
	cache := newMemoryCache()
	cache.getErr = shared.ErrServerUnavailable
	source := &countingSource{rollup: aggregate.Rollup{EventCount: 3}}
	svc := newTestService(cache, source, time.Hour)

	w, err := svc.GetOrCompute(context.Background(), testKey(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), w.Payload.EventCount)
}

func TestGetOrComputeRejectsBadKey(t *testing.T) {
	svc := newTestService(newMemoryCache(), &countingSource{}, time.Hour)

	key := testKey()
	key.Category = "grit"
	_, err := svc.GetOrCompute(context.Background(), key, false)
	assert.Error(t, err)

	key = testKey()
	key.Bucket = "not-a-day"
	_, err = svc.GetOrCompute(context.Background(), key, false)
	assert.ErrorIs(t, err, shared.ErrInvalidFormat)
}

func TestInvalidationForcesRecompute(t *testing.T) {
	cache := newMemoryCache()
	source := &countingSource{}
	svc := newTestService(cache, source, time.Hour)

	_, err := svc.GetOrCompute(context.Background(), testKey(), false)
	require.NoError(t, err)

	require.NoError(t, cache.Invalidate(context.Background(), "class-7b"))

	_, err = svc.GetOrCompute(context.Background(), testKey(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, source.callCount())
}
