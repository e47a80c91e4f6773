// Package query serves aggregation windows: cache first, durable store on a
// miss, always through the anonymized rollup shapes.
package query

import (
	"context"
	"time"

	"github.com/sproutly/sproutly-analytics/internal/domain/aggregate"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
	"github.com/sproutly/sproutly-analytics/pkg/logger"
	"github.com/sproutly/sproutly-analytics/pkg/timeutil"
)

// DefaultTTL is how long a computed window stays servable.
const DefaultTTL = time.Hour

// Service computes and caches aggregation windows.
type Service struct {
	cache  aggregate.Cache
	source aggregate.Source
	log    *logger.Logger
	ttl    time.Duration
}

// NewService creates a query Service. ttl <= 0 uses the default.
func NewService(cache aggregate.Cache, source aggregate.Source, log *logger.Logger, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{cache: cache, source: source, log: log, ttl: ttl}
}

// GetOrCompute returns the window for key, serving the cached copy while it
// is fresh and recomputing from the durable store otherwise. forceRefresh
// bypasses the cache read but still refreshes the cached copy.
func (s *Service) GetOrCompute(ctx context.Context, key aggregate.Key, forceRefresh bool) (*aggregate.Window, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	now := timeutil.Now()

	if !forceRefresh {
		cached, err := s.cache.Get(ctx, key)
		if err == nil && cached.IsFresh(now) {
			return cached, nil
		}
		if err != nil && !shared.IsNotFound(err) {
			// A sick cache must not take reads down; recompute instead.
			s.log.Warn("cache read failed, recomputing",
				logger.String("cache_key", key.CacheKey()),
				logger.Err(err),
			)
		}
	}

	w, err := s.compute(ctx, key, now)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Put(ctx, w); err != nil {
		s.log.Warn("cache write failed",
			logger.String("cache_key", key.CacheKey()),
			logger.Err(err),
		)
	}
	return w, nil
}

func (s *Service) compute(ctx context.Context, key aggregate.Key, now time.Time) (*aggregate.Window, error) {
	start, end, err := bucketBounds(key)
	if err != nil {
		return nil, err
	}

	rollup, err := s.source.Compute(ctx, key, start, end)
	if err != nil {
		return nil, err
	}

	return &aggregate.Window{
		Key:         key,
		Payload:     *rollup,
		WindowStart: start,
		WindowEnd:   end,
		ComputedAt:  now,
		ExpiresAt:   now.Add(s.ttl),
		Status:      aggregate.StatusActive,
	}, nil
}

// bucketBounds resolves a key's bucket string into its time range.
func bucketBounds(key aggregate.Key) (time.Time, time.Time, error) {
	switch key.Level {
	case aggregate.LevelHourly:
		start, err := time.Parse("2006-01-02T15", key.Bucket)
		if err != nil {
			return time.Time{}, time.Time{}, shared.NewDomainError("aggregate", "Compute", shared.ErrInvalidFormat,
				"hourly bucket must look like 2006-01-02T15")
		}
		return start, start.Add(time.Hour), nil
	default:
		start, err := timeutil.ParseDayKey(key.Bucket)
		if err != nil {
			return time.Time{}, time.Time{}, shared.NewDomainError("aggregate", "Compute", shared.ErrInvalidFormat,
				"bucket must be a 2006-01-02 day key")
		}
		return start, start.Add(key.Level.Width()), nil
	}
}
