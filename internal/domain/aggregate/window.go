// Package aggregate contains the cached rollup model served to dashboards.
// Windows are derived data: regenerated from the durable store, never
// hand-edited. This is a pure domain layer with zero external dependencies.
package aggregate

import (
	"fmt"
	"time"

	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
)

// Level is the time granularity of a rollup window.
type Level string

const (
	LevelHourly Level = "hourly"
	LevelDaily  Level = "daily"
	LevelWeekly Level = "weekly"
)

// IsValid checks if the level is a known granularity.
func (l Level) IsValid() bool {
	switch l {
	case LevelHourly, LevelDaily, LevelWeekly:
		return true
	default:
		return false
	}
}

// Width returns the bucket width for the level.
func (l Level) Width() time.Duration {
	switch l {
	case LevelHourly:
		return time.Hour
	case LevelWeekly:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Key identifies one cacheable rollup window.
type Key struct {
	ClassroomID shared.ClassroomID
	Category    shared.Category
	Level       Level
	// Bucket is the canonical key of the window start, e.g. "2026-03-14"
	// for daily or "2026-03-14T15" for hourly.
	Bucket string
}

// CacheKey returns the flat string form used as the cache key.
func (k Key) CacheKey() string {
	return fmt.Sprintf("agg:%s:%s:%s:%s", k.ClassroomID, k.Category, k.Level, k.Bucket)
}

// Validate checks the key is complete.
func (k Key) Validate() error {
	if !k.ClassroomID.IsValid() {
		return shared.NewDomainError("aggregate", "Validate", shared.ErrInvalidID, "classroom ID cannot be empty")
	}
	if !k.Category.IsValid() {
		return shared.ErrInvalidCategory
	}
	if !k.Level.IsValid() {
		return shared.NewDomainError("aggregate", "Validate", shared.ErrInvalidInput, "unknown aggregation level")
	}
	if k.Bucket == "" {
		return shared.NewDomainError("aggregate", "Validate", shared.ErrEmptyValue, "bucket cannot be empty")
	}
	return nil
}

// Status marks a cached window as servable or expired.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Rollup holds the computed counts and averages for one window.
type Rollup struct {
	EventCount    int64   `json:"event_count"`
	SubjectCount  int64   `json:"subject_count"`
	AverageScore  float64 `json:"average_score"`
	ScoreSum      int64   `json:"score_sum"`
	// ByInteraction breaks event counts down by interaction type.
	ByInteraction map[string]int64 `json:"by_interaction,omitempty"`
}

// Window is a cached, time-bounded rollup for dashboard-style consumption.
type Window struct {
	Key         Key       `json:"key"`
	Payload     Rollup    `json:"payload"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	ComputedAt  time.Time `json:"computed_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Status      Status    `json:"status"`
}

// IsFresh reports whether the window can still be served at now.
func (w *Window) IsFresh(now time.Time) bool {
	return w.Status == StatusActive && now.Before(w.ExpiresAt)
}

// Age returns how old the computed payload is at now.
func (w *Window) Age(now time.Time) time.Duration {
	return now.Sub(w.ComputedAt)
}
