// Package identity contains the daily-salt model backing anonymous subject
// hashing. One salt per UTC calendar day; deleting a day's salt makes every
// hash derived from it permanently unrecoverable, which is the point.
// This is a pure domain layer with zero external dependencies.
package identity

import (
	"context"
	"time"

	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
)

// SaltLength is the size in bytes of a daily salt secret.
const SaltLength = 32

// DefaultSaltRetentionDays is how long past days' salts are kept. Long
// enough to validate hashes computed near a day boundary, short enough that
// cross-day correlation windows stay small.
const DefaultSaltRetentionDays = 7

// SaltRecord is one day's hashing secret.
type SaltRecord struct {
	// SaltDate is the UTC calendar day key ("2006-01-02"). Unique.
	SaltDate string
	// SaltValue is the opaque random secret.
	SaltValue []byte
	IsActive  bool
	CreatedAt time.Time
}

// Validate checks structural invariants of the record.
func (r *SaltRecord) Validate() error {
	if r.SaltDate == "" {
		return shared.NewDomainError("identity", "Validate", shared.ErrEmptyValue, "salt date cannot be empty")
	}
	if len(r.SaltValue) != SaltLength {
		return shared.NewDomainError("identity", "Validate", shared.ErrInvalidFormat, "salt must be 32 bytes")
	}
	return nil
}

// SaltStore is the shared keyed store for daily salts. Every instance of the
// service reads and writes the same store so hashing stays consistent across
// restarts and replicas. Implementations must make GetOrCreate race-safe:
// concurrent creators for the same day converge on one record.
type SaltStore interface {
	// GetOrCreate returns the salt for day, lazily creating it with the
	// given candidate value when absent. The stored record wins over the
	// candidate when both exist.
	GetOrCreate(ctx context.Context, day string, candidate []byte) (*SaltRecord, error)

	// Get returns the salt for day, or shared.ErrSaltUnavailable (wrapped)
	// if the day's salt was purged or never created.
	Get(ctx context.Context, day string) (*SaltRecord, error)

	// ListDays returns the day keys of all retained salts.
	ListDays(ctx context.Context) ([]string, error)

	// DeleteOlderThan removes salts for days strictly before cutoffDay.
	// Returns the number of salts deleted.
	DeleteOlderThan(ctx context.Context, cutoffDay string) (int64, error)
}
