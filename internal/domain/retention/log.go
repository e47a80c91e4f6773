// Package retention contains the retention policy model and the append-only
// audit trail of sweeps. This is a pure domain layer with zero external
// dependencies.
package retention

import (
	"time"

	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
)

// DefaultPolicyDays is the default retention horizon for live interaction
// events.
const DefaultPolicyDays = 90

// Policy configures a retention sweep.
type Policy struct {
	// PolicyDays is the age in days past which live records are archived
	// and deleted.
	PolicyDays int
	// SaltRetentionDays is how long daily salts survive. Independent of the
	// event horizon and intentionally much shorter.
	SaltRetentionDays int
	// ChunkSize bounds how many rows one archive-then-delete transaction
	// moves. Keeps transactions short under load.
	ChunkSize int
}

// DefaultPolicy returns the stock retention policy.
func DefaultPolicy() Policy {
	return Policy{
		PolicyDays:        DefaultPolicyDays,
		SaltRetentionDays: 7,
		ChunkSize:         1000,
	}
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	if p.PolicyDays <= 0 {
		return shared.ErrInvalidPolicyDay
	}
	if p.SaltRetentionDays <= 0 {
		return shared.NewDomainError("retention", "Validate", shared.ErrValueOutOfRange, "salt retention days must be positive")
	}
	if p.ChunkSize <= 0 {
		return shared.NewDomainError("retention", "Validate", shared.ErrValueOutOfRange, "chunk size must be positive")
	}
	return nil
}

// LogEntry is one line of the append-only retention audit trail. Never
// mutated or deleted by normal operation.
type LogEntry struct {
	ID              int64
	TableName       string
	PolicyDays      int
	RecordsArchived int64
	RecordsDeleted  int64
	ExecutedAt      time.Time
	Duration        time.Duration
}

// SweepSummary is the structured result returned by a retention sweep.
type SweepSummary struct {
	PolicyDays      int           `json:"policy_days"`
	RecordsArchived int64         `json:"records_archived"`
	RecordsDeleted  int64         `json:"records_deleted"`
	SaltsDeleted    int64         `json:"salts_deleted"`
	Duration        time.Duration `json:"duration"`
	ExecutedAt      time.Time     `json:"executed_at"`
}

// PurgeResult reports the outcome of a consent-withdrawal purge.
type PurgeResult struct {
	LiveDeleted    int64 `json:"live_deleted"`
	ArchiveDeleted int64 `json:"archive_deleted"`
	// FullyPurged is true only when zero matching rows remain across both
	// stores. The caller needs this to confirm compliance.
	FullyPurged bool `json:"fully_purged"`
	// Classrooms lists the classrooms that held live events for the subject,
	// so cached aggregates over them can be invalidated.
	Classrooms []shared.ClassroomID `json:"-"`
}
