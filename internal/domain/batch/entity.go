// Package batch contains the Batch entity: a fixed, immutable set of events
// uploaded together as one transactional unit. This is a pure domain layer
// with zero external dependencies.
package batch

import (
	"time"

	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
)

// Status tracks a batch through its upload lifecycle.
type Status string

const (
	// StatusPending means the batch is formed and waiting for an upload slot.
	StatusPending Status = "pending"
	// StatusInFlight means an upload attempt is running right now.
	StatusInFlight Status = "in_flight"
	// StatusCompleted means the server acknowledged every event. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed means the batch was rejected non-retriably or exhausted
	// its attempts. Terminal for automatic retry.
	StatusFailed Status = "failed"
)

// IsValid checks if the status is a known batch status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// String returns the string representation of Status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether the status is terminal.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Batch groups events for a single upload. Membership is fixed at creation
// time: a retry resends the exact same set, which keeps retry bookkeeping
// trivial on both ends.
type Batch struct {
	BatchID     string
	ClassroomID shared.ClassroomID
	// EventIDs preserves insertion order for diagnostics; order carries no
	// semantic weight.
	EventIDs []string
	Status   Status

	AttemptCount  int
	NextRetryAt   *time.Time
	LastAttemptAt *time.Time
	CreatedAt     time.Time
	CompletedAt   *time.Time

	// FailureReason records the rejection reason for terminally failed
	// batches, surfaced to the caller for diagnostics.
	FailureReason string
}

// New creates a pending batch. Batches are never created empty.
func New(batchID string, classroomID shared.ClassroomID, eventIDs []string, createdAt time.Time) (*Batch, error) {
	if batchID == "" {
		return nil, shared.NewDomainError("batch", "New", shared.ErrInvalidID, "batch ID cannot be empty")
	}
	if !classroomID.IsValid() {
		return nil, shared.NewDomainError("batch", "New", shared.ErrInvalidID, "classroom ID cannot be empty")
	}
	if len(eventIDs) == 0 {
		return nil, shared.ErrEmptyBatch
	}

	ids := make([]string, len(eventIDs))
	copy(ids, eventIDs)

	return &Batch{
		BatchID:     batchID,
		ClassroomID: classroomID,
		EventIDs:    ids,
		Status:      StatusPending,
		CreatedAt:   createdAt.UTC(),
	}, nil
}

// Size returns the number of events in the batch.
func (b *Batch) Size() int {
	return len(b.EventIDs)
}

// MarkInFlight records the start of an upload attempt.
func (b *Batch) MarkInFlight(at time.Time) error {
	if b.Status != StatusPending {
		return shared.ErrBatchNotPending
	}
	b.Status = StatusInFlight
	b.AttemptCount++
	t := at.UTC()
	b.LastAttemptAt = &t
	b.NextRetryAt = nil
	return nil
}

// MarkCompleted records a successful upload. Terminal.
func (b *Batch) MarkCompleted(at time.Time) error {
	if b.Status != StatusInFlight {
		return shared.WrapError("batch", "MarkCompleted", shared.ErrStateTransition,
			"only in-flight batches complete", nil)
	}
	b.Status = StatusCompleted
	t := at.UTC()
	b.CompletedAt = &t
	b.NextRetryAt = nil
	return nil
}

// MarkFailed records a terminal failure with its reason.
func (b *Batch) MarkFailed(reason string) error {
	if b.Status.IsTerminal() {
		return shared.ErrBatchTerminal
	}
	b.Status = StatusFailed
	b.FailureReason = reason
	b.NextRetryAt = nil
	return nil
}

// ScheduleRetry returns the batch to Pending with a persisted next-retry
// time, so a process restart resumes the backoff schedule instead of losing
// in-memory counters.
func (b *Batch) ScheduleRetry(nextRetryAt time.Time) error {
	if b.Status != StatusInFlight {
		return shared.WrapError("batch", "ScheduleRetry", shared.ErrStateTransition,
			"only in-flight batches reschedule", nil)
	}
	b.Status = StatusPending
	t := nextRetryAt.UTC()
	b.NextRetryAt = &t
	return nil
}

// ReadyAt reports whether the batch is eligible for an upload attempt at now.
func (b *Batch) ReadyAt(now time.Time) bool {
	if b.Status != StatusPending {
		return false
	}
	return b.NextRetryAt == nil || !now.Before(*b.NextRetryAt)
}

// StaleInFlight reports whether the batch has been in flight longer than
// threshold. A crash mid-upload leaves InFlight state behind; recovery must
// treat it as retriable rather than trust it.
func (b *Batch) StaleInFlight(now time.Time, threshold time.Duration) bool {
	if b.Status != StatusInFlight || b.LastAttemptAt == nil {
		return false
	}
	return now.Sub(*b.LastAttemptAt) > threshold
}
