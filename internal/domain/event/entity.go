// Package event contains the InteractionEvent entity and its sync-state
// machine. Events are authored on the classroom device, travel to the server
// inside batches, and are aged out by the retention engine. This is a pure
// domain layer with zero external dependencies.
package event

import (
	"time"

	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
)

// SyncState tracks an event's position in the capture-to-server lifecycle.
type SyncState string

const (
	// StateCaptured means the event is persisted locally and not yet batched.
	StateCaptured SyncState = "captured"
	// StateBatched means the event belongs to an active batch awaiting upload.
	StateBatched SyncState = "batched"
	// StateUploading means the event's batch is in flight.
	StateUploading SyncState = "uploading"
	// StateSynced means the server acknowledged the event. Terminal except
	// for retention transitions.
	StateSynced SyncState = "synced"
	// StateFailed means the event's batch failed terminally. Eligible for
	// one manual re-batch, never for automatic retry.
	StateFailed SyncState = "failed"
)

// IsValid checks if the sync state is a known state.
func (s SyncState) IsValid() bool {
	switch s {
	case StateCaptured, StateBatched, StateUploading, StateSynced, StateFailed:
		return true
	default:
		return false
	}
}

// String returns the string representation of SyncState.
func (s SyncState) String() string {
	return string(s)
}

// CanTransitionTo reports whether the state machine allows moving to next.
// Transitions are strictly forward: Captured -> Batched -> Uploading ->
// {Synced | Failed}. Failed may return to Batched for a manual re-batch but
// never to Captured. Synced is immutable.
func (s SyncState) CanTransitionTo(next SyncState) bool {
	switch s {
	case StateCaptured:
		return next == StateBatched
	case StateBatched:
		return next == StateUploading
	case StateUploading:
		return next == StateSynced || next == StateFailed || next == StateBatched
	case StateFailed:
		return next == StateBatched
	case StateSynced:
		return false
	default:
		return false
	}
}

// InteractionEvent is one anonymized behavioral interaction signal.
// The anonymous subject hash is derived on-device before the event ever
// reaches durable storage; the raw identifier is never part of this record.
type InteractionEvent struct {
	EventID         string
	SubjectHash     shared.AnonymousHash
	ClassroomID     shared.ClassroomID
	LessonID        shared.LessonID
	Category        shared.Category
	InteractionType string
	Score           shared.Score
	Metadata        map[string]string
	OccurredAt      time.Time

	SyncState     SyncState
	AttemptCount  int
	LastAttemptAt *time.Time
}

// New creates a captured InteractionEvent, validating everything the domain
// can check on its own. Allow-list and PII checks are the capture service's
// job: they need collaborators this package must not depend on.
func New(
	eventID string,
	subjectHash shared.AnonymousHash,
	classroomID shared.ClassroomID,
	lessonID shared.LessonID,
	category shared.Category,
	interactionType string,
	score shared.Score,
	occurredAt time.Time,
) (*InteractionEvent, error) {
	if eventID == "" {
		return nil, shared.NewDomainError("event", "New", shared.ErrInvalidID, "event ID cannot be empty")
	}
	if !subjectHash.IsValid() {
		return nil, shared.NewDomainError("event", "New", shared.ErrInvalidFormat, "subject hash must be a 64-char hex digest")
	}
	if !classroomID.IsValid() {
		return nil, shared.NewDomainError("event", "New", shared.ErrInvalidID, "classroom ID cannot be empty")
	}
	if !category.IsValid() {
		return nil, shared.ErrInvalidCategory
	}
	if interactionType == "" {
		return nil, shared.NewDomainError("event", "New", shared.ErrEmptyValue, "interaction type cannot be empty")
	}
	if !score.IsValid() {
		return nil, shared.ErrInvalidScore
	}
	if occurredAt.After(time.Now().Add(time.Minute)) { // Allow 1 minute clock skew
		return nil, shared.NewDomainError("event", "New", shared.ErrInvalidInput, "occurred_at cannot be in the future")
	}

	return &InteractionEvent{
		EventID:         eventID,
		SubjectHash:     subjectHash,
		ClassroomID:     classroomID,
		LessonID:        lessonID,
		Category:        category,
		InteractionType: interactionType,
		Score:           score,
		OccurredAt:      occurredAt.UTC(),
		SyncState:       StateCaptured,
	}, nil
}

// Transition moves the event to a new sync state, enforcing the forward-only
// state machine. Moving to Uploading or back to Batched from Failed counts
// as an attempt.
func (e *InteractionEvent) Transition(next SyncState, at time.Time) error {
	if e.SyncState == StateSynced {
		return shared.ErrEventImmutable
	}
	if !e.SyncState.CanTransitionTo(next) {
		return shared.WrapError("event", "Transition", shared.ErrStateTransition,
			string(e.SyncState)+" -> "+string(next), nil)
	}

	if next == StateUploading {
		e.AttemptCount++
		t := at.UTC()
		e.LastAttemptAt = &t
	}
	e.SyncState = next
	return nil
}

// IsPending reports whether the event is waiting to be batched.
func (e *InteractionEvent) IsPending() bool {
	return e.SyncState == StateCaptured
}

// IsTerminal reports whether the event has reached a terminal sync state.
func (e *InteractionEvent) IsTerminal() bool {
	return e.SyncState == StateSynced || e.SyncState == StateFailed
}

// FreeTextFields returns every free-form field of the event, the ones a PII
// scan must cover. Metadata values are included; keys are restricted to the
// educational allow-list separately.
func (e *InteractionEvent) FreeTextFields() []string {
	fields := []string{e.InteractionType}
	for _, v := range e.Metadata {
		fields = append(fields, v)
	}
	return fields
}
