// Package shared contains common domain types and errors used across all
// domain packages of the analytics pipeline. This package has zero external
// dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrInvalidFormat   = errors.New("invalid format")

	// Privacy errors
	ErrPIIDetected     = errors.New("PII detected in payload")
	ErrNotAllowListed  = errors.New("interaction type not on allow-list")
	ErrSaltUnavailable = errors.New("salt unavailable for requested day")

	// State errors
	ErrInvalidState    = errors.New("invalid state")
	ErrStateTransition = errors.New("invalid state transition")
	ErrImmutableRecord = errors.New("record is immutable")

	// Capacity errors
	ErrCapacityExceeded = errors.New("local storage capacity exceeded")

	// Transport errors
	ErrTransientNetwork  = errors.New("transient network error")
	ErrServerUnavailable = errors.New("server unavailable")
	ErrTimeout           = errors.New("operation timeout")
	ErrUnauthorized      = errors.New("unauthorized")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "event", "batch", "retention"
	Op      string // Operation that failed, e.g., "Append", "Ingest"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Event domain errors
var (
	ErrEventNotFound       = NewDomainError("event", "Find", ErrNotFound, "event not found")
	ErrEventAlreadyExists  = NewDomainError("event", "Append", ErrAlreadyExists, "event already stored")
	ErrEventImmutable      = NewDomainError("event", "MarkState", ErrImmutableRecord, "synced event cannot be mutated")
	ErrInvalidScore        = NewDomainError("event", "Validate", ErrValueOutOfRange, "score must be between 1 and 5")
	ErrInvalidCategory     = NewDomainError("event", "Validate", ErrInvalidInput, "unknown behavioral category")
	ErrEventPIIDetected    = NewDomainError("event", "Validate", ErrPIIDetected, "free-text field matched a PII pattern")
	ErrEventNotAllowListed = NewDomainError("event", "Validate", ErrNotAllowListed, "interaction type failed allow-list check")
)

// Batch domain errors
var (
	ErrBatchNotFound    = NewDomainError("batch", "Find", ErrNotFound, "batch not found")
	ErrBatchNotPending  = NewDomainError("batch", "MarkInFlight", ErrInvalidState, "batch is not pending")
	ErrBatchTerminal    = NewDomainError("batch", "Transition", ErrStateTransition, "batch is in a terminal state")
	ErrEmptyBatch       = NewDomainError("batch", "Form", ErrInvalidInput, "batch cannot be empty")
	ErrBatchNotRetrying = NewDomainError("batch", "Retry", ErrInvalidState, "batch has exhausted its attempts")
)

// Identity domain errors
var (
	ErrSaltNotFound = NewDomainError("identity", "Hash", ErrSaltUnavailable, "salt purged or never created for day")
	ErrEmptySubject = NewDomainError("identity", "Hash", ErrEmptyValue, "subject identifier cannot be empty")
)

// Ingestion errors
var (
	ErrIngestValidation = NewDomainError("ingest", "Validate", ErrValidation, "batch failed server-side validation")
	ErrIngestPII        = NewDomainError("ingest", "Validate", ErrPIIDetected, "batch carries PII-bearing fields")
	ErrIngestHashFormat = NewDomainError("ingest", "Validate", ErrInvalidFormat, "anonymous subject hash has wrong format")
)

// Retention errors
var (
	ErrSweepAborted     = NewDomainError("retention", "Sweep", ErrInvalidState, "sweep aborted, live data untouched")
	ErrPurgeIncomplete  = NewDomainError("retention", "Purge", ErrInvalidState, "purge left matching rows behind")
	ErrInvalidPolicyDay = NewDomainError("retention", "Validate", ErrValueOutOfRange, "policy days must be positive")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if the error is a validation error. Validation failures
// are non-retriable: the same payload will fail again.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrValueOutOfRange) ||
		errors.Is(err, ErrInvalidFormat) ||
		errors.Is(err, ErrPIIDetected) ||
		errors.Is(err, ErrNotAllowListed)
}

// IsRetryable checks if the operation can be retried with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) ||
		errors.Is(err, ErrServerUnavailable) ||
		errors.Is(err, ErrTimeout)
}
