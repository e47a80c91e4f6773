// Package ingest implements the server-side ingestion endpoint: batch
// validation, idempotent persistence and the completed-batch registry.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/sproutly/sproutly-analytics/internal/domain/aggregate"
	"github.com/sproutly/sproutly-analytics/internal/domain/batch"
	"github.com/sproutly/sproutly-analytics/internal/domain/event"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
	"github.com/sproutly/sproutly-analytics/internal/privacy"
	"github.com/sproutly/sproutly-analytics/pkg/logger"
)

// Machine-readable rejection reasons surfaced to the uploading agent.
// A rejected batch must never be retried as-is.
const (
	ReasonValidationFailed = "validation_failed"
	ReasonPIIDetected      = "pii_detected"
	ReasonUnauthorized     = "unauthorized"
)

// EventInput is the wire form of one uploaded event. Field names match the
// agent's upload payload.
type EventInput struct {
	EventID         string            `json:"event_id"`
	SubjectHash     string            `json:"subject_hash"`
	ClassroomID     string            `json:"classroom_id"`
	LessonID        string            `json:"lesson_id,omitempty"`
	Category        string            `json:"category"`
	InteractionType string            `json:"interaction_type"`
	Score           int               `json:"score"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	OccurredAt      time.Time         `json:"occurred_at"`
}

// Request is one uploaded batch.
type Request struct {
	BatchID     string       `json:"batch_id"`
	ClassroomID string       `json:"classroom_id"`
	Events      []EventInput `json:"events"`
}

// Result reports a successful ingestion.
type Result struct {
	BatchID   string `json:"batch_id"`
	Accepted  int    `json:"accepted"`
	Inserted  int64  `json:"inserted"`
	Duplicate bool   `json:"duplicate"`
}

// Rejection is the non-retriable refusal of a whole batch.
type Rejection struct {
	Reason string
	Detail string
	Kind   error
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	return fmt.Sprintf("batch rejected (%s): %s", r.Reason, r.Detail)
}

// Unwrap exposes the shared taxonomy kind for errors.Is.
func (r *Rejection) Unwrap() error {
	return r.Kind
}

func reject(reason, detail string, kind error) *Rejection {
	return &Rejection{Reason: reason, Detail: detail, Kind: kind}
}

// Service validates and persists uploaded batches.
type Service struct {
	events    event.ServerStore
	registry  batch.Registry
	cache     aggregate.Cache
	scanner   *privacy.Scanner
	allowList *privacy.AllowList
	log       *logger.Logger
}

// NewService creates an ingestion Service.
func NewService(
	events event.ServerStore,
	registry batch.Registry,
	cache aggregate.Cache,
	scanner *privacy.Scanner,
	allowList *privacy.AllowList,
	log *logger.Logger,
) *Service {
	return &Service{
		events:    events,
		registry:  registry,
		cache:     cache,
		scanner:   scanner,
		allowList: allowList,
		log:       log,
	}
}

// Ingest validates the whole batch before any write, persists it
// idempotently, and records the batch ID so a re-delivery becomes a no-op
// success. One bad event rejects the entire batch.
func (s *Service) Ingest(ctx context.Context, req *Request) (*Result, error) {
	if req.BatchID == "" {
		return nil, reject(ReasonValidationFailed, "batch_id missing", shared.ErrValidation)
	}
	if req.ClassroomID == "" {
		return nil, reject(ReasonValidationFailed, "classroom_id missing", shared.ErrValidation)
	}
	if len(req.Events) == 0 {
		return nil, reject(ReasonValidationFailed, "batch carries no events", shared.ErrValidation)
	}

	done, err := s.registry.IsCompleted(ctx, req.BatchID)
	if err != nil {
		return nil, err
	}
	if done {
		s.log.Info("duplicate batch acknowledged",
			logger.BatchID(req.BatchID),
			logger.ClassroomID(req.ClassroomID),
		)
		return &Result{BatchID: req.BatchID, Accepted: len(req.Events), Duplicate: true}, nil
	}

	events, rej := s.validateAll(req)
	if rej != nil {
		s.log.Warn("batch rejected",
			logger.BatchID(req.BatchID),
			logger.ClassroomID(req.ClassroomID),
			logger.String("reason", rej.Reason),
		)
		return nil, rej
	}

	inserted, err := s.events.SaveAll(ctx, events)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.registry.MarkCompleted(ctx, req.BatchID, req.ClassroomID, len(events), now); err != nil {
		return nil, err
	}

	if err := s.cache.Invalidate(ctx, shared.ClassroomID(req.ClassroomID)); err != nil {
		// Stale windows age out on TTL regardless; log and move on.
		s.log.Warn("cache invalidation failed",
			logger.ClassroomID(req.ClassroomID),
			logger.Err(err),
		)
	}

	s.log.Info("batch ingested",
		logger.BatchID(req.BatchID),
		logger.ClassroomID(req.ClassroomID),
		logger.EventCount(len(events)),
		logger.Int64("inserted", inserted),
	)
	return &Result{BatchID: req.BatchID, Accepted: len(events), Inserted: inserted}, nil
}

// validateAll checks every event before anything is written. The returned
// entities carry Synced state: the server never re-walks the client's
// lifecycle.
func (s *Service) validateAll(req *Request) ([]*event.InteractionEvent, *Rejection) {
	out := make([]*event.InteractionEvent, 0, len(req.Events))
	for i, in := range req.Events {
		e, rej := s.validateOne(i, in, req.ClassroomID)
		if rej != nil {
			return nil, rej
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Service) validateOne(i int, in EventInput, classroomID string) (*event.InteractionEvent, *Rejection) {
	at := func(detail string) string {
		return fmt.Sprintf("event %d: %s", i, detail)
	}

	if !shared.AnonymousHash(in.SubjectHash).IsValid() {
		return nil, reject(ReasonValidationFailed, at("subject hash is not a 64-char hex digest"), shared.ErrInvalidFormat)
	}
	if in.ClassroomID != classroomID {
		return nil, reject(ReasonValidationFailed, at("classroom mismatch with batch"), shared.ErrValidation)
	}

	category, err := shared.ParseCategory(in.Category)
	if err != nil {
		return nil, reject(ReasonValidationFailed, at("unknown category"), shared.ErrValidation)
	}
	if !s.allowList.AllowsInteractionType(in.InteractionType) {
		return nil, reject(ReasonValidationFailed, at("interaction type off the allow-list"), shared.ErrNotAllowListed)
	}
	if bad := s.allowList.DisallowedMetadataKeys(in.Metadata); len(bad) > 0 {
		return nil, reject(ReasonValidationFailed, at("metadata keys off the allow-list"), shared.ErrNotAllowListed)
	}

	freeText := []string{in.InteractionType}
	for _, v := range in.Metadata {
		freeText = append(freeText, v)
	}
	if res := s.scanner.ScanAll(freeText); res.Detected {
		return nil, reject(ReasonPIIDetected, at("matched patterns: "+res.Details()), shared.ErrPIIDetected)
	}

	e, err := event.New(
		in.EventID,
		shared.AnonymousHash(in.SubjectHash),
		shared.ClassroomID(in.ClassroomID),
		shared.LessonID(in.LessonID),
		category,
		in.InteractionType,
		shared.Score(in.Score),
		in.OccurredAt,
	)
	if err != nil {
		return nil, reject(ReasonValidationFailed, at(err.Error()), shared.ErrValidation)
	}
	e.Metadata = in.Metadata
	e.SyncState = event.StateSynced
	return e, nil
}
