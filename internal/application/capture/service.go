// Package capture implements the device-side capture service: the single
// entry point through which interaction signals reach the local store. The
// raw subject identifier is consumed here, hashed, and never persisted.
package capture

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sproutly/sproutly-analytics/internal/domain/event"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
	"github.com/sproutly/sproutly-analytics/internal/privacy"
	"github.com/sproutly/sproutly-analytics/pkg/logger"
)

// DefaultMaxUnsynced caps the local store before the oldest unsynced events
// start being dropped.
const DefaultMaxUnsynced = 10000

// Input is one raw capture request from the classroom UI collaborator.
type Input struct {
	// SubjectIdentifier is the raw device-local student identifier. It is
	// hashed immediately and never written anywhere.
	SubjectIdentifier string
	ClassroomID       shared.ClassroomID
	LessonID          shared.LessonID
	Category          string
	InteractionType   string
	Score             int
	Metadata          map[string]string
	OccurredAt        time.Time
}

// Service validates, anonymizes and persists interaction events.
type Service struct {
	store       event.LocalStore
	anonymizer  *privacy.Anonymizer
	scanner     *privacy.Scanner
	allowList   *privacy.AllowList
	log         *logger.Logger
	maxUnsynced int64
}

// NewService creates a capture Service. maxUnsynced <= 0 uses the default.
func NewService(
	store event.LocalStore,
	anonymizer *privacy.Anonymizer,
	scanner *privacy.Scanner,
	allowList *privacy.AllowList,
	log *logger.Logger,
	maxUnsynced int64,
) *Service {
	if maxUnsynced <= 0 {
		maxUnsynced = DefaultMaxUnsynced
	}
	return &Service{
		store:       store,
		anonymizer:  anonymizer,
		scanner:     scanner,
		allowList:   allowList,
		log:         log,
		maxUnsynced: maxUnsynced,
	}
}

// Capture runs the full gate sequence and appends the event to the local
// store. Order matters: every check runs before the anonymized record is
// written, so a rejected signal leaves no trace at all.
func (s *Service) Capture(ctx context.Context, in Input) (*event.InteractionEvent, error) {
	if !s.allowList.AllowsInteractionType(in.InteractionType) {
		s.log.Warn("interaction type rejected",
			logger.ClassroomID(in.ClassroomID.String()),
			logger.String("interaction_type", in.InteractionType),
		)
		return nil, shared.ErrEventNotAllowListed
	}

	if bad := s.allowList.DisallowedMetadataKeys(in.Metadata); len(bad) > 0 {
		s.log.Warn("metadata keys rejected",
			logger.ClassroomID(in.ClassroomID.String()),
			logger.Int("rejected_keys", len(bad)),
		)
		return nil, shared.NewDomainError("event", "Capture", shared.ErrNotAllowListed,
			"metadata keys off the educational allow-list")
	}

	category, err := shared.ParseCategory(in.Category)
	if err != nil {
		return nil, err
	}

	freeText := []string{in.InteractionType}
	for _, v := range in.Metadata {
		freeText = append(freeText, v)
	}
	if res := s.scanner.ScanAll(freeText); res.Detected {
		s.log.Warn("capture rejected, PII pattern matched",
			logger.ClassroomID(in.ClassroomID.String()),
			logger.String("patterns", res.Details()),
		)
		return nil, shared.WrapError("event", "Capture", shared.ErrPIIDetected, res.Details(), nil)
	}

	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	hash, err := s.anonymizer.Hash(ctx, in.SubjectIdentifier, occurredAt)
	if err != nil {
		return nil, err
	}

	e, err := event.New(
		uuid.New().String(),
		hash,
		in.ClassroomID,
		in.LessonID,
		category,
		in.InteractionType,
		shared.Score(in.Score),
		occurredAt,
	)
	if err != nil {
		return nil, err
	}
	e.Metadata = in.Metadata

	if err := s.enforceCapacity(ctx); err != nil {
		return nil, err
	}

	if err := s.store.Append(ctx, e); err != nil {
		return nil, err
	}

	s.log.Debug("event captured",
		logger.EventID(e.EventID),
		logger.ClassroomID(e.ClassroomID.String()),
		logger.Category(e.Category.String()),
	)
	return e, nil
}

// enforceCapacity drops the oldest unsynced events when the store is at its
// cap, making room for the incoming one. Losing the oldest offline data
// beats refusing new capture.
func (s *Service) enforceCapacity(ctx context.Context) error {
	count, err := s.store.CountUnsynced(ctx)
	if err != nil {
		return err
	}
	if count < s.maxUnsynced {
		return nil
	}

	overflow := int(count-s.maxUnsynced) + 1
	dropped, err := s.store.DropOldestUnsynced(ctx, overflow)
	if err != nil {
		return shared.WrapError("event", "Capture", shared.ErrCapacityExceeded,
			"store full and overflow drop failed", err)
	}

	s.log.Warn("local store at capacity, dropped oldest unsynced events",
		logger.Int("dropped", int(dropped)),
		logger.Int("cap", int(s.maxUnsynced)),
	)
	return nil
}
