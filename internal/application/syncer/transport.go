package syncer

import (
	"context"
	"time"

	"github.com/sproutly/sproutly-analytics/internal/domain/event"
)

// EventPayload is the wire form of one event inside an upload.
type EventPayload struct {
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

// UploadRequest is one batch upload. The batch ID travels with the payload
// so the server can deduplicate re-deliveries.
type UploadRequest struct {
	BatchID     string         `json:"batch_id"`
	ClassroomID string         `json:"classroom_id"`
	Events      []EventPayload `json:"events"`
}

// Transport delivers a batch to the ingestion endpoint. Implementations
// classify failures into the shared error taxonomy: validation rejections
// come back matching shared.ErrValidation or shared.ErrPIIDetected and are
// never retried; timeouts and server errors match shared.ErrTimeout or
// shared.ErrServerUnavailable and are.
type Transport interface {
	Upload(ctx context.Context, req *UploadRequest) error
}

// buildRequest assembles the wire payload for a batch's events.
func buildRequest(batchID, classroomID string, events []*event.InteractionEvent) *UploadRequest {
	req := &UploadRequest{
		BatchID:     batchID,
		ClassroomID: classroomID,
		Events:      make([]EventPayload, 0, len(events)),
	}
	for _, e := range events {
		req.Events = append(req.Events, EventPayload{
			EventID:         e.EventID,
			SubjectHash:     e.SubjectHash.String(),
			ClassroomID:     e.ClassroomID.String(),
			LessonID:        e.LessonID.String(),
			Category:        e.Category.String(),
			InteractionType: e.InteractionType,
			Score:           e.Score.Int(),
			Metadata:        e.Metadata,
			OccurredAt:      e.OccurredAt,
		})
	}
	return req
}
