package sqlite

import (
	"encoding/json"
	"time"

	"github.com/sproutly/sproutly-analytics/internal/domain/batch"
	"github.com/sproutly/sproutly-analytics/internal/domain/event"
	"github.com/sproutly/sproutly-analytics/internal/domain/identity"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
)

// EventRecord is the stored form of an interaction event. The subject hash
// is the only identity-shaped column; raw identifiers never reach this file.
type EventRecord struct {
	EventID         string `gorm:"primaryKey;size:36"`
	SubjectHash     string `gorm:"index;size:64"`
	ClassroomID     string `gorm:"index;size:64"`
	LessonID        string `gorm:"size:64"`
	Category        string `gorm:"size:16"`
	InteractionType string `gorm:"size:64"`
	Score           int
	MetadataJSON    string    `gorm:"type:text"`
	OccurredAt      time.Time `gorm:"index"`
	SyncState       string    `gorm:"index;size:16"`
	AttemptCount    int
	LastAttemptAt   *time.Time
	CreatedAt       time.Time
}

// TableName keeps the table name stable across gorm versions.
func (EventRecord) TableName() string { return "interaction_events" }

// BatchRecord is the stored form of an upload batch.
type BatchRecord struct {
	BatchID       string `gorm:"primaryKey;size:36"`
	ClassroomID   string `gorm:"size:64"`
	EventIDsJSON  string `gorm:"type:text"`
	Status        string `gorm:"index;size:16"`
	AttemptCount  int
	NextRetryAt   *time.Time `gorm:"index"`
	LastAttemptAt *time.Time
	CreatedAt     time.Time
	CompletedAt   *time.Time
	FailureReason string `gorm:"type:text"`
}

// TableName keeps the table name stable across gorm versions.
func (BatchRecord) TableName() string { return "upload_batches" }

// SaltRecord is the stored form of a daily hashing salt.
type SaltRecord struct {
	SaltDate  string `gorm:"primaryKey;size:10"`
	SaltValue []byte
	IsActive  bool
	CreatedAt time.Time
}

// TableName keeps the table name stable across gorm versions.
func (SaltRecord) TableName() string { return "anonymous_salts" }

func toEventRecord(e *event.InteractionEvent) (*EventRecord, error) {
	var metadataJSON string
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, err
		}
		metadataJSON = string(raw)
	}
	return &EventRecord{
		EventID:         e.EventID,
		SubjectHash:     e.SubjectHash.String(),
		ClassroomID:     e.ClassroomID.String(),
		LessonID:        e.LessonID.String(),
		Category:        e.Category.String(),
		InteractionType: e.InteractionType,
		Score:           e.Score.Int(),
		MetadataJSON:    metadataJSON,
		OccurredAt:      e.OccurredAt,
		SyncState:       e.SyncState.String(),
		AttemptCount:    e.AttemptCount,
		LastAttemptAt:   e.LastAttemptAt,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

func (r *EventRecord) toEntity() (*event.InteractionEvent, error) {
	var metadata map[string]string
	if r.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(r.MetadataJSON), &metadata); err != nil {
			return nil, err
		}
	}
	return &event.InteractionEvent{
		EventID:         r.EventID,
		SubjectHash:     shared.AnonymousHash(r.SubjectHash),
		ClassroomID:     shared.ClassroomID(r.ClassroomID),
		LessonID:        shared.LessonID(r.LessonID),
		Category:        shared.Category(r.Category),
		InteractionType: r.InteractionType,
		Score:           shared.Score(r.Score),
		Metadata:        metadata,
		OccurredAt:      r.OccurredAt.UTC(),
		SyncState:       event.SyncState(r.SyncState),
		AttemptCount:    r.AttemptCount,
		LastAttemptAt:   r.LastAttemptAt,
	}, nil
}

func toBatchRecord(b *batch.Batch) (*BatchRecord, error) {
	ids, err := json.Marshal(b.EventIDs)
	if err != nil {
		return nil, err
	}
	return &BatchRecord{
		BatchID:       b.BatchID,
		ClassroomID:   b.ClassroomID.String(),
		EventIDsJSON:  string(ids),
		Status:        b.Status.String(),
		AttemptCount:  b.AttemptCount,
		NextRetryAt:   b.NextRetryAt,
		LastAttemptAt: b.LastAttemptAt,
		CreatedAt:     b.CreatedAt,
		CompletedAt:   b.CompletedAt,
		FailureReason: b.FailureReason,
	}, nil
}

func (r *BatchRecord) toEntity() (*batch.Batch, error) {
	var ids []string
	if err := json.Unmarshal([]byte(r.EventIDsJSON), &ids); err != nil {
		return nil, err
	}
	return &batch.Batch{
		BatchID:       r.BatchID,
		ClassroomID:   shared.ClassroomID(r.ClassroomID),
		EventIDs:      ids,
		Status:        batch.Status(r.Status),
		AttemptCount:  r.AttemptCount,
		NextRetryAt:   r.NextRetryAt,
		LastAttemptAt: r.LastAttemptAt,
		CreatedAt:     r.CreatedAt.UTC(),
		CompletedAt:   r.CompletedAt,
		FailureReason: r.FailureReason,
	}, nil
}

func (r *SaltRecord) toEntity() *identity.SaltRecord {
	return &identity.SaltRecord{
		SaltDate:  r.SaltDate,
		SaltValue: r.SaltValue,
		IsActive:  r.IsActive,
		CreatedAt: r.CreatedAt.UTC(),
	}
}
