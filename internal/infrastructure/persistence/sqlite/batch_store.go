package sqlite

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/sproutly/sproutly-analytics/internal/domain/batch"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
)

// BatchStore implements batch.Store on the agent database.
type BatchStore struct {
	db *gorm.DB
}

// NewBatchStore creates a BatchStore.
func NewBatchStore(db *gorm.DB) *BatchStore {
	return &BatchStore{db: db}
}

var _ batch.Store = (*BatchStore)(nil)

// Save persists a new batch.
func (s *BatchStore) Save(ctx context.Context, b *batch.Batch) error {
	rec, err := toBatchRecord(b)
	if err != nil {
		return shared.WrapError("batch", "Save", shared.ErrInvalidInput, "encoding batch", err)
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return shared.ErrAlreadyExists
		}
		return shared.WrapError("batch", "Save", shared.ErrInvalidState, "insert failed", err)
	}
	return nil
}

// Update persists lifecycle changes to an existing batch.
func (s *BatchStore) Update(ctx context.Context, b *batch.Batch) error {
	rec, err := toBatchRecord(b)
	if err != nil {
		return shared.WrapError("batch", "Update", shared.ErrInvalidInput, "encoding batch", err)
	}
	res := s.db.WithContext(ctx).
		Model(&BatchRecord{}).
		Where("batch_id = ?", b.BatchID).
		Updates(map[string]any{
			"status":          rec.Status,
			"attempt_count":   rec.AttemptCount,
			"next_retry_at":   rec.NextRetryAt,
			"last_attempt_at": rec.LastAttemptAt,
			"completed_at":    rec.CompletedAt,
			"failure_reason":  rec.FailureReason,
		})
	if res.Error != nil {
		return shared.WrapError("batch", "Update", shared.ErrInvalidState, "update failed", res.Error)
	}
	if res.RowsAffected == 0 {
		return shared.ErrBatchNotFound
	}
	return nil
}

// Get returns a batch by ID.
func (s *BatchStore) Get(ctx context.Context, batchID string) (*batch.Batch, error) {
	var rec BatchRecord
	err := s.db.WithContext(ctx).Where("batch_id = ?", batchID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrBatchNotFound
		}
		return nil, shared.WrapError("batch", "Get", shared.ErrInvalidState, "query failed", err)
	}
	return rec.toEntity()
}

// ListReady returns pending batches whose retry time has passed.
func (s *BatchStore) ListReady(ctx context.Context, now time.Time, limit int) ([]*batch.Batch, error) {
	var rows []BatchRecord
	q := s.db.WithContext(ctx).
		Where("status = ?", batch.StatusPending.String()).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("created_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, shared.WrapError("batch", "ListReady", shared.ErrInvalidState, "query failed", err)
	}
	return toBatches(rows)
}

// ListInFlight returns all in-flight batches.
func (s *BatchStore) ListInFlight(ctx context.Context) ([]*batch.Batch, error) {
	return s.listByStatus(ctx, batch.StatusInFlight)
}

// ListFailed returns terminally failed batches.
func (s *BatchStore) ListFailed(ctx context.Context) ([]*batch.Batch, error) {
	return s.listByStatus(ctx, batch.StatusFailed)
}

func (s *BatchStore) listByStatus(ctx context.Context, status batch.Status) ([]*batch.Batch, error) {
	var rows []BatchRecord
	err := s.db.WithContext(ctx).
		Where("status = ?", status.String()).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, shared.WrapError("batch", "List", shared.ErrInvalidState, "query failed", err)
	}
	return toBatches(rows)
}

// DeleteCompletedBefore prunes old completed batch records.
func (s *BatchStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND completed_at < ?", batch.StatusCompleted.String(), cutoff).
		Delete(&BatchRecord{})
	if res.Error != nil {
		return 0, shared.WrapError("batch", "DeleteCompletedBefore", shared.ErrInvalidState, "delete failed", res.Error)
	}
	return res.RowsAffected, nil
}

func toBatches(rows []BatchRecord) ([]*batch.Batch, error) {
	out := make([]*batch.Batch, 0, len(rows))
	for i := range rows {
		b, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
