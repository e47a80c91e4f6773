package postgres

import (
	"context"
	"time"

	"github.com/sproutly/sproutly-analytics/internal/domain/batch"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
)

// BatchRegistry implements batch.Registry on the completed_batches table.
type BatchRegistry struct {
	conn *Connection
}

// NewBatchRegistry creates a BatchRegistry.
func NewBatchRegistry(conn *Connection) *BatchRegistry {
	return &BatchRegistry{conn: conn}
}

var _ batch.Registry = (*BatchRegistry)(nil)

// IsCompleted reports whether the batch ID was already ingested.
func (r *BatchRegistry) IsCompleted(ctx context.Context, batchID string) (bool, error) {
	const existsSQL = `SELECT EXISTS (SELECT 1 FROM completed_batches WHERE batch_id = $1)`
	var exists bool
	if err := r.conn.QueryRow(ctx, existsSQL, batchID).Scan(&exists); err != nil {
		return false, shared.WrapError("batch", "IsCompleted", shared.ErrInvalidState, "registry query failed", err)
	}
	return exists, nil
}

// MarkCompleted records a successfully ingested batch. Re-marking the same
// ID is harmless.
func (r *BatchRegistry) MarkCompleted(ctx context.Context, batchID string, classroomID string, eventCount int, at time.Time) error {
	const insertSQL = `
		INSERT INTO completed_batches (batch_id, classroom_id, event_count, completed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (batch_id) DO NOTHING
	`
	if _, err := r.conn.Exec(ctx, insertSQL, batchID, classroomID, eventCount, at); err != nil {
		return shared.WrapError("batch", "MarkCompleted", shared.ErrInvalidState, "registry insert failed", err)
	}
	return nil
}
