package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sproutly/sproutly-analytics/internal/domain/retention"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
)

// RetentionRepo implements retention.Archiver and retention.LogStore on the
// live events table, its archive, and the audit log.
type RetentionRepo struct {
	conn *Connection
}

// NewRetentionRepo creates a RetentionRepo.
func NewRetentionRepo(conn *Connection) *RetentionRepo {
	return &RetentionRepo{conn: conn}
}

var (
	_ retention.Archiver = (*RetentionRepo)(nil)
	_ retention.LogStore = (*RetentionRepo)(nil)
)

// CountExpired returns how many live events predate cutoff.
func (r *RetentionRepo) CountExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	const countSQL = `SELECT COUNT(*) FROM interaction_events WHERE occurred_at < $1`
	var n int64
	if err := r.conn.QueryRow(ctx, countSQL, cutoff).Scan(&n); err != nil {
		return 0, shared.WrapError("retention", "CountExpired", shared.ErrInvalidState, "count failed", err)
	}
	return n, nil
}

// ArchiveExpiredChunk moves up to limit expired events into the archive and
// deletes them from the live table in one transaction. The CTE pins the
// chunk so the copy and the delete see the same rows; the archive insert
// skips IDs already present, making a crashed sweep safe to re-run.
func (r *RetentionRepo) ArchiveExpiredChunk(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	const moveSQL = `
		WITH expired AS (
			SELECT event_id FROM interaction_events
			WHERE occurred_at < $1
			ORDER BY occurred_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		),
		archived AS (
			INSERT INTO interaction_events_archive (
				event_id, subject_hash, classroom_id, lesson_id,
				category, interaction_type, score, metadata,
				occurred_at, ingested_at
			)
			SELECT e.event_id, e.subject_hash, e.classroom_id, e.lesson_id,
			       e.category, e.interaction_type, e.score, e.metadata,
			       e.occurred_at, e.ingested_at
			FROM interaction_events e
			JOIN expired x ON x.event_id = e.event_id
			ON CONFLICT (event_id) DO NOTHING
		)
		DELETE FROM interaction_events
		WHERE event_id IN (SELECT event_id FROM expired)
	`

	var moved int64
	err := r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, moveSQL, cutoff, limit)
		if err != nil {
			return err
		}
		moved = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, shared.WrapError("retention", "ArchiveExpiredChunk", shared.ErrInvalidState, "archive move failed", err)
	}
	return moved, nil
}

// ListExpiredClassrooms returns the classrooms owning expired live events.
func (r *RetentionRepo) ListExpiredClassrooms(ctx context.Context, cutoff time.Time) ([]shared.ClassroomID, error) {
	const listSQL = `
		SELECT DISTINCT classroom_id FROM interaction_events WHERE occurred_at < $1
	`
	rows, err := r.conn.Query(ctx, listSQL, cutoff)
	if err != nil {
		return nil, shared.WrapError("retention", "ListExpiredClassrooms", shared.ErrInvalidState, "query failed", err)
	}
	defer rows.Close()

	var out []shared.ClassroomID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, shared.WrapError("retention", "ListExpiredClassrooms", shared.ErrInvalidState, "scan failed", err)
		}
		out = append(out, shared.ClassroomID(id))
	}
	return out, rows.Err()
}

// PurgeSubject deletes every event matching any of the hashes from both the
// live table and the archive, then verifies nothing matching remains. The
// result carries the classrooms that held the subject's live events so the
// caller can drop their cached aggregates.
func (r *RetentionRepo) PurgeSubject(ctx context.Context, hashes []shared.AnonymousHash) (*retention.PurgeResult, error) {
	values := make([]string, len(hashes))
	for i, h := range hashes {
		values[i] = h.String()
	}

	res := &retention.PurgeResult{}
	err := r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT DISTINCT classroom_id FROM interaction_events WHERE subject_hash = ANY($1)`, values)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			res.Classrooms = append(res.Classrooms, shared.ClassroomID(id))
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `DELETE FROM interaction_events WHERE subject_hash = ANY($1)`, values)
		if err != nil {
			return err
		}
		res.LiveDeleted = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `DELETE FROM interaction_events_archive WHERE subject_hash = ANY($1)`, values)
		if err != nil {
			return err
		}
		res.ArchiveDeleted = tag.RowsAffected()

		const remainingSQL = `
			SELECT (SELECT COUNT(*) FROM interaction_events WHERE subject_hash = ANY($1))
			     + (SELECT COUNT(*) FROM interaction_events_archive WHERE subject_hash = ANY($1))
		`
		var remaining int64
		if err := tx.QueryRow(ctx, remainingSQL, values).Scan(&remaining); err != nil {
			return err
		}
		res.FullyPurged = remaining == 0
		return nil
	})
	if err != nil {
		return nil, shared.WrapError("retention", "PurgeSubject", shared.ErrPurgeIncomplete, "purge failed", err)
	}
	return res, nil
}

// Append records one sweep outcome in the audit trail.
func (r *RetentionRepo) Append(ctx context.Context, entry *retention.LogEntry) error {
	const insertSQL = `
		INSERT INTO retention_log (table_name, policy_days, records_archived, records_deleted, executed_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.conn.Exec(ctx, insertSQL,
		entry.TableName,
		entry.PolicyDays,
		entry.RecordsArchived,
		entry.RecordsDeleted,
		entry.ExecutedAt,
		entry.Duration.Milliseconds(),
	)
	if err != nil {
		return shared.WrapError("retention", "Append", shared.ErrInvalidState, "audit insert failed", err)
	}
	return nil
}

// List returns the most recent audit entries, newest first.
func (r *RetentionRepo) List(ctx context.Context, limit int) ([]*retention.LogEntry, error) {
	const listSQL = `
		SELECT id, table_name, policy_days, records_archived, records_deleted, executed_at, duration_ms
		FROM retention_log
		ORDER BY executed_at DESC
		LIMIT $1
	`
	rows, err := r.conn.Query(ctx, listSQL, limit)
	if err != nil {
		return nil, shared.WrapError("retention", "List", shared.ErrInvalidState, "audit query failed", err)
	}
	defer rows.Close()

	var out []*retention.LogEntry
	for rows.Next() {
		var (
			entry      retention.LogEntry
			durationMS int64
		)
		err := rows.Scan(
			&entry.ID,
			&entry.TableName,
			&entry.PolicyDays,
			&entry.RecordsArchived,
			&entry.RecordsDeleted,
			&entry.ExecutedAt,
			&durationMS,
		)
		if err != nil {
			return nil, shared.WrapError("retention", "List", shared.ErrInvalidState, "audit scan failed", err)
		}
		entry.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, &entry)
	}
	return out, rows.Err()
}
