package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sproutly/sproutly-analytics/internal/domain/aggregate"
	"github.com/sproutly/sproutly-analytics/internal/domain/event"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
)

// EventRepo implements event.ServerStore and aggregate.Source on the live
// events table.
type EventRepo struct {
	conn *Connection
}

// NewEventRepo creates an EventRepo.
func NewEventRepo(conn *Connection) *EventRepo {
	return &EventRepo{conn: conn}
}

var (
	_ event.ServerStore = (*EventRepo)(nil)
	_ aggregate.Source  = (*EventRepo)(nil)
)

const insertEventSQL = `
	INSERT INTO interaction_events (
		event_id, subject_hash, classroom_id, lesson_id,
		category, interaction_type, score, metadata, occurred_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (event_id) DO NOTHING
`

// SaveAll persists the events inside one transaction, skipping IDs already
// present. Returns how many rows were actually inserted.
func (r *EventRepo) SaveAll(ctx context.Context, events []*event.InteractionEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	var inserted int64
	err := r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		for _, e := range events {
			meta, err := metadataJSON(e.Metadata)
			if err != nil {
				return err
			}
			tag, err := tx.Exec(ctx, insertEventSQL,
				e.EventID,
				e.SubjectHash.String(),
				e.ClassroomID.String(),
				e.LessonID.String(),
				e.Category.String(),
				e.InteractionType,
				e.Score.Int(),
				meta,
				e.OccurredAt,
			)
			if err != nil {
				return err
			}
			inserted += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, shared.WrapError("event", "SaveAll", shared.ErrInvalidState, "insert failed", err)
	}
	return inserted, nil
}

// Compute aggregates the events for key between start and end.
func (r *EventRepo) Compute(ctx context.Context, key aggregate.Key, start, end time.Time) (*aggregate.Rollup, error) {
	const summarySQL = `
		SELECT COUNT(*),
		       COUNT(DISTINCT subject_hash),
		       COALESCE(SUM(score), 0)
		FROM interaction_events
		WHERE classroom_id = $1 AND category = $2
		  AND occurred_at >= $3 AND occurred_at < $4
	`

	rollup := &aggregate.Rollup{}
	err := r.conn.QueryRow(ctx, summarySQL,
		key.ClassroomID.String(), key.Category.String(), start, end,
	).Scan(&rollup.EventCount, &rollup.SubjectCount, &rollup.ScoreSum)
	if err != nil {
		return nil, shared.WrapError("aggregate", "Compute", shared.ErrInvalidState, "summary query failed", err)
	}
	if rollup.EventCount > 0 {
		rollup.AverageScore = float64(rollup.ScoreSum) / float64(rollup.EventCount)
	}

	const breakdownSQL = `
		SELECT interaction_type, COUNT(*)
		FROM interaction_events
		WHERE classroom_id = $1 AND category = $2
		  AND occurred_at >= $3 AND occurred_at < $4
		GROUP BY interaction_type
	`

	rows, err := r.conn.Query(ctx, breakdownSQL,
		key.ClassroomID.String(), key.Category.String(), start, end,
	)
	if err != nil {
		return nil, shared.WrapError("aggregate", "Compute", shared.ErrInvalidState, "breakdown query failed", err)
	}
	defer rows.Close()

	for rows.Next() {
		var interactionType string
		var count int64
		if err := rows.Scan(&interactionType, &count); err != nil {
			return nil, shared.WrapError("aggregate", "Compute", shared.ErrInvalidState, "breakdown scan failed", err)
		}
		if rollup.ByInteraction == nil {
			rollup.ByInteraction = make(map[string]int64)
		}
		rollup.ByInteraction[interactionType] = count
	}
	return rollup, rows.Err()
}

func metadataJSON(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
