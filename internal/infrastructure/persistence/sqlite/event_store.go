package sqlite

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/sproutly/sproutly-analytics/internal/domain/event"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
)

// EventStore implements event.LocalStore on the agent database.
type EventStore struct {
	db *gorm.DB
}

// NewEventStore creates an EventStore.
func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

var _ event.LocalStore = (*EventStore)(nil)

// Append persists a captured event. Duplicate IDs fail with AlreadyExists.
func (s *EventStore) Append(ctx context.Context, e *event.InteractionEvent) error {
	rec, err := toEventRecord(e)
	if err != nil {
		return shared.WrapError("event", "Append", shared.ErrInvalidInput, "encoding event", err)
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return shared.ErrEventAlreadyExists
		}
		return shared.WrapError("event", "Append", shared.ErrInvalidState, "insert failed", err)
	}
	return nil
}

// ListPending returns captured events oldest first.
func (s *EventStore) ListPending(ctx context.Context, limit int) ([]*event.InteractionEvent, error) {
	var rows []EventRecord
	q := s.db.WithContext(ctx).
		Where("sync_state = ?", event.StateCaptured.String()).
		Order("occurred_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, shared.WrapError("event", "ListPending", shared.ErrInvalidState, "query failed", err)
	}
	return toEntities(rows)
}

// GetByIDs returns the stored events for the given IDs; missing IDs are
// skipped.
func (s *EventStore) GetByIDs(ctx context.Context, eventIDs []string) ([]*event.InteractionEvent, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	var rows []EventRecord
	if err := s.db.WithContext(ctx).
		Where("event_id IN ?", eventIDs).
		Order("occurred_at asc").
		Find(&rows).Error; err != nil {
		return nil, shared.WrapError("event", "GetByIDs", shared.ErrInvalidState, "query failed", err)
	}
	return toEntities(rows)
}

// MarkState transitions the given events, enforcing the state machine row
// by row inside one transaction. Any illegal transition rolls the whole
// call back.
func (s *EventStore) MarkState(ctx context.Context, eventIDs []string, state event.SyncState, at time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []EventRecord
		if err := tx.Where("event_id IN ?", eventIDs).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) != len(eventIDs) {
			return shared.ErrEventNotFound
		}
		for i := range rows {
			e, err := rows[i].toEntity()
			if err != nil {
				return err
			}
			if err := e.Transition(state, at); err != nil {
				return err
			}
			updates := map[string]any{
				"sync_state":      e.SyncState.String(),
				"attempt_count":   e.AttemptCount,
				"last_attempt_at": e.LastAttemptAt,
			}
			if err := tx.Model(&EventRecord{}).
				Where("event_id = ?", rows[i].EventID).
				Updates(updates).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// CountUnsynced counts events not yet acknowledged by the server.
func (s *EventStore) CountUnsynced(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&EventRecord{}).
		Where("sync_state <> ?", event.StateSynced.String()).
		Count(&n).Error
	if err != nil {
		return 0, shared.WrapError("event", "CountUnsynced", shared.ErrInvalidState, "count failed", err)
	}
	return n, nil
}

// DropOldestUnsynced removes the n oldest events not claimed by an active
// batch. Batched and uploading events belong to a batch whose membership is
// fixed; removing one from underneath it would leave the batch referencing
// rows that no longer exist.
func (s *EventStore) DropOldestUnsynced(ctx context.Context, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	var dropped int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&EventRecord{}).
			Where("sync_state IN ?", []string{event.StateCaptured.String(), event.StateFailed.String()}).
			Order("occurred_at asc").
			Limit(n).
			Pluck("event_id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		res := tx.Where("event_id IN ?", ids).Delete(&EventRecord{})
		if res.Error != nil {
			return res.Error
		}
		dropped = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, shared.WrapError("event", "DropOldestUnsynced", shared.ErrInvalidState, "delete failed", err)
	}
	return dropped, nil
}

// PurgeOlderThan deletes synced local events past the device retention
// horizon. Unsynced events are never age-pruned: a device offline longer
// than the horizon still owes its backlog to the server, and only the
// capacity guard may drop unsynced data.
func (s *EventStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("occurred_at < ? AND sync_state = ?", cutoff, string(event.StateSynced)).
		Delete(&EventRecord{})
	if res.Error != nil {
		return 0, shared.WrapError("event", "PurgeOlderThan", shared.ErrInvalidState, "delete failed", res.Error)
	}
	return res.RowsAffected, nil
}

func toEntities(rows []EventRecord) ([]*event.InteractionEvent, error) {
	out := make([]*event.InteractionEvent, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
