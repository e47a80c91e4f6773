package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/sproutly/sproutly-analytics/internal/domain/batch"
	"github.com/sproutly/sproutly-analytics/internal/domain/event"
	"github.com/sproutly/sproutly-analytics/internal/domain/identity"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	return db
}

func newEvent(t *testing.T, id int, occurredAt time.Time) *event.InteractionEvent {
	t.Helper()
	e, err := event.New(
		fmt.Sprintf("evt-%04d", id),
		shared.AnonymousHash(fmt.Sprintf("%064x", id+1)),
		"class-7b",
		"lesson-1",
		shared.CategoryConfidence,
		"turn_taking",
		shared.Score(1+id%5),
		occurredAt,
	)
	require.NoError(t, err)
	e.Metadata = map[string]string{"group_size": "4"}
	return e
}

func TestEventStoreAppendAndListPending(t *testing.T) {
	db := openTestDB(t)
	store := NewEventStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, newEvent(t, i, base.Add(time.Duration(i)*time.Minute))))
	}

	pending, err := store.ListPending(ctx, 3)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "evt-0000", pending[0].EventID)
	assert.Equal(t, map[string]string{"group_size": "4"}, pending[0].Metadata)
	assert.True(t, pending[0].OccurredAt.Before(pending[1].OccurredAt))
}

func TestEventStoreAppendDuplicate(t *testing.T) {
	db := openTestDB(t)
	store := NewEventStore(db)
	ctx := context.Background()

	e := newEvent(t, 1, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, store.Append(ctx, e))
	err := store.Append(ctx, e)
	assert.ErrorIs(t, err, shared.ErrAlreadyExists)
}

func TestEventStoreMarkStateEnforcesMachine(t *testing.T) {
	db := openTestDB(t)
	store := NewEventStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	e := newEvent(t, 1, now.Add(-time.Hour))
	require.NoError(t, store.Append(ctx, e))
	ids := []string{e.EventID}

	// Captured cannot jump straight to Synced.
	err := store.MarkState(ctx, ids, event.StateSynced, now)
	assert.ErrorIs(t, err, shared.ErrStateTransition)

	require.NoError(t, store.MarkState(ctx, ids, event.StateBatched, now))
	require.NoError(t, store.MarkState(ctx, ids, event.StateUploading, now))
	require.NoError(t, store.MarkState(ctx, ids, event.StateSynced, now))

	// Synced is immutable.
	err = store.MarkState(ctx, ids, event.StateBatched, now)
	assert.ErrorIs(t, err, shared.ErrImmutableRecord)

	got, err := store.GetByIDs(ctx, ids)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, event.StateSynced, got[0].SyncState)
	assert.Equal(t, 1, got[0].AttemptCount)
}

func TestEventStoreMarkStateRollsBackOnIllegalMember(t *testing.T) {
	db := openTestDB(t)
	store := NewEventStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	a := newEvent(t, 1, now.Add(-time.Hour))
	b := newEvent(t, 2, now.Add(-time.Hour))
	require.NoError(t, store.Append(ctx, a))
	require.NoError(t, store.Append(ctx, b))

	// Only a is batched; moving both to Uploading must fail atomically.
	require.NoError(t, store.MarkState(ctx, []string{a.EventID}, event.StateBatched, now))
	err := store.MarkState(ctx, []string{a.EventID, b.EventID}, event.StateUploading, now)
	require.Error(t, err)

	got, err := store.GetByIDs(ctx, []string{a.EventID})
	require.NoError(t, err)
	assert.Equal(t, event.StateBatched, got[0].SyncState)
}

func TestEventStoreCapacityHelpers(t *testing.T) {
	db := openTestDB(t)
	store := NewEventStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 6; i++ {
		require.NoError(t, store.Append(ctx, newEvent(t, i, base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, store.MarkState(ctx, []string{"evt-0005"}, event.StateBatched, time.Now().UTC()))
	require.NoError(t, store.MarkState(ctx, []string{"evt-0005"}, event.StateUploading, time.Now().UTC()))
	require.NoError(t, store.MarkState(ctx, []string{"evt-0005"}, event.StateSynced, time.Now().UTC()))

	n, err := store.CountUnsynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	dropped, err := store.DropOldestUnsynced(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), dropped)

	pending, err := store.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "evt-0002", pending[0].EventID)
}

func TestEventStoreDropOldestSparesBatchMembers(t *testing.T) {
	db := openTestDB(t)
	store := NewEventStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		require.NoError(t, store.Append(ctx, newEvent(t, i, base.Add(time.Duration(i)*time.Minute))))
	}
	// The two oldest events are claimed by a batch in flight.
	require.NoError(t, store.MarkState(ctx, []string{"evt-0000", "evt-0001"}, event.StateBatched, time.Now().UTC()))

	dropped, err := store.DropOldestUnsynced(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), dropped)

	got, err := store.GetByIDs(ctx, []string{"evt-0000", "evt-0001", "evt-0002", "evt-0003"})
	require.NoError(t, err)
	survivors := make([]string, 0, len(got))
	for _, e := range got {
		survivors = append(survivors, e.EventID)
	}
	assert.ElementsMatch(t, []string{"evt-0000", "evt-0001"}, survivors)
}

func TestEventStorePurgeOlderThan(t *testing.T) {
	db := openTestDB(t)
	store := NewEventStore(db)
	ctx := context.Background()

	oldSynced := newEvent(t, 1, time.Now().UTC().AddDate(0, 0, -10))
	oldCaptured := newEvent(t, 2, time.Now().UTC().AddDate(0, 0, -20))
	fresh := newEvent(t, 3, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, store.Append(ctx, oldSynced))
	require.NoError(t, store.Append(ctx, oldCaptured))
	require.NoError(t, store.Append(ctx, fresh))

	now := time.Now().UTC()
	syncedIDs := []string{oldSynced.EventID}
	require.NoError(t, store.MarkState(ctx, syncedIDs, event.StateBatched, now))
	require.NoError(t, store.MarkState(ctx, syncedIDs, event.StateUploading, now))
	require.NoError(t, store.MarkState(ctx, syncedIDs, event.StateSynced, now))

	deleted, err := store.PurgeOlderThan(ctx, time.Now().UTC().AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// The never-uploaded backlog survives any horizon; only the synced
	// copy is pruned.
	got, err := store.GetByIDs(ctx, []string{oldSynced.EventID, oldCaptured.EventID, fresh.EventID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	ids := []string{got[0].EventID, got[1].EventID}
	assert.ElementsMatch(t, []string{oldCaptured.EventID, fresh.EventID}, ids)
}

func newBatch(t *testing.T, id string, createdAt time.Time) *batch.Batch {
	t.Helper()
	b, err := batch.New(id, "class-7b", []string{"evt-0001", "evt-0002"}, createdAt)
	require.NoError(t, err)
	return b
}

func TestBatchStoreLifecycle(t *testing.T) {
	db := openTestDB(t)
	store := NewBatchStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	b := newBatch(t, "batch-1", now.Add(-time.Minute))
	require.NoError(t, store.Save(ctx, b))
	assert.ErrorIs(t, store.Save(ctx, b), shared.ErrAlreadyExists)

	ready, err := store.ListReady(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, []string{"evt-0001", "evt-0002"}, ready[0].EventIDs)

	require.NoError(t, b.MarkInFlight(now))
	require.NoError(t, store.Update(ctx, b))

	inFlight, err := store.ListInFlight(ctx)
	require.NoError(t, err)
	require.Len(t, inFlight, 1)
	assert.Equal(t, 1, inFlight[0].AttemptCount)

	require.NoError(t, b.MarkCompleted(now))
	require.NoError(t, store.Update(ctx, b))

	got, err := store.Get(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestBatchStoreRetrySchedulePersists(t *testing.T) {
	db := openTestDB(t)
	store := NewBatchStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	b := newBatch(t, "batch-1", now)
	require.NoError(t, store.Save(ctx, b))
	require.NoError(t, b.MarkInFlight(now))
	require.NoError(t, b.ScheduleRetry(now.Add(10*time.Minute)))
	require.NoError(t, store.Update(ctx, b))

	// Not ready yet.
	ready, err := store.ListReady(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, ready)

	// Ready once the persisted retry time passes, attempt count intact.
	ready, err = store.ListReady(ctx, now.Add(11*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, 1, ready[0].AttemptCount)
	require.NotNil(t, ready[0].NextRetryAt)
}

func TestBatchStoreListFailedAndPrune(t *testing.T) {
	db := openTestDB(t)
	store := NewBatchStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	failed := newBatch(t, "batch-bad", now)
	require.NoError(t, store.Save(ctx, failed))
	require.NoError(t, failed.MarkInFlight(now))
	require.NoError(t, failed.MarkFailed("validation_failed"))
	require.NoError(t, store.Update(ctx, failed))

	done := newBatch(t, "batch-done", now)
	require.NoError(t, store.Save(ctx, done))
	require.NoError(t, done.MarkInFlight(now))
	require.NoError(t, done.MarkCompleted(now.Add(-48*time.Hour)))
	require.NoError(t, store.Update(ctx, done))

	failedList, err := store.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failedList, 1)
	assert.Equal(t, "validation_failed", failedList[0].FailureReason)

	pruned, err := store.DeleteCompletedBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	_, err = store.Get(ctx, "batch-done")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestSaltStoreGetOrCreateConverges(t *testing.T) {
	db := openTestDB(t)
	store := NewSaltStore(db)
	ctx := context.Background()

	first := make([]byte, identity.SaltLength)
	first[0] = 1
	second := make([]byte, identity.SaltLength)
	second[0] = 2

	r1, err := store.GetOrCreate(ctx, "2026-03-14", first)
	require.NoError(t, err)
	r2, err := store.GetOrCreate(ctx, "2026-03-14", second)
	require.NoError(t, err)

	// The stored value wins over later candidates.
	assert.Equal(t, r1.SaltValue, r2.SaltValue)
	assert.Equal(t, byte(1), r2.SaltValue[0])
}

func TestSaltStoreRetentionCutoff(t *testing.T) {
	db := openTestDB(t)
	store := NewSaltStore(db)
	ctx := context.Background()

	for _, day := range []string{"2026-03-01", "2026-03-08", "2026-03-14"} {
		_, err := store.GetOrCreate(ctx, day, make([]byte, identity.SaltLength))
		require.NoError(t, err)
	}

	deleted, err := store.DeleteOlderThan(ctx, "2026-03-08")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	days, err := store.ListDays(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-03-08", "2026-03-14"}, days)

	_, err = store.Get(ctx, "2026-03-01")
	assert.ErrorIs(t, err, shared.ErrSaltUnavailable)
}
