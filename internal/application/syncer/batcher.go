// Package syncer moves captured events off the device: the Batcher groups
// pending events into fixed batches, and the Agent uploads those batches
// with persisted, restart-safe retry state.
package syncer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sproutly/sproutly-analytics/internal/domain/batch"
	"github.com/sproutly/sproutly-analytics/internal/domain/event"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
	"github.com/sproutly/sproutly-analytics/pkg/logger"
)

// DefaultMaxBatchSize bounds how many events one batch carries.
const DefaultMaxBatchSize = 100

// Batcher forms upload batches from pending events. Runs on the device,
// one instance per local store.
type Batcher struct {
	events      event.LocalStore
	batches     batch.Store
	classroomID shared.ClassroomID
	log         *logger.Logger
	maxSize     int
}

// NewBatcher creates a Batcher. maxSize <= 0 uses the default.
func NewBatcher(events event.LocalStore, batches batch.Store, classroomID shared.ClassroomID, log *logger.Logger, maxSize int) *Batcher {
	if maxSize <= 0 {
		maxSize = DefaultMaxBatchSize
	}
	return &Batcher{
		events:      events,
		batches:     batches,
		classroomID: classroomID,
		log:         log,
		maxSize:     maxSize,
	}
}

// FormBatch groups up to maxSize pending events into a new pending batch and
// marks them Batched. Returns nil without error when nothing is pending:
// empty batches are never created. Membership is frozen here; retries resend
// exactly this set.
func (b *Batcher) FormBatch(ctx context.Context) (*batch.Batch, error) {
	pending, err := b.events.ListPending(ctx, b.maxSize)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, len(pending))
	for i, e := range pending {
		ids[i] = e.EventID
	}

	now := time.Now().UTC()
	formed, err := batch.New(uuid.New().String(), b.classroomID, ids, now)
	if err != nil {
		return nil, err
	}

	if err := b.events.MarkState(ctx, ids, event.StateBatched, now); err != nil {
		return nil, err
	}
	if err := b.batches.Save(ctx, formed); err != nil {
		// Events stay Batched but unreferenced; the next FormBatch cannot
		// pick them up, so surface loudly.
		b.log.Error("batch save failed after events were marked",
			logger.BatchID(formed.BatchID),
			logger.Err(err),
		)
		return nil, err
	}

	b.log.Info("batch formed",
		logger.BatchID(formed.BatchID),
		logger.EventCount(formed.Size()),
	)
	return formed, nil
}

// FormAll repeatedly forms batches until no pending events remain. Returns
// the batches formed in order.
func (b *Batcher) FormAll(ctx context.Context) ([]*batch.Batch, error) {
	var formed []*batch.Batch
	for {
		bt, err := b.FormBatch(ctx)
		if err != nil {
			return formed, err
		}
		if bt == nil {
			return formed, nil
		}
		formed = append(formed, bt)
	}
}
