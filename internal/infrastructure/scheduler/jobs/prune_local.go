package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/sproutly/sproutly-analytics/internal/domain/batch"
	"github.com/sproutly/sproutly-analytics/internal/domain/event"
	"github.com/sproutly/sproutly-analytics/pkg/logger"
	"github.com/sproutly/sproutly-analytics/pkg/timeutil"
)

// Local housekeeping horizons. Synced events and completed batches only
// serve local diagnostics; the server copy is the durable one.
const (
	DefaultLocalEventDays     = 14
	DefaultCompletedBatchDays = 7
)

// PruneLocalJob trims the device store: old events and completed batch
// records past their local horizon.
type PruneLocalJob struct {
	events  event.LocalStore
	batches batch.Store
	log     *logger.Logger

	eventDays int
	batchDays int
}

// NewPruneLocalJob creates a PruneLocalJob. Non-positive horizons fall back
// to the defaults.
func NewPruneLocalJob(events event.LocalStore, batches batch.Store, log *logger.Logger, eventDays, batchDays int) *PruneLocalJob {
	if eventDays <= 0 {
		eventDays = DefaultLocalEventDays
	}
	if batchDays <= 0 {
		batchDays = DefaultCompletedBatchDays
	}
	return &PruneLocalJob{
		events:    events,
		batches:   batches,
		log:       log.With(logger.Component("prune-local-job")),
		eventDays: eventDays,
		batchDays: batchDays,
	}
}

// Name returns the unique name of the job.
func (j *PruneLocalJob) Name() string { return "prune_local" }

// Description returns a human-readable description of the job.
func (j *PruneLocalJob) Description() string {
	return "Deletes old local events and completed batch records past their retention horizon"
}

// Run executes one pruning pass.
func (j *PruneLocalJob) Run(ctx context.Context) error {
	now := timeutil.Now()

	eventsDeleted, err := j.events.PurgeOlderThan(ctx, now.AddDate(0, 0, -j.eventDays))
	if err != nil {
		return fmt.Errorf("purge local events: %w", err)
	}

	batchesDeleted, err := j.batches.DeleteCompletedBefore(ctx, now.Add(-time.Duration(j.batchDays)*24*time.Hour))
	if err != nil {
		return fmt.Errorf("delete completed batches: %w", err)
	}

	if eventsDeleted > 0 || batchesDeleted > 0 {
		j.log.Info("local store pruned",
			logger.Int64("events_deleted", eventsDeleted),
			logger.Int64("batches_deleted", batchesDeleted),
		)
	}
	return nil
}
