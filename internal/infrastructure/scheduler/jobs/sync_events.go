// Package jobs contains the scheduled jobs of the pipeline: the device sync
// loop, local housekeeping and the server retention sweep.
package jobs

import (
	"context"
	"fmt"

	"github.com/sproutly/sproutly-analytics/internal/application/syncer"
	"github.com/sproutly/sproutly-analytics/pkg/logger"
)

// SyncEventsJob forms batches from the local backlog and uploads every
// batch whose retry time has come. Runs on the classroom device.
type SyncEventsJob struct {
	batcher *syncer.Batcher
	agent   *syncer.Agent
	log     *logger.Logger
}

// NewSyncEventsJob creates a SyncEventsJob.
func NewSyncEventsJob(batcher *syncer.Batcher, agent *syncer.Agent, log *logger.Logger) *SyncEventsJob {
	return &SyncEventsJob{
		batcher: batcher,
		agent:   agent,
		log:     log.With(logger.Component("sync-events-job")),
	}
}

// Name returns the unique name of the job.
func (j *SyncEventsJob) Name() string { return "sync_events" }

// Description returns a human-readable description of the job.
func (j *SyncEventsJob) Description() string {
	return "Forms upload batches from captured events and syncs them to the ingestion endpoint"
}

// Run executes one batching and sync pass.
func (j *SyncEventsJob) Run(ctx context.Context) error {
	formed, err := j.batcher.FormAll(ctx)
	if err != nil {
		return fmt.Errorf("form batches: %w", err)
	}
	if len(formed) > 0 {
		j.log.Info("batches formed", logger.Int("batches", len(formed)))
	}

	result, err := j.agent.SyncOnce(ctx)
	if err != nil {
		return fmt.Errorf("sync pass: %w", err)
	}

	if result.Attempted > 0 {
		j.log.Info("sync pass finished",
			logger.Int("attempted", result.Attempted),
			logger.Int("completed", result.Completed),
			logger.Int("rescheduled", result.Rescheduled),
			logger.Int("failed", result.Failed),
		)
	}
	return nil
}
