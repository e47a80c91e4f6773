package jobs

import (
	"context"
	"fmt"

	appretention "github.com/sproutly/sproutly-analytics/internal/application/retention"
	"github.com/sproutly/sproutly-analytics/pkg/logger"
)

// RetentionSweepJob runs the nightly archive-then-delete sweep on the
// server, including salt cleanup.
type RetentionSweepJob struct {
	engine *appretention.Engine
	log    *logger.Logger
}

// NewRetentionSweepJob creates a RetentionSweepJob.
func NewRetentionSweepJob(engine *appretention.Engine, log *logger.Logger) *RetentionSweepJob {
	return &RetentionSweepJob{
		engine: engine,
		log:    log.With(logger.Component("retention-sweep-job")),
	}
}

// Name returns the unique name of the job.
func (j *RetentionSweepJob) Name() string { return "retention_sweep" }

// Description returns a human-readable description of the job.
func (j *RetentionSweepJob) Description() string {
	return "Archives and deletes events past the retention horizon and drops expired daily salts"
}

// Run executes one sweep.
func (j *RetentionSweepJob) Run(ctx context.Context) error {
	summary, err := j.engine.RunSweep(ctx)
	if err != nil {
		return fmt.Errorf("retention sweep: %w", err)
	}

	j.log.Info("retention sweep finished",
		logger.Archived(summary.RecordsArchived),
		logger.Deleted(summary.RecordsDeleted),
		logger.Int64("salts_deleted", summary.SaltsDeleted),
		logger.Latency(summary.Duration),
	)
	return nil
}
