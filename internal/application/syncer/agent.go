package syncer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sproutly/sproutly-analytics/internal/domain/batch"
	"github.com/sproutly/sproutly-analytics/internal/domain/event"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
	"github.com/sproutly/sproutly-analytics/pkg/logger"
	"github.com/sproutly/sproutly-analytics/pkg/retry"
)

// Defaults for the sync agent's tunables.
const (
	DefaultMaxAttempts    = 3
	DefaultConcurrency    = 2
	DefaultStaleThreshold = 5 * time.Minute
	DefaultBatchesPerSync = 20
)

// AgentConfig tunes the sync agent.
type AgentConfig struct {
	// MaxAttempts is the upload attempt cap per batch; one past it the
	// batch fails terminally.
	MaxAttempts int
	// Concurrency bounds simultaneous in-flight uploads.
	Concurrency int
	// StaleThreshold is how long an InFlight batch may sit before startup
	// recovery treats it as a crashed attempt.
	StaleThreshold time.Duration
	// BatchesPerSync bounds how many ready batches one SyncOnce pass takes.
	BatchesPerSync int
	// AllowManualRebatch enables the RebatchFailed path.
	AllowManualRebatch bool
}

// DefaultAgentConfig returns the stock agent tunables.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		MaxAttempts:        DefaultMaxAttempts,
		Concurrency:        DefaultConcurrency,
		StaleThreshold:     DefaultStaleThreshold,
		BatchesPerSync:     DefaultBatchesPerSync,
		AllowManualRebatch: true,
	}
}

func (c *AgentConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = DefaultStaleThreshold
	}
	if c.BatchesPerSync <= 0 {
		c.BatchesPerSync = DefaultBatchesPerSync
	}
}

// supersededMarker tags failed batches that were manually re-batched.
const supersededMarker = "superseded by "

// Agent drives batches through upload. Retry state lives on the batch rows
// (attempt_count, next_retry_at), so the schedule survives process restarts.
type Agent struct {
	events    event.LocalStore
	batches   batch.Store
	transport Transport
	retrier   *retry.Retrier
	log       *logger.Logger
	cfg       AgentConfig
}

// NewAgent creates a sync Agent.
func NewAgent(events event.LocalStore, batches batch.Store, transport Transport, log *logger.Logger, cfg AgentConfig) *Agent {
	cfg.applyDefaults()
	return &Agent{
		events:    events,
		batches:   batches,
		transport: transport,
		retrier:   retry.UploadRetrier(),
		log:       log,
		cfg:       cfg,
	}
}

// SyncResult summarizes one SyncOnce pass.
type SyncResult struct {
	Attempted   int
	Completed   int
	Rescheduled int
	Failed      int
}

// SyncOnce recovers stale in-flight batches, then uploads every batch whose
// retry time has come, bounded by the concurrency limit. Each batch is
// single-flight within a pass.
func (a *Agent) SyncOnce(ctx context.Context) (SyncResult, error) {
	var res SyncResult

	if err := a.recoverStale(ctx); err != nil {
		return res, err
	}

	ready, err := a.batches.ListReady(ctx, time.Now().UTC(), a.cfg.BatchesPerSync)
	if err != nil {
		return res, err
	}
	if len(ready) == 0 {
		return res, nil
	}

	sem := make(chan struct{}, a.cfg.Concurrency)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, b := range ready {
		b := b
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := a.uploadBatch(ctx, b)

			mu.Lock()
			res.Attempted++
			switch outcome {
			case outcomeCompleted:
				res.Completed++
			case outcomeRescheduled:
				res.Rescheduled++
			case outcomeFailed:
				res.Failed++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	a.log.Info("sync pass finished",
		logger.Int("attempted", res.Attempted),
		logger.Int("completed", res.Completed),
		logger.Int("rescheduled", res.Rescheduled),
		logger.Int("failed", res.Failed),
	)
	return res, nil
}

type uploadOutcome int

const (
	outcomeError uploadOutcome = iota
	outcomeCompleted
	outcomeRescheduled
	outcomeFailed
)

func (a *Agent) uploadBatch(ctx context.Context, b *batch.Batch) uploadOutcome {
	now := time.Now().UTC()

	if err := b.MarkInFlight(now); err != nil {
		a.log.Error("batch not eligible for upload", logger.BatchID(b.BatchID), logger.Err(err))
		return outcomeError
	}
	if err := a.batches.Update(ctx, b); err != nil {
		a.log.Error("batch update failed", logger.BatchID(b.BatchID), logger.Err(err))
		return outcomeError
	}

	events, err := a.events.GetByIDs(ctx, b.EventIDs)
	if err != nil {
		a.log.Error("event load failed", logger.BatchID(b.BatchID), logger.Err(err))
		return outcomeError
	}

	// A member can vanish underneath the batch (manual cleanup, a reused
	// database file). Upload the survivors rather than stalling forever on
	// IDs that no longer exist; the server deduplicates by event_id either
	// way.
	memberIDs := eventIDsOf(events)
	if len(events) == 0 {
		return a.failBatch(ctx, b, memberIDs, "all batch members missing from local store")
	}
	if len(events) != len(b.EventIDs) {
		a.log.Warn("batch members missing, uploading survivors",
			logger.BatchID(b.BatchID),
			logger.Int("missing", len(b.EventIDs)-len(events)),
		)
	}

	if err := a.events.MarkState(ctx, memberIDs, event.StateUploading, now); err != nil {
		a.log.Error("event state update failed", logger.BatchID(b.BatchID), logger.Err(err))
		return outcomeError
	}

	uploadErr := a.transport.Upload(ctx, buildRequest(b.BatchID, b.ClassroomID.String(), events))
	switch {
	case uploadErr == nil:
		return a.completeBatch(ctx, b, memberIDs)
	case shared.IsValidation(uploadErr):
		return a.failBatch(ctx, b, memberIDs, uploadErr.Error())
	default:
		return a.rescheduleOrFail(ctx, b, memberIDs, uploadErr)
	}
}

func (a *Agent) completeBatch(ctx context.Context, b *batch.Batch, memberIDs []string) uploadOutcome {
	now := time.Now().UTC()
	if err := b.MarkCompleted(now); err != nil {
		a.log.Error("batch completion failed", logger.BatchID(b.BatchID), logger.Err(err))
		return outcomeError
	}
	if err := a.batches.Update(ctx, b); err != nil {
		a.log.Error("batch update failed", logger.BatchID(b.BatchID), logger.Err(err))
		return outcomeError
	}
	if err := a.events.MarkState(ctx, memberIDs, event.StateSynced, now); err != nil {
		a.log.Error("event state update failed", logger.BatchID(b.BatchID), logger.Err(err))
		return outcomeError
	}

	a.log.Info("batch synced",
		logger.BatchID(b.BatchID),
		logger.EventCount(b.Size()),
		logger.AttemptCount(b.AttemptCount),
	)
	return outcomeCompleted
}

// rescheduleOrFail handles a retriable upload error: back to Pending with a
// persisted backoff time, or terminal Failed once attempts run out.
func (a *Agent) rescheduleOrFail(ctx context.Context, b *batch.Batch, memberIDs []string, cause error) uploadOutcome {
	now := time.Now().UTC()

	if b.AttemptCount >= a.cfg.MaxAttempts {
		return a.failBatch(ctx, b, memberIDs, "attempts exhausted: "+cause.Error())
	}

	delay := a.retrier.Backoff(b.AttemptCount)
	if err := b.ScheduleRetry(now.Add(delay)); err != nil {
		a.log.Error("batch reschedule failed", logger.BatchID(b.BatchID), logger.Err(err))
		return outcomeError
	}
	if err := a.batches.Update(ctx, b); err != nil {
		a.log.Error("batch update failed", logger.BatchID(b.BatchID), logger.Err(err))
		return outcomeError
	}
	if err := a.events.MarkState(ctx, memberIDs, event.StateBatched, now); err != nil {
		a.log.Error("event state update failed", logger.BatchID(b.BatchID), logger.Err(err))
		return outcomeError
	}

	a.log.Warn("upload failed, retry scheduled",
		logger.BatchID(b.BatchID),
		logger.AttemptCount(b.AttemptCount),
		logger.Duration("retry_in", delay),
		logger.Err(cause),
	)
	return outcomeRescheduled
}

func (a *Agent) failBatch(ctx context.Context, b *batch.Batch, memberIDs []string, reason string) uploadOutcome {
	now := time.Now().UTC()
	if err := b.MarkFailed(reason); err != nil {
		a.log.Error("batch failure record failed", logger.BatchID(b.BatchID), logger.Err(err))
		return outcomeError
	}
	if err := a.batches.Update(ctx, b); err != nil {
		a.log.Error("batch update failed", logger.BatchID(b.BatchID), logger.Err(err))
		return outcomeError
	}
	if err := a.events.MarkState(ctx, memberIDs, event.StateFailed, now); err != nil {
		a.log.Error("event state update failed", logger.BatchID(b.BatchID), logger.Err(err))
		return outcomeError
	}

	a.log.Error("batch failed terminally",
		logger.BatchID(b.BatchID),
		logger.AttemptCount(b.AttemptCount),
		logger.String("reason", reason),
	)
	return outcomeFailed
}

// recoverStale returns crashed in-flight batches to Pending. A batch that
// went InFlight and never came back means the process died mid-upload; the
// server may or may not have the data, and re-delivery is safe because
// ingestion deduplicates by batch ID.
func (a *Agent) recoverStale(ctx context.Context) error {
	inFlight, err := a.batches.ListInFlight(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, b := range inFlight {
		if !b.StaleInFlight(now, a.cfg.StaleThreshold) {
			continue
		}
		// One unrecoverable batch must not block the rest of the pass.
		if err := a.recoverBatch(ctx, b, now); err != nil {
			a.log.Error("stale batch recovery failed", logger.BatchID(b.BatchID), logger.Err(err))
			continue
		}
		a.log.Warn("stale in-flight batch recovered",
			logger.BatchID(b.BatchID),
			logger.AttemptCount(b.AttemptCount),
		)
	}
	return nil
}

func (a *Agent) recoverBatch(ctx context.Context, b *batch.Batch, now time.Time) error {
	if err := b.ScheduleRetry(now); err != nil {
		return err
	}
	if err := a.batches.Update(ctx, b); err != nil {
		return err
	}

	// Only members still present and still marked Uploading move back to
	// Batched. A crash before the Uploading mark leaves them Batched
	// already, and the next upload attempt works off the survivors anyway.
	events, err := a.events.GetByIDs(ctx, b.EventIDs)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(events))
	for _, e := range events {
		if e.SyncState == event.StateUploading {
			ids = append(ids, e.EventID)
		}
	}
	return a.events.MarkState(ctx, ids, event.StateBatched, now)
}

func eventIDsOf(events []*event.InteractionEvent) []string {
	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.EventID)
	}
	return ids
}

// RebatchFailed moves a terminally failed batch's events into a fresh
// pending batch with a clean attempt counter. Manual operation only; the
// agent never does this on its own.
func (a *Agent) RebatchFailed(ctx context.Context, batchID string) (*batch.Batch, error) {
	if !a.cfg.AllowManualRebatch {
		return nil, shared.NewDomainError("batch", "Rebatch", shared.ErrInvalidState,
			"manual re-batch is disabled")
	}

	old, err := a.batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if old.Status != batch.StatusFailed {
		return nil, shared.NewDomainError("batch", "Rebatch", shared.ErrInvalidState,
			"only failed batches can be re-batched")
	}

	now := time.Now().UTC()

	// Carry only members the local store still holds.
	events, err := a.events.GetByIDs(ctx, old.EventIDs)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, shared.NewDomainError("batch", "Rebatch", shared.ErrNotFound,
			"no batch members remain in the local store")
	}

	memberIDs := eventIDsOf(events)
	fresh, err := batch.New(uuid.New().String(), old.ClassroomID, memberIDs, now)
	if err != nil {
		return nil, err
	}

	if err := a.events.MarkState(ctx, memberIDs, event.StateBatched, now); err != nil {
		return nil, err
	}
	if err := a.batches.Save(ctx, fresh); err != nil {
		return nil, err
	}

	old.FailureReason = old.FailureReason + "; " + supersededMarker + fresh.BatchID
	if err := a.batches.Update(ctx, old); err != nil {
		return nil, err
	}

	a.log.Info("failed batch re-batched",
		logger.String("old_batch_id", old.BatchID),
		logger.BatchID(fresh.BatchID),
		logger.EventCount(fresh.Size()),
	)
	return fresh, nil
}

// SyncStatus is the "needs attention" summary surfaced to the device UI.
type SyncStatus struct {
	UnsyncedEvents int64
	FailedBatches  int
	OldestUnsynced *time.Time
	NeedsAttention bool
}

// Status reports the local sync backlog.
func (a *Agent) Status(ctx context.Context) (SyncStatus, error) {
	var st SyncStatus

	count, err := a.events.CountUnsynced(ctx)
	if err != nil {
		return st, err
	}
	st.UnsyncedEvents = count

	failed, err := a.batches.ListFailed(ctx)
	if err != nil {
		return st, err
	}
	for _, b := range failed {
		// Superseded batches were re-batched and no longer need attention.
		if strings.Contains(b.FailureReason, supersededMarker) {
			continue
		}
		st.FailedBatches++
	}

	pending, err := a.events.ListPending(ctx, 1)
	if err != nil {
		return st, err
	}
	if len(pending) > 0 {
		t := pending[0].OccurredAt
		st.OldestUnsynced = &t
	}

	st.NeedsAttention = st.FailedBatches > 0
	return st, nil
}
