// Package retention implements the server-side retention engine: scheduled
// archive-then-delete sweeps, daily salt cleanup and consent-withdrawal
// purges.
package retention

import (
	"context"
	"time"

	"github.com/sproutly/sproutly-analytics/internal/domain/aggregate"
	"github.com/sproutly/sproutly-analytics/internal/domain/identity"
	"github.com/sproutly/sproutly-analytics/internal/domain/retention"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
	"github.com/sproutly/sproutly-analytics/internal/privacy"
	"github.com/sproutly/sproutly-analytics/pkg/logger"
	"github.com/sproutly/sproutly-analytics/pkg/timeutil"
)

// liveTableName is the table the sweep ages out, recorded in the audit trail.
const liveTableName = "interaction_events"

// Engine runs retention sweeps and purges against the server store.
type Engine struct {
	archiver   retention.Archiver
	logStore   retention.LogStore
	salts      identity.SaltStore
	anonymizer *privacy.Anonymizer
	cache      aggregate.Cache
	log        *logger.Logger
	policy     retention.Policy
}

// NewEngine creates a retention Engine with the given policy.
func NewEngine(
	archiver retention.Archiver,
	logStore retention.LogStore,
	salts identity.SaltStore,
	anonymizer *privacy.Anonymizer,
	cache aggregate.Cache,
	log *logger.Logger,
	policy retention.Policy,
) *Engine {
	return &Engine{
		archiver:   archiver,
		logStore:   logStore,
		salts:      salts,
		anonymizer: anonymizer,
		cache:      cache,
		log:        log,
		policy:     policy,
	}
}

// RunSweep archives and deletes every live event older than the policy
// horizon, chunk by chunk, then drops expired salts. Each chunk moves in one
// transaction; a crash mid-sweep leaves completed chunks archived and the
// rest untouched, and the next run simply continues. A sweep with nothing
// to do is a valid no-op.
func (e *Engine) RunSweep(ctx context.Context) (*retention.SweepSummary, error) {
	return e.sweep(ctx, e.policy)
}

// RunSweepWithPolicyDays runs one sweep with the event horizon overridden for
// this run only. The configured policy stays in force for scheduled sweeps.
func (e *Engine) RunSweepWithPolicyDays(ctx context.Context, policyDays int) (*retention.SweepSummary, error) {
	policy := e.policy
	policy.PolicyDays = policyDays
	return e.sweep(ctx, policy)
}

func (e *Engine) sweep(ctx context.Context, policy retention.Policy) (*retention.SweepSummary, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	now := timeutil.Now()
	cutoff := timeutil.StartOfDay(now).AddDate(0, 0, -policy.PolicyDays)

	expired, err := e.archiver.CountExpired(ctx, cutoff)
	if err != nil {
		return nil, shared.WrapError("retention", "Sweep", shared.ErrSweepAborted, "counting expired rows", err)
	}

	classrooms, err := e.archiver.ListExpiredClassrooms(ctx, cutoff)
	if err != nil {
		return nil, shared.WrapError("retention", "Sweep", shared.ErrSweepAborted, "listing affected classrooms", err)
	}

	var moved int64
	for {
		n, err := e.archiver.ArchiveExpiredChunk(ctx, cutoff, policy.ChunkSize)
		if err != nil {
			return nil, shared.WrapError("retention", "Sweep", shared.ErrSweepAborted, "archive chunk failed", err)
		}
		if n == 0 {
			break
		}
		moved += n
	}

	saltCutoff := timeutil.DayKey(now.AddDate(0, 0, -policy.SaltRetentionDays))
	saltsDeleted, err := e.salts.DeleteOlderThan(ctx, saltCutoff)
	if err != nil {
		return nil, shared.WrapError("retention", "Sweep", shared.ErrSweepAborted, "salt cleanup failed", err)
	}

	for _, c := range classrooms {
		if err := e.cache.Invalidate(ctx, c); err != nil {
			e.log.Warn("cache invalidation failed after sweep",
				logger.ClassroomID(c.String()),
				logger.Err(err),
			)
		}
	}

	summary := &retention.SweepSummary{
		PolicyDays:      policy.PolicyDays,
		RecordsArchived: moved,
		RecordsDeleted:  moved,
		SaltsDeleted:    saltsDeleted,
		Duration:        time.Since(start),
		ExecutedAt:      now,
	}

	entry := &retention.LogEntry{
		TableName:       liveTableName,
		PolicyDays:      policy.PolicyDays,
		RecordsArchived: summary.RecordsArchived,
		RecordsDeleted:  summary.RecordsDeleted,
		ExecutedAt:      summary.ExecutedAt,
		Duration:        summary.Duration,
	}
	if err := e.logStore.Append(ctx, entry); err != nil {
		return nil, shared.WrapError("retention", "Sweep", shared.ErrSweepAborted, "audit log write failed", err)
	}

	e.log.Info("retention sweep finished",
		logger.Int("policy_days", policy.PolicyDays),
		logger.Archived(summary.RecordsArchived),
		logger.Deleted(summary.RecordsDeleted),
		logger.Int64("salts_deleted", saltsDeleted),
		logger.Int64("expired_found", expired),
		logger.Latency(summary.Duration),
	)
	return summary, nil
}

// PurgeSubject removes every record of the subject identified by the raw
// local identifier, across live and archive stores. Hashes are re-derived
// for each retained salt day; days whose salts are already gone need no
// purge, their hashes are unrecoverable by anyone.
func (e *Engine) PurgeSubject(ctx context.Context, rawIdentifier string) (*retention.PurgeResult, error) {
	hashes, err := e.anonymizer.HashAllRetainedDays(ctx, rawIdentifier)
	if err != nil {
		return nil, err
	}
	if len(hashes) == 0 {
		// No retained salts, no derivable hashes, nothing addressable left.
		return &retention.PurgeResult{FullyPurged: true}, nil
	}
	return e.PurgeHashes(ctx, hashes)
}

// PurgeHashes removes every record matching the given subject hashes.
func (e *Engine) PurgeHashes(ctx context.Context, hashes []shared.AnonymousHash) (*retention.PurgeResult, error) {
	if len(hashes) == 0 {
		return nil, shared.NewDomainError("retention", "Purge", shared.ErrEmptyValue, "no hashes to purge")
	}
	for _, h := range hashes {
		if !h.IsValid() {
			return nil, shared.ErrIngestHashFormat
		}
	}

	res, err := e.archiver.PurgeSubject(ctx, hashes)
	if err != nil {
		return nil, shared.WrapError("retention", "Purge", shared.ErrPurgeIncomplete, "purge failed", err)
	}

	// Cached aggregates still count the purged subject until they expire.
	for _, c := range res.Classrooms {
		if err := e.cache.Invalidate(ctx, c); err != nil {
			e.log.Warn("cache invalidation failed after purge",
				logger.ClassroomID(c.String()),
				logger.Err(err),
			)
		}
	}

	e.log.Info("subject purged",
		logger.Int("hash_count", len(hashes)),
		logger.Int64("live_deleted", res.LiveDeleted),
		logger.Int64("archive_deleted", res.ArchiveDeleted),
		logger.Bool("fully_purged", res.FullyPurged),
	)
	return res, nil
}

// History returns the most recent retention audit entries.
func (e *Engine) History(ctx context.Context, limit int) ([]*retention.LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.logStore.List(ctx, limit)
}
