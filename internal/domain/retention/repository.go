package retention

import (
	"context"
	"time"

	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
)

// Archiver moves expired live events into the archive and purges subjects
// across both stores. Backed by the server's durable store; every chunk
// moves inside one transaction so an abort leaves live data untouched.
type Archiver interface {
	// CountExpired returns how many live events predate cutoff.
	CountExpired(ctx context.Context, cutoff time.Time) (int64, error)

	// ArchiveExpiredChunk copies up to limit expired events into the
	// archive and deletes them from the live store, atomically. Archive
	// inserts skip IDs already present, so a re-run after a crash never
	// duplicates. Returns the number of rows moved.
	ArchiveExpiredChunk(ctx context.Context, cutoff time.Time, limit int) (int64, error)

	// ListExpiredClassrooms returns the classrooms owning expired live
	// events, for cache invalidation after the sweep.
	ListExpiredClassrooms(ctx context.Context, cutoff time.Time) ([]shared.ClassroomID, error)

	// PurgeSubject deletes every event matching any of the hashes from
	// both the live store and the archive. The result lists the classrooms
	// whose live events were touched.
	PurgeSubject(ctx context.Context, hashes []shared.AnonymousHash) (*PurgeResult, error)
}

// LogStore persists the append-only retention audit trail.
type LogStore interface {
	// Append records one sweep outcome.
	Append(ctx context.Context, entry *LogEntry) error

	// List returns the most recent entries, newest first.
	List(ctx context.Context, limit int) ([]*LogEntry, error)
}
