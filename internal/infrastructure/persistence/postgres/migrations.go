package postgres

const migration001Up = `
-- Migration: Create interaction events and their archive
-- Version: 001

CREATE TABLE IF NOT EXISTS interaction_events (
    event_id UUID PRIMARY KEY,
    subject_hash CHAR(64) NOT NULL,
    classroom_id VARCHAR(64) NOT NULL,
    lesson_id VARCHAR(64) NOT NULL DEFAULT '',
    category VARCHAR(16) NOT NULL,
    interaction_type VARCHAR(64) NOT NULL,
    score SMALLINT NOT NULL,
    metadata JSONB,
    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
    ingested_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_category CHECK (category IN ('empathy', 'confidence', 'communication', 'leadership')),
    CONSTRAINT valid_score CHECK (score BETWEEN 1 AND 5),
    CONSTRAINT valid_subject_hash CHECK (subject_hash ~ '^[0-9a-f]{64}$')
);

CREATE INDEX IF NOT EXISTS idx_events_subject_hash ON interaction_events(subject_hash);
CREATE INDEX IF NOT EXISTS idx_events_occurred_at ON interaction_events(occurred_at);
CREATE INDEX IF NOT EXISTS idx_events_classroom_category_time ON interaction_events(classroom_id, category, occurred_at);

-- Archive mirrors the live table; rows move here before deletion.
CREATE TABLE IF NOT EXISTS interaction_events_archive (
    event_id UUID PRIMARY KEY,
    subject_hash CHAR(64) NOT NULL,
    classroom_id VARCHAR(64) NOT NULL,
    lesson_id VARCHAR(64) NOT NULL DEFAULT '',
    category VARCHAR(16) NOT NULL,
    interaction_type VARCHAR(64) NOT NULL,
    score SMALLINT NOT NULL,
    metadata JSONB,
    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
    ingested_at TIMESTAMP WITH TIME ZONE NOT NULL,
    archived_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_archive_subject_hash ON interaction_events_archive(subject_hash);
CREATE INDEX IF NOT EXISTS idx_archive_occurred_at ON interaction_events_archive(occurred_at);
`

const migration001Down = `
DROP TABLE IF EXISTS interaction_events_archive;
DROP TABLE IF EXISTS interaction_events;
`

const migration002Up = `
-- Migration: Create daily anonymization salts
-- Version: 002

CREATE TABLE IF NOT EXISTS anonymous_salts (
    salt_date DATE PRIMARY KEY,
    salt_value BYTEA NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_salt_length CHECK (octet_length(salt_value) = 32)
);
`

const migration002Down = `
DROP TABLE IF EXISTS anonymous_salts;
`

const migration003Up = `
-- Migration: Create completed-batch registry and retention audit log
-- Version: 003

-- Batch IDs already ingested; re-delivery of a listed ID is a no-op.
CREATE TABLE IF NOT EXISTS completed_batches (
    batch_id UUID PRIMARY KEY,
    classroom_id VARCHAR(64) NOT NULL,
    event_count INTEGER NOT NULL,
    completed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_completed_batches_completed_at ON completed_batches(completed_at);

-- Append-only audit trail of retention sweeps.
CREATE TABLE IF NOT EXISTS retention_log (
    id BIGSERIAL PRIMARY KEY,
    table_name VARCHAR(64) NOT NULL,
    policy_days INTEGER NOT NULL,
    records_archived BIGINT NOT NULL,
    records_deleted BIGINT NOT NULL,
    executed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    duration_ms BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_retention_log_executed_at ON retention_log(executed_at DESC);
`

const migration003Down = `
DROP TABLE IF EXISTS retention_log;
DROP TABLE IF EXISTS completed_batches;
`

// GetMigrations returns all migrations in version order.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_events_and_archive", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_anonymous_salts", UpSQL: migration002Up, DownSQL: migration002Down},
		{Version: 3, Name: "create_batch_registry_and_retention_log", UpSQL: migration003Up, DownSQL: migration003Down},
	}
}
