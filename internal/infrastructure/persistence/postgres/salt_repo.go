package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sproutly/sproutly-analytics/internal/domain/identity"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
)

// SaltRepo implements identity.SaltStore on the shared salts table. Every
// server instance reads the same rows, so hashes stay consistent across
// replicas.
type SaltRepo struct {
	conn *Connection
}

// NewSaltRepo creates a SaltRepo.
func NewSaltRepo(conn *Connection) *SaltRepo {
	return &SaltRepo{conn: conn}
}

var _ identity.SaltStore = (*SaltRepo)(nil)

// GetOrCreate returns the salt for day, inserting the candidate when absent.
// Concurrent creators race on the primary key and converge on the first row.
func (r *SaltRepo) GetOrCreate(ctx context.Context, day string, candidate []byte) (*identity.SaltRecord, error) {
	const insertSQL = `
		INSERT INTO anonymous_salts (salt_date, salt_value)
		VALUES ($1::date, $2)
		ON CONFLICT (salt_date) DO NOTHING
	`
	if _, err := r.conn.Exec(ctx, insertSQL, day, candidate); err != nil {
		return nil, shared.WrapError("identity", "GetOrCreate", shared.ErrInvalidState, "salt insert failed", err)
	}
	return r.Get(ctx, day)
}

// Get returns the salt for day, or SaltUnavailable when purged or missing.
func (r *SaltRepo) Get(ctx context.Context, day string) (*identity.SaltRecord, error) {
	const selectSQL = `
		SELECT salt_date, salt_value, is_active, created_at
		FROM anonymous_salts
		WHERE salt_date = $1::date
	`
	var (
		saltDate time.Time
		rec      identity.SaltRecord
	)
	err := r.conn.QueryRow(ctx, selectSQL, day).Scan(&saltDate, &rec.SaltValue, &rec.IsActive, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrSaltNotFound
		}
		return nil, shared.WrapError("identity", "Get", shared.ErrInvalidState, "salt query failed", err)
	}
	rec.SaltDate = saltDate.Format("2006-01-02")
	return &rec, nil
}

// ListDays returns the day keys of all retained salts, oldest first.
func (r *SaltRepo) ListDays(ctx context.Context) ([]string, error) {
	const listSQL = `SELECT salt_date FROM anonymous_salts ORDER BY salt_date`
	rows, err := r.conn.Query(ctx, listSQL)
	if err != nil {
		return nil, shared.WrapError("identity", "ListDays", shared.ErrInvalidState, "salt query failed", err)
	}
	defer rows.Close()

	var days []string
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, shared.WrapError("identity", "ListDays", shared.ErrInvalidState, "salt scan failed", err)
		}
		days = append(days, d.Format("2006-01-02"))
	}
	return days, rows.Err()
}

// DeleteOlderThan removes salts for days strictly before cutoffDay.
func (r *SaltRepo) DeleteOlderThan(ctx context.Context, cutoffDay string) (int64, error) {
	const deleteSQL = `DELETE FROM anonymous_salts WHERE salt_date < $1::date`
	tag, err := r.conn.Exec(ctx, deleteSQL, cutoffDay)
	if err != nil {
		return 0, shared.WrapError("identity", "DeleteOlderThan", shared.ErrInvalidState, "salt delete failed", err)
	}
	return tag.RowsAffected(), nil
}
