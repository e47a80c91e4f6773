package sqlite

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sproutly/sproutly-analytics/internal/domain/identity"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
)

// SaltStore implements identity.SaltStore on the agent database.
type SaltStore struct {
	db *gorm.DB
}

// NewSaltStore creates a SaltStore.
func NewSaltStore(db *gorm.DB) *SaltStore {
	return &SaltStore{db: db}
}

var _ identity.SaltStore = (*SaltStore)(nil)

// GetOrCreate returns the salt for day, inserting the candidate when the
// day has none. The insert ignores conflicts on the day key, so concurrent
// creators converge on whichever row landed first.
func (s *SaltStore) GetOrCreate(ctx context.Context, day string, candidate []byte) (*identity.SaltRecord, error) {
	rec := SaltRecord{
		SaltDate:  day,
		SaltValue: candidate,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return nil, shared.WrapError("identity", "GetOrCreate", shared.ErrInvalidState, "salt insert failed", err)
	}
	return s.Get(ctx, day)
}

// Get returns the salt for day, or SaltUnavailable when it was purged or
// never created.
func (s *SaltStore) Get(ctx context.Context, day string) (*identity.SaltRecord, error) {
	var rec SaltRecord
	err := s.db.WithContext(ctx).Where("salt_date = ?", day).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrSaltNotFound
		}
		return nil, shared.WrapError("identity", "Get", shared.ErrInvalidState, "salt query failed", err)
	}
	return rec.toEntity(), nil
}

// ListDays returns the day keys of all retained salts, oldest first.
func (s *SaltStore) ListDays(ctx context.Context) ([]string, error) {
	var days []string
	err := s.db.WithContext(ctx).
		Model(&SaltRecord{}).
		Order("salt_date asc").
		Pluck("salt_date", &days).Error
	if err != nil {
		return nil, shared.WrapError("identity", "ListDays", shared.ErrInvalidState, "salt query failed", err)
	}
	return days, nil
}

// DeleteOlderThan removes salts for days strictly before cutoffDay. Every
// hash derived from a deleted salt becomes permanently unrecoverable.
func (s *SaltStore) DeleteOlderThan(ctx context.Context, cutoffDay string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("salt_date < ?", cutoffDay).
		Delete(&SaltRecord{})
	if res.Error != nil {
		return 0, shared.WrapError("identity", "DeleteOlderThan", shared.ErrInvalidState, "salt delete failed", res.Error)
	}
	return res.RowsAffected, nil
}
