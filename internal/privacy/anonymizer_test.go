package privacy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sproutly/sproutly-analytics/internal/domain/identity"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
	"github.com/sproutly/sproutly-analytics/pkg/timeutil"
)

// memorySaltStore is an in-memory SaltStore for tests.
type memorySaltStore struct {
	mu    sync.Mutex
	salts map[string]*identity.SaltRecord
}

func newMemorySaltStore() *memorySaltStore {
	return &memorySaltStore{salts: make(map[string]*identity.SaltRecord)}
}

func (s *memorySaltStore) GetOrCreate(_ context.Context, day string, candidate []byte) (*identity.SaltRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.salts[day]; ok {
		return rec, nil
	}
	rec := &identity.SaltRecord{
		SaltDate:  day,
		SaltValue: candidate,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	s.salts[day] = rec
	return rec, nil
}

func (s *memorySaltStore) Get(_ context.Context, day string) (*identity.SaltRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.salts[day]
	if !ok {
		return nil, shared.ErrSaltNotFound
	}
	return rec, nil
}

func (s *memorySaltStore) ListDays(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	days := make([]string, 0, len(s.salts))
	for day := range s.salts {
		days = append(days, day)
	}
	return days, nil
}

func (s *memorySaltStore) DeleteOlderThan(_ context.Context, cutoffDay string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for day := range s.salts {
		if day < cutoffDay {
			delete(s.salts, day)
			n++
		}
	}
	return n, nil
}

// anchoredAnonymizer pins the anonymizer's clock so tests with fixed
// calendar dates stay inside the salt-retention window forever.
func anchoredAnonymizer(store identity.SaltStore, at time.Time) *Anonymizer {
	anon := NewAnonymizer(store)
	anon.now = func() time.Time { return at }
	return anon
}

func TestHashDeterministicWithinDay(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	anon := anchoredAnonymizer(newMemorySaltStore(), day)

	h1, err := anon.Hash(ctx, "student-42", day)
	require.NoError(t, err)
	h2, err := anon.Hash(ctx, "student-42", day.Add(6*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.True(t, h1.IsValid())
}

func TestHashNormalizesIdentifier(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	anon := anchoredAnonymizer(newMemorySaltStore(), day)

	h1, err := anon.Hash(ctx, "Student-42", day)
	require.NoError(t, err)
	h2, err := anon.Hash(ctx, "  student-42 ", day)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestHashDiffersAcrossDays(t *testing.T) {
	ctx := context.Background()
	anon := anchoredAnonymizer(newMemorySaltStore(), time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))

	h1, err := anon.Hash(ctx, "student-42", time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	h2, err := anon.Hash(ctx, "student-42", time.Date(2026, 3, 15, 1, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestHashDiffersAcrossSubjects(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	anon := anchoredAnonymizer(newMemorySaltStore(), day)

	h1, err := anon.Hash(ctx, "student-42", day)
	require.NoError(t, err)
	h2, err := anon.Hash(ctx, "student-43", day)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestHashRejectsEmptySubject(t *testing.T) {
	ctx := context.Background()
	anon := NewAnonymizer(newMemorySaltStore())

	_, err := anon.Hash(ctx, "   ", timeutil.Now())
	assert.ErrorIs(t, err, shared.ErrEmptyValue)
}

func TestHashExistingDoesNotMintSalt(t *testing.T) {
	ctx := context.Background()
	store := newMemorySaltStore()
	anon := NewAnonymizer(store)

	_, err := anon.HashExisting(ctx, "student-42", "2020-01-01")
	assert.ErrorIs(t, err, shared.ErrSaltUnavailable)

	days, err := store.ListDays(ctx)
	require.NoError(t, err)
	assert.Empty(t, days)
}

func TestHashExistingMatchesHash(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	anon := anchoredAnonymizer(newMemorySaltStore(), day)

	h1, err := anon.Hash(ctx, "student-42", day)
	require.NoError(t, err)
	h2, err := anon.HashExisting(ctx, "student-42", timeutil.DayKey(day))
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestHashAllRetainedDays(t *testing.T) {
	ctx := context.Background()
	store := newMemorySaltStore()
	anon := anchoredAnonymizer(store, time.Date(2026, 3, 13, 12, 0, 0, 0, time.UTC))

	h1, err := anon.Hash(ctx, "student-42", time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	h2, err := anon.Hash(ctx, "student-42", time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	hashes, err := anon.HashAllRetainedDays(ctx, "student-42")
	require.NoError(t, err)
	assert.ElementsMatch(t, []shared.AnonymousHash{h1, h2}, hashes)
}

func TestHashUnrecoverableAfterSaltPurge(t *testing.T) {
	ctx := context.Background()
	store := newMemorySaltStore()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	anon := anchoredAnonymizer(store, day)

	_, err := anon.Hash(ctx, "student-42", day)
	require.NoError(t, err)

	deleted, err := store.DeleteOlderThan(ctx, "2026-03-08")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = anon.HashExisting(ctx, "student-42", timeutil.DayKey(day))
	assert.ErrorIs(t, err, shared.ErrSaltUnavailable)
}

func TestHashRefusesToMintSaltForExpiredDay(t *testing.T) {
	ctx := context.Background()
	store := newMemorySaltStore()
	day := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	anon := anchoredAnonymizer(store, day)

	_, err := anon.Hash(ctx, "student-42", day)
	require.NoError(t, err)

	_, err = store.DeleteOlderThan(ctx, "2024-01-08")
	require.NoError(t, err)

	// A week later the salt is gone. Re-hashing as of that day must fail
	// instead of minting a fresh salt and returning an unmatchable hash.
	anon.now = func() time.Time { return time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC) }

	_, err = anon.Hash(ctx, "student-42", day)
	assert.ErrorIs(t, err, shared.ErrSaltUnavailable)

	days, err := store.ListDays(ctx)
	require.NoError(t, err)
	assert.Empty(t, days)
}

func TestHashUsesSurvivingSaltForOldDay(t *testing.T) {
	ctx := context.Background()
	store := newMemorySaltStore()
	day := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	anon := anchoredAnonymizer(store, day)

	h1, err := anon.Hash(ctx, "student-42", day)
	require.NoError(t, err)

	// Cleanup has not run yet, so the old salt is still readable and the
	// hash stays deterministic.
	anon.now = func() time.Time { return time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC) }

	h2, err := anon.Hash(ctx, "student-42", day)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestNewSaltValueLengthAndUniqueness(t *testing.T) {
	s1, err := NewSaltValue()
	require.NoError(t, err)
	s2, err := NewSaltValue()
	require.NoError(t, err)

	assert.Len(t, s1, identity.SaltLength)
	assert.NotEqual(t, s1, s2)
}
