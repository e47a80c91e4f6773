package capture

import (
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sproutly/sproutly-analytics/internal/domain/event"
	"github.com/sproutly/sproutly-analytics/internal/domain/identity"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
	"github.com/sproutly/sproutly-analytics/internal/privacy"
	"github.com/sproutly/sproutly-analytics/pkg/logger"
)

// memoryEventStore is an in-memory event.LocalStore for tests.
type memoryEventStore struct {
	mu     sync.Mutex
	events map[string]*event.InteractionEvent
}

func newMemoryEventStore() *memoryEventStore {
	return &memoryEventStore{events: make(map[string]*event.InteractionEvent)}
}

func (s *memoryEventStore) Append(_ context.Context, e *event.InteractionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.EventID]; ok {
		return shared.ErrEventAlreadyExists
	}
	cp := *e
	s.events[e.EventID] = &cp
	return nil
}

func (s *memoryEventStore) ListPending(_ context.Context, limit int) ([]*event.InteractionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*event.InteractionEvent
	for _, e := range s.events {
		if e.SyncState == event.StateCaptured {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].OccurredAt.Before(pending[j].OccurredAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *memoryEventStore) GetByIDs(_ context.Context, eventIDs []string) ([]*event.InteractionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*event.InteractionEvent
	for _, id := range eventIDs {
		if e, ok := s.events[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memoryEventStore) MarkState(_ context.Context, eventIDs []string, state event.SyncState, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range eventIDs {
		e, ok := s.events[id]
		if !ok {
			return shared.ErrEventNotFound
		}
		if err := e.Transition(state, at); err != nil {
			return err
		}
	}
	return nil
}

func (s *memoryEventStore) CountUnsynced(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.events {
		if e.SyncState != event.StateSynced {
			n++
		}
	}
	return n, nil
}

func (s *memoryEventStore) DropOldestUnsynced(_ context.Context, n int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var unsynced []*event.InteractionEvent
	for _, e := range s.events {
		if e.SyncState != event.StateSynced {
			unsynced = append(unsynced, e)
		}
	}
	sort.Slice(unsynced, func(i, j int) bool {
		return unsynced[i].OccurredAt.Before(unsynced[j].OccurredAt)
	})
	var dropped int64
	for i := 0; i < n && i < len(unsynced); i++ {
		delete(s.events, unsynced[i].EventID)
		dropped++
	}
	return dropped, nil
}

func (s *memoryEventStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, e := range s.events {
		if e.SyncState == event.StateSynced && e.OccurredAt.Before(cutoff) {
			delete(s.events, id)
			deleted++
		}
	}
	return deleted, nil
}

// memorySaltStore mirrors the anonymizer test fake.
type memorySaltStore struct {
	mu    sync.Mutex
	salts map[string][]byte
}

func newMemorySaltStore() *memorySaltStore {
	return &memorySaltStore{salts: make(map[string][]byte)}
}

func (s *memorySaltStore) GetOrCreate(_ context.Context, day string, candidate []byte) (*identity.SaltRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.salts[day]; ok {
		return &identity.SaltRecord{SaltDate: day, SaltValue: v, IsActive: true}, nil
	}
	s.salts[day] = candidate
	return &identity.SaltRecord{SaltDate: day, SaltValue: candidate, IsActive: true}, nil
}

func (s *memorySaltStore) Get(_ context.Context, day string) (*identity.SaltRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.salts[day]
	if !ok {
		return nil, shared.ErrSaltNotFound
	}
	return &identity.SaltRecord{SaltDate: day, SaltValue: v, IsActive: true}, nil
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

func newTestService(store event.LocalStore, maxUnsynced int64) *Service {
	log := logger.New(logger.Options{Output: io.Discard, Level: logger.LevelError})
	return NewService(
		store,
		privacy.NewAnonymizer(newMemorySaltStore()),
		privacy.NewScanner(),
		privacy.DefaultAllowList(),
		log,
		maxUnsynced,
	)
}

func validInput() Input {
	return Input{
		SubjectIdentifier: "student-42",
		ClassroomID:       "class-7b",
		LessonID:          "lesson-empathy-3",
		Category:          "empathy",
		InteractionType:   "peer_help",
		Score:             4,
		Metadata:          map[string]string{"group_size": "4"},
		OccurredAt:        time.Now().UTC().Add(-time.Minute),
	}
}

func TestCaptureStoresAnonymizedEvent(t *testing.T) {
	store := newMemoryEventStore()
	svc := newTestService(store, 0)

	e, err := svc.Capture(context.Background(), validInput())
	require.NoError(t, err)

	assert.True(t, e.SubjectHash.IsValid())
	assert.NotContains(t, e.SubjectHash.String(), "student-42")
	assert.Equal(t, event.StateCaptured, e.SyncState)
	assert.Equal(t, shared.CategoryEmpathy, e.Category)

	count, err := store.CountUnsynced(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCaptureSameSubjectSameDaySameHash(t *testing.T) {
	svc := newTestService(newMemoryEventStore(), 0)

	e1, err := svc.Capture(context.Background(), validInput())
	require.NoError(t, err)
	e2, err := svc.Capture(context.Background(), validInput())
	require.NoError(t, err)

	assert.Equal(t, e1.SubjectHash, e2.SubjectHash)
	assert.NotEqual(t, e1.EventID, e2.EventID)
}

func TestCaptureRejectsOffListInteractionType(t *testing.T) {
	store := newMemoryEventStore()
	svc := newTestService(store, 0)

	in := validInput()
	in.InteractionType = "free_text_note"
	_, err := svc.Capture(context.Background(), in)
	assert.ErrorIs(t, err, shared.ErrNotAllowListed)

	count, _ := store.CountUnsynced(context.Background())
	assert.Zero(t, count)
}

func TestCaptureRejectsPIIMetadataBeforeWrite(t *testing.T) {
	store := newMemoryEventStore()
	svc := newTestService(store, 0)

	in := validInput()
	in.Metadata = map[string]string{"prompt_id": "email jane.doe@example.com"}
	_, err := svc.Capture(context.Background(), in)
	assert.ErrorIs(t, err, shared.ErrPIIDetected)

	count, _ := store.CountUnsynced(context.Background())
	assert.Zero(t, count)
}

func TestCaptureRejectsOffListMetadataKeys(t *testing.T) {
	svc := newTestService(newMemoryEventStore(), 0)

	in := validInput()
	in.Metadata = map[string]string{"student_name": "x"}
	_, err := svc.Capture(context.Background(), in)
	assert.ErrorIs(t, err, shared.ErrNotAllowListed)
}

func TestCaptureRejectsInvalidCategoryAndScore(t *testing.T) {
	svc := newTestService(newMemoryEventStore(), 0)

	in := validInput()
	in.Category = "grit"
	_, err := svc.Capture(context.Background(), in)
	assert.ErrorIs(t, err, shared.ErrInvalidInput)

	in = validInput()
	in.Score = 6
	_, err = svc.Capture(context.Background(), in)
	assert.ErrorIs(t, err, shared.ErrValueOutOfRange)
}

func TestCaptureRejectsBackdatedEventPastSaltRetention(t *testing.T) {
	store := newMemoryEventStore()
	svc := newTestService(store, 0)

	// A device replaying an ancient occurred_at must not mint a salt for
	// that day; the event is dropped, not silently re-hashed.
	in := validInput()
	in.OccurredAt = time.Now().UTC().AddDate(0, 0, -30)
	_, err := svc.Capture(context.Background(), in)
	assert.ErrorIs(t, err, shared.ErrSaltUnavailable)

	count, _ := store.CountUnsynced(context.Background())
	assert.Zero(t, count)
}

func TestCaptureDropsOldestAtCapacity(t *testing.T) {
	store := newMemoryEventStore()
	svc := newTestService(store, 3)

	base := time.Now().UTC().Add(-time.Hour)
	var first *event.InteractionEvent
	for i := 0; i < 4; i++ {
		in := validInput()
		in.OccurredAt = base.Add(time.Duration(i) * time.Minute)
		e, err := svc.Capture(context.Background(), in)
		require.NoError(t, err)
		if i == 0 {
			first = e
		}
	}

	count, err := store.CountUnsynced(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	// The oldest event was dropped to make room.
	pending, err := store.ListPending(context.Background(), 10)
	require.NoError(t, err)
	for _, e := range pending {
		assert.NotEqual(t, first.EventID, e.EventID)
	}
}
