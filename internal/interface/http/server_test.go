package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sproutly/sproutly-analytics/internal/application/ingest"
	"github.com/sproutly/sproutly-analytics/internal/application/query"
	appretention "github.com/sproutly/sproutly-analytics/internal/application/retention"
	"github.com/sproutly/sproutly-analytics/internal/domain/aggregate"
	"github.com/sproutly/sproutly-analytics/internal/domain/event"
	"github.com/sproutly/sproutly-analytics/internal/domain/identity"
	"github.com/sproutly/sproutly-analytics/internal/domain/retention"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
	"github.com/sproutly/sproutly-analytics/internal/privacy"
	"github.com/sproutly/sproutly-analytics/pkg/logger"
)

type memoryServerStore struct {
	events map[string]*event.InteractionEvent
}

func newMemoryServerStore() *memoryServerStore {
	return &memoryServerStore{events: make(map[string]*event.InteractionEvent)}
}

func (s *memoryServerStore) SaveAll(_ context.Context, events []*event.InteractionEvent) (int64, error) {
	var inserted int64
	for _, e := range events {
		if _, ok := s.events[e.EventID]; ok {
			continue
		}
		s.events[e.EventID] = e
		inserted++
	}
	return inserted, nil
}

type memoryRegistry struct {
	completed map[string]bool
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{completed: make(map[string]bool)}
}

func (r *memoryRegistry) IsCompleted(_ context.Context, batchID string) (bool, error) {
	return r.completed[batchID], nil
}

func (r *memoryRegistry) MarkCompleted(_ context.Context, batchID, _ string, _ int, _ time.Time) error {
	r.completed[batchID] = true
	return nil
}

type memoryCache struct {
	windows map[string]*aggregate.Window
}

func newMemoryCache() *memoryCache {
	return &memoryCache{windows: make(map[string]*aggregate.Window)}
}

func (c *memoryCache) Get(_ context.Context, key aggregate.Key) (*aggregate.Window, error) {
	w, ok := c.windows[key.CacheKey()]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return w, nil
}

func (c *memoryCache) Put(_ context.Context, w *aggregate.Window) error {
	c.windows[w.Key.CacheKey()] = w
	return nil
}

func (c *memoryCache) Invalidate(_ context.Context, classroomID shared.ClassroomID) error {
	for k, w := range c.windows {
		if w.Key.ClassroomID == classroomID {
			delete(c.windows, k)
		}
	}
	return nil
}

// sweepArchiver serves the retention handler tests: a flat set of live rows
// keyed by ID, all in one classroom.
type sweepArchiver struct {
	live     map[string]time.Time
	archived int
}

func newSweepArchiver() *sweepArchiver {
	return &sweepArchiver{live: make(map[string]time.Time)}
}

func (a *sweepArchiver) CountExpired(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for _, at := range a.live {
		if at.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (a *sweepArchiver) ArchiveExpiredChunk(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	var moved int64
	for id, at := range a.live {
		if moved >= int64(limit) {
			break
		}
		if at.Before(cutoff) {
			delete(a.live, id)
			a.archived++
			moved++
		}
	}
	return moved, nil
}

func (a *sweepArchiver) ListExpiredClassrooms(_ context.Context, cutoff time.Time) ([]shared.ClassroomID, error) {
	for _, at := range a.live {
		if at.Before(cutoff) {
			return []shared.ClassroomID{"room-7"}, nil
		}
	}
	return nil, nil
}

func (a *sweepArchiver) PurgeSubject(_ context.Context, _ []shared.AnonymousHash) (*retention.PurgeResult, error) {
	return &retention.PurgeResult{FullyPurged: true}, nil
}

type noopLogStore struct{}

func (noopLogStore) Append(_ context.Context, _ *retention.LogEntry) error { return nil }
func (noopLogStore) List(_ context.Context, _ int) ([]*retention.LogEntry, error) {
	return nil, nil
}

type noopSaltStore struct{}

func (noopSaltStore) GetOrCreate(_ context.Context, day string, candidate []byte) (*identity.SaltRecord, error) {
	return &identity.SaltRecord{SaltDate: day, SaltValue: candidate, IsActive: true}, nil
}
func (noopSaltStore) Get(_ context.Context, _ string) (*identity.SaltRecord, error) {
	return nil, shared.ErrSaltNotFound
}
func (noopSaltStore) ListDays(_ context.Context) ([]string, error) { return nil, nil }
func (noopSaltStore) DeleteOlderThan(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

type staticSource struct {
	rollup aggregate.Rollup
}

func (s *staticSource) Compute(_ context.Context, _ aggregate.Key, _, _ time.Time) (*aggregate.Rollup, error) {
	r := s.rollup
	return &r, nil
}

func testServer(t *testing.T, cfg Config) (*Server, *memoryServerStore, *memoryRegistry) {
	t.Helper()

	log := logger.New(logger.Options{Output: io.Discard, Level: logger.LevelError})
	store := newMemoryServerStore()
	registry := newMemoryRegistry()
	cache := newMemoryCache()

	ingestSvc := ingest.NewService(store, registry, cache, privacy.NewScanner(), privacy.DefaultAllowList(), log)
	querySvc := query.NewService(cache, &staticSource{rollup: aggregate.Rollup{EventCount: 3, ScoreSum: 12, AverageScore: 4}}, log, time.Hour)

	srv := NewServer(cfg, Dependencies{
		Ingest: ingestSvc,
		Query:  querySvc,
		Logger: log,
	})
	return srv, store, registry
}

func testServerWithRetention(t *testing.T, cfg Config, archiver *sweepArchiver) *Server {
	t.Helper()

	log := logger.New(logger.Options{Output: io.Discard, Level: logger.LevelError})
	salts := noopSaltStore{}
	engine := appretention.NewEngine(archiver, noopLogStore{}, salts, privacy.NewAnonymizer(salts), newMemoryCache(), log, retention.DefaultPolicy())

	ingestSvc := ingest.NewService(newMemoryServerStore(), newMemoryRegistry(), newMemoryCache(), privacy.NewScanner(), privacy.DefaultAllowList(), log)
	querySvc := query.NewService(newMemoryCache(), &staticSource{}, log, time.Hour)

	return NewServer(cfg, Dependencies{
		Ingest:    ingestSvc,
		Query:     querySvc,
		Retention: engine,
		Logger:    log,
	})
}

func validHash(b byte) string {
	return fmt.Sprintf("%064x", b)
}

func uploadBody(batchID string) []byte {
	req := ingest.Request{
		BatchID:     batchID,
		ClassroomID: "room-7",
		Events: []ingest.EventInput{
			{
				EventID:         "evt-" + batchID,
				SubjectHash:     validHash(1),
				ClassroomID:     "room-7",
				Category:        "communication",
				InteractionType: "peer_help",
				Score:           4,
				OccurredAt:      time.Now().UTC(),
			},
		},
	}
	body, _ := json.Marshal(req)
	return body
}

func TestIngestEndpointAcceptsBatch(t *testing.T) {
	srv, store, registry := testServer(t, DefaultConfig())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(uploadBody("b1")))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var result ingest.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "b1", result.BatchID)
	assert.Equal(t, int64(1), result.Inserted)
	assert.False(t, result.Duplicate)

	assert.Len(t, store.events, 1)
	assert.True(t, registry.completed["b1"])
}

func TestIngestEndpointDuplicateBatchIsNoOp(t *testing.T) {
	srv, store, _ := testServer(t, DefaultConfig())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(uploadBody("b1")))
		srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Len(t, store.events, 1)
}

func TestIngestEndpointRejectsBadScore(t *testing.T) {
	srv, store, _ := testServer(t, DefaultConfig())

	req := ingest.Request{
		BatchID:     "b2",
		ClassroomID: "room-7",
		Events: []ingest.EventInput{
			{
				EventID:         "evt-1",
				SubjectHash:     validHash(2),
				ClassroomID:     "room-7",
				Category:        "communication",
				InteractionType: "peer_help",
				Score:           9,
				OccurredAt:      time.Now().UTC(),
			},
		},
	}
	body, _ := json.Marshal(req)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body)))

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, ingest.ReasonValidationFailed, errResp.Reason)
	assert.Empty(t, store.events)
}

func TestIngestEndpointRejectsPII(t *testing.T) {
	srv, _, _ := testServer(t, DefaultConfig())

	req := ingest.Request{
		BatchID:     "b3",
		ClassroomID: "room-7",
		Events: []ingest.EventInput{
			{
				EventID:         "evt-1",
				SubjectHash:     validHash(3),
				ClassroomID:     "room-7",
				Category:        "communication",
				InteractionType: "peer_help",
				Score:           4,
				Metadata:        map[string]string{"prompt_id": "mail me at kid@example.com"},
				OccurredAt:      time.Now().UTC(),
			},
		},
	}
	body, _ := json.Marshal(req)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body)))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var errResp errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, ingest.ReasonPIIDetected, errResp.Reason)
}

func TestIngestEndpointRequiresAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKeys = []string{"device-key"}
	srv, _, _ := testServer(t, cfg)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(uploadBody("b1"))))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(uploadBody("b1")))
	req.Header.Set("Authorization", "Bearer device-key")
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRoutesRequireAdminKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdminKeys = []string{"admin-key"}
	srv, _, _ := testServer(t, cfg)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/retention/sweep", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/retention/log", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAggregateEndpointServesWindow(t *testing.T) {
	srv, _, _ := testServer(t, DefaultConfig())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/aggregates?classroom_id=room-7&category=communication&level=daily&bucket=2026-03-14", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var window aggregate.Window
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &window))
	assert.Equal(t, int64(3), window.Payload.EventCount)
	assert.Equal(t, aggregate.StatusActive, window.Status)
}

func TestAggregateEndpointRejectsIncompleteKey(t *testing.T) {
	srv, _, _ := testServer(t, DefaultConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/aggregates?classroom_id=room-7", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "invalid_query", errResp.Reason)
}

func TestSweepEndpointHonorsPolicyDaysOverride(t *testing.T) {
	archiver := newSweepArchiver()
	now := time.Now().UTC()
	archiver.live["evt-old"] = now.AddDate(0, 0, -50)
	archiver.live["evt-new"] = now.AddDate(0, 0, -10)
	srv := testServerWithRetention(t, DefaultConfig(), archiver)

	// The stock 90-day horizon touches nothing.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/retention/sweep", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, archiver.archived)

	// A 30-day override catches the 50-day-old row and spares the fresh one.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/retention/sweep?policy_days=30", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var summary retention.SweepSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 30, summary.PolicyDays)
	assert.Equal(t, int64(1), summary.RecordsArchived)
	assert.Equal(t, 1, archiver.archived)
	assert.Len(t, archiver.live, 1)
}

func TestSweepEndpointRejectsBadPolicyDays(t *testing.T) {
	srv := testServerWithRetention(t, DefaultConfig(), newSweepArchiver())

	for _, raw := range []string{"abc", "0", "-5"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/retention/sweep?policy_days="+raw, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var errResp errorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
		assert.Equal(t, "invalid_query", errResp.Reason)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := testServer(t, DefaultConfig())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
}
