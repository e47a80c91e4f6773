package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sproutly/sproutly-analytics/internal/application/ingest"
	"github.com/sproutly/sproutly-analytics/internal/domain/aggregate"
	"github.com/sproutly/sproutly-analytics/internal/domain/retention"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
	"github.com/sproutly/sproutly-analytics/pkg/logger"
)

// handleIngest accepts one uploaded batch. The whole batch is validated
// before any write; a re-delivered batch ID is a no-op success so agents
// can retry safely.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	var req ingest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ingest.ReasonValidationFailed, "malformed JSON payload")
		return
	}

	result, err := s.deps.Ingest.Ingest(r.Context(), &req)
	if err != nil {
		s.writeIngestError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// writeIngestError maps an ingestion failure to a status code and a
// machine-readable reason.
func (s *Server) writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	var rej *ingest.Rejection
	if errors.As(err, &rej) {
		status := http.StatusBadRequest
		switch rej.Reason {
		case ingest.ReasonPIIDetected:
			status = http.StatusUnprocessableEntity
		case ingest.ReasonUnauthorized:
			status = http.StatusUnauthorized
		}
		writeError(w, status, rej.Reason, rej.Detail)
		return
	}

	s.log.Error("ingestion failed",
		logger.Err(err),
		logger.String("request_id", getRequestID(r.Context())),
	)
	writeError(w, http.StatusServiceUnavailable, "store_unavailable", "durable store rejected the batch, retry later")
}

// handleGetAggregate serves one rollup window, computing and caching it on
// a miss. force_refresh=true bypasses the cache.
func (s *Server) handleGetAggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	key := aggregate.Key{
		ClassroomID: shared.ClassroomID(q.Get("classroom_id")),
		Category:    shared.Category(q.Get("category")),
		Level:       aggregate.Level(q.Get("level")),
		Bucket:      q.Get("bucket"),
	}
	if key.Level == "" {
		key.Level = aggregate.LevelDaily
	}

	forceRefresh := q.Get("force_refresh") == "true"

	window, err := s.deps.Query.GetOrCompute(r.Context(), key, forceRefresh)
	if err != nil {
		if shared.IsValidation(err) {
			writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
			return
		}
		s.log.Error("aggregate query failed",
			logger.Err(err),
			logger.ClassroomID(key.ClassroomID.String()),
			logger.String("request_id", getRequestID(r.Context())),
		)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "rollup could not be computed")
		return
	}

	writeJSON(w, http.StatusOK, window)
}

// handleSweep runs one retention sweep and reports what moved. An optional
// policy_days query parameter overrides the configured horizon for this run.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	run := s.deps.Retention.RunSweep
	if raw := r.URL.Query().Get("policy_days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_query", "policy_days must be a positive integer")
			return
		}
		run = func(ctx context.Context) (*retention.SweepSummary, error) {
			return s.deps.Retention.RunSweepWithPolicyDays(ctx, days)
		}
	}

	summary, err := run(r.Context())
	if err != nil {
		s.log.Error("retention sweep failed",
			logger.Err(err),
			logger.String("request_id", getRequestID(r.Context())),
		)
		writeError(w, http.StatusInternalServerError, "sweep_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleRetentionLog returns recent sweep audit entries, newest first.
func (s *Server) handleRetentionLog(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_query", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.deps.Retention.History(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "log_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// purgeRequest asks for every trace of one subject to be removed. Exactly
// one of the two fields is set: the raw identifier when the request comes
// through the school, or precomputed hashes when it comes from a device.
type purgeRequest struct {
	SubjectIdentifier string   `json:"subject_identifier,omitempty"`
	SubjectHashes     []string `json:"subject_hashes,omitempty"`
}

// handlePurge removes a subject's events from the live store and the
// archive after consent withdrawal.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON payload")
		return
	}

	switch {
	case req.SubjectIdentifier != "" && len(req.SubjectHashes) > 0:
		writeError(w, http.StatusBadRequest, "invalid_request", "provide either subject_identifier or subject_hashes, not both")
		return

	case req.SubjectIdentifier != "":
		result, err := s.deps.Retention.PurgeSubject(r.Context(), req.SubjectIdentifier)
		s.writePurgeResult(w, r, result, err)

	case len(req.SubjectHashes) > 0:
		hashes := make([]shared.AnonymousHash, len(req.SubjectHashes))
		for i, h := range req.SubjectHashes {
			hashes[i] = shared.AnonymousHash(h)
		}
		result, err := s.deps.Retention.PurgeHashes(r.Context(), hashes)
		s.writePurgeResult(w, r, result, err)

	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "subject_identifier or subject_hashes required")
	}
}

func (s *Server) writePurgeResult(w http.ResponseWriter, r *http.Request, result interface{}, err error) {
	if err != nil {
		if shared.IsValidation(err) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		s.log.Error("consent purge failed",
			logger.Err(err),
			logger.String("request_id", getRequestID(r.Context())),
		)
		writeError(w, http.StatusInternalServerError, "purge_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// healthResponse reports per-dependency health.
type healthResponse struct {
	Status   string            `json:"status"`
	Uptime   string            `json:"uptime"`
	Services map[string]string `json:"services"`
}

// handleHealth probes the backing stores. Degraded Redis still reports 200:
// the cache is derived data and the endpoint can ingest without it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithProbeTimeout(r)
	defer cancel()

	services := make(map[string]string, 2)
	status := "healthy"
	httpStatus := http.StatusOK

	if s.deps.Postgres != nil {
		if err := s.deps.Postgres.Ping(ctx); err != nil {
			services["postgres"] = "unhealthy: " + err.Error()
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			services["postgres"] = "healthy"
		}
	}

	if s.deps.Redis != nil {
		if err := s.deps.Redis.Ping(ctx); err != nil {
			services["redis"] = "degraded: " + err.Error()
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			services["redis"] = "healthy"
		}
	}

	writeJSON(w, httpStatus, healthResponse{
		Status:   status,
		Uptime:   s.Uptime().String(),
		Services: services,
	})
}

// handleLive is the liveness probe: the process is up and serving.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func contextWithProbeTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 2*time.Second)
}
