// Package deviceapi is the loopback HTTP surface a classroom agent exposes
// to the UI running on the same device. Raw identifiers cross this boundary
// once, get hashed inside the capture service, and never leave the process.
package deviceapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sproutly/sproutly-analytics/internal/application/capture"
	"github.com/sproutly/sproutly-analytics/internal/application/syncer"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
	"github.com/sproutly/sproutly-analytics/pkg/logger"
)

// DefaultAddress binds the API to loopback only. The raw identifiers in
// capture requests must not be reachable from the network.
const DefaultAddress = "127.0.0.1:7341"

const maxCaptureBody = 64 << 10

// API serves capture and sync-status requests from the local UI.
type API struct {
	capture  *capture.Service
	agent    *syncer.Agent
	log      *logger.Logger
	server   *http.Server
	classrID shared.ClassroomID
}

// New wires the device API. classroomID is stamped onto every captured
// event; the UI never supplies it.
func New(captureSvc *capture.Service, agent *syncer.Agent, classroomID shared.ClassroomID, addr string, log *logger.Logger) *API {
	if addr == "" {
		addr = DefaultAddress
	}

	a := &API{
		capture:  captureSvc,
		agent:    agent,
		log:      log,
		classrID: classroomID,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", a.handleCapture)
	mux.HandleFunc("GET /v1/status", a.handleStatus)
	mux.HandleFunc("GET /health", a.handleHealth)

	a.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return a
}

// Handler returns the API handler, used by tests.
func (a *API) Handler() http.Handler {
	return a.server.Handler
}

// Start blocks serving the API until Shutdown or a listener error.
func (a *API) Start() error {
	a.log.Info("device API listening", logger.String("address", a.server.Addr))
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartAsync starts the API in a goroutine.
func (a *API) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Start()
	}()
	return errCh
}

// Shutdown stops the API gracefully.
func (a *API) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

// captureRequest is what the classroom UI posts for one interaction. The
// subject identifier is raw here and nowhere else.
type captureRequest struct {
	SubjectIdentifier string            `json:"subject_identifier"`
	LessonID          string            `json:"lesson_id"`
	Category          string            `json:"category"`
	InteractionType   string            `json:"interaction_type"`
	Score             int               `json:"score"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	OccurredAt        time.Time         `json:"occurred_at,omitempty"`
}

type captureResponse struct {
	EventID     string `json:"event_id"`
	SubjectHash string `json:"subject_hash"`
	CapturedAt  string `json:"captured_at"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (a *API) handleCapture(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCaptureBody)

	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_body", Detail: err.Error()})
		return
	}

	evt, err := a.capture.Capture(r.Context(), capture.Input{
		SubjectIdentifier: req.SubjectIdentifier,
		ClassroomID:       a.classrID,
		LessonID:          shared.LessonID(req.LessonID),
		Category:          req.Category,
		InteractionType:   req.InteractionType,
		Score:             req.Score,
		Metadata:          req.Metadata,
		OccurredAt:        req.OccurredAt,
	})
	if err != nil {
		a.writeCaptureError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, captureResponse{
		EventID:     evt.EventID,
		SubjectHash: evt.SubjectHash.String(),
		CapturedAt:  evt.OccurredAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) writeCaptureError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrPIIDetected):
		// The pattern detail names what leaked. It stays in the local log
		// and off the wire.
		a.log.Warn("capture rejected", logger.String("reason", "pii_detected"))
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "pii_detected"})
	case errors.Is(err, shared.ErrNotAllowListed):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "not_allow_listed", Detail: err.Error()})
	case shared.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation_failed", Detail: err.Error()})
	case errors.Is(err, shared.ErrCapacityExceeded):
		writeJSON(w, http.StatusInsufficientStorage, errorResponse{Error: "store_full", Detail: err.Error()})
	default:
		a.log.Error("capture failed", logger.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "capture_failed"})
	}
}

// statusResponse surfaces the sync backlog so the UI can show a
// needs-attention indicator without knowing any pipeline internals.
type statusResponse struct {
	UnsyncedEvents int64  `json:"unsynced_events"`
	FailedBatches  int    `json:"failed_batches"`
	OldestUnsynced string `json:"oldest_unsynced,omitempty"`
	NeedsAttention bool   `json:"needs_attention"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.agent.Status(r.Context())
	if err != nil {
		a.log.Error("status query failed", logger.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "status_unavailable"})
		return
	}

	resp := statusResponse{
		UnsyncedEvents: st.UnsyncedEvents,
		FailedBatches:  st.FailedBatches,
		NeedsAttention: st.NeedsAttention,
	}
	if st.OldestUnsynced != nil {
		resp.OldestUnsynced = st.OldestUnsynced.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
