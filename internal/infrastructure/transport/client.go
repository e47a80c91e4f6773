// Package transport implements the HTTP upload client used by the sync
// agent. It maps wire-level failures onto the shared error taxonomy so the
// sync loop can tell a rejected batch from a server that is merely down.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sproutly/sproutly-analytics/internal/application/syncer"
	"github.com/sproutly/sproutly-analytics/internal/domain/shared"
	"github.com/sproutly/sproutly-analytics/pkg/circuitbreaker"
	"github.com/sproutly/sproutly-analytics/pkg/logger"
)

// DefaultTimeout bounds one upload attempt end to end.
const DefaultTimeout = 15 * time.Second

// ingestPath is the server route batches are posted to.
const ingestPath = "/v1/batches"

// Config holds upload client configuration.
type Config struct {
	// BaseURL is the ingestion endpoint base URL, e.g. "https://ingest.example.org".
	BaseURL string

	// APIKey authenticates the classroom device. Sent as a bearer token.
	APIKey string

	// Timeout bounds a single upload attempt. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Client posts batches to the ingestion endpoint. A circuit breaker sits in
// front of the HTTP call so a dead network stops burning upload attempts.
type Client struct {
	config     Config
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	log        *logger.Logger
}

var _ syncer.Transport = (*Client)(nil)

// NewClient creates an upload client.
func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.Default()
	}
	log = log.With(logger.Component("upload-client"))

	// A rejected batch is the payload's problem, not the endpoint's health:
	// only retryable failures count toward opening the circuit.
	breaker := circuitbreaker.IngestionBreaker(func(name string, from, to circuitbreaker.State) {
		log.Warn("circuit state changed",
			logger.String("breaker", name),
			logger.String("from", from.String()),
			logger.String("to", to.String()),
		)
	}, circuitbreaker.WithIsFailure(shared.IsRetryable))

	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		log:        log,
	}
}

// rejectionBody is the machine-readable error payload the endpoint returns
// when it refuses a batch.
type rejectionBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Upload posts one batch. A nil return means the server has durably accepted
// the batch; re-delivery of the same batch ID is also a nil return.
func (c *Client) Upload(ctx context.Context, req *syncer.UploadRequest) error {
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.post(ctx, req)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return shared.WrapError("transport", "Upload", shared.ErrServerUnavailable, "circuit open", err)
	}
	return err
}

func (c *Client) post(ctx context.Context, req *syncer.UploadRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return shared.WrapError("transport", "Upload", shared.ErrInvalidInput, "marshal batch", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+ingestPath, bytes.NewReader(body))
	if err != nil {
		return shared.WrapError("transport", "Upload", shared.ErrInvalidInput, "create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return c.classifyNetworkError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return shared.WrapError("transport", "Upload", shared.ErrTransientNetwork, "read response", err)
	}

	c.log.Debug("batch posted",
		logger.BatchID(req.BatchID),
		logger.EventCount(len(req.Events)),
		logger.Int("status", resp.StatusCode),
		logger.Latency(time.Since(start)),
	)

	return c.classifyStatus(resp.StatusCode, respBody)
}

// classifyNetworkError maps transport-level failures. Timeouts and dropped
// connections are retryable.
func (c *Client) classifyNetworkError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return shared.WrapError("transport", "Upload", shared.ErrTimeout, "upload timed out", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return shared.WrapError("transport", "Upload", shared.ErrTimeout, "upload timed out", err)
	}

	return shared.WrapError("transport", "Upload", shared.ErrTransientNetwork, "upload failed", err)
}

// classifyStatus maps HTTP status codes onto the shared error taxonomy.
func (c *Client) classifyStatus(status int, body []byte) error {
	switch {
	case status == http.StatusOK || status == http.StatusAccepted:
		return nil

	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return shared.NewDomainError("transport", "Upload", shared.ErrUnauthorized,
			fmt.Sprintf("endpoint refused credentials (status %d)", status))

	case status == http.StatusTooManyRequests:
		return shared.NewDomainError("transport", "Upload", shared.ErrServerUnavailable, "endpoint throttling uploads")

	case status >= 500:
		return shared.NewDomainError("transport", "Upload", shared.ErrServerUnavailable,
			fmt.Sprintf("endpoint unavailable (status %d)", status))

	case status >= 400:
		return c.classifyRejection(status, body)

	default:
		return shared.NewDomainError("transport", "Upload", shared.ErrTransientNetwork,
			fmt.Sprintf("unexpected status %d", status))
	}
}

// classifyRejection parses the endpoint's machine-readable rejection into a
// non-retryable validation error. A batch the server refuses once will be
// refused every time.
func (c *Client) classifyRejection(status int, body []byte) error {
	var rej rejectionBody
	if err := json.Unmarshal(body, &rej); err != nil || rej.Reason == "" {
		return shared.NewDomainError("transport", "Upload", shared.ErrValidation,
			fmt.Sprintf("batch rejected (status %d)", status))
	}

	detail := rej.Detail
	if detail == "" {
		detail = rej.Error
	}

	switch rej.Reason {
	case "pii_detected":
		return shared.NewDomainError("transport", "Upload", shared.ErrPIIDetected, detail)
	case "unauthorized":
		return shared.NewDomainError("transport", "Upload", shared.ErrUnauthorized, detail)
	default:
		return shared.NewDomainError("transport", "Upload", shared.ErrValidation, detail)
	}
}

// BreakerState reports the upload breaker's current state, for diagnostics.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}
