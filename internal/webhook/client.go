// Package webhook implements the outbound HTTP boundary used both to
// forward decoded queue payloads to a per-queue webhook and to deliver the
// finish notification on drain or explicit stop. It is the concrete stand-in
// for the abstract POST(url, json) -> {2xx | 4xx/5xx | transport-error}
// boundary the delivery loop gates on.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 10 * time.Second

// Outcome classifies the result of a Deliver call the way the delivery
// loop needs to branch on it: whether a response was received at all is
// the only distinction that matters, not its status code.
type Outcome int

const (
	// Delivered means an HTTP response was received, any status code. The
	// webhook owns semantic validation of its own response; the broker is
	// not the retry vehicle for webhook-side errors.
	Delivered Outcome = iota
	// TransportFailed means no response was received (dial, timeout, or
	// connection error) — treated as transient by the caller.
	TransportFailed
)

// Client posts JSON payloads to arbitrary webhook URLs with a bounded
// per-call timeout.
type Client struct {
	http   *http.Client
	logger *zap.Logger
}

// New returns a Client with the given per-call timeout. A zero timeout
// falls back to defaultTimeout.
func New(timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Deliver POSTs payload (already-decoded JSON, re-marshaled here so callers
// can pass map[string]any or any json.Marshaler) to url and reports whether
// a response was received.
func (c *Client) Deliver(ctx context.Context, url string, payload any) (Outcome, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return TransportFailed, 0, fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return TransportFailed, 0, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return TransportFailed, 0, fmt.Errorf("webhook: transport: %w", err)
	}
	defer resp.Body.Close()

	return Delivered, resp.StatusCode, nil
}

// FinishPayload is the body POSTed to FINISH_WEBHOOK on drain or stop.
type FinishPayload struct {
	Queue       string          `json:"queue"`
	LastMessage json.RawMessage `json:"lastMessage"`
}

// NotifyFinish fires the finish notification. It is fire-and-forget from
// the caller's point of view: failure is logged, never propagated, since
// it must never block queue removal.
func (c *Client) NotifyFinish(ctx context.Context, url, queue string, lastMessage []byte) {
	payload := FinishPayload{Queue: queue, LastMessage: json.RawMessage(lastMessage)}
	if len(lastMessage) == 0 {
		payload.LastMessage = json.RawMessage("null")
	}

	outcome, status, err := c.Deliver(ctx, url, payload)
	if err != nil {
		c.logger.Warn("webhook: finish notification failed", zap.String("queue", queue), zap.Error(err))
		return
	}
	if outcome == Delivered {
		c.logger.Info("webhook: finish notification delivered", zap.String("queue", queue), zap.Int("status", status))
	}
}
