// ABOUTME: Operator notification webhook for pending pairing requests
// ABOUTME: Wraps outbound calls in the circuit breaker and probes connectivity with retry

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/djtuls/openclaw-gateway/internal/breaker"
	"github.com/djtuls/openclaw-gateway/internal/retry"
)

// Event is one notification pushed to operators.
type Event struct {
	Kind      string      `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Notifier delivers operator-facing events. A nil *Webhook is a valid
// no-op Notifier, so callers never branch on configuration.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Webhook posts events as JSON to a configured endpoint. Repeated calls to
// the endpoint run through a circuit breaker so a dead operator console
// cannot stall the handshake path.
type Webhook struct {
	url     string
	client  *http.Client
	breaker *breaker.Breaker
	logger  *slog.Logger
}

// NewWebhook creates a Webhook notifier.
func NewWebhook(url string, b *breaker.Breaker, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: b,
		logger:  logger.With("component", "notify"),
	}
}

// Probe verifies the endpoint is reachable, retrying with backoff. It is
// called once at startup; failure is reported but not fatal, so the gateway
// still comes up when the operator console is down.
func (w *Webhook) Probe(ctx context.Context, connector *retry.Connector) error {
	if w == nil {
		return nil
	}
	return connector.Connect(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.url, nil)
		if err != nil {
			return err
		}
		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook probe: status %d", resp.StatusCode)
		}
		return nil
	})
}

// Notify posts one event. When the breaker is open the event is dropped
// with ErrOpen; pairing requests stay discoverable through the pending
// list, so a lost notification is not a lost request.
func (w *Webhook) Notify(ctx context.Context, event Event) error {
	if w == nil {
		return nil
	}
	return w.breaker.Do(ctx, func() error {
		body, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encoding event: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook: status %d", resp.StatusCode)
		}
		return nil
	})
}
