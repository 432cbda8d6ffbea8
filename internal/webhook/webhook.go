package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/asdrubalvelazquez/cloud-aggregator/internal/config"
)

// Event is the envelope posted to the dashboard callback.
type Event struct {
	ID        string      `json:"id"`
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Service delivers job lifecycle events to the dashboard callback URL.
// Delivery is best effort: the orchestrator never blocks or fails on a
// dashboard outage, it just logs and moves on.
type Service struct {
	client *http.Client
	url    string
	secret string

	retryDelays []time.Duration
}

// NewService creates a new webhook service. A service with an empty URL is
// valid and drops every event.
func NewService(cfg config.WebhookConfig) *Service {
	return &Service{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		url:    cfg.URL,
		secret: cfg.Secret,
		retryDelays: []time.Duration{
			1 * time.Second,
			5 * time.Second,
			15 * time.Second,
		},
	}
}

// Notify sends an event to the dashboard, retrying transient failures with
// backoff before giving up.
func (s *Service) Notify(ctx context.Context, event string, data interface{}) error {
	if s.url == "" {
		return nil
	}

	payload := Event{
		ID:        uuid.New().String(),
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(s.retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelays[attempt-1]):
			}
		}

		status, err := s.deliver(ctx, payload.ID, event, payloadBytes)
		if err == nil {
			return nil
		}
		lastErr = err

		// 4xx responses are permanent: the dashboard rejected the event
		// and a retry with the same body cannot succeed.
		if status >= 400 && status < 500 {
			break
		}
	}

	log.Warn().Str("event", event).Str("delivery_id", payload.ID).Err(lastErr).
		Msg("Webhook delivery failed")
	return fmt.Errorf("failed to deliver webhook: %w", lastErr)
}

// deliver performs one signed POST and reports the response status.
func (s *Service) deliver(ctx context.Context, deliveryID, event string, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", s.url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Aggregator-Webhook/1.0")
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Delivery", deliveryID)

	if s.secret != "" {
		req.Header.Set("X-Webhook-Signature", s.generateSignature(payload))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, fmt.Errorf("dashboard returned %d: %s", resp.StatusCode, body)
}

// generateSignature generates the HMAC-SHA256 signature for a payload
func (s *Service) generateSignature(payload []byte) string {
	h := hmac.New(sha256.New, []byte(s.secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a received signature against a payload. Exposed
// for dashboard-side consumers and tests.
func VerifySignature(payload []byte, secret, signature string) bool {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	expected := "sha256=" + hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
