/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package webhooks delivers server events to configured HTTP endpoints.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_jukebox/internal/events"
)

// Payload is the JSON body delivered to each webhook endpoint.
type Payload struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Service mirrors bus events to configured webhook URLs. A nil *Service is
// valid and inert, so callers need no guards when no URLs are configured.
type Service struct {
	urls   []string
	secret string
	filter map[events.Kind]bool // nil means all kinds

	bus         *events.Bus
	logger      zerolog.Logger
	client      *http.Client
	unsubscribe func()
}

// NewService creates a webhook delivery service. It returns nil when no URLs
// are configured. kinds narrows delivery to the listed event kinds; empty
// means every kind.
func NewService(urls []string, secret string, kinds []string, bus *events.Bus, logger zerolog.Logger) *Service {
	if len(urls) == 0 {
		return nil
	}

	var filter map[events.Kind]bool
	if len(kinds) > 0 {
		filter = make(map[events.Kind]bool, len(kinds))
		for _, k := range kinds {
			filter[events.Kind(k)] = true
		}
	}

	return &Service{
		urls:   urls,
		secret: secret,
		filter: filter,
		bus:    bus,
		logger: logger.With().Str("component", "webhooks").Logger(),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Attach subscribes to the bus and starts delivering events.
func (s *Service) Attach() {
	if s == nil {
		return
	}
	s.unsubscribe = s.bus.SubscribeAll(func(kind events.Kind, payload events.Payload) {
		if s.filter != nil && !s.filter[kind] {
			return
		}
		s.deliver(kind, payload)
	})
	s.logger.Info().Int("targets", len(s.urls)).Msg("webhook delivery attached")
}

// Close detaches the service from the bus.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	return nil
}

// deliver fans an event out to every configured URL. Each target gets its
// own goroutine; a slow endpoint must not hold up the bus mailbox.
func (s *Service) deliver(kind events.Kind, data events.Payload) {
	payload := Payload{
		Event:     string(kind),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", string(kind)).Msg("failed to marshal webhook payload")
		return
	}

	for _, url := range s.urls {
		go s.send(url, string(kind), body)
	}
}

// send posts one payload to one endpoint.
func (s *Service) send(url, event string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		s.logger.Error().Err(err).Str("url", url).Msg("failed to create webhook request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Bragi-Jukebox-Webhook/1.0")
	req.Header.Set("X-Bragi-Event", event)
	req.Header.Set("X-Bragi-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))

	if s.secret != "" {
		req.Header.Set("X-Bragi-Signature", signPayload(body, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", url).Str("event", event).Msg("webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.logger.Debug().Str("url", url).Str("event", event).Int("status", resp.StatusCode).Msg("webhook delivered")
	} else {
		s.logger.Warn().Str("url", url).Str("event", event).Int("status", resp.StatusCode).Msg("webhook returned error status")
	}
}

// TestDelivery sends a synthetic payload to one URL and reports the result.
func (s *Service) TestDelivery(ctx context.Context, url string) error {
	if s == nil {
		return fmt.Errorf("webhooks not configured")
	}

	payload := Payload{
		Event:     "test",
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"message": "test webhook delivery"},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Bragi-Jukebox-Webhook/1.0")
	req.Header.Set("X-Bragi-Event", "test")
	req.Header.Set("X-Bragi-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))

	if s.secret != "" {
		req.Header.Set("X-Bragi-Signature", signPayload(body, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// signPayload creates an HMAC-SHA256 signature over the request body.
func signPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}
