/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_jukebox/internal/events"
)

func TestNilServiceIsInert(t *testing.T) {
	var s *Service
	s.Attach()
	if err := s.Close(); err != nil {
		t.Fatalf("Close on nil service: %v", err)
	}
}

func TestNewServiceWithoutURLs(t *testing.T) {
	bus := events.NewBus(zerolog.Nop(), events.Options{})
	if s := NewService(nil, "", nil, bus, zerolog.Nop()); s != nil {
		t.Fatal("expected nil service when no URLs configured")
	}
}

func TestDeliverySignsAndFilters(t *testing.T) {
	received := make(chan *http.Request, 4)
	bodies := make(chan []byte, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	bus := events.NewBus(zerolog.Nop(), events.Options{})
	s := NewService([]string{srv.URL}, "hook-secret", []string{"song.created"}, bus, zerolog.Nop())
	if s == nil {
		t.Fatal("expected service")
	}
	s.Attach()
	defer s.Close()

	// Filtered out: no delivery expected.
	bus.Emit(events.PlaylistHeartbeat, events.Payload{"playlist_id": "pl-1"})
	// Matches the filter.
	bus.Emit(events.SongCreated, events.Payload{"song_id": "s-1", "playlist_id": "pl-1"})

	select {
	case r := <-received:
		if got := r.Header.Get("X-Bragi-Event"); got != "song.created" {
			t.Fatalf("X-Bragi-Event = %q, want song.created", got)
		}
		body := <-bodies

		var payload Payload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload.Event != "song.created" {
			t.Fatalf("payload event = %q", payload.Event)
		}
		if payload.Data["song_id"] != "s-1" {
			t.Fatalf("payload data = %v", payload.Data)
		}

		h := hmac.New(sha256.New, []byte("hook-secret"))
		h.Write(body)
		want := "sha256=" + hex.EncodeToString(h.Sum(nil))
		if got := r.Header.Get("X-Bragi-Signature"); got != want {
			t.Fatalf("signature = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
	}

	// The filtered heartbeat must not arrive.
	select {
	case r := <-received:
		t.Fatalf("unexpected delivery for %s", r.Header.Get("X-Bragi-Event"))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTestDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Bragi-Event") != "test" {
			t.Errorf("X-Bragi-Event = %q", r.Header.Get("X-Bragi-Event"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bus := events.NewBus(zerolog.Nop(), events.Options{})
	s := NewService([]string{srv.URL}, "", nil, bus, zerolog.Nop())
	if err := s.TestDelivery(context.Background(), srv.URL); err != nil {
		t.Fatalf("TestDelivery: %v", err)
	}
}
