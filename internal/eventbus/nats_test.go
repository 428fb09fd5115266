/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_jukebox/internal/events"
)

func TestSubjectFor(t *testing.T) {
	cases := []struct {
		kind events.Kind
		want string
	}{
		{events.SongCreated, "bragi.events.song.created"},
		{events.PlaylistSteered, "bragi.events.playlist.steered"},
		{events.SettingsChanged, "bragi.events.settings.changed"},
	}
	for _, tc := range cases {
		if got := SubjectFor(tc.kind); got != tc.want {
			t.Fatalf("SubjectFor(%s) = %q, want %q", tc.kind, got, tc.want)
		}
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{
		Kind:      events.SongStatusChanged,
		Payload:   events.Payload{"song_id": "s1", "status": "ready"},
		Timestamp: time.Now().UTC().Truncate(time.Second),
		NodeID:    "node-1",
		MessageID: "m-1",
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != msg.Kind || got.Payload["song_id"] != "s1" || got.NodeID != "node-1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestNilRelayIsInert(t *testing.T) {
	var r *Relay
	r.Attach()
	if err := r.Close(); err != nil {
		t.Fatalf("close nil relay: %v", err)
	}
}

func TestConnectDisabledWithoutURL(t *testing.T) {
	bus := events.NewBus(zerolog.Nop(), events.Options{})
	defer bus.RemoveAll()

	r, err := Connect("", bus, zerolog.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if r != nil {
		t.Fatal("expected nil relay when no URL configured")
	}
}
