/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package logbuffer

import (
	"fmt"
	"testing"
	"time"
)

func TestRingWraparound(t *testing.T) {
	b := New(3)
	for i := 0; i < 5; i++ {
		b.Add(LogEntry{Message: fmt.Sprintf("m%d", i), Level: "info"})
	}
	all := b.GetAll()
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	want := []string{"m2", "m3", "m4"}
	for i, entry := range all {
		if entry.Message != want[i] {
			t.Fatalf("entry %d = %q, want %q", i, entry.Message, want[i])
		}
	}
}

func TestQueryByPlaylistAndLevel(t *testing.T) {
	b := New(16)
	b.Add(LogEntry{Message: "one", Level: "info", Fields: map[string]interface{}{"playlist_id": "pl-1"}})
	b.Add(LogEntry{Message: "two", Level: "error", Fields: map[string]interface{}{"playlist_id": "pl-1"}})
	b.Add(LogEntry{Message: "three", Level: "error", Fields: map[string]interface{}{"playlist_id": "pl-2"}})

	got := b.Query(QueryParams{PlaylistID: "pl-1", Level: "error"})
	if len(got) != 1 || got[0].Message != "two" {
		t.Fatalf("query = %+v", got)
	}
}

func TestWriterParsesZerologLine(t *testing.T) {
	b := New(16)
	w := NewWriter(b, nil)
	line := fmt.Sprintf(`{"level":"warn","component":"room","playlist_id":"pl-1","time":%q,"message":"slow sync"}`,
		time.Now().UTC().Format(time.RFC3339))
	if _, err := w.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	all := b.GetAll()
	if len(all) != 1 {
		t.Fatalf("len = %d, want 1", len(all))
	}
	entry := all[0]
	if entry.Level != "warn" || entry.Component != "room" || entry.Message != "slow sync" {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.Fields["playlist_id"] != "pl-1" {
		t.Fatalf("fields = %v", entry.Fields)
	}
}
