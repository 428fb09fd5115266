/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package roomsync

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/bragi_jukebox/internal/events"
	"github.com/friendsincode/bragi_jukebox/internal/models"
	"github.com/friendsincode/bragi_jukebox/internal/room"
	"github.com/friendsincode/bragi_jukebox/internal/store"
)

func newFixture(t *testing.T) (*Sync, *store.Store, *room.Manager, *events.Bus) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Playlist{}, &models.Song{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(db, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop(), events.Options{})
	rooms := room.NewManager(room.Callbacks{}, zerolog.Nop())

	s := New(st, bus, rooms, zerolog.Nop())
	s.Attach()
	t.Cleanup(func() {
		s.Detach()
		bus.RemoveAll()
		rooms.DisposeAll()
	})
	return s, st, rooms, bus
}

func createPlaylistWithSongs(t *testing.T, st *store.Store, n int) *models.Playlist {
	t.Helper()
	ctx := context.Background()
	playlist := &models.Playlist{Prompt: "prompt"}
	if err := st.CreatePlaylist(ctx, playlist, ""); err != nil {
		t.Fatalf("create playlist: %v", err)
	}
	for i := 1; i <= n; i++ {
		song := &models.Song{
			PlaylistID: playlist.ID,
			OrderIndex: float64(i),
			Status:     models.SongReady,
			AudioURL:   "a.mp3",
		}
		if err := st.CreateSong(ctx, song); err != nil {
			t.Fatalf("create song: %v", err)
		}
	}
	return playlist
}

func TestRefreshRoomBindsLazilyAndSeeds(t *testing.T) {
	s, st, rooms, _ := newFixture(t)
	playlist := createPlaylistWithSongs(t, st, 3)

	r := rooms.GetOrCreate(playlist.Key)
	s.RefreshRoom(r)

	if r.PlaylistID() != playlist.ID {
		t.Fatalf("room playlist = %q, want %q", r.PlaylistID(), playlist.ID)
	}
	playback, current := r.Snapshot()
	if !playback.IsPlaying || current == nil {
		t.Fatalf("room did not auto-start: %+v", playback)
	}

	// Idle seeding primed five pending songs past the end.
	songs, err := st.ListSongsByPlaylist(context.Background(), playlist.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(songs) != 3+5 {
		t.Fatalf("songs = %d, want 8 after priming", len(songs))
	}
	pending := 0
	for _, song := range songs {
		if song.Status == models.SongPending {
			pending++
			if song.OrderIndex <= 3 {
				t.Fatalf("primed song at order %v, want past the end", song.OrderIndex)
			}
		}
	}
	if pending != 5 {
		t.Fatalf("pending = %d, want 5", pending)
	}
}

func TestSongEventRefreshesBoundRooms(t *testing.T) {
	s, st, rooms, bus := newFixture(t)
	playlist := createPlaylistWithSongs(t, st, 2)

	r := rooms.GetOrCreate(playlist.Key)
	s.RefreshRoom(r)

	// A new ready song appears; the bus event must land in the room queue.
	song := &models.Song{
		PlaylistID: playlist.ID,
		OrderIndex: 3,
		Status:     models.SongReady,
		AudioURL:   "new.mp3",
	}
	if err := st.CreateSong(context.Background(), song); err != nil {
		t.Fatalf("create: %v", err)
	}
	bus.Emit(events.SongStatusChanged, events.Payload{
		"song_id":     song.ID,
		"playlist_id": playlist.ID,
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if hasSong(r, song.ID) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("room queue never picked up the new song")
}

func hasSong(r *room.Room, songID string) bool {
	// Selecting by id fails only when the song is absent from the queue.
	return r.HandleCommand("probe", "selectSong", map[string]any{"songId": songID}, "") == nil
}

func TestPlaylistDeletedClearsQueue(t *testing.T) {
	s, st, rooms, bus := newFixture(t)
	playlist := createPlaylistWithSongs(t, st, 2)

	r := rooms.GetOrCreate(playlist.Key)
	s.RefreshRoom(r)

	bus.Emit(events.PlaylistDeleted, events.Payload{"playlist_id": playlist.ID})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		playback, current := r.Snapshot()
		if current == nil && playback.CurrentSongID == "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("room queue never cleared after playlist delete")
}
