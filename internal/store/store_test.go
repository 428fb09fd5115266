/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/bragi_jukebox/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Playlist{}, &models.Song{}, &models.Setting{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db, zerolog.Nop())
}

func TestCreatePlaylistGeneratesIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	playlist := &models.Playlist{Name: "late night", Prompt: "mellow synthwave"}
	if err := s.CreatePlaylist(ctx, playlist, "secret"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if playlist.ID == "" || playlist.Key == "" {
		t.Fatal("expected generated id and key")
	}
	if playlist.Status != models.PlaylistActive {
		t.Fatalf("status = %s, want active", playlist.Status)
	}

	got, err := s.GetPlaylistByKey(ctx, playlist.Key)
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if got.ID != playlist.ID {
		t.Fatalf("id = %s, want %s", got.ID, playlist.ID)
	}
	if !s.VerifyManageSecret(got, "secret") {
		t.Fatal("manage secret rejected")
	}
	if s.VerifyManageSecret(got, "wrong") {
		t.Fatal("wrong manage secret accepted")
	}
}

func TestVerifyManageSecretEmptyHashRejects(t *testing.T) {
	s := newTestStore(t)
	playlist := &models.Playlist{Name: "open"}
	if err := s.CreatePlaylist(context.Background(), playlist, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.VerifyManageSecret(playlist, "") {
		t.Fatal("playlist without secret accepted an empty secret")
	}
}

func TestSteerPlaylistAdvancesEpoch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	playlist := &models.Playlist{Prompt: "jazz"}
	if err := s.CreatePlaylist(ctx, playlist, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := s.SteerPlaylist(ctx, playlist.ID, "doom metal")
	if err != nil {
		t.Fatalf("steer: %v", err)
	}
	if updated.PromptEpoch != 1 {
		t.Fatalf("epoch = %d, want 1", updated.PromptEpoch)
	}

	got, err := s.GetPlaylistByID(ctx, playlist.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Prompt != "doom metal" || got.PromptEpoch != 1 {
		t.Fatalf("got prompt=%q epoch=%d", got.Prompt, got.PromptEpoch)
	}
}

func TestMaxOrderIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	playlist := &models.Playlist{}
	if err := s.CreatePlaylist(ctx, playlist, ""); err != nil {
		t.Fatalf("create playlist: %v", err)
	}

	if max, err := s.MaxOrderIndex(ctx, playlist.ID); err != nil || max != 0 {
		t.Fatalf("empty playlist max = %v, %v; want 0, nil", max, err)
	}

	for _, idx := range []float64{1, 3, 2.5} {
		if err := s.CreateSong(ctx, &models.Song{PlaylistID: playlist.ID, OrderIndex: idx}); err != nil {
			t.Fatalf("create song: %v", err)
		}
	}
	if max, err := s.MaxOrderIndex(ctx, playlist.ID); err != nil || max != 3 {
		t.Fatalf("max = %v, %v; want 3, nil", max, err)
	}
}

func TestListSongsOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	playlist := &models.Playlist{}
	if err := s.CreatePlaylist(ctx, playlist, ""); err != nil {
		t.Fatalf("create playlist: %v", err)
	}
	for _, idx := range []float64{2, 1.5, 1, 3} {
		if err := s.CreateSong(ctx, &models.Song{PlaylistID: playlist.ID, OrderIndex: idx}); err != nil {
			t.Fatalf("create song: %v", err)
		}
	}

	songs, err := s.ListSongsByPlaylist(ctx, playlist.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []float64{1, 1.5, 2, 3}
	for i, song := range songs {
		if song.OrderIndex != want[i] {
			t.Fatalf("order %d = %v, want %v", i, song.OrderIndex, want[i])
		}
	}
}

func TestSongLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	song := &models.Song{PlaylistID: "pl", OrderIndex: 1}
	if err := s.CreateSong(ctx, song); err != nil {
		t.Fatalf("create: %v", err)
	}
	if song.Status != models.SongPending {
		t.Fatalf("status = %s, want pending", song.Status)
	}

	if err := s.SetSongMetadata(ctx, song.ID, "Title", "Artist", "style", "la la"); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if err := s.MarkSongReady(ctx, song.ID, "file:///a.mp3", 187.5); err != nil {
		t.Fatalf("ready: %v", err)
	}

	got, err := s.GetSongByID(ctx, song.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.SongReady || got.AudioURL == "" || got.AudioDuration != 187.5 {
		t.Fatalf("got status=%s audio=%q duration=%v", got.Status, got.AudioURL, got.AudioDuration)
	}
	if !got.Playable() {
		t.Fatal("ready song with audio should be playable")
	}

	if err := s.MarkSongPlayed(ctx, song.ID); err != nil {
		t.Fatalf("played: %v", err)
	}
	got, _ = s.GetSongByID(ctx, song.ID)
	if got.Status != models.SongPlayed {
		t.Fatalf("status = %s, want played", got.Status)
	}

	// Played is terminal; a second MarkSongPlayed must not match.
	if err := s.MarkSongPlayed(ctx, song.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("repeat played: err = %v, want ErrInvalidTransition", err)
	}
}

func TestMarkSongErrorRemembersStage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	song := &models.Song{PlaylistID: "pl", Status: models.SongGeneratingAudio}
	if err := s.CreateSong(ctx, song); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.MarkSongError(ctx, song.ID, "poll timeout", models.SongGeneratingAudio); err != nil {
		t.Fatalf("error: %v", err)
	}

	got, err := s.GetSongByID(ctx, song.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.SongError || got.ErroredAtStatus != string(models.SongGeneratingAudio) {
		t.Fatalf("got status=%s erroredAt=%s", got.Status, got.ErroredAtStatus)
	}
	if got.Playable() {
		t.Fatal("errored song must not be playable")
	}
}

func TestResumableSongs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	statuses := []models.SongStatus{
		models.SongPending,
		models.SongGeneratingAudio,
		models.SongReady,
		models.SongError,
		models.SongCancelled,
	}
	for _, status := range statuses {
		if err := s.CreateSong(ctx, &models.Song{PlaylistID: "pl", Status: status}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	songs, err := s.ResumableSongs(ctx)
	if err != nil {
		t.Fatalf("resumable: %v", err)
	}
	if len(songs) != 2 {
		t.Fatalf("resumable = %d, want 2", len(songs))
	}
	for _, song := range songs {
		if song.Status.Terminal() {
			t.Fatalf("terminal song %s listed as resumable", song.Status)
		}
	}
}

func TestDeletePlaylistCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	playlist := &models.Playlist{}
	if err := s.CreatePlaylist(ctx, playlist, ""); err != nil {
		t.Fatalf("create playlist: %v", err)
	}
	if err := s.CreateSong(ctx, &models.Song{PlaylistID: playlist.ID}); err != nil {
		t.Fatalf("create song: %v", err)
	}

	if err := s.DeletePlaylist(ctx, playlist.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	songs, err := s.ListSongsByPlaylist(ctx, playlist.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(songs) != 0 {
		t.Fatalf("songs remain after playlist delete: %d", len(songs))
	}
	if err := s.DeletePlaylist(ctx, playlist.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestExpiredTemporaryPlaylists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := &models.Playlist{Temporary: true}
	if err := s.CreatePlaylist(ctx, stale, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	fresh := &models.Playlist{Temporary: true}
	if err := s.CreatePlaylist(ctx, fresh, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	durable := &models.Playlist{Temporary: false}
	if err := s.CreatePlaylist(ctx, durable, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	past := time.Now().UTC().Add(-time.Hour)
	if err := s.UpdatePlaylist(ctx, stale.ID, map[string]any{"last_heartbeat_at": past}); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	expired, err := s.ExpiredTemporaryPlaylists(ctx, time.Now().UTC().Add(-15*time.Minute))
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != stale.ID {
		t.Fatalf("expired = %v", expired)
	}
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if v, err := s.GetSetting(ctx, "missing"); err != nil || v != "" {
		t.Fatalf("missing setting = %q, %v", v, err)
	}
	if err := s.SetSetting(ctx, "theme", "dark"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetSetting(ctx, "theme", "light"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if v, _ := s.GetSetting(ctx, "theme"); v != "light" {
		t.Fatalf("theme = %q, want light", v)
	}
	all, err := s.AllSettings(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if all["theme"] != "light" {
		t.Fatalf("all = %v", all)
	}
}
