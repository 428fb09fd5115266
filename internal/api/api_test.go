/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/bragi_jukebox/internal/auth"
	"github.com/friendsincode/bragi_jukebox/internal/bridge"
	"github.com/friendsincode/bragi_jukebox/internal/cache"
	"github.com/friendsincode/bragi_jukebox/internal/events"
	"github.com/friendsincode/bragi_jukebox/internal/logbuffer"
	"github.com/friendsincode/bragi_jukebox/internal/models"
	"github.com/friendsincode/bragi_jukebox/internal/pipeline"
	"github.com/friendsincode/bragi_jukebox/internal/queue"
	"github.com/friendsincode/bragi_jukebox/internal/room"
	"github.com/friendsincode/bragi_jukebox/internal/roomsync"
	"github.com/friendsincode/bragi_jukebox/internal/store"
)

var testSecret = []byte("test-secret")

type fixture struct {
	api    *API
	router chi.Router
	store  *store.Store
	bus    *events.Bus
	rooms  *room.Manager
}

func newTestAPI(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Playlist{}, &models.Song{}, &models.Setting{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	st := store.New(db, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop(), events.Options{})
	rooms := room.NewManager(room.Callbacks{}, zerolog.Nop())
	sync := roomsync.New(st, bus, rooms, zerolog.Nop())
	hub := bridge.NewHub(bus, zerolog.Nop())
	queues := pipeline.Queues{
		LLM:   queue.New(queue.EndpointLLM, 1, zerolog.Nop()),
		Image: queue.New(queue.EndpointImage, 1, zerolog.Nop()),
		Audio: queue.New(queue.EndpointAudio, 1, zerolog.Nop()),
	}
	cacheCfg := cache.DefaultConfig()
	cacheCfg.RedisAddr = ""
	c, _ := cache.New(cacheCfg, zerolog.Nop())

	a := New(st, bus, rooms, sync, nil, queues, hub, c, logbuffer.New(64), testSecret, nil, zerolog.Nop())
	router := chi.NewRouter()
	a.Routes(router)

	t.Cleanup(func() {
		bus.RemoveAll()
		rooms.DisposeAll()
		_ = queues.LLM.Close()
		_ = queues.Image.Close()
		_ = queues.Audio.Close()
	})
	return &fixture{api: a, router: router, store: st, bus: bus, rooms: rooms}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func bearer(t *testing.T, userID string, roles ...string) map[string]string {
	t.Helper()
	token, err := auth.Issue(testSecret, auth.Claims{UserID: userID, Roles: roles}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rr.Body.String())
	}
}

func TestPlaylistCreateEmitsEvent(t *testing.T) {
	f := newTestAPI(t)

	created := make(chan events.Payload, 1)
	f.bus.Subscribe(events.PlaylistCreated, func(kind events.Kind, payload events.Payload) {
		created <- payload
	})

	rr := f.do(t, http.MethodPost, "/api/playlists", map[string]any{"name": "evening", "prompt": "slow jazz"}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var playlist models.Playlist
	decodeBody(t, rr, &playlist)
	if playlist.ID == "" || playlist.Key == "" {
		t.Fatalf("playlist missing identity: %+v", playlist)
	}

	select {
	case payload := <-created:
		if payload.PlaylistID() != playlist.ID {
			t.Fatalf("event playlist = %q, want %q", payload.PlaylistID(), playlist.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("playlist.created never emitted")
	}
}

func TestSteerBumpsEpochAndRequiresAuth(t *testing.T) {
	f := newTestAPI(t)

	playlist := &models.Playlist{Prompt: "jazz", Status: models.PlaylistActive}
	if err := f.store.CreatePlaylist(context.Background(), playlist, "hunter2"); err != nil {
		t.Fatalf("create playlist: %v", err)
	}

	steered := make(chan events.Payload, 1)
	f.bus.Subscribe(events.PlaylistSteered, func(kind events.Kind, payload events.Payload) {
		steered <- payload
	})

	// No credentials: rejected.
	rr := f.do(t, http.MethodPost, "/api/playlists/"+playlist.Key+"/steer",
		map[string]any{"prompt": "metal"}, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("unauthenticated steer = %d, want 403", rr.Code)
	}

	// Manage secret: accepted, epoch bumps.
	rr = f.do(t, http.MethodPost, "/api/playlists/"+playlist.Key+"/steer",
		map[string]any{"prompt": "metal"}, map[string]string{"X-Manage-Secret": "hunter2"})
	if rr.Code != http.StatusOK {
		t.Fatalf("steer = %d body=%s", rr.Code, rr.Body.String())
	}
	var updated models.Playlist
	decodeBody(t, rr, &updated)
	if updated.PromptEpoch != 1 || updated.Prompt != "metal" {
		t.Fatalf("steered playlist = %+v", updated)
	}

	select {
	case payload := <-steered:
		if payload["prompt_epoch"] != 1 {
			t.Fatalf("event epoch = %v, want 1", payload["prompt_epoch"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("playlist.steered never emitted")
	}
}

func TestInterruptSongWedgesOrderIndex(t *testing.T) {
	f := newTestAPI(t)
	ctx := context.Background()

	playlist := &models.Playlist{Prompt: "jazz", Status: models.PlaylistActive}
	if err := f.store.CreatePlaylist(ctx, playlist, ""); err != nil {
		t.Fatalf("create playlist: %v", err)
	}
	if err := f.store.UpdatePlaylistPosition(ctx, playlist.ID, 4); err != nil {
		t.Fatalf("set position: %v", err)
	}

	created := make(chan events.Payload, 1)
	f.bus.Subscribe(events.SongCreated, func(kind events.Kind, payload events.Payload) {
		created <- payload
	})

	rr := f.do(t, http.MethodPost, "/api/playlists/"+playlist.Key+"/songs",
		map[string]any{"isInterrupt": true, "interruptPrompt": "birthday shoutout"}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var song models.Song
	decodeBody(t, rr, &song)
	if song.OrderIndex != 4.5 || !song.IsInterrupt || song.Status != models.SongPending {
		t.Fatalf("song = %+v", song)
	}

	select {
	case payload := <-created:
		if payload["song_id"] != song.ID {
			t.Fatalf("event song = %v, want %q", payload["song_id"], song.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("song.created never emitted")
	}
}

func TestHouseCommandAuthSkip(t *testing.T) {
	f := newTestAPI(t)
	ctx := context.Background()

	mine := &models.Playlist{Prompt: "a", OwnerUserID: "u1", Status: models.PlaylistActive}
	theirs := &models.Playlist{Prompt: "b", OwnerUserID: "u2", Status: models.PlaylistActive}
	for _, playlist := range []*models.Playlist{mine, theirs} {
		if err := f.store.CreatePlaylist(ctx, playlist, ""); err != nil {
			t.Fatalf("create playlist: %v", err)
		}
	}

	rr := f.do(t, http.MethodPost, "/house/commands", map[string]any{
		"action":      "pause",
		"playlistIds": []string{mine.ID, theirs.ID, "pl-missing"},
	}, bearer(t, "u1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}

	var resp houseCommandResponse
	decodeBody(t, rr, &resp)
	if len(resp.AffectedPlaylistIDs) != 1 || resp.AffectedPlaylistIDs[0] != mine.ID {
		t.Fatalf("affected = %v, want [%s]", resp.AffectedPlaylistIDs, mine.ID)
	}
	if len(resp.SkippedPlaylistIDs) != 2 {
		t.Fatalf("skipped = %v, want two entries", resp.SkippedPlaylistIDs)
	}
}

func TestHouseCommandsRequireAuth(t *testing.T) {
	f := newTestAPI(t)
	rr := f.do(t, http.MethodPost, "/house/commands", map[string]any{"action": "pause"}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestNowPlayingReflectsRoomSnapshot(t *testing.T) {
	f := newTestAPI(t)
	ctx := context.Background()

	playlist := &models.Playlist{Prompt: "jazz", Status: models.PlaylistActive}
	if err := f.store.CreatePlaylist(ctx, playlist, ""); err != nil {
		t.Fatalf("create playlist: %v", err)
	}
	song := &models.Song{
		PlaylistID: playlist.ID,
		OrderIndex: 1,
		Status:     models.SongReady,
		Title:      "Blue",
		AudioURL:   "blue.mp3",
	}
	if err := f.store.CreateSong(ctx, song); err != nil {
		t.Fatalf("create song: %v", err)
	}

	rm := f.rooms.GetOrCreate(playlist.Key)
	f.api.sync.RefreshRoom(rm)

	rr := f.do(t, http.MethodGet, "/now-playing?room="+playlist.Key, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var snapshot cache.NowPlaying
	decodeBody(t, rr, &snapshot)
	if snapshot.SongID != song.ID || !snapshot.IsPlaying || snapshot.Title != "Blue" {
		t.Fatalf("snapshot = %+v", snapshot)
	}
}

func TestSettingsRoundTripEmitsChange(t *testing.T) {
	f := newTestAPI(t)

	changed := make(chan struct{}, 1)
	f.bus.Subscribe(events.SettingsChanged, func(kind events.Kind, payload events.Payload) {
		changed <- struct{}{}
	})

	rr := f.do(t, http.MethodPut, "/api/settings",
		map[string]string{"default_style": "lofi"}, bearer(t, "u1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("put = %d body=%s", rr.Code, rr.Body.String())
	}

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("settings.changed never emitted")
	}

	rr = f.do(t, http.MethodGet, "/api/settings", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get = %d", rr.Code)
	}
	var settings map[string]string
	decodeBody(t, rr, &settings)
	if settings["default_style"] != "lofi" {
		t.Fatalf("settings = %v", settings)
	}
}

func TestHealthReportsOK(t *testing.T) {
	f := newTestAPI(t)
	rr := f.do(t, http.MethodGet, "/health", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	decodeBody(t, rr, &body)
	if body["status"] != "ok" {
		t.Fatalf("health = %v", body)
	}
	if len(body["queues"].([]any)) != 3 {
		t.Fatalf("queues = %v", body["queues"])
	}
}

func TestWorkerStatusListsQueues(t *testing.T) {
	f := newTestAPI(t)
	rr := f.do(t, http.MethodGet, "/api/worker/status", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	decodeBody(t, rr, &body)
	queues, ok := body["queues"].(map[string]any)
	if !ok || queues["llm"] == nil || queues["audio"] == nil {
		t.Fatalf("queues = %v", body["queues"])
	}
	if body["logStats"] == nil || body["logComponents"] == nil {
		t.Fatalf("missing log views: %v", body)
	}
}

func TestWorkerStatusScopesLogsToPlaylist(t *testing.T) {
	f := newTestAPI(t)
	ctx := context.Background()

	playlist := &models.Playlist{Name: "evening", Prompt: "slow jazz", Status: models.PlaylistActive}
	if err := f.store.CreatePlaylist(ctx, playlist, ""); err != nil {
		t.Fatalf("create playlist: %v", err)
	}

	f.api.logBuffer.Add(logbuffer.LogEntry{
		Timestamp: time.Now(),
		Level:     "info",
		Message:   "song finalized",
		Component: "pipeline",
		Fields:    map[string]interface{}{"playlist_id": playlist.ID},
	})
	f.api.logBuffer.Add(logbuffer.LogEntry{
		Timestamp: time.Now(),
		Level:     "warn",
		Message:   "unrelated",
		Component: "room",
		Fields:    map[string]interface{}{"playlist_id": "someone-else"},
	})

	rr := f.do(t, http.MethodGet, "/api/worker/status?playlist="+playlist.Key, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	decodeBody(t, rr, &body)

	logs, ok := body["recentLogs"].([]any)
	if !ok || len(logs) != 1 {
		t.Fatalf("recentLogs = %v, want 1 entry", body["recentLogs"])
	}
	stats, ok := body["logStats"].(map[string]any)
	if !ok || stats["count"].(float64) != 1 {
		t.Fatalf("logStats = %v, want count 1", body["logStats"])
	}
	components, ok := body["logComponents"].([]any)
	if !ok || len(components) != 1 || components[0] != "pipeline" {
		t.Fatalf("logComponents = %v, want [pipeline]", body["logComponents"])
	}

	rr = f.do(t, http.MethodGet, "/api/worker/status?playlist=no-such-playlist", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown playlist status = %d, want 404", rr.Code)
	}
}
