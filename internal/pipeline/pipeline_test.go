/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/bragi_jukebox/internal/config"
	"github.com/friendsincode/bragi_jukebox/internal/endpoint"
	"github.com/friendsincode/bragi_jukebox/internal/events"
	"github.com/friendsincode/bragi_jukebox/internal/media"
	"github.com/friendsincode/bragi_jukebox/internal/models"
	"github.com/friendsincode/bragi_jukebox/internal/queue"
	"github.com/friendsincode/bragi_jukebox/internal/store"
)

type fixture struct {
	pipeline *Pipeline
	store    *store.Store
	bus      *events.Bus
	playlist *models.Playlist
}

// fakeEndpoints serves all three model endpoints from one mux.
func fakeEndpoints(t *testing.T, failLLM bool, pollsUntilDone int32) *httptest.Server {
	t.Helper()
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if failLLM {
			http.Error(w, "model overloaded", http.StatusServiceUnavailable)
			return
		}
		content := `{"title":"Test Song","artist":"Test Artist","style":"test","lyrics":"la"}`
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": content}}},
		})
	})
	mux.HandleFunc("/v1/images/generations", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"url": "http://img.local/cover.png"}},
		})
	})
	mux.HandleFunc("/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "task-1"})
	})
	mux.HandleFunc("/v1/tasks/task-1", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) < pollsUntilDone {
			_ = json.NewEncoder(w).Encode(map[string]any{"task_id": "task-1", "state": "running"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"task_id": "task-1", "state": "succeeded",
			"audio_url": "http://audio.local/task-1.mp3", "duration": 180.0,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newFixture(t *testing.T, failLLM bool, pollsUntilDone int32) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Playlist{}, &models.Song{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(db, zerolog.Nop())

	srv := fakeEndpoints(t, failLLM, pollsUntilDone)
	ep := config.EndpointConfig{URL: srv.URL, Concurrency: 2}
	cfg := &config.Config{
		Endpoints:            config.EndpointSet{LLM: ep, Image: ep, Audio: ep},
		AudioPollInterval:    10 * time.Millisecond,
		AudioPollMaxAttempts: 50,
	}

	queues := Queues{
		LLM:   queue.New(queue.EndpointLLM, 2, zerolog.Nop()),
		Image: queue.New(queue.EndpointImage, 2, zerolog.Nop()),
		Audio: queue.New(queue.EndpointAudio, 4, zerolog.Nop()),
	}
	clients := Clients{
		LLM:   endpoint.NewLLMClient(ep, zerolog.Nop()),
		Image: endpoint.NewImageClient(ep, zerolog.Nop()),
		Audio: endpoint.NewAudioClient(ep, zerolog.Nop()),
	}

	bus := events.NewBus(zerolog.Nop(), events.Options{})
	p := New(cfg, st, bus, queues, clients, nil, zerolog.Nop())
	t.Cleanup(func() {
		_ = p.Close()
		_ = queues.LLM.Close()
		_ = queues.Image.Close()
		_ = queues.Audio.Close()
		bus.RemoveAll()
	})

	playlist := &models.Playlist{Prompt: "late night jazz"}
	if err := st.CreatePlaylist(context.Background(), playlist, ""); err != nil {
		t.Fatalf("create playlist: %v", err)
	}

	return &fixture{pipeline: p, store: st, bus: bus, playlist: playlist}
}

func (f *fixture) createSong(t *testing.T, song *models.Song) *models.Song {
	t.Helper()
	song.PlaylistID = f.playlist.ID
	if err := f.store.CreateSong(context.Background(), song); err != nil {
		t.Fatalf("create song: %v", err)
	}
	return song
}

func (f *fixture) waitForStatus(t *testing.T, songID string, want models.SongStatus) *models.Song {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		song, err := f.store.GetSongByID(context.Background(), songID)
		if err != nil {
			t.Fatalf("get song: %v", err)
		}
		if song.Status == want {
			return song
		}
		if song.Status.Terminal() && song.Status != want {
			t.Fatalf("song reached %s (error=%q), want %s", song.Status, song.ErrorMessage, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("song never reached %s", want)
	return nil
}

func TestDriveHappyPath(t *testing.T) {
	f := newFixture(t, false, 3)
	song := f.createSong(t, &models.Song{OrderIndex: 1})

	f.pipeline.Drive(song.ID)
	got := f.waitForStatus(t, song.ID, models.SongReady)

	if got.Title != "Test Song" || got.AudioURL == "" || got.AudioDuration != 180.0 {
		t.Fatalf("song = title %q audio %q duration %v", got.Title, got.AudioURL, got.AudioDuration)
	}
	if got.AceTaskID != "task-1" {
		t.Fatalf("taskID = %q", got.AceTaskID)
	}
}

func TestDriveEmitsStatusEvents(t *testing.T) {
	f := newFixture(t, false, 1)

	statuses := make(chan string, 32)
	f.bus.Subscribe(events.SongStatusChanged, func(kind events.Kind, payload events.Payload) {
		status, _ := payload["status"].(string)
		statuses <- status
	})

	song := f.createSong(t, &models.Song{OrderIndex: 1})
	f.pipeline.Drive(song.ID)
	f.waitForStatus(t, song.ID, models.SongReady)

	seen := map[string]bool{}
	timeout := time.After(5 * time.Second)
	for !seen[string(models.SongReady)] {
		select {
		case status := <-statuses:
			seen[status] = true
		case <-timeout:
			t.Fatalf("seen = %v, ready event missing", seen)
		}
	}
	for _, want := range []models.SongStatus{
		models.SongGeneratingMetadata,
		models.SongMetadataReady,
		models.SongSubmittingToAce,
		models.SongGeneratingAudio,
	} {
		if !seen[string(want)] {
			t.Fatalf("missing status event %s (seen %v)", want, seen)
		}
	}
}

func TestLLMFailureMarksErrorWithStage(t *testing.T) {
	f := newFixture(t, true, 1)
	song := f.createSong(t, &models.Song{OrderIndex: 1})

	f.pipeline.Drive(song.ID)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		got, err := f.store.GetSongByID(context.Background(), song.ID)
		if err != nil {
			t.Fatalf("get song: %v", err)
		}
		if got.Status == models.SongError {
			if got.ErroredAtStatus != string(models.SongGeneratingMetadata) {
				t.Fatalf("erroredAtStatus = %q", got.ErroredAtStatus)
			}
			if got.ErrorMessage == "" {
				t.Fatal("error message missing")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("song never errored")
}

func TestDuplicateDriveIsNoOp(t *testing.T) {
	f := newFixture(t, false, 5)
	song := f.createSong(t, &models.Song{OrderIndex: 1})

	f.pipeline.Drive(song.ID)
	f.pipeline.Drive(song.ID)
	f.pipeline.Drive(song.ID)

	if !f.pipeline.InFlight(song.ID) {
		t.Fatal("song not in flight after drive")
	}
	f.waitForStatus(t, song.ID, models.SongReady)
}

func TestCancelSongMarksCancelled(t *testing.T) {
	f := newFixture(t, false, 1000) // never finishes polling on its own
	song := f.createSong(t, &models.Song{OrderIndex: 1})

	f.pipeline.Drive(song.ID)
	f.waitForStatus(t, song.ID, models.SongGeneratingAudio)

	f.pipeline.CancelSong(song.ID)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := f.store.GetSongByID(context.Background(), song.ID)
		if got.Status == models.SongCancelled {
			if got.CancelledAtStatus != string(models.SongGeneratingAudio) {
				t.Fatalf("cancelledAtStatus = %q", got.CancelledAtStatus)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("song never cancelled")
}

func TestResumeFromError(t *testing.T) {
	f := newFixture(t, false, 1)
	song := f.createSong(t, &models.Song{OrderIndex: 1})

	// Simulate an earlier failed run.
	if err := f.store.MarkSongError(context.Background(), song.ID, "boom", models.SongGeneratingMetadata); err != nil {
		t.Fatalf("mark error: %v", err)
	}

	f.pipeline.Resume(song.ID)
	got := f.waitForStatus(t, song.ID, models.SongReady)
	if got.Title == "" {
		t.Fatal("resume did not regenerate metadata")
	}
}

// recordingStorage records Delete calls for artifact cleanup assertions.
type recordingStorage struct {
	mu      sync.Mutex
	deleted []string
}

func (r *recordingStorage) Store(ctx context.Context, playlistID, name string, file io.Reader) (string, error) {
	return playlistID + "/" + name, nil
}

func (r *recordingStorage) Delete(ctx context.Context, storedPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, storedPath)
	return nil
}

func (r *recordingStorage) URL(storedPath string) string { return "/media/" + storedPath }

func (r *recordingStorage) CheckAccess(ctx context.Context) error { return nil }

func TestSongDeletedEventRemovesArtifacts(t *testing.T) {
	f := newFixture(t, false, 1)
	rec := &recordingStorage{}
	f.pipeline.media = media.NewService(rec, zerolog.Nop())
	f.pipeline.Start()

	song := f.createSong(t, &models.Song{OrderIndex: 1, Status: models.SongReady})
	f.bus.Emit(events.SongDeleted, events.Payload{
		"song_id":     song.ID,
		"playlist_id": f.playlist.ID,
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		n := len(rec.deleted)
		rec.mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.deleted) != 3 {
		t.Fatalf("deleted paths = %v, want audio, wav fallback, and cover", rec.deleted)
	}
	for _, suffix := range []string{song.ID + ".mp3", song.ID + ".wav", song.ID + ".png"} {
		found := false
		for _, path := range rec.deleted {
			if strings.HasSuffix(path, suffix) {
				found = true
			}
		}
		if !found {
			t.Fatalf("no delete for %s in %v", suffix, rec.deleted)
		}
	}
}

func TestInterruptPriority(t *testing.T) {
	regular := &models.Song{OrderIndex: 5}
	interrupt := &models.Song{OrderIndex: 5.5, IsInterrupt: true}
	if priorityFor(interrupt) >= priorityFor(regular) {
		t.Fatalf("interrupt priority %d not ahead of regular %d",
			priorityFor(interrupt), priorityFor(regular))
	}
}
