/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the HTTP and WebSocket surface: playlist and song
// mutations feeding the event bus, house-wide commands, status views, the
// room device socket, and the observer socket.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_jukebox/internal/auth"
	"github.com/friendsincode/bragi_jukebox/internal/bridge"
	"github.com/friendsincode/bragi_jukebox/internal/cache"
	"github.com/friendsincode/bragi_jukebox/internal/events"
	"github.com/friendsincode/bragi_jukebox/internal/logbuffer"
	"github.com/friendsincode/bragi_jukebox/internal/models"
	"github.com/friendsincode/bragi_jukebox/internal/pipeline"
	"github.com/friendsincode/bragi_jukebox/internal/room"
	"github.com/friendsincode/bragi_jukebox/internal/roomsync"
	"github.com/friendsincode/bragi_jukebox/internal/store"
)

// ErrValidation marks caller input of the wrong shape; handlers map it to 400.
var ErrValidation = errors.New("validation failed")

// API exposes HTTP handlers.
type API struct {
	store     *store.Store
	bus       *events.Bus
	rooms     *room.Manager
	sync      *roomsync.Sync
	pipeline  *pipeline.Pipeline
	queues    pipeline.Queues
	hub       *bridge.Hub
	cache     *cache.Cache
	logBuffer *logbuffer.Buffer
	jwtSecret []byte

	// Origins allowed to open WebSocket connections. Empty allows
	// same-origin only.
	allowedOrigins []string

	logger zerolog.Logger
}

// New creates the API router wrapper.
func New(st *store.Store, bus *events.Bus, rooms *room.Manager, sync *roomsync.Sync, pipe *pipeline.Pipeline, queues pipeline.Queues, hub *bridge.Hub, c *cache.Cache, logBuf *logbuffer.Buffer, jwtSecret []byte, allowedOrigins []string, logger zerolog.Logger) *API {
	return &API{
		store:          st,
		bus:            bus,
		rooms:          rooms,
		sync:           sync,
		pipeline:       pipe,
		queues:         queues,
		hub:            hub,
		cache:          c,
		logBuffer:      logBuf,
		jwtSecret:      jwtSecret,
		allowedOrigins: allowedOrigins,
		logger:         logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts API routes on the provided router.
func (a *API) Routes(r chi.Router) {
	r.Get("/health", a.handleHealth)
	r.Get("/now-playing", a.handleNowPlaying)

	r.Route("/api", func(r chi.Router) {
		r.Get("/worker/status", a.handleWorkerStatus)

		r.Route("/playlists", func(r chi.Router) {
			r.With(auth.Optional(a.jwtSecret)).Post("/", a.handlePlaylistCreate)
			r.Route("/{playlistKey}", func(r chi.Router) {
				r.Get("/", a.handlePlaylistGet)
				r.Get("/songs", a.handlePlaylistSongs)
				r.Post("/heartbeat", a.handlePlaylistHeartbeat)
				r.Group(func(r chi.Router) {
					r.Use(auth.Optional(a.jwtSecret))
					r.Post("/steer", a.handlePlaylistSteer)
					r.Patch("/", a.handlePlaylistUpdate)
					r.Delete("/", a.handlePlaylistDelete)
					r.Post("/songs", a.handleSongCreate)
				})
			})
		})

		r.Route("/songs/{songID}", func(r chi.Router) {
			r.Use(auth.Optional(a.jwtSecret))
			r.Post("/reorder", a.handleSongReorder)
			r.Post("/retry", a.handleSongRetry)
			r.Delete("/", a.handleSongDelete)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", a.handleSettingsGet)
			r.With(auth.Middleware(a.jwtSecret)).Put("/", a.handleSettingsPut)
		})
	})

	r.Route("/house", func(r chi.Router) {
		r.Use(auth.Middleware(a.jwtSecret))
		r.Post("/commands", a.handleHouseCommands)
		r.Get("/sessions", a.handleHouseSessions)
	})

	r.With(auth.Optional(a.jwtSecret)).Get("/ws/rooms/{playlistKey}", a.handleRoomSocket)
	r.With(auth.Optional(a.jwtSecret)).Get("/ws/events", a.handleObserverSocket)
}

// resolvePlaylist loads a playlist by its public key, falling back to id so
// internal tools can address playlists directly.
func (a *API) resolvePlaylist(r *http.Request) (*models.Playlist, error) {
	key := chi.URLParam(r, "playlistKey")
	if key == "" {
		return nil, ErrValidation
	}
	if a.cache != nil {
		if id, ok := a.cache.GetPlaylistIDByKey(r.Context(), key); ok {
			if playlist, err := a.store.GetPlaylistByID(r.Context(), id); err == nil {
				return playlist, nil
			}
		}
	}
	playlist, err := a.store.GetPlaylistByKey(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		playlist, err = a.store.GetPlaylistByID(r.Context(), key)
	}
	if err != nil {
		return nil, err
	}
	if a.cache != nil {
		a.cache.SetPlaylistIDByKey(r.Context(), key, playlist.ID)
	}
	return playlist, nil
}

// canManage reports whether the request may mutate the playlist: the
// owner's JWT, an admin JWT, or the playlist manage secret all qualify.
// Playlists with no owner and no secret are open.
func (a *API) canManage(r *http.Request, playlist *models.Playlist) bool {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		if claims.IsAdmin() || (playlist.OwnerUserID != "" && claims.UserID == playlist.OwnerUserID) {
			return true
		}
	}
	if secret := r.Header.Get("X-Manage-Secret"); secret != "" {
		return a.store.VerifyManageSecret(playlist, secret)
	}
	return playlist.OwnerUserID == "" && playlist.ManageSecretHash == ""
}

func decodeJSON(r *http.Request, dest any) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return ErrValidation
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// writeStoreError maps store and validation errors to status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, "invalid_request")
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}
