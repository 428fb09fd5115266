/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/bragi_jukebox/internal/auth"
	"github.com/friendsincode/bragi_jukebox/internal/events"
	"github.com/friendsincode/bragi_jukebox/internal/models"
)

type playlistCreateRequest struct {
	Name         string `json:"name"`
	Prompt       string `json:"prompt"`
	Temporary    bool   `json:"temporary"`
	ManageSecret string `json:"manageSecret"`
}

func (a *API) handlePlaylistCreate(w http.ResponseWriter, r *http.Request) {
	var req playlistCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStoreError(w, err)
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt_required")
		return
	}

	playlist := &models.Playlist{
		Name:        req.Name,
		Prompt:      req.Prompt,
		Status:      models.PlaylistActive,
		Temporary:   req.Temporary,
		OwnerUserID: auth.UserIDFromContext(r.Context()),
	}
	if err := a.store.CreatePlaylist(r.Context(), playlist, req.ManageSecret); err != nil {
		writeStoreError(w, err)
		return
	}

	a.bus.Emit(events.PlaylistCreated, events.Payload{"playlist_id": playlist.ID})
	writeJSON(w, http.StatusCreated, playlist)
}

func (a *API) handlePlaylistGet(w http.ResponseWriter, r *http.Request) {
	playlist, err := a.resolvePlaylist(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, playlist)
}

func (a *API) handlePlaylistSongs(w http.ResponseWriter, r *http.Request) {
	playlist, err := a.resolvePlaylist(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	songs, err := a.store.ListSongsByPlaylist(r.Context(), playlist.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"songs": songs})
}

func (a *API) handlePlaylistHeartbeat(w http.ResponseWriter, r *http.Request) {
	playlist, err := a.resolvePlaylist(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := a.store.HeartbeatPlaylist(r.Context(), playlist.ID); err != nil {
		writeStoreError(w, err)
		return
	}
	a.bus.Emit(events.PlaylistHeartbeat, events.Payload{"playlist_id": playlist.ID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type playlistSteerRequest struct {
	Prompt string `json:"prompt"`
}

func (a *API) handlePlaylistSteer(w http.ResponseWriter, r *http.Request) {
	playlist, err := a.resolvePlaylist(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !a.canManage(r, playlist) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req playlistSteerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStoreError(w, err)
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt_required")
		return
	}

	steered, err := a.store.SteerPlaylist(r.Context(), playlist.ID, req.Prompt)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	a.bus.Emit(events.PlaylistSteered, events.Payload{
		"playlist_id":  steered.ID,
		"prompt_epoch": steered.PromptEpoch,
	})
	writeJSON(w, http.StatusOK, steered)
}

type playlistUpdateRequest struct {
	Name   *string `json:"name"`
	Status *string `json:"status"`
}

func (a *API) handlePlaylistUpdate(w http.ResponseWriter, r *http.Request) {
	playlist, err := a.resolvePlaylist(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !a.canManage(r, playlist) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req playlistUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStoreError(w, err)
		return
	}

	updates := map[string]any{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Status != nil {
		status := models.PlaylistStatus(*req.Status)
		if status != models.PlaylistActive && status != models.PlaylistClosing && status != models.PlaylistClosed {
			writeError(w, http.StatusUnprocessableEntity, "invalid_status")
			return
		}
		updates["status"] = status
	}
	if len(updates) == 0 {
		writeError(w, http.StatusBadRequest, "empty_update")
		return
	}

	if err := a.store.UpdatePlaylist(r.Context(), playlist.ID, updates); err != nil {
		writeStoreError(w, err)
		return
	}

	kind := events.PlaylistUpdated
	if _, changed := updates["status"]; changed {
		kind = events.PlaylistStatusChanged
	}
	a.bus.Emit(kind, events.Payload{"playlist_id": playlist.ID})

	updated, err := a.store.GetPlaylistByID(r.Context(), playlist.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handlePlaylistDelete(w http.ResponseWriter, r *http.Request) {
	playlist, err := a.resolvePlaylist(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !a.canManage(r, playlist) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	if err := a.store.DeletePlaylist(r.Context(), playlist.ID); err != nil {
		writeStoreError(w, err)
		return
	}
	if a.cache != nil {
		a.cache.InvalidatePlaylistKey(r.Context(), playlist.Key)
		a.cache.InvalidateNowPlaying(r.Context(), playlist.ID)
	}

	a.bus.Emit(events.PlaylistDeleted, events.Payload{"playlist_id": playlist.ID})
	w.WriteHeader(http.StatusNoContent)
}

type songCreateRequest struct {
	IsInterrupt     bool    `json:"isInterrupt"`
	InterruptPrompt string  `json:"interruptPrompt"`
	OrderIndex      float64 `json:"orderIndex"`
}

// handleSongCreate appends a pending song, or wedges an interrupt half a
// step past the playlist's current position.
func (a *API) handleSongCreate(w http.ResponseWriter, r *http.Request) {
	playlist, err := a.resolvePlaylist(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !a.canManage(r, playlist) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req songCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStoreError(w, err)
		return
	}

	orderIndex := req.OrderIndex
	if orderIndex == 0 {
		if req.IsInterrupt {
			orderIndex = playlist.CurrentOrderIndex + 0.5
		} else {
			max, err := a.store.MaxOrderIndex(r.Context(), playlist.ID)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			orderIndex = max + 1
		}
	}

	song := &models.Song{
		PlaylistID:      playlist.ID,
		OrderIndex:      orderIndex,
		Status:          models.SongPending,
		PromptEpoch:     playlist.PromptEpoch,
		IsInterrupt:     req.IsInterrupt,
		InterruptPrompt: req.InterruptPrompt,
	}
	if err := a.store.CreateSong(r.Context(), song); err != nil {
		writeStoreError(w, err)
		return
	}

	a.bus.Emit(events.SongCreated, events.Payload{
		"song_id":     song.ID,
		"playlist_id": playlist.ID,
	})
	writeJSON(w, http.StatusCreated, song)
}

type songReorderRequest struct {
	OrderIndex float64 `json:"orderIndex"`
}

func (a *API) handleSongReorder(w http.ResponseWriter, r *http.Request) {
	song, playlist, err := a.resolveSongForManage(w, r)
	if err != nil {
		return
	}

	var req songReorderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := a.store.ReorderSong(r.Context(), song.ID, req.OrderIndex); err != nil {
		writeStoreError(w, err)
		return
	}

	a.bus.Emit(events.SongReordered, events.Payload{
		"song_id":     song.ID,
		"playlist_id": playlist.ID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"songId": song.ID, "orderIndex": req.OrderIndex})
}

// handleSongRetry re-enters a failed or cancelled song into the pipeline.
func (a *API) handleSongRetry(w http.ResponseWriter, r *http.Request) {
	song, _, err := a.resolveSongForManage(w, r)
	if err != nil {
		return
	}
	if song.Status != models.SongError && song.Status != models.SongCancelled {
		writeError(w, http.StatusUnprocessableEntity, "song_not_retryable")
		return
	}
	a.pipeline.Resume(song.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"songId": song.ID, "status": "resuming"})
}

func (a *API) handleSongDelete(w http.ResponseWriter, r *http.Request) {
	song, playlist, err := a.resolveSongForManage(w, r)
	if err != nil {
		return
	}
	if err := a.store.DeleteSong(r.Context(), song.ID); err != nil {
		writeStoreError(w, err)
		return
	}

	// The pipeline cancels any in-flight generation off this event.
	a.bus.Emit(events.SongDeleted, events.Payload{
		"song_id":     song.ID,
		"playlist_id": playlist.ID,
	})
	w.WriteHeader(http.StatusNoContent)
}

// resolveSongForManage loads a song and authorizes against its playlist.
// On failure it writes the response and returns a non-nil error.
func (a *API) resolveSongForManage(w http.ResponseWriter, r *http.Request) (*models.Song, *models.Playlist, error) {
	songID := chi.URLParam(r, "songID")
	song, err := a.store.GetSongByID(r.Context(), songID)
	if err != nil {
		writeStoreError(w, err)
		return nil, nil, err
	}
	playlist, err := a.store.GetPlaylistByID(r.Context(), song.PlaylistID)
	if err != nil {
		writeStoreError(w, err)
		return nil, nil, err
	}
	if !a.canManage(r, playlist) {
		writeError(w, http.StatusForbidden, "forbidden")
		return nil, nil, ErrValidation
	}
	return song, playlist, nil
}

func (a *API) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	if a.cache != nil {
		if settings, ok := a.cache.GetSettings(r.Context()); ok {
			writeJSON(w, http.StatusOK, settings)
			return
		}
	}
	settings, err := a.store.AllSettings(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if a.cache != nil {
		a.cache.SetSettings(r.Context(), settings)
	}
	writeJSON(w, http.StatusOK, settings)
}

func (a *API) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	var updates map[string]string
	if err := decodeJSON(r, &updates); err != nil {
		writeStoreError(w, err)
		return
	}
	if len(updates) == 0 {
		writeError(w, http.StatusBadRequest, "empty_update")
		return
	}

	for key, value := range updates {
		if err := a.store.SetSetting(r.Context(), key, value); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	if a.cache != nil {
		a.cache.InvalidateSettings(r.Context())
	}

	a.bus.Emit(events.SettingsChanged, events.Payload{"keys": settingKeys(updates)})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func settingKeys(updates map[string]string) []string {
	keys := make([]string, 0, len(updates))
	for key := range updates {
		keys = append(keys, key)
	}
	return keys
}
