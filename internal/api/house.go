/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/friendsincode/bragi_jukebox/internal/auth"
	"github.com/friendsincode/bragi_jukebox/internal/cache"
	"github.com/friendsincode/bragi_jukebox/internal/logbuffer"
	"github.com/friendsincode/bragi_jukebox/internal/queue"
	"github.com/friendsincode/bragi_jukebox/internal/store"
)

var houseActions = map[string]bool{
	"play":       true,
	"pause":      true,
	"toggle":     true,
	"skip":       true,
	"setVolume":  true,
	"toggleMute": true,
	"syncAll":    true,
}

type houseCommandRequest struct {
	Action      string         `json:"action"`
	Payload     map[string]any `json:"payload"`
	PlaylistIDs []string       `json:"playlistIds"`
}

type houseCommandResponse struct {
	AffectedPlaylistIDs []string `json:"affectedPlaylistIds"`
	AffectedRoomIDs     []string `json:"affectedRoomIds"`
	SkippedPlaylistIDs  []string `json:"skippedPlaylistIds"`
}

// handleHouseCommands fans one room command out to every room backed by a
// playlist the caller owns. Playlists the caller does not own, or that do
// not exist, are reported as skipped rather than failing the request.
func (a *API) handleHouseCommands(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	var req houseCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStoreError(w, err)
		return
	}
	if !houseActions[req.Action] {
		writeError(w, http.StatusBadRequest, "unknown_action")
		return
	}

	playlistIDs := req.PlaylistIDs
	if len(playlistIDs) == 0 {
		owned, err := a.store.ListPlaylistsByOwner(r.Context(), claims.UserID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		for _, playlist := range owned {
			playlistIDs = append(playlistIDs, playlist.ID)
		}
	}

	resp := houseCommandResponse{
		AffectedPlaylistIDs: []string{},
		AffectedRoomIDs:     []string{},
		SkippedPlaylistIDs:  []string{},
	}
	for _, playlistID := range playlistIDs {
		playlist, err := a.store.GetPlaylistByID(r.Context(), playlistID)
		if err != nil {
			resp.SkippedPlaylistIDs = append(resp.SkippedPlaylistIDs, playlistID)
			continue
		}
		if !claims.IsAdmin() && playlist.OwnerUserID != claims.UserID {
			resp.SkippedPlaylistIDs = append(resp.SkippedPlaylistIDs, playlistID)
			continue
		}

		resp.AffectedPlaylistIDs = append(resp.AffectedPlaylistIDs, playlist.ID)
		for _, rm := range a.rooms.ByPlaylistID(playlist.ID) {
			if err := rm.HandleCommand("house", req.Action, req.Payload, ""); err != nil {
				a.logger.Warn().Err(err).
					Str("room_id", rm.ID).
					Str("action", req.Action).
					Msg("house command rejected by room")
				continue
			}
			resp.AffectedRoomIDs = append(resp.AffectedRoomIDs, rm.ID)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type houseSession struct {
	PlaylistID    string  `json:"playlistId"`
	PlaylistKey   string  `json:"playlistKey"`
	Name          string  `json:"name"`
	RoomID        string  `json:"roomId,omitempty"`
	DeviceCount   int     `json:"deviceCount"`
	IsPlaying     bool    `json:"isPlaying"`
	CurrentSongID string  `json:"currentSongId,omitempty"`
	CurrentTime   float64 `json:"currentTime"`
}

func (a *API) handleHouseSessions(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	playlists, err := a.store.ListPlaylistsByOwner(r.Context(), claims.UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	sessions := make([]houseSession, 0, len(playlists))
	for _, playlist := range playlists {
		session := houseSession{
			PlaylistID:  playlist.ID,
			PlaylistKey: playlist.Key,
			Name:        playlist.Name,
		}
		for _, rm := range a.rooms.ByPlaylistID(playlist.ID) {
			playback, _ := rm.Snapshot()
			session.RoomID = rm.ID
			session.DeviceCount = rm.DeviceCount()
			session.IsPlaying = playback.IsPlaying
			session.CurrentSongID = playback.CurrentSongID
			session.CurrentTime = playback.CurrentTime
		}
		sessions = append(sessions, session)
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleNowPlaying serves a polling-friendly status view for one room,
// keyed by playlist key or id. Snapshots are cached briefly.
func (a *API) handleNowPlaying(w http.ResponseWriter, r *http.Request) {
	roomKey := r.URL.Query().Get("room")
	if roomKey == "" {
		writeError(w, http.StatusBadRequest, "room_required")
		return
	}

	playlist, err := a.store.GetPlaylistByKey(r.Context(), roomKey)
	if errors.Is(err, store.ErrNotFound) {
		playlist, err = a.store.GetPlaylistByID(r.Context(), roomKey)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if a.cache != nil {
		if snapshot, ok := a.cache.GetNowPlaying(r.Context(), playlist.ID); ok {
			writeJSON(w, http.StatusOK, snapshot)
			return
		}
	}

	snapshot := &cache.NowPlaying{
		PlaylistID: playlist.ID,
		UpdatedAt:  time.Now().UnixMilli(),
	}
	for _, rm := range a.rooms.ByPlaylistID(playlist.ID) {
		playback, current := rm.Snapshot()
		snapshot.IsPlaying = playback.IsPlaying
		snapshot.CurrentTime = playback.CurrentTime
		snapshot.Duration = playback.Duration
		if current != nil {
			snapshot.SongID = current.ID
			snapshot.Title = current.Title
			snapshot.Artist = current.Artist
			snapshot.CoverURL = current.CoverURL
		}
	}
	if a.cache != nil {
		a.cache.SetNowPlaying(r.Context(), snapshot)
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	dbStatus := "ok"
	if sqlDB, err := a.store.DB().DB(); err != nil {
		dbStatus = err.Error()
		status = http.StatusServiceUnavailable
	} else if err := sqlDB.PingContext(r.Context()); err != nil {
		dbStatus = err.Error()
		status = http.StatusServiceUnavailable
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":      overall,
		"database":    dbStatus,
		"rooms":       len(a.rooms.Rooms()),
		"busSequence": a.bus.Sequence(),
		"observers":   a.hub.Count(),
		"queues":      a.queueSummaries(),
	})
}

type queueSummary struct {
	Endpoint string `json:"endpoint"`
	Pending  int    `json:"pending"`
	Active   int    `json:"active"`
	Errors   uint64 `json:"errors"`
}

func (a *API) queueSummaries() []queueSummary {
	summaries := make([]queueSummary, 0, 3)
	for _, scheduler := range []*queue.Scheduler{a.queues.LLM, a.queues.Image, a.queues.Audio} {
		if scheduler == nil {
			continue
		}
		status := scheduler.Status()
		summaries = append(summaries, queueSummary{
			Endpoint: string(status.Endpoint),
			Pending:  len(status.Pending),
			Active:   len(status.Active),
			Errors:   status.Errors,
		})
	}
	return summaries
}

func (a *API) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	// ?playlist= narrows the log view to one playlist (key or id).
	playlistID := ""
	if ref := r.URL.Query().Get("playlist"); ref != "" {
		playlist, err := a.store.GetPlaylistByKey(r.Context(), ref)
		if errors.Is(err, store.ErrNotFound) {
			playlist, err = a.store.GetPlaylistByID(r.Context(), ref)
		}
		if err != nil {
			writeStoreError(w, err)
			return
		}
		playlistID = playlist.ID
	}

	response := map[string]any{
		"queues": map[string]any{
			"llm":   a.queues.LLM.Status(),
			"image": a.queues.Image.Status(),
			"audio": a.queues.Audio.Status(),
		},
		"rooms":       len(a.rooms.Rooms()),
		"busSequence": a.bus.Sequence(),
	}
	if a.logBuffer != nil {
		response["recentLogs"] = a.logBuffer.Query(logbuffer.QueryParams{
			PlaylistID: playlistID,
			Limit:      50,
			Descending: true,
		})
		response["logStats"] = a.logBuffer.StatsForPlaylist(playlistID)
		response["logComponents"] = a.logBuffer.GetComponentsForPlaylist(playlistID)
	}
	writeJSON(w, http.StatusOK, response)
}
