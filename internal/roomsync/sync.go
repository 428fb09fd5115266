/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package roomsync keeps live rooms in step with the database: song and
// playlist events refresh the affected rooms' queues, and idle rooms that
// auto-start get fresh generation runway primed for them.
package roomsync

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_jukebox/internal/events"
	"github.com/friendsincode/bragi_jukebox/internal/models"
	"github.com/friendsincode/bragi_jukebox/internal/room"
	"github.com/friendsincode/bragi_jukebox/internal/store"
)

// primeCount is how many pending songs are queued ahead when an idle room
// starts playing.
const primeCount = 5

// Sync wires the event bus to the room manager.
type Sync struct {
	store   *store.Store
	bus     *events.Bus
	rooms   *room.Manager
	logger  zerolog.Logger
	timeout time.Duration

	unsubscribe []func()
}

// New creates the sync layer.
func New(st *store.Store, bus *events.Bus, rooms *room.Manager, logger zerolog.Logger) *Sync {
	return &Sync{
		store:   st,
		bus:     bus,
		rooms:   rooms,
		logger:  logger.With().Str("component", "room_sync").Logger(),
		timeout: 15 * time.Second,
	}
}

// Attach registers the bus subscriptions.
func (s *Sync) Attach() {
	refresh := func(kind events.Kind, payload events.Payload) {
		s.RefreshPlaylist(payload.PlaylistID())
	}

	for _, kind := range []events.Kind{
		events.SongCreated,
		events.SongStatusChanged,
		events.SongDeleted,
		events.SongMetadataUpdated,
		events.SongReordered,
		events.PlaylistSteered,
	} {
		s.unsubscribe = append(s.unsubscribe, s.bus.Subscribe(kind, refresh))
	}

	s.unsubscribe = append(s.unsubscribe, s.bus.Subscribe(events.PlaylistDeleted, func(kind events.Kind, payload events.Payload) {
		s.handlePlaylistDeleted(payload.PlaylistID())
	}))
}

// Detach removes the bus subscriptions.
func (s *Sync) Detach() {
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	s.unsubscribe = nil
}

// RefreshPlaylist re-pushes the store's song list into every room bound
// to the playlist.
func (s *Sync) RefreshPlaylist(playlistID string) {
	if playlistID == "" {
		return
	}
	for _, r := range s.rooms.ByPlaylistID(playlistID) {
		s.RefreshRoom(r)
	}
}

// RefreshRoom reloads one room's queue, lazily binding the playlist by
// key on first touch. Used on refresh events and on device join.
func (s *Sync) RefreshRoom(r *room.Room) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	playlistID := r.PlaylistID()
	if playlistID == "" {
		playlist, err := s.store.GetPlaylistByKey(ctx, r.PlaylistKey())
		if err != nil {
			s.logger.Warn().Err(err).Str("room_id", r.ID).Msg("room has no resolvable playlist")
			return
		}
		r.BindPlaylist(playlist.ID, playlist.PromptEpoch, playlist.CurrentOrderIndex)
		playlistID = playlist.ID
	}

	playlist, err := s.store.GetPlaylistByID(ctx, playlistID)
	if err != nil {
		s.logger.Warn().Err(err).Str("playlist_id", playlistID).Msg("refresh: load playlist")
		return
	}
	songs, err := s.store.ListSongsByPlaylist(ctx, playlistID)
	if err != nil {
		s.logger.Warn().Err(err).Str("playlist_id", playlistID).Msg("refresh: list songs")
		return
	}

	seeded, seededIndex := r.UpdateQueue(songs, playlist.PromptEpoch)
	if seeded {
		s.primeGeneration(ctx, playlist, seededIndex)
	}
}

// primeGeneration keeps the playlist alive and queues pending songs past
// the end so playback has runway. Failures are logged, never fatal.
func (s *Sync) primeGeneration(ctx context.Context, playlist *models.Playlist, seededIndex float64) {
	if err := s.store.HeartbeatPlaylist(ctx, playlist.ID); err != nil {
		s.logger.Warn().Err(err).Str("playlist_id", playlist.ID).Msg("prime: heartbeat")
	}

	maxIndex, err := s.store.MaxOrderIndex(ctx, playlist.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("playlist_id", playlist.ID).Msg("prime: max order index")
		return
	}

	s.logger.Info().
		Str("playlist_id", playlist.ID).
		Float64("seeded_index", seededIndex).
		Float64("max_order_index", maxIndex).
		Msg("idle room seeded, priming generation")

	for i := 1; i <= primeCount; i++ {
		song := &models.Song{
			PlaylistID:  playlist.ID,
			OrderIndex:  maxIndex + float64(i),
			Status:      models.SongPending,
			PromptEpoch: playlist.PromptEpoch,
		}
		if err := s.store.CreateSong(ctx, song); err != nil {
			s.logger.Warn().Err(err).Str("playlist_id", playlist.ID).Msg("prime: create pending song")
			continue
		}
		s.bus.Emit(events.SongCreated, events.Payload{
			"song_id":     song.ID,
			"playlist_id": playlist.ID,
		})
	}
}

func (s *Sync) handlePlaylistDeleted(playlistID string) {
	for _, r := range s.rooms.ByPlaylistID(playlistID) {
		r.UpdateQueue(nil, 0)
		s.logger.Info().Str("room_id", r.ID).Str("playlist_id", playlistID).Msg("cleared room queue after playlist delete")
	}
}
