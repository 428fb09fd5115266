/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package room

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_jukebox/internal/telemetry"
)

// Manager owns the live rooms, keyed by room id (the playlist key a
// client joins under).
type Manager struct {
	logger    zerolog.Logger
	callbacks Callbacks

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewManager creates the room registry.
func NewManager(callbacks Callbacks, logger zerolog.Logger) *Manager {
	return &Manager{
		logger:    logger.With().Str("component", "room_manager").Logger(),
		callbacks: callbacks,
		rooms:     make(map[string]*Room),
	}
}

// GetOrCreate returns the room for id, creating it on first join.
func (m *Manager) GetOrCreate(id string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[id]; ok {
		return r
	}
	r := NewRoom(id, m.callbacks, m.logger)
	m.rooms[id] = r
	telemetry.RoomsActive.Set(float64(len(m.rooms)))
	m.logger.Info().Str("room_id", id).Msg("room created")
	return r
}

// Get returns an existing room or nil.
func (m *Manager) Get(id string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[id]
}

// Rooms snapshots all live rooms.
func (m *Manager) Rooms() []*Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out
}

// ByPlaylistID returns every room bound to a playlist.
func (m *Manager) ByPlaylistID(playlistID string) []*Room {
	if playlistID == "" {
		return nil
	}
	var out []*Room
	for _, r := range m.Rooms() {
		if r.PlaylistID() == playlistID {
			out = append(out, r)
		}
	}
	return out
}

// Remove disposes a room and forgets it.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	r, ok := m.rooms[id]
	if ok {
		delete(m.rooms, id)
		telemetry.RoomsActive.Set(float64(len(m.rooms)))
	}
	m.mu.Unlock()
	if ok {
		r.Dispose()
		m.logger.Info().Str("room_id", id).Msg("room removed")
	}
}

// DisposeAll tears down every room at shutdown.
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[string]*Room)
	telemetry.RoomsActive.Set(0)
	m.mu.Unlock()
	for _, r := range rooms {
		r.Dispose()
	}
}
