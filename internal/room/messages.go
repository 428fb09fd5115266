/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package room

import "github.com/friendsincode/bragi_jukebox/internal/models"

// Role describes how a device participates in a room.
type Role string

const (
	// RolePlayer devices produce audio and obey execute broadcasts.
	RolePlayer Role = "player"
	// RoleController devices observe state and issue commands.
	RoleController Role = "controller"
)

// Mode tracks whether a device follows the room or was individually
// targeted.
type Mode string

const (
	ModeDefault    Mode = "default"
	ModeIndividual Mode = "individual"
)

// DeviceSocket is the outbound half of a device connection. Writes happen
// only from the owning room's serialized context.
type DeviceSocket interface {
	// Send marshals and writes one JSON message. An error means the
	// socket is unusable and the device will be dropped.
	Send(msg any) error
	Close() error
}

// Device is one connected participant.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
	Mode Mode   `json:"mode"`

	socket DeviceSocket
}

// PlaybackState is the authoritative playback view of a room.
type PlaybackState struct {
	CurrentSongID string  `json:"currentSongId,omitempty"`
	IsPlaying     bool    `json:"isPlaying"`
	CurrentTime   float64 `json:"currentTime"`
	Duration      float64 `json:"duration"`
	Volume        float64 `json:"volume"`
	Muted         bool    `json:"muted"`
	Rate          float64 `json:"rate"`
}

// Server→client message kinds.

type stateMessage struct {
	Type        string        `json:"type"` // "state"
	Playback    PlaybackState `json:"playback"`
	CurrentSong *models.Song  `json:"currentSong,omitempty"`
	UpNext      *models.Song  `json:"upNext,omitempty"`
	Devices     []Device      `json:"devices"`
}

type queueMessage struct {
	Type  string        `json:"type"` // "queue"
	Songs []models.Song `json:"songs"`
}

type executeMessage struct {
	Type    string         `json:"type"` // "execute"
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
	Scope   string         `json:"scope"` // "room" | "device"
}

type nextSongMessage struct {
	Type     string `json:"type"` // "nextSong"
	SongID   string `json:"songId"`
	AudioURL string `json:"audioUrl"`
	StartAt  int64  `json:"startAt,omitempty"` // server clock, unix ms
}

type preloadMessage struct {
	Type     string `json:"type"` // "preload"
	SongID   string `json:"songId"`
	AudioURL string `json:"audioUrl"`
}

type pongMessage struct {
	Type       string  `json:"type"` // "pong"
	ClientTime float64 `json:"clientTime"`
	ServerTime int64   `json:"serverTime"` // unix ms
}
