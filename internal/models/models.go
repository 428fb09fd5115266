/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"
)

// SongStatus tracks a song through the generation pipeline.
type SongStatus string

const (
	SongPending            SongStatus = "pending"
	SongGeneratingMetadata SongStatus = "generating_metadata"
	SongMetadataReady      SongStatus = "metadata_ready"
	SongSubmittingToAce    SongStatus = "submitting_to_ace"
	SongGeneratingAudio    SongStatus = "generating_audio"
	SongSaving             SongStatus = "saving"
	SongReady              SongStatus = "ready"
	SongPlayed             SongStatus = "played"
	SongError              SongStatus = "error"
	SongCancelled          SongStatus = "cancelled"
)

// Generating reports whether the status is one of the active pipeline states.
func (s SongStatus) Generating() bool {
	switch s {
	case SongGeneratingMetadata, SongMetadataReady, SongSubmittingToAce, SongGeneratingAudio, SongSaving:
		return true
	}
	return false
}

// Terminal reports whether the pipeline will not advance the song further.
func (s SongStatus) Terminal() bool {
	switch s {
	case SongReady, SongPlayed, SongError, SongCancelled:
		return true
	}
	return false
}

// PlaylistStatus tracks the playlist lifecycle.
type PlaylistStatus string

const (
	PlaylistActive  PlaylistStatus = "active"
	PlaylistClosing PlaylistStatus = "closing"
	PlaylistClosed  PlaylistStatus = "closed"
)

// User represents an authenticated account.
type User struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	Email     string `gorm:"uniqueIndex"`
	Password  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Playlist is the unit a room binds to. Key is the stable shareable
// identifier; PromptEpoch advances each time the playlist is steered.
type Playlist struct {
	ID                string `gorm:"type:uuid;primaryKey"`
	Key               string `gorm:"uniqueIndex"`
	Name              string
	Prompt            string         `gorm:"type:text"`
	PromptEpoch       int            `gorm:"default:0"`
	CurrentOrderIndex float64        `gorm:"default:0"`
	Status            PlaylistStatus `gorm:"type:varchar(16);index"`
	OwnerUserID       string         `gorm:"type:uuid;index"`
	ManageSecretHash  string
	Temporary         bool
	LastHeartbeatAt   time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Song is one generated (or generating) track. OrderIndex is real-valued;
// half values mark interrupts wedged between existing songs.
type Song struct {
	ID                string     `gorm:"type:uuid;primaryKey"`
	PlaylistID        string     `gorm:"type:uuid;index"`
	OrderIndex        float64    `gorm:"index"`
	Status            SongStatus `gorm:"type:varchar(32);index"`
	PromptEpoch       int
	IsInterrupt       bool
	InterruptPrompt   string `gorm:"type:text"`
	Title             string
	Artist            string
	Style             string
	Lyrics            string `gorm:"type:text"`
	CoverURL          string
	AudioURL          string
	AudioDuration     float64
	AceTaskID         string `gorm:"index"`
	ErrorMessage      string `gorm:"type:text"`
	ErroredAtStatus   string `gorm:"type:varchar(32)"`
	CancelledAtStatus string `gorm:"type:varchar(32)"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Playable reports whether the room may advance onto this song.
func (s Song) Playable() bool {
	return s.AudioURL != "" && s.Status != SongError && s.Status != SongCancelled
}

// Setting is a single key/value of server-wide configuration.
type Setting struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}
