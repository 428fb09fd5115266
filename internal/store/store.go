/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package store wraps all database access for playlists, songs, and
// settings. Callers emit bus events; the store only persists.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/friendsincode/bragi_jukebox/internal/models"
)

// ErrNotFound is returned when a playlist or song does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a guarded status change matched no
// row, meaning the entity exists but is not in the required state.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store provides persistence for the jukebox domain.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// New creates a Store.
func New(db *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// DB exposes the underlying handle for callers that need transactions.
func (s *Store) DB() *gorm.DB { return s.db }

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// --- playlists ---

// CreatePlaylist persists a new playlist. ID and Key are generated when
// empty; manageSecret, when non-empty, is stored as a bcrypt hash.
func (s *Store) CreatePlaylist(ctx context.Context, playlist *models.Playlist, manageSecret string) error {
	if playlist.ID == "" {
		playlist.ID = uuid.NewString()
	}
	if playlist.Key == "" {
		playlist.Key = uuid.NewString()
	}
	if playlist.Status == "" {
		playlist.Status = models.PlaylistActive
	}
	if manageSecret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(manageSecret), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash manage secret: %w", err)
		}
		playlist.ManageSecretHash = string(hash)
	}
	playlist.LastHeartbeatAt = time.Now().UTC()
	return s.db.WithContext(ctx).Create(playlist).Error
}

// GetPlaylistByID loads one playlist by primary key.
func (s *Store) GetPlaylistByID(ctx context.Context, id string) (*models.Playlist, error) {
	var playlist models.Playlist
	if err := s.db.WithContext(ctx).First(&playlist, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &playlist, nil
}

// GetPlaylistByKey loads one playlist by its shareable key.
func (s *Store) GetPlaylistByKey(ctx context.Context, key string) (*models.Playlist, error) {
	var playlist models.Playlist
	if err := s.db.WithContext(ctx).First(&playlist, "key = ?", key).Error; err != nil {
		return nil, notFound(err)
	}
	return &playlist, nil
}

// ListPlaylistsByOwner lists playlists owned by one user, newest first.
func (s *Store) ListPlaylistsByOwner(ctx context.Context, ownerUserID string) ([]models.Playlist, error) {
	var playlists []models.Playlist
	err := s.db.WithContext(ctx).
		Where("owner_user_id = ?", ownerUserID).
		Order("created_at DESC").
		Find(&playlists).Error
	return playlists, err
}

// VerifyManageSecret checks a caller-supplied secret against the stored
// hash. Playlists without a secret reject every attempt.
func (s *Store) VerifyManageSecret(playlist *models.Playlist, secret string) bool {
	if playlist.ManageSecretHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(playlist.ManageSecretHash), []byte(secret)) == nil
}

// SteerPlaylist replaces the prompt and advances the prompt epoch. Returns
// the updated playlist.
func (s *Store) SteerPlaylist(ctx context.Context, id, prompt string) (*models.Playlist, error) {
	playlist, err := s.GetPlaylistByID(ctx, id)
	if err != nil {
		return nil, err
	}
	playlist.Prompt = prompt
	playlist.PromptEpoch++
	err = s.db.WithContext(ctx).Model(&models.Playlist{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"prompt":       playlist.Prompt,
			"prompt_epoch": playlist.PromptEpoch,
		}).Error
	if err != nil {
		return nil, err
	}
	return playlist, nil
}

// UpdatePlaylist applies a partial column update to one playlist.
func (s *Store) UpdatePlaylist(ctx context.Context, id string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&models.Playlist{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePlaylistPosition records the room's current order index so a
// restarted room resumes where listeners left off.
func (s *Store) UpdatePlaylistPosition(ctx context.Context, id string, orderIndex float64) error {
	return s.db.WithContext(ctx).Model(&models.Playlist{}).
		Where("id = ?", id).
		Update("current_order_index", orderIndex).Error
}

// HeartbeatPlaylist refreshes the liveness timestamp of a playlist.
func (s *Store) HeartbeatPlaylist(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&models.Playlist{}).
		Where("id = ?", id).
		Update("last_heartbeat_at", time.Now().UTC()).Error
}

// DeletePlaylist removes a playlist and all of its songs.
func (s *Store) DeletePlaylist(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("playlist_id = ?", id).Delete(&models.Song{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&models.Playlist{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ExpiredTemporaryPlaylists lists temporary playlists whose heartbeat is
// older than the cutoff.
func (s *Store) ExpiredTemporaryPlaylists(ctx context.Context, cutoff time.Time) ([]models.Playlist, error) {
	var playlists []models.Playlist
	err := s.db.WithContext(ctx).
		Where("temporary = ? AND last_heartbeat_at < ?", true, cutoff).
		Find(&playlists).Error
	return playlists, err
}

// --- songs ---

// CreateSong persists a new song, generating its ID when empty.
func (s *Store) CreateSong(ctx context.Context, song *models.Song) error {
	if song.ID == "" {
		song.ID = uuid.NewString()
	}
	if song.Status == "" {
		song.Status = models.SongPending
	}
	return s.db.WithContext(ctx).Create(song).Error
}

// GetSongByID loads one song.
func (s *Store) GetSongByID(ctx context.Context, id string) (*models.Song, error) {
	var song models.Song
	if err := s.db.WithContext(ctx).First(&song, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &song, nil
}

// ListSongsByPlaylist returns the playlist's songs ordered by order index.
func (s *Store) ListSongsByPlaylist(ctx context.Context, playlistID string) ([]models.Song, error) {
	var songs []models.Song
	err := s.db.WithContext(ctx).
		Where("playlist_id = ?", playlistID).
		Order("order_index ASC").
		Find(&songs).Error
	return songs, err
}

// MaxOrderIndex returns the highest order index in a playlist, or 0 when
// the playlist has no songs.
func (s *Store) MaxOrderIndex(ctx context.Context, playlistID string) (float64, error) {
	var max *float64
	err := s.db.WithContext(ctx).Model(&models.Song{}).
		Where("playlist_id = ?", playlistID).
		Select("MAX(order_index)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

// ResumableSongs lists songs stuck in a non-terminal pipeline state,
// oldest first. Used on startup to re-drive interrupted generation.
func (s *Store) ResumableSongs(ctx context.Context) ([]models.Song, error) {
	var songs []models.Song
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.SongStatus{
			models.SongPending,
			models.SongGeneratingMetadata,
			models.SongMetadataReady,
			models.SongSubmittingToAce,
			models.SongGeneratingAudio,
			models.SongSaving,
		}).
		Order("created_at ASC").
		Find(&songs).Error
	return songs, err
}

// UpdateSongStatus transitions one song. Returns ErrNotFound when the song
// does not exist.
func (s *Store) UpdateSongStatus(ctx context.Context, id string, status models.SongStatus) error {
	res := s.db.WithContext(ctx).Model(&models.Song{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSongMetadata stores generated metadata and moves the song to
// metadata_ready.
func (s *Store) SetSongMetadata(ctx context.Context, id, title, artist, style, lyrics string) error {
	return s.db.WithContext(ctx).Model(&models.Song{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"title":  title,
			"artist": artist,
			"style":  style,
			"lyrics": lyrics,
			"status": models.SongMetadataReady,
		}).Error
}

// SetSongAceTask records the audio generation task id.
func (s *Store) SetSongAceTask(ctx context.Context, id, taskID string) error {
	return s.db.WithContext(ctx).Model(&models.Song{}).
		Where("id = ?", id).
		Update("ace_task_id", taskID).Error
}

// SetSongCover stores the generated cover URL.
func (s *Store) SetSongCover(ctx context.Context, id, coverURL string) error {
	return s.db.WithContext(ctx).Model(&models.Song{}).
		Where("id = ?", id).
		Update("cover_url", coverURL).Error
}

// MarkSongReady records the audio artifact and completes generation.
func (s *Store) MarkSongReady(ctx context.Context, id, audioURL string, duration float64) error {
	return s.db.WithContext(ctx).Model(&models.Song{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"audio_url":      audioURL,
			"audio_duration": duration,
			"status":         models.SongReady,
			"error_message":  "",
		}).Error
}

// MarkSongError records a generation failure, remembering the stage it
// failed in so a later retry can resume there.
func (s *Store) MarkSongError(ctx context.Context, id, message string, atStatus models.SongStatus) error {
	return s.db.WithContext(ctx).Model(&models.Song{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            models.SongError,
			"error_message":     message,
			"errored_at_status": string(atStatus),
		}).Error
}

// MarkSongCancelled records a cancellation, remembering the interrupted
// stage.
func (s *Store) MarkSongCancelled(ctx context.Context, id string, atStatus models.SongStatus) error {
	return s.db.WithContext(ctx).Model(&models.Song{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":              models.SongCancelled,
			"cancelled_at_status": string(atStatus),
		}).Error
}

// MarkSongPlayed transitions a ready song after the room finished it.
func (s *Store) MarkSongPlayed(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&models.Song{}).
		Where("id = ? AND status = ?", id, models.SongReady).
		Update("status", models.SongPlayed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetSongByID(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

// ReorderSong moves a song to a new order index.
func (s *Store) ReorderSong(ctx context.Context, id string, orderIndex float64) error {
	res := s.db.WithContext(ctx).Model(&models.Song{}).
		Where("id = ?", id).
		Update("order_index", orderIndex)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSong removes one song.
func (s *Store) DeleteSong(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Song{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- settings ---

// GetSetting returns a setting value, or "" when unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var setting models.Setting
	if err := s.db.WithContext(ctx).First(&setting, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return setting.Value, nil
}

// SetSetting upserts a setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	setting := models.Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Save(&setting).Error
}

// AllSettings returns every setting as a map.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	var settings []models.Setting
	if err := s.db.WithContext(ctx).Find(&settings).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(settings))
	for _, setting := range settings {
		out[setting.Key] = setting.Value
	}
	return out, nil
}
