/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package media

import (
	"context"
	"fmt"
	"path"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_jukebox/internal/config"
	"github.com/friendsincode/bragi_jukebox/internal/endpoint"
)

// LocalMediaBaseURL is the path prefix the HTTP server serves the media
// root under when filesystem storage is active.
const LocalMediaBaseURL = "/media"

// Service copies finished artifacts from the model endpoints into durable
// storage. Saving is best-effort: on failure the endpoint URL remains the
// song's artifact URL.
type Service struct {
	storage Storage
	logger  zerolog.Logger
}

// NewService creates the artifact save service.
func NewService(storage Storage, logger zerolog.Logger) *Service {
	return &Service{
		storage: storage,
		logger:  logger.With().Str("component", "media").Logger(),
	}
}

// SelectStorage picks the configured backend: S3 when a bucket is set,
// the local filesystem otherwise. The backend must pass its access check
// before the server starts accepting work.
func SelectStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (Storage, error) {
	var storage Storage
	if cfg.S3Bucket != "" {
		s3Storage, err := NewS3Storage(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		storage = s3Storage
	} else {
		storage = NewFilesystemStorage(cfg.MediaRoot, LocalMediaBaseURL, logger)
	}
	if err := storage.CheckAccess(ctx); err != nil {
		return nil, fmt.Errorf("storage access check: %w", err)
	}
	return storage, nil
}

// SaveAudio downloads a finished track from the audio endpoint and stores
// it. Returns the durable URL.
func (s *Service) SaveAudio(ctx context.Context, playlistID, songID, sourceURL string) (string, error) {
	return s.save(ctx, playlistID, songID+audioExt(sourceURL), sourceURL)
}

// SaveCover downloads generated cover art and stores it.
func (s *Service) SaveCover(ctx context.Context, playlistID, songID, sourceURL string) (string, error) {
	return s.save(ctx, playlistID, songID+".png", sourceURL)
}

func (s *Service) save(ctx context.Context, playlistID, name, sourceURL string) (string, error) {
	body, err := endpoint.Fetch(ctx, sourceURL)
	if err != nil {
		return "", fmt.Errorf("fetch artifact: %w", err)
	}
	defer body.Close()

	storedPath, err := s.storage.Store(ctx, playlistID, name, body)
	if err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	return s.storage.URL(storedPath), nil
}

// DeleteSongArtifacts removes a deleted song's stored files. Missing files
// are ignored.
func (s *Service) DeleteSongArtifacts(ctx context.Context, playlistID, songID string) {
	for _, name := range []string{songID + ".mp3", songID + ".wav", songID + ".png"} {
		if err := s.storage.Delete(ctx, buildArtifactPath(playlistID, name)); err != nil {
			s.logger.Warn().Err(err).Str("song_id", songID).Str("name", name).Msg("artifact delete failed")
		}
	}
}

func audioExt(sourceURL string) string {
	switch ext := path.Ext(sourceURL); ext {
	case ".mp3", ".wav", ".flac", ".ogg", ".m4a":
		return ext
	default:
		return ".mp3"
	}
}
