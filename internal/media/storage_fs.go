/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// FilesystemStorage implements Storage using the local filesystem.
type FilesystemStorage struct {
	rootDir string
	baseURL string
	logger  zerolog.Logger
}

// NewFilesystemStorage creates a filesystem-based storage backend. baseURL
// is the public prefix the HTTP server serves rootDir under.
func NewFilesystemStorage(rootDir, baseURL string, logger zerolog.Logger) *FilesystemStorage {
	return &FilesystemStorage{
		rootDir: rootDir,
		baseURL: baseURL,
		logger:  logger.With().Str("component", "media_fs").Logger(),
	}
}

// Store saves an artifact under the media root.
func (fs *FilesystemStorage) Store(ctx context.Context, playlistID, name string, file io.Reader) (string, error) {
	relativePath := buildArtifactPath(playlistID, name)
	fullPath := filepath.Join(fs.rootDir, filepath.FromSlash(relativePath))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", fmt.Errorf("create directories: %w", err)
	}

	dest, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer dest.Close()

	if _, err := io.Copy(dest, file); err != nil {
		os.Remove(fullPath) // Clean up on failure
		return "", fmt.Errorf("write file: %w", err)
	}

	fs.logger.Debug().
		Str("path", fullPath).
		Str("playlist_id", playlistID).
		Msg("artifact stored")

	return relativePath, nil
}

// Delete removes an artifact from the filesystem.
func (fs *FilesystemStorage) Delete(ctx context.Context, storedPath string) error {
	fullPath := filepath.Join(fs.rootDir, filepath.FromSlash(storedPath))
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// URL returns the public URL for a stored artifact.
func (fs *FilesystemStorage) URL(storedPath string) string {
	return fs.baseURL + "/" + storedPath
}

// CheckAccess verifies the media root exists and is a directory, creating
// it when missing.
func (fs *FilesystemStorage) CheckAccess(ctx context.Context) error {
	info, err := os.Stat(fs.rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(fs.rootDir, 0755)
		}
		return fmt.Errorf("cannot access media root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("media root is not a directory: %s", fs.rootDir)
	}
	return nil
}
