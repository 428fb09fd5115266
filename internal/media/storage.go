/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package media stores generated artifacts (audio files, cover art) on the
// local filesystem or S3-compatible object storage.
package media

import (
	"context"
	"io"
	"path"
)

// Storage abstracts artifact persistence.
type Storage interface {
	// Store writes one artifact and returns the path to persist in the
	// database.
	Store(ctx context.Context, playlistID, name string, file io.Reader) (string, error)
	// Delete removes an artifact. Missing artifacts are not an error.
	Delete(ctx context.Context, storedPath string) error
	// URL converts a stored path into the URL players fetch.
	URL(storedPath string) string
	// CheckAccess verifies the backend is usable at startup.
	CheckAccess(ctx context.Context) error
}

// buildArtifactPath shards artifacts by playlist so a single directory or
// key prefix never grows unbounded.
func buildArtifactPath(playlistID, name string) string {
	prefix := "_"
	if len(playlistID) >= 2 {
		prefix = playlistID[:2]
	}
	return path.Join(prefix, playlistID, name)
}
