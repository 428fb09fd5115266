/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package room

import "github.com/friendsincode/bragi_jukebox/internal/models"

// PickNextSong selects the next song to play. It is a pure function of its
// inputs:
//
//  1. A playable interrupt past the current position wins outright.
//  2. Otherwise the next current-epoch song with audio.
//  3. Otherwise the next song with audio regardless of epoch (a filler
//     covering the gap right after a steer).
//  4. Otherwise none.
func PickNextSong(queue []models.Song, epoch int, currentOrderIndex float64) *models.Song {
	if pick := pickSmallest(queue, func(s *models.Song) bool {
		return s.IsInterrupt && s.Playable() && interruptActive(s) && s.OrderIndex > currentOrderIndex
	}); pick != nil {
		return pick
	}

	if pick := pickSmallest(queue, func(s *models.Song) bool {
		return s.Playable() && s.PromptEpoch == epoch && s.OrderIndex > currentOrderIndex
	}); pick != nil {
		return pick
	}

	return pickSmallest(queue, func(s *models.Song) bool {
		return s.Playable() && s.OrderIndex > currentOrderIndex
	})
}

// PendingInterrupt returns an interrupt that is still generating past the
// current position. It is shown as "up next" but never picked until its
// audio arrives.
func PendingInterrupt(queue []models.Song, currentOrderIndex float64) *models.Song {
	return pickSmallest(queue, func(s *models.Song) bool {
		return s.IsInterrupt && s.AudioURL == "" && s.Status.Generating() && s.OrderIndex > currentOrderIndex
	})
}

func interruptActive(s *models.Song) bool {
	return s.Status == models.SongReady || s.Status.Generating()
}

func pickSmallest(queue []models.Song, match func(*models.Song) bool) *models.Song {
	var best *models.Song
	for i := range queue {
		song := &queue[i]
		if !match(song) {
			continue
		}
		if best == nil || song.OrderIndex < best.OrderIndex {
			best = song
		}
	}
	return best
}
