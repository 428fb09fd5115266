/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package cache

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestDisabledCacheIsSafe(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedisAddr = ""
	c, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()

	if c.IsAvailable() {
		t.Fatal("cache with no Redis address should be disabled")
	}

	ctx := context.Background()
	c.SetPlaylistIDByKey(ctx, "key-1", "pl-1")
	if _, ok := c.GetPlaylistIDByKey(ctx, "key-1"); ok {
		t.Fatal("disabled cache must answer with a miss")
	}
	c.SetNowPlaying(ctx, &NowPlaying{PlaylistID: "pl-1", SongID: "s1"})
	if _, ok := c.GetNowPlaying(ctx, "pl-1"); ok {
		t.Fatal("disabled cache must answer with a miss")
	}
	c.InvalidatePlaylistKey(ctx, "key-1")
	c.InvalidateNowPlaying(ctx, "pl-1")
	c.InvalidateSettings(ctx)
}
