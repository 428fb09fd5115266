/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cache provides a Redis-based caching layer for frequently accessed data.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Default TTL values for different cache types
const (
	DefaultPlaylistKeyTTL = 1 * time.Hour
	DefaultNowPlayingTTL  = 10 * time.Second
	DefaultSettingsTTL    = 5 * time.Minute
)

// Key prefixes for Redis cache
const (
	KeyPlaylistByKey = "bragi:cache:playlist_key:" // + playlist key
	KeyNowPlaying    = "bragi:cache:now_playing:"  // + playlist_id
	KeySettings      = "bragi:cache:settings"
)

// Config contains cache configuration.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// TTL overrides
	PlaylistKeyTTL time.Duration
	NowPlayingTTL  time.Duration
	SettingsTTL    time.Duration

	// Fallback behavior
	DisableOnError bool // If true, disable caching on Redis errors
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		RedisAddr:      "localhost:6379",
		PlaylistKeyTTL: DefaultPlaylistKeyTTL,
		NowPlayingTTL:  DefaultNowPlayingTTL,
		SettingsTTL:    DefaultSettingsTTL,
		DisableOnError: true,
	}
}

// Cache provides Redis-backed caching with graceful fallback. A disabled
// cache answers every read with a miss and swallows every write, so callers
// never branch on availability.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	config Config

	mu       sync.RWMutex
	disabled bool // Circuit breaker state
}

// New creates a new cache instance. An empty RedisAddr or an unreachable
// Redis yields a disabled cache, never an error.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	log := logger.With().Str("component", "cache").Logger()

	if cfg.RedisAddr == "" {
		return &Cache{logger: log, config: cfg, disabled: true}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis cache unavailable, running without caching")
		return &Cache{logger: log, config: cfg, disabled: true}, nil
	}

	log.Info().Str("addr", cfg.RedisAddr).Msg("Redis cache initialized")

	return &Cache{client: client, logger: log, config: cfg}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsAvailable returns true if the cache is operational.
func (c *Cache) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.disabled && c.client != nil
}

// handleError handles Redis errors with circuit breaker logic.
func (c *Cache) handleError(err error, operation string) {
	if err == nil || err == redis.Nil {
		return
	}

	c.logger.Debug().Err(err).Str("operation", operation).Msg("cache operation failed")

	if c.config.DisableOnError {
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.logger.Warn().Msg("disabling cache due to Redis error")
	}
}

// get retrieves a value from cache and unmarshals it.
func (c *Cache) get(ctx context.Context, key string, dest any) (bool, error) {
	if !c.IsAvailable() {
		return false, nil
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		c.handleError(err, "get")
		return false, err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("failed to unmarshal cached value")
		return false, nil
	}

	return true, nil
}

// set stores a value in cache with TTL.
func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !c.IsAvailable() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.handleError(err, "set")
		return err
	}

	return nil
}

// delete removes a key from cache.
func (c *Cache) delete(ctx context.Context, key string) error {
	if !c.IsAvailable() {
		return nil
	}

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.handleError(err, "delete")
		return err
	}

	return nil
}

// Playlist key resolution

// GetPlaylistIDByKey resolves a public playlist key to its id from cache.
func (c *Cache) GetPlaylistIDByKey(ctx context.Context, key string) (string, bool) {
	var id string
	found, err := c.get(ctx, KeyPlaylistByKey+key, &id)
	if err != nil || !found || id == "" {
		return "", false
	}
	return id, true
}

// SetPlaylistIDByKey caches a key-to-id mapping.
func (c *Cache) SetPlaylistIDByKey(ctx context.Context, key, playlistID string) {
	_ = c.set(ctx, KeyPlaylistByKey+key, playlistID, c.config.PlaylistKeyTTL)
}

// InvalidatePlaylistKey removes a key mapping, used when a playlist is deleted.
func (c *Cache) InvalidatePlaylistKey(ctx context.Context, key string) {
	_ = c.delete(ctx, KeyPlaylistByKey+key)
}

// Now-playing snapshots

// NowPlaying is the cached playback snapshot served to read-heavy endpoints.
type NowPlaying struct {
	PlaylistID  string  `json:"playlist_id"`
	SongID      string  `json:"song_id"`
	Title       string  `json:"title"`
	Artist      string  `json:"artist"`
	CoverURL    string  `json:"cover_url"`
	IsPlaying   bool    `json:"is_playing"`
	CurrentTime float64 `json:"current_time"`
	Duration    float64 `json:"duration"`
	UpdatedAt   int64   `json:"updated_at"`
}

// GetNowPlaying retrieves the cached now-playing snapshot for a playlist.
func (c *Cache) GetNowPlaying(ctx context.Context, playlistID string) (*NowPlaying, bool) {
	var snapshot NowPlaying
	found, err := c.get(ctx, KeyNowPlaying+playlistID, &snapshot)
	if err != nil || !found {
		return nil, false
	}
	return &snapshot, true
}

// SetNowPlaying caches a now-playing snapshot with a short TTL.
func (c *Cache) SetNowPlaying(ctx context.Context, snapshot *NowPlaying) {
	if snapshot == nil {
		return
	}
	_ = c.set(ctx, KeyNowPlaying+snapshot.PlaylistID, snapshot, c.config.NowPlayingTTL)
}

// InvalidateNowPlaying drops the snapshot for a playlist.
func (c *Cache) InvalidateNowPlaying(ctx context.Context, playlistID string) {
	_ = c.delete(ctx, KeyNowPlaying+playlistID)
}

// Settings

// GetSettings retrieves the cached settings map.
func (c *Cache) GetSettings(ctx context.Context) (map[string]string, bool) {
	var settings map[string]string
	found, err := c.get(ctx, KeySettings, &settings)
	if err != nil || !found {
		return nil, false
	}
	return settings, true
}

// SetSettings caches the settings map.
func (c *Cache) SetSettings(ctx context.Context, settings map[string]string) {
	_ = c.set(ctx, KeySettings, settings, c.config.SettingsTTL)
}

// InvalidateSettings drops the cached settings map.
func (c *Cache) InvalidateSettings(ctx context.Context) {
	_ = c.delete(ctx, KeySettings)
}
