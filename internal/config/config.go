/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int

	// ALLOWED_ORIGINS (CSV). Empty means same-origin only.
	AllowedOrigins []string

	DBBackend DatabaseBackend
	DBDSN     string

	MediaRoot string

	// Request log tuning.
	RequestLogSlow            time.Duration // REQUEST_LOG_SLOW_MS
	RequestLogSummaryInterval time.Duration // REQUEST_LOG_SUMMARY_INTERVAL_MS

	// Temporary playlist housekeeping.
	TempPlaylistCleanupInterval time.Duration // TEMP_PLAYLIST_CLEANUP_INTERVAL_MS

	// Event bus diagnostics.
	LogEventBus         bool          // LOG_EVENT_BUS
	EventHandlerSlow    time.Duration // LOG_EVENT_HANDLER_SLOW_MS
	JWTSigningKey       string
	EndpointManifestURL string // BRAGI_ENDPOINTS_FILE

	// Model endpoints.
	Endpoints EndpointSet

	// Audio poll loop tuning.
	AudioPollInterval    time.Duration // AUDIO_POLL_INTERVAL_MS
	AudioPollMaxAttempts int           // AUDIO_POLL_MAX_ATTEMPTS

	// Optional Redis cache.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Optional outbound NATS event relay.
	NATSURL string

	// Optional outbound event webhooks.
	WebhookURLs   []string // BRAGI_WEBHOOK_URLS (CSV)
	WebhookSecret string   // BRAGI_WEBHOOK_SECRET
	WebhookEvents []string // BRAGI_WEBHOOK_EVENTS (CSV of event kinds; empty = all)

	// S3 artifact storage (optional; filesystem used when unset).
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string
	S3PublicBaseURL   string
	S3UsePathStyle    bool

	// Tracing configuration.
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	LegacyEnvWarnings []string
}

// EndpointConfig describes one external model endpoint.
type EndpointConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	Concurrency int    `yaml:"concurrency"`
}

// EndpointSet groups the three capability-typed endpoints.
type EndpointSet struct {
	LLM   EndpointConfig `yaml:"llm"`
	Image EndpointConfig `yaml:"image"`
	Audio EndpointConfig `yaml:"audio"`
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"BRAGI_ENV", "ENV"}, "development"),
		HTTPBind:    getEnvAny([]string{"BRAGI_API_BIND", "API_BIND"}, "0.0.0.0"),
		HTTPPort:    getEnvIntAny([]string{"BRAGI_API_PORT", "API_PORT"}, 5175),

		DBBackend: DatabaseBackend(getEnvAny([]string{"BRAGI_DB_BACKEND", "DB_BACKEND"}, string(DatabaseSQLite))),
		DBDSN:     getEnvAny([]string{"BRAGI_DB_DSN", "DB_DSN"}, "bragi.db"),

		MediaRoot: getEnvAny([]string{"BRAGI_MEDIA_ROOT", "MEDIA_ROOT"}, "./media"),

		RequestLogSlow:            msDuration(getEnvIntAny([]string{"BRAGI_REQUEST_LOG_SLOW_MS", "REQUEST_LOG_SLOW_MS"}, 1500)),
		RequestLogSummaryInterval: msDuration(getEnvIntAny([]string{"BRAGI_REQUEST_LOG_SUMMARY_INTERVAL_MS", "REQUEST_LOG_SUMMARY_INTERVAL_MS"}, 30000)),

		TempPlaylistCleanupInterval: msDuration(getEnvIntAny([]string{"BRAGI_TEMP_PLAYLIST_CLEANUP_INTERVAL_MS", "TEMP_PLAYLIST_CLEANUP_INTERVAL_MS"}, 900000)),

		LogEventBus:      getEnvBoolAny([]string{"BRAGI_LOG_EVENT_BUS", "LOG_EVENT_BUS"}, false),
		EventHandlerSlow: msDuration(getEnvIntAny([]string{"BRAGI_LOG_EVENT_HANDLER_SLOW_MS", "LOG_EVENT_HANDLER_SLOW_MS"}, 200)),

		JWTSigningKey:       getEnvAny([]string{"BRAGI_JWT_SIGNING_KEY", "JWT_SIGNING_KEY"}, ""),
		EndpointManifestURL: getEnvAny([]string{"BRAGI_ENDPOINTS_FILE", "ENDPOINTS_FILE"}, ""),

		Endpoints: EndpointSet{
			LLM: EndpointConfig{
				URL:         getEnvAny([]string{"BRAGI_LLM_ENDPOINT_URL", "LLM_ENDPOINT_URL"}, ""),
				APIKey:      getEnvAny([]string{"BRAGI_LLM_API_KEY", "LLM_API_KEY"}, ""),
				Concurrency: getEnvIntAny([]string{"BRAGI_LLM_CONCURRENCY", "LLM_CONCURRENCY"}, 2),
			},
			Image: EndpointConfig{
				URL:         getEnvAny([]string{"BRAGI_IMAGE_ENDPOINT_URL", "IMAGE_ENDPOINT_URL"}, ""),
				APIKey:      getEnvAny([]string{"BRAGI_IMAGE_API_KEY", "IMAGE_API_KEY"}, ""),
				Concurrency: getEnvIntAny([]string{"BRAGI_IMAGE_CONCURRENCY", "IMAGE_CONCURRENCY"}, 2),
			},
			Audio: EndpointConfig{
				URL:         getEnvAny([]string{"BRAGI_AUDIO_ENDPOINT_URL", "AUDIO_ENDPOINT_URL"}, ""),
				APIKey:      getEnvAny([]string{"BRAGI_AUDIO_API_KEY", "AUDIO_API_KEY"}, ""),
				Concurrency: getEnvIntAny([]string{"BRAGI_AUDIO_CONCURRENCY", "AUDIO_CONCURRENCY"}, 4),
			},
		},

		AudioPollInterval:    msDuration(getEnvIntAny([]string{"BRAGI_AUDIO_POLL_INTERVAL_MS", "AUDIO_POLL_INTERVAL_MS"}, 5000)),
		AudioPollMaxAttempts: getEnvIntAny([]string{"BRAGI_AUDIO_POLL_MAX_ATTEMPTS", "AUDIO_POLL_MAX_ATTEMPTS"}, 120),

		RedisAddr:     getEnvAny([]string{"BRAGI_REDIS_ADDR", "REDIS_ADDR"}, ""),
		RedisPassword: getEnvAny([]string{"BRAGI_REDIS_PASSWORD", "REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"BRAGI_REDIS_DB", "REDIS_DB"}, 0),

		NATSURL: getEnvAny([]string{"BRAGI_NATS_URL", "NATS_URL"}, ""),

		WebhookSecret: getEnvAny([]string{"BRAGI_WEBHOOK_SECRET", "WEBHOOK_SECRET"}, ""),

		S3AccessKeyID:     getEnvAny([]string{"BRAGI_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"BRAGI_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"BRAGI_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Bucket:          getEnvAny([]string{"BRAGI_S3_BUCKET", "S3_BUCKET"}, ""),
		S3Endpoint:        getEnvAny([]string{"BRAGI_S3_ENDPOINT", "S3_ENDPOINT"}, ""),
		S3PublicBaseURL:   getEnvAny([]string{"BRAGI_S3_PUBLIC_BASE_URL", "S3_PUBLIC_BASE_URL"}, ""),
		S3UsePathStyle:    getEnvBoolAny([]string{"BRAGI_S3_USE_PATH_STYLE", "S3_USE_PATH_STYLE"}, false),

		TracingEnabled:    getEnvBoolAny([]string{"BRAGI_TRACING_ENABLED", "TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"BRAGI_OTLP_ENDPOINT", "OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"BRAGI_TRACING_SAMPLE_RATE", "TRACING_SAMPLE_RATE"}, 1.0),
	}

	if csv := getEnvAny([]string{"BRAGI_ALLOWED_ORIGINS", "ALLOWED_ORIGINS"}, ""); csv != "" {
		for _, origin := range strings.Split(csv, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}

	if csv := getEnvAny([]string{"BRAGI_WEBHOOK_URLS", "WEBHOOK_URLS"}, ""); csv != "" {
		for _, url := range strings.Split(csv, ",") {
			if url = strings.TrimSpace(url); url != "" {
				cfg.WebhookURLs = append(cfg.WebhookURLs, url)
			}
		}
	}
	if csv := getEnvAny([]string{"BRAGI_WEBHOOK_EVENTS", "WEBHOOK_EVENTS"}, ""); csv != "" {
		for _, kind := range strings.Split(csv, ",") {
			if kind = strings.TrimSpace(kind); kind != "" {
				cfg.WebhookEvents = append(cfg.WebhookEvents, kind)
			}
		}
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("BRAGI_DB_DSN must be provided")
	}

	if cfg.AudioPollMaxAttempts < 1 {
		return nil, fmt.Errorf("BRAGI_AUDIO_POLL_MAX_ATTEMPTS must be at least 1")
	}

	for _, ep := range []struct {
		name string
		cfg  EndpointConfig
	}{{"llm", cfg.Endpoints.LLM}, {"image", cfg.Endpoints.Image}, {"audio", cfg.Endpoints.Audio}} {
		if ep.cfg.Concurrency < 1 {
			return nil, fmt.Errorf("%s endpoint concurrency must be at least 1", ep.name)
		}
	}

	if strings.EqualFold(cfg.Environment, "production") && cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("BRAGI_JWT_SIGNING_KEY must be provided in production")
	}

	if cfg.EndpointManifestURL != "" {
		if err := cfg.applyEndpointManifest(cfg.EndpointManifestURL); err != nil {
			return nil, err
		}
	}

	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"ENVIRONMENT":     "use BRAGI_ENV (or ENV)",
		"PORT":            "use BRAGI_API_PORT (or API_PORT)",
		"JWT_SECRET":      "use BRAGI_JWT_SIGNING_KEY (or JWT_SIGNING_KEY)",
		"ACE_API_URL":     "use BRAGI_AUDIO_ENDPOINT_URL (or AUDIO_ENDPOINT_URL)",
		"TRACING":         "use BRAGI_TRACING_ENABLED (or TRACING_ENABLED)",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
