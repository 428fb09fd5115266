/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server wires the jukebox together: store, bus, schedulers,
// pipeline, rooms, sync, sockets, and the HTTP surface, plus the
// background workers and ordered shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/bragi_jukebox/internal/api"
	"github.com/friendsincode/bragi_jukebox/internal/bridge"
	"github.com/friendsincode/bragi_jukebox/internal/cache"
	"github.com/friendsincode/bragi_jukebox/internal/config"
	"github.com/friendsincode/bragi_jukebox/internal/db"
	"github.com/friendsincode/bragi_jukebox/internal/endpoint"
	"github.com/friendsincode/bragi_jukebox/internal/eventbus"
	"github.com/friendsincode/bragi_jukebox/internal/events"
	"github.com/friendsincode/bragi_jukebox/internal/logbuffer"
	"github.com/friendsincode/bragi_jukebox/internal/media"
	"github.com/friendsincode/bragi_jukebox/internal/models"
	"github.com/friendsincode/bragi_jukebox/internal/pipeline"
	"github.com/friendsincode/bragi_jukebox/internal/queue"
	"github.com/friendsincode/bragi_jukebox/internal/requestlog"
	"github.com/friendsincode/bragi_jukebox/internal/room"
	"github.com/friendsincode/bragi_jukebox/internal/roomsync"
	"github.com/friendsincode/bragi_jukebox/internal/store"
	"github.com/friendsincode/bragi_jukebox/internal/telemetry"
	"github.com/friendsincode/bragi_jukebox/internal/version"
	"github.com/friendsincode/bragi_jukebox/internal/webhooks"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db         *gorm.DB
	store      *store.Store
	bus        *events.Bus
	cache      *cache.Cache
	logBuffer  *logbuffer.Buffer
	requestLog *requestlog.Logger
	media      *media.Service
	rooms      *room.Manager
	sync       *roomsync.Sync
	hub        *bridge.Hub
	pipeline   *pipeline.Pipeline
	queues     pipeline.Queues
	relay      *eventbus.Relay
	webhooks   *webhooks.Service
	tracer     *telemetry.TracerProvider
	api        *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		logBuffer: logBuf,
		bus: events.NewBus(logger, events.Options{
			Trace:       cfg.LogEventBus,
			SlowHandler: cfg.EventHandlerSlow,
		}),
	}

	if err := srv.initDependencies(); err != nil {
		_ = srv.Close()
		return nil, err
	}

	srv.buildRouter()
	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:    addr,
		Handler: srv.router,
		// Header deadline guards against slowloris; WriteTimeout stays 0
		// because device sockets are long-lived.
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	return srv, nil
}

func (s *Server) initDependencies() error {
	ctx := context.Background()

	tracer, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		ServiceName:    "bragi-jukebox",
		ServiceVersion: version.Version,
		OTLPEndpoint:   s.cfg.OTLPEndpoint,
		Enabled:        s.cfg.TracingEnabled,
		SampleRate:     s.cfg.TracingSampleRate,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.tracer = tracer
	s.DeferClose(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.tracer.Shutdown(shutdownCtx)
	})

	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })
	s.store = store.New(database, s.logger)

	if err := os.MkdirAll(s.cfg.MediaRoot, 0755); err != nil {
		return fmt.Errorf("create media directory %s: %w", s.cfg.MediaRoot, err)
	}

	cacheCfg := cache.DefaultConfig()
	cacheCfg.RedisAddr = s.cfg.RedisAddr
	cacheCfg.RedisPassword = s.cfg.RedisPassword
	cacheCfg.RedisDB = s.cfg.RedisDB
	s.cache, err = cache.New(cacheCfg, s.logger)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	s.DeferClose(func() error { return s.cache.Close() })

	storage, err := media.SelectStorage(ctx, s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("init media storage: %w", err)
	}
	mediaSvc := media.NewService(storage, s.logger)
	s.media = mediaSvc

	s.queues = pipeline.Queues{
		LLM:   queue.New(queue.EndpointLLM, s.cfg.Endpoints.LLM.Concurrency, s.logger),
		Image: queue.New(queue.EndpointImage, s.cfg.Endpoints.Image.Concurrency, s.logger),
		Audio: queue.New(queue.EndpointAudio, s.cfg.Endpoints.Audio.Concurrency, s.logger),
	}
	s.DeferClose(func() error { return s.queues.LLM.Close() })
	s.DeferClose(func() error { return s.queues.Image.Close() })
	s.DeferClose(func() error { return s.queues.Audio.Close() })

	clients := pipeline.Clients{
		LLM:   endpoint.NewLLMClient(s.cfg.Endpoints.LLM, s.logger),
		Image: endpoint.NewImageClient(s.cfg.Endpoints.Image, s.logger),
		Audio: endpoint.NewAudioClient(s.cfg.Endpoints.Audio, s.logger),
	}

	s.pipeline = pipeline.New(s.cfg, s.store, s.bus, s.queues, clients, mediaSvc, s.logger)
	s.pipeline.Start()
	s.DeferClose(func() error { return s.pipeline.Close() })

	s.rooms = room.NewManager(room.Callbacks{
		SongPlayed:      s.onSongPlayed,
		PositionChanged: s.onPositionChanged,
	}, s.logger)
	s.DeferClose(func() error { s.rooms.DisposeAll(); return nil })

	s.sync = roomsync.New(s.store, s.bus, s.rooms, s.logger)
	s.sync.Attach()
	s.DeferClose(func() error { s.sync.Detach(); return nil })

	s.hub = bridge.NewHub(s.bus, s.logger)
	s.hub.Attach()
	s.DeferClose(func() error { return s.hub.Close() })

	s.relay, err = eventbus.Connect(s.cfg.NATSURL, s.bus, s.logger)
	if err != nil {
		// The relay is an outbound mirror; a dead NATS must not stop the
		// jukebox.
		s.logger.Warn().Err(err).Msg("event relay unavailable, continuing without it")
	} else if s.relay != nil {
		s.relay.Attach()
		s.DeferClose(func() error { return s.relay.Close() })
	}

	s.webhooks = webhooks.NewService(s.cfg.WebhookURLs, s.cfg.WebhookSecret, s.cfg.WebhookEvents, s.bus, s.logger)
	s.webhooks.Attach()
	s.DeferClose(func() error { return s.webhooks.Close() })

	s.requestLog = requestlog.New(s.logger, s.cfg.RequestLogSlow, s.cfg.RequestLogSummaryInterval)
	s.requestLog.Start()
	s.DeferClose(func() error { s.requestLog.Close(); return nil })

	s.api = api.New(s.store, s.bus, s.rooms, s.sync, s.pipeline, s.queues, s.hub,
		s.cache, s.logBuffer, []byte(s.cfg.JWTSigningKey), s.cfg.AllowedOrigins, s.logger)

	return nil
}

// onSongPlayed persists the played transition and tells listeners.
func (s *Server) onSongPlayed(songID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	song, err := s.store.GetSongByID(ctx, songID)
	if err != nil {
		s.logger.Warn().Err(err).Str("song_id", songID).Msg("played callback: load song")
		return
	}
	if err := s.store.MarkSongPlayed(ctx, songID); err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			s.logger.Warn().Err(err).Str("song_id", songID).Msg("played callback: mark played")
		}
		return
	}
	s.bus.Emit(events.SongStatusChanged, events.Payload{
		"song_id":     songID,
		"playlist_id": song.PlaylistID,
		"status":      string(models.SongPlayed),
	})
}

func (s *Server) onPositionChanged(playlistID string, orderIndex float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.UpdatePlaylistPosition(ctx, playlistID, orderIndex); err != nil {
		s.logger.Warn().Err(err).Str("playlist_id", playlistID).Msg("persist queue position")
	}
	if s.cache != nil {
		s.cache.InvalidateNowPlaying(ctx, playlistID)
	}
}

func (s *Server) buildRouter() {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(s.corsMiddleware)
	router.Use(telemetry.MetricsMiddleware)
	router.Use(s.requestLog.Middleware)
	// Skip the request timeout for WebSocket and media connections.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" || strings.HasPrefix(r.URL.Path, media.LocalMediaBaseURL+"/") {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	s.router = router
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware reflects configured origins. Empty configuration means
// same-origin only, so no headers are added.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Manage-Secret")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) configureRoutes() {
	s.router.Handle("/metrics", telemetry.Handler())

	// Locally stored artifacts. S3-backed artifacts carry absolute URLs
	// and never hit this route.
	fileServer := http.StripPrefix(media.LocalMediaBaseURL+"/", http.FileServer(http.Dir(s.cfg.MediaRoot)))
	s.router.Get(media.LocalMediaBaseURL+"/*", func(w http.ResponseWriter, r *http.Request) {
		fileServer.ServeHTTP(w, r)
	})

	s.api.Routes(s.router)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	// Resume songs stranded mid-generation by the previous process.
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		if err := s.pipeline.ResumeInterrupted(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("resume interrupted songs")
		}
	}()

	if s.cfg.TempPlaylistCleanupInterval > 0 {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			ticker := time.NewTicker(s.cfg.TempPlaylistCleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.sweepTemporaryPlaylists(ctx)
				}
			}
		}()
	}

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.UpdateConnectionMetrics(s.db)
			}
		}
	}()
}

// sweepTemporaryPlaylists deletes temporary playlists whose heartbeat
// went stale, cascading their songs and notifying rooms.
func (s *Server) sweepTemporaryPlaylists(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.TempPlaylistCleanupInterval)
	expired, err := s.store.ExpiredTemporaryPlaylists(ctx, cutoff)
	if err != nil {
		s.logger.Warn().Err(err).Msg("list expired temporary playlists")
		return
	}
	for _, playlist := range expired {
		songs, err := s.store.ListSongsByPlaylist(ctx, playlist.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("playlist_id", playlist.ID).Msg("list songs for expired playlist")
		}
		if err := s.store.DeletePlaylist(ctx, playlist.ID); err != nil {
			s.logger.Warn().Err(err).Str("playlist_id", playlist.ID).Msg("delete expired playlist")
			continue
		}
		for _, song := range songs {
			s.media.DeleteSongArtifacts(ctx, playlist.ID, song.ID)
		}
		if s.cache != nil {
			s.cache.InvalidatePlaylistKey(ctx, playlist.Key)
			s.cache.InvalidateNowPlaying(ctx, playlist.ID)
		}
		s.bus.Emit(events.PlaylistDeleted, events.Payload{"playlist_id": playlist.ID})
		s.logger.Info().Str("playlist_id", playlist.ID).Msg("expired temporary playlist removed")
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

// HTTPServer returns the configured HTTP server for the caller to run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// LogBuffer returns the server's log buffer for attaching to zerolog.
func (s *Server) LogBuffer() *logbuffer.Buffer {
	return s.logBuffer
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	s.bus.RemoveAll()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}
