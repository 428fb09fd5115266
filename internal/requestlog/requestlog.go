/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package requestlog logs slow HTTP requests and periodically summarizes
// per-route traffic, keeping the request log useful under sync chatter.
package requestlog

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const summaryTopRoutes = 10

// Logger accumulates per-route counts and flags slow requests.
type Logger struct {
	logger          zerolog.Logger
	slowThreshold   time.Duration
	summaryInterval time.Duration

	mu     sync.Mutex
	counts map[string]*routeStats

	done chan struct{}
	wg   sync.WaitGroup
}

type routeStats struct {
	count   int
	errors  int
	total   time.Duration
	slowest time.Duration
}

// New creates a request logger. A zero slowThreshold disables slow-request
// warnings; a zero summaryInterval disables periodic summaries.
func New(logger zerolog.Logger, slowThreshold, summaryInterval time.Duration) *Logger {
	return &Logger{
		logger:          logger.With().Str("component", "requestlog").Logger(),
		slowThreshold:   slowThreshold,
		summaryInterval: summaryInterval,
		counts:          make(map[string]*routeStats),
		done:            make(chan struct{}),
	}
}

// Start launches the periodic summary loop.
func (l *Logger) Start() {
	if l.summaryInterval <= 0 {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.summaryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.flush()
			case <-l.done:
				return
			}
		}
	}()
}

// Close stops the summary loop and flushes remaining counts.
func (l *Logger) Close() {
	close(l.done)
	l.wg.Wait()
	l.flush()
}

// Middleware records every request. Route keys use the chi route pattern
// when available so parameterized paths aggregate together.
func (l *Logger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := r.Method + " " + routePattern(r)
		l.record(route, ww.Status(), elapsed)

		if l.slowThreshold > 0 && elapsed >= l.slowThreshold {
			l.logger.Warn().
				Str("route", route).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", elapsed).
				Msg("slow request")
		}
	})
}

func (l *Logger) record(route string, status int, elapsed time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := l.counts[route]
	if stats == nil {
		stats = &routeStats{}
		l.counts[route] = stats
	}
	stats.count++
	stats.total += elapsed
	if status >= 500 {
		stats.errors++
	}
	if elapsed > stats.slowest {
		stats.slowest = elapsed
	}
}

// flush logs the busiest routes since the last summary and resets counts.
func (l *Logger) flush() {
	l.mu.Lock()
	counts := l.counts
	l.counts = make(map[string]*routeStats)
	l.mu.Unlock()

	if len(counts) == 0 {
		return
	}

	type entry struct {
		route string
		stats *routeStats
	}
	entries := make([]entry, 0, len(counts))
	total := 0
	for route, stats := range counts {
		entries = append(entries, entry{route, stats})
		total += stats.count
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].stats.count > entries[j].stats.count })
	if len(entries) > summaryTopRoutes {
		entries = entries[:summaryTopRoutes]
	}

	event := l.logger.Info().Int("requests", total)
	for _, e := range entries {
		avg := e.stats.total / time.Duration(e.stats.count)
		event = event.Dict(e.route, zerolog.Dict().
			Int("count", e.stats.count).
			Int("errors", e.stats.errors).
			Dur("avg", avg).
			Dur("slowest", e.stats.slowest))
	}
	event.Msg("request summary")
}

func routePattern(r *http.Request) string {
	if ctx := chi.RouteContext(r.Context()); ctx != nil {
		if pattern := ctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
