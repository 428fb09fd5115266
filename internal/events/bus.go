/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package events implements the in-process pub/sub bus connecting HTTP
// mutations, the generation pipeline, and the rooms.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_jukebox/internal/telemetry"
)

// Kind enumerates event categories. The set is closed; emitting an unknown
// kind is a programming error.
type Kind string

const (
	SongCreated         Kind = "song.created"
	SongStatusChanged   Kind = "song.status_changed"
	SongDeleted         Kind = "song.deleted"
	SongMetadataUpdated Kind = "song.metadata_updated"
	SongReordered       Kind = "song.reordered"

	PlaylistCreated       Kind = "playlist.created"
	PlaylistSteered       Kind = "playlist.steered"
	PlaylistStatusChanged Kind = "playlist.status_changed"
	PlaylistUpdated       Kind = "playlist.updated"
	PlaylistHeartbeat     Kind = "playlist.heartbeat"
	PlaylistDeleted       Kind = "playlist.deleted"

	SettingsChanged Kind = "settings.changed"
)

// Kinds lists every known event kind.
func Kinds() []Kind {
	return []Kind{
		SongCreated, SongStatusChanged, SongDeleted, SongMetadataUpdated, SongReordered,
		PlaylistCreated, PlaylistSteered, PlaylistStatusChanged, PlaylistUpdated,
		PlaylistHeartbeat, PlaylistDeleted, SettingsChanged,
	}
}

// Payload is a generic event payload. Handlers must not mutate it.
type Payload map[string]any

// PlaylistID extracts the playlist id carried by most payloads.
func (p Payload) PlaylistID() string {
	id, _ := p["playlist_id"].(string)
	return id
}

// Handler receives event payloads. Handlers run on their own dispatch
// goroutine; a slow handler delays only itself.
type Handler func(kind Kind, payload Payload)

// Options tune bus diagnostics.
type Options struct {
	// Trace logs every emit at debug level (LOG_EVENT_BUS).
	Trace bool
	// SlowHandler is the elapsed time past which a handler invocation is
	// logged as slow (LOG_EVENT_HANDLER_SLOW_MS). Zero disables the check.
	SlowHandler time.Duration
}

type envelope struct {
	kind    Kind
	payload Payload
	seq     uint64
}

// subscription is one registered handler with its ordered mailbox.
// The mailbox is unbounded so Emit never blocks; delivery order per kind
// follows emission order because each emit appends under the emit lock.
type subscription struct {
	id      uint64
	kind    Kind
	handler Handler

	mu     sync.Mutex
	queue  []envelope
	wake   chan struct{}
	closed bool
}

func (s *subscription) push(env envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) drain() ([]envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed && len(s.queue) == 0 {
		return nil, false
	}
	batch := s.queue
	s.queue = nil
	return batch, true
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Bus is the process-wide event registry.
type Bus struct {
	logger zerolog.Logger
	opts   Options

	mu      sync.RWMutex
	subs    map[Kind][]*subscription
	allSubs []*subscription
	nextID  uint64

	// emitMu orders seq assignment and mailbox pushes together, so every
	// subscriber observes emits in sequence order.
	emitMu sync.Mutex
	seq    uint64
}

// NewBus creates an event bus.
func NewBus(logger zerolog.Logger, opts Options) *Bus {
	return &Bus{
		logger: logger.With().Str("component", "event_bus").Logger(),
		opts:   opts,
		subs:   make(map[Kind][]*subscription),
	}
}

// Subscribe registers a handler for one kind and returns its unsubscribe
// function. Unsubscribing twice is a no-op. A handler unsubscribed before an
// emit never sees that emit; one unsubscribed after may still drain queued
// events already assigned to it.
func (b *Bus) Subscribe(kind Kind, handler Handler) (unsubscribe func()) {
	sub := &subscription{
		kind:    kind,
		handler: handler,
		wake:    make(chan struct{}, 1),
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[kind] = append(b.subs[kind], sub)
	b.mu.Unlock()

	go b.dispatch(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(sub)
			sub.close()
		})
	}
}

// SubscribeAll registers a handler for every kind through one ordered
// mailbox: the handler observes all events in global emission order.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	sub := &subscription{
		handler: handler,
		wake:    make(chan struct{}, 1),
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	go b.dispatch(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.removeAllSub(sub)
			sub.close()
		})
	}
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.kind]
	for i, candidate := range subs {
		if candidate.id == sub.id {
			b.subs[sub.kind] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) removeAllSub(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, candidate := range b.allSubs {
		if candidate.id == sub.id {
			b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
			return
		}
	}
}

// Emit delivers payload to every handler currently registered for kind.
// It returns immediately; handlers run asynchronously, each isolated from
// the others and observing emits of the same kind in emission order.
func (b *Bus) Emit(kind Kind, payload Payload) {
	telemetry.EventBusEmits.WithLabelValues(string(kind)).Inc()

	b.emitMu.Lock()
	seq := atomic.AddUint64(&b.seq, 1)

	env := envelope{kind: kind, payload: payload, seq: seq}

	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[kind]...)
	subs = append(subs, b.allSubs...)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.push(env)
	}
	b.emitMu.Unlock()

	if b.opts.Trace {
		b.logger.Debug().
			Str("kind", string(kind)).
			Uint64("seq", seq).
			Interface("payload", payload).
			Msg("emit")
	}
}

// Sequence returns the number of emits so far.
func (b *Bus) Sequence() uint64 {
	return atomic.LoadUint64(&b.seq)
}

// RemoveAll drops every subscription. Used only by tests.
func (b *Bus) RemoveAll() {
	b.mu.Lock()
	all := b.subs
	global := b.allSubs
	b.subs = make(map[Kind][]*subscription)
	b.allSubs = nil
	b.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range global {
		sub.close()
	}
}

// dispatch is the per-subscription delivery loop.
func (b *Bus) dispatch(sub *subscription) {
	for range sub.wake {
		for {
			batch, ok := sub.drain()
			if !ok {
				return
			}
			if len(batch) == 0 {
				break
			}
			for _, env := range batch {
				b.invoke(sub, env)
			}
		}
	}
}

func (b *Bus) invoke(sub *subscription, env envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("kind", string(env.kind)).
				Uint64("seq", env.seq).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()

	start := time.Now()
	sub.handler(env.kind, env.payload)
	elapsed := time.Since(start)

	if b.opts.SlowHandler > 0 && elapsed > b.opts.SlowHandler {
		b.logger.Warn().
			Str("kind", string(env.kind)).
			Uint64("seq", env.seq).
			Dur("elapsed", elapsed).
			Msg("slow event handler")
	}
}
