/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package bridge fans domain events out to browser observer WebSockets as
// (routingKey, data) envelopes.
package bridge

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_jukebox/internal/events"
	"github.com/friendsincode/bragi_jukebox/internal/telemetry"
)

// ObserverSocket is the outbound half of one observer connection.
type ObserverSocket interface {
	Send(msg any) error
	Close() error
}

// Envelope is the wire format observers receive.
type Envelope struct {
	RoutingKey string         `json:"routingKey"`
	Data       map[string]any `json:"data"`
}

// Hub tracks observer sockets and relays bus events to them.
type Hub struct {
	bus    *events.Bus
	logger zerolog.Logger

	mu        sync.Mutex
	observers map[ObserverSocket]struct{}

	unsubscribe func()
}

// NewHub creates the observer hub.
func NewHub(bus *events.Bus, logger zerolog.Logger) *Hub {
	return &Hub{
		bus:       bus,
		logger:    logger.With().Str("component", "bridge").Logger(),
		observers: make(map[ObserverSocket]struct{}),
	}
}

// Attach subscribes the hub to every event kind through one ordered
// mailbox, so each observer sees events in emission order.
func (h *Hub) Attach() {
	h.unsubscribe = h.bus.SubscribeAll(func(kind events.Kind, payload events.Payload) {
		key := RoutingKey(kind, payload)
		if key == "" {
			return
		}
		h.broadcast(Envelope{RoutingKey: key, Data: payload})
	})
}

// Close detaches from the bus and closes every observer.
func (h *Hub) Close() error {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	observers := h.observers
	h.observers = make(map[ObserverSocket]struct{})
	telemetry.ObserverSocketConnections.Set(0)
	h.mu.Unlock()
	for socket := range observers {
		_ = socket.Close()
	}
	return nil
}

// Add registers an observer.
func (h *Hub) Add(socket ObserverSocket) {
	h.mu.Lock()
	h.observers[socket] = struct{}{}
	telemetry.ObserverSocketConnections.Set(float64(len(h.observers)))
	h.mu.Unlock()
}

// Remove drops an observer.
func (h *Hub) Remove(socket ObserverSocket) {
	h.mu.Lock()
	delete(h.observers, socket)
	telemetry.ObserverSocketConnections.Set(float64(len(h.observers)))
	h.mu.Unlock()
}

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// broadcast sends to every observer; a failed send drops the observer.
func (h *Hub) broadcast(env Envelope) {
	h.mu.Lock()
	observers := make([]ObserverSocket, 0, len(h.observers))
	for socket := range h.observers {
		observers = append(observers, socket)
	}
	h.mu.Unlock()

	for _, socket := range observers {
		if err := socket.Send(env); err != nil {
			h.logger.Debug().Err(err).Msg("dropping observer after failed send")
			h.Remove(socket)
			_ = socket.Close()
		}
	}
}

// RoutingKey maps an event to its observer routing key. Empty means the
// event is internal-only and never forwarded.
func RoutingKey(kind events.Kind, payload events.Payload) string {
	switch {
	case kind == events.PlaylistHeartbeat:
		return ""
	case strings.HasPrefix(string(kind), "song."):
		return "songs." + payload.PlaylistID()
	case strings.HasPrefix(string(kind), "playlist."):
		return "playlists"
	case kind == events.SettingsChanged:
		return "settings"
	default:
		return ""
	}
}
