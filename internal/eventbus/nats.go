/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus relays domain events to NATS for external consumers.
// The relay is publish-only: the in-process bus stays the source of truth
// and nothing in this process consumes the NATS subjects.
package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_jukebox/internal/events"
)

const subjectPrefix = "bragi.events."

// Message is the wire format published to NATS subjects.
type Message struct {
	Kind      events.Kind    `json:"kind"`
	Payload   events.Payload `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	NodeID    string         `json:"node_id"`
	MessageID string         `json:"message_id"`
}

// Relay mirrors bus emissions onto NATS. A nil *Relay is valid and inert,
// so callers need no guards when NATS is not configured.
type Relay struct {
	conn   *nats.Conn
	bus    *events.Bus
	logger zerolog.Logger
	nodeID string

	unsubscribe func()
}

// Connect dials NATS and returns a relay. An empty URL disables the relay
// and returns (nil, nil).
func Connect(url string, bus *events.Bus, logger zerolog.Logger) (*Relay, error) {
	if url == "" {
		return nil, nil
	}

	log := logger.With().Str("component", "eventbus").Logger()
	conn, err := nats.Connect(url,
		nats.Name("bragi-jukebox"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	hostname, _ := os.Hostname()
	return &Relay{
		conn:   conn,
		bus:    bus,
		logger: log,
		nodeID: hostname + "-" + uuid.NewString()[:8],
	}, nil
}

// Attach starts mirroring bus events. Events are published in emission
// order; publish failures are logged and never propagate to emitters.
func (r *Relay) Attach() {
	if r == nil {
		return
	}
	r.unsubscribe = r.bus.SubscribeAll(func(kind events.Kind, payload events.Payload) {
		// Heartbeats are liveness chatter, not state; external consumers
		// don't need them.
		if kind == events.PlaylistHeartbeat {
			return
		}
		data, err := json.Marshal(Message{
			Kind:      kind,
			Payload:   payload,
			Timestamp: time.Now().UTC(),
			NodeID:    r.nodeID,
			MessageID: uuid.NewString(),
		})
		if err != nil {
			r.logger.Error().Err(err).Str("kind", string(kind)).Msg("marshal relay message")
			return
		}
		if err := r.conn.Publish(SubjectFor(kind), data); err != nil {
			r.logger.Warn().Err(err).Str("kind", string(kind)).Msg("publish relay message")
		}
	})
	r.logger.Info().Str("url", r.conn.ConnectedUrl()).Msg("event relay attached")
}

// Close detaches from the bus and drains the NATS connection.
func (r *Relay) Close() error {
	if r == nil {
		return nil
	}
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	if err := r.conn.Drain(); err != nil {
		r.conn.Close()
		return err
	}
	return nil
}

// SubjectFor maps an event kind to its NATS subject.
func SubjectFor(kind events.Kind) string {
	return subjectPrefix + string(kind)
}
