/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/bragi_jukebox/internal/room"
	"github.com/friendsincode/bragi_jukebox/internal/store"
	"github.com/friendsincode/bragi_jukebox/internal/telemetry"
)

const socketWriteTimeout = 5 * time.Second

// clientMessage is the union of device-socket client message kinds.
type clientMessage struct {
	Type string `json:"type"`

	// join
	DeviceID string `json:"deviceId,omitempty"`
	Name     string `json:"name,omitempty"`
	Role     string `json:"role,omitempty"`

	// command
	Action         string         `json:"action,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	TargetDeviceID string         `json:"targetDeviceId,omitempty"`

	// sync
	CurrentSongID string  `json:"currentSongId,omitempty"`
	IsPlaying     bool    `json:"isPlaying,omitempty"`
	CurrentTime   float64 `json:"currentTime,omitempty"`
	Duration      float64 `json:"duration,omitempty"`

	// ping
	ClientTime float64 `json:"clientTime,omitempty"`
}

type errorMessage struct {
	Type   string `json:"type"` // "error"
	Action string `json:"action,omitempty"`
	Error  string `json:"error"`
}

// wsSocket adapts a nhooyr connection to the narrow socket capability the
// room and hub broadcast against. Writes are serialized; the room calls
// Send from its own goroutines.
type wsSocket struct {
	conn *ws.Conn

	mu     sync.Mutex
	closed bool
}

func (s *wsSocket) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("socket closed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), socketWriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, ws.MessageText, data)
}

func (s *wsSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close(ws.StatusNormalClosure, "")
}

// handleRoomSocket runs one device connection: join handshake, then a read
// loop dispatching command/sync/songEnded/ping into the room actor.
func (a *API) handleRoomSocket(w http.ResponseWriter, r *http.Request) {
	playlistKey := chi.URLParam(r, "playlistKey")
	if playlistKey == "" {
		writeError(w, http.StatusBadRequest, "playlist_key_required")
		return
	}
	if _, err := a.store.GetPlaylistByKey(r.Context(), playlistKey); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "playlist_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	conn, err := ws.Accept(w, r, a.acceptOptions())
	if err != nil {
		a.logger.Debug().Err(err).Msg("device socket accept failed")
		return
	}
	socket := &wsSocket{conn: conn}
	defer socket.Close()

	telemetry.DeviceSocketConnections.Inc()
	defer telemetry.DeviceSocketConnections.Dec()

	ctx := r.Context()

	// The first message must be a join.
	join, err := readClientMessage(ctx, conn)
	if err != nil || join.Type != "join" {
		conn.Close(ws.StatusPolicyViolation, "join required")
		return
	}
	deviceID := join.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	role := room.RolePlayer
	if join.Role == string(room.RoleController) {
		role = room.RoleController
	}

	rm := a.rooms.GetOrCreate(playlistKey)
	a.sync.RefreshRoom(rm)
	rm.AddDevice(room.Device{ID: deviceID, Name: join.Name, Role: role}, socket)
	defer rm.RemoveDevice(deviceID)

	a.logger.Debug().
		Str("room_id", rm.ID).
		Str("device_id", deviceID).
		Str("role", string(role)).
		Msg("device joined")

	for {
		msg, err := readClientMessage(ctx, conn)
		if err != nil {
			if ws.CloseStatus(err) != ws.StatusNormalClosure && ctx.Err() == nil {
				a.logger.Debug().Err(err).Str("device_id", deviceID).Msg("device socket read error")
			}
			return
		}

		switch msg.Type {
		case "command":
			if err := rm.HandleCommand(deviceID, msg.Action, msg.Payload, msg.TargetDeviceID); err != nil {
				_ = socket.Send(errorMessage{Type: "error", Action: msg.Action, Error: err.Error()})
			}
		case "sync":
			rm.HandleSync(deviceID, msg.CurrentSongID, msg.IsPlaying, msg.CurrentTime, msg.Duration)
		case "songEnded":
			rm.HandleSongEnded()
		case "ping":
			rm.HandlePing(deviceID, msg.ClientTime)
		default:
			_ = socket.Send(errorMessage{Type: "error", Error: "unknown message type"})
		}
	}
}

func readClientMessage(ctx context.Context, conn *ws.Conn) (*clientMessage, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (a *API) acceptOptions() *ws.AcceptOptions {
	if len(a.allowedOrigins) == 0 {
		return nil
	}
	return &ws.AcceptOptions{OriginPatterns: a.allowedOrigins}
}
