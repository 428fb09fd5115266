/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package room implements the multi-device playback room: an authoritative
// playback state, a device table, and the command/sync/broadcast protocol
// that keeps players and controllers converged.
package room

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_jukebox/internal/models"
)

const (
	// syncBroadcastInterval throttles state broadcasts caused by player
	// sync reports.
	syncBroadcastInterval = time.Second
	// syncPriorityWindow is how long after play/pause/toggle/seek the next
	// sync report bypasses the throttle.
	syncPriorityWindow = 500 * time.Millisecond
	// seekSuppressWindow discards sync currentTime reports after a seek.
	seekSuppressWindow = 500 * time.Millisecond
	// songEndedDebounce absorbs duplicate end-of-track reports.
	songEndedDebounce = time.Second
	// startAtLead is how far in the future players are told to start.
	startAtLead = 500 * time.Millisecond
	// idleStartThreshold and idleStartTail: a queue longer than the
	// threshold auto-starts near its tail instead of replaying history.
	idleStartThreshold = 100
	idleStartTail      = 10
)

// Callbacks let the room report playback progress without knowing about
// the store.
type Callbacks struct {
	// SongPlayed marks a finished song.
	SongPlayed func(songID string)
	// PositionChanged persists the room's queue position.
	PositionChanged func(playlistID string, orderIndex float64)
}

// Room is a single-writer actor: every public method takes the room lock,
// so all mutations and the broadcasts they produce are serialized.
type Room struct {
	ID     string
	logger zerolog.Logger

	callbacks Callbacks
	now       func() time.Time

	mu          sync.Mutex
	playlistID  string
	playlistKey string
	epoch       int

	devices  map[string]*Device
	queue    []models.Song
	playback PlaybackState

	// currentOrderIndex is the position the picker advances from. It
	// survives the current song being removed from the queue.
	currentOrderIndex float64

	lastSyncBroadcast time.Time
	trailingTimer     *time.Timer
	syncPriorityUntil time.Time
	seekSuppressUntil time.Time
	lastSongEndedAt   time.Time
	disposed          bool
}

// NewRoom creates a room. The id doubles as the playlist key until a
// playlist is bound.
func NewRoom(id string, callbacks Callbacks, logger zerolog.Logger) *Room {
	return &Room{
		ID:          id,
		playlistKey: id,
		callbacks:   callbacks,
		now:         time.Now,
		logger:      logger.With().Str("component", "room").Str("room_id", id).Logger(),
		devices:     make(map[string]*Device),
		playback:    PlaybackState{Volume: 1.0, Rate: 1.0},
	}
}

// BindPlaylist attaches the backing playlist, its epoch, and the resume
// position.
func (r *Room) BindPlaylist(playlistID string, epoch int, position float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playlistID = playlistID
	r.epoch = epoch
	if r.currentOrderIndex == 0 {
		r.currentOrderIndex = position
	}
}

// PlaylistID returns the bound playlist id ("" until bound).
func (r *Room) PlaylistID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playlistID
}

// PlaylistKey returns the key the room was joined under.
func (r *Room) PlaylistKey() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playlistKey
}

// Snapshot returns a copy of the current playback state and current song.
func (r *Room) Snapshot() (PlaybackState, *models.Song) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playback, r.currentSongLocked()
}

// DeviceCount returns how many devices are connected.
func (r *Room) DeviceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// AddDevice registers a device and brings it up to date: state and queue,
// plus the current song for players.
func (r *Room) AddDevice(device Device, socket DeviceSocket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device.Mode = ModeDefault
	device.socket = socket
	r.devices[device.ID] = &device

	r.sendToLocked(device.ID, r.stateMessageLocked())
	r.sendToLocked(device.ID, queueMessage{Type: "queue", Songs: r.queue})
	if device.Role == RolePlayer {
		if current := r.currentSongLocked(); current != nil {
			r.sendToLocked(device.ID, nextSongMessage{
				Type:     "nextSong",
				SongID:   current.ID,
				AudioURL: current.AudioURL,
			})
		}
	}
	r.broadcastStateLocked()
	r.logger.Info().Str("device_id", device.ID).Str("role", string(device.Role)).Msg("device joined")
}

// RemoveDevice drops a device and tells everyone else.
func (r *Room) RemoveDevice(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[deviceID]; !ok {
		return
	}
	delete(r.devices, deviceID)
	r.broadcastStateLocked()
	r.logger.Info().Str("device_id", deviceID).Msg("device left")
}

// SetDeviceRole updates a device's role. A device becoming a player gets
// the current song so it can start producing audio.
func (r *Room) SetDeviceRole(deviceID string, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[deviceID]
	if !ok {
		return
	}
	device.Role = role
	if role == RolePlayer {
		if current := r.currentSongLocked(); current != nil {
			r.sendToLocked(deviceID, nextSongMessage{
				Type:     "nextSong",
				SongID:   current.ID,
				AudioURL: current.AudioURL,
			})
		}
	}
	r.broadcastStateLocked()
}

// UpdateQueue replaces the queue snapshot. An idle room with playable
// material auto-starts; the return values tell the sync layer whether
// that happened and from which position, so it can prime generation.
func (r *Room) UpdateQueue(songs []models.Song, epoch int) (seededFromIdle bool, seededOrderIndex float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queue = songs
	r.epoch = epoch

	if r.playback.CurrentSongID == "" {
		start := r.idleStartSongLocked()
		if start != nil {
			seededOrderIndex = start.OrderIndex
			seededFromIdle = true
			r.advanceToLocked(start, true)
		}
	} else if r.currentSongLocked() == nil {
		// The current song vanished from the snapshot; stop rather than
		// play a ghost, and tell every device playback ended.
		r.stopPlaybackLocked()
		r.broadcastStateLocked()
	}

	r.broadcastQueueLocked()
	r.schedulePreloadLocked()
	return seededFromIdle, seededOrderIndex
}

// idleStartSongLocked picks where an idle room begins. Long queues resume
// near the tail instead of replaying history.
func (r *Room) idleStartSongLocked() *models.Song {
	if len(r.queue) > idleStartThreshold {
		for i := len(r.queue) - idleStartTail; i < len(r.queue); i++ {
			if r.queue[i].Playable() {
				return &r.queue[i]
			}
		}
	}
	return PickNextSong(r.queue, r.epoch, r.currentOrderIndex)
}

// HandleCommand executes one command from a device. Unknown actions are
// an error; illegal transitions are reported without touching state.
func (r *Room) HandleCommand(deviceID, action string, payload map[string]any, targetDeviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if targetDeviceID != "" {
		return r.handleTargetedLocked(action, payload, targetDeviceID)
	}

	switch action {
	case "play":
		if r.playback.CurrentSongID == "" {
			next := PickNextSong(r.queue, r.epoch, r.currentOrderIndex)
			if next == nil {
				return fmt.Errorf("nothing to play")
			}
			r.raiseSyncPriorityLocked()
			r.advanceToLocked(next, true)
		} else {
			r.playback.IsPlaying = true
			r.executeLocked(action, nil, true)
			r.raiseSyncPriorityLocked()
			r.broadcastStateLocked()
		}

	case "pause":
		r.playback.IsPlaying = false
		r.executeLocked(action, nil, true)
		r.raiseSyncPriorityLocked()
		r.broadcastStateLocked()

	case "toggle":
		r.playback.IsPlaying = !r.playback.IsPlaying
		if r.playback.IsPlaying {
			r.executeLocked("play", nil, true)
		} else {
			r.executeLocked("pause", nil, true)
		}
		r.raiseSyncPriorityLocked()
		r.broadcastStateLocked()

	case "skip":
		r.advancePastCurrentLocked()

	case "seek":
		t, ok := numberField(payload, "time")
		if !ok {
			return fmt.Errorf("seek requires a time")
		}
		r.playback.CurrentTime = t
		now := r.now()
		r.seekSuppressUntil = now.Add(seekSuppressWindow)
		r.syncPriorityUntil = now.Add(syncPriorityWindow)
		r.executeLocked("seek", map[string]any{"time": t}, true)
		r.broadcastStateLocked()

	case "setVolume":
		v, ok := numberField(payload, "volume")
		if !ok {
			return fmt.Errorf("setVolume requires a volume")
		}
		r.playback.Volume = v
		r.executeLocked("setVolume", map[string]any{"volume": v}, true)
		r.broadcastStateLocked()

	case "toggleMute":
		r.playback.Muted = !r.playback.Muted
		r.executeLocked("toggleMute", nil, true)
		r.broadcastStateLocked()

	case "rate":
		v, ok := numberField(payload, "rate")
		if !ok {
			return fmt.Errorf("rate requires a rate")
		}
		r.playback.Rate = v
		r.executeLocked("rate", map[string]any{"rate": v}, true)
		r.broadcastStateLocked()

	case "selectSong":
		songID, _ := payload["songId"].(string)
		song := r.songByIDLocked(songID)
		if song == nil {
			return fmt.Errorf("song %s is not in the queue", songID)
		}
		if song.AudioURL == "" {
			return fmt.Errorf("song %s has no audio yet", songID)
		}
		r.advanceToLocked(song, true)

	case "syncAll":
		for _, device := range r.devices {
			device.Mode = ModeDefault
		}
		r.executeLocked("setVolume", map[string]any{"volume": r.playback.Volume}, false)
		if r.playback.IsPlaying {
			r.executeLocked("play", nil, false)
		} else {
			r.executeLocked("pause", nil, false)
		}
		r.broadcastStateLocked()

	default:
		return fmt.Errorf("unknown action %q", action)
	}
	return nil
}

func (r *Room) handleTargetedLocked(action string, payload map[string]any, targetDeviceID string) error {
	device, ok := r.devices[targetDeviceID]
	if !ok {
		return fmt.Errorf("unknown device %s", targetDeviceID)
	}

	switch action {
	case "resetToDefault":
		device.Mode = ModeDefault
		r.sendToLocked(targetDeviceID, r.stateMessageLocked())
		r.broadcastStateLocked()
		return nil
	case "play", "pause", "toggle", "setVolume", "toggleMute":
		device.Mode = ModeIndividual
		r.sendToLocked(targetDeviceID, executeMessage{
			Type:    "execute",
			Action:  action,
			Payload: payload,
			Scope:   "device",
		})
		r.broadcastStateLocked()
		return nil
	default:
		return fmt.Errorf("action %q cannot be targeted", action)
	}
}

// HandleSync ingests a player's progress report. isPlaying is deliberately
// ignored: playback authority stays with the room.
func (r *Room) HandleSync(deviceID, currentSongID string, reportedIsPlaying bool, currentTime, duration float64) {
	_ = reportedIsPlaying

	r.mu.Lock()
	defer r.mu.Unlock()

	if currentSongID != "" && currentSongID != r.playback.CurrentSongID {
		// Stale report about a song the room has moved past.
		return
	}

	now := r.now()
	if now.Before(r.seekSuppressUntil) {
		// A fresh seek owns currentTime for the suppression window.
	} else if currentTime >= 0 {
		r.playback.CurrentTime = currentTime
	}
	if duration > 0 {
		r.playback.Duration = duration
	}

	r.throttledStateBroadcastLocked(now)
}

func (r *Room) throttledStateBroadcastLocked(now time.Time) {
	if now.Before(r.syncPriorityUntil) {
		r.syncPriorityUntil = time.Time{} // consumed
		r.lastSyncBroadcast = now
		r.broadcastStateLocked()
		return
	}

	if now.Sub(r.lastSyncBroadcast) >= syncBroadcastInterval {
		r.lastSyncBroadcast = now
		r.broadcastStateLocked()
		return
	}

	// Suppressed: schedule one trailing broadcast for the window edge.
	if r.trailingTimer == nil {
		wait := syncBroadcastInterval - now.Sub(r.lastSyncBroadcast)
		r.trailingTimer = time.AfterFunc(wait, func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.trailingTimer = nil
			if r.disposed {
				return
			}
			r.lastSyncBroadcast = r.now()
			r.broadcastStateLocked()
		})
	}
}

func (r *Room) raiseSyncPriorityLocked() {
	r.syncPriorityUntil = r.now().Add(syncPriorityWindow)
}

// HandleSongEnded advances past the current song. Duplicate reports within
// one second (several players noticing the same end) are absorbed.
func (r *Room) HandleSongEnded() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastSongEndedAt) < songEndedDebounce {
		return
	}
	r.lastSongEndedAt = now

	r.advancePastCurrentLocked()
}

// advancePastCurrentLocked marks the current song played and moves to the
// picker's choice, stopping at end-of-queue.
func (r *Room) advancePastCurrentLocked() {
	if current := r.currentSongLocked(); current != nil && r.callbacks.SongPlayed != nil {
		r.callbacks.SongPlayed(current.ID)
	}

	next := PickNextSong(r.queue, r.epoch, r.currentOrderIndex)
	if next == nil {
		r.stopPlaybackLocked()
		r.broadcastStateLocked()
		return
	}
	r.advanceToLocked(next, r.playback.IsPlaying || r.playback.CurrentSongID == "")
}

// advanceToLocked makes song current. The advance is refused if the song
// is not in the queue or lacks audio; the room stops instead of playing a
// ghost.
func (r *Room) advanceToLocked(song *models.Song, autoplay bool) {
	if r.songByIDLocked(song.ID) == nil || song.AudioURL == "" {
		r.logger.Warn().Str("song_id", song.ID).Msg("refusing advance to unplayable song")
		r.stopPlaybackLocked()
		r.broadcastStateLocked()
		return
	}

	r.playback.CurrentSongID = song.ID
	r.playback.CurrentTime = 0
	r.playback.Duration = song.AudioDuration
	r.playback.IsPlaying = autoplay
	r.currentOrderIndex = song.OrderIndex

	if r.callbacks.PositionChanged != nil && r.playlistID != "" {
		r.callbacks.PositionChanged(r.playlistID, song.OrderIndex)
	}

	startAt := r.now().Add(startAtLead).UnixMilli()
	r.executeToPlayersLocked(nextSongMessage{
		Type:     "nextSong",
		SongID:   song.ID,
		AudioURL: song.AudioURL,
		StartAt:  startAt,
	})
	r.schedulePreloadLocked()
	r.broadcastStateLocked()
}

func (r *Room) stopPlaybackLocked() {
	r.playback.CurrentSongID = ""
	r.playback.IsPlaying = false
	r.playback.CurrentTime = 0
}

// HandlePing answers with both clocks so the client can estimate skew.
func (r *Room) HandlePing(deviceID string, clientTime float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendToLocked(deviceID, pongMessage{
		Type:       "pong",
		ClientTime: clientTime,
		ServerTime: r.now().UnixMilli(),
	})
}

// Dispose clears timers. The room must not be used afterwards.
func (r *Room) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed = true
	if r.trailingTimer != nil {
		r.trailingTimer.Stop()
		r.trailingTimer = nil
	}
	r.devices = make(map[string]*Device)
}

// --- broadcast plumbing (all callers hold r.mu) ---

func (r *Room) currentSongLocked() *models.Song {
	return r.songByIDLocked(r.playback.CurrentSongID)
}

func (r *Room) songByIDLocked(songID string) *models.Song {
	if songID == "" {
		return nil
	}
	for i := range r.queue {
		if r.queue[i].ID == songID {
			return &r.queue[i]
		}
	}
	return nil
}

func (r *Room) stateMessageLocked() stateMessage {
	devices := make([]Device, 0, len(r.devices))
	for _, device := range r.devices {
		devices = append(devices, *device)
	}
	return stateMessage{
		Type:        "state",
		Playback:    r.playback,
		CurrentSong: r.currentSongLocked(),
		UpNext:      PendingInterrupt(r.queue, r.currentOrderIndex),
		Devices:     devices,
	}
}

func (r *Room) broadcastStateLocked() {
	msg := r.stateMessageLocked()
	for id := range r.devices {
		r.sendToLocked(id, msg)
	}
}

func (r *Room) broadcastQueueLocked() {
	msg := queueMessage{Type: "queue", Songs: r.queue}
	for id := range r.devices {
		r.sendToLocked(id, msg)
	}
}

// executeLocked fans an execute message out to players. respectMode skips
// devices that were individually targeted.
func (r *Room) executeLocked(action string, payload map[string]any, respectMode bool) {
	msg := executeMessage{Type: "execute", Action: action, Payload: payload, Scope: "room"}
	for id, device := range r.devices {
		if device.Role != RolePlayer {
			continue
		}
		if respectMode && device.Mode == ModeIndividual {
			continue
		}
		r.sendToLocked(id, msg)
	}
}

func (r *Room) executeToPlayersLocked(msg any) {
	for id, device := range r.devices {
		if device.Role == RolePlayer {
			r.sendToLocked(id, msg)
		}
	}
}

// schedulePreloadLocked hints players to prefetch what comes after the
// current song.
func (r *Room) schedulePreloadLocked() {
	current := r.currentSongLocked()
	from := r.currentOrderIndex
	if current != nil {
		from = current.OrderIndex
	}
	next := PickNextSong(r.queue, r.epoch, from)
	if next == nil || (current != nil && next.ID == current.ID) {
		return
	}
	r.executeToPlayersLocked(preloadMessage{Type: "preload", SongID: next.ID, AudioURL: next.AudioURL})
}

// sendToLocked writes one message; a failed write drops the device.
func (r *Room) sendToLocked(deviceID string, msg any) {
	device, ok := r.devices[deviceID]
	if !ok || device.socket == nil {
		return
	}
	if err := device.socket.Send(msg); err != nil {
		r.logger.Warn().Err(err).Str("device_id", deviceID).Msg("dropping device after failed send")
		delete(r.devices, deviceID)
		_ = device.socket.Close()
	}
}

func numberField(payload map[string]any, key string) (float64, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
