/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package pipeline drives each song from pending through ready: metadata
// via the LLM endpoint, cover art and audio generation in parallel, an
// audio poll loop, and a best-effort artifact save.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_jukebox/internal/config"
	"github.com/friendsincode/bragi_jukebox/internal/endpoint"
	"github.com/friendsincode/bragi_jukebox/internal/events"
	"github.com/friendsincode/bragi_jukebox/internal/media"
	"github.com/friendsincode/bragi_jukebox/internal/models"
	"github.com/friendsincode/bragi_jukebox/internal/queue"
	"github.com/friendsincode/bragi_jukebox/internal/store"
	"github.com/friendsincode/bragi_jukebox/internal/telemetry"
)

// interruptPriorityBoost places interrupts ahead of every regular song in
// the endpoint queues.
const interruptPriorityBoost = 1_000_000

// Queues groups the three endpoint schedulers the pipeline submits to.
type Queues struct {
	LLM   *queue.Scheduler
	Image *queue.Scheduler
	Audio *queue.Scheduler
}

// Clients groups the model endpoint clients.
type Clients struct {
	LLM   *endpoint.LLMClient
	Image *endpoint.ImageClient
	Audio *endpoint.AudioClient
}

// Pipeline owns the per-song generation state machines.
type Pipeline struct {
	cfg     *config.Config
	store   *store.Store
	bus     *events.Bus
	queues  Queues
	clients Clients
	media   *media.Service
	logger  zerolog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	inFlight map[string]*songRun

	unsubscribe []func()
	wg          sync.WaitGroup
}

// songRun is one in-flight state machine.
type songRun struct {
	songID     string
	playlistID string
	epoch      int
	cancel     context.CancelFunc
}

// New creates the pipeline.
func New(cfg *config.Config, st *store.Store, bus *events.Bus, queues Queues, clients Clients, mediaSvc *media.Service, logger zerolog.Logger) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:      cfg,
		store:    st,
		bus:      bus,
		queues:   queues,
		clients:  clients,
		media:    mediaSvc,
		logger:   logger.With().Str("component", "pipeline").Logger(),
		baseCtx:  ctx,
		stop:     cancel,
		inFlight: make(map[string]*songRun),
	}
}

// Start subscribes the pipeline to the event bus. New songs are driven
// automatically; steering cancels stale-epoch runs; deletions cancel runs.
func (p *Pipeline) Start() {
	p.unsubscribe = append(p.unsubscribe,
		p.bus.Subscribe(events.SongCreated, func(kind events.Kind, payload events.Payload) {
			if songID, _ := payload["song_id"].(string); songID != "" {
				p.Drive(songID)
			}
		}),
		p.bus.Subscribe(events.PlaylistSteered, func(kind events.Kind, payload events.Payload) {
			epoch, _ := payload["prompt_epoch"].(int)
			p.CancelStaleEpoch(payload.PlaylistID(), epoch)
		}),
		p.bus.Subscribe(events.SongDeleted, func(kind events.Kind, payload events.Payload) {
			songID, _ := payload["song_id"].(string)
			if songID == "" {
				return
			}
			p.CancelSong(songID)

			// Deleted songs must not leave audio or covers in storage.
			if p.media != nil {
				ctx, cancel := context.WithTimeout(p.baseCtx, 30*time.Second)
				defer cancel()
				p.media.DeleteSongArtifacts(ctx, payload.PlaylistID(), songID)
			}
		}),
	)
}

// Drive starts the state machine for one song. A song already in flight
// is a no-op.
func (p *Pipeline) Drive(songID string) {
	p.drive(songID, false)
}

// Resume re-enters the state machine for an errored, cancelled, or
// interrupted song at (or before) the stage it stopped in.
func (p *Pipeline) Resume(songID string) {
	p.drive(songID, true)
}

func (p *Pipeline) drive(songID string, resume bool) {
	p.mu.Lock()
	if _, ok := p.inFlight[songID]; ok {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(p.baseCtx)
	run := &songRun{songID: songID, cancel: cancel}
	p.inFlight[songID] = run
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.inFlight, songID)
			p.mu.Unlock()
			cancel()
		}()
		p.execute(ctx, run, resume)
	}()
}

// ResumeInterrupted re-drives every song stranded in a non-terminal state,
// typically after a process restart.
func (p *Pipeline) ResumeInterrupted(ctx context.Context) error {
	songs, err := p.store.ResumableSongs(ctx)
	if err != nil {
		return fmt.Errorf("scan resumable songs: %w", err)
	}
	for _, song := range songs {
		p.logger.Info().
			Str("song_id", song.ID).
			Str("status", string(song.Status)).
			Msg("resuming interrupted generation")
		p.Resume(song.ID)
	}
	return nil
}

// CancelSong cancels an in-flight run and any queued jobs for the song.
func (p *Pipeline) CancelSong(songID string) {
	p.mu.Lock()
	run := p.inFlight[songID]
	p.mu.Unlock()
	if run != nil {
		run.cancel()
	}
	p.queues.LLM.Cancel(songID)
	p.queues.Image.Cancel(songID)
	p.queues.Audio.Cancel(songID)
}

// CancelStaleEpoch cancels in-flight runs for a playlist whose prompt
// epoch predates the given one.
func (p *Pipeline) CancelStaleEpoch(playlistID string, epoch int) {
	p.mu.Lock()
	var stale []*songRun
	for _, run := range p.inFlight {
		if run.playlistID == playlistID && run.epoch < epoch {
			stale = append(stale, run)
		}
	}
	p.mu.Unlock()

	for _, run := range stale {
		p.logger.Info().
			Str("song_id", run.songID).
			Int("epoch", run.epoch).
			Int("new_epoch", epoch).
			Msg("cancelling stale-epoch generation")
		p.CancelSong(run.songID)
	}
}

// InFlight reports whether a run exists for songID.
func (p *Pipeline) InFlight(songID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[songID]
	return ok
}

// Close cancels all runs and waits for them to unwind.
func (p *Pipeline) Close() error {
	for _, unsubscribe := range p.unsubscribe {
		unsubscribe()
	}
	p.stop()
	p.wg.Wait()
	return nil
}

// execute runs the state machine for one song.
func (p *Pipeline) execute(ctx context.Context, run *songRun, resume bool) {
	song, err := p.store.GetSongByID(ctx, run.songID)
	if err != nil {
		p.logger.Error().Err(err).Str("song_id", run.songID).Msg("load song")
		return
	}
	run.playlistID = song.PlaylistID
	run.epoch = song.PromptEpoch

	stage := song.Status
	if resume {
		stage = reentryStage(song)
	}
	if stage.Terminal() {
		return
	}

	playlist, err := p.store.GetPlaylistByID(ctx, song.PlaylistID)
	if err != nil {
		p.terminate(song, stage, fmt.Errorf("load playlist: %w", err))
		return
	}

	priority := priorityFor(song)
	logger := p.logger.With().Str("song_id", song.ID).Str("playlist_id", song.PlaylistID).Logger()

	// Stage 1: metadata.
	if stage == models.SongPending || stage == models.SongGeneratingMetadata {
		if err := p.generateMetadata(ctx, song, playlist, priority); err != nil {
			p.terminate(song, models.SongGeneratingMetadata, err)
			return
		}
		stage = models.SongMetadataReady
	}

	if stage == models.SongMetadataReady || stage == models.SongSubmittingToAce {
		// Refresh metadata written by stage 1 (or by an earlier process).
		if song, err = p.store.GetSongByID(ctx, song.ID); err != nil {
			logger.Error().Err(err).Msg("reload song")
			return
		}

		// Stage 2b: cover art, best-effort, off the critical path.
		p.spawnCoverBranch(ctx, song, priority)

		// Stage 2a: audio submit.
		if err := p.submitAudio(ctx, song, priority); err != nil {
			p.terminate(song, models.SongSubmittingToAce, err)
			return
		}
		stage = models.SongGeneratingAudio
	}

	// Stage 3: poll. A song resumed in saving re-polls; the audio endpoint
	// returns the finished artifact again.
	if stage == models.SongGeneratingAudio || stage == models.SongSaving {
		if song, err = p.store.GetSongByID(ctx, song.ID); err != nil {
			logger.Error().Err(err).Msg("reload song")
			return
		}
		if song.AceTaskID == "" {
			// Submit never landed; go back one stage.
			if err := p.submitAudio(ctx, song, priority); err != nil {
				p.terminate(song, models.SongSubmittingToAce, err)
				return
			}
			if song, err = p.store.GetSongByID(ctx, song.ID); err != nil {
				return
			}
		}

		result, err := p.pollAudio(ctx, song, priority)
		if err != nil {
			p.terminate(song, models.SongGeneratingAudio, err)
			return
		}

		// Stages 4+5: save and finalize.
		p.finalize(ctx, song, result)
		telemetry.PipelineSongs.WithLabelValues("ready").Inc()
		logger.Info().Float64("duration", result.Duration).Msg("song ready")
	}
}

// reentryStage maps a song's recorded state to the stage Resume enters.
func reentryStage(song *models.Song) models.SongStatus {
	switch song.Status {
	case models.SongError:
		if song.ErroredAtStatus != "" {
			return models.SongStatus(song.ErroredAtStatus)
		}
		return models.SongPending
	case models.SongCancelled:
		if song.CancelledAtStatus != "" {
			return models.SongStatus(song.CancelledAtStatus)
		}
		return models.SongPending
	default:
		return song.Status
	}
}

// priorityFor derives queue priority from queue position; interrupts beat
// every regular song.
func priorityFor(song *models.Song) int {
	priority := int(song.OrderIndex)
	if song.IsInterrupt {
		priority -= interruptPriorityBoost
	}
	return priority
}

func (p *Pipeline) generateMetadata(ctx context.Context, song *models.Song, playlist *models.Playlist, priority int) error {
	if err := p.setStatus(ctx, song, models.SongGeneratingMetadata); err != nil {
		return err
	}

	prompt := playlist.Prompt
	if song.IsInterrupt && song.InterruptPrompt != "" {
		prompt = song.InterruptPrompt
	}

	siblings, err := p.store.ListSongsByPlaylist(ctx, song.PlaylistID)
	if err != nil {
		return fmt.Errorf("list sibling songs: %w", err)
	}
	var avoid []string
	for _, sibling := range siblings {
		if sibling.Title != "" && sibling.ID != song.ID {
			avoid = append(avoid, sibling.Title)
		}
	}

	var meta *endpoint.Metadata
	handle, err := p.queues.LLM.Submit(song.ID, priority, func(jobCtx context.Context) error {
		var genErr error
		meta, genErr = p.clients.LLM.GenerateMetadata(jobCtx, prompt, avoid)
		return genErr
	})
	if err != nil {
		return err
	}
	if err := handle.Await(ctx); err != nil {
		return err
	}

	if err := p.store.SetSongMetadata(ctx, song.ID, meta.Title, meta.Artist, meta.Style, meta.Lyrics); err != nil {
		return fmt.Errorf("persist metadata: %w", err)
	}
	song.Title, song.Artist, song.Style, song.Lyrics = meta.Title, meta.Artist, meta.Style, meta.Lyrics
	song.Status = models.SongMetadataReady

	p.bus.Emit(events.SongMetadataUpdated, events.Payload{
		"song_id":     song.ID,
		"playlist_id": song.PlaylistID,
		"title":       meta.Title,
		"artist":      meta.Artist,
	})
	p.emitStatus(song, models.SongMetadataReady)
	return nil
}

func (p *Pipeline) submitAudio(ctx context.Context, song *models.Song, priority int) error {
	if err := p.setStatus(ctx, song, models.SongSubmittingToAce); err != nil {
		return err
	}

	meta := &endpoint.Metadata{Title: song.Title, Artist: song.Artist, Style: song.Style, Lyrics: song.Lyrics}
	var taskID string
	handle, err := p.queues.Audio.Submit(song.ID, priority, func(jobCtx context.Context) error {
		var submitErr error
		taskID, submitErr = p.clients.Audio.SubmitTask(jobCtx, meta)
		return submitErr
	})
	if err != nil {
		return err
	}
	if err := handle.Await(ctx); err != nil {
		return err
	}

	if err := p.store.SetSongAceTask(ctx, song.ID, taskID); err != nil {
		return fmt.Errorf("persist task id: %w", err)
	}
	song.AceTaskID = taskID
	return p.setStatus(ctx, song, models.SongGeneratingAudio)
}

// pollAudio drives the poll loop. Each probe is a short-lived job on the
// audio queue so poll pressure shares the endpoint's concurrency budget
// and cancellation takes effect between probes.
func (p *Pipeline) pollAudio(ctx context.Context, song *models.Song, priority int) (*endpoint.AudioTaskStatus, error) {
	interval := p.cfg.AudioPollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for attempt := 1; attempt <= p.cfg.AudioPollMaxAttempts; attempt++ {
		var status *endpoint.AudioTaskStatus
		handle, err := p.queues.Audio.Submit(song.ID, priority, func(jobCtx context.Context) error {
			var pollErr error
			status, pollErr = p.clients.Audio.QueryTask(jobCtx, song.AceTaskID)
			return pollErr
		})
		if err != nil {
			return nil, err
		}
		if err := handle.Await(ctx); err != nil {
			// Transient probe failures are tolerated; cancellation is not.
			if errors.Is(err, queue.ErrCancelled) || ctx.Err() != nil {
				return nil, err
			}
			p.logger.Warn().Err(err).Str("song_id", song.ID).Int("attempt", attempt).Msg("audio poll probe failed")
		} else {
			switch status.State {
			case endpoint.AudioTaskSucceeded:
				if status.AudioURL == "" {
					return nil, errors.New("audio endpoint reported success without an audio url")
				}
				return status, nil
			case endpoint.AudioTaskFailed:
				msg := status.Error
				if msg == "" {
					msg = "audio generation failed"
				}
				return nil, errors.New(msg)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil, fmt.Errorf("audio generation timed out after %d attempts", p.cfg.AudioPollMaxAttempts)
}

// finalize saves the artifact (best-effort) and marks the song ready.
func (p *Pipeline) finalize(ctx context.Context, song *models.Song, result *endpoint.AudioTaskStatus) {
	_ = p.setStatus(ctx, song, models.SongSaving)

	audioURL := result.AudioURL
	if p.media != nil {
		if savedURL, err := p.media.SaveAudio(ctx, song.PlaylistID, song.ID, result.AudioURL); err != nil {
			p.logger.Warn().Err(err).Str("song_id", song.ID).Msg("artifact save failed, keeping endpoint url")
		} else {
			audioURL = savedURL
		}
	}

	if err := p.store.MarkSongReady(ctx, song.ID, audioURL, result.Duration); err != nil {
		p.terminate(song, models.SongSaving, err)
		return
	}
	song.Status = models.SongReady
	song.AudioURL = audioURL
	song.AudioDuration = result.Duration
	p.emitStatus(song, models.SongReady)
}

// spawnCoverBranch generates cover art in parallel with audio. Failures
// are logged and never affect the song's status.
func (p *Pipeline) spawnCoverBranch(ctx context.Context, song *models.Song, priority int) {
	handle, err := p.queues.Image.Submit(song.ID, priority, func(jobCtx context.Context) error {
		coverURL, genErr := p.clients.Image.GenerateCover(jobCtx, song.Title, song.Style)
		if genErr != nil {
			return genErr
		}
		if p.media != nil {
			if savedURL, saveErr := p.media.SaveCover(jobCtx, song.PlaylistID, song.ID, coverURL); saveErr == nil {
				coverURL = savedURL
			}
		}
		if storeErr := p.store.SetSongCover(jobCtx, song.ID, coverURL); storeErr != nil {
			return storeErr
		}
		p.bus.Emit(events.SongMetadataUpdated, events.Payload{
			"song_id":     song.ID,
			"playlist_id": song.PlaylistID,
			"cover_url":   coverURL,
		})
		return nil
	})
	if err != nil {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := handle.Await(ctx); err != nil && !errors.Is(err, queue.ErrCancelled) {
			p.logger.Warn().Err(err).Str("song_id", song.ID).Msg("cover generation failed")
		}
	}()
}

// terminate records a failed or cancelled run.
func (p *Pipeline) terminate(song *models.Song, stage models.SongStatus, err error) {
	// Persist terminal states even when the run context is gone.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if errors.Is(err, queue.ErrCancelled) || errors.Is(err, context.Canceled) {
		if dbErr := p.store.MarkSongCancelled(ctx, song.ID, stage); dbErr != nil {
			p.logger.Error().Err(dbErr).Str("song_id", song.ID).Msg("mark cancelled")
		}
		song.Status = models.SongCancelled
		p.emitStatus(song, models.SongCancelled)
		telemetry.PipelineSongs.WithLabelValues("cancelled").Inc()
		p.logger.Info().Str("song_id", song.ID).Str("stage", string(stage)).Msg("generation cancelled")
		return
	}

	message := strings.TrimSpace(err.Error())
	if dbErr := p.store.MarkSongError(ctx, song.ID, message, stage); dbErr != nil {
		p.logger.Error().Err(dbErr).Str("song_id", song.ID).Msg("mark error")
	}
	song.Status = models.SongError
	p.emitStatus(song, models.SongError)
	telemetry.PipelineSongs.WithLabelValues("error").Inc()
	p.logger.Error().
		Str("song_id", song.ID).
		Str("stage", string(stage)).
		Str("error", message).
		Msg("generation failed")
}

func (p *Pipeline) setStatus(ctx context.Context, song *models.Song, status models.SongStatus) error {
	if err := p.store.UpdateSongStatus(ctx, song.ID, status); err != nil {
		return err
	}
	song.Status = status
	p.emitStatus(song, status)
	return nil
}

func (p *Pipeline) emitStatus(song *models.Song, status models.SongStatus) {
	p.bus.Emit(events.SongStatusChanged, events.Payload{
		"song_id":     song.ID,
		"playlist_id": song.PlaylistID,
		"status":      string(status),
	})
}
