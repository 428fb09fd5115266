/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package queue implements the bounded-concurrency priority scheduler that
// fronts each external model endpoint.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_jukebox/internal/telemetry"
)

// EndpointType identifies which external endpoint a scheduler fronts.
type EndpointType string

const (
	EndpointLLM   EndpointType = "llm"
	EndpointImage EndpointType = "image"
	EndpointAudio EndpointType = "audio"
)

// ErrCancelled is the terminal error of a cancelled job. A job whose work
// function ignores its context and returns normally still ends cancelled;
// its result is discarded.
var ErrCancelled = errors.New("job cancelled")

// ErrSchedulerClosed rejects submissions after Close.
var ErrSchedulerClosed = errors.New("scheduler closed")

// WorkFunc runs one job. It must observe ctx at every suspension point.
type WorkFunc func(ctx context.Context) error

type jobState int

const (
	statePending jobState = iota
	stateActive
	stateDone
)

type job struct {
	songID     string
	priority   int
	enqueuedAt time.Time
	seq        uint64
	index      int // heap index; -1 once removed

	work   WorkFunc
	cancel context.CancelFunc
	ctx    context.Context

	state     jobState
	startedAt time.Time
	cancelled bool

	done chan struct{}
	err  error
}

// Handle exposes cancellation and completion of one submitted job.
type Handle struct {
	s *Scheduler
	j *job
}

// Cancel marks the job cancelled. Pending jobs are dropped without being
// started; active jobs have their context cancelled. Idempotent.
func (h *Handle) Cancel() { h.s.cancelJob(h.j) }

// Await blocks until the job reaches a terminal state or ctx expires.
func (h *Handle) Await(ctx context.Context) error {
	select {
	case <-h.j.done:
		return h.j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the job reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.j.done }

// Err returns the terminal error once Done is closed.
func (h *Handle) Err() error { return h.j.err }

// SongID returns the song the job belongs to.
func (h *Handle) SongID() string { return h.j.songID }

// PendingJob describes one queued job for telemetry.
type PendingJob struct {
	SongID       string    `json:"songId"`
	Priority     int       `json:"priority"`
	WaitingSince time.Time `json:"waitingSince"`
}

// ActiveJob describes one running job for telemetry.
type ActiveJob struct {
	SongID    string    `json:"songId"`
	StartedAt time.Time `json:"startedAt"`
}

// Completion records a recently finished job.
type Completion struct {
	SongID      string        `json:"songId"`
	Cancelled   bool          `json:"cancelled"`
	Error       string        `json:"error,omitempty"`
	Elapsed     time.Duration `json:"elapsedNs"`
	CompletedAt time.Time     `json:"completedAt"`
}

// Status is a point-in-time snapshot of one endpoint scheduler.
type Status struct {
	Endpoint          EndpointType `json:"endpoint"`
	Concurrency       int          `json:"concurrency"`
	Pending           []PendingJob `json:"pending"`
	Active            []ActiveJob  `json:"active"`
	Errors            uint64       `json:"errors"`
	LastErrorMessage  string       `json:"lastErrorMessage,omitempty"`
	RecentCompletions []Completion `json:"recentCompletions"`
}

const recentCompletionLimit = 20

// Scheduler runs at most C jobs concurrently against one endpoint. Jobs are
// started in priority order (lower first), FIFO among equal priorities.
type Scheduler struct {
	endpoint    EndpointType
	concurrency int
	logger      zerolog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	pending jobHeap
	active  map[*job]struct{}
	bySong  map[string][]*job
	nextSeq uint64
	closed  bool

	errors    uint64
	lastError string
	recent    []Completion

	wg sync.WaitGroup
}

// New creates a scheduler for one endpoint with concurrency c (min 1).
func New(endpoint EndpointType, c int, logger zerolog.Logger) *Scheduler {
	if c < 1 {
		c = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		endpoint:    endpoint,
		concurrency: c,
		logger:      logger.With().Str("component", "queue").Str("endpoint", string(endpoint)).Logger(),
		baseCtx:     ctx,
		stop:        cancel,
		active:      make(map[*job]struct{}),
		bySong:      make(map[string][]*job),
	}
}

// Endpoint returns the endpoint type this scheduler fronts.
func (s *Scheduler) Endpoint() EndpointType { return s.endpoint }

// Submit enqueues work for songID at the given priority (lower = sooner)
// and returns its handle.
func (s *Scheduler) Submit(songID string, priority int, work WorkFunc) (*Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	s.nextSeq++
	j := &job{
		songID:     songID,
		priority:   priority,
		enqueuedAt: time.Now(),
		seq:        s.nextSeq,
		work:       work,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	heap.Push(&s.pending, j)
	s.bySong[songID] = append(s.bySong[songID], j)
	s.startLocked()
	s.updateGaugesLocked()
	s.mu.Unlock()

	return &Handle{s: s, j: j}, nil
}

// Cancel cancels every job (pending or active) for songID.
func (s *Scheduler) Cancel(songID string) {
	s.mu.Lock()
	jobs := append([]*job(nil), s.bySong[songID]...)
	s.mu.Unlock()
	for _, j := range jobs {
		s.cancelJob(j)
	}
}

func (s *Scheduler) cancelJob(j *job) {
	s.mu.Lock()
	switch j.state {
	case statePending:
		j.cancelled = true
		if j.index >= 0 {
			heap.Remove(&s.pending, j.index)
		}
		s.finishLocked(j, ErrCancelled, 0)
		s.updateGaugesLocked()
		s.mu.Unlock()
		j.cancel()
	case stateActive:
		j.cancelled = true
		s.mu.Unlock()
		// Cooperative: the running work function observes ctx at its next
		// suspension point and returns; completion is recorded there.
		j.cancel()
	default:
		s.mu.Unlock()
	}
}

// startLocked moves pending jobs into active slots. Caller holds s.mu.
func (s *Scheduler) startLocked() {
	for len(s.active) < s.concurrency && s.pending.Len() > 0 {
		j := heap.Pop(&s.pending).(*job)
		if j.cancelled {
			continue
		}
		j.state = stateActive
		j.startedAt = time.Now()
		s.active[j] = struct{}{}

		s.wg.Add(1)
		go s.run(j)
	}
}

func (s *Scheduler) run(j *job) {
	defer s.wg.Done()

	err := s.invoke(j)
	elapsed := time.Since(j.startedAt)

	s.mu.Lock()
	delete(s.active, j)
	if j.cancelled || errors.Is(err, context.Canceled) {
		err = ErrCancelled
	}
	s.finishLocked(j, err, elapsed)
	s.startLocked()
	s.updateGaugesLocked()
	s.mu.Unlock()

	j.cancel()
}

func (s *Scheduler) invoke(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("song_id", j.songID).
				Interface("panic", r).
				Msg("job panicked")
			err = errors.New("job panicked")
		}
	}()
	return j.work(j.ctx)
}

// finishLocked records a terminal state. Caller holds s.mu.
func (s *Scheduler) finishLocked(j *job, err error, elapsed time.Duration) {
	if j.state == stateDone {
		return
	}
	j.state = stateDone
	j.err = err

	jobs := s.bySong[j.songID]
	for i, candidate := range jobs {
		if candidate == j {
			s.bySong[j.songID] = append(jobs[:i], jobs[i+1:]...)
			break
		}
	}
	if len(s.bySong[j.songID]) == 0 {
		delete(s.bySong, j.songID)
	}

	completion := Completion{
		SongID:      j.songID,
		Cancelled:   errors.Is(err, ErrCancelled),
		Elapsed:     elapsed,
		CompletedAt: time.Now(),
	}
	if err != nil && !completion.Cancelled {
		completion.Error = err.Error()
		s.errors++
		s.lastError = err.Error()
		telemetry.QueueErrors.WithLabelValues(string(s.endpoint)).Inc()
	}
	s.recent = append(s.recent, completion)
	if len(s.recent) > recentCompletionLimit {
		s.recent = s.recent[len(s.recent)-recentCompletionLimit:]
	}

	close(j.done)
}

func (s *Scheduler) updateGaugesLocked() {
	telemetry.QueuePending.WithLabelValues(string(s.endpoint)).Set(float64(s.pending.Len()))
	telemetry.QueueActive.WithLabelValues(string(s.endpoint)).Set(float64(len(s.active)))
}

// Status snapshots the scheduler for telemetry endpoints.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Endpoint:          s.endpoint,
		Concurrency:       s.concurrency,
		Errors:            s.errors,
		LastErrorMessage:  s.lastError,
		Pending:           make([]PendingJob, 0, s.pending.Len()),
		Active:            make([]ActiveJob, 0, len(s.active)),
		RecentCompletions: append([]Completion(nil), s.recent...),
	}
	for _, j := range s.pending {
		st.Pending = append(st.Pending, PendingJob{
			SongID:       j.songID,
			Priority:     j.priority,
			WaitingSince: j.enqueuedAt,
		})
	}
	for j := range s.active {
		st.Active = append(st.Active, ActiveJob{SongID: j.songID, StartedAt: j.startedAt})
	}
	return st
}

// Close cancels all jobs and waits for active work to return.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var drop []*job
	for s.pending.Len() > 0 {
		drop = append(drop, heap.Pop(&s.pending).(*job))
	}
	for _, j := range drop {
		j.cancelled = true
		s.finishLocked(j, ErrCancelled, 0)
	}
	s.updateGaugesLocked()
	s.mu.Unlock()

	s.stop()
	s.wg.Wait()
	return nil
}

// jobHeap orders by priority, then enqueue order.
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	j := x.(*job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}
