package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// sessionState is the per-session phase of a [Runner].
type sessionState int

const (
	stateIdle sessionState = iota
	stateQueued
	stateRunning
)

// Runner drives one [Analyzer] across sessions. Each session moves through
// idle, queued and running; a notification that arrives mid-run sets a
// pending flag and the session is re-queued the moment the run finishes.
// At most one pass is active per session and a notification is never
// dropped.
type Runner struct {
	analyzer Analyzer
	interval time.Duration // debounce before a queued pass starts

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	cancel context.CancelFunc
	runCtx context.Context
	wg     sync.WaitGroup
}

type session struct {
	state   sessionState
	pending bool
}

// NewRunner wraps analyzer with the per-session state machine. interval is
// the debounce before a queued pass starts; zero runs immediately.
func NewRunner(analyzer Analyzer, interval time.Duration) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		analyzer: analyzer,
		interval: interval,
		sessions: make(map[string]*session),
		cancel:   cancel,
		runCtx:   ctx,
	}
}

// Notify tells the runner the session's log changed. Idle sessions are
// queued; running sessions are marked pending and re-queued on completion;
// already-queued sessions absorb the notification.
func (r *Runner) Notify(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	s, ok := r.sessions[sessionID]
	if !ok {
		s = &session{}
		r.sessions[sessionID] = s
	}

	switch s.state {
	case stateIdle:
		s.state = stateQueued
		r.spawnLocked(sessionID, s)
	case stateQueued:
		// Absorbed; the queued pass will see this change.
	case stateRunning:
		s.pending = true
	}
}

// spawnLocked starts the goroutine that debounces and then runs passes for
// the session until no pending notification remains. Caller holds r.mu.
func (r *Runner) spawnLocked(sessionID string, s *session) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			if !r.sleepDebounce() {
				r.settle(sessionID, s, false)
				return
			}

			r.mu.Lock()
			s.state = stateRunning
			s.pending = false
			r.mu.Unlock()

			more := r.runOnce(sessionID)

			if !r.settle(sessionID, s, more) {
				return
			}
		}
	}()
}

// settle transitions the session out of running. It reports true when
// another pass should follow immediately.
func (r *Runner) settle(sessionID string, s *session, more bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.runCtx.Err() != nil {
		s.state = stateIdle
		return false
	}
	if s.pending || more {
		s.state = stateQueued
		return true
	}
	s.state = stateIdle
	return false
}

func (r *Runner) sleepDebounce() bool {
	if r.interval <= 0 {
		return r.runCtx.Err() == nil
	}
	t := time.NewTimer(r.interval)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.runCtx.Done():
		return false
	}
}

func (r *Runner) runOnce(sessionID string) (more bool) {
	more, err := r.analyzer.Analyze(r.runCtx, sessionID)
	if err != nil && r.runCtx.Err() == nil {
		slog.Error("analysis pass failed",
			"worker", r.analyzer.Name(),
			"session", sessionID,
			"error", err)
	}
	return more
}

// Close stops accepting notifications, cancels in-flight passes and waits
// for their goroutines to exit.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
