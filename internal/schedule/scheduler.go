// Package schedule implements the bucketed admission-control layer that
// multiplexes every outbound LLM call onto one shared API budget.
//
// Each logical bucket (turn segmentation, semantic analysis, …) has its own
// concurrency cap, minimum spacing between call starts, and rate-limit
// cooldown. A distinguished global bucket is checked in addition to the
// specific bucket for every admission decision, so one hot bucket can
// throttle the whole client and capacity freed anywhere is offered to all.
//
// All state transitions happen under one mutex; only the work itself and
// pacing timers run outside it. The scheduler never executes caller code
// while holding the lock.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSuperseded is returned from [Scheduler.Do] when a still-queued task
// was evicted by a newer task carrying the same key.
var ErrSuperseded = errors.New("schedule: task superseded by a newer request")

// GlobalBucket is the name of the distinguished bucket whose caps bound the
// sum of all in-flight calls.
const GlobalBucket = "global"

// sampleWindow caps the rolling latency and queue-delay sample windows.
const sampleWindow = 60

// BucketConfig holds the four admission knobs of one bucket.
type BucketConfig struct {
	// Concurrency is the maximum number of simultaneous calls. Values
	// below 1 are treated as 1.
	Concurrency int

	// MinInterval is the minimum spacing between call starts.
	MinInterval time.Duration

	// Cooldown is the base backoff applied when the server signals a rate
	// limit. Consecutive rate limits double it up to MaxCooldown.
	Cooldown time.Duration

	// MaxCooldown caps the cooldown horizon regardless of what the server
	// asks for.
	MaxCooldown time.Duration
}

func (c BucketConfig) normalized() BucketConfig {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.MaxCooldown > 0 && c.Cooldown > c.MaxCooldown {
		c.Cooldown = c.MaxCooldown
	}
	return c
}

// Config configures a [Scheduler].
type Config struct {
	// Global is the configuration of the global bucket.
	Global BucketConfig

	// Buckets holds per-bucket overrides keyed by bucket name.
	Buckets map[string]BucketConfig

	// Default is applied to buckets not listed in Buckets.
	Default BucketConfig
}

// task is one queued unit of work. The scheduler signals admission by
// closing start; eviction by closing superseded.
type task struct {
	key        string
	enqueuedAt time.Time
	start      chan struct{}
	superseded chan struct{}
}

// bucket is the mutable per-bucket state. All fields are guarded by the
// scheduler mutex.
type bucket struct {
	name string
	cfg  BucketConfig

	queue        []*task
	inFlight     int
	lastStart    time.Time
	everStarted  bool
	blockedUntil time.Time
	cooldownHits int   // consecutive rate limits, for exponential cooldown
	rateLimits   int64 // lifetime counter, surfaced in stats

	timerArmed bool

	durations   rolling
	queueDelays rolling
}

// Scheduler is the bucketed task queue. The zero value is not usable;
// construct with [New]. All methods are safe for concurrent use.
type Scheduler struct {
	cfg Config

	mu      sync.Mutex
	global  *bucket
	buckets map[string]*bucket
	order   []string // bucket creation order, round-robin base
	rrPos   int

	now func() time.Time
}

// New creates a [Scheduler] from cfg. Buckets are created lazily on first
// use and live for the scheduler's lifetime.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	s.global = &bucket{name: GlobalBucket, cfg: cfg.Global.normalized()}
	return s
}

// bucketFor returns the named bucket, creating it lazily.
// Callers must hold s.mu.
func (s *Scheduler) bucketFor(name string) *bucket {
	if name == GlobalBucket {
		return s.global
	}
	b, ok := s.buckets[name]
	if !ok {
		cfg, ok := s.cfg.Buckets[name]
		if !ok {
			cfg = s.cfg.Default
		}
		b = &bucket{name: name, cfg: cfg.normalized()}
		s.buckets[name] = b
		s.order = append(s.order, name)
	}
	return b
}

// Do queues work under the named bucket and blocks until it ran, was
// superseded, or ctx was cancelled while still queued.
//
// If key is non-empty, any other still-queued task in the bucket with the
// same key is evicted and its Do call returns [ErrSuperseded]; a task that
// has already started always runs to completion. This lets a caller cancel
// a stale, not-yet-run request when a fresher one for the same logical
// target arrives.
func (s *Scheduler) Do(ctx context.Context, bucketName, key string, work func(context.Context) error) error {
	t := &task{
		key:        key,
		start:      make(chan struct{}),
		superseded: make(chan struct{}),
	}

	s.mu.Lock()
	b := s.bucketFor(bucketName)
	t.enqueuedAt = s.now()
	if key != "" {
		s.evictQueuedLocked(b, key)
	}
	b.queue = append(b.queue, t)
	s.pumpLocked(b)
	s.mu.Unlock()

	select {
	case <-t.start:
	case <-t.superseded:
		return ErrSuperseded
	case <-ctx.Done():
		s.mu.Lock()
		removed := s.removeQueuedLocked(b, t)
		s.mu.Unlock()
		if removed {
			return ctx.Err()
		}
		// The task left the queue before we could pull it: either
		// admission or a same-key eviction raced the cancellation. An
		// admitted task counts as started and must run so the in-flight
		// accounting stays balanced; an evicted one never will.
		select {
		case <-t.start:
		case <-t.superseded:
			return ErrSuperseded
		}
	}

	startedAt := s.nowSafe()
	err := work(ctx)
	s.finish(b, s.nowSafe().Sub(startedAt), err == nil)
	return err
}

func (s *Scheduler) nowSafe() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// evictQueuedLocked rejects every queued task in b carrying key.
func (s *Scheduler) evictQueuedLocked(b *bucket, key string) {
	kept := b.queue[:0]
	for _, qt := range b.queue {
		if qt.key == key {
			close(qt.superseded)
			continue
		}
		kept = append(kept, qt)
	}
	b.queue = kept
}

// removeQueuedLocked drops t from b's queue, reporting whether it was
// still queued.
func (s *Scheduler) removeQueuedLocked(b *bucket, t *task) bool {
	for i, qt := range b.queue {
		if qt == t {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return true
		}
	}
	return false
}

// pumpLocked admits as many head tasks of b as capacity, pacing, and
// cooldown allow. When pacing defers the head task, a timer re-pumps the
// bucket once the deferral elapses.
func (s *Scheduler) pumpLocked(b *bucket) {
	g := s.global
	for {
		if len(b.queue) == 0 {
			return
		}
		if b.inFlight >= b.cfg.Concurrency {
			return
		}
		// The global cap is a hard ceiling over all buckets.
		if b != g && g.inFlight >= g.cfg.Concurrency {
			return
		}

		earliest := laterTime(b.blockedUntil, g.blockedUntil)
		if b.everStarted {
			earliest = laterTime(earliest, b.lastStart.Add(b.cfg.MinInterval))
		}
		if b != g && g.everStarted {
			earliest = laterTime(earliest, g.lastStart.Add(g.cfg.MinInterval))
		}

		now := s.now()
		if now.Before(earliest) {
			s.armTimerLocked(b, earliest.Sub(now))
			return
		}

		t := b.queue[0]
		b.queue = b.queue[1:]
		b.inFlight++
		b.lastStart = now
		b.everStarted = true
		if b != g {
			g.inFlight++
			g.lastStart = now
			g.everStarted = true
		}
		b.queueDelays.add(now.Sub(t.enqueuedAt))
		close(t.start)
	}
}

// armTimerLocked schedules a re-pump of b after d. At most one timer per
// bucket is armed at a time.
func (s *Scheduler) armTimerLocked(b *bucket, d time.Duration) {
	if b.timerArmed {
		return
	}
	b.timerArmed = true
	time.AfterFunc(d+time.Millisecond, func() {
		s.mu.Lock()
		b.timerArmed = false
		s.pumpLocked(b)
		s.mu.Unlock()
	})
}

// finish records the completion of a task started in b and offers the freed
// capacity to every bucket.
func (s *Scheduler) finish(b *bucket, dur time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b.inFlight--
	if b != s.global {
		s.global.inFlight--
	}
	b.durations.add(dur)
	if ok {
		b.cooldownHits = 0
	}

	s.pumpLocked(b)
	if b != s.global {
		s.pumpLocked(s.global)
	}
	s.pumpOthersLocked(b)
}

// pumpOthersLocked offers freed capacity to every bucket other than just.
// Buckets are visited from a round-robin cursor; slow buckets (by p50 call
// duration) get extra consecutive turns so they are not starved by fast,
// chatty neighbours.
func (s *Scheduler) pumpOthersLocked(just *bucket) {
	n := len(s.order)
	if n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		name := s.order[(s.rrPos+i)%n]
		b := s.buckets[name]
		if b == just {
			continue
		}
		for turn := 0; turn < s.turnsLocked(b); turn++ {
			s.pumpLocked(b)
		}
	}
	s.rrPos = (s.rrPos + 1) % n
}

// turnsLocked returns how many pump turns b gets per round-robin cycle.
func (s *Scheduler) turnsLocked(b *bucket) int {
	p50 := b.durations.percentile(50)
	turns := 1 + int(p50/(500*time.Millisecond))
	if turns > 4 {
		turns = 4
	}
	return turns
}

// OnRateLimit pushes the named bucket (and, transitively, the global
// bucket) into cooldown after a server-side rate-limit response.
//
// retryAfter is the server-requested backoff, zero when the server gave
// none. The effective cooldown is the larger of retryAfter and the
// bucket's base cooldown doubled per consecutive rate limit, clamped to
// MaxCooldown. The cooldown horizon never shrinks: an earlier, longer
// cooldown always wins. The rate-limit counter increments only on the
// named bucket so one hot bucket does not appear to fail twice.
func (s *Scheduler) OnRateLimit(bucketName string, retryAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.bucketFor(bucketName)
	b.rateLimits++

	cool := b.cfg.Cooldown << min(b.cooldownHits, 16)
	b.cooldownHits++
	if retryAfter > cool {
		cool = retryAfter
	}
	if b.cfg.MaxCooldown > 0 && cool > b.cfg.MaxCooldown {
		cool = b.cfg.MaxCooldown
	}
	if cool < 0 {
		cool = 0
	}

	now := s.now()
	until := now.Add(cool)
	s.blockLocked(b, until)
	if b != s.global {
		s.blockLocked(s.global, until)
	}

	slog.Warn("rate limited, bucket cooling down",
		"bucket", bucketName,
		"cooldown", cool,
		"retry_after", retryAfter,
	)
}

// blockLocked extends b's cooldown horizon to until if that is later than
// the current one, and arms a timer so queued work resumes on expiry.
func (s *Scheduler) blockLocked(b *bucket, until time.Time) {
	if until.Before(b.blockedUntil) {
		return
	}
	b.blockedUntil = until
	if len(b.queue) > 0 {
		s.armTimerLocked(b, until.Sub(s.now()))
	}
}

// InCooldown reports whether the named bucket is currently blocked by a
// rate-limit cooldown.
func (s *Scheduler) InCooldown(bucketName string) bool {
	return s.CooldownRemaining(bucketName) > 0
}

// CooldownRemaining returns how long the named bucket remains blocked,
// zero when it is not in cooldown.
func (s *Scheduler) CooldownRemaining(bucketName string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.bucketFor(bucketName)
	rem := b.blockedUntil.Sub(s.now())
	if rem < 0 {
		return 0
	}
	return rem
}

func laterTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
