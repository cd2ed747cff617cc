package schedule

import (
	"slices"
	"time"
)

// BucketStats is a read-only snapshot of one bucket, for operators. It is
// not part of the scheduling contract.
type BucketStats struct {
	// Depth is the number of queued, not yet started tasks.
	Depth int

	// InFlight is the number of started, not yet completed tasks.
	InFlight int

	// RateLimits is the lifetime count of rate-limit responses attributed
	// to this bucket.
	RateLimits int64

	// CooldownRemaining is how long the bucket stays blocked, zero when
	// not in cooldown.
	CooldownRemaining time.Duration

	// DurationP50 and DurationP95 summarize recent call durations.
	DurationP50 time.Duration
	DurationP95 time.Duration

	// QueueDelayP50 and QueueDelayP95 summarize recent waits between
	// enqueue and start.
	QueueDelayP50 time.Duration
	QueueDelayP95 time.Duration
}

// QueueStats returns a snapshot of every bucket, including the global one.
func (s *Scheduler) QueueStats() map[string]BucketStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make(map[string]BucketStats, len(s.buckets)+1)
	collect := func(b *bucket) {
		rem := b.blockedUntil.Sub(now)
		if rem < 0 {
			rem = 0
		}
		out[b.name] = BucketStats{
			Depth:             len(b.queue),
			InFlight:          b.inFlight,
			RateLimits:        b.rateLimits,
			CooldownRemaining: rem,
			DurationP50:       b.durations.percentile(50),
			DurationP95:       b.durations.percentile(95),
			QueueDelayP50:     b.queueDelays.percentile(50),
			QueueDelayP95:     b.queueDelays.percentile(95),
		}
	}
	collect(s.global)
	for _, b := range s.buckets {
		collect(b)
	}
	return out
}

// rolling is a fixed-capacity ring of duration samples.
type rolling struct {
	samples [sampleWindow]time.Duration
	next    int
	filled  int
}

func (r *rolling) add(d time.Duration) {
	r.samples[r.next] = d
	r.next = (r.next + 1) % sampleWindow
	if r.filled < sampleWindow {
		r.filled++
	}
}

// percentile returns the p-th percentile of the recorded samples, zero
// when none have been recorded.
func (r *rolling) percentile(p int) time.Duration {
	if r.filled == 0 {
		return 0
	}
	sorted := make([]time.Duration, r.filled)
	copy(sorted, r.samples[:r.filled])
	slices.Sort(sorted)

	idx := (len(sorted) - 1) * p / 100
	return sorted[idx]
}
