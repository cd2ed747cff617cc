// Package resilience provides the retry policy used around outbound LLM
// calls: bounded attempts with exponential backoff, a cap, and jitter.
//
// The policy is deliberately independent of the transport: callers decide
// which errors are worth retrying and how long the server asked them to
// wait; the policy only owns the attempt loop and the sleeping.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Default retry parameters.
const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
)

// Permanent wraps err to tell [RetryPolicy.Do] that further attempts are
// pointless (e.g. missing configuration, validation failures).
func Permanent(err error) error {
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// RetryPolicy holds the tuning knobs of the attempt loop.
// Zero-value fields are replaced with sensible defaults by [NewRetryPolicy].
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt. It doubles each
	// further attempt up to MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the backoff regardless of attempt count or what the
	// server requested.
	MaxDelay time.Duration

	// rand is the jitter source, replaceable in tests.
	rand func() float64
}

// NewRetryPolicy creates a [RetryPolicy] with defaults filled in.
func NewRetryPolicy(maxAttempts int, base, max time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if base <= 0 {
		base = defaultBaseDelay
	}
	if max <= 0 {
		max = defaultMaxDelay
	}
	return RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: base, MaxDelay: max, rand: rand.Float64}
}

// Do runs fn up to MaxAttempts times. fn reports, besides its error, the
// minimum wait the server requested before the next attempt (zero when it
// did not say); the actual sleep is the larger of that and the policy's
// exponential backoff, jittered ±25% and capped at MaxDelay.
//
// Do returns nil on the first success, the last error once attempts are
// exhausted, and immediately on [Permanent] errors or context cancellation.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) (time.Duration, error)) error {
	if p.MaxAttempts <= 0 {
		p = NewRetryPolicy(p.MaxAttempts, p.BaseDelay, p.MaxDelay)
	}
	if p.rand == nil {
		p.rand = rand.Float64
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, p.delay(attempt, lastErr)); err != nil {
				return err
			}
		}

		wait, err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = &attemptError{err: err, serverWait: wait}
	}
	return fmt.Errorf("resilience: %d attempts exhausted: %w", p.MaxAttempts, errors.Unwrap(lastErr))
}

// attemptError pairs a failure with the server-requested wait so delay can
// honor it on the next attempt.
type attemptError struct {
	err        error
	serverWait time.Duration
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

// delay computes the sleep before the given (1-based) retry attempt.
func (p RetryPolicy) delay(attempt int, lastErr error) time.Duration {
	backoff := p.BaseDelay << (attempt - 1)
	if backoff > p.MaxDelay || backoff <= 0 {
		backoff = p.MaxDelay
	}

	var ae *attemptError
	if errors.As(lastErr, &ae) && ae.serverWait > backoff {
		backoff = ae.serverWait
		if backoff > p.MaxDelay {
			backoff = p.MaxDelay
		}
	}

	// ±25% jitter so synchronized workers do not thundering-herd the API.
	jitter := 0.75 + 0.5*p.rand()
	return time.Duration(float64(backoff) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
