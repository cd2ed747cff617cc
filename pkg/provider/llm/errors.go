package llm

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError reports that the backend rejected a request because the
// shared API quota is exhausted. It must be distinguishable from other
// failures so the scheduler can apply cooldown to the right bucket.
type RateLimitError struct {
	// RetryAfter is the backoff requested by the server, zero when the
	// server did not say.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("llm: rate limited, retry after %s", e.RetryAfter)
	}
	return "llm: rate limited"
}

// AsRateLimit extracts a rate-limit signal from err. The second return is
// true when err is (or wraps) a [*RateLimitError].
func AsRateLimit(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}
