// Package worker implements the incremental re-analysis workers that turn
// the raw event log into stable, speaker-attributed dialogue.
//
// Three [Analyzer] variants share one pattern: watch the log's revision,
// pull a bounded window of fragments, call the model through the scheduler,
// validate the structured JSON it returns, persist the result, and fall
// back to a deterministic grouping when the model cannot satisfy the
// continuity invariants after retries. A [Runner] wraps each analyzer with
// the per-session state machine that guarantees at most one active pass per
// session while never dropping a change notification.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/7788ken/scribeflow/internal/diag"
	"github.com/7788ken/scribeflow/internal/eventlog"
	"github.com/7788ken/scribeflow/internal/notify"
	"github.com/7788ken/scribeflow/internal/observe"
	"github.com/7788ken/scribeflow/internal/resilience"
	"github.com/7788ken/scribeflow/internal/results"
	"github.com/7788ken/scribeflow/internal/schedule"
	"github.com/7788ken/scribeflow/pkg/provider/llm"
)

// Scheduler bucket names, one per analyzer variant. All three share the
// scheduler's global budget.
const (
	BucketTurn     = "turn-segmentation"
	BucketSemantic = "semantic-analysis"
	BucketSegment  = "event-segmentation"
)

// Deps bundles the collaborators every analyzer needs. Log, Results,
// Provider and Scheduler are required; the rest default to no-ops.
type Deps struct {
	Log       eventlog.Store
	Results   results.Store
	Provider  llm.Provider
	Scheduler *schedule.Scheduler

	// Retry governs transport-level retries around each model call. Zero
	// value means [resilience.NewRetryPolicy] defaults.
	Retry resilience.RetryPolicy

	// Notifier receives exactly one call per successful persist.
	Notifier notify.Notifier

	// Diag records fallback, validation and rollback episodes.
	Diag diag.Recorder

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (d Deps) normalized() (Deps, error) {
	if d.Log == nil || d.Results == nil || d.Provider == nil || d.Scheduler == nil {
		return d, errors.New("worker: Log, Results, Provider and Scheduler are required")
	}
	if d.Retry.MaxAttempts == 0 {
		d.Retry = resilience.NewRetryPolicy(0, 0, 0)
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Diag == nil {
		d.Diag = diag.Nop{}
	}
	if d.Metrics == nil {
		d.Metrics = observe.DefaultMetrics()
	}
	return d, nil
}

// Analyzer is one re-analysis variant. Analyze performs a single pass for
// the session and reports whether more work is already known to remain
// (the semantic variant advances one fragment per pass).
//
// Implementations never surface model failures as errors; those resolve
// internally via the heuristic fallback. A returned error means the pass
// could not run at all (storage failure, gap in the log, cancellation).
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, sessionID string) (more bool, err error)
}

// complete submits one model call through the scheduler under the given
// bucket, keyed by session so a fresher queued request supersedes a stale
// one. Transport failures retry with backoff; rate limits additionally
// cool the bucket down.
func (d Deps) complete(ctx context.Context, bucketName, sessionID string, req llm.CompletionRequest) (string, error) {
	var content string
	bucketAttr := metric.WithAttributes(observe.Attr("bucket", bucketName))
	err := d.Retry.Do(ctx, func(ctx context.Context) (time.Duration, error) {
		queued := time.Now()
		d.Metrics.QueueDepth.Add(ctx, 1, bucketAttr)
		admitted := false
		err := d.Scheduler.Do(ctx, bucketName, sessionID, func(ctx context.Context) error {
			admitted = true
			d.Metrics.QueueDepth.Add(ctx, -1, bucketAttr)
			d.Metrics.QueueDelay.Record(ctx, time.Since(queued).Seconds(), bucketAttr)

			start := time.Now()
			resp, err := d.Provider.Complete(ctx, req)
			d.Metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(), bucketAttr)
			if err != nil {
				return err
			}
			content = resp.Content
			return nil
		})
		// A task evicted or cancelled while still queued never ran, so it
		// leaves the depth gauge here instead.
		if !admitted {
			d.Metrics.QueueDepth.Add(ctx, -1, bucketAttr)
		}
		if err == nil {
			return 0, nil
		}
		if errors.Is(err, schedule.ErrSuperseded) || ctx.Err() != nil {
			return 0, resilience.Permanent(err)
		}
		if wait, ok := llm.AsRateLimit(err); ok {
			d.Scheduler.OnRateLimit(bucketName, wait)
			d.Metrics.RecordRateLimit(ctx, bucketName)
			d.Diag.Record(ctx, diag.Event{
				Kind:      diag.KindRateLimit,
				SessionID: sessionID,
				Worker:    bucketName,
				Detail:    fmt.Sprintf("retry after %s", wait),
			})
			return wait, err
		}
		d.Metrics.RecordProviderError(ctx, d.Provider.Name())
		return 0, err
	})
	if err != nil {
		return "", fmt.Errorf("worker: model call in bucket %q: %w", bucketName, err)
	}
	return content, nil
}
