// Package observe provides application-wide observability primitives for
// Scribeflow: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Scribeflow metrics.
const meterName = "github.com/7788ken/scribeflow"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// LLMDuration tracks model call latency. Use with attribute:
	//   attribute.String("worker", ...)
	LLMDuration metric.Float64Histogram

	// QueueDelay tracks how long a task waited in the scheduler before its
	// model call started. Use with attribute:
	//   attribute.String("bucket", ...)
	QueueDelay metric.Float64Histogram

	// WorkerRunDuration tracks one full analysis pass, persist included.
	// Use with attribute: attribute.String("worker", ...)
	WorkerRunDuration metric.Float64Histogram

	// --- Counters ---

	// WorkerRuns counts completed analysis passes. Use with attributes:
	//   attribute.String("worker", ...), attribute.String("status", ...)
	WorkerRuns metric.Int64Counter

	// Fallbacks counts analysis passes that fell through to the heuristic
	// grouping. Use with attribute: attribute.String("worker", ...)
	Fallbacks metric.Int64Counter

	// ValidationFailures counts rejected model outputs. Use with attributes:
	//   attribute.String("worker", ...), attribute.String("reason", ...)
	ValidationFailures metric.Int64Counter

	// RateLimits counts observed server-side throttles. Use with attribute:
	//   attribute.String("bucket", ...)
	RateLimits metric.Int64Counter

	// Rollbacks counts rollback passes triggered by corrections to already
	// analyzed fragments. Use with attribute: attribute.String("worker", ...)
	Rollbacks metric.Int64Counter

	// FragmentsIngested counts accepted transcript writes. Use with
	// attribute: attribute.String("kind", "append"|"correction")
	FragmentsIngested metric.Int64Counter

	// ProviderErrors counts model provider errors. Use with attribute:
	//   attribute.String("provider", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions with live analysis state.
	ActiveSessions metric.Int64UpDownCounter

	// QueueDepth tracks tasks waiting in scheduler buckets. Use with
	// attribute: attribute.String("bucket", ...)
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// model-call latencies, which routinely run into whole seconds.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMDuration, err = m.Float64Histogram("scribeflow.llm.duration",
		metric.WithDescription("Latency of model completion calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueueDelay, err = m.Float64Histogram("scribeflow.scheduler.queue_delay",
		metric.WithDescription("Time a task spent queued before its model call started."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WorkerRunDuration, err = m.Float64Histogram("scribeflow.worker.run_duration",
		metric.WithDescription("Duration of one analysis pass including persistence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.WorkerRuns, err = m.Int64Counter("scribeflow.worker.runs",
		metric.WithDescription("Completed analysis passes by worker and status."),
	); err != nil {
		return nil, err
	}
	if met.Fallbacks, err = m.Int64Counter("scribeflow.worker.fallbacks",
		metric.WithDescription("Analysis passes resolved by the heuristic fallback."),
	); err != nil {
		return nil, err
	}
	if met.ValidationFailures, err = m.Int64Counter("scribeflow.worker.validation_failures",
		metric.WithDescription("Model outputs rejected by structural validation."),
	); err != nil {
		return nil, err
	}
	if met.RateLimits, err = m.Int64Counter("scribeflow.scheduler.rate_limits",
		metric.WithDescription("Server-side throttles observed per bucket."),
	); err != nil {
		return nil, err
	}
	if met.Rollbacks, err = m.Int64Counter("scribeflow.worker.rollbacks",
		metric.WithDescription("Rollback passes triggered by late corrections."),
	); err != nil {
		return nil, err
	}
	if met.FragmentsIngested, err = m.Int64Counter("scribeflow.ingest.fragments",
		metric.WithDescription("Accepted transcript writes by kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("scribeflow.provider.errors",
		metric.WithDescription("Model provider errors by provider."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("scribeflow.active_sessions",
		metric.WithDescription("Sessions with live analysis state."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("scribeflow.scheduler.queue_depth",
		metric.WithDescription("Tasks waiting in scheduler buckets."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("scribeflow.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordWorkerRun records one completed analysis pass with the standard
// attribute set.
func (m *Metrics) RecordWorkerRun(ctx context.Context, worker, status string) {
	m.WorkerRuns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("worker", worker),
			attribute.String("status", status),
		),
	)
}

// RecordWorkerRunDuration records the elapsed time of one analysis pass.
func (m *Metrics) RecordWorkerRunDuration(ctx context.Context, worker string, d time.Duration) {
	m.WorkerRunDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("worker", worker)),
	)
}

// RecordFallback records one heuristic fallback for the given worker.
func (m *Metrics) RecordFallback(ctx context.Context, worker string) {
	m.Fallbacks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("worker", worker)),
	)
}

// RecordValidationFailure records one rejected model output.
func (m *Metrics) RecordValidationFailure(ctx context.Context, worker, reason string) {
	m.ValidationFailures.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("worker", worker),
			attribute.String("reason", reason),
		),
	)
}

// RecordRateLimit records one observed throttle on the given bucket.
func (m *Metrics) RecordRateLimit(ctx context.Context, bucket string) {
	m.RateLimits.Add(ctx, 1,
		metric.WithAttributes(attribute.String("bucket", bucket)),
	)
}

// RecordProviderError records one model provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// SessionStarted increments the active-session gauge.
func (m *Metrics) SessionStarted() {
	m.ActiveSessions.Add(context.Background(), 1)
}

// SessionEnded decrements the active-session gauge.
func (m *Metrics) SessionEnded() {
	m.ActiveSessions.Add(context.Background(), -1)
}
