package worker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/7788ken/scribeflow/internal/analysis"
	"github.com/7788ken/scribeflow/internal/diag"
	"github.com/7788ken/scribeflow/internal/eventlog"
	"github.com/7788ken/scribeflow/internal/notify"
	"github.com/7788ken/scribeflow/internal/observe"
	"github.com/7788ken/scribeflow/internal/resilience"
	"github.com/7788ken/scribeflow/internal/results"
	"github.com/7788ken/scribeflow/internal/schedule"
	"github.com/7788ken/scribeflow/pkg/provider/llm"
	"github.com/7788ken/scribeflow/pkg/provider/llm/mock"
)

// newDeps builds a Deps over in-memory stores with a fast retry policy so
// failure paths do not sleep.
func newDeps(p llm.Provider) (Deps, *notifyRec, *diagRec) {
	nr := &notifyRec{}
	dr := &diagRec{}
	d := Deps{
		Log:     eventlog.NewMemStore(),
		Results: results.NewMemStore(),
		Provider: p,
		Scheduler: schedule.New(schedule.Config{
			Global:  schedule.BucketConfig{Concurrency: 8},
			Default: schedule.BucketConfig{Concurrency: 4},
		}),
		Retry:    resilience.NewRetryPolicy(1, time.Millisecond, time.Millisecond),
		Notifier: nr,
		Diag:     dr,
	}
	return d, nr, dr
}

// appendFrag appends one final fragment and returns its index.
func appendFrag(t *testing.T, log eventlog.Store, sessionID, speakerID, content string) int64 {
	t.Helper()
	_, frag, err := log.UpsertEvent(context.Background(), sessionID, eventlog.Write{
		SpeakerID:   speakerID,
		SpeakerName: strings.ToUpper(speakerID),
		Content:     content,
		IsFinal:     true,
	})
	if err != nil {
		t.Fatalf("UpsertEvent: %v", err)
	}
	return frag.EventIndex
}

// segmentsReply builds the model reply for the turn segmentation task.
func segmentsReply(t *testing.T, segs []analysis.Segment) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{"segments": segs})
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

// dialoguesReply builds the model reply for the semantic analysis task.
func dialoguesReply(t *testing.T, dialogues []analysis.Dialogue) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{"dialogues": dialogues})
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestAnalyze_RecordsRunDurationAndQueueDepth(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	p := mock.New()
	d, _, _ := newDeps(p)
	d.Metrics = met
	w, err := NewTurnSegmenter(d, 16)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	appendFrag(t, d.Log, "s1", "a", "hi")
	p.Respond(segmentsReply(t, []analysis.Segment{
		{SpeakerID: "a", SpeakerName: "A", StartEventIndex: 0, EndEventIndex: 0},
	}))
	if _, err := w.Analyze(ctx, "s1"); err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	find := func(name string) *metricdata.Metrics {
		for _, sm := range rm.ScopeMetrics {
			for i := range sm.Metrics {
				if sm.Metrics[i].Name == name {
					return &sm.Metrics[i]
				}
			}
		}
		return nil
	}

	run := find("scribeflow.worker.run_duration")
	if run == nil {
		t.Fatal("run_duration was never recorded")
	}
	hist, ok := run.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Errorf("run_duration data = %+v, want one observation", run.Data)
	}

	// The task entered and left the queue, so the gauge must net to zero.
	depth := find("scribeflow.scheduler.queue_depth")
	if depth == nil {
		t.Fatal("queue_depth was never recorded")
	}
	sum, ok := depth.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 {
		t.Fatalf("queue_depth data = %+v, want one data point", depth.Data)
	}
	if sum.DataPoints[0].Value != 0 {
		t.Errorf("queue_depth = %d, want 0 after the pass drained", sum.DataPoints[0].Value)
	}
}

func TestComplete_RateLimitRecordedInJournal(t *testing.T) {
	p := mock.New(mock.Reply{Err: &llm.RateLimitError{RetryAfter: time.Millisecond}})
	d, _, dr := newDeps(p)
	d, err := d.normalized()
	if err != nil {
		t.Fatalf("normalized: %v", err)
	}

	_, err = d.complete(context.Background(), BucketTurn, "session-1", llm.CompletionRequest{})
	if err == nil {
		t.Fatal("complete succeeded, want rate-limit error")
	}

	if !dr.has(diag.KindRateLimit) {
		t.Fatalf("journal kinds = %v, want a %q record", dr.kinds(), diag.KindRateLimit)
	}
	ev := dr.events[0]
	if ev.SessionID != "session-1" || ev.Worker != BucketTurn {
		t.Errorf("record = %+v, want session-1 / %s", ev, BucketTurn)
	}
}

type notifyRec struct {
	mu      sync.Mutex
	changes []notify.Change
}

func (r *notifyRec) ResultChanged(ctx context.Context, ch notify.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, ch)
}

func (r *notifyRec) all() []notify.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Change, len(r.changes))
	copy(out, r.changes)
	return out
}

type diagRec struct {
	mu     sync.Mutex
	events []diag.Event
}

func (r *diagRec) Record(ctx context.Context, ev diag.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *diagRec) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *diagRec) has(kind string) bool {
	for _, k := range r.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}
