// Package ingest accepts raw recognition fragments, writes them to the
// event log, and wakes the re-analysis workers.
//
// The ingester is the only component that detects rollback: when a
// correction lands at or below an index the semantic worker has already
// analyzed, it records the pending rollback on the analysis cursor before
// waking anyone. The write path itself is never blocked by analysis.
package ingest

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/7788ken/scribeflow/internal/eventlog"
	"github.com/7788ken/scribeflow/internal/observe"
	"github.com/7788ken/scribeflow/internal/results"
	"github.com/7788ken/scribeflow/internal/speakers"
)

// Waker receives "session changed" wake-ups. *worker.Runner implements it.
type Waker interface {
	Notify(sessionID string)
}

// FragmentInput is one raw recognition fragment as delivered by the
// upstream transport.
type FragmentInput struct {
	SessionID string

	// EventIndex, when set, addresses an existing fragment for an explicit
	// correction. Most corrections instead arrive with a repeated
	// SegmentKey and a nil index.
	EventIndex *int64

	SpeakerID         string
	SpeakerName       string
	Content           string
	IsFinal           bool
	SegmentKey        string
	SourceTimestampMS int64
}

// Ingester applies fragments to the log and fans change notifications out
// to the workers. Safe for concurrent use.
type Ingester struct {
	log      eventlog.Store
	results  results.Store
	speakers *speakers.Canonicalizer
	wakers   []Waker
	metrics  *observe.Metrics

	mu sync.Mutex
	// segmentKeys maps sessionID -> segmentKey -> eventIndex so a repeated
	// key is recognized as a correction of the earlier fragment.
	segmentKeys map[string]map[string]int64
}

// New creates an Ingester. canon may be nil to disable speaker name
// canonicalization; metrics defaults to [observe.DefaultMetrics].
func New(log eventlog.Store, res results.Store, canon *speakers.Canonicalizer, metrics *observe.Metrics, wakers ...Waker) *Ingester {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Ingester{
		log:         log,
		results:     res,
		speakers:    canon,
		wakers:      wakers,
		metrics:     metrics,
		segmentKeys: make(map[string]map[string]int64),
	}
}

// Apply writes one fragment and wakes the workers. It returns the new log
// revision and the stored fragment.
func (i *Ingester) Apply(ctx context.Context, in FragmentInput) (int64, eventlog.Fragment, error) {
	if in.SessionID == "" {
		return 0, eventlog.Fragment{}, fmt.Errorf("ingest: session id is required")
	}

	name := in.SpeakerName
	if i.speakers != nil {
		name = i.speakers.Canonical(in.SessionID, in.SpeakerID, in.SpeakerName)
	}

	target := i.resolveIndex(in)

	rev, frag, err := i.log.UpsertEvent(ctx, in.SessionID, eventlog.Write{
		EventIndex:        target,
		SpeakerID:         in.SpeakerID,
		SpeakerName:       name,
		Content:           in.Content,
		IsFinal:           in.IsFinal,
		SegmentKey:        in.SegmentKey,
		SourceTimestampMS: in.SourceTimestampMS,
	})
	if err != nil {
		return 0, eventlog.Fragment{}, fmt.Errorf("ingest: apply fragment: %w", err)
	}

	kind := "append"
	if target != nil {
		kind = "correction"
		if err := i.recordRollback(ctx, in.SessionID, frag.EventIndex); err != nil {
			return 0, eventlog.Fragment{}, err
		}
	}
	i.rememberKey(in.SessionID, in.SegmentKey, frag.EventIndex)
	i.metrics.FragmentsIngested.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("kind", kind)))

	for _, w := range i.wakers {
		w.Notify(in.SessionID)
	}
	return rev, frag, nil
}

// resolveIndex decides whether the input corrects an existing fragment: an
// explicit index wins, otherwise a previously seen segment key.
func (i *Ingester) resolveIndex(in FragmentInput) *int64 {
	if in.EventIndex != nil {
		return in.EventIndex
	}
	if in.SegmentKey == "" {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if keys, ok := i.segmentKeys[in.SessionID]; ok {
		if idx, ok := keys[in.SegmentKey]; ok {
			return &idx
		}
	}
	return nil
}

func (i *Ingester) rememberKey(sessionID, segmentKey string, eventIndex int64) {
	if segmentKey == "" {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	keys, ok := i.segmentKeys[sessionID]
	if !ok {
		keys = make(map[string]int64)
		i.segmentKeys[sessionID] = keys
	}
	keys[segmentKey] = eventIndex
}

// recordRollback marks the analysis cursor when a correction lands at or
// below an already-analyzed index. The pending index only ever moves down.
func (i *Ingester) recordRollback(ctx context.Context, sessionID string, correctedIndex int64) error {
	cur, err := i.results.GetCursor(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("ingest: read cursor: %w", err)
	}
	if correctedIndex > cur.LastAnalyzedEventIndex {
		return nil // correction is ahead of analysis, nothing to unwind
	}
	pending := correctedIndex
	if cur.PendingRollbackEventIndex >= 0 && cur.PendingRollbackEventIndex < pending {
		pending = cur.PendingRollbackEventIndex
	}
	if pending == cur.PendingRollbackEventIndex {
		return nil
	}
	cur.PendingRollbackEventIndex = pending
	if err := i.results.PutCursor(ctx, cur); err != nil {
		return fmt.Errorf("ingest: record rollback: %w", err)
	}
	return nil
}

// Forget drops per-session ingest state on session teardown.
func (i *Ingester) Forget(sessionID string) {
	i.mu.Lock()
	delete(i.segmentKeys, sessionID)
	i.mu.Unlock()
	if i.speakers != nil {
		i.speakers.Forget(sessionID)
	}
}
