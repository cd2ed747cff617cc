package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/7788ken/scribeflow/internal/diag"
	"github.com/7788ken/scribeflow/internal/eventlog"
	"github.com/7788ken/scribeflow/internal/notify"
	"github.com/7788ken/scribeflow/internal/results"
)

const taskNextSentence = "next-sentence"

// EventSegmenter emits recognized speech one sentence at a time, forming a
// singly linked chain of [results.EventSegment]. Each pass asks the model
// for the next sentence after the previously emitted one; the chain is
// never backfilled.
type EventSegmenter struct {
	deps       Deps
	windowSize int
}

var _ Analyzer = (*EventSegmenter)(nil)

// NewEventSegmenter creates the sentence segmentation analyzer. windowSize
// is the number of trailing fragments offered to the model per pass.
func NewEventSegmenter(deps Deps, windowSize int) (*EventSegmenter, error) {
	d, err := deps.normalized()
	if err != nil {
		return nil, err
	}
	if windowSize < 1 {
		return nil, errors.New("worker: windowSize must be at least 1")
	}
	return &EventSegmenter{deps: d, windowSize: windowSize}, nil
}

// Name implements [Analyzer].
func (w *EventSegmenter) Name() string { return "segment" }

// Analyze implements [Analyzer].
func (w *EventSegmenter) Analyze(ctx context.Context, sessionID string) (bool, error) {
	started := time.Now()
	state, err := w.deps.Log.GetState(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("worker: segment: read state: %w", err)
	}
	if state.NextEventIndex == 0 || state.Revision <= state.LastSegmentedRevision {
		return false, nil
	}
	maxIndex := state.NextEventIndex - 1

	windowStart := maxIndex - int64(w.windowSize) + 1
	if windowStart < 0 {
		windowStart = 0
	}
	events, err := w.deps.Log.GetEventsInRange(ctx, sessionID, windowStart, maxIndex)
	if err != nil {
		return false, fmt.Errorf("worker: segment: read window [%d,%d]: %w", windowStart, maxIndex, err)
	}

	prev, err := w.deps.Results.LastEventSegment(ctx, sessionID)
	switch {
	case errors.Is(err, results.ErrNotFound):
		prev = results.EventSegment{SourceEndEventIndex: -1}
	case err != nil:
		return false, fmt.Errorf("worker: segment: read last segment: %w", err)
	}

	sentence := w.deriveSentence(ctx, sessionID, events, prev, windowStart, maxIndex)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	// Nothing new to say: remember the revision so this pass is not
	// repeated until the log changes again.
	if sentence == "" {
		if err := w.deps.Log.SetLastSegmentedRevision(ctx, sessionID, state.Revision); err != nil {
			return false, fmt.Errorf("worker: segment: record revision: %w", err)
		}
		return false, nil
	}

	sourceStart := prev.SourceEndEventIndex + 1
	if sourceStart < windowStart {
		sourceStart = windowStart
	}
	seg := results.EventSegment{
		SessionID:             sessionID,
		ID:                    uuid.NewString(),
		Sequence:              prev.Sequence + 1,
		Content:               sentence,
		SourceStartEventIndex: sourceStart,
		SourceEndEventIndex:   maxIndex,
		SourceRevision:        state.Revision,
		PrevSegmentID:         prev.ID,
		Status:                results.StatusCompleted,
	}
	if err := w.deps.Results.AppendEventSegment(ctx, seg); err != nil {
		return false, fmt.Errorf("worker: segment: append: %w", err)
	}
	if err := w.deps.Log.SetLastSegmentedRevision(ctx, sessionID, state.Revision); err != nil {
		return false, fmt.Errorf("worker: segment: record revision: %w", err)
	}

	w.deps.Metrics.RecordWorkerRun(ctx, w.Name(), string(results.StatusCompleted))
	w.deps.Metrics.RecordWorkerRunDuration(ctx, w.Name(), time.Since(started))
	w.deps.Notifier.ResultChanged(ctx, notify.Change{
		SessionID: sessionID,
		Worker:    w.Name(),
		Revision:  state.Revision,
		Detail:    fmt.Sprintf("segment %d", seg.Sequence),
	})
	return false, nil
}

// deriveSentence asks the model for the sentence following prev, retrying
// invalid output once, then falls back to joining the not-yet-consumed
// window text. An empty return means no new sentence.
func (w *EventSegmenter) deriveSentence(ctx context.Context, sessionID string, events []eventlog.Fragment, prev results.EventSegment, start, end int64) string {
	req := buildRequest(taskNextSentence, sessionID, start, end, events, prev.Content)

	for attempt := 0; attempt < 2; attempt++ {
		content, err := w.deps.complete(ctx, BucketSegment, sessionID, req)
		if err != nil {
			if ctx.Err() != nil {
				return ""
			}
			break
		}

		sentence, err := parseNextSentence(content)
		if err == nil {
			return sentence
		}

		w.deps.Metrics.RecordValidationFailure(ctx, w.Name(), "malformed")
		w.deps.Diag.Record(ctx, diag.Event{
			Kind:      diag.KindValidationFailure,
			SessionID: sessionID,
			Worker:    w.Name(),
			Detail:    err.Error(),
		})
	}

	w.deps.Metrics.RecordFallback(ctx, w.Name())
	w.deps.Diag.Record(ctx, diag.Event{
		Kind:      diag.KindFallback,
		SessionID: sessionID,
		Worker:    w.Name(),
		Detail:    fmt.Sprintf("joined window text for [%d,%d]", start, end),
	})
	return fallbackSentence(events, prev.SourceEndEventIndex)
}

// fallbackSentence joins the content of fragments the chain has not yet
// consumed.
func fallbackSentence(events []eventlog.Fragment, consumedThrough int64) string {
	var parts []string
	for _, e := range events {
		if e.EventIndex <= consumedThrough || e.Content == "" {
			continue
		}
		parts = append(parts, e.Content)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
