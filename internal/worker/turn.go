package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/7788ken/scribeflow/internal/analysis"
	"github.com/7788ken/scribeflow/internal/diag"
	"github.com/7788ken/scribeflow/internal/eventlog"
	"github.com/7788ken/scribeflow/internal/notify"
	"github.com/7788ken/scribeflow/internal/results"
)

const taskTurnSegments = "turn-segments"

// TurnSegmenter derives the full-session speaker turn partition. Each pass
// re-segments only a window of the newest fragments: the completed prefix
// of segments ending strictly before the window start is kept, so the cost
// of a pass stays bounded as the log grows.
type TurnSegmenter struct {
	deps       Deps
	windowSize int
}

var _ Analyzer = (*TurnSegmenter)(nil)

// NewTurnSegmenter creates the turn segmentation analyzer. windowSize is
// the number of trailing fragments re-segmented per pass.
func NewTurnSegmenter(deps Deps, windowSize int) (*TurnSegmenter, error) {
	d, err := deps.normalized()
	if err != nil {
		return nil, err
	}
	if windowSize < 1 {
		return nil, errors.New("worker: windowSize must be at least 1")
	}
	return &TurnSegmenter{deps: d, windowSize: windowSize}, nil
}

// Name implements [Analyzer].
func (w *TurnSegmenter) Name() string { return "turn" }

// Analyze implements [Analyzer].
func (w *TurnSegmenter) Analyze(ctx context.Context, sessionID string) (bool, error) {
	started := time.Now()
	state, err := w.deps.Log.GetState(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("worker: turn: read state: %w", err)
	}
	if state.NextEventIndex == 0 {
		return false, nil
	}
	maxIndex := state.NextEventIndex - 1

	prev, err := w.deps.Results.GetTurnSegments(ctx, sessionID)
	switch {
	case errors.Is(err, results.ErrNotFound):
		prev = results.TurnSegmentsResult{SessionID: sessionID}
	case err != nil:
		return false, fmt.Errorf("worker: turn: read previous result: %w", err)
	}
	if prev.Revision >= state.Revision {
		return false, nil
	}

	// Keep the completed prefix that ends strictly before the window and
	// re-derive everything from there.
	windowStart := maxIndex - int64(w.windowSize) + 1
	if windowStart < 0 {
		windowStart = 0
	}
	prefix := keepPrefix(prev.Segments, windowStart, prev.Status)
	start := int64(0)
	if len(prefix) > 0 {
		start = prefix[len(prefix)-1].EndEventIndex + 1
	}

	working := prev
	working.TargetRevision = state.Revision
	working.Status = results.StatusProcessing
	if err := w.deps.Results.PutTurnSegments(ctx, working); err != nil {
		return false, fmt.Errorf("worker: turn: mark processing: %w", err)
	}

	events, err := w.deps.Log.GetEventsInRange(ctx, sessionID, start, maxIndex)
	if err != nil {
		working.Status = results.StatusFailed
		if perr := w.deps.Results.PutTurnSegments(ctx, working); perr != nil {
			err = errors.Join(err, perr)
		}
		return false, fmt.Errorf("worker: turn: read window [%d,%d]: %w", start, maxIndex, err)
	}

	suffix, err := w.deriveSegments(ctx, sessionID, events, start, maxIndex)
	if err != nil {
		return false, err
	}

	segments := joinSegments(prefix, suffix)
	done := results.TurnSegmentsResult{
		SessionID:      sessionID,
		Revision:       state.Revision,
		TargetRevision: state.Revision,
		Status:         results.StatusCompleted,
		Segments:       segments,
	}
	if err := w.deps.Results.PutTurnSegments(ctx, done); err != nil {
		return false, fmt.Errorf("worker: turn: persist: %w", err)
	}

	w.deps.Metrics.RecordWorkerRun(ctx, w.Name(), string(results.StatusCompleted))
	w.deps.Metrics.RecordWorkerRunDuration(ctx, w.Name(), time.Since(started))
	w.deps.Notifier.ResultChanged(ctx, notify.Change{
		SessionID: sessionID,
		Worker:    w.Name(),
		Revision:  state.Revision,
	})
	return false, nil
}

// deriveSegments asks the model to segment the window, retries invalid
// output once verbatim, and falls back to the deterministic grouping. Only
// cancellation surfaces as an error.
func (w *TurnSegmenter) deriveSegments(ctx context.Context, sessionID string, events []eventlog.Fragment, start, end int64) ([]analysis.Segment, error) {
	req := buildRequest(taskTurnSegments, sessionID, start, end, events, "")

	for attempt := 0; attempt < 2; attempt++ {
		content, err := w.deps.complete(ctx, BucketTurn, sessionID, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			break
		}

		segs, err := parseSegments(content)
		if err == nil {
			err = analysis.ValidateSegments(events, segs, start, end)
		}
		if err == nil {
			return segs, nil
		}

		reason := "malformed"
		var verr *analysis.ValidationError
		if errors.As(err, &verr) {
			reason = verr.Reason
		}
		w.deps.Metrics.RecordValidationFailure(ctx, w.Name(), reason)
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
		Detail:    fmt.Sprintf("heuristic grouping for [%d,%d]", start, end),
	})
	return analysis.HeuristicSegments(events), nil
}

// keepPrefix returns the completed segments ending strictly before
// windowStart. An incomplete previous result keeps nothing; its segments
// may describe a partition the current log no longer has.
func keepPrefix(segs []analysis.Segment, windowStart int64, prevStatus results.Status) []analysis.Segment {
	if prevStatus != results.StatusCompleted {
		return nil
	}
	var out []analysis.Segment
	for _, s := range segs {
		if s.EndEventIndex >= windowStart {
			break
		}
		out = append(out, s)
	}
	return out
}

// joinSegments concatenates prefix and suffix, merging across the boundary
// when both sides attribute it to the same speaker.
func joinSegments(prefix, suffix []analysis.Segment) []analysis.Segment {
	if len(prefix) == 0 {
		return suffix
	}
	if len(suffix) == 0 {
		return prefix
	}
	out := make([]analysis.Segment, 0, len(prefix)+len(suffix))
	out = append(out, prefix...)
	if out[len(out)-1].SpeakerID == suffix[0].SpeakerID {
		out[len(out)-1].EndEventIndex = suffix[0].EndEventIndex
		suffix = suffix[1:]
	}
	return append(out, suffix...)
}
