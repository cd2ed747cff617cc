package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/7788ken/scribeflow/internal/analysis"
	"github.com/7788ken/scribeflow/internal/diag"
	"github.com/7788ken/scribeflow/internal/eventlog"
	"github.com/7788ken/scribeflow/internal/notify"
	"github.com/7788ken/scribeflow/internal/observe"
	"github.com/7788ken/scribeflow/internal/results"
)

const taskSemanticChunk = "semantic-chunk"

// SemanticChunker attributes and corrects exactly one fragment per pass.
// The model sees windowSize fragments of context on either side, but only
// the target index's attribution is trusted, so the chunk is keyed
// (target, target). The cursor advances one fragment at a time, which keeps
// every chunk individually auditable.
type SemanticChunker struct {
	deps       Deps
	windowSize int

	// requireFinal skips a target fragment until the recognizer marks it
	// final, avoiding work on text that will still change.
	requireFinal bool
}

var _ Analyzer = (*SemanticChunker)(nil)

// NewSemanticChunker creates the semantic analysis analyzer.
func NewSemanticChunker(deps Deps, windowSize int, requireFinal bool) (*SemanticChunker, error) {
	d, err := deps.normalized()
	if err != nil {
		return nil, err
	}
	if windowSize < 1 {
		return nil, errors.New("worker: windowSize must be at least 1")
	}
	return &SemanticChunker{deps: d, windowSize: windowSize, requireFinal: requireFinal}, nil
}

// Name implements [Analyzer].
func (w *SemanticChunker) Name() string { return "semantic" }

// Analyze implements [Analyzer].
func (w *SemanticChunker) Analyze(ctx context.Context, sessionID string) (bool, error) {
	started := time.Now()
	cur, err := w.deps.Results.GetCursor(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("worker: semantic: read cursor: %w", err)
	}

	if cur.PendingRollbackEventIndex >= 0 {
		if cur, err = w.rollback(ctx, cur); err != nil {
			return false, err
		}
	}

	state, err := w.deps.Log.GetState(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("worker: semantic: read state: %w", err)
	}
	maxIndex := state.NextEventIndex - 1
	target := cur.LastAnalyzedEventIndex + 1
	if target > maxIndex {
		return false, nil
	}

	windowStart := target - int64(w.windowSize)
	if windowStart < 0 {
		windowStart = 0
	}
	windowEnd := target + int64(w.windowSize)
	if windowEnd > maxIndex {
		windowEnd = maxIndex
	}

	events, err := w.deps.Log.GetEventsInRange(ctx, sessionID, windowStart, windowEnd)
	if err != nil {
		return false, fmt.Errorf("worker: semantic: read window [%d,%d]: %w", windowStart, windowEnd, err)
	}
	targetEvents := events[target-windowStart : target-windowStart+1]

	if w.requireFinal && !targetEvents[0].IsFinal {
		return false, nil
	}

	if err := w.deps.Results.PutChunk(ctx, results.SemanticChunk{
		SessionID:       sessionID,
		StartEventIndex: target,
		EndEventIndex:   target,
		Status:          results.StatusProcessing,
	}); err != nil {
		return false, fmt.Errorf("worker: semantic: mark processing: %w", err)
	}

	dialogues, err := w.deriveDialogues(ctx, sessionID, events, targetEvents, target)
	if err != nil {
		return false, err
	}

	if err := w.deps.Results.PutChunk(ctx, results.SemanticChunk{
		SessionID:       sessionID,
		StartEventIndex: target,
		EndEventIndex:   target,
		Status:          results.StatusCompleted,
		Dialogues:       dialogues,
	}); err != nil {
		return false, fmt.Errorf("worker: semantic: persist chunk: %w", err)
	}

	cur.LastAnalyzedEventIndex = target
	if err := w.deps.Results.PutCursor(ctx, cur); err != nil {
		return false, fmt.Errorf("worker: semantic: advance cursor: %w", err)
	}

	w.deps.Metrics.RecordWorkerRun(ctx, w.Name(), string(results.StatusCompleted))
	w.deps.Metrics.RecordWorkerRunDuration(ctx, w.Name(), time.Since(started))
	w.deps.Notifier.ResultChanged(ctx, notify.Change{
		SessionID: sessionID,
		Worker:    w.Name(),
		Revision:  state.Revision,
		Detail:    fmt.Sprintf("chunk %d", target),
	})
	return target < maxIndex, nil
}

// rollback discards chunks invalidated by an upstream correction and
// rewinds the cursor so the next pass re-derives from the corrected point.
// This is a planned transition, not a failure.
func (w *SemanticChunker) rollback(ctx context.Context, cur results.AnalysisCursor) (results.AnalysisCursor, error) {
	restartFrom := cur.PendingRollbackEventIndex

	removed, err := w.deps.Results.DeleteChunksFrom(ctx, cur.SessionID, restartFrom)
	if err != nil {
		return cur, fmt.Errorf("worker: semantic: delete chunks from %d: %w", restartFrom, err)
	}

	cur.LastAnalyzedEventIndex = restartFrom - 1
	cur.PendingRollbackEventIndex = -1
	if err := w.deps.Results.PutCursor(ctx, cur); err != nil {
		return cur, fmt.Errorf("worker: semantic: rewind cursor: %w", err)
	}

	w.deps.Metrics.Rollbacks.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("worker", w.Name())))
	w.deps.Diag.Record(ctx, diag.Event{
		Kind:      diag.KindRollback,
		SessionID: cur.SessionID,
		Worker:    w.Name(),
		Detail:    fmt.Sprintf("discarded %d chunks, restarting from %d", removed, restartFrom),
	})
	return cur, nil
}

func (w *SemanticChunker) deriveDialogues(ctx context.Context, sessionID string, window, targetEvents []eventlog.Fragment, target int64) ([]analysis.Dialogue, error) {
	req := buildRequest(taskSemanticChunk, sessionID, target, target, window, "")

	for attempt := 0; attempt < 2; attempt++ {
		content, err := w.deps.complete(ctx, BucketSemantic, sessionID, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			break
		}

		dialogues, err := parseDialogues(content)
		if err == nil {
			err = analysis.ValidateDialogues(targetEvents, dialogues, target, target)
		}
		if err == nil {
			return dialogues, nil
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
		Detail:    fmt.Sprintf("heuristic grouping for chunk %d", target),
	})
	return analysis.HeuristicGroup(targetEvents), nil
}
