package results

import "github.com/7788ken/scribeflow/internal/analysis"

// Status of one persisted result unit.
type Status string

const (
	// StatusProcessing marks a unit a worker is currently deriving.
	StatusProcessing Status = "processing"

	// StatusCompleted marks a unit that passed validation (or was built by
	// the deterministic fallback) and is safe to display.
	StatusCompleted Status = "completed"

	// StatusFailed marks a unit whose derivation failed; the previous
	// completed content, if any, remains valid.
	StatusFailed Status = "failed"
)

// TurnSegmentsResult is the full-session speaker turn partition derived by
// the turn segmentation worker.
//
// Invariant: when Status is completed, Segments partition [0, maxEventIndex]
// contiguously with no gap or overlap, and no two adjacent segments share a
// speaker.
type TurnSegmentsResult struct {
	// SessionID identifies the session, 1:1.
	SessionID string

	// Revision is the last log revision fully applied to Segments.
	Revision int64

	// TargetRevision is the most recent revision a run attempted, updated
	// even when the run failed.
	TargetRevision int64

	// Status reports the state of the most recent run.
	Status Status

	// Segments is the ordered speaker turn partition.
	Segments []analysis.Segment
}

// SemanticChunk is the per-fragment dialogue attribution derived by the
// semantic analysis worker. It is keyed by (SessionID, StartEventIndex,
// EndEventIndex); the worker stores exactly one fragment per chunk even
// though the model sees a wider context window.
type SemanticChunk struct {
	SessionID       string
	StartEventIndex int64
	EndEventIndex   int64
	Status          Status

	// Dialogues carries the attributed, possibly corrected text for the
	// chunk's range.
	Dialogues []analysis.Dialogue
}

// AnalysisCursor tracks the semantic worker's progress through a session.
type AnalysisCursor struct {
	SessionID string

	// LastAnalyzedEventIndex is the highest fragment index with a
	// committed chunk; -1 before the first run.
	LastAnalyzedEventIndex int64

	// PendingRollbackEventIndex is set (>= 0) when an upstream correction
	// invalidated already-analyzed indices. The worker discards affected
	// chunks, rewinds, and clears it before the next run. -1 when clear.
	PendingRollbackEventIndex int64
}

// EventSegment is one recognized sentence in the segmentation chain built
// by the sentence segmentation worker. Segments form a singly linked chain
// through PrevSegmentID and are never backfilled.
type EventSegment struct {
	SessionID string

	// ID identifies the segment, unique per session.
	ID string

	// Sequence numbers segments 1.. per session.
	Sequence int64

	// Content is the sentence text.
	Content string

	// SourceStartEventIndex and SourceEndEventIndex delimit the fragments
	// the sentence was derived from.
	SourceStartEventIndex int64
	SourceEndEventIndex   int64

	// SourceRevision is the log revision the sentence was derived at.
	SourceRevision int64

	// PrevSegmentID back-links to the preceding segment, empty for the
	// first one.
	PrevSegmentID string

	Status Status
}
