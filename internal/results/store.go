// Package results holds the persisted output documents of the re-analysis
// workers and the stores they live in.
//
// Each document type is scoped to one session; no cross-session
// coordination is required of a Store implementation beyond being safe for
// concurrent use.
package results

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested result unit does not exist.
var ErrNotFound = errors.New("results: not found")

// Store persists worker output. Implementations must be safe for
// concurrent use.
type Store interface {
	// GetTurnSegments returns the session's turn partition, or
	// [ErrNotFound] before the first run.
	GetTurnSegments(ctx context.Context, sessionID string) (TurnSegmentsResult, error)

	// PutTurnSegments replaces the session's turn partition.
	PutTurnSegments(ctx context.Context, res TurnSegmentsResult) error

	// GetCursor returns the semantic worker's cursor. Unknown sessions
	// yield a fresh cursor with both indices at -1.
	GetCursor(ctx context.Context, sessionID string) (AnalysisCursor, error)

	// PutCursor replaces the semantic worker's cursor.
	PutCursor(ctx context.Context, cur AnalysisCursor) error

	// GetChunk returns the chunk keyed (sessionID, start, end), or
	// [ErrNotFound].
	GetChunk(ctx context.Context, sessionID string, start, end int64) (SemanticChunk, error)

	// PutChunk upserts a chunk by its (sessionID, start, end) key.
	PutChunk(ctx context.Context, chunk SemanticChunk) error

	// DeleteChunksFrom removes every chunk of the session whose
	// StartEventIndex is >= start, returning how many were removed.
	DeleteChunksFrom(ctx context.Context, sessionID string, start int64) (int, error)

	// LastEventSegment returns the session's most recent sentence
	// segment, or [ErrNotFound] when the chain is empty.
	LastEventSegment(ctx context.Context, sessionID string) (EventSegment, error)

	// AppendEventSegment appends seg to the session's sentence chain.
	AppendEventSegment(ctx context.Context, seg EventSegment) error

	// ListEventSegments returns the session's sentence chain in sequence
	// order.
	ListEventSegments(ctx context.Context, sessionID string) ([]EventSegment, error)
}
