// Package eventlog defines the revisioned per-session log of recognition
// fragments that drives all downstream re-analysis.
//
// The log is append/correct-in-place: every write bumps the session's
// revision counter, but only writes that allocate a new index advance
// NextEventIndex. That single rule lets workers detect change cheaply and
// re-process incrementally instead of diffing text.
//
// Two implementations exist: [MemStore] for tests and single-process
// deployments, and the postgres subpackage for durable storage. Both must
// be safe for concurrent use.
package eventlog

import (
	"context"
	"errors"
)

// ErrMissingEvent is returned by [Store.GetEventsInRange] when an index
// inside the requested range has no fragment. A gap is a caller error and
// must be treated as a hard failure, never as a partial result.
var ErrMissingEvent = errors.New("eventlog: missing event in range")

// ErrOutOfRange is returned when a corrective write targets an index that
// was never allocated for the session.
var ErrOutOfRange = errors.New("eventlog: event index was never allocated")

// Store is the revisioned event log consumed by the ingester and the
// re-analysis workers.
type Store interface {
	// UpsertEvent writes one fragment. With w.EventIndex nil it atomically
	// allocates the session's next index; otherwise it overwrites the
	// fragment at that index. Either way the session revision increments.
	// Returns the new revision and the stored fragment.
	UpsertEvent(ctx context.Context, sessionID string, w Write) (int64, Fragment, error)

	// GetState returns the session's current log state. Unknown sessions
	// yield a zero-valued state with the given SessionID.
	GetState(ctx context.Context, sessionID string) (SessionState, error)

	// GetEventsInRange returns the fragments with indices in [start, end],
	// ordered by index. Any missing index inside the range yields
	// [ErrMissingEvent].
	GetEventsInRange(ctx context.Context, sessionID string, start, end int64) ([]Fragment, error)

	// SetLastSegmentedRevision records the log revision last consumed by
	// the sentence segmentation worker.
	SetLastSegmentedRevision(ctx context.Context, sessionID string, revision int64) error
}
