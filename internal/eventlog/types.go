package eventlog

// Fragment is a single speech-recognition event inside a session's log.
//
// A fragment is mutated in place only when an upstream correction supplies
// the same EventIndex; otherwise a new index is allocated. Fragments are
// never deleted outside session teardown.
type Fragment struct {
	// SessionID identifies the live session this fragment belongs to.
	SessionID string

	// EventIndex is the fragment's position in the session log. Assigned
	// once per session, unique, and monotonically increasing.
	EventIndex int64

	// SpeakerID identifies who spoke this fragment.
	SpeakerID string

	// SpeakerName is the display name reported by the recognizer. It may
	// drift between fragments from the same speaker; see the speakers
	// package for canonicalization.
	SpeakerName string

	// Content is the recognized text.
	Content string

	// IsFinal reports whether the recognizer considers this text stable.
	// Non-final fragments may still be overwritten by corrections.
	IsFinal bool

	// SegmentKey is an optional upstream correction marker. When a later
	// write carries the same key as an earlier fragment, the ingester
	// treats it as a correction of that fragment rather than new speech.
	SegmentKey string

	// SourceTimestampMS is the recognizer-side capture time in Unix
	// milliseconds, zero when the upstream did not supply one.
	SourceTimestampMS int64
}

// SessionState is the per-session bookkeeping row for the event log.
//
// Invariants: Revision strictly increases with every fragment write (new or
// corrective) and NextEventIndex never decreases.
type SessionState struct {
	// SessionID identifies the session, 1:1 with the session itself.
	SessionID string

	// NextEventIndex is the next index to allocate for an appended fragment.
	NextEventIndex int64

	// Revision increments on every fragment write. Downstream workers
	// compare it against their own cursor to detect "something changed"
	// without diffing content.
	Revision int64

	// LastSegmentedRevision records the log revision last consumed by the
	// sentence segmentation worker.
	LastSegmentedRevision int64
}

// Write carries the fields of one fragment write.
//
// When EventIndex is nil the store allocates the session's next index; when
// set, the fragment at that index is overwritten and the write is a
// first-class correction (it still bumps the revision).
type Write struct {
	EventIndex        *int64
	SpeakerID         string
	SpeakerName       string
	Content           string
	IsFinal           bool
	SegmentKey        string
	SourceTimestampMS int64
}
