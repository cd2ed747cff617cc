package eventlog

import (
	"context"
	"fmt"
	"sync"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// Suitable for tests and single-process deployments.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionLog
}

// sessionLog holds one session's state and fragments keyed by index.
type sessionLog struct {
	state  SessionState
	events map[int64]Fragment
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]*sessionLog),
	}
}

// session returns the log for sessionID, creating it lazily.
// Callers must hold s.mu.
func (s *MemStore) session(sessionID string) *sessionLog {
	l, ok := s.sessions[sessionID]
	if !ok {
		l = &sessionLog{
			state:  SessionState{SessionID: sessionID},
			events: make(map[int64]Fragment),
		}
		s.sessions[sessionID] = l
	}
	return l
}

// UpsertEvent implements [Store.UpsertEvent].
func (s *MemStore) UpsertEvent(ctx context.Context, sessionID string, w Write) (int64, Fragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.session(sessionID)

	var idx int64
	if w.EventIndex == nil {
		idx = l.state.NextEventIndex
		l.state.NextEventIndex++
	} else {
		idx = *w.EventIndex
		if idx < 0 || idx >= l.state.NextEventIndex {
			return 0, Fragment{}, fmt.Errorf("%w: session %s index %d (next %d)",
				ErrOutOfRange, sessionID, idx, l.state.NextEventIndex)
		}
	}

	frag := Fragment{
		SessionID:         sessionID,
		EventIndex:        idx,
		SpeakerID:         w.SpeakerID,
		SpeakerName:       w.SpeakerName,
		Content:           w.Content,
		IsFinal:           w.IsFinal,
		SegmentKey:        w.SegmentKey,
		SourceTimestampMS: w.SourceTimestampMS,
	}
	l.events[idx] = frag

	// Every write, new or corrective, is a visible change.
	l.state.Revision++

	return l.state.Revision, frag, nil
}

// GetState implements [Store.GetState].
func (s *MemStore) GetState(ctx context.Context, sessionID string) (SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.sessions[sessionID]; ok {
		return l.state, nil
	}
	return SessionState{SessionID: sessionID}, nil
}

// GetEventsInRange implements [Store.GetEventsInRange].
func (s *MemStore) GetEventsInRange(ctx context.Context, sessionID string, start, end int64) ([]Fragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s has no events", ErrMissingEvent, sessionID)
	}

	if start > end {
		return []Fragment{}, nil
	}

	out := make([]Fragment, 0, end-start+1)
	for i := start; i <= end; i++ {
		frag, ok := l.events[i]
		if !ok {
			return nil, fmt.Errorf("%w: session %s index %d", ErrMissingEvent, sessionID, i)
		}
		out = append(out, frag)
	}
	return out, nil
}

// SetLastSegmentedRevision implements [Store.SetLastSegmentedRevision].
func (s *MemStore) SetLastSegmentedRevision(ctx context.Context, sessionID string, revision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.session(sessionID)
	if revision > l.state.LastSegmentedRevision {
		l.state.LastSegmentedRevision = revision
	}
	return nil
}
