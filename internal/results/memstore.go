package results

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
)

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
type MemStore struct {
	mu       sync.Mutex
	turns    map[string]TurnSegmentsResult
	cursors  map[string]AnalysisCursor
	chunks   map[string]map[chunkKey]SemanticChunk
	segments map[string][]EventSegment
}

type chunkKey struct {
	start, end int64
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		turns:    make(map[string]TurnSegmentsResult),
		cursors:  make(map[string]AnalysisCursor),
		chunks:   make(map[string]map[chunkKey]SemanticChunk),
		segments: make(map[string][]EventSegment),
	}
}

// GetTurnSegments implements [Store.GetTurnSegments].
func (s *MemStore) GetTurnSegments(ctx context.Context, sessionID string) (TurnSegmentsResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.turns[sessionID]
	if !ok {
		return TurnSegmentsResult{}, fmt.Errorf("%w: turn segments for session %s", ErrNotFound, sessionID)
	}
	return res, nil
}

// PutTurnSegments implements [Store.PutTurnSegments].
func (s *MemStore) PutTurnSegments(ctx context.Context, res TurnSegmentsResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[res.SessionID] = res
	return nil
}

// GetCursor implements [Store.GetCursor].
func (s *MemStore) GetCursor(ctx context.Context, sessionID string) (AnalysisCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.cursors[sessionID]
	if !ok {
		return AnalysisCursor{
			SessionID:                 sessionID,
			LastAnalyzedEventIndex:    -1,
			PendingRollbackEventIndex: -1,
		}, nil
	}
	return cur, nil
}

// PutCursor implements [Store.PutCursor].
func (s *MemStore) PutCursor(ctx context.Context, cur AnalysisCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[cur.SessionID] = cur
	return nil
}

// GetChunk implements [Store.GetChunk].
func (s *MemStore) GetChunk(ctx context.Context, sessionID string, start, end int64) (SemanticChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunk, ok := s.chunks[sessionID][chunkKey{start, end}]
	if !ok {
		return SemanticChunk{}, fmt.Errorf("%w: chunk [%d,%d] for session %s", ErrNotFound, start, end, sessionID)
	}
	return chunk, nil
}

// PutChunk implements [Store.PutChunk].
func (s *MemStore) PutChunk(ctx context.Context, chunk SemanticChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.chunks[chunk.SessionID]
	if !ok {
		m = make(map[chunkKey]SemanticChunk)
		s.chunks[chunk.SessionID] = m
	}
	m[chunkKey{chunk.StartEventIndex, chunk.EndEventIndex}] = chunk
	return nil
}

// DeleteChunksFrom implements [Store.DeleteChunksFrom].
func (s *MemStore) DeleteChunksFrom(ctx context.Context, sessionID string, start int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.chunks[sessionID] {
		if key.start >= start {
			delete(s.chunks[sessionID], key)
			removed++
		}
	}
	return removed, nil
}

// LastEventSegment implements [Store.LastEventSegment].
func (s *MemStore) LastEventSegment(ctx context.Context, sessionID string) (EventSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.segments[sessionID]
	if len(chain) == 0 {
		return EventSegment{}, fmt.Errorf("%w: event segments for session %s", ErrNotFound, sessionID)
	}
	return chain[len(chain)-1], nil
}

// AppendEventSegment implements [Store.AppendEventSegment].
func (s *MemStore) AppendEventSegment(ctx context.Context, seg EventSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[seg.SessionID] = append(s.segments[seg.SessionID], seg)
	return nil
}

// ListEventSegments implements [Store.ListEventSegments].
func (s *MemStore) ListEventSegments(ctx context.Context, sessionID string) ([]EventSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.segments[sessionID]
	out := make([]EventSegment, len(chain))
	copy(out, chain)
	slices.SortFunc(out, func(a, b EventSegment) int { return cmp.Compare(a.Sequence, b.Sequence) })
	return out, nil
}
