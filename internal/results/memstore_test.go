package results

import (
	"context"
	"errors"
	"testing"

	"github.com/7788ken/scribeflow/internal/analysis"
)

func TestTurnSegments_RoundTrip(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	_, err := s.GetTurnSegments(ctx, "s1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	res := TurnSegmentsResult{
		SessionID:      "s1",
		Revision:       3,
		TargetRevision: 4,
		Status:         StatusCompleted,
		Segments: []analysis.Segment{
			{SpeakerID: "A", StartEventIndex: 0, EndEventIndex: 1},
			{SpeakerID: "B", StartEventIndex: 2, EndEventIndex: 2},
		},
	}
	if err := s.PutTurnSegments(ctx, res); err != nil {
		t.Fatalf("PutTurnSegments: %v", err)
	}

	got, err := s.GetTurnSegments(ctx, "s1")
	if err != nil {
		t.Fatalf("GetTurnSegments: %v", err)
	}
	if got.Revision != 3 || got.TargetRevision != 4 || len(got.Segments) != 2 {
		t.Errorf("got %+v", got)
	}
}

func TestCursor_FreshDefaults(t *testing.T) {
	s := NewMemStore()

	cur, err := s.GetCursor(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if cur.LastAnalyzedEventIndex != -1 || cur.PendingRollbackEventIndex != -1 {
		t.Errorf("fresh cursor = %+v, want both indices -1", cur)
	}
}

func TestDeleteChunksFrom(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for _, idx := range []int64{3, 4, 5, 6} {
		err := s.PutChunk(ctx, SemanticChunk{
			SessionID:       "s1",
			StartEventIndex: idx,
			EndEventIndex:   idx,
			Status:          StatusCompleted,
		})
		if err != nil {
			t.Fatalf("PutChunk(%d): %v", idx, err)
		}
	}

	removed, err := s.DeleteChunksFrom(ctx, "s1", 5)
	if err != nil {
		t.Fatalf("DeleteChunksFrom: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	if _, err := s.GetChunk(ctx, "s1", 4, 4); err != nil {
		t.Errorf("chunk [4,4] should survive: %v", err)
	}
	if _, err := s.GetChunk(ctx, "s1", 5, 5); !errors.Is(err, ErrNotFound) {
		t.Errorf("chunk [5,5] should be gone, err = %v", err)
	}
}

func TestEventSegments_Chain(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if _, err := s.LastEventSegment(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound on empty chain", err)
	}

	first := EventSegment{SessionID: "s1", ID: "seg-1", Sequence: 1, Content: "Hello there."}
	second := EventSegment{SessionID: "s1", ID: "seg-2", Sequence: 2, Content: "How are you?", PrevSegmentID: "seg-1"}
	for _, seg := range []EventSegment{first, second} {
		if err := s.AppendEventSegment(ctx, seg); err != nil {
			t.Fatalf("AppendEventSegment: %v", err)
		}
	}

	last, err := s.LastEventSegment(ctx, "s1")
	if err != nil {
		t.Fatalf("LastEventSegment: %v", err)
	}
	if last.ID != "seg-2" || last.PrevSegmentID != "seg-1" {
		t.Errorf("last = %+v, want seg-2 linking back to seg-1", last)
	}

	chain, err := s.ListEventSegments(ctx, "s1")
	if err != nil {
		t.Fatalf("ListEventSegments: %v", err)
	}
	if len(chain) != 2 || chain[0].ID != "seg-1" || chain[1].ID != "seg-2" {
		t.Errorf("chain = %+v", chain)
	}
}
