package diag

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "diag.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalRecordAndRecent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	j.Record(ctx, Event{Kind: KindFallback, SessionID: "s1", Worker: "turn", Detail: "validation failed twice"})
	j.Record(ctx, Event{Kind: KindRateLimit, SessionID: "s1", Worker: "semantic", Detail: "retry-after 2s"})
	j.Record(ctx, Event{Kind: KindRollback, SessionID: "s2", Worker: "semantic", Detail: "correction at index 3"})

	got, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent() returned %d events, want 3", len(got))
	}

	// Newest first.
	if got[0].Kind != KindRollback {
		t.Errorf("got[0].Kind = %q, want %q", got[0].Kind, KindRollback)
	}
	if got[2].Kind != KindFallback {
		t.Errorf("got[2].Kind = %q, want %q", got[2].Kind, KindFallback)
	}
	if got[1].SessionID != "s1" || got[1].Worker != "semantic" {
		t.Errorf("got[1] = %+v, want session s1 worker semantic", got[1])
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not persisted")
	}
}

func TestJournalRecentLimit(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		j.Record(ctx, Event{Kind: KindValidationFailure, SessionID: "s"})
	}
	got, err := j.Recent(ctx, 4)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 4 {
		t.Errorf("Recent(4) returned %d events, want 4", len(got))
	}
}

func TestJournalRecentEmpty(t *testing.T) {
	j := openTestJournal(t)

	got, err := j.Recent(context.Background(), 5)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Recent() on empty journal returned %d events", len(got))
	}
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.Record(context.Background(), Event{Kind: KindFallback})
}
