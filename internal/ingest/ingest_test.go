package ingest

import (
	"context"
	"sync"
	"testing"

	"github.com/7788ken/scribeflow/internal/eventlog"
	"github.com/7788ken/scribeflow/internal/results"
	"github.com/7788ken/scribeflow/internal/speakers"
)

type wakeRec struct {
	mu    sync.Mutex
	wakes []string
}

func (w *wakeRec) Notify(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wakes = append(w.wakes, sessionID)
}

func (w *wakeRec) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.wakes)
}

func newIngester(wakers ...Waker) (*Ingester, *eventlog.MemStore, *results.MemStore) {
	log := eventlog.NewMemStore()
	res := results.NewMemStore()
	return New(log, res, speakers.New(), nil, wakers...), log, res
}

func TestApplyAppendsAndWakes(t *testing.T) {
	w := &wakeRec{}
	ing, log, _ := newIngester(w)
	ctx := context.Background()

	rev, frag, err := ing.Apply(ctx, FragmentInput{
		SessionID: "s1", SpeakerID: "spk1", SpeakerName: "Alice", Content: "hi", IsFinal: true,
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if rev != 1 || frag.EventIndex != 0 {
		t.Errorf("rev/index = %d/%d, want 1/0", rev, frag.EventIndex)
	}
	if w.count() != 1 {
		t.Errorf("wakes = %d, want 1", w.count())
	}

	state, _ := log.GetState(ctx, "s1")
	if state.NextEventIndex != 1 || state.Revision != 1 {
		t.Errorf("state = %+v", state)
	}
}

func TestApplyCanonicalizesSpeakerName(t *testing.T) {
	ing, log, _ := newIngester()
	ctx := context.Background()

	ing.Apply(ctx, FragmentInput{SessionID: "s1", SpeakerID: "spk1", SpeakerName: "Alice", Content: "a"})
	_, frag, err := ing.Apply(ctx, FragmentInput{SessionID: "s1", SpeakerID: "spk2", SpeakerName: "Alise", Content: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if frag.SpeakerName != "Alice" {
		t.Errorf("SpeakerName = %q, want canonicalized to Alice", frag.SpeakerName)
	}

	events, _ := log.GetEventsInRange(ctx, "s1", 0, 1)
	if events[1].SpeakerName != "Alice" {
		t.Errorf("stored SpeakerName = %q", events[1].SpeakerName)
	}
}

func TestApplySegmentKeyCorrection(t *testing.T) {
	ing, log, _ := newIngester()
	ctx := context.Background()

	ing.Apply(ctx, FragmentInput{SessionID: "s1", SpeakerID: "a", Content: "helo", SegmentKey: "k1"})
	ing.Apply(ctx, FragmentInput{SessionID: "s1", SpeakerID: "a", Content: "world", SegmentKey: "k2"})

	// Same segment key: correction of the first fragment, not new speech.
	rev, frag, err := ing.Apply(ctx, FragmentInput{
		SessionID: "s1", SpeakerID: "a", Content: "hello", SegmentKey: "k1", IsFinal: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if frag.EventIndex != 0 {
		t.Errorf("corrected index = %d, want 0", frag.EventIndex)
	}
	if rev != 3 {
		t.Errorf("revision = %d, want 3 (correction still bumps)", rev)
	}

	state, _ := log.GetState(ctx, "s1")
	if state.NextEventIndex != 2 {
		t.Errorf("NextEventIndex = %d, want 2 (no new allocation)", state.NextEventIndex)
	}
	events, _ := log.GetEventsInRange(ctx, "s1", 0, 0)
	if events[0].Content != "hello" || !events[0].IsFinal {
		t.Errorf("fragment after correction = %+v", events[0])
	}
}

func TestApplyCorrectionBehindCursorRecordsRollback(t *testing.T) {
	ing, _, res := newIngester()
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		ing.Apply(ctx, FragmentInput{SessionID: "s1", SpeakerID: "a", Content: "w"})
	}
	// The semantic worker has analyzed through index 5.
	if err := res.PutCursor(ctx, results.AnalysisCursor{
		SessionID: "s1", LastAnalyzedEventIndex: 5, PendingRollbackEventIndex: -1,
	}); err != nil {
		t.Fatal(err)
	}

	idx := int64(3)
	if _, _, err := ing.Apply(ctx, FragmentInput{
		SessionID: "s1", EventIndex: &idx, SpeakerID: "a", Content: "corrected",
	}); err != nil {
		t.Fatal(err)
	}

	cur, _ := res.GetCursor(ctx, "s1")
	if cur.PendingRollbackEventIndex != 3 {
		t.Errorf("PendingRollbackEventIndex = %d, want 3", cur.PendingRollbackEventIndex)
	}

	// A second, earlier correction moves the pending index down.
	idx2 := int64(1)
	ing.Apply(ctx, FragmentInput{SessionID: "s1", EventIndex: &idx2, SpeakerID: "a", Content: "again"})
	cur, _ = res.GetCursor(ctx, "s1")
	if cur.PendingRollbackEventIndex != 1 {
		t.Errorf("PendingRollbackEventIndex = %d, want 1 (min of corrections)", cur.PendingRollbackEventIndex)
	}

	// A later correction must not move it back up.
	idx3 := int64(4)
	ing.Apply(ctx, FragmentInput{SessionID: "s1", EventIndex: &idx3, SpeakerID: "a", Content: "later"})
	cur, _ = res.GetCursor(ctx, "s1")
	if cur.PendingRollbackEventIndex != 1 {
		t.Errorf("PendingRollbackEventIndex = %d, want still 1", cur.PendingRollbackEventIndex)
	}
}

func TestApplyCorrectionAheadOfCursorNoRollback(t *testing.T) {
	ing, _, res := newIngester()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ing.Apply(ctx, FragmentInput{SessionID: "s1", SpeakerID: "a", Content: "w"})
	}
	// Nothing analyzed yet: cursor at -1.
	idx := int64(2)
	if _, _, err := ing.Apply(ctx, FragmentInput{
		SessionID: "s1", EventIndex: &idx, SpeakerID: "a", Content: "corrected",
	}); err != nil {
		t.Fatal(err)
	}
	cur, _ := res.GetCursor(ctx, "s1")
	if cur.PendingRollbackEventIndex != -1 {
		t.Errorf("PendingRollbackEventIndex = %d, want -1", cur.PendingRollbackEventIndex)
	}
}

func TestApplyRequiresSession(t *testing.T) {
	ing, _, _ := newIngester()
	if _, _, err := ing.Apply(context.Background(), FragmentInput{SpeakerID: "a"}); err == nil {
		t.Error("want error for empty session id")
	}
}

func TestForgetDropsSegmentKeys(t *testing.T) {
	ing, log, _ := newIngester()
	ctx := context.Background()

	ing.Apply(ctx, FragmentInput{SessionID: "s1", SpeakerID: "a", Content: "x", SegmentKey: "k"})
	ing.Forget("s1")

	// The key is forgotten, so the same key allocates a fresh index.
	_, frag, err := ing.Apply(ctx, FragmentInput{SessionID: "s1", SpeakerID: "a", Content: "y", SegmentKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if frag.EventIndex != 1 {
		t.Errorf("EventIndex = %d, want 1 (new allocation after Forget)", frag.EventIndex)
	}
	state, _ := log.GetState(ctx, "s1")
	if state.NextEventIndex != 2 {
		t.Errorf("NextEventIndex = %d, want 2", state.NextEventIndex)
	}
}
