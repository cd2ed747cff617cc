package app

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/7788ken/scribeflow/internal/observe"
)

// SessionInfo holds metadata about a session currently receiving fragments.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// StartedAt is when the first fragment for this session arrived.
	StartedAt time.Time

	// LastFragmentAt is when the most recent fragment arrived.
	LastFragmentAt time.Time

	// Fragments counts how many fragments were applied.
	Fragments int64
}

// SessionTracker tracks which sessions are live. A session becomes live on
// its first fragment and stays live until [SessionTracker.Close] is called
// for it. All exported methods are safe for concurrent use.
type SessionTracker struct {
	mu      sync.Mutex
	active  map[string]*SessionInfo
	metrics *observe.Metrics
	now     func() time.Time
}

// NewSessionTracker creates an empty tracker reporting to metrics.
func NewSessionTracker(metrics *observe.Metrics) *SessionTracker {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &SessionTracker{
		active:  make(map[string]*SessionInfo),
		metrics: metrics,
		now:     time.Now,
	}
}

// Notify records fragment activity for sessionID, creating the session entry
// on first sight. It satisfies the ingester's waker contract so the tracker
// can sit alongside the worker runners.
func (t *SessionTracker) Notify(sessionID string) {
	now := t.now()

	t.mu.Lock()
	info, ok := t.active[sessionID]
	if !ok {
		info = &SessionInfo{SessionID: sessionID, StartedAt: now}
		t.active[sessionID] = info
	}
	info.LastFragmentAt = now
	info.Fragments++
	t.mu.Unlock()

	if !ok {
		t.metrics.SessionStarted()
	}
}

// Close removes sessionID from the live set. Returns false if the session
// was not live.
func (t *SessionTracker) Close(sessionID string) bool {
	t.mu.Lock()
	_, ok := t.active[sessionID]
	delete(t.active, sessionID)
	t.mu.Unlock()

	if ok {
		t.metrics.SessionEnded()
	}
	return ok
}

// List returns a snapshot of live sessions ordered by session id.
func (t *SessionTracker) List() []SessionInfo {
	t.mu.Lock()
	out := make([]SessionInfo, 0, len(t.active))
	for _, info := range t.active {
		out = append(out, *info)
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b SessionInfo) int { return strings.Compare(a.SessionID, b.SessionID) })
	return out
}

// Get returns the info for sessionID and whether it is live.
func (t *SessionTracker) Get(sessionID string) (SessionInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.active[sessionID]
	if !ok {
		return SessionInfo{}, false
	}
	return *info, true
}
