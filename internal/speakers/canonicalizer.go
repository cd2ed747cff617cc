// Package speakers canonicalizes the speaker names reported by upstream
// recognizers.
//
// Live recognizers drift on display names ("Alice M." vs "alice m" vs
// "Alise M"), which would split one real speaker into several in the
// derived dialogue. The [Canonicalizer] maps near-duplicate names to the
// first-seen spelling per (session, speaker id) using Double Metaphone
// phonetic codes with a Jaro-Winkler gate. Speaker IDs are never touched;
// attribution stays exactly what the recognizer said; only the display
// string is stabilized.
package speakers

import (
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

// defaultSimilarityThreshold is the minimum Jaro-Winkler score for two
// names with matching phonetic codes to be considered the same speaker
// name.
const defaultSimilarityThreshold = 0.85

// Option is a functional option for configuring a [Canonicalizer].
type Option func(*Canonicalizer)

// WithSimilarityThreshold overrides the Jaro-Winkler gate. Default: 0.85.
func WithSimilarityThreshold(threshold float64) Option {
	return func(c *Canonicalizer) {
		c.threshold = threshold
	}
}

// Canonicalizer stabilizes speaker display names per session.
// All methods are safe for concurrent use.
type Canonicalizer struct {
	threshold float64

	mu sync.Mutex
	// byID pins the canonical name of a speaker id once seen.
	byID map[sessionSpeaker]string
	// names lists the distinct canonical names seen per session, for
	// fuzzy matching when a fragment arrives without a known id.
	names map[string][]string
}

type sessionSpeaker struct {
	sessionID string
	speakerID string
}

// New returns a new [Canonicalizer].
func New(opts ...Option) *Canonicalizer {
	c := &Canonicalizer{
		threshold: defaultSimilarityThreshold,
		byID:      make(map[sessionSpeaker]string),
		names:     make(map[string][]string),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Canonical returns the stable display name for (sessionID, speakerID,
// name). The first non-empty name seen for a speaker id wins; later
// variants that look and sound like an already-known session name are
// mapped to that spelling. Unrecognized names are registered as new
// canonical spellings.
func (c *Canonicalizer) Canonical(sessionID, speakerID, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return name
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := sessionSpeaker{sessionID, speakerID}
	if speakerID != "" {
		if canon, ok := c.byID[key]; ok {
			return canon
		}
	}

	canon := name
	if match, ok := c.closestLocked(sessionID, name); ok {
		canon = match
	} else {
		c.names[sessionID] = append(c.names[sessionID], name)
	}
	if speakerID != "" {
		c.byID[key] = canon
	}
	return canon
}

// Forget drops all state for a session. Call on session teardown.
func (c *Canonicalizer) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.names, sessionID)
	for key := range c.byID {
		if key.sessionID == sessionID {
			delete(c.byID, key)
		}
	}
}

// closestLocked finds a known session name that sounds like name and
// clears the similarity gate. Callers must hold c.mu.
func (c *Canonicalizer) closestLocked(sessionID, name string) (string, bool) {
	var (
		best      string
		bestScore float64
	)
	for _, known := range c.names[sessionID] {
		if !soundsAlike(name, known) {
			continue
		}
		score := matchr.JaroWinkler(strings.ToLower(name), strings.ToLower(known), true)
		if score > bestScore {
			best, bestScore = known, score
		}
	}
	if bestScore >= c.threshold {
		return best, true
	}
	return "", false
}

// soundsAlike reports whether any word of a shares a Double Metaphone code
// with any word of b.
func soundsAlike(a, b string) bool {
	for _, wa := range strings.Fields(strings.ToLower(a)) {
		pa, sa := matchr.DoubleMetaphone(wa)
		for _, wb := range strings.Fields(strings.ToLower(b)) {
			pb, sb := matchr.DoubleMetaphone(wb)
			if codesOverlap(pa, sa, pb, sb) {
				return true
			}
		}
	}
	return false
}

func codesOverlap(pa, sa, pb, sb string) bool {
	for _, x := range []string{pa, sa} {
		if x == "" {
			continue
		}
		if x == pb || x == sb {
			return true
		}
	}
	return false
}
