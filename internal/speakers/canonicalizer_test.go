package speakers

import "testing"

func TestCanonical_FirstSpellingWins(t *testing.T) {
	c := New()

	first := c.Canonical("s1", "u1", "Alice M.")
	if first != "Alice M." {
		t.Fatalf("first = %q, want %q", first, "Alice M.")
	}

	// Same speaker id always maps to the pinned spelling.
	if got := c.Canonical("s1", "u1", "alice m"); got != "Alice M." {
		t.Errorf("got %q, want pinned %q", got, "Alice M.")
	}
}

func TestCanonical_NearDuplicateNameMerged(t *testing.T) {
	c := New()

	_ = c.Canonical("s1", "u1", "Alice")
	// Different id, phonetically identical variant spelling.
	if got := c.Canonical("s1", "u2", "alise"); got != "Alice" {
		t.Errorf("got %q, want merged into %q", got, "Alice")
	}
}

func TestCanonical_DistinctNamesKept(t *testing.T) {
	c := New()

	_ = c.Canonical("s1", "u1", "Alice")
	if got := c.Canonical("s1", "u2", "Robert"); got != "Robert" {
		t.Errorf("got %q, want %q", got, "Robert")
	}
}

func TestCanonical_SessionsIsolated(t *testing.T) {
	c := New()

	_ = c.Canonical("s1", "u1", "Alice")
	if got := c.Canonical("s2", "u9", "alise"); got != "alise" {
		t.Errorf("got %q, want %q (no cross-session merging)", got, "alise")
	}
}

func TestCanonical_EmptyName(t *testing.T) {
	c := New()
	if got := c.Canonical("s1", "u1", "  "); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestForget(t *testing.T) {
	c := New()

	_ = c.Canonical("s1", "u1", "Alice")
	c.Forget("s1")

	// After teardown the variant becomes its own canonical spelling.
	if got := c.Canonical("s1", "u2", "alise"); got != "alise" {
		t.Errorf("got %q, want %q after Forget", got, "alise")
	}
}
