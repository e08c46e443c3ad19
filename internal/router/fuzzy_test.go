package router

import "testing"

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"Alice's MacBook Pro": "alices macbook pro",
		"alice-linux":         "alice linux",
		"  Desk   #01  ":      "desk 01",
		"UPPER_case":          "upper case",
		"plain":               "plain",
	}
	for in, want := range tests {
		if got := normalizeName(in); got != want {
			t.Errorf("normalizeName(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestSimilarityExact(t *testing.T) {
	if got := similarity("Alice's MacBook Pro", "alices macbook pro"); got != 1.0 {
		t.Errorf("normalized equality: got %v, want 1.0", got)
	}
}

func TestSimilarityAutoSelectTier(t *testing.T) {
	// Asking for a word-subset of a display name must clear the
	// auto-select bar.
	got := similarity("alices macbook", "Alice's MacBook Pro")
	if got < selectThreshold {
		t.Errorf("subset request: got %v, want >= %v", got, selectThreshold)
	}
}

func TestSimilarityAmbiguousTier(t *testing.T) {
	// A bare first name matches both machines well enough to suggest but
	// identically, so neither may be auto-picked over the other.
	mac := similarity("alice", "Alice's MacBook Pro")
	linux := similarity("alice", "alice-linux")
	if mac < suggestThreshold || linux < suggestThreshold {
		t.Errorf("both should reach the suggest tier: mac=%v linux=%v", mac, linux)
	}
	if mac != linux {
		t.Errorf("scores should tie: mac=%v linux=%v", mac, linux)
	}
}

func TestSimilarityUnrelated(t *testing.T) {
	if got := similarity("zzz", "Alice's MacBook Pro"); got >= suggestThreshold {
		t.Errorf("unrelated request scored %v", got)
	}
}

func TestCharOverlap(t *testing.T) {
	if got := charOverlap("abc", "cba"); got != 1.0 {
		t.Errorf("anagram overlap: got %v, want 1.0", got)
	}
	if got := charOverlap("abc", "xyz"); got != 0 {
		t.Errorf("disjoint overlap: got %v, want 0", got)
	}
}
