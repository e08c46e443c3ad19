package router

import (
	"strings"
	"unicode"
)

// Similarity tier weights. Tiers are tried in order and the best score
// wins; the weights keep a weaker tier from outranking a stronger one.
const (
	weightContain = 0.9
	weightWords   = 0.8
	weightChars   = 0.5
)

// Selection thresholds: at or above selectThreshold the unique top scorer
// is chosen automatically; between suggestThreshold and selectThreshold the
// caller is asked to confirm.
const (
	selectThreshold  = 0.8
	suggestThreshold = 0.5
)

// normalizeName lowercases, strips apostrophes, folds every other
// non-alphanumeric rune to a space, and collapses runs of spaces.
func normalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '\'' || r == '’' || r == '`':
			// dropped outright so "Alice's" matches "alices"
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// similarity scores how well a requested name matches an agent name, in
// [0,1]. Exact normalized equality is 1.0; substring containment, word
// overlap, and shared characters form the weaker tiers.
func similarity(requested, name string) float64 {
	a := normalizeName(requested)
	b := normalizeName(name)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1.0
	}

	best := 0.0

	if strings.Contains(b, a) || strings.Contains(a, b) {
		shorter, longer := len(a), len(b)
		if shorter > longer {
			shorter, longer = longer, shorter
		}
		best = weightContain * float64(shorter) / float64(longer)
	}

	// Word tier: every requested word that matches a name word (exactly or
	// as a prefix in either direction) counts; the score is the matched
	// fraction of the *requested* words, so asking for a subset of a long
	// display name still ranks high.
	aw := strings.Fields(a)
	bw := strings.Fields(b)
	matched := 0
	for _, w := range aw {
		for _, v := range bw {
			if w == v || strings.HasPrefix(v, w) || strings.HasPrefix(w, v) {
				matched++
				break
			}
		}
	}
	if matched > 0 {
		if s := weightWords * float64(matched) / float64(len(aw)); s > best {
			best = s
		}
	}

	if best == 0 {
		if s := weightChars * charOverlap(a, b); s > best {
			best = s
		}
	}
	return best
}

// charOverlap is the multiset character intersection over the longer
// length, ignoring spaces.
func charOverlap(a, b string) float64 {
	counts := make(map[rune]int)
	la, lb := 0, 0
	for _, r := range a {
		if r != ' ' {
			counts[r]++
			la++
		}
	}
	common := 0
	for _, r := range b {
		if r == ' ' {
			continue
		}
		lb++
		if counts[r] > 0 {
			counts[r]--
			common++
		}
	}
	longer := la
	if lb > longer {
		longer = lb
	}
	if longer == 0 {
		return 0
	}
	return float64(common) / float64(longer)
}
