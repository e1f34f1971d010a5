package trigger

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// phoneticThreshold is the relaxed Jaro-Winkler floor used when a candidate
// n-gram phonetically aligns with the keyword. Speech-to-text errors tend to
// preserve how a phrase sounds while mangling its spelling, so a phonetic
// overlap justifies accepting a lower textual similarity.
const phoneticThreshold = 0.72

// phoneticSimilar reports whether a and b share at least one Double Metaphone
// code across their tokens. Both inputs are expected lower-cased.
func phoneticSimilar(a, b string) bool {
	return codesOverlap(
		codesForTokens(strings.Fields(a)),
		codesForTokens(strings.Fields(b)),
	)
}

// codesForTokens returns the union of primary and secondary Double Metaphone
// codes across tokens. Tokens that produce no code (too short, no consonants)
// contribute nothing.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
