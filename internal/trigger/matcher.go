// Package trigger evaluates finalized transcript segments against the closed
// set of nudge categories and decides when a nudge opportunity opens.
//
// Each category has one [Matcher]. Matchers combine regular-expression
// patterns with Jaro-Winkler fuzzy keyword matching so that speech-to-text
// misrecognitions ("fix this tree times") still land on the intended phrase.
// The [Detector] runs all matchers per segment, selects the single winning
// category by fixed precedence, and debounces repeat triggers of the same
// category within a cooldown window of conversation time.
package trigger

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/callwise/livecoach/pkg/types"
)

// defaultFuzzyThreshold is the minimum Jaro-Winkler score for a fuzzy keyword
// hit. Tuned for short spoken phrases; raise it to reduce false positives.
const defaultFuzzyThreshold = 0.88

// Match describes a single category hit on one segment.
type Match struct {
	// Phrase is the text span that triggered the category, lower-cased.
	Phrase string

	// Confidence is the matcher's confidence in the hit (0.0–1.0). Exact and
	// pattern matches report 1.0; fuzzy hits report their similarity score.
	Confidence float64
}

// Matcher evaluates one trigger category against a segment and its context
// window. Implementations must be safe for concurrent use and read-only after
// construction.
type Matcher interface {
	// Category returns the trigger category this matcher detects.
	Category() types.NudgeCategory

	// Evaluate inspects the segment (and optionally the window) and reports
	// whether the category fired. ok is false when there is no hit.
	Evaluate(seg types.Segment, win []types.Segment) (m Match, ok bool, err error)
}

// MatcherError reports that one category evaluator failed. The failure is
// isolated: other matchers still run and no nudge is emitted for the failing
// category on that segment.
type MatcherError struct {
	Category types.NudgeCategory
	Err      error
}

func (e *MatcherError) Error() string {
	return fmt.Sprintf("trigger: matcher %s: %v", e.Category, e.Err)
}

func (e *MatcherError) Unwrap() error { return e.Err }

// phraseMatcher is the standard rule-driven matcher used for every category.
// It tries regular-expression patterns first (the match reported is the exact
// matched span), then falls back to fuzzy keyword scanning over n-grams of
// the segment text.
type phraseMatcher struct {
	category  types.NudgeCategory
	speakers  []types.SpeakerRole // empty means any speaker
	patterns  []*regexp.Regexp
	keywords  []string
	threshold float64
}

var _ Matcher = (*phraseMatcher)(nil)

// newPhraseMatcher compiles the given patterns and returns a matcher for the
// category. Pattern compilation errors are programmer errors and panic.
func newPhraseMatcher(category types.NudgeCategory, speakers []types.SpeakerRole, patterns []string, keywords []string) *phraseMatcher {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile("(?i)"+p))
	}
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		lowered = append(lowered, strings.ToLower(k))
	}
	return &phraseMatcher{
		category:  category,
		speakers:  speakers,
		patterns:  compiled,
		keywords:  lowered,
		threshold: defaultFuzzyThreshold,
	}
}

func (m *phraseMatcher) Category() types.NudgeCategory { return m.category }

func (m *phraseMatcher) Evaluate(seg types.Segment, _ []types.Segment) (Match, bool, error) {
	if len(m.speakers) > 0 && !m.speakerAllowed(seg.Speaker) {
		return Match{}, false, nil
	}

	text := strings.ToLower(seg.Text)

	for _, re := range m.patterns {
		if span := re.FindString(text); span != "" {
			return Match{Phrase: strings.TrimSpace(span), Confidence: 1.0}, true, nil
		}
	}

	if phrase, score, ok := m.fuzzyScan(text); ok {
		return Match{Phrase: phrase, Confidence: score}, true, nil
	}
	return Match{}, false, nil
}

func (m *phraseMatcher) speakerAllowed(role types.SpeakerRole) bool {
	for _, s := range m.speakers {
		if s == role {
			return true
		}
	}
	return false
}

// fuzzyScan slides an n-gram window (sized to each keyword's token count)
// over the segment text and reports the best Jaro-Winkler hit above the
// threshold. Grams that phonetically align with the keyword (Double Metaphone
// code overlap) are accepted at the relaxed phonetic floor instead. The
// reported phrase is the keyword, not the misrecognised span.
func (m *phraseMatcher) fuzzyScan(text string) (string, float64, bool) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return "", 0, false
	}

	var (
		bestPhrase string
		bestScore  float64
	)
	for _, kw := range m.keywords {
		kwTokens := len(strings.Fields(kw))
		if kwTokens == 0 || kwTokens > len(tokens) {
			continue
		}
		for i := 0; i+kwTokens <= len(tokens); i++ {
			gram := strings.Join(tokens[i:i+kwTokens], " ")
			score := matchr.JaroWinkler(gram, kw, false)
			floor := m.threshold
			if score < floor && phoneticSimilar(gram, kw) {
				floor = phoneticThreshold
			}
			if score >= floor && score > bestScore {
				bestPhrase = kw
				bestScore = score
			}
		}
	}
	if bestPhrase == "" {
		return "", 0, false
	}
	return bestPhrase, bestScore, true
}
