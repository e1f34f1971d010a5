package trigger

import (
	"testing"

	"github.com/callwise/livecoach/pkg/types"
)

func TestPhoneticSimilar(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"homophone single word", "leek", "leak", true},
		{"shared code in phrase", "gas leek", "gas leak", true},
		{"unrelated words", "dog", "leak", false},
		{"empty input", "", "leak", false},
		{"both empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := phoneticSimilar(tt.a, tt.b); got != tt.want {
				t.Errorf("phoneticSimilar(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestFuzzyScan_PhoneticAssistMatchesHomophone(t *testing.T) {
	m := newPhraseMatcher(types.NudgeWarning, nil, nil, []string{"gas leak"})

	seg := customerSeg("seg-1", "i can smell a gas leek in the basement", 12)
	match, ok, err := m.Evaluate(seg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("homophone did not match keyword")
	}
	if match.Phrase != "gas leak" {
		t.Errorf("phrase = %q, want canonical keyword", match.Phrase)
	}
	if match.Confidence < phoneticThreshold {
		t.Errorf("confidence = %v, want at least %v", match.Confidence, phoneticThreshold)
	}
}

func TestCodesForTokensSkipsEmptyCodes(t *testing.T) {
	codes := codesForTokens([]string{"a", ""})
	for code := range codes {
		if code == "" {
			t.Error("empty metaphone code included in set")
		}
	}
}
