package trigger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/callwise/livecoach/pkg/types"
)

func customerSeg(id, text string, start float64) types.Segment {
	return types.Segment{
		ID:             id,
		ConversationID: "CONV-1",
		Speaker:        types.SpeakerCustomer,
		Text:           text,
		Start:          start,
		End:            start + 2.5,
		IsFinal:        true,
	}
}

func newTestDetector(t *testing.T, opts ...DetectorOption) (*Detector, *[]types.TriggerEvent) {
	t.Helper()
	var events []types.TriggerEvent
	d := NewDetector("CONV-1", nil, func(ev types.TriggerEvent) {
		events = append(events, ev)
	}, opts...)
	return d, &events
}

func TestProcess_UpsellOnRepeatFixes(t *testing.T) {
	d, events := newTestDetector(t)

	seg := customerSeg("seg-1", "we've had to fix this three times this year", 180.5)
	seg.End = 183.0
	d.Process(context.Background(), seg, nil, types.JobContext{})

	if len(*events) != 1 {
		t.Fatalf("emitted %d events, want 1", len(*events))
	}
	ev := (*events)[0]
	if ev.Category != types.NudgeUpsell {
		t.Errorf("category = %s, want upsell_prompt", ev.Category)
	}
	if ev.MatchedPhrase != "fix this three times" {
		t.Errorf("phrase = %q, want %q", ev.MatchedPhrase, "fix this three times")
	}
	if ev.ConversationID != "CONV-1" || ev.Segment.ID != "seg-1" {
		t.Errorf("event identity wrong: %+v", ev)
	}
}

func TestProcess_PrecedenceSelectsSingleCategory(t *testing.T) {
	d, events := newTestDetector(t)

	// Matches both warning (gas leak) and objection (too expensive); warning
	// has higher precedence and must win alone.
	seg := customerSeg("seg-1", "there's a gas leak and honestly this is too expensive", 10)
	d.Process(context.Background(), seg, nil, types.JobContext{})

	if len(*events) != 1 {
		t.Fatalf("emitted %d events, want exactly 1", len(*events))
	}
	if got := (*events)[0].Category; got != types.NudgeWarning {
		t.Errorf("category = %s, want warning", got)
	}
}

func TestProcess_CooldownSuppressesRepeatCategory(t *testing.T) {
	d, events := newTestDetector(t, WithCooldown(45))
	ctx := context.Background()

	d.Process(ctx, customerSeg("seg-1", "this is too expensive", 100), nil, types.JobContext{})
	d.Process(ctx, customerSeg("seg-2", "way too expensive for me", 120), nil, types.JobContext{})

	if len(*events) != 1 {
		t.Fatalf("emitted %d events, want 1 (second suppressed by cooldown)", len(*events))
	}

	// 46s after the first trigger the category may fire again.
	d.Process(ctx, customerSeg("seg-3", "still too expensive", 146), nil, types.JobContext{})
	if len(*events) != 2 {
		t.Fatalf("emitted %d events, want 2 after cooldown elapsed", len(*events))
	}
}

func TestProcess_CooldownIsPerCategory(t *testing.T) {
	d, events := newTestDetector(t, WithCooldown(45))
	ctx := context.Background()

	d.Process(ctx, customerSeg("seg-1", "this is too expensive", 100), nil, types.JobContext{})
	// A different category within the same 45s must still fire.
	d.Process(ctx, customerSeg("seg-2", "I think there's a gas leak", 110), nil, types.JobContext{})

	if len(*events) != 2 {
		t.Fatalf("emitted %d events, want 2 (different categories)", len(*events))
	}
}

func TestProcess_NoMatchEmitsNothing(t *testing.T) {
	d, events := newTestDetector(t)

	d.Process(context.Background(),
		customerSeg("seg-1", "the weather has been nice lately", 5), nil, types.JobContext{})

	if len(*events) != 0 {
		t.Fatalf("emitted %d events, want 0", len(*events))
	}
}

func TestProcess_TechnicalHelpOnlyForTechnician(t *testing.T) {
	d, events := newTestDetector(t)

	seg := customerSeg("seg-1", "I'm not sure what that noise is", 5)
	d.Process(context.Background(), seg, nil, types.JobContext{})
	if len(*events) != 0 {
		t.Fatalf("customer uncertainty fired technical_help: %+v", *events)
	}

	seg = customerSeg("seg-2", "I'm not sure what this error code means, never seen one of these", 10)
	seg.Speaker = types.SpeakerTechnician
	d.Process(context.Background(), seg, nil, types.JobContext{})
	if len(*events) != 1 || (*events)[0].Category != types.NudgeTechnicalHelp {
		t.Fatalf("events = %+v, want one technical_help", *events)
	}
}

// failingMatcher always errors; used to verify matcher isolation.
type failingMatcher struct{}

func (failingMatcher) Category() types.NudgeCategory { return types.NudgeCompliance }
func (failingMatcher) Evaluate(types.Segment, []types.Segment) (Match, bool, error) {
	return Match{}, false, errors.New("evaluator blew up")
}

// panickingMatcher panics; a bug in one evaluator must not kill the pipeline.
type panickingMatcher struct{}

func (panickingMatcher) Category() types.NudgeCategory { return types.NudgeWarning }
func (panickingMatcher) Evaluate(types.Segment, []types.Segment) (Match, bool, error) {
	panic("boom")
}

func TestProcess_MatcherFailureIsIsolated(t *testing.T) {
	matchers := append([]Matcher{failingMatcher{}, panickingMatcher{}}, DefaultMatchers()...)
	d, events := newTestDetector(t, WithMatchers(matchers))

	d.Process(context.Background(),
		customerSeg("seg-1", "this is too expensive", 5), nil, types.JobContext{})

	if len(*events) != 1 {
		t.Fatalf("emitted %d events, want 1 despite failing matchers", len(*events))
	}
	if got := (*events)[0].Category; got != types.NudgeObjection {
		t.Errorf("category = %s, want objection_handler", got)
	}
}

func TestProcess_PanicLoggedAsSingleMatcherError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	d := NewDetector("CONV-1", logger, nil, WithMatchers([]Matcher{panickingMatcher{}}))

	d.Process(context.Background(),
		customerSeg("seg-1", "anything at all", 5), nil, types.JobContext{})

	logged := buf.String()
	if !strings.Contains(logged, "matcher panicked") {
		t.Fatalf("panic not logged: %q", logged)
	}
	if got := strings.Count(logged, "trigger: matcher"); got != 1 {
		t.Errorf("error wrapped %d times, want exactly once: %q", got, logged)
	}
}

func TestFuzzyScan_ToleratesMisrecognition(t *testing.T) {
	m := newPhraseMatcher(types.NudgeObjection, nil, nil, []string{"out of my budget"})

	seg := customerSeg("seg-1", "that is out of my budgat right now", 5)
	match, ok, err := m.Evaluate(seg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("fuzzy keyword did not match misrecognised phrase")
	}
	if match.Phrase != "out of my budget" {
		t.Errorf("phrase = %q, want canonical keyword", match.Phrase)
	}
	if match.Confidence >= 1.0 || match.Confidence < defaultFuzzyThreshold {
		t.Errorf("confidence = %v, want within [%v, 1.0)", match.Confidence, defaultFuzzyThreshold)
	}
}
