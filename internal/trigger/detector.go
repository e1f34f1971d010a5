package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/callwise/livecoach/internal/observe"
	"github.com/callwise/livecoach/pkg/types"
)

// DefaultCooldownSeconds is the default per-category debounce window in
// conversation seconds.
const DefaultCooldownSeconds = 45.0

// Detector decides, for each newly finalized segment of one conversation,
// whether a nudge opportunity opened. It is conversation-scoped: debounce
// state never crosses conversations.
type Detector struct {
	conversationID string
	matchers       []Matcher
	cooldown       float64
	metrics        *observe.Metrics
	logger         *slog.Logger
	emit           func(types.TriggerEvent)

	mu        sync.Mutex
	lastFired map[types.NudgeCategory]float64
}

// DetectorOption is a functional option for [NewDetector].
type DetectorOption func(*Detector)

// WithMatchers replaces the default matcher set.
func WithMatchers(matchers []Matcher) DetectorOption {
	return func(d *Detector) { d.matchers = matchers }
}

// WithCooldown sets the per-category debounce window in conversation seconds.
// Defaults to [DefaultCooldownSeconds].
func WithCooldown(seconds float64) DetectorOption {
	return func(d *Detector) {
		if seconds > 0 {
			d.cooldown = seconds
		}
	}
}

// WithMetrics attaches metric instruments to the detector.
func WithMetrics(m *observe.Metrics) DetectorOption {
	return func(d *Detector) { d.metrics = m }
}

// NewDetector creates a Detector for one conversation. emit receives at most
// one [types.TriggerEvent] per processed segment.
func NewDetector(conversationID string, logger *slog.Logger, emit func(types.TriggerEvent), opts ...DetectorOption) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Detector{
		conversationID: conversationID,
		matchers:       DefaultMatchers(),
		cooldown:       DefaultCooldownSeconds,
		logger:         logger.With("conversation_id", conversationID),
		emit:           emit,
		lastFired:      make(map[types.NudgeCategory]float64),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Process evaluates one finalized segment against all matchers, picks the
// winning category by precedence, applies the cooldown, and emits at most one
// trigger event. A failing matcher is logged and skipped; the others still
// run.
func (d *Detector) Process(ctx context.Context, seg types.Segment, win []types.Segment, job types.JobContext) {
	type hit struct {
		category types.NudgeCategory
		match    Match
	}
	var hits []hit

	for _, m := range d.matchers {
		match, ok, err := d.evaluate(m, seg, win)
		if err != nil {
			var merr *MatcherError
			if !errors.As(err, &merr) {
				merr = &MatcherError{Category: m.Category(), Err: err}
			}
			d.logger.Error("matcher failed, skipping category",
				"category", string(m.Category()), "error", merr)
			continue
		}
		if ok {
			hits = append(hits, hit{category: m.Category(), match: match})
		}
	}
	if len(hits) == 0 {
		return
	}

	// One nudge request per segment: the highest-precedence category wins.
	sort.Slice(hits, func(i, j int) bool {
		return hits[i].category.Precedence() < hits[j].category.Precedence()
	})
	winner := hits[0]

	d.mu.Lock()
	last, fired := d.lastFired[winner.category]
	if fired && seg.Start-last < d.cooldown {
		d.mu.Unlock()
		d.logger.Debug("trigger suppressed by cooldown",
			"category", string(winner.category),
			"segment_id", seg.ID,
			"since_last", seg.Start-last)
		if d.metrics != nil {
			d.metrics.RecordTrigger(ctx, string(winner.category), "suppressed")
		}
		return
	}
	d.lastFired[winner.category] = seg.Start
	d.mu.Unlock()

	d.logger.Info("trigger fired",
		"category", string(winner.category),
		"segment_id", seg.ID,
		"phrase", winner.match.Phrase)
	if d.metrics != nil {
		d.metrics.RecordTrigger(ctx, string(winner.category), "fired")
	}

	if d.emit != nil {
		d.emit(types.TriggerEvent{
			ConversationID: d.conversationID,
			Category:       winner.category,
			MatchedPhrase:  winner.match.Phrase,
			Segment:        seg,
			Window:         win,
			Job:            job,
		})
	}
}

// evaluate runs one matcher, converting panics into errors so a buggy
// evaluator cannot take down the conversation's ingest task.
func (d *Detector) evaluate(m Matcher, seg types.Segment, win []types.Segment) (match Match, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match, ok = Match{}, false
			err = panicError{r}
		}
	}()
	return m.Evaluate(seg, win)
}

type panicError struct{ value any }

func (p panicError) Error() string {
	return fmt.Sprintf("matcher panicked: %v", p.value)
}
