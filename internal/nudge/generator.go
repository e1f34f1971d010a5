// Package nudge turns trigger events into structured coaching suggestions.
//
// The [Generator] calls a generative backend with a hard per-request budget.
// Live coaching must not lag the conversation, so the call is raced against
// an explicit timer: on timeout or failure a static template keyed by the
// trigger category is substituted instead. A nudge opportunity is never lost
// to a slow model, only degraded.
package nudge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/callwise/livecoach/internal/observe"
	"github.com/callwise/livecoach/pkg/provider/llm"
	"github.com/callwise/livecoach/pkg/types"
)

const (
	// DefaultTimeout is the default generation budget.
	DefaultTimeout = 3 * time.Second

	// DefaultDisplayTimeout is how long a delivered nudge stays actionable
	// before auto-expiring.
	DefaultDisplayTimeout = 15 * time.Second

	generationTemperature = 0.7
	generationMaxTokens   = 300
)

// ErrDuplicateTrigger is returned when a trigger with an already-seen
// identity (category, segment, phrase) arrives. The first generation wins.
var ErrDuplicateTrigger = errors.New("nudge: duplicate trigger")

// Generator produces one [types.Nudge] per trigger event. It is
// conversation-scoped; the dedupe set never crosses conversations.
type Generator struct {
	provider       llm.Provider
	timeout        time.Duration
	displayTimeout time.Duration
	metrics        *observe.Metrics
	logger         *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// GeneratorOption is a functional option for [NewGenerator].
type GeneratorOption func(*Generator)

// WithTimeout sets the hard generation budget. Defaults to [DefaultTimeout].
func WithTimeout(d time.Duration) GeneratorOption {
	return func(g *Generator) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithDisplayTimeout sets the nudge display lifetime used to stamp ExpiresAt.
// Defaults to [DefaultDisplayTimeout].
func WithDisplayTimeout(d time.Duration) GeneratorOption {
	return func(g *Generator) {
		if d > 0 {
			g.displayTimeout = d
		}
	}
}

// WithMetrics attaches metric instruments to the generator.
func WithMetrics(m *observe.Metrics) GeneratorOption {
	return func(g *Generator) { g.metrics = m }
}

// NewGenerator creates a Generator backed by the given provider. A nil
// provider is allowed: every nudge then comes from the static templates.
func NewGenerator(provider llm.Provider, logger *slog.Logger, opts ...GeneratorOption) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Generator{
		provider:       provider,
		timeout:        DefaultTimeout,
		displayTimeout: DefaultDisplayTimeout,
		logger:         logger,
		seen:           make(map[string]struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// generated is the JSON shape the model is instructed to return.
type generated struct {
	Title             string  `json:"title"`
	Message           string  `json:"message"`
	SuggestedResponse string  `json:"suggested_response"`
	Confidence        float64 `json:"confidence"`
}

// Generate produces a nudge for the trigger event, within the configured
// budget. On timeout or backend failure a static template is substituted.
// Cancelling ctx (conversation stop) aborts generation and returns ctx.Err();
// no nudge is produced in that case.
func (g *Generator) Generate(ctx context.Context, ev types.TriggerEvent) (*types.Nudge, error) {
	if !g.markSeen(ev.Identity()) {
		return nil, ErrDuplicateTrigger
	}

	start := time.Now()
	content, fellBack := g.complete(ctx, ev)
	if ctx.Err() != nil {
		// The conversation stopped mid-generation. Discard the result.
		return nil, ctx.Err()
	}
	if g.metrics != nil {
		g.metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("category", string(ev.Category))))
	}

	var out generated
	if !fellBack {
		parsed, err := parseGenerated(content)
		if err != nil {
			g.logger.Warn("unparsable generation result, using fallback",
				"category", string(ev.Category), "error", err)
			g.recordFallback(ctx, "failure")
			fellBack = true
		} else {
			out = parsed
		}
	}
	if fellBack {
		t := fallbackFor(ev.Category)
		out = generated{
			Title:             t.Title,
			Message:           t.Message,
			SuggestedResponse: t.SuggestedResponse,
			Confidence:        fallbackConfidence,
		}
	}

	now := time.Now()
	return &types.Nudge{
		ID:                uuid.New().String(),
		ConversationID:    ev.ConversationID,
		Category:          ev.Category,
		Priority:          ev.Category.Priority(),
		Title:             out.Title,
		Message:           out.Message,
		SuggestedResponse: out.SuggestedResponse,
		TriggerPhrase:     ev.MatchedPhrase,
		TriggerOffset:     ev.Segment.Start,
		Confidence:        clamp01(out.Confidence),
		Fallback:          fellBack,
		State:             types.NudgeCreated,
		CreatedAt:         now,
		ExpiresAt:         now.Add(g.displayTimeout),
	}, nil
}

// Seen reports whether a trigger identity has already produced a nudge.
func (g *Generator) Seen(identity string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.seen[identity]
	return ok
}

// complete runs the backend call raced against the generation budget. The
// explicit timer guarantees the budget holds even against a backend that
// ignores context cancellation. Returns the raw content and whether the
// fallback path was taken.
func (g *Generator) complete(ctx context.Context, ev types.TriggerEvent) (string, bool) {
	// No backend configured: the pipeline runs template-only and every nudge
	// comes from the static fallback set.
	if g.provider == nil {
		g.recordFallback(ctx, "no_provider")
		return "", true
	}

	req := llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages: []types.Message{
			{Role: "user", Content: buildUserPrompt(ev)},
		},
		Temperature: generationTemperature,
		MaxTokens:   generationMaxTokens,
	}

	genCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		resp *llm.CompletionResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := g.provider.Complete(genCtx, req)
		ch <- result{resp: resp, err: err}
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", true

	case <-timer.C:
		g.logger.Warn("generation exceeded budget, using fallback",
			"category", string(ev.Category), "budget", g.timeout)
		g.recordFallback(ctx, "timeout")
		return "", true

	case r := <-ch:
		if r.err != nil {
			g.logger.Warn("generation failed, using fallback",
				"category", string(ev.Category), "error", r.err)
			g.recordFallback(ctx, "failure")
			return "", true
		}
		if r.resp == nil || r.resp.Content == "" {
			g.recordFallback(ctx, "failure")
			return "", true
		}
		return r.resp.Content, false
	}
}

// markSeen records the identity, returning false when it was already present.
func (g *Generator) markSeen(identity string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[identity]; ok {
		return false
	}
	g.seen[identity] = struct{}{}
	return true
}

func (g *Generator) recordFallback(ctx context.Context, reason string) {
	if g.metrics != nil {
		g.metrics.GenerationFallbacks.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("reason", reason)))
	}
}

// parseGenerated decodes the model output, tolerating markdown code fences
// around the JSON object.
func parseGenerated(content string) (generated, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var out generated
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return generated{}, fmt.Errorf("nudge: decode generation result: %w", err)
	}
	if out.Title == "" && out.Message == "" {
		return generated{}, errors.New("nudge: generation result missing title and message")
	}
	return out, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
