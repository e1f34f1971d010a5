// Package resilience keeps nudge generation available when an LLM backend
// degrades. An [LLMFailover] tries the configured backends in order; a backend
// that keeps failing is benched for a cooldown and the chain moves on without
// it. After the cooldown one probe call is let through: success returns the
// backend to rotation, another failure benches it again.
//
// Benching is deliberately coarse. Generation runs on a 3-second budget per
// trigger, so a backend that times out repeatedly burns the whole budget on
// every nudge; skipping it outright keeps the fallback chain fast.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/callwise/livecoach/pkg/provider/llm"
)

const (
	// defaultFailureThreshold is how many consecutive failures bench a backend.
	defaultFailureThreshold = 3

	// defaultCooldown is how long a benched backend sits out before a probe.
	defaultCooldown = 15 * time.Second
)

// ErrNoHealthyBackend is returned when every backend is benched and none is
// due for a probe.
var ErrNoHealthyBackend = errors.New("resilience: no healthy llm backend")

// Config tunes backend health tracking. Zero values select the defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures after which a
	// backend is benched. Default: 3.
	FailureThreshold int

	// Cooldown is how long a benched backend is skipped before one probe
	// call is allowed through. Default: 15s.
	Cooldown time.Duration
}

// backend is one LLM provider with its health state. Guarded by the owning
// failover's mutex.
type backend struct {
	name     string
	provider llm.Provider

	failures     int
	benchedUntil time.Time
}

// LLMFailover implements [llm.Provider] across an ordered chain of backends.
// The first registered backend is the primary; the rest are tried in
// registration order when earlier ones are benched or fail.
type LLMFailover struct {
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	backends []*backend
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFailover)(nil)

// NewLLMFailover creates an empty failover chain. Register backends with
// [LLMFailover.Add] in preference order.
func NewLLMFailover(cfg Config, logger *slog.Logger) *LLMFailover {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMFailover{
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		logger:    logger.With("component", "llm_failover"),
		now:       time.Now,
	}
}

// Add appends a backend to the chain.
func (f *LLMFailover) Add(name string, provider llm.Provider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backends = append(f.backends, &backend{name: name, provider: provider})
}

// Complete sends the request to the first available backend. On failure the
// next backend in the chain is tried; context cancellation aborts the chain
// immediately and does not count against any backend.
func (f *LLMFailover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var lastErr error
	tried := false

	for _, b := range f.backends {
		if !f.acquire(b) {
			continue
		}
		tried = true

		resp, err := b.provider.Complete(ctx, req)
		if err == nil {
			f.markHealthy(b)
			return resp, nil
		}
		if ctx.Err() != nil {
			// The caller gave up; the backend is not at fault.
			return nil, ctx.Err()
		}
		f.markFailed(b, err)
		lastErr = err
	}

	if !tried {
		return nil, ErrNoHealthyBackend
	}
	return nil, fmt.Errorf("resilience: all llm backends failed: %w", lastErr)
}

// acquire reports whether the backend may take this call. A benched backend
// whose cooldown has elapsed is granted one probe; its bench window is pushed
// forward so concurrent callers do not pile onto an unproven backend.
func (f *LLMFailover) acquire(b *backend) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if b.failures < f.threshold {
		return true
	}
	now := f.now()
	if now.Before(b.benchedUntil) {
		return false
	}
	b.benchedUntil = now.Add(f.cooldown)
	f.logger.Info("probing benched llm backend", "backend", b.name)
	return true
}

func (f *LLMFailover) markHealthy(b *backend) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b.failures >= f.threshold {
		f.logger.Info("llm backend recovered", "backend", b.name)
	}
	b.failures = 0
	b.benchedUntil = time.Time{}
}

func (f *LLMFailover) markFailed(b *backend, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b.failures++
	f.logger.Warn("llm backend failed", "backend", b.name, "failures", b.failures, "error", err)
	if b.failures == f.threshold {
		b.benchedUntil = f.now().Add(f.cooldown)
		f.logger.Warn("benching llm backend", "backend", b.name, "cooldown", f.cooldown)
	}
}
