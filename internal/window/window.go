// Package window maintains the bounded, time-decayed context buffer for one
// live conversation.
//
// The window holds the most recent finalized segments (by conversation time)
// plus the static job context supplied at conversation start. Eviction is
// oldest-first and driven by two limits: a time horizon measured against the
// newest segment's start offset, and a hard segment-count cap that holds even
// when time-based eviction lags.
package window

import (
	"sync"

	"github.com/callwise/livecoach/pkg/types"
)

const (
	// DefaultHorizonSeconds is the default time horizon in conversation seconds.
	DefaultHorizonSeconds = 30.0

	// DefaultMaxSegments is the default hard cap on retained segments.
	DefaultMaxSegments = 50
)

// Window is the per-conversation context buffer. Only the conversation's
// ingest task appends, but snapshots may be taken concurrently, so all
// access is guarded.
type Window struct {
	horizon float64
	maxSegs int
	job     types.JobContext

	mu   sync.RWMutex
	segs []types.Segment
}

// Option is a functional option for [New].
type Option func(*Window)

// WithHorizon sets the time horizon in conversation seconds. Segments whose
// start offset is older than the newest segment's start minus the horizon are
// evicted. Defaults to [DefaultHorizonSeconds].
func WithHorizon(seconds float64) Option {
	return func(w *Window) {
		if seconds > 0 {
			w.horizon = seconds
		}
	}
}

// WithMaxSegments sets the hard cap on retained segments. Defaults to
// [DefaultMaxSegments].
func WithMaxSegments(n int) Option {
	return func(w *Window) {
		if n > 0 {
			w.maxSegs = n
		}
	}
}

// New creates a Window for one conversation with the given static job context.
func New(job types.JobContext, opts ...Option) *Window {
	w := &Window{
		horizon: DefaultHorizonSeconds,
		maxSegs: DefaultMaxSegments,
		job:     job,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Append adds a finalized segment to the tail and evicts from the head
// anything outside the horizon or above the segment cap.
func (w *Window) Append(seg types.Segment) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.segs = append(w.segs, seg)

	// Time-based eviction: keep segments within the horizon of the newest
	// segment's start offset.
	cutoff := w.segs[len(w.segs)-1].Start - w.horizon
	i := 0
	for i < len(w.segs) && w.segs[i].Start < cutoff {
		i++
	}

	// Hard cap holds regardless of the horizon.
	if over := len(w.segs) - i - w.maxSegs; over > 0 {
		i += over
	}

	if i > 0 {
		w.segs = append(w.segs[:0], w.segs[i:]...)
	}
}

// Snapshot returns an immutable copy of the current window contents, oldest
// first. The copy is safe for concurrent use after return.
func (w *Window) Snapshot() []types.Segment {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]types.Segment, len(w.segs))
	copy(out, w.segs)
	return out
}

// Len returns the number of currently retained segments.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.segs)
}

// Job returns the static job context supplied at conversation start.
func (w *Window) Job() types.JobContext {
	return w.job
}
