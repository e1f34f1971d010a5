// Package ingest normalizes raw speech-recognition events into a canonical
// ordered stream of finalized transcript segments.
//
// Raw events arrive out of strict order: a later partial can supersede an
// earlier partial for the same utterance slot. The [Normalizer] merges
// successive partials per segment id, drops malformed input, and emits each
// finalized segment exactly once, in non-decreasing start-time order.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/callwise/livecoach/internal/observe"
	"github.com/callwise/livecoach/pkg/types"
)

// ValidationError reports a raw event that was rejected by the normalizer.
// Rejected events are dropped and logged; the pipeline continues.
type ValidationError struct {
	SegmentID string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ingest: invalid segment %s: %s", e.SegmentID, e.Reason)
}

// Event is one raw speech-recognition event as received from the
// transcription source.
type Event struct {
	SegmentID  string
	Speaker    types.SpeakerRole
	Text       string
	Start      float64
	End        float64
	Confidence float64
	IsFinal    bool
}

// Persister stores finalized segments. Implementations must be idempotent on
// segment id.
type Persister interface {
	SaveSegment(ctx context.Context, seg types.Segment) error
}

// Normalizer turns the raw event stream of one conversation into ordered
// finalized segments. It is owned by that conversation's processing task but
// is nevertheless safe for concurrent use.
type Normalizer struct {
	conversationID string
	store          Persister
	metrics        *observe.Metrics
	logger         *slog.Logger
	emit           func(types.Segment)

	mu             sync.Mutex
	partials       map[string]Event
	finalized      map[string]struct{}
	lastFinalStart float64
}

// NewNormalizer creates a Normalizer for one conversation. emit is called for
// every finalized segment, in order. store may be nil when persistence is
// disabled.
func NewNormalizer(conversationID string, store Persister, metrics *observe.Metrics, logger *slog.Logger, emit func(types.Segment)) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		conversationID: conversationID,
		store:          store,
		metrics:        metrics,
		logger:         logger.With("conversation_id", conversationID),
		emit:           emit,
		partials:       make(map[string]Event),
		finalized:      make(map[string]struct{}),
	}
}

// Ingest processes one raw event. Malformed events are dropped, logged, and
// returned as a *ValidationError; callers should treat that as informational
// rather than fatal. A duplicate final for an already-finalized segment id is
// a silent no-op.
func (n *Normalizer) Ingest(ctx context.Context, ev Event) error {
	if err := n.validate(ev); err != nil {
		n.drop(ctx, err)
		return err
	}

	n.mu.Lock()
	if _, done := n.finalized[ev.SegmentID]; done {
		// Already emitted this segment. Idempotent.
		n.mu.Unlock()
		return nil
	}

	if !ev.IsFinal {
		// A newer partial supersedes any earlier partial for the slot.
		n.partials[ev.SegmentID] = ev
		n.mu.Unlock()
		return nil
	}

	if ev.Start < n.lastFinalStart {
		n.mu.Unlock()
		err := &ValidationError{SegmentID: ev.SegmentID, Reason: "final segment out of order"}
		n.drop(ctx, err)
		return err
	}

	delete(n.partials, ev.SegmentID)
	n.finalized[ev.SegmentID] = struct{}{}
	n.lastFinalStart = ev.Start

	seg := types.Segment{
		ID:             ev.SegmentID,
		ConversationID: n.conversationID,
		Speaker:        ev.Speaker,
		Text:           ev.Text,
		Start:          ev.Start,
		End:            ev.End,
		Confidence:     ev.Confidence,
		IsFinal:        true,
	}
	n.mu.Unlock()

	if n.store != nil {
		if err := n.store.SaveSegment(ctx, seg); err != nil {
			// Persistence trouble must not stall the live pipeline.
			n.logger.Error("failed to persist segment",
				"segment_id", seg.ID, "error", err)
		}
	}

	if n.metrics != nil {
		n.metrics.SegmentsIngested.Add(ctx, 1)
	}
	if n.emit != nil {
		n.emit(seg)
	}
	return nil
}

// PendingPartials returns the number of partial utterances awaiting
// finalization.
func (n *Normalizer) PendingPartials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.partials)
}

func (n *Normalizer) validate(ev Event) *ValidationError {
	if ev.SegmentID == "" {
		return &ValidationError{SegmentID: ev.SegmentID, Reason: "empty segment id"}
	}
	if !ev.Speaker.IsValid() {
		return &ValidationError{SegmentID: ev.SegmentID, Reason: fmt.Sprintf("unrecognized speaker role %q", ev.Speaker)}
	}
	if ev.End <= ev.Start {
		return &ValidationError{SegmentID: ev.SegmentID, Reason: "end offset not after start offset"}
	}
	return nil
}

func (n *Normalizer) drop(ctx context.Context, err *ValidationError) {
	n.logger.Warn("dropping invalid segment",
		"segment_id", err.SegmentID, "reason", err.Reason)
	if n.metrics != nil {
		n.metrics.RecordDrop(ctx, err.Reason)
	}
}
