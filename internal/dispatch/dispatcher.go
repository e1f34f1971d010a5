// Package dispatch delivers generated nudges to subscribed clients and owns
// the per-nudge lifecycle state machine:
//
//	created → displayed → {dismissed | acted_upon | expired}
//
// The dispatcher is conversation-scoped. Delivery is time-sensitive: a nudge
// that cannot reach a client is dropped, never retried — a stale nudge is
// worse than a missing one. Every lifecycle transition is persisted and
// published for analytics; transitions are never reversed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/callwise/livecoach/internal/events"
	"github.com/callwise/livecoach/internal/observe"
	"github.com/callwise/livecoach/pkg/types"
)

var (
	// ErrConversationClosed is returned when dispatching after Close.
	ErrConversationClosed = errors.New("dispatch: conversation closed")

	// ErrCategoryActive is returned when a nudge of the same category is
	// already active (delivered, not yet terminal) for the conversation.
	ErrCategoryActive = errors.New("dispatch: category already has an active nudge")

	// ErrUnknownNudge is returned for actions referencing a nudge the
	// dispatcher never delivered.
	ErrUnknownNudge = errors.New("dispatch: unknown nudge")
)

// Client is one subscribed delivery channel: the technician's device or a
// supervisor monitoring session.
type Client interface {
	// ID uniquely identifies the client connection.
	ID() string

	// Deliver pushes one nudge to the client. A nil return acknowledges
	// display.
	Deliver(ctx context.Context, n *types.Nudge) error
}

// Recorder persists nudges and their lifecycle transitions. Writes are
// append-only.
type Recorder interface {
	SaveNudge(ctx context.Context, n *types.Nudge) error
	SaveTransition(ctx context.Context, nudgeID string, state types.NudgeState, at time.Time) error
}

// tracked pairs a delivered nudge with its expiry timer.
type tracked struct {
	nudge *types.Nudge
	timer *time.Timer
}

// Dispatcher delivers nudges for one conversation and tracks their lifecycle.
type Dispatcher struct {
	conversationID string
	recorder       Recorder
	sink           events.Sink
	metrics        *observe.Metrics
	logger         *slog.Logger

	mu       sync.Mutex
	closed   bool
	clients  map[string]Client
	nudges   map[string]*tracked
	active   map[types.NudgeCategory]string
}

// Option is a functional option for [New].
type Option func(*Dispatcher)

// WithRecorder attaches a persistence recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithSink attaches a lifecycle event sink.
func WithSink(s events.Sink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a Dispatcher for one conversation.
func New(conversationID string, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		conversationID: conversationID,
		logger:         logger.With("conversation_id", conversationID),
		clients:        make(map[string]Client),
		nudges:         make(map[string]*tracked),
		active:         make(map[types.NudgeCategory]string),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Subscribe registers a client for nudge delivery. Re-subscribing with the
// same id replaces the previous registration.
func (d *Dispatcher) Subscribe(c Client) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrConversationClosed
	}
	d.clients[c.ID()] = c
	if d.metrics != nil {
		d.metrics.ActiveSubscribers.Add(context.Background(), 1)
	}
	d.logger.Debug("client subscribed", "client_id", c.ID())
	return nil
}

// Unsubscribe removes a client. Unknown ids are a no-op.
func (d *Dispatcher) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.clients[id]; !ok {
		return
	}
	delete(d.clients, id)
	if d.metrics != nil {
		d.metrics.ActiveSubscribers.Add(context.Background(), -1)
	}
	d.logger.Debug("client unsubscribed", "client_id", id)
}

// Dispatch delivers a nudge to all subscribed clients and starts its expiry
// timer. At most one nudge per category may be active at a time; a second one
// is rejected with [ErrCategoryActive].
func (d *Dispatcher) Dispatch(ctx context.Context, n *types.Nudge) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrConversationClosed
	}
	if activeID, ok := d.active[n.Category]; ok {
		if t, tracked := d.nudges[activeID]; tracked && !t.nudge.State.IsTerminal() {
			d.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrCategoryActive, n.Category)
		}
	}

	t := &tracked{nudge: n}
	d.nudges[n.ID] = t
	d.active[n.Category] = n.ID

	until := time.Until(n.ExpiresAt)
	if until <= 0 {
		until = time.Millisecond
	}
	t.timer = time.AfterFunc(until, func() {
		d.expire(n.ID)
	})

	clients := make([]Client, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	d.mu.Unlock()

	d.record(ctx, n, types.NudgeCreated)

	// Single delivery attempt per client, no retries. Clients are pushed in
	// parallel so one slow subscriber cannot delay the rest.
	start := time.Now()
	var delivered atomic.Bool
	var g errgroup.Group
	for _, c := range clients {
		g.Go(func() error {
			if err := c.Deliver(ctx, n); err != nil {
				d.logger.Warn("nudge delivery failed, dropping for client",
					"nudge_id", n.ID, "client_id", c.ID(), "error", err)
				if d.metrics != nil {
					d.metrics.DeliveryFailures.Add(ctx, 1)
				}
				return nil
			}
			delivered.Store(true)
			return nil
		})
	}
	_ = g.Wait()

	if delivered.Load() {
		if d.metrics != nil {
			d.metrics.DispatchDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(observe.Attr("category", string(n.Category))))
		}
		d.transition(ctx, n.ID, types.NudgeDisplayed)
	} else {
		d.logger.Warn("nudge reached no client", "nudge_id", n.ID)
		if len(clients) == 0 && d.metrics != nil {
			d.metrics.DeliveryFailures.Add(ctx, 1)
		}
	}
	return nil
}

// HandleAction applies an explicit client action ("dismissed" or
// "acted_upon") to a delivered nudge. Actions on a nudge already in a
// terminal state are idempotent no-ops.
func (d *Dispatcher) HandleAction(ctx context.Context, nudgeID, action string) error {
	var target types.NudgeState
	switch action {
	case "dismissed":
		target = types.NudgeDismissed
	case "acted_upon":
		target = types.NudgeActedUpon
	default:
		return fmt.Errorf("dispatch: unknown action %q", action)
	}

	d.mu.Lock()
	t, ok := d.nudges[nudgeID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNudge, nudgeID)
	}
	if t.nudge.State.IsTerminal() {
		d.mu.Unlock()
		return nil
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	d.mu.Unlock()

	d.transition(ctx, nudgeID, target)
	return nil
}

// Nudge returns the tracked nudge by id, or nil when unknown.
func (d *Dispatcher) Nudge(id string) *types.Nudge {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.nudges[id]; ok {
		cp := *t.nudge
		return &cp
	}
	return nil
}

// Close tears the dispatcher down: all expiry timers stop and further
// dispatches are rejected. Idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, t := range d.nudges {
		if t.timer != nil {
			t.timer.Stop()
		}
	}
	if d.metrics != nil && len(d.clients) > 0 {
		d.metrics.ActiveSubscribers.Add(context.Background(), -int64(len(d.clients)))
	}
	d.clients = make(map[string]Client)
	d.logger.Debug("dispatcher closed")
}

// expire is the display-timeout path. It runs on the timer goroutine and
// transitions exactly once; a nudge already terminal is left alone.
func (d *Dispatcher) expire(nudgeID string) {
	d.mu.Lock()
	t, ok := d.nudges[nudgeID]
	if !ok || t.nudge.State.IsTerminal() || d.closed {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.logger.Info("nudge expired without acknowledgement", "nudge_id", nudgeID)
	d.transition(context.Background(), nudgeID, types.NudgeExpired)
}

// transition applies a state change, persists it, and publishes the
// lifecycle event. Terminal transitions release the category slot.
func (d *Dispatcher) transition(ctx context.Context, nudgeID string, state types.NudgeState) {
	d.mu.Lock()
	t, ok := d.nudges[nudgeID]
	if !ok || t.nudge.State == state || t.nudge.State.IsTerminal() {
		d.mu.Unlock()
		return
	}
	t.nudge.State = state
	if state.IsTerminal() && d.active[t.nudge.Category] == nudgeID {
		delete(d.active, t.nudge.Category)
	}
	n := *t.nudge
	d.mu.Unlock()

	d.logger.Info("nudge transition",
		"nudge_id", nudgeID,
		"category", string(n.Category),
		"state", string(state))
	if d.metrics != nil {
		d.metrics.RecordTransition(ctx, string(state))
	}
	if d.recorder != nil {
		if err := d.recorder.SaveTransition(ctx, nudgeID, state, time.Now()); err != nil {
			d.logger.Error("failed to persist nudge transition",
				"nudge_id", nudgeID, "state", string(state), "error", err)
		}
	}
	d.publish(ctx, &n)
}

// record persists and publishes the initial created state.
func (d *Dispatcher) record(ctx context.Context, n *types.Nudge, state types.NudgeState) {
	if d.metrics != nil {
		d.metrics.RecordTransition(ctx, string(state))
	}
	if d.recorder != nil {
		if err := d.recorder.SaveNudge(ctx, n); err != nil {
			d.logger.Error("failed to persist nudge",
				"nudge_id", n.ID, "error", err)
		}
	}
	d.publish(ctx, n)
}

func (d *Dispatcher) publish(ctx context.Context, n *types.Nudge) {
	if d.sink == nil {
		return
	}
	ev := events.NudgeEvent{
		NudgeID:        n.ID,
		ConversationID: n.ConversationID,
		Category:       n.Category,
		State:          n.State,
		Fallback:       n.Fallback,
		OccurredAt:     time.Now(),
	}
	if err := d.sink.PublishLifecycle(ctx, ev); err != nil {
		d.logger.Error("failed to publish lifecycle event",
			"nudge_id", n.ID, "error", err)
	}
}
