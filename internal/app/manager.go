// Package app wires the livecoach pipeline together and manages the set of
// live conversations.
//
// Each conversation gets its own processing task: one goroutine drains
// finalized segments in arrival order through the context window and trigger
// detector, while nudge generation runs fire-and-forget so a slow model call
// never blocks the next segment's ingestion. There is no global conversation
// registry; all state hangs off the per-conversation handle and dies with it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/callwise/livecoach/internal/config"
	"github.com/callwise/livecoach/internal/dispatch"
	"github.com/callwise/livecoach/internal/events"
	"github.com/callwise/livecoach/internal/ingest"
	"github.com/callwise/livecoach/internal/nudge"
	"github.com/callwise/livecoach/internal/observe"
	"github.com/callwise/livecoach/internal/trigger"
	"github.com/callwise/livecoach/internal/window"
	"github.com/callwise/livecoach/pkg/provider/llm"
	"github.com/callwise/livecoach/pkg/store"
	"github.com/callwise/livecoach/pkg/types"
)

var (
	// ErrConversationExists is returned when starting an already-live
	// conversation.
	ErrConversationExists = errors.New("app: conversation already exists")

	// ErrConversationNotFound is returned for operations on a conversation
	// that is not live. Late segments and triggers hitting this are
	// discarded, not surfaced to any user.
	ErrConversationNotFound = errors.New("app: conversation not found")
)

// segmentBuffer is the per-conversation channel depth between the ingest
// normalizer and the analysis worker.
const segmentBuffer = 256

// StartRequest carries everything needed to open a conversation pipeline.
type StartRequest struct {
	ConversationID string
	TechnicianID   string
	Job            types.JobContext
}

// conversation is the handle owning all per-conversation pipeline state.
type conversation struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	normalizer *ingest.Normalizer
	window     *window.Window
	detector   *trigger.Detector
	generator  *nudge.Generator
	dispatcher *dispatch.Dispatcher

	segCh chan types.Segment
	wg    sync.WaitGroup
}

// Manager owns the map of live conversations and builds each one's pipeline.
type Manager struct {
	cfg      config.PipelineConfig
	provider llm.Provider
	store    store.Store
	sink     events.Sink
	metrics  *observe.Metrics
	logger   *slog.Logger

	mu    sync.Mutex
	convs map[string]*conversation
}

// ManagerOption is a functional option for [NewManager].
type ManagerOption func(*Manager)

// WithStore attaches the persistence layer. Without one the pipeline runs
// in-memory only.
func WithStore(s store.Store) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// WithSink attaches the lifecycle event sink.
func WithSink(s events.Sink) ManagerOption {
	return func(m *Manager) { m.sink = s }
}

// WithMetrics attaches metric instruments.
func WithMetrics(mt *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a Manager. provider is the generative backend for nudge
// generation; a nil provider runs the pipeline template-only. cfg supplies the
// pipeline tunables.
func NewManager(cfg config.PipelineConfig, provider llm.Provider, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		provider: provider,
		logger:   logger,
		convs:    make(map[string]*conversation),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start opens a conversation pipeline. The conversation is persisted as
// in_progress and begins accepting segments immediately.
func (m *Manager) Start(ctx context.Context, req StartRequest) error {
	if req.ConversationID == "" {
		return errors.New("app: conversation id must not be empty")
	}

	m.mu.Lock()
	if _, ok := m.convs[req.ConversationID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationExists, req.ConversationID)
	}

	convCtx, cancel := context.WithCancel(context.Background())
	c := &conversation{
		id:     req.ConversationID,
		ctx:    convCtx,
		cancel: cancel,
		segCh:  make(chan types.Segment, segmentBuffer),
	}

	c.window = window.New(req.Job,
		window.WithHorizon(m.cfg.WindowHorizonSeconds),
		window.WithMaxSegments(m.cfg.WindowMaxSegments),
	)
	c.generator = nudge.NewGenerator(m.provider, m.logger,
		nudge.WithTimeout(m.cfg.GenerationTimeout()),
		nudge.WithDisplayTimeout(m.cfg.DisplayTimeout()),
		nudge.WithMetrics(m.metrics),
	)
	dispatchOpts := []dispatch.Option{dispatch.WithMetrics(m.metrics)}
	if m.store != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithRecorder(m.store))
	}
	if m.sink != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithSink(m.sink))
	}
	c.dispatcher = dispatch.New(req.ConversationID, m.logger, dispatchOpts...)

	c.detector = trigger.NewDetector(req.ConversationID, m.logger,
		func(ev types.TriggerEvent) { m.handleTrigger(c, ev) },
		trigger.WithCooldown(m.cfg.CooldownSeconds),
		trigger.WithMetrics(m.metrics),
	)

	var persister ingest.Persister
	if m.store != nil {
		persister = m.store
	}
	c.normalizer = ingest.NewNormalizer(req.ConversationID, persister, m.metrics, m.logger,
		func(seg types.Segment) {
			select {
			case c.segCh <- seg:
			case <-c.ctx.Done():
			}
		},
	)

	m.convs[req.ConversationID] = c
	m.mu.Unlock()

	if m.store != nil {
		err := m.store.SaveConversation(ctx, types.Conversation{
			ID:           req.ConversationID,
			TechnicianID: req.TechnicianID,
			JobID:        req.Job.JobID,
			StartedAt:    time.Now(),
			Status:       types.ConversationInProgress,
		})
		if err != nil {
			m.logger.Error("failed to persist conversation start",
				"conversation_id", req.ConversationID, "error", err)
		}
	}
	if m.metrics != nil {
		m.metrics.ActiveConversations.Add(ctx, 1)
	}

	c.wg.Add(1)
	go m.analysisLoop(c, req.Job)

	m.logger.Info("conversation started",
		"conversation_id", req.ConversationID, "job_id", req.Job.JobID)
	return nil
}

// analysisLoop drains finalized segments in arrival order: window append,
// then trigger detection. Generation never runs on this goroutine.
func (m *Manager) analysisLoop(c *conversation, job types.JobContext) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case seg := <-c.segCh:
			c.window.Append(seg)
			c.detector.Process(c.ctx, seg, c.window.Snapshot(), job)
		}
	}
}

// handleTrigger runs generation and dispatch off the ingest path. Results
// arriving after the conversation stopped are discarded.
func (m *Manager) handleTrigger(c *conversation, ev types.TriggerEvent) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		n, err := c.generator.Generate(c.ctx, ev)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				m.logger.Debug("discarding generation result, conversation stopped",
					"conversation_id", c.id, "category", string(ev.Category))
			} else if !errors.Is(err, nudge.ErrDuplicateTrigger) {
				m.logger.Error("nudge generation failed",
					"conversation_id", c.id, "error", err)
			}
			return
		}
		if c.ctx.Err() != nil {
			return
		}

		if err := c.dispatcher.Dispatch(c.ctx, n); err != nil {
			switch {
			case errors.Is(err, dispatch.ErrConversationClosed):
				m.logger.Debug("nudge discarded, conversation closed",
					"conversation_id", c.id, "nudge_id", n.ID)
			case errors.Is(err, dispatch.ErrCategoryActive):
				m.logger.Debug("nudge suppressed, category already active",
					"conversation_id", c.id, "category", string(n.Category))
			default:
				m.logger.Error("nudge dispatch failed",
					"conversation_id", c.id, "nudge_id", n.ID, "error", err)
			}
		}
	}()
}

// Ingest feeds one raw transcription event into the conversation's
// normalizer. Validation failures are logged inside the normalizer and
// returned as informational errors.
func (m *Manager) Ingest(ctx context.Context, conversationID string, ev ingest.Event) error {
	c, err := m.get(conversationID)
	if err != nil {
		return err
	}
	return c.normalizer.Ingest(ctx, ev)
}

// Subscribe registers a nudge delivery client for the conversation.
func (m *Manager) Subscribe(conversationID string, client dispatch.Client) error {
	c, err := m.get(conversationID)
	if err != nil {
		return err
	}
	return c.dispatcher.Subscribe(client)
}

// Unsubscribe removes a nudge delivery client.
func (m *Manager) Unsubscribe(conversationID, clientID string) {
	if c, err := m.get(conversationID); err == nil {
		c.dispatcher.Unsubscribe(clientID)
	}
}

// Action applies a client action message to a delivered nudge.
func (m *Manager) Action(ctx context.Context, conversationID, nudgeID, action string) error {
	c, err := m.get(conversationID)
	if err != nil {
		return err
	}
	return c.dispatcher.HandleAction(ctx, nudgeID, action)
}

// Stop tears down the conversation: in-flight generator calls are cancelled
// and their results discarded, the dispatcher closes, and the status
// transitions to completed. Stopping an unknown conversation returns
// [ErrConversationNotFound].
func (m *Manager) Stop(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	c, ok := m.convs[conversationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	delete(m.convs, conversationID)
	m.mu.Unlock()

	c.cancel()
	c.dispatcher.Close()
	c.wg.Wait()

	if m.store != nil {
		if err := m.store.UpdateConversationStatus(ctx, conversationID,
			types.ConversationCompleted, time.Now()); err != nil {
			m.logger.Error("failed to persist conversation stop",
				"conversation_id", conversationID, "error", err)
		}
	}
	if m.metrics != nil {
		m.metrics.ActiveConversations.Add(ctx, -1)
	}

	m.logger.Info("conversation stopped", "conversation_id", conversationID)
	return nil
}

// Active reports whether the conversation is currently live.
func (m *Manager) Active(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.convs[conversationID]
	return ok
}

// Shutdown stops every live conversation. Used on server shutdown.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.convs))
	for id := range m.convs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil && !errors.Is(err, ErrConversationNotFound) {
			m.logger.Error("failed to stop conversation during shutdown",
				"conversation_id", id, "error", err)
		}
	}
}

func (m *Manager) get(conversationID string) (*conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	return c, nil
}
