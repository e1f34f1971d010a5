package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/callwise/livecoach/internal/config"
	"github.com/callwise/livecoach/internal/ingest"
	"github.com/callwise/livecoach/pkg/provider/llm"
	llmmock "github.com/callwise/livecoach/pkg/provider/llm/mock"
	storemock "github.com/callwise/livecoach/pkg/store/mock"
	"github.com/callwise/livecoach/pkg/types"
)

// captureClient collects delivered nudges for assertions.
type captureClient struct {
	id string

	mu     sync.Mutex
	nudges []*types.Nudge
}

func (c *captureClient) ID() string { return c.id }

func (c *captureClient) Deliver(_ context.Context, n *types.Nudge) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nudges = append(c.nudges, n)
	return nil
}

func (c *captureClient) wait(t *testing.T, want int, timeout time.Duration) []*types.Nudge {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.nudges) >= want {
			out := make([]*types.Nudge, len(c.nudges))
			copy(out, c.nudges)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Nudge, len(c.nudges))
	copy(out, c.nudges)
	return out
}

func pipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		WindowHorizonSeconds:     30,
		WindowMaxSegments:        50,
		CooldownSeconds:          45,
		GenerationTimeoutSeconds: 1,
		DisplayTimeoutSeconds:    15,
	}
}

func TestManager_EndToEndUpsellNudge(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"title": "Replacement talk", "message": "Three repairs this year.", "suggested_response": "Worth comparing repair costs to a new unit.", "confidence": 0.9}`,
		},
	}
	st := storemock.New()
	m := NewManager(pipelineConfig(), provider, nil, WithStore(st))
	ctx := context.Background()

	if err := m.Start(ctx, StartRequest{
		ConversationID: "CONV-1",
		TechnicianID:   "tech-9",
		Job:            types.JobContext{JobID: "job-1", JobType: "hvac_repair"},
	}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.Stop(ctx, "CONV-1")

	client := &captureClient{id: "tech-device"}
	if err := m.Subscribe("CONV-1", client); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	err := m.Ingest(ctx, "CONV-1", ingest.Event{
		SegmentID:  "seg-1",
		Speaker:    types.SpeakerCustomer,
		Text:       "we've had to fix this three times this year",
		Start:      180.5,
		End:        183.0,
		Confidence: 0.95,
		IsFinal:    true,
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	nudges := client.wait(t, 1, 2*time.Second)
	if len(nudges) != 1 {
		t.Fatalf("delivered %d nudges, want exactly 1", len(nudges))
	}
	n := nudges[0]
	if n.Category != types.NudgeUpsell {
		t.Errorf("category = %s, want upsell_prompt", n.Category)
	}
	if n.TriggerPhrase != "fix this three times" {
		t.Errorf("trigger phrase = %q, want %q", n.TriggerPhrase, "fix this three times")
	}
	if n.Fallback {
		t.Error("fallback = true, want model-generated nudge")
	}

	// The segment reached the persistence sink exactly once.
	segs, err := st.ListSegments(ctx, "CONV-1")
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(segs) != 1 || segs[0].ID != "seg-1" {
		t.Errorf("persisted segments = %+v, want [seg-1]", segs)
	}

	// So did the nudge.
	persisted, err := st.ListNudges(ctx, "CONV-1")
	if err != nil {
		t.Fatalf("list nudges: %v", err)
	}
	if len(persisted) != 1 || persisted[0].ID != n.ID {
		t.Errorf("persisted nudges = %+v, want [%s]", persisted, n.ID)
	}
}

func TestManager_NoProviderDeliversTemplateNudges(t *testing.T) {
	m := NewManager(pipelineConfig(), nil, nil)
	ctx := context.Background()

	if err := m.Start(ctx, StartRequest{ConversationID: "CONV-1", TechnicianID: "tech-9"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.Stop(ctx, "CONV-1")

	client := &captureClient{id: "tech-device"}
	if err := m.Subscribe("CONV-1", client); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	err := m.Ingest(ctx, "CONV-1", ingest.Event{
		SegmentID:  "seg-1",
		Speaker:    types.SpeakerCustomer,
		Text:       "I smell a gas leak near the furnace",
		Start:      10.0,
		End:        12.5,
		Confidence: 0.9,
		IsFinal:    true,
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	nudges := client.wait(t, 1, 2*time.Second)
	if len(nudges) != 1 {
		t.Fatalf("delivered %d nudges, want 1", len(nudges))
	}
	if !nudges[0].Fallback {
		t.Error("fallback = false, want static template without a backend")
	}
	if nudges[0].Category != types.NudgeWarning {
		t.Errorf("category = %s, want warning", nudges[0].Category)
	}
}

func TestManager_StopCancelsInFlightGeneration(t *testing.T) {
	// The backend answers after 3s; the budget is 10s. Stopping the
	// conversation mid-generation must discard the result: zero nudges
	// dispatched afterward.
	provider := &llmmock.Provider{
		Delay: 3 * time.Second,
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"title": "late", "message": "should never arrive"}`,
		},
	}
	cfg := pipelineConfig()
	cfg.GenerationTimeoutSeconds = 10
	m := NewManager(cfg, provider, nil)
	ctx := context.Background()

	if err := m.Start(ctx, StartRequest{ConversationID: "CONV-1"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	client := &captureClient{id: "tech-device"}
	_ = m.Subscribe("CONV-1", client)

	_ = m.Ingest(ctx, "CONV-1", ingest.Event{
		SegmentID: "seg-1",
		Speaker:   types.SpeakerCustomer,
		Text:      "we've had to fix this three times this year",
		Start:     10.0,
		End:       12.5,
		IsFinal:   true,
	})

	// Give the trigger time to reach the generator, then stop.
	time.Sleep(100 * time.Millisecond)
	if err := m.Stop(ctx, "CONV-1"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	nudges := client.wait(t, 1, 500*time.Millisecond)
	if len(nudges) != 0 {
		t.Fatalf("delivered %d nudges after stop, want 0", len(nudges))
	}
}

func TestManager_StartDuplicateRejected(t *testing.T) {
	m := NewManager(pipelineConfig(), &llmmock.Provider{}, nil)
	ctx := context.Background()

	if err := m.Start(ctx, StartRequest{ConversationID: "CONV-1"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.Stop(ctx, "CONV-1")

	err := m.Start(ctx, StartRequest{ConversationID: "CONV-1"})
	if !errors.Is(err, ErrConversationExists) {
		t.Fatalf("err = %v, want ErrConversationExists", err)
	}
}

func TestManager_IngestUnknownConversation(t *testing.T) {
	m := NewManager(pipelineConfig(), &llmmock.Provider{}, nil)

	err := m.Ingest(context.Background(), "ghost", ingest.Event{
		SegmentID: "seg-1", Speaker: types.SpeakerCustomer,
		Start: 1, End: 2, IsFinal: true,
	})
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("err = %v, want ErrConversationNotFound", err)
	}
}

func TestManager_StopPersistsCompletion(t *testing.T) {
	st := storemock.New()
	m := NewManager(pipelineConfig(), &llmmock.Provider{}, nil, WithStore(st))
	ctx := context.Background()

	_ = m.Start(ctx, StartRequest{ConversationID: "CONV-1"})
	if err := m.Stop(ctx, "CONV-1"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	c, err := st.GetConversation(ctx, "CONV-1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if c.Status != types.ConversationCompleted {
		t.Errorf("status = %s, want completed", c.Status)
	}
	if c.EndedAt.IsZero() {
		t.Error("EndedAt not set")
	}
	if m.Active("CONV-1") {
		t.Error("conversation still active after stop")
	}
}

func TestManager_ShutdownStopsAll(t *testing.T) {
	m := NewManager(pipelineConfig(), &llmmock.Provider{}, nil)
	ctx := context.Background()

	_ = m.Start(ctx, StartRequest{ConversationID: "CONV-1"})
	_ = m.Start(ctx, StartRequest{ConversationID: "CONV-2"})

	m.Shutdown(ctx)

	if m.Active("CONV-1") || m.Active("CONV-2") {
		t.Error("conversations still active after shutdown")
	}
}
