package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/callwise/livecoach/internal/app"
	"github.com/callwise/livecoach/internal/config"
	"github.com/callwise/livecoach/pkg/provider/llm"
	llmmock "github.com/callwise/livecoach/pkg/provider/llm/mock"
)

func newTestServer(t *testing.T, provider llm.Provider) (*httptest.Server, *app.Manager) {
	t.Helper()
	cfg := config.PipelineConfig{
		WindowHorizonSeconds:     30,
		WindowMaxSegments:        50,
		CooldownSeconds:          45,
		GenerationTimeoutSeconds: 1,
		DisplayTimeoutSeconds:    15,
	}
	manager := app.NewManager(cfg, provider, nil)
	mux := http.NewServeMux()
	NewServer(manager, nil).Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		manager.Shutdown(context.Background())
		ts.Close()
	})
	return ts, manager
}

func startConversation(t *testing.T, ts *httptest.Server, id string) {
	t.Helper()
	body := `{"technician_id": "tech-9", "job": {"job_id": "job-1", "job_type": "hvac_repair"}}`
	resp, err := http.Post(ts.URL+"/v1/conversations/"+id+"/start", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("start request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestServer_StartStopLifecycle(t *testing.T) {
	ts, manager := newTestServer(t, &llmmock.Provider{})

	startConversation(t, ts, "CONV-1")
	if !manager.Active("CONV-1") {
		t.Fatal("conversation not active after start")
	}

	// A second start on the same id conflicts.
	body := `{"technician_id": "tech-9", "job": {}}`
	resp, err := http.Post(ts.URL+"/v1/conversations/CONV-1/start", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("duplicate start request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate start status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	resp, err = http.Post(ts.URL+"/v1/conversations/CONV-1/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("stop request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("stop status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if manager.Active("CONV-1") {
		t.Error("conversation still active after stop")
	}

	resp, err = http.Post(ts.URL+"/v1/conversations/CONV-1/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("second stop request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second stop status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestServer_StartRejectsMissingTechnician(t *testing.T) {
	ts, _ := newTestServer(t, &llmmock.Provider{})

	resp, err := http.Post(ts.URL+"/v1/conversations/CONV-1/start", "application/json", bytes.NewReader([]byte(`{"job": {}}`)))
	if err != nil {
		t.Fatalf("start request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestServer_StreamRejectsUnknownConversation(t *testing.T) {
	ts, _ := newTestServer(t, &llmmock.Provider{})

	for _, path := range []string{
		"/v1/conversations/nope/transcription",
		"/v1/conversations/nope/nudges",
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want %d", path, resp.StatusCode, http.StatusNotFound)
		}
	}
}

func TestServer_TranscriptionToNudgeDelivery(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"title": "Replacement talk", "message": "Three repairs this year.", "confidence": 0.9}`,
		},
	}
	ts, _ := newTestServer(t, provider)
	startConversation(t, ts, "CONV-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, _, err := websocket.Dial(ctx, wsURL(ts, "/v1/conversations/CONV-1/nudges"), nil)
	if err != nil {
		t.Fatalf("nudge dial failed: %v", err)
	}
	defer sub.Close(websocket.StatusNormalClosure, "done")

	ing, _, err := websocket.Dial(ctx, wsURL(ts, "/v1/conversations/CONV-1/transcription"), nil)
	if err != nil {
		t.Fatalf("transcription dial failed: %v", err)
	}
	defer ing.Close(websocket.StatusNormalClosure, "done")

	frame, _ := json.Marshal(segmentMessage{
		Type:        "transcription_segment",
		SegmentID:   "seg-1",
		SpeakerType: "customer",
		Text:        "we've had to fix this three times this year",
		StartTime:   180.5,
		EndTime:     183.0,
		IsFinal:     true,
		Confidence:  0.95,
	})
	if err := ing.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("segment write failed: %v", err)
	}

	_, data, err := sub.Read(ctx)
	if err != nil {
		t.Fatalf("nudge read failed: %v", err)
	}
	var msg nudgeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal nudge frame: %v", err)
	}
	if msg.Type != "nudge" {
		t.Errorf("frame type = %q, want nudge", msg.Type)
	}
	if msg.NudgeType != "upsell_prompt" {
		t.Errorf("nudge_type = %q, want upsell_prompt", msg.NudgeType)
	}
	if msg.Title != "Replacement talk" {
		t.Errorf("title = %q, want Replacement talk", msg.Title)
	}
	if msg.NudgeID == "" {
		t.Error("nudge_id is empty")
	}

	// Acknowledge it; a well-formed action frame must not close the stream.
	ack, _ := json.Marshal(actionMessage{Action: "acted_upon", NudgeID: msg.NudgeID})
	if err := sub.Write(ctx, websocket.MessageText, ack); err != nil {
		t.Fatalf("action write failed: %v", err)
	}
}

func TestServer_MalformedSegmentDoesNotCloseStream(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"title": "Safety first", "message": "Evacuate and ventilate.", "confidence": 0.95}`,
		},
	}
	ts, _ := newTestServer(t, provider)
	startConversation(t, ts, "CONV-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, _, err := websocket.Dial(ctx, wsURL(ts, "/v1/conversations/CONV-1/nudges"), nil)
	if err != nil {
		t.Fatalf("nudge dial failed: %v", err)
	}
	defer sub.Close(websocket.StatusNormalClosure, "done")

	ing, _, err := websocket.Dial(ctx, wsURL(ts, "/v1/conversations/CONV-1/transcription"), nil)
	if err != nil {
		t.Fatalf("transcription dial failed: %v", err)
	}
	defer ing.Close(websocket.StatusNormalClosure, "done")

	// Junk, then an invalid segment, then a valid one that must still flow.
	if err := ing.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("junk write failed: %v", err)
	}
	bad, _ := json.Marshal(segmentMessage{Type: "transcription_segment", SpeakerType: "customer", Text: "x", StartTime: 2, EndTime: 1, IsFinal: true})
	if err := ing.Write(ctx, websocket.MessageText, bad); err != nil {
		t.Fatalf("invalid segment write failed: %v", err)
	}
	good, _ := json.Marshal(segmentMessage{
		Type:        "transcription_segment",
		SegmentID:   "seg-2",
		SpeakerType: "customer",
		Text:        "I smell a gas leak near the furnace",
		StartTime:   10.0,
		EndTime:     12.5,
		IsFinal:     true,
		Confidence:  0.9,
	})
	if err := ing.Write(ctx, websocket.MessageText, good); err != nil {
		t.Fatalf("valid segment write failed: %v", err)
	}

	_, data, err := sub.Read(ctx)
	if err != nil {
		t.Fatalf("nudge read failed: %v", err)
	}
	var msg nudgeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal nudge frame: %v", err)
	}
	if msg.NudgeType != "warning" {
		t.Errorf("nudge_type = %q, want warning", msg.NudgeType)
	}
}
