package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/callwise/livecoach/pkg/provider/llm"
	llmmock "github.com/callwise/livecoach/pkg/provider/llm/mock"
	"github.com/callwise/livecoach/pkg/types"
)

var req = llm.CompletionRequest{
	Messages: []types.Message{{Role: "user", Content: "hi"}},
}

func okProvider(content string) *llmmock.Provider {
	return &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: content},
	}
}

func TestComplete_FallsThroughToSecondary(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("rate limited")}
	secondary := okProvider("from secondary")

	f := NewLLMFailover(Config{}, nil)
	f.Add("primary", primary)
	f.Add("secondary", secondary)

	resp, err := f.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Errorf("content = %q, want secondary's response", resp.Content)
	}
	if got := len(primary.Calls()); got != 1 {
		t.Errorf("primary called %d times, want 1", got)
	}
}

func TestComplete_BenchesBackendAfterThreshold(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("down")}
	secondary := okProvider("ok")

	f := NewLLMFailover(Config{FailureThreshold: 2}, nil)
	f.Add("primary", primary)
	f.Add("secondary", secondary)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.Complete(ctx, req); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}

	// The first two calls each hit the failing primary; the third skipped it.
	if got := len(primary.Calls()); got != 2 {
		t.Errorf("primary called %d times, want 2 (benched after threshold)", got)
	}
	if got := len(secondary.Calls()); got != 3 {
		t.Errorf("secondary called %d times, want 3", got)
	}
}

func TestComplete_ProbeAfterCooldownRestoresBackend(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("down")}

	f := NewLLMFailover(Config{FailureThreshold: 1, Cooldown: time.Minute}, nil)
	f.Add("primary", primary)
	f.Add("secondary", okProvider("ok"))

	now := time.Unix(1000, 0)
	f.now = func() time.Time { return now }

	ctx := context.Background()
	_, _ = f.Complete(ctx, req) // benches primary
	_, _ = f.Complete(ctx, req) // within cooldown, primary skipped
	if got := len(primary.Calls()); got != 1 {
		t.Fatalf("primary called %d times while benched, want 1", got)
	}

	// Cooldown elapses, the backend recovered in the meantime.
	now = now.Add(2 * time.Minute)
	primary.CompleteErr = nil
	primary.CompleteResponse = &llm.CompletionResponse{Content: "primary back"}

	resp, err := f.Complete(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "primary back" {
		t.Errorf("content = %q, want probe to hit the recovered primary", resp.Content)
	}

	// Back in rotation for the next call too.
	if _, err := f.Complete(ctx, req); err != nil {
		t.Fatalf("unexpected error after recovery: %v", err)
	}
	if got := len(primary.Calls()); got != 3 {
		t.Errorf("primary called %d times, want 3", got)
	}
}

func TestComplete_FailedProbeStaysBenched(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("still down")}

	f := NewLLMFailover(Config{FailureThreshold: 1, Cooldown: time.Minute}, nil)
	f.Add("primary", primary)
	f.Add("secondary", okProvider("ok"))

	now := time.Unix(1000, 0)
	f.now = func() time.Time { return now }

	ctx := context.Background()
	_, _ = f.Complete(ctx, req) // benches primary
	now = now.Add(2 * time.Minute)
	_, _ = f.Complete(ctx, req) // probe fails, re-benched
	_, _ = f.Complete(ctx, req) // within the new window, skipped

	if got := len(primary.Calls()); got != 2 {
		t.Errorf("primary called %d times, want 2 (failed probe re-benches)", got)
	}
}

func TestComplete_AllBackendsFailing(t *testing.T) {
	f := NewLLMFailover(Config{}, nil)
	f.Add("a", &llmmock.Provider{CompleteErr: errors.New("a down")})
	f.Add("b", &llmmock.Provider{CompleteErr: errors.New("b down")})

	_, err := f.Complete(context.Background(), req)
	if err == nil {
		t.Fatal("expected error when every backend fails")
	}
	if errors.Is(err, ErrNoHealthyBackend) {
		t.Fatalf("err = %v, want wrapped backend error, not ErrNoHealthyBackend", err)
	}
}

func TestComplete_AllBenchedReturnsSentinel(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("down")}

	f := NewLLMFailover(Config{FailureThreshold: 1, Cooldown: time.Minute}, nil)
	f.Add("primary", primary)

	now := time.Unix(1000, 0)
	f.now = func() time.Time { return now }

	ctx := context.Background()
	_, _ = f.Complete(ctx, req) // benches the only backend

	_, err := f.Complete(ctx, req)
	if !errors.Is(err, ErrNoHealthyBackend) {
		t.Fatalf("err = %v, want ErrNoHealthyBackend", err)
	}
}

func TestComplete_CancellationDoesNotCountAgainstBackend(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: context.Canceled}

	f := NewLLMFailover(Config{FailureThreshold: 1}, nil)
	f.Add("primary", primary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Complete(ctx, req); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// The backend was not benched by the aborted call.
	primary.CompleteErr = nil
	primary.CompleteResponse = &llm.CompletionResponse{Content: "ok"}
	resp, err := f.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q, want primary still in rotation", resp.Content)
	}
}
