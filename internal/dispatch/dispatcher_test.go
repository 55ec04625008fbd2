package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/hatchling/internal/bus"
	"github.com/haasonsaas/hatchling/internal/providers"
	"github.com/haasonsaas/hatchling/pkg/models"
)

type fakeExecutor struct {
	mu     sync.Mutex
	calls  []string
	err    error
	result models.ToolResult
}

func (f *fakeExecutor) ExecuteTool(ctx context.Context, name string, args map[string]any) (models.ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if f.err != nil {
		return models.ToolResult{}, f.err
	}
	return f.result, nil
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
	kinds  map[models.EventKind]struct{}
}

func newRecorder(kinds ...models.EventKind) *recorder {
	set := make(map[models.EventKind]struct{})
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return &recorder{kinds: set}
}

func (r *recorder) SubscribedKinds() map[models.EventKind]struct{} { return r.kinds }
func (r *recorder) OnEvent(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}
func (r *recorder) snapshot() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestDispatcherEmitsDispatchedThenResult(t *testing.T) {
	b := bus.New(nil)
	rec := newRecorder(models.EventMCPToolCallDispatched, models.EventMCPToolCallResult)
	b.Subscribe(rec)

	exec := &fakeExecutor{result: models.ToolResult{Content: []models.ToolResultContent{{Type: "text", Text: "12:00"}}}}
	openai := providers.NewOpenAI(providers.OpenAIConfig{})
	d := New(context.Background(), nil, b, exec, map[models.ProviderId]providers.Provider{models.ProviderOpenAI: openai})
	b.Subscribe(d)

	b.Publish(models.EventLLMToolCallRequest, map[string]any{
		"id": "t1", "function_name": "clock", "arguments": map[string]any{},
	}, models.ProviderOpenAI)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rec.snapshot()) >= 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	events := rec.snapshot()
	if len(events) != 2 {
		t.Fatalf("want 2 events, got %d: %+v", len(events), events)
	}
	if events[0].Kind != models.EventMCPToolCallDispatched || events[1].Kind != models.EventMCPToolCallResult {
		t.Fatalf("want DISPATCHED then RESULT, got %s then %s", events[0].Kind, events[1].Kind)
	}
}

func TestDispatcherEmitsErrorOnExecutorFailure(t *testing.T) {
	b := bus.New(nil)
	rec := newRecorder(models.EventMCPToolCallError)
	b.Subscribe(rec)

	exec := &fakeExecutor{err: context.DeadlineExceeded}
	openai := providers.NewOpenAI(providers.OpenAIConfig{})
	d := New(context.Background(), nil, b, exec, map[models.ProviderId]providers.Provider{models.ProviderOpenAI: openai})
	b.Subscribe(d)

	b.Publish(models.EventLLMToolCallRequest, map[string]any{
		"id": "t1", "function_name": "clock", "arguments": map[string]any{},
	}, models.ProviderOpenAI)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rec.snapshot()) >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if len(rec.snapshot()) != 1 {
		t.Fatalf("expected MCP_TOOL_CALL_ERROR to be emitted")
	}
}
