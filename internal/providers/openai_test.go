package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/haasonsaas/hatchling/internal/catalog"
	"github.com/haasonsaas/hatchling/pkg/models"
)

func TestOpenAIParseToolCallRoundTrip(t *testing.T) {
	p := NewOpenAI(OpenAIConfig{})
	original := models.ToolCall{ID: "t1", FunctionName: "clock", Arguments: map[string]any{"x": float64(1), "y": float64(2)}}

	e := models.Event{
		Kind: models.EventLLMToolCallRequest,
		Data: map[string]any{
			"id": original.ID, "function_name": original.FunctionName, "arguments": original.Arguments,
		},
	}
	parsed, ok := p.ParseToolCall(e)
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if !reflect.DeepEqual(parsed, original) {
		t.Fatalf("round-trip mismatch: got %+v want %+v", parsed, original)
	}
}

func TestOpenAIFragmentedArgumentsAssemble(t *testing.T) {
	fragments := []string{`{"x"`, `:1,"`, `y":2`, `}`}
	var buf string
	for _, f := range fragments {
		buf += f
	}
	args := parseArguments(buf)
	if args["x"] != float64(1) || args["y"] != float64(2) {
		t.Fatalf("unexpected assembled arguments: %+v", args)
	}
}

func TestOpenAIMalformedArgumentsPreservedUnderRaw(t *testing.T) {
	args := parseArguments(`{not json`)
	if args["_raw"] != `{not json` {
		t.Fatalf("expected malformed args preserved under _raw, got %+v", args)
	}
}

// TestOpenAIStreamFragmentedToolCall drives the whole SSE read loop with the
// argument JSON {"x":1,"y":2} split across four fragments: the assembled
// LLM_TOOL_CALL_REQUEST must carry the parsed arguments, and the event order
// must be ROLE, request, FINISH, USAGE.
func TestOpenAIStreamFragmentedToolCall(t *testing.T) {
	chunks := []string{
		`{"id":"1","object":"chat.completion.chunk","created":0,"model":"m","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":0,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"t1","type":"function","function":{"name":"add","arguments":"{\"x\""}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":0,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":":1,\""}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":0,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"y\":2"}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":0,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"}"}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":0,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"id":"1","object":"chat.completion.chunk","created":0,"model":"m","choices":[],"usage":{"prompt_tokens":2,"completion_tokens":3,"total_tokens":5}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "test", BaseURL: srv.URL})
	var got []models.Event
	emit := func(kind models.EventKind, data map[string]any) {
		got = append(got, models.Event{Kind: kind, Data: data})
	}
	payload := p.PreparePayload("m", nil)
	payload.Messages = []Message{{"role": "user", "content": "add 1 and 2"}}
	if err := p.Stream(context.Background(), payload, emit); err != nil {
		t.Fatalf("stream: %v", err)
	}

	wantKinds := []models.EventKind{
		models.EventRole, models.EventLLMToolCallRequest, models.EventFinish, models.EventUsage,
	}
	if len(got) != len(wantKinds) {
		t.Fatalf("want %d events, got %d: %+v", len(wantKinds), len(got), got)
	}
	for i, k := range wantKinds {
		if got[i].Kind != k {
			t.Fatalf("event %d: want %s got %s", i, k, got[i].Kind)
		}
	}

	req := got[1]
	if req.String("id") != "t1" || req.String("function_name") != "add" {
		t.Fatalf("unexpected tool call: %+v", req.Data)
	}
	args, _ := req.Data["arguments"].(map[string]any)
	if args["x"] != float64(1) || args["y"] != float64(2) {
		t.Fatalf("fragments did not reassemble: %+v", args)
	}
	if got[3].Int("total_tokens") != 5 {
		t.Fatalf("want total_tokens 5, got %d", got[3].Int("total_tokens"))
	}
}

// TestAddToolsToPayloadAgainstCatalog exercises the names selection rules
// and the catalog's provider-format cache: nil names selects every
// enabled tool, a named disabled tool is skipped, an unknown name is fatal,
// and the serialized form lands in the cache.
func TestAddToolsToPayloadAgainstCatalog(t *testing.T) {
	cat := catalog.New()
	cat.MarkServerUp("a.py")
	if err := cat.Register("clock", "tells time", map[string]any{"type": "object"}, "a.py"); err != nil {
		t.Fatalf("register clock: %v", err)
	}
	if err := cat.Register("weather", "", map[string]any{"type": "object"}, "a.py"); err != nil {
		t.Fatalf("register weather: %v", err)
	}
	if _, err := cat.Disable("weather"); err != nil {
		t.Fatalf("disable weather: %v", err)
	}

	p := NewOpenAI(OpenAIConfig{})

	payload := p.PreparePayload("m", nil)
	if err := p.AddToolsToPayload(payload, cat, nil); err != nil {
		t.Fatalf("nil names: %v", err)
	}
	if len(payload.Tools) != 1 {
		t.Fatalf("want only the enabled tool, got %+v", payload.Tools)
	}

	payload = p.PreparePayload("m", nil)
	if err := p.AddToolsToPayload(payload, cat, []string{"clock", "weather"}); err != nil {
		t.Fatalf("a disabled name must be skipped, not fatal: %v", err)
	}
	if len(payload.Tools) != 1 {
		t.Fatalf("want disabled tool skipped, got %+v", payload.Tools)
	}

	if err := p.AddToolsToPayload(payload, cat, []string{"no_such_tool"}); err == nil {
		t.Fatalf("an unknown name must be fatal")
	}

	if _, ok := cat.ProviderFormat("clock", models.ProviderOpenAI); !ok {
		t.Fatalf("enumeration should have populated the provider-format cache")
	}
}

func TestOpenAIRenderHistoryEntryToolResult(t *testing.T) {
	p := NewOpenAI(OpenAIConfig{})
	msgs := p.RenderHistoryEntry(models.NewToolResultEntry(models.ToolResult{
		ToolCallID: "t1",
		Content:    []models.ToolResultContent{{Type: "text", Text: "12:00"}},
	}))
	if len(msgs) != 1 || msgs[0]["role"] != "tool" || msgs[0]["tool_call_id"] != "t1" || msgs[0]["content"] != "12:00" {
		t.Fatalf("unexpected rendering: %+v", msgs)
	}
}
