package providers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/hatchling/pkg/models"
)

func init() {
	Register(models.ProviderOpenAI, func() Provider { return NewOpenAI(OpenAIConfig{}) })
}

// OpenAIConfig holds what PreparePayload needs beyond the per-call opts
// override: sampling parameters come from configuration, and caller
// supplied opts win.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Temperature float32
	TopP        float32
}

// OpenAIProvider normalizes OpenAI's SSE ChatCompletionChunk stream, which
// fragments tool-call arguments across chunks keyed by tool_calls[i].index.
type OpenAIProvider struct {
	log    *slog.Logger
	client *openai.Client
	cfg    OpenAIConfig
}

func NewOpenAI(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		log:    slog.Default().With("component", "providers.openai"),
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
	}
}

func (p *OpenAIProvider) ID() models.ProviderId { return models.ProviderOpenAI }

func (p *OpenAIProvider) PreparePayload(model string, opts map[string]any) *Payload {
	options := map[string]any{
		"temperature": p.cfg.Temperature,
		"top_p":       p.cfg.TopP,
	}
	for k, v := range opts {
		options[k] = v
	}
	return &Payload{Model: model, Options: options}
}

func (p *OpenAIProvider) AddToolsToPayload(payload *Payload, tools ToolSource, names []string) error {
	selected, err := collectTools(p, p.log, tools, names)
	if err != nil {
		return err
	}
	payload.Tools = append(payload.Tools, selected...)
	return nil
}

func (p *OpenAIProvider) ToProviderTool(info models.ToolInfo) any {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  info.Schema,
		},
	}
}

func (p *OpenAIProvider) ToProviderToolCall(tc models.ToolCall) any {
	argsJSON, _ := json.Marshal(tc.Arguments)
	return openai.ToolCall{
		ID:   tc.ID,
		Type: openai.ToolTypeFunction,
		Function: openai.FunctionCall{
			Name:      tc.FunctionName,
			Arguments: string(argsJSON),
		},
	}
}

func (p *OpenAIProvider) ToProviderToolResult(tr models.ToolResult) any {
	return Message{
		"role":         "tool",
		"tool_call_id": tr.ToolCallID,
		"content":      resultText(tr),
	}
}

func resultText(tr models.ToolResult) string {
	if tr.IsError && tr.Error != "" {
		return tr.Error
	}
	var out string
	for _, c := range tr.Content {
		out += c.Text
	}
	return out
}

func (p *OpenAIProvider) RenderHistoryEntry(entry models.HistoryEntry) []Message {
	switch entry.Kind {
	case models.EntryUser:
		return []Message{{"role": "user", "content": entry.Text}}
	case models.EntryAssistant:
		return []Message{{"role": "assistant", "content": entry.Text}}
	case models.EntryToolCall:
		tc := p.ToProviderToolCall(entry.ToolCall)
		return []Message{{"role": "assistant", "tool_calls": []any{tc}}}
	case models.EntryToolResult:
		return []Message{p.ToProviderToolResult(entry.ToolResult).(Message)}
	default:
		return nil
	}
}

// partialToolCall is per-stream accumulator state, scoped to one Stream
// call, never provider- or package-level.
type partialToolCall struct {
	id, name string
	argsBuf  string
}

func (p *OpenAIProvider) Stream(ctx context.Context, payload *Payload, emit Emitter) error {
	req := p.buildRequest(payload)
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		emit(models.EventError, map[string]any{"message": err.Error()})
		return err
	}
	defer stream.Close()

	accumulator := make(map[int]*partialToolCall)
	roleEmitted := false

	flush := func() {
		if len(accumulator) == 0 {
			return
		}
		indexes := make([]int, 0, len(accumulator))
		for idx := range accumulator {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			tc := accumulator[idx]
			args := parseArguments(tc.argsBuf)
			emit(models.EventLLMToolCallRequest, map[string]any{
				"id": tc.id, "function_name": tc.name, "arguments": args,
			})
		}
		for k := range accumulator {
			delete(accumulator, k)
		}
	}

	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			flush()
			return nil
		}
		if err != nil {
			emit(models.EventError, map[string]any{"message": err.Error()})
			return err
		}

		if resp.Usage != nil && len(resp.Choices) == 0 {
			emit(models.EventUsage, map[string]any{
				"prompt_tokens":     resp.Usage.PromptTokens,
				"completion_tokens": resp.Usage.CompletionTokens,
				"total_tokens":      resp.Usage.TotalTokens,
			})
			continue
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if !roleEmitted && delta.Role != "" {
			emit(models.EventRole, map[string]any{"role": delta.Role})
			roleEmitted = true
		}
		if delta.Content != "" {
			emit(models.EventContent, map[string]any{"text": delta.Content})
		}

		if len(delta.ToolCalls) > 0 {
			for _, frag := range delta.ToolCalls {
				idx := 0
				if frag.Index != nil {
					idx = *frag.Index
				}
				entry, ok := accumulator[idx]
				if !ok {
					entry = &partialToolCall{}
					accumulator[idx] = entry
				}
				if frag.ID != "" {
					entry.id = frag.ID
				}
				if frag.Function.Name != "" {
					entry.name = frag.Function.Name
				}
				entry.argsBuf += frag.Function.Arguments
			}
		} else if len(accumulator) > 0 {
			flush()
		}

		if choice.FinishReason != "" {
			if choice.FinishReason == "tool_calls" {
				flush()
			}
			emit(models.EventFinish, map[string]any{"reason": string(choice.FinishReason)})
		}
	}
}

func parseArguments(raw string) map[string]any {
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}
	}
	return args
}

func (p *OpenAIProvider) ParseToolCall(e models.Event) (models.ToolCall, bool) {
	if e.Kind != models.EventLLMToolCallRequest {
		return models.ToolCall{}, false
	}
	args, _ := e.Data["arguments"].(map[string]any)
	return models.ToolCall{
		ID:           e.String("id"),
		FunctionName: e.String("function_name"),
		Arguments:    args,
	}, true
}

func (p *OpenAIProvider) buildRequest(payload *Payload) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:  payload.Model,
		Stream: true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if t, ok := payload.Options["temperature"].(float32); ok {
		req.Temperature = t
	}
	if t, ok := payload.Options["top_p"].(float32); ok {
		req.TopP = t
	}
	for _, m := range payload.Messages {
		req.Messages = append(req.Messages, toOpenAIMessage(m))
	}
	for _, raw := range payload.Tools {
		if tool, ok := raw.(openai.Tool); ok {
			req.Tools = append(req.Tools, tool)
		}
	}
	return req
}

func toOpenAIMessage(m Message) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{}
	if role, ok := m["role"].(string); ok {
		msg.Role = role
	}
	if content, ok := m["content"].(string); ok {
		msg.Content = content
	}
	if id, ok := m["tool_call_id"].(string); ok {
		msg.ToolCallID = id
	}
	if raw, ok := m["tool_calls"].([]any); ok {
		for _, r := range raw {
			if tc, ok := r.(openai.ToolCall); ok {
				msg.ToolCalls = append(msg.ToolCalls, tc)
			}
		}
	}
	return msg
}
