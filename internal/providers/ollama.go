package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/haasonsaas/hatchling/pkg/models"
)

func init() {
	Register(models.ProviderOllama, func() Provider { return NewOllama(OllamaConfig{}) })
}

// OllamaConfig configures the Ollama HTTP endpoint. No SDK exists for
// Ollama in the corpus; the wire format is a small enough NDJSON protocol
// that stdlib net/http is the grounded choice (see DESIGN.md).
type OllamaConfig struct {
	BaseURL string // default http://localhost:11434
}

type OllamaProvider struct {
	log     *slog.Logger
	baseURL string
	client  *http.Client
}

func NewOllama(cfg OllamaConfig) *OllamaProvider {
	base := cfg.BaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	return &OllamaProvider{
		log:     slog.Default().With("component", "providers.ollama"),
		baseURL: base,
		client:  &http.Client{},
	}
}

func (p *OllamaProvider) ID() models.ProviderId { return models.ProviderOllama }

func (p *OllamaProvider) PreparePayload(model string, opts map[string]any) *Payload {
	return &Payload{Model: model, Options: opts}
}

func (p *OllamaProvider) AddToolsToPayload(payload *Payload, tools ToolSource, names []string) error {
	selected, err := collectTools(p, p.log, tools, names)
	if err != nil {
		return err
	}
	payload.Tools = append(payload.Tools, selected...)
	return nil
}

func (p *OllamaProvider) ToProviderTool(info models.ToolInfo) any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        info.Name,
			"description": info.Description,
			"parameters":  info.Schema,
		},
	}
}

func (p *OllamaProvider) ToProviderToolCall(tc models.ToolCall) any {
	return map[string]any{
		"function": map[string]any{
			"name":      tc.FunctionName,
			"arguments": tc.Arguments,
		},
	}
}

func (p *OllamaProvider) ToProviderToolResult(tr models.ToolResult) any {
	return Message{"role": "tool", "content": resultText(tr)}
}

func (p *OllamaProvider) RenderHistoryEntry(entry models.HistoryEntry) []Message {
	switch entry.Kind {
	case models.EntryUser:
		return []Message{{"role": "user", "content": entry.Text}}
	case models.EntryAssistant:
		return []Message{{"role": "assistant", "content": entry.Text}}
	case models.EntryToolCall:
		return []Message{{"role": "assistant", "tool_calls": []any{p.ToProviderToolCall(entry.ToolCall)}}}
	case models.EntryToolResult:
		return []Message{p.ToProviderToolResult(entry.ToolResult).(Message)}
	default:
		return nil
	}
}

type ollamaChatRequest struct {
	Model    string           `json:"model"`
	Messages []map[string]any `json:"messages"`
	Tools    []any            `json:"tools,omitempty"`
	Stream   bool             `json:"stream"`
	Options  map[string]any   `json:"options,omitempty"`
}

type ollamaToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments any    `json:"arguments"`
	} `json:"function"`
}

type ollamaMessage struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	ToolCalls []ollamaToolCall  `json:"tool_calls"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

func (p *OllamaProvider) Stream(ctx context.Context, payload *Payload, emit Emitter) error {
	req := ollamaChatRequest{
		Model:    payload.Model,
		Tools:    payload.Tools,
		Stream:   true,
		Options:  payload.Options,
	}
	for _, m := range payload.Messages {
		req.Messages = append(req.Messages, map[string]any(m))
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		emit(models.EventError, map[string]any{"message": err.Error()})
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("providers.ollama: unexpected status %d", resp.StatusCode)
		emit(models.EventError, map[string]any{"message": err.Error()})
		return err
	}

	roleEmitted := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}

		if !roleEmitted && chunk.Message.Role != "" {
			emit(models.EventRole, map[string]any{"role": chunk.Message.Role})
			roleEmitted = true
		}
		if chunk.Message.Content != "" {
			emit(models.EventContent, map[string]any{"text": chunk.Message.Content})
		}
		for _, tc := range chunk.Message.ToolCalls {
			args := argumentsToMap(tc.Function.Arguments)
			id := tc.ID
			if id == "" {
				id = uuid.NewString()
			}
			emit(models.EventLLMToolCallRequest, map[string]any{
				"id": id, "function_name": tc.Function.Name, "arguments": args,
			})
		}
		if chunk.Done {
			reason := chunk.DoneReason
			if reason == "" {
				reason = "stop"
			}
			emit(models.EventFinish, map[string]any{"reason": reason})
			if chunk.PromptEvalCount > 0 || chunk.EvalCount > 0 {
				emit(models.EventUsage, map[string]any{
					"prompt_tokens":     chunk.PromptEvalCount,
					"completion_tokens": chunk.EvalCount,
					"total_tokens":      chunk.PromptEvalCount + chunk.EvalCount,
				})
			}
		}
	}
	return scanner.Err()
}

func argumentsToMap(raw any) map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		return v
	case string:
		return parseArguments(v)
	default:
		return map[string]any{}
	}
}

func (p *OllamaProvider) ParseToolCall(e models.Event) (models.ToolCall, bool) {
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
