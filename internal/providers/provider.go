// Package providers normalizes OpenAI-style SSE and Ollama-style NDJSON
// streaming chat APIs into the same bus event stream.
package providers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/hatchling/pkg/models"
)

// Message is one wire-format chat message, deliberately left as a generic
// map so each provider's adapters can shape it however that API expects
// (OpenAI's assistant/tool_calls split vs Ollama's single-message-with-tool_calls).
type Message map[string]any

// Payload is a provider's in-progress chat request, built by PreparePayload
// and extended by AddToolsToPayload before Stream is called.
type Payload struct {
	Model    string
	Messages []Message
	Tools    []any
	Options  map[string]any
}

// Emitter is how Stream reports chunks back to the caller; in production
// this is bus.Bus.Publish, a fake in tests.
type Emitter func(kind models.EventKind, data map[string]any)

// ToolSource is the catalog surface AddToolsToPayload consumes: the tool
// snapshot plus the per-provider serialization cache the catalog keeps so a
// tool is converted to a provider's wire format at most once. Satisfied by
// *catalog.Catalog.
type ToolSource interface {
	All() []models.ToolInfo
	ProviderFormat(name string, p models.ProviderId) (any, bool)
	SetProviderFormat(name string, p models.ProviderId, v any)
}

// collectTools resolves the tool list for a payload. names == nil selects
// every enabled tool; with names given, an unknown name is fatal and a
// disabled one is skipped with a warning. Serializations go
// through src's provider-format cache.
func collectTools(p Provider, log *slog.Logger, src ToolSource, names []string) ([]any, error) {
	format := func(info models.ToolInfo) any {
		if v, ok := src.ProviderFormat(info.Name, p.ID()); ok {
			return v
		}
		v := p.ToProviderTool(info)
		src.SetProviderFormat(info.Name, p.ID(), v)
		return v
	}

	var out []any
	if names == nil {
		for _, info := range src.All() {
			if info.Status != models.ToolEnabled {
				continue
			}
			out = append(out, format(info))
		}
		return out, nil
	}

	byName := make(map[string]models.ToolInfo)
	for _, info := range src.All() {
		byName[info.Name] = info
	}
	for _, name := range names {
		info, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("providers: unknown tool %q", name)
		}
		if info.Status != models.ToolEnabled {
			log.Warn("skipping disabled tool", "tool", name, "reason", info.Reason)
			continue
		}
		out = append(out, format(info))
	}
	return out, nil
}

// Provider is Hatchling's one point of deep polymorphism: every streaming
// chat backend implements this contract once, registered under its
// ProviderId via Register.
type Provider interface {
	ID() models.ProviderId

	// PreparePayload builds a fresh request. opts overrides any matching
	// key from the provider's own default sampling configuration.
	PreparePayload(model string, opts map[string]any) *Payload

	// AddToolsToPayload attaches tools from the catalog. names == nil means
	// "every enabled tool"; a non-nil but unknown name is a fatal error, a
	// disabled name is skipped with a warning.
	AddToolsToPayload(payload *Payload, tools ToolSource, names []string) error

	// RenderHistoryEntry converts one canonical history entry into zero or
	// more wire messages in this provider's format.
	RenderHistoryEntry(entry models.HistoryEntry) []Message

	// Stream opens the streaming chat request and emits CONTENT/ROLE/
	// LLM_TOOL_CALL_REQUEST/FINISH/USAGE/ERROR via emit. requestID is
	// attached by the caller (normally via bus.SetRequestID before publish).
	Stream(ctx context.Context, payload *Payload, emit Emitter) error

	// ToProviderTool, ToProviderToolCall, ToProviderToolResult mirror the
	// three single-entry adapters used outside of history rendering (catalog
	// enumeration and chain-scheduler synthetic messages).
	ToProviderTool(info models.ToolInfo) any
	ToProviderToolCall(tc models.ToolCall) any
	ToProviderToolResult(tr models.ToolResult) any

	// ParseToolCall reassembles a ToolCall from one LLM_TOOL_CALL_REQUEST
	// event. false means the event was a partial fragment and should be
	// ignored by subscribers.
	ParseToolCall(e models.Event) (models.ToolCall, bool)
}

// Factory constructs a Provider instance for one ProviderId.
type Factory func() Provider

var registry = map[models.ProviderId]Factory{}

// Register associates id with factory. Called from each provider's package
// init or explicitly by the session wiring code; no reflection-based
// discovery.
func Register(id models.ProviderId, factory Factory) {
	registry[id] = factory
}

// New constructs the registered provider for id.
func New(id models.ProviderId) (Provider, error) {
	factory, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("providers: unknown provider %q", id)
	}
	return factory(), nil
}
