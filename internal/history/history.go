// Package history maintains the dual-view message history (C7): one
// canonical, provider-agnostic log plus a cached provider-specific wire
// view regenerated lazily when the active provider changes.
package history

import (
	"log/slog"
	"sync"

	"github.com/haasonsaas/hatchling/internal/bus"
	"github.com/haasonsaas/hatchling/internal/providers"
	"github.com/haasonsaas/hatchling/pkg/models"
)

type History struct {
	log *slog.Logger

	mu        sync.Mutex
	canonical []models.HistoryEntry

	cachedProvider models.ProviderId
	cachedView     []providers.Message

	assistantBuf string

	providerByID map[models.ProviderId]providers.Provider
}

func New(log *slog.Logger, b *bus.Bus, provs map[models.ProviderId]providers.Provider) *History {
	if log == nil {
		log = slog.Default()
	}
	h := &History{log: log.With("component", "history"), providerByID: provs}
	if b != nil {
		b.Subscribe(h)
	}
	return h
}

func (h *History) SubscribedKinds() map[models.EventKind]struct{} {
	return map[models.EventKind]struct{}{
		models.EventContent:              {},
		models.EventFinish:               {},
		models.EventMCPToolCallDispatched: {},
		models.EventMCPToolCallResult:     {},
		models.EventMCPToolCallError:      {},
	}
}

func (h *History) OnEvent(e models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ensureView(e.Provider)

	switch e.Kind {
	case models.EventContent:
		h.assistantBuf += e.String("text")
	case models.EventFinish:
		if h.assistantBuf != "" {
			h.appendLocked(models.NewAssistantEntry(h.assistantBuf), e.Provider)
			h.assistantBuf = ""
		}
	case models.EventMCPToolCallDispatched:
		args, _ := e.Data["arguments"].(map[string]any)
		h.appendLocked(models.NewToolCallEntry(models.ToolCall{
			ID: e.String("tool_call_id"), FunctionName: e.String("function_name"), Arguments: args,
		}), e.Provider)
	case models.EventMCPToolCallResult, models.EventMCPToolCallError:
		h.appendLocked(models.NewToolResultEntry(toolResultFromEvent(e)), e.Provider)
	}
}

func toolResultFromEvent(e models.Event) models.ToolResult {
	args, _ := e.Data["arguments"].(map[string]any)
	tr := models.ToolResult{
		ToolCallID:   e.String("tool_call_id"),
		FunctionName: e.String("function_name"),
		Arguments:    args,
	}
	if e.Kind == models.EventMCPToolCallError {
		tr.IsError = true
		tr.Error = e.String("error")
		return tr
	}
	tr.IsError = e.Bool("is_error")
	if raw, ok := e.Data["content"].([]models.ToolResultContent); ok {
		tr.Content = raw
	}
	return tr
}

// ensureView regenerates the cached view from canonical history if provider
// differs from what's cached. Caller must hold h.mu.
func (h *History) ensureView(provider models.ProviderId) {
	if provider == "" || provider == h.cachedProvider {
		return
	}
	h.regenerateLocked(provider)
}

func (h *History) regenerateLocked(provider models.ProviderId) {
	p, ok := h.providerByID[provider]
	if !ok {
		return
	}
	view := make([]providers.Message, 0, len(h.canonical))
	for _, entry := range h.canonical {
		view = append(view, p.RenderHistoryEntry(entry)...)
	}
	h.cachedProvider = provider
	h.cachedView = view
}

func (h *History) appendLocked(entry models.HistoryEntry, provider models.ProviderId) {
	h.canonical = append(h.canonical, entry)
	if provider != "" && provider == h.cachedProvider {
		if p, ok := h.providerByID[provider]; ok {
			h.cachedView = append(h.cachedView, p.RenderHistoryEntry(entry)...)
		}
	}
}

// AddUser is the only external mutator that adds entries (Clear is the only
// other one); it appends to both canonical and cached views directly.
func (h *History) AddUser(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry := models.NewUserEntry(text)
	h.canonical = append(h.canonical, entry)
	if h.cachedProvider != "" {
		if p, ok := h.providerByID[h.cachedProvider]; ok {
			h.cachedView = append(h.cachedView, p.RenderHistoryEntry(entry)...)
		}
	}
}

// MessagesFor returns the cached view when provider matches, otherwise
// synthesizes a fresh view without altering cached state.
func (h *History) MessagesFor(provider models.ProviderId) []providers.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	if provider == h.cachedProvider {
		out := make([]providers.Message, len(h.cachedView))
		copy(out, h.cachedView)
		return out
	}
	p, ok := h.providerByID[provider]
	if !ok {
		return nil
	}
	out := make([]providers.Message, 0, len(h.canonical))
	for _, entry := range h.canonical {
		out = append(out, p.RenderHistoryEntry(entry)...)
	}
	return out
}

// Canonical returns a snapshot of the canonical entry log.
func (h *History) Canonical() []models.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.HistoryEntry, len(h.canonical))
	copy(out, h.canonical)
	return out
}

// Clear empties the session's history (an explicit, user-initiated reset).
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.canonical = nil
	h.cachedView = nil
	h.cachedProvider = ""
	h.assistantBuf = ""
}
