// Package dispatch implements the tool-call dispatcher (C6): it turns
// LLM_TOOL_CALL_REQUEST events into MCP invocations and re-emits the
// outcome, without ever blocking the provider's stream reader.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/hatchling/internal/bus"
	"github.com/haasonsaas/hatchling/internal/providers"
	"github.com/haasonsaas/hatchling/pkg/models"
)

// Executor is the synchronous MCP invocation the dispatcher calls out to;
// satisfied by *mcpmanager.Manager in production.
type Executor interface {
	ExecuteTool(ctx context.Context, name string, args map[string]any) (models.ToolResult, error)
}

type Dispatcher struct {
	log       *slog.Logger
	bus       *bus.Bus
	executor  Executor
	providers map[models.ProviderId]providers.Provider
	ctx       context.Context
}

func New(ctx context.Context, log *slog.Logger, b *bus.Bus, executor Executor, provs map[models.ProviderId]providers.Provider) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:       log.With("component", "dispatch"),
		bus:       b,
		executor:  executor,
		providers: provs,
		ctx:       ctx,
	}
}

func (d *Dispatcher) SubscribedKinds() map[models.EventKind]struct{} {
	return map[models.EventKind]struct{}{models.EventLLMToolCallRequest: {}}
}

// OnEvent is called synchronously by the bus. The dispatcher must not be
// re-entered from inside a provider's event emission, so the actual MCP
// call runs on its own goroutine; only the DISPATCHED publish happens
// inline, before that goroutine is spawned.
func (d *Dispatcher) OnEvent(e models.Event) {
	p, ok := d.providers[e.Provider]
	if !ok {
		d.log.Error("no provider registered for dispatch", "provider", e.Provider)
		return
	}
	call, ok := p.ParseToolCall(e)
	if !ok {
		return // still a partial fragment
	}

	d.bus.Publish(models.EventMCPToolCallDispatched, map[string]any{
		"tool_call_id": call.ID, "function_name": call.FunctionName, "arguments": call.Arguments,
	}, e.Provider)

	go d.execute(call, e.Provider)
}

func (d *Dispatcher) execute(call models.ToolCall, provider models.ProviderId) {
	result, err := d.executor.ExecuteTool(d.ctx, call.FunctionName, call.Arguments)
	if err != nil {
		d.bus.Publish(models.EventMCPToolCallError, map[string]any{
			"tool_call_id": call.ID, "function_name": call.FunctionName,
			"arguments": call.Arguments, "error": err.Error(),
		}, provider)
		return
	}
	result.ToolCallID = call.ID
	d.bus.Publish(models.EventMCPToolCallResult, map[string]any{
		"tool_call_id": call.ID, "function_name": result.FunctionName,
		"arguments": result.Arguments, "content": result.Content, "is_error": result.IsError,
	}, provider)
}
