// Package chain implements the tool-chaining scheduler (C8): FIFO pairing
// of tool-call dispatches with their results, single-flight continuation of
// the LLM, and per-chain iteration/wall-clock limits.
package chain

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/hatchling/internal/bus"
	"github.com/haasonsaas/hatchling/internal/catalog"
	"github.com/haasonsaas/hatchling/internal/history"
	"github.com/haasonsaas/hatchling/internal/metrics"
	"github.com/haasonsaas/hatchling/internal/providers"
	"github.com/haasonsaas/hatchling/pkg/models"
)

// Config bounds a single chain's lifetime.
type Config struct {
	MaxIterations int
	MaxWallClock  time.Duration
	Model         string
}

const (
	continuePrompt  = "Do you have enough information to answer, or do you need another tool?"
	terminatePrompt = "Finalize your answer now using the information gathered so far."
)

// Scheduler is the chain scheduler. One mutex (mu) guards the pairing
// structures and the chain state; a second (contMu) enforces that at most
// one continuation runs at a time. contMu is held for a whole continuation,
// which takes mu briefly inside it; mu is never held while acquiring contMu,
// so the two never deadlock. Continuation order matches pop order because
// only the single active deliverer in tryDeliver ever pops and continues.
type Scheduler struct {
	log      *slog.Logger
	bus      *bus.Bus
	hist     *history.History
	cat      *catalog.Catalog
	provs    map[models.ProviderId]providers.Provider
	cfg      Config
	ctx      context.Context
	metrics  *metrics.Metrics

	mu            sync.Mutex
	dispatchQueue []models.PendingDispatch
	resultBuffer  map[string]models.ToolResult
	state         models.ChainState
	// delivering marks that one goroutine is already draining the queue;
	// see tryDeliver.
	delivering bool
	// lastDispatchSeq is the bus sequence number of the newest
	// MCP_TOOL_CALL_DISPATCHED seen. A tool-call request published before it
	// has already been dispatched and does not re-arm ExpectingDispatch.
	lastDispatchSeq uint64

	contMu sync.Mutex
}

func New(ctx context.Context, log *slog.Logger, b *bus.Bus, hist *history.History, cat *catalog.Catalog, provs map[models.ProviderId]providers.Provider, cfg Config) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		log:          log.With("component", "chain"),
		bus:          b,
		hist:         hist,
		cat:          cat,
		provs:        provs,
		cfg:          cfg,
		ctx:          ctx,
		resultBuffer: make(map[string]models.ToolResult),
		state:        models.ChainState{MaxIterations: cfg.MaxIterations, MaxWallClock: cfg.MaxWallClock},
	}
}

// WithMetrics attaches a collector set; nil clears it.
func (s *Scheduler) WithMetrics(m *metrics.Metrics) *Scheduler {
	s.metrics = m
	return s
}

func (s *Scheduler) SubscribedKinds() map[models.EventKind]struct{} {
	return map[models.EventKind]struct{}{
		models.EventLLMToolCallRequest:    {},
		models.EventMCPToolCallDispatched: {},
		models.EventMCPToolCallResult:     {},
		models.EventMCPToolCallError:      {},
		models.EventFinish:                {},
	}
}

// StartQuery resets per-query chain state for a new user turn.
func (s *Scheduler) StartQuery(rootQuery string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maxIter, maxWall := s.state.MaxIterations, s.state.MaxWallClock
	s.state = models.ChainState{MaxIterations: maxIter, MaxWallClock: maxWall, RootQuery: rootQuery}
	s.dispatchQueue = nil
	s.resultBuffer = make(map[string]models.ToolResult)
}

func (s *Scheduler) OnEvent(e models.Event) {
	switch e.Kind {
	case models.EventLLMToolCallRequest:
		s.mu.Lock()
		if e.Seq > s.lastDispatchSeq {
			s.state.ExpectingDispatch = true
		}
		s.mu.Unlock()
	case models.EventMCPToolCallDispatched:
		s.handleDispatched(e)
	case models.EventMCPToolCallResult, models.EventMCPToolCallError:
		s.handleResult(e)
	case models.EventFinish:
		s.handleFinish(e)
	}
}

func (s *Scheduler) handleDispatched(e models.Event) {
	id := e.String("tool_call_id")
	args, _ := e.Data["arguments"].(map[string]any)
	call := models.ToolCall{ID: id, FunctionName: e.String("function_name"), Arguments: args}

	s.mu.Lock()
	firstDispatch := !s.state.Started
	if firstDispatch {
		s.state.Started = true
		s.state.ChainID = uuid.NewString()
		s.state.StartedAt = time.Now()
		s.state.Iteration = 1
	}
	s.dispatchQueue = append(s.dispatchQueue, models.PendingDispatch{ToolCallID: id, Timestamp: time.Now(), Call: call})
	s.state.ExpectingDispatch = false
	if e.Seq > s.lastDispatchSeq {
		s.lastDispatchSeq = e.Seq
	}
	chainID, rootQuery, iteration, maxIter := s.state.ChainID, s.state.RootQuery, s.state.Iteration, s.state.MaxIterations
	s.mu.Unlock()

	if firstDispatch {
		s.metrics.ChainStarted()
		s.bus.Publish(models.EventToolChainStart, map[string]any{
			"chain_id": chainID, "root_query": rootQuery, "iteration": iteration,
			"max_iterations": maxIter, "tool_call_id": id, "function_name": call.FunctionName,
		}, e.Provider)
	}
	s.tryDeliver(e.Provider)
}

func (s *Scheduler) handleResult(e models.Event) {
	id := e.String("tool_call_id")
	result := resultFromEvent(e)

	s.mu.Lock()
	if _, exists := s.resultBuffer[id]; exists {
		s.log.Warn("duplicate tool-call result id, overwriting", "tool_call_id", id)
	}
	s.resultBuffer[id] = result
	s.mu.Unlock()

	s.tryDeliver(e.Provider)
}

func resultFromEvent(e models.Event) models.ToolResult {
	args, _ := e.Data["arguments"].(map[string]any)
	tr := models.ToolResult{ToolCallID: e.String("tool_call_id"), FunctionName: e.String("function_name"), Arguments: args}
	if e.Kind == models.EventMCPToolCallError {
		tr.IsError = true
		tr.Error = e.String("error")
		return tr
	}
	tr.IsError = e.Bool("is_error")
	if content, ok := e.Data["content"].([]models.ToolResultContent); ok {
		tr.Content = content
	}
	return tr
}

// tryDeliver pops (dispatch, result) pairs off the head of the queue for
// as long as the head's id is present in the buffer; only a head match is
// consumable. Exactly one goroutine drains at a time: results are published
// from concurrent dispatcher goroutines, and if each popped its own pair
// they could race into continuation out of pop order. The first caller
// becomes the deliverer and loops; later callers return immediately, their
// insertions picked up by the deliverer's next pass. The delivering flag is
// cleared in the same critical section as the final emptiness check, so an
// insertion landing during that check is never stranded.
func (s *Scheduler) tryDeliver(provider models.ProviderId) {
	s.mu.Lock()
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	s.mu.Unlock()

	for {
		s.mu.Lock()
		var head models.PendingDispatch
		var result models.ToolResult
		consumable := false
		if len(s.dispatchQueue) > 0 {
			if r, ok := s.resultBuffer[s.dispatchQueue[0].ToolCallID]; ok {
				head = s.dispatchQueue[0]
				result = r
				s.dispatchQueue = s.dispatchQueue[1:]
				delete(s.resultBuffer, head.ToolCallID)
				consumable = true
			}
		}
		if !consumable {
			s.delivering = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.continuation(head.Call, result, provider)
	}
}

// continuation decides whether to re-invoke the LLM and composes its next
// payload. Guarded by contMu so at most one is in flight.
func (s *Scheduler) continuation(call models.ToolCall, result models.ToolResult, provider models.ProviderId) {
	s.contMu.Lock()
	defer s.contMu.Unlock()

	p, ok := s.provs[provider]
	if !ok {
		s.log.Error("continuation: no provider registered", "provider", provider)
		return
	}

	s.mu.Lock()
	chainID := s.state.ChainID
	iteration := s.state.Iteration
	maxIter := s.state.MaxIterations
	maxWall := s.state.MaxWallClock
	startedAt := s.state.StartedAt
	s.mu.Unlock()

	s.bus.Publish(models.EventToolChainIterStart, map[string]any{"chain_id": chainID, "iteration": iteration}, provider)

	limitReached := iteration >= maxIter || (maxWall > 0 && time.Since(startedAt) >= maxWall)
	s.metrics.ChainIteration(limitReached)
	if limitReached {
		s.mu.Lock()
		s.state.Partial = true
		s.mu.Unlock()
		s.bus.Publish(models.EventToolChainLimitReached, map[string]any{"chain_id": chainID, "iteration": iteration}, provider)
	}

	payload := s.composePayload(p, provider, call, result, !limitReached)

	s.mu.Lock()
	s.state.Iteration++
	s.mu.Unlock()

	s.bus.SetRequestID(uuid.NewString())
	// The stream's FINISH and everything after it are held back until this
	// iteration has closed, so the chain-ending check FINISH triggers runs
	// after TOOL_CHAIN_ITERATION_END, never before it.
	var held []func()
	emit := func(kind models.EventKind, data map[string]any) {
		if kind == models.EventFinish || held != nil {
			held = append(held, func() { s.bus.Publish(kind, data, provider) })
			return
		}
		s.bus.Publish(kind, data, provider)
	}
	if err := p.Stream(s.ctx, payload, emit); err != nil {
		cerr := &ChainError{ChainID: chainID, Iteration: iteration, Err: err}
		s.log.Error("continuation stream failed", "error", cerr)
		s.metrics.ProviderStreamError(string(provider))
		s.bus.Publish(models.EventToolChainError, map[string]any{"chain_id": chainID, "error": cerr.Error()}, provider)
		s.bus.Publish(models.EventToolChainEnd, map[string]any{"chain_id": chainID, "success": false}, provider)
		s.resetState()
		for _, publish := range held {
			publish()
		}
		return
	}

	s.bus.Publish(models.EventToolChainIterEnd, map[string]any{"chain_id": chainID, "iteration": iteration}, provider)
	for _, publish := range held {
		publish()
	}
}

func (s *Scheduler) composePayload(p providers.Provider, provider models.ProviderId, call models.ToolCall, result models.ToolResult, attachTools bool) *providers.Payload {
	payload := p.PreparePayload(s.cfg.Model, nil)
	payload.Messages = s.hist.MessagesFor(provider)
	payload.Messages = append(payload.Messages, providers.Message{
		"role": "assistant", "tool_calls": []any{p.ToProviderToolCall(call)},
	})
	payload.Messages = append(payload.Messages, p.ToProviderToolResult(result).(providers.Message))

	if attachTools {
		payload.Messages = append(payload.Messages, providers.Message{"role": "user", "content": continuePrompt})
		if s.cat != nil {
			if err := p.AddToolsToPayload(payload, s.cat, nil); err != nil {
				s.log.Error("failed to attach tools to continuation payload", "error", err)
			}
		}
	} else {
		payload.Messages = append(payload.Messages, providers.Message{"role": "user", "content": terminatePrompt})
	}
	return payload
}

// handleFinish evaluates the chain-ending conditions: a FINISH is terminal
// only when no dispatch is pending and no fragmentary tool call is still
// streaming.
func (s *Scheduler) handleFinish(e models.Event) {
	s.mu.Lock()
	if !s.state.Started {
		s.mu.Unlock()
		return
	}
	if s.state.ExpectingDispatch {
		s.mu.Unlock()
		return
	}
	if len(s.dispatchQueue) > 0 {
		s.mu.Unlock()
		return
	}
	partial := s.state.Partial
	chainID := s.state.ChainID
	s.mu.Unlock()

	data := map[string]any{"chain_id": chainID, "success": true}
	if partial {
		data["partial"] = true
	}
	s.bus.Publish(models.EventToolChainEnd, data, e.Provider)
	s.resetState()
}

func (s *Scheduler) resetState() {
	s.mu.Lock()
	wasStarted := s.state.Started
	s.state = models.ChainState{MaxIterations: s.state.MaxIterations, MaxWallClock: s.state.MaxWallClock}
	s.dispatchQueue = nil
	s.resultBuffer = make(map[string]models.ToolResult)
	s.mu.Unlock()
	if wasStarted {
		s.metrics.ChainEnded()
	}
}

// Cancel terminates the in-flight chain, firing TOOL_CHAIN_END(success=false)
// exactly once. Calling it again after the reset is a no-op.
func (s *Scheduler) Cancel(provider models.ProviderId) {
	s.mu.Lock()
	started := s.state.Started
	chainID := s.state.ChainID
	s.mu.Unlock()
	if !started {
		return
	}
	s.bus.Publish(models.EventToolChainEnd, map[string]any{"chain_id": chainID, "success": false}, provider)
	s.resetState()
}
