// Package session is the wiring root (C9): it owns one conversation's bus,
// history, catalog, MCP manager, provider set, dispatcher and chain
// scheduler, and exposes the single send(text) entry point the rest of the
// pipeline reacts to.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/hatchling/internal/bus"
	"github.com/haasonsaas/hatchling/internal/catalog"
	"github.com/haasonsaas/hatchling/internal/chain"
	"github.com/haasonsaas/hatchling/internal/dispatch"
	"github.com/haasonsaas/hatchling/internal/history"
	"github.com/haasonsaas/hatchling/internal/mcpmanager"
	"github.com/haasonsaas/hatchling/internal/metrics"
	"github.com/haasonsaas/hatchling/internal/providers"
	"github.com/haasonsaas/hatchling/pkg/models"
)

// Config selects the active provider and bounds chain behavior. ServerPaths,
// when nil, defers server discovery to Env.
type Config struct {
	Provider      models.ProviderId
	Model         string
	MaxIterations int
	MaxWallClock  time.Duration
	ServerPaths   []string

	Env     mcpmanager.EnvironmentManager
	Spawn   mcpmanager.Spawner
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

// Session owns one conversation end to end.
type Session struct {
	log *slog.Logger
	cfg Config

	Bus       *bus.Bus
	History   *history.History
	Catalog   *catalog.Catalog
	Manager   *mcpmanager.Manager
	Providers map[models.ProviderId]providers.Provider
	Dispatch  *dispatch.Dispatcher
	Chain     *chain.Scheduler
}

// New constructs every sub-object and wires subscriptions in the fixed
// order history, dispatcher, chain scheduler, then any externally supplied
// UI subscriber.
func New(ctx context.Context, cfg Config, uiSubscribers ...bus.Subscriber) (*Session, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "session")

	if cfg.Provider == "" {
		return nil, fmt.Errorf("session: Config.Provider is required")
	}

	b := bus.New(log).WithMetrics(cfg.Metrics)
	cat := catalog.New()

	provs := make(map[models.ProviderId]providers.Provider)
	for _, id := range []models.ProviderId{models.ProviderOpenAI, models.ProviderOllama} {
		p, err := providers.New(id)
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		provs[id] = p
	}
	if _, ok := provs[cfg.Provider]; !ok {
		return nil, fmt.Errorf("session: unconfigured provider %q", cfg.Provider)
	}

	hist := history.New(log, b, provs)

	mgr := mcpmanager.New(log, b, cat, cfg.Env, cfg.Spawn).WithMetrics(cfg.Metrics)
	if err := mgr.ConnectToServers(ctx, cfg.ServerPaths); err != nil {
		return nil, fmt.Errorf("session: connect to servers: %w", err)
	}

	disp := dispatch.New(ctx, log, b, mgr, provs)
	b.Subscribe(disp)

	sched := chain.New(ctx, log, b, hist, cat, provs, chain.Config{
		MaxIterations: cfg.MaxIterations,
		MaxWallClock:  cfg.MaxWallClock,
		Model:         cfg.Model,
	}).WithMetrics(cfg.Metrics)
	b.Subscribe(sched)

	for _, sub := range uiSubscribers {
		b.Subscribe(sub)
	}

	return &Session{
		log:       log,
		cfg:       cfg,
		Bus:       b,
		History:   hist,
		Catalog:   cat,
		Manager:   mgr,
		Providers: provs,
		Dispatch:  disp,
		Chain:     sched,
	}, nil
}

// Send appends a user entry, resets the chain scheduler's per-query state,
// and invokes the active provider's Stream. It returns as soon as streaming
// starts; the rest of the turn is observed via the bus.
func (s *Session) Send(ctx context.Context, text string) error {
	s.History.AddUser(text)
	s.Chain.StartQuery(text)

	p, ok := s.Providers[s.cfg.Provider]
	if !ok {
		return fmt.Errorf("session: unconfigured provider %q", s.cfg.Provider)
	}

	payload := p.PreparePayload(s.cfg.Model, nil)
	payload.Messages = s.History.MessagesFor(s.cfg.Provider)
	if err := p.AddToolsToPayload(payload, s.Catalog, nil); err != nil {
		return fmt.Errorf("session: attach tools: %w", err)
	}

	s.Bus.SetRequestID(uuid.NewString())
	emit := func(kind models.EventKind, data map[string]any) { s.Bus.Publish(kind, data, s.cfg.Provider) }

	go func() {
		if err := p.Stream(ctx, payload, emit); err != nil {
			s.log.Error("provider stream failed", "provider", s.cfg.Provider, "error", err)
			s.Bus.Publish(models.EventError, map[string]any{"message": err.Error()}, s.cfg.Provider)
		}
	}()
	return nil
}

// Citations collects citation metadata from every MCP server that served a
// tool call so far this session.
func (s *Session) Citations(ctx context.Context) map[string]map[string]string {
	return s.Manager.GetCitationsForSession(ctx)
}

// Cancel ends the in-flight chain (if any) and disconnects every MCP server.
// It is the terminal operation on a Session; the Session must not be reused
// afterward.
func (s *Session) Cancel(ctx context.Context) {
	s.Chain.Cancel(s.cfg.Provider)
	s.Manager.DisconnectAll(ctx)
}
