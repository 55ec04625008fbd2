// Package mcpmanager owns the lifecycle of every connected MCP server:
// connecting, disconnecting, routing tool execution to the right client,
// and publishing the lifecycle/tool events the rest of the pipeline reacts
// to.
package mcpmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/hatchling/internal/bus"
	"github.com/haasonsaas/hatchling/internal/catalog"
	"github.com/haasonsaas/hatchling/internal/mcpclient"
	"github.com/haasonsaas/hatchling/internal/metrics"
	"github.com/haasonsaas/hatchling/pkg/models"
)

// EnvironmentManager is the external collaborator the manager consults when
// ConnectToServers is called with no explicit paths: it resolves
// which servers exist and which interpreter to spawn them with. This
// module owns no implementation of it.
type EnvironmentManager interface {
	ListServerEntryPoints() ([]string, error)
	ResolvePythonExecutable(envName string) (string, error)
}

// Spawner creates a Transport for a given, already-validated ServerConfig.
// Production code wires this to mcpclient.NewStdioTransport; tests wire a
// fake.
type Spawner func(ctx context.Context, log *slog.Logger, cfg ServerConfig) (mcpclient.Transport, error)

func DefaultSpawner(ctx context.Context, log *slog.Logger, cfg ServerConfig) (mcpclient.Transport, error) {
	args := append([]string{cfg.Path}, cfg.Args...)
	python := cfg.PythonPath
	if python == "" {
		python = "python3"
	}
	return mcpclient.NewStdioTransport(ctx, log, python, args)
}

type connectedServer struct {
	path   string
	client *mcpclient.Client
}

// Manager is the per-session owner of every connected MCP server. One
// mutex guards connection-map mutation so concurrent connects/disconnects
// cannot interleave catalog updates.
type Manager struct {
	log     *slog.Logger
	bus     *bus.Bus
	cat     *catalog.Catalog
	env     EnvironmentManager
	spawn   Spawner
	metrics *metrics.Metrics

	mu      sync.Mutex
	servers map[string]*connectedServer
	// used tracks which servers served a tool call this session, so
	// GetCitationsForSession only queries servers that contributed.
	used map[string]struct{}
}

func New(log *slog.Logger, b *bus.Bus, cat *catalog.Catalog, env EnvironmentManager, spawn Spawner) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if spawn == nil {
		spawn = DefaultSpawner
	}
	return &Manager{
		log:     log.With("component", "mcpmanager"),
		bus:     b,
		cat:     cat,
		env:     env,
		spawn:   spawn,
		servers: make(map[string]*connectedServer),
		used:    make(map[string]struct{}),
	}
}

// WithMetrics attaches a collector set; nil clears it.
func (m *Manager) WithMetrics(met *metrics.Metrics) *Manager {
	m.metrics = met
	return m
}

// ConnectToServers connects every path in paths not already connected. When
// paths is nil it consults the environment manager. Spawn and handshake
// failures for individual servers do not abort the batch; each is reported
// via its own event. A tool registration error (see connectOneLocked) stops
// the batch and is returned.
func (m *Manager) ConnectToServers(ctx context.Context, paths []string) error {
	if paths == nil {
		if m.env == nil {
			return fmt.Errorf("mcpmanager: no paths given and no environment manager configured")
		}
		resolved, err := m.env.ListServerEntryPoints()
		if err != nil {
			return fmt.Errorf("mcpmanager: list server entry points: %w", err)
		}
		paths = resolved
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, path := range paths {
		if _, already := m.servers[path]; already {
			continue
		}
		if err := m.connectOneLocked(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

// connectOneLocked connects one server. Spawn and handshake failures are
// reported as MCP_SERVER_UNREACHABLE and do not abort the batch; a tool-name
// collision or invalid schema is a configuration error that must refuse
// session startup, so it is returned.
func (m *Manager) connectOneLocked(ctx context.Context, path string) error {
	cfg := ServerConfig{Path: path}
	if m.env != nil {
		if py, err := m.env.ResolvePythonExecutable(""); err == nil {
			cfg.PythonPath = py
		}
	}
	if err := cfg.Validate(); err != nil {
		m.log.Error("refusing invalid server config", "path", path, "error", err)
		m.bus.Publish(models.EventMCPServerUnreachable, map[string]any{
			"server_path": path, "error": err.Error(),
		}, "")
		return nil
	}

	transport, err := m.spawn(ctx, m.log, cfg)
	if err != nil {
		m.bus.Publish(models.EventMCPServerUnreachable, map[string]any{
			"server_path": path, "error": err.Error(),
		}, "")
		return nil
	}
	client := mcpclient.NewClient(m.log, transport)
	if err := client.Connect(ctx); err != nil {
		m.bus.Publish(models.EventMCPServerUnreachable, map[string]any{
			"server_path": path, "error": err.Error(),
		}, "")
		return nil
	}

	m.servers[path] = &connectedServer{path: path, client: client}
	m.cat.MarkServerUp(path)

	tools := client.Tools()
	for _, t := range tools {
		if err := m.cat.Register(t.Name, t.Description, t.InputSchema, path); err != nil {
			m.log.Error("tool registration failed, refusing to start", "tool", t.Name, "server", path, "error", err)
			for _, name := range m.cat.ToolsForServer(path) {
				m.cat.Unregister(name)
			}
			delete(m.servers, path)
			m.cat.MarkServerDown(path)
			_ = client.Close(ctx)
			return &ServerError{Path: path, Op: "register", Err: err}
		}
	}
	m.bus.Publish(models.EventMCPServerUp, map[string]any{
		"server_path": path, "tool_count": len(tools),
	}, "")
	for _, t := range tools {
		m.bus.Publish(models.EventMCPToolEnabled, map[string]any{
			"name": t.Name, "server_path": path, "reason": string(models.ReasonFromServerUp),
		}, "")
	}
	return nil
}

// DisconnectAll disables every tool, attempts a graceful disconnect per
// server, and emits the corresponding lifecycle events.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for path, srv := range m.servers {
		for _, name := range m.cat.DisableForServerDown(path) {
			m.bus.Publish(models.EventMCPToolDisabled, map[string]any{
				"name": name, "server_path": path, "reason": string(models.ReasonFromServerDown),
			}, "")
		}
		if err := srv.client.Close(ctx); err != nil {
			m.bus.Publish(models.EventMCPServerUnreachable, map[string]any{
				"server_path": path, "error": err.Error(),
			}, "")
			continue
		}
		m.cat.MarkServerDown(path)
		m.bus.Publish(models.EventMCPServerDown, map[string]any{"server_path": path}, "")
		delete(m.servers, path)
	}
}

// ExecuteTool resolves name to its owning client and invokes it. Transport
// failure marks that server unreachable and disables its tools before the
// error is returned for the dispatcher to convert into MCP_TOOL_CALL_ERROR.
func (m *Manager) ExecuteTool(ctx context.Context, name string, args map[string]any) (models.ToolResult, error) {
	info, ok := m.cat.Get(name)
	if !ok {
		return models.ToolResult{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	m.mu.Lock()
	srv, ok := m.servers[info.ServerPath]
	if ok {
		m.used[info.ServerPath] = struct{}{}
	}
	m.mu.Unlock()
	if !ok {
		return models.ToolResult{}, fmt.Errorf("%w: %q", ErrServerNotConnected, info.ServerPath)
	}

	start := time.Now()
	content, isError, err := srv.client.CallTool(ctx, name, args)
	if err != nil {
		m.metrics.ToolCallObserved(name, false, time.Since(start))
		m.markUnreachable(info.ServerPath, err)
		return models.ToolResult{}, &ServerError{Path: info.ServerPath, Op: "tools/call", Err: err}
	}
	m.metrics.ToolCallObserved(name, !isError, time.Since(start))

	result := models.ToolResult{FunctionName: name, Arguments: args, IsError: isError}
	for _, c := range content {
		result.Content = append(result.Content, models.ToolResultContent{Type: c.Type, Text: c.Text})
	}
	return result, nil
}

func (m *Manager) markUnreachable(serverPath string, cause error) {
	m.metrics.ServerUnreachable(serverPath)
	for _, name := range m.cat.DisableForServerUnreachable(serverPath) {
		m.bus.Publish(models.EventMCPToolDisabled, map[string]any{
			"name": name, "server_path": serverPath, "reason": string(models.ReasonFromServerUnreachable),
		}, "")
	}
	m.bus.Publish(models.EventMCPServerUnreachable, map[string]any{
		"server_path": serverPath, "error": cause.Error(),
	}, "")
}

// CheckReachability probes a previously-unreachable server by re-running its
// tool listing. A successful probe restores every tool on that server whose
// disable reason was from_server_unreachable (never a user-disabled tool)
// and, when at least one tool was restored, publishes MCP_SERVER_REACHABLE
// followed by one MCP_TOOL_ENABLED per restored tool; when none was, it
// publishes nothing. A failed probe leaves the server disabled and
// returns the error; it does not re-publish MCP_SERVER_UNREACHABLE, since the
// server's state has not changed.
func (m *Manager) CheckReachability(ctx context.Context, path string) error {
	m.mu.Lock()
	srv, ok := m.servers[path]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mcpmanager: server %q not connected", path)
	}

	if err := srv.client.Refresh(ctx); err != nil {
		return err
	}

	restored := m.cat.RestoreForServerReachable(path)
	if len(restored) == 0 {
		return nil
	}
	m.bus.Publish(models.EventMCPServerReachable, map[string]any{"server_path": path}, "")
	for _, name := range restored {
		m.bus.Publish(models.EventMCPToolEnabled, map[string]any{
			"name": name, "server_path": path, "reason": string(models.ReasonFromServerReachable),
		}, "")
	}
	return nil
}

// EnableTool and DisableTool are user-initiated transitions.
func (m *Manager) EnableTool(name string) error {
	changed, err := m.cat.Enable(name)
	if err != nil {
		return err
	}
	if changed {
		m.bus.Publish(models.EventMCPToolEnabled, map[string]any{
			"name": name, "reason": string(models.ReasonFromUserEnabled),
		}, "")
	}
	return nil
}

func (m *Manager) DisableTool(name string) error {
	changed, err := m.cat.Disable(name)
	if err != nil {
		return err
	}
	if changed {
		m.bus.Publish(models.EventMCPToolDisabled, map[string]any{
			"name": name, "reason": string(models.ReasonFromUserDisabled),
		}, "")
	}
	return nil
}

func (m *Manager) GetToolStatus(name string) (models.ToolInfo, bool) {
	return m.cat.Get(name)
}

// ReadResource and GetPrompt forward to the owning client.
func (m *Manager) ReadResource(ctx context.Context, serverPath, uri string) ([]mcpclient.ContentBlock, error) {
	m.mu.Lock()
	srv, ok := m.servers[serverPath]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrServerNotConnected, serverPath)
	}
	return srv.client.ReadResource(ctx, uri)
}

func (m *Manager) GetPrompt(ctx context.Context, serverPath, name string, args map[string]any) ([]mcpclient.ContentBlock, error) {
	m.mu.Lock()
	srv, ok := m.servers[serverPath]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrServerNotConnected, serverPath)
	}
	return srv.client.GetPrompt(ctx, name, args)
}

// GetCitationsForSession collects citations from every server that served a
// tool call this session. A server that fails to answer is logged and
// skipped; its absence from the result is not an error.
func (m *Manager) GetCitationsForSession(ctx context.Context) map[string]map[string]string {
	m.mu.Lock()
	clients := make(map[string]*mcpclient.Client, len(m.used))
	for path := range m.used {
		if srv, ok := m.servers[path]; ok {
			clients[path] = srv.client
		}
	}
	m.mu.Unlock()

	citations := make(map[string]map[string]string)
	for path, client := range clients {
		serverCitations, err := client.GetCitations(ctx)
		if err != nil {
			m.log.Error("failed to get citations", "server", path, "error", err)
			continue
		}
		citations[path] = serverCitations
	}
	return citations
}

// ResetSessionTracking clears the record of which servers were used, so the
// next turn's citations start fresh.
func (m *Manager) ResetSessionTracking() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used = make(map[string]struct{})
}
