// Package catalog holds the authoritative per-tool state machine: which
// tools exist, which server owns them, and whether each is currently
// enabled. It is a pure data structure — it never touches the bus itself;
// callers (the MCP manager) publish events after a transition succeeds.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/hatchling/pkg/models"
)

// ErrDuplicateTool is returned by Register when name already exists under a
// different server. A collision is a fatal configuration error, reported
// at registration time rather than merged silently.
var ErrDuplicateTool = errors.New("catalog: duplicate tool name")

// ErrInvalidSchema is returned by Register when a tool's parameter schema
// does not compile as JSON-Schema. Like a name collision, this is a fatal
// registration-time error, not a runtime one.
var ErrInvalidSchema = errors.New("catalog: invalid tool schema")

// ErrUnknownTool is returned by any per-tool operation on a name the catalog
// has never seen.
var ErrUnknownTool = errors.New("catalog: unknown tool")

// ErrServerNotUp is returned by Enable when the owning server is not
// currently connected; enabling is refused and no event should be emitted.
var ErrServerNotUp = errors.New("catalog: server not up")

type Catalog struct {
	mu    sync.RWMutex
	tools map[string]*models.ToolInfo
	// serverUp tracks which server paths are currently connected, so Enable
	// can refuse a tool whose server is down.
	serverUp map[string]bool
}

func New() *Catalog {
	return &Catalog{
		tools:    make(map[string]*models.ToolInfo),
		serverUp: make(map[string]bool),
	}
}

// MarkServerUp records that serverPath is connected. Called by the manager
// before registering that server's tools.
func (c *Catalog) MarkServerUp(serverPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverUp[serverPath] = true
}

// MarkServerDown records that serverPath is no longer connected.
func (c *Catalog) MarkServerDown(serverPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverUp[serverPath] = false
}

// Register adds a new enabled tool owned by serverPath. Returns
// ErrDuplicateTool if name already exists under a different server, or
// ErrInvalidSchema if schema does not compile as JSON-Schema. Re-registering
// a name the same server already owns refreshes the entry in place, so a
// server that went down and reconnected does not collide with its own
// previous registration.
func (c *Catalog) Register(name, description string, schema map[string]any, serverPath string) error {
	if schema != nil {
		if err := validateSchema(schema); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSchema, name, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, exists := c.tools[name]; exists && existing.ServerPath != serverPath {
		return ErrDuplicateTool
	}
	c.tools[name] = &models.ToolInfo{
		Name:                name,
		Description:         description,
		Schema:              schema,
		ServerPath:          serverPath,
		Status:              models.ToolEnabled,
		Reason:              models.ReasonFromServerUp,
		LastUpdated:         time.Now(),
		ProviderFormatCache: make(map[models.ProviderId]any),
	}
	return nil
}

// Unregister removes a tool entirely (server went away for good, per
// disconnect_all's first-disable-then-remove sequencing the manager drives).
func (c *Catalog) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tools, name)
}

// ToolsForServer returns the names of every tool owned by serverPath.
func (c *Catalog) ToolsForServer(serverPath string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var names []string
	for name, t := range c.tools {
		if t.ServerPath == serverPath {
			names = append(names, name)
		}
	}
	return names
}

// Get returns a copy of the named tool's state.
func (c *Catalog) Get(name string) (models.ToolInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[name]
	if !ok {
		return models.ToolInfo{}, false
	}
	return t.Clone(), true
}

// All returns a snapshot of every tool in the catalog.
func (c *Catalog) All() []models.ToolInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.ToolInfo, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t.Clone())
	}
	return out
}

// Enabled returns a snapshot of every currently enabled tool.
func (c *Catalog) Enabled() []models.ToolInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.ToolInfo, 0, len(c.tools))
	for _, t := range c.tools {
		if t.Status == models.ToolEnabled {
			out = append(out, t.Clone())
		}
	}
	return out
}

// transition atomically updates status, reason and last_updated. Returns
// false (no event should be emitted) if name is unknown or the transition is
// a no-op.
func (c *Catalog) transition(name string, status models.ToolStatus, reason models.ToolStatusReason) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tools[name]
	if !ok {
		return false, ErrUnknownTool
	}
	if t.Status == status && t.Reason == reason {
		return false, nil
	}
	t.Status = status
	t.Reason = reason
	t.LastUpdated = time.Now()
	return true, nil
}

// DisableForServerDown disables every tool whose ServerPath matches, tagged
// from_server_down, and returns the names actually transitioned.
func (c *Catalog) DisableForServerDown(serverPath string) []string {
	return c.disableAllForServer(serverPath, models.ReasonFromServerDown)
}

// DisableForServerUnreachable disables every tool whose ServerPath matches,
// tagged from_server_unreachable. A tool that is already disabled keeps its
// existing reason, so a later reachability restore cannot re-enable it.
func (c *Catalog) DisableForServerUnreachable(serverPath string) []string {
	return c.disableAllForServer(serverPath, models.ReasonFromServerUnreachable)
}

func (c *Catalog) disableAllForServer(serverPath string, reason models.ToolStatusReason) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var changed []string
	for name, t := range c.tools {
		if t.ServerPath != serverPath {
			continue
		}
		if t.Status == models.ToolDisabled && (t.Reason == reason || reason == models.ReasonFromServerUnreachable) {
			continue
		}
		t.Status = models.ToolDisabled
		t.Reason = reason
		t.LastUpdated = time.Now()
		changed = append(changed, name)
	}
	return changed
}

// RestoreForServerReachable re-enables every tool on serverPath whose
// disable reason was from_server_unreachable: reachability only restores
// tools that were disabled *because* of unreachability, never ones a user
// disabled deliberately.
func (c *Catalog) RestoreForServerReachable(serverPath string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var restored []string
	for name, t := range c.tools {
		if t.ServerPath != serverPath {
			continue
		}
		if t.Status == models.ToolDisabled && t.Reason == models.ReasonFromServerUnreachable {
			t.Status = models.ToolEnabled
			t.Reason = models.ReasonFromServerReachable
			t.LastUpdated = time.Now()
			restored = append(restored, name)
		}
	}
	return restored
}

// Enable performs a user-initiated enable. Refused (no event, returns
// ErrServerNotUp) if the owning server is not currently up.
func (c *Catalog) Enable(name string) (bool, error) {
	c.mu.Lock()
	t, ok := c.tools[name]
	if !ok {
		c.mu.Unlock()
		return false, ErrUnknownTool
	}
	if !c.serverUp[t.ServerPath] {
		c.mu.Unlock()
		return false, ErrServerNotUp
	}
	if t.Status == models.ToolEnabled && t.Reason == models.ReasonFromUserEnabled {
		c.mu.Unlock()
		return false, nil
	}
	t.Status = models.ToolEnabled
	t.Reason = models.ReasonFromUserEnabled
	t.LastUpdated = time.Now()
	c.mu.Unlock()
	return true, nil
}

// Disable performs a user-initiated disable.
func (c *Catalog) Disable(name string) (bool, error) {
	return c.transition(name, models.ToolDisabled, models.ReasonFromUserDisabled)
}

// SetProviderFormat caches a provider's serialization of a tool.
func (c *Catalog) SetProviderFormat(name string, p models.ProviderId, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tools[name]
	if !ok {
		return
	}
	t.ProviderFormatCache[p] = v
}

// ProviderFormat returns a cached serialization, if present.
func (c *Catalog) ProviderFormat(name string, p models.ProviderId) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[name]
	if !ok {
		return nil, false
	}
	v, ok := t.ProviderFormatCache[p]
	return v, ok
}

// validateSchema compiles schema as a JSON-Schema document, rejecting a
// tool whose parameter schema an LLM provider could never validate against.
func validateSchema(schema map[string]any) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return err
	}
	_, err = compiler.Compile("schema.json")
	return err
}
