package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Resource and Prompt mirror the wire shapes of the read-only MCP
// resources/prompts endpoints a server may expose alongside its tools.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

type Prompt struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type listResourcesResult struct {
	Resources []Resource `json:"resources"`
}

type listPromptsResult struct {
	Prompts []Prompt `json:"prompts"`
}

// Client is one MCP session: handshake, tool listing, tool invocation, and
// an optional resource/prompt index, all over a single Transport.
type Client struct {
	log       *slog.Logger
	transport Transport

	mu        sync.RWMutex
	tools     []Tool
	resources []Resource
	prompts   []Prompt
}

func NewClient(log *slog.Logger, t Transport) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{log: log.With("component", "mcpclient"), transport: t}
}

// Connect performs the MCP initialize handshake, sends
// notifications/initialized, then refreshes the tool/resource/prompt
// listings.
func (c *Client) Connect(ctx context.Context) error {
	var initResult initializeResult
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "hatchling", Version: "1"},
	}
	if err := c.transport.Call(ctx, "initialize", params, &initResult); err != nil {
		return fmt.Errorf("mcpclient: initialize: %w", err)
	}
	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("mcpclient: initialized notification: %w", err)
	}
	return c.Refresh(ctx)
}

// Refresh re-lists tools, resources, and prompts. Resources and prompts are
// best-effort: a server that does not implement them returns an empty list,
// not an error.
func (c *Client) Refresh(ctx context.Context) error {
	var toolsResult listToolsResult
	if err := c.transport.Call(ctx, "tools/list", map[string]any{}, &toolsResult); err != nil {
		return fmt.Errorf("mcpclient: tools/list: %w", err)
	}

	var resourcesResult listResourcesResult
	if err := c.transport.Call(ctx, "resources/list", map[string]any{}, &resourcesResult); err != nil {
		c.log.Debug("resources/list unavailable", "error", err)
	}

	var promptsResult listPromptsResult
	if err := c.transport.Call(ctx, "prompts/list", map[string]any{}, &promptsResult); err != nil {
		c.log.Debug("prompts/list unavailable", "error", err)
	}

	c.mu.Lock()
	c.tools = toolsResult.Tools
	c.resources = resourcesResult.Resources
	c.prompts = promptsResult.Prompts
	c.mu.Unlock()
	return nil
}

func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

func (c *Client) Resources() []Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Resource, len(c.resources))
	copy(out, c.resources)
	return out
}

func (c *Client) Prompts() []Prompt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Prompt, len(c.prompts))
	copy(out, c.prompts)
	return out
}

// CallTool invokes tools/call and returns its content and error flag.
// Transport-level failures (the process is gone, the pipe is broken) are
// returned as an error for the caller to classify as server_unreachable;
// an MCP-level error result comes back as (content, isError=true, nil).
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) ([]ContentBlock, bool, error) {
	var result callToolResult
	params := callToolParams{Name: name, Arguments: args}
	if err := c.transport.Call(ctx, "tools/call", params, &result); err != nil {
		return nil, false, err
	}
	return result.Content, result.IsError, nil
}

// ReadResource fetches one resource's content by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]ContentBlock, error) {
	var result struct {
		Contents []ContentBlock `json:"contents"`
	}
	if err := c.transport.Call(ctx, "resources/read", map[string]any{"uri": uri}, &result); err != nil {
		return nil, err
	}
	return result.Contents, nil
}

// GetPrompt fetches one named prompt rendered with args.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]any) ([]ContentBlock, error) {
	var result struct {
		Messages []struct {
			Role    string `json:"role"`
			Content ContentBlock `json:"content"`
		} `json:"messages"`
	}
	if err := c.transport.Call(ctx, "prompts/get", map[string]any{"name": name, "arguments": args}, &result); err != nil {
		return nil, err
	}
	out := make([]ContentBlock, 0, len(result.Messages))
	for _, m := range result.Messages {
		out = append(out, m.Content)
	}
	return out, nil
}

// GetCitations asks the server for its citation map (tool name or artifact
// to citation text). The verb is optional: a server answering with a
// JSON-RPC error (method not found) yields an empty map and no error, per
// the lifecycle contract's "absent is not an error". Transport failures are
// still returned as errors.
func (c *Client) GetCitations(ctx context.Context) (map[string]string, error) {
	var result struct {
		Citations map[string]string `json:"citations"`
	}
	if err := c.transport.Call(ctx, "citations/get", map[string]any{}, &result); err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	if result.Citations == nil {
		return map[string]string{}, nil
	}
	return result.Citations, nil
}

// Close disconnects the underlying transport.
func (c *Client) Close(ctx context.Context) error {
	return c.transport.Close(ctx)
}
