package mcpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// HTTPTransport is the second Transport implementation: JSON-RPC over plain
// HTTP POST instead of subprocess stdio, for MCP servers that are reachable
// endpoints rather than local scripts. The interface makes this nearly free
// to carry once StdioTransport exists; the subprocess path is what server
// configs spawn by default.
type HTTPTransport struct {
	log     *slog.Logger
	baseURL string
	headers map[string]string
	client  *http.Client

	nextID  atomic.Int64
	closed  atomic.Bool
}

// NewHTTPTransport builds a transport that POSTs JSON-RPC envelopes to
// baseURL. headers is copied verbatim onto every request (auth tokens,
// tenant ids); timeout of zero uses a 30s default.
func NewHTTPTransport(log *slog.Logger, baseURL string, headers map[string]string, timeout time.Duration) *HTTPTransport {
	if log == nil {
		log = slog.Default()
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		log:     log.With("component", "mcpclient.http", "url", baseURL),
		baseURL: baseURL,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mcpclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: http request: %w", err)
	}
	return resp, nil
}

// Call sends one JSON-RPC request and decodes the response's result into
// result. A JSON-RPC error in the response body is returned as that error
// value, whose text is its message; a non-200 status is likewise an error.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any, result any) error {
	if t.closed.Load() {
		return fmt.Errorf("mcpclient: transport closed")
	}
	id := t.nextID.Add(1)
	req := request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("mcpclient: marshal request: %w", err)
	}

	resp, err := t.post(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("mcpclient: http status %d: %s", resp.StatusCode, string(raw))
	}

	var rpcResp response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("mcpclient: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result == nil || rpcResp.Result == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, result)
}

// Notify POSTs a fire-and-forget JSON-RPC notification (no id, no response
// body consumed beyond draining and closing it).
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if t.closed.Load() {
		return fmt.Errorf("mcpclient: transport closed")
	}
	n := notification{JSONRPC: jsonrpcVersion, Method: method, Params: params}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("mcpclient: marshal notification: %w", err)
	}
	resp, err := t.post(ctx, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Close marks the transport unusable. There is no persistent connection or
// subprocess to tear down, so this never blocks and never force-kills
// anything; the 10s grace/kill escalation applies only to StdioTransport's
// child process.
func (t *HTTPTransport) Close(ctx context.Context) error {
	t.closed.Store(true)
	return nil
}
