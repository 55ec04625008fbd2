package mcpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPTransportCallRoundTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Method != "tools/list" {
			t.Fatalf("unexpected method %q", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + mustJSON(req.ID) + `,"result":{"tools":[{"name":"clock"}]}}`))
	}))
	defer srv.Close()

	transport := NewHTTPTransport(nil, srv.URL, nil, 0)
	var result listToolsResult
	if err := transport.Call(context.Background(), "tools/list", map[string]any{}, &result); err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "clock" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestHTTPTransportCallSurfacesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
	}))
	defer srv.Close()

	transport := NewHTTPTransport(nil, srv.URL, nil, 0)
	err := transport.Call(context.Background(), "tools/call", map[string]any{}, &listToolsResult{})
	if err == nil || err.Error() != "method not found" {
		t.Fatalf("expected rpc error, got %v", err)
	}
}

func TestHTTPTransportClosedRejectsCalls(t *testing.T) {
	transport := NewHTTPTransport(nil, "http://unused.invalid", nil, 0)
	_ = transport.Close(context.Background())
	if err := transport.Call(context.Background(), "tools/list", nil, nil); err == nil {
		t.Fatalf("expected closed transport to reject Call")
	}
	if err := transport.Notify(context.Background(), "notifications/initialized", nil); err == nil {
		t.Fatalf("expected closed transport to reject Notify")
	}
}

func mustJSON(v any) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}
