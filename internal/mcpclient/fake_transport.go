package mcpclient

import (
	"context"
	"encoding/json"
	"sync"
)

// FakeTransport is an in-memory Transport for exercising Client without
// spawning a subprocess. Handlers is consulted by method name; a missing
// entry returns an empty JSON object.
type FakeTransport struct {
	mu       sync.Mutex
	Handlers map[string]func(params any) (any, error)
	Closed   bool
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{Handlers: make(map[string]func(params any) (any, error))}
}

func (f *FakeTransport) Call(ctx context.Context, method string, params any, result any) error {
	f.mu.Lock()
	h := f.Handlers[method]
	f.mu.Unlock()
	if h == nil {
		return nil
	}
	v, err := h(params)
	if err != nil {
		return err
	}
	if result == nil || v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, result)
}

func (f *FakeTransport) Notify(ctx context.Context, method string, params any) error {
	return nil
}

func (f *FakeTransport) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
