package mcpclient

import "context"

// Transport is the minimal JSON-RPC substrate a Client needs: a
// request/response round trip and a fire-and-forget notification. Swapping
// in a fake makes Client testable without spawning a real process.
type Transport interface {
	Call(ctx context.Context, method string, params any, result any) error
	Notify(ctx context.Context, method string, params any) error
	// Close attempts a graceful shutdown and, if the transport does not
	// settle within its own grace period, force-terminates the underlying
	// process. Safe to call more than once.
	Close(ctx context.Context) error
}
