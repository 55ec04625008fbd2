package models

import "time"

// EventKind is a closed enumeration of everything the bus can carry.
type EventKind string

const (
	EventContent EventKind = "CONTENT"
	EventRole    EventKind = "ROLE"
	EventFinish  EventKind = "FINISH"
	EventUsage   EventKind = "USAGE"
	EventError   EventKind = "ERROR"

	EventLLMToolCallRequest EventKind = "LLM_TOOL_CALL_REQUEST"

	EventMCPServerUp          EventKind = "MCP_SERVER_UP"
	EventMCPServerDown        EventKind = "MCP_SERVER_DOWN"
	EventMCPServerUnreachable EventKind = "MCP_SERVER_UNREACHABLE"
	EventMCPServerReachable   EventKind = "MCP_SERVER_REACHABLE"
	EventMCPToolEnabled       EventKind = "MCP_TOOL_ENABLED"
	EventMCPToolDisabled      EventKind = "MCP_TOOL_DISABLED"

	EventMCPToolCallDispatched EventKind = "MCP_TOOL_CALL_DISPATCHED"
	EventMCPToolCallResult     EventKind = "MCP_TOOL_CALL_RESULT"
	EventMCPToolCallError      EventKind = "MCP_TOOL_CALL_ERROR"

	EventToolChainStart         EventKind = "TOOL_CHAIN_START"
	EventToolChainIterStart     EventKind = "TOOL_CHAIN_ITERATION_START"
	EventToolChainIterEnd       EventKind = "TOOL_CHAIN_ITERATION_END"
	EventToolChainEnd           EventKind = "TOOL_CHAIN_END"
	EventToolChainLimitReached  EventKind = "TOOL_CHAIN_LIMIT_REACHED"
	EventToolChainError         EventKind = "TOOL_CHAIN_ERROR"
)

// ProviderId names a concrete streaming chat backend. The set is closed for
// this module but new values can be added alongside a Provider implementation
// and a registry entry (see providers.Register).
type ProviderId string

const (
	ProviderOpenAI ProviderId = "openai"
	ProviderOllama ProviderId = "ollama"
)

// Event is an immutable record published on the bus. Data shape is defined
// per Kind; callers type-assert the fields they expect.
type Event struct {
	Kind      EventKind
	Data      map[string]any
	Provider  ProviderId
	RequestID string
	Timestamp time.Time

	// Seq is a monotonic publish-order counter assigned by the bus that
	// produced this event. It exists so tests and ordering-sensitive
	// subscribers can establish total order even when two events share a
	// timestamp.
	Seq uint64
}

// String returns the field, or "" if absent or not a string.
func (e Event) String(field string) string {
	v, _ := e.Data[field].(string)
	return v
}

// Bool returns the field, or false if absent or not a bool.
func (e Event) Bool(field string) bool {
	v, _ := e.Data[field].(bool)
	return v
}

// Int returns the field coerced to int, or 0 if absent.
func (e Event) Int(field string) int {
	switch v := e.Data[field].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
