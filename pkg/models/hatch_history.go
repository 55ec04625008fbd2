package models

// EntryKind discriminates a HistoryEntry's payload.
type EntryKind string

const (
	EntryUser       EntryKind = "user"
	EntryAssistant  EntryKind = "assistant"
	EntryToolCall   EntryKind = "tool_call"
	EntryToolResult EntryKind = "tool_result"
)

// HistoryEntry is one node of the canonical, provider-agnostic conversation
// log. Exactly one of the payload fields is populated, selected by Kind.
type HistoryEntry struct {
	Kind EntryKind

	Text       string     // EntryUser, EntryAssistant
	ToolCall   ToolCall   // EntryToolCall
	ToolResult ToolResult // EntryToolResult
}

func NewUserEntry(text string) HistoryEntry {
	return HistoryEntry{Kind: EntryUser, Text: text}
}

func NewAssistantEntry(text string) HistoryEntry {
	return HistoryEntry{Kind: EntryAssistant, Text: text}
}

func NewToolCallEntry(tc ToolCall) HistoryEntry {
	return HistoryEntry{Kind: EntryToolCall, ToolCall: tc}
}

func NewToolResultEntry(tr ToolResult) HistoryEntry {
	return HistoryEntry{Kind: EntryToolResult, ToolResult: tr}
}
