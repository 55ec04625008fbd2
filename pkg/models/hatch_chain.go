package models

import "time"

// ChainState tracks one tool-chain's progress: the alternating sequence of
// LLM responses and tool executions between a user message and the first
// LLM response carrying no further tool calls.
type ChainState struct {
	ChainID           string
	RootQuery         string
	StartedAt         time.Time
	Iteration         int
	MaxIterations     int
	MaxWallClock      time.Duration
	Started           bool
	ExpectingDispatch bool
	Partial           bool
}

// Reset zeros every field that must not leak into the next chain.
func (c *ChainState) Reset() {
	*c = ChainState{
		MaxIterations: c.MaxIterations,
		MaxWallClock:  c.MaxWallClock,
	}
}

// PendingDispatch is one entry of the scheduler's FIFO dispatch queue.
type PendingDispatch struct {
	ToolCallID string
	Timestamp  time.Time
	Call       ToolCall
}
