// Package llm provides the model invocation boundary. Wire-format
// conversion to the provider SDK happens in openai.go; the rest of the
// codebase only sees these provider-neutral types.
package llm

import (
	"context"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Roles used in conversation state.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in conversation state. Conversation state is
// append-only: messages are never edited or reordered once added.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for role "tool"
}

// ToolCall is a model-issued intent to invoke one registered tool.
// Arguments is the raw JSON string as the model produced it; parsing
// and validation happen at execution time, not here.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec describes one callable tool to the model. The parameter
// schema is advisory — the executor revalidates everything.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one model invocation.
type Request struct {
	Messages []Message
	Tools    []ToolSpec

	// ForceText forbids tool calls for this invocation (tool-choice
	// "none"). Used on the final autopilot iteration so the run always
	// ends with a human-readable summary.
	ForceText bool
}

// Response is the model's answer: either textual content, or one or
// more tool calls, or both.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	InputTokens  int
	OutputTokens int
}

// Client is the model invocation boundary consumed by the agent loop.
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}
