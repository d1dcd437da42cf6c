// Package llm defines the provider-neutral model types and the injected
// model-function contract the processing loop and the Router evaluator
// call through. Wire-format conversion happens at provider boundaries
// (anthropic.go).
package llm

import (
	"context"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message for the model.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for tool responses
}

// ToolCall represents a tool invocation from the model.
type ToolCall struct {
	ID       string `json:"id,omitempty"` // provider-assigned, required for tool_result correlation
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// ChatResponse is the unified response from any provider.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
}

// ModelFunc is the injected model-call contract. The loop, the Router
// evaluator, and the Gardener summarizer all speak this shape; callers
// choose the provider and model when they construct the function.
type ModelFunc func(ctx context.Context, system string, messages []Message, tools []map[string]any) (*ChatResponse, error)

// NewToolCall builds a tool call with the given name and arguments.
// Mostly useful in tests.
func NewToolCall(id, name string, args map[string]any) ToolCall {
	var tc ToolCall
	tc.ID = id
	tc.Function.Name = name
	tc.Function.Arguments = args
	return tc
}
