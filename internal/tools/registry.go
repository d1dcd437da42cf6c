// Package tools defines the tools exposed to the model. Synchronous
// tools execute locally and return text within the same turn; the
// asynchronous dispatch tool hands work to the Router and returns
// nothing — its result arrives later as an ops trigger.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool names. These are part of the prompt protocol.
const (
	NameFetchChatHistory = "fetch_chat_history"
	NameMemoryQuery      = "memory_query"
	NameSessionsSpawn    = "sessions_spawn"
)

// Tool represents a callable tool. Async tools have no handler — the
// processing loop intercepts their calls.
type Tool struct {
	Name        string                                                         `json:"name"`
	Description string                                                         `json:"description"`
	Parameters  map[string]any                                                 `json:"parameters"`
	Async       bool                                                           `json:"-"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Registry holds the available tools in registration order.
type Registry struct {
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Re-registering a name replaces it.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// IsSync reports whether the named tool executes synchronously.
func (r *Registry) IsSync(name string) bool {
	t := r.tools[name]
	return t != nil && !t.Async
}

// IsAsync reports whether the named tool is an async dispatch tool.
func (r *Registry) IsAsync(name string) bool {
	t := r.tools[name]
	return t != nil && t.Async
}

// Definitions returns the tool schemas for the model call. When
// includeAsync is false the async dispatch tools are withheld — the
// loop suppresses them on ops-trigger turns so the model cannot
// re-dispatch the task it is acknowledging.
func (r *Registry) Definitions(includeAsync bool) []map[string]any {
	var defs []map[string]any
	for _, name := range r.order {
		t := r.tools[name]
		if t.Async && !includeAsync {
			continue
		}
		defs = append(defs, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters,
		})
	}
	return defs
}

// Execute runs a synchronous tool. Tool failures are returned as a JSON
// error object in the result string, not as a Go error, so the model
// gets a chance to recover on the next round.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) string {
	t := r.tools[name]
	if t == nil || t.Async || t.Handler == nil {
		return errorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	result, err := t.Handler(ctx, args)
	if err != nil {
		return errorResult(err.Error())
	}
	return result
}

func errorResult(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}
