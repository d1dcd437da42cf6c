package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cortexhub/cortex/internal/hippocampus"
	"github.com/cortexhub/cortex/internal/session"
)

// NewFetchChatHistory builds the fetch_chat_history tool: raw session
// rows by channel with an optional time cutoff. Read-only.
func NewFetchChatHistory(sess *session.Store) *Tool {
	return &Tool{
		Name:        NameFetchChatHistory,
		Description: "Fetch raw conversation history. Use when the foreground context is not enough — older messages, or another channel's conversation.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"channel": map[string]any{
					"type":        "string",
					"description": "Channel to read (e.g. webchat, whatsapp, telegram). Empty for all channels.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum rows to return (default 20)",
				},
				"before": map[string]any{
					"type":        "string",
					"description": "RFC3339 timestamp; only rows older than this are returned",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			channel, _ := args["channel"].(string)
			limit := intArg(args, "limit", 20)

			var before *time.Time
			if raw, _ := args["before"].(string); raw != "" {
				t, err := time.Parse(time.RFC3339, raw)
				if err != nil {
					return "", fmt.Errorf("invalid before timestamp %q: %w", raw, err)
				}
				before = &t
			}

			msgs, err := sess.History(channel, limit, before)
			if err != nil {
				return "", err
			}
			data, err := json.Marshal(msgs)
			if err != nil {
				return "", fmt.Errorf("marshal history: %w", err)
			}
			return string(data), nil
		},
	}
}

// NewMemoryQuery builds the memory_query tool: embeds the query,
// searches cold memory, and promotes hits back into hot memory.
func NewMemoryQuery(hippo *hippocampus.Hippocampus) *Tool {
	return &Tool{
		Name:        NameMemoryQuery,
		Description: "Search long-term memory for facts related to a query. Returns ranked matches; matched facts become active again.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look for",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum results (default 5)",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("query is required")
			}
			limit := intArg(args, "limit", 5)

			hits, err := hippo.Query(ctx, query, limit)
			if err != nil {
				return "", err
			}
			if len(hits) == 0 {
				return `{"results":[]}`, nil
			}

			type result struct {
				Fact       string  `json:"fact"`
				Distance   float32 `json:"distance"`
				ArchivedAt string  `json:"archived_at"`
			}
			results := make([]result, 0, len(hits))
			for _, h := range hits {
				results = append(results, result{
					Fact:       h.Fact,
					Distance:   h.Distance,
					ArchivedAt: h.ArchivedAt.UTC().Format(time.RFC3339),
				})
			}
			data, err := json.Marshal(map[string]any{"results": results})
			if err != nil {
				return "", fmt.Errorf("marshal results: %w", err)
			}
			return string(data), nil
		},
	}
}

// NewSessionsSpawn builds the async dispatch tool definition. It has no
// handler — the processing loop intercepts calls, creates the pending
// op, and invokes the spawn callback.
func NewSessionsSpawn() *Tool {
	return &Tool{
		Name:        NameSessionsSpawn,
		Description: "Dispatch a task for background execution. You will not get the result now — acknowledge the dispatch and the result will arrive in a later turn.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task": map[string]any{
					"type":        "string",
					"description": "Plain English description of what to accomplish",
				},
				"channel": map[string]any{
					"type":        "string",
					"description": "Channel the eventual result should be reported on (defaults to the current conversation)",
				},
				"priority": map[string]any{
					"type":        "string",
					"enum":        []string{"urgent", "normal", "background"},
					"description": "Priority of the result delivery",
				},
			},
			"required": []string{"task"},
		},
		Async: true,
	}
}

// intArg extracts an integer argument, tolerating the float64 that
// JSON decoding produces.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}
