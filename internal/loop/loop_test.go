package loop

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/cortexhub/cortex/internal/adapter"
	"github.com/cortexhub/cortex/internal/assembler"
	"github.com/cortexhub/cortex/internal/bus"
	"github.com/cortexhub/cortex/internal/envelope"
	"github.com/cortexhub/cortex/internal/llm"
	"github.com/cortexhub/cortex/internal/output"
	"github.com/cortexhub/cortex/internal/session"
	"github.com/cortexhub/cortex/internal/tools"

	_ "modernc.org/sqlite"
)

type loopFixture struct {
	loop     *Loop
	busStore *bus.Store
	sess     *session.Store
	registry *tools.Registry
	adapters *adapter.Registry
}

type capturingAdapter struct {
	id   string
	sent []output.Target
}

func (a *capturingAdapter) ChannelID() string { return a.id }

func (a *capturingAdapter) ToEnvelope(raw adapter.RawMessage, resolver adapter.Resolver) (*envelope.Envelope, error) {
	sender := resolver.Resolve(a.id, raw.SenderID, raw.DisplayName)
	return envelope.New(a.id, sender, raw.Content, adapter.PriorityFor(sender)), nil
}

func (a *capturingAdapter) Send(_ context.Context, t output.Target) error {
	a.sent = append(a.sent, t)
	return nil
}

func (a *capturingAdapter) IsAvailable() bool { return true }

func setupLoop(t *testing.T, model llm.ModelFunc, spawn SpawnFunc) *loopFixture {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	busStore, err := bus.NewStore(db)
	if err != nil {
		t.Fatalf("bus store: %v", err)
	}
	sess, err := session.NewStore(db)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	asm := assembler.New(sess, nil, "", logger)
	registry := tools.NewRegistry()
	adapters := adapter.NewRegistry(logger)

	l := New(Config{}, busStore, sess, asm, registry, adapters, model, spawn, nil, nil, logger)
	return &loopFixture{
		loop:     l,
		busStore: busStore,
		sess:     sess,
		registry: registry,
		adapters: adapters,
	}
}

func userEnvelope(channel, content string) *envelope.Envelope {
	sender := envelope.Sender{ID: "user-1", Relationship: envelope.RelationExternal}
	return envelope.New(channel, sender, content, envelope.PriorityNormal)
}

func lastAssistant(t *testing.T, sess *session.Store, channel string) *session.Message {
	t.Helper()
	history, err := sess.History(channel, 50, nil)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == session.RoleAssistant {
			return &history[i]
		}
	}
	return nil
}

func TestTickEmptyQueue(t *testing.T) {
	f := setupLoop(t, nil, nil)
	processed, err := f.loop.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if processed {
		t.Error("expected no work on an empty queue")
	}
}

func TestSilentTurn(t *testing.T) {
	model := func(ctx context.Context, system string, msgs []llm.Message, defs []map[string]any) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "NO_REPLY"}}, nil
	}
	f := setupLoop(t, model, nil)
	web := &capturingAdapter{id: "webchat"}
	f.adapters.Register(web, adapter.ModeLive)

	env := userEnvelope("webchat", "hello world")
	f.busStore.Enqueue(env)

	processed, err := f.loop.Tick(context.Background())
	if err != nil || !processed {
		t.Fatalf("tick: processed=%v err=%v", processed, err)
	}

	// Nothing was delivered, but the choice to stay silent is on record.
	if len(web.sent) != 0 {
		t.Errorf("sent = %+v, want none", web.sent)
	}
	m := lastAssistant(t, f.sess, "webchat")
	if m == nil || m.Content != session.SilenceContent {
		t.Errorf("last assistant row = %+v, want %q", m, session.SilenceContent)
	}

	entry, _ := f.busStore.Get(env.ID)
	if entry.State != bus.StateCompleted {
		t.Errorf("bus state = %s, want completed", entry.State)
	}
}

func TestCrossChannelDirective(t *testing.T) {
	model := func(ctx context.Context, system string, msgs []llm.Message, defs []map[string]any) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Message: llm.Message{
			Role:    "assistant",
			Content: "[[send_to:whatsapp]] Alert: server down",
		}}, nil
	}
	f := setupLoop(t, model, nil)
	wa := &capturingAdapter{id: "whatsapp"}
	f.adapters.Register(wa, adapter.ModeLive)

	// A cron heartbeat notices something wrong and alerts a human channel.
	env := envelope.New("cron",
		envelope.Sender{ID: "cron:watchdog", Relationship: envelope.RelationSystem},
		"Check the server status.", envelope.PriorityBackground)
	f.busStore.Enqueue(env)

	if _, err := f.loop.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(wa.sent) != 1 {
		t.Fatalf("whatsapp sent = %+v", wa.sent)
	}
	if wa.sent[0].Content != "Alert: server down" {
		t.Errorf("content = %q", wa.sent[0].Content)
	}

	// The outbound half is logged on the destination channel.
	m := lastAssistant(t, f.sess, "whatsapp")
	if m == nil || m.Content != "Alert: server down" {
		t.Errorf("whatsapp assistant row = %+v", m)
	}
}

func TestModelFailureFailsEnvelope(t *testing.T) {
	model := func(ctx context.Context, system string, msgs []llm.Message, defs []map[string]any) (*llm.ChatResponse, error) {
		return nil, errors.New("api unavailable")
	}
	f := setupLoop(t, model, nil)

	env := userEnvelope("webchat", "hello")
	f.busStore.Enqueue(env)

	processed, err := f.loop.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !processed {
		t.Fatal("expected the envelope to be picked up")
	}

	entry, _ := f.busStore.Get(env.ID)
	if entry.State != bus.StateFailed {
		t.Errorf("bus state = %s, want failed", entry.State)
	}
	if !strings.Contains(entry.Error, "api unavailable") {
		t.Errorf("error = %q", entry.Error)
	}
}

func TestSyncToolRound(t *testing.T) {
	calls := 0
	model := func(ctx context.Context, system string, msgs []llm.Message, defs []map[string]any) (*llm.ChatResponse, error) {
		calls++
		if calls == 1 {
			return &llm.ChatResponse{Message: llm.Message{
				Role: "assistant",
				ToolCalls: []llm.ToolCall{
					llm.NewToolCall("call-1", "fetch_chat_history", map[string]any{"channel": "webchat"}),
				},
			}}, nil
		}
		// Second round sees the tool result.
		last := msgs[len(msgs)-1]
		if last.Role != "tool" || last.ToolCallID != "call-1" {
			return nil, errors.New("tool result not threaded back")
		}
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "Found it: " + last.Content}}, nil
	}

	f := setupLoop(t, model, nil)
	f.registry.Register(&tools.Tool{
		Name: "fetch_chat_history",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "three older messages", nil
		},
	})
	web := &capturingAdapter{id: "webchat"}
	f.adapters.Register(web, adapter.ModeLive)

	f.busStore.Enqueue(userEnvelope("webchat", "what did we discuss?"))
	if _, err := f.loop.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if calls != 2 {
		t.Errorf("model calls = %d, want 2", calls)
	}
	if len(web.sent) != 1 || web.sent[0].Content != "Found it: three older messages" {
		t.Errorf("sent = %+v", web.sent)
	}
}

func TestAsyncDispatchLifecycle(t *testing.T) {
	var spawnedID, spawnedTask, spawnedChannel string
	spawn := func(ctx context.Context, taskID, task, replyChannel string, priority envelope.Priority) (string, error) {
		spawnedID, spawnedTask, spawnedChannel = taskID, task, replyChannel
		return taskID, nil
	}

	calls := 0
	model := func(ctx context.Context, system string, msgs []llm.Message, defs []map[string]any) (*llm.ChatResponse, error) {
		calls++
		if calls == 1 {
			return &llm.ChatResponse{Message: llm.Message{
				Role:    "assistant",
				Content: "Working on it.",
				ToolCalls: []llm.ToolCall{
					llm.NewToolCall("call-1", "sessions_spawn", map[string]any{
						"task": "Find which port the server runs on",
					}),
				},
			}}, nil
		}
		// The ops turn must see the finished task in the system floor and
		// must not be offered the dispatch tool again.
		if !strings.Contains(system, "Status=Completed") {
			return nil, errors.New("completed op missing from system floor")
		}
		for _, d := range defs {
			if d["name"] == "sessions_spawn" {
				return nil, errors.New("dispatch tool offered on ops turn")
			}
		}
		return &llm.ChatResponse{Message: llm.Message{
			Role: "assistant", Content: "The server runs on port 8080.",
		}}, nil
	}

	f := setupLoop(t, model, spawn)
	f.registry.Register(&tools.Tool{Name: "sessions_spawn", Async: true})
	web := &capturingAdapter{id: "webchat"}
	f.adapters.Register(web, adapter.ModeLive)

	// Turn 1: the user asks, the model dispatches.
	f.busStore.Enqueue(userEnvelope("webchat", "Which port does the server use?"))
	if _, err := f.loop.Tick(context.Background()); err != nil {
		t.Fatalf("tick 1: %v", err)
	}

	if spawnedID == "" {
		t.Fatal("spawn was not invoked")
	}
	if spawnedTask != "Find which port the server runs on" || spawnedChannel != "webchat" {
		t.Errorf("spawn args = %q on %q", spawnedTask, spawnedChannel)
	}

	op, err := f.sess.PendingOpByID(spawnedID)
	if err != nil || op == nil {
		t.Fatalf("pending op: %v %v", op, err)
	}
	if op.Status != session.OpStatusPending || op.ReplyChannel != "webchat" {
		t.Errorf("op = %+v", op)
	}

	// The evidence row precedes the model's holding reply in the log, so
	// search the history rather than expecting it last.
	dispatchHistory, _ := f.sess.History("webchat", 50, nil)
	evidence := ""
	for _, m := range dispatchHistory {
		if strings.HasPrefix(m.Content, "[DISPATCHED] [TASK_ID]="+spawnedID) {
			evidence = m.Content
		}
	}
	if evidence == "" {
		t.Fatalf("dispatch evidence row missing: %+v", dispatchHistory)
	}
	if !strings.Contains(evidence, "Status=Pending") {
		t.Errorf("evidence = %q", evidence)
	}

	// The holding reply still went out.
	if len(web.sent) != 1 || web.sent[0].Content != "Working on it." {
		t.Errorf("sent = %+v", web.sent)
	}

	// The task finishes and the ops trigger wakes the loop.
	if err := f.sess.CompleteOp(spawnedID, "port 8080"); err != nil {
		t.Fatalf("complete op: %v", err)
	}
	f.busStore.Enqueue(envelope.NewOpsTrigger(spawnedID, envelope.PriorityNormal))

	if _, err := f.loop.Tick(context.Background()); err != nil {
		t.Fatalf("tick 2: %v", err)
	}

	// The wake-up left a user row on the router channel.
	history, _ := f.sess.History("router", 10, nil)
	found := false
	for _, m := range history {
		if m.Role == session.RoleUser && m.Content == OpsWakeContent && m.SenderID == "system" {
			found = true
		}
	}
	if !found {
		t.Errorf("ops wake row missing from router history: %+v", history)
	}

	// The reply was routed back to the dispatching conversation.
	if len(web.sent) != 2 || web.sent[1].Content != "The server runs on port 8080." {
		t.Errorf("sent = %+v", web.sent)
	}

	// The terminal op was archived into the session log and removed.
	ops, _ := f.sess.PendingOps()
	if len(ops) != 0 {
		t.Errorf("pending ops after archive = %+v", ops)
	}
	webHistory, _ := f.sess.History("webchat", 50, nil)
	archived := false
	for _, m := range webHistory {
		if m.SenderID == session.OpsSenderID && strings.HasPrefix(m.Content, session.TagTaskResult) {
			archived = true
		}
	}
	if !archived {
		t.Error("archived task result row missing from webchat history")
	}
}

func TestSpawnFailureFailsOp(t *testing.T) {
	spawn := func(ctx context.Context, taskID, task, replyChannel string, priority envelope.Priority) (string, error) {
		return "", errors.New("router offline")
	}
	model := func(ctx context.Context, system string, msgs []llm.Message, defs []map[string]any) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Message: llm.Message{
			Role:    "assistant",
			Content: "Dispatching.",
			ToolCalls: []llm.ToolCall{
				llm.NewToolCall("call-1", "sessions_spawn", map[string]any{"task": "doomed task"}),
			},
		}}, nil
	}

	f := setupLoop(t, model, spawn)
	f.registry.Register(&tools.Tool{Name: "sessions_spawn", Async: true})
	web := &capturingAdapter{id: "webchat"}
	f.adapters.Register(web, adapter.ModeLive)

	f.busStore.Enqueue(userEnvelope("webchat", "please do the thing"))
	if _, err := f.loop.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// The failed op was archived in the same turn with the failure tag.
	ops, _ := f.sess.PendingOps()
	if len(ops) != 0 {
		t.Errorf("pending ops = %+v", ops)
	}
	history, _ := f.sess.History("webchat", 50, nil)
	found := false
	for _, m := range history {
		if m.SenderID == session.OpsSenderID &&
			strings.HasPrefix(m.Content, session.TagTaskFailed) &&
			strings.Contains(m.Content, "spawn failed: router offline") {
			found = true
		}
	}
	if !found {
		t.Errorf("failure archive row missing: %+v", history)
	}
}
