// Package loop runs the single-threaded processing pipeline: dequeue
// one envelope, assemble context, call the model with bounded tool
// round-trips, route the output, and commit every step before the next.
// At most one envelope is in flight at any instant.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cortexhub/cortex/internal/assembler"
	"github.com/cortexhub/cortex/internal/bus"
	"github.com/cortexhub/cortex/internal/envelope"
	"github.com/cortexhub/cortex/internal/events"
	"github.com/cortexhub/cortex/internal/llm"
	"github.com/cortexhub/cortex/internal/output"
	"github.com/cortexhub/cortex/internal/session"
	"github.com/cortexhub/cortex/internal/tools"
)

// OpsWakeContent is the sentinel user row appended for an ops trigger,
// so the foreground still ends with a user-role row.
const OpsWakeContent = "[Task update available]"

// AssistantSenderID marks assistant rows written by the loop.
const AssistantSenderID = "cortex"

// Defaults for loop pacing and tool bounding.
const (
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultMaxToolRounds = 5
	DefaultMaxTokens     = 16000
)

// SpawnFunc hands an async task to the external executor. Cortex
// pre-generates taskID; the callback must return the same id on
// success. An empty id or an error means the spawn failed.
type SpawnFunc func(ctx context.Context, taskID, task, replyChannel string, priority envelope.Priority) (string, error)

// CompleteFunc observes the end of every turn, including silent and
// failed ones, so live-delivery callers can unblock.
type CompleteFunc func(envelopeID string, err error)

// Config tunes the loop.
type Config struct {
	PollInterval       time.Duration
	MaxToolRounds      int
	MaxTokens          int
	HippocampusEnabled bool
}

func (c *Config) fill() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = DefaultMaxToolRounds
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
}

// Loop is the cooperative single-envelope processor.
type Loop struct {
	cfg        Config
	busStore   *bus.Store
	sess       *session.Store
	asm        *assembler.Assembler
	registry   *tools.Registry
	adapters   output.Registry
	model      llm.ModelFunc
	spawn      SpawnFunc
	onComplete CompleteFunc
	events     *events.Bus
	logger     *slog.Logger
}

// New wires a loop. spawn, onComplete, and events may be nil.
func New(cfg Config, busStore *bus.Store, sess *session.Store, asm *assembler.Assembler,
	registry *tools.Registry, adapters output.Registry, model llm.ModelFunc,
	spawn SpawnFunc, onComplete CompleteFunc, evbus *events.Bus, logger *slog.Logger) *Loop {
	cfg.fill()
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:        cfg,
		busStore:   busStore,
		sess:       sess,
		asm:        asm,
		registry:   registry,
		adapters:   adapters,
		model:      model,
		spawn:      spawn,
		onComplete: onComplete,
		events:     evbus,
		logger:     logger,
	}
}

// Run processes envelopes until ctx is cancelled. The in-flight turn
// always finishes before Run returns; cancellation is only observed
// between turns.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("processing loop started", "poll_interval", l.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("processing loop stopped")
			return
		default:
		}

		processed, err := l.Tick(ctx)
		if err != nil {
			l.logger.Error("tick failed", "error", err)
		}
		if !processed {
			select {
			case <-ctx.Done():
				l.logger.Info("processing loop stopped")
				return
			case <-time.After(l.cfg.PollInterval):
			}
		}
	}
}

// Tick processes at most one envelope. Returns false when the queue was
// empty. Exported so tests and the drain path can step the loop.
func (l *Loop) Tick(ctx context.Context) (bool, error) {
	entry, err := l.busStore.DequeueNext()
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	env := entry.Envelope
	start := time.Now()
	l.events.Emit(events.SourceLoop, events.KindTurnStart, map[string]any{
		"envelope_id": env.ID, "channel": env.Channel, "priority": env.Priority.String(),
	})

	if err := l.busStore.MarkProcessing(env.ID); err != nil {
		return false, err
	}

	turnErr := l.processTurn(ctx, env)
	if turnErr != nil {
		l.logger.Error("turn failed", "envelope_id", env.ID, "error", turnErr)
		if err := l.busStore.MarkFailed(env.ID, turnErr.Error()); err != nil {
			l.logger.Error("mark failed", "envelope_id", env.ID, "error", err)
		}
	} else {
		if err := l.busStore.MarkCompleted(env.ID); err != nil {
			l.logger.Error("mark completed", "envelope_id", env.ID, "error", err)
		}
		l.writeCheckpoint()
	}

	if l.onComplete != nil {
		l.onComplete(env.ID, turnErr)
	}
	l.events.Emit(events.SourceLoop, events.KindTurnComplete, map[string]any{
		"envelope_id": env.ID, "channel": env.Channel,
		"ok": turnErr == nil, "elapsed_ms": time.Since(start).Milliseconds(),
	})
	return true, nil
}

// processTurn runs the session append through terminal-op archival. Any
// error here fails the envelope but never halts the loop.
func (l *Loop) processTurn(ctx context.Context, env *envelope.Envelope) error {
	isOps := env.IsOpsTrigger()

	if isOps {
		_, err := l.sess.Append(&session.Message{
			EnvelopeID: env.ID,
			Role:       session.RoleUser,
			Channel:    env.Channel,
			SenderID:   "system",
			Content:    OpsWakeContent,
		})
		if err != nil {
			return err
		}
	} else {
		if _, err := l.sess.AppendEnvelope(env); err != nil {
			return err
		}
		if err := l.sess.TouchChannel(env.Channel, time.Now()); err != nil {
			return err
		}
	}

	actx, err := l.asm.Assemble(env, l.cfg.MaxTokens, l.cfg.HippocampusEnabled)
	if err != nil {
		return fmt.Errorf("assemble: %w", err)
	}

	resp, asyncCalls, err := l.converse(ctx, env, actx)
	if err != nil {
		return fmt.Errorf("model: %w", err)
	}

	if err := l.handleAsyncCalls(ctx, env, asyncCalls); err != nil {
		return err
	}

	// Ops triggers arrive on the synthetic router channel; replies must
	// route to the conversation that dispatched the task.
	if isOps {
		if ch := l.opsReplyChannel(env); ch != "" {
			env.Reply.Channel = ch
		}
	}

	out := output.Parse(resp.Message.Content, env)

	output.Route(ctx, out, l.adapters, func(channel string, sendErr error) {
		l.logger.Warn("target delivery failed", "channel", channel, "error", sendErr)
	})

	if out.Silent {
		if _, err := l.sess.AppendAssistant(env.Channel, AssistantSenderID, session.SilenceContent); err != nil {
			return err
		}
	} else {
		for _, t := range out.Targets {
			if _, err := l.sess.AppendAssistant(t.Channel, AssistantSenderID, t.Content); err != nil {
				return err
			}
		}
		if err := l.sess.MarkChannelRead(env.Channel); err != nil {
			return err
		}
	}

	if moved, err := l.sess.CopyAndDeleteTerminalOps(); err != nil {
		return err
	} else if moved > 0 {
		l.logger.Debug("archived terminal ops", "moved", moved)
	}
	return nil
}

// converse drives the model with bounded synchronous tool round-trips
// and collects async dispatch calls along the way.
func (l *Loop) converse(ctx context.Context, env *envelope.Envelope, actx *assembler.Context) (*llm.ChatResponse, []llm.ToolCall, error) {
	system := actx.SystemFloor()
	defs := l.registry.Definitions(!actx.IsOpsTrigger)

	var transcript string
	for _, layer := range actx.Layers[1:] {
		if layer.Content != "" {
			transcript += layer.Content
		}
	}
	if transcript == "" {
		transcript = OpsWakeContent
	}
	msgs := []llm.Message{{Role: "user", Content: transcript}}

	var asyncCalls []llm.ToolCall
	var resp *llm.ChatResponse
	var err error

	for round := 0; round <= l.cfg.MaxToolRounds; round++ {
		l.events.Emit(events.SourceLoop, events.KindModelCall, map[string]any{
			"envelope_id": env.ID, "round": round,
		})
		resp, err = l.model(ctx, system, msgs, defs)
		if err != nil {
			return nil, nil, err
		}

		var syncCalls []llm.ToolCall
		for _, tc := range resp.Message.ToolCalls {
			if l.registry.IsAsync(tc.Function.Name) {
				asyncCalls = append(asyncCalls, tc)
			} else {
				syncCalls = append(syncCalls, tc)
			}
		}
		if len(syncCalls) == 0 {
			break
		}

		msgs = append(msgs, llm.Message{
			Role:      "assistant",
			Content:   resp.Message.Content,
			ToolCalls: syncCalls,
		})
		for _, tc := range syncCalls {
			l.events.Emit(events.SourceLoop, events.KindToolCall, map[string]any{
				"envelope_id": env.ID, "tool": tc.Function.Name,
			})
			result := l.registry.Execute(ctx, tc.Function.Name, tc.Function.Arguments)
			msgs = append(msgs, llm.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
	}
	return resp, asyncCalls, nil
}

// handleAsyncCalls creates the pending op and the dispatch-evidence row
// before invoking the spawn callback, so a crashed dispatcher still
// leaves a recoverable record.
func (l *Loop) handleAsyncCalls(ctx context.Context, env *envelope.Envelope, calls []llm.ToolCall) error {
	for _, tc := range calls {
		task, _ := tc.Function.Arguments["task"].(string)
		if task == "" {
			l.logger.Warn("dispatch call without task, skipped", "envelope_id", env.ID)
			continue
		}
		replyChannel, _ := tc.Function.Arguments["channel"].(string)
		if replyChannel == "" {
			replyChannel = env.Reply.Channel
		}
		if replyChannel == "" {
			replyChannel = env.Channel
		}
		priority := envelope.PriorityNormal
		if p, _ := tc.Function.Arguments["priority"].(string); p != "" {
			priority = envelope.ParsePriority(p)
		}

		taskID := envelope.NewID()
		op := &session.PendingOp{
			ID:              taskID,
			Type:            session.OpTypeRouterJob,
			Description:     task,
			ExpectedChannel: env.Channel,
			ReplyChannel:    replyChannel,
			ResultPriority:  priority.String(),
		}
		if err := l.sess.AddPendingOp(op); err != nil {
			return err
		}

		evidence := fmt.Sprintf(
			"[DISPATCHED] [TASK_ID]=%s, Message='%s', Status=Pending, Channel=%s, DispatchedAt=%s",
			taskID, truncate(task, 80), replyChannel, time.Now().UTC().Format(time.RFC3339))
		if _, err := l.sess.AppendAssistant(env.Channel, AssistantSenderID, evidence); err != nil {
			return err
		}

		l.events.Emit(events.SourceLoop, events.KindTaskDispatched, map[string]any{
			"task_id": taskID, "channel": replyChannel,
		})

		if l.spawn == nil {
			if err := l.sess.FailOp(taskID, "no task executor configured"); err != nil {
				return err
			}
			continue
		}
		id, err := l.spawn(ctx, taskID, task, replyChannel, priority)
		if err != nil || id == "" {
			reason := "spawn returned no id"
			if err != nil {
				reason = fmt.Sprintf("spawn failed: %v", err)
			}
			l.logger.Error("task dispatch failed", "task_id", taskID, "reason", reason)
			if err := l.sess.FailOp(taskID, reason); err != nil {
				return err
			}
		}
	}
	return nil
}

// opsReplyChannel resolves the reply channel for an ops trigger from
// its pending-op row.
func (l *Loop) opsReplyChannel(env *envelope.Envelope) string {
	jobID := env.JobID()
	if jobID == "" {
		return ""
	}
	op, err := l.sess.PendingOpByID(jobID)
	if err != nil || op == nil {
		return ""
	}
	if op.ReplyChannel != "" {
		return op.ReplyChannel
	}
	return op.ExpectedChannel
}

// writeCheckpoint records channel states and remaining pending ops.
// Checkpoint failures are logged, not fatal; the next turn writes a
// fresh one.
func (l *Loop) writeCheckpoint() {
	states, err := l.sess.ChannelStates()
	if err != nil {
		l.logger.Warn("checkpoint: channel states", "error", err)
		return
	}
	ops, err := l.sess.PendingOps()
	if err != nil {
		l.logger.Warn("checkpoint: pending ops", "error", err)
		return
	}

	statesJSON, _ := json.Marshal(states)
	opsJSON, _ := json.Marshal(ops)
	_, err = l.busStore.Checkpoint(&bus.Checkpoint{
		SessionSnapshot: fmt.Sprintf("channels=%d pending_ops=%d", len(states), len(ops)),
		ChannelStates:   string(statesJSON),
		PendingOps:      string(opsJSON),
	})
	if err != nil {
		l.logger.Warn("checkpoint write failed", "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
