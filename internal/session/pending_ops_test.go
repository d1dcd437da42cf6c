package session

import (
	"strings"
	"testing"
	"time"
)

func TestPendingOpLifecycle(t *testing.T) {
	store := setupTestStore(t)

	op := &PendingOp{
		ID:              "job-100",
		Type:            OpTypeRouterJob,
		Description:     "Research the database migration options",
		ExpectedChannel: "webchat",
		ReplyChannel:    "webchat",
		ResultPriority:  "normal",
	}
	if err := store.AddPendingOp(op); err != nil {
		t.Fatalf("add: %v", err)
	}
	if op.Status != OpStatusPending {
		t.Errorf("status = %q, want pending", op.Status)
	}
	if op.DispatchedAt.IsZero() {
		t.Error("expected dispatched_at to be set")
	}

	got, err := store.PendingOpByID("job-100")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Description != op.Description {
		t.Fatalf("got = %+v", got)
	}

	if err := store.CompleteOp("job-100", "The server runs on port 8080"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ = store.PendingOpByID("job-100")
	if got.Status != OpStatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.Result != "The server runs on port 8080" {
		t.Errorf("result = %q", got.Result)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at")
	}

	// Terminal ops cannot be flipped again.
	if err := store.FailOp("job-100", "too late"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ = store.PendingOpByID("job-100")
	if got.Status != OpStatusCompleted || got.Result != "The server runs on port 8080" {
		t.Errorf("terminal op mutated: %+v", got)
	}
}

func TestCopyAndDeleteTerminalOps(t *testing.T) {
	store := setupTestStore(t)

	store.AddPendingOp(&PendingOp{
		ID: "op-done", Type: OpTypeRouterJob,
		Description:     "Summarize the meeting notes",
		ExpectedChannel: "router", ReplyChannel: "webchat",
	})
	store.AddPendingOp(&PendingOp{
		ID: "op-dead", Type: OpTypeRouterJob,
		Description:     "Fetch the weather",
		ExpectedChannel: "telegram",
	})
	store.AddPendingOp(&PendingOp{
		ID: "op-open", Type: OpTypeRouterJob,
		Description:     "Still running",
		ExpectedChannel: "webchat",
	})
	store.CompleteOp("op-done", "Three action items recorded")
	store.FailOp("op-dead", "gateway crash: max retries exceeded")

	moved, err := store.CopyAndDeleteTerminalOps()
	if err != nil {
		t.Fatalf("copy and delete: %v", err)
	}
	if moved != 2 {
		t.Errorf("moved = %d, want 2", moved)
	}

	// Only the still-pending op remains.
	ops, _ := store.PendingOps()
	if len(ops) != 1 || ops[0].ID != "op-open" {
		t.Errorf("remaining ops = %+v", ops)
	}

	// The completed op landed on its reply channel with the result tag.
	history, _ := store.History("webchat", 10, nil)
	var archived *Message
	for i := range history {
		if history[i].SenderID == OpsSenderID {
			archived = &history[i]
		}
	}
	if archived == nil {
		t.Fatal("expected archived result row on webchat")
	}
	if !strings.HasPrefix(archived.Content, TagTaskResult) {
		t.Errorf("content = %q, want %s prefix", archived.Content, TagTaskResult)
	}
	if !strings.Contains(archived.Content, "[TASK_ID]=op-done") {
		t.Errorf("content = %q, missing task id", archived.Content)
	}
	if !strings.Contains(archived.Content, "Result=Three action items recorded") {
		t.Errorf("content = %q, missing result", archived.Content)
	}

	// The failed op falls back to its expected channel with the failure tag.
	history, _ = store.History("telegram", 10, nil)
	if len(history) != 1 {
		t.Fatalf("telegram history = %+v", history)
	}
	if !strings.HasPrefix(history[0].Content, TagTaskFailed) {
		t.Errorf("content = %q, want %s prefix", history[0].Content, TagTaskFailed)
	}

	// A second pass finds nothing: archival happens exactly once.
	moved, err = store.CopyAndDeleteTerminalOps()
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if moved != 0 {
		t.Errorf("second pass moved = %d, want 0", moved)
	}
}

func TestFailOrphanedOps(t *testing.T) {
	store := setupTestStore(t)

	store.AddPendingOp(&PendingOp{
		ID: "op-old", Type: OpTypeRouterJob,
		Description:     "Dispatched before the crash",
		ExpectedChannel: "webchat",
		DispatchedAt:    time.Now().UTC().Add(-time.Hour),
	})

	n, err := store.FailOrphanedOps(time.Now(), nil)
	if err != nil {
		t.Fatalf("fail orphaned: %v", err)
	}
	if n != 1 {
		t.Errorf("failed = %d, want 1", n)
	}

	op, _ := store.PendingOpByID("op-old")
	if op.Status != OpStatusFailed {
		t.Errorf("status = %q, want failed", op.Status)
	}
	if op.Result != "orphaned from prior session" {
		t.Errorf("result = %q", op.Result)
	}
}

func TestFailOrphanedOpsSkipsNew(t *testing.T) {
	store := setupTestStore(t)

	store.AddPendingOp(&PendingOp{
		ID: "op-fresh", Type: OpTypeRouterJob,
		Description:     "Dispatched after startup",
		ExpectedChannel: "webchat",
	})

	n, err := store.FailOrphanedOps(time.Now().Add(-time.Minute), nil)
	if err != nil {
		t.Fatalf("fail orphaned: %v", err)
	}
	if n != 0 {
		t.Errorf("failed = %d, want 0", n)
	}
	op, _ := store.PendingOpByID("op-fresh")
	if op.Status != OpStatusPending {
		t.Errorf("status = %q, want pending", op.Status)
	}
}

func TestFailOrphanedOpsKeepsRecoveredJobs(t *testing.T) {
	store := setupTestStore(t)

	dispatched := time.Now().UTC().Add(-time.Hour)
	store.AddPendingOp(&PendingOp{
		ID: "op-retried", Type: OpTypeRouterJob,
		Description:     "Job requeued by crash recovery",
		ExpectedChannel: "webchat",
		DispatchedAt:    dispatched,
	})
	store.AddPendingOp(&PendingOp{
		ID: "op-gone", Type: OpTypeRouterJob,
		Description:     "Job with no surviving row",
		ExpectedChannel: "webchat",
		DispatchedAt:    dispatched,
	})

	n, err := store.FailOrphanedOps(time.Now(), map[string]bool{"op-retried": true})
	if err != nil {
		t.Fatalf("fail orphaned: %v", err)
	}
	if n != 1 {
		t.Errorf("failed = %d, want 1", n)
	}

	op, _ := store.PendingOpByID("op-retried")
	if op.Status != OpStatusPending {
		t.Errorf("kept op status = %q, want pending", op.Status)
	}
	op, _ = store.PendingOpByID("op-gone")
	if op.Status != OpStatusFailed {
		t.Errorf("orphan status = %q, want failed", op.Status)
	}

	// The retried job can still deliver its result.
	if err := store.CompleteOp("op-retried", "port 8080"); err != nil {
		t.Fatalf("complete op: %v", err)
	}
	op, _ = store.PendingOpByID("op-retried")
	if op.Status != OpStatusCompleted || op.Result != "port 8080" {
		t.Errorf("op after retry = %+v", op)
	}
}
