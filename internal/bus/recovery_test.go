package bus

import (
	"io"
	"log/slog"
	"testing"

	"github.com/cortexhub/cortex/internal/envelope"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecoverResetsStalledProcessing(t *testing.T) {
	store := setupTestStore(t)

	// Three entries mid-flight at crash time: one finished, one stuck in
	// processing, one untouched.
	a := testEnvelope("a", envelope.PriorityNormal)
	b := testEnvelope("b", envelope.PriorityNormal)
	c := testEnvelope("c", envelope.PriorityNormal)
	for _, env := range []*envelope.Envelope{a, b, c} {
		if _, err := store.Enqueue(env); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	store.MarkProcessing(a.ID)
	store.MarkCompleted(a.ID)
	store.MarkProcessing(b.ID)

	report, err := store.Recover(discardLogger())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Stalled != 1 {
		t.Errorf("stalled = %d, want 1", report.Stalled)
	}
	if report.Pending != 2 {
		t.Errorf("pending = %d, want 2", report.Pending)
	}
	if report.Integrity != "ok" {
		t.Errorf("integrity = %q, want ok", report.Integrity)
	}

	entry, _ := store.Get(b.ID)
	if entry.State != StatePending {
		t.Errorf("stalled entry state = %s, want pending", entry.State)
	}
	// The completed entry is untouched.
	entry, _ = store.Get(a.ID)
	if entry.State != StateCompleted {
		t.Errorf("completed entry state = %s, want completed", entry.State)
	}

	// The re-pickup counts as a fresh attempt.
	store.MarkProcessing(b.ID)
	entry, _ = store.Get(b.ID)
	if entry.Attempts != 2 {
		t.Errorf("attempts after re-pickup = %d, want 2", entry.Attempts)
	}
}

func TestRecoverRemovesOrphans(t *testing.T) {
	store := setupTestStore(t)

	env := testEnvelope("weird", envelope.PriorityNormal)
	store.Enqueue(env)
	if _, err := store.db.Exec(`UPDATE cortex_bus SET state = 'corrupted' WHERE id = ?`, env.ID); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	report, err := store.Recover(discardLogger())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Orphans != 1 {
		t.Errorf("orphans = %d, want 1", report.Orphans)
	}
	if entry, _ := store.Get(env.ID); entry != nil {
		t.Error("expected orphan row to be deleted")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := setupTestStore(t)

	id, err := store.Checkpoint(&Checkpoint{
		SessionSnapshot: "channels=2 pending_ops=1",
		ChannelStates:   `[]`,
		PendingOps:      `[]`,
	})
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if id == 0 {
		t.Error("expected a checkpoint id")
	}

	cp, err := store.LoadLatestCheckpoint()
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp == nil {
		t.Fatal("expected a checkpoint")
	}
	if cp.SessionSnapshot != "channels=2 pending_ops=1" {
		t.Errorf("snapshot = %q", cp.SessionSnapshot)
	}
}
