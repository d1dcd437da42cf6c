package routerq

import (
	"context"
	"errors"
	"testing"
	"time"
)

// waitForStatus polls the live table until the job reaches the wanted
// status or the deadline passes. The worker runs on its own goroutine.
func waitForStatus(t *testing.T, store *Store, id, want string) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.Get(id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if job != nil && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := store.Get(id)
	t.Fatalf("job %s never reached %s, last seen %+v", id, want, job)
	return nil
}

func TestStepEvaluatesAndExecutes(t *testing.T) {
	store := setupTestStore(t)

	evaluator := NewEvaluator(verdictModel(`{"weight": 2, "reasoning": "trivial"}`, nil), 0, 0, testLogger())

	var executedModel string
	executor := func(ctx context.Context, prompt, model string) (string, error) {
		executedModel = model
		return "executed: " + prompt[:20], nil
	}

	r := New(Config{}, store, evaluator, executor, nil, nil, testLogger())
	if _, err := r.Enqueue("job-1", "task", CortexIssuer, Payload{Task: "What is the capital of France?"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	worked, err := r.Step(context.Background())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !worked {
		t.Fatal("expected the step to pick up the job")
	}

	job := waitForStatus(t, store, "job-1", StatusCompleted)
	if job.Weight != 2 || job.Tier != "haiku" {
		t.Errorf("job = weight %d tier %s, want 2/haiku", job.Weight, job.Tier)
	}
	if executedModel != "anthropic/claude-haiku-4-5" {
		t.Errorf("executed model = %q", executedModel)
	}
}

func TestStepHighWeightSelectsOpus(t *testing.T) {
	store := setupTestStore(t)
	evaluator := NewEvaluator(verdictModel(`{"weight": 9, "reasoning": "design work"}`, nil), 0, 0, testLogger())

	var executedModel string
	executor := func(ctx context.Context, prompt, model string) (string, error) {
		executedModel = model
		return "done", nil
	}

	r := New(Config{}, store, evaluator, executor, nil, nil, testLogger())
	r.Enqueue("job-1", "task", CortexIssuer, Payload{Task: "Design the storage schema"})

	if _, err := r.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	job := waitForStatus(t, store, "job-1", StatusCompleted)
	if job.Tier != "opus" {
		t.Errorf("tier = %s, want opus", job.Tier)
	}
	if executedModel != "anthropic/claude-opus-4-6" {
		t.Errorf("executed model = %q", executedModel)
	}
}

func TestStepEvaluatorFailureUsesFallback(t *testing.T) {
	store := setupTestStore(t)
	evaluator := NewEvaluator(verdictModel("", errors.New("evaluator down")), 0, 0, testLogger())

	executor := func(ctx context.Context, prompt, model string) (string, error) {
		return "done", nil
	}

	r := New(Config{}, store, evaluator, executor, nil, nil, testLogger())
	r.Enqueue("job-1", "task", CortexIssuer, Payload{Task: "anything"})

	if _, err := r.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	job := waitForStatus(t, store, "job-1", StatusCompleted)
	if job.Weight != DefaultFallbackWeight || job.Tier != "sonnet" {
		t.Errorf("job = weight %d tier %s, want %d/sonnet", job.Weight, job.Tier, DefaultFallbackWeight)
	}
}

func TestStepExecutorFailure(t *testing.T) {
	store := setupTestStore(t)
	evaluator := NewEvaluator(verdictModel(`{"weight": 5, "reasoning": "medium"}`, nil), 0, 0, testLogger())

	executor := func(ctx context.Context, prompt, model string) (string, error) {
		return "", errors.New("model refused")
	}

	r := New(Config{}, store, evaluator, executor, nil, nil, testLogger())
	r.Enqueue("job-1", "task", CortexIssuer, Payload{Task: "anything"})

	if _, err := r.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	job := waitForStatus(t, store, "job-1", StatusFailed)
	if job.Error != "model refused" {
		t.Errorf("error = %q", job.Error)
	}
}

func TestStepRetriesKeepTier(t *testing.T) {
	store := setupTestStore(t)
	evaluator := NewEvaluator(verdictModel(`{"weight": 2, "reasoning": "trivial"}`, nil), 0, 0, testLogger())

	executor := func(ctx context.Context, prompt, model string) (string, error) {
		return "done", nil
	}

	r := New(Config{RetryDelay: time.Millisecond}, store, evaluator, executor, nil, nil, testLogger())

	// Simulate a watchdog reset: pending with the tier already assigned.
	store.Enqueue("job-1", "task", CortexIssuer, Payload{Task: "t"})
	store.MarkEvaluating("job-1")
	store.MarkInExecution("job-1", "opus", "worker-1")
	store.ResetToPending("job-1")
	old := time.Now().Add(-time.Second).UTC().Format(time.RFC3339Nano)
	store.db.Exec(`UPDATE jobs SET updated_at = ? WHERE id = 'job-1'`, old)

	worked, err := r.Step(context.Background())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !worked {
		t.Fatal("expected the retry to be picked up")
	}
	job := waitForStatus(t, store, "job-1", StatusCompleted)
	// Retries re-run on the tier chosen the first time around.
	if job.Tier != "opus" {
		t.Errorf("tier = %s, want opus", job.Tier)
	}
}
