package routerq

import (
	"context"
	"log/slog"
	"time"

	"github.com/cortexhub/cortex/internal/events"
)

// Executor runs one rendered prompt against a model and returns the
// result text. Injected so the Router stays agnostic of the provider.
type Executor func(ctx context.Context, prompt, model string) (string, error)

// DefaultExecutionTimeout bounds one executor run. A hung executor past
// this is also caught by the watchdog's stale-checkpoint rule.
const DefaultExecutionTimeout = 5 * time.Minute

// checkpointEvery is how often a running worker refreshes the job's
// liveness checkpoint.
const checkpointEvery = 30 * time.Second

// Worker executes dispatched jobs and records the terminal state.
type Worker struct {
	store    *Store
	executor Executor
	events   *events.Bus
	timeout  time.Duration
	logger   *slog.Logger
}

// NewWorker wires a worker. Zero timeout takes the default.
func NewWorker(store *Store, executor Executor, bus *events.Bus, timeout time.Duration, logger *slog.Logger) *Worker {
	if timeout <= 0 {
		timeout = DefaultExecutionTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: store, executor: executor, events: bus, timeout: timeout, logger: logger}
}

// Execute runs the job to a terminal state and emits the delivery
// event. Runs on its own goroutine; errors land on the job row.
func (w *Worker) Execute(ctx context.Context, job *Job, prompt, model string) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	// Periodic liveness checkpoints keep the watchdog off a healthy
	// long-running job.
	heartbeatDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(checkpointEvery)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatDone:
				return
			case <-ticker.C:
				if err := w.store.Checkpoint(job.ID); err != nil {
					w.logger.Warn("job checkpoint failed", "job_id", job.ID, "error", err)
				}
			}
		}
	}()

	result, err := w.executor(ctx, prompt, model)
	close(heartbeatDone)

	if err != nil {
		w.logger.Error("job execution failed", "job_id", job.ID, "model", model, "error", err)
		if serr := w.store.Fail(job.ID, err.Error()); serr != nil {
			w.logger.Error("record job failure", "job_id", job.ID, "error", serr)
			return
		}
		w.events.Emit(events.SourceRouter, events.KindJobFailed, map[string]any{
			"job_id": job.ID, "issuer": job.Issuer, "error": err.Error(),
		})
		return
	}

	if serr := w.store.Complete(job.ID, result); serr != nil {
		w.logger.Error("record job result", "job_id", job.ID, "error", serr)
		return
	}
	w.logger.Info("job completed", "job_id", job.ID, "model", model, "result_len", len(result))
	w.events.Emit(events.SourceRouter, events.KindJobDelivered, map[string]any{
		"job_id": job.ID, "issuer": job.Issuer, "status": StatusCompleted,
	})
}
