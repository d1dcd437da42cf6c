package routerq

import (
	"context"
	"log/slog"
	"time"

	"github.com/cortexhub/cortex/internal/events"
)

// Config tunes the Router pipeline.
type Config struct {
	RetryDelay    time.Duration // pending-retry dequeue window
	PollInterval  time.Duration // idle queue poll cadence
	HangThreshold time.Duration // watchdog stale-checkpoint rule
	MaxRetries    int
	Tiers         []Tier
	Template      string
	WorkerID      string
}

func (c *Config) fill() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 1 * time.Second
	}
	if c.HangThreshold <= 0 {
		c.HangThreshold = DefaultHangThreshold
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
}

// Router ties the queue, evaluator, dispatcher, worker, notifier, and
// watchdog into one pipeline.
type Router struct {
	cfg        Config
	store      *Store
	evaluator  *Evaluator
	dispatcher *Dispatcher
	notifier   *Notifier
	recovery   *Recovery
	events     *events.Bus
	logger     *slog.Logger
}

// New wires the Router pipeline around a store, an evaluator, an
// executor, and a delivery callback.
func New(cfg Config, store *Store, evaluator *Evaluator, executor Executor,
	onDelivered DeliveredFunc, bus *events.Bus, logger *slog.Logger) *Router {
	cfg.fill()
	if logger == nil {
		logger = slog.Default()
	}

	worker := NewWorker(store, executor, bus, 0, logger)
	dispatcher := NewDispatcher(store, worker, cfg.Tiers, cfg.Template, cfg.WorkerID, logger)
	notifier := NewNotifier(store, bus, onDelivered, logger)
	recovery := NewRecovery(store, notifier, cfg.HangThreshold, cfg.MaxRetries, logger)

	return &Router{
		cfg:        cfg,
		store:      store,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		notifier:   notifier,
		recovery:   recovery,
		events:     bus,
		logger:     logger,
	}
}

// Store exposes the job queue for enqueuers.
func (r *Router) Store() *Store { return r.store }

// Notifier exposes synchronous waiting.
func (r *Router) Notifier() *Notifier { return r.notifier }

// Recover runs the startup sweep. Call before Run.
func (r *Router) Recover() (RecoveryReport, error) {
	return r.recovery.Recover()
}

// Enqueue adds a job with a caller-supplied id.
func (r *Router) Enqueue(id, jobType, issuer string, payload Payload) (*Job, error) {
	return r.store.Enqueue(id, jobType, issuer, payload)
}

// Run drives the pipeline until ctx is cancelled: the notifier, the
// watchdog, and the dequeue loop.
func (r *Router) Run(ctx context.Context) {
	go r.notifier.Run(ctx)
	go r.recovery.Watch(ctx, DefaultWatchInterval)

	r.logger.Info("router started",
		"retry_delay", r.cfg.RetryDelay, "hang_threshold", r.cfg.HangThreshold)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("router stopped")
			return
		default:
		}

		worked, err := r.Step(ctx)
		if err != nil {
			r.logger.Error("router step failed", "error", err)
		}
		if !worked {
			select {
			case <-ctx.Done():
				r.logger.Info("router stopped")
				return
			case <-time.After(r.cfg.PollInterval):
			}
		}
	}
}

// Step advances one job through evaluation and dispatch. Fresh jobs are
// evaluated first; then the retry pool is drained. Returns false when
// there was nothing to do.
func (r *Router) Step(ctx context.Context) (bool, error) {
	job, err := r.store.Dequeue()
	if err != nil {
		return false, err
	}
	if job != nil {
		return true, r.evaluateAndDispatch(ctx, job)
	}

	job, err = r.store.DequeueRetry(r.cfg.RetryDelay)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	r.logger.Info("retrying job", "job_id", job.ID, "retry_count", job.RetryCount)
	_, err = r.dispatcher.Dispatch(ctx, job)
	return true, err
}

func (r *Router) evaluateAndDispatch(ctx context.Context, job *Job) error {
	if err := r.store.MarkEvaluating(job.ID); err != nil {
		return err
	}

	verdict := r.evaluator.Evaluate(ctx, job.Payload.Text())
	if err := r.store.SetWeight(job.ID, verdict.Weight); err != nil {
		return err
	}
	job.Weight = verdict.Weight
	job.Status = StatusEvaluating

	tier, err := r.dispatcher.Dispatch(ctx, job)
	if err != nil {
		return err
	}

	r.logger.Info("job evaluated",
		"job_id", job.ID, "weight", verdict.Weight, "tier", tier.Name, "reasoning", verdict.Reasoning)
	r.events.Emit(events.SourceRouter, events.KindJobEvaluated, map[string]any{
		"job_id": job.ID, "weight": verdict.Weight, "tier": tier.Name,
	})
	return nil
}
