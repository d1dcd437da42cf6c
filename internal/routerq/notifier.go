package routerq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cortexhub/cortex/internal/events"
)

// DeliveredFunc observes every final job record, completed or failed.
type DeliveredFunc func(jobID string, job *Job)

// Notifier subscribes to job terminal events, resolves synchronous
// waiters, invokes the delivery callback, and archives the job.
// Delivery happens exactly once per job: after it, the row lives in
// jobs_archive only.
type Notifier struct {
	store       *Store
	events      *events.Bus
	onDelivered DeliveredFunc
	logger      *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan *Job
}

// NewNotifier wires a notifier. onDelivered may be nil (waiters only).
func NewNotifier(store *Store, bus *events.Bus, onDelivered DeliveredFunc, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store:       store,
		events:      bus,
		onDelivered: onDelivered,
		logger:      logger,
		waiters:     make(map[string]chan *Job),
	}
}

// Run consumes terminal job events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	ch := n.events.Subscribe(64)
	defer n.events.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Source != events.SourceRouter {
				continue
			}
			if e.Kind != events.KindJobDelivered && e.Kind != events.KindJobFailed {
				continue
			}
			jobID, _ := e.Data["job_id"].(string)
			if jobID == "" {
				continue
			}
			if err := n.Deliver(jobID); err != nil {
				n.logger.Error("job delivery failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// Deliver finalizes one terminal job: resolve waiters, invoke the
// callback, stamp delivered_at, and move the row to the archive.
// Idempotent: a job already archived is a no-op.
func (n *Notifier) Deliver(jobID string) error {
	job, err := n.store.Get(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		// Already delivered and archived.
		return nil
	}
	if job.Status != StatusCompleted && job.Status != StatusFailed {
		return fmt.Errorf("deliver %s: job not terminal (%s)", jobID, job.Status)
	}

	n.mu.Lock()
	waiter := n.waiters[jobID]
	delete(n.waiters, jobID)
	n.mu.Unlock()
	if waiter != nil {
		select {
		case waiter <- job:
		default:
		}
	}

	if n.onDelivered != nil {
		n.onDelivered(jobID, job)
	}

	if err := n.store.MarkDelivered(jobID); err != nil {
		return err
	}
	return n.store.Archive(jobID)
}

// WaitForJob blocks until the job is delivered or the timeout elapses.
// For synchronous callers that want the result inline.
func (n *Notifier) WaitForJob(jobID string, timeout time.Duration) (*Job, error) {
	// The job may already be done and archived.
	if job, err := n.store.GetArchived(jobID); err != nil {
		return nil, err
	} else if job != nil {
		return job, nil
	}

	ch := make(chan *Job, 1)
	n.mu.Lock()
	n.waiters[jobID] = ch
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.waiters, jobID)
		n.mu.Unlock()
	}()

	select {
	case job := <-ch:
		return job, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("wait for job %s: timeout after %s", jobID, timeout)
	}
}
