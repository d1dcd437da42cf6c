package routerq

import (
	"context"
	"log/slog"
	"time"
)

// Hang-detection defaults.
const (
	DefaultHangThreshold = 90 * time.Second
	DefaultMaxRetries    = 2
	DefaultWatchInterval = 30 * time.Second

	// resetSettle delays a watchdog reset slightly so an executor that
	// is finishing right now can flush its terminal write first.
	resetSettle = 2 * time.Second
)

// RecoveryReport counts what a sweep did.
type RecoveryReport struct {
	Recovered int // jobs returned to the queue or retry pool
	Failed    int // jobs failed out after exhausting retries
}

// Recovery applies the hang rules: on startup as a one-shot sweep, and
// continuously as the watchdog.
type Recovery struct {
	store      *Store
	notifier   *Notifier
	hang       time.Duration
	maxRetries int
	logger     *slog.Logger
}

// NewRecovery wires the sweep. Zero hang and maxRetries take defaults.
func NewRecovery(store *Store, notifier *Notifier, hang time.Duration, maxRetries int, logger *slog.Logger) *Recovery {
	if hang <= 0 {
		hang = DefaultHangThreshold
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{store: store, notifier: notifier, hang: hang, maxRetries: maxRetries, logger: logger}
}

// Recover runs the startup sweep: evaluating jobs return to in_queue,
// and in_execution jobs with a stale checkpoint are retried or failed
// out.
func (r *Recovery) Recover() (RecoveryReport, error) {
	var report RecoveryReport

	evaluating, err := r.store.EvaluatingJobs()
	if err != nil {
		return report, err
	}
	for _, job := range evaluating {
		if err := r.store.Requeue(job.ID); err != nil {
			return report, err
		}
		r.logger.Info("recovered evaluating job", "job_id", job.ID)
		report.Recovered++
	}

	hung, failed, err := r.sweepHung(false)
	if err != nil {
		return report, err
	}
	report.Recovered += hung
	report.Failed += failed
	return report, nil
}

// Watch runs the same hang rule periodically until ctx is cancelled.
func (r *Recovery) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := r.sweepHung(true); err != nil {
				r.logger.Error("watchdog sweep failed", "error", err)
			}
		}
	}
}

// sweepHung resets stale in_execution jobs to pending while they have
// retries left, otherwise fails them and re-delivers through the
// notifier. settle delays resets so a finishing writer can win.
func (r *Recovery) sweepHung(settle bool) (recovered, failed int, err error) {
	cutoff := time.Now().Add(-r.hang)
	stale, err := r.store.StaleInExecution(cutoff)
	if err != nil {
		return 0, 0, err
	}

	for _, job := range stale {
		if job.RetryCount < r.maxRetries {
			if settle {
				time.Sleep(resetSettle)
				// The job may have finished while we waited.
				current, err := r.store.Get(job.ID)
				if err != nil {
					return recovered, failed, err
				}
				if current == nil || current.Status != StatusInExecution {
					continue
				}
			}
			if err := r.store.ResetToPending(job.ID); err != nil {
				return recovered, failed, err
			}
			r.logger.Warn("hung job reset to pending",
				"job_id", job.ID, "retry_count", job.RetryCount+1)
			recovered++
			continue
		}

		if err := r.store.Fail(job.ID, ErrHangRetries); err != nil {
			return recovered, failed, err
		}
		r.logger.Error("hung job failed out", "job_id", job.ID, "retries", job.RetryCount)
		if r.notifier != nil {
			if derr := r.notifier.Deliver(job.ID); derr != nil {
				r.logger.Error("deliver failed job", "job_id", job.ID, "error", derr)
			}
		}
		failed++
	}
	return recovered, failed, nil
}
