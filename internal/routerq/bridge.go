package routerq

import (
	"log/slog"

	"github.com/cortexhub/cortex/internal/bus"
	"github.com/cortexhub/cortex/internal/envelope"
	"github.com/cortexhub/cortex/internal/session"
)

// CortexIssuer marks jobs dispatched by the orchestrator's async tool.
// Their results must flow back through the pending-ops table and an
// ops-trigger envelope, never directly into a channel.
const CortexIssuer = "cortex"

// IssuerAppendFunc records a result in a non-Cortex issuer's own
// conversation.
type IssuerAppendFunc func(issuer string, job *Job)

// NewCortexDelivery builds the DeliveredFunc that closes the loop
// between the Router and the orchestrator. For Cortex-issued jobs it
// writes the result onto the pending op and wakes the loop with an
// ops-trigger envelope; for other issuers it falls through to the
// generic append callback.
func NewCortexDelivery(sess *session.Store, busStore *bus.Store, fallback IssuerAppendFunc, logger *slog.Logger) DeliveredFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(jobID string, job *Job) {
		if job.Issuer != CortexIssuer {
			if fallback != nil {
				fallback(job.Issuer, job)
			}
			return
		}

		var err error
		if job.Status == StatusCompleted {
			err = sess.CompleteOp(jobID, job.Result)
		} else {
			err = sess.FailOp(jobID, job.Error)
		}
		if err != nil {
			logger.Error("record op result", "job_id", jobID, "error", err)
			return
		}

		priority := envelope.PriorityNormal
		if op, err := sess.PendingOpByID(jobID); err == nil && op != nil && op.ResultPriority != "" {
			priority = envelope.ParsePriority(op.ResultPriority)
		}

		trigger := envelope.NewOpsTrigger(jobID, priority)
		if _, err := busStore.Enqueue(trigger); err != nil {
			logger.Error("enqueue ops trigger", "job_id", jobID, "error", err)
			return
		}
		logger.Info("ops trigger enqueued", "job_id", jobID, "status", job.Status)
	}
}
