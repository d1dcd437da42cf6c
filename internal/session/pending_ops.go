package session

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cortexhub/cortex/internal/envelope"
)

// Pending-operation types and statuses.
const (
	OpTypeRouterJob = "router_job"
	OpTypeSubagent  = "subagent"
	OpTypeCronTask  = "cron_task"

	OpStatusPending   = "pending"
	OpStatusCompleted = "completed"
	OpStatusFailed    = "failed"
)

// Session tags for archived task results. Terminal ops are copied into
// the conversation log exactly once with one of these prefixes, then
// deleted from the pending-ops table.
const (
	TagTaskResult = "[TASK_RESULT]"
	TagTaskFailed = "[TASK_FAILED]"

	// OpsSenderID marks archived task-result rows in the session log.
	OpsSenderID = "cortex:ops"
)

// PendingOp tracks an asynchronous task the model dispatched. The id is
// generated by Cortex before the external dispatcher is invoked, so a
// dispatcher crash still leaves a recoverable row.
type PendingOp struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	Description     string     `json:"description"`
	DispatchedAt    time.Time  `json:"dispatched_at"`
	ExpectedChannel string     `json:"expected_channel"`
	Status          string     `json:"status"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Result          string     `json:"result,omitempty"`
	ReplyChannel    string     `json:"reply_channel,omitempty"`
	ResultPriority  string     `json:"result_priority,omitempty"`
}

// AddPendingOp inserts a new pending operation row.
func (s *Store) AddPendingOp(op *PendingOp) error {
	if op.DispatchedAt.IsZero() {
		op.DispatchedAt = time.Now().UTC()
	}
	if op.Status == "" {
		op.Status = OpStatusPending
	}

	_, err := s.db.Exec(`
		INSERT INTO cortex_pending_ops
			(id, type, description, dispatched_at, expected_channel, status, reply_channel, result_priority)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.Type, op.Description, op.DispatchedAt.UTC().Format(time.RFC3339Nano),
		op.ExpectedChannel, op.Status, nullable(op.ReplyChannel), nullable(op.ResultPriority))
	if err != nil {
		return fmt.Errorf("add pending op %s: %w", op.ID, err)
	}
	return nil
}

// CompleteOp flips a still-pending op to completed and stores the
// result text. A no-op when the op is already terminal or missing.
func (s *Store) CompleteOp(id, result string) error {
	return s.finishOp(id, OpStatusCompleted, result)
}

// FailOp flips a still-pending op to failed and stores the error text.
func (s *Store) FailOp(id, errText string) error {
	return s.finishOp(id, OpStatusFailed, errText)
}

func (s *Store) finishOp(id, status, result string) error {
	_, err := s.db.Exec(`
		UPDATE cortex_pending_ops
		SET status = ?, result = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, status, result, time.Now().UTC().Format(time.RFC3339Nano), id, OpStatusPending)
	if err != nil {
		return fmt.Errorf("finish op %s: %w", id, err)
	}
	return nil
}

// PendingOpByID returns a single op, or nil when absent.
func (s *Store) PendingOpByID(id string) (*PendingOp, error) {
	row := s.db.QueryRow(`SELECT `+opColumns+` FROM cortex_pending_ops WHERE id = ?`, id)
	op, err := scanOp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return op, err
}

// PendingOps returns every row in the table, oldest dispatch first.
// The table never holds an acknowledged terminal op: a terminal op is
// either present (unread by the model) or already archived and gone.
func (s *Store) PendingOps() ([]PendingOp, error) {
	rows, err := s.db.Query(`SELECT ` + opColumns + ` FROM cortex_pending_ops ORDER BY dispatched_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("pending ops: %w", err)
	}
	defer rows.Close()

	var ops []PendingOp
	for rows.Next() {
		op, err := scanOpRow(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// CopyAndDeleteTerminalOps archives each completed or failed op into
// the session log and removes it from the pending-ops table. Each op is
// copied then deleted inside one transaction so a crash cannot lose or
// duplicate a result. Returns the number of ops moved.
func (s *Store) CopyAndDeleteTerminalOps() (int, error) {
	rows, err := s.db.Query(`
		SELECT `+opColumns+` FROM cortex_pending_ops WHERE status IN (?, ?)
	`, OpStatusCompleted, OpStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("select terminal ops: %w", err)
	}
	var terminal []PendingOp
	for rows.Next() {
		op, err := scanOpRow(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		terminal = append(terminal, *op)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	moved := 0
	for _, op := range terminal {
		if err := s.archiveOp(op); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func (s *Store) archiveOp(op PendingOp) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("archive op %s: %w", op.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	tag := TagTaskResult
	if op.Status == OpStatusFailed {
		tag = TagTaskFailed
	}
	channel := op.ReplyChannel
	if channel == "" {
		channel = op.ExpectedChannel
	}
	content := fmt.Sprintf("%s [TASK_ID]=%s, Message='%s', Result=%s", tag, op.ID, op.Description, op.Result)

	_, err = tx.Exec(`
		INSERT INTO cortex_session (id, role, channel, sender_id, content, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, envelope.NewID(), RoleAssistant, channel, OpsSenderID, content,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("archive op %s copy: %w", op.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM cortex_pending_ops WHERE id = ?`, op.ID); err != nil {
		return fmt.Errorf("archive op %s delete: %w", op.ID, err)
	}

	return tx.Commit()
}

// FailOrphanedOps marks pending ops dispatched before the cutoff as
// failed with a startup-cleanup reason. They surface to the model once
// and are then archived normally. Ops whose id appears in keep are left
// pending: crash recovery passes the ids of jobs it kept alive, so a
// retried job can still complete its op and deliver the real result.
func (s *Store) FailOrphanedOps(before time.Time, keep map[string]bool) (int, error) {
	rows, err := s.db.Query(`
		SELECT id FROM cortex_pending_ops WHERE status = ? AND dispatched_at < ?
	`, OpStatusPending, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("fail orphaned ops: %w", err)
	}
	var orphaned []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan orphaned op: %w", err)
		}
		if !keep[id] {
			orphaned = append(orphaned, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	failed := 0
	for _, id := range orphaned {
		if err := s.FailOp(id, "orphaned from prior session"); err != nil {
			return failed, err
		}
		failed++
	}
	return failed, nil
}

const opColumns = "id, type, description, dispatched_at, expected_channel, status, completed_at, result, reply_channel, result_priority"

func scanOp(row *sql.Row) (*PendingOp, error) { return scanOpFrom(row) }

func scanOpRow(rows *sql.Rows) (*PendingOp, error) { return scanOpFrom(rows) }

type opScanner interface {
	Scan(dest ...any) error
}

func scanOpFrom(r opScanner) (*PendingOp, error) {
	var op PendingOp
	var dispatchedAt string
	var completedAt, result, replyChannel, resultPriority sql.NullString

	err := r.Scan(&op.ID, &op.Type, &op.Description, &dispatchedAt, &op.ExpectedChannel,
		&op.Status, &completedAt, &result, &replyChannel, &resultPriority)
	if err != nil {
		return nil, err
	}

	op.DispatchedAt, _ = time.Parse(time.RFC3339Nano, dispatchedAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		op.CompletedAt = &t
	}
	if result.Valid {
		op.Result = result.String
	}
	if replyChannel.Valid {
		op.ReplyChannel = replyChannel.String
	}
	if resultPriority.Valid {
		op.ResultPriority = resultPriority.String
	}
	return &op, nil
}
