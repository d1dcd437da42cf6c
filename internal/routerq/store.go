// Package routerq implements the Router: a second durable queue that
// takes dispatched tasks through complexity evaluation, tier selection,
// and execution, then delivers the result back to the issuer. It shares
// the durability discipline of the bus but runs its own pipeline.
package routerq

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Job statuses. Allowed transitions: in_queue→evaluating→in_execution,
// in_execution→completed|failed, in_execution→pending (watchdog reset),
// pending→in_execution (retry), evaluating→in_queue (recovery).
const (
	StatusInQueue     = "in_queue"
	StatusEvaluating  = "evaluating"
	StatusPending     = "pending"
	StatusInExecution = "in_execution"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// ErrHangRetries is the terminal error recorded when a job exhausted
// its hang-recovery retries.
const ErrHangRetries = "gateway crash: max retries exceeded"

// Payload is the structured task content stored in the payload column.
type Payload struct {
	Task        string `json:"task"`
	Context     string `json:"context,omitempty"`
	Constraints string `json:"constraints,omitempty"`
}

// Text is the flat form handed to the evaluator.
func (p Payload) Text() string {
	if p.Context == "" {
		return p.Task
	}
	return p.Task + "\n\n" + p.Context
}

// Job is one unit of Router work.
type Job struct {
	ID             string
	Type           string
	Status         string
	Weight         int
	Tier           string
	Issuer         string
	Payload        Payload
	Result         string
	Error          string
	RetryCount     int
	WorkerID       string
	LastCheckpoint *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	DeliveredAt    *time.Time
}

// Store is the SQLite-backed job queue.
type Store struct {
	db *sql.DB
}

// NewStore creates the Router store on the shared database connection.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("routerq migrate: %w", err)
	}
	return s, nil
}

const jobSchema = `(
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	status          TEXT NOT NULL,
	weight          INTEGER NOT NULL DEFAULT 0,
	tier            TEXT,
	issuer          TEXT NOT NULL,
	payload         TEXT NOT NULL,
	result          TEXT,
	error           TEXT,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	worker_id       TEXT,
	last_checkpoint TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	started_at      TEXT,
	finished_at     TEXT,
	delivered_at    TEXT
)`

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs ` + jobSchema + `;
		CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
		CREATE TABLE IF NOT EXISTS jobs_archive ` + jobSchema + `;
	`)
	return err
}

// Enqueue inserts a job with a caller-supplied id in state in_queue.
func (s *Store) Enqueue(id, jobType, issuer string, payload Payload) (*Job, error) {
	now := time.Now().UTC()
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO jobs (id, type, status, issuer, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, jobType, StatusInQueue, issuer, string(data), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", id, err)
	}
	return &Job{
		ID: id, Type: jobType, Status: StatusInQueue, Issuer: issuer,
		Payload: payload, CreatedAt: now, UpdatedAt: now,
	}, nil
}

// Get returns a job from the live table, or nil.
func (s *Store) Get(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// GetArchived returns a job from the archive table, or nil.
func (s *Store) GetArchived(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs_archive WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// LiveJobIDs returns the id of every job still in the live table,
// whatever its status. Startup cleanup uses this to tell recovered jobs
// apart from jobs that vanished with the previous process.
func (s *Store) LiveJobIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("live job ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Dequeue returns the oldest in_queue job, or nil when none.
func (s *Store) Dequeue() (*Job, error) {
	row := s.db.QueryRow(`
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1
	`, StatusInQueue)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// DequeueRetry returns the oldest pending job whose tier is already set
// and whose updated_at is older than the retry delay, so resets are not
// re-picked before writers have settled.
func (s *Store) DequeueRetry(delay time.Duration) (*Job, error) {
	cutoff := time.Now().Add(-delay).UTC().Format(time.RFC3339Nano)
	row := s.db.QueryRow(`
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND tier IS NOT NULL AND tier != '' AND updated_at < ?
		ORDER BY created_at ASC, id ASC LIMIT 1
	`, StatusPending, cutoff)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// MarkEvaluating transitions in_queue→evaluating.
func (s *Store) MarkEvaluating(id string) error {
	return s.setStatus(id, StatusEvaluating, StatusInQueue)
}

// SetWeight records the evaluator's verdict on an evaluating job.
func (s *Store) SetWeight(id string, weight int) error {
	_, err := s.db.Exec(`
		UPDATE jobs SET weight = ?, updated_at = ? WHERE id = ?
	`, weight, now(), id)
	if err != nil {
		return fmt.Errorf("set weight %s: %w", id, err)
	}
	return nil
}

// MarkInExecution records the selected tier and worker and starts the
// execution clock. Valid from evaluating (fresh) and pending (retry).
func (s *Store) MarkInExecution(id, tier, workerID string) error {
	ts := now()
	res, err := s.db.Exec(`
		UPDATE jobs
		SET status = ?, tier = ?, worker_id = ?, last_checkpoint = ?,
		    started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, StatusInExecution, tier, workerID, ts, ts, ts, id, StatusEvaluating, StatusPending)
	if err != nil {
		return fmt.Errorf("mark in_execution %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark in_execution %s: job not dispatchable", id)
	}
	return nil
}

// Checkpoint refreshes last_checkpoint so the watchdog sees the worker
// is alive.
func (s *Store) Checkpoint(id string) error {
	_, err := s.db.Exec(`UPDATE jobs SET last_checkpoint = ?, updated_at = ? WHERE id = ?`, now(), now(), id)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", id, err)
	}
	return nil
}

// Complete finishes a job successfully.
func (s *Store) Complete(id, result string) error {
	ts := now()
	_, err := s.db.Exec(`
		UPDATE jobs SET status = ?, result = ?, error = NULL, finished_at = ?, updated_at = ?
		WHERE id = ?
	`, StatusCompleted, result, ts, ts, id)
	if err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return nil
}

// Fail finishes a job with an error.
func (s *Store) Fail(id, errText string) error {
	ts := now()
	_, err := s.db.Exec(`
		UPDATE jobs SET status = ?, error = ?, finished_at = ?, updated_at = ?
		WHERE id = ?
	`, StatusFailed, errText, ts, ts, id)
	if err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}
	return nil
}

// ResetToPending returns a hung job to the retry pool and bumps its
// retry counter.
func (s *Store) ResetToPending(id string) error {
	_, err := s.db.Exec(`
		UPDATE jobs SET status = ?, retry_count = retry_count + 1, updated_at = ?
		WHERE id = ? AND status = ?
	`, StatusPending, now(), id, StatusInExecution)
	if err != nil {
		return fmt.Errorf("reset to pending %s: %w", id, err)
	}
	return nil
}

// EvaluatingJobs returns jobs stuck in evaluating (recovery sweep).
func (s *Store) EvaluatingJobs() ([]*Job, error) {
	return s.jobsWhere(`status = ?`, StatusEvaluating)
}

// StaleInExecution returns in_execution jobs whose last checkpoint is
// older than the cutoff.
func (s *Store) StaleInExecution(cutoff time.Time) ([]*Job, error) {
	return s.jobsWhere(`status = ? AND (last_checkpoint IS NULL OR last_checkpoint < ?)`,
		StatusInExecution, cutoff.UTC().Format(time.RFC3339Nano))
}

// Requeue returns an evaluating job to in_queue (recovery).
func (s *Store) Requeue(id string) error {
	return s.setStatus(id, StatusInQueue, StatusEvaluating)
}

// MarkDelivered stamps delivered_at before archival.
func (s *Store) MarkDelivered(id string) error {
	_, err := s.db.Exec(`UPDATE jobs SET delivered_at = ?, updated_at = ? WHERE id = ?`, now(), now(), id)
	if err != nil {
		return fmt.Errorf("mark delivered %s: %w", id, err)
	}
	return nil
}

// Archive copies a job to jobs_archive and deletes it from the live
// table, inside one transaction.
func (s *Store) Archive(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("archive %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		INSERT INTO jobs_archive SELECT * FROM jobs WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("archive %s copy: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("archive %s: job not found", id)
	}
	if _, err := tx.Exec(`DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("archive %s delete: %w", id, err)
	}
	return tx.Commit()
}

func (s *Store) setStatus(id, to, from string) error {
	_, err := s.db.Exec(`
		UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, to, now(), id, from)
	if err != nil {
		return fmt.Errorf("set status %s→%s for %s: %w", from, to, id, err)
	}
	return nil
}

func (s *Store) jobsWhere(cond string, args ...any) ([]*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE `+cond+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

const jobColumns = `id, type, status, weight, tier, issuer, payload, result, error,
	retry_count, worker_id, last_checkpoint, created_at, updated_at, started_at, finished_at, delivered_at`

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(r jobScanner) (*Job, error) {
	var j Job
	var payload, createdAt, updatedAt string
	var tier, result, errText, workerID sql.NullString
	var lastCheckpoint, startedAt, finishedAt, deliveredAt sql.NullString

	err := r.Scan(&j.ID, &j.Type, &j.Status, &j.Weight, &tier, &j.Issuer, &payload,
		&result, &errText, &j.RetryCount, &workerID, &lastCheckpoint,
		&createdAt, &updatedAt, &startedAt, &finishedAt, &deliveredAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		// Legacy plain-text payloads become the task field.
		j.Payload = Payload{Task: payload}
	}
	j.Tier = tier.String
	j.Result = result.String
	j.Error = errText.String
	j.WorkerID = workerID.String
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	j.LastCheckpoint = parseNullTime(lastCheckpoint)
	j.StartedAt = parseNullTime(startedAt)
	j.FinishedAt = parseNullTime(finishedAt)
	j.DeliveredAt = parseNullTime(deliveredAt)
	return &j, nil
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
