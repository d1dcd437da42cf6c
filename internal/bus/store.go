// Package bus provides the durable priority queue that holds envelopes
// between enqueue and completion. One process owns the backing SQLite
// file; every state change is a single statement, so a crash can never
// leave a partially applied transition. On restart the recovery sweep
// (recovery.go) returns stalled rows to pending.
package bus

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cortexhub/cortex/internal/envelope"
)

// State tracks an entry through the bus state machine.
//
// Allowed transitions: pending→processing, processing→completed,
// processing→failed, failed→pending. Completed is terminal.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// ErrDuplicate is returned by Enqueue when an entry with the same id
// already exists. Idempotent dedupe is the caller's responsibility.
var ErrDuplicate = errors.New("bus: duplicate envelope id")

// Entry is an envelope plus its bus tracking fields.
type Entry struct {
	Envelope     *envelope.Envelope
	State        State
	EnqueuedAt   time.Time
	ProcessedAt  *time.Time
	Attempts     int
	Error        string
	CheckpointID int64
}

// Store is the SQLite-backed bus.
type Store struct {
	db *sql.DB
}

// NewStore creates a bus store on the shared database connection and
// creates its tables if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("bus migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cortex_bus (
			id            TEXT PRIMARY KEY,
			envelope      TEXT NOT NULL,
			state         TEXT NOT NULL,
			priority      INTEGER NOT NULL,
			enqueued_at   TEXT NOT NULL,
			processed_at  TEXT,
			attempts      INTEGER NOT NULL DEFAULT 0,
			error         TEXT,
			checkpoint_id INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_bus_dequeue
			ON cortex_bus(state, priority, enqueued_at);

		CREATE TABLE IF NOT EXISTS cortex_checkpoints (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at       TEXT NOT NULL,
			session_snapshot TEXT NOT NULL,
			channel_states   TEXT NOT NULL,
			pending_ops      TEXT NOT NULL
		);
	`)
	return err
}

// Enqueue persists the envelope as a pending entry and returns its id.
// Returns ErrDuplicate if an entry with that id already exists.
func (s *Store) Enqueue(e *envelope.Envelope) (string, error) {
	data, err := e.Encode()
	if err != nil {
		return "", err
	}

	_, err = s.db.Exec(`
		INSERT INTO cortex_bus (id, envelope, state, priority, enqueued_at, attempts)
		VALUES (?, ?, ?, ?, ?, 0)
	`, e.ID, string(data), StatePending, int(e.Priority), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: %s", ErrDuplicate, e.ID)
		}
		return "", fmt.Errorf("enqueue %s: %w", e.ID, err)
	}
	return e.ID, nil
}

// DequeueNext returns the highest-priority pending entry: priority
// ascending, then enqueue time ascending. Returns nil when the queue is
// empty. Does not mutate state — callers follow up with MarkProcessing.
func (s *Store) DequeueNext() (*Entry, error) {
	row := s.db.QueryRow(`
		SELECT `+entryColumns+` FROM cortex_bus
		WHERE state = ?
		ORDER BY priority ASC, enqueued_at ASC, id ASC
		LIMIT 1
	`, StatePending)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

// PeekPending returns all pending entries in dequeue order.
func (s *Store) PeekPending() ([]*Entry, error) {
	rows, err := s.db.Query(`
		SELECT `+entryColumns+` FROM cortex_bus
		WHERE state = ?
		ORDER BY priority ASC, enqueued_at ASC, id ASC
	`, StatePending)
	if err != nil {
		return nil, fmt.Errorf("peek pending: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntryRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Get returns a single entry by id, or nil if it does not exist.
func (s *Store) Get(id string) (*Entry, error) {
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM cortex_bus WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

// MarkProcessing transitions pending→processing and increments the
// attempt counter. A no-op when the entry is not pending.
func (s *Store) MarkProcessing(id string) error {
	_, err := s.db.Exec(`
		UPDATE cortex_bus
		SET state = ?, attempts = attempts + 1, processed_at = ?
		WHERE id = ? AND state = ?
	`, StateProcessing, time.Now().UTC().Format(time.RFC3339Nano), id, StatePending)
	if err != nil {
		return fmt.Errorf("mark processing %s: %w", id, err)
	}
	return nil
}

// MarkCompleted transitions processing→completed and records the
// processed timestamp. Completed is terminal.
func (s *Store) MarkCompleted(id string) error {
	_, err := s.db.Exec(`
		UPDATE cortex_bus SET state = ?, processed_at = ?, error = NULL
		WHERE id = ? AND state = ?
	`, StateCompleted, time.Now().UTC().Format(time.RFC3339Nano), id, StateProcessing)
	if err != nil {
		return fmt.Errorf("mark completed %s: %w", id, err)
	}
	return nil
}

// MarkFailed transitions processing→failed and stores the error text.
func (s *Store) MarkFailed(id string, errText string) error {
	_, err := s.db.Exec(`
		UPDATE cortex_bus SET state = ?, processed_at = ?, error = ?
		WHERE id = ? AND state = ?
	`, StateFailed, time.Now().UTC().Format(time.RFC3339Nano), errText, id, StateProcessing)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

// Retry transitions failed→pending so the entry is picked up again.
func (s *Store) Retry(id string) error {
	_, err := s.db.Exec(`
		UPDATE cortex_bus SET state = ? WHERE id = ? AND state = ?
	`, StatePending, id, StateFailed)
	if err != nil {
		return fmt.Errorf("retry %s: %w", id, err)
	}
	return nil
}

// CountPending returns the number of pending entries.
func (s *Store) CountPending() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM cortex_bus WHERE state = ?`, StatePending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// PurgeCompleted deletes completed entries processed before the cutoff
// and returns how many were removed.
func (s *Store) PurgeCompleted(before time.Time) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM cortex_bus WHERE state = ? AND processed_at < ?
	`, StateCompleted, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge completed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const entryColumns = "id, envelope, state, priority, enqueued_at, processed_at, attempts, error, checkpoint_id"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row *sql.Row) (*Entry, error) { return scanFrom(row) }

func scanEntryRow(rows *sql.Rows) (*Entry, error) { return scanFrom(rows) }

func scanFrom(r rowScanner) (*Entry, error) {
	var id, envJSON, state, enqueuedAt string
	var priority, attempts int
	var processedAt, errText sql.NullString
	var checkpointID sql.NullInt64

	err := r.Scan(&id, &envJSON, &state, &priority, &enqueuedAt, &processedAt, &attempts, &errText, &checkpointID)
	if err != nil {
		return nil, err
	}

	env, err := envelope.Decode([]byte(envJSON))
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", id, err)
	}

	entry := &Entry{
		Envelope: env,
		State:    State(state),
		Attempts: attempts,
	}
	entry.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
	if processedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, processedAt.String)
		entry.ProcessedAt = &t
	}
	if errText.Valid {
		entry.Error = errText.String
	}
	if checkpointID.Valid {
		entry.CheckpointID = checkpointID.Int64
	}
	return entry, nil
}

// isUniqueViolation matches the driver-specific primary key conflict
// without importing driver error types (both mattn and modernc phrase
// the failure as a UNIQUE constraint message).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}
