package bus

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Checkpoint captures the loop's durable state at the end of a turn:
// a short session snapshot string, serialized channel states, and the
// remaining pending operations. Ids are monotonic (AUTOINCREMENT).
type Checkpoint struct {
	ID              int64
	CreatedAt       time.Time
	SessionSnapshot string
	ChannelStates   string
	PendingOps      string
}

// Checkpoint inserts a checkpoint row and returns its id.
func (s *Store) Checkpoint(cp *Checkpoint) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO cortex_checkpoints (created_at, session_snapshot, channel_states, pending_ops)
		VALUES (?, ?, ?, ?)
	`, time.Now().UTC().Format(time.RFC3339Nano), cp.SessionSnapshot, cp.ChannelStates, cp.PendingOps)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("checkpoint id: %w", err)
	}
	return id, nil
}

// LoadLatestCheckpoint returns the most recent checkpoint, or nil if
// none has been written yet.
func (s *Store) LoadLatestCheckpoint() (*Checkpoint, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, session_snapshot, channel_states, pending_ops
		FROM cortex_checkpoints
		ORDER BY id DESC LIMIT 1
	`)

	var cp Checkpoint
	var createdAt string
	err := row.Scan(&cp.ID, &createdAt, &cp.SessionSnapshot, &cp.ChannelStates, &cp.PendingOps)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &cp, nil
}

// PruneCheckpoints keeps the newest `keep` checkpoints and deletes the
// rest. Returns how many were removed.
func (s *Store) PruneCheckpoints(keep int) (int, error) {
	if keep <= 0 {
		keep = 1
	}
	res, err := s.db.Exec(`
		DELETE FROM cortex_checkpoints
		WHERE id NOT IN (SELECT id FROM cortex_checkpoints ORDER BY id DESC LIMIT ?)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
