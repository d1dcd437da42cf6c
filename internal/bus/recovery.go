package bus

import (
	"fmt"
	"log/slog"
)

// RecoveryReport summarizes what the startup sweep found and fixed.
type RecoveryReport struct {
	Stalled   int // processing rows reset to pending
	Pending   int // queue depth after the sweep
	Orphans   int // rows with an invalid state, deleted
	Integrity string
}

// Recover runs the crash-time sweep. Call before the loop is allowed to
// tick: resets stalled processing rows to pending, deletes rows whose
// state is outside the allowed set, and runs the SQLite integrity
// check. The latest checkpoint is loaded for logging only.
func (s *Store) Recover(logger *slog.Logger) (*RecoveryReport, error) {
	report := &RecoveryReport{}

	if cp, err := s.LoadLatestCheckpoint(); err != nil {
		logger.Warn("checkpoint load failed during recovery", "error", err)
	} else if cp != nil {
		logger.Info("latest checkpoint", "id", cp.ID, "created_at", cp.CreatedAt, "snapshot", cp.SessionSnapshot)
	}

	stalled, err := s.ResetStalledMessages()
	if err != nil {
		return nil, err
	}
	report.Stalled = stalled

	orphans, err := s.RemoveOrphans()
	if err != nil {
		return nil, err
	}
	report.Orphans = orphans

	pending, err := s.PeekPending()
	if err != nil {
		return nil, err
	}
	report.Pending = len(pending)

	if err := s.IntegrityCheck(); err != nil {
		report.Integrity = err.Error()
		logger.Error("bus integrity check failed", "error", err)
	} else {
		report.Integrity = "ok"
	}

	logger.Info("bus recovery complete",
		"stalled_reset", report.Stalled,
		"orphans_removed", report.Orphans,
		"pending", report.Pending,
	)
	return report, nil
}

// ResetStalledMessages returns every processing row to pending. A row
// in processing at startup means the prior process died mid-turn; the
// attempt counter increments again on the next pick-up.
func (s *Store) ResetStalledMessages() (int, error) {
	res, err := s.db.Exec(`
		UPDATE cortex_bus SET state = ? WHERE state = ?
	`, StatePending, StateProcessing)
	if err != nil {
		return 0, fmt.Errorf("reset stalled: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RemoveOrphans deletes rows whose state is not one of the four valid
// values. These can only appear through external interference with the
// database file.
func (s *Store) RemoveOrphans() (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM cortex_bus WHERE state NOT IN (?, ?, ?, ?)
	`, StatePending, StateProcessing, StateCompleted, StateFailed)
	if err != nil {
		return 0, fmt.Errorf("remove orphans: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// IntegrityCheck runs SQLite's integrity check against the backing file.
func (s *Store) IntegrityCheck() error {
	var result string
	if err := s.db.QueryRow(`PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}
