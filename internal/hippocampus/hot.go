// Package hippocampus provides the long-term memory subsystem: a hot
// store of short deduplicated fact strings ranked by use, and a cold
// store of archived facts searchable by embedding similarity. Cold
// memory is optional — when no embedder is configured, cold operations
// degrade to defined empty returns and hot memory keeps working.
package hippocampus

import (
	"database/sql"
	"fmt"
	"time"
)

// HotFact is a short, deduplicated fact string with usage tracking.
// Display order is hit count descending, then last-accessed descending.
type HotFact struct {
	ID             int64     `json:"id"`
	Fact           string    `json:"fact"`
	InsertedAt     time.Time `json:"inserted_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	HitCount       int       `json:"hit_count"`
}

// HotStore manages the hot fact table.
type HotStore struct {
	db *sql.DB
}

// NewHotStore creates the hot fact store on the shared connection.
func NewHotStore(db *sql.DB) (*HotStore, error) {
	s := &HotStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("hot memory migrate: %w", err)
	}
	return s, nil
}

func (s *HotStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cortex_hot_memory (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			fact_text        TEXT NOT NULL UNIQUE,
			inserted_at      TEXT NOT NULL,
			last_accessed_at TEXT NOT NULL,
			hit_count        INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_hot_memory_rank
			ON cortex_hot_memory(hit_count DESC, last_accessed_at DESC);
	`)
	return err
}

// Insert adds a fact, ignoring exact duplicates. Returns true when a
// new row was created.
func (s *HotStore) Insert(fact string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO cortex_hot_memory (fact_text, inserted_at, last_accessed_at, hit_count)
		VALUES (?, ?, ?, 0)
	`, fact, now, now)
	if err != nil {
		return false, fmt.Errorf("insert hot fact: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Top returns up to n facts in ranking order.
func (s *HotStore) Top(n int) ([]HotFact, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.Query(`
		SELECT id, fact_text, inserted_at, last_accessed_at, hit_count
		FROM cortex_hot_memory
		ORDER BY hit_count DESC, last_accessed_at DESC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("top hot facts: %w", err)
	}
	defer rows.Close()

	var facts []HotFact
	for rows.Next() {
		f, err := scanHotFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, *f)
	}
	return facts, rows.Err()
}

// Touch increments the hit count and refreshes the last-accessed
// timestamp for an exact fact string. Returns true when a row matched.
func (s *HotStore) Touch(fact string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE cortex_hot_memory
		SET hit_count = hit_count + 1, last_accessed_at = ?
		WHERE fact_text = ?
	`, time.Now().UTC().Format(time.RFC3339Nano), fact)
	if err != nil {
		return false, fmt.Errorf("touch hot fact: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Delete removes a fact by exact text.
func (s *HotStore) Delete(fact string) error {
	_, err := s.db.Exec(`DELETE FROM cortex_hot_memory WHERE fact_text = ?`, fact)
	if err != nil {
		return fmt.Errorf("delete hot fact: %w", err)
	}
	return nil
}

// Stale returns facts last accessed more than maxAge ago with a hit
// count at or below maxHits — the eviction candidates for cold storage.
func (s *HotStore) Stale(maxAge time.Duration, maxHits int) ([]HotFact, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
	rows, err := s.db.Query(`
		SELECT id, fact_text, inserted_at, last_accessed_at, hit_count
		FROM cortex_hot_memory
		WHERE last_accessed_at < ? AND hit_count <= ?
		ORDER BY last_accessed_at ASC
	`, cutoff, maxHits)
	if err != nil {
		return nil, fmt.Errorf("stale hot facts: %w", err)
	}
	defer rows.Close()

	var facts []HotFact
	for rows.Next() {
		f, err := scanHotFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, *f)
	}
	return facts, rows.Err()
}

// Count returns the number of hot facts.
func (s *HotStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cortex_hot_memory`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count hot facts: %w", err)
	}
	return n, nil
}

func scanHotFact(rows *sql.Rows) (*HotFact, error) {
	var f HotFact
	var insertedAt, lastAccessedAt string
	if err := rows.Scan(&f.ID, &f.Fact, &insertedAt, &lastAccessedAt, &f.HitCount); err != nil {
		return nil, err
	}
	f.InsertedAt, _ = time.Parse(time.RFC3339Nano, insertedAt)
	f.LastAccessedAt, _ = time.Parse(time.RFC3339Nano, lastAccessedAt)
	return &f, nil
}
