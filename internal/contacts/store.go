// Package contacts keeps the partner address book: who the partner is
// on each channel. Entries come from config and from CardDAV sync and
// feed the sender resolver.
package contacts

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Entry maps one channel handle to a contact name.
type Entry struct {
	ID        string
	Name      string
	Channel   string // e.g. "whatsapp", "email"
	Handle    string // channel-native identity (phone, address)
	UpdatedAt time.Time
}

// Store persists contact handles in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates the contact store on an existing database handle.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate contacts: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS contact_handles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			channel TEXT NOT NULL,
			handle TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(channel, handle)
		);

		CREATE INDEX IF NOT EXISTS idx_contact_handles_name ON contact_handles(name);
	`)
	return err
}

// Upsert records a handle for a contact, replacing any previous owner
// of the same channel handle.
func (s *Store) Upsert(name, channel, handle string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		INSERT INTO contact_handles (id, name, channel, handle, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel, handle) DO UPDATE SET
			name = excluded.name,
			updated_at = excluded.updated_at
	`, uuid.NewString(), name, channel, handle, now)
	if err != nil {
		return fmt.Errorf("upsert handle %s/%s: %w", channel, handle, err)
	}
	return nil
}

// All returns every stored handle.
func (s *Store) All() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, name, channel, handle, updated_at
		FROM contact_handles ORDER BY name, channel
	`)
	if err != nil {
		return nil, fmt.Errorf("list handles: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var updated string
		if err := rows.Scan(&e.ID, &e.Name, &e.Channel, &e.Handle, &updated); err != nil {
			return nil, fmt.Errorf("scan handle: %w", err)
		}
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ByName returns the handles stored for one contact name.
func (s *Store) ByName(name string) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, name, channel, handle, updated_at
		FROM contact_handles WHERE name = ? ORDER BY channel
	`, name)
	if err != nil {
		return nil, fmt.Errorf("handles for %s: %w", name, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var updated string
		if err := rows.Scan(&e.ID, &e.Name, &e.Channel, &e.Handle, &updated); err != nil {
			return nil, fmt.Errorf("scan handle: %w", err)
		}
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
