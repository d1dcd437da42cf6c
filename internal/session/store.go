// Package session owns the unified conversation log, the per-channel
// attention states, and the pending-operations table. One row per
// turn-half: user rows come from inbound envelopes, assistant rows from
// model output, silence markers, dispatch evidence, and archived task
// results.
package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cortexhub/cortex/internal/envelope"
)

// Roles for session rows.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Attention layers for channel states.
const (
	LayerForeground = "foreground"
	LayerBackground = "background"
	LayerArchived   = "archived"
)

// SilenceContent is the synthetic assistant row recorded when the model
// chose not to reply. Part of the session log protocol.
const SilenceContent = "[silence]"

// Message is one turn-half in the conversation log.
type Message struct {
	ID         string            `json:"id"`
	EnvelopeID string            `json:"envelope_id,omitempty"`
	Role       string            `json:"role"`
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	Content    string            `json:"content"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ChannelState is the per-channel attention record. The layer field is
// the only field other components may mutate after creation.
type ChannelState struct {
	Channel       string    `json:"channel"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
	Summary       string    `json:"summary,omitempty"`
	Layer         string    `json:"layer"`
}

// Store is the SQLite-backed session store. It shares the single Cortex
// database connection with the bus and Hippocampus.
type Store struct {
	db *sql.DB
}

// NewStore creates a session store on the shared database connection.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("session migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cortex_session (
			id          TEXT PRIMARY KEY,
			envelope_id TEXT,
			role        TEXT NOT NULL,
			channel     TEXT NOT NULL,
			sender_id   TEXT NOT NULL,
			content     TEXT NOT NULL,
			timestamp   TEXT NOT NULL,
			metadata    TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_session_channel_ts ON cortex_session(channel, timestamp);
		CREATE INDEX IF NOT EXISTS idx_session_ts ON cortex_session(timestamp);

		CREATE TABLE IF NOT EXISTS cortex_channel_states (
			channel         TEXT PRIMARY KEY,
			last_message_at TEXT NOT NULL,
			unread_count    INTEGER NOT NULL DEFAULT 0,
			summary         TEXT,
			layer           TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cortex_pending_ops (
			id               TEXT PRIMARY KEY,
			type             TEXT NOT NULL,
			description      TEXT NOT NULL,
			dispatched_at    TEXT NOT NULL,
			expected_channel TEXT NOT NULL,
			status           TEXT NOT NULL,
			completed_at     TEXT,
			result           TEXT,
			reply_channel    TEXT,
			result_priority  TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_pending_ops_status ON cortex_pending_ops(status);
	`)
	return err
}

// AppendEnvelope records an inbound envelope as a user row.
func (s *Store) AppendEnvelope(e *envelope.Envelope) (*Message, error) {
	return s.Append(&Message{
		EnvelopeID: e.ID,
		Role:       RoleUser,
		Channel:    e.Channel,
		SenderID:   e.Sender.ID,
		Content:    e.Content,
		Timestamp:  e.Timestamp,
		Metadata:   e.Metadata,
	})
}

// AppendAssistant records one assistant turn-half on a channel.
func (s *Store) AppendAssistant(channel, senderID, content string) (*Message, error) {
	return s.Append(&Message{
		Role:     RoleAssistant,
		Channel:  channel,
		SenderID: senderID,
		Content:  content,
	})
}

// Append inserts a session row. Fills id and timestamp when unset.
func (s *Store) Append(m *Message) (*Message, error) {
	if m.ID == "" {
		m.ID = envelope.NewID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	var metaJSON any
	if len(m.Metadata) > 0 {
		data, err := json.Marshal(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = string(data)
	}

	_, err := s.db.Exec(`
		INSERT INTO cortex_session (id, envelope_id, role, channel, sender_id, content, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, nullable(m.EnvelopeID), m.Role, m.Channel, m.SenderID, m.Content,
		m.Timestamp.UTC().Format(time.RFC3339Nano), metaJSON)
	if err != nil {
		return nil, fmt.Errorf("append session row: %w", err)
	}
	return m, nil
}

// History returns session rows in ascending timestamp, ascending id
// order. Channel filters when non-empty; before cuts off newer rows
// when non-nil; limit caps the result (most recent rows win the cap).
func (s *Store) History(channel string, limit int, before *time.Time) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, envelope_id, role, channel, sender_id, content, timestamp, metadata FROM cortex_session`
	var conds []string
	var args []any
	if channel != "" {
		conds = append(conds, "channel = ?")
		args = append(args, channel)
	}
	if before != nil {
		conds = append(conds, "timestamp < ?")
		args = append(args, before.UTC().Format(time.RFC3339Nano))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	// Take the newest rows, then flip to chronological order.
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("session history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// TouchChannel upserts the channel state for an inbound message:
// creates the row as foreground on first contact, refreshes the
// last-message timestamp, and increments the unread counter.
func (s *Store) TouchChannel(channel string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO cortex_channel_states (channel, last_message_at, unread_count, layer)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (channel) DO UPDATE
		SET last_message_at = excluded.last_message_at,
		    unread_count = unread_count + 1,
		    layer = ?
	`, channel, at.UTC().Format(time.RFC3339Nano), LayerForeground, LayerForeground)
	if err != nil {
		return fmt.Errorf("touch channel %s: %w", channel, err)
	}
	return nil
}

// MarkChannelRead zeroes the unread counter after a turn served the
// channel.
func (s *Store) MarkChannelRead(channel string) error {
	_, err := s.db.Exec(`UPDATE cortex_channel_states SET unread_count = 0 WHERE channel = ?`, channel)
	if err != nil {
		return fmt.Errorf("mark read %s: %w", channel, err)
	}
	return nil
}

// SetLayer moves a channel between attention layers.
func (s *Store) SetLayer(channel, layer string) error {
	_, err := s.db.Exec(`UPDATE cortex_channel_states SET layer = ? WHERE channel = ?`, layer, channel)
	if err != nil {
		return fmt.Errorf("set layer %s: %w", channel, err)
	}
	return nil
}

// SetSummary stores the compressed summary used for the background
// context layer.
func (s *Store) SetSummary(channel, summary string) error {
	_, err := s.db.Exec(`UPDATE cortex_channel_states SET summary = ? WHERE channel = ?`, summary, channel)
	if err != nil {
		return fmt.Errorf("set summary %s: %w", channel, err)
	}
	return nil
}

// ChannelStates returns all channel state rows.
func (s *Store) ChannelStates() ([]ChannelState, error) {
	rows, err := s.db.Query(`
		SELECT channel, last_message_at, unread_count, summary, layer
		FROM cortex_channel_states ORDER BY channel
	`)
	if err != nil {
		return nil, fmt.Errorf("channel states: %w", err)
	}
	defer rows.Close()

	var states []ChannelState
	for rows.Next() {
		var cs ChannelState
		var lastAt string
		var summary sql.NullString
		if err := rows.Scan(&cs.Channel, &lastAt, &cs.UnreadCount, &summary, &cs.Layer); err != nil {
			return nil, err
		}
		cs.LastMessageAt, _ = time.Parse(time.RFC3339Nano, lastAt)
		if summary.Valid {
			cs.Summary = summary.String
		}
		states = append(states, cs)
	}
	return states, rows.Err()
}

// ChannelState returns a single channel's state, or nil if the channel
// has never been seen.
func (s *Store) ChannelState(channel string) (*ChannelState, error) {
	row := s.db.QueryRow(`
		SELECT channel, last_message_at, unread_count, summary, layer
		FROM cortex_channel_states WHERE channel = ?
	`, channel)

	var cs ChannelState
	var lastAt string
	var summary sql.NullString
	err := row.Scan(&cs.Channel, &lastAt, &cs.UnreadCount, &summary, &cs.Layer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("channel state %s: %w", channel, err)
	}
	cs.LastMessageAt, _ = time.Parse(time.RFC3339Nano, lastAt)
	if summary.Valid {
		cs.Summary = summary.String
	}
	return &cs, nil
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var m Message
	var envelopeID, metadata sql.NullString
	var ts string

	err := rows.Scan(&m.ID, &envelopeID, &m.Role, &m.Channel, &m.SenderID, &m.Content, &ts, &metadata)
	if err != nil {
		return nil, err
	}
	if envelopeID.Valid {
		m.EnvelopeID = envelopeID.String
	}
	m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &m, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
