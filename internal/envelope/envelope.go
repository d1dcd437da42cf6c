// Package envelope defines the canonical in-flight message unit. Every
// inbound message — whether it arrived over webchat, WhatsApp, Telegram,
// a cron trigger, or an internal task result — is converted to an
// Envelope before it touches the bus. Envelopes are immutable after
// creation; lifecycle tracking lives on the bus entry, not here.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders envelopes on the bus. Lower values dequeue first.
type Priority int

const (
	PriorityUrgent     Priority = 0
	PriorityNormal     Priority = 1
	PriorityBackground Priority = 2
)

// String returns the wire name for a priority.
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityBackground:
		return "background"
	default:
		return "normal"
	}
}

// ParsePriority converts a wire name to a Priority. Unknown names map
// to PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "urgent":
		return PriorityUrgent
	case "background":
		return PriorityBackground
	default:
		return PriorityNormal
	}
}

// Relationship classifies a sender relative to the agent.
type Relationship string

const (
	RelationPartner  Relationship = "partner"
	RelationInternal Relationship = "internal"
	RelationExternal Relationship = "external"
	RelationSystem   Relationship = "system"
)

// Sender identifies who produced a message.
type Sender struct {
	ID           string       `json:"id"`
	Name         string       `json:"name,omitempty"`
	Relationship Relationship `json:"relationship"`
}

// ReplyContext carries enough addressing to route a reply back to the
// originating conversation. Channel is always set; the rest depends on
// what the transport provides.
type ReplyContext struct {
	Channel   string `json:"channel"`
	ThreadID  string `json:"thread_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	AccountID string `json:"account_id,omitempty"`
}

// Attachment is an opaque payload carried alongside the text content.
type Attachment struct {
	Name string `json:"name,omitempty"`
	MIME string `json:"mime,omitempty"`
	Data []byte `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Metadata keys the core interprets. Everything else in the metadata
// map is forwarded untouched.
const (
	// MetaOpsTrigger marks a synthetic wake-up envelope injected when a
	// dispatched task reaches a terminal state. Value is "true".
	MetaOpsTrigger = "ops_trigger"
	// MetaJobID carries the pending-op id on an ops-trigger envelope.
	MetaJobID = "job_id"
)

// Envelope is the universal in-flight message. Created once by an
// adapter (or internally), enqueued once, never mutated.
type Envelope struct {
	ID          string            `json:"id"`
	Channel     string            `json:"channel"`
	Sender      Sender            `json:"sender"`
	Timestamp   time.Time         `json:"timestamp"`
	Reply       ReplyContext      `json:"reply"`
	Content     string            `json:"content"`
	Priority    Priority          `json:"priority"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// New creates an envelope with a fresh id and the current time. The
// reply context defaults to the source channel; adapters overwrite it
// when the transport provides thread or message ids.
func New(channel string, sender Sender, content string, priority Priority) *Envelope {
	return &Envelope{
		ID:        NewID(),
		Channel:   channel,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
		Reply:     ReplyContext{Channel: channel},
		Content:   content,
		Priority:  priority,
	}
}

// NewOpsTrigger creates the synthetic envelope that wakes the loop when
// the pending op with the given id completes or fails. It carries no
// content; the loop appends its own sentinel row.
func NewOpsTrigger(jobID string, priority Priority) *Envelope {
	e := New("router", Sender{ID: "cortex:router", Relationship: RelationInternal}, "", priority)
	e.Metadata = map[string]string{
		MetaOpsTrigger: "true",
		MetaJobID:      jobID,
	}
	return e
}

// IsOpsTrigger reports whether this envelope is a synthetic task-result
// wake-up rather than a real inbound message.
func (e *Envelope) IsOpsTrigger() bool {
	return e.Metadata[MetaOpsTrigger] == "true"
}

// JobID returns the pending-op id carried by an ops trigger, or "".
func (e *Envelope) JobID() string {
	return e.Metadata[MetaJobID]
}

// Encode serializes the envelope for bus storage.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.ID, err)
	}
	return data, nil
}

// Decode deserializes an envelope from bus storage.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// NewID generates a UUIDv7, falling back to v4 if the clock source
// misbehaves.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
