// Package adapter defines the channel adapter contract and the registry
// the output router delivers through. Each transport (webchat, whatsapp,
// telegram, email, mqtt, cron) implements Adapter; the registry applies
// per-channel mode gating (off, shadow, live) on the send path.
package adapter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cortexhub/cortex/internal/envelope"
	"github.com/cortexhub/cortex/internal/output"
)

// Mode controls how much of a channel is active.
type Mode string

const (
	// ModeOff ignores the channel entirely.
	ModeOff Mode = "off"
	// ModeShadow observes inbound envelopes but suppresses outbound
	// sends. Useful while trialling a new transport.
	ModeShadow Mode = "shadow"
	// ModeLive is full operation.
	ModeLive Mode = "live"
)

// ParseMode normalizes a config string; unknown values map to off.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeShadow, ModeLive:
		return Mode(s)
	default:
		return ModeOff
	}
}

// RawMessage is the transport-neutral inbound message shape adapters
// hand to ToEnvelope.
type RawMessage struct {
	SenderID    string
	DisplayName string
	Content     string
	ThreadID    string
	MessageID   string
	AccountID   string
	Group       bool
	Attachments []envelope.Attachment
	Metadata    map[string]string
}

// Adapter is the contract every channel transport implements.
type Adapter interface {
	// ChannelID is the stable channel identifier.
	ChannelID() string
	// ToEnvelope produces a well-formed envelope from a raw inbound
	// message, resolving the sender and deriving priority from the
	// relationship.
	ToEnvelope(raw RawMessage, resolver Resolver) (*envelope.Envelope, error)
	// Send delivers one routed target to the transport. Inbound-only
	// channels may no-op.
	Send(ctx context.Context, t output.Target) error
	// IsAvailable reports whether the transport is currently usable.
	IsAvailable() bool
}

// PriorityFor derives envelope priority from the resolved sender.
// Partners interrupt, system channels stay in the background, everyone
// else is normal.
func PriorityFor(sender envelope.Sender) envelope.Priority {
	switch sender.Relationship {
	case envelope.RelationPartner:
		return envelope.PriorityUrgent
	case envelope.RelationSystem:
		return envelope.PriorityBackground
	default:
		return envelope.PriorityNormal
	}
}

// Registry holds the active adapters and their modes. It implements
// output.Registry for the routing path.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	modes    map[string]Mode
	logger   *slog.Logger
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		modes:    make(map[string]Mode),
		logger:   logger,
	}
}

// Register adds an adapter under its channel id with the given mode.
// Off channels are not registered at all.
func (r *Registry) Register(a Adapter, mode Mode) {
	if mode == ModeOff {
		r.logger.Info("channel disabled", "channel", a.ChannelID())
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ChannelID()] = a
	r.modes[a.ChannelID()] = mode
	r.logger.Info("channel registered", "channel", a.ChannelID(), "mode", string(mode))
}

// Get returns the adapter for a channel, or nil.
func (r *Registry) Get(channel string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[channel]
}

// Mode returns the configured mode for a channel (off when unknown).
func (r *Registry) Mode(channel string) Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.modes[channel]; ok {
		return m
	}
	return ModeOff
}

// Channels returns the registered channel ids.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	return out
}

// Sender implements output.Registry. Shadow channels return a
// suppressing sender so routed targets are logged but never delivered.
func (r *Registry) Sender(channel string) output.Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[channel]
	if !ok {
		return nil
	}
	if r.modes[channel] == ModeShadow {
		return &shadowSender{channel: channel, logger: r.logger}
	}
	return &adapterSender{a: a}
}

type adapterSender struct {
	a Adapter
}

func (s *adapterSender) Send(ctx context.Context, t output.Target) error {
	return s.a.Send(ctx, t)
}

type shadowSender struct {
	channel string
	logger  *slog.Logger
}

func (s *shadowSender) Send(_ context.Context, t output.Target) error {
	s.logger.Info("shadow mode, outbound suppressed",
		"channel", s.channel, "content_len", len(t.Content))
	return nil
}
