// Package cron provides the scheduled trigger channel: configured
// entries fire on an interval and enqueue their content as system
// envelopes. The channel is inbound only; heartbeat prompts rely on the
// HEARTBEAT_OK convention to stay silent.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cortexhub/cortex/internal/adapter"
	"github.com/cortexhub/cortex/internal/config"
	"github.com/cortexhub/cortex/internal/envelope"
	"github.com/cortexhub/cortex/internal/output"
)

// ChannelID is the stable channel identifier.
const ChannelID = "cron"

// EnqueueFunc hands a fired trigger to the bus.
type EnqueueFunc func(*envelope.Envelope) error

// Adapter is the cron channel. Send is a no-op.
type Adapter struct {
	entries  []config.CronEntry
	resolver adapter.Resolver
	enqueue  EnqueueFunc
	logger   *slog.Logger
}

// New creates the cron adapter from configured entries.
func New(entries []config.CronEntry, resolver adapter.Resolver, enqueue EnqueueFunc, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{entries: entries, resolver: resolver, enqueue: enqueue, logger: logger}
}

// ChannelID implements adapter.Adapter.
func (a *Adapter) ChannelID() string { return ChannelID }

// IsAvailable implements adapter.Adapter.
func (a *Adapter) IsAvailable() bool { return true }

// Send implements adapter.Adapter. Cron is inbound only, so routed
// targets are dropped silently.
func (a *Adapter) Send(context.Context, output.Target) error { return nil }

// ToEnvelope implements adapter.Adapter. Cron senders always resolve to
// the system relationship, which maps to background priority.
func (a *Adapter) ToEnvelope(raw adapter.RawMessage, resolver adapter.Resolver) (*envelope.Envelope, error) {
	sender := resolver.Resolve(ChannelID, raw.SenderID, raw.DisplayName)
	e := envelope.New(ChannelID, sender, raw.Content, adapter.PriorityFor(sender))
	return e, nil
}

// Run fires each configured entry on its interval until ctx is
// cancelled. Entries with unparseable intervals are skipped with a
// warning.
func (a *Adapter) Run(ctx context.Context) {
	for _, entry := range a.entries {
		d, err := entry.Duration()
		if err != nil {
			a.logger.Warn("cron entry skipped, bad interval",
				"name", entry.Name, "interval", entry.Interval, "error", err)
			continue
		}
		go a.runEntry(ctx, entry, d)
	}
	<-ctx.Done()
}

func (a *Adapter) runEntry(ctx context.Context, entry config.CronEntry, every time.Duration) {
	a.logger.Info("cron entry scheduled", "name", entry.Name, "interval", every)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.fire(entry); err != nil {
				a.logger.Warn("cron fire failed", "name", entry.Name, "error", err)
			}
		}
	}
}

func (a *Adapter) fire(entry config.CronEntry) error {
	env, err := a.ToEnvelope(adapter.RawMessage{
		SenderID: fmt.Sprintf("cron:%s", entry.Name),
		Content:  entry.Content,
	}, a.resolver)
	if err != nil {
		return err
	}
	return a.enqueue(env)
}
