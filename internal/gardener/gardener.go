// Package gardener runs the background memory maintenance passes:
// compacting idle foreground channels into background summaries,
// extracting durable facts from recent conversation, and evicting stale
// hot facts into cold storage. Each pass is best-effort; a failure is
// logged and the next tick tries again.
package gardener

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cortexhub/cortex/internal/events"
	"github.com/cortexhub/cortex/internal/hippocampus"
	"github.com/cortexhub/cortex/internal/llm"
	"github.com/cortexhub/cortex/internal/session"
)

const summarizeSystem = `Summarize the conversation in at most two sentences.
Keep concrete facts (names, numbers, decisions). Output only the summary.`

const extractSystem = `Extract durable facts worth remembering from the conversation:
preferences, commitments, names, dates, technical details. One short fact per line.
Output NONE if there is nothing worth keeping.`

// Config tunes the maintenance cadence.
type Config struct {
	Interval      time.Duration // tick cadence, default 10m
	IdleThreshold time.Duration // compact channels idle this long, default 1h
	StaleAfter    time.Duration // evict facts untouched this long, default 14d
	StaleMaxHits  int           // only facts with at most this many hits, default 2
	TranscriptMax int           // session rows per compaction, default 50
}

func (c *Config) fill() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = time.Hour
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 14 * 24 * time.Hour
	}
	if c.StaleMaxHits <= 0 {
		c.StaleMaxHits = 2
	}
	if c.TranscriptMax <= 0 {
		c.TranscriptMax = 50
	}
}

// Gardener owns the maintenance passes.
type Gardener struct {
	cfg    Config
	sess   *session.Store
	hippo  *hippocampus.Hippocampus
	model  llm.ModelFunc
	events *events.Bus
	logger *slog.Logger

	lastExtract time.Time
}

// New wires a gardener. model may be nil, which disables the passes
// that need summarization.
func New(cfg Config, sess *session.Store, hippo *hippocampus.Hippocampus,
	model llm.ModelFunc, bus *events.Bus, logger *slog.Logger) *Gardener {
	cfg.fill()
	if logger == nil {
		logger = slog.Default()
	}
	return &Gardener{
		cfg:         cfg,
		sess:        sess,
		hippo:       hippo,
		model:       model,
		events:      bus,
		logger:      logger,
		lastExtract: time.Now(),
	}
}

// Run ticks the maintenance passes until ctx is cancelled.
func (g *Gardener) Run(ctx context.Context) {
	g.logger.Info("gardener started", "interval", g.cfg.Interval)
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("gardener stopped")
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// Sweep runs one full maintenance pass.
func (g *Gardener) Sweep(ctx context.Context) {
	if n, err := g.Compact(ctx); err != nil {
		g.logger.Warn("compaction pass failed", "error", err)
	} else if n > 0 {
		g.logger.Info("channels compacted", "count", n)
	}

	if n, err := g.Extract(ctx); err != nil {
		g.logger.Warn("extraction pass failed", "error", err)
	} else if n > 0 {
		g.logger.Info("facts extracted", "count", n)
	}

	if n, err := g.EvictStale(ctx); err != nil {
		g.logger.Warn("eviction pass failed", "error", err)
	} else if n > 0 {
		g.logger.Info("stale facts evicted", "count", n)
	}
}

// Compact summarizes each idle foreground channel and demotes it to the
// background layer. Returns how many channels were compacted.
func (g *Gardener) Compact(ctx context.Context) (int, error) {
	if g.model == nil {
		return 0, nil
	}
	states, err := g.sess.ChannelStates()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-g.cfg.IdleThreshold)
	compacted := 0
	for _, cs := range states {
		if cs.Layer != session.LayerForeground || cs.LastMessageAt.After(cutoff) {
			continue
		}

		history, err := g.sess.History(cs.Channel, g.cfg.TranscriptMax, nil)
		if err != nil {
			return compacted, err
		}
		if len(history) == 0 {
			continue
		}

		summary, err := g.summarize(ctx, history)
		if err != nil {
			g.logger.Warn("summarize failed", "channel", cs.Channel, "error", err)
			continue
		}
		if err := g.sess.SetSummary(cs.Channel, summary); err != nil {
			return compacted, err
		}
		if err := g.sess.SetLayer(cs.Channel, session.LayerBackground); err != nil {
			return compacted, err
		}
		g.events.Emit(events.SourceGardener, events.KindCompaction, map[string]any{
			"channel": cs.Channel, "summarized": len(history),
		})
		compacted++
	}
	return compacted, nil
}

// Extract mines session rows appended since the last pass for durable
// facts and stores them in hot memory. Returns how many facts landed.
func (g *Gardener) Extract(ctx context.Context) (int, error) {
	if g.model == nil || g.hippo == nil {
		return 0, nil
	}

	since := g.lastExtract
	g.lastExtract = time.Now()

	history, err := g.sess.History("", 200, nil)
	if err != nil {
		return 0, err
	}
	var recent []session.Message
	for _, m := range history {
		if m.Timestamp.After(since) && m.Content != session.SilenceContent {
			recent = append(recent, m)
		}
	}
	if len(recent) == 0 {
		return 0, nil
	}

	resp, err := g.model(ctx, extractSystem,
		[]llm.Message{{Role: "user", Content: transcript(recent)}}, nil)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, line := range strings.Split(resp.Message.Content, "\n") {
		fact := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- "))
		if fact == "" || fact == "NONE" {
			continue
		}
		if err := g.hippo.Remember(fact); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// EvictStale archives hot facts that went cold: untouched past the
// stale window with few hits. Returns how many were moved.
func (g *Gardener) EvictStale(ctx context.Context) (int, error) {
	if g.hippo == nil || !g.hippo.ColdAvailable() {
		return 0, nil
	}
	stale, err := g.hippo.Hot().Stale(g.cfg.StaleAfter, g.cfg.StaleMaxHits)
	if err != nil {
		return 0, err
	}

	evicted := 0
	for _, f := range stale {
		if err := g.hippo.Evict(ctx, f.Fact); err != nil {
			g.logger.Warn("evict failed, fact stays hot", "error", err)
			continue
		}
		evicted++
	}
	if evicted > 0 {
		g.events.Emit(events.SourceGardener, events.KindEviction, map[string]any{
			"evicted": evicted,
		})
	}
	return evicted, nil
}

func (g *Gardener) summarize(ctx context.Context, history []session.Message) (string, error) {
	resp, err := g.model(ctx, summarizeSystem,
		[]llm.Message{{Role: "user", Content: transcript(history)}}, nil)
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Message.Content)
	if summary == "" {
		return "", fmt.Errorf("empty summary")
	}
	return summary, nil
}

func transcript(msgs []session.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Channel, m.SenderID, m.Content)
	}
	return b.String()
}
