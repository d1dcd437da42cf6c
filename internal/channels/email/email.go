// Package email connects Cortex to a mailbox: an IMAP poller turns new
// messages into envelopes and replies go out over SMTP as
// multipart/alternative MIME built from markdown.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cortexhub/cortex/internal/adapter"
	"github.com/cortexhub/cortex/internal/config"
	"github.com/cortexhub/cortex/internal/envelope"
	"github.com/cortexhub/cortex/internal/output"
)

// ChannelID is the stable channel identifier.
const ChannelID = "email"

// maxTrackedThreads bounds the reply metadata cache.
const maxTrackedThreads = 500

// threadMeta remembers enough about an inbound message to compose a
// threaded reply.
type threadMeta struct {
	addr    string
	subject string
}

// EnqueueFunc hands an inbound envelope to the bus.
type EnqueueFunc func(*envelope.Envelope) error

// Adapter is the email channel.
type Adapter struct {
	cfg      config.EmailConfig
	resolver adapter.Resolver
	enqueue  EnqueueFunc
	logger   *slog.Logger
	imap     *client

	mu        sync.Mutex
	threads   map[string]threadMeta // Message-ID -> reply metadata
	threadIDs []string              // insertion order for eviction
	highUID   uint32
	seeded    bool
	reachable bool
}

// New creates the email adapter. Call Run to start polling.
func New(cfg config.EmailConfig, resolver adapter.Resolver, enqueue EnqueueFunc, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:      cfg,
		resolver: resolver,
		enqueue:  enqueue,
		logger:   logger,
		imap:     newIMAPClient(cfg.IMAPServer, cfg.Address, cfg.Password, cfg.Mailbox, logger),
		threads:  make(map[string]threadMeta),
	}
}

// ChannelID implements adapter.Adapter.
func (a *Adapter) ChannelID() string { return ChannelID }

// IsAvailable reports whether the last poll reached the IMAP server.
func (a *Adapter) IsAvailable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reachable
}

// ToEnvelope implements adapter.Adapter. The sender address is the
// channel identity; ThreadID carries it so replies know where to go.
func (a *Adapter) ToEnvelope(raw adapter.RawMessage, resolver adapter.Resolver) (*envelope.Envelope, error) {
	sender := resolver.Resolve(ChannelID, raw.SenderID, raw.DisplayName)
	e := envelope.New(ChannelID, sender, raw.Content, adapter.PriorityFor(sender))
	e.Reply.ThreadID = raw.ThreadID
	e.Reply.MessageID = raw.MessageID
	e.Reply.AccountID = a.cfg.Address
	return e, nil
}

// Send implements adapter.Adapter: compose and deliver a reply over
// SMTP. MessageID selects the thread; without one the target ThreadID
// must carry a bare recipient address.
func (a *Adapter) Send(ctx context.Context, t output.Target) error {
	meta, ok := a.lookupThread(t.MessageID)
	if !ok {
		if t.ThreadID == "" {
			return fmt.Errorf("email send requires a recipient")
		}
		meta = threadMeta{addr: t.ThreadID}
	}

	subject := meta.subject
	if subject == "" {
		subject = "Message from Cortex"
	} else if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	from := a.cfg.Address
	if a.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", a.cfg.FromName, a.cfg.Address)
	}

	msg, err := composeMessage(composeOptions{
		From:      from,
		To:        meta.addr,
		Subject:   subject,
		Body:      t.Content,
		InReplyTo: t.MessageID,
	})
	if err != nil {
		return fmt.Errorf("compose reply: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := sendMail(sendCtx, a.cfg.SMTPServer, a.cfg.Address, a.cfg.Password, from, meta.addr, msg); err != nil {
		return fmt.Errorf("send reply to %s: %w", meta.addr, err)
	}
	return nil
}

// Run polls the mailbox until ctx is cancelled. The first successful
// poll seeds the high-water mark silently so a fresh deployment does
// not replay the whole inbox.
func (a *Adapter) Run(ctx context.Context) error {
	interval := 2 * time.Minute
	if a.cfg.PollInterval != "" {
		if d, err := time.ParseDuration(a.cfg.PollInterval); err == nil && d > 0 {
			interval = d
		} else {
			a.logger.Warn("bad email poll interval, using default",
				"value", a.cfg.PollInterval, "default", interval)
		}
	}

	a.logger.Info("email polling started", "mailbox", a.cfg.Mailbox, "interval", interval)
	defer a.imap.close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

func (a *Adapter) pollOnce(ctx context.Context) {
	if err := a.poll(ctx); err != nil {
		a.mu.Lock()
		a.reachable = false
		a.mu.Unlock()
		a.logger.Warn("email poll failed", "error", err)
	}
}

func (a *Adapter) poll(ctx context.Context) error {
	a.mu.Lock()
	seeded := a.seeded
	highUID := a.highUID
	a.mu.Unlock()

	if !seeded {
		uid, err := a.imap.highestUID(ctx)
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.highUID = uid
		a.seeded = true
		a.reachable = true
		a.mu.Unlock()
		a.logger.Info("email high-water mark seeded", "uid", uid)
		return nil
	}

	msgs, err := a.imap.fetchSince(ctx, highUID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.reachable = true
	a.mu.Unlock()

	for _, m := range msgs {
		a.mu.Lock()
		if m.UID > a.highUID {
			a.highUID = m.UID
		}
		a.mu.Unlock()
		a.handleMessage(m)
	}
	return nil
}

func (a *Adapter) handleMessage(m *Message) {
	body := m.Body()
	if body == "" && m.Subject == "" {
		return
	}

	content := body
	if m.Subject != "" {
		content = fmt.Sprintf("Subject: %s\n\n%s", m.Subject, body)
	}

	a.rememberThread(m.MessageID, threadMeta{addr: m.FromAddr, subject: m.Subject})

	env, err := a.ToEnvelope(adapter.RawMessage{
		SenderID:    m.FromAddr,
		DisplayName: m.From,
		Content:     content,
		ThreadID:    m.FromAddr,
		MessageID:   m.MessageID,
		Metadata:    map[string]string{"uid": strconv.FormatUint(uint64(m.UID), 10)},
	}, a.resolver)
	if err != nil {
		a.logger.Warn("email envelope failed", "error", err)
		return
	}
	if err := a.enqueue(env); err != nil {
		a.logger.Warn("email enqueue failed", "error", err)
	}
}

func (a *Adapter) rememberThread(msgID string, meta threadMeta) {
	if msgID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.threads[msgID]; !exists {
		a.threadIDs = append(a.threadIDs, msgID)
		for len(a.threadIDs) > maxTrackedThreads {
			delete(a.threads, a.threadIDs[0])
			a.threadIDs = a.threadIDs[1:]
		}
	}
	a.threads[msgID] = meta
}

func (a *Adapter) lookupThread(msgID string) (threadMeta, bool) {
	if msgID == "" {
		return threadMeta{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	meta, ok := a.threads[msgID]
	return meta, ok
}
