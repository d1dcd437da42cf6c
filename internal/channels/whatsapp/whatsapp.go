// Package whatsapp connects Cortex to a WhatsApp HTTP bridge. The
// bridge owns the actual WhatsApp session; this adapter long-polls it
// for inbound messages and posts outbound replies. Pairing is done by
// rendering the bridge's pairing code as a QR image on disk.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/cortexhub/cortex/internal/adapter"
	"github.com/cortexhub/cortex/internal/config"
	"github.com/cortexhub/cortex/internal/envelope"
	"github.com/cortexhub/cortex/internal/httpkit"
	"github.com/cortexhub/cortex/internal/output"
)

// ChannelID is the stable channel identifier.
const ChannelID = "whatsapp"

const pollInterval = 2 * time.Second

// bridgeMessage is one inbound message from the bridge receive queue.
type bridgeMessage struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"` // phone number, E.164
	PushName  string `json:"push_name,omitempty"`
	Content   string `json:"content"`
	ChatID    string `json:"chat_id,omitempty"`
	IsGroup   bool   `json:"is_group,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// sendRequest is the outbound POST body.
type sendRequest struct {
	ChatID  string `json:"chat_id,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
	Content string `json:"content"`
}

// statusResponse reports bridge session state.
type statusResponse struct {
	Connected   bool   `json:"connected"`
	PairingCode string `json:"pairing_code,omitempty"`
}

// EnqueueFunc hands an inbound envelope to the bus.
type EnqueueFunc func(*envelope.Envelope) error

// Adapter is the WhatsApp bridge channel.
type Adapter struct {
	cfg        config.WhatsAppConfig
	resolver   adapter.Resolver
	enqueue    EnqueueFunc
	logger     *slog.Logger
	httpClient *http.Client

	connected bool
}

// New creates the WhatsApp adapter. Call Run to start polling.
func New(cfg config.WhatsAppConfig, resolver adapter.Resolver, enqueue EnqueueFunc, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:      cfg,
		resolver: resolver,
		enqueue:  enqueue,
		logger:   logger,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30 * time.Second),
		),
	}
}

// ChannelID implements adapter.Adapter.
func (a *Adapter) ChannelID() string { return ChannelID }

// IsAvailable reports whether the bridge session is paired and up.
func (a *Adapter) IsAvailable() bool { return a.connected }

// ToEnvelope implements adapter.Adapter.
func (a *Adapter) ToEnvelope(raw adapter.RawMessage, resolver adapter.Resolver) (*envelope.Envelope, error) {
	sender := resolver.Resolve(ChannelID, raw.SenderID, raw.DisplayName)
	e := envelope.New(ChannelID, sender, raw.Content, adapter.PriorityFor(sender))
	e.Reply.ThreadID = raw.ThreadID
	e.Reply.MessageID = raw.MessageID
	e.Reply.AccountID = a.cfg.AccountID
	return e, nil
}

// Send implements adapter.Adapter: POST the target to the bridge.
func (a *Adapter) Send(ctx context.Context, t output.Target) error {
	req := sendRequest{
		ChatID:  t.ThreadID,
		ReplyTo: t.MessageID,
		Content: t.Content,
	}
	return a.post(ctx, "/api/send", req, nil)
}

// Run polls the bridge until ctx is cancelled. The session status is
// checked first; an unpaired bridge gets a QR written to disk and the
// loop waits for pairing to complete.
func (a *Adapter) Run(ctx context.Context) error {
	if err := a.checkSession(ctx); err != nil {
		a.logger.Warn("whatsapp bridge unreachable at startup", "error", err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !a.connected {
				if err := a.checkSession(ctx); err != nil {
					a.logger.Debug("whatsapp session check failed", "error", err)
				}
				continue
			}
			if err := a.poll(ctx); err != nil {
				a.logger.Warn("whatsapp poll failed", "error", err)
				a.connected = false
			}
		}
	}
}

// checkSession asks the bridge for its state and renders the pairing
// QR when the session is not yet linked.
func (a *Adapter) checkSession(ctx context.Context) error {
	var status statusResponse
	if err := a.get(ctx, "/api/status", &status); err != nil {
		return err
	}

	if status.Connected {
		if !a.connected {
			a.logger.Info("whatsapp bridge connected", "account", a.cfg.AccountID)
		}
		a.connected = true
		return nil
	}
	a.connected = false

	if status.PairingCode != "" && a.cfg.QRPath != "" {
		if err := qrcode.WriteFile(status.PairingCode, qrcode.Medium, 256, a.cfg.QRPath); err != nil {
			return fmt.Errorf("write pairing QR: %w", err)
		}
		a.logger.Info("whatsapp pairing QR written, scan to link", "path", a.cfg.QRPath)
	}
	return nil
}

// poll drains the bridge receive queue and enqueues each message.
func (a *Adapter) poll(ctx context.Context) error {
	var msgs []bridgeMessage
	if err := a.get(ctx, "/api/receive", &msgs); err != nil {
		return err
	}

	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		threadID := m.ChatID
		if threadID == "" {
			threadID = m.Sender
		}
		env, err := a.ToEnvelope(adapter.RawMessage{
			SenderID:    m.Sender,
			DisplayName: m.PushName,
			Content:     m.Content,
			ThreadID:    threadID,
			MessageID:   m.ID,
			Group:       m.IsGroup,
		}, a.resolver)
		if err != nil {
			a.logger.Warn("whatsapp envelope failed", "error", err)
			continue
		}
		if err := a.enqueue(env); err != nil {
			a.logger.Warn("whatsapp enqueue failed", "error", err)
		}
	}
	return nil
}

func (a *Adapter) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BridgeURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return a.do(req, path, result)
}

func (a *Adapter) post(ctx context.Context, path string, data any, result any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BridgeURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, path, result)
}

func (a *Adapter) do(req *http.Request, path string, result any) error {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("bridge error %d: %s", resp.StatusCode, body)
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
