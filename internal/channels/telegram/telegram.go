// Package telegram connects Cortex to the Telegram Bot API using
// long-polling. Each bot update becomes an envelope; routed targets go
// out via sendMessage with the chat as the thread.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cortexhub/cortex/internal/adapter"
	"github.com/cortexhub/cortex/internal/config"
	"github.com/cortexhub/cortex/internal/envelope"
	"github.com/cortexhub/cortex/internal/httpkit"
	"github.com/cortexhub/cortex/internal/output"
)

// ChannelID is the stable channel identifier.
const ChannelID = "telegram"

const apiBase = "https://api.telegram.org"

// update is one entry from getUpdates.
type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		From      *struct {
			ID        int64  `json:"id"`
			Username  string `json:"username"`
			FirstName string `json:"first_name"`
		} `json:"from"`
		Chat struct {
			ID   int64  `json:"id"`
			Type string `json:"type"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

// apiResponse wraps every Bot API reply.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// EnqueueFunc hands an inbound envelope to the bus.
type EnqueueFunc func(*envelope.Envelope) error

// Adapter is the Telegram bot channel.
type Adapter struct {
	token       string
	pollTimeout int
	resolver    adapter.Resolver
	enqueue     EnqueueFunc
	logger      *slog.Logger
	httpClient  *http.Client

	offset    int64
	reachable bool
}

// New creates the Telegram adapter. Call Run to start polling.
func New(cfg config.TelegramConfig, resolver adapter.Resolver, enqueue EnqueueFunc, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 30
	}
	return &Adapter{
		token:       cfg.BotToken,
		pollTimeout: timeout,
		resolver:    resolver,
		enqueue:     enqueue,
		logger:      logger,
		// Long-poll requests outlive any fixed client timeout; the
		// request context bounds each call instead.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
	}
}

// ChannelID implements adapter.Adapter.
func (a *Adapter) ChannelID() string { return ChannelID }

// IsAvailable reports whether the last poll reached the API.
func (a *Adapter) IsAvailable() bool { return a.reachable }

// ToEnvelope implements adapter.Adapter.
func (a *Adapter) ToEnvelope(raw adapter.RawMessage, resolver adapter.Resolver) (*envelope.Envelope, error) {
	sender := resolver.Resolve(ChannelID, raw.SenderID, raw.DisplayName)
	e := envelope.New(ChannelID, sender, raw.Content, adapter.PriorityFor(sender))
	e.Reply.ThreadID = raw.ThreadID
	e.Reply.MessageID = raw.MessageID
	return e, nil
}

// Send implements adapter.Adapter: sendMessage to the target chat.
// ThreadID carries the chat ID; without one there is nowhere to send.
func (a *Adapter) Send(ctx context.Context, t output.Target) error {
	if t.ThreadID == "" {
		return fmt.Errorf("telegram send requires a chat id")
	}
	params := url.Values{}
	params.Set("chat_id", t.ThreadID)
	params.Set("text", t.Content)
	if t.MessageID != "" {
		params.Set("reply_to_message_id", t.MessageID)
	}
	return a.call(ctx, "sendMessage", params, nil)
}

// Run long-polls getUpdates until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	a.logger.Info("telegram polling started", "timeout_s", a.pollTimeout)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := a.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.reachable = false
			a.logger.Warn("telegram poll failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (a *Adapter) pollOnce(ctx context.Context) error {
	params := url.Values{}
	params.Set("timeout", strconv.Itoa(a.pollTimeout))
	params.Set("allowed_updates", `["message"]`)
	if a.offset > 0 {
		params.Set("offset", strconv.FormatInt(a.offset, 10))
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(a.pollTimeout+10)*time.Second)
	defer cancel()

	var updates []update
	if err := a.call(callCtx, "getUpdates", params, &updates); err != nil {
		return err
	}
	a.reachable = true

	for _, u := range updates {
		if u.UpdateID >= a.offset {
			a.offset = u.UpdateID + 1
		}
		a.handleUpdate(u)
	}
	return nil
}

func (a *Adapter) handleUpdate(u update) {
	if u.Message == nil || u.Message.Text == "" || u.Message.From == nil {
		return
	}
	m := u.Message

	senderID := strconv.FormatInt(m.From.ID, 10)
	display := m.From.Username
	if display == "" {
		display = m.From.FirstName
	}

	env, err := a.ToEnvelope(adapter.RawMessage{
		SenderID:    senderID,
		DisplayName: display,
		Content:     m.Text,
		ThreadID:    strconv.FormatInt(m.Chat.ID, 10),
		MessageID:   strconv.FormatInt(m.MessageID, 10),
		Group:       m.Chat.Type != "private",
	}, a.resolver)
	if err != nil {
		a.logger.Warn("telegram envelope failed", "error", err)
		return
	}
	if err := a.enqueue(env); err != nil {
		a.logger.Warn("telegram enqueue failed", "error", err)
	}
}

// call invokes a Bot API method and decodes result into out.
func (a *Adapter) call(ctx context.Context, method string, params url.Values, out any) error {
	endpoint := fmt.Sprintf("%s/bot%s/%s", apiBase, a.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.URL.RawQuery = params.Encode()

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", method, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var wrapped apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wrapped); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !wrapped.OK {
		return fmt.Errorf("telegram %s: %s", method, wrapped.Description)
	}
	if out != nil {
		if err := json.Unmarshal(wrapped.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}
