// Package output parses model responses into delivery targets and
// routes them to channel adapters. The sentinels and directives here
// are part of the prompt protocol and must match exactly.
package output

import (
	"context"
	"regexp"
	"strings"

	"github.com/cortexhub/cortex/internal/envelope"
)

// Sentinels the model emits to stay silent.
const (
	SentinelNoReply     = "NO_REPLY"
	SentinelHeartbeatOK = "HEARTBEAT_OK"
)

var (
	sendToRe         = regexp.MustCompile(`\[\[send_to:([a-zA-Z0-9_-]+)\]\]`)
	replyToCurrentRe = regexp.MustCompile(`\[\[reply_to_current\]\]`)
)

// Target is one outbound message bound for a channel adapter.
type Target struct {
	Channel   string
	Content   string
	MessageID string
	ThreadID  string
	AccountID string
}

// Output is the parsed result of one model response.
type Output struct {
	Silent  bool
	Targets []Target
}

// Parse interprets a model response against the trigger envelope.
// Priority order: exact silence sentinel, explicit send_to directives,
// then the default single reply to the trigger's reply channel.
func Parse(raw string, trigger *envelope.Envelope) *Output {
	text := strings.TrimSpace(replyToCurrentRe.ReplaceAllString(raw, ""))

	if text == SentinelNoReply || text == SentinelHeartbeatOK {
		return &Output{Silent: true}
	}

	matches := sendToRe.FindAllStringSubmatch(text, -1)
	if len(matches) > 0 {
		content := strings.TrimSpace(sendToRe.ReplaceAllString(text, ""))
		out := &Output{}
		for _, m := range matches {
			t := Target{Channel: m[1], Content: content}
			if t.Channel == replyChannel(trigger) {
				t.MessageID = trigger.Reply.MessageID
				t.ThreadID = trigger.Reply.ThreadID
			}
			out.Targets = append(out.Targets, t)
		}
		return out
	}

	return &Output{Targets: []Target{{
		Channel:   replyChannel(trigger),
		Content:   text,
		MessageID: trigger.Reply.MessageID,
		ThreadID:  trigger.Reply.ThreadID,
		AccountID: trigger.Reply.AccountID,
	}}}
}

// replyChannel is the channel a default reply should go to. The reply
// context overrides the trigger channel (ops triggers arrive on the
// internal router channel but reply to the originating conversation).
func replyChannel(trigger *envelope.Envelope) string {
	if trigger.Reply.Channel != "" {
		return trigger.Reply.Channel
	}
	return trigger.Channel
}

// Sender delivers one target. Channel adapters implement this.
type Sender interface {
	Send(ctx context.Context, t Target) error
}

// Registry resolves a channel name to its Sender, or nil when no
// adapter is registered.
type Registry interface {
	Sender(channel string) Sender
}

// Route dispatches each target to its adapter. Unknown channels and
// per-target send failures are reported via onError and never abort
// sibling targets.
func Route(ctx context.Context, out *Output, reg Registry, onError func(channel string, err error)) {
	if out == nil || out.Silent {
		return
	}
	for _, t := range out.Targets {
		s := reg.Sender(t.Channel)
		if s == nil {
			if onError != nil {
				onError(t.Channel, ErrNoAdapter)
			}
			continue
		}
		if err := s.Send(ctx, t); err != nil {
			if onError != nil {
				onError(t.Channel, err)
			}
		}
	}
}
