package output

import (
	"context"
	"errors"
	"testing"

	"github.com/cortexhub/cortex/internal/envelope"
)

func trigger(channel string) *envelope.Envelope {
	sender := envelope.Sender{ID: "user-1", Relationship: envelope.RelationExternal}
	return envelope.New(channel, sender, "original message", envelope.PriorityNormal)
}

func TestParseSilenceSentinels(t *testing.T) {
	for _, raw := range []string{"NO_REPLY", "HEARTBEAT_OK", "  NO_REPLY  \n"} {
		out := Parse(raw, trigger("webchat"))
		if !out.Silent {
			t.Errorf("Parse(%q) not silent", raw)
		}
		if len(out.Targets) != 0 {
			t.Errorf("Parse(%q) produced targets: %+v", raw, out.Targets)
		}
	}
}

func TestParseSentinelOnlyWhenExact(t *testing.T) {
	// A sentinel embedded in prose is a normal reply.
	out := Parse("I will output NO_REPLY next time.", trigger("webchat"))
	if out.Silent {
		t.Error("embedded sentinel must not silence the reply")
	}
	if len(out.Targets) != 1 {
		t.Fatalf("targets = %+v", out.Targets)
	}
}

func TestParseDefaultReply(t *testing.T) {
	env := trigger("telegram")
	env.Reply.ThreadID = "chat-55"
	env.Reply.MessageID = "msg-9"
	env.Reply.AccountID = "bot-1"

	out := Parse("Here you go.", env)
	if out.Silent {
		t.Fatal("unexpected silence")
	}
	if len(out.Targets) != 1 {
		t.Fatalf("targets = %+v", out.Targets)
	}
	tgt := out.Targets[0]
	if tgt.Channel != "telegram" || tgt.Content != "Here you go." {
		t.Errorf("target = %+v", tgt)
	}
	if tgt.ThreadID != "chat-55" || tgt.MessageID != "msg-9" || tgt.AccountID != "bot-1" {
		t.Errorf("reply context lost: %+v", tgt)
	}
}

func TestParseReplyChannelOverride(t *testing.T) {
	// Ops triggers arrive on the router channel but reply elsewhere.
	env := trigger("router")
	env.Reply.Channel = "webchat"

	out := Parse("Task finished.", env)
	if out.Targets[0].Channel != "webchat" {
		t.Errorf("channel = %q, want webchat", out.Targets[0].Channel)
	}
}

func TestParseSendToDirective(t *testing.T) {
	out := Parse("[[send_to:whatsapp]] Alert: server down", trigger("cron"))
	if out.Silent {
		t.Fatal("unexpected silence")
	}
	if len(out.Targets) != 1 {
		t.Fatalf("targets = %+v", out.Targets)
	}
	tgt := out.Targets[0]
	if tgt.Channel != "whatsapp" {
		t.Errorf("channel = %q, want whatsapp", tgt.Channel)
	}
	if tgt.Content != "Alert: server down" {
		t.Errorf("content = %q, directive not stripped", tgt.Content)
	}
}

func TestParseMultipleDirectives(t *testing.T) {
	out := Parse("[[send_to:webchat]][[send_to:email]] Weekly summary ready.", trigger("cron"))
	if len(out.Targets) != 2 {
		t.Fatalf("targets = %+v", out.Targets)
	}
	channels := map[string]bool{}
	for _, tgt := range out.Targets {
		channels[tgt.Channel] = true
		if tgt.Content != "Weekly summary ready." {
			t.Errorf("content = %q", tgt.Content)
		}
	}
	if !channels["webchat"] || !channels["email"] {
		t.Errorf("channels = %v", channels)
	}
}

func TestParseDirectiveToTriggerChannelKeepsThread(t *testing.T) {
	env := trigger("telegram")
	env.Reply.ThreadID = "chat-55"
	env.Reply.MessageID = "msg-9"

	out := Parse("[[send_to:telegram]] Replying in thread.", env)
	tgt := out.Targets[0]
	if tgt.ThreadID != "chat-55" || tgt.MessageID != "msg-9" {
		t.Errorf("same-channel directive lost reply context: %+v", tgt)
	}

	// A directive to a different channel carries no thread addressing.
	out = Parse("[[send_to:email]] Cross-channel note.", env)
	tgt = out.Targets[0]
	if tgt.ThreadID != "" || tgt.MessageID != "" {
		t.Errorf("cross-channel directive kept reply context: %+v", tgt)
	}
}

func TestParseReplyToCurrentStripped(t *testing.T) {
	out := Parse("[[reply_to_current]] Sure, done.", trigger("webchat"))
	if len(out.Targets) != 1 {
		t.Fatalf("targets = %+v", out.Targets)
	}
	if out.Targets[0].Content != "Sure, done." {
		t.Errorf("content = %q, marker not stripped", out.Targets[0].Content)
	}
}

type fakeSender struct {
	sent []Target
	err  error
}

func (f *fakeSender) Send(_ context.Context, t Target) error {
	f.sent = append(f.sent, t)
	return f.err
}

type fakeRegistry struct {
	senders map[string]*fakeSender
}

func (f *fakeRegistry) Sender(channel string) Sender {
	s, ok := f.senders[channel]
	if !ok {
		return nil
	}
	return s
}

func TestRouteContinuesPastFailures(t *testing.T) {
	good := &fakeSender{}
	bad := &fakeSender{err: errors.New("bridge unreachable")}
	reg := &fakeRegistry{senders: map[string]*fakeSender{
		"webchat":  good,
		"whatsapp": bad,
	}}

	out := &Output{Targets: []Target{
		{Channel: "whatsapp", Content: "a"},
		{Channel: "missing", Content: "b"},
		{Channel: "webchat", Content: "c"},
	}}

	var failures []string
	var errs []error
	Route(context.Background(), out, reg, func(channel string, err error) {
		failures = append(failures, channel)
		errs = append(errs, err)
	})

	if len(good.sent) != 1 || good.sent[0].Content != "c" {
		t.Errorf("webchat sent = %+v", good.sent)
	}
	if len(failures) != 2 {
		t.Fatalf("failures = %v", failures)
	}
	foundNoAdapter := false
	for _, err := range errs {
		if errors.Is(err, ErrNoAdapter) {
			foundNoAdapter = true
		}
	}
	if !foundNoAdapter {
		t.Errorf("expected ErrNoAdapter among %v", errs)
	}
}

func TestRouteSilentIsNoop(t *testing.T) {
	good := &fakeSender{}
	reg := &fakeRegistry{senders: map[string]*fakeSender{"webchat": good}}

	Route(context.Background(), &Output{Silent: true}, reg, nil)
	Route(context.Background(), nil, reg, nil)

	if len(good.sent) != 0 {
		t.Errorf("sent = %+v, want none", good.sent)
	}
}
