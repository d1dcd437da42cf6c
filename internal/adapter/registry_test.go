package adapter

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/cortexhub/cortex/internal/envelope"
	"github.com/cortexhub/cortex/internal/output"
)

type stubAdapter struct {
	id   string
	sent []output.Target
}

func (a *stubAdapter) ChannelID() string { return a.id }

func (a *stubAdapter) ToEnvelope(raw RawMessage, resolver Resolver) (*envelope.Envelope, error) {
	sender := resolver.Resolve(a.id, raw.SenderID, raw.DisplayName)
	return envelope.New(a.id, sender, raw.Content, PriorityFor(sender)), nil
}

func (a *stubAdapter) Send(_ context.Context, t output.Target) error {
	a.sent = append(a.sent, t)
	return nil
}

func (a *stubAdapter) IsAvailable() bool { return true }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryModes(t *testing.T) {
	reg := NewRegistry(testLogger())
	live := &stubAdapter{id: "webchat"}
	shadow := &stubAdapter{id: "whatsapp"}
	off := &stubAdapter{id: "email"}

	reg.Register(live, ModeLive)
	reg.Register(shadow, ModeShadow)
	reg.Register(off, ModeOff)

	if reg.Get("webchat") == nil {
		t.Error("live adapter missing")
	}
	if reg.Get("email") != nil {
		t.Error("off adapter must not be registered")
	}
	if reg.Mode("whatsapp") != ModeShadow {
		t.Errorf("mode = %q, want shadow", reg.Mode("whatsapp"))
	}
	if reg.Mode("unknown") != ModeOff {
		t.Errorf("unknown mode = %q, want off", reg.Mode("unknown"))
	}
}

func TestRegistryShadowSuppressesSend(t *testing.T) {
	reg := NewRegistry(testLogger())
	live := &stubAdapter{id: "webchat"}
	shadow := &stubAdapter{id: "whatsapp"}
	reg.Register(live, ModeLive)
	reg.Register(shadow, ModeShadow)

	ctx := context.Background()
	if err := reg.Sender("webchat").Send(ctx, output.Target{Channel: "webchat", Content: "hi"}); err != nil {
		t.Fatalf("live send: %v", err)
	}
	if err := reg.Sender("whatsapp").Send(ctx, output.Target{Channel: "whatsapp", Content: "hi"}); err != nil {
		t.Fatalf("shadow send: %v", err)
	}

	if len(live.sent) != 1 {
		t.Errorf("live sent = %d, want 1", len(live.sent))
	}
	if len(shadow.sent) != 0 {
		t.Errorf("shadow sent = %d, want 0", len(shadow.sent))
	}
	if reg.Sender("email") != nil {
		t.Error("unregistered channel must resolve to nil sender")
	}
}
