package adapter

import (
	"testing"

	"github.com/cortexhub/cortex/internal/envelope"
)

func TestResolvePartner(t *testing.T) {
	r := NewSenderResolver(map[string]map[string]string{
		"whatsapp": {"+15551234567": "Dana"},
	})

	s := r.Resolve("whatsapp", "+15551234567", "")
	if s.Relationship != envelope.RelationPartner {
		t.Errorf("relationship = %q, want partner", s.Relationship)
	}
	if s.Name != "Dana" {
		t.Errorf("name = %q, want Dana", s.Name)
	}
}

func TestResolvePartnerWrongChannel(t *testing.T) {
	r := NewSenderResolver(map[string]map[string]string{
		"whatsapp": {"+15551234567": "Dana"},
	})

	// The same raw id on a channel it is not registered for stays external.
	s := r.Resolve("telegram", "+15551234567", "")
	if s.Relationship != envelope.RelationExternal {
		t.Errorf("relationship = %q, want external", s.Relationship)
	}
}

func TestResolveFixedChannels(t *testing.T) {
	r := NewSenderResolver(nil)

	for _, channel := range []string{"router", "subagent"} {
		s := r.Resolve(channel, "anyone", "")
		if s.Relationship != envelope.RelationInternal {
			t.Errorf("%s relationship = %q, want internal", channel, s.Relationship)
		}
	}
	s := r.Resolve("cron", "scheduler", "")
	if s.Relationship != envelope.RelationSystem {
		t.Errorf("cron relationship = %q, want system", s.Relationship)
	}
}

func TestResolveKeepsDisplayName(t *testing.T) {
	r := NewSenderResolver(map[string]map[string]string{
		"telegram": {"12345": "Dana"},
	})

	// A transport-provided display name wins over the contact book name.
	s := r.Resolve("telegram", "12345", "Dana Z")
	if s.Name != "Dana Z" {
		t.Errorf("name = %q, want Dana Z", s.Name)
	}
}

func TestAddPartner(t *testing.T) {
	r := NewSenderResolver(nil)
	r.AddPartner("email", "dana@example.com", "Dana")

	s := r.Resolve("email", "dana@example.com", "")
	if s.Relationship != envelope.RelationPartner {
		t.Errorf("relationship = %q, want partner", s.Relationship)
	}
}

func TestPriorityFor(t *testing.T) {
	cases := []struct {
		rel  envelope.Relationship
		want envelope.Priority
	}{
		{envelope.RelationPartner, envelope.PriorityUrgent},
		{envelope.RelationSystem, envelope.PriorityBackground},
		{envelope.RelationExternal, envelope.PriorityNormal},
		{envelope.RelationInternal, envelope.PriorityNormal},
	}
	for _, tc := range cases {
		got := PriorityFor(envelope.Sender{Relationship: tc.rel})
		if got != tc.want {
			t.Errorf("PriorityFor(%s) = %v, want %v", tc.rel, got, tc.want)
		}
	}
}

func TestParseMode(t *testing.T) {
	cases := []struct {
		in   string
		want Mode
	}{
		{"live", ModeLive},
		{"shadow", ModeShadow},
		{"off", ModeOff},
		{"", ModeOff},
		{"bogus", ModeOff},
	}
	for _, tc := range cases {
		if got := ParseMode(tc.in); got != tc.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
