package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_CORTEX_KEY", "sk-test-123")
	path := writeConfig(t, `
anthropic:
  api_key: ${TEST_CORTEX_KEY}
  model: claude-sonnet-4-5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-test-123" {
		t.Errorf("api key = %q", cfg.Anthropic.APIKey)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/cortex
loop:
  poll_interval_ms: 250
router:
  fallback_weight: 3
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/var/lib/cortex" {
		t.Errorf("data dir = %q", cfg.DataDir)
	}
	if cfg.Loop.PollIntervalMS != 250 {
		t.Errorf("poll interval = %d", cfg.Loop.PollIntervalMS)
	}
	if cfg.Router.FallbackWeight != 3 {
		t.Errorf("fallback weight = %d", cfg.Router.FallbackWeight)
	}
	// Untouched keys keep their defaults.
	if cfg.Loop.MaxToolRounds != 5 {
		t.Errorf("max tool rounds = %d, want default 5", cfg.Loop.MaxToolRounds)
	}
	if cfg.Channels.Email.Mailbox != "INBOX" {
		t.Errorf("mailbox = %q, want default INBOX", cfg.Channels.Email.Mailbox)
	}
}

func TestDefaultTiers(t *testing.T) {
	cfg := Default()
	if len(cfg.Router.Tiers) != 3 {
		t.Fatalf("tiers = %d, want 3", len(cfg.Router.Tiers))
	}
	if cfg.Router.Tiers[0].Model != "anthropic/claude-haiku-4-5" {
		t.Errorf("tier 0 model = %q", cfg.Router.Tiers[0].Model)
	}
	if cfg.Router.Tiers[2].Min != 8 || cfg.Router.Tiers[2].Max != 10 {
		t.Errorf("tier 2 range = [%d, %d]", cfg.Router.Tiers[2].Min, cfg.Router.Tiers[2].Max)
	}
}

func TestChannelsMode(t *testing.T) {
	c := ChannelsConfig{
		Enabled:     true,
		DefaultMode: "shadow",
		Modes:       map[string]string{"webchat": "live", "email": "off"},
	}

	cases := []struct {
		channel string
		want    string
	}{
		{"webchat", "live"},
		{"email", "off"},
		{"telegram", "shadow"},
	}
	for _, tc := range cases {
		if got := c.Mode(tc.channel); got != tc.want {
			t.Errorf("Mode(%q) = %q, want %q", tc.channel, got, tc.want)
		}
	}

	c.Enabled = false
	if got := c.Mode("webchat"); got != "off" {
		t.Errorf("disabled Mode = %q, want off", got)
	}

	c = ChannelsConfig{Enabled: true}
	if got := c.Mode("webchat"); got != "off" {
		t.Errorf("no-default Mode = %q, want off", got)
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestCronEntryDuration(t *testing.T) {
	e := CronEntry{Interval: "30m"}
	d, err := e.Duration()
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	if d.Minutes() != 30 {
		t.Errorf("duration = %s", d)
	}

	e = CronEntry{Interval: "often"}
	if _, err := e.Duration(); err == nil {
		t.Error("expected parse error")
	}
}
