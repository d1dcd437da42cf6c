package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cortexhub/cortex/internal/config"
)

func TestPartnerMap(t *testing.T) {
	partners := map[string]config.PartnerConfig{
		"dana": {
			Name: "Dana",
			Channels: map[string]string{
				"whatsapp": "+15551234567",
				"email":    "dana@example.com",
			},
		},
		"sam": {
			// No display name: the map key stands in.
			Channels: map[string]string{"telegram": "987654"},
		},
	}

	m := partnerMap(partners)
	if got := m["whatsapp"]["+15551234567"]; got != "Dana" {
		t.Errorf("whatsapp handle = %q, want Dana", got)
	}
	if got := m["email"]["dana@example.com"]; got != "Dana" {
		t.Errorf("email handle = %q, want Dana", got)
	}
	if got := m["telegram"]["987654"]; got != "sam" {
		t.Errorf("telegram handle = %q, want key fallback sam", got)
	}
}

func TestRouterTiers(t *testing.T) {
	if tiers := routerTiers(nil); tiers != nil {
		t.Errorf("tiers = %+v, want nil for library defaults", tiers)
	}

	tiers := routerTiers([]config.TierConfig{
		{Name: "haiku", Min: 1, Max: 3, Model: "anthropic/claude-haiku-4-5"},
	})
	if len(tiers) != 1 {
		t.Fatalf("tiers = %+v", tiers)
	}
	if tiers[0].Name != "haiku" || tiers[0].Max != 3 || tiers[0].Model != "anthropic/claude-haiku-4-5" {
		t.Errorf("tier = %+v", tiers[0])
	}
}

func TestProviderModel(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"anthropic/claude-haiku-4-5", "claude-haiku-4-5"},
		{"claude-sonnet-4-5", "claude-sonnet-4-5"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := providerModel(tc.in); got != tc.want {
			t.Errorf("providerModel(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRunInitCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	if err := runInit(&out, dir); err != nil {
		t.Fatalf("init: %v", err)
	}

	for _, path := range []string{
		filepath.Join(dir, "data"),
		filepath.Join(dir, "workspace"),
		filepath.Join(dir, "config.yaml"),
		filepath.Join(dir, "workspace", "identity.md"),
	} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("missing %s: %v", path, err)
		}
	}

	cfg, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(cfg), "${ANTHROPIC_API_KEY}") {
		t.Error("config template missing api key placeholder")
	}
}

func TestRunInitNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("my: settings\n"), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	var out bytes.Buffer
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("init: %v", err)
	}

	got, _ := os.ReadFile(configPath)
	if string(got) != "my: settings\n" {
		t.Errorf("init clobbered existing config: %q", got)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := run(t.Context(), &out, &out, []string{"frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("err = %v", err)
	}
}

func TestRunVersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(t.Context(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), `"version"`) {
		t.Errorf("output = %q", out.String())
	}
}
