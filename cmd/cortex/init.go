package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// defaultConfigYAML is written by "cortex init" as a starting point.
// Values track the defaults in the config package; everything here is
// safe to run with only an API key filled in.
const defaultConfigYAML = `# Cortex configuration.
# Environment references like ${ANTHROPIC_API_KEY} are expanded at load time.

data_dir: data
workspace: workspace
log_level: info

anthropic:
  api_key: ${ANTHROPIC_API_KEY}
  model: claude-sonnet-4-5
  max_tokens: 4096

loop:
  poll_interval_ms: 500
  max_tool_rounds: 5
  max_tokens: 16000

channels:
  enabled: true
  default_mode: shadow
  modes:
    webchat: live
  webchat:
    address: 127.0.0.1
    port: 8793
    # bcrypt hash of the shared access token; empty disables auth
    token_hash: ""
  cron:
    entries:
      - name: heartbeat
        interval: 30m
        content: "System heartbeat. Reply HEARTBEAT_OK if nothing needs attention."
  partners: {}
  # whatsapp:
  #   bridge_url: http://localhost:8799
  #   account_id: "+15551234567"
  #   qr_path: data/whatsapp-pairing.png
  # telegram:
  #   bot_token: ${TELEGRAM_BOT_TOKEN}
  # email:
  #   imap_server: imap.example.com:993
  #   smtp_server: smtp.example.com:587
  #   address: cortex@example.com
  #   password: ${EMAIL_PASSWORD}
  # mqtt:
  #   broker_url: mqtt://localhost:1883

hippocampus:
  enabled: true
  stale_after_days: 14
  stale_max_hits: 2

router:
  enabled: true
  retry_delay_ms: 5000
  hang_seconds: 90
  max_retries: 2
  fallback_weight: 5
  tiers:
    - { name: haiku, min: 1, max: 3, model: anthropic/claude-haiku-4-5 }
    - { name: sonnet, min: 4, max: 7, model: anthropic/claude-sonnet-4-5 }
    - { name: opus, min: 8, max: 10, model: anthropic/claude-opus-4-6 }

gardener:
  enabled: true
  interval: 10m
  idle_threshold: 1h

embeddings:
  enabled: false
  model: nomic-embed-text
  baseurl: http://localhost:11434

contacts:
  enabled: false
  # url: https://dav.example.com
  # username: user
  # password: ${CARDDAV_PASSWORD}
`

// defaultIdentityMD seeds the workspace identity file read into the
// system floor on every turn.
const defaultIdentityMD = `# Identity

You are Cortex, a personal assistant with one continuous memory across
every channel. Be direct and concise. When a message needs no reply,
output NO_REPLY.
`

// runInit initializes a Cortex working directory with default files.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Cortex workspace in %s\n", dir)

	for _, sub := range []string{"data", "workspace"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, []byte(defaultConfigYAML)); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	identityPath := filepath.Join(dir, "workspace", "identity.md")
	if err := writeIfMissing(identityPath, []byte(defaultIdentityMD)); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", identityPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and workspace/identity.md, then run: cortex serve")
	return nil
}

// writeIfMissing writes content only if the file does not already
// exist, so init never clobbers user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, content, 0o644)
}
