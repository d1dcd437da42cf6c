// Package config handles Cortex configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/cortex/config.yaml, /etc/cortex/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "cortex", "config.yaml"))
	}

	paths = append(paths, "/etc/cortex/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Cortex configuration.
type Config struct {
	DataDir     string            `yaml:"data_dir"`
	Workspace   string            `yaml:"workspace"`
	LogLevel    string            `yaml:"log_level"`
	Loop        LoopConfig        `yaml:"loop"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Hippocampus HippocampusConfig `yaml:"hippocampus"`
	Router      RouterConfig      `yaml:"router"`
	Anthropic   AnthropicConfig   `yaml:"anthropic"`
	Embeddings  EmbeddingsConfig  `yaml:"embeddings"`
	Contacts    ContactsConfig    `yaml:"contacts"`
	Gardener    GardenerConfig    `yaml:"gardener"`
}

// LoopConfig tunes the processing loop.
type LoopConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"` // default 500
	MaxToolRounds  int `yaml:"max_tool_rounds"`  // default 5
	MaxTokens      int `yaml:"max_tokens"`       // context budget, default 16000
}

// ChannelsConfig is the per-channel mode table.
type ChannelsConfig struct {
	Enabled     bool                     `yaml:"enabled"`
	DefaultMode string                   `yaml:"default_mode"` // off, shadow, live
	Webchat     WebchatConfig            `yaml:"webchat"`
	Cron        CronConfig               `yaml:"cron"`
	MQTT        MQTTConfig               `yaml:"mqtt"`
	WhatsApp    WhatsAppConfig           `yaml:"whatsapp"`
	Telegram    TelegramConfig           `yaml:"telegram"`
	Email       EmailConfig              `yaml:"email"`
	Modes       map[string]string        `yaml:"modes"`    // channel id -> off|shadow|live
	Partners    map[string]PartnerConfig `yaml:"partners"` // name -> per-channel ids
}

// Mode resolves the effective mode string for a channel id.
func (c ChannelsConfig) Mode(channel string) string {
	if !c.Enabled {
		return "off"
	}
	if m, ok := c.Modes[channel]; ok {
		return m
	}
	if c.DefaultMode != "" {
		return c.DefaultMode
	}
	return "off"
}

// PartnerConfig maps one partner to their per-channel raw ids.
type PartnerConfig struct {
	Name     string            `yaml:"name"`
	Channels map[string]string `yaml:"channels"` // channel id -> raw sender id
}

// WebchatConfig defines the websocket chat server.
type WebchatConfig struct {
	Address   string `yaml:"address"`
	Port      int    `yaml:"port"`       // default 8793
	TokenHash string `yaml:"token_hash"` // bcrypt hash of the access token
}

// CronConfig defines scheduled trigger entries.
type CronConfig struct {
	Entries []CronEntry `yaml:"entries"`
}

// CronEntry is one scheduled message. Heartbeats use the HEARTBEAT_OK
// silence convention in their prompt content.
type CronEntry struct {
	Name     string `yaml:"name"`
	Interval string `yaml:"interval"` // Go duration, e.g. "15m"
	Content  string `yaml:"content"`
}

// Duration parses the entry interval.
func (e CronEntry) Duration() (time.Duration, error) {
	return time.ParseDuration(e.Interval)
}

// MQTTConfig defines the MQTT channel connection.
type MQTTConfig struct {
	BrokerURL     string `yaml:"broker_url"` // e.g. "mqtt://localhost:1883"
	ClientID      string `yaml:"client_id"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	InboundTopic  string `yaml:"inbound_topic"`  // default "cortex/inbound/#"
	OutboundTopic string `yaml:"outbound_topic"` // default "cortex/outbound"
}

// WhatsAppConfig defines the WhatsApp bridge connection.
type WhatsAppConfig struct {
	BridgeURL string `yaml:"bridge_url"` // HTTP bridge base URL
	AccountID string `yaml:"account_id"`
	QRPath    string `yaml:"qr_path"` // where pairing QR codes are written
}

// TelegramConfig defines the Telegram Bot API connection.
type TelegramConfig struct {
	BotToken    string `yaml:"bot_token"`
	PollTimeout int    `yaml:"poll_timeout"` // long-poll seconds, default 30
}

// EmailConfig defines the IMAP poller and SMTP sender.
type EmailConfig struct {
	IMAPServer   string `yaml:"imap_server"`
	SMTPServer   string `yaml:"smtp_server"`
	Address      string `yaml:"address"`
	Password     string `yaml:"password"`
	Mailbox      string `yaml:"mailbox"`       // default "INBOX"
	PollInterval string `yaml:"poll_interval"` // default "2m"
	FromName     string `yaml:"from_name"`
}

// HippocampusConfig toggles the two-tier memory.
type HippocampusConfig struct {
	Enabled bool `yaml:"enabled"`
	// StaleAfterDays and StaleMaxHits select eviction candidates:
	// facts untouched for N days with at most M hits.
	StaleAfterDays int `yaml:"stale_after_days"` // default 14
	StaleMaxHits   int `yaml:"stale_max_hits"`   // default 2
}

// RouterConfig tunes the task router.
type RouterConfig struct {
	Enabled        bool         `yaml:"enabled"`
	RetryDelayMS   int          `yaml:"retry_delay_ms"`  // default 5000
	HangSeconds    int          `yaml:"hang_seconds"`    // default 90
	MaxRetries     int          `yaml:"max_retries"`     // default 2
	EvaluatorModel string       `yaml:"evaluator_model"` // small model for weighing
	FallbackWeight int          `yaml:"fallback_weight"` // default 5
	Tiers          []TierConfig `yaml:"tiers"`
	PromptTemplate string       `yaml:"prompt_template"`
}

// TierConfig is one weight range and its model.
type TierConfig struct {
	Name  string `yaml:"name"`
	Min   int    `yaml:"min"`
	Max   int    `yaml:"max"`
	Model string `yaml:"model"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"` // orchestrator model
	MaxTokens int    `yaml:"max_tokens"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`   // e.g. nomic-embed-text
	BaseURL string `yaml:"baseurl"` // Ollama URL
}

// ContactsConfig defines the CardDAV sync used to recognize partners.
type ContactsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	SyncInterval string `yaml:"sync_interval"` // default "1h"
}

// GardenerConfig tunes background memory maintenance.
type GardenerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Interval      string `yaml:"interval"`       // default "10m"
	IdleThreshold string `yaml:"idle_threshold"` // compact channels idle this long, default "1h"
	Model         string `yaml:"model"`          // summarizer model
	IngestDir     string `yaml:"ingest_dir"`     // markdown notes to seed hot memory
}

// Load reads configuration from a YAML file, expanding ${ENV} references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		DataDir: "data",
		Loop: LoopConfig{
			PollIntervalMS: 500,
			MaxToolRounds:  5,
			MaxTokens:      16000,
		},
		Channels: ChannelsConfig{
			Enabled:     true,
			DefaultMode: "off",
			Webchat:     WebchatConfig{Port: 8793},
			Telegram:    TelegramConfig{PollTimeout: 30},
			Email:       EmailConfig{Mailbox: "INBOX", PollInterval: "2m"},
		},
		Hippocampus: HippocampusConfig{
			StaleAfterDays: 14,
			StaleMaxHits:   2,
		},
		Router: RouterConfig{
			Enabled:        true,
			RetryDelayMS:   5000,
			HangSeconds:    90,
			MaxRetries:     2,
			FallbackWeight: 5,
			Tiers: []TierConfig{
				{Name: "haiku", Min: 1, Max: 3, Model: "anthropic/claude-haiku-4-5"},
				{Name: "sonnet", Min: 4, Max: 7, Model: "anthropic/claude-sonnet-4-5"},
				{Name: "opus", Min: 8, Max: 10, Model: "anthropic/claude-opus-4-6"},
			},
		},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-5",
			MaxTokens: 4096,
		},
		Gardener: GardenerConfig{
			Interval:      "10m",
			IdleThreshold: "1h",
		},
	}
}
