// Cortex is a unified conversational orchestrator.
//
// One processing loop serializes every inbound message, regardless of
// channel, through a single persistent brain. Heavy tasks are handed to
// a complexity-aware router that picks an executor model per job.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	cortex serve             Start the orchestrator
//	cortex init [dir]        Initialize a working directory with defaults
//	cortex version           Print version and build information
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cortexhub/cortex/internal/adapter"
	"github.com/cortexhub/cortex/internal/assembler"
	"github.com/cortexhub/cortex/internal/buildinfo"
	"github.com/cortexhub/cortex/internal/bus"
	"github.com/cortexhub/cortex/internal/channels/cron"
	"github.com/cortexhub/cortex/internal/channels/email"
	"github.com/cortexhub/cortex/internal/channels/mqttchan"
	"github.com/cortexhub/cortex/internal/channels/telegram"
	"github.com/cortexhub/cortex/internal/channels/webchat"
	"github.com/cortexhub/cortex/internal/channels/whatsapp"
	"github.com/cortexhub/cortex/internal/config"
	"github.com/cortexhub/cortex/internal/contacts"
	"github.com/cortexhub/cortex/internal/embeddings"
	"github.com/cortexhub/cortex/internal/envelope"
	"github.com/cortexhub/cortex/internal/events"
	"github.com/cortexhub/cortex/internal/gardener"
	"github.com/cortexhub/cortex/internal/hippocampus"
	"github.com/cortexhub/cortex/internal/llm"
	"github.com/cortexhub/cortex/internal/loop"
	"github.com/cortexhub/cortex/internal/routerq"
	"github.com/cortexhub/cortex/internal/session"
	"github.com/cortexhub/cortex/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run],
// keeping os.Exit, os.Stdout, and os.Args out of the application logic
// so the startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible to
// call run() concurrently from tests, and the surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Cortex - Unified Conversational Orchestrator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: cortex [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the orchestrator")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/cortex/config.yaml, /etc/cortex/config.yaml")
	return nil
}

// runServe is the primary operating mode: load config, open the
// database, wire the loop, the router, the channels, and the gardener,
// then block until a shutdown signal arrives. The in-flight turn always
// finishes before the process exits.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo)
	logger.Info("starting Cortex",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("bad log_level: %w", err)
		}
		logger = config.NewLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Database ---
	// All persistent state shares one SQLite file: the message bus, the
	// session ledger, pending ops, hot/cold memory, the job queue, and
	// contact handles.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, "cortex.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer db.Close()
	logger.Info("database opened", "path", dbPath)

	busStore, err := bus.NewStore(db)
	if err != nil {
		return fmt.Errorf("open message bus: %w", err)
	}
	sess, err := session.NewStore(db)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	// --- Event bus ---
	evbus := events.New()

	// --- Memory ---
	// Two-tier hippocampus: exact-match hot facts plus semantic cold
	// storage when an embedding model is configured.
	var hippo *hippocampus.Hippocampus
	if cfg.Hippocampus.Enabled {
		var embed hippocampus.Embedder
		if cfg.Embeddings.Enabled {
			embClient := embeddings.New(embeddings.Config{
				BaseURL: cfg.Embeddings.BaseURL,
				Model:   cfg.Embeddings.Model,
			})
			embed = embClient.Generate
			logger.Info("embeddings enabled", "model", cfg.Embeddings.Model)
		}
		hippo, err = hippocampus.New(db, embed, logger)
		if err != nil {
			return fmt.Errorf("open hippocampus: %w", err)
		}
	}

	// --- Model client ---
	anthropic := llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.MaxTokens, logger)
	orchestratorModel := anthropic.Model(cfg.Anthropic.Model)

	// --- Context assembler and tools ---
	asm := assembler.New(sess, hippo, cfg.Workspace, logger)

	registry := tools.NewRegistry()
	registry.Register(tools.NewFetchChatHistory(sess))
	if hippo != nil {
		registry.Register(tools.NewMemoryQuery(hippo))
	}
	registry.Register(tools.NewSessionsSpawn())

	// --- Sender resolution and channel adapters ---
	resolver := adapter.NewSenderResolver(partnerMap(cfg.Channels.Partners))
	adapters := adapter.NewRegistry(logger)

	enqueue := func(e *envelope.Envelope) error {
		_, err := busStore.Enqueue(e)
		return err
	}

	type runnable interface{ Run(ctx context.Context) error }
	var channelRuns []runnable

	if cfg.Channels.Webchat.TokenHash != "" || cfg.Channels.Mode(webchat.ChannelID) != "off" {
		wc := webchat.New(cfg.Channels.Webchat.Address, cfg.Channels.Webchat.Port,
			cfg.Channels.Webchat.TokenHash, resolver, enqueue, logger)
		adapters.Register(wc, adapter.ParseMode(cfg.Channels.Mode(webchat.ChannelID)))
		channelRuns = append(channelRuns, wc)
	}
	if cfg.Channels.MQTT.BrokerURL != "" {
		mq := mqttchan.New(cfg.Channels.MQTT, resolver, enqueue, logger)
		adapters.Register(mq, adapter.ParseMode(cfg.Channels.Mode(mqttchan.ChannelID)))
		channelRuns = append(channelRuns, mq)
	}
	if cfg.Channels.WhatsApp.BridgeURL != "" {
		wa := whatsapp.New(cfg.Channels.WhatsApp, resolver, enqueue, logger)
		adapters.Register(wa, adapter.ParseMode(cfg.Channels.Mode(whatsapp.ChannelID)))
		channelRuns = append(channelRuns, wa)
	}
	if cfg.Channels.Telegram.BotToken != "" {
		tg := telegram.New(cfg.Channels.Telegram, resolver, enqueue, logger)
		adapters.Register(tg, adapter.ParseMode(cfg.Channels.Mode(telegram.ChannelID)))
		channelRuns = append(channelRuns, tg)
	}
	if cfg.Channels.Email.IMAPServer != "" {
		em := email.New(cfg.Channels.Email, resolver, enqueue, logger)
		adapters.Register(em, adapter.ParseMode(cfg.Channels.Mode(email.ChannelID)))
		channelRuns = append(channelRuns, em)
	}

	var cronAdapter *cron.Adapter
	if len(cfg.Channels.Cron.Entries) > 0 {
		cronAdapter = cron.New(cfg.Channels.Cron.Entries, resolver, enqueue, logger)
		adapters.Register(cronAdapter, adapter.ParseMode(cfg.Channels.Mode(cron.ChannelID)))
	}

	// --- Contacts ---
	// CardDAV sync feeds the resolver so partner messages are recognized
	// without config edits.
	if cfg.Contacts.Enabled {
		contactStore, err := contacts.NewStore(db, logger)
		if err != nil {
			return fmt.Errorf("open contact store: %w", err)
		}
		syncer, err := contacts.NewSyncer(cfg.Contacts, contactStore, resolver, logger)
		if err != nil {
			return fmt.Errorf("create contact syncer: %w", err)
		}
		go syncer.Run(ctx)
	}

	// --- Router ---
	// Weighs each dispatched job with a cheap evaluator and executes it
	// on the tier model its complexity deserves.
	var taskRouter *routerq.Router
	var jobStore *routerq.Store
	var spawn loop.SpawnFunc
	if cfg.Router.Enabled {
		var err error
		jobStore, err = routerq.NewStore(db)
		if err != nil {
			return fmt.Errorf("open job store: %w", err)
		}

		evalModelName := cfg.Router.EvaluatorModel
		if evalModelName == "" {
			evalModelName = cfg.Anthropic.Model
		}
		evaluator := routerq.NewEvaluator(
			anthropic.Model(providerModel(evalModelName)),
			cfg.Router.FallbackWeight, 0, logger)

		executor := func(ctx context.Context, prompt, model string) (string, error) {
			resp, err := anthropic.Chat(ctx, providerModel(model), "",
				[]llm.Message{{Role: "user", Content: prompt}}, nil)
			if err != nil {
				return "", err
			}
			return resp.Message.Content, nil
		}

		// Results for non-Cortex issuers land in that issuer's own
		// conversation rather than the orchestrator's pending ops.
		fallbackAppend := func(issuer string, job *routerq.Job) {
			content := job.Result
			if job.Status == routerq.StatusFailed {
				content = "Task failed: " + job.Error
			}
			if _, err := sess.AppendAssistant(issuer, "router", content); err != nil {
				logger.Error("append router result", "issuer", issuer, "error", err)
			}
		}

		taskRouter = routerq.New(routerq.Config{
			RetryDelay:    time.Duration(cfg.Router.RetryDelayMS) * time.Millisecond,
			HangThreshold: time.Duration(cfg.Router.HangSeconds) * time.Second,
			MaxRetries:    cfg.Router.MaxRetries,
			Tiers:         routerTiers(cfg.Router.Tiers),
			Template:      cfg.Router.PromptTemplate,
		}, jobStore, evaluator, executor,
			routerq.NewCortexDelivery(sess, busStore, fallbackAppend, logger),
			evbus, logger)

		spawn = func(ctx context.Context, taskID, task, replyChannel string, priority envelope.Priority) (string, error) {
			job, err := taskRouter.Enqueue(taskID, "task", routerq.CortexIssuer,
				routerq.Payload{Task: task})
			if err != nil {
				return "", err
			}
			return job.ID, nil
		}
	}

	// --- Processing loop ---
	mainLoop := loop.New(loop.Config{
		PollInterval:       time.Duration(cfg.Loop.PollIntervalMS) * time.Millisecond,
		MaxToolRounds:      cfg.Loop.MaxToolRounds,
		MaxTokens:          cfg.Loop.MaxTokens,
		HippocampusEnabled: hippo != nil,
	}, busStore, sess, asm, registry, adapters, orchestratorModel, spawn, nil, evbus, logger)

	// --- Crash recovery ---
	// Processing envelopes are returned to pending and interrupted jobs
	// are reset before anything new runs. Router recovery goes first: an
	// op whose job survives as a retry must stay pending so the retried
	// job can still deliver its result.
	if report, err := busStore.Recover(logger); err != nil {
		return fmt.Errorf("bus recovery: %w", err)
	} else if report.Stalled > 0 {
		logger.Info("envelopes requeued after restart", "count", report.Stalled)
	}
	if taskRouter != nil {
		report, err := taskRouter.Recover()
		if err != nil {
			return fmt.Errorf("router recovery: %w", err)
		}
		if report.Recovered > 0 || report.Failed > 0 {
			logger.Info("jobs recovered after restart",
				"requeued", report.Recovered, "failed", report.Failed)
		}
	}
	keep := make(map[string]bool)
	if jobStore != nil {
		ids, err := jobStore.LiveJobIDs()
		if err != nil {
			return fmt.Errorf("list live jobs: %w", err)
		}
		for _, id := range ids {
			keep[id] = true
		}
	}
	if n, err := sess.FailOrphanedOps(time.Now(), keep); err != nil {
		return fmt.Errorf("fail orphaned ops: %w", err)
	} else if n > 0 {
		logger.Info("orphaned ops failed", "count", n)
	}

	// --- Gardener ---
	if cfg.Gardener.Enabled {
		gcfg := gardener.Config{}
		if d, err := time.ParseDuration(cfg.Gardener.Interval); err == nil {
			gcfg.Interval = d
		}
		if d, err := time.ParseDuration(cfg.Gardener.IdleThreshold); err == nil {
			gcfg.IdleThreshold = d
		}
		gcfg.StaleAfter = time.Duration(cfg.Hippocampus.StaleAfterDays) * 24 * time.Hour
		gcfg.StaleMaxHits = cfg.Hippocampus.StaleMaxHits

		gardenerModel := orchestratorModel
		if cfg.Gardener.Model != "" {
			gardenerModel = anthropic.Model(providerModel(cfg.Gardener.Model))
		}
		g := gardener.New(gcfg, sess, hippo, gardenerModel, evbus, logger)
		if cfg.Gardener.IngestDir != "" {
			if _, err := g.IngestDir(cfg.Gardener.IngestDir); err != nil {
				logger.Warn("note ingestion failed", "error", err)
			}
		}
		go g.Run(ctx)
	}

	// --- Background goroutines ---
	if taskRouter != nil {
		go taskRouter.Run(ctx)
	}
	if cronAdapter != nil {
		go cronAdapter.Run(ctx)
	}
	for _, ch := range channelRuns {
		ch := ch
		go func() {
			if err := ch.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("channel stopped", "error", err)
			}
		}()
	}

	logger.Info("Cortex ready", "channels", adapters.Channels())
	mainLoop.Run(ctx)

	logger.Info("Cortex shut down cleanly", "uptime", buildinfo.Uptime())
	return nil
}

// partnerMap inverts the config partner table into the resolver's
// channel -> raw id -> name shape.
func partnerMap(partners map[string]config.PartnerConfig) map[string]map[string]string {
	m := make(map[string]map[string]string)
	for key, p := range partners {
		name := p.Name
		if name == "" {
			name = key
		}
		for channel, rawID := range p.Channels {
			if m[channel] == nil {
				m[channel] = make(map[string]string)
			}
			m[channel][rawID] = name
		}
	}
	return m
}

// routerTiers converts config tiers. Nil means library defaults.
func routerTiers(tiers []config.TierConfig) []routerq.Tier {
	if len(tiers) == 0 {
		return nil
	}
	out := make([]routerq.Tier, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, routerq.Tier{Name: t.Name, Min: t.Min, Max: t.Max, Model: t.Model})
	}
	return out
}

// providerModel strips an optional "provider/" prefix from a tier
// model name. Tier tables use "anthropic/claude-haiku-4-5" style names;
// the API client wants the bare model id.
func providerModel(name string) string {
	if idx := strings.IndexByte(name, '/'); idx >= 0 {
		return name[idx+1:]
	}
	return name
}
