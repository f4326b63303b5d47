// Command boardsync runs one device's sync daemon: it keeps the local
// replica, talks to the hosted relay, persists mutations to sqlite, and
// drives the automation trigger engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	charmLog "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hylla/boardsync/internal/adapters/llm"
	"github.com/hylla/boardsync/internal/adapters/relay"
	"github.com/hylla/boardsync/internal/adapters/storage/sqlite"
	"github.com/hylla/boardsync/internal/automation"
	"github.com/hylla/boardsync/internal/config"
	"github.com/hylla/boardsync/internal/platform"
	"github.com/hylla/boardsync/internal/replica"
	"github.com/hylla/boardsync/internal/session"
	"github.com/hylla/boardsync/internal/telemetry"
)

// version stores a package-level helper value.
var version = "dev"

// main handles main.
func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// run runs the requested command flow.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("boardsync", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var (
		configPath string
		dbPath     string
		devMode    bool
		showVer    bool
	)
	defaultDevMode := version == "dev"
	if envDev, ok := parseBoolEnv("BOARDSYNC_DEV_MODE"); ok {
		defaultDevMode = envDev
	}
	fs.StringVar(&configPath, "config", "", "path to config TOML")
	fs.StringVar(&dbPath, "db", "", "path to sqlite database")
	fs.BoolVar(&devMode, "dev", defaultDevMode, "use dev mode paths (boardsync-dev)")
	fs.BoolVar(&showVer, "version", false, "show version")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showVer {
		_, _ = fmt.Fprintf(stdout, "boardsync %s\n", version)
		return nil
	}

	paths, err := platform.DefaultPathsWithOptions(platform.Options{
		AppName: "boardsync",
		DevMode: devMode,
	})
	if err != nil {
		return err
	}

	if command := firstArg(fs.Args()); command == "paths" {
		_, _ = fmt.Fprintf(stdout, "dev_mode: %t\n", devMode)
		_, _ = fmt.Fprintf(stdout, "config: %s\n", paths.ConfigPath)
		_, _ = fmt.Fprintf(stdout, "data_dir: %s\n", paths.DataDir)
		_, _ = fmt.Fprintf(stdout, "db: %s\n", paths.DBPath)
		return nil
	} else if command != "" {
		return fmt.Errorf("unknown command: %s", command)
	}

	dbOverridden := strings.TrimSpace(dbPath) != ""
	if configPath == "" {
		if envPath := strings.TrimSpace(os.Getenv("BOARDSYNC_CONFIG")); envPath != "" {
			configPath = envPath
		} else {
			configPath = paths.ConfigPath
		}
	}
	if !dbOverridden {
		if envPath := strings.TrimSpace(os.Getenv("BOARDSYNC_DB_PATH")); envPath != "" {
			dbPath = envPath
			dbOverridden = true
		} else {
			dbPath = paths.DBPath
		}
	}

	cfg, err := config.Load(configPath, config.Default(dbPath))
	if err != nil {
		return fmt.Errorf("load config %q: %w", configPath, err)
	}
	if dbOverridden {
		cfg.Database.Path = dbPath
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(stderr, cfg.Logging.Level)
	logger.Info("starting boardsync", "version", version, "db", cfg.Database.Path)

	return runDaemon(ctx, cfg, logger)
}

// runDaemon wires the replica, relay, store, and engine together and blocks
// until the process is signalled.
func runDaemon(ctx context.Context, cfg config.Config, logger *charmLog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	state, err := store.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("load replica state: %w", err)
	}

	var metrics *telemetry.Metrics
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		metrics = telemetry.New(registry)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.ListenAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	senderID := uuid.NewString()
	bus := replica.NewBus()

	queue := replica.NewSyncQueue(store, replica.SyncQueueOptions{
		Replicated: cfg.Sync.Replicated,
		QueueSize:  cfg.Sync.QueueSize,
		Logger:     logger.With("component", "syncqueue"),
		Metrics:    metrics,
	})
	queue.Start(ctx)
	defer queue.Close()

	var relayClient *relay.Client
	if cfg.Relay.Enabled {
		relayClient = relay.NewClient(relay.Options{
			URL:       cfg.Relay.URL,
			AuthToken: cfg.Relay.Token,
			SenderID:  senderID,
			Logger:    logger.With("component", "relay"),
		})
		if err := relayClient.Connect(ctx); err != nil {
			return err
		}
		defer func() { _ = relayClient.Close() }()
	}

	var publisher session.Publisher
	if relayClient != nil {
		publisher = relayClient
	}
	sess := session.New(session.Options{
		SenderID: senderID,
		UserID:   cfg.Identity.UserID,
		State:    state,
		Bus:      bus,
		Relay:    publisher,
		Queue:    queue,
		Logger:   logger.With("component", "session"),
		IDGen:    uuid.NewString,
		Metrics:  metrics,
	})
	defer sess.Close()

	if relayClient != nil {
		for _, topic := range sess.Topics() {
			if err := relayClient.Subscribe(ctx, topic, sess.HandleEnvelope); err != nil {
				logger.Error("subscribe failed, continuing without topic", "topic", topic, "err", err)
			}
		}
	}

	if cfg.Automation.Enabled {
		executor, err := llm.New(llm.Options{
			APIKey:  cfg.Automation.LLM.APIKey,
			BaseURL: cfg.Automation.LLM.BaseURL,
			Model:   cfg.Automation.LLM.Model,
			Timeout: 2 * time.Minute,
			Logger:  logger.With("component", "llm"),
		})
		if err != nil {
			logger.Warn("automation disabled", "err", err)
		} else {
			ledger := automation.NewLedger(sess, sess, uuid.NewString, time.Now, logger.With("component", "ledger"))
			engine := automation.NewEngine(automation.EngineOptions{
				View:          sess,
				Mutator:       sess,
				Executor:      executor,
				Ledger:        ledger,
				Logger:        logger.With("component", "automation"),
				IDGen:         uuid.NewString,
				Metrics:       metrics,
				SweepInterval: time.Duration(cfg.Automation.SweepIntervalSecs) * time.Second,
			})
			sess.SetEventHook(func(event replica.Event, origin replica.Origin) {
				engine.HandleEvent(ctx, event, origin)
			})
			go engine.Run(ctx)
		}
	}

	logger.Info("boardsync running", "sender_id", senderID, "user_id", cfg.Identity.UserID)
	<-ctx.Done()
	logger.Info("shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}

// newLogger builds the process logger at the configured level.
func newLogger(stderr io.Writer, level string) *charmLog.Logger {
	parsed, err := charmLog.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = charmLog.InfoLevel
	}
	return charmLog.NewWithOptions(stderr, charmLog.Options{
		Level:           parsed,
		ReportTimestamp: true,
		Formatter:       charmLog.TextFormatter,
	})
}

// applyEnvOverrides lets deployment env vars win over the config file.
func applyEnvOverrides(cfg *config.Config) {
	if v := strings.TrimSpace(os.Getenv("BOARDSYNC_USER_ID")); v != "" {
		cfg.Identity.UserID = v
	}
	if v := strings.TrimSpace(os.Getenv("BOARDSYNC_RELAY_URL")); v != "" {
		cfg.Relay.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("BOARDSYNC_RELAY_TOKEN")); v != "" {
		cfg.Relay.Token = v
	}
	if v, ok := parseBoolEnv("BOARDSYNC_RELAY_ENABLED"); ok {
		cfg.Relay.Enabled = v
	}
	if v, ok := parseBoolEnv("BOARDSYNC_SYNC_REPLICATED"); ok {
		cfg.Sync.Replicated = v
	}
	if v := strings.TrimSpace(os.Getenv("BOARDSYNC_LLM_API_KEY")); v != "" {
		cfg.Automation.LLM.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("BOARDSYNC_LLM_BASE_URL")); v != "" {
		cfg.Automation.LLM.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("BOARDSYNC_LLM_MODEL")); v != "" {
		cfg.Automation.LLM.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("BOARDSYNC_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
}

// firstArg handles first arg.
func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return strings.TrimSpace(args[0])
}

// parseBoolEnv parses input into a normalized form.
func parseBoolEnv(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
