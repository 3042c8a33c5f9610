package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ledgerline/ledgergate/internal/adapter/inbound/http"
	"github.com/ledgerline/ledgergate/internal/adapter/outbound/memory"
	"github.com/ledgerline/ledgergate/internal/adapter/outbound/redis"
	"github.com/ledgerline/ledgergate/internal/adapter/outbound/sqlite"
	"github.com/ledgerline/ledgergate/internal/config"
	"github.com/ledgerline/ledgergate/internal/domain/ratelimit"
	"github.com/ledgerline/ledgergate/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the limiter server",
	Long: `Start the LedgerGate rate limiter server.

The server keeps window counters in the configured store backend:

1. sqlite (default): durable single-node counters in a local file.
2. memory: fast, lost on restart. Good for development.
3. redis: shared counters across multiple limiter instances.

Examples:
  # Start with config file settings
  ledgergate start

  # Start in development mode (memory backend, debug logging)
  ledgergate start --dev

  # Start with a specific config file
  ledgergate --config /path/to/config.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (memory backend, verbose logging)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override dev mode from CLI flag
	if devMode {
		cfg.DevMode = true
	}

	// Apply dev defaults (memory backend, dev API key) before validation
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	// Setup logger to stderr.
	// Priority: DevMode=true -> debug, otherwise use configured log_level
	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug // DevMode always forces debug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "effective", logLevel.String())

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// Write PID file so "ledgergate stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("ledgergate stopped")
	return nil
}

// run wires all components together and starts the HTTP transport.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	catalog, err := cfg.RateLimit.ActionCatalog()
	if err != nil {
		return fmt.Errorf("failed to build action catalog: %w", err)
	}

	// Disabled limiting keeps the full HTTP surface but never rejects: every
	// action gets an effectively unlimited budget.
	if !cfg.RateLimit.Enabled {
		logger.Warn("rate limiting disabled, all checks will allow")
		for action, ac := range catalog {
			ac.MaxRequests = math.MaxInt32
			catalog[action] = ac
		}
	}

	// ===== Window store backend =====
	store, closeStore, err := openWindowStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// ===== Services =====
	statsService := service.NewStatsService()
	hooks := service.NewDecisionHooks(logger)

	engine := ratelimit.NewEngine(store, catalog, logger,
		ratelimit.WithRecorder(statsService))

	// ===== Token verifier for user-scoped limiting =====
	verifier := memory.NewStaticTokenVerifier()
	for _, key := range cfg.Auth.APIKeys {
		verifier.AddToken(key.KeyHash, key.UserID)
	}
	logger.Debug("seeded API keys from config", "api_keys", len(cfg.Auth.APIKeys))

	healthChecker := http.NewHealthChecker(store, Version)

	transport := http.NewHTTPTransport(engine, store, statsService, hooks,
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithTokenVerifier(verifier),
		http.WithHealthChecker(healthChecker),
	)

	logger.Info("ledgergate starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"http_addr", cfg.Server.HTTPAddr,
		"store_backend", cfg.Store.Backend,
		"actions", len(catalog),
		"rate_limit", cfg.RateLimit.Enabled,
		"api_keys", len(cfg.Auth.APIKeys),
	)

	return transport.Start(ctx)
}

// openWindowStore creates the configured window store backend and starts its
// background sweep. The returned close function releases the backend.
func openWindowStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ratelimit.WindowStore, func(), error) {
	sweep := cfg.Store.SweepIntervalDuration()

	switch cfg.Store.Backend {
	case "memory":
		store := memory.NewWindowStoreWithConfig(sweep, logger)
		store.StartSweep(ctx)
		logger.Info("window store: memory", "sweep_interval", sweep)
		return store, store.Stop, nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		store, err := redis.NewWindowStore(client, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open redis window store: %w", err)
		}
		logger.Info("window store: redis", "addr", cfg.Store.Redis.Addr, "db", cfg.Store.Redis.DB)
		return store, func() { _ = store.Close() }, nil

	default: // sqlite
		store, err := sqlite.OpenWithConfig(cfg.Store.Path, sweep, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite window store: %w", err)
		}
		store.StartSweep(ctx)
		logger.Info("window store: sqlite", "path", cfg.Store.Path, "sweep_interval", sweep)
		return store, func() { _ = store.Close() }, nil
	}
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// pidFilePath returns the standard location for the LedgerGate PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".ledgergate", "server.pid")
	}
	return filepath.Join(os.TempDir(), "ledgergate-server.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
