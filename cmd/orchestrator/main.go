package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/0xmhha/orchestrator-go/api"
	"github.com/0xmhha/orchestrator-go/balancer"
	"github.com/0xmhha/orchestrator-go/cache"
	"github.com/0xmhha/orchestrator-go/engine"
	"github.com/0xmhha/orchestrator-go/internal/config"
	"github.com/0xmhha/orchestrator-go/internal/logger"
	"github.com/0xmhha/orchestrator-go/relay"
	"github.com/0xmhha/orchestrator-go/store"
	"github.com/0xmhha/orchestrator-go/watcher"
	"github.com/0xmhha/orchestrator-go/workerpool"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		mode        = flag.String("mode", "", "Service mode (watcher, worker, all)")
		dbPath      = flag.String("db", "", "Database path")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, console)")
		workerID    = flag.String("worker-id", "", "Worker identifier (defaults to hostname)")
		enableAPI   = flag.Bool("api", false, "Enable ops API server")
		apiPort     = flag.Int("api-port", 0, "Ops API server port")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("orchestrator-go version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *mode, *dbPath, *logLevel, *logFormat, *workerID, *enableAPI, *apiPort)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := initLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting orchestrator",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("mode", cfg.Mode),
		zap.Int("networks", len(cfg.Watcher.Networks)),
		zap.String("strategy", cfg.Balancer.Strategy),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := run(ctx, cancel, cfg, log, sigChan); err != nil {
		log.Fatal("Orchestrator failed", zap.Error(err))
	}
	log.Info("Orchestrator stopped")
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, log *zap.Logger, sigChan chan os.Signal) error {
	runWatcher := cfg.Mode == "watcher" || cfg.Mode == "all"
	runWorker := cfg.Mode == "worker" || cfg.Mode == "all"

	st, err := store.NewPebbleStore(cfg.Store, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("Failed to close store", zap.Error(err))
		}
	}()

	blockCache := cache.New(cfg.Cache, log, cache.NewMetrics(""))
	defer blockCache.Close()

	var (
		w      *watcher.Watcher
		pool   *workerpool.Pool
		bal    *balancer.Balancer
		pub    *relay.Publisher
		source workerpool.BlockSource
	)

	if runWatcher {
		w = watcher.New(cfg.Watcher, st, blockCache, log, watcher.NewMetrics(""))
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
		defer w.Stop()
		source = w

		// Relay fetched blocks to worker-only pods.
		if cfg.Relay.Enabled {
			pub, err = relay.NewPublisher(cfg.Relay, log)
			if err != nil {
				return fmt.Errorf("failed to create relay publisher: %w", err)
			}
			defer pub.Close()
			for _, network := range cfg.Watcher.Networks {
				sub, err := w.Subscribe(network.ID, "relay")
				if err != nil {
					return fmt.Errorf("failed to subscribe relay on %s: %w", network.ID, err)
				}
				go pub.Run(ctx, sub)
			}
		}
	}

	if runWorker {
		// Worker-only pods consume blocks off the relay instead of
		// running fetch loops.
		if !runWatcher {
			if !cfg.Relay.Enabled {
				return errors.New("worker mode requires either mode=all or an enabled relay")
			}
			relaySource, err := relay.NewSource(cfg.Relay, cfg.Watcher.ChannelBufferSize, log)
			if err != nil {
				return fmt.Errorf("failed to create relay source: %w", err)
			}
			defer relaySource.Close()
			go func() {
				if err := relaySource.Run(ctx); err != nil {
					log.Error("Relay source stopped", zap.Error(err))
					cancel()
				}
			}()
			source = relaySource
		}

		bal, err = balancer.New(cfg.Balancer, cfg.Worker.MaxTenantsPerWorker, st, log, balancer.NewMetrics(""))
		if err != nil {
			return fmt.Errorf("failed to create balancer: %w", err)
		}

		pool = workerpool.New(cfg.Worker, source, bal, engine.NewLogEngine(log), blockCache, st, log, workerpool.NewMetrics(""))
		pool.Start(ctx)
		defer pool.Stop(context.Background())

		if _, err := pool.SpawnWorker(ctx, cfg.Worker.ID); err != nil {
			return fmt.Errorf("failed to spawn worker: %w", err)
		}

		// Rehydrate durable tenants and assignments into the live pool.
		tenants, err := st.ListTenants(ctx)
		if err != nil {
			return fmt.Errorf("failed to list tenants: %w", err)
		}
		if err := pool.Restore(ctx, tenants); err != nil {
			return fmt.Errorf("failed to restore tenants: %w", err)
		}
		log.Info("Restored tenants", zap.Int("tenants", len(tenants)))
	}

	var opsServer *api.Server
	if cfg.API.Enabled {
		deps := api.Deps{}
		if pool != nil {
			deps.Pool = pool
		}
		if bal != nil {
			deps.Balancer = bal
		}
		if w != nil {
			deps.Watcher = w
		}
		opsServer = api.NewServer(cfg.API, deps, log)
		go func() {
			if err := opsServer.Start(); err != nil {
				log.Error("Ops server failed", zap.Error(err))
			}
		}()
	}

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case <-ctx.Done():
	}

	log.Info("Shutting down gracefully...")
	if opsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := opsServer.Stop(shutdownCtx); err != nil {
			log.Error("Failed to stop ops server gracefully", zap.Error(err))
		}
	}
	return nil
}

// loadConfig loads configuration from file and environment variables
func loadConfig(configFile string) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads environment variables from a .env file if it exists.
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// applyFlags applies command-line flags to configuration
func applyFlags(cfg *config.Config, mode, dbPath, logLevel, logFormat, workerID string, enableAPI bool, apiPort int) {
	if mode != "" {
		cfg.Mode = mode
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if workerID != "" {
		cfg.Worker.ID = workerID
	}
	if enableAPI {
		cfg.API.Enabled = true
	}
	if apiPort > 0 {
		cfg.API.Port = apiPort
	}
}

// initLogger initializes the logger based on configuration
func initLogger(level, format string) (*zap.Logger, error) {
	if format == "json" || format == "production" {
		return logger.NewProduction()
	}

	cfg := logger.Config{
		Level:       level,
		Encoding:    "console",
		Development: true,
	}
	return logger.NewWithConfig(&cfg)
}
