// Janitor supervisor - job supervision daemon
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/jelmer/janitor-go/internal/api"
	"github.com/jelmer/janitor-go/internal/backchannel"
	"github.com/jelmer/janitor-go/internal/config"
	"github.com/jelmer/janitor-go/internal/history"
	"github.com/jelmer/janitor-go/internal/metrics"
	"github.com/jelmer/janitor-go/internal/models"
	"github.com/jelmer/janitor-go/internal/registry"
	"github.com/jelmer/janitor-go/internal/runner"
	"github.com/jelmer/janitor-go/internal/storage"
	"github.com/jelmer/janitor-go/internal/watchdog"
	"github.com/jelmer/janitor-go/pkg/clock"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "supervisor.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("janitor-supervisor %s (built %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
		if *configPath != "supervisor.yaml" {
			fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Msg("Starting supervisor")

	// Initialize storage
	bcFactory := backchannel.NewFactory(cfg.Watchdog.BackchannelTimeout.Duration(), logger)
	rebuild := func(run *models.ActiveRun) models.Backchannel {
		return bcFactory.ForWorker(run.Worker)
	}

	var store storage.RunStore
	switch cfg.Storage.Backend {
	case "memory":
		store = storage.NewMemoryStore(nil)
	default:
		if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
			logger.Fatal().Err(err).Str("data_dir", cfg.Storage.DataDir).Msg("Failed to create data directory")
		}
		store, err = storage.NewBadgerStore(cfg.Storage.DataDir, nil, rebuild)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize storage")
		}
	}
	defer store.Close()

	// Metrics
	m := metrics.New(nil)

	// Job registry and history
	hist := history.NewLog(cfg.Registry.HistorySize)
	reg := registry.New(cfg.Registry.MaxActiveJobs, hist, logger, m)

	// Watchdog
	wdCfg := &watchdog.Config{
		CheckInterval:       cfg.Watchdog.CheckInterval.Duration(),
		DefaultTimeout:      cfg.Watchdog.DefaultTimeout.Duration(),
		MaxTimeout:          cfg.Watchdog.MaxTimeout.Duration(),
		HeartbeatTimeout:    cfg.Watchdog.HeartbeatTimeout.Duration(),
		MaxHealthFailures:   cfg.Watchdog.MaxHealthFailures,
		MaintenanceInterval: cfg.Watchdog.MaintenanceInterval.Duration(),
		MaxRunAge:           cfg.Watchdog.MaxRunAge.Duration(),
		MaxRetries:          cfg.Watchdog.MaxRetries,
		MinRetryDelay:       cfg.Watchdog.MinRetryDelay.Duration(),
	}
	wd := watchdog.New(store, hist, wdCfg, logger, clock.New(), m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wd.Start(ctx)

	// Reconcile finished-but-unfinalized registry entries on the
	// maintenance cadence.
	go func() {
		ticker := time.NewTicker(cfg.Watchdog.MaintenanceInterval.Duration())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := reg.CleanupFinished(); n > 0 {
					logger.Info().Int("reconciled", n).Msg("Reconciled finished jobs")
				}
			}
		}
	}()

	// Runner
	run := runner.New(cfg.Generator.URL, cfg.Generator.Timeout.Duration(), logger)

	// Initialize API
	handler := api.NewHandler(reg, wd, store, run, logger)
	router := api.NewRouterWithConfig(handler, logger, api.RouterConfig{
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
	})

	// Start HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration(),
		WriteTimeout: cfg.Server.WriteTimeout.Duration(),
	}

	go func() {
		logger.Info().Str("address", cfg.Server.Address).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop HTTP server first so no new jobs arrive.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	reg.Stop()
	wd.Stop()

	logger.Info().Msg("Supervisor stopped")
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var out *os.File
	switch cfg.Output {
	case "stderr":
		out = os.Stderr
	default:
		out = os.Stdout
	}

	var logger zerolog.Logger
	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		logger = zerolog.New(output).With().Timestamp().Caller().Logger()
	} else {
		logger = zerolog.New(out).With().Timestamp().Logger()
	}

	switch cfg.Level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	return logger
}
