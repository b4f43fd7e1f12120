// streamclient keeps one GraphQL subscription per configured source alive,
// counting messages, errors and connections into OpenTelemetry metrics.
//
// Usage:
//
//	BITQUERY_TOKEN=... streamclient                  # Solana + BSC with defaults
//	streamclient --config configs/streamclient.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/bitquery-stream/internal/app"
	"github.com/rickgao/bitquery-stream/internal/config"
	"github.com/rickgao/bitquery-stream/internal/database"
	"github.com/rickgao/bitquery-stream/internal/health"
	"github.com/rickgao/bitquery-stream/internal/metrics"
	"github.com/rickgao/bitquery-stream/internal/shutdown"
	"github.com/rickgao/bitquery-stream/internal/stream"
	"github.com/rickgao/bitquery-stream/internal/version"
	"github.com/rickgao/bitquery-stream/internal/writer"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults only when empty)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	statsInterval := flag.Duration("stats-interval", 30*time.Second, "interval between counter log lines (0 disables)")
	flag.Parse()

	// Set up structured logging
	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", *logLevel)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := run(*configPath, *statsInterval, logger); err != nil {
		logger.Error("stream client failed", "error", err)
		os.Exit(1)
	}
}

// run wires the client and blocks until shutdown. Deferred teardown always
// runs before it returns.
func run(configPath string, statsInterval time.Duration, logger *slog.Logger) error {
	logger.Info("starting stream client",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
	)

	// Load configuration
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	backoffCfg := app.Backoff(cfg.Backoff)
	if err := backoffCfg.Validate(); err != nil {
		return fmt.Errorf("invalid backoff config: %w", err)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"sources", len(cfg.EnabledSources()),
		"backoff", backoffCfg.Policy,
		"writer", cfg.Writer.Enabled,
	)

	// Handle shutdown signals
	ctl := shutdown.New(logger)
	stopSignals := ctl.Notify(syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	ctx := context.Background()

	// Metrics
	provider, err := metrics.NewProvider(ctx, app.Metrics(cfg.Metrics, version.Version), logger)
	if err != nil {
		return fmt.Errorf("create metrics provider: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics provider shutdown", "error", err)
		}
	}()

	sink := metrics.NewSink(provider.Meter(), cfg.Metrics.Namespace, app.SourceSpecs(cfg), logger)

	// Optional persistence
	var (
		handler stream.BatchHandler
		pool    *pgxpool.Pool
		tw      *writer.TokenWriter
	)
	if cfg.Writer.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Timescale.Host,
			"port", cfg.Database.Timescale.Port,
			"database", cfg.Database.Timescale.Name,
		)

		pool, err = database.Connect(ctx, cfg.Database.Timescale, cfg.Instance.ID)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()

		if cfg.Writer.EnsureSchema {
			if err := database.EnsureSchema(ctx, pool, cfg.Writer.Table); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
		}

		tw = writer.NewTokenWriter(app.Writer(cfg.Writer), pool, logger.With("component", "writer"))
		if err := tw.Start(ctx); err != nil {
			return fmt.Errorf("start writer: %w", err)
		}
		handler = tw
	}

	mux := stream.NewMultiplexer(stream.MultiplexerConfig{
		Sources:  app.Sources(cfg, logger),
		Sink:     sink,
		Shutdown: ctl,
		Backoff:  backoffCfg,
		Handler:  handler,
	}, logger)

	// Health server
	var healthServer *http.Server
	if cfg.Health.Enabled {
		opts := health.Options{
			Sources:    mux,
			Draining:   ctl.IsSet,
			StaleAfter: cfg.Transport.ReadTimeout,
		}
		if pool != nil {
			opts.DB = pool
		}
		healthServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
			Handler:           health.NewHandler(opts, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			logger.Info("starting health server", "port", cfg.Health.Port)
			if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("health server error", "error", err)
			}
		}()
	}

	if statsInterval > 0 {
		go logStats(ctl, sink, statsInterval, logger)
	}

	logger.Info("stream client running - press Ctrl+C to stop")

	// Blocks until shutdown is signalled and every transport is closed
	runErr := mux.Run(ctx)
	if runErr != nil {
		ctl.Signal()
	}

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if healthServer != nil {
		healthServer.Shutdown(shutdownCtx)
	}
	if tw != nil {
		if err := tw.Stop(shutdownCtx); err != nil {
			logger.Warn("writer stop", "error", err)
		}
	}

	for name, snap := range sink.Snapshot() {
		logger.Info("final counters",
			"source", name,
			"connections", snap.Connections,
			"messages", snap.Messages,
			"errors", snap.Errors,
		)
	}

	if runErr != nil {
		return fmt.Errorf("stream multiplexer: %w", runErr)
	}
	logger.Info("stream client stopped")
	return nil
}

func loadConfig(path string) (*config.StreamConfig, error) {
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validate config: %w", err)
		}
		return cfg, nil
	}
	return config.LoadAndValidate(path)
}

// logStats periodically logs per-source counters until shutdown.
func logStats(ctl *shutdown.Controller, sink *metrics.Sink, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctl.Done():
			return
		case <-ticker.C:
			for name, snap := range sink.Snapshot() {
				logger.Info("stats",
					"source", name,
					"connections", snap.Connections,
					"messages", snap.Messages,
					"errors", snap.Errors,
				)
			}
		}
	}
}
