// streamtest subscribes to a single source and prints decoded token records
// to the console.
// Usage: go run ./cmd/streamtest --source Solana [--config configs/streamclient.yaml]
//
// Required environment variables (when the config does not set a token):
//
//	BITQUERY_TOKEN - Streaming API token
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/rickgao/bitquery-stream/internal/app"
	"github.com/rickgao/bitquery-stream/internal/config"
	"github.com/rickgao/bitquery-stream/internal/metrics"
	"github.com/rickgao/bitquery-stream/internal/shutdown"
	"github.com/rickgao/bitquery-stream/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults only when empty)")
	sourceName := flag.String("source", "Solana", "source to subscribe to")
	verbose := flag.Bool("verbose", false, "print full record JSON")
	limit := flag.Int("limit", 0, "stop after this many batches (0 = run until Ctrl+C)")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config
	var cfg *config.StreamConfig
	var err error
	if *configPath == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.LoadWithDefaults(*configPath)
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var source *stream.Source
	for _, src := range app.Sources(cfg, logger) {
		if src.Name == *sourceName {
			source = &src
			break
		}
	}
	if source == nil {
		logger.Error("source not configured", "source", *sourceName)
		os.Exit(1)
	}

	// Handle signals
	ctl := shutdown.New(logger)
	stop := ctl.Notify(syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	batches := 0
	printer := stream.BatchHandlerFunc(func(d stream.Delivery) {
		batches++
		fmt.Printf("[BATCH] source=%s epoch=%s records=%d received=%s\n",
			d.Source, d.Epoch, d.Batch.Len(), d.Batch.ReceivedAt.Format("15:04:05.000"))

		for _, rec := range d.Batch.Records {
			if *verbose {
				data, _ := json.MarshalIndent(rec, "", "  ")
				fmt.Printf("[TOKEN] %s\n", data)
				continue
			}
			fmt.Printf("[TOKEN] %s (%s) close=%g usd_volume=%g interval=%s\n",
				rec.Token.Symbol, rec.Token.Network, rec.Price.Ohlc.Close, rec.Volume.USD, rec.Interval.Time.Start)
		}

		if *limit > 0 && batches >= *limit {
			ctl.Signal()
		}
	})

	sink := metrics.NewSink(nil, cfg.Metrics.Namespace, app.SourceSpecs(cfg), logger)
	sup := stream.NewSupervisor(stream.SupervisorConfig{
		Source:   *source,
		Counters: sink.Source(source.Name),
		Shutdown: ctl,
		Backoff:  app.Backoff(cfg.Backoff),
		Handler:  printer,
	}, logger.With("source", source.Name))

	logger.Info("streaming started - press Ctrl+C to stop", "source", source.Name)

	if err := sup.Run(context.Background()); err != nil {
		logger.Error("supervisor failed", "error", err)
		os.Exit(1)
	}

	st := sup.Status()
	logger.Info("shutdown complete",
		"connections", st.Counters.Connections,
		"messages", st.Counters.Messages,
		"errors", st.Counters.Errors,
	)
}
