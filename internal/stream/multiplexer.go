package stream

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/bitquery-stream/internal/metrics"
	"github.com/rickgao/bitquery-stream/internal/shutdown"
)

// MultiplexerConfig configures a Multiplexer.
type MultiplexerConfig struct {
	Sources  []Source
	Sink     *metrics.Sink        // Source-keyed counter registry
	Shutdown *shutdown.Controller // Shared by every supervisor
	Backoff  BackoffConfig
	Handler  BatchHandler // Optional, shared by every supervisor
}

// Multiplexer runs one Supervisor per source concurrently.
type Multiplexer struct {
	supervisors []*Supervisor
	logger      *slog.Logger
}

// NewMultiplexer creates a supervisor for every configured source.
func NewMultiplexer(cfg MultiplexerConfig, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Shutdown == nil {
		cfg.Shutdown = shutdown.New(logger)
	}
	if cfg.Sink == nil {
		cfg.Sink = metrics.NewSink(nil, "stream", nil, logger)
	}

	m := &Multiplexer{
		supervisors: make([]*Supervisor, 0, len(cfg.Sources)),
		logger:      logger,
	}

	for _, src := range cfg.Sources {
		m.supervisors = append(m.supervisors, NewSupervisor(SupervisorConfig{
			Source:   src,
			Counters: cfg.Sink.Source(src.Name),
			Shutdown: cfg.Shutdown,
			Backoff:  cfg.Backoff,
			Handler:  cfg.Handler,
		}, logger.With("source", src.Name)))
	}

	return m
}

// Run starts every supervisor and blocks until all have returned, i.e. until
// every transport has been closed after shutdown. The returned error reports
// misconfigured sources only.
func (m *Multiplexer) Run(ctx context.Context) error {
	for _, s := range m.supervisors {
		if s.src.NewTransport == nil {
			return fmt.Errorf("source %q: %w", s.Name(), ErrNoTransport)
		}
	}

	m.logger.Info("starting stream multiplexer", "sources", len(m.supervisors))

	var g errgroup.Group
	for _, s := range m.supervisors {
		g.Go(func() error {
			return s.Run(ctx)
		})
	}

	err := g.Wait()
	if err != nil {
		m.logger.Error("stream multiplexer stopped with error", "error", err)
		return err
	}

	m.logger.Info("stream multiplexer stopped")
	return nil
}

// Statuses returns the status of every supervisor in configuration order.
func (m *Multiplexer) Statuses() []Status {
	out := make([]Status, 0, len(m.supervisors))
	for _, s := range m.supervisors {
		out = append(out, s.Status())
	}
	return out
}
