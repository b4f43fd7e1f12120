package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/rickgao/bitquery-stream/internal/metrics"
	"github.com/rickgao/bitquery-stream/internal/shutdown"
	"github.com/rickgao/bitquery-stream/internal/transport"
)

// SupervisorConfig wires a Supervisor to its collaborators.
type SupervisorConfig struct {
	Source   Source
	Counters *metrics.SourceCounters // Defaults to counters on a no-op meter
	Shutdown *shutdown.Controller    // Defaults to a private controller
	Backoff  BackoffConfig
	Handler  BatchHandler // Optional
}

// Supervisor keeps one source's subscription alive until shutdown.
type Supervisor struct {
	src      Source
	counters *metrics.SourceCounters
	shutdown *shutdown.Controller
	backoff  backoff.BackOff
	handler  BatchHandler
	logger   *slog.Logger

	state        atomic.Int32
	lastActivity atomic.Int64 // Unix nanoseconds
	epoch        atomic.Pointer[uuid.UUID]
	attempts     atomic.Int64
}

// NewSupervisor creates a Supervisor in the Disconnected state.
func NewSupervisor(cfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Shutdown == nil {
		cfg.Shutdown = shutdown.New(logger)
	}
	if cfg.Counters == nil {
		cfg.Counters = metrics.NewSink(nil, "stream", nil, logger).Source(cfg.Source.Name)
	}

	return &Supervisor{
		src:      cfg.Source,
		counters: cfg.Counters,
		shutdown: cfg.Shutdown,
		backoff:  cfg.Backoff.New(),
		handler:  cfg.Handler,
		logger:   logger,
	}
}

// Run drives connect → subscribe → consume → close → backoff until shutdown
// is signalled or ctx is done. Transport failures are counted and logged;
// the only error returned is ErrNoTransport for a misconfigured source.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.src.NewTransport == nil {
		return ErrNoTransport
	}

	ctx, cancel := s.shutdown.Context(ctx)
	defer cancel()

	s.logger.Info("supervisor started")

	for !s.stopping(ctx) {
		s.runEpoch(ctx)
		if s.stopping(ctx) {
			break
		}

		wait := s.backoff.NextBackOff()
		if wait == backoff.Stop {
			wait = DefaultBackoffInterval
		}
		s.logger.Info("reconnecting after backoff", "wait", wait)

		if !s.shutdown.Sleep(ctx, wait) {
			break
		}
		s.setState(StateDisconnected)
	}

	s.setState(StateDisconnected)

	snap := s.counters.Snapshot()
	s.logger.Info("supervisor stopped",
		"connections", snap.Connections,
		"messages", snap.Messages,
		"errors", snap.Errors,
	)
	return nil
}

// runEpoch performs one connection attempt and consumes it until it ends.
// The transport is closed exactly once on every path.
func (s *Supervisor) runEpoch(ctx context.Context) {
	s.attempts.Add(1)
	s.setState(StateConnecting)

	tr := s.src.NewTransport()
	defer s.release(tr)
	defer func() {
		if r := recover(); r != nil {
			if s.stopping(ctx) {
				s.setState(StateDraining)
				s.logger.Debug("transport panic during shutdown", "panic", r)
				return
			}
			s.fail("transport panic", fmt.Errorf("panic: %v", r))
		}
	}()

	if err := tr.Connect(ctx); err != nil {
		if s.stopping(ctx) {
			s.setState(StateDraining)
			return
		}
		s.fail("connection error", err)
		return
	}

	epoch := uuid.New()
	s.epoch.Store(&epoch)
	s.counters.AddConnections(1)
	s.setState(StateSubscribed)
	s.logger.Info("connected", "epoch", epoch)

	first := true
	for batch, err := range tr.Subscribe(ctx, s.src.Subscription) {
		if err != nil {
			if s.stopping(ctx) {
				s.setState(StateDraining)
				return
			}
			s.fail("subscription error", err)
			return
		}

		s.counters.AddMessages(batch.Len())
		s.touch(batch.ReceivedAt)
		if first {
			s.backoff.Reset()
			first = false
		}

		if s.handler != nil {
			s.handler.HandleBatch(Delivery{Source: s.src.Name, Epoch: epoch, Batch: batch})
		}

		if s.stopping(ctx) {
			s.setState(StateDraining)
			s.logger.Info("shutdown observed, draining", "epoch", epoch)
			return
		}
	}

	s.logger.Info("subscription ended by upstream", "epoch", epoch)
	s.setState(StateDisconnected)
}

// stopping reports whether shutdown has been signalled or ctx is done. The
// flag is checked directly since the derived context is cancelled
// asynchronously.
func (s *Supervisor) stopping(ctx context.Context) bool {
	return s.shutdown.IsSet() || ctx.Err() != nil
}

// fail records a connect or stream failure.
func (s *Supervisor) fail(msg string, err error) {
	s.counters.AddErrors(1)
	s.setState(StateFailed)
	s.logger.Warn(msg, "error", err, "attempt", s.attempts.Load())
}

// release closes the transport. Close never fails from our perspective.
func (s *Supervisor) release(tr transport.Transport) {
	if err := tr.Close(); err != nil {
		s.logger.Debug("transport close", "error", err)
	}
	s.logger.Debug("transport closed")
}

// touch moves LastActivity forward to at; it never moves backwards.
func (s *Supervisor) touch(at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	n := at.UnixNano()
	for {
		cur := s.lastActivity.Load()
		if n <= cur || s.lastActivity.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Name returns the source name.
func (s *Supervisor) Name() string {
	return s.src.Name
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	st := Status{
		Source:   s.src.Name,
		State:    s.State(),
		Attempts: s.attempts.Load(),
		Counters: s.counters.Snapshot(),
	}
	if n := s.lastActivity.Load(); n > 0 {
		st.LastActivity = time.Unix(0, n).UTC()
	}
	if e := s.epoch.Load(); e != nil {
		st.Epoch = *e
	}
	return st
}
