// Package shutdown provides the process-wide cooperative cancellation signal.
//
// A Controller is created once at startup and handed to every supervisor.
// The flag flips from unset to set exactly once and never reverts.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"
)

// Controller is a write-once shutdown flag with interruptible waits.
type Controller struct {
	logger *slog.Logger

	set  atomic.Bool
	once sync.Once
	done chan struct{}
}

// New creates an unset Controller.
func New(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Signal sets the flag. It reports true only for the call that flipped it;
// every later call is a no-op.
func (c *Controller) Signal() bool {
	if !c.set.CompareAndSwap(false, true) {
		return false
	}
	c.once.Do(func() { close(c.done) })
	return true
}

// IsSet reports whether shutdown has been signalled.
func (c *Controller) IsSet() bool {
	return c.set.Load()
}

// Done returns a channel closed once shutdown is signalled.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Context returns a copy of parent that is cancelled when shutdown is
// signalled or parent is done, whichever comes first.
func (c *Controller) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if c.IsSet() {
		cancel()
		return ctx, cancel
	}

	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// Sleep waits for d. It returns false early if shutdown is signalled or ctx
// is done before d elapses.
func (c *Controller) Sleep(ctx context.Context, d time.Duration) bool {
	if c.IsSet() {
		return false
	}
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Notify forwards the given OS signals to Signal. Repeated interrupts after
// the first are logged and otherwise ignored. The returned func stops
// forwarding.
func (c *Controller) Notify(sigs ...os.Signal) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sigs...)

	quit := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				if c.Signal() {
					c.logger.Info("received shutdown signal", "signal", sig)
				} else {
					c.logger.Debug("shutdown already in progress", "signal", sig)
				}
			case <-quit:
				return
			}
		}
	}()

	var stopOnce sync.Once
	return func() {
		stopOnce.Do(func() {
			signal.Stop(sigCh)
			close(quit)
		})
	}
}
