package stream

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/bitquery-stream/internal/transport"
)

// fakeTransport is a scripted transport.Transport.
type fakeTransport struct {
	connectErr   error // Returned by Connect
	blockConnect bool  // Connect waits for ctx
	batches      []transport.Batch
	streamErr    error // Yielded after batches
	complete     bool  // End the sequence after batches
	panicOnSub   bool
	panicOnStop  bool // Panic instead of yielding ctx.Err()
	closeDelay   time.Duration

	open      *atomic.Int32 // Shared count of connected, unclosed transports
	connected atomic.Bool
	connects  atomic.Int32
	closes    atomic.Int32
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.connects.Add(1)
	if f.blockConnect {
		<-ctx.Done()
		return fmt.Errorf("%w: %w", transport.ErrConnect, ctx.Err())
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected.Store(true)
	if f.open != nil {
		f.open.Add(1)
	}
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, sub transport.Subscription) iter.Seq2[transport.Batch, error] {
	return func(yield func(transport.Batch, error) bool) {
		if f.panicOnSub {
			panic("boom")
		}
		for _, b := range f.batches {
			if !yield(b, nil) {
				return
			}
		}
		if f.streamErr != nil {
			yield(transport.Batch{}, f.streamErr)
			return
		}
		if f.complete {
			return
		}
		<-ctx.Done()
		if f.panicOnStop {
			panic("stream torn down")
		}
		yield(transport.Batch{}, ctx.Err())
	}
}

func (f *fakeTransport) Close() error {
	if f.closeDelay > 0 {
		time.Sleep(f.closeDelay)
	}
	if f.closes.Add(1) == 1 && f.connected.Load() && f.open != nil {
		f.open.Add(-1)
	}
	return nil
}

// script hands out scripted transports in order, then fallback ones.
type script struct {
	mu       sync.Mutex
	queue    []*fakeTransport
	fallback func() *fakeTransport
	created  []*fakeTransport
	open     atomic.Int32
}

func (s *script) factory() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()

	var f *fakeTransport
	if len(s.queue) > 0 {
		f = s.queue[0]
		s.queue = s.queue[1:]
	} else {
		f = s.fallback()
	}
	f.open = &s.open
	s.created = append(s.created, f)
	return f
}

func (s *script) all() []*fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeTransport(nil), s.created...)
}

// blocking returns a transport that connects and then waits for shutdown.
func blocking() *fakeTransport {
	return &fakeTransport{}
}

func batchOf(n int) transport.Batch {
	return batchAt(n, time.Now())
}

func batchAt(n int, at time.Time) transport.Batch {
	return transport.Batch{ReceivedAt: at, Records: make([]transport.TokenRecord, n)}
}

func connectErr() *fakeTransport {
	return &fakeTransport{connectErr: fmt.Errorf("%w: connection refused", transport.ErrConnect)}
}

func streamErr() *fakeTransport {
	return &fakeTransport{streamErr: fmt.Errorf("%w: stream reset", transport.ErrSubscribe)}
}

// fastBackoff keeps reconnect loops quick in tests.
func fastBackoff() BackoffConfig {
	return BackoffConfig{Policy: BackoffConstant, Interval: 5 * time.Millisecond}
}

// slowBackoff makes any backoff wait far longer than a test.
func slowBackoff() BackoffConfig {
	return BackoffConfig{Policy: BackoffConstant, Interval: time.Hour}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, done <-chan struct{}, within time.Duration) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(within):
		t.Fatalf("did not stop within %v", within)
	}
}

func assertClosedOnce(t *testing.T, transports []*fakeTransport) {
	t.Helper()
	for i, f := range transports {
		if got := f.closes.Load(); got != 1 {
			t.Errorf("transport %d closed %d times, want 1", i, got)
		}
	}
}
