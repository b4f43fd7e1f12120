package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/bitquery-stream/internal/metrics"
	"github.com/rickgao/bitquery-stream/internal/shutdown"
	"github.com/rickgao/bitquery-stream/internal/transport"
)

type harness struct {
	sup      *Supervisor
	ctl      *shutdown.Controller
	counters *metrics.SourceCounters
	script   *script
}

func newHarness(t *testing.T, sc *script, bo BackoffConfig, handler BatchHandler) *harness {
	t.Helper()
	if sc.fallback == nil {
		sc.fallback = blocking
	}
	ctl := shutdown.New(nil)
	counters := metrics.NewSink(nil, "test", nil, nil).Source("Solana")

	sup := NewSupervisor(SupervisorConfig{
		Source: Source{
			Name:         "Solana",
			Subscription: transport.Subscription{Query: "subscription { Trading { Tokens { Token { Symbol } } } }"},
			NewTransport: sc.factory,
		},
		Counters: counters,
		Shutdown: ctl,
		Backoff:  bo,
		Handler:  handler,
	}, nil)

	return &harness{sup: sup, ctl: ctl, counters: counters, script: sc}
}

// start runs the supervisor and returns a channel closed when Run returns.
func (h *harness) start(t *testing.T) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := h.sup.Run(context.Background()); err != nil {
			t.Errorf("Run returned %v", err)
		}
	}()
	t.Cleanup(func() {
		h.ctl.Signal()
		<-done
	})
	return done
}

func TestSupervisor_RecoversAfterConnectFailures(t *testing.T) {
	good := &fakeTransport{batches: []transport.Batch{batchOf(3)}}
	h := newHarness(t, &script{queue: []*fakeTransport{connectErr(), connectErr(), good}}, fastBackoff(), nil)

	done := h.start(t)
	waitFor(t, "3 messages", func() bool { return h.counters.Snapshot().Messages == 3 })

	h.ctl.Signal()
	waitDone(t, done, 2*time.Second)

	snap := h.counters.Snapshot()
	if snap.Errors != 2 || snap.Connections != 1 || snap.Messages != 3 {
		t.Errorf("counters = %+v, want errors=2 connections=1 messages=3", snap)
	}

	created := h.script.all()
	if len(created) != 3 {
		t.Fatalf("factory called %d times, want 3", len(created))
	}
	assertClosedOnce(t, created)
	if good.connects.Load() != 1 {
		t.Errorf("good transport connected %d times", good.connects.Load())
	}
	if h.sup.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", h.sup.State())
	}
}

func TestSupervisor_MessagesSumBatchSizes(t *testing.T) {
	first := &fakeTransport{batches: []transport.Batch{batchOf(1), batchOf(5), batchOf(0), batchOf(7)}, complete: true}
	second := &fakeTransport{batches: []transport.Batch{batchOf(2)}}
	h := newHarness(t, &script{queue: []*fakeTransport{first, second}}, fastBackoff(), nil)

	done := h.start(t)
	waitFor(t, "15 messages", func() bool { return h.counters.Snapshot().Messages == 15 })

	h.ctl.Signal()
	waitDone(t, done, 2*time.Second)

	snap := h.counters.Snapshot()
	if snap.Messages != 15 {
		t.Errorf("messages = %d, want 15", snap.Messages)
	}
	if snap.Connections != 2 {
		t.Errorf("connections = %d, want 2", snap.Connections)
	}
	if snap.Errors != 0 {
		t.Errorf("errors = %d, want 0", snap.Errors)
	}
	assertClosedOnce(t, h.script.all())
}

func TestSupervisor_CountsEveryFailure(t *testing.T) {
	var mu sync.Mutex
	n := 0
	sc := &script{fallback: func() *fakeTransport {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n%2 == 0 {
			return streamErr()
		}
		return connectErr()
	}}
	h := newHarness(t, sc, fastBackoff(), nil)

	done := h.start(t)
	waitFor(t, "10 errors", func() bool { return h.counters.Snapshot().Errors >= 10 })

	select {
	case <-done:
		t.Fatal("supervisor stopped without shutdown")
	default:
	}

	h.ctl.Signal()
	waitDone(t, done, 2*time.Second)

	created := h.script.all()
	snap := h.counters.Snapshot()

	// Every attempt fails once. Only the attempt in flight when shutdown
	// landed may go uncounted.
	var connected int64
	for _, f := range created {
		if f.connected.Load() {
			connected++
		}
	}
	attempts := int64(len(created))
	if snap.Errors != attempts && snap.Errors != attempts-1 {
		t.Errorf("errors = %d, want %d or %d", snap.Errors, attempts-1, attempts)
	}
	if snap.Connections != connected {
		t.Errorf("connections = %d, want %d", snap.Connections, connected)
	}
	assertClosedOnce(t, created)
}

func TestSupervisor_ShutdownDuringBackoff(t *testing.T) {
	h := newHarness(t, &script{queue: []*fakeTransport{connectErr()}}, slowBackoff(), nil)

	done := h.start(t)
	waitFor(t, "first failure", func() bool { return h.counters.Snapshot().Errors == 1 })

	start := time.Now()
	h.ctl.Signal()
	waitDone(t, done, time.Second)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("shutdown took %v", elapsed)
	}

	if got := len(h.script.all()); got != 1 {
		t.Errorf("factory called %d times, want 1", got)
	}
	if h.counters.Snapshot().Errors != 1 {
		t.Errorf("errors = %d, want 1", h.counters.Snapshot().Errors)
	}
}

func TestSupervisor_ShutdownDuringConsumption(t *testing.T) {
	tr := &fakeTransport{batches: []transport.Batch{batchOf(4)}}
	h := newHarness(t, &script{queue: []*fakeTransport{tr}}, slowBackoff(), nil)

	done := h.start(t)
	waitFor(t, "subscribed", func() bool { return h.sup.State() == StateSubscribed && h.counters.Snapshot().Messages == 4 })

	h.ctl.Signal()
	waitDone(t, done, time.Second)

	snap := h.counters.Snapshot()
	if snap.Errors != 0 {
		t.Errorf("errors = %d, want 0 for a clean shutdown", snap.Errors)
	}
	if tr.closes.Load() != 1 {
		t.Errorf("closes = %d, want 1", tr.closes.Load())
	}
	if h.sup.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", h.sup.State())
	}
}

func TestSupervisor_StopsConsumingOnceSignalled(t *testing.T) {
	var ctl *shutdown.Controller
	var deliveries atomic.Int32
	handler := BatchHandlerFunc(func(d Delivery) {
		deliveries.Add(1)
		ctl.Signal()
	})

	tr := &fakeTransport{batches: []transport.Batch{batchOf(3), batchOf(5)}}
	h := newHarness(t, &script{queue: []*fakeTransport{tr}}, slowBackoff(), handler)
	ctl = h.ctl

	done := h.start(t)
	waitDone(t, done, time.Second)

	snap := h.counters.Snapshot()
	if snap.Messages != 3 {
		t.Errorf("messages = %d, want 3 (no batch after the signalling one)", snap.Messages)
	}
	if got := deliveries.Load(); got != 1 {
		t.Errorf("deliveries = %d, want 1", got)
	}
	if snap.Errors != 0 || snap.Connections != 1 {
		t.Errorf("counters = %+v, want errors=0 connections=1", snap)
	}
	if got := len(h.script.all()); got != 1 {
		t.Errorf("transports created = %d, want 1", got)
	}
	if tr.closes.Load() != 1 {
		t.Errorf("closes = %d, want 1", tr.closes.Load())
	}
}

func TestSupervisor_ShutdownDuringConnect(t *testing.T) {
	tr := &fakeTransport{blockConnect: true}
	h := newHarness(t, &script{queue: []*fakeTransport{tr}}, slowBackoff(), nil)

	done := h.start(t)
	waitFor(t, "connect attempt", func() bool { return tr.connects.Load() == 1 })

	h.ctl.Signal()
	waitDone(t, done, time.Second)

	snap := h.counters.Snapshot()
	if snap.Errors != 0 || snap.Connections != 0 {
		t.Errorf("counters = %+v, want nothing counted", snap)
	}
	if tr.closes.Load() != 1 {
		t.Errorf("closes = %d, want 1", tr.closes.Load())
	}
}

func TestSupervisor_ShutdownBeforeRun(t *testing.T) {
	h := newHarness(t, &script{}, fastBackoff(), nil)
	h.ctl.Signal()

	done := h.start(t)
	waitDone(t, done, time.Second)

	if got := len(h.script.all()); got != 0 {
		t.Errorf("factory called %d times after shutdown, want 0", got)
	}
}

func TestSupervisor_ParentContextCancel(t *testing.T) {
	sc := &script{fallback: blocking}
	h := newHarness(t, sc, fastBackoff(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.sup.Run(ctx)
	}()

	waitFor(t, "connection", func() bool { return h.counters.Snapshot().Connections == 1 })
	cancel()
	waitDone(t, done, time.Second)

	if h.ctl.IsSet() {
		t.Error("parent cancel should not set the shutdown flag")
	}
	if h.counters.Snapshot().Errors != 0 {
		t.Errorf("errors = %d, want 0", h.counters.Snapshot().Errors)
	}
	assertClosedOnce(t, sc.all())
}

func TestSupervisor_PanicIsContained(t *testing.T) {
	sc := &script{queue: []*fakeTransport{{panicOnSub: true}}}
	h := newHarness(t, sc, fastBackoff(), nil)

	done := h.start(t)
	waitFor(t, "reconnect after panic", func() bool { return h.counters.Snapshot().Connections == 2 })

	h.ctl.Signal()
	waitDone(t, done, time.Second)

	if h.counters.Snapshot().Errors != 1 {
		t.Errorf("errors = %d, want 1", h.counters.Snapshot().Errors)
	}
	assertClosedOnce(t, sc.all())
}

func TestSupervisor_PanicDuringShutdownIsNotAnError(t *testing.T) {
	tr := &fakeTransport{panicOnStop: true}
	h := newHarness(t, &script{queue: []*fakeTransport{tr}}, slowBackoff(), nil)

	done := h.start(t)
	waitFor(t, "connection", func() bool { return h.counters.Snapshot().Connections == 1 })

	h.ctl.Signal()
	waitDone(t, done, time.Second)

	if got := h.counters.Snapshot().Errors; got != 0 {
		t.Errorf("errors = %d, want 0 for a panic after shutdown", got)
	}
	if tr.closes.Load() != 1 {
		t.Errorf("closes = %d, want 1", tr.closes.Load())
	}
	if h.sup.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", h.sup.State())
	}
}

func TestSupervisor_HandlerReceivesDeliveries(t *testing.T) {
	var mu sync.Mutex
	var got []Delivery
	handler := BatchHandlerFunc(func(d Delivery) {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
	})

	first := &fakeTransport{batches: []transport.Batch{batchOf(2), batchOf(1)}, complete: true}
	second := &fakeTransport{batches: []transport.Batch{batchOf(3)}}
	h := newHarness(t, &script{queue: []*fakeTransport{first, second}}, fastBackoff(), handler)

	done := h.start(t)
	waitFor(t, "three deliveries", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	h.ctl.Signal()
	waitDone(t, done, time.Second)

	mu.Lock()
	defer mu.Unlock()
	for _, d := range got {
		if d.Source != "Solana" {
			t.Errorf("source = %q", d.Source)
		}
		if d.Epoch == uuid.Nil {
			t.Error("delivery without epoch")
		}
	}
	if got[0].Epoch != got[1].Epoch {
		t.Error("batches on one connection should share an epoch")
	}
	if got[1].Epoch == got[2].Epoch {
		t.Error("a reconnect should start a new epoch")
	}
	if got[2].Batch.Len() != 3 {
		t.Errorf("last batch len = %d, want 3", got[2].Batch.Len())
	}
}

func TestSupervisor_LastActivityMonotonic(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := &fakeTransport{batches: []transport.Batch{
		batchAt(1, base.Add(2*time.Second)),
		batchAt(1, base),
		batchAt(1, base.Add(time.Second)),
	}}
	h := newHarness(t, &script{queue: []*fakeTransport{tr}}, slowBackoff(), nil)

	if !h.sup.Status().LastActivity.IsZero() {
		t.Error("LastActivity should start unset")
	}

	h.start(t)
	waitFor(t, "3 messages", func() bool { return h.counters.Snapshot().Messages == 3 })

	st := h.sup.Status()
	if !st.LastActivity.Equal(base.Add(2 * time.Second)) {
		t.Errorf("LastActivity = %v, want %v", st.LastActivity, base.Add(2*time.Second))
	}
	if st.State != StateSubscribed {
		t.Errorf("state = %v, want subscribed", st.State)
	}
	if st.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", st.Attempts)
	}
	if st.Counters.Messages != 3 {
		t.Errorf("status messages = %d, want 3", st.Counters.Messages)
	}
}

func TestSupervisor_NoTransport(t *testing.T) {
	sup := NewSupervisor(SupervisorConfig{Source: Source{Name: "BSC"}}, nil)
	if err := sup.Run(context.Background()); !errors.Is(err, ErrNoTransport) {
		t.Errorf("Run() = %v, want ErrNoTransport", err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateSubscribed:   "subscribed",
		StateFailed:       "failed",
		StateDraining:     "draining",
		State(42):         "state(42)",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(st), got, want)
		}
	}
}

func TestState_TextRoundTrip(t *testing.T) {
	for st := StateDisconnected; st <= StateDraining; st++ {
		text, err := st.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", st, err)
		}
		var got State
		if err := got.UnmarshalText(text); err != nil || got != st {
			t.Errorf("UnmarshalText(%q) = %v, %v", text, got, err)
		}
	}

	var st State
	if err := st.UnmarshalText([]byte("sleeping")); err == nil {
		t.Error("expected error for unknown state")
	}
}
