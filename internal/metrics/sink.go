package metrics

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// NetworkAttribute is the attribute key used to tag generic counters.
const NetworkAttribute = "network"

// SourceSpec registers one source with the Sink.
type SourceSpec struct {
	Name string // Source name, used as the network attribute value
	Key  string // Metric name segment; derived from Name when empty
}

// Snapshot is a point-in-time copy of a source's counters.
type Snapshot struct {
	Messages    int64 `json:"messages"`
	Errors      int64 `json:"errors"`
	Connections int64 `json:"connections"`
}

// counterSet groups the three instruments recorded per event type.
type counterSet struct {
	messages    metric.Int64Counter
	errors      metric.Int64Counter
	connections metric.Int64Counter
}

// Sink is a source-keyed registry of counters built once at startup.
type Sink struct {
	meter     metric.Meter
	namespace string
	logger    *slog.Logger

	generic counterSet

	mu      sync.Mutex
	sources map[string]*SourceCounters
}

// NewSink creates the generic counters and one bound counter set per spec.
func NewSink(meter metric.Meter, namespace string, specs []SourceSpec, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(namespace)
	}

	s := &Sink{
		meter:     meter,
		namespace: namespace,
		logger:    logger,
		sources:   make(map[string]*SourceCounters, len(specs)),
	}
	s.generic = s.newCounterSet(namespace, "stream")

	for _, spec := range specs {
		key := spec.Key
		if key == "" {
			key = MetricKey(spec.Name)
		}
		bound := s.newCounterSet(namespace+"."+key, spec.Name+" stream")
		s.sources[spec.Name] = newSourceCounters(spec.Name, s.generic, &bound)
	}

	return s
}

// Source returns the counters for name. Names that were not registered get
// generic-only counters tagged with the network attribute.
func (s *Sink) Source(name string) *SourceCounters {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.sources[name]; ok {
		return c
	}

	s.logger.Debug("unregistered metrics source, using generic counters", "source", name)
	c := newSourceCounters(name, s.generic, nil)
	s.sources[name] = c
	return c
}

// Snapshot returns the in-process totals for every known source.
func (s *Sink) Snapshot() map[string]Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Snapshot, len(s.sources))
	for name, c := range s.sources {
		out[name] = c.Snapshot()
	}
	return out
}

func (s *Sink) newCounterSet(prefix, what string) counterSet {
	return counterSet{
		messages:    s.counter(prefix+".messages", "Messages received from "+what),
		errors:      s.counter(prefix+".errors", "Errors in "+what+" subscription"),
		connections: s.counter(prefix+".connections", "Successful connections to "+what),
	}
}

// counter creates an Int64Counter, falling back to a no-op instrument so
// recording can never fail.
func (s *Sink) counter(name, description string) metric.Int64Counter {
	c, err := s.meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		s.logger.Warn("failed to create counter, recording disabled",
			"counter", name,
			"error", err,
		)
		return noop.Int64Counter{}
	}
	return c
}

// SourceCounters are the counters bound to one source. Safe for concurrent use.
type SourceCounters struct {
	source  string
	attrs   metric.MeasurementOption
	generic counterSet
	bound   *counterSet

	messages    atomic.Int64
	errors      atomic.Int64
	connections atomic.Int64
}

func newSourceCounters(source string, generic counterSet, bound *counterSet) *SourceCounters {
	return &SourceCounters{
		source:  source,
		attrs:   metric.WithAttributeSet(attribute.NewSet(attribute.String(NetworkAttribute, source))),
		generic: generic,
		bound:   bound,
	}
}

// Source returns the source name these counters are bound to.
func (c *SourceCounters) Source() string {
	return c.source
}

// AddMessages adds n received messages. Negative amounts are ignored.
func (c *SourceCounters) AddMessages(n int) {
	c.add(&c.messages, n, func(s *counterSet) metric.Int64Counter { return s.messages })
}

// AddErrors adds n errors. Negative amounts are ignored.
func (c *SourceCounters) AddErrors(n int) {
	c.add(&c.errors, n, func(s *counterSet) metric.Int64Counter { return s.errors })
}

// AddConnections adds n successful connections. Negative amounts are ignored.
func (c *SourceCounters) AddConnections(n int) {
	c.add(&c.connections, n, func(s *counterSet) metric.Int64Counter { return s.connections })
}

// Snapshot returns the current totals.
func (c *SourceCounters) Snapshot() Snapshot {
	return Snapshot{
		Messages:    c.messages.Load(),
		Errors:      c.errors.Load(),
		Connections: c.connections.Load(),
	}
}

// add records n on the local total, the tagged generic instrument and the
// bound instrument if any.
func (c *SourceCounters) add(total *atomic.Int64, n int, pick func(*counterSet) metric.Int64Counter) {
	if n < 0 {
		return
	}
	total.Add(int64(n))

	// A panicking instrument must not take the supervisor down with it.
	defer func() { _ = recover() }()

	ctx := context.Background()
	pick(&c.generic).Add(ctx, int64(n), c.attrs)
	if c.bound != nil {
		pick(c.bound).Add(ctx, int64(n))
	}
}

// MetricKey derives a metric name segment from a source name:
// lower case with runs of other characters collapsed to '_'.
func MetricKey(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
