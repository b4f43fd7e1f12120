// Package app turns a loaded configuration into the stream client's parts.
package app

import (
	"log/slog"
	"net/http"

	"github.com/rickgao/bitquery-stream/internal/config"
	"github.com/rickgao/bitquery-stream/internal/metrics"
	"github.com/rickgao/bitquery-stream/internal/stream"
	"github.com/rickgao/bitquery-stream/internal/transport"
	"github.com/rickgao/bitquery-stream/internal/writer"
)

// Sources builds a stream.Source for every enabled source. Each connection
// attempt gets a fresh websocket transport.
func Sources(cfg *config.StreamConfig, logger *slog.Logger) []stream.Source {
	if logger == nil {
		logger = slog.Default()
	}

	enabled := cfg.EnabledSources()
	out := make([]stream.Source, 0, len(enabled))
	for _, src := range enabled {
		wsCfg := WebsocketConfig(src, cfg.Transport)
		srcLogger := logger.With("source", src.Name)
		out = append(out, stream.Source{
			Name: src.Name,
			Subscription: transport.Subscription{
				Query:         src.Query,
				Variables:     src.Variables,
				OperationName: src.OperationName,
			},
			NewTransport: func() transport.Transport {
				return transport.NewWebsocket(wsCfg, srcLogger)
			},
		})
	}
	return out
}

// WebsocketConfig merges a source with the shared transport settings.
func WebsocketConfig(src config.SourceConfig, t config.TransportConfig) transport.WebsocketConfig {
	cfg := transport.DefaultWebsocketConfig()
	cfg.URL = src.URL
	cfg.Token = src.Token
	if len(src.Headers) > 0 {
		cfg.Headers = make(http.Header, len(src.Headers))
		for k, v := range src.Headers {
			cfg.Headers.Set(k, v)
		}
	}
	if t.HandshakeTimeout > 0 {
		cfg.HandshakeTimeout = t.HandshakeTimeout
	}
	if t.AckTimeout > 0 {
		cfg.AckTimeout = t.AckTimeout
	}
	if t.WriteTimeout > 0 {
		cfg.WriteTimeout = t.WriteTimeout
	}
	if t.ReadTimeout > 0 {
		cfg.ReadTimeout = t.ReadTimeout
	}
	if t.BufferSize > 0 {
		cfg.BufferSize = t.BufferSize
	}
	return cfg
}

// SourceSpecs lists the sources that get their own bound counters.
func SourceSpecs(cfg *config.StreamConfig) []metrics.SourceSpec {
	enabled := cfg.EnabledSources()
	specs := make([]metrics.SourceSpec, 0, len(enabled))
	for _, src := range enabled {
		specs = append(specs, metrics.SourceSpec{Name: src.Name, Key: src.MetricKey})
	}
	return specs
}

// Backoff converts the backoff section.
func Backoff(b config.BackoffConfig) stream.BackoffConfig {
	return stream.BackoffConfig{
		Policy:      stream.BackoffPolicy(b.Policy),
		Interval:    b.Interval,
		MaxInterval: b.MaxInterval,
		Multiplier:  b.Multiplier,
		Jitter:      b.Jitter,
	}
}

// Metrics converts the metrics section. OTEL_* environment variables take
// precedence over the file.
func Metrics(m config.MetricsConfig, serviceVersion string) metrics.Config {
	cfg := metrics.DefaultConfig()
	cfg.Enabled = m.Enabled
	if m.Endpoint != "" {
		cfg.Endpoint = m.Endpoint
	}
	cfg.Insecure = !m.TLS
	for k, v := range m.Headers {
		cfg.Headers[k] = v
	}
	if m.Interval > 0 {
		cfg.Interval = m.Interval
	}
	if m.Timeout > 0 {
		cfg.Timeout = m.Timeout
	}
	if m.ServiceName != "" {
		cfg.ServiceName = m.ServiceName
	}
	cfg.ServiceVersion = serviceVersion
	cfg.ApplyEnvironmentVariables()
	return cfg
}

// Writer converts the writer section.
func Writer(w config.WriterConfig) writer.Config {
	return writer.Config{
		Table:         w.Table,
		BatchSize:     w.BatchSize,
		FlushInterval: w.FlushInterval,
		BufferSize:    w.BufferSize,
	}
}
