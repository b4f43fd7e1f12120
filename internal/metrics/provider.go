package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	metricSDK "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/grpc/credentials/insecure"
)

// InstrumentationName is the meter name used for all stream counters.
const InstrumentationName = "bitquery.stream.client"

// Config configures the OTLP metrics pipeline.
type Config struct {
	Enabled        bool
	Endpoint       string            // OTLP gRPC endpoint (host:port)
	Insecure       bool              // Disable TLS
	Headers        map[string]string // gRPC metadata
	Interval       time.Duration     // Periodic export interval
	Timeout        time.Duration     // Export timeout
	ServiceName    string
	ServiceVersion string
}

// DefaultConfig returns the settings of a local collector.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Endpoint:    "localhost:4317",
		Insecure:    true,
		Headers:     make(map[string]string),
		Interval:    10 * time.Second,
		Timeout:     10 * time.Second,
		ServiceName: "bitquery-stream",
	}
}

// ApplyEnvironmentVariables overrides fields from the standard OTEL_* variables.
func (c *Config) ApplyEnvironmentVariables() {
	if endpoint := getEnvVar("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		c.Endpoint = endpoint
	}

	if v := getEnvVar("OTEL_EXPORTER_OTLP_METRICS_INSECURE", "OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			c.Insecure = parsed
		}
	}

	if headers := getEnvVar("OTEL_EXPORTER_OTLP_METRICS_HEADERS", "OTEL_EXPORTER_OTLP_HEADERS"); headers != "" {
		c.Headers = parseHeaders(headers)
	}

	if timeout := getEnvVar("OTEL_EXPORTER_OTLP_METRICS_TIMEOUT", "OTEL_EXPORTER_OTLP_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.Timeout = d
		}
	}

	if interval := os.Getenv("OTEL_METRIC_EXPORT_INTERVAL"); interval != "" {
		// Milliseconds, per the OpenTelemetry SDK environment spec.
		if ms, err := strconv.Atoi(interval); err == nil && ms > 0 {
			c.Interval = time.Duration(ms) * time.Millisecond
		}
	}

	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		c.ServiceName = name
	}
}

// Provider owns the meter provider and its exporter.
type Provider struct {
	sdk   *metricSDK.MeterProvider
	meter metric.Meter
}

// NewProvider builds the OTLP pipeline. A disabled config yields a no-op meter.
// Export failures are logged through the global OpenTelemetry error handler
// and never reach callers.
func NewProvider(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if !cfg.Enabled {
		return &Provider{meter: noop.NewMeterProvider().Meter(InstrumentationName)}, nil
	}

	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.Warn("metrics export failed", "error", err)
	}))

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlpmetricgrpc.WithTimeout(cfg.Timeout))
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	attrs := []attribute.KeyValue{attribute.String("service.name", cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.ServiceVersion))
	}

	readerOpts := []metricSDK.PeriodicReaderOption{}
	if cfg.Interval > 0 {
		readerOpts = append(readerOpts, metricSDK.WithInterval(cfg.Interval))
	}

	sdk := metricSDK.NewMeterProvider(
		metricSDK.WithReader(metricSDK.NewPeriodicReader(exporter, readerOpts...)),
		metricSDK.WithResource(resource.NewSchemaless(attrs...)),
	)
	otel.SetMeterProvider(sdk)

	logger.Info("metrics exporter configured",
		"endpoint", cfg.Endpoint,
		"interval", cfg.Interval,
	)

	return &Provider{
		sdk:   sdk,
		meter: sdk.Meter(InstrumentationName),
	}, nil
}

// Meter returns the meter used to create stream counters.
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// Shutdown flushes pending exports. Safe on a disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

// getEnvVar returns the first non-empty environment variable from the list.
func getEnvVar(names ...string) string {
	for _, name := range names {
		if value := os.Getenv(name); value != "" {
			return value
		}
	}
	return ""
}

// parseHeaders parses comma-separated key=value pairs.
func parseHeaders(headers string) map[string]string {
	result := make(map[string]string)
	for _, pair := range strings.Split(headers, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key != "" {
			result[key] = strings.TrimSpace(parts[1])
		}
	}
	return result
}
