package config

import (
	"os"
	"time"
)

// Default values for optional configuration fields.
const (
	DefaultInstanceID        = "bitquery-stream"
	DefaultStreamURL         = "wss://streaming.bitquery.io/eap"
	DefaultTokenEnv          = "BITQUERY_TOKEN"
	DefaultBackoffPolicy     = "constant"
	DefaultBackoffInterval   = 3 * time.Second
	DefaultBackoffMax        = 60 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultAckTimeout        = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultReadTimeout       = 60 * time.Second
	DefaultTransportBuffer   = 1000
	DefaultMetricsNamespace  = "bitquery"
	DefaultMetricsEndpoint   = "localhost:4317"
	DefaultMetricsInterval   = 10 * time.Second
	DefaultMetricsTimeout    = 10 * time.Second
	DefaultServiceName       = "bitquery-stream"
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 10
	DefaultMinConns          = 2
	DefaultWriterTable       = "token_ticks"
	DefaultBatchSize         = 1000
	DefaultFlushInterval     = 1 * time.Second
	DefaultBufferSize        = 10000
	DefaultHealthPort        = 8080
)

// DefaultSources are the two networks streamed when no sources are configured.
func DefaultSources() []SourceConfig {
	token := os.Getenv(DefaultTokenEnv)
	return []SourceConfig{
		{Name: "Solana", MetricKey: "solana", Network: "Solana", Token: token},
		{Name: "Binance Smart Chain", MetricKey: "bsc", Network: "Binance Smart Chain", Token: token},
	}
}

func (c *StreamConfig) applyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// Source defaults
	if len(c.Sources) == 0 {
		c.Sources = DefaultSources()
	}
	for i := range c.Sources {
		applySourceDefaults(&c.Sources[i])
	}

	// Backoff defaults
	if c.Backoff.Policy == "" {
		c.Backoff.Policy = DefaultBackoffPolicy
	}
	if c.Backoff.Interval == 0 {
		c.Backoff.Interval = DefaultBackoffInterval
	}
	if c.Backoff.MaxInterval == 0 {
		c.Backoff.MaxInterval = DefaultBackoffMax
	}
	if c.Backoff.Multiplier == 0 {
		c.Backoff.Multiplier = DefaultBackoffMultiplier
	}

	// Transport defaults
	if c.Transport.HandshakeTimeout == 0 {
		c.Transport.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Transport.AckTimeout == 0 {
		c.Transport.AckTimeout = DefaultAckTimeout
	}
	if c.Transport.WriteTimeout == 0 {
		c.Transport.WriteTimeout = DefaultWriteTimeout
	}
	if c.Transport.ReadTimeout == 0 {
		c.Transport.ReadTimeout = DefaultReadTimeout
	}
	if c.Transport.BufferSize == 0 {
		c.Transport.BufferSize = DefaultTransportBuffer
	}

	// Metrics defaults
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultMetricsNamespace
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = DefaultMetricsEndpoint
	}
	if c.Metrics.Interval == 0 {
		c.Metrics.Interval = DefaultMetricsInterval
	}
	if c.Metrics.Timeout == 0 {
		c.Metrics.Timeout = DefaultMetricsTimeout
	}
	if c.Metrics.ServiceName == "" {
		c.Metrics.ServiceName = DefaultServiceName
	}

	// Database defaults
	applyDBDefaults(&c.Database.Timescale)

	// Writer defaults
	if c.Writer.Table == "" {
		c.Writer.Table = DefaultWriterTable
	}
	if c.Writer.BatchSize == 0 {
		c.Writer.BatchSize = DefaultBatchSize
	}
	if c.Writer.FlushInterval == 0 {
		c.Writer.FlushInterval = DefaultFlushInterval
	}
	if c.Writer.BufferSize == 0 {
		c.Writer.BufferSize = DefaultBufferSize
	}

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
}

func applySourceDefaults(src *SourceConfig) {
	if src.URL == "" {
		src.URL = DefaultStreamURL
	}
	if src.Network == "" {
		src.Network = src.Name
	}
	if src.Query == "" && src.Network != "" {
		src.Query = TradingTokensQuery(src.Network)
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
