package config

import "time"

// StreamConfig is the root configuration for a stream client instance.
type StreamConfig struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Sources   []SourceConfig  `yaml:"sources"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Transport TransportConfig `yaml:"transport"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Database  DatabaseConfig  `yaml:"database"`
	Writer    WriterConfig    `yaml:"writer"`
	Health    HealthConfig    `yaml:"health"`
}

// InstanceConfig identifies this client.
type InstanceConfig struct {
	ID          string `yaml:"id"`
	Environment string `yaml:"environment"`
}

// SourceConfig describes one upstream subscription.
type SourceConfig struct {
	Name          string            `yaml:"name"`
	MetricKey     string            `yaml:"metric_key"` // Per-source counter segment, derived from name if empty
	Network       string            `yaml:"network"`    // Network filter for the built-in Trading.Tokens query
	URL           string            `yaml:"url"`
	Token         string            `yaml:"token"`
	Headers       map[string]string `yaml:"headers"`
	Query         string            `yaml:"query"`
	QueryFile     string            `yaml:"query_file"`
	OperationName string            `yaml:"operation_name"`
	Variables     map[string]any    `yaml:"variables"`
	Disabled      bool              `yaml:"disabled"`
}

// BackoffConfig holds reconnect delay settings.
type BackoffConfig struct {
	Policy      string        `yaml:"policy"` // constant | exponential
	Interval    time.Duration `yaml:"interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
}

// TransportConfig holds WebSocket transport settings shared by all sources.
type TransportConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	BufferSize       int           `yaml:"buffer_size"`
}

// MetricsConfig holds OpenTelemetry metrics export settings.
type MetricsConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Namespace   string            `yaml:"namespace"`
	Endpoint    string            `yaml:"endpoint"`
	TLS         bool              `yaml:"tls"` // Plaintext gRPC unless set
	Headers     map[string]string `yaml:"headers"`
	Interval    time.Duration     `yaml:"interval"`
	Timeout     time.Duration     `yaml:"timeout"`
	ServiceName string            `yaml:"service_name"`
}

// DatabaseConfig holds the TimescaleDB connection for token ticks.
type DatabaseConfig struct {
	Timescale DBConfig `yaml:"timescale"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WriterConfig holds batch writer settings. The writer and its database
// are only used when Enabled is set.
type WriterConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Table         string        `yaml:"table"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	EnsureSchema  bool          `yaml:"ensure_schema"`
}

// HealthConfig holds the health endpoint settings.
type HealthConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// EnabledSources returns the sources not marked disabled.
func (c *StreamConfig) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, s := range c.Sources {
		if !s.Disabled {
			out = append(out, s)
		}
	}
	return out
}
