package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *StreamConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if len(c.EnabledSources()) == 0 {
		return errors.New("sources must contain at least one enabled source")
	}
	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		prefix := fmt.Sprintf("sources[%d]", i)
		if err := c.Sources[i].validate(prefix); err != nil {
			return err
		}
		name := c.Sources[i].Name
		if seen[name] {
			return fmt.Errorf("%s.name %q is duplicated", prefix, name)
		}
		seen[name] = true
	}

	switch c.Backoff.Policy {
	case "constant", "exponential":
	default:
		return fmt.Errorf("backoff.policy must be constant or exponential, got %q", c.Backoff.Policy)
	}
	if c.Backoff.Interval <= 0 {
		return errors.New("backoff.interval must be > 0")
	}

	if c.Transport.ReadTimeout <= 0 {
		return errors.New("transport.read_timeout must be > 0")
	}
	if c.Transport.BufferSize < 1 {
		return errors.New("transport.buffer_size must be >= 1")
	}

	if c.Metrics.Enabled && c.Metrics.Endpoint == "" {
		return errors.New("metrics.endpoint is required when metrics are enabled")
	}

	if c.Writer.Enabled {
		if err := c.Database.Timescale.validate("database.timescale"); err != nil {
			return err
		}
		if c.Writer.BatchSize < 1 {
			return errors.New("writer.batch_size must be >= 1")
		}
		if c.Writer.BufferSize < 1 {
			return errors.New("writer.buffer_size must be >= 1")
		}
	}

	if c.Health.Enabled && (c.Health.Port < 1 || c.Health.Port > 65535) {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (s *SourceConfig) validate(prefix string) error {
	if s.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if s.URL == "" {
		return fmt.Errorf("%s.url is required", prefix)
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("%s.url is invalid: %w", prefix, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s.url must use ws or wss, got %q", prefix, u.Scheme)
	}
	if s.Disabled {
		return nil
	}
	if s.Token == "" {
		return fmt.Errorf("%s.token is required", prefix)
	}
	if strings.TrimSpace(s.Query) == "" {
		return fmt.Errorf("%s.query is required", prefix)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
