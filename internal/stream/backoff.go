package stream

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffPolicy selects how the reconnect delay evolves.
type BackoffPolicy string

const (
	BackoffConstant    BackoffPolicy = "constant"
	BackoffExponential BackoffPolicy = "exponential"
)

// DefaultBackoffInterval is the delay between reconnect attempts.
const DefaultBackoffInterval = 3 * time.Second

// BackoffConfig configures the reconnect delay.
type BackoffConfig struct {
	Policy      BackoffPolicy
	Interval    time.Duration // Constant delay, or the initial exponential delay
	MaxInterval time.Duration // Exponential cap
	Multiplier  float64       // Exponential growth factor
	Jitter      float64       // Exponential randomization factor in [0, 1)
}

// DefaultBackoffConfig returns a constant 3s delay.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Policy:      BackoffConstant,
		Interval:    DefaultBackoffInterval,
		MaxInterval: 60 * time.Second,
		Multiplier:  2,
	}
}

// Validate checks the configuration.
func (c BackoffConfig) Validate() error {
	switch c.Policy {
	case BackoffConstant, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff policy %q", c.Policy)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("backoff interval must be positive")
	}
	if c.Policy == BackoffExponential {
		if c.MaxInterval < c.Interval {
			return fmt.Errorf("backoff max_interval (%v) cannot be less than interval (%v)", c.MaxInterval, c.Interval)
		}
		if c.Multiplier < 1 {
			return fmt.Errorf("backoff multiplier must be at least 1")
		}
		if c.Jitter < 0 || c.Jitter >= 1 {
			return fmt.Errorf("backoff jitter must be in [0, 1)")
		}
	}
	return nil
}

// New returns a fresh BackOff. It never returns backoff.Stop.
func (c BackoffConfig) New() backoff.BackOff {
	interval := c.Interval
	if interval <= 0 {
		interval = DefaultBackoffInterval
	}

	if c.Policy != BackoffExponential {
		return backoff.NewConstantBackOff(interval)
	}

	// Unvalidated configs fall back to defaults rather than a zero wait.
	def := DefaultBackoffConfig()
	multiplier := c.Multiplier
	if multiplier < 1 {
		multiplier = def.Multiplier
	}
	maxInterval := c.MaxInterval
	if maxInterval < interval {
		maxInterval = max(def.MaxInterval, interval)
	}
	jitter := c.Jitter
	if jitter < 0 || jitter >= 1 {
		jitter = 0
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     interval,
		RandomizationFactor: jitter,
		Multiplier:          multiplier,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      0, // Retry forever
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}
