package supervisor

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Config controls reconnect and keepalive behaviour.
type Config struct {
	MaxAttempts               int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	BackoffBase               float64       `env:"BACKOFF_BASE" envDefault:"2"`
	BackoffUnit               time.Duration `env:"BACKOFF_UNIT" envDefault:"1s"`
	BackoffCap                time.Duration `env:"BACKOFF_CAP" envDefault:"60s"`
	ConnectTimeout            time.Duration `env:"CONNECT_TIMEOUT" envDefault:"15s"`
	AckTimeout                time.Duration `env:"ACK_TIMEOUT" envDefault:"30s"`
	KeepaliveInterval         time.Duration `env:"KEEPALIVE_INTERVAL" envDefault:"60s"`
	KeepaliveTimeout          time.Duration `env:"KEEPALIVE_TIMEOUT" envDefault:"10s"`
	KeepaliveFailureThreshold int           `env:"KEEPALIVE_FAILURE_THRESHOLD" envDefault:"2"`
	SubscriberBuffer          int           `env:"SUBSCRIBER_BUFFER" envDefault:"32"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:               5,
		BackoffBase:               2,
		BackoffUnit:               time.Second,
		BackoffCap:                60 * time.Second,
		ConnectTimeout:            15 * time.Second,
		AckTimeout:                30 * time.Second,
		KeepaliveInterval:         60 * time.Second,
		KeepaliveTimeout:          10 * time.Second,
		KeepaliveFailureThreshold: 2,
		SubscriberBuffer:          32,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []string

	if c.MaxAttempts < 0 {
		errs = append(errs, "max_attempts must be non-negative")
	}
	if c.BackoffBase < 1 {
		errs = append(errs, "backoff_base must be at least 1")
	}
	if c.BackoffUnit <= 0 {
		errs = append(errs, "backoff_unit must be positive")
	}
	if c.BackoffCap < c.BackoffUnit {
		errs = append(errs, "backoff_cap must not be smaller than backoff_unit")
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, "connect_timeout must be positive")
	}
	if c.AckTimeout <= 0 {
		errs = append(errs, "ack_timeout must be positive")
	}
	if c.KeepaliveInterval <= 0 {
		errs = append(errs, "keepalive_interval must be positive")
	}
	if c.KeepaliveTimeout <= 0 {
		errs = append(errs, "keepalive_timeout must be positive")
	}
	if c.KeepaliveFailureThreshold < 1 {
		errs = append(errs, "keepalive_failure_threshold must be at least 1")
	}
	if c.SubscriberBuffer < 0 {
		errs = append(errs, "subscriber_buffer must be non-negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("supervisor config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Delay returns the backoff before reconnect attempt n:
// min(BackoffUnit * BackoffBase^n, BackoffCap).
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(c.BackoffUnit) * math.Pow(c.BackoffBase, float64(attempt))
	if d >= float64(c.BackoffCap) || math.IsInf(d, 0) {
		return c.BackoffCap
	}
	return time.Duration(d)
}
