package database

import (
	"fmt"
	"strings"
	"time"
)

// Config holds configuration for the journal database.
type Config struct {
	// Connection settings
	Path              string        `env:"PATH" envDefault:"jockie.db"`
	MaxConnections    int           `env:"MAX_CONNECTIONS" envDefault:"4"`
	ConnectionTimeout time.Duration `env:"CONNECTION_TIMEOUT" envDefault:"10s"`

	// Performance settings
	WALMode         bool   `env:"WAL_MODE" envDefault:"true"`
	SynchronousMode string `env:"SYNCHRONOUS_MODE" envDefault:"NORMAL"`

	// Batched writes
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"50"`
	BufferSize    int           `env:"BUFFER_SIZE" envDefault:"1024"`
	FlushInterval time.Duration `env:"FLUSH_INTERVAL" envDefault:"5s"`

	// Retention settings
	LinkEventRetention time.Duration `env:"LINK_EVENT_RETENTION" envDefault:"720h"`
	HistoryRetention   time.Duration `env:"HISTORY_RETENTION" envDefault:"2160h"`
	MetricRetention    time.Duration `env:"METRIC_RETENTION" envDefault:"168h"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Path:              "jockie.db",
		MaxConnections:    4,
		ConnectionTimeout: 10 * time.Second,

		WALMode:         true,
		SynchronousMode: "NORMAL",

		BatchSize:     50,
		BufferSize:    1024,
		FlushInterval: 5 * time.Second,

		LinkEventRetention: 30 * 24 * time.Hour, // 30 days
		HistoryRetention:   90 * 24 * time.Hour, // 90 days
		MetricRetention:    7 * 24 * time.Hour,  // 7 days
	}
}

// Validate validates the database configuration
func (c Config) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return ErrInvalidDatabasePath
	}
	if c.MaxConnections <= 0 {
		return ErrInvalidMaxConnections
	}
	if c.ConnectionTimeout <= 0 {
		return ErrInvalidConnectionTimeout
	}
	switch strings.ToUpper(c.SynchronousMode) {
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSynchronousMode, c.SynchronousMode)
	}
	if c.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if c.BufferSize < c.BatchSize {
		return fmt.Errorf("%w: must be at least the batch size", ErrInvalidBufferSize)
	}
	if c.FlushInterval <= 0 {
		return ErrInvalidFlushInterval
	}
	if c.LinkEventRetention <= 0 || c.HistoryRetention <= 0 || c.MetricRetention <= 0 {
		return ErrInvalidRetention
	}
	return nil
}

// dsn builds the SQLite connection string with options
func (c Config) dsn() string {
	var params []string
	if c.WALMode {
		params = append(params, "_journal_mode=WAL")
	}
	params = append(params,
		"_synchronous="+strings.ToUpper(c.SynchronousMode),
		"_busy_timeout=5000",
		"_foreign_keys=on",
	)
	return c.Path + "?" + strings.Join(params, "&")
}
