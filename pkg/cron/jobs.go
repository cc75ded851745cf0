package cron

import (
	"context"
	"fmt"

	"github.com/latoulicious/jockie/pkg/database"
	"github.com/latoulicious/jockie/pkg/logging"
	"github.com/latoulicious/jockie/pkg/metrics"
)

// Job names registered by RegisterMaintenance.
const (
	JobRetention    = "journal_retention"
	JobMetricsFlush = "metrics_flush"
)

// Cleaner deletes expired journal rows.
type Cleaner interface {
	CleanExpired(ctx context.Context) (*database.RetentionStats, error)
}

// MetricsStore persists a metrics snapshot.
type MetricsStore interface {
	StoreMetrics(ctx context.Context, snap metrics.Snapshot) (int, error)
}

// Journal is the store both maintenance jobs work on.
type Journal interface {
	Cleaner
	MetricsStore
}

// Snapshotter is the read side of a metrics collector.
type Snapshotter interface {
	Snapshot() metrics.Snapshot
}

// RetentionJob applies the journal retention policies.
func RetentionJob(c Cleaner) Job {
	return func(ctx context.Context) error {
		_, err := c.CleanExpired(ctx)
		return err
	}
}

// MetricsFlushJob writes the collector's current values to the store.
func MetricsFlushJob(store MetricsStore, source Snapshotter, logger logging.Logger) Job {
	return func(ctx context.Context) error {
		n, err := store.StoreMetrics(ctx, source.Snapshot())
		if err != nil {
			return fmt.Errorf("flush metrics: %w", err)
		}
		logger.Debug("Flushed metrics snapshot", logging.Int("metrics", n))
		return nil
	}
}

// RegisterMaintenance adds the retention and metrics flush jobs to s.
func RegisterMaintenance(s *Scheduler, cfg Config, journal Journal, source Snapshotter) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := s.Add(JobRetention, cfg.RetentionSchedule, RetentionJob(journal)); err != nil {
		return err
	}
	return s.Add(JobMetricsFlush, cfg.MetricsFlushSchedule, MetricsFlushJob(journal, source, s.logger))
}
