package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/latoulicious/jockie/pkg/logging"
)

// RetentionPolicy deletes rows of one table older than Period.
type RetentionPolicy struct {
	Name            string
	TableName       string
	TimestampColumn string
	Period          time.Duration
}

// RetentionStats holds the outcome of one cleanup run.
type RetentionStats struct {
	RanAt    time.Time
	Duration time.Duration
	Total    int64
	ByPolicy map[string]int64
	Failures map[string]string
}

// Policies returns the retention policies derived from the configuration.
func (j *Journal) Policies() []RetentionPolicy {
	return []RetentionPolicy{
		{Name: "link_events", TableName: "link_events", TimestampColumn: "occurred_at", Period: j.cfg.LinkEventRetention},
		{Name: "playback_history", TableName: "playback_history", TimestampColumn: "occurred_at", Period: j.cfg.HistoryRetention},
		{Name: "metric_snapshots", TableName: "metric_snapshots", TimestampColumn: "recorded_at", Period: j.cfg.MetricRetention},
	}
}

// CleanExpired applies every retention policy. A failing policy does not stop
// the others; their errors are joined.
func (j *Journal) CleanExpired(ctx context.Context) (*RetentionStats, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrDatabaseNotConnected
	}

	start := time.Now()
	stats := &RetentionStats{
		RanAt:    start,
		ByPolicy: make(map[string]int64),
		Failures: make(map[string]string),
	}

	var errs []error
	for _, policy := range j.Policies() {
		n, err := j.applyPolicy(ctx, policy, start)
		if err != nil {
			stats.Failures[policy.Name] = err.Error()
			errs = append(errs, err)
			continue
		}
		stats.ByPolicy[policy.Name] = n
		stats.Total += n
	}
	stats.Duration = time.Since(start)

	j.logger.Info("Journal retention cleanup finished",
		logging.Int64("deleted", stats.Total),
		logging.Duration("duration", stats.Duration),
		logging.Int("failed_policies", len(stats.Failures)),
	)
	return stats, errors.Join(errs...)
}

func (j *Journal) applyPolicy(ctx context.Context, policy RetentionPolicy, now time.Time) (int64, error) {
	cutoff := now.Add(-policy.Period).UTC()
	query := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", policy.TableName, policy.TimestampColumn)

	res, err := j.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention policy %s: %w", policy.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retention policy %s: %w", policy.Name, err)
	}
	if n > 0 {
		j.logger.Debug("Deleted expired journal rows",
			logging.String("policy", policy.Name),
			logging.Int64("rows", n),
		)
	}
	return n, nil
}
