// Package database is the SQLite lifecycle journal. It records supervisor
// transitions, playback history and metric snapshots for later inspection.
// Writes from hot paths are queued and committed in batches.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/latoulicious/jockie/pkg/engine"
	"github.com/latoulicious/jockie/pkg/logging"
	"github.com/latoulicious/jockie/pkg/metrics"
	"github.com/latoulicious/jockie/pkg/player"
	"github.com/latoulicious/jockie/pkg/supervisor"
)

// Journal is the persistent record of engine and playback activity.
type Journal struct {
	cfg      Config
	db       *sql.DB
	logger   logging.Logger
	migrator *Migrator
	writer   *batchWriter

	mu     sync.RWMutex
	closed bool
}

var _ player.TrackObserver = (*Journal)(nil)

// Open connects to the database, applies pending migrations and starts the
// batch writer.
func Open(ctx context.Context, cfg Config, logger logging.Logger) (*Journal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	logger = logger.With(logging.String("component", "journal"))

	db, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrator, err := NewMigrator(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := migrator.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	j := &Journal{
		cfg:      cfg,
		db:       db,
		logger:   logger,
		migrator: migrator,
		writer:   newBatchWriter(db, logger, cfg.BatchSize, cfg.BufferSize, cfg.FlushInterval),
	}
	j.writer.start()

	logger.Info("Journal opened", logging.String("path", cfg.Path))
	return j, nil
}

// Close flushes pending rows and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	j.writer.stop()
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	j.logger.Info("Journal closed")
	return nil
}

// Ping tests the database connection.
func (j *Journal) Ping(ctx context.Context) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrDatabaseNotConnected
	}
	return j.db.PingContext(ctx)
}

// Migrator exposes schema management.
func (j *Journal) Migrator() *Migrator {
	return j.migrator
}

// Flush writes every queued row now.
func (j *Journal) Flush(ctx context.Context) error {
	return j.writer.flush(ctx)
}

// TrackStarted records a track start.
func (j *Journal) TrackStarted(guildID snowflake.ID, item player.Item) {
	j.writer.add(playbackEntry(guildID, item, PlaybackStarted, ""))
}

// TrackEnded records a track end and its reason.
func (j *Journal) TrackEnded(guildID snowflake.ID, item player.Item, reason engine.EndReason) {
	j.writer.add(playbackEntry(guildID, item, PlaybackEnded, string(reason)))
}

func playbackEntry(guildID snowflake.ID, item player.Item, event, reason string) *PlaybackEntry {
	return &PlaybackEntry{
		GuildID:     guildID,
		Event:       event,
		Title:       item.Track.Title,
		Author:      item.Track.Author,
		URI:         item.Track.URI,
		Identifier:  item.Track.Identifier,
		RequestedBy: item.RequestedBy,
		Reason:      reason,
		OccurredAt:  time.Now(),
	}
}

// RecordTransition queues a supervisor transition.
func (j *Journal) RecordTransition(ev supervisor.Event) {
	le := &LinkEvent{
		LinkID:     ev.LinkID,
		From:       ev.From.String(),
		To:         ev.To.String(),
		Attempt:    ev.Attempt,
		Delay:      ev.Delay,
		Reason:     ev.Reason,
		OccurredAt: ev.At,
	}
	if ev.Err != nil {
		le.Error = ev.Err.Error()
	}
	if le.OccurredAt.IsZero() {
		le.OccurredAt = time.Now()
	}
	j.writer.add(le)
}

// WatchSupervisor records every transition from events until ctx is done or
// the channel is closed.
func (j *Journal) WatchSupervisor(ctx context.Context, events <-chan supervisor.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			j.RecordTransition(ev)
		}
	}
}

// StoreMetrics writes every metric of snap in one transaction and returns the
// number of rows written.
func (j *Journal) StoreMetrics(ctx context.Context, snap metrics.Snapshot) (int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return 0, ErrDatabaseNotConnected
	}
	if len(snap.Metrics) == 0 {
		return 0, nil
	}

	at := snap.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	rows := make([]record, 0, len(snap.Metrics))
	for _, m := range snap.Metrics {
		rows = append(rows, &metricRow{metric: m, recordedAt: at})
	}

	if err := j.writer.insertAll(ctx, rows); err != nil {
		return 0, fmt.Errorf("failed to store metric snapshot: %w", err)
	}
	return len(rows), nil
}

// RecentTransitions returns the latest supervisor transitions, newest first.
func (j *Journal) RecentTransitions(ctx context.Context, limit int) ([]LinkEvent, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, COALESCE(link_id, ''), from_state, to_state, attempt, delay_ms,
		       COALESCE(reason, ''), COALESCE(error, ''), occurred_at
		FROM link_events
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query link events: %w", err)
	}
	defer rows.Close()

	var events []LinkEvent
	for rows.Next() {
		var e LinkEvent
		var delayMS int64
		if err := rows.Scan(&e.ID, &e.LinkID, &e.From, &e.To, &e.Attempt, &delayMS, &e.Reason, &e.Error, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan link event: %w", err)
		}
		e.Delay = time.Duration(delayMS) * time.Millisecond
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentHistory returns a guild's latest playback entries, newest first.
func (j *Journal) RecentHistory(ctx context.Context, guildID snowflake.ID, limit int) ([]PlaybackEntry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, guild_id, event, title, COALESCE(author, ''), COALESCE(uri, ''), COALESCE(identifier, ''),
		       COALESCE(requested_by, '0'), COALESCE(reason, ''), occurred_at
		FROM playback_history
		WHERE guild_id = ?
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?
	`, guildID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query playback history: %w", err)
	}
	defer rows.Close()

	var entries []PlaybackEntry
	for rows.Next() {
		var e PlaybackEntry
		var guild, requestedBy string
		if err := rows.Scan(&e.ID, &guild, &e.Event, &e.Title, &e.Author, &e.URI, &e.Identifier, &requestedBy, &e.Reason, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan playback entry: %w", err)
		}
		if e.GuildID, err = snowflake.Parse(guild); err != nil {
			return nil, fmt.Errorf("invalid guild id %q: %w", guild, err)
		}
		e.RequestedBy, _ = snowflake.Parse(requestedBy)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns row counts, the schema version and writer counters.
func (j *Journal) Stats(ctx context.Context) (*Stats, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrDatabaseNotConnected
	}

	stats := &Stats{Writer: j.writer.stats()}

	version, err := j.migrator.CurrentVersion(ctx)
	if err != nil {
		return nil, err
	}
	stats.SchemaVersion = version

	counts := []struct {
		table string
		dst   *int64
	}{
		{"link_events", &stats.LinkEvents},
		{"playback_history", &stats.PlaybackEntries},
		{"metric_snapshots", &stats.MetricSnapshots},
	}
	for _, c := range counts {
		if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.table, err)
		}
	}

	var pageCount, pageSize int64
	if err := j.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := j.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err == nil {
			stats.FileSizeBytes = pageCount * pageSize
		}
	}
	return stats, nil
}
