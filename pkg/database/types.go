package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/latoulicious/jockie/pkg/metrics"
)

// LinkEvent is a recorded supervisor state transition.
type LinkEvent struct {
	ID         int64
	LinkID     string
	From       string
	To         string
	Attempt    int
	Delay      time.Duration
	Reason     string
	Error      string
	OccurredAt time.Time
}

func (e *LinkEvent) insert(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO link_events (link_id, from_state, to_state, attempt, delay_ms, reason, error, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.LinkID, e.From, e.To, e.Attempt, e.Delay.Milliseconds(), e.Reason, e.Error, e.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert link event: %w", err)
	}
	return nil
}

// Playback history event names.
const (
	PlaybackStarted = "started"
	PlaybackEnded   = "ended"
)

// PlaybackEntry is one track start or end in a guild.
type PlaybackEntry struct {
	ID          int64
	GuildID     snowflake.ID
	Event       string
	Title       string
	Author      string
	URI         string
	Identifier  string
	RequestedBy snowflake.ID
	Reason      string
	OccurredAt  time.Time
}

func (e *PlaybackEntry) insert(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO playback_history (guild_id, event, title, author, uri, identifier, requested_by, reason, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.GuildID.String(), e.Event, e.Title, e.Author, e.URI, e.Identifier, e.RequestedBy.String(), e.Reason, e.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert playback entry: %w", err)
	}
	return nil
}

// metricRow is a persisted metric value.
type metricRow struct {
	metric     metrics.Metric
	recordedAt time.Time
}

func (r *metricRow) insert(ctx context.Context, tx *sql.Tx) error {
	tagsJSON, err := json.Marshal(r.metric.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	var statsJSON sql.NullString
	if r.metric.Stats != nil {
		raw, err := json.Marshal(r.metric.Stats)
		if err != nil {
			return fmt.Errorf("failed to marshal stats: %w", err)
		}
		statsJSON = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO metric_snapshots (name, type, value, tags, stats, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.metric.Name, r.metric.Type.String(), r.metric.Value, string(tagsJSON), statsJSON, r.recordedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert metric: %w", err)
	}
	return nil
}

// Stats summarizes the journal contents.
type Stats struct {
	SchemaVersion   int
	LinkEvents      int64
	PlaybackEntries int64
	MetricSnapshots int64
	FileSizeBytes   int64
	Writer          WriterStats
}
