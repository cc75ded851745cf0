package database

import (
	"context"
	"crypto/md5"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/latoulicious/jockie/pkg/logging"
)

// migrationScript represents a single database migration
type migrationScript struct {
	Version     int
	Name        string
	Description string
	UpSQL       string
	DownSQL     string
	Checksum    string
}

// AppliedMigration is a row of the schema_migrations table.
type AppliedMigration struct {
	Version     int
	Name        string
	Description string
	Checksum    string
	AppliedAt   time.Time
}

// Migrator applies the journal schema in versioned steps.
type Migrator struct {
	db         *sql.DB
	logger     logging.Logger
	migrations map[int]*migrationScript
}

// NewMigrator creates the migration tracking table and loads the scripts.
func NewMigrator(db *sql.DB, logger logging.Logger) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if logger == nil {
		logger = logging.NullLogger()
	}

	m := &Migrator{
		db:         db,
		logger:     logger,
		migrations: make(map[int]*migrationScript),
	}

	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		checksum TEXT NOT NULL,
		applied_at DATETIME NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	m.loadMigrations()
	return m, nil
}

func (m *Migrator) loadMigrations() {
	m.migrations[1] = &migrationScript{
		Version:     1,
		Name:        "link_events",
		Description: "Supervisor state transitions",
		UpSQL: `
			CREATE TABLE IF NOT EXISTS link_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				link_id TEXT,
				from_state TEXT NOT NULL,
				to_state TEXT NOT NULL,
				attempt INTEGER NOT NULL DEFAULT 0,
				delay_ms INTEGER NOT NULL DEFAULT 0,
				reason TEXT,
				error TEXT,
				occurred_at DATETIME NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_link_events_occurred ON link_events(occurred_at);
			CREATE INDEX IF NOT EXISTS idx_link_events_to_state ON link_events(to_state);
		`,
		DownSQL: `
			DROP INDEX IF EXISTS idx_link_events_to_state;
			DROP INDEX IF EXISTS idx_link_events_occurred;
			DROP TABLE IF EXISTS link_events;
		`,
	}

	m.migrations[2] = &migrationScript{
		Version:     2,
		Name:        "playback_history",
		Description: "Track start and end records per guild",
		UpSQL: `
			CREATE TABLE IF NOT EXISTS playback_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				guild_id TEXT NOT NULL,
				event TEXT NOT NULL,
				title TEXT NOT NULL,
				author TEXT,
				uri TEXT,
				identifier TEXT,
				requested_by TEXT,
				reason TEXT,
				occurred_at DATETIME NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_playback_history_guild ON playback_history(guild_id, occurred_at);
			CREATE INDEX IF NOT EXISTS idx_playback_history_occurred ON playback_history(occurred_at);
		`,
		DownSQL: `
			DROP INDEX IF EXISTS idx_playback_history_occurred;
			DROP INDEX IF EXISTS idx_playback_history_guild;
			DROP TABLE IF EXISTS playback_history;
		`,
	}

	m.migrations[3] = &migrationScript{
		Version:     3,
		Name:        "metric_snapshots",
		Description: "Periodic dumps of the in-process metrics collector",
		UpSQL: `
			CREATE TABLE IF NOT EXISTS metric_snapshots (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				type TEXT NOT NULL,
				value REAL NOT NULL,
				tags TEXT,
				stats TEXT,
				recorded_at DATETIME NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_metric_snapshots_name ON metric_snapshots(name, recorded_at);
			CREATE INDEX IF NOT EXISTS idx_metric_snapshots_recorded ON metric_snapshots(recorded_at);
		`,
		DownSQL: `
			DROP INDEX IF EXISTS idx_metric_snapshots_recorded;
			DROP INDEX IF EXISTS idx_metric_snapshots_name;
			DROP TABLE IF EXISTS metric_snapshots;
		`,
	}

	for _, migration := range m.migrations {
		migration.Checksum = calculateChecksum(migration.UpSQL)
	}
}

// CurrentVersion returns the current schema version
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// LatestVersion returns the latest available migration version
func (m *Migrator) LatestVersion() int {
	latest := 0
	for version := range m.migrations {
		if version > latest {
			latest = version
		}
	}
	return latest
}

// Migrate verifies applied migrations and runs all pending ones
func (m *Migrator) Migrate(ctx context.Context) error {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for version := 1; version <= current; version++ {
		if err := m.validateChecksum(ctx, version); err != nil {
			return err
		}
	}

	latest := m.LatestVersion()
	if current >= latest {
		m.logger.Debug("Database is up to date", logging.Int("version", current))
		return nil
	}

	m.logger.Info("Migrating database",
		logging.Int("from_version", current),
		logging.Int("to_version", latest),
	)

	var pending []int
	for version := range m.migrations {
		if version > current {
			pending = append(pending, version)
		}
	}
	sort.Ints(pending)

	for _, version := range pending {
		if err := m.run(ctx, version, true); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", version, err)
		}
		m.logger.Info("Applied migration",
			logging.Int("version", version),
			logging.String("name", m.migrations[version].Name),
		)
	}
	return nil
}

// Rollback reverts the most recent migration
func (m *Migrator) Rollback(ctx context.Context) error {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("%w: no migrations applied", ErrCannotRollback)
	}
	if err := m.run(ctx, current, false); err != nil {
		return fmt.Errorf("failed to rollback migration %d: %w", current, err)
	}
	m.logger.Info("Rolled back migration", logging.Int("version", current))
	return nil
}

// History returns the applied migrations in order
func (m *Migrator) History(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT version, name, description, checksum, applied_at
		FROM schema_migrations
		ORDER BY version
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migration history: %w", err)
	}
	defer rows.Close()

	var history []AppliedMigration
	for rows.Next() {
		var am AppliedMigration
		var description sql.NullString
		if err := rows.Scan(&am.Version, &am.Name, &description, &am.Checksum, &am.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		am.Description = description.String
		history = append(history, am)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migrations: %w", err)
	}
	return history, nil
}

// run applies a single migration up or down inside a transaction
func (m *Migrator) run(ctx context.Context, version int, up bool) error {
	migration, ok := m.migrations[version]
	if !ok {
		return fmt.Errorf("%w: version %d", ErrMigrationNotFound, version)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	script := migration.DownSQL
	if up {
		script = migration.UpSQL
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if up {
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO schema_migrations (version, name, description, checksum, applied_at)
			VALUES (?, ?, ?, ?, ?)
		`, version, migration.Name, migration.Description, migration.Checksum, time.Now().UTC())
	} else {
		_, err = tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", version)
	}
	if err != nil {
		return fmt.Errorf("failed to update migration tracking: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// validateChecksum checks that an applied migration was not edited afterwards
func (m *Migrator) validateChecksum(ctx context.Context, version int) error {
	migration, ok := m.migrations[version]
	if !ok {
		return fmt.Errorf("%w: version %d is applied but unknown", ErrMigrationNotFound, version)
	}

	var stored string
	err := m.db.QueryRowContext(ctx, "SELECT checksum FROM schema_migrations WHERE version = ?", version).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get stored checksum: %w", err)
	}

	if stored != migration.Checksum {
		return fmt.Errorf("%w: version %d stored=%s current=%s", ErrChecksumMismatch, version, stored, migration.Checksum)
	}
	return nil
}

func calculateChecksum(script string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(script)))
}
