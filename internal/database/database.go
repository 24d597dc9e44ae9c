// Package database persists stream configurations and activity records in
// SQLite.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"kiosk/internal/activity"
	"kiosk/internal/camera"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Database handles SQLite database operations
type Database struct {
	db     *sql.DB
	logger *log.Entry
}

// StreamRecord represents a stream configuration stored in the database
type StreamRecord struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Source    camera.Config `json:"source"`
	Autostart bool          `json:"autostart"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ActivityFilter narrows ListActivity. Zero fields are ignored.
type ActivityFilter struct {
	StreamID string
	Name     string
	Since    time.Time
	Until    time.Time
	Limit    int
	// WithSnapshots includes the JPEG thumbnails in the result.
	WithSnapshots bool
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db, logger: log.WithField("component", "database")}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the connection.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS streams (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL,
			autostart INTEGER DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS activity_records (
			id TEXT PRIMARY KEY,
			stream_id TEXT NOT NULL,
			track_id TEXT NOT NULL,
			name TEXT NOT NULL,
			recognized INTEGER DEFAULT 0,
			confidence REAL,
			gender TEXT,
			age INTEGER,
			reason TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			snapshot BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_stream_time ON activity_records(stream_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_time ON activity_records(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_name ON activity_records(name)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	d.logger.Debug("Database migrations completed")
	return nil
}

// SaveStream saves or updates a stream configuration
func (d *Database) SaveStream(ctx context.Context, rec *StreamRecord) error {
	source, err := json.Marshal(rec.Source)
	if err != nil {
		return fmt.Errorf("failed to marshal stream source: %w", err)
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	query := `INSERT INTO streams (id, name, source, autostart, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			source = excluded.source,
			autostart = excluded.autostart,
			updated_at = excluded.updated_at`

	_, err = d.db.ExecContext(ctx, query, rec.ID, rec.Name, string(source), boolToInt(rec.Autostart),
		rec.CreatedAt.UTC(), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save stream: %w", err)
	}
	return nil
}

// GetStream retrieves a stream configuration by ID
func (d *Database) GetStream(ctx context.Context, id string) (*StreamRecord, error) {
	query := `SELECT id, name, source, autostart, created_at, updated_at FROM streams WHERE id = ?`

	rec, err := scanStream(d.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	return rec, nil
}

// ListStreams returns all stream configurations ordered by id
func (d *Database) ListStreams(ctx context.Context) ([]*StreamRecord, error) {
	query := `SELECT id, name, source, autostart, created_at, updated_at FROM streams ORDER BY id`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	defer rows.Close()

	var streams []*StreamRecord
	for rows.Next() {
		rec, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stream: %w", err)
		}
		streams = append(streams, rec)
	}
	return streams, rows.Err()
}

// DeleteStream deletes a stream configuration. Its activity is kept.
func (d *Database) DeleteStream(ctx context.Context, id string) error {
	result, err := d.db.ExecContext(ctx, "DELETE FROM streams WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete stream: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("stream %s: %w", id, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStream(row scanner) (*StreamRecord, error) {
	var rec StreamRecord
	var source string
	var autostart int

	if err := row.Scan(&rec.ID, &rec.Name, &source, &autostart, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(source), &rec.Source); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream source: %w", err)
	}
	rec.Autostart = autostart == 1
	return &rec, nil
}

// InsertActivity saves an activity record. Re-inserting the same id is a no-op.
func (d *Database) InsertActivity(ctx context.Context, rec activity.Record) error {
	var age sql.NullInt64
	if rec.Age != nil {
		age = sql.NullInt64{Int64: int64(*rec.Age), Valid: true}
	}

	query := `INSERT INTO activity_records
		(id, stream_id, track_id, name, recognized, confidence, gender, age, reason, timestamp, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`

	_, err := d.db.ExecContext(ctx, query, rec.ID, rec.StreamID, rec.TrackID, rec.Name,
		boolToInt(rec.Recognized), rec.Confidence, rec.Gender, age, rec.Reason,
		rec.Timestamp.UTC(), rec.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to save activity record: %w", err)
	}
	return nil
}

// PublishActivity stores rec, logging failures. It implements
// activity.Publisher.
func (d *Database) PublishActivity(ctx context.Context, rec activity.Record) {
	if err := d.InsertActivity(ctx, rec); err != nil {
		d.logger.WithError(err).WithField("stream", rec.StreamID).Warn("Failed to store activity record")
	}
}

// ListActivity returns activity records, newest first
func (d *Database) ListActivity(ctx context.Context, filter ActivityFilter) ([]activity.Record, error) {
	snapshot := "NULL"
	if filter.WithSnapshots {
		snapshot = "snapshot"
	}

	query := `SELECT id, stream_id, track_id, name, recognized, confidence, gender, age, reason,
		timestamp, ` + snapshot + ` FROM activity_records WHERE 1=1`
	args := []any{}

	if filter.StreamID != "" {
		query += " AND stream_id = ?"
		args = append(args, filter.StreamID)
	}

	if filter.Name != "" {
		query += " AND name = ?"
		args = append(args, filter.Name)
	}

	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}

	if !filter.Until.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, filter.Until.UTC())
	}

	query += " ORDER BY timestamp DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity records: %w", err)
	}
	defer rows.Close()

	var records []activity.Record
	for rows.Next() {
		var rec activity.Record
		var recognized int
		var gender sql.NullString
		var age sql.NullInt64

		if err := rows.Scan(&rec.ID, &rec.StreamID, &rec.TrackID, &rec.Name, &recognized,
			&rec.Confidence, &gender, &age, &rec.Reason, &rec.Timestamp, &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to scan activity record: %w", err)
		}

		rec.Recognized = recognized == 1
		rec.Gender = gender.String
		if age.Valid {
			a := int(age.Int64)
			rec.Age = &a
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteOldActivity deletes records older than the specified time
func (d *Database) DeleteOldActivity(ctx context.Context, before time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx, "DELETE FROM activity_records WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old activity records: %w", err)
	}
	return result.RowsAffected()
}

var _ activity.Publisher = (*Database)(nil)

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
