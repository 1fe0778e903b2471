// Package store manages the SQLite database (WAL mode) that holds the
// durable activity log and the screenshot history. The durable log is never
// drained, only trimmed: it answers history queries regardless of buffering
// or connection state.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the embedded DDL schema to the database.
// It is idempotent (IF NOT EXISTS everywhere).
func Migrate(db *DB) error {
	ddl := []string{
		ddlActivities,
		ddlScreenshots,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlActivities = `
CREATE TABLE IF NOT EXISTS activities (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    activity_id   TEXT    NOT NULL UNIQUE,
    activity_type TEXT    NOT NULL,
    data          TEXT    NOT NULL DEFAULT '{}',  -- JSON
    recorded_at   INTEGER NOT NULL                -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_activities_recorded_at ON activities (recorded_at DESC);
`

const ddlScreenshots = `
CREATE TABLE IF NOT EXISTS screenshots (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    command_id TEXT    NOT NULL,
    path       TEXT    NOT NULL,
    taken_at   INTEGER NOT NULL  -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_screenshots_taken_at ON screenshots (taken_at DESC);
`

// ── Activities ────────────────────────────────────────────────────────────

// Activity is one persisted telemetry entry.
type Activity struct {
	ID           int64           `json:"-"`
	ActivityID   string          `json:"activity_id"`
	ActivityType string          `json:"activity_type"`
	Data         json.RawMessage `json:"data"`
	RecordedAt   time.Time       `json:"recorded_at"`
}

// InsertActivity persists one activity entry.
func (db *DB) InsertActivity(a *Activity) (int64, error) {
	data := a.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	res, err := db.Exec(`
		INSERT INTO activities (activity_id, activity_type, data, recorded_at)
		VALUES (?, ?, ?, ?)`,
		a.ActivityID, a.ActivityType, string(data), a.RecordedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert activity: %w", err)
	}
	return res.LastInsertId()
}

// CountActivities returns the number of persisted activity entries.
func (db *DB) CountActivities() (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM activities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count activities: %w", err)
	}
	return n, nil
}

// TrimActivities deletes the oldest entries until only keep remain.
// It is a no-op when the log holds keep entries or fewer.
func (db *DB) TrimActivities(keep int) error {
	_, err := db.Exec(`
		DELETE FROM activities WHERE id NOT IN (
			SELECT id FROM activities ORDER BY id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return fmt.Errorf("store: trim activities: %w", err)
	}
	return nil
}

// RecentActivities returns the limit most recent entries, newest first.
func (db *DB) RecentActivities(limit int) ([]*Activity, error) {
	rows, err := db.Query(`
		SELECT id, activity_id, activity_type, data, recorded_at
		FROM activities ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent activities: %w", err)
	}
	defer rows.Close()

	var out []*Activity
	for rows.Next() {
		var (
			a    Activity
			data string
			ts   int64
		)
		if err := rows.Scan(&a.ID, &a.ActivityID, &a.ActivityType, &data, &ts); err != nil {
			return nil, fmt.Errorf("store: scan activity: %w", err)
		}
		a.Data = json.RawMessage(data)
		a.RecordedAt = time.UnixMilli(ts)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ── Screenshots ───────────────────────────────────────────────────────────

// Screenshot is one captured image saved to disk.
type Screenshot struct {
	ID        int64     `json:"-"`
	CommandID string    `json:"command_id"`
	Path      string    `json:"path"`
	TakenAt   time.Time `json:"taken_at"`
}

// InsertScreenshot records a saved screenshot.
func (db *DB) InsertScreenshot(s *Screenshot) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO screenshots (command_id, path, taken_at) VALUES (?, ?, ?)`,
		s.CommandID, s.Path, s.TakenAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert screenshot: %w", err)
	}
	return res.LastInsertId()
}

// TrimScreenshots deletes the oldest rows until only keep remain.
func (db *DB) TrimScreenshots(keep int) error {
	_, err := db.Exec(`
		DELETE FROM screenshots WHERE id NOT IN (
			SELECT id FROM screenshots ORDER BY id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return fmt.Errorf("store: trim screenshots: %w", err)
	}
	return nil
}

// RecentScreenshots returns the limit most recent rows, newest first.
func (db *DB) RecentScreenshots(limit int) ([]*Screenshot, error) {
	rows, err := db.Query(`
		SELECT id, command_id, path, taken_at
		FROM screenshots ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent screenshots: %w", err)
	}
	defer rows.Close()

	var out []*Screenshot
	for rows.Next() {
		var (
			s  Screenshot
			ts int64
		)
		if err := rows.Scan(&s.ID, &s.CommandID, &s.Path, &ts); err != nil {
			return nil, fmt.Errorf("store: scan screenshot: %w", err)
		}
		s.TakenAt = time.UnixMilli(ts)
		out = append(out, &s)
	}
	return out, rows.Err()
}
