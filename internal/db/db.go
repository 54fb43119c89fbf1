package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrDatabaseInit = errors.New("database initialization failed")
)

// DB represents the database connection.
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema.
func New(dbPath string) (*DB, error) {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	// SQLite handles concurrency at the file level; pool limits here
	// mainly cap file descriptors and memory.
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA secure_delete=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %w", ErrDatabaseInit, err)
		}
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	// Credentials live in this file; keep it private to the service user.
	if err := os.Chmod(dbPath, 0600); err != nil {
		_ = err // file might not exist yet in WAL mode
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Ping checks the database connection.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// migrate creates the database schema.
func (db *DB) migrate() error {
	migrations := []string{
		// Calendar connections table
		`CREATE TABLE IF NOT EXISTS connections (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			provider TEXT NOT NULL,
			sync_direction TEXT NOT NULL DEFAULT 'pull',
			connected INTEGER NOT NULL DEFAULT 0,
			base_url TEXT,
			access_token TEXT,
			refresh_token TEXT,
			username TEXT,
			password TEXT,
			api_token TEXT,
			calendar_id TEXT,
			color TEXT,
			sync_interval INTEGER NOT NULL DEFAULT 300,
			last_sync_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_connections_user_id ON connections(user_id)`,

		// Canonical events table
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			connection_id TEXT,
			google_event_id TEXT,
			caldav_uid TEXT,
			notion_page_id TEXT,
			title TEXT NOT NULL,
			description TEXT,
			location TEXT,
			start_ms INTEGER NOT NULL,
			end_ms INTEGER NOT NULL,
			all_day INTEGER NOT NULL DEFAULT 0,
			recurrence_rule TEXT,
			source TEXT NOT NULL DEFAULT 'local',
			sync_status TEXT NOT NULL DEFAULT 'pending',
			last_sync_error TEXT,
			color TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (connection_id) REFERENCES connections(id) ON DELETE SET NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_events_user_window ON events(user_id, start_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user_status ON events(user_id, sync_status)`,
		`CREATE INDEX IF NOT EXISTS idx_events_google_id ON events(user_id, google_event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_caldav_uid ON events(user_id, caldav_uid)`,
		`CREATE INDEX IF NOT EXISTS idx_events_notion_id ON events(user_id, notion_page_id)`,

		// Sync logs table, one row per sync run
		`CREATE TABLE IF NOT EXISTS sync_logs (
			id TEXT PRIMARY KEY,
			connection_id TEXT NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			events_processed INTEGER NOT NULL DEFAULT 0,
			events_created INTEGER NOT NULL DEFAULT 0,
			events_updated INTEGER NOT NULL DEFAULT 0,
			events_deleted INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			FOREIGN KEY (connection_id) REFERENCES connections(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_logs_connection_id ON sync_logs(connection_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_started_at ON sync_logs(started_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE migrations
			if !isDuplicateColumnError(err) {
				return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
			}
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error is due to a duplicate column in ALTER TABLE.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists")
}
