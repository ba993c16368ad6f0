// Package persistence is the SQLite store behind memory snapshots and the
// request audit log.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"cadence/pkg/logx"
	"cadence/pkg/scheduler"
)

// schemaVersion is bumped whenever the schema changes shape.
const schemaVersion = 1

// Store wraps one SQLite database. It is safe for concurrent use; the
// connection pool is pinned to a single connection because SQLite has a
// single writer.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (or creates) the database at path and brings the schema up.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{db: db, logger: logx.NewLogger("persistence")}
	s.logger.Info("database ready: %s", path)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// SaveSnapshot upserts a session's memory snapshot.
func (s *Store) SaveSnapshot(sessionID string, snapshot []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO memory_snapshots (session_id, snapshot, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(session_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
	`, sessionID, snapshot)
	if err != nil {
		return fmt.Errorf("failed to save snapshot for session %s: %w", sessionID, err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot for a session.
//
//nolint:nilnil // a missing snapshot is a valid outcome, not an error
func (s *Store) LoadSnapshot(sessionID string) ([]byte, error) {
	var snapshot []byte
	err := s.db.QueryRow(`
		SELECT snapshot FROM memory_snapshots WHERE session_id = ?
	`, sessionID).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for session %s: %w", sessionID, err)
	}
	return snapshot, nil
}

// DeleteSnapshot removes a session's snapshot if one exists.
func (s *Store) DeleteSnapshot(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM memory_snapshots WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete snapshot for session %s: %w", sessionID, err)
	}
	return nil
}

// RecordRequest appends one request outcome to the audit log. The scheduler
// calls this on its hot path, so failures are logged and swallowed.
func (s *Store) RecordRequest(rec scheduler.RequestRecord) {
	_, err := s.db.Exec(`
		INSERT INTO request_log (
			abort_key, model, outcome, error_class, reserved_tokens,
			actual_tokens, retries, queued_ms, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Key, rec.Model, rec.Outcome, rec.ErrorClass, rec.Reserved,
		rec.Actual, rec.Retries, rec.QueuedMs, rec.DurationMs)
	if err != nil {
		s.logger.Warn("failed to record request %s: %v", rec.Key, err)
	}
}

// RequestEntry is one persisted row of the request audit log.
//
//nolint:govet // field order mirrors the table
type RequestEntry struct {
	ID         int64
	AbortKey   string
	Model      string
	Outcome    string
	ErrorClass string
	Reserved   int
	Actual     int
	Retries    int
	QueuedMs   int64
	DurationMs int64
	CreatedAt  time.Time
}

// RecentRequests returns the newest limit entries of the audit log.
func (s *Store) RecentRequests(limit int) ([]RequestEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, abort_key, model, outcome, error_class, reserved_tokens,
			   actual_tokens, retries, queued_ms, duration_ms, created_at
		FROM request_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query request log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []RequestEntry
	for rows.Next() {
		var entry RequestEntry
		if err := rows.Scan(&entry.ID, &entry.AbortKey, &entry.Model, &entry.Outcome,
			&entry.ErrorClass, &entry.Reserved, &entry.Actual, &entry.Retries,
			&entry.QueuedMs, &entry.DurationMs, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan request entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating request log: %w", err)
	}
	return entries, nil
}

func ensureSchema(db *sql.DB) error {
	current, err := currentSchemaVersion(db)
	if err != nil {
		return err
	}
	switch {
	case current == 0:
		return createSchema(db)
	case current == schemaVersion:
		return nil
	case current > schemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, schemaVersion)
	default:
		return fmt.Errorf("no migration path from schema version %d", current)
	}
}

func currentSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}

func createSchema(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS memory_snapshots (
			session_id TEXT PRIMARY KEY,
			snapshot BLOB NOT NULL,
			updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS request_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			abort_key TEXT NOT NULL,
			model TEXT NOT NULL,
			outcome TEXT NOT NULL CHECK (outcome IN ('completed','failed','canceled')),
			error_class TEXT NOT NULL DEFAULT '',
			reserved_tokens INTEGER NOT NULL DEFAULT 0,
			actual_tokens INTEGER NOT NULL DEFAULT 0,
			retries INTEGER NOT NULL DEFAULT 0,
			queued_ms INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE INDEX IF NOT EXISTS idx_request_log_model ON request_log(model)`,
		`CREATE INDEX IF NOT EXISTS idx_request_log_created ON request_log(created_at)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	if _, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}
