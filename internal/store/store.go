// Package store is the durable heart of the control plane: one SQLite
// database through which every cross-process coordination primitive runs.
// Claims, dedup, mutexes, rate counters, and health state are all row-level
// conditional updates here; no in-memory state is trusted across workers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/autopilot/internal/bus"
)

const (
	schemaVersion  = 1
	schemaChecksum = "ap-v1-2026-07-02-control-plane"
)

// Store wraps the SQLite database. All mutating entity/task/job operations go
// through it.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
	now func() time.Time
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".autopilot", "autopilot.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// SQLite allows one writer; a single pooled connection keeps WAL and
	// busy_timeout consistently applied and serializes writes in-process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, now: func() time.Time { return time.Now().UTC() }}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetNowFunc overrides the store clock. Test hook for TTL and window logic.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.now = now
}

// Now returns the store's current clock reading in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
// String matching avoids importing the sqlite3 package in non-CGO paths.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed")
}

func hashString(input string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(input))
	return strconv.FormatUint(h.Sum64(), 16)
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existingChecksum, schemaChecksum)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS pages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			slug TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL DEFAULT '',
			meta_description TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS page_attributes (
			page_id INTEGER NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			UNIQUE(page_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			action_type TEXT NOT NULL,
			payload JSON NOT NULL DEFAULT '{}',
			status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'executed', 'failed', 'cancelled', 'paused')),
			dedup_key TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			available_at DATETIME NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// One live task per dedup key; terminal rows keep history.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_dedup_live ON tasks(dedup_key)
			WHERE status IN ('pending', 'running', 'paused');`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS intents (
			id TEXT PRIMARY KEY,
			decision_id TEXT NOT NULL UNIQUE,
			intent_type TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'completed', 'failed')),
			payload JSON NOT NULL DEFAULT '{}',
			claimed_by TEXT,
			claimed_at DATETIME,
			completed_at DATETIME,
			error_message TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS decisions (
			hash TEXT PRIMARY KEY,
			entity_id INTEGER NOT NULL,
			score REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK(status IN ('planned', 'approved', 'rejected', 'cancelled', 'executed')),
			confidence REAL NOT NULL DEFAULT 0,
			risk_level TEXT NOT NULL DEFAULT 'low',
			actions JSON NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			entity_id INTEGER NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			context JSON NOT NULL DEFAULT '{}',
			state JSON NOT NULL,
			captured_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS bulk_jobs (
			id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL CHECK(job_type IN ('audit', 'apply', 'rollback')),
			filters JSON NOT NULL DEFAULT '{}',
			status TEXT NOT NULL CHECK(status IN ('pending', 'awaiting_approval', 'running', 'paused', 'completed', 'failed', 'cancelled')),
			approved_by TEXT,
			approved_at DATETIME,
			approved_until DATETIME,
			note TEXT,
			total_items INTEGER NOT NULL DEFAULT 0,
			processed_items INTEGER NOT NULL DEFAULT 0,
			success_items INTEGER NOT NULL DEFAULT 0,
			failed_items INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS action_outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			decision_hash TEXT NOT NULL,
			entity_id INTEGER NOT NULL,
			outcome TEXT NOT NULL CHECK(outcome IN ('applied', 'failed', 'rejected')),
			risk_level TEXT NOT NULL DEFAULT 'low',
			autonomous INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS reliability_health (
			id INTEGER PRIMARY KEY CHECK(id = 1),
			sample INTEGER NOT NULL DEFAULT 0,
			applied INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			high_risk INTEGER NOT NULL DEFAULT 0,
			fail_rate REAL NOT NULL DEFAULT 0,
			paused INTEGER NOT NULL DEFAULT 0,
			pause_reason TEXT,
			pause_source TEXT,
			paused_by TEXT,
			paused_since DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`INSERT OR IGNORE INTO reliability_health (id) VALUES (1);`,
		`CREATE TABLE IF NOT EXISTS rate_counters (
			bucket_key TEXT PRIMARY KEY,
			count INTEGER NOT NULL DEFAULT 0,
			expires_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS apply_locks (
			lock_key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_reserve ON tasks(status, available_at, created_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_intents_claim ON intents(status, intent_type, created_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_entity ON snapshots(entity_type, entity_id, captured_at);`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_window ON action_outcomes(autonomous, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_bulk_jobs_status ON bulk_jobs(status, created_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
