// Package persistence is the SQLite store behind the intention audit trail,
// goal-run history, branch mirror, capability snapshots, memory and messages.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const busyRetries = 5

const timeLayout = "2006-01-02 15:04:05"

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".autonomy", "autonomy.db")
}

func Open(path string) (*Store, error) {
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
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
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

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with exponential
// backoff and bounded jitter on top of the driver's busy_timeout.
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
		// ±25%
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

// isSQLiteBusy checks for SQLITE_BUSY (5) or SQLITE_LOCKED (6) by message so
// callers need not import the driver package.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
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

var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS intentions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		rationale TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL CHECK(status IN ('pending', 'approved', 'rejected')),
		note TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		resolved_at DATETIME
	);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		intention_id TEXT NOT NULL,
		status TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS goal_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		goal_id TEXT NOT NULL,
		description TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		generation INTEGER NOT NULL DEFAULT 0,
		route TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL DEFAULT 0,
		result TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		branch TEXT NOT NULL DEFAULT '',
		branch_hash TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS branches (
		name TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		length INTEGER NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS branch_events (
		branch TEXT NOT NULL REFERENCES branches(name) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '[]',
		hash TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (branch, idx)
	);`,
	`CREATE TABLE IF NOT EXISTS capabilities (
		name TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		dependencies TEXT NOT NULL DEFAULT '[]',
		success_rate REAL NOT NULL,
		avg_duration_ms INTEGER NOT NULL DEFAULT 0,
		usage_count INTEGER NOT NULL DEFAULT 0,
		last_context TEXT NOT NULL DEFAULT '',
		last_updated DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS memories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding BLOB,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS kv_store (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_intentions_status ON intentions(status, priority DESC, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_intention ON audit_log(intention_id);`,
	`CREATE INDEX IF NOT EXISTS idx_goal_runs_started ON goal_runs(started_at DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category);`,
}

// migration is one schema step. Applied steps are recorded with their
// checksum; a recorded checksum that no longer matches fails Open.
type migration struct {
	version  int
	checksum string
	stmts    []string
}

var migrations = []migration{
	{version: 1, checksum: "au-v1-2026-09-30-initial", stmts: append(append([]string(nil), tableStatements...), indexStatements...)},
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

	applied := make(map[int]string)
	rows, err := tx.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		var sum string
		if err := rows.Scan(&v, &sum); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[v] = sum
	}
	if err := rows.Close(); err != nil {
		return err
	}

	latest := migrations[len(migrations)-1].version
	for v := range applied {
		if v > latest {
			return fmt.Errorf("db schema version %d is newer than supported %d", v, latest)
		}
	}
	for _, m := range migrations {
		if sum, ok := applied[m.version]; ok {
			if sum != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, sum, m.checksum)
			}
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return tx.Commit()
}

// KVSet stores a key-value pair, overwriting any previous value.
func (s *Store) KVSet(ctx context.Context, key, val string) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
		`, key, val)
		return err
	})
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet returns "" when the key is absent.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("kv get: %w", err)
	}
	return val, nil
}

type RetentionResult struct {
	PurgedRuns     int64 `json:"purged_runs"`
	PurgedAudit    int64 `json:"purged_audit"`
	PurgedMessages int64 `json:"purged_messages"`
}

// RunRetention deletes goal runs, audit rows and messages older than the
// given number of days. A non-positive value keeps that table untouched.
func (s *Store) RunRetention(ctx context.Context, runDays, auditDays, messageDays int) (RetentionResult, error) {
	var res RetentionResult
	purge := func(table, column string, days int, out *int64) error {
		if days <= 0 {
			return nil
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(timeLayout)
		r, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s < ?`, table, column), cutoff)
		if err != nil {
			return fmt.Errorf("purge %s: %w", table, err)
		}
		*out, _ = r.RowsAffected()
		return nil
	}
	if err := purge("goal_runs", "started_at", runDays, &res.PurgedRuns); err != nil {
		return res, err
	}
	if err := purge("audit_log", "created_at", auditDays, &res.PurgedAudit); err != nil {
		return res, err
	}
	if err := purge("messages", "created_at", messageDays, &res.PurgedMessages); err != nil {
		return res, err
	}
	return res, s.KVSet(ctx, lastRetentionKey, formatTime(time.Now()))
}

const lastRetentionKey = "retention.last_run"

// LastRetention is when RunRetention last completed, or the zero time.
func (s *Store) LastRetention(ctx context.Context) (time.Time, error) {
	raw, err := s.KVGet(ctx, lastRetentionKey)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	return parseTime(raw), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		// The driver may hand back RFC3339 for DATETIME columns.
		if t2, err2 := time.Parse(time.RFC3339, raw); err2 == nil {
			return t2
		}
		return time.Time{}
	}
	return t
}
