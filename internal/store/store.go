package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrMonitorNotFound = errors.New("monitor not found")
	ErrDuplicateTarget = errors.New("monitor already exists for this owner, target and protocol")
	ErrOngoingExists   = errors.New("an ongoing incident already exists for this monitor")
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// DBConfig selects the backend. Path is used for sqlite, DSN for
// postgres.
type DBConfig struct {
	Type Dialect
	Path string
	DSN  string
}

type Store struct {
	db      *sql.DB
	dialect Dialect
}

func NewStore(cfg DBConfig) (*Store, error) {
	var db *sql.DB
	var err error

	switch cfg.Type {
	case DialectPostgres:
		db, err = sql.Open("postgres", cfg.DSN)
	case DialectSQLite, "":
		db, err = sql.Open("sqlite3", cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}

	s := &Store{db: db, dialect: cfg.Type}
	if s.dialect == "" {
		s.dialect = DialectSQLite
	}

	if s.dialect == DialectSQLite {
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return nil, err
		}
	}

	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (s *Store) migrate() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	timestamp := "DATETIME"
	if s.dialect == DialectPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
		timestamp = "TIMESTAMPTZ"
	}

	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS monitors (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		protocol TEXT NOT NULL,
		target TEXT NOT NULL,
		port INTEGER DEFAULT 0,
		interval_minutes INTEGER NOT NULL DEFAULT 5,
		timeout_ms INTEGER NOT NULL DEFAULT 10000,
		degraded_threshold_ms INTEGER DEFAULT 0,
		ssl_expiry_threshold_days INTEGER DEFAULT 30,
		alert_threshold INTEGER NOT NULL DEFAULT 2,
		contact_emails TEXT DEFAULT '[]',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		status TEXT NOT NULL DEFAULT 'unknown',
		total_checks INTEGER NOT NULL DEFAULT 0,
		successful_checks INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		consecutive_degraded INTEGER NOT NULL DEFAULT 0,
		consecutive_slow INTEGER NOT NULL DEFAULT 0,
		last_checked %[2]s,
		last_response_time_ms INTEGER DEFAULT 0,
		created_at %[2]s NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_monitors_owner_target
		ON monitors(owner_id, target, protocol);

	CREATE TABLE IF NOT EXISTS checks (
		id %[1]s,
		monitor_id TEXT NOT NULL REFERENCES monitors(id) ON DELETE CASCADE,
		timestamp %[2]s NOT NULL,
		status TEXT NOT NULL,
		response_time_ms INTEGER NOT NULL DEFAULT 0,
		status_code INTEGER DEFAULT 0,
		error_type TEXT DEFAULT '',
		error_message TEXT DEFAULT '',
		ssl_valid_from %[2]s,
		ssl_valid_to %[2]s,
		degradation_reasons TEXT DEFAULT '[]',
		verifications TEXT DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_checks_monitor_ts
		ON checks(monitor_id, timestamp DESC);

	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		monitor_id TEXT NOT NULL REFERENCES monitors(id) ON DELETE CASCADE,
		start_time %[2]s NOT NULL,
		end_time %[2]s,
		duration_seconds INTEGER,
		status TEXT NOT NULL,
		error_message TEXT DEFAULT '',
		error_type TEXT DEFAULT '',
		status_code INTEGER DEFAULT 0,
		severity TEXT NOT NULL DEFAULT 'medium',
		confidence REAL DEFAULT 0,
		degradation_category TEXT DEFAULT 'general',
		notifications TEXT DEFAULT '{}',
		recovery_confidence REAL DEFAULT 0,
		resolved_by TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_incidents_monitor_status
		ON incidents(monitor_id, status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_one_ongoing
		ON incidents(monitor_id) WHERE status = 'ongoing';

	CREATE TABLE IF NOT EXISTS api_keys (
		id %[1]s,
		key_prefix TEXT NOT NULL,
		key_hash TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		created_at %[2]s NOT NULL,
		last_used_at %[2]s
	);
	CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix);
	`, serial, timestamp)

	for _, stmt := range strings.Split(query, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// isUniqueViolation detects duplicate-key errors across both dialects.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
