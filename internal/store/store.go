package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/p-arndt/agenthub/internal/apperr"
)

// SchemaVersion is bumped on every change to a table's shape. Databases
// written by a different version are refused rather than coerced.
const SchemaVersion = 3

var (
	ErrNotFound = apperr.ErrNotFound
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

type Store struct {
	db *sql.DB
}

const createMetaSQL = `CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL);`

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS projects (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	repo_url          TEXT NOT NULL,
	default_branch    TEXT NOT NULL DEFAULT 'main',
	base_kind         TEXT NOT NULL DEFAULT 'tag',
	base_ref          TEXT NOT NULL,
	setup_script      TEXT NOT NULL DEFAULT '',
	default_mounts    TEXT NOT NULL DEFAULT '[]',
	default_env       TEXT NOT NULL DEFAULT '[]',
	build_status      TEXT NOT NULL DEFAULT 'pending',
	build_error       TEXT NOT NULL DEFAULT '',
	snapshot_image    TEXT NOT NULL DEFAULT '',
	snapshot_key      TEXT NOT NULL DEFAULT '',
	build_started_at  DATETIME,
	build_finished_at DATETIME,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	project_id        TEXT NOT NULL REFERENCES projects(id),
	display_name      TEXT NOT NULL DEFAULT '',
	subtitle          TEXT NOT NULL DEFAULT '',
	mounts            TEXT NOT NULL DEFAULT '[]',
	env               TEXT NOT NULL DEFAULT '[]',
	workspace_path    TEXT NOT NULL,
	container_workdir TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'stopped',
	status_reason     TEXT NOT NULL DEFAULT '',
	status_message    TEXT NOT NULL DEFAULT '',
	snapshot_image    TEXT NOT NULL DEFAULT '',
	container_id      TEXT NOT NULL DEFAULT '',
	last_exit_code    INTEGER,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL,
	status_changed_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_project_id ON sessions(project_id);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the store. maxOpenConns controls the connection pool size
// (0 = default 4). An in-memory database always uses a single connection so
// that every query sees the same data.
func New(dbPath string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	if dbPath == ":memory:" {
		maxOpenConns = 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate initialises an empty database at SchemaVersion and refuses any
// other recorded version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(createMetaSQL); err != nil {
		return fmt.Errorf("creating schema_meta: %w", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_meta LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		var tables int
		if err := s.db.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('projects', 'sessions')`,
		).Scan(&tables); err != nil {
			return fmt.Errorf("inspecting schema: %w", err)
		}
		if tables > 0 {
			return apperr.New(apperr.KindMigration, "open store",
				"database has tables but no schema version; refusing to guess its layout")
		}
		if _, err := s.db.Exec(createTablesSQL); err != nil {
			return fmt.Errorf("creating tables: %w", err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_meta (version) VALUES (?)`, SchemaVersion); err != nil {
			return fmt.Errorf("recording schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("reading schema version: %w", err)
	case version != SchemaVersion:
		return apperr.New(apperr.KindMigration, "open store",
			"database schema version %d does not match supported version %d", version, SchemaVersion)
	}
	return nil
}

// Version returns the schema version recorded in the database.
func (s *Store) Version() (int, error) {
	var v int
	if err := s.db.QueryRow(`SELECT version FROM schema_meta LIMIT 1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

// exec runs a write with busy retry and reports the affected row count.
func (s *Store) exec(query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(query, args...)
		return e
	})
	return result, err
}

func checkRowAffected(result sql.Result, what, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
