// Package audit persists a passive record of worker join/leave and
// child-process lifecycle events to an embedded SQLite database
// (SPEC_FULL §3/§4 addition — not part of the wire protocol).
package audit

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Kind is the fixed set of events the audit trail records.
type Kind string

const (
	Joined           Kind = "JOINED"
	Left             Kind = "LEFT"
	ChildStarted     Kind = "CHILD_STARTED"
	ChildExited      Kind = "CHILD_EXITED"
	ArchiveInstalled Kind = "ARCHIVE_INSTALLED"
	ArchiveReloaded  Kind = "ARCHIVE_RELOADED"
)

// Event is one row of the audit trail. It is never transmitted to a
// peer or child process.
type Event struct {
	Timestamp time.Time
	WorkerID  string
	Kind      Kind
	Detail    string
}

// Trail wraps a sqlite-backed audit log.
type Trail struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at dsn and applies
// any pending migrations.
func Open(dsn string) (*Trail, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: set WAL mode: %w", err)
	}

	t := &Trail{db: db}
	if err := t.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return t, nil
}

// Close closes the underlying database handle.
func (t *Trail) Close() error {
	return t.db.Close()
}

// Record appends ev to the trail.
func (t *Trail) Record(ev Event) error {
	_, err := t.db.Exec(
		`INSERT INTO audit_events (ts_unix_ms, worker_id, kind, detail) VALUES (?, ?, ?, ?)`,
		ev.Timestamp.UnixMilli(), ev.WorkerID, string(ev.Kind), ev.Detail,
	)
	return err
}

// ForWorker returns every recorded event for workerID, oldest first.
func (t *Trail) ForWorker(workerID string) ([]Event, error) {
	rows, err := t.db.Query(
		`SELECT ts_unix_ms, worker_id, kind, detail FROM audit_events WHERE worker_id = ? ORDER BY id ASC`,
		workerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Recent returns the most recently recorded events, newest first, up to
// limit entries.
func (t *Trail) Recent(limit int) ([]Event, error) {
	rows, err := t.db.Query(
		`SELECT ts_unix_ms, worker_id, kind, detail FROM audit_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var tsMs int64
		var ev Event
		var kind string
		if err := rows.Scan(&tsMs, &ev.WorkerID, &kind, &ev.Detail); err != nil {
			return nil, err
		}
		ev.Timestamp = time.UnixMilli(tsMs)
		ev.Kind = Kind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (t *Trail) migrate() error {
	if _, err := t.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := t.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := t.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}
