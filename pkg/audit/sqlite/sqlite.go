// Package sqlite persists audit events in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/ncruces/go-sqlite3/driver"  // Load database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed" // Load sqlite WASM binary

	"github.com/jeremyhahn/go-cardauth/pkg/audit"
)

// Sink stores audit events in the audit_events table.
type Sink struct {
	db *sql.DB
}

var (
	_ audit.Sink   = (*Sink)(nil)
	_ audit.Reader = (*Sink)(nil)
)

// Open creates or opens the database file at filename.
func Open(filename string) (*Sink, error) {
	connector, err := (&driver.SQLite{}).OpenConnector("file:" + filepath.Clean(filename) + "?_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("audit/sqlite: error creating connector: %w", err)
	}
	db := sql.OpenDB(connector)
	// single writer keeps the append order stable
	db.SetMaxOpenConns(1)
	if err := Init(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

// New wraps an initialized database.
func New(db *sql.DB) *Sink { return &Sink{db: db} }

// Init creates the audit table if it does not exist.
func Init(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_events
			( id INTEGER PRIMARY KEY AUTOINCREMENT
			, ts INTEGER NOT NULL
			, user_id TEXT NOT NULL
			, type TEXT NOT NULL
			, details TEXT NOT NULL
			)`,
		`CREATE INDEX IF NOT EXISTS audit_events_user
			ON audit_events(user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("audit/sqlite: init: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Sink) Close() error { return s.db.Close() }

// Emit inserts e.
func (s *Sink) Emit(ctx context.Context, e audit.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (ts, user_id, type, details) VALUES (?, ?, ?, ?)`,
		e.Timestamp.UnixNano(), e.UserID, string(e.Type), e.Details)
	if err != nil {
		return fmt.Errorf("audit/sqlite: insert event: %w", err)
	}
	return nil
}

// Events returns stored events oldest first. A positive limit keeps only the
// most recent limit events.
func (s *Sink) Events(ctx context.Context, limit int) ([]audit.Event, error) {
	query := `SELECT ts, user_id, type, details FROM audit_events ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit/sqlite: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []audit.Event
	for rows.Next() {
		var (
			ts  int64
			e   audit.Event
			typ string
		)
		if err := rows.Scan(&ts, &e.UserID, &typ, &e.Details); err != nil {
			return nil, fmt.Errorf("audit/sqlite: scan event: %w", err)
		}
		e.Timestamp = time.Unix(0, ts)
		e.Type = audit.EventType(typ)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit/sqlite: read events: %w", err)
	}
	slices.Reverse(events)
	return events, nil
}

// EventsFor returns every event recorded for userID, oldest first.
func (s *Sink) EventsFor(ctx context.Context, userID string) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, type, details FROM audit_events WHERE user_id = ? ORDER BY id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("audit/sqlite: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []audit.Event
	for rows.Next() {
		var (
			ts  int64
			typ string
		)
		e := audit.Event{UserID: userID}
		if err := rows.Scan(&ts, &typ, &e.Details); err != nil {
			return nil, fmt.Errorf("audit/sqlite: scan event: %w", err)
		}
		e.Timestamp = time.Unix(0, ts)
		e.Type = audit.EventType(typ)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit/sqlite: read events: %w", err)
	}
	return events, nil
}
