// Package audit keeps an append-only SQLite log of authority events.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cjeanneret/trackhead/internal/debug"
	"github.com/cjeanneret/trackhead/internal/logic/authority"
)

// Row is one stored event.
type Row struct {
	ID      int64               `json:"id"`
	Session string              `json:"session"`
	At      time.Time           `json:"at"`
	Kind    authority.EventKind `json:"kind"`
	Mode    string              `json:"mode"`
	Detail  string              `json:"detail,omitempty"`
}

// Store wraps the database handle.
type Store struct {
	db      *sql.DB
	session string
}

// Open opens (or creates) the database at path. ":memory:" works for tests.
func Open(path, session string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// a single connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS authority_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			session TEXT NOT NULL,
			at_unix_ms INTEGER NOT NULL,
			kind TEXT NOT NULL,
			mode TEXT NOT NULL,
			detail TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_authority_events_session ON authority_events(session);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &Store{db: db, session: session}, nil
}

// Record appends one event for the store's session.
func (s *Store) Record(ev authority.Event) error {
	_, err := s.db.Exec(
		"INSERT INTO authority_events (session, at_unix_ms, kind, mode, detail) VALUES (?, ?, ?, ?, ?)",
		s.session, ev.At.UnixMilli(), string(ev.Kind), ev.Mode.String(), ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("record %s event: %w", ev.Kind, err)
	}
	return nil
}

// Handler returns a supervisor event handler that records events and logs
// failures instead of returning them.
func (s *Store) Handler() func(authority.Event) {
	return func(ev authority.Event) {
		if err := s.Record(ev); err != nil {
			debug.Warn("audit: %v", err)
		}
	}
}

// Recent returns up to limit events, newest first, across all sessions.
func (s *Store) Recent(limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		"SELECT event_id, session, at_unix_ms, kind, mode, COALESCE(detail, '') FROM authority_events ORDER BY event_id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var atMs int64
		var kind string
		if err := rows.Scan(&r.ID, &r.Session, &atMs, &kind, &r.Mode, &r.Detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		r.At = time.UnixMilli(atMs).UTC()
		r.Kind = authority.EventKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
