// Package fieldstore persists the last-entered value of every form field
// so a restarted operator console comes back with its inputs intact.
package fieldstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// Known field names. The store accepts any name; these constants exist so
// callers and tests agree on spelling.
const (
	FieldMatchID         = "matchId"
	FieldTeamID          = "teamId"
	FieldEventType       = "eventType"
	FieldDescription     = "description"
	FieldToken           = "token"
	FieldMatchUserID     = "matchUserId"
	FieldFromMatchUserID = "fromMatchUserId"
	FieldToMatchUserID   = "toMatchUserId"
	FieldExchangeMessage = "exchangeMessage"
	FieldCancelTeamID    = "cancelTeamId"
	FieldCancelEventType = "cancelEventType"
)

// Store is a write-through key-value store over a local SQLite file. Each
// field is an independent row; there is no batching and no TTL.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the field database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fields (
			name  TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create fields table: %w", err)
	}

	return &Store{db: db}, nil
}

// Restore returns the last persisted value for name, or the empty string
// when the field was never written.
func (s *Store) Restore(name string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM fields WHERE name = ?", name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("restore field %q: %w", name, err)
	}
	return value, nil
}

// Persist writes the current value for name, replacing any earlier value.
func (s *Store) Persist(name, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO fields (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		name, value)
	if err != nil {
		return fmt.Errorf("persist field %q: %w", name, err)
	}
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
