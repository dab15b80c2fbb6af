// Package audit provides PostgreSQL-backed persistence for session lifecycle
// events. Sessions themselves are ephemeral and die with the process; the
// audit trail is what operators consult afterwards to see how an identifier's
// provisioning went.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Entry is one recorded lifecycle event.
type Entry struct {
	ID         int64
	Identifier string
	Event      string
	Detail     string
	CreatedAt  time.Time
}

// Store manages session event rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates an audit store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert records one lifecycle event.
func (s *Store) Insert(ctx context.Context, identifier, event, detail string) error {
	const query = `
		INSERT INTO session_events (identifier, event, detail)
		VALUES ($1, $2, $3)`

	if _, err := s.db.ExecContext(ctx, query, identifier, event, detail); err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// RecentByIdentifier returns the latest events for an identifier, newest
// first.
func (s *Store) RecentByIdentifier(ctx context.Context, identifier string, limit int) ([]Entry, error) {
	const query = `
		SELECT id, identifier, event, detail, created_at
		FROM session_events
		WHERE identifier = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, identifier, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Identifier, &e.Event, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: rows: %w", err)
	}
	return entries, nil
}

// CountRecent returns the number of events recorded for an identifier within
// the given window. Useful for spotting identifiers stuck in reconnect loops.
func (s *Store) CountRecent(ctx context.Context, identifier string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM session_events
		WHERE identifier = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	if err := s.db.QueryRowContext(ctx, query, identifier, window.String()).Scan(&count); err != nil {
		return 0, fmt.Errorf("audit: count recent: %w", err)
	}
	return count, nil
}
