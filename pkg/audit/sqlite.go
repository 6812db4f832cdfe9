// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists events in SQLite.
type SQLiteStore struct {
	db     *sql.DB
	closer func() error
}

// NewSQLiteStore wraps db and ensures the schema exists. The caller owns db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: db is nil")
	}
	if err := ensureSchema(db); err != nil {
		return nil, fmt.Errorf("audit: ensure schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// OpenSQLite opens dsn with the sqlite driver. Close releases the database.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:capcore_audit?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	store, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.closer = db.Close
	return store, nil
}

// Close releases a database opened by OpenSQLite.
func (s *SQLiteStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// Record stores a single event.
func (s *SQLiteStore) Record(ctx context.Context, event Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capability_executions (
			event_id, capability_id, route, provider, status, error_code, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.CapabilityID,
		event.Route,
		event.Provider,
		event.Status,
		event.ErrorCode,
		normalizeTime(event.StartedAt),
		normalizeTime(event.FinishedAt),
	)
	return err
}

// List returns events matching the filter, oldest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Event, error) {
	query := `
		SELECT event_id, capability_id, route, provider, status, error_code, started_at, finished_at
		FROM capability_executions
	`
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.CapabilityID != "" {
		addFilter("capability_id = ?", filter.CapabilityID)
	}
	if filter.Route != "" {
		addFilter("route = ?", filter.Route)
	}
	if filter.Status != "" {
		addFilter("status = ?", filter.Status)
	}
	query += where + " ORDER BY started_at ASC, rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			event    Event
			started  sql.NullTime
			finished sql.NullTime
		)
		if err := rows.Scan(
			&event.ID,
			&event.CapabilityID,
			&event.Route,
			&event.Provider,
			&event.Status,
			&event.ErrorCode,
			&started,
			&finished,
		); err != nil {
			return nil, err
		}
		if started.Valid {
			event.StartedAt = started.Time
		}
		if finished.Valid {
			event.FinishedAt = finished.Time
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS capability_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			capability_id TEXT NOT NULL,
			route TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error_code TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_capability_executions_capability ON capability_executions(capability_id);
		CREATE INDEX IF NOT EXISTS idx_capability_executions_status ON capability_executions(status);
	`)
	return err
}
