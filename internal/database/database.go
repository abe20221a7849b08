// cimcconf is a CIMC configuration broker.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package database keeps an optional sqlite journal of broker invocations.
// The journal is history only: nothing in it is read back to decide a
// reconcile.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const defaultListLimit = 50

// DB is the journal connection.
type DB struct {
	conn *sql.DB
}

// Invocation is one journal row.
type Invocation struct {
	ID            string
	CorrelationID string
	Host          string
	Resource      string
	Task          string
	// Config is the request configuration as JSON with secrets redacted.
	Config     string
	Changed    bool
	Result     string
	Error      string
	DurationMS int64
	CreatedAt  time.Time
}

// New opens (and creates if needed) the journal at dbPath.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	slog.Debug("Running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS invocations (
			id TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			host TEXT NOT NULL,
			resource TEXT NOT NULL,
			task TEXT NOT NULL,
			config TEXT,
			changed BOOLEAN DEFAULT false,
			result TEXT NOT NULL,
			error TEXT,
			duration_ms INTEGER DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_host ON invocations(host)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_created_at ON invocations(created_at)`,
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, migration := range migrations {
		if _, err := tx.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	return tx.Commit()
}

// RecordInvocation inserts inv, assigning ID and CreatedAt when unset.
func (db *DB) RecordInvocation(ctx context.Context, inv *Invocation) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO invocations (id, correlation_id, host, resource, task, config, changed, result, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.conn.ExecContext(ctx, query,
		inv.ID, inv.CorrelationID, inv.Host, inv.Resource, inv.Task, inv.Config,
		inv.Changed, inv.Result, inv.Error, inv.DurationMS, inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record invocation: %w", err)
	}
	return nil
}

// ListInvocations returns the newest invocations first, optionally limited
// to one host. A non-positive limit uses the default of 50.
func (db *DB) ListInvocations(ctx context.Context, host string, limit int) ([]Invocation, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT id, correlation_id, host, resource, task, config, changed, result, error, duration_ms, created_at
		FROM invocations`
	args := []any{}
	if host != "" {
		query += ` WHERE host = ?`
		args = append(args, host)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invocations: %w", err)
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

// GetInvocation returns one invocation by ID, or nil if there is none.
func (db *DB) GetInvocation(ctx context.Context, id string) (*Invocation, error) {
	query := `SELECT id, correlation_id, host, resource, task, config, changed, result, error, duration_ms, created_at
		FROM invocations WHERE id = ?`
	inv, err := scanInvocation(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return inv, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row scanner) (*Invocation, error) {
	var inv Invocation
	var config, errText sql.NullString
	if err := row.Scan(&inv.ID, &inv.CorrelationID, &inv.Host, &inv.Resource, &inv.Task,
		&config, &inv.Changed, &inv.Result, &errText, &inv.DurationMS, &inv.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan invocation: %w", err)
	}
	inv.Config = config.String
	inv.Error = errText.String
	return &inv, nil
}
