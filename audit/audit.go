// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package audit persists custom-action approval decisions to a small
// embedded SQLite database, so the review history survives a process
// restart. It is optional: when no path is configured the approval
// workflow runs in-memory only, per the core data model.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/scottyapp/scotty/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS action_decisions (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	app_name        TEXT    NOT NULL,
	action_name     TEXT    NOT NULL,
	decision        TEXT    NOT NULL,
	reviewer        TEXT    NOT NULL,
	comment         TEXT    NOT NULL DEFAULT '',
	decided_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_decisions_app ON action_decisions(app_name, decided_at);
`

// Decision is one recorded approval/rejection/revocation event.
type Decision struct {
	AppName    string
	ActionName string
	Decision   string
	Reviewer   string
	Comment    string
	DecidedAt  time.Time
}

// Store is the SQLite-backed audit trail. A nil *Store is valid and
// silently discards every Record call, so callers never need a
// separate "audit enabled" branch.
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at path. An empty path is
// rejected by the caller before this is ever invoked; Open itself
// always attempts to open what it is given.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperrors.Internal("failed to create audit database directory", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.Internal("failed to open audit database", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, apperrors.Internal("failed to set WAL mode", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperrors.Internal("failed to create audit schema", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts one decision. Called from the actions package's
// review path; failures are logged by the caller, never fatal.
func (s *Store) Record(ctx context.Context, d Decision) error {
	if s == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_decisions (app_name, action_name, decision, reviewer, comment, decided_at) VALUES (?, ?, ?, ?, ?, ?)`,
		d.AppName, d.ActionName, d.Decision, d.Reviewer, d.Comment, d.DecidedAt.Unix(),
	)
	if err != nil {
		return apperrors.Internal("failed to record audit decision", err)
	}
	return nil
}

// Recent returns the most recent decisions across every app, newest
// first, bounded by limit.
func (s *Store) Recent(ctx context.Context, limit int) ([]Decision, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT app_name, action_name, decision, reviewer, comment, decided_at FROM action_decisions ORDER BY decided_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, apperrors.Internal("failed to query audit trail", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var decidedAt int64
		if err := rows.Scan(&d.AppName, &d.ActionName, &d.Decision, &d.Reviewer, &d.Comment, &decidedAt); err != nil {
			return nil, apperrors.Internal("failed to scan audit row", err)
		}
		d.DecidedAt = time.Unix(decidedAt, 0).UTC()
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("failed to iterate audit rows", err)
	}
	return out, nil
}

// ForApp returns decisions for one app, newest first.
func (s *Store) ForApp(ctx context.Context, appName string, limit int) ([]Decision, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT app_name, action_name, decision, reviewer, comment, decided_at FROM action_decisions WHERE app_name = ? ORDER BY decided_at DESC LIMIT ?`,
		appName, limit,
	)
	if err != nil {
		return nil, apperrors.Internal(fmt.Sprintf("failed to query audit trail for %s", appName), err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var decidedAt int64
		if err := rows.Scan(&d.AppName, &d.ActionName, &d.Decision, &d.Reviewer, &d.Comment, &decidedAt); err != nil {
			return nil, apperrors.Internal("failed to scan audit row", err)
		}
		d.DecidedAt = time.Unix(decidedAt, 0).UTC()
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("failed to iterate audit rows", err)
	}
	return out, nil
}
