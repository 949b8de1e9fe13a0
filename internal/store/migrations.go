package store

import (
	"context"
	"fmt"
	"time"
)

type Migration struct {
	Version int
	UpSQL   string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_calls (
	id TEXT PRIMARY KEY,
	phone_number TEXT NOT NULL,
	started_at TEXT NOT NULL,
	state TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	action_source TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	method TEXT NOT NULL,
	payload BLOB NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	stuck INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	last_retry_at TEXT
);

CREATE INDEX IF NOT EXISTS outbox_created_at ON outbox(created_at);

CREATE TABLE IF NOT EXISTS history (
	id TEXT PRIMARY KEY,
	phone_number TEXT NOT NULL,
	status TEXT NOT NULL,
	direction TEXT,
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	resolve_method TEXT NOT NULL,
	resolve_reason TEXT,
	action_source TEXT NOT NULL,
	delivered INTEGER NOT NULL DEFAULT 0,
	resolved_at TEXT NOT NULL
);
`,
	},
}

// Migrate applies any pending schema migrations in order
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m Migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`,
		m.Version, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}
