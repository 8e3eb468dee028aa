package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// InteractionSequence names the id sequence scoped to the interactions table.
const InteractionSequence = "interactions"

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. Pragmas go in the DSN so every pooled
// connection gets them, and transactions begin IMMEDIATE so a combined
// interaction + lock write is serialized against other writers.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sequences (
  name  TEXT PRIMARY KEY,
  value INTEGER NOT NULL
);`,
		`INSERT OR IGNORE INTO sequences(name, value) VALUES('` + InteractionSequence + `', 0);`,
		`CREATE TABLE IF NOT EXISTS interactions (
  id             INTEGER PRIMARY KEY,
  created_at     TEXT NOT NULL,
  plugin         TEXT NOT NULL,
  channel_id     TEXT NOT NULL,
  message        JSON NOT NULL,
  response       JSON NOT NULL,
  traceback      JSON NOT NULL,
  lock_directive JSON,
  posted_key     TEXT
);`,
		`CREATE TABLE IF NOT EXISTS channel_locks (
  channel_id     TEXT PRIMARY KEY,
  locked         INTEGER NOT NULL DEFAULT 0,
  callback       JSON,
  interaction_id INTEGER REFERENCES interactions(id),
  updated_at     TEXT NOT NULL
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS interactions_posted_key_idx ON interactions(posted_key) WHERE posted_key IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS interactions_channel_created_idx ON interactions(channel_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

// NextID atomically advances the named sequence and returns the new value.
// Ids are strictly increasing; an id reserved by a rolled-back transaction
// is never reused.
func NextID(ctx context.Context, db *sql.DB, sequence string) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx,
		`UPDATE sequences SET value = value + 1 WHERE name = ? RETURNING value;`, sequence,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("advance sequence %q: %w", sequence, err)
	}
	return id, nil
}

// WithTx runs fn inside a transaction, committing only if fn returns nil.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
