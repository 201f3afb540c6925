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

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. The database must live on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := checkLocalFilesystem(path, detectFilesystemType); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = FULL;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	// A single connection serializes writers at the driver level and keeps
	// pragmas applied; per-cell ordering is enforced above this layer.
	db.SetMaxOpenConns(1)

	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cells (
  cell_id    TEXT PRIMARY KEY,
  dna_hash   TEXT NOT NULL,
  agent      TEXT NOT NULL,
  created_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS cell_databases (
  cell_id TEXT NOT NULL REFERENCES cells(cell_id),
  name    TEXT NOT NULL,
  PRIMARY KEY (cell_id, name)
);`,
		`CREATE TABLE IF NOT EXISTS commits (
  cell_id      TEXT NOT NULL REFERENCES cells(cell_id),
  seq          INTEGER NOT NULL,
  hash         TEXT NOT NULL UNIQUE,
  prev_hash    TEXT,
  committed_at TEXT NOT NULL,
  PRIMARY KEY (cell_id, seq)
);`,
		`CREATE TABLE IF NOT EXISTS kv (
  cell_id TEXT NOT NULL,
  db      TEXT NOT NULL,
  key     TEXT NOT NULL,
  seq     INTEGER NOT NULL,
  value   BLOB,
  deleted INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (cell_id, db, key, seq)
);`,
		`CREATE TABLE IF NOT EXISTS chain (
  cell_id    TEXT NOT NULL,
  seq        INTEGER NOT NULL,
  address    TEXT NOT NULL,
  prev       TEXT,
  entry_type TEXT NOT NULL,
  content    JSON NOT NULL,
  author     TEXT NOT NULL,
  signature  BLOB NOT NULL,
  created_at TEXT NOT NULL,
  commit_seq INTEGER NOT NULL,
  PRIMARY KEY (cell_id, seq)
);`,
		`CREATE TABLE IF NOT EXISTS trigger_queue (
  id           TEXT PRIMARY KEY,
  cell_id      TEXT NOT NULL,
  kind         TEXT NOT NULL,
  subject      TEXT NOT NULL,
  payload      JSON,
  status       TEXT NOT NULL,
  attempt      INTEGER NOT NULL DEFAULT 0,
  commit_seq   INTEGER NOT NULL,
  created_at   TEXT NOT NULL,
  started_at   TEXT,
  completed_at TEXT,
  last_error   TEXT
);`,
		`CREATE TABLE IF NOT EXISTS trigger_log (
  id           TEXT PRIMARY KEY,
  cell_id      TEXT NOT NULL,
  kind         TEXT NOT NULL,
  subject      TEXT NOT NULL,
  status       TEXT NOT NULL,
  attempt      INTEGER NOT NULL,
  created_at   TEXT NOT NULL,
  completed_at TEXT NOT NULL,
  last_error   TEXT
);`,
		`CREATE INDEX IF NOT EXISTS chain_cell_address_idx ON chain(cell_id, address);`,
		`CREATE INDEX IF NOT EXISTS chain_cell_type_idx ON chain(cell_id, entry_type, commit_seq);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS trigger_queue_pending_subject_idx ON trigger_queue(cell_id, kind, subject) WHERE status = 'pending';`,
		`CREATE INDEX IF NOT EXISTS trigger_queue_status_cell_idx ON trigger_queue(status, cell_id, commit_seq);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
