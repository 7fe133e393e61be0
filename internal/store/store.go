// Package store persists memory records in a local SQLite file and maintains
// a sqlite-vec cosine ANN index over their embeddings. The index is an
// optimization, never authoritative: every query produces the same result set
// whether the index is used or a full scan is.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"
)

const (
	openAttempts    = 5
	openBackoffBase = 3 * time.Second
)

func init() {
	// Register sqlite-vec for every connection opened by this process.
	sqlite_vec.Auto()
}

// Store is the single local analytical store: record rows, entity rows, the
// auxiliary tables, and the ANN index all live in one SQLite file.
type Store struct {
	db   *sql.DB
	path string

	// hasIndex tracks whether the vec0 table currently exists. Only the
	// rebuild/compact paths write it; with a single writer connection the
	// simple bool is sufficient.
	hasIndex atomic.Bool
}

// Open opens (creating if needed) the database at path, applies the schema
// idempotently, and rebuilds the ANN index from embedded rows. The file lock
// being held by another process is retried with linear backoff (base 3s x
// attempt, 5 attempts) before ErrUnavailable is returned.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer connection keeps write statements serialized; readers
	// share it through database/sql's internal locking.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.probeLock(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.applySchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := s.RebuildIndex(ctx); err != nil {
		log.Warn("ANN index rebuild failed at startup; falling back to full scans", "err", err)
	}
	return s, nil
}

// probeLock verifies the file lock is obtainable, retrying while another
// process holds it.
func (s *Store) probeLock(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= openAttempts; attempt++ {
		_, err := s.db.ExecContext(ctx, "BEGIN IMMEDIATE; COMMIT;")
		if err == nil {
			return nil
		}
		lastErr = err
		if !isLocked(err) {
			return fmt.Errorf("probe database: %w", err)
		}
		log.Warn("Database locked by another process; retrying",
			"attempt", attempt, "of", openAttempts, "path", s.path)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(openBackoffBase * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func isLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

const schema = `
CREATE TABLE IF NOT EXISTS memory (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL DEFAULT 'default_user',
	type           TEXT NOT NULL DEFAULT 'user_memory',
	source_text    TEXT NOT NULL,
	metadata       TEXT,
	screenshot     TEXT,
	extracted_text TEXT,
	embedding      BLOB,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_user ON memory(user_id);
CREATE INDEX IF NOT EXISTS idx_memory_type ON memory(type);
CREATE INDEX IF NOT EXISTS idx_memory_created ON memory(created_at);
CREATE INDEX IF NOT EXISTS idx_memory_user_created ON memory(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_memory_user_type ON memory(user_id, type);
CREATE INDEX IF NOT EXISTS idx_memory_user_type_created ON memory(user_id, type, created_at DESC);

CREATE TABLE IF NOT EXISTS memory_entities (
	id               TEXT PRIMARY KEY,
	memory_id        TEXT NOT NULL REFERENCES memory(id) ON DELETE CASCADE,
	entity           TEXT NOT NULL,
	type             TEXT NOT NULL,
	entity_type      TEXT NOT NULL,
	normalized_value TEXT NOT NULL,
	created_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_memory ON memory_entities(memory_id);
CREATE INDEX IF NOT EXISTS idx_entities_entity ON memory_entities(entity);
CREATE INDEX IF NOT EXISTS idx_entities_type ON memory_entities(type);
CREATE INDEX IF NOT EXISTS idx_entities_entity_type ON memory_entities(entity_type);

CREATE TABLE IF NOT EXISTS skill_prompts (
	id          TEXT PRIMARY KEY,
	tags        TEXT NOT NULL,
	prompt_text TEXT NOT NULL,
	embedding   BLOB,
	hit_count   INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS context_rules (
	id           TEXT PRIMARY KEY,
	context_type TEXT NOT NULL CHECK (context_type IN ('site','app')),
	context_key  TEXT NOT NULL,
	rule_text    TEXT NOT NULL,
	category     TEXT,
	source       TEXT,
	hit_count    INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL,
	UNIQUE (context_type, context_key, rule_text)
);
CREATE INDEX IF NOT EXISTS idx_context_rules_key ON context_rules(context_type, context_key);

CREATE TABLE IF NOT EXISTS installed_skills (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	description TEXT,
	contract_md TEXT,
	exec_path   TEXT NOT NULL,
	exec_type   TEXT NOT NULL CHECK (exec_type IN ('node','shell')),
	enabled     INTEGER NOT NULL DEFAULT 1,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
`

// applySchema creates all tables and secondary indexes idempotently.
func (s *Store) applySchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Checkpoint forces a WAL checkpoint so the main database file is current.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Close checkpoints and closes the database.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Checkpoint(ctx); err != nil {
		log.Warn("WAL checkpoint on close failed", "err", err)
	}
	return s.db.Close()
}

// wrapDB classifies database errors for the route layer.
func wrapDB(op string, err error) error {
	if err == nil {
		return nil
	}
	if isLocked(err) {
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}
