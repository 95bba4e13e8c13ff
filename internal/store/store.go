// Package store is the typed persistence layer for API keys, upstreams, and
// OAuth sessions (spec §4.A), backed by a single embedded SQLite database.
//
// Grounded on the teacher's internal/store/sqlite.go: a pure-Go SQLite
// driver, a single-connection pool (SQLite serializes writers anyway), and
// WAL journaling for reader/writer concurrency.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the embedded database and its schema migrations.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) the SQLite database at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single-writer semantics are assumed (spec §4.A); one connection avoids
	// SQLITE_BUSY races across goroutines sharing *sql.DB.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	pragmas := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA synchronous = NORMAL`,
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive (spec §6 GET /health).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = fmt.Errorf("not found")
