// Package pgstore is the PersistentStore collaborator: typed accessors for
// users, API-key credentials, and sandbox records, backed by Postgres via
// database/sql and lib/pq. Schema DDL/migrations are out of scope (spec.md
// §1); Open assumes the schema already exists.
package pgstore

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Store wraps a *sql.DB with the typed accessors the control plane needs.
type Store struct {
	*sql.DB
}

// Open connects to Postgres and verifies connectivity with a Ping.
func Open(databaseURL string) (*Store, error) {
	sqlDB, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{DB: sqlDB}, nil
}

// Healthy reports whether the store can still reach Postgres, used by the
// /health endpoint's per-dependency breakdown.
func (s *Store) Healthy() bool {
	return s.DB.Ping() == nil
}
