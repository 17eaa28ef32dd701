// Package db opens the recording database and manages its schema.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the recording database handle.
type DB struct {
	*sql.DB
}

// NewDB opens (creating if needed) the sqlite database at path and
// applies connection pragmas. Schema management is separate; see
// MigrateUp.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// Single writer; the frame loop is the only producer.
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	return &DB{sqlDB}, nil
}
