// Package storagetest provides migrated databases for package tests.
package storagetest

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/platinummonkey/porter/pkg/storage"
)

// NewSQLite returns an in-memory SQLite database with the full porter schema applied.
// The pool is pinned to one connection because the database only exists on it.
func NewSQLite(t *testing.T) *sql.DB {
	t.Helper()

	cfg := storage.Config{
		Driver: "sqlite3",
		URL:    ":memory:?_foreign_keys=1",
	}
	db, err := storage.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := storage.Migrate(context.Background(), db, storage.DialectSQLite); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return db
}

// SkipIfNoDatabase skips the test if TEST_POSTGRES_URL is not set and returns it otherwise
func SkipIfNoDatabase(t *testing.T) string {
	t.Helper()

	dbURL := os.Getenv("TEST_POSTGRES_URL")
	if dbURL == "" {
		t.Skip("Skipping test: TEST_POSTGRES_URL environment variable not set (database not available)")
	}
	return dbURL
}
