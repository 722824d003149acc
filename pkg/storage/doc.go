// Package storage holds the relational plumbing shared by the porter packages.
//
// # Drivers
//
// Open accepts three database/sql drivers:
//
//   - postgres: github.com/lib/pq, the default for deployments
//   - pgx: github.com/jackc/pgx/v5/stdlib, for clusters that need pgx connection handling
//   - sqlite3: github.com/mattn/go-sqlite3, for local development and tests
//
// All SQL in porter uses $N placeholders and ON CONFLICT upserts, which the three drivers
// accept unchanged. SQLite numbers $N parameters by first appearance, so every statement
// introduces $1, $2, ... in ascending order; a placeholder may be repeated later.
//
// # Transactions
//
// DBTX is the subset of *sql.DB and *sql.Tx that stores need, so one query helper works
// inside and outside a transaction. WithTx runs a function in a transaction and rolls back
// on any error.
//
// # Schema
//
// Migrate applies the versioned schema and records each version in schema_migrations.
// Statements that differ by dialect (triggers) are kept per dialect on the migration.
package storage
