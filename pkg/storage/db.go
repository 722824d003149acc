package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/lib/pq"              // registers the "postgres" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver
)

// Dialect identifies the SQL flavour behind a connection
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Config holds database connection settings
type Config struct {
	// Driver is one of postgres, pgx or sqlite3
	Driver       string        `yaml:"driver"`
	URL          string        `yaml:"url"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	MaxLifetime  time.Duration `yaml:"max_lifetime"`
	MaxIdleTime  time.Duration `yaml:"max_idle_time"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`
}

// DefaultConfig returns connection settings suitable for a single API instance
func DefaultConfig() Config {
	return Config{
		Driver:       "postgres",
		URL:          "postgres://localhost/porter?sslmode=disable",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		MaxLifetime:  30 * time.Minute,
		MaxIdleTime:  5 * time.Minute,
		PingTimeout:  5 * time.Second,
	}
}

// Dialect returns the SQL dialect spoken by the configured driver
func (c Config) Dialect() Dialect {
	if c.Driver == "sqlite3" {
		return DialectSQLite
	}
	return DialectPostgres
}

// Validate checks that the driver is supported and a URL is present
func (c Config) Validate() error {
	switch c.Driver {
	case "postgres", "pgx", "sqlite3":
	default:
		return fmt.Errorf("unsupported database driver %q (must be postgres, pgx or sqlite3)", c.Driver)
	}
	if c.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	return nil
}

// Open opens a connection pool and verifies it with a ping
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Dialect() == DialectSQLite {
		// an in-memory database lives and dies with its connection
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	db.SetConnMaxIdleTime(cfg.MaxIdleTime)

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
