// Package backend opens database connections for the persistence runtime
// and hides the differences between supported SQL dialects.
//
// A DB is a pool. Each session takes one dedicated Conn from it for all of
// its statements and transactions; cursors take their own Conn so they can
// stream rows while the session keeps writing.
package backend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sethvargo/go-retry"
)

// Config selects and tunes a database.
type Config struct {
	// Dialect names the dialect ("sqlite3" or "duckdb"); empty selects SQLite.
	Dialect string

	// DSN is the driver data source: a file path for SQLite and DuckDB.
	DSN string

	// Options are appended to the DSN as query parameters.
	Options map[string]string

	// MaxOpenConns bounds the pool. It must leave room for cursors next to
	// the session connection; values below 2 are raised to 2.
	MaxOpenConns int

	// ConnectRetries is the number of ping retries after the first attempt.
	ConnectRetries uint64

	// RetryBase is the first backoff interval between ping attempts.
	RetryBase time.Duration
}

const (
	defaultMaxOpenConns = 4
	defaultRetryBase    = 100 * time.Millisecond
)

// DB is an open connection pool with its dialect.
type DB struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open opens the database described by cfg and verifies it answers,
// retrying the ping with Fibonacci backoff.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialect, err := LookupDialect(cfg.Dialect)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.Driver, dialect.DSN(cfg.DSN, cfg.Options))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = defaultMaxOpenConns
	}
	if maxOpen < 2 {
		maxOpen = 2
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)

	base := cfg.RetryBase
	if base <= 0 {
		base = defaultRetryBase
	}
	attempt := 0
	b := retry.WithMaxRetries(cfg.ConnectRetries, retry.NewFibonacci(base))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if err := db.PingContext(ctx); err != nil {
			logger.Debug("database ping failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("database opened", "dialect", dialect.Name, "dsn", cfg.DSN, "max_open_conns", maxOpen)
	return &DB{db: db, dialect: dialect, logger: logger}, nil
}

// Dialect returns the database's dialect.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// SQL returns the underlying pool.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Conn takes a dedicated connection from the pool.
func (d *DB) Conn(ctx context.Context) (*Conn, error) {
	c, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &Conn{conn: c, dialect: d.dialect, logger: d.logger}, nil
}

// Close closes the pool.
func (d *DB) Close() error {
	return d.db.Close()
}
