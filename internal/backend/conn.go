package backend

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
)

// ErrNoTx is returned by Commit and Rollback when no transaction is open.
var ErrNoTx = errors.New("no transaction in progress")

// Querier runs statements. Both Conn and *sql.DB satisfy it.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Conn is one dedicated connection. While a transaction is open every
// statement runs inside it.
//
// A Conn is not safe for concurrent use.
type Conn struct {
	conn    *sql.Conn
	tx      *sql.Tx
	dialect Dialect
	logger  *slog.Logger
}

// Dialect returns the connection's dialect.
func (c *Conn) Dialect() Dialect {
	return c.dialect
}

// InTx reports whether a transaction is open.
func (c *Conn) InTx() bool {
	return c.tx != nil
}

// Begin opens a transaction.
func (c *Conn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return errors.New("transaction already in progress")
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

// Commit commits the open transaction.
func (c *Conn) Commit() error {
	if c.tx == nil {
		return ErrNoTx
	}
	tx := c.tx
	c.tx = nil
	return tx.Commit()
}

// Rollback rolls back the open transaction.
func (c *Conn) Rollback() error {
	if c.tx == nil {
		return ErrNoTx
	}
	tx := c.tx
	c.tx = nil
	return tx.Rollback()
}

func (c *Conn) querier() Querier {
	if c.tx != nil {
		return c.tx
	}
	return c.conn
}

// ExecContext runs a statement that returns no rows.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.logger.Debug("exec", "stmt", query, "params", args)
	return c.querier().ExecContext(ctx, query, args...)
}

// QueryContext runs a query.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	c.logger.Debug("query", "stmt", query, "params", args)
	return c.querier().QueryContext(ctx, query, args...)
}

// QueryRowContext runs a query expected to return at most one row.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	c.logger.Debug("query", "stmt", query, "params", args)
	return c.querier().QueryRowContext(ctx, query, args...)
}

// Close rolls back any open transaction and returns the connection to the
// pool.
func (c *Conn) Close() error {
	var rbErr error
	if c.tx != nil {
		rbErr = c.Rollback()
	}
	return errors.Join(rbErr, c.conn.Close())
}
