// Package txn multiplexes nested caller transactions onto one backend
// transaction.
//
// The Coordinator keeps a depth counter. The backend transaction begins when
// depth goes from 0 to 1 and commits when the outermost Commit brings depth
// back to 0. Rollback at any depth rolls back the whole backend transaction
// and resets depth to 0: an inner rollback aborts the entire unit.
//
// On backends without transactions the Coordinator serializes instead. The
// outermost Start acquires a lock (which may be shared by several
// coordinators) and the outermost Commit or Rollback releases it. Rollback
// cannot undo anything in that mode; it only logs a warning.
// Transactional reports which mode is in effect.
//
// A Coordinator belongs to one session and is not safe for concurrent use.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/tangle/internal/errs"
)

// Backend is the transaction capability of a connection.
type Backend interface {
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error
}

// Stats counts backend-level transaction events.
type Stats struct {
	Begins    int
	Commits   int
	Rollbacks int
}

// Coordinator tracks transaction nesting for one session.
type Coordinator struct {
	backend  Backend
	lock     *semaphore.Weighted
	logger   *slog.Logger
	onFinish []func(committed bool)

	depth int
	held  bool
	stats Stats
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithSerialLock switches the Coordinator to serialized mode using lock,
// which should have a weight of 1. Coordinators sharing a lock exclude each
// other's transactions. A nil lock creates a private one.
func WithSerialLock(lock *semaphore.Weighted) Option {
	return func(c *Coordinator) {
		if lock == nil {
			lock = semaphore.NewWeighted(1)
		}
		c.lock = lock
	}
}

// OnFinish registers fn to run after the outermost transaction ends, with
// committed reporting whether it committed.
func OnFinish(fn func(committed bool)) Option {
	return func(c *Coordinator) {
		c.onFinish = append(c.onFinish, fn)
	}
}

// New creates a Coordinator over backend. In serialized mode backend may be
// nil.
func New(backend Backend, opts ...Option) *Coordinator {
	c := &Coordinator{backend: backend, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transactional reports whether rollback undoes writes.
func (c *Coordinator) Transactional() bool {
	return c.lock == nil
}

// Depth returns the current nesting depth.
func (c *Coordinator) Depth() int {
	return c.depth
}

// Active reports whether a transaction is open.
func (c *Coordinator) Active() bool {
	return c.depth > 0
}

// Stats returns the backend-level counters.
func (c *Coordinator) Stats() Stats {
	return c.stats
}

// Start opens a transaction, or nests inside the open one.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.depth == 0 {
		if c.lock != nil {
			if err := c.lock.Acquire(ctx, 1); err != nil {
				return fmt.Errorf("acquire serial lock: %w", err)
			}
			c.held = true
		} else if err := c.backend.Begin(ctx); err != nil {
			return errs.Backend("begin", err)
		}
		c.stats.Begins++
		c.logger.Debug("transaction started", "transactional", c.Transactional())
	}
	c.depth++
	return nil
}

// Commit closes one nesting level, committing the backend transaction when
// the outermost level closes.
func (c *Coordinator) Commit() error {
	if c.depth == 0 {
		return errs.TransactionMisuse("commit without an open transaction")
	}
	c.depth--
	if c.depth > 0 {
		return nil
	}

	var err error
	if c.lock == nil {
		err = errs.Backend("commit", c.backend.Commit())
	}
	c.release()
	if err != nil {
		c.finish(false)
		return err
	}
	c.stats.Commits++
	c.logger.Debug("transaction committed")
	c.finish(true)
	return nil
}

// Rollback aborts the whole transaction, whatever the depth.
func (c *Coordinator) Rollback() error {
	if c.depth == 0 {
		return errs.TransactionMisuse("rollback without an open transaction")
	}
	c.depth = 0

	var err error
	if c.lock == nil {
		err = errs.Backend("rollback", c.backend.Rollback())
	} else {
		c.logger.Warn("rollback requested on a backend without transactions: writes are kept")
	}
	c.release()
	c.stats.Rollbacks++
	c.logger.Debug("transaction rolled back")
	c.finish(false)
	return err
}

func (c *Coordinator) release() {
	if c.held {
		c.held = false
		c.lock.Release(1)
	}
}

func (c *Coordinator) finish(committed bool) {
	for _, fn := range c.onFinish {
		fn(committed)
	}
}

// Do runs body in a transaction. See Run.
func (c *Coordinator) Do(ctx context.Context, body func(ctx context.Context) error) error {
	_, err := Run(ctx, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, body(ctx)
	})
	return err
}

// Run starts a transaction, runs body, and commits if body succeeds. If body
// fails or panics the transaction is rolled back and the failure
// propagates. The body's value is returned on success.
//
// If body already ended the transaction through an inner rollback, Run does
// not roll back again; a successful body then fails at commit with a
// TransactionMisuse error.
func Run[T any](ctx context.Context, c *Coordinator, body func(ctx context.Context) (T, error)) (result T, err error) {
	if err := c.Start(ctx); err != nil {
		return result, err
	}
	depth := c.depth

	defer func() {
		if p := recover(); p != nil {
			if c.depth >= depth {
				if rbErr := c.Rollback(); rbErr != nil {
					c.logger.Error("rollback after panic failed", "error", rbErr)
				}
			}
			panic(p)
		}
	}()

	result, err = body(ctx)
	if err != nil {
		var zero T
		if c.depth >= depth {
			if rbErr := c.Rollback(); rbErr != nil {
				return zero, errors.Join(err, rbErr)
			}
		}
		return zero, err
	}
	if err := c.Commit(); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
