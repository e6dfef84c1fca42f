package storage

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"runtime"
	"sync"

	"github.com/roach88/tangle/internal/backend"
	"github.com/roach88/tangle/internal/errs"
	"github.com/roach88/tangle/internal/filter"
	"github.com/roach88/tangle/internal/filtersql"
)

// cursorRows owns a cursor's connection and result set. It is kept apart
// from Cursor so the cleanup attached to a dropped Cursor can release it.
type cursorRows struct {
	conn    *backend.Conn
	rows    *sql.Rows
	logger  *slog.Logger
	untrack func(*cursorRows)

	once   sync.Once
	closed bool
	err    error
}

func (r *cursorRows) close() error {
	r.once.Do(func() {
		r.closed = true
		r.err = errors.Join(r.rows.Close(), r.conn.Close())
		r.untrack(r)
	})
	return r.err
}

// Cursor streams the results of a select one object at a time over a
// connection of its own.
//
//	cur, err := st.Cursor(ctx, people, people.Field("age").Gt(30))
//	if err != nil { ... }
//	defer cur.Close()
//	for cur.Next(ctx) {
//		p := cur.Current()
//	}
//	if err := cur.Err(); err != nil { ... }
type Cursor struct {
	s       *Storage
	res     *cursorRows
	layout  filtersql.Layout
	current *Object
	err     error
	cleanup runtime.Cleanup
}

// Cursor opens a cursor over the objects a Select with the same arguments
// would return.
func (s *Storage) Cursor(ctx context.Context, r *filter.Remote, f filter.Filter, opts ...SelectOption) (*Cursor, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	sel, err := s.compiler.Select(BuildQuery(r, f, opts...))
	if err != nil {
		return nil, err
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, errs.Backend("open cursor", err)
	}
	rows, err := conn.QueryContext(ctx, sel.SQL, sel.Params...)
	if err != nil {
		conn.Close()
		return nil, errs.Backend("open cursor", err)
	}

	res := &cursorRows{conn: conn, rows: rows, logger: s.logger, untrack: s.untrack}
	s.mu.Lock()
	s.cursors[res] = struct{}{}
	s.mu.Unlock()

	c := &Cursor{s: s, res: res, layout: sel.Layout}
	c.cleanup = runtime.AddCleanup(c, func(res *cursorRows) {
		if err := res.close(); err != nil {
			res.logger.Warn("failed to release abandoned cursor", "error", err)
			return
		}
		res.logger.Debug("released abandoned cursor")
	}, res)
	return c, nil
}

func (s *Storage) untrack(r *cursorRows) {
	s.mu.Lock()
	delete(s.cursors, r)
	s.mu.Unlock()
}

// Next advances to the next object. It returns false when the results are
// exhausted, the cursor is closed, or an error occurred; see Err.
func (c *Cursor) Next(ctx context.Context) bool {
	c.current = nil
	if c.err != nil || c.res.closed {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		c.Close()
		return false
	}
	if !c.res.rows.Next() {
		if err := c.res.rows.Err(); err != nil {
			c.err = errs.Backend("cursor", err)
		}
		c.Close()
		return false
	}
	row, err := scanRow(c.res.rows, c.layout.Width)
	if err != nil {
		c.err = errs.Backend("cursor", err)
		c.Close()
		return false
	}
	o, err := c.s.materialize(row, c.layout)
	if err != nil {
		c.err = err
		c.Close()
		return false
	}
	c.current = o
	return true
}

// Current returns the object Next advanced to, or nil.
func (c *Cursor) Current() *Object {
	return c.current
}

// Err returns the error that stopped the cursor, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Close releases the cursor's connection. Closing twice is a no-op.
func (c *Cursor) Close() error {
	c.cleanup.Stop()
	if err := c.res.close(); err != nil {
		return errs.Backend("close cursor", err)
	}
	return nil
}
