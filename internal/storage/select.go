package storage

import (
	"context"
	"math/big"
	"strconv"

	"github.com/roach88/tangle/internal/errs"
	"github.com/roach88/tangle/internal/filter"
	"github.com/roach88/tangle/internal/filtersql"
)

// SelectOption modifies a select.
type SelectOption func(*filtersql.Query)

// Order sorts by the given expressions.
func Order(exprs ...filter.Expr) SelectOption {
	return func(q *filtersql.Query) {
		q.Order = append(q.Order, exprs...)
	}
}

// Desc reverses the sort order.
func Desc() SelectOption {
	return func(q *filtersql.Query) {
		q.Desc = true
	}
}

// Limit caps the number of results.
func Limit(n int) SelectOption {
	return func(q *filtersql.Query) {
		q.Limit = n
	}
}

// Offset skips the first n results.
func Offset(n int) SelectOption {
	return func(q *filtersql.Query) {
		q.Offset = n
	}
}

// Distinct removes duplicate results.
func Distinct() SelectOption {
	return func(q *filtersql.Query) {
		q.Distinct = true
	}
}

// Outer joins the given remotes with a LEFT JOIN, so results do not
// require a match for them.
func Outer(remotes ...*filter.Remote) SelectOption {
	return func(q *filtersql.Query) {
		q.Outer = append(q.Outer, remotes...)
	}
}

// OuterFilter sets the join condition of the outer remotes.
func OuterFilter(f filter.Filter) SelectOption {
	return func(q *filtersql.Query) {
		q.OuterFilter = f
	}
}

// BuildQuery assembles the query a Select with these arguments runs.
func BuildQuery(r *filter.Remote, f filter.Filter, opts ...SelectOption) filtersql.Query {
	q := filtersql.Query{Remote: r, Filter: f}
	for _, opt := range opts {
		opt(&q)
	}
	return q
}

// Select returns the objects over r matching f. Objects already live are
// returned as they are; the rest are materialized and registered.
func (s *Storage) Select(ctx context.Context, r *filter.Remote, f filter.Filter, opts ...SelectOption) ([]*Object, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	sel, err := s.compiler.Select(BuildQuery(r, f, opts...))
	if err != nil {
		return nil, err
	}
	return s.query(ctx, sel)
}

// Explain compiles a select without running it.
func (s *Storage) Explain(r *filter.Remote, f filter.Filter, opts ...SelectOption) (filtersql.Statement, error) {
	sel, err := s.compiler.Select(BuildQuery(r, f, opts...))
	if err != nil {
		return filtersql.Statement{}, err
	}
	return sel.Statement, nil
}

// Count returns the number of rows matching f, or the number of non-null
// values of e when e is not nil.
func (s *Storage) Count(ctx context.Context, e filter.Expr, f filter.Filter) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	stmt, err := s.compiler.Aggregate(filtersql.Count, e, f, false)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.conn.QueryRowContext(ctx, stmt.SQL, stmt.Params...).Scan(&n); err != nil {
		return 0, errs.Backend("count", err)
	}
	return n, nil
}

// Sum returns the sum of e over the rows matching f; zero when none match.
func (s *Storage) Sum(ctx context.Context, e filter.Expr, f filter.Filter) (float64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	stmt, err := s.compiler.Aggregate(filtersql.Sum, e, f, false)
	if err != nil {
		return 0, err
	}
	var raw any
	if err := s.conn.QueryRowContext(ctx, stmt.SQL, stmt.Params...).Scan(&raw); err != nil {
		return 0, errs.Backend("sum", err)
	}
	return toFloat(raw)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	case *big.Int:
		f, _ := new(big.Float).SetInt(x).Float64()
		return f, nil
	case []byte:
		return strconv.ParseFloat(string(x), 64)
	case string:
		return strconv.ParseFloat(x, 64)
	}
	return 0, errs.Backend("sum", errs.SchemaMismatch("", "unexpected sum value %T", v))
}
