package filtersql

import (
	"strconv"
	"strings"

	"github.com/roach88/tangle/internal/errs"
	"github.com/roach88/tangle/internal/filter"
	"github.com/roach88/tangle/internal/ident"
	"github.com/roach88/tangle/internal/schema"
)

// ObjectResolver maps a live object used as a constant to its OID. It
// reports ok=false for values that are not objects, and an error for
// objects that are not persistent.
type ObjectResolver func(v any) (oid ident.OID, ok bool, err error)

// Compiler lowers filter trees to SQL for one schema.
// A Compiler is stateless and safe for concurrent use.
type Compiler struct {
	reg     *schema.Registry
	resolve ObjectResolver
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithObjectResolver lets constants be live objects.
func WithObjectResolver(fn ObjectResolver) Option {
	return func(c *Compiler) {
		c.resolve = fn
	}
}

// New creates a Compiler for reg.
func New(reg *schema.Registry, opts ...Option) *Compiler {
	c := &Compiler{reg: reg}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Statement is compiled SQL with its bind parameters in placeholder order.
type Statement struct {
	SQL    string
	Params []any
}

// Query describes an object select.
type Query struct {
	// Remote is the result remote: the objects returned.
	Remote *filter.Remote

	// Filter restricts the result; nil selects every object of the class.
	Filter filter.Filter

	// Order lists sort expressions; Desc reverses all of them.
	Order []filter.Expr
	Desc  bool

	// Limit and Offset page the result; zero means unbounded.
	Limit  int
	Offset int

	Distinct bool

	// Outer lists remotes reached through a LEFT JOIN instead of an inner
	// join. Remotes that appear only in OuterFilter are outer too.
	Outer []*filter.Remote

	// OuterFilter is the ON condition of the outer join.
	OuterFilter filter.Filter
}

// Column positions shared by every object select.
const (
	IDIndex   = 0
	TypeIndex = 1
)

// Slot locates one field's columns in a selected row.
type Slot struct {
	Field  *schema.Field
	Offset int
	Width  int
}

// Layout describes the columns of an object select: the OID, the concrete
// class id, then the columns of every field of every load table.
type Layout struct {
	Class *schema.Class
	Slots []Slot
	Width int
}

// Selection is a compiled object select.
type Selection struct {
	Statement
	Layout Layout
}

// Fragment is the compiled form of a filter over a set of remotes: the
// FROM clause body (tables and joins) and the WHERE predicate.
type Fragment struct {
	Tables string
	Where  string
	Params []any
}

// noLimit stands in for a missing LIMIT when OFFSET is set.
const noLimit = "9223372036854775807"

// Select compiles an object select.
func (c *Compiler) Select(q Query) (*Selection, error) {
	s, result, where, err := c.prepare(q, true)
	if err != nil {
		return nil, err
	}

	var cols []string
	var params []any
	layout := Layout{Class: q.Remote.Class}

	cols = append(cols, result.own()+"."+schema.IDColumn)
	rootAlias, err := result.alias(q.Remote.Class.Root())
	if err != nil {
		return nil, err
	}
	cols = append(cols, rootAlias+"."+schema.TypeColumn)
	for _, k := range q.Remote.Class.LoadTables() {
		alias, err := result.alias(k)
		if err != nil {
			return nil, err
		}
		for _, f := range k.Fields {
			fc := f.Columns()
			if len(fc) == 0 {
				continue
			}
			layout.Slots = append(layout.Slots, Slot{Field: f, Offset: len(cols), Width: len(fc)})
			for _, col := range fc {
				cols = append(cols, alias+"."+col.Name)
			}
		}
	}
	layout.Width = len(cols)

	var order []string
	dir := " ASC"
	if q.Desc {
		dir = " DESC"
	}
	for _, e := range q.Order {
		sql, p, err := s.expr(e, s.hintOf(e))
		if err != nil {
			return nil, err
		}
		order = append(order, sql+dir)
		params = append(params, p...)
	}
	order = append(order, result.own()+"."+schema.IDColumn+" ASC")

	var sb strings.Builder
	sb.WriteString("SELECT ")
	if q.Distinct {
		sb.WriteString("DISTINCT ")
	}
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(s.from(where.on))
	if where.sql != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where.sql)
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(strings.Join(order, ", "))
	writeLimit(&sb, q.Limit, q.Offset)

	all := append(append(where.onParams, where.params...), params...)
	return &Selection{
		Statement: Statement{SQL: sb.String(), Params: all},
		Layout:    layout,
	}, nil
}

// IDs compiles a select of the matching objects' OIDs, unordered, for use
// as a subquery.
func (c *Compiler) IDs(q Query) (Statement, error) {
	s, result, where, err := c.prepare(q, false)
	if err != nil {
		return Statement{}, err
	}
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if q.Distinct {
		sb.WriteString("DISTINCT ")
	}
	sb.WriteString(result.own() + "." + schema.IDColumn)
	sb.WriteString(" FROM ")
	sb.WriteString(s.from(where.on))
	if where.sql != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where.sql)
	}
	writeLimit(&sb, q.Limit, q.Offset)
	return Statement{SQL: sb.String(), Params: append(where.onParams, where.params...)}, nil
}

// AggregateFunc names a SQL aggregate.
type AggregateFunc string

const (
	Count AggregateFunc = "COUNT"
	Sum   AggregateFunc = "SUM"
)

// Aggregate compiles fn(e) over the rows matching f. A nil e counts rows.
func (c *Compiler) Aggregate(fn AggregateFunc, e filter.Expr, f filter.Filter, distinct bool) (Statement, error) {
	if fn != Count && fn != Sum {
		return Statement{}, errs.QueryCompile("unsupported aggregate %q", fn)
	}
	if e == nil && fn != Count {
		return Statement{}, errs.QueryCompile("%s needs an expression", fn)
	}

	var col filter.Collector
	col.Expr(e)
	col.Filter(f)
	if len(col.Remotes()) == 0 {
		return Statement{}, errs.QueryCompile("aggregate references no remote")
	}
	s := newScope(c)
	for _, r := range col.Remotes() {
		if _, err := s.register(r, false); err != nil {
			return Statement{}, err
		}
	}

	arg := "*"
	var params []any
	if e != nil {
		sql, p, err := s.expr(e, s.hintOf(e))
		if err != nil {
			return Statement{}, err
		}
		arg, params = sql, p
		if distinct {
			arg = "DISTINCT " + arg
		}
	}
	var where string
	if f != nil {
		sql, p, err := s.filter(f, true)
		if err != nil {
			return Statement{}, err
		}
		where = sql
		params = append(params, p...)
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + string(fn) + "(" + arg + ") FROM " + s.from(""))
	if where != "" {
		sb.WriteString(" WHERE " + where)
	}
	return Statement{SQL: sb.String(), Params: params}, nil
}

// Where compiles f against exactly the given remotes, which get aliases in
// the order listed. Referencing any other remote is a compile error.
func (c *Compiler) Where(remotes []*filter.Remote, f filter.Filter) (Fragment, error) {
	s := newScope(c)
	for _, r := range remotes {
		if _, err := s.register(r, false); err != nil {
			return Fragment{}, err
		}
	}
	s.strict = true
	var frag Fragment
	if f != nil {
		sql, params, err := s.filter(f, true)
		if err != nil {
			return Fragment{}, err
		}
		frag.Where, frag.Params = sql, params
	}
	frag.Tables = s.from("")
	return frag, nil
}

type whereClause struct {
	sql      string
	params   []any
	on       string
	onParams []any
}

// prepare registers the query's remotes and compiles its predicates.
func (c *Compiler) prepare(q Query, all bool) (*scope, *binding, whereClause, error) {
	var w whereClause
	if q.Remote == nil {
		return nil, nil, w, errs.QueryCompile("select without a result remote")
	}
	s := newScope(c)
	result, err := s.register(q.Remote, false)
	if err != nil {
		return nil, nil, w, err
	}
	result.all = all

	for _, r := range q.Outer {
		if r == q.Remote {
			return nil, nil, w, errs.QueryCompile("the result remote cannot be outer")
		}
		if _, err := s.register(r, true); err != nil {
			return nil, nil, w, err
		}
	}
	var col filter.Collector
	col.Filter(q.Filter)
	for _, e := range q.Order {
		col.Expr(e)
	}
	for _, r := range col.Remotes() {
		if _, err := s.register(r, false); err != nil {
			return nil, nil, w, err
		}
	}
	for _, r := range filter.Remotes(q.OuterFilter) {
		if _, err := s.register(r, true); err != nil {
			return nil, nil, w, err
		}
	}

	filterTree := q.Filter
	if q.OuterFilter != nil {
		if s.hasOuter() {
			w.on, w.onParams, err = s.filter(q.OuterFilter, true)
			if err != nil {
				return nil, nil, w, err
			}
		} else {
			filterTree = filter.And(filterTree, q.OuterFilter)
		}
	}
	if filterTree != nil {
		w.sql, w.params, err = s.filter(filterTree, true)
		if err != nil {
			return nil, nil, w, err
		}
	}
	return s, result, w, nil
}

func writeLimit(sb *strings.Builder, limit, offset int) {
	switch {
	case limit > 0:
		sb.WriteString(" LIMIT " + strconv.Itoa(limit))
	case offset > 0:
		sb.WriteString(" LIMIT " + noLimit)
	}
	if offset > 0 {
		sb.WriteString(" OFFSET " + strconv.Itoa(offset))
	}
}
