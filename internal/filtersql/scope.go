package filtersql

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/tangle/internal/errs"
	"github.com/roach88/tangle/internal/filter"
	"github.com/roach88/tangle/internal/ident"
	"github.com/roach88/tangle/internal/schema"
)

// binding is one remote's place in a query.
type binding struct {
	remote *filter.Remote
	n      int
	outer  bool

	// all joins every load table, not only the ones referenced.
	all  bool
	need map[*schema.Class]bool
}

func (b *binding) own() string {
	return "t" + strconv.Itoa(b.n)
}

// alias returns the alias of class c's table for this remote, marking the
// table as needed.
func (b *binding) alias(c *schema.Class) (string, error) {
	own := b.remote.Class
	if c == own {
		return b.own(), nil
	}
	k := slices.Index(own.LoadTables(), c)
	if k < 0 {
		return "", errs.QueryCompile("class %s is not reachable from %s", c.Name, own.Name)
	}
	b.need[c] = true
	return fmt.Sprintf("t%d_%d", b.n, k+1), nil
}

// tables renders the remote's table and its inheritance joins.
func (b *binding) tables() (sql string, joined bool) {
	own := b.remote.Class
	var sb strings.Builder
	sb.WriteString(own.Table)
	sb.WriteByte(' ')
	sb.WriteString(b.own())
	for k, c := range own.LoadTables() {
		if c == own || !(b.all || b.need[c]) {
			continue
		}
		join := "INNER JOIN"
		if !own.InChain(c) {
			join = "LEFT JOIN"
		}
		alias := fmt.Sprintf("t%d_%d", b.n, k+1)
		fmt.Fprintf(&sb, " %s %s %s ON %s.id = %s.id", join, c.Table, alias, alias, b.own())
		joined = true
	}
	return sb.String(), joined
}

// scope holds the state of one compilation.
type scope struct {
	c        *Compiler
	bindings []*binding
	byRemote map[*filter.Remote]*binding

	// strict rejects remotes that were not registered up front.
	strict bool
	links  int
}

func newScope(c *Compiler) *scope {
	return &scope{c: c, byRemote: make(map[*filter.Remote]*binding)}
}

func (s *scope) register(r *filter.Remote, outer bool) (*binding, error) {
	if b, ok := s.byRemote[r]; ok {
		return b, nil
	}
	if r == nil || r.Class == nil {
		return nil, errs.QueryCompile("remote without a class")
	}
	if _, err := s.c.reg.Class(r.Class.Name); err != nil {
		return nil, errs.QueryCompile("class %s is not in the schema", r.Class.Name)
	}
	b := &binding{
		remote: r,
		n:      len(s.bindings) + 1,
		outer:  outer,
		need:   make(map[*schema.Class]bool),
	}
	s.bindings = append(s.bindings, b)
	s.byRemote[r] = b
	return b, nil
}

func (s *scope) binding(r *filter.Remote) (*binding, error) {
	if r == nil {
		return nil, errs.QueryCompile("missing remote")
	}
	if b, ok := s.byRemote[r]; ok {
		return b, nil
	}
	if s.strict {
		return nil, errs.QueryCompile("%s is not among the query's remotes", r)
	}
	return s.register(r, false)
}

func (s *scope) hasOuter() bool {
	for _, b := range s.bindings {
		if b.outer {
			return true
		}
	}
	return false
}

// from renders the FROM clause body. on is the compiled outer join
// condition.
func (s *scope) from(on string) string {
	var sb strings.Builder
	var outer []string
	groupJoined := false
	for _, b := range s.bindings {
		sql, joined := b.tables()
		if b.outer {
			outer = append(outer, sql)
			groupJoined = groupJoined || joined
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(" CROSS JOIN ")
		}
		sb.WriteString(sql)
	}
	if len(outer) > 0 {
		if on == "" {
			on = "1 = 1"
		}
		group := strings.Join(outer, " CROSS JOIN ")
		if len(outer) > 1 || groupJoined {
			group = "(" + group + ")"
		}
		fmt.Fprintf(&sb, " LEFT JOIN %s ON %s", group, on)
	}
	return sb.String()
}

// field resolves a named field of a remote, searching descendants when the
// remote's class does not have it.
func (s *scope) field(f *filter.Field) (*binding, *schema.Field, error) {
	if f.Remote == nil {
		return nil, nil, errs.QueryCompile("field %q has no remote", f.Name)
	}
	b, err := s.binding(f.Remote)
	if err != nil {
		return nil, nil, err
	}
	c := f.Remote.Class
	if sf, ok := c.Field(f.Name); ok {
		return b, sf, nil
	}
	for _, d := range c.Descendants() {
		if sf, ok := d.Field(f.Name); ok {
			return b, sf, nil
		}
	}
	return nil, nil, errs.QueryCompile("class %s has no field %q", c.Name, f.Name)
}

// hint carries the type a constant is encoded with.
type hint struct {
	typ schema.Type
	ref bool
}

func (h hint) empty() bool {
	return h.typ == nil && !h.ref
}

func (s *scope) hintOf(e filter.Expr) hint {
	switch x := e.(type) {
	case *filter.Remote:
		return hint{ref: true}
	case *filter.Field:
		_, f, err := s.field(x)
		if err != nil {
			return hint{}
		}
		switch f.Kind {
		case schema.KindScalar:
			return hint{typ: f.Type}
		case schema.KindRef:
			return hint{ref: true}
		}
	case *filter.Arith:
		if h := s.hintOf(x.Left); !h.empty() {
			return h
		}
		return s.hintOf(x.Right)
	}
	return hint{}
}

func (s *scope) expr(e filter.Expr, h hint) (string, []any, error) {
	switch x := e.(type) {
	case *filter.Remote:
		b, err := s.binding(x)
		if err != nil {
			return "", nil, err
		}
		return b.own() + ".id", nil, nil

	case *filter.Field:
		b, f, err := s.field(x)
		if err != nil {
			return "", nil, err
		}
		return s.column(b, f)

	case *filter.Const:
		v, err := s.encode(x.Value, h)
		if err != nil {
			return "", nil, err
		}
		return "?", []any{v}, nil

	case *filter.Arith:
		l, lp, err := s.expr(x.Left, h)
		if err != nil {
			return "", nil, err
		}
		r, rp, err := s.expr(x.Right, h)
		if err != nil {
			return "", nil, err
		}
		return "(" + l + " " + string(x.Op) + " " + r + ")", append(lp, rp...), nil

	case nil:
		return "", nil, errs.QueryCompile("missing expression")
	default:
		return "", nil, errs.QueryCompile("unsupported expression %T", e)
	}
}

func (s *scope) column(b *binding, f *schema.Field) (string, []any, error) {
	if f.Kind.IsCollection() {
		return "", nil, errs.QueryCompile("collection field %s cannot be used as a value", f)
	}
	cols := f.Columns()
	if len(cols) != 1 {
		return "", nil, errs.QueryCompile("field %s spans %d columns and cannot be compared", f, len(cols))
	}
	alias, err := b.alias(f.Owner)
	if err != nil {
		return "", nil, err
	}
	return alias + "." + cols[0].Name, nil, nil
}

func (s *scope) encode(v any, h hint) (any, error) {
	if v == nil {
		return nil, nil
	}
	if oid, ok := v.(ident.OID); ok {
		return int64(oid), nil
	}
	if h.typ == nil && s.c.resolve != nil {
		oid, ok, err := s.c.resolve(v)
		if err != nil {
			return nil, err
		}
		if ok {
			return int64(oid), nil
		}
	}
	t := h.typ
	if h.ref {
		t = schema.IntType{}
	}
	if t == nil {
		t = defaultType(v)
		if t == nil {
			return nil, errs.QueryCompile("cannot bind constant of type %T", v)
		}
	}
	vals, err := t.Encode(v)
	if err != nil {
		return nil, errs.QueryCompile("%v", err)
	}
	if len(vals) != 1 {
		return nil, errs.QueryCompile("type %s encodes to %d columns", t.Name(), len(vals))
	}
	return vals[0], nil
}

func defaultType(v any) schema.Type {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return schema.IntType{}
	case float32, float64:
		return schema.RealType{}
	case string:
		return schema.StringType{}
	case bool:
		return schema.BoolType{}
	case time.Time:
		return schema.TimeType{}
	case uuid.UUID:
		return schema.UUIDType{}
	case []byte:
		return schema.BytesType{}
	}
	return nil
}

func isNullConst(e filter.Expr) bool {
	c, ok := e.(*filter.Const)
	return ok && c.Value == nil
}

// filter renders f. Compound filters are parenthesized unless top is set.
func (s *scope) filter(f filter.Filter, top bool) (string, []any, error) {
	switch x := f.(type) {
	case *filter.Compare:
		return s.compare(x)

	case *filter.Null:
		sql, params, err := s.expr(x.Expr, hint{})
		if err != nil {
			return "", nil, err
		}
		if x.Negate {
			return sql + " IS NOT NULL", params, nil
		}
		return sql + " IS NULL", params, nil

	case *filter.InSet:
		if len(x.Values) == 0 {
			if _, _, err := s.expr(x.Expr, hint{}); err != nil {
				return "", nil, err
			}
			return "1 = 0", nil, nil
		}
		h := s.hintOf(x.Expr)
		sql, params, err := s.expr(x.Expr, h)
		if err != nil {
			return "", nil, err
		}
		items := make([]string, len(x.Values))
		for i, v := range x.Values {
			item, p, err := s.expr(v, h)
			if err != nil {
				return "", nil, err
			}
			items[i] = item
			params = append(params, p...)
		}
		return sql + " IN (" + strings.Join(items, ", ") + ")", params, nil

	case *filter.Membership:
		return s.membership(x)

	case *filter.ClassTest:
		return s.classTest(x)

	case *filter.Logical:
		var parts []string
		var params []any
		for _, t := range x.Terms {
			sql, p, err := s.filter(t, false)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, sql)
			params = append(params, p...)
		}
		sql := strings.Join(parts, " "+string(x.Op)+" ")
		if !top && len(parts) > 1 {
			sql = "(" + sql + ")"
		}
		return sql, params, nil

	case *filter.Negation:
		sql, params, err := s.filter(x.Term, true)
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + sql + ")", params, nil

	case nil:
		return "", nil, errs.QueryCompile("missing filter")
	default:
		return "", nil, errs.QueryCompile("unsupported filter %T", f)
	}
}

func (s *scope) compare(x *filter.Compare) (string, []any, error) {
	if x.Op == filter.OpEq || x.Op == filter.OpNe {
		var e filter.Expr
		switch {
		case isNullConst(x.Right):
			e = x.Left
		case isNullConst(x.Left):
			e = x.Right
		}
		if e != nil {
			return s.filter(&filter.Null{Expr: e, Negate: x.Op == filter.OpNe}, false)
		}
	}

	h := s.hintOf(x.Left)
	if h.empty() {
		h = s.hintOf(x.Right)
	}
	if x.Op == filter.OpLike && h.ref {
		return "", nil, errs.QueryCompile("LIKE needs a scalar operand")
	}
	l, lp, err := s.expr(x.Left, h)
	if err != nil {
		return "", nil, err
	}
	r, rp, err := s.expr(x.Right, h)
	if err != nil {
		return "", nil, err
	}
	return l + " " + string(x.Op) + " " + r, append(lp, rp...), nil
}

func (s *scope) membership(x *filter.Membership) (string, []any, error) {
	if x.Collection == nil {
		return "", nil, errs.QueryCompile("membership test without a collection")
	}
	b, f, err := s.field(x.Collection)
	if err != nil {
		return "", nil, err
	}
	if !f.Kind.IsCollection() {
		return "", nil, errs.QueryCompile("field %s is not a collection", f)
	}

	s.links++
	link := "l" + strconv.Itoa(s.links)

	var table, owner, item string
	h := hint{ref: true}
	switch {
	case f.Kind.Linked():
		table, owner, item = f.Table, f.CollColumn, f.ItemColumn
	case f.Kind.Intrusive():
		table, owner, item = f.Target.Table, f.CollColumn, schema.IDColumn
	default:
		table, owner, item = f.Table, f.CollColumn, f.ItemColumn
		h = hint{typ: f.Type}
	}

	value, params, err := s.expr(x.Item, h)
	if err != nil {
		return "", nil, err
	}
	sql := fmt.Sprintf("EXISTS (SELECT 1 FROM %s %s WHERE %s.%s = %s.id AND %s.%s = %s)",
		table, link, link, owner, b.own(), link, item, value)
	return sql, params, nil
}

func (s *scope) classTest(x *filter.ClassTest) (string, []any, error) {
	if x.Class == nil {
		return "", nil, errs.QueryCompile("class test without a class")
	}
	b, err := s.binding(x.Remote)
	if err != nil {
		return "", nil, err
	}
	alias, err := b.alias(x.Remote.Class.Root())
	if err != nil {
		return "", nil, err
	}
	concrete := x.Class.Concrete()
	if len(concrete) == 0 {
		return "1 = 0", nil, nil
	}
	ids := make([]string, len(concrete))
	for i, c := range concrete {
		ids[i] = strconv.Itoa(c.ID)
	}
	return alias + "." + schema.TypeColumn + " IN (" + strings.Join(ids, ", ") + ")", nil, nil
}
