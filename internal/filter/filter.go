package filter

import (
	"fmt"

	"github.com/roach88/tangle/internal/schema"
)

// Expr is a value computed in the database.
type Expr interface {
	exprNode()
}

// Filter is a boolean predicate over Exprs.
type Filter interface {
	filterNode()
}

// Remote is a placeholder for an object of Class stored in the database.
// Remotes are compared by pointer.
type Remote struct {
	Class *schema.Class
}

// NewRemote returns a fresh placeholder for class c.
func NewRemote(c *schema.Class) *Remote {
	return &Remote{Class: c}
}

func (*Remote) exprNode() {}

// Field returns an expression for the named field of the remote object.
// The name is resolved against the class at compile time.
func (r *Remote) Field(name string) *Field {
	return &Field{Remote: r, Name: name}
}

// Is builds a filter matching when the remote is the given object or remote.
func (r *Remote) Is(v any) Filter {
	return Eq(r, v)
}

// IsA builds a class test: the remote's concrete class is c or derives
// from c.
func (r *Remote) IsA(c *schema.Class) Filter {
	return IsA(r, c)
}

func (r *Remote) String() string {
	if r.Class == nil {
		return "remote(?)"
	}
	return "remote(" + r.Class.Name + ")"
}

// Field is a field of a remote object.
type Field struct {
	Remote *Remote
	Name   string
}

func (*Field) exprNode() {}

func (f *Field) Eq(v any) Filter            { return Eq(f, v) }
func (f *Field) Ne(v any) Filter            { return Ne(f, v) }
func (f *Field) Lt(v any) Filter            { return Lt(f, v) }
func (f *Field) Le(v any) Filter            { return Le(f, v) }
func (f *Field) Gt(v any) Filter            { return Gt(f, v) }
func (f *Field) Ge(v any) Filter            { return Ge(f, v) }
func (f *Field) Like(pattern string) Filter { return Like(f, pattern) }
func (f *Field) In(vals ...any) Filter      { return In(f, vals...) }
func (f *Field) IsNull() Filter             { return IsNull(f) }
func (f *Field) NotNull() Filter            { return NotNull(f) }

// Includes builds a membership test on a collection field. item is a
// Remote, a live object, or (for flat arrays) a scalar value.
func (f *Field) Includes(item any) Filter {
	return &Membership{Collection: f, Item: Operand(item)}
}

func (f *Field) String() string {
	return fmt.Sprintf("%s.%s", f.Remote, f.Name)
}

// Const is a literal value: a scalar, an OID, or a live object. It is
// encoded by the type handler of the field it is compared with.
type Const struct {
	Value any
}

func (*Const) exprNode() {}

// ArithOp is an arithmetic operator.
type ArithOp string

const (
	OpAdd ArithOp = "+"
	OpSub ArithOp = "-"
	OpMul ArithOp = "*"
	OpDiv ArithOp = "/"
)

// Arith is a binary arithmetic expression.
type Arith struct {
	Op    ArithOp
	Left  Expr
	Right Expr
}

func (*Arith) exprNode() {}

func Add(a, b any) Expr { return &Arith{Op: OpAdd, Left: Operand(a), Right: Operand(b)} }
func Sub(a, b any) Expr { return &Arith{Op: OpSub, Left: Operand(a), Right: Operand(b)} }
func Mul(a, b any) Expr { return &Arith{Op: OpMul, Left: Operand(a), Right: Operand(b)} }
func Div(a, b any) Expr { return &Arith{Op: OpDiv, Left: Operand(a), Right: Operand(b)} }

// Operand lifts v into an Expr. Exprs are returned unchanged; anything else
// becomes a Const.
func Operand(v any) Expr {
	if e, ok := v.(Expr); ok {
		return e
	}
	return &Const{Value: v}
}

// CompareOp is a comparison operator.
type CompareOp string

const (
	OpEq   CompareOp = "="
	OpNe   CompareOp = "<>"
	OpLt   CompareOp = "<"
	OpLe   CompareOp = "<="
	OpGt   CompareOp = ">"
	OpGe   CompareOp = ">="
	OpLike CompareOp = "LIKE"
)

// Compare compares two expressions. Comparing with a nil Const under OpEq
// or OpNe tests for NULL.
type Compare struct {
	Op    CompareOp
	Left  Expr
	Right Expr
}

func (*Compare) filterNode() {}

func Eq(a, b any) Filter { return compare(OpEq, a, b) }
func Ne(a, b any) Filter { return compare(OpNe, a, b) }
func Lt(a, b any) Filter { return compare(OpLt, a, b) }
func Le(a, b any) Filter { return compare(OpLe, a, b) }
func Gt(a, b any) Filter { return compare(OpGt, a, b) }
func Ge(a, b any) Filter { return compare(OpGe, a, b) }

// Like matches e against a SQL LIKE pattern.
func Like(e any, pattern string) Filter { return compare(OpLike, e, pattern) }

func compare(op CompareOp, a, b any) Filter {
	return &Compare{Op: op, Left: Operand(a), Right: Operand(b)}
}

// Null tests an expression for NULL, or for non-NULL when Negate is set.
type Null struct {
	Expr   Expr
	Negate bool
}

func (*Null) filterNode() {}

func IsNull(e any) Filter  { return &Null{Expr: Operand(e)} }
func NotNull(e any) Filter { return &Null{Expr: Operand(e), Negate: true} }

// InSet matches when Expr equals one of Values. An empty set matches
// nothing.
type InSet struct {
	Expr   Expr
	Values []Expr
}

func (*InSet) filterNode() {}

// In builds an IN-list test.
func In(e any, vals ...any) Filter {
	set := &InSet{Expr: Operand(e), Values: make([]Expr, len(vals))}
	for i, v := range vals {
		set.Values[i] = Operand(v)
	}
	return set
}

// Membership matches when Item is an element of the Collection field.
type Membership struct {
	Collection *Field
	Item       Expr
}

func (*Membership) filterNode() {}

// ClassTest matches when Remote's concrete class is Class or one of its
// descendants.
type ClassTest struct {
	Remote *Remote
	Class  *schema.Class
}

func (*ClassTest) filterNode() {}

// IsA builds a class test.
func IsA(r *Remote, c *schema.Class) Filter {
	return &ClassTest{Remote: r, Class: c}
}

// LogicalOp combines filters.
type LogicalOp string

const (
	OpAnd LogicalOp = "AND"
	OpOr  LogicalOp = "OR"
)

// Logical is a conjunction or disjunction of two or more terms.
type Logical struct {
	Op    LogicalOp
	Terms []Filter
}

func (*Logical) filterNode() {}

// And conjoins filters. Nil terms are ignored and nested conjunctions are
// flattened; And of a single filter is that filter, and And of nothing is
// nil (no restriction).
func And(terms ...Filter) Filter { return combine(OpAnd, terms) }

// Or disjoins filters with the same flattening rules as And.
func Or(terms ...Filter) Filter { return combine(OpOr, terms) }

func combine(op LogicalOp, terms []Filter) Filter {
	var flat []Filter
	for _, t := range terms {
		switch x := t.(type) {
		case nil:
		case *Logical:
			if x.Op == op {
				flat = append(flat, x.Terms...)
			} else {
				flat = append(flat, x)
			}
		default:
			flat = append(flat, x)
		}
	}
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	}
	return &Logical{Op: op, Terms: flat}
}

// Negation inverts a filter.
type Negation struct {
	Term Filter
}

func (*Negation) filterNode() {}

// Not negates f. Double negation cancels; Not(nil) is nil.
func Not(f Filter) Filter {
	switch x := f.(type) {
	case nil:
		return nil
	case *Negation:
		return x.Term
	}
	return &Negation{Term: f}
}
