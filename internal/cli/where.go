package cli

import (
	"fmt"
	"strings"

	"github.com/roach88/tangle/internal/filter"
	"github.com/roach88/tangle/internal/ident"
	"github.com/roach88/tangle/internal/schema"
)

// whereOps lists the condition operators, longest first so "<=" is not
// read as "<".
var whereOps = []string{"!=", "<=", ">=", "=", "<", ">", "~"}

// parseWhere turns conditions of the form field<op>value into one filter on
// r. Operators are = != < <= > >= and ~ (SQL LIKE). The value "null"
// with = or != tests for a missing value. The pseudo-field "id" compares
// the object's OID; reference fields take OIDs as values.
func parseWhere(r *filter.Remote, conds []string) (filter.Filter, error) {
	terms := make([]filter.Filter, 0, len(conds))
	for _, cond := range conds {
		term, err := parseCondition(r, cond)
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}
	if len(terms) == 0 {
		return nil, nil
	}
	return filter.And(terms...), nil
}

func parseCondition(r *filter.Remote, cond string) (filter.Filter, error) {
	name, op, raw, err := splitCondition(cond)
	if err != nil {
		return nil, err
	}

	if name == schema.IDColumn {
		oid, err := ident.Parse(raw)
		if err != nil {
			return nil, badArgument("condition %q: %v", cond, err)
		}
		switch op {
		case "=":
			return r.Is(oid), nil
		case "!=":
			return filter.Not(r.Is(oid)), nil
		}
		return nil, badArgument("condition %q: id supports only = and !=", cond)
	}

	f, ok := r.Class.Field(name)
	if !ok {
		return nil, badArgument("condition %q: %s has no field %q", cond, r.Class.Name, name)
	}
	field := r.Field(name)

	if raw == "null" {
		switch op {
		case "=":
			return field.IsNull(), nil
		case "!=":
			return field.NotNull(), nil
		}
	}

	if op == "~" {
		if f.Kind != schema.KindScalar {
			return nil, badArgument("condition %q: ~ needs a scalar field", cond)
		}
		return field.Like(raw), nil
	}

	value, err := parseValue(f, raw)
	if err != nil {
		return nil, badArgument("condition %q: %v", cond, err)
	}
	if f.Kind == schema.KindRef && op != "=" && op != "!=" {
		return nil, badArgument("condition %q: references support only = and !=", cond)
	}

	switch op {
	case "=":
		return field.Eq(value), nil
	case "!=":
		return field.Ne(value), nil
	case "<":
		return field.Lt(value), nil
	case "<=":
		return field.Le(value), nil
	case ">":
		return field.Gt(value), nil
	default:
		return field.Ge(value), nil
	}
}

func splitCondition(cond string) (name, op, value string, err error) {
	i := strings.IndexAny(cond, "=!<>~")
	if i <= 0 {
		return "", "", "", badArgument("condition %q: expected field<op>value", cond)
	}
	for _, candidate := range whereOps {
		if strings.HasPrefix(cond[i:], candidate) {
			return strings.TrimSpace(cond[:i]), candidate, cond[i+len(candidate):], nil
		}
	}
	return "", "", "", badArgument("condition %q: unknown operator", cond)
}

// parseValue converts command-line text into a field value: scalars through
// the field type, references as OIDs.
func parseValue(f *schema.Field, raw string) (any, error) {
	switch f.Kind {
	case schema.KindScalar:
		return f.Type.Parse(raw)
	case schema.KindRef:
		return ident.Parse(raw)
	}
	return nil, fmt.Errorf("field %s is a %s and cannot be given on the command line", f.Name, f.Kind)
}

// parseAssignments reads name=value pairs for insert. Only scalar fields
// can be assigned.
func parseAssignments(c *schema.Class, pairs []string) (map[string]any, error) {
	values := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, badArgument("assignment %q: expected field=value", pair)
		}
		f, ok := c.Field(name)
		if !ok {
			return nil, badArgument("assignment %q: %s has no field %q", pair, c.Name, name)
		}
		if f.Kind != schema.KindScalar {
			return nil, badArgument("assignment %q: only scalar fields can be set", pair)
		}
		v, err := f.Type.Parse(raw)
		if err != nil {
			return nil, badArgument("assignment %q: %v", pair, err)
		}
		values[name] = v
	}
	return values, nil
}

func badArgument(format string, args ...any) *ExitError {
	return NewExitError(ExitCommandError, fmt.Sprintf(format, args...))
}
