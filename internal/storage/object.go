package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/tangle/internal/errs"
	"github.com/roach88/tangle/internal/ident"
	"github.com/roach88/tangle/internal/schema"
)

// Object is an instance of a persistent class.
//
// Field values use these Go representations:
//
//	scalar          the type's Go value (int64, float64, string, ...) or nil
//	ref             *Object or nil
//	set, array,
//	iset, iarray    []*Object
//	hash            map[string]*Object
//	flat_array      []any
//
// An object is transient until inserted. A persistent object belongs to one
// Storage, which resolves its unloaded references and collections on first
// access.
type Object struct {
	class  *schema.Class
	values map[string]any
	oid    ident.OID
	owner  *Storage
}

// refProxy stands in for a reference that has not been loaded.
type refProxy struct {
	oid ident.OID
}

// collProxy stands in for a collection that has not been loaded.
type collProxy struct{}

var unloaded = &collProxy{}

// NewObject returns a transient object of class c with empty fields.
func NewObject(c *schema.Class) *Object {
	return &Object{class: c, values: make(map[string]any)}
}

// Class returns the object's concrete class.
func (o *Object) Class() *schema.Class {
	return o.class
}

func (o *Object) field(name string) (*schema.Field, error) {
	f, ok := o.class.Field(name)
	if !ok {
		return nil, errs.SchemaMismatch(o.class.Name, "no field %q", name)
	}
	return f, nil
}

// Set assigns a field. The value is checked against the field kind; scalar
// values are checked by the field's type when written.
func (o *Object) Set(name string, v any) error {
	f, err := o.field(name)
	if err != nil {
		return err
	}
	v, err = normalize(f, v)
	if err != nil {
		return err
	}
	o.values[name] = v
	return nil
}

// MustSet is Set that panics on error, for building fixtures.
func (o *Object) MustSet(name string, v any) *Object {
	if err := o.Set(name, v); err != nil {
		panic(err)
	}
	return o
}

func normalize(f *schema.Field, v any) (any, error) {
	mismatch := func() error {
		return errs.SchemaMismatch(f.Owner.Name, "field %s: %T is not a valid %s value", f.Name, v, f.Kind)
	}
	switch f.Kind {
	case schema.KindScalar:
		return v, nil
	case schema.KindRef:
		switch x := v.(type) {
		case nil:
			return nil, nil
		case *Object:
			if x == nil {
				return nil, nil
			}
			if !x.class.IsA(f.Target) {
				return nil, errs.SchemaMismatch(f.Owner.Name, "field %s: %s is not a %s", f.Name, x.class.Name, f.Target.Name)
			}
			return x, nil
		}
		return nil, mismatch()
	case schema.KindHash:
		switch x := v.(type) {
		case nil:
			return map[string]*Object{}, nil
		case map[string]*Object:
			for k, e := range x {
				if e == nil || !e.class.IsA(f.Target) {
					return nil, errs.SchemaMismatch(f.Owner.Name, "field %s: entry %q is not a %s", f.Name, k, f.Target.Name)
				}
			}
			return x, nil
		}
		return nil, mismatch()
	case schema.KindFlatArray:
		switch x := v.(type) {
		case nil:
			return []any{}, nil
		case []any:
			return x, nil
		}
		return nil, mismatch()
	default:
		switch x := v.(type) {
		case nil:
			return []*Object{}, nil
		case []*Object:
			for i, e := range x {
				if e == nil || !e.class.IsA(f.Target) {
					return nil, errs.SchemaMismatch(f.Owner.Name, "field %s: element %d is not a %s", f.Name, i, f.Target.Name)
				}
			}
			return x, nil
		}
		return nil, mismatch()
	}
}

// Get returns a field value, loading it first if it is an unresolved
// reference or collection.
func (o *Object) Get(ctx context.Context, name string) (any, error) {
	f, err := o.field(name)
	if err != nil {
		return nil, err
	}
	return o.resolve(ctx, f)
}

// Ref returns a reference field.
func (o *Object) Ref(ctx context.Context, name string) (*Object, error) {
	v, err := o.Get(ctx, name)
	if err != nil || v == nil {
		return nil, err
	}
	r, ok := v.(*Object)
	if !ok {
		return nil, errs.SchemaMismatch(o.class.Name, "field %s is not a reference", name)
	}
	return r, nil
}

// Members returns the elements of a set, array, iset or iarray field.
func (o *Object) Members(ctx context.Context, name string) ([]*Object, error) {
	v, err := o.Get(ctx, name)
	if err != nil || v == nil {
		return nil, err
	}
	m, ok := v.([]*Object)
	if !ok {
		return nil, errs.SchemaMismatch(o.class.Name, "field %s is not an object collection", name)
	}
	return m, nil
}

// Entries returns the contents of a hash field.
func (o *Object) Entries(ctx context.Context, name string) (map[string]*Object, error) {
	v, err := o.Get(ctx, name)
	if err != nil || v == nil {
		return nil, err
	}
	m, ok := v.(map[string]*Object)
	if !ok {
		return nil, errs.SchemaMismatch(o.class.Name, "field %s is not a hash", name)
	}
	return m, nil
}

// Values returns the contents of a flat_array field.
func (o *Object) Values(ctx context.Context, name string) ([]any, error) {
	v, err := o.Get(ctx, name)
	if err != nil || v == nil {
		return nil, err
	}
	m, ok := v.([]any)
	if !ok {
		return nil, errs.SchemaMismatch(o.class.Name, "field %s is not a flat array", name)
	}
	return m, nil
}

// Loaded reports whether a field's value is present without a query.
// Scalars are always loaded.
func (o *Object) Loaded(name string) bool {
	switch o.values[name].(type) {
	case *refProxy, *collProxy:
		return false
	}
	return true
}

// Scalars returns the object's scalar field values by field name.
func (o *Object) Scalars() map[string]any {
	out := make(map[string]any)
	for _, f := range o.class.AllFields() {
		if f.Kind == schema.KindScalar {
			out[f.Name] = o.values[f.Name]
		}
	}
	return out
}

// String renders the class, OID and scalar fields, e.g.
// "Person#1001{age=39 name=Homer}".
func (o *Object) String() string {
	var sb strings.Builder
	sb.WriteString(o.class.Name)
	if !o.oid.IsZero() {
		sb.WriteString("#" + o.oid.String())
	}
	scalars := o.Scalars()
	keys := make([]string, 0, len(scalars))
	for k := range scalars {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, scalars[k]))
	}
	sb.WriteString("{" + strings.Join(parts, " ") + "}")
	return sb.String()
}

func (o *Object) resolve(ctx context.Context, f *schema.Field) (any, error) {
	v := o.values[f.Name]
	switch x := v.(type) {
	case *refProxy:
		if o.owner == nil {
			return nil, errs.NotPersistent(o.class.Name, 0, "cannot load %s of a detached object", f.Name)
		}
		s := o.owner
		objs, err := s.Load(ctx, x.oid)
		if err != nil {
			return nil, err
		}
		delete(s.pinned, x.oid)
		o.values[f.Name] = objs[0]
		return objs[0], nil
	case *collProxy:
		if o.owner == nil {
			return nil, errs.NotPersistent(o.class.Name, 0, "cannot load %s of a detached object", f.Name)
		}
		c, err := o.owner.loadCollection(ctx, o, f)
		if err != nil {
			return nil, err
		}
		o.values[f.Name] = c
		return c, nil
	case nil:
		if f.Kind.IsCollection() {
			empty, _ := normalize(f, nil)
			o.values[f.Name] = empty
			return empty, nil
		}
	}
	return v, nil
}

// members lists the objects held by an object-holding field, without
// loading anything.
func members(v any) []*Object {
	switch x := v.(type) {
	case []*Object:
		return x
	case map[string]*Object:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		out := make([]*Object, len(keys))
		for i, k := range keys {
			out[i] = x[k]
		}
		return out
	}
	return nil
}
