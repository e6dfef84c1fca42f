package schema

import (
	"fmt"
	"slices"

	"github.com/roach88/tangle/internal/errs"
	"github.com/roach88/tangle/internal/ident"
)

// DefaultControlTable holds the OID sequence.
const DefaultControlTable = "tangle_control"

// Spec is the declarative form of a schema.
type Spec struct {
	ControlTable string      `yaml:"control_table,omitempty" json:"control_table,omitempty"`
	Classes      []ClassSpec `yaml:"classes" json:"classes"`
}

// ClassSpec declares one class.
type ClassSpec struct {
	Name     string      `yaml:"name" json:"name"`
	ID       int         `yaml:"id,omitempty" json:"id,omitempty"`
	Bases    []string    `yaml:"bases,omitempty" json:"bases,omitempty"`
	Abstract bool        `yaml:"abstract,omitempty" json:"abstract,omitempty"`
	Table    string      `yaml:"table,omitempty" json:"table,omitempty"`
	Fields   []FieldSpec `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// FieldSpec declares one field. Type is either a scalar type name ("string",
// "int", ...) or a relation kind ("ref", "set", "array", "hash", "iset",
// "iarray", "flat_array").
type FieldSpec struct {
	Name       string `yaml:"name" json:"name"`
	Type       string `yaml:"type" json:"type"`
	Class      string `yaml:"class,omitempty" json:"class,omitempty"`
	Elem       string `yaml:"elem,omitempty" json:"elem,omitempty"`
	Column     string `yaml:"column,omitempty" json:"column,omitempty"`
	Table      string `yaml:"table,omitempty" json:"table,omitempty"`
	Coll       string `yaml:"coll,omitempty" json:"coll,omitempty"`
	Item       string `yaml:"item,omitempty" json:"item,omitempty"`
	Slot       string `yaml:"slot,omitempty" json:"slot,omitempty"`
	Key        string `yaml:"key,omitempty" json:"key,omitempty"`
	Aggregate  bool   `yaml:"aggregate,omitempty" json:"aggregate,omitempty"`
	DeepUpdate bool   `yaml:"deep_update,omitempty" json:"deep_update,omitempty"`
}

// Registry is the immutable, validated schema.
// It is safe for concurrent use once built.
type Registry struct {
	classes []*Class
	byName  map[string]*Class
	byID    map[int]*Class
	types   map[string]Type
	control string
	fields  []*Field
}

// Option configures a Registry under construction.
type Option func(*Registry)

// WithType registers an additional scalar type, replacing a builtin of the
// same name.
func WithType(t Type) Option {
	return func(r *Registry) {
		r.types[t.Name()] = t
	}
}

// New validates spec and builds a Registry.
func New(spec Spec, opts ...Option) (*Registry, error) {
	r := &Registry{
		byName:  make(map[string]*Class),
		byID:    make(map[int]*Class),
		types:   make(map[string]Type),
		control: spec.ControlTable,
	}
	for _, t := range BuiltinTypes() {
		r.types[t.Name()] = t
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.control == "" {
		r.control = DefaultControlTable
	}

	if err := r.declareClasses(spec.Classes); err != nil {
		return nil, err
	}
	if err := r.linkBases(spec.Classes); err != nil {
		return nil, err
	}
	for _, c := range r.classes {
		c.chain = linearize(c)
	}
	if err := r.declareFields(spec.Classes); err != nil {
		return nil, err
	}
	if err := r.indexFields(); err != nil {
		return nil, err
	}
	r.computeHierarchy()
	if err := r.checkTables(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) declareClasses(specs []ClassSpec) error {
	used := make(map[int]bool)
	for _, cs := range specs {
		if cs.ID != 0 {
			if cs.ID < 1 || cs.ID >= ident.ClassSpan {
				return errs.SchemaMismatch(cs.Name, "class id %d out of range 1..%d", cs.ID, ident.ClassSpan-1)
			}
			if used[cs.ID] {
				return errs.SchemaMismatch(cs.Name, "duplicate class id %d", cs.ID)
			}
			used[cs.ID] = true
		}
	}

	next := 1
	for _, cs := range specs {
		if cs.Name == "" {
			return errs.SchemaMismatch("", "class without a name")
		}
		if _, dup := r.byName[cs.Name]; dup {
			return errs.SchemaMismatch(cs.Name, "duplicate class")
		}
		id := cs.ID
		if id == 0 {
			for used[next] {
				next++
			}
			if next >= ident.ClassSpan {
				return errs.SchemaMismatch(cs.Name, "too many classes")
			}
			id = next
			used[id] = true
		}
		table := cs.Table
		if table == "" {
			table = DefaultClassTable(cs.Name)
		}
		c := &Class{
			Name:     cs.Name,
			ID:       id,
			Abstract: cs.Abstract,
			Table:    table,
			byName:   make(map[string]*Field),
		}
		r.classes = append(r.classes, c)
		r.byName[c.Name] = c
		r.byID[c.ID] = c
	}
	return nil
}

func (r *Registry) linkBases(specs []ClassSpec) error {
	for i, cs := range specs {
		c := r.classes[i]
		for _, name := range cs.Bases {
			base, ok := r.byName[name]
			if !ok {
				return errs.SchemaMismatch(c.Name, "unknown base class %q", name)
			}
			if slices.Contains(c.Bases, base) {
				return errs.SchemaMismatch(c.Name, "base class %q listed twice", name)
			}
			c.Bases = append(c.Bases, base)
		}
	}

	// Reject inheritance cycles before linearizing.
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[*Class]int)
	var visit func(c *Class) error
	visit = func(c *Class) error {
		switch state[c] {
		case visiting:
			return errs.SchemaMismatch(c.Name, "inheritance cycle")
		case done:
			return nil
		}
		state[c] = visiting
		for _, b := range c.Bases {
			if err := visit(b); err != nil {
				return err
			}
		}
		state[c] = done
		return nil
	}
	for _, c := range r.classes {
		if err := visit(c); err != nil {
			return err
		}
	}
	return nil
}

// linearize orders c's ancestors depth-first in base order, each class after
// all of its own bases, and appends c.
func linearize(c *Class) []*Class {
	var chain []*Class
	seen := make(map[*Class]bool)
	var visit func(k *Class)
	visit = func(k *Class) {
		if seen[k] {
			return
		}
		seen[k] = true
		for _, b := range k.Bases {
			visit(b)
		}
		chain = append(chain, k)
	}
	visit(c)
	return chain
}

func (r *Registry) declareFields(specs []ClassSpec) error {
	for i, cs := range specs {
		c := r.classes[i]
		for _, fs := range cs.Fields {
			f, err := r.buildField(c, fs)
			if err != nil {
				return err
			}
			c.Fields = append(c.Fields, f)
			r.fields = append(r.fields, f)
		}
	}
	return nil
}

func (r *Registry) buildField(c *Class, fs FieldSpec) (*Field, error) {
	if fs.Name == "" {
		return nil, errs.SchemaMismatch(c.Name, "field without a name")
	}
	f := &Field{
		Name:       fs.Name,
		Owner:      c,
		Aggregate:  fs.Aggregate,
		DeepUpdate: fs.DeepUpdate,
	}

	kind, isRelation := kindNames[fs.Type]
	if !isRelation {
		t, ok := r.types[fs.Type]
		if !ok {
			return nil, errs.SchemaMismatch(c.Name, "field %s: unknown type %q", fs.Name, fs.Type)
		}
		f.Kind = KindScalar
		f.Type = t
		f.Column = orDefault(fs.Column, SQLName(fs.Name))
		if f.Column == IDColumn || f.Column == TypeColumn {
			return nil, errs.SchemaMismatch(c.Name, "field %s: column %q is reserved", fs.Name, f.Column)
		}
		return f, nil
	}
	f.Kind = kind

	if kind == KindFlatArray {
		t, ok := r.types[fs.Elem]
		if !ok {
			return nil, errs.SchemaMismatch(c.Name, "field %s: unknown element type %q", fs.Name, fs.Elem)
		}
		if len(t.Columns(&Field{Column: "v"})) != 1 {
			return nil, errs.SchemaMismatch(c.Name, "field %s: element type %q must map to one column", fs.Name, fs.Elem)
		}
		f.Type = t
	} else {
		target, ok := r.byName[fs.Class]
		if !ok {
			return nil, errs.SchemaMismatch(c.Name, "field %s: unknown class %q", fs.Name, fs.Class)
		}
		f.Target = target
	}

	switch {
	case kind == KindRef:
		f.Column = orDefault(fs.Column, SQLName(fs.Name))
		if f.Column == IDColumn || f.Column == TypeColumn {
			return nil, errs.SchemaMismatch(c.Name, "field %s: column %q is reserved", fs.Name, f.Column)
		}
	case kind.Intrusive():
		f.CollColumn = orDefault(fs.Coll, c.Table+"_"+SQLName(fs.Name))
		if kind == KindIntrArray {
			f.SlotColumn = orDefault(fs.Slot, f.CollColumn+"_slot")
		}
	default:
		f.Table = orDefault(fs.Table, DefaultTableName(c.Name, fs.Name))
		f.CollColumn = orDefault(fs.Coll, "coll")
		if kind == KindFlatArray {
			f.ItemColumn = orDefault(fs.Item, "v")
		} else {
			f.ItemColumn = orDefault(fs.Item, "item")
		}
		if kind.Ordered() {
			f.SlotColumn = orDefault(fs.Slot, "slot")
		}
		if kind == KindHash {
			f.KeyColumn = orDefault(fs.Key, "k")
		}
	}
	return f, nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

// indexFields builds per-class field lookups across the chain and rejects
// shadowed fields.
func (r *Registry) indexFields() error {
	for _, c := range r.classes {
		for _, k := range c.chain {
			for _, f := range k.Fields {
				if prev, dup := c.byName[f.Name]; dup {
					return errs.SchemaMismatch(c.Name, "field %s declared by both %s and %s", f.Name, prev.Owner.Name, k.Name)
				}
				c.byName[f.Name] = f
				c.all = append(c.all, f)
			}
		}
	}
	for _, f := range r.fields {
		if f.Kind.Intrusive() {
			f.Target.intrusive = append(f.Target.intrusive, f)
		}
	}
	return nil
}

func (r *Registry) computeHierarchy() {
	for _, c := range r.classes {
		for _, other := range r.classes {
			if other == c {
				continue
			}
			if other.InChain(c) {
				c.descendants = append(c.descendants, other)
			}
			if slices.Contains(other.Bases, c) {
				c.subclasses = append(c.subclasses, other)
			}
		}
	}
	for _, c := range r.classes {
		tables := slices.Clone(c.chain)
		for _, d := range c.descendants {
			for _, k := range d.chain {
				if !slices.Contains(tables, k) {
					tables = append(tables, k)
				}
			}
		}
		c.loadTables = tables
	}
}

func (r *Registry) checkTables() error {
	owners := map[string]string{r.control: "control table"}
	claim := func(table, owner string) error {
		if prev, dup := owners[table]; dup {
			return errs.SchemaMismatch("", "table %q used by both %s and %s", table, prev, owner)
		}
		owners[table] = owner
		return nil
	}
	for _, c := range r.classes {
		if err := claim(c.Table, "class "+c.Name); err != nil {
			return err
		}
		cols := make(map[string]bool)
		for _, col := range c.Columns() {
			if cols[col.Name] {
				return errs.SchemaMismatch(c.Name, "column %q defined twice in table %s", col.Name, c.Table)
			}
			cols[col.Name] = true
		}
	}
	for _, f := range r.fields {
		if f.Table == "" {
			continue
		}
		if err := claim(f.Table, "field "+f.String()); err != nil {
			return err
		}
	}
	return nil
}

// Class returns the class with the given name.
func (r *Registry) Class(name string) (*Class, error) {
	c, ok := r.byName[name]
	if !ok {
		return nil, errs.SchemaMismatch(name, "class not in schema")
	}
	return c, nil
}

// ClassByID returns the class with the given id.
func (r *Registry) ClassByID(id int) (*Class, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// Classes returns all classes in declaration order.
func (r *Registry) Classes() []*Class {
	return r.classes
}

// Fields returns every declared field in declaration order.
func (r *Registry) Fields() []*Field {
	return r.fields
}

// IsAbstract reports whether the named class is abstract.
func (r *Registry) IsAbstract(name string) (bool, error) {
	c, err := r.Class(name)
	if err != nil {
		return false, err
	}
	return c.Abstract, nil
}

// Bases returns the names of the named class's direct bases.
func (r *Registry) Bases(name string) ([]string, error) {
	c, err := r.Class(name)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(c.Bases))
	for i, b := range c.Bases {
		names[i] = b.Name
	}
	return names, nil
}

// OIDClass returns the concrete class encoded in oid.
func (r *Registry) OIDClass(oid ident.OID) (*Class, error) {
	c, ok := r.byID[oid.ClassID()]
	if !ok {
		return nil, errs.NotPersistent("", int64(oid), "oid does not encode a known class")
	}
	return c, nil
}

// Type returns the scalar type registered under name.
func (r *Registry) Type(name string) (Type, bool) {
	t, ok := r.types[name]
	return t, ok
}

// ControlTable returns the name of the OID sequence table.
func (r *Registry) ControlTable() string {
	return r.control
}

// String renders a short summary, used in logs.
func (r *Registry) String() string {
	return fmt.Sprintf("schema(%d classes)", len(r.classes))
}
