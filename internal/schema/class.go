package schema

import (
	"fmt"
	"slices"
)

// Kind is the storage kind of a field.
type Kind int

const (
	KindScalar Kind = iota
	KindRef
	KindSet
	KindArray
	KindHash
	KindIntrSet
	KindIntrArray
	KindFlatArray
)

var kindNames = map[string]Kind{
	"ref":        KindRef,
	"set":        KindSet,
	"array":      KindArray,
	"hash":       KindHash,
	"iset":       KindIntrSet,
	"iarray":     KindIntrArray,
	"flat_array": KindFlatArray,
}

func (k Kind) String() string {
	for name, kind := range kindNames {
		if kind == k {
			return name
		}
	}
	if k == KindScalar {
		return "scalar"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsCollection reports whether the field holds more than one value.
func (k Kind) IsCollection() bool {
	return k >= KindSet
}

// HoldsObjects reports whether the field's values are persistent objects.
func (k Kind) HoldsObjects() bool {
	switch k {
	case KindRef, KindSet, KindArray, KindHash, KindIntrSet, KindIntrArray:
		return true
	}
	return false
}

// Linked reports whether the collection lives in a (coll, item) link table.
func (k Kind) Linked() bool {
	return k == KindSet || k == KindArray || k == KindHash
}

// Intrusive reports whether the collection is stored as owner columns on
// the element class's table.
func (k Kind) Intrusive() bool {
	return k == KindIntrSet || k == KindIntrArray
}

// Ordered reports whether elements carry a slot position.
func (k Kind) Ordered() bool {
	return k == KindArray || k == KindIntrArray || k == KindFlatArray
}

// Field describes one persistent field of a class.
type Field struct {
	Name string
	Kind Kind

	// Type maps scalar values; for flat arrays it maps the elements.
	Type Type

	// Owner is the class that declares the field.
	Owner *Class

	// Target is the referenced or element class for object-holding kinds.
	Target *Class

	// Column is the class-table column for scalar and ref fields.
	Column string

	// Table is the side table for set, array, hash and flat_array fields.
	Table string

	// CollColumn holds the owner OID: in the side table, or on the element
	// class's table for intrusive collections.
	CollColumn string

	// ItemColumn holds the element OID (link tables) or value (flat arrays).
	ItemColumn string

	// SlotColumn holds the element position for ordered kinds.
	SlotColumn string

	// KeyColumn holds the hash key.
	KeyColumn string

	// Aggregate makes erasing the owner (or dropping an element) erase the target.
	Aggregate bool

	// DeepUpdate makes update cascade into already persistent targets.
	DeepUpdate bool
}

// Columns returns the columns the field occupies in its owner's table.
// Collections occupy none.
func (f *Field) Columns() []Column {
	switch f.Kind {
	case KindScalar:
		return f.Type.Columns(f)
	case KindRef:
		return []Column{{Name: f.Column, Type: ColumnInteger}}
	default:
		return nil
	}
}

func (f *Field) String() string {
	if f.Owner == nil {
		return f.Name
	}
	return f.Owner.Name + "." + f.Name
}

// Class describes a persistent class.
type Class struct {
	Name     string
	ID       int
	Abstract bool
	Table    string

	// Bases are the direct base classes in declaration order.
	Bases []*Class

	// Fields are the fields declared by this class, in declaration order.
	Fields []*Field

	chain       []*Class
	all         []*Field
	byName      map[string]*Field
	descendants []*Class
	subclasses  []*Class
	loadTables  []*Class
	intrusive   []*Field
}

// Chain returns the class's ancestors root-first, followed by the class
// itself. An object of this class has one row in each chain table.
func (c *Class) Chain() []*Class {
	return c.chain
}

// Root returns the primary root class: the first class in the chain.
func (c *Class) Root() *Class {
	return c.chain[0]
}

// Roots returns every root class in the chain.
func (c *Class) Roots() []*Class {
	var roots []*Class
	for _, k := range c.chain {
		if k.IsRoot() {
			roots = append(roots, k)
		}
	}
	return roots
}

// IsRoot reports whether the class has no bases. Root tables carry the
// type discriminator column.
func (c *Class) IsRoot() bool {
	return len(c.Bases) == 0
}

// AllFields returns the fields declared across the chain, chain order.
func (c *Class) AllFields() []*Field {
	return c.all
}

// Field looks up a field declared by the class or any ancestor.
func (c *Class) Field(name string) (*Field, bool) {
	f, ok := c.byName[name]
	return f, ok
}

// Descendants returns every transitive subclass in registry order.
func (c *Class) Descendants() []*Class {
	return c.descendants
}

// Subclasses returns the direct subclasses in registry order.
func (c *Class) Subclasses() []*Class {
	return c.subclasses
}

// LoadTables returns the tables a polymorphic select over this class reads:
// the chain, then every table in a descendant's chain not already listed.
// Tables outside the chain are reached through outer joins.
func (c *Class) LoadTables() []*Class {
	return c.loadTables
}

// InChain reports whether k is in c's chain (k is c or an ancestor of c).
func (c *Class) InChain(k *Class) bool {
	return slices.Contains(c.chain, k)
}

// IsA reports whether c is k or a subclass of k.
func (c *Class) IsA(k *Class) bool {
	return c.InChain(k)
}

// Concrete returns the class and its descendants that are not abstract.
func (c *Class) Concrete() []*Class {
	var out []*Class
	if !c.Abstract {
		out = append(out, c)
	}
	for _, d := range c.descendants {
		if !d.Abstract {
			out = append(out, d)
		}
	}
	return out
}

// IntrusiveFields returns the intrusive collection fields of other classes
// whose owner columns live in this class's table.
func (c *Class) IntrusiveFields() []*Field {
	return c.intrusive
}

// Columns returns every column of the class's table: id, the type
// discriminator for roots, declared field columns, then intrusive owner
// columns.
func (c *Class) Columns() []Column {
	cols := []Column{{Name: IDColumn, Type: ColumnInteger}}
	if c.IsRoot() {
		cols = append(cols, Column{Name: TypeColumn, Type: ColumnInteger})
	}
	for _, f := range c.Fields {
		cols = append(cols, f.Columns()...)
	}
	for _, f := range c.intrusive {
		cols = append(cols, Column{Name: f.CollColumn, Type: ColumnInteger})
		if f.Kind == KindIntrArray {
			cols = append(cols, Column{Name: f.SlotColumn, Type: ColumnInteger})
		}
	}
	return cols
}

// Reserved column names in class tables.
const (
	IDColumn   = "id"
	TypeColumn = "type"
)
