package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/tangle/internal/errs"
	"github.com/roach88/tangle/internal/ident"
	"github.com/roach88/tangle/internal/schema"
)

// walker carries the state of one Insert, Update or Erase call across the
// object graph.
type walker struct {
	s       *Storage
	ctx     context.Context
	visited map[*Object]bool
	fresh   []*Object
	erased  map[ident.OID]bool
	gone    []ident.OID

	// pending holds intrusive owner-column writes; they run once every
	// row of the walk exists.
	pending []intrusiveWrite
}

type intrusiveWrite struct {
	field *schema.Field
	owner ident.OID
	elem  ident.OID
	slot  int
}

// write runs fn inside the caller's transaction, or inside its own one when
// none is open. On failure the objects the walk registered become
// transient again. Inside a caller's transaction the rows written before
// the failure stay in it; the caller is expected to roll back.
func (s *Storage) write(ctx context.Context, fn func(w *walker) error) error {
	if err := s.check(); err != nil {
		return err
	}
	w := &walker{
		s:       s,
		ctx:     ctx,
		visited: make(map[*Object]bool),
		erased:  make(map[ident.OID]bool),
	}
	run := func() error {
		if err := fn(w); err != nil {
			return err
		}
		return w.flush()
	}
	var err error
	active := s.tx.Active()
	if active {
		err = run()
	} else {
		err = s.tx.Do(ctx, func(ctx context.Context) error {
			w.ctx = ctx
			return run()
		})
	}
	if err != nil {
		for _, o := range w.fresh {
			s.forget(o)
		}
		return err
	}

	for _, oid := range w.gone {
		if o, ok := s.idmap.Get(oid); ok {
			if active {
				s.erasures = append(s.erasures, erasure{obj: o, oid: oid})
			}
			s.forget(o)
		}
		delete(s.pinned, oid)
		for key := range s.cache {
			if key.owner == oid {
				delete(s.cache, key)
			}
		}
	}
	if active {
		s.journal = append(s.journal, w.fresh...)
	}
	return nil
}

// flush runs the queued intrusive writes. Writes whose owner or element
// was erased later in the walk are dropped.
func (w *walker) flush() error {
	for _, p := range w.pending {
		if w.erased[p.owner] || w.erased[p.elem] {
			continue
		}
		f := p.field
		op := "write " + f.String()
		if f.Kind == schema.KindIntrArray {
			query := fmt.Sprintf("UPDATE %s SET %s = ?, %s = ? WHERE %s = ?", f.Target.Table, f.CollColumn, f.SlotColumn, schema.IDColumn)
			if err := w.exec(op, query, int64(p.owner), int64(p.slot), int64(p.elem)); err != nil {
				return err
			}
			continue
		}
		query := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", f.Target.Table, f.CollColumn, schema.IDColumn)
		if err := w.exec(op, query, int64(p.owner), int64(p.elem)); err != nil {
			return err
		}
	}
	w.pending = nil
	return nil
}

// Insert stores transient objects and every transient object reachable
// from them, and returns the roots' OIDs. If it fails inside a transaction
// the caller opened, the objects stay transient but rows already written
// remain in that transaction; roll it back rather than commit.
func (s *Storage) Insert(ctx context.Context, objs ...*Object) ([]ident.OID, error) {
	for _, o := range objs {
		if o == nil {
			return nil, errs.SchemaMismatch("", "cannot insert a nil object")
		}
		if o.owner != nil {
			return nil, errs.DuplicateInsert(o.class.Name, int64(o.oid))
		}
	}
	err := s.write(ctx, func(w *walker) error {
		for _, o := range objs {
			if err := w.insert(o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("inserted objects", "roots", len(objs))
	return s.ID(objs...), nil
}

// Update writes persistent objects back. Transient objects they reach are
// inserted; persistent ones are updated only through deep_update fields.
// A failure inside a caller's transaction leaves it partly written, as
// with Insert.
func (s *Storage) Update(ctx context.Context, objs ...*Object) error {
	for _, o := range objs {
		if o == nil {
			return errs.SchemaMismatch("", "cannot update a nil object")
		}
		if !s.persistent(o) {
			return errs.NotPersistent(o.class.Name, 0, "cannot update a transient object")
		}
	}
	return s.write(ctx, func(w *walker) error {
		for _, o := range objs {
			if err := w.update(o); err != nil {
				return err
			}
		}
		return nil
	})
}

// Erase deletes persistent objects, cascading into aggregate fields.
// Link rows and references that point at an erased object are removed.
func (s *Storage) Erase(ctx context.Context, objs ...*Object) error {
	for _, o := range objs {
		if o == nil {
			return errs.SchemaMismatch("", "cannot erase a nil object")
		}
		if !s.persistent(o) {
			return errs.NotPersistent(o.class.Name, 0, "cannot erase a transient object")
		}
	}
	return s.write(ctx, func(w *walker) error {
		for _, o := range objs {
			if err := w.erase(o.oid); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *walker) exec(op, query string, args ...any) error {
	if _, err := w.s.conn.ExecContext(w.ctx, query, args...); err != nil {
		return errs.Backend(op, fmt.Errorf("%s: %w", query, err))
	}
	return nil
}

// allocate draws the next OID for class c from the control table.
func (w *walker) allocate(c *schema.Class) (ident.OID, error) {
	ctl := w.s.reg.ControlTable()
	if err := w.exec("allocate oid", "UPDATE "+ctl+" SET mark = mark + 1 WHERE id = 1"); err != nil {
		return 0, err
	}
	var mark int64
	err := w.s.conn.QueryRowContext(w.ctx, "SELECT mark FROM "+ctl+" WHERE id = 1").Scan(&mark)
	if err != nil {
		return 0, errs.Backend("allocate oid", err)
	}
	return ident.Compose(mark, c.ID), nil
}

func (w *walker) insert(o *Object) error {
	if w.visited[o] || w.s.persistent(o) {
		return nil
	}
	if o.owner != nil {
		return errs.SchemaMismatch(o.class.Name, "object %d belongs to another session", o.oid)
	}
	if o.class.Abstract {
		return errs.SchemaMismatch(o.class.Name, "cannot insert an instance of an abstract class")
	}
	w.visited[o] = true

	oid, err := w.allocate(o.class)
	if err != nil {
		return err
	}
	if err := w.s.register(o, oid); err != nil {
		return err
	}
	w.fresh = append(w.fresh, o)

	if err := w.refs(o); err != nil {
		return err
	}
	if err := w.rows(o, true); err != nil {
		return err
	}
	return w.collections(o, true)
}

func (w *walker) update(o *Object) error {
	if w.visited[o] {
		return nil
	}
	w.visited[o] = true
	if err := w.refs(o); err != nil {
		return err
	}
	if err := w.rows(o, false); err != nil {
		return err
	}
	return w.collections(o, false)
}

// child handles an object reached through field f: transient objects are
// inserted, persistent ones updated only when f asks for it.
func (w *walker) child(t *Object, f *schema.Field) error {
	if w.s.persistent(t) {
		if f.DeepUpdate {
			return w.update(t)
		}
		return nil
	}
	return w.insert(t)
}

func (w *walker) refs(o *Object) error {
	for _, f := range o.class.AllFields() {
		if f.Kind != schema.KindRef {
			continue
		}
		if t, ok := o.values[f.Name].(*Object); ok && t != nil {
			if err := w.child(t, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *walker) refValue(o *Object, f *schema.Field) (any, error) {
	switch x := o.values[f.Name].(type) {
	case nil:
		return nil, nil
	case *refProxy:
		return int64(x.oid), nil
	case *Object:
		if !w.s.persistent(x) {
			return nil, errs.NotPersistent(x.class.Name, 0, "field %s references an unsaved object", f)
		}
		return int64(x.oid), nil
	}
	return nil, errs.SchemaMismatch(o.class.Name, "field %s holds %T", f.Name, o.values[f.Name])
}

// rows writes one row per class in o's chain.
func (w *walker) rows(o *Object, fresh bool) error {
	for _, k := range o.class.Chain() {
		var cols []string
		var vals []any
		if fresh {
			cols = append(cols, schema.IDColumn)
			vals = append(vals, int64(o.oid))
			if k.IsRoot() {
				cols = append(cols, schema.TypeColumn)
				vals = append(vals, int64(o.class.ID))
			}
		}

		var dropped []ident.OID
		for _, f := range k.Fields {
			switch f.Kind {
			case schema.KindScalar:
				enc, err := f.Type.Encode(o.values[f.Name])
				if err != nil {
					return errs.SchemaMismatch(o.class.Name, "field %s: %v", f.Name, err)
				}
				for i, col := range f.Type.Columns(f) {
					cols = append(cols, col.Name)
					vals = append(vals, enc[i])
				}
			case schema.KindRef:
				v, err := w.refValue(o, f)
				if err != nil {
					return err
				}
				if !fresh && f.Aggregate {
					old, err := w.storedRef(k, f, o.oid)
					if err != nil {
						return err
					}
					if !old.IsZero() && (v == nil || v.(int64) != int64(old)) {
						dropped = append(dropped, old)
					}
				}
				cols = append(cols, f.Column)
				vals = append(vals, v)
			}
		}

		var query string
		switch {
		case fresh:
			query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
				k.Table, strings.Join(cols, ", "), placeholders(len(cols)))
		case len(cols) == 0:
			continue
		default:
			sets := make([]string, len(cols))
			for i, c := range cols {
				sets[i] = c + " = ?"
			}
			query = fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", k.Table, strings.Join(sets, ", "), schema.IDColumn)
			vals = append(vals, int64(o.oid))
		}
		if err := w.exec("write "+k.Name, query, vals...); err != nil {
			return err
		}
		for _, oid := range dropped {
			if err := w.erase(oid); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *walker) storedRef(k *schema.Class, f *schema.Field, oid ident.OID) (ident.OID, error) {
	var old sql.NullInt64
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", f.Column, k.Table, schema.IDColumn)
	err := w.s.conn.QueryRowContext(w.ctx, query, int64(oid)).Scan(&old)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, errs.Backend("read "+f.String(), err)
	}
	return ident.OID(old.Int64), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// collections writes o's loaded collections. Unloaded ones are untouched.
func (w *walker) collections(o *Object, fresh bool) error {
	for _, f := range o.class.AllFields() {
		if !f.Kind.IsCollection() {
			continue
		}
		v := o.values[f.Name]
		if _, lazy := v.(*collProxy); lazy || v == nil {
			continue
		}
		delete(w.s.cache, cacheKey{field: f, owner: o.oid})

		elems := members(v)
		for _, e := range elems {
			if err := w.child(e, f); err != nil {
				return err
			}
		}

		var old []ident.OID
		if !fresh {
			if f.Aggregate && f.Kind.HoldsObjects() {
				items, err := w.items(f, o.oid)
				if err != nil {
					return err
				}
				old = items
			}
			if err := w.clear(f, o.oid); err != nil {
				return err
			}
		}
		if err := w.fill(o, f, v); err != nil {
			return err
		}

		if len(old) > 0 {
			keep := make(map[ident.OID]bool, len(elems))
			for _, e := range elems {
				keep[e.oid] = true
			}
			for _, oid := range old {
				if !keep[oid] {
					if err := w.erase(oid); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// items returns the stored element OIDs of an object-holding collection.
func (w *walker) items(f *schema.Field, owner ident.OID) ([]ident.OID, error) {
	contents, err := w.s.readContents(w.ctx, f, " = ?", []any{int64(owner)})
	if err != nil {
		return nil, err
	}
	return itemOIDs(contents), nil
}

// clear removes the stored contents of a collection.
func (w *walker) clear(f *schema.Field, owner ident.OID) error {
	if f.Kind.Intrusive() {
		sets := f.CollColumn + " = NULL"
		if f.Kind == schema.KindIntrArray {
			sets += ", " + f.SlotColumn + " = NULL"
		}
		return w.exec("clear "+f.String(),
			fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", f.Target.Table, sets, f.CollColumn), int64(owner))
	}
	return w.exec("clear "+f.String(),
		fmt.Sprintf("DELETE FROM %s WHERE %s = ?", f.Table, f.CollColumn), int64(owner))
}

// fill stores the contents of a collection whose storage is empty.
func (w *walker) fill(o *Object, f *schema.Field, v any) error {
	op := "write " + f.String()
	owner := int64(o.oid)

	switch f.Kind {
	case schema.KindSet:
		seen := make(map[*Object]bool)
		query := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, ?)", f.Table, f.CollColumn, f.ItemColumn)
		for _, e := range v.([]*Object) {
			if seen[e] {
				continue
			}
			seen[e] = true
			if err := w.exec(op, query, owner, int64(e.oid)); err != nil {
				return err
			}
		}

	case schema.KindArray:
		query := fmt.Sprintf("INSERT INTO %s (%s, %s, %s) VALUES (?, ?, ?)", f.Table, f.CollColumn, f.ItemColumn, f.SlotColumn)
		for i, e := range v.([]*Object) {
			if err := w.exec(op, query, owner, int64(e.oid), int64(i)); err != nil {
				return err
			}
		}

	case schema.KindHash:
		m := v.(map[string]*Object)
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		query := fmt.Sprintf("INSERT INTO %s (%s, %s, %s) VALUES (?, ?, ?)", f.Table, f.CollColumn, f.ItemColumn, f.KeyColumn)
		for _, k := range keys {
			if err := w.exec(op, query, owner, int64(m[k].oid), k); err != nil {
				return err
			}
		}

	case schema.KindFlatArray:
		query := fmt.Sprintf("INSERT INTO %s (%s, %s, %s) VALUES (?, ?, ?)", f.Table, f.CollColumn, f.SlotColumn, f.ItemColumn)
		for i, elem := range v.([]any) {
			enc, err := f.Type.Encode(elem)
			if err != nil {
				return errs.SchemaMismatch(o.class.Name, "field %s element %d: %v", f.Name, i, err)
			}
			if err := w.exec(op, query, owner, int64(i), enc[0]); err != nil {
				return err
			}
		}

	case schema.KindIntrSet, schema.KindIntrArray:
		// An element may be an ancestor whose row is not written yet.
		for i, e := range v.([]*Object) {
			w.pending = append(w.pending, intrusiveWrite{field: f, owner: o.oid, elem: e.oid, slot: i})
		}
	}
	return nil
}

// erase deletes the stored object oid, erasing aggregate targets after it.
func (w *walker) erase(oid ident.OID) error {
	if w.erased[oid] {
		return nil
	}
	w.erased[oid] = true
	w.gone = append(w.gone, oid)

	reg := w.s.reg
	c, err := reg.OIDClass(oid)
	if err != nil {
		return err
	}

	var targets []ident.OID
	for _, f := range c.AllFields() {
		switch {
		case f.Kind == schema.KindRef && f.Aggregate:
			t, err := w.storedRef(f.Owner, f, oid)
			if err != nil {
				return err
			}
			if !t.IsZero() {
				targets = append(targets, t)
			}
		case f.Kind.IsCollection():
			if f.Aggregate && f.Kind.HoldsObjects() {
				items, err := w.items(f, oid)
				if err != nil {
					return err
				}
				targets = append(targets, items...)
			}
			if err := w.clear(f, oid); err != nil {
				return err
			}
		}
	}

	for _, f := range reg.Fields() {
		if f.Target == nil || !c.IsA(f.Target) {
			continue
		}
		switch {
		case f.Kind == schema.KindRef:
			err = w.exec("unlink "+f.String(),
				fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = ?", f.Owner.Table, f.Column, f.Column), int64(oid))
		case f.Kind.Linked():
			err = w.exec("unlink "+f.String(),
				fmt.Sprintf("DELETE FROM %s WHERE %s = ?", f.Table, f.ItemColumn), int64(oid))
		}
		if err != nil {
			return err
		}
	}

	chain := slices.Clone(c.Chain())
	slices.Reverse(chain)
	for _, k := range chain {
		if err := w.exec("erase "+k.Name,
			fmt.Sprintf("DELETE FROM %s WHERE %s = ?", k.Table, schema.IDColumn), int64(oid)); err != nil {
			return err
		}
	}

	for _, t := range targets {
		if err := w.erase(t); err != nil {
			return err
		}
	}
	return nil
}
