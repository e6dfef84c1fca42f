package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/roach88/tangle/internal/errs"
	"github.com/roach88/tangle/internal/filter"
	"github.com/roach88/tangle/internal/filtersql"
	"github.com/roach88/tangle/internal/ident"
	"github.com/roach88/tangle/internal/schema"
)

// Load returns the objects for oids, in order. Objects already live are
// returned without a query; the rest are fetched with one select per
// concrete class.
func (s *Storage) Load(ctx context.Context, oids ...ident.OID) ([]*Object, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	found, err := s.loadAll(ctx, oids)
	if err != nil {
		return nil, err
	}
	out := make([]*Object, len(oids))
	for i, oid := range oids {
		out[i] = found[oid]
	}
	return out, nil
}

func (s *Storage) loadAll(ctx context.Context, oids []ident.OID) (map[ident.OID]*Object, error) {
	found := make(map[ident.OID]*Object, len(oids))
	missing := make(map[*schema.Class][]ident.OID)
	var order []*schema.Class

	for _, oid := range oids {
		if _, ok := found[oid]; ok {
			continue
		}
		if oid.IsZero() {
			return nil, errs.NotPersistent("", 0, "zero oid")
		}
		if o, ok := s.idmap.Get(oid); ok {
			found[oid] = o
			continue
		}
		c, err := s.reg.OIDClass(oid)
		if err != nil {
			return nil, err
		}
		if _, ok := missing[c]; !ok {
			order = append(order, c)
		}
		missing[c] = append(missing[c], oid)
		found[oid] = nil
	}

	for _, c := range order {
		objs, err := s.fetch(ctx, c, missing[c])
		if err != nil {
			return nil, err
		}
		for _, o := range objs {
			found[o.oid] = o
		}
	}
	for _, oid := range oids {
		if found[oid] == nil {
			c, _ := s.reg.OIDClass(oid)
			return nil, errs.NotPersistent(c.Name, int64(oid), "no stored object")
		}
	}
	return found, nil
}

func (s *Storage) fetch(ctx context.Context, c *schema.Class, oids []ident.OID) ([]*Object, error) {
	r := filter.NewRemote(c)
	vals := make([]any, len(oids))
	for i, oid := range oids {
		vals[i] = oid
	}
	sel, err := s.compiler.Select(filtersql.Query{Remote: r, Filter: filter.In(r, vals...)})
	if err != nil {
		return nil, err
	}
	return s.query(ctx, sel)
}

// query runs an object select and materializes every row. Rows are read
// to the end before any object is decoded, so decoding may issue queries.
func (s *Storage) query(ctx context.Context, sel *filtersql.Selection) ([]*Object, error) {
	rows, err := s.conn.QueryContext(ctx, sel.SQL, sel.Params...)
	if err != nil {
		return nil, errs.Backend("select", err)
	}
	data, err := scanAll(rows, sel.Layout.Width)
	if err != nil {
		return nil, errs.Backend("select", err)
	}
	out := make([]*Object, 0, len(data))
	for _, row := range data {
		o, err := s.materialize(row, sel.Layout)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func scanAll(rows *sql.Rows, width int) ([][]any, error) {
	defer rows.Close()
	var out [][]any
	for rows.Next() {
		row, err := scanRow(rows, width)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanRow(rows *sql.Rows, width int) ([]any, error) {
	row := make([]any, width)
	ptrs := make([]any, width)
	for i := range row {
		ptrs[i] = &row[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return row, nil
}

// materialize returns the live object for a selected row, creating and
// registering it if none exists. A live object is never overwritten.
func (s *Storage) materialize(row []any, layout filtersql.Layout) (*Object, error) {
	oid, err := toOID(row[filtersql.IDIndex])
	if err != nil {
		return nil, errs.SchemaMismatch(layout.Class.Name, "bad oid column: %v", err)
	}
	if o, ok := s.idmap.Get(oid); ok {
		return o, nil
	}

	typeID, err := toOID(row[filtersql.TypeIndex])
	if err != nil {
		return nil, errs.SchemaMismatch(layout.Class.Name, "bad type column: %v", err)
	}
	c, ok := s.reg.ClassByID(int(typeID))
	if !ok || !c.IsA(layout.Class) {
		return nil, errs.SchemaMismatch(layout.Class.Name, "row %d has type %d, not a %s", oid, typeID, layout.Class.Name)
	}
	if oid.ClassID() != c.ID {
		return nil, errs.SchemaMismatch(c.Name, "oid %d does not belong to class id %d", oid, c.ID)
	}

	o := NewObject(c)
	if err := s.fill(o, row, layout); err != nil {
		return nil, err
	}
	if err := s.register(o, oid); err != nil {
		return nil, err
	}
	return o, nil
}

// fill decodes the row's columns into o and marks every collection
// unloaded.
func (s *Storage) fill(o *Object, row []any, layout filtersql.Layout) error {
	for _, slot := range layout.Slots {
		f := slot.Field
		if !o.class.InChain(f.Owner) {
			continue
		}
		cols := row[slot.Offset : slot.Offset+slot.Width]
		switch f.Kind {
		case schema.KindScalar:
			v, err := f.Type.Decode(cols)
			if err != nil {
				return errs.SchemaMismatch(o.class.Name, "field %s: %v", f.Name, err)
			}
			o.values[f.Name] = v
		case schema.KindRef:
			if cols[0] == nil {
				o.values[f.Name] = nil
				continue
			}
			target, err := toOID(cols[0])
			if err != nil {
				return errs.SchemaMismatch(o.class.Name, "field %s: %v", f.Name, err)
			}
			o.values[f.Name] = &refProxy{oid: target}
		}
	}
	for _, f := range o.class.AllFields() {
		if f.Kind.IsCollection() {
			o.values[f.Name] = unloaded
		}
	}
	return nil
}

func toOID(v any) (ident.OID, error) {
	switch x := v.(type) {
	case int64:
		return ident.OID(x), nil
	case int32:
		return ident.OID(x), nil
	case int:
		return ident.OID(x), nil
	case float64:
		return ident.OID(x), nil
	case []byte:
		n, err := strconv.ParseInt(string(x), 10, 64)
		return ident.OID(n), err
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		return ident.OID(n), err
	case nil:
		return 0, fmt.Errorf("NULL oid")
	}
	return 0, fmt.Errorf("unexpected oid value %T", v)
}

// Reload refreshes objs from storage: scalars and references are
// overwritten and collections become unloaded again.
func (s *Storage) Reload(ctx context.Context, objs ...*Object) error {
	if err := s.check(); err != nil {
		return err
	}
	byClass := make(map[*schema.Class][]*Object)
	var order []*schema.Class
	for _, o := range objs {
		if !s.persistent(o) {
			return errs.NotPersistent(o.class.Name, 0, "cannot reload a transient object")
		}
		if _, ok := byClass[o.class]; !ok {
			order = append(order, o.class)
		}
		byClass[o.class] = append(byClass[o.class], o)
	}

	for _, c := range order {
		live := byClass[c]
		r := filter.NewRemote(c)
		vals := make([]any, len(live))
		for i, o := range live {
			vals[i] = o.oid
		}
		sel, err := s.compiler.Select(filtersql.Query{Remote: r, Filter: filter.In(r, vals...)})
		if err != nil {
			return err
		}
		rows, err := s.conn.QueryContext(ctx, sel.SQL, sel.Params...)
		if err != nil {
			return errs.Backend("reload", err)
		}
		data, err := scanAll(rows, sel.Layout.Width)
		if err != nil {
			return errs.Backend("reload", err)
		}
		seen := make(map[ident.OID]bool, len(data))
		for _, row := range data {
			oid, err := toOID(row[filtersql.IDIndex])
			if err != nil {
				return errs.SchemaMismatch(c.Name, "bad oid column: %v", err)
			}
			o, ok := s.idmap.Get(oid)
			if !ok {
				continue
			}
			if err := s.fill(o, row, sel.Layout); err != nil {
				return err
			}
			for _, f := range o.class.AllFields() {
				delete(s.cache, cacheKey{field: f, owner: oid})
			}
			seen[oid] = true
		}
		for _, o := range live {
			if !seen[o.oid] {
				return errs.NotPersistent(c.Name, int64(o.oid), "object no longer stored")
			}
		}
	}
	return nil
}
