package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/tangle/internal/errs"
	"github.com/roach88/tangle/internal/filter"
	"github.com/roach88/tangle/internal/filtersql"
	"github.com/roach88/tangle/internal/ident"
	"github.com/roach88/tangle/internal/schema"
)

// entry is one stored element of a collection.
type entry struct {
	item  ident.OID
	value any
	key   string
}

// contentsSQL selects (owner, element[, position]) rows of f for owners
// matching cond, which follows the owner column.
func contentsSQL(f *schema.Field, cond string) string {
	cols := []string{"p." + f.CollColumn}
	table := f.Table
	order := []string{"p." + f.CollColumn}

	switch {
	case f.Kind.Intrusive():
		table = f.Target.Table
		cols = append(cols, "p."+schema.IDColumn)
		if f.Kind == schema.KindIntrArray {
			order = append(order, "p."+f.SlotColumn)
		}
		order = append(order, "p."+schema.IDColumn)
	case f.Kind == schema.KindHash:
		cols = append(cols, "p."+f.ItemColumn, "p."+f.KeyColumn)
		order = append(order, "p."+f.KeyColumn)
	case f.Kind == schema.KindSet:
		cols = append(cols, "p."+f.ItemColumn)
		order = append(order, "p."+f.ItemColumn)
	default:
		cols = append(cols, "p."+f.ItemColumn)
		order = append(order, "p."+f.SlotColumn)
	}
	return fmt.Sprintf("SELECT %s FROM %s p WHERE p.%s%s ORDER BY %s",
		strings.Join(cols, ", "), table, f.CollColumn, cond, strings.Join(order, ", "))
}

// readContents returns the stored elements of f per owner.
func (s *Storage) readContents(ctx context.Context, f *schema.Field, cond string, params []any) (map[ident.OID][]entry, error) {
	query := contentsSQL(f, cond)
	width := 2
	if f.Kind == schema.KindHash {
		width = 3
	}
	rows, err := s.conn.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, errs.Backend("load collection", err)
	}
	data, err := scanAll(rows, width)
	if err != nil {
		return nil, errs.Backend("load collection", err)
	}

	out := make(map[ident.OID][]entry)
	for _, row := range data {
		owner, err := toOID(row[0])
		if err != nil {
			return nil, errs.SchemaMismatch(f.Owner.Name, "field %s: bad owner column: %v", f.Name, err)
		}
		var e entry
		if f.Kind == schema.KindFlatArray {
			e.value, err = f.Type.Decode(row[1:2])
		} else {
			e.item, err = toOID(row[1])
		}
		if err != nil {
			return nil, errs.SchemaMismatch(f.Owner.Name, "field %s: %v", f.Name, err)
		}
		if f.Kind == schema.KindHash {
			switch k := row[2].(type) {
			case string:
				e.key = k
			case []byte:
				e.key = string(k)
			default:
				return nil, errs.SchemaMismatch(f.Owner.Name, "field %s: bad key %T", f.Name, row[2])
			}
		}
		out[owner] = append(out[owner], e)
	}
	return out, nil
}

func itemOIDs(contents map[ident.OID][]entry) []ident.OID {
	var oids []ident.OID
	for _, entries := range contents {
		for _, e := range entries {
			if !e.item.IsZero() {
				oids = append(oids, e.item)
			}
		}
	}
	return oids
}

// assemble builds the Go value of f from its entries.
func assemble(f *schema.Field, entries []entry, objs map[ident.OID]*Object) any {
	switch f.Kind {
	case schema.KindFlatArray:
		vals := make([]any, len(entries))
		for i, e := range entries {
			vals[i] = e.value
		}
		return vals
	case schema.KindHash:
		m := make(map[string]*Object, len(entries))
		for _, e := range entries {
			m[e.key] = objs[e.item]
		}
		return m
	default:
		list := make([]*Object, len(entries))
		for i, e := range entries {
			list[i] = objs[e.item]
		}
		return list
	}
}

// loadCollection resolves one unloaded collection of o, from the prefetch
// cache when possible.
func (s *Storage) loadCollection(ctx context.Context, o *Object, f *schema.Field) (any, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	key := cacheKey{field: f, owner: o.oid}
	if v, ok := s.cache[key]; ok {
		delete(s.cache, key)
		return v, nil
	}
	contents, err := s.readContents(ctx, f, " = ?", []any{int64(o.oid)})
	if err != nil {
		return nil, err
	}
	objs, err := s.loadAll(ctx, itemOIDs(contents))
	if err != nil {
		return nil, err
	}
	return assemble(f, contents[o.oid], objs), nil
}

// Prefetch loads field of every object matching f over r in a fixed
// number of queries. Owners already live get the loaded value directly;
// owners loaded later take it from the cache instead of querying.
func (s *Storage) Prefetch(ctx context.Context, r *filter.Remote, field string, f filter.Filter) error {
	if err := s.check(); err != nil {
		return err
	}
	fld, ok := r.Class.Field(field)
	if !ok {
		return errs.SchemaMismatch(r.Class.Name, "no field %q", field)
	}
	if fld.Kind == schema.KindScalar {
		return errs.SchemaMismatch(r.Class.Name, "field %s is scalar; nothing to prefetch", field)
	}
	ids, err := s.compiler.IDs(filtersql.Query{Remote: r, Filter: f})
	if err != nil {
		return err
	}

	if fld.Kind == schema.KindRef {
		return s.prefetchRefs(ctx, fld, ids)
	}

	rows, err := s.conn.QueryContext(ctx, ids.SQL, ids.Params...)
	if err != nil {
		return errs.Backend("prefetch", err)
	}
	data, err := scanAll(rows, 1)
	if err != nil {
		return errs.Backend("prefetch", err)
	}
	if len(data) == 0 {
		return nil
	}

	contents, err := s.readContents(ctx, fld, " IN ("+ids.SQL+")", ids.Params)
	if err != nil {
		return err
	}
	objs, err := s.loadAll(ctx, itemOIDs(contents))
	if err != nil {
		return err
	}
	for _, row := range data {
		owner, err := toOID(row[0])
		if err != nil {
			return errs.SchemaMismatch(r.Class.Name, "bad oid column: %v", err)
		}
		v := assemble(fld, contents[owner], objs)
		if live, ok := s.idmap.Get(owner); ok {
			if !live.Loaded(fld.Name) {
				live.values[fld.Name] = v
			}
			continue
		}
		s.cache[cacheKey{field: fld, owner: owner}] = v
	}
	s.logger.Debug("prefetched collection", "field", fld.String(), "owners", len(data))
	return nil
}

func (s *Storage) prefetchRefs(ctx context.Context, fld *schema.Field, ids filtersql.Statement) error {
	query := fmt.Sprintf("SELECT p.%s, p.%s FROM %s p WHERE p.%s IN (%s) AND p.%s IS NOT NULL",
		schema.IDColumn, fld.Column, fld.Owner.Table, schema.IDColumn, ids.SQL, fld.Column)
	rows, err := s.conn.QueryContext(ctx, query, ids.Params...)
	if err != nil {
		return errs.Backend("prefetch", err)
	}
	data, err := scanAll(rows, 2)
	if err != nil {
		return errs.Backend("prefetch", err)
	}

	targets := make(map[ident.OID]ident.OID, len(data))
	oids := make([]ident.OID, 0, len(data))
	for _, row := range data {
		owner, err := toOID(row[0])
		if err != nil {
			return errs.SchemaMismatch(fld.Owner.Name, "bad oid column: %v", err)
		}
		target, err := toOID(row[1])
		if err != nil {
			return errs.SchemaMismatch(fld.Owner.Name, "field %s: %v", fld.Name, err)
		}
		targets[owner] = target
		oids = append(oids, target)
	}
	objs, err := s.loadAll(ctx, oids)
	if err != nil {
		return err
	}
	// Targets of owners not yet loaded stay pinned until a proxy resolves.
	for owner, target := range targets {
		live, ok := s.idmap.Get(owner)
		if !ok {
			if o, ok := objs[target]; ok {
				s.pinned[target] = o
			}
			continue
		}
		if p, ok := live.values[fld.Name].(*refProxy); ok && p.oid == target {
			live.values[fld.Name] = objs[target]
		}
	}
	s.logger.Debug("prefetched references", "field", fld.String(), "targets", len(objs))
	return nil
}
