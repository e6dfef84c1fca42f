// Package schema holds the static class and field metadata the persistence
// runtime maps objects with.
//
// A Registry is built once at startup from a Spec (written in Go, YAML or
// CUE) and passed explicitly to every session. There is no process-wide
// registry.
//
// # Layout
//
// Every class owns one table keyed by the object's OID. An object of class C
// has one row in the table of every class in C's chain (its ancestors,
// root-first, then C itself): joined-table inheritance. Root tables also
// carry a type column holding the concrete class id, which lets a select over
// an abstract class discriminate rows.
//
// Field kinds:
//
//	scalar      column(s) in the declaring class's table, via a Type handler
//	ref         OID column in the declaring class's table
//	set         link table (coll, item)
//	array       link table (coll, item, slot)
//	hash        link table (coll, item, k)
//	iset        owner column on the element class's table
//	iarray      owner and slot columns on the element class's table
//	flat_array  side table (coll, slot, v) of scalars
//
// Per-class derived data (chain, descendants, load tables) is computed once
// when the registry is built and never recomputed per query.
package schema
