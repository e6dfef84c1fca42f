// Package filtersql compiles filter trees into parameterized SQL.
//
// # Aliases
//
// Every remote taking part in a query gets an alias t1..tn in order of
// first appearance: the result remote first, then explicitly outer remotes,
// then remotes found in the filter and the ordering, then remotes found only
// in the outer filter. A remote's own class table is aliased tN; any other
// table in the class's load tables is aliased tN_k, k being its 1-based
// position in that list. Collection subqueries use l1..ln.
//
// # Inheritance
//
// The result remote joins every load table of its class: ancestors through
// INNER JOIN and descendant-only tables through LEFT JOIN, so a select over
// an abstract class returns fully populated objects of every concrete
// subclass. The concrete class comes from the type column of the primary
// root table. Other remotes join only the tables their fields need.
//
// # Outer joins
//
// Outer remotes are grouped into one parenthesized LEFT JOIN placed after
// every inner remote, with the outer filter as its ON condition. Grouping
// keeps an outer remote's own inheritance joins inside the outer join, so
// inheritance and outer joins compose on any backend that accepts nested
// join syntax (SQLite and DuckDB both do).
//
// # Safety and determinism
//
// Constants are never interpolated into SQL text. Each one is encoded by the
// type handler of the field it is compared with and bound as a parameter;
// parameters are returned in the order their placeholders appear. The same
// tree and options always compile to the same text and parameters, and
// every object select ends with an ORDER BY tiebreaker on the result id.
package filtersql
