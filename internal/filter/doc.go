// Package filter provides the symbolic expression language used to query
// persistent objects.
//
// A query is built from Remote placeholders ("some object of class C in the
// database") and a tree of Expr and Filter nodes over their fields. Building
// a tree never touches the database and never fails: names are resolved, and
// errors reported, when package filtersql compiles the tree to SQL.
//
//	person := filter.NewRemote(personClass)
//	f := filter.And(
//	    person.Field("name").Eq("Marge"),
//	    person.Field("age").Gt(30),
//	)
//
// Go has no operator overloading, so every operator is a named builder:
// comparisons (Eq, Ne, Lt, Le, Gt, Ge, Like), null tests, IN lists,
// collection membership (Includes), class tests (IsA), arithmetic (Add, Sub,
// Mul, Div) and the combinators And, Or and Not.
//
// # Sealed interfaces
//
// Expr and Filter are sealed with marker methods. Only types in this package
// implement them, so compilers can switch over every node type exhaustively.
//
// # Remotes
//
// Each NewRemote call yields a distinct placeholder, compared by pointer.
// Two remotes of the same class compile to two table aliases, which is how
// self-joins are written:
//
//	a, b := filter.NewRemote(person), filter.NewRemote(person)
//	f := a.Field("partner").Eq(b)   // a's partner is b
//
// A Remote used as an Expr denotes the object's identity, so it can be
// compared with reference fields, with other remotes, or with live objects.
//
// Trees are immutable once built and may be shared between queries.
package filter
