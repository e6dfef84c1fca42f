// Package storage is the session façade of the persistence runtime.
//
// A Storage connects to a database, keeps an identity map from OIDs to the
// live objects of the session, and moves object graphs in and out:
//
//   - Insert and Update walk the graph from the given roots. Transient
//     objects reached through references and collections are inserted;
//     cycles are written once, using the OID assigned before descending.
//   - Load, Select and Cursor materialize rows into objects. Every OID maps
//     to at most one live object, so separate paths to the same stored
//     object converge on the same pointer.
//   - References and collections of loaded objects stay unloaded until
//     first read through Object.Get; Prefetch fills them in bulk.
//
// Writes outside a transaction run in one of their own. TxStart, TxCommit
// and TxRollback nest: only the outermost commit reaches the database, and
// a rollback at any depth aborts the whole unit.
//
// A Storage must be driven by one goroutine at a time.
package storage
