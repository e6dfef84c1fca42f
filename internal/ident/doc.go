// Package ident provides object identifiers and the per-session identity map.
//
// The identity map guarantees that at most one live object per OID is
// reachable through it. Repeated loads of the same OID within one session
// therefore converge on the same pointer.
//
// # Retention
//
// The map either holds weak pointers (WeakRetain, the default) or strong
// pointers (StrongRetain):
//
//   - WeakRetain: an object the application no longer references can be
//     collected; the next load of its OID materializes a fresh object.
//   - StrongRetain: the map keeps every object alive until the session
//     removes it. Callers must unload objects (or disconnect) to release them.
//
// The policy is chosen explicitly when the map is built; it is never derived
// from the platform.
//
// # Concurrency
//
// Map is not safe for concurrent use. It belongs to exactly one session,
// which is driven by one goroutine.
package ident
