// Package counter implements cluster-wide counters on top of a shared
// storage.Store.
//
// Two kinds of counters are provided:
//
//   - WeakCounter spreads its value over a fixed array of shard keys. Writers
//     pick one shard, preferably one the local node owns, and update it with
//     compare-and-swap; readers sum a locally cached snapshot that a store
//     watch keeps up to date. Reads are cheap and may be slightly stale.
//   - StrongCounter keeps its value under one key. Every operation is a
//     compare-and-swap loop against that key, optionally confined to bounds.
//
// Both expose asynchronous operations returning a Future. SyncWeakCounter and
// SyncStrongCounter block on those futures and report every failure as a
// single *Error.
//
// Shard defaults:
//
// A shard without a stored entry counts as its default value. Shard 0 defaults
// to the configured initial value and every other shard defaults to zero, so an
// untouched counter reads as its initial value whatever its shard count.
//
// Manager stores counter definitions in the same store under "config/<name>"
// and caches one instance per counter per node.
package counter
