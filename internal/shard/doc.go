// Package shard maps a logical weak counter onto a fixed set of store keys and
// decides which of them a write should hit.
//
// # Overview
//
// A weak counter is split into N shards (N = configured concurrency level
// rounded up to a power of two). Each shard is an independent store key
// holding a signed 64-bit partial value; the counter value is the sum of all
// partials. Spreading writes over N keys reduces CAS contention on any one key.
//
//	counter "hits", concurrency 3 -> 4 shards
//
//	┌──────────────┬──────────────┬──────────────┬──────────────┐
//	│ counter/hits/0│ counter/hits/1│ counter/hits/2│ counter/hits/3│
//	│  initial + Δ │      Δ       │      Δ       │      Δ       │
//	└──────────────┴──────────────┴──────────────┴──────────────┘
//
// # Key Selection
//
// Selector.FindKey(hash) picks a shard for a write:
//   - preferred keys non-empty: preferred[hash % len(preferred)]
//   - otherwise: keys[hash % len(keys)]
//
// Preferred keys are the shards whose primary owner is the local node, as
// reported by an Oracle. They are recomputed by UpdatePreferredKeys whenever
// the cluster topology changes and published by one atomic pointer store.
//
// Go has no thread identity, so callers supply the hash. HashOf turns any
// caller identity (request id, client id, goroutine-local name) into a stable
// murmur3 hash.
//
// # Thread Safety
//
// Keys are immutable values. Selector methods are safe for concurrent use;
// readers never observe a partially updated preferred slice.
package shard
