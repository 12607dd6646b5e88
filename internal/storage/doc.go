// Package storage defines the shared key-value store that the counters and the
// segment read-lock protocol coordinate through, together with its in-memory and
// badger backed implementations.
//
// # Overview
//
// Nothing in gridsync writes a key unconditionally. Every mutation is one of:
//
//   - PutIfAbsent(key, value) - conditional create, exactly one racer wins
//   - Replace(key, expected, value) - compare-and-swap on the stored bytes
//   - Remove(key) / RemoveAsync(key) - deletion, synchronous or fire-and-forget
//
// Because all writers go through single-key CAS, any number of goroutines or nodes
// can share one Store without external locking. Lost updates are impossible: a
// writer whose expected value went stale simply sees Replace return false and
// re-reads.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│  counter.WeakCounter / Strong       │
//	│  readlock.DistributedLocker         │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│           Store interface           │
//	│  Get / PutIfAbsent / Replace /      │
//	│  Remove / RemoveAsync / Watch       │
//	└─────────────────────────────────────┘
//	                 │
//	    ┌────────────┼────────────┐
//	    ▼            ▼            ▼
//	┌────────┐  ┌─────────┐  ┌────────┐
//	│ Memory │  │ Bounded │  │ Badger │
//	│ Store  │  │ (LRU)   │  │ Store  │
//	└────────┘  └─────────┘  └────────┘
//
// # Revisions and Watches
//
// Each mutation is stamped with a store-wide, strictly increasing revision.
// Watch(prefix, fn) subscribes to every mutation of keys under prefix; the
// callback receives the key, the new value (nil for deletions) and the revision.
// Callbacks run synchronously on the mutating goroutine after the store lock is
// released, so two concurrent mutations of the same key may be observed out of
// order. Subscribers that cache values must keep the highest revision seen and
// drop older events; the weak counter snapshot does exactly that.
//
// # Eviction
//
// NewBoundedMemoryStore keeps at most N entries and silently evicts the least
// recently used one. It reports EvictionEnabled() == true. Reference counts must
// never vanish on their own, so the read-lock manager refuses such a store for
// its locks.
//
// # Badger
//
// BadgerStore persists entries in badger. CAS operations run as optimistic
// transactions; a commit conflict re-runs the comparison against the new value.
// Revisions come from a badger sequence and are stored in front of each value.
//
// # Error Handling
//
// ErrKeyNotFound: Key doesn't exist in store
//   - Returned by Get()
//   - Absence is a normal outcome for lazily created keys
//
// ErrStoreClosed: Store has been shut down
//   - No operations allowed
//   - Must create new store instance
//
// Backend failures are wrapped with github.com/pkg/errors and passed through.
//
// # Usage Examples
//
//	store := storage.NewMemoryStore()
//	defer store.Close()
//
//	if _, loaded, err := store.PutIfAbsent("lock/idx/seg_1", storage.EncodeInt64(2)); err == nil && !loaded {
//	    // this caller created the entry
//	}
//
//	ok, err := store.Replace("lock/idx/seg_1", storage.EncodeInt64(2), storage.EncodeInt64(3))
//
//	cancel := store.Watch("counter/hits/", func(ev storage.Event) {
//	    fmt.Println(ev.Key, ev.Revision, ev.Deleted)
//	})
//	defer cancel()
package storage
