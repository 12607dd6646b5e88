package storage

import (
	"bytes"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// record is a stored value with the revision of its last mutation.
type record struct {
	value    []byte
	revision uint64
}

// table is the backing container of a MemoryStore.
type table interface {
	get(key string) (record, bool)
	set(key string, r record)
	remove(key string) (record, bool)
	keys() []string
	values() []record
}

type mapTable map[string]record

func (t mapTable) get(key string) (record, bool) {
	r, ok := t[key]
	return r, ok
}

func (t mapTable) set(key string, r record) { t[key] = r }

func (t mapTable) remove(key string) (record, bool) {
	r, ok := t[key]
	if ok {
		delete(t, key)
	}
	return r, ok
}

func (t mapTable) keys() []string {
	keys := make([]string, 0, len(t))
	for key := range t {
		keys = append(keys, key)
	}
	return keys
}

func (t mapTable) values() []record {
	values := make([]record, 0, len(t))
	for _, r := range t {
		values = append(values, r)
	}
	return values
}

// lruTable silently evicts the least recently used entry once full.
type lruTable struct {
	cache *lru.Cache[string, record]
}

func (t lruTable) get(key string) (record, bool) { return t.cache.Get(key) }

func (t lruTable) set(key string, r record) { t.cache.Add(key, r) }

func (t lruTable) remove(key string) (record, bool) {
	r, ok := t.cache.Peek(key)
	if ok {
		t.cache.Remove(key)
	}
	return r, ok
}

func (t lruTable) keys() []string { return t.cache.Keys() }

func (t lruTable) values() []record { return t.cache.Values() }

// Option configures a store.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sets the logger used for background failures.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func newOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MemoryStore implements Store interface with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
//
// Values are copied on the way in and on the way out, so callers can never
// mutate stored state through a returned slice. Every mutation bumps a
// store-wide revision and is then delivered to matching watchers.
type MemoryStore struct {
	mu      sync.RWMutex // Protects data, revision and closed
	data    table        // Key-value storage
	rev     uint64       // Revision of the last mutation
	closed  bool
	evicts  bool
	watches *watchRegistry
	pending sync.WaitGroup // Outstanding RemoveAsync calls
	logger  *zap.Logger
}

// NewMemoryStore creates a new unbounded in-memory store
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := newOptions(opts)
	return &MemoryStore{
		data:    make(mapTable),
		watches: newWatchRegistry(),
		logger:  o.logger.Named("memory-store"),
	}
}

// NewBoundedMemoryStore creates an in-memory store holding at most maxEntries
// keys. The least recently used entry is evicted when the store is full, so
// EvictionEnabled reports true.
func NewBoundedMemoryStore(maxEntries int, opts ...Option) (*MemoryStore, error) {
	cache, err := lru.New[string, record](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("bounded store: %w", err)
	}
	o := newOptions(opts)
	return &MemoryStore{
		data:    lruTable{cache: cache},
		evicts:  true,
		watches: newWatchRegistry(),
		logger:  o.logger.Named("memory-store"),
	}, nil
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// Get retrieves an entry by key
// Returns a copy of the value to prevent external modification
func (m *MemoryStore) Get(key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Entry{}, ErrStoreClosed
	}
	r, exists := m.data.get(key)
	if !exists {
		return Entry{}, ErrKeyNotFound
	}
	return Entry{Key: key, Value: clone(r.value), Revision: r.revision}, nil
}

// PutIfAbsent stores value only if key is absent.
func (m *MemoryStore) PutIfAbsent(key string, value []byte) (Entry, bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Entry{}, false, ErrStoreClosed
	}
	if r, exists := m.data.get(key); exists {
		m.mu.Unlock()
		return Entry{Key: key, Value: clone(r.value), Revision: r.revision}, true, nil
	}
	m.rev++
	stored := record{value: clone(value), revision: m.rev}
	m.data.set(key, stored)
	m.mu.Unlock()

	m.watches.dispatch(Event{Key: key, Value: clone(stored.value), Revision: stored.revision})
	return Entry{}, false, nil
}

// Replace swaps the value only when the current value equals expected.
func (m *MemoryStore) Replace(key string, expected, value []byte) (bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrStoreClosed
	}
	r, exists := m.data.get(key)
	if !exists || !bytes.Equal(r.value, expected) {
		m.mu.Unlock()
		return false, nil
	}
	m.rev++
	stored := record{value: clone(value), revision: m.rev}
	m.data.set(key, stored)
	m.mu.Unlock()

	m.watches.dispatch(Event{Key: key, Value: clone(stored.value), Revision: stored.revision})
	return true, nil
}

// Remove deletes a key-value pair
// No error if key doesn't exist (idempotent)
func (m *MemoryStore) Remove(key string) (Entry, bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Entry{}, false, ErrStoreClosed
	}
	r, exists := m.data.remove(key)
	if !exists {
		m.mu.Unlock()
		return Entry{}, false, nil
	}
	m.rev++
	rev := m.rev
	m.mu.Unlock()

	m.watches.dispatch(Event{Key: key, Revision: rev, Deleted: true})
	return Entry{Key: key, Value: r.value, Revision: r.revision}, true, nil
}

// RemoveAsync removes key on a background goroutine.
func (m *MemoryStore) RemoveAsync(key string) {
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		if _, _, err := m.Remove(key); err != nil {
			m.logger.Warn("async remove failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

// Watch subscribes fn to mutations of keys starting with prefix.
func (m *MemoryStore) Watch(prefix string, fn WatchFunc) func() {
	return m.watches.add(prefix, fn)
}

// EvictionEnabled reports whether the store was created bounded.
func (m *MemoryStore) EvictionEnabled() bool {
	return m.evicts
}

// Keys returns all keys in the store
// Returns a copy of the keys to prevent external modification
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.keys()
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	values := m.data.values()
	totalBytes := 0
	for _, r := range values {
		totalBytes += len(r.value)
	}

	return StoreStats{
		Keys:  len(values),
		Bytes: totalBytes,
	}
}

// Close waits for pending async removals; later operations fail with ErrStoreClosed.
func (m *MemoryStore) Close() error {
	m.pending.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
