package counter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/gridsync/internal/storage"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeTopology owns a fixed set of store keys and lets tests trigger listeners
type fakeTopology struct {
	mu        sync.Mutex
	owned     map[string]bool
	listeners map[int]func()
	next      int
}

func newFakeTopology(keys ...string) *fakeTopology {
	f := &fakeTopology{listeners: make(map[int]func())}
	f.setOwned(keys...)
	return f
}

func (f *fakeTopology) IsPrimaryOwner(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owned[key]
}

func (f *fakeTopology) AddListener(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fakeTopology) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

// setOwned replaces the owned keys and notifies listeners
func (f *fakeTopology) setOwned(keys ...string) {
	f.mu.Lock()
	f.owned = make(map[string]bool)
	for _, k := range keys {
		f.owned[k] = true
	}
	fns := make([]func(), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// faultyStore fails every read with err
type faultyStore struct {
	storage.Store
	err error
}

func (s *faultyStore) Get(string) (storage.Entry, error) {
	return storage.Entry{}, s.err
}

func newWeak(t *testing.T, store storage.Store, initial int64, level int, opts ...Option) *WeakCounter {
	t.Helper()
	c, err := NewWeakCounter("hits", WeakConfig(initial, level), store, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Init(context.Background()))
	return c
}

func shardValue(t *testing.T, store storage.Store, key string) int64 {
	t.Helper()
	entry, err := store.Get(key)
	require.NoError(t, err)
	v, err := storage.DecodeInt64(entry.Value)
	require.NoError(t, err)
	return v
}
