package readlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/dreamware/gridsync/internal/storage"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type stores struct {
	locks, chunks, metadata *storage.MemoryStore
}

func newStores(t *testing.T) stores {
	t.Helper()
	s := stores{
		locks:    storage.NewMemoryStore(),
		chunks:   storage.NewMemoryStore(),
		metadata: storage.NewMemoryStore(),
	}
	t.Cleanup(func() {
		s.locks.Close()
		s.chunks.Close()
		s.metadata.Close()
	})
	return s
}

func (s stores) locker(t *testing.T, opts ...Option) *DistributedLocker {
	t.Helper()
	l, err := NewDistributedLocker(s.locks, s.chunks, s.metadata, "idx", opts...)
	require.NoError(t, err)
	return l
}

// count returns the stored lock count of name, or -1 when absent
func (s stores) count(t *testing.T, name string) int64 {
	t.Helper()
	entry, err := s.locks.Get(LockKey("idx", name))
	if err == storage.ErrKeyNotFound {
		return -1
	}
	require.NoError(t, err)
	n, err := storage.DecodeInt64(entry.Value)
	require.NoError(t, err)
	return n
}

// countingLocker counts the calls reaching the wrapped locker
type countingLocker struct {
	Locker
	acquires atomic.Int64
	releases atomic.Int64
	delay    time.Duration
}

func (c *countingLocker) AcquireReadLock(ctx context.Context, name string) (bool, error) {
	c.acquires.Inc()
	time.Sleep(c.delay)
	return c.Locker.AcquireReadLock(ctx, name)
}

func (c *countingLocker) DeleteOrReleaseReadLock(ctx context.Context, name string) error {
	c.releases.Inc()
	return c.Locker.DeleteOrReleaseReadLock(ctx, name)
}

// countingStore counts successful removals
type countingStore struct {
	storage.Store
	removals atomic.Int64
}

func (c *countingStore) Remove(key string) (storage.Entry, bool, error) {
	prev, removed, err := c.Store.Remove(key)
	if removed {
		c.removals.Inc()
	}
	return prev, removed, err
}

// failingStore fails every read with err
type failingStore struct {
	storage.Store
	err error
}

func (f *failingStore) Get(string) (storage.Entry, error) {
	return storage.Entry{}, f.err
}
