package readlock

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// knownDeleted marks an entry whose remote acquire was refused.
const knownDeleted = -1

type localLock struct {
	mu      sync.Mutex
	value   int
	removed bool // detached from the table; holders must look the name up again
}

// LocalLockMerger collapses the read locks taken on one node into a single
// remote reference per object.
//
// The first local reader of a name acquires the remote lock; later readers only
// bump a local count. The last local release forwards one remote release. N
// concurrent local readers therefore cost one remote round trip each way.
//
// A refused remote acquire marks the entry known-deleted: readers already
// queued on it fail without another remote call. The entry is dropped from the
// table at the same time, so a reader arriving later asks the remote locker
// again and can see an object recreated under the same name.
type LocalLockMerger struct {
	remote Locker
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*localLock
}

// NewLocalLockMerger wraps remote, usually a *DistributedLocker.
func NewLocalLockMerger(remote Locker, logger *zap.Logger) *LocalLockMerger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalLockMerger{
		remote: remote,
		logger: logger.Named("readlock-merger"),
		locks:  make(map[string]*localLock),
	}
}

func (m *LocalLockMerger) lookup(name string) *localLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &localLock{}
		m.locks[name] = l
	}
	return l
}

// detach drops l from the table. Callers hold l.mu.
func (m *LocalLockMerger) detach(name string, l *localLock) {
	l.removed = true
	m.mu.Lock()
	if m.locks[name] == l {
		delete(m.locks, name)
	}
	m.mu.Unlock()
}

// AcquireReadLock takes a local reference on name, acquiring the remote lock
// only for the first local reader.
func (m *LocalLockMerger) AcquireReadLock(ctx context.Context, name string) (bool, error) {
	for {
		l := m.lookup(name)
		l.mu.Lock()
		switch {
		case l.value == knownDeleted:
			l.mu.Unlock()
			localMerges.WithLabelValues("acquire").Inc()
			return false, nil
		case l.removed:
			l.mu.Unlock()
			continue
		case l.value == 0:
			ok, err := m.remote.AcquireReadLock(ctx, name)
			if err != nil {
				m.detach(name, l)
				l.mu.Unlock()
				return false, err
			}
			if !ok {
				l.value = knownDeleted
				m.detach(name, l)
				l.mu.Unlock()
				m.logger.Debug("object known deleted", zap.String("name", name))
				return false, nil
			}
			l.value = 1
		default:
			l.value++
			localMerges.WithLabelValues("acquire").Inc()
		}
		l.mu.Unlock()
		return true, nil
	}
}

// DeleteOrReleaseReadLock drops a local reference on name. The last one is
// forwarded to the remote locker; a call without any local reference is a
// delete and goes straight through.
func (m *LocalLockMerger) DeleteOrReleaseReadLock(ctx context.Context, name string) error {
	for {
		l := m.lookup(name)
		l.mu.Lock()
		if l.removed {
			l.mu.Unlock()
			continue
		}
		l.value--
		if l.value > 0 {
			l.mu.Unlock()
			localMerges.WithLabelValues("release").Inc()
			return nil
		}
		m.detach(name, l)
		err := m.remote.DeleteOrReleaseReadLock(ctx, name)
		l.mu.Unlock()
		return err
	}
}

// Held returns the number of names with live local references.
func (m *LocalLockMerger) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
