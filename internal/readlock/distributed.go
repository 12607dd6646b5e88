package readlock

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/gridsync/internal/retry"
	"github.com/dreamware/gridsync/internal/storage"
)

// ErrEvictionEnabled is returned when the locks store may drop entries on its own.
var ErrEvictionEnabled = errors.New("readlock: locks store must not evict entries")

// ErrCorruptLock is returned when a lock entry does not hold a valid count.
var ErrCorruptLock = errors.New("readlock: corrupt lock entry")

// DistributedLocker keeps a reference count per object in a shared store and
// deletes the object when the count drops to zero.
//
// Count encoding:
//   - absent: one reference, held by the object's existence
//   - n > 0: n references
//   - 0: the last reference is gone and the object is being deleted
//
// A zero count blocks every acquirer until the deleting caller removes the lock
// entry after the metadata and the chunks. A deleted object can therefore not
// gain new readers.
//
// Thread Safety:
// Safe for concurrent use by any number of goroutines and nodes sharing the
// stores. All coordination goes through single-key compare-and-swap.
type DistributedLocker struct {
	locks    storage.Store
	chunks   storage.Store
	metadata storage.Store
	group    string
	opts     options
	logger   *zap.Logger
}

// NewDistributedLocker creates a locker for the objects of group.
//
// Parameters:
//   - locks: Store of the reference counts, must not evict entries
//   - chunks: Store of the object chunks
//   - metadata: Store of the object metadata records
//   - group: Namespace of the objects, usually a directory or index name
//
// Returns ErrEvictionEnabled when locks.EvictionEnabled() is true: an evicted
// count would let an object be deleted under its readers.
func NewDistributedLocker(locks, chunks, metadata storage.Store, group string, opts ...Option) (*DistributedLocker, error) {
	if locks.EvictionEnabled() {
		return nil, errors.WithStack(ErrEvictionEnabled)
	}
	if group == "" {
		return nil, errors.New("readlock: group cannot be empty")
	}
	o := newOptions(opts)
	return &DistributedLocker{
		locks:    locks,
		chunks:   chunks,
		metadata: metadata,
		group:    group,
		opts:     o,
		logger:   o.logger.Named("readlock").With(zap.String("group", group)),
	}, nil
}

// Group returns the object namespace of the locker.
func (l *DistributedLocker) Group() string { return l.group }

func decodeCount(key string, value []byte) (int64, error) {
	n, err := storage.DecodeInt64(value)
	if err != nil {
		return 0, errors.Wrapf(ErrCorruptLock, "%s: %v", key, err)
	}
	if n < 0 {
		return 0, errors.Wrapf(ErrCorruptLock, "%s: negative count %d", key, n)
	}
	return n, nil
}

// AcquireReadLock takes a reference on name. It returns false when name does
// not exist or is being deleted.
func (l *DistributedLocker) AcquireReadLock(ctx context.Context, name string) (bool, error) {
	key := LockKey(l.group, name)
	var acquired bool

	retries, err := retry.Until(ctx, l.opts.retry, func() (bool, error) {
		entry, err := l.locks.Get(key)
		switch {
		case errors.Is(err, storage.ErrKeyNotFound):
			_, loaded, err := l.locks.PutIfAbsent(key, storage.EncodeInt64(2))
			if err != nil || loaded {
				return false, err
			}
			// The object may have been deleted, lock entry included, between
			// the read and the insert.
			exists, err := l.exists(name)
			if err != nil {
				return false, err
			}
			if !exists {
				if _, _, err := l.locks.Remove(key); err != nil {
					return false, err
				}
			}
			acquired = exists
			return true, nil
		case err != nil:
			return false, err
		}

		count, err := decodeCount(key, entry.Value)
		if err != nil {
			return false, err
		}
		if count == 0 {
			acquired = false
			return true, nil
		}
		acquired, err = l.locks.Replace(key, entry.Value, storage.EncodeInt64(count+1))
		return acquired, err
	})
	result := "denied"
	if acquired {
		result = "granted"
	}
	observe("acquire", retries, err, result)
	if err != nil {
		return false, errors.Wrapf(err, "acquire read lock %s", key)
	}
	return acquired, nil
}

// DeleteOrReleaseReadLock drops one reference on name and deletes the object
// when it was the last one.
func (l *DistributedLocker) DeleteOrReleaseReadLock(ctx context.Context, name string) error {
	key := LockKey(l.group, name)
	var last bool

	retries, err := retry.Until(ctx, l.opts.retry, func() (bool, error) {
		entry, err := l.locks.Get(key)
		switch {
		case errors.Is(err, storage.ErrKeyNotFound):
			_, loaded, err := l.locks.PutIfAbsent(key, storage.EncodeInt64(0))
			last = err == nil && !loaded
			return last, err
		case err != nil:
			return false, err
		}

		count, err := decodeCount(key, entry.Value)
		if err != nil {
			return false, err
		}
		if count == 0 {
			l.logger.Debug("release on object already being deleted", zap.String("name", name))
			return true, nil
		}
		ok, err := l.locks.Replace(key, entry.Value, storage.EncodeInt64(count-1))
		last = ok && count == 1
		return ok, err
	})
	result := "released"
	if last {
		result = "deleted"
	}
	observe("release", retries, err, result)
	if err != nil {
		return errors.Wrapf(err, "release read lock %s", key)
	}
	if last {
		return l.realDelete(ctx, name)
	}
	return nil
}

// realDelete removes the metadata, then the chunks it lists, then the lock
// entry. Only the caller that drove the count to zero gets here.
func (l *DistributedLocker) realDelete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		l.logger.Warn("deleting despite finished context", zap.String("name", name), zap.Error(err))
	}

	prev, removed, err := l.metadata.Remove(MetadataKey(l.group, name))
	if err != nil {
		return errors.Wrapf(err, "delete metadata of %s", name)
	}
	chunks := 0
	if removed {
		var md Metadata
		if err := md.UnmarshalBinary(prev.Value); err != nil {
			l.logger.Error("cannot locate chunks of deleted object", zap.String("name", name), zap.Error(err))
		} else {
			chunks = md.Chunks()
			for i := 0; i < chunks; i++ {
				l.chunks.RemoveAsync(ChunkKey(l.group, name, md.Generation, i))
			}
		}
	}

	if _, _, err := l.locks.Remove(LockKey(l.group, name)); err != nil {
		return errors.Wrapf(err, "delete read lock of %s", name)
	}
	realDeletions.Inc()
	l.logger.Debug("object deleted",
		zap.String("name", name),
		zap.Bool("had_metadata", removed),
		zap.Int("chunks", chunks),
	)
	return nil
}

func (l *DistributedLocker) exists(name string) (bool, error) {
	_, err := l.metadata.Get(MetadataKey(l.group, name))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func observe(op string, retries int, err error, result string) {
	if err != nil {
		result = "error"
	}
	lockOperations.WithLabelValues(op, result).Inc()
	if retries > 0 {
		lockRetries.WithLabelValues(op).Add(float64(retries))
	}
}
