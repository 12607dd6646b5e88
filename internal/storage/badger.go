package storage

import (
	"bytes"
	"encoding/binary"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// reservedPrefix marks internal keys that are hidden from Keys and Stats.
	reservedPrefix = "\x00"
	revisionSeqKey = reservedPrefix + "meta/revision"
	revisionBand   = 1000
	revisionSize   = 8
)

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in memory, mostly for tests.
	InMemory bool
	// SyncWrites makes every commit durable before returning.
	SyncWrites bool
}

// BadgerStore implements Store on top of a badger database.
//
// CAS is built on badger's optimistic transactions: a transaction reads the
// key, compares, writes, and commits. A concurrent commit on the same key makes
// the commit fail with badger.ErrConflict, in which case the whole transaction
// is re-evaluated against the new value.
//
// Each stored value is prefixed with an 8 byte revision taken from a badger
// sequence, so revisions survive restarts and stay strictly increasing.
type BadgerStore struct {
	db      *badger.DB
	seq     *badger.Sequence
	watches *watchRegistry
	pending sync.WaitGroup
	logger  *zap.Logger
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

// OpenBadgerStore opens or creates a badger backed store.
func OpenBadgerStore(cfg BadgerConfig, opts ...Option) (*BadgerStore, error) {
	o := newOptions(opts)
	logger := o.logger.Named("badger-store")

	bopts := badger.DefaultOptions(cfg.Dir).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{SugaredLogger: logger.Sugar()})
	if cfg.InMemory {
		bopts = bopts.WithDir("").WithValueDir("")
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	seq, err := db.GetSequence([]byte(revisionSeqKey), revisionBand)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "revision sequence")
	}

	return &BadgerStore{
		db:      db,
		seq:     seq,
		watches: newWatchRegistry(),
		logger:  logger,
	}, nil
}

func (s *BadgerStore) nextRevision() (uint64, error) {
	n, err := s.seq.Next()
	if err != nil {
		return 0, errors.Wrap(err, "next revision")
	}
	return n + 1, nil
}

func encodeRecord(rev uint64, value []byte) []byte {
	b := make([]byte, revisionSize+len(value))
	binary.BigEndian.PutUint64(b, rev)
	copy(b[revisionSize:], value)
	return b
}

func decodeRecord(b []byte) (uint64, []byte, error) {
	if len(b) < revisionSize {
		return 0, nil, errors.Errorf("corrupted record: %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), b[revisionSize:], nil
}

func readRecord(txn *badger.Txn, key string) (uint64, []byte, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return 0, nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, nil, err
	}
	return decodeRecord(raw)
}

// update runs fn in a read-write transaction, re-running it on commit conflicts.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	for {
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
}

// Get retrieves an entry by key.
func (s *BadgerStore) Get(key string) (Entry, error) {
	var entry Entry
	err := s.db.View(func(txn *badger.Txn) error {
		rev, value, err := readRecord(txn, key)
		if err != nil {
			return err
		}
		entry = Entry{Key: key, Value: value, Revision: rev}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, ErrKeyNotFound
	}
	if err != nil {
		return Entry{}, errors.Wrapf(err, "get %q", key)
	}
	return entry, nil
}

// PutIfAbsent stores value only if key is absent.
func (s *BadgerStore) PutIfAbsent(key string, value []byte) (Entry, bool, error) {
	var (
		existing Entry
		loaded   bool
		rev      uint64
	)
	err := s.update(func(txn *badger.Txn) error {
		loaded = false
		curRev, cur, err := readRecord(txn, key)
		switch {
		case err == nil:
			existing, loaded = Entry{Key: key, Value: cur, Revision: curRev}, true
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if rev, err = s.nextRevision(); err != nil {
			return err
		}
		return txn.Set([]byte(key), encodeRecord(rev, value))
	})
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, "put-if-absent %q", key)
	}
	if !loaded {
		s.watches.dispatch(Event{Key: key, Value: clone(value), Revision: rev})
	}
	return existing, loaded, nil
}

// Replace swaps the value only when the current value equals expected.
func (s *BadgerStore) Replace(key string, expected, value []byte) (bool, error) {
	var (
		replaced bool
		rev      uint64
	)
	err := s.update(func(txn *badger.Txn) error {
		replaced = false
		_, cur, err := readRecord(txn, key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(cur, expected) {
			return nil
		}
		if rev, err = s.nextRevision(); err != nil {
			return err
		}
		replaced = true
		return txn.Set([]byte(key), encodeRecord(rev, value))
	})
	if err != nil {
		return false, errors.Wrapf(err, "replace %q", key)
	}
	if replaced {
		s.watches.dispatch(Event{Key: key, Value: clone(value), Revision: rev})
	}
	return replaced, nil
}

// Remove deletes key and returns the removed entry.
func (s *BadgerStore) Remove(key string) (Entry, bool, error) {
	var (
		previous Entry
		removed  bool
		rev      uint64
	)
	err := s.update(func(txn *badger.Txn) error {
		removed = false
		curRev, cur, err := readRecord(txn, key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rev, err = s.nextRevision(); err != nil {
			return err
		}
		previous, removed = Entry{Key: key, Value: cur, Revision: curRev}, true
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, "remove %q", key)
	}
	if removed {
		s.watches.dispatch(Event{Key: key, Revision: rev, Deleted: true})
	}
	return previous, removed, nil
}

// RemoveAsync removes key on a background goroutine.
func (s *BadgerStore) RemoveAsync(key string) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if _, _, err := s.Remove(key); err != nil {
			s.logger.Warn("async remove failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

// Watch subscribes fn to mutations of keys starting with prefix.
func (s *BadgerStore) Watch(prefix string, fn WatchFunc) func() {
	return s.watches.add(prefix, fn)
}

// EvictionEnabled is always false, badger never drops live keys.
func (s *BadgerStore) EvictionEnabled() bool {
	return false
}

func (s *BadgerStore) iterate(fn func(key string, size int)) {
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			if strings.HasPrefix(key, reservedPrefix) {
				continue
			}
			fn(key, int(item.ValueSize())-revisionSize)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("iteration failed", zap.Error(err))
	}
}

// Keys returns all keys in the store.
func (s *BadgerStore) Keys() []string {
	var keys []string
	s.iterate(func(key string, _ int) {
		keys = append(keys, key)
	})
	return keys
}

// Stats returns storage statistics.
func (s *BadgerStore) Stats() StoreStats {
	var stats StoreStats
	s.iterate(func(_ string, size int) {
		stats.Keys++
		stats.Bytes += size
	})
	return stats
}

// Close waits for pending async removals and closes the database.
func (s *BadgerStore) Close() error {
	s.pending.Wait()
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("release revision sequence", zap.Error(err))
	}
	return s.db.Close()
}
