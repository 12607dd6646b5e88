package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is returned when a key doesn't exist in the store
	ErrKeyNotFound = errors.New("key not found")

	// ErrStoreClosed is returned by operations issued after Close
	ErrStoreClosed = errors.New("store closed")
)

// Store defines the interface for the shared key-value store consumed by the
// counters and the read-lock protocol.
//
// Every mutation is either a conditional insert (PutIfAbsent), a compare-and-swap
// (Replace) or a removal. There is deliberately no unconditional write: callers
// coordinate exclusively through single-key CAS, which is what allows several
// nodes to use the same store without any external locking.
//
// All implementations must be thread-safe for concurrent access.
type Store interface {
	// Get retrieves the entry stored under key.
	// Returns ErrKeyNotFound if the key doesn't exist.
	Get(key string) (Entry, error)

	// PutIfAbsent inserts value only when key is absent.
	// When the key already exists the existing entry is returned with loaded=true
	// and nothing is written.
	PutIfAbsent(key string, value []byte) (existing Entry, loaded bool, err error)

	// Replace swaps the value of key from expected to value.
	// Returns false when the key is absent or its value differs from expected.
	Replace(key string, expected, value []byte) (bool, error)

	// Remove deletes key and returns the removed entry.
	// removed is false when the key did not exist.
	Remove(key string) (previous Entry, removed bool, err error)

	// RemoveAsync deletes key in the background. Failures are logged, not returned.
	RemoveAsync(key string)

	// Watch registers fn for every mutation of a key starting with prefix.
	// The returned function cancels the registration.
	Watch(prefix string, fn WatchFunc) (cancel func())

	// EvictionEnabled reports whether entries may disappear without an explicit Remove.
	EvictionEnabled() bool

	// Keys returns all keys in the store
	// Order is not guaranteed
	Keys() []string

	// Stats returns storage statistics
	Stats() StoreStats

	// Close waits for background removals and releases resources.
	Close() error
}

// Entry is a stored value together with the store revision of its last mutation.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// Event describes one mutation delivered to watchers.
// Deleted events carry a nil Value.
type Event struct {
	Key      string
	Value    []byte
	Revision uint64
	Deleted  bool
}

// WatchFunc receives store mutations.
type WatchFunc func(Event)

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int // Number of keys
	Bytes int // Total size of all values in bytes
}

// EncodeInt64 encodes v as 8 bytes big-endian.
func EncodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// DecodeInt64 decodes a value written by EncodeInt64.
func DecodeInt64(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid int64 encoding: %d bytes", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}
