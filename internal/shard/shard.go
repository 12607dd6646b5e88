package shard

import (
	"strconv"
	"strings"

	"github.com/spaolacci/murmur3"
	"go.uber.org/atomic"
)

// KeyPrefix is the store namespace of weak counter shards.
const KeyPrefix = "counter/"

// Key identifies one shard of a weak counter.
// Keys are immutable; the full set for a counter is created once and never resized.
type Key struct {
	Counter string // Logical counter name
	Index   int    // Shard index in [0, len(keys))
}

// String returns the store key, "counter/<name>/<index>".
func (k Key) String() string {
	return Prefix(k.Counter) + strconv.Itoa(k.Index)
}

// Prefix returns the store prefix shared by every shard of counter.
func Prefix(counter string) string {
	return KeyPrefix + counter + "/"
}

// ParseIndex extracts the shard index from a store key of counter.
// ok is false when storeKey does not belong to counter.
func ParseIndex(counter, storeKey string) (index int, ok bool) {
	rest, found := strings.CutPrefix(storeKey, Prefix(counter))
	if !found {
		return 0, false
	}
	index, err := strconv.Atoi(rest)
	if err != nil || index < 0 {
		return 0, false
	}
	return index, true
}

// MaxSize is the largest shard count of a counter. Configurations asking for a
// higher concurrency level are rejected before they reach Size.
const MaxSize = 1 << 16

// Size rounds concurrencyLevel up to the next power of two, capped at MaxSize.
func Size(concurrencyLevel int) int {
	n := 1
	for n < concurrencyLevel && n < MaxSize {
		n <<= 1
	}
	return n
}

// NewKeys builds the fixed shard array of counter.
func NewKeys(counter string, concurrencyLevel int) []Key {
	keys := make([]Key, Size(concurrencyLevel))
	for i := range keys {
		keys[i] = Key{Counter: counter, Index: i}
	}
	return keys
}

// Oracle answers whether the local node is the primary owner of a store key.
type Oracle interface {
	IsPrimaryOwner(key string) bool
}

// Selector picks the shard a write goes to.
//
// Writes prefer shards whose primary owner is the local node, which saves a
// network hop in a real grid. The preferred subset is recomputed on topology
// changes and published with a single atomic pointer swap, so FindKey never
// observes a partially built slice.
//
// Thread Safety:
// FindKey and UpdatePreferredKeys are safe for concurrent use.
type Selector struct {
	keys      []Key
	oracle    Oracle
	preferred atomic.Pointer[[]Key]

	preferredHits atomic.Uint64
	fallbackHits  atomic.Uint64
}

// NewSelector creates a selector over keys. It starts without preferred keys
// until UpdatePreferredKeys is called. A nil oracle never prefers any shard.
func NewSelector(keys []Key, oracle Oracle) *Selector {
	if len(keys) == 0 {
		panic("shard: selector needs at least one key")
	}
	return &Selector{keys: keys, oracle: oracle}
}

// Keys returns the full shard array. The slice must not be modified.
func (s *Selector) Keys() []Key {
	return s.keys
}

// FindKey selects a shard for hash: an entry of the preferred keys when any
// exist, otherwise an entry of the full shard array.
func (s *Selector) FindKey(hash uint64) Key {
	if p := s.preferred.Load(); p != nil && len(*p) > 0 {
		s.preferredHits.Inc()
		keys := *p
		return keys[hash%uint64(len(keys))]
	}
	s.fallbackHits.Inc()
	return s.keys[hash%uint64(len(s.keys))]
}

// UpdatePreferredKeys recomputes the locally owned shards and publishes them.
func (s *Selector) UpdatePreferredKeys() {
	var preferred []Key
	if s.oracle != nil {
		for _, k := range s.keys {
			if s.oracle.IsPrimaryOwner(k.String()) {
				preferred = append(preferred, k)
			}
		}
	}
	s.preferred.Store(&preferred)
}

// PreferredKeys returns the currently published preferred keys.
func (s *Selector) PreferredKeys() []Key {
	if p := s.preferred.Load(); p != nil {
		return *p
	}
	return nil
}

// Stats returns how many selections hit the preferred set and how many fell back.
func (s *Selector) Stats() (preferred, fallback uint64) {
	return s.preferredHits.Load(), s.fallbackHits.Load()
}

// HashOf hashes a caller identity into a selector hash.
func HashOf(affinity string) uint64 {
	return murmur3.Sum64([]byte(affinity))
}
