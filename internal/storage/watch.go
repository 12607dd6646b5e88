package storage

import (
	"sync"

	"github.com/armon/go-radix"
)

// watchRegistry fans store mutations out to prefix subscriptions.
// Prefixes live in a radix tree, so dispatch only visits the prefixes of the mutated key.
type watchRegistry struct {
	mu     sync.RWMutex
	tree   *radix.Tree // prefix -> map[uint64]WatchFunc
	nextID uint64
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{tree: radix.New()}
}

func (r *watchRegistry) add(prefix string, fn WatchFunc) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID

	var subs map[uint64]WatchFunc
	if v, ok := r.tree.Get(prefix); ok {
		subs = v.(map[uint64]WatchFunc)
	} else {
		subs = make(map[uint64]WatchFunc)
		r.tree.Insert(prefix, subs)
	}
	subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(prefix, id) })
	}
}

func (r *watchRegistry) remove(prefix string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.tree.Get(prefix)
	if !ok {
		return
	}
	subs := v.(map[uint64]WatchFunc)
	delete(subs, id)
	if len(subs) == 0 {
		r.tree.Delete(prefix)
	}
}

// dispatch calls every subscription whose prefix matches ev.Key.
// Callbacks run on the caller's goroutine without the registry lock held.
func (r *watchRegistry) dispatch(ev Event) {
	var fns []WatchFunc

	r.mu.RLock()
	r.tree.WalkPath(ev.Key, func(_ string, v interface{}) bool {
		for _, fn := range v.(map[uint64]WatchFunc) {
			fns = append(fns, fn)
		}
		return false
	})
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
