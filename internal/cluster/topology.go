package cluster

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Topology is the local node's view of the cluster: who the members are and
// which segments each of them primarily owns.
//
// It is the topology oracle consumed by the counters: IsPrimaryOwner answers
// placement questions, listeners are told whenever ownership may have changed.
//
// Thread Safety:
// All methods are safe for concurrent use. Listeners are invoked outside of
// any Topology lock, on the goroutine that changed the membership.
type Topology struct {
	localID  string
	registry *Registry
	logger   *zap.Logger

	// change serializes SetMembers so members and registry move together.
	change sync.Mutex

	mu        sync.RWMutex
	members   []string
	listeners map[uint64]func()
	nextID    uint64
}

// NewTopology creates a topology for localID with numSegments segments.
// The topology starts without members; until SetMembers is called no key is
// owned by the local node.
func NewTopology(localID string, numSegments int, logger *zap.Logger) *Topology {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Topology{
		localID:   localID,
		registry:  NewRegistry(numSegments),
		logger:    logger.Named("topology").With(zap.String("node", localID)),
		listeners: make(map[uint64]func()),
	}
}

// LocalID returns the ID of the local node.
func (t *Topology) LocalID() string {
	return t.localID
}

// Registry exposes the segment registry backing this topology.
func (t *Topology) Registry() *Registry {
	return t.registry
}

// IsPrimaryOwner reports whether the local node is the primary owner of key.
func (t *Topology) IsPrimaryOwner(key string) bool {
	owner, err := t.registry.OwnerOf(key)
	return err == nil && owner == t.localID
}

// Members returns the current member IDs in sorted order.
func (t *Topology) Members() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.members...)
}

// SetMembers installs a new membership view, rebalances segment ownership and
// notifies listeners. An empty view unassigns every segment. Concurrent
// calls are applied one at a time, listeners included.
func (t *Topology) SetMembers(nodes []string) {
	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)

	t.change.Lock()
	defer t.change.Unlock()

	t.mu.Lock()
	t.members = sorted
	t.mu.Unlock()

	if len(sorted) == 0 {
		for segment := 0; segment < t.registry.NumSegments(); segment++ {
			_ = t.registry.Unassign(segment)
		}
		t.logger.Info("topology cleared")
	} else {
		moved, err := t.registry.Rebalance(sorted)
		if err != nil {
			t.logger.Error("rebalance failed", zap.Error(err))
			return
		}
		t.logger.Info("topology changed",
			zap.Strings("members", sorted),
			zap.Int("moved_segments", len(moved)),
			zap.Int("owned_segments", len(t.registry.NodeSegments(t.localID))),
		)
	}

	t.notify()
}

// AddListener registers fn to run after every membership change.
// The returned function unregisters it.
func (t *Topology) AddListener(fn func()) (remove func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	t.listeners[id] = fn

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

func (t *Topology) notify() {
	t.mu.RLock()
	fns := make([]func(), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}
