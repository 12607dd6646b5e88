package cluster

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"

	"github.com/lafikl/consistent"
)

// ErrNoNodes is returned when a rebalance is requested without any node.
var ErrNoNodes = errors.New("cannot rebalance with no nodes")

// ErrSegmentUnassigned is returned when a key maps to a segment without owner.
var ErrSegmentUnassigned = errors.New("segment is not assigned to any node")

// SegmentAssignment represents the primary ownership of one segment.
type SegmentAssignment struct {
	// NodeID identifies the primary owner of the segment.
	NodeID string

	// Segment is the segment identifier, in [0, numSegments).
	Segment int
}

// Registry manages segment-to-node assignments, serving as the authoritative
// source for primary ownership decisions.
//
// Keys are hashed onto a fixed number of segments; segments are assigned to
// nodes. Ownership of a key is therefore a two step lookup:
//
//	┌─────────────────────────────────────────┐
//	│  Key → FNV-1a → Segment → Primary node  │
//	│  "counter/hits/3" → 0x1a2b → 5 → "n2"   │
//	└─────────────────────────────────────────┘
//
// Rebalance places segments with a consistent hash ring of the member nodes, so
// a join or leave only moves the segments that the ring hands to a different
// node instead of reshuffling everything.
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Assign, Unassign and Rebalance take the write lock
//   - Returned slices are copies
type Registry struct {
	mu          sync.RWMutex
	owners      []string // segment -> node ID, "" when unassigned
	numSegments int
}

// NewRegistry creates a registry with a fixed number of segments.
//
// The number of segments is fixed for the cluster lifetime and should be much
// larger than the expected node count so that ownership spreads evenly.
//
// Parameters:
//   - numSegments: Total number of segments (must be > 0)
//
// Example:
//
//	registry := NewRegistry(256)
//	moved, err := registry.Rebalance([]string{"node-1", "node-2"})
func NewRegistry(numSegments int) *Registry {
	if numSegments <= 0 {
		panic(fmt.Sprintf("cluster: invalid segment count %d", numSegments))
	}
	return &Registry{
		owners:      make([]string, numSegments),
		numSegments: numSegments,
	}
}

func (r *Registry) checkSegment(segment int) error {
	if segment < 0 || segment >= r.numSegments {
		return fmt.Errorf("invalid segment %d, must be in range [0, %d)", segment, r.numSegments)
	}
	return nil
}

// Assign makes nodeID the primary owner of segment, overwriting any previous owner.
func (r *Registry) Assign(segment int, nodeID string) error {
	if err := r.checkSegment(segment); err != nil {
		return err
	}
	if nodeID == "" {
		return errors.New("node ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[segment] = nodeID
	return nil
}

// Unassign leaves segment without owner.
// Returns nil even when the segment was not assigned.
func (r *Registry) Unassign(segment int) error {
	if err := r.checkSegment(segment); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[segment] = ""
	return nil
}

// Assignment returns the current assignment of segment, or nil when unassigned
// or out of range.
func (r *Registry) Assignment(segment int) *SegmentAssignment {
	if r.checkSegment(segment) != nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.owners[segment] == "" {
		return nil
	}
	return &SegmentAssignment{Segment: segment, NodeID: r.owners[segment]}
}

// Assignments returns every assigned segment ordered by segment.
func (r *Registry) Assignments() []SegmentAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SegmentAssignment, 0, r.numSegments)
	for segment, node := range r.owners {
		if node != "" {
			out = append(out, SegmentAssignment{Segment: segment, NodeID: node})
		}
	}
	return out
}

// SegmentForKey determines which segment a key belongs to.
//
// Hashing algorithm:
//   - FNV-1a, 32 bit
//   - Deterministic: same key always maps to same segment
//
// Thread Safety:
// Pure computation with no shared state access.
func (r *Registry) SegmentForKey(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(r.numSegments))
}

// OwnerOf returns the primary owner of key.
// Returns ErrSegmentUnassigned if the key's segment has no owner.
func (r *Registry) OwnerOf(key string) (string, error) {
	segment := r.SegmentForKey(key)

	r.mu.RLock()
	node := r.owners[segment]
	r.mu.RUnlock()

	if node == "" {
		return "", fmt.Errorf("segment %d: %w", segment, ErrSegmentUnassigned)
	}
	return node, nil
}

// NodeSegments returns the segments owned by nodeID in ascending order.
func (r *Registry) NodeSegments(nodeID string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var segments []int
	for segment, node := range r.owners {
		if node == nodeID {
			segments = append(segments, segment)
		}
	}
	return segments
}

// NumSegments returns the total number of segments.
func (r *Registry) NumSegments() int {
	return r.numSegments
}

// Rebalance redistributes every segment across nodes with a consistent hash ring.
//
// Rebalancing algorithm:
//   - Nodes are put on a consistent hash ring
//   - Segment i is owned by the ring node for "segment-i"
//   - Previous assignments are overwritten
//
// The result only depends on the node set, so every member computing the
// rebalance from the same membership view agrees on ownership without any
// coordination.
//
// Returns:
//   - the segments whose owner changed
//   - ErrNoNodes if nodes is empty
func (r *Registry) Rebalance(nodes []string) ([]int, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}

	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)
	ring := consistent.New()
	for _, node := range sorted {
		ring.Add(node)
	}

	owners := make([]string, r.numSegments)
	for segment := range owners {
		node, err := ring.Get("segment-" + strconv.Itoa(segment))
		if err != nil {
			return nil, err
		}
		owners[segment] = node
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var moved []int
	for segment, node := range owners {
		if r.owners[segment] != node {
			moved = append(moved, segment)
		}
	}
	r.owners = owners
	return moved, nil
}
