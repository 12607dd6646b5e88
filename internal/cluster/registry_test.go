package cluster

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	tests := []struct {
		name        string
		numSegments int
	}{
		{name: "create with 1 segment", numSegments: 1},
		{name: "create with 16 segments", numSegments: 16},
		{name: "create with 256 segments", numSegments: 256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry(tt.numSegments)
			assert.Equal(t, tt.numSegments, registry.NumSegments())
			assert.Empty(t, registry.Assignments())
		})
	}

	t.Run("invalid segment count panics", func(t *testing.T) {
		assert.Panics(t, func() { NewRegistry(0) })
	})
}

func TestRegistryAssignment(t *testing.T) {
	t.Run("assign and look up", func(t *testing.T) {
		registry := NewRegistry(4)
		require.NoError(t, registry.Assign(0, "node1"))

		a := registry.Assignment(0)
		require.NotNil(t, a)
		assert.Equal(t, SegmentAssignment{Segment: 0, NodeID: "node1"}, *a)
		assert.Nil(t, registry.Assignment(1))
		assert.Nil(t, registry.Assignment(99))
	})

	t.Run("invalid input", func(t *testing.T) {
		registry := NewRegistry(4)
		assert.Error(t, registry.Assign(-1, "node1"))
		assert.Error(t, registry.Assign(4, "node1"))
		assert.Error(t, registry.Assign(0, ""))
		assert.Error(t, registry.Unassign(4))
	})

	t.Run("unassign", func(t *testing.T) {
		registry := NewRegistry(4)
		require.NoError(t, registry.Assign(2, "node1"))
		require.NoError(t, registry.Unassign(2))
		require.NoError(t, registry.Unassign(2))
		assert.Nil(t, registry.Assignment(2))
	})

	t.Run("owner of key", func(t *testing.T) {
		registry := NewRegistry(8)
		_, err := registry.OwnerOf("k")
		assert.ErrorIs(t, err, ErrSegmentUnassigned)

		segment := registry.SegmentForKey("k")
		require.NoError(t, registry.Assign(segment, "node2"))
		owner, err := registry.OwnerOf("k")
		require.NoError(t, err)
		assert.Equal(t, "node2", owner)
	})
}

func TestRegistrySegmentForKey(t *testing.T) {
	registry := NewRegistry(16)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("counter/c/%d", i)
		s := registry.SegmentForKey(key)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, 16)
		assert.Equal(t, s, registry.SegmentForKey(key), "hash must be deterministic")
	}
}

func TestRegistryRebalance(t *testing.T) {
	t.Run("no nodes", func(t *testing.T) {
		_, err := NewRegistry(4).Rebalance(nil)
		assert.ErrorIs(t, err, ErrNoNodes)
	})

	t.Run("every segment gets an owner", func(t *testing.T) {
		registry := NewRegistry(64)
		moved, err := registry.Rebalance([]string{"n1", "n2", "n3"})
		require.NoError(t, err)
		assert.Len(t, moved, 64)
		assert.Len(t, registry.Assignments(), 64)

		total := 0
		for _, n := range []string{"n1", "n2", "n3"} {
			total += len(registry.NodeSegments(n))
		}
		assert.Equal(t, 64, total)
	})

	t.Run("same view gives same owners on every node", func(t *testing.T) {
		a, b := NewRegistry(32), NewRegistry(32)
		_, err := a.Rebalance([]string{"n1", "n2", "n3"})
		require.NoError(t, err)
		_, err = b.Rebalance([]string{"n3", "n1", "n2"})
		require.NoError(t, err)
		assert.Equal(t, a.Assignments(), b.Assignments())
	})

	t.Run("rebalance with same view moves nothing", func(t *testing.T) {
		registry := NewRegistry(32)
		_, err := registry.Rebalance([]string{"n1", "n2"})
		require.NoError(t, err)
		moved, err := registry.Rebalance([]string{"n2", "n1"})
		require.NoError(t, err)
		assert.Empty(t, moved)
	})

	t.Run("leaving node only moves its segments", func(t *testing.T) {
		registry := NewRegistry(128)
		_, err := registry.Rebalance([]string{"n1", "n2", "n3"})
		require.NoError(t, err)
		owned := registry.NodeSegments("n3")

		moved, err := registry.Rebalance([]string{"n1", "n2"})
		require.NoError(t, err)
		assert.ElementsMatch(t, owned, moved)
	})
}

func TestRegistryConcurrency(t *testing.T) {
	registry := NewRegistry(64)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = registry.Rebalance([]string{fmt.Sprintf("n%d", i), "n-shared"})
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, _ = registry.OwnerOf(fmt.Sprintf("key-%d", j))
				_ = registry.NodeSegments("n-shared")
			}
		}()
	}
	wg.Wait()
	assert.Len(t, registry.Assignments(), 64)
}
