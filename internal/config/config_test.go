package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/gridsync/internal/counter"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	require.NoError(t, flags.Parse(args))
	return flags
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newFlags(t, "--node-id", "n1"))
	require.NoError(t, err)

	assert.Equal(t, "n1", cfg.NodeID)
	assert.Equal(t, ":8081", cfg.Listen)
	assert.Equal(t, 256, cfg.Segments)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, 16*1024, cfg.ChunkSize)
	assert.Empty(t, cfg.Join)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("GRIDNODE_NODE_ID", "from-env")
	t.Setenv("GRIDNODE_SEGMENTS", "64")
	t.Setenv("GRIDNODE_LOG_LEVEL", "debug")

	cfg, err := Load(newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.NodeID)
	assert.Equal(t, 64, cfg.Segments)
	assert.Equal(t, "debug", cfg.LogLevel)

	cfg, err = Load(newFlags(t, "--segments", "32"))
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Segments, "explicit flag wins over environment")
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridnode.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node-id: n7
join: ["10.0.0.1:7946", "10.0.0.2:7946"]
store: badger
data-dir: /var/lib/gridnode
counters:
  - name: hits
    type: weak
    initial: 5
  - name: stock
    type: bounded-strong
    initial: 10
    lower: 0
    upper: 100
`), 0o600))

	cfg, err := Load(newFlags(t, "--config", path))
	require.NoError(t, err)
	assert.Equal(t, "n7", cfg.NodeID)
	assert.Equal(t, []string{"10.0.0.1:7946", "10.0.0.2:7946"}, cfg.Join)
	require.Len(t, cfg.Counters, 2)

	hits, err := cfg.Counters[0].Configuration()
	require.NoError(t, err)
	assert.Equal(t, counter.WeakConfig(5, counter.DefaultConcurrencyLevel), hits)

	stock, err := cfg.Counters[1].Configuration()
	require.NoError(t, err)
	assert.Equal(t, counter.BoundedStrongConfig(10, 0, 100), stock)
}

func TestValidate(t *testing.T) {
	valid := func() Node {
		return Node{
			NodeID:     "n1",
			Listen:     ":8081",
			GossipAddr: "127.0.0.1",
			Segments:   16,
			Store:      "memory",
			Group:      "objects",
			ChunkSize:  1024,
			LogLevel:   "info",
		}
	}
	require.NoError(t, valid().Validate())

	tests := map[string]func(*Node){
		"missing node id":    func(n *Node) { n.NodeID = "" },
		"bad gossip address": func(n *Node) { n.GossipAddr = "localhost:1" },
		"zero segments":      func(n *Node) { n.Segments = 0 },
		"unknown store":      func(n *Node) { n.Store = "etcd" },
		"badger without dir": func(n *Node) { n.Store = "badger" },
		"bad log level":      func(n *Node) { n.LogLevel = "loud" },
		"bad counter type":   func(n *Node) { n.Counters = []Counter{{Name: "a", Type: "medium"}} },
		"counter bounds": func(n *Node) {
			n.Counters = []Counter{{Name: "a", Type: "bounded-strong", Initial: 5, Upper: 1}}
		},
		"oversized concurrency": func(n *Node) {
			n.Counters = []Counter{{Name: "a", Type: "weak", Concurrency: math.MaxInt}}
		},
		"duplicate counter": func(n *Node) {
			n.Counters = []Counter{{Name: "a", Type: "weak"}, {Name: "a", Type: "weak"}}
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			n := valid()
			mutate(&n)
			assert.Error(t, n.Validate())
		})
	}
}
