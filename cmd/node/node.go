package main

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/gridsync/internal/cluster"
	"github.com/dreamware/gridsync/internal/config"
	"github.com/dreamware/gridsync/internal/counter"
	"github.com/dreamware/gridsync/internal/readlock"
	"github.com/dreamware/gridsync/internal/retry"
	"github.com/dreamware/gridsync/internal/storage"
)

// Node is the runtime state of one gridnode process.
//
// Counters and objects share the node's store; their keys live under
// distinct prefixes. Several Nodes see the same state only when they are
// built over the same store value. The topology starts empty and is filled by
// the gossip membership once run starts it, until then every counter write
// falls back to the full shard set.
type Node struct {
	ID string

	store      storage.Store
	topology   *cluster.Topology
	membership *cluster.Membership // nil until gossip is started
	counters   *counter.Manager
	locks      *readlock.LocalLockMerger
	objects    *readlock.Directory
	logger     *zap.Logger
	started    time.Time
}

// NewNode wires the counter manager and the object directory over store and
// defines the counters listed in cfg. Counters already defined in the store
// keep their existing definition.
func NewNode(cfg config.Node, store storage.Store, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	topology := cluster.NewTopology(cfg.NodeID, cfg.Segments, logger)

	counters := counter.NewManager(store,
		counter.WithLogger(logger),
		counter.WithTopology(topology),
		counter.WithRetryPolicy(retry.Exponential()),
	)
	for _, c := range cfg.Counters {
		ccfg, err := c.Configuration()
		if err != nil {
			return nil, errors.Wrapf(err, "counter %q", c.Name)
		}
		if _, err := counters.Define(c.Name, ccfg); err != nil {
			return nil, err
		}
	}

	remote, err := readlock.NewDistributedLocker(store, store, store, cfg.Group,
		readlock.WithLogger(logger),
		readlock.WithRetryPolicy(retry.Exponential()),
	)
	if err != nil {
		return nil, err
	}
	locks := readlock.NewLocalLockMerger(remote, logger)
	objects, err := readlock.NewDirectory(cfg.Group, store, store, locks, cfg.ChunkSize, logger)
	if err != nil {
		return nil, err
	}

	return &Node{
		ID:       cfg.NodeID,
		store:    store,
		topology: topology,
		counters: counters,
		locks:    locks,
		objects:  objects,
		logger:   logger,
		started:  time.Now(),
	}, nil
}

// Members returns the cluster members as seen by this node.
func (n *Node) Members() []cluster.NodeInfo {
	if n.membership != nil {
		return n.membership.Members()
	}
	ids := n.topology.Members()
	out := make([]cluster.NodeInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, cluster.NodeInfo{ID: id})
	}
	return out
}

// Close stops the local counter instances. The store is left untouched.
func (n *Node) Close() {
	n.counters.Close()
}
