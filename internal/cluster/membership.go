package cluster

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NodeInfo describes a cluster member.
type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// MembershipConfig configures the gossip layer.
type MembershipConfig struct {
	NodeID   string
	BindAddr string
	BindPort int // 0 picks a free port
	// GossipInterval overrides the memberlist default when non-zero.
	GossipInterval time.Duration
	// PushPullInterval overrides the memberlist default when non-zero.
	PushPullInterval time.Duration
}

// Membership keeps a Topology in sync with a memberlist gossip cluster.
//
// Every join, leave or update reported by memberlist produces a new member
// view which is pushed into the topology; the topology rebalances segment
// ownership and tells the counters to recompute their preferred shards.
type Membership struct {
	topology *Topology
	logger   *zap.Logger
	ml       *memberlist.Memberlist

	mu    sync.Mutex
	nodes map[string]NodeInfo
}

// StartMembership creates the local memberlist node. The node is alone until
// Join is called.
func StartMembership(cfg MembershipConfig, topology *Topology, logger *zap.Logger) (*Membership, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Membership{
		topology: topology,
		logger:   logger.Named("membership").With(zap.String("node", cfg.NodeID)),
		nodes:    make(map[string]NodeInfo),
	}

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = cfg.NodeID
	mlCfg.BindAddr = cfg.BindAddr
	mlCfg.BindPort = cfg.BindPort
	mlCfg.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlCfg.GossipInterval = cfg.GossipInterval
	}
	if cfg.PushPullInterval > 0 {
		mlCfg.PushPullInterval = cfg.PushPullInterval
	}
	mlCfg.Events = m
	mlCfg.LogOutput = nil
	mlCfg.Logger = zap.NewStdLog(m.logger)

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, errors.Wrap(err, "create memberlist")
	}
	m.ml = ml
	return m, nil
}

// Join contacts existing members. It returns the number of nodes reached.
func (m *Membership) Join(addrs []string) (int, error) {
	if len(addrs) == 0 {
		return 0, nil
	}
	n, err := m.ml.Join(addrs)
	if err != nil {
		return n, errors.Wrapf(err, "join %v", addrs)
	}
	m.logger.Info("joined cluster", zap.Int("contacted", n))
	return n, nil
}

// LocalAddr returns the gossip address of the local node.
func (m *Membership) LocalAddr() string {
	return m.ml.LocalNode().Address()
}

// Members returns the current members ordered by ID.
func (m *Membership) Members() []NodeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NodeInfo, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Leave announces departure and stops gossiping.
func (m *Membership) Leave(timeout time.Duration) error {
	if err := m.ml.Leave(timeout); err != nil {
		m.logger.Warn("leave failed", zap.Error(err))
	}
	return m.ml.Shutdown()
}

// NotifyJoin implements memberlist.EventDelegate.
func (m *Membership) NotifyJoin(n *memberlist.Node) {
	m.logger.Info("member joined", zap.String("member", n.Name), zap.String("addr", n.Address()))
	m.update(func(nodes map[string]NodeInfo) {
		nodes[n.Name] = NodeInfo{ID: n.Name, Addr: n.Address()}
	})
}

// NotifyLeave implements memberlist.EventDelegate.
func (m *Membership) NotifyLeave(n *memberlist.Node) {
	m.logger.Info("member left", zap.String("member", n.Name))
	m.update(func(nodes map[string]NodeInfo) {
		delete(nodes, n.Name)
	})
}

// NotifyUpdate implements memberlist.EventDelegate.
func (m *Membership) NotifyUpdate(n *memberlist.Node) {
	m.update(func(nodes map[string]NodeInfo) {
		nodes[n.Name] = NodeInfo{ID: n.Name, Addr: n.Address()}
	})
}

// update applies change and pushes the resulting view. Views are applied under
// m.mu so that the topology never goes back to an older one.
func (m *Membership) update(change func(map[string]NodeInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	change(m.nodes)
	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	m.topology.SetMembers(ids)
}
