// Package cluster provides the local node's view of cluster topology: member
// discovery over gossip, segment ownership, and the primary-owner oracle used
// to bias counter writes toward locally owned keys.
//
// # Overview
//
// gridsync treats the key-value store as an external collaborator; what the
// counters additionally need from the cluster is a single question, "is this
// node the primary owner of key K?", plus a signal when the answer may have
// changed. This package answers both.
//
// # Architecture
//
//	┌──────────────┐   join/leave   ┌──────────────┐  rebalance  ┌──────────────┐
//	│  memberlist  │ ─────────────▶ │   Topology   │ ──────────▶ │   Registry   │
//	│ (Membership) │                │  listeners   │             │ seg → owner  │
//	└──────────────┘                └──────┬───────┘             └──────────────┘
//	                                       │ notify
//	                                       ▼
//	                             WeakCounter.UpdatePreferredKeys
//
// # Core Components
//
// Registry: segment ownership
//   - Fixed number of segments, keys hashed with FNV-1a
//   - Rebalance places segments on a consistent hash ring of member IDs
//   - Deterministic: all members with the same view agree on owners
//
// Topology: the oracle
//   - IsPrimaryOwner(key) for the local node
//   - SetMembers(view) rebalances and notifies listeners
//   - AddListener(fn) returns an unregister function
//
// Membership: gossip
//   - hashicorp/memberlist LAN configuration
//   - EventDelegate feeds join/leave/update into the Topology
//
// # Thread Safety
//
// All types are safe for concurrent use. Topology listeners run on the
// goroutine that installed the new view and must not block.
package cluster
