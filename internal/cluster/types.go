// Package cluster holds the data model shared by the health controller:
// cluster and node specs, per-poll node status, the derived cluster view,
// and the watermark ordering used to pick bootstrap sources.
package cluster

import (
	"fmt"
	"time"
)

// BackendKind identifies the replication model of a deployed cluster.
type BackendKind string

const (
	BackendQuorumMultimaster BackendKind = "quorum-multimaster"
	BackendSentinel          BackendKind = "sentinel-primary-replica"
	BackendConsensus         BackendKind = "consensus-primary-replica"
)

// Valid reports whether the backend kind is one the controller knows.
func (k BackendKind) Valid() bool {
	switch k {
	case BackendQuorumMultimaster, BackendSentinel, BackendConsensus:
		return true
	}
	return false
}

// Role is the replication role a node reports for itself.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
	RoleUnknown Role = "unknown"
)

// Membership is a node's self-reported partition membership.
type Membership string

const (
	MemberPrimaryPartition Membership = "primary-partition"
	MemberNonPrimary       Membership = "non-primary"
	MemberUnreachable      Membership = "unreachable"
)

// SyncState describes how far along a node's replication is.
type SyncState string

const (
	SyncSynced   SyncState = "synced"
	SyncSyncing  SyncState = "syncing"
	SyncDiverged SyncState = "diverged"
	SyncUnknown  SyncState = "unknown"
)

// Health classifies an entire cluster for one poll cycle.
type Health string

const (
	HealthHealthy    Health = "healthy"
	HealthDegraded   Health = "degraded"
	HealthSplitBrain Health = "split-brain"
	HealthDown       Health = "down"
)

// NodeSpec describes one node of the deployed cluster. Specs are created
// at deploy time and never mutated afterwards.
type NodeSpec struct {
	Name         string `yaml:"name" json:"name"`
	Host         string `yaml:"host" json:"host"`
	IP           string `yaml:"ip" json:"ip"`
	IntendedRole Role   `yaml:"intended_role" json:"intended_role"`
}

// Spec is the immutable description of a deployed cluster.
type Spec struct {
	Name    string      `yaml:"name" json:"name"`
	Backend BackendKind `yaml:"backend" json:"backend"`
	Nodes   []NodeSpec  `yaml:"nodes" json:"nodes"`
}

// Quorum returns the majority size for this cluster: floor(N/2)+1.
// For the 4-node fleet that is 3, which makes a 2/2 split unresolvable
// by design.
func (s Spec) Quorum() int {
	return len(s.Nodes)/2 + 1
}

// Node returns the spec for the named node.
func (s Spec) Node(name string) (NodeSpec, bool) {
	for _, n := range s.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// Validate checks the spec is complete enough to operate on.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("cluster name required")
	}
	if !s.Backend.Valid() {
		return fmt.Errorf("unknown backend kind %q", s.Backend)
	}
	if len(s.Nodes) < 2 {
		return fmt.Errorf("cluster needs at least 2 nodes, got %d", len(s.Nodes))
	}
	seen := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.Name == "" || n.Host == "" {
			return fmt.Errorf("node entries need name and host")
		}
		if seen[n.Name] {
			return fmt.Errorf("duplicate node name %q", n.Name)
		}
		seen[n.Name] = true
	}
	return nil
}

// NodeStatus is the normalized result of probing one node. It is produced
// fresh on every poll cycle and never persisted; the cluster view is always
// re-derived from live probes.
type NodeStatus struct {
	Name       string     `json:"name"`
	Reachable  bool       `json:"reachable"`
	Role       Role       `json:"role"`
	Membership Membership `json:"membership"`
	Sync       SyncState  `json:"sync"`
	// PartitionID is the backend-reported identity of the partition the
	// node believes it belongs to (cluster state UUID, reported master
	// address, reported leader name). Empty when unreachable.
	PartitionID string    `json:"partition_id,omitempty"`
	Watermark   Watermark `json:"watermark,omitempty"`
	// WatermarkStale marks a watermark carried forward from an earlier
	// cycle because the node was unreachable in this one.
	WatermarkStale bool      `json:"watermark_stale,omitempty"`
	LastSeen       time.Time `json:"last_seen"`
	Error          string    `json:"error,omitempty"`
}

// Unreachable builds the status recorded for a node whose probe failed or
// timed out. Probe failures are never cluster-fatal on their own.
func Unreachable(name string, err error) NodeStatus {
	st := NodeStatus{
		Name:       name,
		Reachable:  false,
		Role:       RoleUnknown,
		Membership: MemberUnreachable,
		Sync:       SyncUnknown,
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}

// View is the snapshot of one poll cycle: every node's status plus the
// derived classification. Views are ephemeral; only the latest one is
// retained in memory.
type View struct {
	Cluster  string       `json:"cluster"`
	Backend  BackendKind  `json:"backend"`
	Nodes    []NodeStatus `json:"nodes"`
	Health   Health       `json:"health"`
	Quorum   int          `json:"quorum"`
	PolledAt time.Time    `json:"polled_at"`
}

// Node returns the status for the named node.
func (v View) Node(name string) (NodeStatus, bool) {
	for _, n := range v.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeStatus{}, false
}

// ReachableCount returns how many nodes answered their probe this cycle.
func (v View) ReachableCount() int {
	count := 0
	for _, n := range v.Nodes {
		if n.Reachable {
			count++
		}
	}
	return count
}
