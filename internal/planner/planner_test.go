package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairhold/fleetwatch/internal/cluster"
)

func spec(backend cluster.BackendKind) cluster.Spec {
	return cluster.Spec{
		Name:    "test-fleet",
		Backend: backend,
		Nodes: []cluster.NodeSpec{
			{Name: "node1", Host: "10.0.0.1", IP: "10.0.0.1"},
			{Name: "node2", Host: "10.0.0.2", IP: "10.0.0.2"},
			{Name: "node3", Host: "10.0.0.3", IP: "10.0.0.3"},
			{Name: "node4", Host: "10.0.0.4", IP: "10.0.0.4"},
		},
	}
}

func member(name, partition string) cluster.NodeStatus {
	return cluster.NodeStatus{
		Name:        name,
		Reachable:   true,
		Role:        cluster.RolePrimary,
		Membership:  cluster.MemberPrimaryPartition,
		Sync:        cluster.SyncSynced,
		PartitionID: partition,
	}
}

func view(s cluster.Spec, nodes ...cluster.NodeStatus) cluster.View {
	return cluster.View{
		Cluster: s.Name,
		Backend: s.Backend,
		Nodes:   nodes,
		Health:  cluster.Classify(s, nodes),
		Quorum:  s.Quorum(),
	}
}

func TestCompute_Healthy(t *testing.T) {
	s := spec(cluster.BackendQuorumMultimaster)
	v := view(s,
		member("node1", "a"), member("node2", "a"),
		member("node3", "a"), member("node4", "a"))

	plan := Compute(s, v, Request{})
	assert.Equal(t, ActionNone, plan.Action)
	assert.False(t, plan.RequiresConfirmation)
}

func TestCompute_IsPure(t *testing.T) {
	s := spec(cluster.BackendQuorumMultimaster)
	v := view(s,
		member("node1", "a"), member("node2", "a"),
		member("node3", "a"), cluster.Unreachable("node4", nil))

	first := Compute(s, v, Request{})
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Compute(s, v, Request{}))
	}
}

func TestCompute_DegradedMultimaster(t *testing.T) {
	s := spec(cluster.BackendQuorumMultimaster)

	t.Run("timed-out node becomes the rejoin target", func(t *testing.T) {
		v := view(s,
			member("node1", "a"), member("node2", "a"),
			member("node3", "a"), cluster.Unreachable("node4", nil))
		require.Equal(t, cluster.HealthDegraded, v.Health)

		plan := Compute(s, v, Request{})
		assert.Equal(t, ActionRejoinNode, plan.Action)
		assert.Equal(t, "node4", plan.Target)
		assert.False(t, plan.RequiresConfirmation)
	})

	t.Run("non-primary member becomes the rejoin target", func(t *testing.T) {
		outside := member("node2", "")
		outside.Membership = cluster.MemberNonPrimary
		outside.Sync = cluster.SyncDiverged
		v := view(s,
			member("node1", "a"), outside,
			member("node3", "a"), member("node4", "a"))

		plan := Compute(s, v, Request{})
		assert.Equal(t, ActionRejoinNode, plan.Action)
		assert.Equal(t, "node2", plan.Target)
	})
}

func TestCompute_DegradedSentinel(t *testing.T) {
	s := spec(cluster.BackendSentinel)

	replica := func(name, master string, offset int64) cluster.NodeStatus {
		st := member(name, master)
		st.Role = cluster.RoleReplica
		st.Watermark = cluster.OffsetWatermark{Offset: offset}
		return st
	}

	t.Run("promotion already in effect plans nothing", func(t *testing.T) {
		primary := member("node2", "10.0.0.2:6379")
		primary.Watermark = cluster.OffsetWatermark{Offset: 500}
		v := view(s,
			cluster.Unreachable("node1", nil), primary,
			replica("node3", "10.0.0.2:6379", 480), replica("node4", "10.0.0.2:6379", 470))
		require.Equal(t, cluster.HealthDegraded, v.Health)

		plan := Compute(s, v, Request{})
		assert.Equal(t, ActionNone, plan.Action)
	})

	t.Run("no primary visible promotes the highest offset replica", func(t *testing.T) {
		v := view(s,
			cluster.Unreachable("node1", nil), replica("node2", "10.0.0.1:6379", 480),
			replica("node3", "10.0.0.1:6379", 520), replica("node4", "10.0.0.1:6379", 470))
		require.Equal(t, cluster.HealthDegraded, v.Health)

		plan := Compute(s, v, Request{})
		assert.Equal(t, ActionPromoteReplica, plan.Action)
		assert.Equal(t, "node3", plan.Candidate)
		assert.NotEmpty(t, plan.Evidence)
	})
}

func TestCompute_Switchover(t *testing.T) {
	s := spec(cluster.BackendConsensus)
	leader := member("node1", "node1")
	replica := func(name string) cluster.NodeStatus {
		st := member(name, "node1")
		st.Role = cluster.RoleReplica
		return st
	}

	t.Run("only on explicit request", func(t *testing.T) {
		v := view(s, leader, replica("node2"), replica("node3"), replica("node4"))
		plan := Compute(s, v, Request{})
		assert.Equal(t, ActionNone, plan.Action)
	})

	t.Run("requested switchover names the pair", func(t *testing.T) {
		v := view(s, leader, replica("node2"), replica("node3"), replica("node4"))
		plan := Compute(s, v, Request{SwitchoverTo: "node3"})
		assert.Equal(t, ActionPlannedSwitchover, plan.Action)
		assert.Equal(t, "node1", plan.From)
		assert.Equal(t, "node3", plan.To)
	})

	t.Run("refuses an unsynced target", func(t *testing.T) {
		lagging := replica("node3")
		lagging.Sync = cluster.SyncSyncing
		v := view(s, leader, replica("node2"), lagging, replica("node4"))
		plan := Compute(s, v, Request{SwitchoverTo: "node3"})
		assert.Equal(t, ActionNone, plan.Action)
	})

	t.Run("refuses a target outside the cluster", func(t *testing.T) {
		v := view(s, leader, replica("node2"), replica("node3"), replica("node4"))
		plan := Compute(s, v, Request{SwitchoverTo: "intruder"})
		assert.Equal(t, ActionNone, plan.Action)
	})
}

func TestCompute_SplitBrain(t *testing.T) {
	s := spec(cluster.BackendQuorumMultimaster)
	v := view(s,
		member("node1", "a"), member("node2", "a"),
		member("node3", "b"), member("node4", "b"))
	require.Equal(t, cluster.HealthSplitBrain, v.Health)

	plan := Compute(s, v, Request{})
	assert.Equal(t, ActionNone, plan.Action)
	assert.Contains(t, plan.Reason, "split brain")
}

func TestCompute_Down(t *testing.T) {
	s := spec(cluster.BackendQuorumMultimaster)

	dark := func(name string, epoch, seqno int64) cluster.NodeStatus {
		st := cluster.Unreachable(name, nil)
		st.Watermark = cluster.SeqnoWatermark{Epoch: epoch, Seqno: seqno}
		st.WatermarkStale = true
		return st
	}

	t.Run("bootstraps from the highest watermark", func(t *testing.T) {
		v := view(s,
			dark("node1", 2, 5), dark("node2", 2, 7),
			dark("node3", 2, 9), dark("node4", 2, 5))
		require.Equal(t, cluster.HealthDown, v.Health)

		plan := Compute(s, v, Request{})
		assert.Equal(t, ActionBootstrapFromNode, plan.Action)
		assert.Equal(t, "node3", plan.Source)
		assert.True(t, plan.RequiresConfirmation)
		assert.Len(t, plan.Evidence, 4)
	})

	t.Run("watermark pair (2,9) beats (2,5)", func(t *testing.T) {
		v := view(s, dark("node1", 2, 5), dark("node2", 2, 9))
		plan := Compute(s, v, Request{})
		assert.Equal(t, "node2", plan.Source)
	})

	t.Run("epoch dominates seqno", func(t *testing.T) {
		v := view(s, dark("node1", 3, 1), dark("node2", 2, 900))
		plan := Compute(s, v, Request{})
		assert.Equal(t, "node1", plan.Source)
	})

	t.Run("ties break to the lowest node name and are flagged", func(t *testing.T) {
		v := view(s,
			dark("node4", 2, 9), dark("node2", 2, 9),
			dark("node1", 2, 3), dark("node3", 2, 9))
		plan := Compute(s, v, Request{})
		assert.Equal(t, "node2", plan.Source)
		assert.True(t, plan.TieBreak)
	})

	t.Run("no watermarks means no automatic action", func(t *testing.T) {
		v := view(s,
			cluster.Unreachable("node1", nil), cluster.Unreachable("node2", nil),
			cluster.Unreachable("node3", nil), cluster.Unreachable("node4", nil))
		plan := Compute(s, v, Request{})
		assert.Equal(t, ActionNone, plan.Action)
		assert.Contains(t, plan.Reason, "quorum lost")
	})

	t.Run("bootstrap confirmation is always required", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			v := view(s, dark("node1", int64(i), 5), dark("node2", int64(i), 7))
			plan := Compute(s, v, Request{})
			require.Equal(t, ActionBootstrapFromNode, plan.Action)
			assert.True(t, plan.RequiresConfirmation)
		}
	})
}
