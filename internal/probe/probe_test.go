package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairhold/fleetwatch/internal/cluster"
)

func TestNormalizeGalera(t *testing.T) {
	t.Run("synced primary component member", func(t *testing.T) {
		st := NormalizeGalera("node1", map[string]string{
			"wsrep_cluster_status":      "Primary",
			"wsrep_local_state_comment": "Synced",
			"wsrep_cluster_state_uuid":  "ac6f6868-1bb5-11ef-9337-6e9b72f9b1c2",
			"wsrep_cluster_conf_id":     "12",
			"wsrep_last_committed":      "48291",
		})
		assert.Equal(t, cluster.MemberPrimaryPartition, st.Membership)
		assert.Equal(t, cluster.RolePrimary, st.Role)
		assert.Equal(t, cluster.SyncSynced, st.Sync)
		assert.Equal(t, "ac6f6868-1bb5-11ef-9337-6e9b72f9b1c2", st.PartitionID)
		require.NotNil(t, st.Watermark)
		assert.Equal(t, cluster.SeqnoWatermark{Epoch: 12, Seqno: 48291}, st.Watermark)
	})

	t.Run("donor is syncing not synced", func(t *testing.T) {
		st := NormalizeGalera("node2", map[string]string{
			"wsrep_cluster_status":      "Primary",
			"wsrep_local_state_comment": "Donor/Desynced",
			"wsrep_cluster_conf_id":     "12",
			"wsrep_last_committed":      "48000",
		})
		assert.Equal(t, cluster.SyncSyncing, st.Sync)
		assert.Equal(t, cluster.MemberPrimaryPartition, st.Membership)
	})

	t.Run("non-primary component cannot take writes", func(t *testing.T) {
		st := NormalizeGalera("node3", map[string]string{
			"wsrep_cluster_status":      "non-Primary",
			"wsrep_local_state_comment": "Initialized",
		})
		assert.Equal(t, cluster.MemberNonPrimary, st.Membership)
		assert.NotEqual(t, cluster.RolePrimary, st.Role)
		assert.Equal(t, cluster.SyncUnknown, st.Sync)
	})

	t.Run("inconsistent node is diverged", func(t *testing.T) {
		st := NormalizeGalera("node4", map[string]string{
			"wsrep_cluster_status":      "Primary",
			"wsrep_local_state_comment": "Inconsistent",
		})
		assert.Equal(t, cluster.SyncDiverged, st.Sync)
	})

	t.Run("missing counters leave the watermark nil", func(t *testing.T) {
		st := NormalizeGalera("node1", map[string]string{
			"wsrep_cluster_status": "Primary",
		})
		assert.Nil(t, st.Watermark)
	})
}

func TestNormalizeSentinel(t *testing.T) {
	node := cluster.NodeSpec{Name: "node1", Host: "10.0.0.1", IP: "10.0.0.1"}

	t.Run("master anchors its own partition", func(t *testing.T) {
		st := NormalizeSentinel(node, map[string]string{
			"role":               "master",
			"connected_slaves":   "3",
			"master_repl_offset": "123456",
		}, 6379)
		assert.Equal(t, cluster.RolePrimary, st.Role)
		assert.Equal(t, cluster.MemberPrimaryPartition, st.Membership)
		assert.Equal(t, "10.0.0.1:6379", st.PartitionID)
		assert.Equal(t, cluster.OffsetWatermark{Offset: 123456}, st.Watermark)
	})

	t.Run("replica with link up follows its master's partition", func(t *testing.T) {
		st := NormalizeSentinel(cluster.NodeSpec{Name: "node2", Host: "10.0.0.2"}, map[string]string{
			"role":                    "slave",
			"master_host":             "10.0.0.1",
			"master_port":             "6379",
			"master_link_status":      "up",
			"master_sync_in_progress": "0",
			"slave_repl_offset":       "123000",
		}, 6379)
		assert.Equal(t, cluster.RoleReplica, st.Role)
		assert.Equal(t, cluster.MemberPrimaryPartition, st.Membership)
		assert.Equal(t, "10.0.0.1:6379", st.PartitionID)
		assert.Equal(t, cluster.SyncSynced, st.Sync)
		assert.Equal(t, cluster.OffsetWatermark{Offset: 123000}, st.Watermark)
	})

	t.Run("initial sync in progress is syncing", func(t *testing.T) {
		st := NormalizeSentinel(cluster.NodeSpec{Name: "node2", Host: "10.0.0.2"}, map[string]string{
			"role":                    "slave",
			"master_host":             "10.0.0.1",
			"master_port":             "6379",
			"master_link_status":      "down",
			"master_sync_in_progress": "1",
		}, 6379)
		assert.Equal(t, cluster.SyncSyncing, st.Sync)
	})

	t.Run("link down is diverged and outside the partition", func(t *testing.T) {
		st := NormalizeSentinel(cluster.NodeSpec{Name: "node2", Host: "10.0.0.2"}, map[string]string{
			"role":                    "slave",
			"master_host":             "10.0.0.1",
			"master_port":             "6379",
			"master_link_status":      "down",
			"master_sync_in_progress": "0",
		}, 6379)
		assert.Equal(t, cluster.SyncDiverged, st.Sync)
		assert.Equal(t, cluster.MemberNonPrimary, st.Membership)
	})
}

func TestNormalizePatroni(t *testing.T) {
	clusterDoc := ClusterInfo{Members: []struct {
		Name  string `json:"name"`
		Role  string `json:"role"`
		State string `json:"state"`
	}{
		{Name: "node1", Role: "leader", State: "running"},
		{Name: "node2", Role: "replica", State: "streaming"},
	}}

	t.Run("running leader", func(t *testing.T) {
		info := NodeInfo{State: "running", Role: "master", Timeline: 3}
		info.Xlog.Location = 0x3000060
		st := NormalizePatroni("node1", info, clusterDoc)
		assert.Equal(t, cluster.RolePrimary, st.Role)
		assert.Equal(t, cluster.MemberPrimaryPartition, st.Membership)
		assert.Equal(t, "node1", st.PartitionID)
		assert.Equal(t, cluster.SyncSynced, st.Sync)
		assert.Equal(t, cluster.WALWatermark{Timeline: 3, LSN: 0x3000060}, st.Watermark)
	})

	t.Run("streaming replica takes the higher of received and replayed", func(t *testing.T) {
		info := NodeInfo{State: "streaming", Role: "replica", Timeline: 3}
		info.Xlog.ReceivedLocation = 0x3000100
		info.Xlog.ReplayedLocation = 0x3000060
		st := NormalizePatroni("node2", info, clusterDoc)
		assert.Equal(t, cluster.RoleReplica, st.Role)
		assert.Equal(t, cluster.SyncSynced, st.Sync)
		assert.Equal(t, cluster.WALWatermark{Timeline: 3, LSN: 0x3000100}, st.Watermark)
	})

	t.Run("no visible leader means no partition membership", func(t *testing.T) {
		info := NodeInfo{State: "running", Role: "replica", Timeline: 3}
		st := NormalizePatroni("node2", info, ClusterInfo{})
		assert.Equal(t, cluster.MemberNonPrimary, st.Membership)
		assert.Empty(t, st.PartitionID)
	})

	t.Run("crashed node is diverged", func(t *testing.T) {
		info := NodeInfo{State: "crashed", Role: "replica"}
		st := NormalizePatroni("node2", info, clusterDoc)
		assert.Equal(t, cluster.SyncDiverged, st.Sync)
	})
}

func TestParseKV(t *testing.T) {
	payload := "# Replication\r\nrole:master\r\nconnected_slaves:2\r\n\r\nmaster_repl_offset:99\r\n"
	kv := parseKV(payload)
	assert.Equal(t, "master", kv["role"])
	assert.Equal(t, "2", kv["connected_slaves"])
	assert.Equal(t, "99", kv["master_repl_offset"])
	_, ok := kv["# Replication"]
	assert.False(t, ok)
}
