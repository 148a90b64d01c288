package backup

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fairhold/fleetwatch/internal/cluster"
	"github.com/fairhold/fleetwatch/internal/config"
)

func testSpec() cluster.Spec {
	return cluster.Spec{
		Name:    "test-fleet",
		Backend: cluster.BackendQuorumMultimaster,
		Nodes: []cluster.NodeSpec{
			{Name: "node1", Host: "10.0.0.1", IP: "10.0.0.1"},
			{Name: "node2", Host: "10.0.0.2", IP: "10.0.0.2"},
			{Name: "node3", Host: "10.0.0.3", IP: "10.0.0.3"},
			{Name: "node4", Host: "10.0.0.4", IP: "10.0.0.4"},
		},
	}
}

func member(name string, role cluster.Role, sync cluster.SyncState) cluster.NodeStatus {
	return cluster.NodeStatus{
		Name:        name,
		Reachable:   true,
		Role:        role,
		Membership:  cluster.MemberPrimaryPartition,
		Sync:        sync,
		PartitionID: "uuid-a",
	}
}

func healthyView(spec cluster.Spec) cluster.View {
	return cluster.View{
		Cluster: spec.Name,
		Backend: spec.Backend,
		Nodes: []cluster.NodeStatus{
			member("node1", cluster.RolePrimary, cluster.SyncSynced),
			member("node2", cluster.RolePrimary, cluster.SyncSynced),
			member("node3", cluster.RolePrimary, cluster.SyncSynced),
			member("node4", cluster.RolePrimary, cluster.SyncSynced),
		},
		Health: cluster.HealthHealthy,
		Quorum: spec.Quorum(),
	}
}

// fakeRunner dumps a fixed payload and records what Load received.
type fakeRunner struct {
	payload    []byte
	dumpedFrom []string
	loadedTo   []string
	loaded     []byte
}

func (f *fakeRunner) Dump(ctx context.Context, node cluster.NodeSpec, w io.Writer) error {
	f.dumpedFrom = append(f.dumpedFrom, node.Name)
	_, err := w.Write(f.payload)
	return err
}

func (f *fakeRunner) Load(ctx context.Context, node cluster.NodeSpec, r io.Reader) error {
	f.loadedTo = append(f.loadedTo, node.Name)
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.loaded = data
	return nil
}

func newTestManager(t *testing.T, runner Runner, cfg config.BackupConfig) *Manager {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	m, err := NewManager(cfg, testSpec(), runner, nil, zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestManager_CreateAndRestore(t *testing.T) {
	payload := []byte("-- dump\nINSERT INTO t VALUES (1);\n")
	runner := &fakeRunner{payload: payload}
	m := newTestManager(t, runner, config.BackupConfig{})
	view := healthyView(testSpec())

	art, err := m.Create(context.Background(), view, "node2")
	require.NoError(t, err)
	assert.Equal(t, "node2", art.Node)
	assert.NotEmpty(t, art.Checksum)
	assert.Positive(t, art.Size)
	assert.FileExists(t, art.Location)

	// Listed newest first.
	arts, err := m.List()
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, art.ID, arts[0].ID)

	// Round trip: the restored stream decompresses back to the dump.
	require.NoError(t, m.Restore(context.Background(), art.ID, true, view))
	assert.Equal(t, payload, runner.loaded)
	assert.Equal(t, []string{"node1"}, runner.loadedTo) // authoritative primary
}

func TestManager_RestoreRequiresConfirmation(t *testing.T) {
	runner := &fakeRunner{payload: []byte("data")}
	m := newTestManager(t, runner, config.BackupConfig{})
	view := healthyView(testSpec())

	art, err := m.Create(context.Background(), view, "")
	require.NoError(t, err)

	err = m.Restore(context.Background(), art.ID, false, view)
	assert.ErrorIs(t, err, ErrConfirmationRequired)
	assert.Empty(t, runner.loadedTo)
}

func TestManager_RestoreDetectsCorruption(t *testing.T) {
	runner := &fakeRunner{payload: []byte("precious data")}
	m := newTestManager(t, runner, config.BackupConfig{})
	view := healthyView(testSpec())

	art, err := m.Create(context.Background(), view, "")
	require.NoError(t, err)

	// Flip bytes in the artifact after the checksum was recorded.
	require.NoError(t, os.WriteFile(art.Location, []byte("corrupted"), 0o640))

	err = m.Restore(context.Background(), art.ID, true, view)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Empty(t, runner.loadedTo)
}

func TestManager_SourceSelection(t *testing.T) {
	spec := testSpec()

	t.Run("falls back when the preferred node is not synced", func(t *testing.T) {
		runner := &fakeRunner{payload: []byte("x")}
		m := newTestManager(t, runner, config.BackupConfig{})

		view := healthyView(spec)
		view.Nodes[2] = member("node3", cluster.RolePrimary, cluster.SyncSyncing)

		art, err := m.Create(context.Background(), view, "node3")
		require.NoError(t, err)
		assert.NotEqual(t, "node3", art.Node)
	})

	t.Run("prefers the primary of the authoritative partition", func(t *testing.T) {
		runner := &fakeRunner{payload: []byte("x")}
		m := newTestManager(t, runner, config.BackupConfig{})

		view := healthyView(spec)
		for i := range view.Nodes {
			view.Nodes[i].Role = cluster.RoleReplica
		}
		view.Nodes[1].Role = cluster.RolePrimary

		art, err := m.Create(context.Background(), view, "")
		require.NoError(t, err)
		assert.Equal(t, "node2", art.Node)
	})

	t.Run("refuses when nothing is synced", func(t *testing.T) {
		runner := &fakeRunner{payload: []byte("x")}
		m := newTestManager(t, runner, config.BackupConfig{})

		view := healthyView(spec)
		for i := range view.Nodes {
			view.Nodes[i] = cluster.Unreachable(view.Nodes[i].Name, nil)
		}
		view.Health = cluster.HealthDown

		_, err := m.Create(context.Background(), view, "")
		assert.ErrorIs(t, err, ErrNoSafeSource)
	})
}

func TestManager_Prune(t *testing.T) {
	runner := &fakeRunner{payload: []byte("x")}
	m := newTestManager(t, runner, config.BackupConfig{
		RetentionDays: 7,
		MaxBackups:    2,
	})
	view := healthyView(testSpec())

	var arts []Artifact
	for _, node := range []string{"node1", "node2", "node3"} {
		art, err := m.Create(context.Background(), view, node)
		require.NoError(t, err)
		arts = append(arts, art)
	}

	t.Run("count cap removes the oldest", func(t *testing.T) {
		pruned, err := m.Prune(time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, 1, pruned)

		remaining, err := m.List()
		require.NoError(t, err)
		assert.Len(t, remaining, 2)
	})

	t.Run("retention window removes everything once expired", func(t *testing.T) {
		pruned, err := m.Prune(time.Now().UTC().AddDate(0, 0, 30))
		require.NoError(t, err)
		assert.Equal(t, 2, pruned)

		remaining, err := m.List()
		require.NoError(t, err)
		assert.Empty(t, remaining)
		for _, a := range arts {
			assert.NoFileExists(t, a.Location)
		}
	})
}
