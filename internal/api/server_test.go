package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fairhold/fleetwatch/internal/backup"
	"github.com/fairhold/fleetwatch/internal/cluster"
	"github.com/fairhold/fleetwatch/internal/config"
	"github.com/fairhold/fleetwatch/internal/executor"
	"github.com/fairhold/fleetwatch/internal/planner"
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

// scriptProber reports a healthy fleet until setDown, after which every
// probe fails.
type scriptProber struct {
	mu   sync.Mutex
	down bool
}

func (p *scriptProber) setDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

func (p *scriptProber) Probe(ctx context.Context, node cluster.NodeSpec) (cluster.NodeStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return cluster.NodeStatus{}, errors.New("connection refused")
	}
	seqnos := map[string]int64{"node1": 10, "node2": 20, "node3": 30, "node4": 25}
	return cluster.NodeStatus{
		Name:        node.Name,
		Reachable:   true,
		Role:        cluster.RolePrimary,
		Membership:  cluster.MemberPrimaryPartition,
		Sync:        cluster.SyncSynced,
		PartitionID: "uuid-a",
		Watermark:   cluster.SeqnoWatermark{Epoch: 2, Seqno: seqnos[node.Name]},
	}, nil
}

// bootstrapCommander brings the scripted fleet back up when a bootstrap
// lands.
type bootstrapCommander struct {
	prober     *scriptProber
	mu         sync.Mutex
	bootstraps []string
}

func (c *bootstrapCommander) Rejoin(ctx context.Context, node cluster.NodeSpec) error { return nil }
func (c *bootstrapCommander) Promote(ctx context.Context, node cluster.NodeSpec) error {
	return nil
}
func (c *bootstrapCommander) Switchover(ctx context.Context, from, to cluster.NodeSpec) error {
	return nil
}

func (c *bootstrapCommander) Bootstrap(ctx context.Context, source cluster.NodeSpec, others []cluster.NodeSpec) error {
	c.mu.Lock()
	c.bootstraps = append(c.bootstraps, source.Name)
	c.mu.Unlock()
	c.prober.setDown(false)
	return nil
}

type apiFixture struct {
	server *Server
	prober *scriptProber
	cmd    *bootstrapCommander
}

// stubRunner satisfies backup.Runner with a fixed payload.
type stubRunner struct{}

func (stubRunner) Dump(ctx context.Context, node cluster.NodeSpec, w io.Writer) error {
	_, err := w.Write([]byte("dump"))
	return err
}

func (stubRunner) Load(ctx context.Context, node cluster.NodeSpec, r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

func newFixture(t *testing.T) *apiFixture {
	t.Helper()
	spec := testSpec()
	logger := zap.NewNop()

	prober := &scriptProber{}
	agg := cluster.NewAggregator(spec, prober, time.Second, logger)
	driver := cluster.NewDriver(agg, time.Minute, logger)

	audit, err := executor.NewAuditLog(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.NoError(t, err)

	cmd := &bootstrapCommander{prober: prober}
	exec := executor.New(spec, cmd, driver, nil, audit, executor.Options{
		RetryBudget:         3,
		ConvergenceInterval: time.Millisecond,
	}, logger)

	backups, err := backup.NewManager(config.BackupConfig{Dir: t.TempDir()},
		spec, stubRunner{}, audit, logger)
	require.NoError(t, err)

	server := NewServer(config.ServerConfig{Port: 0}, spec, driver, exec, backups, logger)
	return &apiFixture{server: server, prober: prober, cmd: cmd}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

// viewDoc is the wire shape of a view, minus the polymorphic watermark
// values, which only marshal one way.
type viewDoc struct {
	Health cluster.Health `json:"health"`
	Quorum int            `json:"quorum"`
	Nodes  []struct {
		Name      string `json:"name"`
		Reachable bool   `json:"reachable"`
	} `json:"nodes"`
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_GetCluster(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/cluster", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view viewDoc
	decode(t, rec, &view)
	assert.Equal(t, cluster.HealthHealthy, view.Health)
	assert.Len(t, view.Nodes, 4)
	assert.Equal(t, 3, view.Quorum)
}

func TestServer_PlanHealthy(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/plan", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Plan              planner.Plan `json:"plan"`
		ConfirmationToken string       `json:"confirmation_token"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, planner.ActionNone, resp.Plan.Action)
	assert.Empty(t, resp.ConfirmationToken)
}

func TestServer_BootstrapFlow(t *testing.T) {
	f := newFixture(t)

	// Record watermarks while the fleet is up, then take it down.
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/cluster/poll", nil).Code)
	f.prober.setDown(true)

	rec := f.do(t, http.MethodGet, "/api/v1/cluster/poll", nil)
	var view viewDoc
	decode(t, rec, &view)
	require.Equal(t, cluster.HealthDown, view.Health)

	// The plan proposes a bootstrap from the highest watermark and mints a
	// confirmation token.
	rec = f.do(t, http.MethodGet, "/api/v1/plan", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var proposal struct {
		Plan              planner.Plan `json:"plan"`
		ConfirmationToken string       `json:"confirmation_token"`
	}
	decode(t, rec, &proposal)
	require.Equal(t, planner.ActionBootstrapFromNode, proposal.Plan.Action)
	assert.Equal(t, "node3", proposal.Plan.Source)
	assert.True(t, proposal.Plan.RequiresConfirmation)
	require.NotEmpty(t, proposal.ConfirmationToken)

	// Executing without the token is refused with the evidence echoed back,
	// and nothing is issued to the fleet.
	rec = f.do(t, http.MethodPost, "/api/v1/execute", map[string]string{})
	require.Equal(t, http.StatusPreconditionRequired, rec.Code)
	var refusal struct {
		Error string       `json:"error"`
		Plan  planner.Plan `json:"plan"`
		View  viewDoc      `json:"view"`
	}
	decode(t, rec, &refusal)
	assert.Contains(t, refusal.Error, "confirmation")
	assert.Equal(t, planner.ActionBootstrapFromNode, refusal.Plan.Action)
	assert.NotEmpty(t, refusal.Plan.Evidence)
	assert.Equal(t, cluster.HealthDown, refusal.View.Health)
	assert.Empty(t, f.cmd.bootstraps)

	// With the token the bootstrap runs and the fleet converges.
	rec = f.do(t, http.MethodPost, "/api/v1/execute", map[string]string{
		"confirmation_token": proposal.ConfirmationToken,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result executor.Result
	decode(t, rec, &result)
	assert.Equal(t, "applied", result.Outcome)
	assert.True(t, result.Converged)
	assert.Equal(t, cluster.HealthHealthy, result.PostHealth)
	assert.Equal(t, []string{"node3"}, f.cmd.bootstraps)

	// The token was consumed; replaying it is refused.
	f.prober.setDown(true)
	f.do(t, http.MethodGet, "/api/v1/cluster/poll", nil)
	rec = f.do(t, http.MethodPost, "/api/v1/execute", map[string]string{
		"confirmation_token": proposal.ConfirmationToken,
	})
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)
}

func TestServer_Backups(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/api/v1/cluster/poll", nil)

	rec := f.do(t, http.MethodPost, "/api/v1/backups", map[string]string{"node": "node2"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var art backup.Artifact
	decode(t, rec, &art)
	assert.Equal(t, "node2", art.Node)
	assert.NotEmpty(t, art.Checksum)

	rec = f.do(t, http.MethodGet, "/api/v1/backups", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Backups []backup.Artifact `json:"backups"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Backups, 1)
	assert.Equal(t, art.ID, list.Backups[0].ID)
}

func TestServer_RestoreRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/restore", map[string]interface{}{
		"artifact_id": "whatever",
		"confirm":     false,
	})
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)
}
