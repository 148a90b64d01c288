package probe

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fairhold/fleetwatch/internal/cluster"
	"github.com/fairhold/fleetwatch/internal/config"
)

// PatroniProber reads a consensus-managed postgres node through its
// management REST API. When the API is down but postgres itself still
// answers, a direct SQL fallback fills in role and watermark — but the
// node is reported non-primary, because a node whose management agent is
// gone cannot attest partition membership.
type PatroniProber struct {
	cfg    config.PatroniConfig
	client *http.Client
	logger *zap.Logger
}

// NewPatroniProber creates the probe adapter for consensus-managed nodes.
func NewPatroniProber(cfg config.PatroniConfig, logger *zap.Logger) *PatroniProber {
	return &PatroniProber{
		cfg: cfg,
		client: &http.Client{
			// Per-request contexts carry the hard deadline; this is just a
			// floor for dial stalls.
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// NodeInfo is the subset of the management API's node document the
// controller consumes.
type NodeInfo struct {
	State    string `json:"state"`
	Role     string `json:"role"`
	Timeline int64  `json:"timeline"`
	Xlog     struct {
		Location         int64 `json:"location"`
		ReceivedLocation int64 `json:"received_location"`
		ReplayedLocation int64 `json:"replayed_location"`
	} `json:"xlog"`
}

// ClusterInfo is the subset of the management API's cluster document the
// controller consumes.
type ClusterInfo struct {
	Members []struct {
		Name  string `json:"name"`
		Role  string `json:"role"`
		State string `json:"state"`
	} `json:"members"`
}

// Leader returns the leader's name as reported in this document.
func (c ClusterInfo) Leader() string {
	for _, m := range c.Members {
		if m.Role == "leader" || m.Role == "master" {
			return m.Name
		}
	}
	return ""
}

// Probe implements cluster.Prober.
func (p *PatroniProber) Probe(ctx context.Context, node cluster.NodeSpec) (cluster.NodeStatus, error) {
	var info NodeInfo
	if err := p.getJSON(ctx, node, "/patroni", &info); err != nil {
		p.logger.Debug("management API unavailable, trying SQL fallback",
			zap.String("node", node.Name), zap.Error(err))
		return p.probeSQL(ctx, node)
	}

	var members ClusterInfo
	if err := p.getJSON(ctx, node, "/cluster", &members); err != nil {
		// Node document without a cluster document: degraded agent.
		members = ClusterInfo{}
	}
	return NormalizePatroni(node.Name, info, members), nil
}

// NormalizePatroni maps the management API documents onto the shared node
// status shape.
func NormalizePatroni(name string, info NodeInfo, members ClusterInfo) cluster.NodeStatus {
	st := cluster.NodeStatus{
		Name:       name,
		Reachable:  true,
		Role:       cluster.RoleUnknown,
		Membership: cluster.MemberNonPrimary,
		Sync:       cluster.SyncUnknown,
	}

	switch info.Role {
	case "master", "primary", "standby_leader":
		st.Role = cluster.RolePrimary
	case "replica":
		st.Role = cluster.RoleReplica
	}

	if leader := members.Leader(); leader != "" && (info.State == "running" || info.State == "streaming") {
		st.PartitionID = leader
		st.Membership = cluster.MemberPrimaryPartition
	}

	switch {
	case st.Role == cluster.RolePrimary && info.State == "running":
		st.Sync = cluster.SyncSynced
	case info.State == "streaming":
		st.Sync = cluster.SyncSynced
	case info.State == "running", info.State == "in archive recovery", info.State == "starting":
		st.Sync = cluster.SyncSyncing
	case info.State == "stopped", info.State == "crashed":
		st.Sync = cluster.SyncDiverged
	}

	lsn := info.Xlog.Location
	if lsn == 0 {
		lsn = info.Xlog.ReplayedLocation
		if info.Xlog.ReceivedLocation > lsn {
			lsn = info.Xlog.ReceivedLocation
		}
	}
	if lsn > 0 && info.Timeline > 0 {
		st.Watermark = cluster.WALWatermark{Timeline: info.Timeline, LSN: uint64(lsn)}
	}
	return st
}

func (p *PatroniProber) getJSON(ctx context.Context, node cluster.NodeSpec, path string, out interface{}) error {
	url := fmt.Sprintf("http://%s:%d%s", node.Host, p.cfg.APIPort, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// probeSQL queries postgres directly when the management API is down.
func (p *PatroniProber) probeSQL(ctx context.Context, node cluster.NodeSpec) (cluster.NodeStatus, error) {
	pg := p.cfg.Postgres
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable connect_timeout=3",
		node.Host, pg.Port, pg.User, pg.Password, pg.Database)
	connector, err := pq.NewConnector(connStr)
	if err != nil {
		return cluster.NodeStatus{}, fmt.Errorf("postgres fallback %s: %w", node.Name, err)
	}
	db := sql.OpenDB(connector)
	defer func() { _ = db.Close() }()

	var inRecovery bool
	if err := db.QueryRowContext(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return cluster.NodeStatus{}, fmt.Errorf("postgres fallback %s: %w", node.Name, err)
	}

	st := cluster.NodeStatus{
		Name:      node.Name,
		Reachable: true,
		// Pessimistic on purpose: with the agent down this node cannot
		// attest membership in any partition.
		Membership: cluster.MemberNonPrimary,
		Sync:       cluster.SyncUnknown,
	}

	var lsnText string
	if inRecovery {
		st.Role = cluster.RoleReplica
		err = db.QueryRowContext(ctx,
			"SELECT coalesce(pg_last_wal_replay_lsn()::text, '0/0')").Scan(&lsnText)
	} else {
		st.Role = cluster.RolePrimary
		err = db.QueryRowContext(ctx,
			"SELECT pg_current_wal_lsn()::text").Scan(&lsnText)
	}
	if err != nil {
		return st, nil
	}

	var timeline int64
	if err := db.QueryRowContext(ctx,
		"SELECT timeline_id FROM pg_control_checkpoint()").Scan(&timeline); err != nil {
		return st, nil
	}
	if lsn, err := cluster.ParseLSN(lsnText); err == nil {
		st.Watermark = cluster.WALWatermark{Timeline: timeline, LSN: lsn}
	}
	return st, nil
}
