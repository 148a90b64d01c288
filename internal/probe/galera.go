package probe

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/fairhold/fleetwatch/internal/cluster"
	"github.com/fairhold/fleetwatch/internal/config"
)

// GaleraProber reads the wsrep status variables of a multimaster node over
// its own SQL surface.
type GaleraProber struct {
	cfg    config.MySQLConfig
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*sql.DB
}

// NewGaleraProber creates the probe adapter for quorum-multimaster nodes.
func NewGaleraProber(cfg config.MySQLConfig, logger *zap.Logger) *GaleraProber {
	return &GaleraProber{cfg: cfg, logger: logger, conns: make(map[string]*sql.DB)}
}

// Probe implements cluster.Prober.
func (p *GaleraProber) Probe(ctx context.Context, node cluster.NodeSpec) (cluster.NodeStatus, error) {
	db, err := p.conn(node)
	if err != nil {
		return cluster.NodeStatus{}, err
	}

	rows, err := db.QueryContext(ctx, "SHOW GLOBAL STATUS LIKE 'wsrep_%'")
	if err != nil {
		return cluster.NodeStatus{}, fmt.Errorf("wsrep status query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	status := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return cluster.NodeStatus{}, fmt.Errorf("scan wsrep status: %w", err)
		}
		status[strings.ToLower(name)] = value
	}
	if err := rows.Err(); err != nil {
		return cluster.NodeStatus{}, fmt.Errorf("wsrep status rows: %w", err)
	}

	return NormalizeGalera(node.Name, status), nil
}

// NormalizeGalera maps raw wsrep status variables onto the shared node
// status shape.
func NormalizeGalera(name string, status map[string]string) cluster.NodeStatus {
	st := cluster.NodeStatus{
		Name:       name,
		Reachable:  true,
		Role:       cluster.RoleUnknown,
		Membership: cluster.MemberNonPrimary,
		Sync:       cluster.SyncUnknown,
	}

	if status["wsrep_cluster_status"] == "Primary" {
		st.Membership = cluster.MemberPrimaryPartition
		// Every synced member of a multimaster primary component accepts
		// writes, so it reports the primary role.
		st.Role = cluster.RolePrimary
	}
	st.PartitionID = status["wsrep_cluster_state_uuid"]

	switch status["wsrep_local_state_comment"] {
	case "Synced":
		st.Sync = cluster.SyncSynced
	case "Donor/Desynced", "Joining", "Joined", "Joining: receiving State Transfer":
		st.Sync = cluster.SyncSyncing
	case "Inconsistent":
		st.Sync = cluster.SyncDiverged
	}

	epoch, okEpoch := parseInt(status, "wsrep_cluster_conf_id")
	seqno, okSeqno := parseInt(status, "wsrep_last_committed")
	if okEpoch && okSeqno {
		st.Watermark = cluster.SeqnoWatermark{Epoch: epoch, Seqno: seqno}
	}
	return st
}

func (p *GaleraProber) conn(node cluster.NodeSpec) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if db, ok := p.conns[node.Name]; ok {
		return db, nil
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/?timeout=3s&readTimeout=3s",
		p.cfg.User, p.cfg.Password, node.Host, p.cfg.Port)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql %s: %w", node.Name, err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	p.conns[node.Name] = db
	return db, nil
}

// Close releases the cached connection pools.
func (p *GaleraProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, db := range p.conns {
		if err := db.Close(); err != nil {
			p.logger.Warn("closing mysql pool", zap.String("node", name), zap.Error(err))
		}
	}
	p.conns = make(map[string]*sql.DB)
	return nil
}
