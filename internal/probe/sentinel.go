package probe

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fairhold/fleetwatch/internal/cluster"
	"github.com/fairhold/fleetwatch/internal/config"
)

// SentinelProber reads a cache node's replication section over the redis
// protocol. Partition identity is the master address the node follows: a
// master is its own partition anchor, a replica belongs to the partition
// of the master it replicates from.
type SentinelProber struct {
	cfg    config.RedisConfig
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*redis.Client
}

// NewSentinelProber creates the probe adapter for sentinel-managed nodes.
func NewSentinelProber(cfg config.RedisConfig, logger *zap.Logger) *SentinelProber {
	return &SentinelProber{cfg: cfg, logger: logger, clients: make(map[string]*redis.Client)}
}

// Probe implements cluster.Prober.
func (p *SentinelProber) Probe(ctx context.Context, node cluster.NodeSpec) (cluster.NodeStatus, error) {
	info, err := p.client(node).Info(ctx, "replication").Result()
	if err != nil {
		return cluster.NodeStatus{}, fmt.Errorf("info replication: %w", err)
	}
	return NormalizeSentinel(node, parseKV(info), p.cfg.Port), nil
}

// NormalizeSentinel maps a parsed INFO replication section onto the shared
// node status shape.
func NormalizeSentinel(node cluster.NodeSpec, info map[string]string, port int) cluster.NodeStatus {
	st := cluster.NodeStatus{
		Name:       node.Name,
		Reachable:  true,
		Role:       cluster.RoleUnknown,
		Membership: cluster.MemberNonPrimary,
		Sync:       cluster.SyncUnknown,
	}

	switch info["role"] {
	case "master":
		st.Role = cluster.RolePrimary
		st.Membership = cluster.MemberPrimaryPartition
		st.PartitionID = fmt.Sprintf("%s:%d", node.Host, port)
		st.Sync = cluster.SyncSynced
		if offset, ok := parseInt(info, "master_repl_offset"); ok {
			st.Watermark = cluster.OffsetWatermark{Offset: offset}
		}
	case "slave":
		st.Role = cluster.RoleReplica
		st.PartitionID = fmt.Sprintf("%s:%s", info["master_host"], info["master_port"])
		switch {
		case info["master_sync_in_progress"] == "1":
			st.Membership = cluster.MemberPrimaryPartition
			st.Sync = cluster.SyncSyncing
		case info["master_link_status"] == "up":
			st.Membership = cluster.MemberPrimaryPartition
			st.Sync = cluster.SyncSynced
		default:
			// Link down: the node still knows who its master was, but it
			// cannot attest membership in that partition.
			st.Sync = cluster.SyncDiverged
		}
		if offset, ok := parseInt(info, "slave_repl_offset"); ok {
			st.Watermark = cluster.OffsetWatermark{Offset: offset}
		}
	}
	return st
}

func (p *SentinelProber) client(node cluster.NodeSpec) *redis.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[node.Name]; ok {
		return c
	}
	c := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", node.Host, p.cfg.Port),
		Password: p.cfg.Password,
		// The aggregator enforces the hard deadline; keep the client's own
		// retries out of the way.
		MaxRetries: -1,
		PoolSize:   2,
	})
	p.clients[node.Name] = c
	return c
}

// Close releases the cached clients.
func (p *SentinelProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, c := range p.clients {
		if err := c.Close(); err != nil {
			p.logger.Warn("closing redis client", zap.String("node", name), zap.Error(err))
		}
	}
	p.clients = make(map[string]*redis.Client)
	return nil
}
