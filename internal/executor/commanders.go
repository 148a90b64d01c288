package executor

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fairhold/fleetwatch/internal/cluster"
	"github.com/fairhold/fleetwatch/internal/config"
)

// NewCommander returns the command adapter for the cluster's backend.
func NewCommander(spec cluster.Spec, cfg config.ProbeConfig, logger *zap.Logger) (Commander, error) {
	switch spec.Backend {
	case cluster.BackendQuorumMultimaster:
		return &GaleraCommander{spec: spec, cfg: cfg.MySQL, logger: logger}, nil
	case cluster.BackendSentinel:
		return &SentinelCommander{cfg: cfg.Redis, logger: logger}, nil
	case cluster.BackendConsensus:
		return &PatroniCommander{
			cfg:    cfg.Patroni,
			client: &http.Client{Timeout: 30 * time.Second},
			logger: logger,
		}, nil
	}
	return nil, fmt.Errorf("no commander for backend %q", spec.Backend)
}

// GaleraCommander drives the multimaster backend over its SQL management
// surface.
type GaleraCommander struct {
	spec   cluster.Spec
	cfg    config.MySQLConfig
	logger *zap.Logger
}

// Rejoin re-points the node at the group address; the engine performs an
// incremental state transfer on its own once connected.
func (c *GaleraCommander) Rejoin(ctx context.Context, node cluster.NodeSpec) error {
	addr := c.groupAddress()
	return c.exec(ctx, node,
		fmt.Sprintf("SET GLOBAL wsrep_cluster_address = '%s'", addr))
}

func (c *GaleraCommander) Promote(ctx context.Context, node cluster.NodeSpec) error {
	return fmt.Errorf("multimaster backend has no promotion command")
}

func (c *GaleraCommander) Switchover(ctx context.Context, from, to cluster.NodeSpec) error {
	return fmt.Errorf("multimaster backend has no switchover command")
}

// Bootstrap forces a new primary component on the source and re-points
// every other node at it.
func (c *GaleraCommander) Bootstrap(ctx context.Context, source cluster.NodeSpec, others []cluster.NodeSpec) error {
	if err := c.exec(ctx, source,
		"SET GLOBAL wsrep_provider_options = 'pc.bootstrap=true'"); err != nil {
		return fmt.Errorf("bootstrap primary component on %s: %w", source.Name, err)
	}
	for _, node := range others {
		if err := c.Rejoin(ctx, node); err != nil {
			return fmt.Errorf("reseed %s: %w", node.Name, err)
		}
	}
	return nil
}

func (c *GaleraCommander) groupAddress() string {
	hosts := make([]string, 0, len(c.spec.Nodes))
	for _, n := range c.spec.Nodes {
		hosts = append(hosts, n.Host)
	}
	return "gcomm://" + strings.Join(hosts, ",")
}

func (c *GaleraCommander) exec(ctx context.Context, node cluster.NodeSpec, stmt string) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/?timeout=5s",
		c.cfg.User, c.cfg.Password, node.Host, c.cfg.Port)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	c.logger.Debug("issuing wsrep command",
		zap.String("node", node.Name), zap.String("stmt", stmt))
	_, err = db.ExecContext(ctx, stmt)
	return err
}

// SentinelCommander drives the cache backend through redis and sentinel
// commands. Promotion itself is sentinel's consensus decision; the
// commander only requests it.
type SentinelCommander struct {
	cfg    config.RedisConfig
	logger *zap.Logger
}

// Promote asks the sentinel running beside the candidate to start a
// failover for the monitored master.
func (c *SentinelCommander) Promote(ctx context.Context, node cluster.NodeSpec) error {
	sc := redis.NewSentinelClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", node.Host, c.cfg.SentinelPort),
	})
	defer func() { _ = sc.Close() }()
	return sc.Failover(ctx, c.cfg.MasterName).Err()
}

// Rejoin points the node back at the current master, as known to the
// sentinel beside it.
func (c *SentinelCommander) Rejoin(ctx context.Context, node cluster.NodeSpec) error {
	sc := redis.NewSentinelClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", node.Host, c.cfg.SentinelPort),
	})
	defer func() { _ = sc.Close() }()
	addr, err := sc.GetMasterAddrByName(ctx, c.cfg.MasterName).Result()
	if err != nil {
		return fmt.Errorf("resolve master address: %w", err)
	}
	if len(addr) != 2 {
		return fmt.Errorf("unexpected master address %v", addr)
	}
	return c.replicaOf(ctx, node, addr[0], addr[1])
}

func (c *SentinelCommander) Switchover(ctx context.Context, from, to cluster.NodeSpec) error {
	return fmt.Errorf("sentinel backend has no planned switchover; promotion is sentinel-driven")
}

// Bootstrap makes the source a standalone master and chains every other
// node off it as a fresh replica (a full resync wipes their datasets).
func (c *SentinelCommander) Bootstrap(ctx context.Context, source cluster.NodeSpec, others []cluster.NodeSpec) error {
	if err := c.replicaOf(ctx, source, "NO", "ONE"); err != nil {
		return fmt.Errorf("detach %s: %w", source.Name, err)
	}
	port := strconv.Itoa(c.cfg.Port)
	for _, node := range others {
		if err := c.replicaOf(ctx, node, source.Host, port); err != nil {
			return fmt.Errorf("reseed %s: %w", node.Name, err)
		}
	}
	return nil
}

func (c *SentinelCommander) replicaOf(ctx context.Context, node cluster.NodeSpec, host, port string) error {
	cl := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", node.Host, c.cfg.Port),
		Password: c.cfg.Password,
	})
	defer func() { _ = cl.Close() }()
	c.logger.Debug("issuing replicaof",
		zap.String("node", node.Name), zap.String("master", host+":"+port))
	return cl.SlaveOf(ctx, host, port).Err()
}

// PatroniCommander drives the consensus backend through its management
// REST API.
type PatroniCommander struct {
	cfg    config.PatroniConfig
	client *http.Client
	logger *zap.Logger
}

// Rejoin reinitializes the node's data directory from the current leader.
func (c *PatroniCommander) Rejoin(ctx context.Context, node cluster.NodeSpec) error {
	return c.post(ctx, node, "/reinitialize", map[string]interface{}{"force": true})
}

// Promote requests a failover with the given candidate.
func (c *PatroniCommander) Promote(ctx context.Context, node cluster.NodeSpec) error {
	return c.post(ctx, node, "/failover", map[string]interface{}{
		"candidate": node.Name,
	})
}

// Switchover requests a graceful handover from the current leader.
func (c *PatroniCommander) Switchover(ctx context.Context, from, to cluster.NodeSpec) error {
	return c.post(ctx, from, "/switchover", map[string]interface{}{
		"leader":    from.Name,
		"candidate": to.Name,
	})
}

// Bootstrap forces leadership onto the source, then reinitializes every
// other node from it.
func (c *PatroniCommander) Bootstrap(ctx context.Context, source cluster.NodeSpec, others []cluster.NodeSpec) error {
	if err := c.post(ctx, source, "/failover", map[string]interface{}{
		"candidate": source.Name,
	}); err != nil {
		// Already the leader is fine; anything else is not.
		c.logger.Debug("failover to bootstrap source returned error (may already lead)",
			zap.String("source", source.Name), zap.Error(err))
	}
	for _, node := range others {
		if err := c.Rejoin(ctx, node); err != nil {
			return fmt.Errorf("reinitialize %s: %w", node.Name, err)
		}
	}
	return nil
}

func (c *PatroniCommander) post(ctx context.Context, node cluster.NodeSpec, path string, body map[string]interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s:%d%s", node.Host, c.cfg.APIPort, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.logger.Debug("issuing management request",
		zap.String("node", node.Name), zap.String("path", path))
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s on %s returned %d", path, node.Name, resp.StatusCode)
	}
	return nil
}
