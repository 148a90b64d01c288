// Package probe contains the backend-specific node probes. Each adapter
// talks to one engine's own management surface (SQL status queries, the
// replication INFO protocol, or a REST endpoint) and normalizes what it
// finds into a cluster.NodeStatus. Adapters share only the small parsing
// helpers below.
package probe

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fairhold/fleetwatch/internal/cluster"
	"github.com/fairhold/fleetwatch/internal/config"
)

// New returns the prober for the cluster's backend kind.
func New(spec cluster.Spec, cfg config.ProbeConfig, logger *zap.Logger) (cluster.Prober, error) {
	switch spec.Backend {
	case cluster.BackendQuorumMultimaster:
		return NewGaleraProber(cfg.MySQL, logger), nil
	case cluster.BackendSentinel:
		return NewSentinelProber(cfg.Redis, logger), nil
	case cluster.BackendConsensus:
		return NewPatroniProber(cfg.Patroni, logger), nil
	}
	return nil, fmt.Errorf("no probe adapter for backend %q", spec.Backend)
}

// parseKV parses "key:value"-per-line payloads (the redis INFO format)
// into a map, skipping comments and blanks.
func parseKV(payload string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func parseInt(m map[string]string, key string) (int64, bool) {
	raw, ok := m[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
