// Package discovery maintains the per-node local-hostname mapping that
// keeps application traffic on the nearby replica. The contract is fixed:
// one hosts-file fragment, rewritten atomically whenever a binding
// changes. DNS mechanics live outside the controller.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fairhold/fleetwatch/internal/cluster"
)

// Binder renders hostname bindings into a hosts-file fragment.
type Binder struct {
	path          string
	localHostname string
	logger        *zap.Logger

	mu       sync.Mutex
	bindings map[string]string // hostname -> ip
}

// NewBinder creates a binder writing to path. localHostname is the name
// applications use for "the primary near me"; it may be empty for
// backends where every node is writable.
func NewBinder(path, localHostname string, logger *zap.Logger) *Binder {
	return &Binder{
		path:          path,
		localHostname: localHostname,
		logger:        logger,
		bindings:      make(map[string]string),
	}
}

// BindAll sets the per-node bindings from the cluster spec (each node's
// name resolving to its own IP) and rewrites the fragment.
func (b *Binder) BindAll(spec cluster.Spec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range spec.Nodes {
		if n.IP != "" {
			b.bindings[n.Host] = n.IP
		}
	}
	return b.flush()
}

// BindPrimary points the local primary hostname at the given node. Called
// by the executor after a promotion or switchover changes the primary's
// identity.
func (b *Binder) BindPrimary(node cluster.NodeSpec) error {
	if b.localHostname == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bindings[b.localHostname] == node.IP {
		return nil
	}
	b.bindings[b.localHostname] = node.IP
	b.logger.Info("rebinding primary hostname",
		zap.String("hostname", b.localHostname),
		zap.String("node", node.Name), zap.String("ip", node.IP))
	return b.flush()
}

// flush writes the fragment via rename so readers never see a torn file.
// Callers hold b.mu.
func (b *Binder) flush() error {
	names := make([]string, 0, len(b.bindings))
	for name := range b.bindings {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("# managed by fleetwatch; do not edit\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "%s\t%s\n", b.bindings[name], name)
	}

	tmp := b.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("hosts fragment dir: %w", err)
	}
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write hosts fragment: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("publish hosts fragment: %w", err)
	}
	return nil
}
