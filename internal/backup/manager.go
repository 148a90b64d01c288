package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/fairhold/fleetwatch/internal/cluster"
	"github.com/fairhold/fleetwatch/internal/config"
	"github.com/fairhold/fleetwatch/internal/executor"
	"github.com/fairhold/fleetwatch/internal/metrics"
)

var (
	// ErrConfirmationRequired gates restores: they are bootstrap-class
	// irreversible actions and never run without an explicit confirm.
	ErrConfirmationRequired = errors.New("restore requires explicit confirmation")

	// ErrChecksumMismatch is fatal to the operation it occurs in.
	ErrChecksumMismatch = errors.New("backup artifact checksum mismatch")

	// ErrNoSafeSource means no synced node was available to back up from.
	ErrNoSafeSource = errors.New("no synced node available as backup source")
)

// Runner produces and applies the raw export stream for one backend.
type Runner interface {
	Dump(ctx context.Context, node cluster.NodeSpec, w io.Writer) error
	Load(ctx context.Context, node cluster.NodeSpec, r io.Reader) error
}

// Manager creates, restores and prunes backup artifacts. Creation may run
// concurrently with health polling; a restore excludes concurrent creates
// on the same manager.
type Manager struct {
	cfg    config.BackupConfig
	spec   cluster.Spec
	runner Runner
	audit  *executor.AuditLog
	logger *zap.Logger

	mu sync.RWMutex // Create holds R, Restore holds W
	ix index
}

// NewManager creates the backup manager, ensuring the artifact directory
// exists.
func NewManager(cfg config.BackupConfig, spec cluster.Spec, runner Runner,
	audit *executor.AuditLog, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("backup dir: %w", err)
	}
	return &Manager{
		cfg:    cfg,
		spec:   spec,
		runner: runner,
		audit:  audit,
		logger: logger,
		ix:     newIndex(cfg.Dir),
	}, nil
}

// Create takes a backup from preferred if that node is synced, falling
// back to the authoritative partition's primary. The artifact is gzip
// compressed and checksummed as written.
func (m *Manager) Create(ctx context.Context, view cluster.View, preferred string) (Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, err := m.pickSource(view, preferred)
	if err != nil {
		metrics.ObserveBackup("failed", 0)
		return Artifact{}, err
	}

	art := Artifact{
		ID:        uuid.NewString(),
		Cluster:   m.spec.Name,
		Node:      node.Name,
		Backend:   m.spec.Backend,
		CreatedAt: time.Now().UTC(),
	}
	name := fmt.Sprintf("%s-%s-%s.dump.gz",
		m.spec.Name, node.Name, art.CreatedAt.Format("20060102T150405Z"))
	art.Location = filepath.Join(m.cfg.Dir, name)

	m.logger.Info("creating backup",
		zap.String("node", node.Name), zap.String("location", art.Location))

	size, sum, err := m.writeArtifact(ctx, node, art.Location)
	if err != nil {
		_ = os.Remove(art.Location)
		metrics.ObserveBackup("failed", 0)
		return Artifact{}, fmt.Errorf("backup from %s: %w", node.Name, err)
	}
	art.Size = size
	art.Checksum = sum

	if err := m.ix.add(art); err != nil {
		return Artifact{}, err
	}
	metrics.ObserveBackup("success", size)
	return art, nil
}

// Restore applies an artifact. It verifies the checksum first, writes the
// same audit records as a bootstrap, and once started is not cancellable.
func (m *Manager) Restore(ctx context.Context, artifactID string, confirm bool, view cluster.View) error {
	if !confirm {
		return ErrConfirmationRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	art, err := m.Get(artifactID)
	if err != nil {
		return err
	}
	if err := m.verify(art); err != nil {
		return err
	}

	target := m.restoreTarget(view, art)

	if m.audit != nil {
		if _, err := m.audit.Append(executor.AuditRecord{
			Event:   executor.AuditRestoreStart,
			Action:  "restore",
			View:    &view,
			Outcome: fmt.Sprintf("artifact=%s target=%s", art.ID, target.Name),
		}); err != nil {
			return fmt.Errorf("refusing to restore without audit record: %w", err)
		}
	}

	// Destructive from here on; detach from the caller's cancellation.
	err = m.apply(context.Background(), art, target)

	if m.audit != nil {
		rec := executor.AuditRecord{
			Event:   executor.AuditRestoreFinish,
			Action:  "restore",
			Outcome: "applied",
		}
		if err != nil {
			rec.Outcome = "failed"
			rec.Error = err.Error()
		}
		_, _ = m.audit.Append(rec)
	}
	return err
}

// List returns all known artifacts, newest first.
func (m *Manager) List() ([]Artifact, error) {
	return m.ix.load()
}

// Get returns one artifact by ID.
func (m *Manager) Get(id string) (Artifact, error) {
	arts, err := m.ix.load()
	if err != nil {
		return Artifact{}, err
	}
	for _, a := range arts {
		if a.ID == id {
			return a, nil
		}
	}
	return Artifact{}, fmt.Errorf("artifact %q not found", id)
}

// Prune removes artifacts past the retention window or beyond the count
// cap, oldest first.
func (m *Manager) Prune(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	arts, err := m.ix.load()
	if err != nil {
		return 0, err
	}
	cutoff := now.AddDate(0, 0, -m.cfg.RetentionDays)

	keep := make([]Artifact, 0, len(arts))
	pruned := 0
	for i, a := range arts { // arts is newest-first
		tooOld := m.cfg.RetentionDays > 0 && a.CreatedAt.Before(cutoff)
		tooMany := m.cfg.MaxBackups > 0 && i >= m.cfg.MaxBackups
		if tooOld || tooMany {
			if err := os.Remove(a.Location); err != nil && !os.IsNotExist(err) {
				m.logger.Warn("pruning artifact file", zap.String("id", a.ID), zap.Error(err))
			}
			pruned++
			continue
		}
		keep = append(keep, a)
	}
	if pruned > 0 {
		if err := m.ix.save(keep); err != nil {
			return pruned, err
		}
		m.logger.Info("pruned backups", zap.Int("count", pruned))
	}
	return pruned, nil
}

func (m *Manager) pickSource(view cluster.View, preferred string) (cluster.NodeSpec, error) {
	if preferred != "" {
		if st, ok := view.Node(preferred); ok && st.Reachable && st.Sync == cluster.SyncSynced {
			node, _ := m.spec.Node(preferred)
			return node, nil
		}
		m.logger.Warn("preferred backup node not synced, falling back",
			zap.String("preferred", preferred))
	}
	if auth, ok := cluster.Authoritative(view); ok {
		// Prefer the primary inside the authoritative partition, then any
		// synced member.
		for _, name := range auth.Members {
			if st, ok := view.Node(name); ok && st.Role == cluster.RolePrimary && st.Sync == cluster.SyncSynced {
				node, _ := m.spec.Node(name)
				return node, nil
			}
		}
		for _, name := range auth.Members {
			if st, ok := view.Node(name); ok && st.Sync == cluster.SyncSynced {
				node, _ := m.spec.Node(name)
				return node, nil
			}
		}
	}
	return cluster.NodeSpec{}, ErrNoSafeSource
}

func (m *Manager) restoreTarget(view cluster.View, art Artifact) cluster.NodeSpec {
	if auth, ok := cluster.Authoritative(view); ok {
		for _, name := range auth.Members {
			if st, ok := view.Node(name); ok && st.Role == cluster.RolePrimary {
				node, _ := m.spec.Node(name)
				return node
			}
		}
	}
	if node, ok := m.spec.Node(art.Node); ok {
		return node
	}
	return m.spec.Nodes[0]
}

func (m *Manager) writeArtifact(ctx context.Context, node cluster.NodeSpec, path string) (int64, string, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, "", err
	}
	hash := sha256.New()
	counted := &countingWriter{w: io.MultiWriter(f, hash)}
	gz := gzip.NewWriter(counted)

	if err := m.runner.Dump(ctx, node, gz); err != nil {
		_ = gz.Close()
		_ = f.Close()
		return 0, "", err
	}
	if err := gz.Close(); err != nil {
		_ = f.Close()
		return 0, "", err
	}
	if err := f.Close(); err != nil {
		return 0, "", err
	}
	return counted.n, hex.EncodeToString(hash.Sum(nil)), nil
}

func (m *Manager) verify(art Artifact) error {
	f, err := os.Open(art.Location)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()
	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	if hex.EncodeToString(hash.Sum(nil)) != art.Checksum {
		return fmt.Errorf("%w: artifact %s", ErrChecksumMismatch, art.ID)
	}
	return nil
}

func (m *Manager) apply(ctx context.Context, art Artifact, target cluster.NodeSpec) error {
	f, err := os.Open(art.Location)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("decompress artifact: %w", err)
	}
	defer func() { _ = gz.Close() }()

	m.logger.Warn("restoring backup",
		zap.String("artifact", art.ID), zap.String("target", target.Name))
	return m.runner.Load(ctx, target, gz)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
