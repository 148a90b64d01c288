// Package backup creates and restores checksummed, compressed backup
// artifacts. Artifact metadata is the only durable state the controller
// owns; everything else is re-derived from live polls.
package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fairhold/fleetwatch/internal/cluster"
)

// Artifact describes one backup. Immutable once written.
type Artifact struct {
	ID        string              `json:"id"`
	Cluster   string              `json:"cluster"`
	Node      string              `json:"node"`
	Backend   cluster.BackendKind `json:"backend"`
	CreatedAt time.Time           `json:"created_at"`
	Size      int64               `json:"size"`
	Checksum  string              `json:"checksum"` // sha256 of the compressed file
	Location  string              `json:"location"`
}

// index is the on-disk artifact catalog, a single JSON file next to the
// artifacts, rewritten atomically on every change.
type index struct {
	path string
}

func newIndex(dir string) index {
	return index{path: filepath.Join(dir, "backups.json")}
}

func (ix index) load() ([]Artifact, error) {
	data, err := os.ReadFile(ix.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup index: %w", err)
	}
	var arts []Artifact
	if err := json.Unmarshal(data, &arts); err != nil {
		return nil, fmt.Errorf("parse backup index: %w", err)
	}
	return arts, nil
}

func (ix index) save(arts []Artifact) error {
	sort.Slice(arts, func(i, j int) bool {
		return arts[i].CreatedAt.After(arts[j].CreatedAt)
	})
	data, err := json.MarshalIndent(arts, "", "  ")
	if err != nil {
		return err
	}
	tmp := ix.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write backup index: %w", err)
	}
	return os.Rename(tmp, ix.path)
}

func (ix index) add(art Artifact) error {
	arts, err := ix.load()
	if err != nil {
		return err
	}
	return ix.save(append(arts, art))
}
