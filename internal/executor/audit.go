package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairhold/fleetwatch/internal/cluster"
	"github.com/fairhold/fleetwatch/internal/planner"
)

// AuditEvent names the lifecycle points recorded for recovery actions.
type AuditEvent string

const (
	AuditProposed      AuditEvent = "proposed"
	AuditExecuteStart  AuditEvent = "execute-start"
	AuditExecuteFinish AuditEvent = "execute-finish"
	AuditRestoreStart  AuditEvent = "restore-start"
	AuditRestoreFinish AuditEvent = "restore-finish"
)

// AuditRecord is one append-only line of the audit trail. Irreversible
// actions are recorded with the full view that justified them before any
// command is issued.
type AuditRecord struct {
	ID      string        `json:"id"`
	Time    time.Time     `json:"time"`
	Event   AuditEvent    `json:"event"`
	Action  string        `json:"action,omitempty"`
	Plan    *planner.Plan `json:"plan,omitempty"`
	View    *cluster.View `json:"view,omitempty"`
	Token   string        `json:"token,omitempty"`
	Outcome string        `json:"outcome,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// AuditLog appends JSON-lines records to a file. Writes are synchronous;
// an action is not executed until its start record is on disk.
type AuditLog struct {
	mu   sync.Mutex
	path string
}

// NewAuditLog creates the audit trail at path, creating parent
// directories as needed.
func NewAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("audit dir: %w", err)
	}
	return &AuditLog{path: path}, nil
}

// Append writes one record and returns its assigned ID.
func (a *AuditLog) Append(rec AuditRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return "", fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	enc := json.NewEncoder(f)
	if err := enc.Encode(rec); err != nil {
		return "", fmt.Errorf("append audit record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync audit log: %w", err)
	}
	return rec.ID, nil
}
