package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fairhold/fleetwatch/internal/backup"
	"github.com/fairhold/fleetwatch/internal/cluster"
	"github.com/fairhold/fleetwatch/internal/executor"
	"github.com/fairhold/fleetwatch/internal/planner"
)

// PlanResponse carries a plan together with the evidence the operator
// must review and, for irreversible actions, the confirmation token bound
// to that evidence.
type PlanResponse struct {
	Plan              planner.Plan  `json:"plan"`
	View              cluster.View  `json:"view"`
	ConfirmationToken string        `json:"confirmation_token,omitempty"`
}

type executeRequest struct {
	SwitchoverTo      string `json:"switchover_to,omitempty"`
	ConfirmationToken string `json:"confirmation_token,omitempty"`
}

type restoreRequest struct {
	ArtifactID string `json:"artifact_id"`
	Confirm    bool   `json:"confirm"`
}

type createBackupRequest struct {
	Node string `json:"node,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	}
	if view, ok := s.driver.Latest(); ok {
		health["cluster_health"] = view.Health
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": Version,
		"cluster": s.spec.Name,
		"backend": s.spec.Backend,
	})
}

func (s *Server) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	view, ok := s.driver.Latest()
	if !ok {
		view = s.driver.Poll(r.Context())
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePollCluster(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.driver.Poll(r.Context()))
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	view, ok := s.driver.Latest()
	if !ok {
		view = s.driver.Poll(r.Context())
	}
	req := planner.Request{SwitchoverTo: r.URL.Query().Get("switchover_to")}
	plan := planner.Compute(s.spec, view, req)

	resp := PlanResponse{Plan: plan, View: view}
	if plan.RequiresConfirmation {
		resp.ConfirmationToken = s.exec.Propose(plan, view)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	// Always act on a fresh view; a stale plan must not be applied to a
	// cluster that has moved on.
	view := s.driver.Poll(r.Context())
	plan := planner.Compute(s.spec, view, planner.Request{SwitchoverTo: req.SwitchoverTo})

	if plan.RequiresConfirmation && req.ConfirmationToken == "" {
		// Echo the evidence so the operator reviews the justification,
		// not just a prompt.
		s.writeJSON(w, http.StatusPreconditionRequired, map[string]interface{}{
			"error": executor.ErrConfirmationRequired.Error(),
			"plan":  plan,
			"view":  view,
		})
		return
	}

	result, err := s.exec.Execute(r.Context(), plan, view, req.ConfirmationToken)
	if err != nil {
		s.writeErrorWithResult(w, err, result)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	arts, err := s.backups.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"backups": arts})
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var req createBackupRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	view, ok := s.driver.Latest()
	if !ok {
		view = s.driver.Poll(r.Context())
	}
	art, err := s.backups.Create(r.Context(), view, req.Node)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, art)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	view := s.driver.Poll(r.Context())

	// A restore is a bootstrap-class action: it shares the executor's
	// single-flight lock so it cannot race a recovery.
	err := s.exec.Exclusive(func() error {
		return s.backups.Restore(r.Context(), req.ArtifactID, req.Confirm, view)
	})
	if err != nil {
		if errors.Is(err, backup.ErrConfirmationRequired) {
			s.writeJSON(w, http.StatusPreconditionRequired, map[string]interface{}{
				"error":    err.Error(),
				"artifact": req.ArtifactID,
				"view":     view,
			})
			return
		}
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"restored": req.ArtifactID,
		"view":     s.driver.Poll(r.Context()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

func (s *Server) writeErrorWithResult(w http.ResponseWriter, err error, result executor.Result) {
	s.writeJSON(w, statusFor(err), map[string]interface{}{
		"error":  err.Error(),
		"result": result,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, executor.ErrConfirmationRequired),
		errors.Is(err, backup.ErrConfirmationRequired):
		return http.StatusPreconditionRequired
	case errors.Is(err, executor.ErrRecoveryInProgress):
		return http.StatusConflict
	case errors.Is(err, backup.ErrChecksumMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, backup.ErrNoSafeSource),
		errors.Is(err, cluster.ErrQuorumLost),
		errors.Is(err, cluster.ErrSplitBrainDetected):
		return http.StatusServiceUnavailable
	case errors.Is(err, executor.ErrConvergenceTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
