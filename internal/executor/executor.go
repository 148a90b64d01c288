// Package executor applies recovery plans to the cluster. Exactly one
// action may be in flight at a time, irreversible actions are gated
// behind single-use confirmation tokens, and every action is written to
// the audit trail before the first command goes out.
package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fairhold/fleetwatch/internal/cluster"
	"github.com/fairhold/fleetwatch/internal/metrics"
	"github.com/fairhold/fleetwatch/internal/planner"
)

var (
	// ErrRecoveryInProgress is returned when a second action is requested
	// while the executor lock is held.
	ErrRecoveryInProgress = errors.New("a recovery action is already in progress")

	// ErrConfirmationRequired is returned for any irreversible action
	// lacking a valid confirmation token.
	ErrConfirmationRequired = errors.New("irreversible action requires an explicit confirmation token")

	// ErrConvergenceTimeout is returned when a rejoin or switchover did
	// not reach the synced state within the retry budget.
	ErrConvergenceTimeout = errors.New("cluster did not converge within the retry budget")
)

// Commander issues the backend-specific recovery commands. Adapters for
// the three engines live in commanders.go; tests substitute fakes.
type Commander interface {
	Rejoin(ctx context.Context, node cluster.NodeSpec) error
	Promote(ctx context.Context, node cluster.NodeSpec) error
	Switchover(ctx context.Context, from, to cluster.NodeSpec) error
	Bootstrap(ctx context.Context, source cluster.NodeSpec, others []cluster.NodeSpec) error
}

// Poller produces a fresh cluster view on demand; the poll driver
// satisfies it.
type Poller interface {
	Poll(ctx context.Context) cluster.View
}

// HostBinder updates the local-hostname mapping when the primary's
// identity changes. The discovery binder satisfies it.
type HostBinder interface {
	BindPrimary(node cluster.NodeSpec) error
}

// Result reports what an Execute call did.
type Result struct {
	Action     planner.Action `json:"action"`
	Outcome    string         `json:"outcome"` // applied | noop | failed
	Converged  bool           `json:"converged"`
	PreHealth  cluster.Health `json:"pre_health"`
	PostHealth cluster.Health `json:"post_health,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// Options tune retry and convergence behavior.
type Options struct {
	RetryBudget         int
	ConvergenceInterval time.Duration
}

// Executor applies plans.
type Executor struct {
	spec   cluster.Spec
	cmd    Commander
	poller Poller
	binder HostBinder
	audit  *AuditLog
	logger *zap.Logger
	opts   Options

	mu sync.Mutex // guards action execution, TryLock for single-flight

	pendingMu sync.Mutex
	pending   *pendingConfirmation
}

type pendingConfirmation struct {
	token  string
	plan   planner.Plan
	view   cluster.View
	issued time.Time
}

// New creates an executor. binder may be nil when hostname binding is
// managed elsewhere.
func New(spec cluster.Spec, cmd Commander, poller Poller, binder HostBinder,
	audit *AuditLog, opts Options, logger *zap.Logger) *Executor {
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = 10
	}
	if opts.ConvergenceInterval <= 0 {
		opts.ConvergenceInterval = 10 * time.Second
	}
	return &Executor{
		spec:   spec,
		cmd:    cmd,
		poller: poller,
		binder: binder,
		audit:  audit,
		logger: logger,
		opts:   opts,
	}
}

// Propose registers a plan that needs confirmation and mints its
// single-use token. The token is bound to the exact plan and the view the
// operator was shown; a newer, different plan invalidates it.
func (e *Executor) Propose(plan planner.Plan, view cluster.View) string {
	token := uuid.NewString()

	e.pendingMu.Lock()
	e.pending = &pendingConfirmation{
		token:  token,
		plan:   plan,
		view:   view,
		issued: time.Now().UTC(),
	}
	e.pendingMu.Unlock()

	if e.audit != nil {
		_, _ = e.audit.Append(AuditRecord{
			Event:  AuditProposed,
			Action: string(plan.Action),
			Plan:   &plan,
			View:   &view,
			Token:  token,
		})
	}
	return token
}

// Exclusive runs fn while holding the executor's single-flight lock, so
// restores cannot race an in-progress recovery action.
func (e *Executor) Exclusive(fn func() error) error {
	if !e.mu.TryLock() {
		return ErrRecoveryInProgress
	}
	defer e.mu.Unlock()
	return fn()
}

// Execute applies a plan. view must be the view the plan was computed
// from; it is echoed into the audit trail and used as the pre-action
// classification. A failed step reports that pre-action classification —
// no partial state is ever reported as success.
func (e *Executor) Execute(ctx context.Context, plan planner.Plan, view cluster.View, token string) (Result, error) {
	if !e.mu.TryLock() {
		return Result{Action: plan.Action, Outcome: "failed", PreHealth: view.Health},
			ErrRecoveryInProgress
	}
	defer e.mu.Unlock()

	result := Result{Action: plan.Action, PreHealth: view.Health}

	if plan.Action == planner.ActionNone {
		result.Outcome = "noop"
		result.Message = plan.Reason
		return result, nil
	}

	if plan.RequiresConfirmation {
		if err := e.consumeToken(plan, token); err != nil {
			result.Outcome = "failed"
			return result, err
		}
	}

	if e.audit != nil {
		if _, err := e.audit.Append(AuditRecord{
			Event:  AuditExecuteStart,
			Action: string(plan.Action),
			Plan:   &plan,
			View:   &view,
			Token:  token,
		}); err != nil {
			result.Outcome = "failed"
			return result, fmt.Errorf("refusing to act without audit record: %w", err)
		}
	}

	err := e.apply(ctx, plan, &result)
	if err != nil {
		result.Outcome = "failed"
		metrics.ObserveAction(string(plan.Action), "failed")
	} else {
		result.Outcome = "applied"
		metrics.ObserveAction(string(plan.Action), "applied")
	}

	if e.audit != nil {
		rec := AuditRecord{
			Event:   AuditExecuteFinish,
			Action:  string(plan.Action),
			Outcome: result.Outcome,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		_, _ = e.audit.Append(rec)
	}
	return result, err
}

func (e *Executor) consumeToken(plan planner.Plan, token string) error {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()

	if token == "" || e.pending == nil {
		return ErrConfirmationRequired
	}
	if token != e.pending.token || !reflect.DeepEqual(plan, e.pending.plan) {
		return fmt.Errorf("%w: token does not match the proposed plan", ErrConfirmationRequired)
	}
	// Single use.
	e.pending = nil
	return nil
}

func (e *Executor) apply(ctx context.Context, plan planner.Plan, result *Result) error {
	switch plan.Action {
	case planner.ActionRejoinNode:
		return e.rejoin(ctx, plan.Target, result)
	case planner.ActionPromoteReplica:
		return e.promote(ctx, plan.Candidate, result)
	case planner.ActionPlannedSwitchover:
		return e.switchover(ctx, plan.From, plan.To, result)
	case planner.ActionBootstrapFromNode:
		return e.bootstrap(plan.Source, result)
	}
	return fmt.Errorf("unknown action %q", plan.Action)
}

func (e *Executor) rejoin(ctx context.Context, target string, result *Result) error {
	node, ok := e.spec.Node(target)
	if !ok {
		return fmt.Errorf("rejoin target %q not in cluster spec", target)
	}
	e.logger.Info("rejoining node", zap.String("node", target))
	if err := e.cmd.Rejoin(ctx, node); err != nil {
		return fmt.Errorf("rejoin %s: %w", target, err)
	}
	return e.awaitSynced(ctx, target, result)
}

func (e *Executor) promote(ctx context.Context, candidate string, result *Result) error {
	node, ok := e.spec.Node(candidate)
	if !ok {
		return fmt.Errorf("promotion candidate %q not in cluster spec", candidate)
	}
	e.logger.Info("requesting promotion", zap.String("candidate", candidate))
	if err := e.cmd.Promote(ctx, node); err != nil {
		return fmt.Errorf("promote %s: %w", candidate, err)
	}

	// The backend's own consensus does the promotion; our job is to
	// verify the topology and rebind the local hostname if the primary
	// identity changed.
	if err := e.awaitPrimary(ctx, result); err != nil {
		return err
	}
	return e.rebindPrimary(ctx)
}

func (e *Executor) switchover(ctx context.Context, from, to string, result *Result) error {
	fromNode, ok := e.spec.Node(from)
	if !ok {
		return fmt.Errorf("switchover leader %q not in cluster spec", from)
	}
	toNode, ok := e.spec.Node(to)
	if !ok {
		return fmt.Errorf("switchover target %q not in cluster spec", to)
	}
	e.logger.Info("requesting planned switchover",
		zap.String("from", from), zap.String("to", to))
	if err := e.cmd.Switchover(ctx, fromNode, toNode); err != nil {
		return fmt.Errorf("switchover %s -> %s: %w", from, to, err)
	}

	// Done only once the new leader is confirmed synced.
	for attempt := 0; attempt < e.opts.RetryBudget; attempt++ {
		if err := e.pause(ctx); err != nil {
			return err
		}
		view := e.poller.Poll(ctx)
		result.PostHealth = view.Health
		if st, ok := view.Node(to); ok &&
			st.Reachable && st.Role == cluster.RolePrimary && st.Sync == cluster.SyncSynced {
			result.Converged = true
			return e.rebindPrimary(ctx)
		}
	}
	return fmt.Errorf("%w: %s never confirmed as synced leader", ErrConvergenceTimeout, to)
}

// bootstrap is the irreversible path: wipe and reseed every other node
// from the chosen source. The confirmation token was already consumed and
// the justifying view is on the audit trail; from here the action is not
// cancellable, so it runs on a background context.
func (e *Executor) bootstrap(source string, result *Result) error {
	srcNode, ok := e.spec.Node(source)
	if !ok {
		return fmt.Errorf("bootstrap source %q not in cluster spec", source)
	}
	others := make([]cluster.NodeSpec, 0, len(e.spec.Nodes)-1)
	for _, n := range e.spec.Nodes {
		if n.Name != source {
			others = append(others, n)
		}
	}

	e.logger.Warn("bootstrapping cluster from node",
		zap.String("source", source), zap.Int("reseeded", len(others)))

	ctx := context.Background()
	if err := e.cmd.Bootstrap(ctx, srcNode, others); err != nil {
		return fmt.Errorf("bootstrap from %s: %w", source, err)
	}

	view := e.poller.Poll(ctx)
	result.PostHealth = view.Health
	result.Converged = view.Health == cluster.HealthHealthy
	return nil
}

// awaitSynced polls until the target reports synced, the retry budget
// runs out, or the context is cancelled between attempts.
func (e *Executor) awaitSynced(ctx context.Context, target string, result *Result) error {
	for attempt := 0; attempt < e.opts.RetryBudget; attempt++ {
		if err := e.pause(ctx); err != nil {
			return err
		}
		view := e.poller.Poll(ctx)
		result.PostHealth = view.Health
		if st, ok := view.Node(target); ok && st.Reachable && st.Sync == cluster.SyncSynced {
			result.Converged = true
			e.logger.Info("node converged", zap.String("node", target),
				zap.Int("attempts", attempt+1))
			return nil
		}
	}
	return fmt.Errorf("%w: %s not synced after %d attempts",
		ErrConvergenceTimeout, target, e.opts.RetryBudget)
}

func (e *Executor) awaitPrimary(ctx context.Context, result *Result) error {
	for attempt := 0; attempt < e.opts.RetryBudget; attempt++ {
		if err := e.pause(ctx); err != nil {
			return err
		}
		view := e.poller.Poll(ctx)
		result.PostHealth = view.Health
		for _, n := range view.Nodes {
			if n.Reachable && n.Role == cluster.RolePrimary {
				result.Converged = true
				return nil
			}
		}
	}
	return fmt.Errorf("%w: no primary emerged after promotion", ErrConvergenceTimeout)
}

// rebindPrimary points the local hostname at whichever node now holds the
// primary role.
func (e *Executor) rebindPrimary(ctx context.Context) error {
	if e.binder == nil {
		return nil
	}
	view := e.poller.Poll(ctx)
	for _, n := range view.Nodes {
		if n.Reachable && n.Role == cluster.RolePrimary {
			node, ok := e.spec.Node(n.Name)
			if !ok {
				continue
			}
			if err := e.binder.BindPrimary(node); err != nil {
				return fmt.Errorf("rebind primary hostname: %w", err)
			}
			return nil
		}
	}
	return nil
}

// pause waits one convergence interval, honoring cancellation between
// bounded retry attempts.
func (e *Executor) pause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.opts.ConvergenceInterval):
		return nil
	}
}
