// Package planner turns a cluster view into a recovery plan. Planning is
// a pure function: the same view and request always produce the same
// plan, and nothing here touches a node.
package planner

import (
	"fmt"
	"sort"

	"github.com/fairhold/fleetwatch/internal/cluster"
)

// Action enumerates what the executor may be asked to do.
type Action string

const (
	ActionNone              Action = "none"
	ActionRejoinNode        Action = "rejoin-node"
	ActionPromoteReplica    Action = "promote-replica"
	ActionPlannedSwitchover Action = "planned-switchover"
	ActionBootstrapFromNode Action = "bootstrap-from-node"
)

// Plan is the planner's output for one view. Plans are consumed once by
// the executor and discarded; they are never reused across cycles.
type Plan struct {
	Action Action `json:"action"`
	// Target is the node to rejoin, Candidate the replica to promote,
	// From/To the switchover pair, Source the bootstrap seed.
	Target    string `json:"target,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Source    string `json:"source,omitempty"`
	// RequiresConfirmation is set for any action that can lose data. It
	// is always set for a bootstrap.
	RequiresConfirmation bool   `json:"requires_confirmation"`
	Reason               string `json:"reason"`
	// Evidence is the watermark comparison that justified the choice,
	// echoed back to the operator before any confirmation is accepted.
	Evidence []NodeWatermark `json:"evidence,omitempty"`
	// TieBreak is set when two candidates shared the maximum watermark
	// and the lowest node name won.
	TieBreak bool `json:"tie_break,omitempty"`
}

// NodeWatermark is one row of the evidence table.
type NodeWatermark struct {
	Node      string `json:"node"`
	Watermark string `json:"watermark"`
	Stale     bool   `json:"stale,omitempty"`
	Chosen    bool   `json:"chosen,omitempty"`
}

// Request carries operator intent that planning alone cannot infer.
type Request struct {
	// SwitchoverTo asks for a planned handover to the named node on a
	// consensus backend. Empty means no switchover was requested.
	SwitchoverTo string
}

// Compute derives the recovery plan for a view.
func Compute(spec cluster.Spec, view cluster.View, req Request) Plan {
	switch view.Health {
	case cluster.HealthHealthy:
		return planHealthy(spec, view, req)
	case cluster.HealthDegraded:
		return planDegraded(spec, view, req)
	case cluster.HealthSplitBrain:
		return Plan{
			Action: ActionNone,
			Reason: cluster.ErrSplitBrainDetected.Error() +
				"; manual identification of the authoritative partition is required",
		}
	case cluster.HealthDown:
		return planDown(spec, view)
	}
	return Plan{Action: ActionNone, Reason: fmt.Sprintf("unknown health %q", view.Health)}
}

func planHealthy(spec cluster.Spec, view cluster.View, req Request) Plan {
	if req.SwitchoverTo != "" && spec.Backend == cluster.BackendConsensus {
		return planSwitchover(spec, view, req.SwitchoverTo)
	}
	return Plan{Action: ActionNone, Reason: "cluster healthy"}
}

func planDegraded(spec cluster.Spec, view cluster.View, req Request) Plan {
	auth, ok := cluster.Authoritative(view)
	if !ok {
		// Classify should not hand us a degraded view without quorum;
		// refuse to act rather than guess.
		return Plan{Action: ActionNone, Reason: cluster.ErrQuorumLost.Error()}
	}

	switch spec.Backend {
	case cluster.BackendQuorumMultimaster:
		if target, ok := rejoinTarget(spec, view, auth); ok {
			return Plan{
				Action: ActionRejoinNode,
				Target: target,
				Reason: fmt.Sprintf("node %s outside the authoritative partition of %d", target, auth.Size()),
			}
		}
		return Plan{Action: ActionNone, Reason: "degraded but no rejoin target identified"}

	case cluster.BackendSentinel:
		if primaryPresent(view) {
			// A replica has already been promoted (or the old primary
			// survived); sentinel is handling the rest itself.
			return Plan{Action: ActionNone, Reason: "sentinel promotion already in effect"}
		}
		return planPromote(view)

	case cluster.BackendConsensus:
		if req.SwitchoverTo != "" {
			return planSwitchover(spec, view, req.SwitchoverTo)
		}
		return Plan{Action: ActionNone, Reason: "consensus manager handles replica recovery; switchover only on request"}
	}
	return Plan{Action: ActionNone, Reason: fmt.Sprintf("no degraded-state rule for backend %q", spec.Backend)}
}

// planDown computes the bootstrap plan after total failure: seed from the
// node with the maximum watermark, ties broken by lowest node name.
func planDown(spec cluster.Spec, view cluster.View) Plan {
	candidates := watermarked(view)
	if len(candidates) == 0 {
		return Plan{
			Action: ActionNone,
			Reason: cluster.ErrQuorumLost.Error() + "; no node has a known watermark to bootstrap from",
		}
	}

	best, tie := argmax(candidates)
	evidence := make([]NodeWatermark, 0, len(candidates))
	for _, c := range candidates {
		evidence = append(evidence, NodeWatermark{
			Node:      c.Name,
			Watermark: c.Watermark.String(),
			Stale:     c.WatermarkStale,
			Chosen:    c.Name == best.Name,
		})
	}
	return Plan{
		Action:               ActionBootstrapFromNode,
		Source:               best.Name,
		RequiresConfirmation: true,
		Reason:               fmt.Sprintf("total failure; %s holds the highest watermark %s", best.Name, best.Watermark),
		Evidence:             evidence,
		TieBreak:             tie,
	}
}

func planPromote(view cluster.View) Plan {
	var best *cluster.NodeStatus
	for i := range view.Nodes {
		n := &view.Nodes[i]
		if !n.Reachable || n.Role != cluster.RoleReplica || n.Watermark == nil {
			continue
		}
		if best == nil || better(*n, *best) {
			best = n
		}
	}
	if best == nil {
		return Plan{Action: ActionNone, Reason: "no reachable replica with a known offset to promote"}
	}
	return Plan{
		Action:    ActionPromoteReplica,
		Candidate: best.Name,
		Reason:    fmt.Sprintf("no primary visible; %s has the highest replication offset %s", best.Name, best.Watermark),
		Evidence:  []NodeWatermark{{Node: best.Name, Watermark: best.Watermark.String(), Chosen: true}},
	}
}

func planSwitchover(spec cluster.Spec, view cluster.View, to string) Plan {
	if _, ok := spec.Node(to); !ok {
		return Plan{Action: ActionNone, Reason: fmt.Sprintf("switchover target %q is not in the cluster", to)}
	}
	target, ok := view.Node(to)
	if !ok || !target.Reachable || target.Sync != cluster.SyncSynced {
		return Plan{Action: ActionNone, Reason: fmt.Sprintf("switchover target %s is not a synced reachable node", to)}
	}
	from := ""
	for _, n := range view.Nodes {
		if n.Reachable && n.Role == cluster.RolePrimary {
			from = n.Name
			break
		}
	}
	if from == "" {
		return Plan{Action: ActionNone, Reason: "no current leader visible for switchover"}
	}
	if from == to {
		return Plan{Action: ActionNone, Reason: fmt.Sprintf("%s is already the leader", to)}
	}
	return Plan{
		Action: ActionPlannedSwitchover,
		From:   from,
		To:     to,
		Reason: fmt.Sprintf("operator-requested handover from %s to %s", from, to),
	}
}

// rejoinTarget picks the node to resync: first by spec order among nodes
// outside the authoritative partition.
func rejoinTarget(spec cluster.Spec, view cluster.View, auth cluster.Partition) (string, bool) {
	inAuth := make(map[string]bool, len(auth.Members))
	for _, m := range auth.Members {
		inAuth[m] = true
	}
	for _, n := range spec.Nodes {
		if !inAuth[n.Name] {
			return n.Name, true
		}
	}
	return "", false
}

func primaryPresent(view cluster.View) bool {
	for _, n := range view.Nodes {
		if n.Reachable && n.Role == cluster.RolePrimary {
			return true
		}
	}
	return false
}

func watermarked(view cluster.View) []cluster.NodeStatus {
	out := make([]cluster.NodeStatus, 0, len(view.Nodes))
	for _, n := range view.Nodes {
		if n.Watermark != nil {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// argmax returns the candidate with the maximum watermark. Candidates
// arrive sorted by name, so keeping the first of an equal pair implements
// the lowest-name tie break deterministically.
func argmax(candidates []cluster.NodeStatus) (cluster.NodeStatus, bool) {
	best := candidates[0]
	tie := false
	for _, c := range candidates[1:] {
		switch c.Watermark.Compare(best.Watermark) {
		case 1:
			best = c
			tie = false
		case 0:
			tie = true
		}
	}
	return best, tie
}

func better(a, b cluster.NodeStatus) bool {
	switch a.Watermark.Compare(b.Watermark) {
	case 1:
		return true
	case -1:
		return false
	}
	return a.Name < b.Name
}
