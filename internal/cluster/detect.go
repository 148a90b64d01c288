package cluster

import "sort"

// Partition is a group of nodes that agree on the identity of the
// partition they belong to.
type Partition struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
}

// Size returns the number of members in the partition.
func (p Partition) Size() int { return len(p.Members) }

// Partitions groups the reachable nodes that self-report primary-partition
// membership by their reported partition identity. Member lists and the
// returned slice are sorted so the grouping is deterministic.
func Partitions(nodes []NodeStatus) []Partition {
	byID := make(map[string][]string)
	for _, n := range nodes {
		if !n.Reachable || n.Membership != MemberPrimaryPartition {
			continue
		}
		byID[n.PartitionID] = append(byID[n.PartitionID], n.Name)
	}
	out := make([]Partition, 0, len(byID))
	for id, members := range byID {
		sort.Strings(members)
		out = append(out, Partition{ID: id, Members: members})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Size() != out[j].Size() {
			return out[i].Size() > out[j].Size()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Authoritative returns the partition holding quorum, if any. Because
// quorum is a strict majority of the fixed node set, at most one partition
// can ever qualify.
func Authoritative(view View) (Partition, bool) {
	for _, p := range Partitions(view.Nodes) {
		if p.Size() >= view.Quorum {
			return p, true
		}
	}
	return Partition{}, false
}

// Classify derives the cluster-wide health for one cycle's worth of node
// statuses. It is a pure function of its inputs.
func Classify(spec Spec, nodes []NodeStatus) Health {
	quorum := spec.Quorum()
	parts := Partitions(nodes)

	if len(parts) >= 2 {
		return HealthSplitBrain
	}
	if len(parts) == 0 {
		return HealthDown
	}

	main := parts[0]
	if main.Size() < quorum {
		return HealthDown
	}

	if main.Size() == len(spec.Nodes) && allSynced(nodes) {
		return HealthHealthy
	}
	return HealthDegraded
}

func allSynced(nodes []NodeStatus) bool {
	for _, n := range nodes {
		if !n.Reachable || n.Sync != SyncSynced {
			return false
		}
	}
	return true
}
