package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Prober queries a single node's replication signals and normalizes them.
// Implementations live in internal/probe, one per backend kind.
type Prober interface {
	Probe(ctx context.Context, node NodeSpec) (NodeStatus, error)
}

// Aggregator runs poll cycles: one concurrent probe per node, fan-in at a
// hard deadline, then classification into a View.
type Aggregator struct {
	spec    Spec
	prober  Prober
	timeout time.Duration
	logger  *zap.Logger

	mu   sync.Mutex
	prev *View
}

// NewAggregator creates an aggregator for the given cluster spec.
func NewAggregator(spec Spec, prober Prober, timeout time.Duration, logger *zap.Logger) *Aggregator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Aggregator{
		spec:    spec,
		prober:  prober,
		timeout: timeout,
		logger:  logger,
	}
}

// Poll runs one cycle and returns the resulting view. A probe that has not
// answered by the deadline is recorded as unreachable; the goroutine it
// runs on is cancelled via its context and never blocks the cycle.
func (a *Aggregator) Poll(ctx context.Context) View {
	results := make([]NodeStatus, len(a.spec.Nodes))
	var wg sync.WaitGroup

	for i, node := range a.spec.Nodes {
		wg.Add(1)
		go func(i int, node NodeSpec) {
			defer wg.Done()
			results[i] = a.probeOne(ctx, node)
		}(i, node)
	}
	wg.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.carryForward(results)

	view := View{
		Cluster:  a.spec.Name,
		Backend:  a.spec.Backend,
		Nodes:    results,
		Health:   Classify(a.spec, results),
		Quorum:   a.spec.Quorum(),
		PolledAt: time.Now().UTC(),
	}
	a.prev = &view

	a.logger.Debug("poll cycle complete",
		zap.String("cluster", a.spec.Name),
		zap.String("health", string(view.Health)),
		zap.Int("reachable", view.ReachableCount()),
	)
	return view
}

// Latest returns the most recent view, if a cycle has run.
func (a *Aggregator) Latest() (View, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.prev == nil {
		return View{}, false
	}
	return *a.prev, true
}

func (a *Aggregator) probeOne(ctx context.Context, node NodeSpec) NodeStatus {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type outcome struct {
		status NodeStatus
		err    error
	}
	ch := make(chan outcome, 1)
	start := time.Now()
	go func() {
		st, err := a.prober.Probe(ctx, node)
		ch <- outcome{st, err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			a.logger.Warn("probe failed",
				zap.String("node", node.Name), zap.Error(out.err))
			return Unreachable(node.Name, out.err)
		}
		st := out.status
		st.Name = node.Name
		st.LastSeen = time.Now().UTC()
		return st
	case <-ctx.Done():
		// Hard cutoff: the probe goroutine may still be tearing down its
		// connection, but the cycle moves on without it.
		a.logger.Warn("probe timed out",
			zap.String("node", node.Name),
			zap.Duration("elapsed", time.Since(start)))
		return Unreachable(node.Name, fmt.Errorf("probe timeout after %s", a.timeout))
	}
}

// carryForward fills unreachable nodes with the watermark and last-seen
// time observed in the previous cycle, marked stale. After a total outage
// this is what lets the planner pick a bootstrap source.
func (a *Aggregator) carryForward(results []NodeStatus) {
	if a.prev == nil {
		return
	}
	for i := range results {
		if results[i].Reachable || results[i].Watermark != nil {
			continue
		}
		old, ok := a.prev.Node(results[i].Name)
		if !ok || old.Watermark == nil {
			continue
		}
		results[i].Watermark = old.Watermark
		results[i].WatermarkStale = true
		results[i].LastSeen = old.LastSeen
	}
}
