package cluster

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fairhold/fleetwatch/internal/metrics"
)

// Driver schedules poll cycles on a fixed interval. Cycles never overlap:
// the next tick is only acted on after the previous cycle's view has been
// produced and handed to the subscribers.
type Driver struct {
	agg      *Aggregator
	interval time.Duration
	logger   *zap.Logger
	onView   []func(View)
}

// NewDriver wraps an aggregator in an interval scheduler.
func NewDriver(agg *Aggregator, interval time.Duration, logger *zap.Logger) *Driver {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Driver{agg: agg, interval: interval, logger: logger}
}

// Subscribe registers a callback invoked with each fresh view. Must be
// called before Run.
func (d *Driver) Subscribe(fn func(View)) {
	d.onView = append(d.onView, fn)
}

// Run polls until the context is cancelled. The first cycle runs
// immediately so the controller has a view before the first tick.
func (d *Driver) Run(ctx context.Context) {
	d.cycle(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("poll driver stopping")
			return
		case <-ticker.C:
			d.cycle(ctx)
		}
	}
}

// Poll forces a fresh cycle outside the schedule (operator-triggered).
func (d *Driver) Poll(ctx context.Context) View {
	return d.cycle(ctx)
}

// Latest returns the most recent view.
func (d *Driver) Latest() (View, bool) {
	return d.agg.Latest()
}

func (d *Driver) cycle(ctx context.Context) View {
	start := time.Now()
	view := d.agg.Poll(ctx)
	metrics.ObservePollCycle(view.Cluster, string(view.Health), time.Since(start))
	for _, n := range view.Nodes {
		metrics.ObserveNode(view.Cluster, n.Name, n.Reachable, n.Sync == SyncSynced)
	}
	for _, fn := range d.onView {
		fn(view)
	}
	return view
}
