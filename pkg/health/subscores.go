package health

import (
	"context"
	"fmt"
	"time"

	"github.com/swarmsh/swarmsh/pkg/ids"
	"github.com/swarmsh/swarmsh/pkg/metrics"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/types"
)

// completionHealth scores the fraction of WorkItems that have reached
// the completed status.
type completionHealth struct {
	store  *storage.Store
	weight float64
}

func (c *completionHealth) Name() string    { return "completion_health" }
func (c *completionHealth) Weight() float64 { return c.weight }

func (c *completionHealth) Check(ctx context.Context) Result {
	start := time.Now()
	var items []*types.WorkItem
	err := c.store.WithWorkItems(ctx, false, func(snap []*types.WorkItem) ([]*types.WorkItem, error) {
		items = snap
		return snap, nil
	})
	if err != nil {
		return Result{Name: c.Name(), Message: err.Error(), CheckedAt: start}
	}

	completed := 0
	for _, w := range items {
		if w.Status == types.WorkStatusCompleted {
			completed++
		}
	}
	score := 1.0
	if len(items) > 0 {
		score = float64(completed) / float64(len(items))
	}
	return Result{Name: c.Name(), Score: clamp01(score), CheckedAt: start,
		Message: fmt.Sprintf("%d/%d completed", completed, len(items))}
}

// agentAvailability scores the fraction of registered agents that are
// currently active.
type agentAvailability struct {
	store  *storage.Store
	weight float64
}

func (a *agentAvailability) Name() string    { return "agent_availability" }
func (a *agentAvailability) Weight() float64 { return a.weight }

func (a *agentAvailability) Check(ctx context.Context) Result {
	start := time.Now()
	var agents []*types.Agent
	err := a.store.WithAgents(ctx, false, func(snap []*types.Agent) ([]*types.Agent, error) {
		agents = snap
		return snap, nil
	})
	if err != nil {
		return Result{Name: a.Name(), Message: err.Error(), CheckedAt: start}
	}

	active := 0
	for _, ag := range agents {
		if ag.Status == types.AgentStatusActive {
			active++
		}
	}
	score := 1.0
	if len(agents) > 0 {
		score = float64(active) / float64(len(agents))
	}
	return Result{Name: a.Name(), Score: clamp01(score), CheckedAt: start,
		Message: fmt.Sprintf("%d/%d active", active, len(agents))}
}

// queuePressure scores the inverse of in-flight work relative to a
// configured target capacity: a full queue relative to capacity scores
// 0, an empty queue scores 1.
type queuePressure struct {
	store  *storage.Store
	target int
	weight float64
}

func (q *queuePressure) Name() string    { return "queue_pressure" }
func (q *queuePressure) Weight() float64 { return q.weight }

func (q *queuePressure) Check(ctx context.Context) Result {
	start := time.Now()
	var items []*types.WorkItem
	err := q.store.WithWorkItems(ctx, false, func(snap []*types.WorkItem) ([]*types.WorkItem, error) {
		items = snap
		return snap, nil
	})
	if err != nil {
		return Result{Name: q.Name(), Message: err.Error(), CheckedAt: start}
	}

	inProgress := 0
	for _, w := range items {
		if w.Status == types.WorkStatusInProgress || w.Status == types.WorkStatusActive {
			inProgress++
		}
	}
	target := q.target
	if target <= 0 {
		target = 1
	}
	score := 1 - clamp01(float64(inProgress)/float64(target))
	return Result{Name: q.Name(), Score: score, CheckedAt: start,
		Message: fmt.Sprintf("%d in flight of %d target", inProgress, target)}
}

// latencyHealth scores the inverse of a measured coordination latency
// probe (an ID-mint round-trip, same measurement the Analyzer uses)
// relative to a configured budget.
type latencyHealth struct {
	ids      *ids.Minter
	budgetMs float64
	weight   float64
}

func (l *latencyHealth) Name() string    { return "latency_health" }
func (l *latencyHealth) Weight() float64 { return l.weight }

func (l *latencyHealth) Check(ctx context.Context) Result {
	timer := metrics.NewTimer()
	_ = l.ids.NewEntityID("latency_probe")
	ms := float64(timer.Duration().Microseconds()) / 1000.0

	budget := l.budgetMs
	if budget <= 0 {
		budget = 100
	}
	score := 1 - clamp01(ms/budget)
	return Result{Name: l.Name(), Score: score, CheckedAt: time.Now(),
		Message: fmt.Sprintf("%.2fms of %.0fms budget", ms, budget)}
}

// telemetryHealth scores the inverse of the span log's line count
// relative to MaxSpans, so an unarchived, overgrown log degrades the
// composite score before the Analyzer classifies it as a bottleneck.
type telemetryHealth struct {
	store    *storage.Store
	maxSpans int
	weight   float64
}

func (t *telemetryHealth) Name() string    { return "telemetry_health" }
func (t *telemetryHealth) Weight() float64 { return t.weight }

func (t *telemetryHealth) Check(ctx context.Context) Result {
	start := time.Now()
	count, err := storage.CountLines(t.store.SpanLogPath())
	if err != nil {
		return Result{Name: t.Name(), Message: err.Error(), CheckedAt: start}
	}
	max := t.maxSpans
	if max <= 0 {
		max = 10000
	}
	score := 1 - clamp01(float64(count)/float64(max))
	return Result{Name: t.Name(), Score: score, CheckedAt: start,
		Message: fmt.Sprintf("%d of %d max spans", count, max)}
}
