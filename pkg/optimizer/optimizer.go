// Package optimizer applies targeted, low-risk mutations that restore
// balance, selected from an Analyzer report by 80/20 ranking (severity
// times inverse cost). Every mutation is wrapped in a single Store
// exclusive transaction and preceded by a point-in-time backup.
package optimizer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/swarmsh/swarmsh/pkg/analyzer"
	"github.com/swarmsh/swarmsh/pkg/clock"
	"github.com/swarmsh/swarmsh/pkg/coordination"
	"github.com/swarmsh/swarmsh/pkg/metrics"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/telemetry"
	"github.com/swarmsh/swarmsh/pkg/types"
)

// Config tunes the rebalance/cleanup thresholds.
type Config struct {
	LoadMax         int           // overloaded-agent threshold (default 4)
	LoadMin         int           // underutilized-agent threshold (default 2)
	MoveCap         int           // max moves per mutation per cycle (default 1)
	StaleTTL        time.Duration // default 24h
	TelemetryRetain int           // default 500
	WorkArchiveAge  time.Duration // default 720h (30d)
	TeamVarianceMin float64       // team rebalance trigger (default 1.0)
}

// DefaultConfig returns the built-in tuning defaults.
func DefaultConfig() Config {
	return Config{
		LoadMax:         4,
		LoadMin:         2,
		MoveCap:         1,
		StaleTTL:        24 * time.Hour,
		TelemetryRetain: 500,
		WorkArchiveAge:  30 * 24 * time.Hour,
		TeamVarianceMin: 1.0,
	}
}

// Optimizer mutates Store state through the CoordinationEngine to
// restore balance.
type Optimizer struct {
	store     *storage.Store
	engine    *coordination.Engine
	telemetry *telemetry.Emitter
	clock     clock.Clock
	cfg       Config
}

// New constructs an Optimizer.
func New(store *storage.Store, engine *coordination.Engine, emitter *telemetry.Emitter, clk clock.Clock, cfg Config) *Optimizer {
	return &Optimizer{store: store, engine: engine, telemetry: emitter, clock: clk, cfg: cfg}
}

// handler applies one bottleneck-driven mutation, returning the number
// of changes actually made. The signature matches a method expression
// on *Optimizer (receiver first) so the table below can reference
// methods directly.
type handler func(o *Optimizer, ctx context.Context, report *analyzer.Report) (applied int, err error)

// cost is a static relative-cost estimate per mutation kind, biasing the
// severity/cost ranking toward cheaper fixes when severities tie.
var handlers = map[analyzer.Kind]struct {
	cost float64
	fn   handler
}{
	analyzer.KindAgentOverutilization:  {cost: 1, fn: (*Optimizer).agentLoadRebalance},
	analyzer.KindAgentUnderutilization: {cost: 1, fn: (*Optimizer).agentLoadRebalance},
	analyzer.KindTeamLoadImbalance:     {cost: 1, fn: (*Optimizer).teamLoadRebalance},
	analyzer.KindStaleLocks:            {cost: 0.5, fn: (*Optimizer).staleLockCleaner},
}

var severityWeight = map[analyzer.Severity]float64{
	analyzer.SeverityHigh:   3,
	analyzer.SeverityMedium: 2,
	analyzer.SeverityLow:    1,
}

// Run selects the top two bottlenecks by severity × inverse-cost and
// applies their corresponding mutations, skipping bottleneck kinds with
// no registered handler (priority_inflation, work_fragmentation,
// coordination_latency, telemetry_bloat are observation-only here;
// telemetry/work archival run on their own Scheduler cadence via
// CompactTelemetry/ArchiveWork).
func (o *Optimizer) Run(ctx context.Context, report *analyzer.Report) (appliedKinds []analyzer.Kind, err error) {
	type ranked struct {
		kind  analyzer.Kind
		score float64
	}
	var candidates []ranked
	for _, b := range report.Bottlenecks {
		h, ok := handlers[b.Kind]
		if !ok {
			continue
		}
		candidates = append(candidates, ranked{kind: b.Kind, score: severityWeight[b.Severity] / h.cost})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > 2 {
		candidates = candidates[:2]
	}

	seen := make(map[analyzer.Kind]bool)
	for _, c := range candidates {
		if seen[c.kind] {
			continue
		}
		seen[c.kind] = true
		h := handlers[c.kind]
		n, herr := h.fn(o, ctx, report)
		if herr != nil {
			err = herr
			continue
		}
		if n > 0 {
			appliedKinds = append(appliedKinds, c.kind)
		}
	}
	return appliedKinds, err
}

// CompactTelemetry archives all but the newest retain spans/fast-path
// entries, for the Scheduler's independently-cadenced telemetry job.
func (o *Optimizer) CompactTelemetry(ctx context.Context, retain int) (archived int, err error) {
	ctx, span := o.telemetry.Start(ctx, "optimizer.compact_telemetry")
	defer func() {
		status := types.SpanStatusCompleted
		if err != nil {
			status = types.SpanStatusError
		}
		span.SetAttr("archived", itoa(archived))
		span.End(ctx, status)
	}()

	archived, err = o.store.ArchiveTelemetry(ctx, retain, o.clock.Now())
	if err != nil {
		return archived, err
	}
	if archived > 0 {
		metrics.OptimizerMutationsTotal.WithLabelValues("compact_telemetry").Inc()
	}
	return archived, nil
}

// ArchiveWork moves terminal WorkItems older than olderThan out of the
// live collection, for the Scheduler's daily archival job.
func (o *Optimizer) ArchiveWork(ctx context.Context, olderThan time.Duration) (archived int, err error) {
	ctx, span := o.telemetry.Start(ctx, "optimizer.archive_work")
	defer func() {
		status := types.SpanStatusCompleted
		if err != nil {
			status = types.SpanStatusError
		}
		span.SetAttr("archived", itoa(archived))
		span.End(ctx, status)
	}()

	now := o.clock.Now()
	archived, err = o.store.ArchiveCompletedWork(ctx, now.Add(-olderThan), now)
	if err != nil {
		return archived, err
	}
	if archived > 0 {
		metrics.OptimizerMutationsTotal.WithLabelValues("archive_work").Inc()
	}
	return archived, nil
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}

func sortByClaimedAt(items []*types.WorkItem) {
	sort.SliceStable(items, func(i, j int) bool {
		ci, cj := items[i].ClaimedAt, items[j].ClaimedAt
		if ci == nil {
			return false
		}
		if cj == nil {
			return true
		}
		return ci.Before(*cj)
	})
}
