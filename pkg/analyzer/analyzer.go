// Package analyzer computes observable system metrics from Store
// snapshots and classifies bottlenecks using a pluggable rule set. It
// is pure: no snapshot is ever mutated and no Store write is issued.
package analyzer

import (
	"context"

	"github.com/swarmsh/swarmsh/pkg/clock"
	"github.com/swarmsh/swarmsh/pkg/ids"
	"github.com/swarmsh/swarmsh/pkg/metrics"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/telemetry"
	"github.com/swarmsh/swarmsh/pkg/types"
)

// Severity ranks a detected Bottleneck.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Kind names a bottleneck category.
type Kind string

const (
	KindAgentOverutilization  Kind = "agent_overutilization"
	KindAgentUnderutilization Kind = "agent_underutilization"
	KindTeamLoadImbalance     Kind = "team_load_imbalance"
	KindPriorityInflation     Kind = "priority_inflation"
	KindWorkFragmentation     Kind = "work_fragmentation"
	KindCoordinationLatency   Kind = "coordination_latency"
	KindTelemetryBloat        Kind = "telemetry_bloat"
	KindStaleLocks            Kind = "stale_locks"
)

// Bottleneck is one classified imbalance signal.
type Bottleneck struct {
	Kind     Kind     `json:"kind"`
	Severity Severity `json:"severity"`
}

// Thresholds configures the classification boundaries; Defaults()
// matches the built-in defaults.
type Thresholds struct {
	AgentOverutilization  float64
	AgentUnderutilization float64
	TeamImbalanceHigh     float64
	TeamImbalanceMedium   float64
	PriorityInflation     float64
	WorkFragmentation     float64
	CoordinationLatencyMs float64
	TelemetryBloatSpans   int
	StaleLockTTL          int64 // nanoseconds
}

// Defaults returns the built-in threshold values.
func Defaults() Thresholds {
	return Thresholds{
		AgentOverutilization:  2.0,
		AgentUnderutilization: 0.5,
		TeamImbalanceHigh:     3.0,
		TeamImbalanceMedium:   2.0,
		PriorityInflation:     0.6,
		WorkFragmentation:     0.3,
		CoordinationLatencyMs: 50,
		TelemetryBloatSpans:   10000,
		StaleLockTTL:          int64(24 * 60 * 60 * 1e9),
	}
}

// Rule classifies zero or more Bottlenecks from a Report-in-progress.
// Rules never mutate r's metric fields, only append to r.Bottlenecks.
type Rule func(r *Report, th Thresholds)

// Report is the Analyzer's output.
type Report struct {
	WorkPerAgent             float64          `json:"work_per_agent"`
	ActiveWork               int              `json:"active_work"`
	CompletionRate           float64          `json:"completion_rate"`
	TeamLoad                 map[string]int   `json:"team_load"`
	TeamLoadVariance         float64          `json:"team_load_variance"`
	TeamLoadImbalanceRatio   float64          `json:"team_load_imbalance_ratio"`
	PriorityDistribution     map[string]int   `json:"priority_distribution"`
	PriorityInflationRatio   float64          `json:"priority_inflation_ratio"`
	WorkFragmentationRatio   float64          `json:"work_type_fragmentation_ratio"`
	CoordinationLatencyMs    float64          `json:"coordination_latency_ms"`
	TelemetryVolume          int              `json:"telemetry_volume"`
	StaleLockCount           int              `json:"stale_lock_count"`
	Bottlenecks              []Bottleneck     `json:"bottlenecks"`
}

// Analyzer computes Reports from Store snapshots.
type Analyzer struct {
	store     *storage.Store
	telemetry *telemetry.Emitter
	ids       *ids.Minter
	clock     clock.Clock
	th        Thresholds
	rules     []Rule
}

// New constructs an Analyzer with the default rule set.
func New(store *storage.Store, emitter *telemetry.Emitter, minter *ids.Minter, clk clock.Clock, th Thresholds) *Analyzer {
	return &Analyzer{
		store:     store,
		telemetry: emitter,
		ids:       minter,
		clock:     clk,
		th:        th,
		rules:     DefaultRules(),
	}
}

// DefaultRules returns one Rule per Kind, matching the built-in
// classification thresholds.
func DefaultRules() []Rule {
	return []Rule{
		ruleAgentUtilization,
		ruleTeamImbalance,
		rulePriorityInflation,
		ruleWorkFragmentation,
		ruleCoordinationLatency,
		ruleTelemetryBloat,
		ruleStaleLocks,
	}
}

func ruleAgentUtilization(r *Report, th Thresholds) {
	if r.WorkPerAgent > th.AgentOverutilization {
		r.Bottlenecks = append(r.Bottlenecks, Bottleneck{KindAgentOverutilization, SeverityHigh})
	} else if r.WorkPerAgent < th.AgentUnderutilization {
		r.Bottlenecks = append(r.Bottlenecks, Bottleneck{KindAgentUnderutilization, SeverityMedium})
	}
}

func ruleTeamImbalance(r *Report, th Thresholds) {
	switch {
	case r.TeamLoadImbalanceRatio > th.TeamImbalanceHigh:
		r.Bottlenecks = append(r.Bottlenecks, Bottleneck{KindTeamLoadImbalance, SeverityHigh})
	case r.TeamLoadImbalanceRatio > th.TeamImbalanceMedium:
		r.Bottlenecks = append(r.Bottlenecks, Bottleneck{KindTeamLoadImbalance, SeverityMedium})
	}
}

func rulePriorityInflation(r *Report, th Thresholds) {
	if r.PriorityInflationRatio > th.PriorityInflation {
		r.Bottlenecks = append(r.Bottlenecks, Bottleneck{KindPriorityInflation, SeverityMedium})
	}
}

func ruleWorkFragmentation(r *Report, th Thresholds) {
	if r.WorkFragmentationRatio > th.WorkFragmentation {
		r.Bottlenecks = append(r.Bottlenecks, Bottleneck{KindWorkFragmentation, SeverityLow})
	}
}

func ruleCoordinationLatency(r *Report, th Thresholds) {
	if r.CoordinationLatencyMs > th.CoordinationLatencyMs {
		r.Bottlenecks = append(r.Bottlenecks, Bottleneck{KindCoordinationLatency, SeverityMedium})
	}
}

func ruleTelemetryBloat(r *Report, th Thresholds) {
	if r.TelemetryVolume > th.TelemetryBloatSpans {
		r.Bottlenecks = append(r.Bottlenecks, Bottleneck{KindTelemetryBloat, SeverityHigh})
	}
}

func ruleStaleLocks(r *Report, th Thresholds) {
	if r.StaleLockCount > 0 {
		r.Bottlenecks = append(r.Bottlenecks, Bottleneck{KindStaleLocks, SeverityMedium})
	}
}

// Run executes one analysis cycle, returning a fully populated Report.
func (a *Analyzer) Run(ctx context.Context) (report *Report, err error) {
	ctx, span := a.telemetry.Start(ctx, "8020.analyzer.run")
	defer func() {
		status := types.SpanStatusCompleted
		if err != nil {
			status = types.SpanStatusError
		}
		span.End(ctx, status)
	}()

	var items []*types.WorkItem
	if err := a.store.WithWorkItems(ctx, false, func(snap []*types.WorkItem) ([]*types.WorkItem, error) {
		items = snap
		return snap, nil
	}); err != nil {
		return nil, err
	}

	var agents []*types.Agent
	if err := a.store.WithAgents(ctx, false, func(snap []*types.Agent) ([]*types.Agent, error) {
		agents = snap
		return snap, nil
	}); err != nil {
		return nil, err
	}

	spanCount, err := storage.CountLines(a.store.SpanLogPath())
	if err != nil {
		return nil, err
	}

	r := &Report{
		TeamLoad:             make(map[string]int),
		PriorityDistribution: make(map[string]int),
		TelemetryVolume:      spanCount,
	}

	active := 0
	completed := 0
	distinctTypes := make(map[string]struct{})
	now := a.clock.Now()

	for _, w := range items {
		if w.Status == types.WorkStatusActive || w.Status == types.WorkStatusInProgress {
			active++
		}
		if w.Status == types.WorkStatusCompleted {
			completed++
		}
		r.TeamLoad[w.Team]++
		r.PriorityDistribution[string(w.Priority)]++
		distinctTypes[w.WorkType] = struct{}{}

		if (w.Status == types.WorkStatusActive || w.Status == types.WorkStatusInProgress) &&
			now.Sub(w.UpdatedAt).Nanoseconds() > a.th.StaleLockTTL {
			r.StaleLockCount++
		}
	}

	r.ActiveWork = active
	if len(items) > 0 {
		r.CompletionRate = float64(completed) / float64(len(items))
		r.WorkFragmentationRatio = float64(len(distinctTypes)) / float64(len(items))

		inflated := r.PriorityDistribution[string(types.PriorityHigh)] + r.PriorityDistribution[string(types.PriorityCritical)]
		r.PriorityInflationRatio = float64(inflated) / float64(len(items))
	}
	if len(agents) > 0 {
		r.WorkPerAgent = float64(active) / float64(len(agents))
	}
	r.TeamLoadVariance, r.TeamLoadImbalanceRatio = teamLoadStats(r.TeamLoad)

	r.CoordinationLatencyMs = a.measureLatency()

	for _, rule := range a.rules {
		rule(r, a.th)
	}
	for _, b := range r.Bottlenecks {
		metrics.BottlenecksDetectedTotal.WithLabelValues(string(b.Kind), string(b.Severity)).Inc()
	}
	metrics.AnalyzerRunsTotal.Inc()

	return r, nil
}

// measureLatency times a benign Store no-op (an ID-mint round-trip).
func (a *Analyzer) measureLatency() float64 {
	timer := metrics.NewTimer()
	_ = a.ids.NewEntityID("latency_probe")
	return float64(timer.Duration().Microseconds()) / 1000.0
}

func teamLoadStats(teamLoad map[string]int) (variance, imbalanceRatio float64) {
	if len(teamLoad) == 0 {
		return 0, 0
	}
	var sum, max float64
	for _, c := range teamLoad {
		sum += float64(c)
		if float64(c) > max {
			max = float64(c)
		}
	}
	mean := sum / float64(len(teamLoad))
	if mean == 0 {
		return 0, 0
	}

	var sqDiff float64
	for _, c := range teamLoad {
		d := float64(c) - mean
		sqDiff += d * d
	}
	variance = sqDiff / float64(len(teamLoad))
	imbalanceRatio = max / mean
	return variance, imbalanceRatio
}
