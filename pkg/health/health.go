// Package health composes a 0-100 health score from five weighted
// sub-scores, each shaped like a Checker interface (Check(ctx) Result)
// but returning a normalized score instead of a boolean, so the
// composite is a plain weighted reduction over []SubScore.
package health

import (
	"context"
	"strconv"
	"time"

	"github.com/swarmsh/swarmsh/pkg/clock"
	"github.com/swarmsh/swarmsh/pkg/ids"
	"github.com/swarmsh/swarmsh/pkg/metrics"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/telemetry"
	"github.com/swarmsh/swarmsh/pkg/types"
)

// Status is the composite score's qualitative bucket.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Result is one sub-score's measurement.
type Result struct {
	Name      string        `json:"name"`
	Score     float64       `json:"score"` // normalized 0..1
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Duration  time.Duration `json:"-"`
}

// SubScore computes one normalized (0..1) component of the composite
// health score.
type SubScore interface {
	Name() string
	Weight() float64
	Check(ctx context.Context) Result
}

// Config tunes the composite thresholds and sub-score targets.
type Config struct {
	TargetCapacity    int     // denominator for queue_pressure
	LatencyBudgetMs   float64 // denominator for latency_health
	MaxSpans          int     // denominator for telemetry_health
	HealthyThreshold  float64 // default 70
	DegradedThreshold float64 // default 50
}

// DefaultConfig returns the built-in scoring defaults.
func DefaultConfig() Config {
	return Config{
		TargetCapacity:    20,
		LatencyBudgetMs:   100,
		MaxSpans:          10000,
		HealthyThreshold:  70,
		DegradedThreshold: 50,
	}
}

// Report is the composite HealthMonitor output, persisted as
// health_report_{ts}.json on every cycle.
type Report struct {
	Score       float64           `json:"score"`
	Status      Status            `json:"status"`
	SubScores   map[string]Result `json:"sub_scores"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// Monitor computes composite Reports from Store snapshots.
type Monitor struct {
	store     *storage.Store
	telemetry *telemetry.Emitter
	ids       *ids.Minter
	clock     clock.Clock
	cfg       Config
	subScores []SubScore
}

// New constructs a Monitor with the five built-in sub-scores.
func New(store *storage.Store, emitter *telemetry.Emitter, minter *ids.Minter, clk clock.Clock, cfg Config) *Monitor {
	m := &Monitor{store: store, telemetry: emitter, ids: minter, clock: clk, cfg: cfg}
	m.subScores = []SubScore{
		&completionHealth{store: store, weight: 0.3},
		&agentAvailability{store: store, weight: 0.2},
		&queuePressure{store: store, target: cfg.TargetCapacity, weight: 0.2},
		&latencyHealth{ids: minter, budgetMs: cfg.LatencyBudgetMs, weight: 0.15},
		&telemetryHealth{store: store, maxSpans: cfg.MaxSpans, weight: 0.15},
	}
	return m
}

// Run executes one health cycle: evaluates every SubScore, reduces them
// into a composite Report, persists it, and emits a span.
func (m *Monitor) Run(ctx context.Context) (report *Report, err error) {
	ctx, span := m.telemetry.Start(ctx, "health.run")
	defer func() {
		status := types.SpanStatusCompleted
		if err != nil {
			status = types.SpanStatusError
		}
		span.End(ctx, status)
	}()

	r := &Report{
		SubScores:   make(map[string]Result, len(m.subScores)),
		GeneratedAt: m.clock.Now(),
	}

	var weighted, totalWeight float64
	for _, sub := range m.subScores {
		res := sub.Check(ctx)
		r.SubScores[sub.Name()] = res
		weighted += res.Score * sub.Weight()
		totalWeight += sub.Weight()
		metrics.HealthSubScore.WithLabelValues(sub.Name()).Set(res.Score)
	}
	if totalWeight > 0 {
		r.Score = (weighted / totalWeight) * 100
	}
	r.Status = classify(r.Score, m.cfg)
	span.SetAttr("score", strconv.FormatFloat(r.Score, 'f', 2, 64)).SetAttr("status", string(r.Status))

	metrics.HealthScore.Set(r.Score)

	if _, werr := m.store.WriteReport("health_report", r.GeneratedAt, r); werr != nil {
		return r, werr
	}
	return r, nil
}

func classify(score float64, cfg Config) Status {
	switch {
	case score >= cfg.HealthyThreshold:
		return StatusHealthy
	case score >= cfg.DegradedThreshold:
		return StatusDegraded
	default:
		return StatusCritical
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
