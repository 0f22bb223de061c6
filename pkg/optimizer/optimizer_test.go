package optimizer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmsh/swarmsh/pkg/analyzer"
	"github.com/swarmsh/swarmsh/pkg/clock"
	"github.com/swarmsh/swarmsh/pkg/coordination"
	"github.com/swarmsh/swarmsh/pkg/ids"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/telemetry"
	"github.com/swarmsh/swarmsh/pkg/types"
)

func newTestOptimizer(t *testing.T, clk clock.Clock, cfg Config) (*Optimizer, *storage.Store, *coordination.Engine) {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(dir, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	minter := ids.New()
	emitter := telemetry.New(st, minter, "swarmsh-test", "0.0.0-test")
	engine := coordination.New(st, emitter, minter, clk, 3)
	return New(st, engine, emitter, clk, cfg), st, engine
}

func TestAgentLoadRebalance_MovesOneItemPerCycle(t *testing.T) {
	cfg := DefaultConfig()
	o, st, _ := newTestOptimizer(t, clock.Real{}, cfg)
	ctx := context.Background()

	require.NoError(t, st.WithAgents(ctx, true, func(agents []*types.Agent) ([]*types.Agent, error) {
		agents = append(agents, &types.Agent{AgentID: "a1", Team: "team_x", Status: types.AgentStatusActive, CapacityMax: 10, CurrentWorkload: 5})
		for i := 2; i <= 6; i++ {
			agents = append(agents, &types.Agent{AgentID: "a" + string(rune('0'+i)), Team: "team_x", Status: types.AgentStatusActive, CapacityMax: 10, CurrentWorkload: 0})
		}
		return agents, nil
	}))

	require.NoError(t, st.WithWorkItems(ctx, true, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		now := time.Now()
		for i := 0; i < 5; i++ {
			claimed := now.Add(time.Duration(i) * time.Minute)
			items = append(items, &types.WorkItem{
				WorkID: "w" + string(rune('0'+i)), WorkType: "feature", Team: "team_x",
				AgentID: "a1", Status: types.WorkStatusActive, ClaimedAt: &claimed, UpdatedAt: now,
			})
		}
		return items, nil
	}))

	report := &analyzer.Report{Bottlenecks: []analyzer.Bottleneck{{Kind: analyzer.KindAgentOverutilization, Severity: analyzer.SeverityHigh}}}
	applied, err := o.Run(ctx, report)
	require.NoError(t, err)
	require.Contains(t, applied, analyzer.KindAgentOverutilization)

	var agents []*types.Agent
	require.NoError(t, st.WithAgents(ctx, false, func(snap []*types.Agent) ([]*types.Agent, error) {
		agents = snap
		return snap, nil
	}))
	var a1Count, othersWithOne int
	for _, a := range agents {
		if a.AgentID == "a1" {
			a1Count = a.CurrentWorkload
		} else if a.CurrentWorkload == 1 {
			othersWithOne++
		}
	}
	require.Equal(t, 4, a1Count)
	require.Equal(t, 1, othersWithOne)
}

func TestTeamLoadRebalance_MovesWorkAcrossTeams(t *testing.T) {
	cfg := DefaultConfig()
	o, st, _ := newTestOptimizer(t, clock.Real{}, cfg)
	ctx := context.Background()

	require.NoError(t, st.WithAgents(ctx, true, func(agents []*types.Agent) ([]*types.Agent, error) {
		return append(agents, &types.Agent{AgentID: "a1", Team: "team_x", Status: types.AgentStatusActive, CapacityMax: 10}), nil
	}))

	require.NoError(t, st.WithWorkItems(ctx, true, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		now := time.Now()
		for i := 0; i < 4; i++ {
			claimed := now.Add(time.Duration(i) * time.Minute)
			items = append(items, &types.WorkItem{WorkID: "w" + string(rune('0'+i)), WorkType: "feature", Team: "team_x", Status: types.WorkStatusActive, ClaimedAt: &claimed, UpdatedAt: now})
		}
		items = append(items, &types.WorkItem{WorkID: "wy", WorkType: "bug", Team: "team_y", Status: types.WorkStatusActive, UpdatedAt: now})
		return items, nil
	}))

	report := &analyzer.Report{
		TeamLoad:         map[string]int{"team_x": 4, "team_y": 1},
		TeamLoadVariance: 2.25,
		Bottlenecks:      []analyzer.Bottleneck{{Kind: analyzer.KindTeamLoadImbalance, Severity: analyzer.SeverityHigh}},
	}
	applied, err := o.Run(ctx, report)
	require.NoError(t, err)
	require.Contains(t, applied, analyzer.KindTeamLoadImbalance)

	var items []*types.WorkItem
	require.NoError(t, st.WithWorkItems(ctx, false, func(snap []*types.WorkItem) ([]*types.WorkItem, error) {
		items = snap
		return snap, nil
	}))
	teamCount := map[string]int{}
	for _, w := range items {
		teamCount[w.Team]++
	}
	require.Equal(t, 3, teamCount["team_x"])
	require.Equal(t, 2, teamCount["team_y"])
}

func TestStaleLockCleaner_ReleasesStaleActiveWork(t *testing.T) {
	cfg := DefaultConfig()
	clk := clock.NewFixed(time.Now())
	o, st, _ := newTestOptimizer(t, clk, cfg)
	ctx := context.Background()

	require.NoError(t, st.WithAgents(ctx, true, func(agents []*types.Agent) ([]*types.Agent, error) {
		return append(agents, &types.Agent{AgentID: "a1", Team: "team_x", Status: types.AgentStatusActive, CapacityMax: 10, CurrentWorkload: 1}), nil
	}))

	stale := clk.Now().Add(-25 * time.Hour)
	require.NoError(t, st.WithWorkItems(ctx, true, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		return append(items, &types.WorkItem{WorkID: "w1", WorkType: "feature", Team: "team_x", AgentID: "a1", Status: types.WorkStatusActive, UpdatedAt: stale}), nil
	}))

	report := &analyzer.Report{Bottlenecks: []analyzer.Bottleneck{{Kind: analyzer.KindStaleLocks, Severity: analyzer.SeverityMedium}}}
	applied, err := o.Run(ctx, report)
	require.NoError(t, err)
	require.Contains(t, applied, analyzer.KindStaleLocks)

	item, err := st.GetWorkItem(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, types.WorkStatusPending, item.Status)
	require.Empty(t, item.AgentID)
}

func TestRun_SkipsKindsWithoutHandlers(t *testing.T) {
	cfg := DefaultConfig()
	o, _, _ := newTestOptimizer(t, clock.Real{}, cfg)
	ctx := context.Background()

	report := &analyzer.Report{Bottlenecks: []analyzer.Bottleneck{{Kind: analyzer.KindPriorityInflation, Severity: analyzer.SeverityMedium}}}
	applied, err := o.Run(ctx, report)
	require.NoError(t, err)
	require.Empty(t, applied)
}

func TestCompactTelemetry_ArchivesOldSpans(t *testing.T) {
	cfg := DefaultConfig()
	o, st, _ := newTestOptimizer(t, clock.Real{}, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, st.AppendSpan(ctx, &types.Span{SpanID: "s" + string(rune('0'+i))}))
	}

	archived, err := o.CompactTelemetry(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 3, archived)
}

func TestArchiveWork_MovesOldTerminalItems(t *testing.T) {
	cfg := DefaultConfig()
	clk := clock.NewFixed(time.Now())
	o, st, _ := newTestOptimizer(t, clk, cfg)
	ctx := context.Background()

	old := clk.Now().Add(-31 * 24 * time.Hour)
	require.NoError(t, st.WithWorkItems(ctx, true, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		return append(items, &types.WorkItem{WorkID: "w1", Status: types.WorkStatusCompleted, UpdatedAt: old, CompletedAt: &old}), nil
	}))

	archived, err := o.ArchiveWork(ctx, cfg.WorkArchiveAge)
	require.NoError(t, err)
	require.Equal(t, 1, archived)
}
