package optimizer

import (
	"context"
	"fmt"

	"github.com/swarmsh/swarmsh/pkg/analyzer"
	"github.com/swarmsh/swarmsh/pkg/metrics"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/types"
)

// backup snapshots the collections a mutation is about to touch, per
// the "before mutating, snapshot the primary collections" guarantee.
func (o *Optimizer) backup(cols ...storage.Collection) error {
	now := o.clock.Now()
	for _, c := range cols {
		if err := o.store.Backup(c, now); err != nil {
			return err
		}
	}
	return nil
}

// agentLoadRebalance moves at most cfg.MoveCap non-terminal WorkItems
// from the most-loaded agent (count > LoadMax) to the least-loaded
// (count < LoadMin), earliest claimed_at first.
func (o *Optimizer) agentLoadRebalance(ctx context.Context, _ *analyzer.Report) (applied int, err error) {
	if err := o.backup(storage.CollectionAgent, storage.CollectionWork); err != nil {
		return 0, err
	}

	var agents []*types.Agent
	if err := o.store.WithAgents(ctx, false, func(snap []*types.Agent) ([]*types.Agent, error) {
		agents = snap
		return snap, nil
	}); err != nil {
		return 0, err
	}

	for i := 0; i < o.cfg.MoveCap; i++ {
		over, under := mostAndLeastLoaded(agents, o.cfg.LoadMax, o.cfg.LoadMin)
		if over == nil || under == nil {
			break
		}

		var items []*types.WorkItem
		if err := o.store.WithWorkItems(ctx, false, func(snap []*types.WorkItem) ([]*types.WorkItem, error) {
			items = snap
			return snap, nil
		}); err != nil {
			return applied, err
		}
		candidate := pickMovable(items, over.AgentID)
		if candidate == nil {
			break
		}

		ctx2, span := o.telemetry.Start(ctx, "optimizer.agent_load_rebalance")
		span.SetAttr("work_id", candidate.WorkID).
			SetAttr("from_agent", over.AgentID).
			SetAttr("to_agent", under.AgentID).
			SetAttr("from_count", fmt.Sprint(over.CurrentWorkload)).
			SetAttr("to_count", fmt.Sprint(under.CurrentWorkload))

		_, rerr := o.engine.ReassignAny(ctx2, candidate.WorkID, under.AgentID)
		status := types.SpanStatusCompleted
		if rerr != nil {
			status = types.SpanStatusError
		}
		span.End(ctx2, status)
		if rerr != nil {
			return applied, rerr
		}

		metrics.OptimizerMutationsTotal.WithLabelValues("agent_load_rebalance").Inc()
		applied++

		over.CurrentWorkload--
		under.CurrentWorkload++
	}
	return applied, nil
}

// mostAndLeastLoaded returns the highest-count agent above loadMax and
// the lowest-count agent below loadMin, or nil if no such pair exists.
func mostAndLeastLoaded(agents []*types.Agent, loadMax, loadMin int) (over, under *types.Agent) {
	for _, a := range agents {
		if a.Status != types.AgentStatusActive {
			continue
		}
		if a.CurrentWorkload > loadMax && (over == nil || a.CurrentWorkload > over.CurrentWorkload) {
			over = a
		}
		if a.CurrentWorkload < loadMin && (under == nil || a.CurrentWorkload < under.CurrentWorkload) {
			under = a
		}
	}
	return over, under
}

// pickMovable returns the earliest-claimed non-terminal WorkItem owned
// by agentID, or nil.
func pickMovable(items []*types.WorkItem, agentID string) *types.WorkItem {
	var candidates []*types.WorkItem
	for _, w := range items {
		if w.AgentID == agentID && !w.Status.Terminal() {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sortByClaimedAt(candidates)
	return candidates[0]
}

// teamLoadRebalance moves one non-terminal WorkItem from the
// most-loaded team to the least-loaded when team_load_variance exceeds
// TeamVarianceMin.
func (o *Optimizer) teamLoadRebalance(ctx context.Context, report *analyzer.Report) (applied int, err error) {
	if report.TeamLoadVariance <= o.cfg.TeamVarianceMin || len(report.TeamLoad) < 2 {
		return 0, nil
	}
	if err := o.backup(storage.CollectionWork); err != nil {
		return 0, err
	}

	fromTeam, toTeam := mostAndLeastLoadedTeam(report.TeamLoad)
	if fromTeam == "" || toTeam == "" || fromTeam == toTeam {
		return 0, nil
	}

	var items []*types.WorkItem
	if err := o.store.WithWorkItems(ctx, false, func(snap []*types.WorkItem) ([]*types.WorkItem, error) {
		items = snap
		return snap, nil
	}); err != nil {
		return 0, err
	}

	var candidate *types.WorkItem
	for _, w := range items {
		if w.Team == fromTeam && !w.Status.Terminal() {
			if candidate == nil || (w.ClaimedAt != nil && candidate.ClaimedAt != nil && w.ClaimedAt.Before(*candidate.ClaimedAt)) {
				candidate = w
			}
		}
	}
	if candidate == nil {
		return 0, nil
	}

	ctx2, span := o.telemetry.Start(ctx, "optimizer.team_load_rebalance")
	span.SetAttr("work_id", candidate.WorkID).SetAttr("from_team", fromTeam).SetAttr("to_team", toTeam)

	_, rerr := o.engine.Retag(ctx2, candidate.WorkID, toTeam, "optimizer")
	status := types.SpanStatusCompleted
	if rerr != nil {
		status = types.SpanStatusError
	}
	span.End(ctx2, status)
	if rerr != nil {
		return 0, rerr
	}

	metrics.OptimizerMutationsTotal.WithLabelValues("team_load_rebalance").Inc()
	return 1, nil
}

func mostAndLeastLoadedTeam(teamLoad map[string]int) (most, least string) {
	first := true
	var maxCount, minCount int
	for team, count := range teamLoad {
		if first || count > maxCount {
			maxCount, most = count, team
		}
		if first || count < minCount {
			minCount, least = count, team
		}
		first = false
	}
	return most, least
}

// staleLockCleaner releases every active/in_progress WorkItem whose
// updated_at predates StaleTTL, emitting one span per release.
func (o *Optimizer) staleLockCleaner(ctx context.Context, _ *analyzer.Report) (applied int, err error) {
	if err := o.backup(storage.CollectionWork); err != nil {
		return 0, err
	}
	now := o.clock.Now()

	var items []*types.WorkItem
	if err := o.store.WithWorkItems(ctx, false, func(snap []*types.WorkItem) ([]*types.WorkItem, error) {
		items = snap
		return snap, nil
	}); err != nil {
		return 0, err
	}

	for _, w := range items {
		if w.Status != types.WorkStatusActive && w.Status != types.WorkStatusInProgress {
			continue
		}
		if now.Sub(w.UpdatedAt) <= o.cfg.StaleTTL {
			continue
		}

		ctx2, span := o.telemetry.Start(ctx, "optimizer.stale_lock_release")
		span.SetAttr("work_id", w.WorkID)

		_, rerr := o.engine.Release(ctx2, w.WorkID, "optimizer")
		status := types.SpanStatusCompleted
		if rerr != nil {
			status = types.SpanStatusError
		}
		span.End(ctx2, status)
		if rerr != nil {
			err = rerr
			continue
		}

		metrics.OptimizerMutationsTotal.WithLabelValues("stale_lock_release").Inc()
		applied++
	}
	return applied, err
}
