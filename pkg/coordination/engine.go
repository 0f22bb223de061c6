// Package coordination implements the claim/progress/complete/register
// state machine: the sole entry point through which WorkItems and
// Agents are created and mutated.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/swarmsh/swarmsh/pkg/clock"
	"github.com/swarmsh/swarmsh/pkg/ids"
	"github.com/swarmsh/swarmsh/pkg/log"
	"github.com/swarmsh/swarmsh/pkg/metrics"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/telemetry"
	"github.com/swarmsh/swarmsh/pkg/types"
)

const defaultAgentCapacity = 100

// Engine is the coordination state machine. It is the only component
// permitted to mutate WorkItem/Agent state; everything else reads
// copies through the Store.
type Engine struct {
	store      *storage.Store
	telemetry  *telemetry.Emitter
	ids        *ids.Minter
	clock      clock.Clock
	maxRetries uint64
}

// New constructs an Engine. maxRetries bounds the internal retry loop
// around LockTimeout failures (default 3 when 0 is passed).
func New(store *storage.Store, emitter *telemetry.Emitter, minter *ids.Minter, clk clock.Clock, maxRetries int) *Engine {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Engine{store: store, telemetry: emitter, ids: minter, clock: clk, maxRetries: uint64(maxRetries)}
}

// withRetry runs op, retrying LockTimeout failures with exponential
// backoff up to maxRetries; there is no StoreConflict kind, and every
// other error is returned at once. The caller's trace ID is
// untouched across retries since op closes over the same span/context.
func (e *Engine) withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 1 * time.Second
	bo := backoff.WithContext(backoff.WithMaxRetries(b, e.maxRetries), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		metrics.ConflictsTotal.Inc()
		return err
	}, bo)
}

func classifyStorageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrLockTimeout):
		return fmt.Errorf("coordination: %w", ErrLockTimeout)
	case errors.Is(err, storage.ErrCorruption):
		return fmt.Errorf("coordination: %w", ErrStoreCorruption)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("coordination: %w", ErrCancelled)
	default:
		return err
	}
}

func indexOfAgent(agents []*types.Agent, agentID string) int {
	for i, a := range agents {
		if a.AgentID == agentID {
			return i
		}
	}
	return -1
}

func indexOfWork(items []*types.WorkItem, workID string) int {
	for i, w := range items {
		if w.WorkID == workID {
			return i
		}
	}
	return -1
}

// resumeTrace seeds ctx with workID's persisted trace ID, so that
// Progress/Complete/Release/Retag/Reassign join the trace Claim
// established instead of each minting its own root. A context that
// already carries a trace (an enclosing span, or FORCE_TRACE_ID) is
// left untouched. Lookup failures are non-fatal: the caller's own
// mutation attempt still runs and surfaces the real error (e.g.
// NotFound) under its own lock.
func (e *Engine) resumeTrace(ctx context.Context, workID string) context.Context {
	if _, ok := telemetry.TraceIDFromContext(ctx); ok {
		return ctx
	}
	w, err := e.store.GetWorkItem(ctx, workID)
	if err != nil || w == nil || w.TraceID == "" {
		return ctx
	}
	return telemetry.ContextWithTrace(ctx, w.TraceID, "")
}

// endSpan finalizes span with Completed or Error depending on *errp,
// tagging the error kind attribute on failure. Called via defer with a
// pointer to the named error return.
func endSpan(ctx context.Context, span *telemetry.Span, errp *error) {
	status := types.SpanStatusCompleted
	if *errp != nil {
		status = types.SpanStatusError
		span.SetAttr("error.kind", string(KindOf(*errp)))
	}
	span.End(ctx, status)
}

// Register creates a new Agent. capacity of 0 defaults to 100.
func (e *Engine) Register(ctx context.Context, agentID, team string, capacity int, specialization string) (agent *types.Agent, err error) {
	ctx, span := e.telemetry.Start(ctx, "coordination.register")
	span.SetAttr("agent_id", agentID)
	defer endSpan(ctx, span, &err)

	if capacity < 0 {
		return nil, fmt.Errorf("coordination: negative capacity: %w", ErrInvalidCapacity)
	}
	if capacity == 0 {
		capacity = defaultAgentCapacity
	}

	now := e.clock.Now()
	err = e.withRetry(ctx, func() error {
		return classifyStorageErr(e.store.WithAgents(ctx, true, func(agents []*types.Agent) ([]*types.Agent, error) {
			if indexOfAgent(agents, agentID) >= 0 {
				return agents, fmt.Errorf("coordination: agent %s: %w", agentID, ErrDuplicateAgent)
			}
			agent = &types.Agent{
				AgentID:        agentID,
				Team:           team,
				Specialization: specialization,
				CapacityMax:    capacity,
				Status:         types.AgentStatusActive,
				LastHeartbeat:  now,
			}
			agents = append(agents, agent)

			logErr := e.store.AppendLogEntry(ctx, &types.CoordinationLogEntry{
				TraceID: span.TraceID(), SpanID: span.SpanID(),
				Actor: agentID, Target: agentID,
				ToState: string(types.AgentStatusActive), Operation: "register", Timestamp: now,
			})
			return agents, logErr
		}))
	})
	if err != nil {
		return nil, err
	}
	log.WithAgentID(agentID).Info().Str("team", team).Msg("agent registered")
	return agent, nil
}

// Claim atomically creates a WorkItem in status active, assigned to the
// agent identified in ctx (ContextWithAgent).
func (e *Engine) Claim(ctx context.Context, workType, description string, priority types.Priority, team string) (item *types.WorkItem, err error) {
	agentID, ok := AgentFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("coordination: %w", ErrNoAgentContext)
	}

	ctx, span := e.telemetry.Start(ctx, "coordination.claim")
	span.SetAttr("agent_id", agentID).SetAttr("work_type", workType).SetAttr("team", team)
	defer endSpan(ctx, span, &err)

	err = e.withRetry(ctx, func() error {
		return classifyStorageErr(e.store.WithWorkItems(ctx, true, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
			var capErr error
			agentErr := e.store.WithAgents(ctx, true, func(agents []*types.Agent) ([]*types.Agent, error) {
				idx := indexOfAgent(agents, agentID)
				if idx < 0 {
					capErr = fmt.Errorf("coordination: agent %s: %w", agentID, ErrNoAgentContext)
					return agents, nil
				}
				ag := agents[idx]
				if ag.CurrentWorkload >= ag.CapacityMax {
					capErr = fmt.Errorf("coordination: agent %s: %w", agentID, ErrAgentAtCapacity)
					return agents, nil
				}
				ag.CurrentWorkload++
				return agents, nil
			})
			if err := classifyStorageErr(agentErr); err != nil {
				return items, err
			}
			if capErr != nil {
				return items, capErr
			}

			now := e.clock.Now()
			item = &types.WorkItem{
				WorkID:          e.ids.NewEntityID("work"),
				WorkType:        workType,
				Description:     description,
				Priority:        priority,
				Team:            team,
				AgentID:         agentID,
				Status:          types.WorkStatusActive,
				ProgressPercent: 0,
				ClaimedAt:       &now,
				UpdatedAt:       now,
				TraceID:         span.TraceID(),
			}
			items = append(items, item)

			logErr := e.store.AppendLogEntry(ctx, &types.CoordinationLogEntry{
				TraceID: span.TraceID(), SpanID: span.SpanID(),
				Actor: agentID, Target: item.WorkID,
				ToState: string(types.WorkStatusActive), Operation: "claim", Timestamp: now,
			})
			return items, logErr
		}))
	})
	if err != nil {
		return nil, err
	}
	_ = e.store.AppendFastPath(ctx, item)
	log.WithWorkID(item.WorkID).Info().Str("agent_id", agentID).Msg("work claimed")
	return item, nil
}

// Progress updates a WorkItem's percent complete and, optionally, its
// status. Only the owning agent may call this.
func (e *Engine) Progress(ctx context.Context, workID string, percent int, status *types.WorkStatus) (item *types.WorkItem, err error) {
	agentID, _ := AgentFromContext(ctx)

	ctx = e.resumeTrace(ctx, workID)
	ctx, span := e.telemetry.Start(ctx, "coordination.progress")
	span.SetAttr("work_id", workID)
	defer endSpan(ctx, span, &err)

	if percent < 0 || percent > 100 {
		return nil, fmt.Errorf("coordination: percent %d out of range: %w", percent, ErrValidation)
	}

	err = e.withRetry(ctx, func() error {
		return classifyStorageErr(e.store.WithWorkItems(ctx, true, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
			idx := indexOfWork(items, workID)
			if idx < 0 {
				return items, fmt.Errorf("coordination: work %s: %w", workID, ErrNotFound)
			}
			w := items[idx]
			if w.AgentID != agentID {
				return items, fmt.Errorf("coordination: work %s: %w", workID, ErrNotOwner)
			}
			if w.Status.Terminal() {
				return items, fmt.Errorf("coordination: work %s: %w", workID, ErrInvalidTransition)
			}

			from := w.Status
			w.ProgressPercent = percent
			if status != nil {
				if *status == types.WorkStatusCompleted || *status == types.WorkStatusFailed {
					return items, fmt.Errorf("coordination: work %s: %w", workID, ErrInvalidTransition)
				}
				w.Status = *status
			} else if w.Status == types.WorkStatusActive {
				w.Status = types.WorkStatusInProgress
			}
			w.UpdatedAt = e.clock.Now()
			item = w

			return items, e.store.AppendLogEntry(ctx, &types.CoordinationLogEntry{
				TraceID: span.TraceID(), SpanID: span.SpanID(),
				Actor: agentID, Target: workID,
				FromState: string(from), ToState: string(w.Status), Operation: "progress", Timestamp: w.UpdatedAt,
			})
		}))
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Complete terminates a WorkItem with a result and velocity points.
// Calling Complete twice with identical result/points is an idempotent
// success; a differing result on an already-terminal item fails
// AlreadyTerminal.
func (e *Engine) Complete(ctx context.Context, workID, result string, velocityPoints int) (item *types.WorkItem, err error) {
	agentID, _ := AgentFromContext(ctx)

	ctx = e.resumeTrace(ctx, workID)
	ctx, span := e.telemetry.Start(ctx, "coordination.complete")
	span.SetAttr("work_id", workID)
	defer endSpan(ctx, span, &err)

	err = e.withRetry(ctx, func() error {
		return classifyStorageErr(e.store.WithWorkItems(ctx, true, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
			idx := indexOfWork(items, workID)
			if idx < 0 {
				return items, fmt.Errorf("coordination: work %s: %w", workID, ErrNotFound)
			}
			w := items[idx]
			if w.Status == types.WorkStatusCompleted {
				if w.Result == result {
					item = w
					return items, nil
				}
				return items, fmt.Errorf("coordination: work %s: %w", workID, ErrAlreadyTerminal)
			}
			if w.Status == types.WorkStatusFailed {
				return items, fmt.Errorf("coordination: work %s: %w", workID, ErrAlreadyTerminal)
			}
			if w.AgentID != agentID {
				return items, fmt.Errorf("coordination: work %s: %w", workID, ErrNotOwner)
			}

			from := w.Status
			now := e.clock.Now()
			w.Status = types.WorkStatusCompleted
			w.ProgressPercent = 100
			w.Result = result
			w.VelocityPoints = velocityPoints
			w.UpdatedAt = now
			w.CompletedAt = &now
			item = w

			agentErr := e.store.WithAgents(ctx, true, func(agents []*types.Agent) ([]*types.Agent, error) {
				if idx := indexOfAgent(agents, agentID); idx >= 0 && agents[idx].CurrentWorkload > 0 {
					agents[idx].CurrentWorkload--
				}
				return agents, nil
			})
			if err := classifyStorageErr(agentErr); err != nil {
				return items, err
			}

			return items, e.store.AppendLogEntry(ctx, &types.CoordinationLogEntry{
				TraceID: span.TraceID(), SpanID: span.SpanID(),
				Actor: agentID, Target: workID,
				FromState: string(from), ToState: string(types.WorkStatusCompleted), Operation: "complete", Timestamp: now,
			})
		}))
	})
	if err != nil {
		return nil, err
	}
	log.WithWorkID(workID).Info().Int("velocity_points", velocityPoints).Msg("work completed")
	return item, nil
}

// Release transitions a WorkItem back to pending and clears its agent,
// used by rebalancing. actor identifies the caller for the audit log
// (e.g. "optimizer" or an agent_id).
func (e *Engine) Release(ctx context.Context, workID, actor string) (item *types.WorkItem, err error) {
	ctx = e.resumeTrace(ctx, workID)
	ctx, span := e.telemetry.Start(ctx, "coordination.release")
	span.SetAttr("work_id", workID)
	defer endSpan(ctx, span, &err)

	err = e.withRetry(ctx, func() error {
		return classifyStorageErr(e.store.WithWorkItems(ctx, true, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
			idx := indexOfWork(items, workID)
			if idx < 0 {
				return items, fmt.Errorf("coordination: work %s: %w", workID, ErrNotFound)
			}
			w := items[idx]
			if w.Status.Terminal() {
				return items, fmt.Errorf("coordination: work %s: %w", workID, ErrAlreadyTerminal)
			}

			from := w.Status
			prevAgent := w.AgentID
			now := e.clock.Now()
			w.Status = types.WorkStatusPending
			w.AgentID = ""
			w.ClaimedAt = nil
			w.UpdatedAt = now
			w.RetryCount++
			item = w

			if prevAgent != "" {
				agentErr := e.store.WithAgents(ctx, true, func(agents []*types.Agent) ([]*types.Agent, error) {
					if idx := indexOfAgent(agents, prevAgent); idx >= 0 && agents[idx].CurrentWorkload > 0 {
						agents[idx].CurrentWorkload--
					}
					return agents, nil
				})
				if err := classifyStorageErr(agentErr); err != nil {
					return items, err
				}
			}

			return items, e.store.AppendLogEntry(ctx, &types.CoordinationLogEntry{
				TraceID: span.TraceID(), SpanID: span.SpanID(),
				Actor: actor, Target: workID,
				FromState: string(from), ToState: string(types.WorkStatusPending), Operation: "release", Timestamp: now,
			})
		}))
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Retag moves a non-terminal WorkItem to newTeam, used by the
// Optimizer's team load rebalance mutation.
func (e *Engine) Retag(ctx context.Context, workID, newTeam, actor string) (item *types.WorkItem, err error) {
	ctx = e.resumeTrace(ctx, workID)
	ctx, span := e.telemetry.Start(ctx, "coordination.retag")
	span.SetAttr("work_id", workID).SetAttr("new_team", newTeam)
	defer endSpan(ctx, span, &err)

	err = e.withRetry(ctx, func() error {
		return classifyStorageErr(e.store.WithWorkItems(ctx, true, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
			idx := indexOfWork(items, workID)
			if idx < 0 {
				return items, fmt.Errorf("coordination: work %s: %w", workID, ErrNotFound)
			}
			w := items[idx]
			if w.Status.Terminal() {
				return items, fmt.Errorf("coordination: work %s: %w", workID, ErrAlreadyTerminal)
			}
			fromTeam := w.Team
			w.Team = newTeam
			w.UpdatedAt = e.clock.Now()
			item = w

			return items, e.store.AppendLogEntry(ctx, &types.CoordinationLogEntry{
				TraceID: span.TraceID(), SpanID: span.SpanID(),
				Actor: actor, Target: workID,
				FromState: fromTeam, ToState: newTeam, Operation: "retag", Timestamp: w.UpdatedAt,
			})
		}))
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Reassign moves a pending WorkItem to newAgentID. External/CLI callers
// may only target pending items; the Optimizer calls ReassignAny for
// rebalancing moves of active/in_progress items under its own held lock
// discipline.
func (e *Engine) Reassign(ctx context.Context, workID, newAgentID string) (*types.WorkItem, error) {
	return e.reassign(ctx, workID, newAgentID, false)
}

// ReassignAny is Reassign without the pending-only restriction, for use
// by the Optimizer's rebalancing mutations.
func (e *Engine) ReassignAny(ctx context.Context, workID, newAgentID string) (*types.WorkItem, error) {
	return e.reassign(ctx, workID, newAgentID, true)
}

func (e *Engine) reassign(ctx context.Context, workID, newAgentID string, anyStatus bool) (item *types.WorkItem, err error) {
	ctx = e.resumeTrace(ctx, workID)
	ctx, span := e.telemetry.Start(ctx, "coordination.reassign")
	span.SetAttr("work_id", workID).SetAttr("new_agent_id", newAgentID)
	defer endSpan(ctx, span, &err)

	err = e.withRetry(ctx, func() error {
		return classifyStorageErr(e.store.WithWorkItems(ctx, true, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
			idx := indexOfWork(items, workID)
			if idx < 0 {
				return items, fmt.Errorf("coordination: work %s: %w", workID, ErrNotFound)
			}
			w := items[idx]
			if !anyStatus && w.Status != types.WorkStatusPending {
				return items, fmt.Errorf("coordination: work %s: %w", workID, ErrInvalidTransition)
			}
			if anyStatus && w.Status.Terminal() {
				return items, fmt.Errorf("coordination: work %s: %w", workID, ErrAlreadyTerminal)
			}

			oldAgent := w.AgentID
			now := e.clock.Now()

			var capErr error
			agentErr := e.store.WithAgents(ctx, true, func(agents []*types.Agent) ([]*types.Agent, error) {
				newIdx := indexOfAgent(agents, newAgentID)
				if newIdx < 0 {
					capErr = fmt.Errorf("coordination: agent %s: %w", newAgentID, ErrNotFound)
					return agents, nil
				}
				if agents[newIdx].CurrentWorkload >= agents[newIdx].CapacityMax {
					capErr = fmt.Errorf("coordination: agent %s: %w", newAgentID, ErrAgentAtCapacity)
					return agents, nil
				}
				agents[newIdx].CurrentWorkload++
				if oldIdx := indexOfAgent(agents, oldAgent); oldAgent != "" && oldIdx >= 0 && agents[oldIdx].CurrentWorkload > 0 {
					agents[oldIdx].CurrentWorkload--
				}
				return agents, nil
			})
			if err := classifyStorageErr(agentErr); err != nil {
				return items, err
			}
			if capErr != nil {
				return items, capErr
			}

			w.AgentID = newAgentID
			w.UpdatedAt = now
			if w.Status == types.WorkStatusPending {
				w.Status = types.WorkStatusActive
				w.ClaimedAt = &now
			}
			item = w

			return items, e.store.AppendLogEntry(ctx, &types.CoordinationLogEntry{
				TraceID: span.TraceID(), SpanID: span.SpanID(),
				Actor: "optimizer", Target: workID,
				FromState: oldAgent, ToState: newAgentID, Operation: "reassign", Timestamp: now,
			})
		}))
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}
