package coordination

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmsh/swarmsh/pkg/clock"
	"github.com/swarmsh/swarmsh/pkg/ids"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/telemetry"
	"github.com/swarmsh/swarmsh/pkg/types"
)

func newTestEngine(t *testing.T) *Engine {
	e, _ := newTestEngineWithStore(t)
	return e
}

func newTestEngineWithStore(t *testing.T) (*Engine, *storage.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(dir, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	minter := ids.New()
	emitter := telemetry.New(st, minter, "swarmsh-test", "0.0.0-test")
	return New(st, emitter, minter, clock.Real{}, 3), st
}

func TestHappyPath_ClaimProgressComplete(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Register(ctx, "A1", "team_x", 10, "")
	require.NoError(t, err)

	actorCtx := ContextWithAgent(ctx, "A1")
	w, err := e.Claim(actorCtx, "feature", "Add widget", types.PriorityHigh, "team_x")
	require.NoError(t, err)
	require.Equal(t, types.WorkStatusActive, w.Status)

	w, err = e.Progress(actorCtx, w.WorkID, 50, nil)
	require.NoError(t, err)
	require.Equal(t, 50, w.ProgressPercent)
	require.Equal(t, types.WorkStatusInProgress, w.Status)

	w, err = e.Complete(actorCtx, w.WorkID, "ok", 5)
	require.NoError(t, err)
	require.Equal(t, types.WorkStatusCompleted, w.Status)
	require.Equal(t, 5, w.VelocityPoints)
}

// Claim establishes a WorkItem's trace; Progress and Complete must join
// that same trace rather than minting their own, so the full lifecycle
// of one item correlates under a single trace_id.
func TestClaimProgressComplete_ShareTraceID(t *testing.T) {
	e, st := newTestEngineWithStore(t)
	ctx := context.Background()

	_, err := e.Register(ctx, "A1", "team_x", 10, "")
	require.NoError(t, err)

	actorCtx := ContextWithAgent(ctx, "A1")
	w, err := e.Claim(actorCtx, "feature", "Add widget", types.PriorityHigh, "team_x")
	require.NoError(t, err)
	require.NotEmpty(t, w.TraceID)

	_, err = e.Progress(actorCtx, w.WorkID, 50, nil)
	require.NoError(t, err)

	_, err = e.Complete(actorCtx, w.WorkID, "ok", 5)
	require.NoError(t, err)

	spans, err := storage.ReadJSONL[types.Span](st.SpanLogPath())
	require.NoError(t, err)

	byOp := make(map[string]types.Span)
	for _, sp := range spans {
		if sp.TraceID == w.TraceID {
			byOp[sp.OperationName] = sp
		}
	}
	require.Contains(t, byOp, "coordination.claim")
	require.Contains(t, byOp, "coordination.progress")
	require.Contains(t, byOp, "coordination.complete")
	for op, sp := range byOp {
		require.Equal(t, w.TraceID, sp.TraceID, "span %s has a different trace_id", op)
	}
}

func TestOwnershipViolation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Register(ctx, "A1", "team_x", 10, "")
	require.NoError(t, err)
	_, err = e.Register(ctx, "A2", "team_x", 10, "")
	require.NoError(t, err)

	w, err := e.Claim(ContextWithAgent(ctx, "A1"), "feature", "x", types.PriorityLow, "team_x")
	require.NoError(t, err)

	_, err = e.Progress(ContextWithAgent(ctx, "A2"), w.WorkID, 10, nil)
	require.Error(t, err)
	require.Equal(t, KindOwnershipViolation, KindOf(err))
}

func TestCompleteIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := ContextWithAgent(context.Background(), "A1")

	_, err := e.Register(context.Background(), "A1", "team_x", 10, "")
	require.NoError(t, err)
	w, err := e.Claim(ctx, "feature", "x", types.PriorityLow, "team_x")
	require.NoError(t, err)

	w1, err := e.Complete(ctx, w.WorkID, "ok", 3)
	require.NoError(t, err)
	w2, err := e.Complete(ctx, w.WorkID, "ok", 3)
	require.NoError(t, err)
	require.Equal(t, w1.Status, w2.Status)

	_, err = e.Complete(ctx, w.WorkID, "different", 3)
	require.Error(t, err)
	require.Equal(t, KindAlreadyTerminal, KindOf(err))
}

func TestDuplicateAgent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Register(ctx, "A1", "team_x", 10, "")
	require.NoError(t, err)
	_, err = e.Register(ctx, "A1", "team_x", 10, "")
	require.Error(t, err)
	require.Equal(t, KindDuplicateAgent, KindOf(err))
}

func TestCapacityBound(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Register(ctx, "A1", "team_x", 1, "")
	require.NoError(t, err)

	actorCtx := ContextWithAgent(ctx, "A1")
	_, err = e.Claim(actorCtx, "feature", "x", types.PriorityLow, "team_x")
	require.NoError(t, err)

	_, err = e.Claim(actorCtx, "feature", "y", types.PriorityLow, "team_x")
	require.Error(t, err)
	require.Equal(t, KindCapacityExceeded, KindOf(err))
}

// Concurrent reassign calls targeting the same WorkItem must leave
// exactly one winner and never push either agent over capacity.
func TestConcurrentReassign_MutualExclusion(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for _, id := range []string{"A1", "A2", "A3"} {
		_, err := e.Register(ctx, id, "team_x", 10, "")
		require.NoError(t, err)
	}
	w, err := e.Claim(ContextWithAgent(ctx, "A1"), "feature", "x", types.PriorityLow, "team_x")
	require.NoError(t, err)
	_, err = e.Release(ctx, w.WorkID, "test")
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	successes := make(chan string, n)
	for i := 0; i < n; i++ {
		target := "A2"
		if i%2 == 0 {
			target = "A3"
		}
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			if _, err := e.Reassign(ctx, w.WorkID, target); err == nil {
				successes <- target
			}
		}(target)
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	require.Equal(t, 1, count)

	got, err := e.store.GetWorkItem(ctx, w.WorkID)
	require.NoError(t, err)
	require.Contains(t, []string{"A2", "A3"}, got.AgentID)
}
