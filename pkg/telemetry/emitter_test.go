package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmsh/swarmsh/pkg/ids"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/types"
)

func newTestEmitter(t *testing.T) (*Emitter, *storage.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(dir, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, ids.New(), "swarmsh-test", "0.0.0-test"), st
}

func TestStart_RootSpanMintsNewTrace(t *testing.T) {
	e, _ := newTestEmitter(t)
	_, sp := e.Start(context.Background(), "coordination.claim")
	require.Len(t, sp.TraceID(), 32)
	require.Len(t, sp.SpanID(), 16)
	require.Empty(t, sp.parentSpanID)
}

func TestStart_ChildSpanReusesTraceAndSetsParent(t *testing.T) {
	e, _ := newTestEmitter(t)
	ctx, root := e.Start(context.Background(), "coordination.claim")
	_, child := e.Start(ctx, "storage.withCollection")

	require.Equal(t, root.TraceID(), child.TraceID())
	require.Equal(t, root.SpanID(), child.parentSpanID)
	require.NotEqual(t, root.SpanID(), child.SpanID())
}

func TestEnd_PersistsOneSpanPerInvocation(t *testing.T) {
	e, st := newTestEmitter(t)
	ctx, sp := e.Start(context.Background(), "coordination.claim")
	sp.SetAttr("work_id", "w1")
	sp.End(ctx, types.SpanStatusCompleted)

	spans, err := storage.ReadJSONL[types.Span](st.SpanLogPath())
	require.NoError(t, err)
	require.Len(t, spans, 1)
	require.Equal(t, "coordination.claim", spans[0].OperationName)
	require.Equal(t, types.SpanStatusCompleted, spans[0].Status)
	require.Equal(t, "w1", spans[0].Attributes["work_id"])
}

// A sub-operation's span carries the parent's span_id and the shared
// trace_id.
func TestTraceCorrelation_ParentChildSharesTraceID(t *testing.T) {
	e, st := newTestEmitter(t)
	ctx, root := e.Start(context.Background(), "coordination.claim")
	childCtx, child := e.Start(ctx, "storage.withCollection")
	child.End(childCtx, types.SpanStatusCompleted)
	root.End(ctx, types.SpanStatusCompleted)

	spans, err := storage.ReadJSONL[types.Span](st.SpanLogPath())
	require.NoError(t, err)
	require.Len(t, spans, 2)
	for _, s := range spans {
		require.Equal(t, root.TraceID(), s.TraceID)
	}
	require.Equal(t, root.SpanID(), spans[0].ParentSpanID)
	require.Empty(t, spans[1].ParentSpanID)
}
