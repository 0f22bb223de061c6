package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmsh/swarmsh/pkg/analyzer"
	"github.com/swarmsh/swarmsh/pkg/clock"
	"github.com/swarmsh/swarmsh/pkg/coordination"
	"github.com/swarmsh/swarmsh/pkg/events"
	"github.com/swarmsh/swarmsh/pkg/health"
	"github.com/swarmsh/swarmsh/pkg/ids"
	"github.com/swarmsh/swarmsh/pkg/isolation"
	"github.com/swarmsh/swarmsh/pkg/optimizer"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/telemetry"
	"github.com/swarmsh/swarmsh/pkg/types"
)

func newTestScheduler(t *testing.T, clk clock.Clock, cfg Config) (*Scheduler, *storage.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(dir, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	minter := ids.New()
	emitter := telemetry.New(st, minter, "swarmsh-test", "0.0.0-test")
	engine := coordination.New(st, emitter, minter, clk, 3)
	an := analyzer.New(st, emitter, minter, clk, analyzer.Defaults())
	opt := optimizer.New(st, engine, emitter, clk, optimizer.DefaultConfig())
	mon := health.New(st, emitter, minter, clk, health.DefaultConfig())
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return New(st, an, opt, mon, broker, clk, cfg), st
}

func TestCatchUp_RunsOnFirstStartWithNoMarker(t *testing.T) {
	clk := clock.NewFixed(time.Now())
	cfg := DefaultConfig()
	sched, st := newTestScheduler(t, clk, cfg)

	sched.catchUp(context.Background(), JobAnalyzer, cfg.AnalyzerInterval)

	var marker lastRunMarker
	found, err := st.ReadState(markerName(JobAnalyzer), &marker)
	require.NoError(t, err)
	require.True(t, found)
}

func TestCatchUp_SkipsWhenRecentMarkerExists(t *testing.T) {
	clk := clock.NewFixed(time.Now())
	cfg := DefaultConfig()
	sched, st := newTestScheduler(t, clk, cfg)

	require.NoError(t, st.WriteState(markerName(JobAnalyzer), lastRunMarker{RanAt: clk.Now()}))

	sched.catchUp(context.Background(), JobAnalyzer, cfg.AnalyzerInterval)

	var marker lastRunMarker
	found, err := st.ReadState(markerName(JobAnalyzer), &marker)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, clk.Now().Unix(), marker.RanAt.Unix())
}

func TestRunOnce_SkipsWhenAlreadyRunning(t *testing.T) {
	clk := clock.NewFixed(time.Now())
	cfg := DefaultConfig()
	sched, _ := newTestScheduler(t, clk, cfg)

	sched.running[JobAnalyzer] = true
	sched.runOnce(context.Background(), JobAnalyzer)

	require.True(t, sched.running[JobAnalyzer])
}

func TestRunOnce_WritesMarkerOnSuccess(t *testing.T) {
	clk := clock.NewFixed(time.Now())
	cfg := DefaultConfig()
	sched, st := newTestScheduler(t, clk, cfg)

	sched.runOnce(context.Background(), JobStaleLockCleaner)

	var marker lastRunMarker
	found, err := st.ReadState(markerName(JobStaleLockCleaner), &marker)
	require.NoError(t, err)
	require.True(t, found)
}

func TestWorkArchive_CallsIsolationReleaseWhenItemsArchived(t *testing.T) {
	clk := clock.NewFixed(time.Now())
	cfg := DefaultConfig()
	cfg.WorkArchiveOlderThan = time.Hour
	sched, st := newTestScheduler(t, clk, cfg)

	old := clk.Now().Add(-2 * time.Hour)
	require.NoError(t, st.WithWorkItems(context.Background(), true, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		return append(items, &types.WorkItem{WorkID: "w1", Status: types.WorkStatusCompleted, UpdatedAt: old, CompletedAt: &old}), nil
	}))

	fake := &fakeIsolationProvider{}
	sched.WithIsolation(fake)

	sched.runOnce(context.Background(), JobWorkArchive)
	require.True(t, fake.released)
}

type fakeIsolationProvider struct{ released bool }

func (f *fakeIsolationProvider) Allocate(ctx context.Context, name string) (*isolation.Allocation, error) {
	return &isolation.Allocation{Name: name}, nil
}

func (f *fakeIsolationProvider) Release(ctx context.Context, name string) error {
	f.released = true
	return nil
}

func TestHealthCriticalEvent_AdvancesOptimizerCycle(t *testing.T) {
	clk := clock.NewFixed(time.Now())
	cfg := DefaultConfig()
	cfg.OptimizerRebalanceInterval = time.Hour
	sched, st := newTestScheduler(t, clk, cfg)

	// A recent marker keeps the startup catch-up from running the
	// optimizer, so only the critical event can move RanAt to clk.Now().
	require.NoError(t, st.WriteState(markerName(JobOptimizerRebalance), lastRunMarker{RanAt: clk.Now().Add(-time.Minute)}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	sched.broker.Publish(&events.Event{Type: events.EventHealthCritical})

	require.Eventually(t, func() bool {
		var marker lastRunMarker
		found, err := func() (bool, error) {
			// Re-open read via the scheduler's own store to avoid races on *testing.T.
			return sched.store.ReadState(markerName(JobOptimizerRebalance), &marker)
		}()
		return err == nil && found && marker.RanAt.Unix() == clk.Now().Unix()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartStop_AllLoopsExitCleanly(t *testing.T) {
	clk := clock.NewFixed(time.Now())
	cfg := DefaultConfig()
	sched, _ := newTestScheduler(t, clk, cfg)

	ctx := context.Background()
	sched.Start(ctx)
	sched.Stop()
}
