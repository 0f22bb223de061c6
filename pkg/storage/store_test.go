package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/swarmsh/swarmsh/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWithWorkItems_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithWorkItems(ctx, true, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		return append(items, &types.WorkItem{WorkID: "w1", Status: types.WorkStatusPending}), nil
	})
	require.NoError(t, err)

	var got []*types.WorkItem
	err = s.WithWorkItems(ctx, false, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		got = items
		return items, nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "w1", got[0].WorkID)
}

func TestGetWorkItem_UsesIndexThenFallsBackToScan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WithWorkItems(ctx, true, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		return append(items, &types.WorkItem{WorkID: "w1", Status: types.WorkStatusActive}), nil
	}))

	w, err := s.GetWorkItem(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, w)
	require.Equal(t, types.WorkStatusActive, w.Status)

	_, err = s.GetWorkItem(ctx, "missing")
	require.NoError(t, err)
}

func TestAppendJSONL_OrderPreserved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := filepath.Join(s.Dir(), "test.jsonl")

	for i := 0; i < 20; i++ {
		require.NoError(t, AppendJSONL(ctx, s, path, map[string]int{"i": i}))
	}

	lines, err := ReadJSONL[map[string]int](path)
	require.NoError(t, err)
	require.Len(t, lines, 20)
	for i, l := range lines {
		require.Equal(t, i, l["i"])
	}
}

func TestStoreCorruption_RefusesFurtherWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(s.path(CollectionWork), []byte("{not json"), 0o644))

	err := s.WithWorkItems(ctx, true, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		return items, nil
	})
	require.Error(t, err)

	err = s.WithWorkItems(ctx, true, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		t.Fatal("fn should not be invoked once corruption is latched")
		return items, nil
	})
	require.ErrorIs(t, err, ErrCorruption)
}

// If a lock is held beyond the configured timeout, the waiter returns
// ErrLockTimeout within timeout + epsilon wall-clock.
func TestAcquireLock_TimesOut(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.lock")

	holder, err := acquireLock(context.Background(), path, lockExclusive, time.Second)
	require.NoError(t, err)
	defer holder.release()

	start := time.Now()
	_, err = acquireLock(context.Background(), path, lockExclusive, 200*time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrLockTimeout)
	require.Less(t, elapsed, 600*time.Millisecond)
}

func TestArchiveTelemetry_RetainsNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, s.AppendSpan(ctx, &types.Span{SpanID: "s", StartTimeNs: int64(i)}))
	}

	archived, err := s.ArchiveTelemetry(ctx, 10, time.Now())
	require.NoError(t, err)
	require.Equal(t, 90, archived)

	n, err := CountLines(s.SpanLogPath())
	require.NoError(t, err)
	require.Equal(t, 10, n)
}

func TestArchiveCompletedWork_MovesOldTerminalItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()
	require.NoError(t, s.WithWorkItems(ctx, true, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		return []*types.WorkItem{
			{WorkID: "done-old", Status: types.WorkStatusCompleted, CompletedAt: &old},
			{WorkID: "done-new", Status: types.WorkStatusCompleted, CompletedAt: &recent},
			{WorkID: "active", Status: types.WorkStatusActive},
		}, nil
	}))

	archived, err := s.ArchiveCompletedWork(ctx, time.Now().Add(-24*time.Hour), time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, archived)

	var remaining []*types.WorkItem
	require.NoError(t, s.WithWorkItems(ctx, false, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		remaining = items
		return items, nil
	}))
	require.Len(t, remaining, 2)
}
