package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmsh/swarmsh/pkg/clock"
	"github.com/swarmsh/swarmsh/pkg/ids"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/telemetry"
	"github.com/swarmsh/swarmsh/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(dir, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	minter := ids.New()
	emitter := telemetry.New(st, minter, "swarmsh-test", "0.0.0-test")
	monitor := New(st, emitter, minter, clock.Real{}, DefaultConfig())
	return NewServer(monitor), st
}

func TestHealthzHandler_RunsOnFirstRequestWhenUncached(t *testing.T) {
	srv, st := newTestServer(t)
	require.NoError(t, st.WithAgents(context.Background(), true, func(agents []*types.Agent) ([]*types.Agent, error) {
		return append(agents, &types.Agent{AgentID: "a1", Status: types.AgentStatusActive}), nil
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, StatusHealthy, report.Status)
}

func TestHealthzHandler_ServesCachedReportAfterRunAndCache(t *testing.T) {
	srv, _ := newTestServer(t)
	cached, err := srv.RunAndCache(context.Background())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var served Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &served))
	require.Equal(t, cached.GeneratedAt.Unix(), served.GeneratedAt.Unix())
}

func TestHealthzHandler_RejectsNonGET(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsEndpoint_Reachable(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
