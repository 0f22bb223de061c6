package advisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmsh/swarmsh/pkg/analyzer"
)

func TestNoOp_AlwaysReturnsUnavailable(t *testing.T) {
	var a Advisor = NoOp{}
	rec, err := a.Recommend(context.Background(), Snapshot{})
	require.Nil(t, rec)
	require.ErrorIs(t, err, ErrAdvisorUnavailable)
}

func TestRemote_ReturnsRecommendationOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Recommendation{
			MutationKind: analyzer.KindAgentOverutilization,
			Rationale:    "agent a1 is overloaded",
			Confidence:   0.8,
		})
	}))
	defer srv.Close()

	r := NewRemote(DefaultRemoteConfig(srv.URL))
	rec, err := r.Recommend(context.Background(), Snapshot{GeneratedAt: time.Now()})
	require.NoError(t, err)
	require.Equal(t, analyzer.KindAgentOverutilization, rec.MutationKind)
}

func TestRemote_DegradesToUnavailableOnBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRemote(DefaultRemoteConfig(srv.URL))
	_, err := r.Recommend(context.Background(), Snapshot{})
	require.ErrorIs(t, err, ErrAdvisorUnavailable)
}

func TestRemote_TripsBreakerAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRemote(DefaultRemoteConfig(srv.URL))
	for i := 0; i < 3; i++ {
		_, err := r.Recommend(context.Background(), Snapshot{})
		require.ErrorIs(t, err, ErrAdvisorUnavailable)
	}
	_, err := r.Recommend(context.Background(), Snapshot{})
	require.ErrorIs(t, err, ErrAdvisorUnavailable)
}

func TestRemote_DegradesOnDeadlineExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	r := NewRemote(RemoteConfig{Endpoint: srv.URL, Timeout: 5 * time.Millisecond})
	_, err := r.Recommend(context.Background(), Snapshot{})
	require.ErrorIs(t, err, ErrAdvisorUnavailable)
}
