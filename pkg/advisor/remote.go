package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// RemoteConfig configures Remote's HTTP client and breaker.
type RemoteConfig struct {
	Endpoint string        // base URL of the opaque recommendation backend
	Timeout  time.Duration // per-call deadline; default 30s
}

// DefaultRemoteConfig matches the built-in 30s per-call deadline.
func DefaultRemoteConfig(endpoint string) RemoteConfig {
	return RemoteConfig{Endpoint: endpoint, Timeout: 30 * time.Second}
}

// Remote calls an opaque external HTTP backend (an ollama-pro or Claude
// CLI bridge, treated as a black box) for recommendations, guarded by a
// circuit breaker and a per-call deadline. A tripped breaker or expired
// deadline degrades to the same ErrAdvisorUnavailable result NoOp
// returns — callers never special-case which implementation is active.
type Remote struct {
	cfg     RemoteConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewRemote wires a Remote advisor with a breaker that opens after 3
// consecutive failures and probes again after a 30s cooldown.
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "advisor.remote",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Remote{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
	}
}

func (r *Remote) Recommend(ctx context.Context, snapshot Snapshot) (*Recommendation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	result, err := r.breaker.Execute(func() (any, error) {
		return r.call(ctx, snapshot)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdvisorUnavailable, err)
	}
	rec, _ := result.(*Recommendation)
	return rec, nil
}

func (r *Remote) call(ctx context.Context, snapshot Snapshot) (*Recommendation, error) {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint+"/recommend", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("advisor backend returned %d", resp.StatusCode)
	}

	var rec Recommendation
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
