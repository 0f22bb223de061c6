// Package advisor provides an optional, opaque external recommendation
// backend (an LLM bridge or similar) behind a narrow interface so the
// 80/20 control loop can ask for advice without ever depending on one
// being reachable. Every caller treats a missing or failed advisor the
// same way: proceed with the deterministic fallback plan already chosen.
package advisor

import (
	"context"
	"errors"
	"time"

	"github.com/swarmsh/swarmsh/pkg/analyzer"
)

// ErrAdvisorUnavailable is returned whenever no recommendation could be
// produced, whether because no backend is configured, the circuit
// breaker is open, or the call deadline expired.
var ErrAdvisorUnavailable = errors.New("advisor: unavailable")

// Snapshot carries the state an Advisor needs to reason about, built
// from the same analyzer output the Optimizer already consumes.
type Snapshot struct {
	Bottlenecks []analyzer.Bottleneck `json:"bottlenecks"`
	GeneratedAt time.Time             `json:"generated_at"`
}

// Recommendation is the advisor's structured suggestion. MutationKind
// mirrors analyzer.Kind's vocabulary so an Optimizer can weigh it
// alongside its own deterministic bottleneck ranking, never acting on
// it directly.
type Recommendation struct {
	MutationKind analyzer.Kind `json:"mutation_kind"`
	Rationale    string        `json:"rationale"`
	Confidence   float64       `json:"confidence"`
}

// Advisor is the optional external recommendation backend.
type Advisor interface {
	Recommend(ctx context.Context, snapshot Snapshot) (*Recommendation, error)
}

// NoOp always declines, deterministically, for deployments with no
// external backend configured.
type NoOp struct{}

func (NoOp) Recommend(ctx context.Context, snapshot Snapshot) (*Recommendation, error) {
	return nil, ErrAdvisorUnavailable
}
