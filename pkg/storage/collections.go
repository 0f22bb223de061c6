package storage

import (
	"context"
	"path/filepath"

	"github.com/swarmsh/swarmsh/pkg/types"
)

// WithWorkItems locks and rewrites work_claims.json.
func (s *Store) WithWorkItems(ctx context.Context, exclusive bool, fn func([]*types.WorkItem) ([]*types.WorkItem, error)) error {
	var out []*types.WorkItem
	err := WithCollection(ctx, s, CollectionWork, exclusive, func(snapshot []*types.WorkItem) ([]*types.WorkItem, error) {
		result, err := fn(snapshot)
		out = result
		return result, err
	})
	if err == nil && exclusive && s.idx != nil {
		s.idx.refreshWork(out)
	}
	return err
}

// WithAgents locks and rewrites agent_status.json.
func (s *Store) WithAgents(ctx context.Context, exclusive bool, fn func([]*types.Agent) ([]*types.Agent, error)) error {
	var out []*types.Agent
	err := WithCollection(ctx, s, CollectionAgent, exclusive, func(snapshot []*types.Agent) ([]*types.Agent, error) {
		result, err := fn(snapshot)
		out = result
		return result, err
	})
	if err == nil && exclusive && s.idx != nil {
		s.idx.refreshAgents(out)
	}
	return err
}

// AppendLogEntry appends one record to coordination_log.json's append-
// only sibling view. The log is logically append-only but stored as a
// JSON array, so it is rewritten under the same exclusive-lock
// discipline as the other collections rather than as JSONL.
func (s *Store) AppendLogEntry(ctx context.Context, entry *types.CoordinationLogEntry) error {
	return WithCollection(ctx, s, CollectionLog, true, func(snapshot []*types.CoordinationLogEntry) ([]*types.CoordinationLogEntry, error) {
		return append(snapshot, entry), nil
	})
}

// SpanLogPath is telemetry_spans.jsonl inside COORDINATION_DIR.
func (s *Store) SpanLogPath() string { return filepath.Join(s.dir, "telemetry_spans.jsonl") }

// FastPathLogPath is work_claims_fast.jsonl inside COORDINATION_DIR.
func (s *Store) FastPathLogPath() string { return filepath.Join(s.dir, "work_claims_fast.jsonl") }

// AppendSpan appends one span to the span log.
func (s *Store) AppendSpan(ctx context.Context, span *types.Span) error {
	return AppendJSONL(ctx, s, s.SpanLogPath(), span)
}

// AppendFastPath appends a recent-claim record to the fast-path log.
func (s *Store) AppendFastPath(ctx context.Context, item *types.WorkItem) error {
	return AppendJSONL(ctx, s, s.FastPathLogPath(), item)
}

// GetWorkItem looks up a single WorkItem by ID. It consults the fast
// index cache first and falls back to a full shared-lock scan — the
// cache is an accelerator, never a source of truth.
func (s *Store) GetWorkItem(ctx context.Context, workID string) (*types.WorkItem, error) {
	if s.idx != nil {
		if w, ok := s.idx.getWork(workID); ok {
			return w, nil
		}
	}
	var found *types.WorkItem
	err := s.WithWorkItems(ctx, false, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		for _, w := range items {
			if w.WorkID == workID {
				found = w.Clone()
				break
			}
		}
		return items, nil
	})
	return found, err
}

// GetAgent looks up a single Agent by ID, cache-then-scan like GetWorkItem.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*types.Agent, error) {
	if s.idx != nil {
		if a, ok := s.idx.getAgent(agentID); ok {
			return a, nil
		}
	}
	var found *types.Agent
	err := s.WithAgents(ctx, false, func(agents []*types.Agent) ([]*types.Agent, error) {
		for _, a := range agents {
			if a.AgentID == agentID {
				found = a.Clone()
				break
			}
		}
		return agents, nil
	})
	return found, err
}
