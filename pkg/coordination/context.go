package coordination

import "context"

type agentCtxKey struct{}

// ContextWithAgent attaches the calling agent's identity to ctx. claim
// reads the agent from ambient context rather than an explicit
// parameter.
func ContextWithAgent(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentCtxKey{}, agentID)
}

// AgentFromContext returns the agent identity attached by
// ContextWithAgent, if any.
func AgentFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(agentCtxKey{}).(string)
	return v, ok && v != ""
}
