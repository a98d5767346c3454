package logging

import (
	"context"
)

// Context keys for logging values.
// Using private types to avoid key collisions.
type contextKey int

const (
	runIDKey contextKey = iota
	batchIDKey
	componentKey
	agentKey
)

// WithRun adds a run ID to the context.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithBatch adds a batch ID to the context.
func WithBatch(ctx context.Context, batchID string) context.Context {
	return context.WithValue(ctx, batchIDKey, batchID)
}

// WithComponent adds a component name to the context.
// Component names identify the subsystem generating logs (e.g., "orchestrator", "verifier", "patchapplier").
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// WithAgent adds the agent driver's agent name to the context.
func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentKey, agent)
}

// RunIDFromContext extracts the run ID from the context. Returns empty string if not set.
func RunIDFromContext(ctx context.Context) string {
	if v := ctx.Value(runIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// BatchIDFromContext extracts the batch ID from the context. Returns empty string if not set.
func BatchIDFromContext(ctx context.Context) string {
	if v := ctx.Value(batchIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ComponentFromContext extracts the component name from the context. Returns empty string if not set.
func ComponentFromContext(ctx context.Context) string {
	if v := ctx.Value(componentKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// AgentFromContext extracts the agent name from the context. Returns empty string if not set.
func AgentFromContext(ctx context.Context) string {
	if v := ctx.Value(agentKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
