package shared

import (
	"context"

	"github.com/google/uuid"
)

// ctxKey namespaces the ids the runtime threads through a goal execution.
type ctxKey string

const (
	traceKey ctxKey = "trace_id"
	goalKey  ctxKey = "goal_id"
	agentKey ctxKey = "agent_id"
)

func withValue(ctx context.Context, k ctxKey, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withValue(ctx, traceKey, traceID)
}

// TraceID returns "-" when no trace is attached, matching the log baseline.
func TraceID(ctx context.Context) string {
	if v := value(ctx, traceKey); v != "" {
		return v
	}
	return "-"
}

func NewTraceID() string {
	return uuid.NewString()
}

// WithGoalID records the goal being executed.
func WithGoalID(ctx context.Context, goalID string) context.Context {
	return withValue(ctx, goalKey, goalID)
}

func GoalID(ctx context.Context) string { return value(ctx, goalKey) }

// WithAgentID records the sub-agent running a delegated step.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return withValue(ctx, agentKey, agentID)
}

func AgentID(ctx context.Context) string { return value(ctx, agentKey) }
