package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// SessionIDKey is the context key for the conversation session
	SessionIDKey ContextKey = "session_id"
	// TaskIDKey is the context key for the task being worked on
	TaskIDKey ContextKey = "task_id"
	// AgentIDKey is the context key for the fleet agent
	AgentIDKey ContextKey = "agent_id"
	// ActorIDKey is the context key for the caller recorded in audit entries
	ActorIDKey ContextKey = "actor_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	SessionID string
	TaskID    string
	AgentID   string
	ActorID   string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

func withValue(ctx context.Context, key ContextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

func value(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withValue(ctx, TraceIDKey, traceID)
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withValue(ctx, SessionIDKey, sessionID)
}

// WithTaskID adds a task ID to the context
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return withValue(ctx, TaskIDKey, taskID)
}

// WithAgentID adds an agent ID to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return withValue(ctx, AgentIDKey, agentID)
}

// WithActorID records who initiated the work carried by ctx
func WithActorID(ctx context.Context, actorID string) context.Context {
	return withValue(ctx, ActorIDKey, actorID)
}

func GetTraceID(ctx context.Context) string   { return value(ctx, TraceIDKey) }
func GetSessionID(ctx context.Context) string { return value(ctx, SessionIDKey) }
func GetTaskID(ctx context.Context) string    { return value(ctx, TaskIDKey) }
func GetAgentID(ctx context.Context) string   { return value(ctx, AgentIDKey) }
func GetActorID(ctx context.Context) string   { return value(ctx, ActorIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		SessionID: GetSessionID(ctx),
		TaskID:    GetTaskID(ctx),
		AgentID:   GetAgentID(ctx),
		ActorID:   GetActorID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.TaskID != "" {
		ctx = WithTaskID(ctx, tc.TaskID)
	}
	if tc.AgentID != "" {
		ctx = WithAgentID(ctx, tc.AgentID)
	}
	if tc.ActorID != "" {
		ctx = WithActorID(ctx, tc.ActorID)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}
