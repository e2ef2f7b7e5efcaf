package toolexecutor

import (
	"context"
	"time"
)

// ExecutionStatus is the state of one tool execution record.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ToolExecution is the persisted record of one Execute call. Retries
// counts failed attempts.
type ToolExecution struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	ToolName    string          `json:"tool_name"`
	Parameters  map[string]any  `json:"parameters"`
	Result      map[string]any  `json:"result"`
	Error       string          `json:"error,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Retries     int             `json:"retries"`
	Duration    float64         `json:"duration"`
	Cached      bool            `json:"cached,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at"`
}

// Call names one tool invocation in a batch.
type Call struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// ExecutionLog receives every finished record for the owning session.
type ExecutionLog interface {
	AppendToolExecution(ctx context.Context, sessionID string, rec ToolExecution) error
}

// SandboxRunner executes a tool outside the process.
type SandboxRunner interface {
	Run(ctx context.Context, tool string, params map[string]any) (map[string]any, error)
}
