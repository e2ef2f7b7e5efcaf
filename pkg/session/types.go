package session

import (
	"time"

	"github.com/harun/scorpio/pkg/errdefs"
	"github.com/harun/scorpio/pkg/llm"
	"github.com/harun/scorpio/pkg/toolexecutor"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusTerminated Status = "terminated"
	StatusError      Status = "error"
)

// AgentStatus is what the agent serving a session is doing.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentThinking  AgentStatus = "thinking"
	AgentExecuting AgentStatus = "executing"
	AgentError     AgentStatus = "error"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentIdle, AgentThinking, AgentExecuting, AgentError:
		return true
	}
	return false
}

// Message is one persisted conversation turn.
type Message struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func validRole(role string) bool {
	switch role {
	case llm.RoleUser, llm.RoleAssistant, llm.RoleSystem, llm.RoleTool:
		return true
	}
	return false
}

// Session is a conversation with its message and tool execution logs.
type Session struct {
	ID             string                       `json:"id"`
	Title          string                       `json:"title"`
	Status         Status                       `json:"status"`
	Messages       []Message                    `json:"messages"`
	ToolExecutions []toolexecutor.ToolExecution `json:"tool_executions"`
	CreatedAt      time.Time                    `json:"created_at"`
	UpdatedAt      time.Time                    `json:"updated_at"`
	LastMessageAt  *time.Time                   `json:"last_message_at,omitempty"`
	Metadata       map[string]any               `json:"metadata"`
}

// LastActivity is the later of the last message and the last update.
func (s *Session) LastActivity() time.Time {
	if s.LastMessageAt != nil && s.LastMessageAt.After(s.UpdatedAt) {
		return *s.LastMessageAt
	}
	return s.UpdatedAt
}

// AgentState tracks the agent serving one session.
type AgentState struct {
	SessionID    string         `json:"session_id"`
	CurrentTask  string         `json:"current_task,omitempty"`
	Status       AgentStatus    `json:"status"`
	LastActivity time.Time      `json:"last_activity"`
	Context      map[string]any `json:"context"`
}

// ChatRequest starts one streamed chat turn. Zero CacheTTL uses the
// executor's default.
type ChatRequest struct {
	SessionID string
	Provider  string
	Model     string
	Messages  []llm.Message
	CacheTTL  time.Duration
}

func (r ChatRequest) validate() error {
	if r.SessionID == "" {
		return errdefs.FieldValidation("session_id", "is required")
	}
	if len(r.Messages) == 0 {
		return errdefs.FieldValidation("messages", "at least one message is required")
	}
	for i, msg := range r.Messages {
		if !validRole(msg.Role) {
			return errdefs.FieldValidation("messages", "message %d has unknown role %q", i, msg.Role)
		}
	}
	return nil
}
