package llm

import (
	"errors"
	"strings"
)

// Roles used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Tool describes a callable tool; Parameters is a JSON schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request contains the parameters for one model call. Zero Model,
// Temperature and MaxTokens take the provider's defaults.
type Request struct {
	Model        string
	Messages     []Message
	Tools        []Tool
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// Response is a complete, non-streamed reply.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     TokenUsage `json:"usage"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// EventType labels a StreamEvent.
type EventType string

const (
	EventToken      EventType = "token"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

// StreamEvent is one element of a chat stream. A stream ends with exactly
// one done or error event and is then closed.
type StreamEvent struct {
	Type     EventType      `json:"type"`
	Content  string         `json:"content,omitempty"`
	ToolCall *ToolCall      `json:"tool_call,omitempty"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnknownProvider) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset",
		"429", "rate limit",
		"500", "502", "503", "504",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// EstimateTokens provides a rough token count estimation
func EstimateTokens(messages []Message) int {
	totalChars := 0
	for _, msg := range messages {
		totalChars += len(msg.Content)
	}
	// 1 token ≈ 4 characters
	return (totalChars + 3) / 4
}

// TrimToBudget drops the oldest non-system messages until the estimate
// fits budget. The newest message is always kept.
func TrimToBudget(messages []Message, budget int) []Message {
	if budget <= 0 || EstimateTokens(messages) <= budget {
		return messages
	}

	var system, rest []Message
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	for len(rest) > 1 && EstimateTokens(append(append([]Message{}, system...), rest...)) > budget {
		rest = rest[1:]
	}
	return append(system, rest...)
}
