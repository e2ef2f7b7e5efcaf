package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/scorpio/internal/tracing"
	"github.com/harun/scorpio/pkg/errdefs"
	"github.com/harun/scorpio/pkg/llm"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// StreamChat runs one chat turn against the named provider and streams its
// events. Tool calls run through the executor; each is replaced by a
// tool_result event, or by an error event naming the tool, and the results
// are fed back to the provider for up to MaxToolRounds follow-up calls.
// Only the final done or error event closes the turn; tool error events
// do not. The assistant text is appended to the session once the turn
// ends.
func (m *Manager) StreamChat(ctx context.Context, req ChatRequest) (<-chan llm.StreamEvent, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.stream_chat",
		attribute.String("session.id", req.SessionID),
		attribute.String("llm.provider", req.Provider))
	defer span.End()

	if err := req.validate(); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if m.providers == nil {
		err := errdefs.Validation("no llm providers configured")
		tracing.RecordError(span, err)
		return nil, err
	}
	provider, err := m.providers.Get(req.Provider)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if _, err := m.Get(ctx, req.SessionID); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	ctx = tracing.WithSessionID(ctx, req.SessionID)
	logger := tracing.LoggerFromContext(ctx, m.logger).With().
		Str("session_id", req.SessionID).
		Str("provider", provider.Name()).
		Logger()

	if last := req.Messages[len(req.Messages)-1]; last.Role == llm.RoleUser && last.Content != "" {
		if _, err := m.AppendMessage(ctx, req.SessionID, llm.RoleUser, last.Content, nil); err != nil {
			return nil, err
		}
	}

	turn := &chatTurn{
		m:        m,
		req:      req,
		provider: provider,
		logger:   logger,
		messages: m.withSystemPrompt(req.Messages),
		tools:    m.toolSpecs(ctx, logger),
		out:      make(chan llm.StreamEvent),
	}
	m.setAgentState(ctx, logger, req.SessionID, AgentThinking, "Processing user request")

	go turn.run(ctx)
	return turn.out, nil
}

func (m *Manager) withSystemPrompt(messages []llm.Message) []llm.Message {
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			return append([]llm.Message{}, messages...)
		}
	}
	out := make([]llm.Message, 0, len(messages)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: m.systemPrompt})
	return append(out, messages...)
}

// toolSpecs lists local tools plus whatever the catalog currently offers.
// A catalog failure leaves the local tools.
func (m *Manager) toolSpecs(ctx context.Context, logger zerolog.Logger) []llm.Tool {
	if m.executor == nil {
		return nil
	}
	registry := m.executor.Registry()
	if m.catalog != nil {
		if _, err := registry.RegisterCatalogTools(ctx, m.catalogPrefix, m.catalog); err != nil {
			logger.Warn().Err(err).Msg("Failed to refresh catalog tools")
		}
	}

	specs := registry.Specs()
	tools := make([]llm.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, llm.Tool{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Parameters,
		})
	}
	return tools
}

func (m *Manager) setAgentState(ctx context.Context, logger zerolog.Logger, id string, status AgentStatus, task string) {
	if _, err := m.UpdateAgentState(ctx, id, status, task, nil); err != nil {
		logger.Warn().Err(err).Str("agent_status", string(status)).Msg("Failed to update agent state")
	}
}

type chatTurn struct {
	m        *Manager
	req      ChatRequest
	provider llm.Provider
	logger   zerolog.Logger
	messages []llm.Message
	tools    []llm.Tool
	out      chan llm.StreamEvent
	text     strings.Builder
}

func (t *chatTurn) send(ctx context.Context, ev llm.StreamEvent) bool {
	select {
	case t.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *chatTurn) run(ctx context.Context) {
	defer close(t.out)

	for round := 0; ; round++ {
		calls, results, final := t.round(ctx)

		if final.Type == llm.EventError {
			t.finish(ctx, final)
			return
		}
		if len(calls) == 0 || round+1 >= t.m.maxToolRounds {
			if len(calls) > 0 {
				t.logger.Warn().Int("rounds", round+1).Msg("Tool round limit reached")
			}
			t.finish(ctx, llm.StreamEvent{Type: llm.EventDone})
			return
		}

		t.messages = append(t.messages, llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: calls,
		})
		t.messages = append(t.messages, results...)
		t.m.setAgentState(ctx, t.logger, t.req.SessionID, AgentThinking, "Processing tool results")
	}
}

// round streams one provider call. It returns the tool calls it ran, the
// tool messages to feed back, and the provider's terminal event.
func (t *chatTurn) round(ctx context.Context) ([]llm.ToolCall, []llm.Message, llm.StreamEvent) {
	events, err := t.provider.StreamChat(ctx, llm.Request{
		Model:    t.req.Model,
		Messages: t.messages,
		Tools:    t.tools,
	})
	if err != nil {
		return nil, nil, llm.StreamEvent{Type: llm.EventError, Error: err.Error()}
	}

	var calls []llm.ToolCall
	var results []llm.Message
	var final *llm.StreamEvent

	for ev := range events {
		switch ev.Type {
		case llm.EventToken:
			t.text.WriteString(ev.Content)
			t.send(ctx, ev)

		case llm.EventToolCall:
			if ev.ToolCall == nil {
				continue
			}
			calls = append(calls, *ev.ToolCall)
			results = append(results, t.runTool(ctx, *ev.ToolCall))

		case llm.EventError, llm.EventDone:
			final = &ev
		}
	}

	if final == nil {
		err := ctx.Err()
		if err == nil {
			err = errors.New("stream ended without a terminal event")
		}
		return calls, results, llm.StreamEvent{Type: llm.EventError, Error: err.Error()}
	}
	return calls, results, *final
}

// runTool executes one tool call, emits its result or error, and returns
// the tool message for the next provider call.
func (t *chatTurn) runTool(ctx context.Context, call llm.ToolCall) llm.Message {
	t.m.setAgentState(ctx, t.logger, t.req.SessionID, AgentExecuting, "Executing tool "+call.Name)
	reply := llm.Message{Role: llm.RoleTool, ToolCallID: call.ID}

	if t.m.executor == nil {
		err := errdefs.Validation("no tool executor configured")
		t.send(ctx, toolError(call, err))
		reply.Content = errorContent(err)
		return reply
	}

	rec, err := t.m.executor.Execute(ctx, t.req.SessionID, call.Name, call.Arguments, t.req.CacheTTL)
	if err != nil {
		t.logger.Warn().Err(err).Str("tool", call.Name).Msg("Tool execution failed")
		t.send(ctx, toolError(call, err))
		reply.Content = errorContent(err)
		return reply
	}

	t.send(ctx, llm.StreamEvent{Type: llm.EventToolResult, ToolCall: &call, Result: rec.Result})

	raw, err := json.Marshal(rec.Result)
	if err != nil {
		raw = []byte("{}")
	}
	reply.Content = string(raw)

	if _, err := t.m.AppendMessage(context.WithoutCancel(ctx), t.req.SessionID, llm.RoleTool,
		"Tool result: "+reply.Content, map[string]any{"tool": call.Name, "tool_call_id": call.ID}); err != nil {
		t.logger.Warn().Err(err).Msg("Failed to record tool result")
	}
	return reply
}

func errorContent(err error) string {
	raw, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(raw)
}

func toolError(call llm.ToolCall, err error) llm.StreamEvent {
	return llm.StreamEvent{
		Type:     llm.EventError,
		ToolCall: &call,
		Error:    fmt.Sprintf("tool %s failed: %v", call.Name, err),
	}
}

// finish persists the assistant text and agent state, then emits the
// closing event.
func (t *chatTurn) finish(ctx context.Context, final llm.StreamEvent) {
	persist := context.WithoutCancel(ctx)

	if text := t.text.String(); text != "" {
		if _, err := t.m.AppendMessage(persist, t.req.SessionID, llm.RoleAssistant, text, nil); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to record assistant message")
		}
	}

	if final.Type == llm.EventError {
		t.logger.Error().Str("error", final.Error).Msg("Chat stream failed")
		t.m.setAgentState(persist, t.logger, t.req.SessionID, AgentError, "Error: "+final.Error)
	} else {
		t.m.setAgentState(persist, t.logger, t.req.SessionID, AgentIdle, "")
	}

	t.send(ctx, final)
}
