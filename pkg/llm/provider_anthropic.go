package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements Provider for Anthropic Claude
type AnthropicProvider struct {
	client anthropic.Client
	config Config
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(cfg Config) *AnthropicProvider {
	cfg.Provider = ProviderAnthropic
	cfg = cfg.withDefaults(DefaultAnthropicModel)

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		config: cfg,
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return ProviderAnthropic
}

// IsAvailable lists models with the configured key.
func (p *AnthropicProvider) IsAvailable(ctx context.Context) bool {
	if p.config.APIKey == "" {
		return false
	}
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{})
	return err == nil
}

func (p *AnthropicProvider) params(req Request) anthropic.MessageNewParams {
	req = p.config.resolve(req)

	var system []string
	if req.SystemPrompt != "" {
		system = append(system, req.SystemPrompt)
	}

	messages := []anthropic.MessageParam{}
	for _, msg := range req.Messages {
		switch {
		case msg.Role == RoleSystem:
			system = append(system, msg.Content)

		case msg.Role == RoleTool:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))

		case msg.Role == RoleAssistant && len(msg.ToolCalls) > 0:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})

		case msg.Role == RoleAssistant:
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
			})

		case msg.Role == RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		Messages:    messages,
		MaxTokens:   int64(req.MaxTokens),
		Temperature: anthropic.Float(req.Temperature),
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tp := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.Parameters["properties"],
					Required:   requiredFields(tool.Parameters),
				},
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &tp})
		}
		params.Tools = tools
	}
	return params
}

func requiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// StreamChat streams a message from Anthropic. Tool input arrives as JSON
// fragments and is emitted when its content block stops.
func (p *AnthropicProvider) StreamChat(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params := p.params(req)

	return stream(ctx, ProviderAnthropic, func(emit func(StreamEvent) bool) error {
		s := p.client.Messages.NewStreaming(ctx, params)
		defer s.Close()

		var current *ToolCall
		var input strings.Builder

		for s.Next() {
			event := s.Current()
			switch event.Type {
			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					toolUse := block.AsToolUse()
					current = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
					input.Reset()
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" && !emit(StreamEvent{Type: EventToken, Content: delta.Text}) {
						return ctx.Err()
					}
				case "input_json_delta":
					input.WriteString(delta.PartialJSON)
				}

			case "content_block_stop":
				if current == nil {
					continue
				}
				args, err := parseArguments(input.String())
				if err != nil {
					return fmt.Errorf("tool call %s: %w", current.Name, err)
				}
				current.Arguments = args
				if !emit(StreamEvent{Type: EventToolCall, ToolCall: current}) {
					return ctx.Err()
				}
				current = nil

			case "message_stop":
				return nil
			}
		}
		return s.Err()
	}), nil
}

// ChatCompletion makes a non-streaming call to Anthropic Claude
func (p *AnthropicProvider) ChatCompletion(ctx context.Context, req Request) (*Response, error) {
	response, err := p.client.Messages.New(ctx, p.params(req))
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	toolCalls := []ToolCall{}
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			var args map[string]any
			if err := json.Unmarshal([]byte(b.JSON.Input.Raw()), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool input: %w", err)
			}
			toolCalls = append(toolCalls, ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
		}
	}

	return &Response{
		Content:   content.String(),
		ToolCalls: toolCalls,
		Usage: TokenUsage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}
