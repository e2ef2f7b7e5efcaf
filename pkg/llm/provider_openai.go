package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements Provider for OpenAI
type OpenAIProvider struct {
	client openai.Client
	config Config
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	cfg.Provider = ProviderOpenAI
	cfg = cfg.withDefaults(DefaultOpenAIModel)

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		config: cfg,
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return ProviderOpenAI
}

// IsAvailable lists models with the configured key.
func (p *OpenAIProvider) IsAvailable(ctx context.Context) bool {
	if p.config.APIKey == "" {
		return false
	}
	_, err := p.client.Models.List(ctx)
	return err == nil
}

func (p *OpenAIProvider) params(req Request) (openai.ChatCompletionNewParams, error) {
	req = p.config.resolve(req)

	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					return openai.ChatCompletionNewParams{}, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			assistant := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistant.ToParam())
		case RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
		MaxTokens:   openai.Int(int64(req.MaxTokens)),
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.Parameters),
				},
			})
		}
		params.Tools = tools
	}
	return params, nil
}

// StreamChat streams a chat completion from OpenAI. Tool call fragments
// are assembled per index and emitted once the stream finishes.
func (p *OpenAIProvider) StreamChat(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}

	return stream(ctx, ProviderOpenAI, func(emit func(StreamEvent) bool) error {
		s := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer s.Close()

		type partialCall struct {
			id, name string
			args     strings.Builder
		}
		calls := map[int64]*partialCall{}
		var order []int64

		for s.Next() {
			chunk := s.Current()
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					if !emit(StreamEvent{Type: EventToken, Content: choice.Delta.Content}) {
						return ctx.Err()
					}
				}
				for _, tc := range choice.Delta.ToolCalls {
					pc, ok := calls[tc.Index]
					if !ok {
						pc = &partialCall{}
						calls[tc.Index] = pc
						order = append(order, tc.Index)
					}
					if tc.ID != "" {
						pc.id = tc.ID
					}
					if tc.Function.Name != "" {
						pc.name = tc.Function.Name
					}
					pc.args.WriteString(tc.Function.Arguments)
				}
			}
		}
		if err := s.Err(); err != nil {
			return err
		}

		for _, idx := range order {
			pc := calls[idx]
			args, err := parseArguments(pc.args.String())
			if err != nil {
				return fmt.Errorf("tool call %s: %w", pc.name, err)
			}
			call := &ToolCall{ID: pc.id, Name: pc.name, Arguments: args}
			if !emit(StreamEvent{Type: EventToolCall, ToolCall: call}) {
				return ctx.Err()
			}
		}
		return nil
	}), nil
}

// ChatCompletion makes a non-streaming call to OpenAI
func (p *OpenAIProvider) ChatCompletion(ctx context.Context, req Request) (*Response, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]
	toolCalls := make([]ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		args, err := parseArguments(tc.Function.Arguments)
		if err != nil {
			return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
		}
		toolCalls = append(toolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}

	return &Response{
		Content:   choice.Message.Content,
		ToolCalls: toolCalls,
		Usage: TokenUsage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}, nil
}

func parseArguments(raw string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}
