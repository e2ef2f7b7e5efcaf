package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// GeminiProvider implements Provider for Google Gemini
type GeminiProvider struct {
	client *genai.Client
	config Config
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(ctx context.Context, cfg Config) (*GeminiProvider, error) {
	cfg.Provider = ProviderGemini
	cfg = cfg.withDefaults(DefaultGeminiModel)

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	return &GeminiProvider{client: client, config: cfg}, nil
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return ProviderGemini
}

// IsAvailable lists models with the configured key.
func (p *GeminiProvider) IsAvailable(ctx context.Context) bool {
	if p.config.APIKey == "" {
		return false
	}
	_, err := p.client.Models.List(ctx, nil)
	return err == nil
}

func (p *GeminiProvider) request(req Request) (string, []*genai.Content, *genai.GenerateContentConfig) {
	req = p.config.resolve(req)

	names := map[string]string{}
	var system []string
	if req.SystemPrompt != "" {
		system = append(system, req.SystemPrompt)
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, msg := range req.Messages {
		content := &genai.Content{Role: genai.RoleUser}
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
			continue
		case RoleAssistant:
			content.Role = genai.RoleModel
		}

		if msg.Content != "" && msg.Role != RoleTool {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			names[tc.ID] = tc.Name
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Arguments},
			})
		}
		if msg.Role == RoleTool {
			response := map[string]any{}
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     names[msg.ToolCallID],
					Response: response,
				},
			})
		}
		if len(content.Parts) > 0 {
			contents = append(contents, content)
		}
	}

	temperature := float32(req.Temperature)
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(min(req.MaxTokens, math.MaxInt32)),
	}
	if len(system) > 0 {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}},
		}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  geminiSchema(tool.Parameters),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return req.Model, contents, config
}

// geminiSchema converts a JSON Schema map to Gemini's Schema type.
func geminiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := m["description"].(string); ok {
		schema.Description = desc
	}
	if props, ok := m["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if pm, ok := prop.(map[string]any); ok {
				schema.Properties[name] = geminiSchema(pm)
			}
		}
	}
	schema.Required = requiredFields(m)
	if items, ok := m["items"].(map[string]any); ok {
		schema.Items = geminiSchema(items)
	}
	return schema
}

func geminiToolCall(fc *genai.FunctionCall) *ToolCall {
	id := fc.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	args := fc.Args
	if args == nil {
		args = map[string]any{}
	}
	return &ToolCall{ID: id, Name: fc.Name, Arguments: args}
}

// StreamChat streams content from Gemini.
func (p *GeminiProvider) StreamChat(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	model, contents, config := p.request(req)

	return stream(ctx, ProviderGemini, func(emit func(StreamEvent) bool) error {
		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				return err
			}
			if resp == nil {
				continue
			}
			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" && !emit(StreamEvent{Type: EventToken, Content: part.Text}) {
						return ctx.Err()
					}
					if part.FunctionCall != nil && !emit(StreamEvent{Type: EventToolCall, ToolCall: geminiToolCall(part.FunctionCall)}) {
						return ctx.Err()
					}
				}
			}
		}
		return nil
	}), nil
}

// ChatCompletion makes a non-streaming call to Gemini
func (p *GeminiProvider) ChatCompletion(ctx context.Context, req Request) (*Response, error) {
	model, contents, config := p.request(req)

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, err
	}

	out := &Response{ToolCalls: []ToolCall{}}
	var text strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text.WriteString(part.Text)
			if part.FunctionCall != nil {
				out.ToolCalls = append(out.ToolCalls, *geminiToolCall(part.FunctionCall))
			}
		}
	}
	out.Content = text.String()
	if resp.UsageMetadata != nil {
		out.Usage = TokenUsage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}
