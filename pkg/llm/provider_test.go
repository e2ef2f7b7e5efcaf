package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/harun/scorpio/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func collect(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	for ev := range events {
		out = append(out, ev)
	}
	require.NotEmpty(t, out)
	return out
}

func tokens(events []StreamEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == EventToken {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

func sse(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, l := range lines {
		fmt.Fprint(w, l)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestOpenAIProvider_StreamChat(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		chunk := func(delta string) string {
			return `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4-turbo-preview","choices":[{"index":0,"delta":` + delta + `}]}` + "\n\n"
		}
		sse(w,
			chunk(`{"content":"Hel"}`),
			chunk(`{"content":"lo"}`),
			chunk(`{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"echo","arguments":"{\"te"}}]}`),
			chunk(`{"tool_calls":[{"index":0,"function":{"arguments":"xt\":\"hi\"}"}}]}`),
			"data: [DONE]\n\n",
		)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(Config{APIKey: "sk-test", BaseURL: srv.URL + "/"})
	events, err := p.StreamChat(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "say hello"}},
		Tools: []Tool{{Name: "echo", Description: "echo", Parameters: map[string]any{
			"type": "object", "properties": map[string]any{"text": map[string]any{"type": "string"}},
		}}},
	})
	require.NoError(t, err)

	got := collect(t, events)
	assert.Equal(t, "Hello", tokens(got))

	var call *ToolCall
	for _, ev := range got {
		if ev.Type == EventToolCall {
			call = ev.ToolCall
		}
	}
	require.NotNil(t, call)
	assert.Equal(t, "call_1", call.ID)
	assert.Equal(t, "echo", call.Name)
	assert.Equal(t, map[string]any{"text": "hi"}, call.Arguments)
	assert.Equal(t, EventDone, got[len(got)-1].Type)

	assert.Equal(t, DefaultOpenAIModel, captured["model"])
	assert.InDelta(t, DefaultTemperature, captured["temperature"], 1e-9)
	assert.EqualValues(t, DefaultMaxTokens, captured["max_tokens"])
}

func TestOpenAIProvider_StreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(Config{APIKey: "sk-bad", BaseURL: srv.URL + "/"})
	events, err := p.StreamChat(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)

	got := collect(t, events)
	last := got[len(got)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Contains(t, last.Error, "openai")
}

func TestAnthropicProvider_StreamChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, DefaultAnthropicModel, body["model"])

		ev := func(name, data string) string { return "event: " + name + "\ndata: " + data + "\n\n" }
		sse(w,
			ev("message_start", `{"type":"message_start","message":{"id":"m1","type":"message","role":"assistant","content":[],"model":"claude-3-sonnet-20240229","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":3,"output_tokens":1}}}`),
			ev("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
			ev("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi "}}`),
			ev("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"there"}}`),
			ev("content_block_stop", `{"type":"content_block_stop","index":0}`),
			ev("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"echo","input":{}}}`),
			ev("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"text\":"}}`),
			ev("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"hi\"}"}}`),
			ev("content_block_stop", `{"type":"content_block_stop","index":1}`),
			ev("message_stop", `{"type":"message_stop"}`),
		)
	}))
	defer srv.Close()

	p := NewAnthropicProvider(Config{APIKey: "test", BaseURL: srv.URL + "/"})
	events, err := p.StreamChat(context.Background(), Request{
		SystemPrompt: "be brief",
		Messages:     []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)

	got := collect(t, events)
	assert.Equal(t, "Hi there", tokens(got))
	require.Len(t, got, 4)
	assert.Equal(t, EventToolCall, got[2].Type)
	assert.Equal(t, "toolu_1", got[2].ToolCall.ID)
	assert.Equal(t, map[string]any{"text": "hi"}, got[2].ToolCall.Arguments)
	assert.Equal(t, EventDone, got[3].Type)
}

func TestNewProvider(t *testing.T) {
	ctx := context.Background()

	p, err := NewProvider(ctx, Config{Provider: ProviderOpenAI, APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, p.Name())

	p, err = NewProvider(ctx, Config{Provider: ProviderGemini, APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, ProviderGemini, p.Name())

	_, err = NewProvider(ctx, Config{Provider: "llama"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestSet(t *testing.T) {
	set, err := NewSet(context.Background(), []Config{
		{Provider: ProviderAnthropic, APIKey: "a"},
		{Provider: ProviderOpenAI, APIKey: "o"},
		{Provider: ProviderGemini},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{ProviderAnthropic, ProviderOpenAI}, set.Names())

	p, err := set.Get(ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, p.Name())

	_, err = set.Get(ProviderGemini)
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	_, err = NewSet(context.Background(), []Config{{Provider: "nope", APIKey: "x"}})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestGeminiSchema(t *testing.T) {
	schema := geminiSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city": map[string]any{"type": "string", "description": "City name"},
			"days": map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
		},
		"required": []string{"city"},
	})
	assert.Equal(t, genai.TypeObject, schema.Type)
	assert.Equal(t, genai.TypeString, schema.Properties["city"].Type)
	assert.Equal(t, "City name", schema.Properties["city"].Description)
	assert.Equal(t, genai.TypeInteger, schema.Properties["days"].Items.Type)
	assert.Equal(t, []string{"city"}, schema.Required)
}

func TestTrimToBudget(t *testing.T) {
	long := strings.Repeat("x", 400)
	msgs := []Message{
		{Role: RoleSystem, Content: "rules"},
		{Role: RoleUser, Content: long},
		{Role: RoleAssistant, Content: long},
		{Role: RoleUser, Content: "latest"},
	}

	trimmed := TrimToBudget(msgs, 50)
	require.Len(t, trimmed, 2)
	assert.Equal(t, RoleSystem, trimmed[0].Role)
	assert.Equal(t, "latest", trimmed[1].Content)

	assert.Equal(t, msgs, TrimToBudget(msgs, 0))
	assert.Len(t, TrimToBudget(msgs, 10000), 4)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(fmt.Errorf("POST: 429 Too Many Requests")))
	assert.True(t, IsRetryableError(fmt.Errorf("upstream 503")))
	assert.False(t, IsRetryableError(fmt.Errorf("401 unauthorized")))
	assert.False(t, IsRetryableError(ErrUnknownProvider))
}
