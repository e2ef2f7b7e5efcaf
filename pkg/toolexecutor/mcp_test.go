package toolexecutor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/harun/scorpio/pkg/errdefs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCatalogServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tools", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"tools": []map[string]any{
			{
				"name":        "weather",
				"description": "Current weather",
				"input_schema": map[string]any{
					"type":       "object",
					"properties": map[string]any{"city": map[string]any{"type": "string"}},
					"required":   []string{"city"},
				},
			},
			{"name": "echo", "description": "remote echo", "input_schema": map[string]any{}},
		}})
	})
	mux.HandleFunc("/tools/call", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Tool      string         `json:"tool"`
			Arguments map[string]any `json:"arguments"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(map[string]any{"tool": body.Tool, "city": body.Arguments["city"]})
	})
	mux.HandleFunc("/resources", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"resources": []map[string]any{
			{"uri": "file://readme", "name": "readme", "description": "docs", "mime_type": "text/plain"},
		}})
	})
	mux.HandleFunc("/resources/read", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"uri": r.URL.Query().Get("uri"), "text": "hello"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestMCPClient(t *testing.T) {
	srv := newCatalogServer(t)
	ctx := context.Background()

	client, err := NewMCPClient(srv.URL+"/", zerolog.Nop(), WithAPIKey("secret"))
	require.NoError(t, err)
	defer client.Close()

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "weather", tools[0].Name)

	out, err := client.CallTool(ctx, "weather", map[string]any{"city": "Oslo"})
	require.NoError(t, err)
	assert.Equal(t, "Oslo", out["city"])

	resources, err := client.ListResources(ctx)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "text/plain", resources[0].MimeType)

	doc, err := client.ReadResource(ctx, "file://readme")
	require.NoError(t, err)
	assert.Equal(t, "file://readme", doc["uri"])

	t.Run("list failure degrades to empty", func(t *testing.T) {
		anon, err := NewMCPClient(srv.URL, zerolog.Nop())
		require.NoError(t, err)
		tools, err := anon.ListTools(ctx)
		require.NoError(t, err)
		assert.Empty(t, tools)
	})

	t.Run("call failure is external", func(t *testing.T) {
		down, err := NewMCPClient("http://127.0.0.1:1", zerolog.Nop())
		require.NoError(t, err)
		_, err = down.CallTool(ctx, "weather", nil)
		assert.ErrorIs(t, err, errdefs.ErrExternalService)
	})

	t.Run("rejects bad url", func(t *testing.T) {
		_, err := NewMCPClient("not a url", zerolog.Nop())
		assert.ErrorIs(t, err, errdefs.ErrValidation)
	})
}

func TestRegisterCatalogTools(t *testing.T) {
	srv := newCatalogServer(t)
	ctx := context.Background()
	client, err := NewMCPClient(srv.URL, zerolog.Nop(), WithAPIKey("secret"))
	require.NoError(t, err)

	env := setupTestExecutor(t, nil)
	var calls atomic.Int32
	require.NoError(t, env.registry.Register(echoTool(&calls)))

	names, err := env.registry.RegisterCatalogTools(ctx, "mcp", client)
	require.NoError(t, err)
	assert.Equal(t, []string{"weather", "mcp_echo"}, names)

	weather, ok := env.registry.Get("weather")
	require.True(t, ok)
	assert.Equal(t, SourceCatalog, weather.Source)
	require.Len(t, weather.Parameters, 1)
	assert.True(t, weather.Parameters[0].Required)

	rec, err := env.exec.Execute(ctx, "s1", "weather", map[string]any{"city": "Lima"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "Lima", rec.Result["city"])

	_, err = env.exec.Execute(ctx, "s1", "weather", map[string]any{}, 0)
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	again, err := env.registry.RegisterCatalogTools(ctx, "mcp", client)
	require.NoError(t, err)
	assert.Equal(t, names, again, "refresh keeps the same names")

	resourceTools, err := env.registry.RegisterResourceTools("mcp", client)
	require.NoError(t, err)
	assert.Equal(t, []string{"mcp_resources_list", "mcp_resources_read"}, resourceTools)

	read, err := env.exec.Execute(ctx, "s1", "mcp_resources_read", map[string]any{"uri": "file://readme"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", read.Result["text"])
}
