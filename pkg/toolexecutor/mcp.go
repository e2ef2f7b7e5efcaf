package toolexecutor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harun/scorpio/pkg/errdefs"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// CatalogTool is a tool advertised by a remote catalog.
type CatalogTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// CatalogResource is a readable resource advertised by a remote catalog.
type CatalogResource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mime_type"`
}

// Catalog lists and calls remote tools.
type Catalog interface {
	ListTools(ctx context.Context) ([]CatalogTool, error)
	CallTool(ctx context.Context, name string, arguments map[string]any) (map[string]any, error)
}

// ResourceCatalog is a Catalog that also serves resources.
type ResourceCatalog interface {
	Catalog
	ListResources(ctx context.Context) ([]CatalogResource, error)
	ReadResource(ctx context.Context, uri string) (map[string]any, error)
}

const defaultMCPTimeout = 30 * time.Second

// MCPClient talks to a Model Context Protocol catalog over HTTP.
type MCPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

// MCPOption customizes an MCPClient.
type MCPOption func(*MCPClient)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) MCPOption {
	return func(m *MCPClient) { m.http = c }
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) MCPOption {
	return func(m *MCPClient) { m.apiKey = key }
}

// NewMCPClient creates a client for the catalog at baseURL.
func NewMCPClient(baseURL string, logger zerolog.Logger, opts ...MCPOption) (*MCPClient, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, errdefs.FieldValidation("mcp.server_url", "invalid url %q: %v", baseURL, err)
	}
	c := &MCPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		http: &http.Client{
			Timeout:   defaultMCPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *MCPClient) do(ctx context.Context, method, endpoint string, query url.Values, body any, out any) error {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode mcp request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.External("mcp", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errdefs.External("mcp", fmt.Errorf("%s %s: status %d: %s",
			method, endpoint, resp.StatusCode, strings.TrimSpace(string(snippet))))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errdefs.External("mcp", fmt.Errorf("decode %s response: %w", endpoint, err))
	}
	return nil
}

// ListTools returns the catalog's tools. Failures are logged and yield an
// empty list.
func (c *MCPClient) ListTools(ctx context.Context) ([]CatalogTool, error) {
	var payload struct {
		Tools []CatalogTool `json:"tools"`
	}
	if err := c.do(ctx, http.MethodGet, "/tools", nil, nil, &payload); err != nil {
		c.logger.Warn().Err(err).Str("server", c.baseURL).Msg("Failed to list MCP tools")
		return []CatalogTool{}, nil
	}
	return payload.Tools, nil
}

// CallTool invokes a catalog tool.
func (c *MCPClient) CallTool(ctx context.Context, name string, arguments map[string]any) (map[string]any, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	out := map[string]any{}
	body := map[string]any{"tool": name, "arguments": arguments}
	if err := c.do(ctx, http.MethodPost, "/tools/call", nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListResources returns the catalog's resources. Failures are logged and
// yield an empty list.
func (c *MCPClient) ListResources(ctx context.Context) ([]CatalogResource, error) {
	var payload struct {
		Resources []CatalogResource `json:"resources"`
	}
	if err := c.do(ctx, http.MethodGet, "/resources", nil, nil, &payload); err != nil {
		c.logger.Warn().Err(err).Str("server", c.baseURL).Msg("Failed to list MCP resources")
		return []CatalogResource{}, nil
	}
	return payload.Resources, nil
}

// ReadResource fetches one resource by uri.
func (c *MCPClient) ReadResource(ctx context.Context, uri string) (map[string]any, error) {
	out := map[string]any{}
	if err := c.do(ctx, http.MethodGet, "/resources/read", url.Values{"uri": {uri}}, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases idle connections.
func (c *MCPClient) Close() {
	c.http.CloseIdleConnections()
}
