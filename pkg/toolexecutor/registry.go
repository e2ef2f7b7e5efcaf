package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harun/scorpio/pkg/errdefs"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Source tells where a tool definition came from.
type Source string

const (
	SourceLocal   Source = "local"
	SourceCatalog Source = "catalog"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]any) (map[string]any, error)

// ToolDefinition defines a tool's metadata and handler. Sandboxed tools
// have no handler; they run through the executor's SandboxRunner.
type ToolDefinition struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Parameters      []ToolParameter `json:"parameters"`
	Handler         ToolHandler     `json:"-"`
	RequiresSandbox bool            `json:"requires_sandbox,omitempty"`
	Source          Source          `json:"source"`
}

// ToolSpec is the provider-neutral description handed to language models.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

var validParamTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

type registered struct {
	def    ToolDefinition
	schema *gojsonschema.Schema
	raw    map[string]any
}

// Registry maps tool names to definitions and compiled parameter schemas.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*registered
	logger zerolog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]*registered),
		logger: logger,
	}
}

// Register adds a tool. Names are unique; registering a taken name is a
// conflict.
func (r *Registry) Register(def ToolDefinition) error {
	return r.register(def, false)
}

func (r *Registry) register(def ToolDefinition, replace bool) error {
	if def.Source == "" {
		def.Source = SourceLocal
	}
	if err := validateToolDefinition(def); err != nil {
		return err
	}

	raw := generateSchemaMap(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return fmt.Errorf("failed to generate schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists && !replace {
		return fmt.Errorf("tool %s: %w", def.Name, errdefs.ErrConflict)
	}
	r.tools[def.Name] = &registered{def: def, schema: schema, raw: raw}

	r.logger.Info().Str("tool", def.Name).Str("source", string(def.Source)).Msg("Tool registered")
	return nil
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return ToolDefinition{}, false
	}
	return t.def, true
}

// List returns every definition sorted by name.
func (r *Registry) List() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Specs describes every registered tool for a language model.
func (r *Registry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, ToolSpec{
			Name:        t.def.Name,
			Description: t.def.Description,
			Parameters:  t.raw,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Resolve looks up name and validates params against its schema.
func (r *Registry) Resolve(name string, params map[string]any) (ToolDefinition, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ToolDefinition{}, errdefs.NotFound("tool", name)
	}
	if err := validateParameters(t.schema, params); err != nil {
		return ToolDefinition{}, err
	}
	return t.def, nil
}

// RegisterCatalogTools registers every tool the catalog lists as a proxy
// handler. Catalog tools whose name is held by a local tool are registered
// as <prefix>_<name>. Calling it again refreshes earlier catalog entries.
func (r *Registry) RegisterCatalogTools(ctx context.Context, prefix string, catalog Catalog) ([]string, error) {
	if strings.TrimSpace(prefix) == "" {
		return nil, errdefs.FieldValidation("prefix", "is required")
	}
	if catalog == nil {
		return nil, errdefs.Validation("catalog is required")
	}

	tools, err := catalog.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		remote := tool.Name
		if remote == "" {
			continue
		}

		name := remote
		if existing, ok := r.Get(name); ok && existing.Source != SourceCatalog {
			name = prefix + "_" + remote
		}

		def := ToolDefinition{
			Name:        name,
			Description: tool.Description,
			Parameters:  parametersFromSchema(tool.InputSchema),
			Source:      SourceCatalog,
			Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
				return catalog.CallTool(ctx, remote, params)
			},
		}
		if def.Description == "" {
			def.Description = "Catalog tool " + remote
		}
		if err := r.register(def, true); err != nil {
			return names, fmt.Errorf("failed to register catalog tool %s: %w", name, err)
		}
		names = append(names, name)
	}
	return names, nil
}

// parametersFromSchema flattens a catalog input schema into parameters.
// Unknown property types fall back to string.
func parametersFromSchema(schema map[string]any) []ToolParameter {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}

	required := map[string]bool{}
	switch req := schema["required"].(type) {
	case []any:
		for _, v := range req {
			if s, ok := v.(string); ok {
				required[s] = true
			}
		}
	case []string:
		for _, s := range req {
			required[s] = true
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]ToolParameter, 0, len(names))
	for _, name := range names {
		prop, _ := props[name].(map[string]any)
		typ, _ := prop["type"].(string)
		if !validParamTypes[typ] {
			typ = "string"
		}
		desc, _ := prop["description"].(string)
		if desc == "" {
			desc = name
		}
		params = append(params, ToolParameter{
			Name:        name,
			Type:        typ,
			Description: desc,
			Required:    required[name],
			Default:     prop["default"],
		})
	}
	return params
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return errdefs.FieldValidation("name", "tool name cannot be empty")
	}
	if def.Description == "" {
		return errdefs.FieldValidation("description", "tool description cannot be empty")
	}
	if def.Handler == nil && !def.RequiresSandbox {
		return errdefs.FieldValidation("handler", "tool %s needs a handler or the sandbox", def.Name)
	}

	for _, param := range def.Parameters {
		if param.Name == "" {
			return errdefs.FieldValidation("parameters", "parameter name cannot be empty")
		}
		if param.Type == "" {
			return errdefs.FieldValidation("parameters", "parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return errdefs.FieldValidation("parameters", "parameter description cannot be empty for %s", param.Name)
		}
		if !validParamTypes[param.Type] {
			return errdefs.FieldValidation("parameters", "invalid parameter type %s for %s", param.Type, param.Name)
		}
	}
	return nil
}

func generateSchemaMap(def ToolDefinition) map[string]any {
	properties := make(map[string]any, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]any{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validateParameters(schema *gojsonschema.Schema, params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return errdefs.Validation("invalid parameters: %v", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errdefs.FieldValidation("parameters", "%s", strings.Join(msgs, "; "))
	}
	return nil
}
