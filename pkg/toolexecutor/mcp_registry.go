package toolexecutor

import (
	"context"
	"fmt"
)

// RegisterResourceTools exposes a catalog's resources as two tools,
// <prefix>_resources_list and <prefix>_resources_read.
func (r *Registry) RegisterResourceTools(prefix string, catalog ResourceCatalog) ([]string, error) {
	listName := fmt.Sprintf("%s_resources_list", prefix)
	readName := fmt.Sprintf("%s_resources_read", prefix)

	list := ToolDefinition{
		Name:        listName,
		Description: "List resources exposed by the tool catalog",
		Source:      SourceCatalog,
		Handler: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			resources, err := catalog.ListResources(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"resources": resources}, nil
		},
	}
	read := ToolDefinition{
		Name:        readName,
		Description: "Read a resource exposed by the tool catalog",
		Source:      SourceCatalog,
		Parameters: []ToolParameter{
			{Name: "uri", Type: "string", Description: "Resource URI", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			uri, _ := params["uri"].(string)
			return catalog.ReadResource(ctx, uri)
		},
	}

	for _, def := range []ToolDefinition{list, read} {
		if err := r.register(def, true); err != nil {
			return nil, fmt.Errorf("failed to register resource tool %s: %w", def.Name, err)
		}
	}
	return []string{listName, readName}, nil
}
