// Package coretools exposes the platform itself as tools, so a chat
// session can look up agents, open tasks and read analytics through the
// same executor that runs every other tool.
package coretools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harun/scorpio/internal/tracing"
	"github.com/harun/scorpio/pkg/audit"
	"github.com/harun/scorpio/pkg/fleet"
	"github.com/harun/scorpio/pkg/taskgraph"
	"github.com/harun/scorpio/pkg/toolexecutor"
)

// DefaultCreator is the creator id for tasks opened outside a session.
const DefaultCreator = "assistant"

// Fleet is the part of the agent registry the tools read.
type Fleet interface {
	Get(ctx context.Context, id string) (*fleet.Agent, error)
	FindAvailable(ctx context.Context, reqs []fleet.SkillRequirement) ([]*fleet.Agent, error)
}

// Tasks is the part of the task manager the tools drive.
type Tasks interface {
	Create(ctx context.Context, task taskgraph.Task) (*taskgraph.Task, error)
	Get(ctx context.Context, id string) (*taskgraph.Task, error)
	UpdateStatus(ctx context.Context, id string, status taskgraph.Status, output map[string]any, errMsg string) (*taskgraph.Task, error)
}

// Analytics is the part of the recorder the tools read.
type Analytics interface {
	LatestMetric(ctx context.Context, name string) (*audit.Metric, error)
	ActiveAlerts(ctx context.Context) ([]audit.Alert, error)
}

// Options selects which tool groups are registered. Nil members skip
// their group.
type Options struct {
	Fleet     Fleet
	Tasks     Tasks
	Analytics Analytics
}

// RegisterCoreTools registers the platform tools and returns their names.
func RegisterCoreTools(registry *toolexecutor.Registry, opts Options) ([]string, error) {
	if registry == nil {
		return nil, errors.New("tool registry is required")
	}

	var tools []toolexecutor.ToolDefinition
	if opts.Fleet != nil {
		tools = append(tools, findAgentsTool(opts.Fleet), getAgentTool(opts.Fleet))
	}
	if opts.Tasks != nil {
		tools = append(tools, createTaskTool(opts.Tasks), getTaskTool(opts.Tasks), updateTaskTool(opts.Tasks))
	}
	if opts.Analytics != nil {
		tools = append(tools, latestMetricTool(opts.Analytics), activeAlertsTool(opts.Analytics))
	}

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		tool.Source = toolexecutor.SourceLocal
		if err := registry.Register(tool); err != nil {
			return nil, fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
		names = append(names, tool.Name)
	}
	return names, nil
}

// RegisterSandboxTools registers definitions that run in the sandbox
// runner instead of an in-process handler.
func RegisterSandboxTools(registry *toolexecutor.Registry, defs []toolexecutor.ToolDefinition) ([]string, error) {
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		def.Handler = nil
		def.RequiresSandbox = true
		def.Source = toolexecutor.SourceLocal
		if err := registry.Register(def); err != nil {
			return nil, fmt.Errorf("failed to register sandbox tool %s: %w", def.Name, err)
		}
		names = append(names, def.Name)
	}
	return names, nil
}

func findAgentsTool(f Fleet) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "fleet_find_agents",
		Description: "List available agents that meet every skill requirement.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "requirements", Type: "array", Description: "Skill requirements: [{skill_name, minimum_level}]", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			var reqs []fleet.SkillRequirement
			if err := decodeParam(params, "requirements", &reqs); err != nil {
				return nil, err
			}
			agents, err := f.FindAvailable(ctx, reqs)
			if err != nil {
				return nil, err
			}
			summaries := make([]map[string]any, 0, len(agents))
			for _, a := range agents {
				summaries = append(summaries, map[string]any{
					"id":           a.ID,
					"name":         a.Name,
					"skills":       a.Skills,
					"success_rate": a.Metrics.SuccessRate,
				})
			}
			return map[string]any{"agents": summaries, "count": len(summaries)}, nil
		},
	}
}

func getAgentTool(f Fleet) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "fleet_get_agent",
		Description: "Fetch one agent by id.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "agent_id", Type: "string", Description: "Agent id", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			id, _ := params["agent_id"].(string)
			agent, err := f.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			return toResult(agent)
		},
	}
}

func createTaskTool(t Tasks) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "task_create",
		Description: "Create a task and let the allocator pick an agent for it.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "title", Type: "string", Description: "Task title", Required: true},
			{Name: "type", Type: "string", Description: "automation, analysis, integration, maintenance, security or collaboration", Required: true},
			{Name: "description", Type: "string", Description: "What needs doing"},
			{Name: "priority", Type: "string", Description: "low, medium, high or critical", Default: string(taskgraph.PriorityMedium)},
			{Name: "requirements", Type: "array", Description: "Skill requirements: [{skill_name, minimum_level}]"},
			{Name: "dependencies", Type: "array", Description: "Ids of tasks that must be completed first"},
		},
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			var task taskgraph.Task
			if err := decodeParams(params, &task); err != nil {
				return nil, err
			}
			task.ID = ""
			task.CreatorID = DefaultCreator
			if sessionID := tracing.GetSessionID(ctx); sessionID != "" {
				task.CreatorID = "session:" + sessionID
			}
			created, err := t.Create(ctx, task)
			if err != nil {
				return nil, err
			}
			return taskSummary(created), nil
		},
	}
}

func getTaskTool(t Tasks) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "task_get",
		Description: "Fetch one task by id.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "task_id", Type: "string", Description: "Task id", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			id, _ := params["task_id"].(string)
			task, err := t.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			return toResult(task)
		},
	}
}

func updateTaskTool(t Tasks) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "task_update_status",
		Description: "Move a task to a new status, optionally with output or an error message.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "task_id", Type: "string", Description: "Task id", Required: true},
			{Name: "status", Type: "string", Description: "Target status", Required: true},
			{Name: "output", Type: "object", Description: "Result payload for completed tasks"},
			{Name: "error", Type: "string", Description: "Failure reason"},
		},
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			id, _ := params["task_id"].(string)
			status, _ := params["status"].(string)
			output, _ := params["output"].(map[string]any)
			errMsg, _ := params["error"].(string)
			task, err := t.UpdateStatus(ctx, id, taskgraph.Status(status), output, errMsg)
			if err != nil {
				return nil, err
			}
			return taskSummary(task), nil
		},
	}
}

func latestMetricTool(a Analytics) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "metric_latest",
		Description: "Read the most recent sample of a metric.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "name", Type: "string", Description: "Metric name", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			name, _ := params["name"].(string)
			m, err := a.LatestMetric(ctx, name)
			if err != nil {
				return nil, err
			}
			return toResult(m)
		},
	}
}

func activeAlertsTool(a Analytics) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "alert_list",
		Description: "List alerts that have not been resolved.",
		Handler: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			alerts, err := a.ActiveAlerts(ctx)
			if err != nil {
				return nil, err
			}
			if alerts == nil {
				alerts = []audit.Alert{}
			}
			return map[string]any{"alerts": alerts, "count": len(alerts)}, nil
		},
	}
}

func taskSummary(t *taskgraph.Task) map[string]any {
	return map[string]any{
		"id":          t.ID,
		"title":       t.Title,
		"status":      string(t.Status),
		"priority":    string(t.Priority),
		"assigned_to": t.Assignee(),
	}
}

// decodeParams maps tool params onto v through their JSON form.
func decodeParams(params map[string]any, v any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func decodeParam(params map[string]any, key string, v any) error {
	data, err := json.Marshal(params[key])
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	return nil
}

func toResult(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
