// Package toolexecutor registers and executes structured tools for agents.
//
// Invariants:
//   - Tool names are unique.
//   - Parameters are schema-validated before execution; invalid parameters
//     and unknown tools are never retried.
//   - At most RateLimit tool invocations run concurrently per process.
//   - Cache hits return the stored record without creating a new one.
//
// Usage:
//
//	reg := toolexecutor.NewRegistry(logger)
//	_ = reg.Register(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
//			return map[string]any{"text": params["text"]}, nil
//		},
//	})
//	exec, _ := toolexecutor.New(toolexecutor.Config{Registry: reg, Store: st, Cache: c})
//	rec, err := exec.Execute(ctx, sessionID, "echo", map[string]any{"text": "hi"}, 0)
package toolexecutor
