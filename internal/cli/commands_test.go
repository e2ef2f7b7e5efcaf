package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/harun/scorpio/pkg/audit"
	"github.com/harun/scorpio/pkg/fleet"
	"github.com/harun/scorpio/pkg/taskgraph"
	"github.com/harun/scorpio/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestCLI returns a data dir shared by consecutive runCLI calls.
func setupTestCLI(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, key := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"} {
		t.Setenv(key, "")
	}
	return t.TempDir()
}

func runCLI(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{
		"--config", filepath.Join(dir, "none.yaml"),
		"--data-dir", dir,
		"--log-level", "error",
	}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func decodeOutput[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestAgentCommands(t *testing.T) {
	dir := setupTestCLI(t)

	out, err := runCLI(t, dir, "agent", "register", "--name", "builder", "--skill", "go=7", "--skill", "sql=3", "--team", "core")
	require.NoError(t, err)
	agent := decodeOutput[fleet.Agent](t, out)
	assert.NotEmpty(t, agent.ID)
	assert.Equal(t, fleet.StatusAvailable, agent.Status)
	assert.Equal(t, "core", agent.TeamID)
	require.Len(t, agent.Skills, 2)

	out, err = runCLI(t, dir, "agent", "get", agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "builder", decodeOutput[fleet.Agent](t, out).Name)

	out, err = runCLI(t, dir, "agent", "status", agent.ID, "maintenance")
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusMaintenance, decodeOutput[fleet.Agent](t, out).Status)

	out, err = runCLI(t, dir, "agent", "list", "--status", "maintenance")
	require.NoError(t, err)
	assert.Len(t, decodeOutput[[]fleet.Agent](t, out), 1)

	out, err = runCLI(t, dir, "agent", "list", "--team", "other")
	require.NoError(t, err)
	assert.Empty(t, decodeOutput[[]fleet.Agent](t, out))

	t.Run("rejects malformed skills", func(t *testing.T) {
		_, err := runCLI(t, dir, "agent", "register", "--name", "x", "--skill", "go")
		assert.Error(t, err)
		_, err = runCLI(t, dir, "agent", "register", "--name", "x", "--skill", "go=eleven")
		assert.Error(t, err)
	})

	t.Run("requires a name", func(t *testing.T) {
		_, err := runCLI(t, dir, "agent", "register")
		assert.Error(t, err)
	})

	t.Run("unknown agent", func(t *testing.T) {
		_, err := runCLI(t, dir, "agent", "get", "missing")
		assert.Error(t, err)
	})
}

func TestTaskCommands(t *testing.T) {
	dir := setupTestCLI(t)

	out, err := runCLI(t, dir, "agent", "register", "--name", "ops", "--skill", "ops=6")
	require.NoError(t, err)
	agent := decodeOutput[fleet.Agent](t, out)

	out, err = runCLI(t, dir, "task", "create", "--title", "Rotate keys", "--type", "security", "--require", "ops=5")
	require.NoError(t, err)
	task := decodeOutput[taskgraph.Task](t, out)
	assert.Equal(t, taskgraph.StatusAssigned, task.Status)
	assert.Equal(t, agent.ID, task.Assignee())
	assert.Equal(t, taskgraph.PriorityMedium, task.Priority)
	assert.Equal(t, "cli", task.CreatorID)

	_, err = runCLI(t, dir, "task", "create", "--title", "Report", "--type", "analysis", "--depends", task.ID)
	require.Error(t, err, "dependency not completed yet")

	out, err = runCLI(t, dir, "task", "list", "--assignee", agent.ID)
	require.NoError(t, err)
	assert.Len(t, decodeOutput[[]taskgraph.Task](t, out), 1)

	_, err = runCLI(t, dir, "task", "status", task.ID, "in_progress")
	require.NoError(t, err)
	out, err = runCLI(t, dir, "task", "status", task.ID, "completed", "--output", `{"rotated":3}`)
	require.NoError(t, err)
	done := decodeOutput[taskgraph.Task](t, out)
	assert.Equal(t, taskgraph.StatusCompleted, done.Status)
	assert.EqualValues(t, 3, done.Output["rotated"])

	out, err = runCLI(t, dir, "agent", "get", agent.ID)
	require.NoError(t, err)
	released := decodeOutput[fleet.Agent](t, out)
	assert.Equal(t, fleet.StatusAvailable, released.Status)
	assert.Equal(t, 1, released.Metrics.TasksCompleted)

	out, err = runCLI(t, dir, "task", "create", "--title", "Report", "--type", "analysis", "--depends", task.ID)
	require.NoError(t, err)
	dependent := decodeOutput[taskgraph.Task](t, out)
	assert.Equal(t, taskgraph.StatusAssigned, dependent.Status)
	assert.Equal(t, agent.ID, dependent.Assignee())

	out, err = runCLI(t, dir, "task", "get", dependent.ID)
	require.NoError(t, err)
	assert.Equal(t, "Report", decodeOutput[taskgraph.Task](t, out).Title)

	out, err = runCLI(t, dir, "task", "create", "--title", "Audit", "--type", "maintenance", "--require", "ops=9")
	require.NoError(t, err)
	unmatched := decodeOutput[taskgraph.Task](t, out)
	assert.Equal(t, taskgraph.StatusPending, unmatched.Status)

	out, err = runCLI(t, dir, "task", "assign", unmatched.ID, agent.ID)
	require.NoError(t, err)
	assigned := decodeOutput[taskgraph.Task](t, out)
	assert.Equal(t, agent.ID, assigned.Assignee())

	t.Run("invalid input", func(t *testing.T) {
		_, err := runCLI(t, dir, "task", "create", "--title", "x", "--type", "chores")
		assert.Error(t, err)
		_, err = runCLI(t, dir, "task", "create", "--title", "x", "--require", "ops")
		assert.Error(t, err)
		_, err = runCLI(t, dir, "task", "status", task.ID, "completed", "--output", "not json")
		assert.Error(t, err)
		_, err = runCLI(t, dir, "task", "get", "missing")
		assert.Error(t, err)
	})
}

func TestToolCommands(t *testing.T) {
	dir := setupTestCLI(t)

	out, err := runCLI(t, dir, "tool", "list")
	require.NoError(t, err)
	tools := decodeOutput[[]toolexecutor.ToolDefinition](t, out)
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "fleet_get_agent")
	assert.Contains(t, names, "task_create")

	out, err = runCLI(t, dir, "agent", "register", "--name", "worker", "--skill", "go=4")
	require.NoError(t, err)
	agent := decodeOutput[fleet.Agent](t, out)

	out, err = runCLI(t, dir, "tool", "run", "fleet_get_agent", "--params", `{"agent_id":"`+agent.ID+`"}`, "--cache-ttl", "-1s")
	require.NoError(t, err)
	rec := decodeOutput[toolexecutor.ToolExecution](t, out)
	assert.Equal(t, toolexecutor.ExecutionCompleted, rec.Status)
	assert.Equal(t, "worker", rec.Result["name"])

	t.Run("failed execution prints the record", func(t *testing.T) {
		t.Setenv("SCORPIO_TOOLS_MAX_RETRIES", "1")
		out, err := runCLI(t, dir, "tool", "run", "fleet_get_agent", "--params", `{"agent_id":"missing"}`, "--cache-ttl", "-1s")
		assert.Error(t, err)
		assert.Contains(t, out, `"status": "failed"`)
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := runCLI(t, dir, "tool", "run", "nope")
		assert.Error(t, err)
	})

	t.Run("history needs a session", func(t *testing.T) {
		_, err := runCLI(t, dir, "tool", "history")
		assert.Error(t, err)

		out, err := runCLI(t, dir, "tool", "history", "--session", "none")
		require.NoError(t, err)
		assert.Empty(t, decodeOutput[[]toolexecutor.ToolExecution](t, out))
	})
}

func TestAlertCommands(t *testing.T) {
	dir := setupTestCLI(t)

	out, err := runCLI(t, dir, "alert", "list")
	require.NoError(t, err)
	assert.Empty(t, decodeOutput[[]audit.Alert](t, out))

	_, err = runCLI(t, dir, "alert", "resolve", "missing", "--notes", "gone")
	assert.Error(t, err)
}
