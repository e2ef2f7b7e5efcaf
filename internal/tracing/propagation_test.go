package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestPropagateToTask(t *testing.T) {
	t.Run("keeps trace", func(t *testing.T) {
		parent := WithTraceID(context.Background(), "trace-1")
		ctx := PropagateToTask(parent, "task-9")

		assert.Equal(t, "trace-1", GetTraceID(ctx))
		assert.Equal(t, "task-9", GetTaskID(ctx))
	})

	t.Run("mints trace", func(t *testing.T) {
		ctx := PropagateToTask(context.Background(), "task-9")
		assert.NotEmpty(t, GetTraceID(ctx))
	})
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithSessionID(ctx, "s-1")

	log := LoggerFromContext(ctx, base)
	log.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"trace-1"`)
	assert.Contains(t, out, `"session_id":"s-1"`)
	assert.NotContains(t, out, "task_id")
}

func TestMergeContextNoOverwrite(t *testing.T) {
	target := WithTraceID(context.Background(), "keep")
	source := WithTraceID(context.Background(), "other")
	source = WithAgentID(source, "agent-1")

	merged := MergeContext(target, source)

	assert.Equal(t, "keep", GetTraceID(merged))
	assert.Equal(t, "agent-1", GetAgentID(merged))
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithCancel(WithTraceID(context.Background(), "trace-1"))
	cancel()

	ctx := Detach(parent)
	assert.NoError(t, ctx.Err())
	assert.Equal(t, "trace-1", GetTraceID(ctx))
}
