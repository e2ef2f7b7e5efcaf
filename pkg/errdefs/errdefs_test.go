package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCategories(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name     string
		err      error
		sentinel error
		message  string
	}{
		{"validation", Validation("Dependent task %s not completed", "t1"), ErrValidation, "Dependent task t1 not completed"},
		{"field validation", FieldValidation("name", "is required"), ErrValidation, "name: is required"},
		{"not found", NotFound("agent", "a1"), ErrNotFound, "agent a1 not found"},
		{"tool execution", &ToolExecutionError{Tool: "echo", Attempts: 3, Err: cause}, ErrToolExecution, "tool echo failed after 3 attempts: boom"},
		{"external", External("openai", cause), ErrExternalService, "openai: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(tt.err, tt.sentinel))
			assert.True(t, errors.Is(fmt.Errorf("wrapped: %w", tt.err), tt.sentinel))
			assert.Equal(t, tt.message, tt.err.Error())
		})
	}
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("timeout")

	assert.ErrorIs(t, &ToolExecutionError{Tool: "x", Attempts: 1, Err: cause}, cause)
	assert.ErrorIs(t, External("sandbox", cause), cause)
	assert.NoError(t, External("sandbox", nil))

	var te *ToolExecutionError
	assert.True(t, errors.As(fmt.Errorf("ctx: %w", &ToolExecutionError{Tool: "x", Attempts: 2, Err: cause}), &te))
	assert.Equal(t, 2, te.Attempts)
}
