package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateProvider(t *testing.T) {
	v := NewValidator()
	for _, name := range []string{"openai", "anthropic", "gemini"} {
		assert.NoError(t, v.ValidateProvider(name), name)
	}
	err := v.ValidateProvider("cohere")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "must be one of")
}

func TestValidateTemperature(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		temp    float64
		wantErr bool
	}{
		{0, false},
		{0.7, false},
		{2, false},
		{-0.1, true},
		{2.1, true},
	}
	for _, tt := range tests {
		err := v.ValidateTemperature(tt.temp)
		if tt.wantErr {
			assert.Error(t, err, "temp %g", tt.temp)
		} else {
			assert.NoError(t, err, "temp %g", tt.temp)
		}
	}
}

func TestValidateMaxTokens(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateMaxTokens(0))
	assert.NoError(t, v.ValidateMaxTokens(4000))
	assert.Error(t, v.ValidateMaxTokens(-1))
	assert.Error(t, v.ValidateMaxTokens(200001))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()
	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level), level)
	}
	assert.Error(t, v.ValidateLogLevel("trace-all"))
}

func TestValidateSchedule(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateSchedule(""))
	assert.NoError(t, v.ValidateSchedule("@every 5m"))
	assert.NoError(t, v.ValidateSchedule("*/10 * * * *"))
	assert.NoError(t, v.ValidateSchedule("@hourly"))
	assert.Error(t, v.ValidateSchedule("* * *"))
	assert.Error(t, v.ValidateSchedule("@every soon"))
}

func TestValidateURL(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateURL("http://localhost:8080"))
	assert.NoError(t, v.ValidateURL("https://tools.example.com/mcp"))
	assert.Error(t, v.ValidateURL(""))
	assert.Error(t, v.ValidateURL("ftp://example.com"))
	assert.Error(t, v.ValidateURL("not a url"))
}
