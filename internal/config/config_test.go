package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harun/scorpio/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, llm.ProviderOpenAI, cfg.Providers.Default)
	assert.Equal(t, 3, cfg.Tools.MaxRetries)
	assert.Equal(t, int64(10), cfg.Tools.RateLimit)
	assert.Equal(t, 300*time.Second, cfg.Tools.CacheTTL)
	assert.Equal(t, time.Second, cfg.Tools.BackoffUnit)
	assert.Equal(t, 60*time.Minute, cfg.Session.Timeout())
	assert.Equal(t, 5, cfg.Session.MaxToolRounds)
	assert.Equal(t, "mcp", cfg.MCP.Prefix)
	assert.False(t, cfg.Sandbox.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestProvidersList(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers.Anthropic.APIKey = "sk-ant-test"

	list := cfg.Providers.List()
	require.Len(t, list, 3)
	assert.Equal(t, llm.ProviderOpenAI, list[0].Provider)
	assert.Equal(t, llm.ProviderAnthropic, list[1].Provider)
	assert.Equal(t, "sk-ant-test", list[1].APIKey)
	assert.Equal(t, llm.ProviderGemini, list[2].Provider)
}

func TestConfigPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/scorpio"

	assert.Equal(t, filepath.Join("/var/lib/scorpio", "scorpio.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join("/var/lib/scorpio", "scorpio.pid"), cfg.PIDFile())

	cfg.Database.Path = "/tmp/other.db"
	assert.Equal(t, "/tmp/other.db", cfg.DatabasePath())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown default provider",
			mutate:  func(c *Config) { c.Providers.Default = "mistral" },
			wantErr: "providers.default",
		},
		{
			name:    "temperature out of range",
			mutate:  func(c *Config) { c.Providers.Anthropic.Temperature = 3 },
			wantErr: "providers.anthropic",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Tools.MaxRetries = -1 },
			wantErr: "tools.max_retries",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name: "sandbox network mode",
			mutate: func(c *Config) {
				c.Sandbox.Enabled = true
				c.Sandbox.NetworkMode = "overlay"
			},
			wantErr: "sandbox",
		},
		{
			name: "mcp without url",
			mutate: func(c *Config) {
				c.MCP.Enabled = true
			},
			wantErr: "mcp.url",
		},
		{
			name:    "zero session timeout",
			mutate:  func(c *Config) { c.Session.TimeoutMinutes = 0 },
			wantErr: "session.timeout_minutes",
		},
		{
			name:    "bad schedule",
			mutate:  func(c *Config) { c.Jobs.CacheSweep = "every minute" },
			wantErr: "jobs.cache_sweep",
		},
		{
			name:    "sample ratio",
			mutate:  func(c *Config) { c.Tracing.SampleRatio = 1.5 },
			wantErr: "tracing.sample_ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("every problem is reported", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Tools.MaxRetries = -1
		cfg.Session.TimeoutMinutes = 0
		errs := NewValidator().ValidateConfig(cfg)
		assert.Len(t, errs, 2)
	})
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers.OpenAI.APIKey = "sk-secret-value"
	cfg.MCP.APIKey = "mcp-secret"

	out := cfg.String()
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"max_tool_rounds": 5`)
	assert.NotContains(t, out, "sk-secret-value")
	assert.NotContains(t, out, "mcp-secret")
}
