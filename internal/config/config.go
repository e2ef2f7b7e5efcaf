package config

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"time"

	"github.com/harun/scorpio/internal/logger"
	"github.com/harun/scorpio/pkg/llm"
	"github.com/harun/scorpio/pkg/sandbox"
	"github.com/harun/scorpio/pkg/toolexecutor"
)

// Config is the scorpio configuration.
type Config struct {
	DataDir   string          `json:"data_dir" mapstructure:"data_dir"`
	Database  DatabaseConfig  `json:"database" mapstructure:"database"`
	Logging   logger.Config   `json:"logging" mapstructure:"logging"`
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`
	Tools     ToolsConfig     `json:"tools" mapstructure:"tools"`
	Sandbox   SandboxConfig   `json:"sandbox" mapstructure:"sandbox"`
	MCP       MCPConfig       `json:"mcp" mapstructure:"mcp"`
	Session   SessionConfig   `json:"session" mapstructure:"session"`
	Jobs      JobsConfig      `json:"jobs" mapstructure:"jobs"`
	Metrics   MetricsConfig   `json:"metrics" mapstructure:"metrics"`
	Tracing   TracingConfig   `json:"tracing" mapstructure:"tracing"`
}

// DatabaseConfig locates the SQLite database. An empty Path means
// <data_dir>/scorpio.db.
type DatabaseConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// ProvidersConfig configures the LLM providers. Providers without an API
// key are skipped.
type ProvidersConfig struct {
	Default   string     `json:"default" mapstructure:"default"`
	OpenAI    llm.Config `json:"openai" mapstructure:"openai"`
	Anthropic llm.Config `json:"anthropic" mapstructure:"anthropic"`
	Gemini    llm.Config `json:"gemini" mapstructure:"gemini"`
}

// List returns the provider configs with their names filled in.
func (p ProvidersConfig) List() []llm.Config {
	openai, anthropic, gemini := p.OpenAI, p.Anthropic, p.Gemini
	openai.Provider = llm.ProviderOpenAI
	anthropic.Provider = llm.ProviderAnthropic
	gemini.Provider = llm.ProviderGemini
	return []llm.Config{openai, anthropic, gemini}
}

// ToolsConfig tunes the tool executor.
type ToolsConfig struct {
	MaxRetries  int           `json:"max_retries" mapstructure:"max_retries"`
	RateLimit   int64         `json:"rate_limit" mapstructure:"rate_limit"`
	CacheTTL    time.Duration `json:"cache_ttl" mapstructure:"cache_ttl"`
	BackoffUnit time.Duration `json:"backoff_unit" mapstructure:"backoff_unit"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
}

// SandboxConfig enables the Docker runner and declares the tools it runs.
// Tool handlers live in the sandbox image, so only name, description and
// parameters are configured here.
type SandboxConfig struct {
	Enabled        bool                          `json:"enabled" mapstructure:"enabled"`
	Tools          []toolexecutor.ToolDefinition `json:"tools,omitempty" mapstructure:"tools"`
	sandbox.Config `mapstructure:",squash"`
}

// MCPConfig points at an HTTP tool catalog.
type MCPConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	URL     string `json:"url" mapstructure:"url"`
	APIKey  string `json:"-" mapstructure:"api_key"`
	Prefix  string `json:"prefix" mapstructure:"prefix"`
}

// SessionConfig tunes the conversation service.
type SessionConfig struct {
	TimeoutMinutes int    `json:"timeout_minutes" mapstructure:"timeout_minutes"`
	MaxToolRounds  int    `json:"max_tool_rounds" mapstructure:"max_tool_rounds"`
	SystemPrompt   string `json:"system_prompt" mapstructure:"system_prompt"`
}

// Timeout returns the idle timeout as a duration.
func (s SessionConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMinutes) * time.Minute
}

// JobsConfig holds cron schedules for the daemon's background jobs. An
// empty schedule disables the job.
type JobsConfig struct {
	SessionExpiry string `json:"session_expiry" mapstructure:"session_expiry"`
	CacheSweep    string `json:"cache_sweep" mapstructure:"cache_sweep"`
	FleetSnapshot string `json:"fleet_snapshot" mapstructure:"fleet_snapshot"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: logger.DefaultConfig(),
		Providers: ProvidersConfig{
			Default:   llm.ProviderOpenAI,
			OpenAI:    llm.Config{Model: llm.DefaultOpenAIModel, Temperature: llm.DefaultTemperature, MaxTokens: llm.DefaultMaxTokens},
			Anthropic: llm.Config{Model: llm.DefaultAnthropicModel, Temperature: llm.DefaultTemperature, MaxTokens: llm.DefaultMaxTokens},
			Gemini:    llm.Config{Model: llm.DefaultGeminiModel, Temperature: llm.DefaultTemperature, MaxTokens: llm.DefaultMaxTokens},
		},
		Tools: ToolsConfig{
			MaxRetries:  3,
			RateLimit:   10,
			CacheTTL:    300 * time.Second,
			BackoffUnit: time.Second,
			Timeout:     30 * time.Second,
		},
		Sandbox: SandboxConfig{Config: sandbox.DefaultConfig()},
		MCP:     MCPConfig{Prefix: "mcp"},
		Session: SessionConfig{
			TimeoutMinutes: 60,
			MaxToolRounds:  5,
		},
		Jobs: JobsConfig{
			SessionExpiry: "@every 5m",
			CacheSweep:    "@every 1m",
			FleetSnapshot: "@every 1m",
		},
		Metrics: MetricsConfig{Enabled: true, Addr: "127.0.0.1:9464"},
		Tracing: TracingConfig{ServiceName: "scorpio", SampleRatio: 1},
	}
}

// DatabasePath resolves the SQLite path against DataDir.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.DataDir, "scorpio.db")
}

// PIDFile is where the daemon records its process id.
func (c *Config) PIDFile() string {
	return filepath.Join(c.DataDir, "scorpio.pid")
}

// String returns a JSON representation of the config. API keys are omitted.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks every section and joins the problems found.
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
