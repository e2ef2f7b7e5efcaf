package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/harun/scorpio/internal/logger"
	"github.com/harun/scorpio/pkg/cron"
	"github.com/harun/scorpio/pkg/llm"
	"github.com/harun/scorpio/pkg/sandbox"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProvider checks a provider name against the supported set.
func (v *Validator) ValidateProvider(name string) error {
	switch name {
	case llm.ProviderOpenAI, llm.ProviderAnthropic, llm.ProviderGemini:
		return nil
	}
	return fmt.Errorf("invalid provider: %s (must be one of: %s)", name,
		strings.Join([]string{llm.ProviderOpenAI, llm.ProviderAnthropic, llm.ProviderGemini}, ", "))
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens < 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	_, err := logger.ParseLevel(level)
	return err
}

// ValidateSchedule checks a cron spec. Empty means disabled.
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseSchedule(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateURL requires an absolute http or https URL.
func (v *Validator) ValidateURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url %q: scheme must be http or https", raw)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	add("logging.level", v.ValidateLogLevel(cfg.Logging.Level))

	if cfg.Providers.Default != "" {
		add("providers.default", v.ValidateProvider(cfg.Providers.Default))
	}
	for _, p := range cfg.Providers.List() {
		section := "providers." + p.Provider
		add(section, v.ValidateTemperature(p.Temperature))
		add(section, v.ValidateMaxTokens(p.MaxTokens))
		if p.BaseURL != "" {
			add(section+".base_url", v.ValidateURL(p.BaseURL))
		}
	}

	if cfg.Tools.MaxRetries < 0 {
		add("tools.max_retries", fmt.Errorf("must be >= 0"))
	}
	if cfg.Tools.RateLimit < 0 {
		add("tools.rate_limit", fmt.Errorf("must be >= 0"))
	}
	if cfg.Tools.CacheTTL < 0 || cfg.Tools.BackoffUnit < 0 || cfg.Tools.Timeout < 0 {
		add("tools", fmt.Errorf("durations must be >= 0"))
	}

	if cfg.Sandbox.Enabled {
		add("sandbox", sandbox.ValidateConfig(cfg.Sandbox.Config))
	}
	if cfg.MCP.Enabled {
		add("mcp.url", v.ValidateURL(cfg.MCP.URL))
		if strings.TrimSpace(cfg.MCP.Prefix) == "" {
			add("mcp.prefix", fmt.Errorf("is required"))
		}
	}

	if cfg.Session.TimeoutMinutes <= 0 {
		add("session.timeout_minutes", fmt.Errorf("must be > 0"))
	}
	if cfg.Session.MaxToolRounds < 0 {
		add("session.max_tool_rounds", fmt.Errorf("must be >= 0"))
	}

	add("jobs.session_expiry", v.ValidateSchedule(cfg.Jobs.SessionExpiry))
	add("jobs.cache_sweep", v.ValidateSchedule(cfg.Jobs.CacheSweep))
	add("jobs.fleet_snapshot", v.ValidateSchedule(cfg.Jobs.FleetSnapshot))

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		add("metrics.addr", fmt.Errorf("is required when metrics are enabled"))
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		add("tracing.sample_ratio", fmt.Errorf("must be between 0 and 1"))
	}

	return errs
}
