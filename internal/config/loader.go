package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// SCORPIO_TOOLS_RATE_LIMIT.
const EnvPrefix = "SCORPIO"

// Loader reads configuration from a file, the environment and defaults,
// in that order of precedence after the environment.
type Loader struct {
	configPath string
	v          *viper.Viper

	mu      sync.Mutex
	current *Config
}

// NewLoader creates a new config loader. An empty path means
// ~/.scorpio/scorpio.yaml.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// DefaultDataDir is ~/.scorpio.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".scorpio"), nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	dir, err := DefaultDataDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "scorpio.yaml")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	// Provider keys also honour the vendors' conventional variables.
	_ = v.BindEnv("providers.openai.api_key", EnvPrefix+"_PROVIDERS_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("providers.anthropic.api_key", EnvPrefix+"_PROVIDERS_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("providers.gemini.api_key", EnvPrefix+"_PROVIDERS_GEMINI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY")
	_ = v.BindEnv("mcp.api_key", EnvPrefix+"_MCP_API_KEY", "MCP_API_KEY")
	return v
}

// setDefaults registers every key so environment overrides reach
// Unmarshal even when the file omits them.
func setDefaults(v *viper.Viper, d *Config) {
	defaults := map[string]any{
		"data_dir":      d.DataDir,
		"database.path": d.Database.Path,

		"logging.level":     d.Logging.Level,
		"logging.file":      d.Logging.File,
		"logging.console":   d.Logging.Console,
		"logging.pretty":    d.Logging.Pretty,
		"logging.redaction": d.Logging.Redaction,
		"logging.max_size":  d.Logging.MaxSize,
		"logging.max_age":   d.Logging.MaxAge,
		"logging.compress":  d.Logging.Compress,

		"providers.default": d.Providers.Default,

		"tools.max_retries":  d.Tools.MaxRetries,
		"tools.rate_limit":   d.Tools.RateLimit,
		"tools.cache_ttl":    d.Tools.CacheTTL,
		"tools.backoff_unit": d.Tools.BackoffUnit,
		"tools.timeout":      d.Tools.Timeout,

		"sandbox.enabled":      d.Sandbox.Enabled,
		"sandbox.image":        d.Sandbox.Image,
		"sandbox.module":       d.Sandbox.Module,
		"sandbox.memory_mb":    d.Sandbox.MemoryMB,
		"sandbox.timeout":      d.Sandbox.Timeout,
		"sandbox.network_mode": d.Sandbox.NetworkMode,

		"mcp.enabled": d.MCP.Enabled,
		"mcp.url":     d.MCP.URL,
		"mcp.prefix":  d.MCP.Prefix,

		"session.timeout_minutes": d.Session.TimeoutMinutes,
		"session.max_tool_rounds": d.Session.MaxToolRounds,
		"session.system_prompt":   d.Session.SystemPrompt,

		"jobs.session_expiry": d.Jobs.SessionExpiry,
		"jobs.cache_sweep":    d.Jobs.CacheSweep,
		"jobs.fleet_snapshot": d.Jobs.FleetSnapshot,

		"metrics.enabled": d.Metrics.Enabled,
		"metrics.addr":    d.Metrics.Addr,

		"tracing.enabled":      d.Tracing.Enabled,
		"tracing.service_name": d.Tracing.ServiceName,
		"tracing.sample_ratio": d.Tracing.SampleRatio,
	}
	for _, p := range d.Providers.List() {
		prefix := "providers." + p.Provider + "."
		defaults[prefix+"model"] = p.Model
		defaults[prefix+"base_url"] = p.BaseURL
		defaults[prefix+"temperature"] = p.Temperature
		defaults[prefix+"max_tokens"] = p.MaxTokens
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Load reads the config file when it exists, applies environment
// overrides and fills derived paths. A missing file is not an error.
func (l *Loader) Load() (*Config, error) {
	v := newViper()

	path := l.GetConfigPath()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.v = v
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "scorpio.log")
	}
	return cfg, nil
}

// Watch reloads the config whenever the file changes and hands each valid
// result to onChange. Invalid edits are reported through onError and
// leave the previous config in place. Load must be called first.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) error {
	l.mu.Lock()
	v := l.v
	l.mu.Unlock()
	if v == nil || v.ConfigFileUsed() == "" {
		return errors.New("config: no config file loaded to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// Current returns the most recently loaded config.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Save writes cfg to the config file, as YAML or JSON by extension.
func (l *Loader) Save(cfg *Config) error {
	path := l.GetConfigPath()
	if path == "" {
		return errors.New("config: no config path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// JSON tags drop API keys, which belong in the environment.
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	var settings map[string]any
	if err := json.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.MergeConfigMap(settings); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
