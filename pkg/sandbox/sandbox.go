// Package sandbox runs tools inside throwaway Docker containers.
//
// Every call creates a fresh container with networking disabled by
// default, waits for it under a hard timeout, collects its output and
// removes it, whatever the outcome.
package sandbox

import (
	"time"
)

const (
	DefaultImage       = "scorpio-sandbox"
	DefaultModule      = "tools"
	DefaultMemoryMB    = 512
	DefaultTimeout     = 30 * time.Second
	DefaultNetworkMode = "none"
)

// Config defines sandbox configuration
type Config struct {
	// Image is the container image holding the tool modules
	Image string `json:"image" mapstructure:"image"`

	// Module is the python package tools live under; a tool runs as
	// `python -m <module>.<tool> <json params>`
	Module string `json:"module" mapstructure:"module"`

	// MemoryMB limits container memory in megabytes (0 = unlimited)
	MemoryMB int64 `json:"memory_mb" mapstructure:"memory_mb"`

	// Timeout limits execution time per call
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// NetworkMode is passed to the container host config
	NetworkMode string `json:"network_mode" mapstructure:"network_mode"`
}

// DefaultConfig returns a default sandbox configuration
func DefaultConfig() Config {
	return Config{
		Image:       DefaultImage,
		Module:      DefaultModule,
		MemoryMB:    DefaultMemoryMB,
		Timeout:     DefaultTimeout,
		NetworkMode: DefaultNetworkMode,
	}
}

// ValidateConfig validates a sandbox configuration
func ValidateConfig(cfg Config) error {
	if cfg.Image == "" {
		return ErrDockerImageRequired
	}
	if cfg.MemoryMB < 0 {
		return ErrInvalidMemoryLimit
	}
	if cfg.Timeout < 0 {
		return ErrInvalidTimeout
	}
	switch cfg.NetworkMode {
	case "none", "bridge", "host":
	default:
		return ErrInvalidNetworkMode
	}
	return nil
}
