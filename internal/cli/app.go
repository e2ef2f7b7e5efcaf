package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/harun/scorpio/internal/config"
	"github.com/harun/scorpio/internal/daemon"
	"github.com/harun/scorpio/internal/logger"
	"github.com/harun/scorpio/pkg/fleet"
)

// loadConfig loads the config file and applies the global flags.
func (o *globalOptions) loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(o.configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if o.dataDir != "" {
		if cfg.Logging.File == filepath.Join(cfg.DataDir, "scorpio.log") {
			cfg.Logging.File = filepath.Join(o.dataDir, "scorpio.log")
		}
		cfg.DataDir = o.dataDir
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, loader, nil
}

// withDaemon builds every component for a one-shot command, without jobs
// or the metrics endpoint, and releases them afterwards.
func (o *globalOptions) withDaemon(ctx context.Context, fn func(ctx context.Context, d *daemon.Daemon) error) error {
	cfg, _, err := o.loadConfig()
	if err != nil {
		return err
	}
	cfg.Logging.File = ""
	cfg.Logging.Console = true
	if o.logLevel == "" {
		cfg.Logging.Level = "warn"
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	return fn(ctx, d)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// splitLevel parses "name=level".
func splitLevel(raw string) (string, int, error) {
	name, level, ok := strings.Cut(raw, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", 0, fmt.Errorf("expected name=level, got %q", raw)
	}
	n, err := strconv.Atoi(strings.TrimSpace(level))
	if err != nil {
		return "", 0, fmt.Errorf("invalid level in %q: %w", raw, err)
	}
	return name, n, nil
}

func parseSkills(raw []string) ([]fleet.Skill, error) {
	skills := make([]fleet.Skill, 0, len(raw))
	for _, r := range raw {
		name, level, err := splitLevel(r)
		if err != nil {
			return nil, err
		}
		skills = append(skills, fleet.Skill{Name: name, Level: level})
	}
	return skills, nil
}

func parseRequirements(raw []string) ([]fleet.SkillRequirement, error) {
	reqs := make([]fleet.SkillRequirement, 0, len(raw))
	for _, r := range raw {
		name, level, err := splitLevel(r)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, fleet.SkillRequirement{SkillName: name, MinimumLevel: level})
	}
	return reqs, nil
}

// parseObject decodes a JSON object flag. Empty means nil.
func parseObject(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	return out, nil
}
