package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// strips comments, unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment templates first: they live inside strings,
	// before comment stripping touches anything.
	expanded := expandEnvTemplates(string(data))

	standardized, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("standardize config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a config with all defaults applied and no file input.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
func ApplyDefaults(cfg *Config) {
	root := CrewdPath()

	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 17717
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(root, "crewd.db")
	}

	if cfg.Bus.BufferSize == 0 {
		cfg.Bus.BufferSize = 1024
	}
	if cfg.Bus.Journal == "" {
		cfg.Bus.Journal = cfg.Store.Driver
	}
	if cfg.Bus.Retention == 0 {
		cfg.Bus.Retention = Duration(24 * time.Hour)
	}

	if cfg.Memory.Dir == "" {
		cfg.Memory.Dir = filepath.Join(root, "memory")
	}
	if cfg.Memory.VectorDir == "" {
		cfg.Memory.VectorDir = filepath.Join(root, "vectors")
	}

	if cfg.Executor.TimeoutMultiplier == 0 {
		cfg.Executor.TimeoutMultiplier = 2.0
	}
	if cfg.Executor.MinTimeout == 0 {
		cfg.Executor.MinTimeout = Duration(5 * time.Minute)
	}
	if cfg.Executor.MaxTimeout == 0 {
		cfg.Executor.MaxTimeout = Duration(2 * time.Hour)
	}
	if cfg.Executor.FallbackTimeout == 0 {
		cfg.Executor.FallbackTimeout = Duration(30 * time.Minute)
	}
	if cfg.Executor.InterruptWait == 0 {
		cfg.Executor.InterruptWait = Duration(5 * time.Second)
	}
	if cfg.Executor.GracefulShutdown == 0 {
		cfg.Executor.GracefulShutdown = Duration(30 * time.Second)
	}

	if cfg.Agents.HeartbeatInterval == 0 {
		cfg.Agents.HeartbeatInterval = Duration(30 * time.Second)
	}
	if cfg.Agents.StatusInterval == 0 {
		cfg.Agents.StatusInterval = Duration(10 * time.Second)
	}
	if cfg.Agents.PollInterval == 0 {
		cfg.Agents.PollInterval = Duration(30 * time.Second)
	}
	if cfg.Agents.LeaseTTL == 0 {
		cfg.Agents.LeaseTTL = Duration(120 * time.Second)
	}
	if cfg.Agents.MemoryLimit == 0 {
		cfg.Agents.MemoryLimit = 5
	}

	if cfg.Intake.Dir == "" {
		cfg.Intake.Dir = filepath.Join(root, "intake")
	}
	if cfg.Intake.ProcessedDir == "" {
		cfg.Intake.ProcessedDir = filepath.Join(cfg.Intake.Dir, "processed")
	}
	if cfg.Intake.Debounce == 0 {
		cfg.Intake.Debounce = Duration(500 * time.Millisecond)
	}

	if cfg.Supervisor.Interval == 0 {
		cfg.Supervisor.Interval = Duration(30 * time.Second)
	}
	if cfg.Supervisor.StallAfter == 0 {
		cfg.Supervisor.StallAfter = Duration(2 * time.Minute)
	}

	if cfg.Runtime.CheckInterval == 0 {
		cfg.Runtime.CheckInterval = Duration(10 * time.Second)
	}
	if cfg.Runtime.StatePath == "" {
		cfg.Runtime.StatePath = filepath.Join(root, "runtime-state.json")
	}

	if cfg.MemoryGuard.CheckInterval == 0 {
		cfg.MemoryGuard.CheckInterval = Duration(15 * time.Second)
	}

	if cfg.Planner.LowWatermark == 0 {
		cfg.Planner.LowWatermark = 2
	}
	if cfg.Planner.HighWatermark == 0 {
		cfg.Planner.HighWatermark = 8
	}
	if cfg.Planner.MaxWatermark == 0 {
		cfg.Planner.MaxWatermark = 15
	}
	if cfg.Planner.Cooldown == 0 {
		cfg.Planner.Cooldown = Duration(30 * time.Second)
	}

	if cfg.Maintenance.Cron == "" {
		cfg.Maintenance.Cron = "0 3 * * *"
	}
}
