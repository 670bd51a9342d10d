// Package config defines crewd's configuration model and loading.
package config

import "time"

// Config is the root configuration for crewd.
type Config struct {
	Gateway     GatewayConfig     `json:"gateway"`
	Store       StoreConfig       `json:"store"`
	Bus         BusConfig         `json:"bus"`
	Memory      MemoryConfig      `json:"memory"`
	Models      ModelsConfig      `json:"models"`
	Executor    ExecutorConfig    `json:"executor"`
	Agents      AgentsConfig      `json:"agents"`
	Skills      SkillsConfig      `json:"skills"`
	Intake      IntakeConfig      `json:"intake"`
	Supervisor  SupervisorConfig  `json:"supervisor"`
	Runtime     RuntimeConfig     `json:"runtime"`
	MemoryGuard MemoryGuardConfig `json:"memory_guard"`
	Planner     PlannerConfig     `json:"planner"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

// GatewayConfig holds the observation API server settings.
type GatewayConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	Driver string `json:"driver"` // "sqlite" or "memory"
	Path   string `json:"path"`   // sqlite database file (default: $CREWD_PATH/crewd.db)
}

// BusConfig holds message bus settings.
type BusConfig struct {
	BufferSize int      `json:"buffer_size"` // per-subscriber queue depth
	Journal    string   `json:"journal"`     // "sqlite" or "memory"
	Retention  Duration `json:"retention"`   // journal retention window (default: 24h)
}

// MemoryConfig configures the long-term memory store.
type MemoryConfig struct {
	Dir       string          `json:"dir"`        // file store root (default: $CREWD_PATH/memory)
	VectorDir string          `json:"vector_dir"` // chromem persistence dir (default: $CREWD_PATH/vectors)
	Embedding EmbeddingConfig `json:"embedding"`
}

// EmbeddingConfig configures the embedding provider for semantic lookup.
// Empty driver disables the vector store; retrieval falls back to keyword scoring.
type EmbeddingConfig struct {
	Driver  string     `json:"driver"` // "openai", "ollama", or "" (disabled)
	Model   string     `json:"model"`
	BaseURL string     `json:"base_url,omitempty"`
	Auth    AuthConfig `json:"auth"`
	Dims    int        `json:"dims,omitempty"`
}

// ModelsConfig holds planner model provider configuration.
type ModelsConfig struct {
	Default   string                    `json:"default"`
	Providers map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig configures a single LLM provider.
type ProviderConfig struct {
	Driver        string         `json:"driver"` // "anthropic", "openai", "ollama", "mistral", "gemini"
	Model         string         `json:"model"`
	BaseURL       string         `json:"base_url,omitempty"`
	Auth          AuthConfig     `json:"auth"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Timeout       Duration       `json:"timeout,omitempty"`
	ContextWindow int            `json:"context_window,omitempty"`
	Options       map[string]any `json:"options,omitempty"`
}

// AuthConfig configures API key resolution.
type AuthConfig struct {
	APIKey string `json:"api_key,omitempty"` // Direct key or ${{ .Env.VAR }} template
	Token  string `json:"token,omitempty"`   // OAuth/Bearer token
}

// ExecutorConfig configures the worker process runner.
type ExecutorConfig struct {
	Command           string   `json:"command"`            // worker command line, shell-quoted
	WorkDir           string   `json:"work_dir"`           // default working directory for workers
	TimeoutMultiplier float64  `json:"timeout_multiplier"` // applied to task estimates (default: 2.0)
	MinTimeout        Duration `json:"min_timeout"`        // default: 5m
	MaxTimeout        Duration `json:"max_timeout"`        // default: 2h
	FallbackTimeout   Duration `json:"fallback_timeout"`   // when no estimate (default: 30m)
	InterruptWait     Duration `json:"interrupt_wait"`     // stage one grace (default: 5s)
	GracefulShutdown  Duration `json:"graceful_shutdown"`  // stage two grace (default: 30s)
	StallTimeout      Duration `json:"stall_timeout"`      // abort after output silence; 0 disables
}

// AgentsConfig configures the agent pool.
type AgentsConfig struct {
	Defs              []AgentDef `json:"defs"`
	AutoStart         *bool      `json:"auto_start,omitempty"` // default: true
	HeartbeatInterval Duration   `json:"heartbeat_interval"`   // default: 30s
	StatusInterval    Duration   `json:"status_interval"`      // default: 10s
	PollInterval      Duration   `json:"poll_interval"`        // default: 30s
	LeaseTTL          Duration   `json:"lease_ttl"`            // default: 120s
	MemoryLimit       int        `json:"memory_limit"`         // memories per task (default: 5)
}

// AgentDef declares a single agent.
type AgentDef struct {
	Name    string   `json:"name"`
	Skills  []string `json:"skills"`
	WorkDir string   `json:"work_dir,omitempty"`
}

// SkillsConfig declares the skill catalog.
type SkillsConfig struct {
	Catalog []SkillDef `json:"catalog"`
}

// SkillDef describes one skill known to the system.
type SkillDef struct {
	Name        string `json:"name"`
	Acquirable  bool   `json:"acquirable"`
	Description string `json:"description,omitempty"`
}

// IntakeConfig configures the task-file watcher.
type IntakeConfig struct {
	Dir          string   `json:"dir"`           // default: $CREWD_PATH/intake
	ProcessedDir string   `json:"processed_dir"` // default: <dir>/processed
	Debounce     Duration `json:"debounce"`      // default: 500ms
}

// SupervisorConfig configures the reconciliation sweep.
type SupervisorConfig struct {
	Interval   Duration `json:"interval"`    // default: 30s
	StallAfter Duration `json:"stall_after"` // busy agent considered stalled (default: 2m)
}

// RuntimeConfig configures the runtime governor. Zero values disable a limit.
type RuntimeConfig struct {
	MaxCycles              int      `json:"max_cycles"`
	MaxRuntime             Duration `json:"max_runtime"`
	IdleTimeout            Duration `json:"idle_timeout"`
	MaxConsecutiveFailures int      `json:"max_consecutive_failures"`
	MinQueueSize           int      `json:"min_queue_size"`
	CheckInterval          Duration `json:"check_interval"` // default: 10s
	StatePath              string   `json:"state_path"`     // default: $CREWD_PATH/runtime-state.json
}

// MemoryGuardConfig configures the heap pressure governor.
type MemoryGuardConfig struct {
	SoftLimitMB   int      `json:"soft_limit_mb"`  // throttle above this; 0 disables
	HardLimitMB   int      `json:"hard_limit_mb"`  // shut down above this; 0 disables
	CheckInterval Duration `json:"check_interval"` // default: 15s
}

// PlannerConfig configures objective-driven task generation.
type PlannerConfig struct {
	Enabled       bool     `json:"enabled"`
	ObjectivePath string   `json:"objective_path,omitempty"` // objective JSON to load on start
	Model         string   `json:"model,omitempty"`          // provider name; default: models.default
	LowWatermark  int      `json:"low_watermark"`            // default: 2
	HighWatermark int      `json:"high_watermark"`           // default: 8
	MaxWatermark  int      `json:"max_watermark"`            // default: 15
	Cooldown      Duration `json:"cooldown"`                 // default: 30s
}

// MaintenanceConfig schedules background housekeeping.
type MaintenanceConfig struct {
	Cron string `json:"cron"` // default: "0 3 * * *"
}

// AutoStartEnabled reports whether agents start automatically (default true).
func (a AgentsConfig) AutoStartEnabled() bool {
	return a.AutoStart == nil || *a.AutoStart
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
