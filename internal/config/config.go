package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-backend settings for the LLM gateway.
type ProviderConfig struct {
	APIKey  string   `yaml:"api_key"`
	BaseURL string   `yaml:"base_url"` // OpenAI-compatible endpoint, e.g. https://api.openai.com/v1
	Models  []string `yaml:"models"`   // user-added models (merged with built-ins)
}

// LLMConfig holds gateway-wide LLM settings. Model names may carry a
// backend prefix ("copilot:gpt-4o", "ollama:llama3"); unprefixed names
// route to the default OpenAI-compatible backend.
type LLMConfig struct {
	DefaultModel string `yaml:"default_model"`

	// MaxRetries bounds transient-failure retries per request. Default 3.
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseMillis is the initial backoff delay. Default 500.
	RetryBaseMillis int `yaml:"retry_base_millis"`

	// RequestTimeoutSeconds bounds a single streaming request. Default 300.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`

	// OllamaBaseURL is the native Ollama endpoint for "ollama:" models.
	OllamaBaseURL string `yaml:"ollama_base_url"`
}

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	// MaxRounds caps model<->tool iterations per task. Default 20.
	MaxRounds int `yaml:"max_rounds"`

	// MaxOutputTokens reserves context budget for the model reply. Default 4096.
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// ToolResultMaxTokens truncates each tool result fed back to the model.
	// Default 2000.
	ToolResultMaxTokens int `yaml:"tool_result_max_tokens"`

	// AskUserTimeoutSeconds bounds how long an awaiting_user_input task
	// waits before cancellation. Default 3600.
	AskUserTimeoutSeconds int `yaml:"ask_user_timeout_seconds"`

	// ApprovalTimeoutSeconds bounds how long an awaiting_approval task
	// waits before the pending tool call is denied. Default 3600.
	ApprovalTimeoutSeconds int `yaml:"approval_timeout_seconds"`

	// FabricationGuard enables the advisory tool-claim check on final answers.
	FabricationGuard bool `yaml:"fabrication_guard"`
}

// SandboxConfig tunes the tool executor.
type SandboxConfig struct {
	// WorkspaceRoot is the directory jail for all file tools. Required.
	WorkspaceRoot string `yaml:"workspace_root"`

	// CommandTimeoutSeconds bounds a single shell command. Default 60.
	CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`

	// CommandOutputLimit caps captured command output in bytes. Default 8000.
	CommandOutputLimit int `yaml:"command_output_limit"`

	// MaxFileReadLines caps a single read_file call. Default 200.
	MaxFileReadLines int `yaml:"max_file_read_lines"`

	// MaxSearchResults caps search hits. Default 30.
	MaxSearchResults int `yaml:"max_search_results"`

	// MaxTreeDepth caps file_tree recursion. Default 4.
	MaxTreeDepth int `yaml:"max_tree_depth"`
}

// TelemetryConfig controls the OpenTelemetry provider. Disabled by
// default; all instrumentation becomes a no-op.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// ScheduleConfig defines a cron-triggered task created on startup.
type ScheduleConfig struct {
	Name      string `yaml:"name"`
	CronExpr  string `yaml:"cron"`
	ProjectID string `yaml:"project_id"`
	Prompt    string `yaml:"prompt"`
	Model     string `yaml:"model"`
	Enabled   bool   `yaml:"enabled"`
}

type Config struct {
	DataDir string `yaml:"-"`

	WorkerCount        int    `yaml:"worker_count"`
	TaskTimeoutSeconds int    `yaml:"task_timeout_seconds"`
	BindAddr           string `yaml:"bind_addr"`
	LogLevel           string `yaml:"log_level"`
	AuthToken          string `yaml:"auth_token"`

	LLM       LLMConfig       `yaml:"llm"`
	Agent     AgentConfig     `yaml:"agent"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Providers holds per-backend configuration keyed by backend name
	// ("openai", "copilot").
	Providers map[string]ProviderConfig `yaml:"providers"`

	// PermissionPolicyPath points at the capability policy file. Empty
	// uses DataDir/permissions.yaml.
	PermissionPolicyPath string `yaml:"permission_policy_path"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WebSocket connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// SubmitPerMinute rate-limits task submission per client; 0 disables.
	SubmitPerMinute int `yaml:"submit_per_minute"`
	SubmitBurst     int `yaml:"submit_burst"`

	// Retention policy (days). 0 = keep forever.
	RetentionTaskEventsDays int `yaml:"retention_task_events_days"`
	RetentionAuditLogDays   int `yaml:"retention_audit_log_days"`
	RetentionMessagesDays   int `yaml:"retention_messages_days"`

	// ContextLimits overrides the per-model context window table.
	ContextLimits map[string]int `yaml:"context_limits"`

	Schedules []ScheduleConfig `yaml:"schedules"`
}

// ProviderAPIKey returns the API key for the given backend, checking env
// overrides first: OPENAI_API_KEY, COPILOT_API_KEY.
func (c Config) ProviderAPIKey(backend string) string {
	envMap := map[string]string{
		"openai":  "OPENAI_API_KEY",
		"copilot": "COPILOT_API_KEY",
	}
	if envVar, ok := envMap[backend]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[backend]; ok {
			return p.APIKey
		}
	}
	return ""
}

// ProviderBaseURL returns the endpoint for the given backend, falling back
// to the public OpenAI API for "openai".
func (c Config) ProviderBaseURL(backend string) string {
	if c.Providers != nil {
		if p, ok := c.Providers[backend]; ok && p.BaseURL != "" {
			return strings.TrimRight(p.BaseURL, "/")
		}
	}
	if backend == "openai" {
		return "https://api.openai.com/v1"
	}
	return ""
}

// PolicyPath returns the effective permission policy file path.
func (c Config) PolicyPath() string {
	if c.PermissionPolicyPath != "" {
		return c.PermissionPolicyPath
	}
	return filepath.Join(c.DataDir, "permissions.yaml")
}

// Fingerprint returns a stable hash of the active config, logged at
// startup so runs can be correlated with the settings they ran under.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|timeout=%d|bind=%s|log=%s|model=%s|origins=%v|workspace=%s",
		c.WorkerCount, c.TaskTimeoutSeconds, c.BindAddr, c.LogLevel,
		c.LLM.DefaultModel, c.AllowOrigins, c.Sandbox.WorkspaceRoot)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		WorkerCount:             4,
		TaskTimeoutSeconds:      int((10 * time.Minute).Seconds()),
		BindAddr:                "127.0.0.1:18890",
		LogLevel:                "info",
		DrainTimeoutSeconds:     5,
		SubmitPerMinute:         120,
		SubmitBurst:             20,
		RetentionTaskEventsDays: 90,
		RetentionAuditLogDays:   365,
		RetentionMessagesDays:   90,
		LLM: LLMConfig{
			DefaultModel:          "gpt-4o",
			MaxRetries:            3,
			RetryBaseMillis:       500,
			RequestTimeoutSeconds: 300,
			OllamaBaseURL:         "http://127.0.0.1:11434",
		},
		Agent: AgentConfig{
			MaxRounds:              20,
			MaxOutputTokens:        4096,
			ToolResultMaxTokens:    2000,
			AskUserTimeoutSeconds:  3600,
			ApprovalTimeoutSeconds: 3600,
			FabricationGuard:       true,
		},
		Sandbox: SandboxConfig{
			CommandTimeoutSeconds: 60,
			CommandOutputLimit:    8000,
			MaxFileReadLines:      200,
			MaxSearchResults:      30,
			MaxTreeDepth:          4,
		},
	}
}

// DataDir resolves the server state directory. STUDIO_HOME overrides;
// default is ~/.ai-studio.
func DataDir() string {
	if override := os.Getenv("STUDIO_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ai-studio")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.DataDir = DataDir()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create data dir: %w", err)
	}

	configPath := filepath.Join(cfg.DataDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18890"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LLM.DefaultModel == "" {
		cfg.LLM.DefaultModel = "gpt-4o"
	}
	if cfg.LLM.MaxRetries <= 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.RetryBaseMillis <= 0 {
		cfg.LLM.RetryBaseMillis = 500
	}
	if cfg.LLM.RequestTimeoutSeconds <= 0 {
		cfg.LLM.RequestTimeoutSeconds = 300
	}
	if cfg.LLM.OllamaBaseURL == "" {
		cfg.LLM.OllamaBaseURL = "http://127.0.0.1:11434"
	}
	if cfg.Agent.MaxRounds <= 0 {
		cfg.Agent.MaxRounds = 20
	}
	if cfg.Agent.MaxOutputTokens <= 0 {
		cfg.Agent.MaxOutputTokens = 4096
	}
	if cfg.Agent.ToolResultMaxTokens <= 0 {
		cfg.Agent.ToolResultMaxTokens = 2000
	}
	if cfg.Agent.AskUserTimeoutSeconds <= 0 {
		cfg.Agent.AskUserTimeoutSeconds = 3600
	}
	if cfg.Agent.ApprovalTimeoutSeconds <= 0 {
		cfg.Agent.ApprovalTimeoutSeconds = 3600
	}
	if cfg.Sandbox.CommandTimeoutSeconds <= 0 {
		cfg.Sandbox.CommandTimeoutSeconds = 60
	}
	if cfg.Sandbox.CommandOutputLimit <= 0 {
		cfg.Sandbox.CommandOutputLimit = 8000
	}
	if cfg.Sandbox.MaxFileReadLines <= 0 {
		cfg.Sandbox.MaxFileReadLines = 200
	}
	if cfg.Sandbox.MaxSearchResults <= 0 {
		cfg.Sandbox.MaxSearchResults = 30
	}
	if cfg.Sandbox.MaxTreeDepth <= 0 {
		cfg.Sandbox.MaxTreeDepth = 4
	}
	if cfg.Sandbox.WorkspaceRoot == "" {
		cfg.Sandbox.WorkspaceRoot = filepath.Join(cfg.DataDir, "workspace")
	}
}

func validate(cfg *Config) error {
	abs, err := filepath.Abs(cfg.Sandbox.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("resolve workspace_root: %w", err)
	}
	cfg.Sandbox.WorkspaceRoot = abs
	for _, s := range cfg.Schedules {
		if s.Enabled && strings.TrimSpace(s.CronExpr) == "" {
			return fmt.Errorf("schedule %q: cron expression required", s.Name)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("STUDIO_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("STUDIO_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("STUDIO_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("STUDIO_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("STUDIO_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("STUDIO_WORKSPACE_ROOT"); raw != "" {
		cfg.Sandbox.WorkspaceRoot = raw
	}
	if raw := os.Getenv("STUDIO_DEFAULT_MODEL"); raw != "" {
		cfg.LLM.DefaultModel = raw
	}
	if raw := os.Getenv("STUDIO_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("OLLAMA_BASE_URL"); raw != "" {
		cfg.LLM.OllamaBaseURL = raw
	}
}
