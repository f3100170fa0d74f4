package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Audit    AuditConfig    `yaml:"audit"`
	Policies PoliciesConfig `yaml:"policies"`

	// DefaultPermission is the outcome when no pattern matches. Only "ask"
	// is accepted; the field exists so configs can state it explicitly.
	DefaultPermission string `yaml:"default_permission"`

	WorkspaceRoot string   `yaml:"workspace_root"`
	MaxReadBytes  ByteSize `yaml:"max_read_bytes"`

	DNDStartHour           *int   `yaml:"dnd_start_hour"`
	DNDEndHour             *int   `yaml:"dnd_end_hour"`
	AdminPhone             string `yaml:"admin_phone"`
	EscalationDelaySeconds int    `yaml:"escalation_delay_seconds"`

	Approvals ApprovalsConfig `yaml:"approvals"`
	Agents    AgentsConfig    `yaml:"agents"`
	Oracles   OraclesConfig   `yaml:"oracles"`
	Notify    NotifyConfig    `yaml:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
}

type ServerConfig struct {
	HTTP ServerHTTPConfig `yaml:"http"`
}

type ServerHTTPConfig struct {
	Addr         string `yaml:"addr"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
	// APIKey, when set, is an admin key accepted in the API key header.
	APIKey string `yaml:"api_key"`
	// APIKeysFile lists further keys with roles (agent|approver|admin).
	APIKeysFile  string `yaml:"api_keys_file"`
	APIKeyHeader string `yaml:"api_key_header"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SQLitePath string `yaml:"sqlite_path"`
	JSONLPath  string `yaml:"jsonl_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type PoliciesConfig struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
	// File persists runtime additions (!allow) and is watched for edits.
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

type ApprovalsConfig struct {
	// TOTPSecret enables a second factor on approve commands.
	TOTPSecret string `yaml:"totp_secret"`
	// WaitTimeout bounds how long a sub-agent tool call blocks on a
	// pending approval. Empty means wait until resolved or canceled.
	WaitTimeout string `yaml:"wait_timeout"`
}

type AgentsConfig struct {
	MaxActive int                   `yaml:"max_active"`
	Roles     map[string]RoleConfig `yaml:"roles"`
}

type RoleConfig struct {
	Tools       []string `yaml:"tools"`
	ScopePrefix string   `yaml:"scope_prefix"`
	PathPrefix  string   `yaml:"path_prefix"`
}

type OraclesConfig struct {
	Reasoning ReasoningOracleConfig `yaml:"reasoning"`
	Voice     HTTPOracleConfig      `yaml:"voice"`
	Calendar  HTTPOracleConfig      `yaml:"calendar"`
}

type ReasoningOracleConfig struct {
	Provider  string `yaml:"provider"` // genai | none
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	Timeout   string `yaml:"timeout"`
}

type HTTPOracleConfig struct {
	URL     string            `yaml:"url"`
	Timeout string            `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

type NotifyConfig struct {
	Log       bool            `yaml:"log"`
	WebSocket bool            `yaml:"websocket"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	Name       string            `yaml:"name"`
	URL        string            `yaml:"url"`
	Format     string            `yaml:"format"` // json | slack
	Headers    map[string]string `yaml:"headers"`
	Timeout    string            `yaml:"timeout"`
	RetryCount int               `yaml:"retry_count"`
	RetryDelay string            `yaml:"retry_delay"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Path string `yaml:"path"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTP.Addr == "" {
		cfg.Server.HTTP.Addr = "127.0.0.1:8470"
	}
	if cfg.Server.HTTP.ReadTimeout == "" {
		cfg.Server.HTTP.ReadTimeout = "30s"
	}
	if cfg.Server.HTTP.WriteTimeout == "" {
		cfg.Server.HTTP.WriteTimeout = "5m"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.DefaultPermission == "" {
		cfg.DefaultPermission = "ask"
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = "./workspace"
	}
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = DefaultMaxReadBytes
	}
	if cfg.EscalationDelaySeconds <= 0 {
		cfg.EscalationDelaySeconds = 300
	}
	if cfg.Agents.MaxActive <= 0 {
		cfg.Agents.MaxActive = 8
	}
	if cfg.Oracles.Reasoning.Provider == "" {
		cfg.Oracles.Reasoning.Provider = "none"
	}
	if cfg.Oracles.Reasoning.Model == "" {
		cfg.Oracles.Reasoning.Model = "gemini-2.5-flash"
	}
	if cfg.Oracles.Reasoning.APIKeyEnv == "" {
		cfg.Oracles.Reasoning.APIKeyEnv = "GEMINI_API_KEY"
	}
	if cfg.Oracles.Reasoning.Timeout == "" {
		cfg.Oracles.Reasoning.Timeout = "30s"
	}
	if cfg.Oracles.Voice.Timeout == "" {
		cfg.Oracles.Voice.Timeout = "15s"
	}
	if cfg.Oracles.Calendar.Timeout == "" {
		cfg.Oracles.Calendar.Timeout = "5s"
	}
	if cfg.Audit.MaxSizeMB == 0 {
		cfg.Audit.MaxSizeMB = 100
	}
	if cfg.Audit.MaxBackups == 0 {
		cfg.Audit.MaxBackups = 3
	}
	for i := range cfg.Notify.Webhooks {
		wh := &cfg.Notify.Webhooks[i]
		if wh.Timeout == "" {
			wh.Timeout = "10s"
		}
		if wh.RetryDelay == "" {
			wh.RetryDelay = "1s"
		}
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = "/health"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INTERLOCK_HTTP_ADDR"); v != "" {
		cfg.Server.HTTP.Addr = v
	}
	if v := os.Getenv("INTERLOCK_API_KEY"); v != "" {
		cfg.Server.HTTP.APIKey = v
	}
	if v := os.Getenv("INTERLOCK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("INTERLOCK_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("INTERLOCK_ADMIN_PHONE"); v != "" {
		cfg.AdminPhone = v
	}
	if v := os.Getenv("INTERLOCK_DATA_DIR"); v != "" {
		cfg.Audit.SQLitePath = filepath.Join(v, "audit.db")
		cfg.Audit.JSONLPath = filepath.Join(v, "audit.jsonl")
	}
	if v := os.Getenv("INTERLOCK_ESCALATION_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EscalationDelaySeconds = n
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.DefaultPermission != "ask" {
		return fmt.Errorf("invalid default_permission %q: only \"ask\" is supported", cfg.DefaultPermission)
	}
	for name, h := range map[string]*int{"dnd_start_hour": cfg.DNDStartHour, "dnd_end_hour": cfg.DNDEndHour} {
		if h != nil && (*h < 0 || *h > 23) {
			return fmt.Errorf("%s must be within 0..23", name)
		}
	}
	if (cfg.DNDStartHour == nil) != (cfg.DNDEndHour == nil) {
		return fmt.Errorf("dnd_start_hour and dnd_end_hour must be set together")
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	switch cfg.Oracles.Reasoning.Provider {
	case "none", "genai":
	default:
		return fmt.Errorf("invalid oracles.reasoning.provider %q", cfg.Oracles.Reasoning.Provider)
	}
	for name, r := range cfg.Agents.Roles {
		if len(r.Tools) == 0 {
			return fmt.Errorf("agents.roles.%s: tools must not be empty", name)
		}
		if r.ScopePrefix == "" {
			return fmt.Errorf("agents.roles.%s: scope_prefix is required", name)
		}
	}
	for _, wh := range cfg.Notify.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("notify.webhooks %q: url is required", wh.Name)
		}
		switch wh.Format {
		case "", "json", "slack":
		default:
			return fmt.Errorf("notify.webhooks %q: invalid format %q", wh.Name, wh.Format)
		}
	}
	return nil
}
