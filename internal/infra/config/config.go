package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"llm-router/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Backends   []BackendConfig     `yaml:"backends"`
	Tiers      map[string]string   `yaml:"tiers"`
	Policy     PolicyConfig        `yaml:"policy"`
	Failover   map[string][]string `yaml:"failover"`
	Classifier ClassifierConfig    `yaml:"classifier"`
	Health     HealthConfig        `yaml:"health"`
	Invoker    InvokerConfig       `yaml:"invoker"`
	Reporting  ReportingConfig     `yaml:"reporting"`
	Gateway    GatewayConfig       `yaml:"gateway"`
	Logger     LoggerConfig        `yaml:"logger"`
	Tracer     TracerConfig        `yaml:"tracer"`
	Watch      WatchConfig         `yaml:"watch"`
	Includes   []string            `yaml:"includes,omitempty"`
}

// BackendConfig describes one candidate backend.
type BackendConfig struct {
	ID          string      `yaml:"id"`
	DisplayName string      `yaml:"display_name"`
	UnitCost    float64     `yaml:"unit_cost"`
	LatencyMs   int         `yaml:"latency_ms"`
	Quality     int         `yaml:"quality"`
	Health      string      `yaml:"health,omitempty"`   // "available" (default) or "unavailable"
	Response    string      `yaml:"response,omitempty"` // canned text for the simulated invoker
	Probe       ProbeConfig `yaml:"probe,omitempty"`
}

// ProbeConfig configures active health checks for a backend.
type ProbeConfig struct {
	URL     string        `yaml:"url,omitempty"`
	APIKey  string        `yaml:"api_key,omitempty"` // may be "enc:..." encrypted
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// PolicyConfig holds the selection table. A mode row given in the file
// replaces the built-in row for that mode entirely.
type PolicyConfig struct {
	DefaultMode string                           `yaml:"default_mode"`
	Rules       map[string]map[string]RuleConfig `yaml:"rules"`
}

// RuleConfig is one mode × category cell.
type RuleConfig struct {
	Tier    string `yaml:"tier"`
	Subject string `yaml:"subject"`
	Detail  string `yaml:"detail"`
}

// ClassifierConfig holds keyword rules in precedence order. Empty means the
// built-in rules.
type ClassifierConfig struct {
	Rules []ClassifierRuleConfig `yaml:"rules,omitempty"`
}

// ClassifierRuleConfig maps keywords to a category.
type ClassifierRuleConfig struct {
	Category string   `yaml:"category"`
	Keywords []string `yaml:"keywords"`
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration `yaml:"interval"`
}

// HealthConfig holds the health monitor settings.
type HealthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"` // cron expression or duration string
	Timeout  time.Duration `yaml:"timeout"`
	Breaker  BreakerConfig `yaml:"breaker"`
}

// InvokerConfig holds invocation settings.
type InvokerConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// ReportingConfig holds reporting sink settings.
type ReportingConfig struct {
	BaselineBackend string       `yaml:"baseline_backend"`
	MonthlyRequests int          `yaml:"monthly_requests"`
	SQLite          SQLiteConfig `yaml:"sqlite"`
}

// SQLiteConfig configures the persistent decision log.
type SQLiteConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	Retention     time.Duration `yaml:"retention"`
	PruneSchedule string        `yaml:"prune_schedule"`
}

// GatewayConfig holds HTTP gateway settings.
type GatewayConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Addr      string          `yaml:"addr"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Tokens    []TokenConfig   `yaml:"tokens,omitempty"` // empty leaves the API open
}

// TokenConfig is one bearer token accepted by the gateway.
type TokenConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"` // may be "enc:..." encrypted
}

// RateLimitConfig holds per-client token bucket settings. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	TrustedProxies    []string `yaml:"trusted_proxies,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TracerConfig holds tracing settings. Exporter is one of noop, stdout,
// stderr or file; file writes JSON spans to Path.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Path        string  `yaml:"path,omitempty"`
	SampleRatio float64 `yaml:"sample_ratio"`
	MaxSizeMB   int     `yaml:"max_size_mb,omitempty"`
}

// WatchConfig controls config hot reload.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// defaultDataDir returns the persistent data directory under $HOME/.llm-router.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".llm-router")
}

// Defaults returns a Config with the built-in catalog and policy.
func Defaults() *Config {
	return &Config{
		Backends: []BackendConfig{
			{ID: "gpt35", DisplayName: "GPT-3.5 Turbo", UnitCost: 0.002, LatencyMs: 150, Quality: 85,
				Response: "This is a helpful response from GPT-3.5 that balances quality with cost-effectiveness for general queries..."},
			{ID: "gpt4", DisplayName: "GPT-4", UnitCost: 0.03, LatencyMs: 300, Quality: 95,
				Response: "This is a comprehensive response from GPT-4 with detailed analysis and high-quality insights perfect for complex reasoning tasks..."},
			{ID: "claude", DisplayName: "Claude Sonnet", UnitCost: 0.015, LatencyMs: 250, Quality: 92,
				Response: "Here is a thoughtful response from Claude with clear reasoning and structured analysis, excellent for analytical work..."},
			{ID: "gemini", DisplayName: "Gemini Pro", UnitCost: 0.001, LatencyMs: 100, Quality: 88,
				Response: "Here is an efficient response from Gemini Pro optimized for performance and value, especially good for code and simple tasks..."},
		},
		Tiers: map[string]string{
			"cheapest":             "gemini",
			"low_cost":             "gpt35",
			"code_specialist":      "gemini",
			"reasoning_specialist": "claude",
			"top":                  "gpt4",
			"balanced":             "gpt35",
		},
		Policy: PolicyConfig{
			DefaultMode: "smart_balance",
			Rules:       defaultRules(),
		},
		Failover: map[string][]string{
			"gpt4":   {"claude", "gpt35"},
			"claude": {"gpt4", "gpt35"},
			"gemini": {"gpt35", "claude"},
			"gpt35":  {"gemini", "claude"},
		},
		Health: HealthConfig{
			Enabled:  false,
			Schedule: "30s",
			Timeout:  5 * time.Second,
			Breaker:  BreakerConfig{MaxFailures: 3, Timeout: 30 * time.Second, Interval: 60 * time.Second},
		},
		Invoker: InvokerConfig{
			Timeout: 30 * time.Second,
			Breaker: BreakerConfig{MaxFailures: 5, Timeout: 30 * time.Second, Interval: 60 * time.Second},
		},
		Reporting: ReportingConfig{
			BaselineBackend: "gpt4",
			MonthlyRequests: 50000,
			SQLite: SQLiteConfig{
				Enabled:       false,
				Path:          filepath.Join(defaultDataDir(), "decisions.db"),
				Retention:     30 * 24 * time.Hour,
				PruneSchedule: "@daily",
			},
		},
		Gateway: GatewayConfig{
			Enabled:   false,
			Addr:      "127.0.0.1:8080",
			RateLimit: RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
		},
		Logger: LoggerConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Tracer: TracerConfig{
			Enabled:     false,
			Exporter:    "noop",
			Path:        filepath.Join(defaultDataDir(), "traces.jsonl"),
			SampleRatio: 1,
			MaxSizeMB:   20,
		},
		Watch: WatchConfig{
			Enabled:  false,
			Debounce: 500 * time.Millisecond,
		},
	}
}

func defaultRules() map[string]map[string]RuleConfig {
	costOther := RuleConfig{Tier: "low_cost", Subject: "Complex query", Detail: "cost-effective model"}
	topDefault := RuleConfig{Tier: "top", Subject: "Default", Detail: "highest quality model"}
	balanced := RuleConfig{Tier: "balanced", Subject: "General query", Detail: "balanced option"}
	return map[string]map[string]RuleConfig{
		"cost_first": {
			"simple":   {Tier: "cheapest", Subject: "Simple query", Detail: "cheapest model"},
			"general":  costOther,
			"code":     costOther,
			"analysis": costOther,
			"creative": costOther,
		},
		"performance_first": {
			"code":     {Tier: "code_specialist", Subject: "Code query", Detail: "best code model"},
			"analysis": {Tier: "reasoning_specialist", Subject: "Analysis task", Detail: "best reasoning model"},
			"creative": {Tier: "top", Subject: "Creative task", Detail: "best creative model"},
			"general":  topDefault,
			"simple":   topDefault,
		},
		"smart_balance": {
			"simple":   {Tier: "cheapest", Subject: "Simple query", Detail: "optimized for cost"},
			"code":     {Tier: "code_specialist", Subject: "Code query", Detail: "specialized model"},
			"analysis": {Tier: "reasoning_specialist", Subject: "Analysis", Detail: "balanced quality/cost"},
			"general":  balanced,
			"creative": balanced,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, domain.WrapOp("config.Load", fmt.Errorf("%w: read config: %v", domain.ErrConfigLoad, err))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// yaml.v3 merges into non-nil maps; a file that names tiers or
	// failover chains replaces the default ones instead.
	defaultTiers, defaultFailover := cfg.Tiers, cfg.Failover
	cfg.Tiers, cfg.Failover = nil, nil

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", domain.ErrConfigLoad, err)
	}

	// Process includes (merges included files into cfg).
	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal main config so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config (second pass): %v", domain.ErrConfigLoad, err)
		}
		cfg.Includes = nil
	}

	if cfg.Tiers == nil {
		cfg.Tiers = defaultTiers
	}
	if cfg.Failover == nil {
		cfg.Failover = defaultFailover
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("LLMROUTER_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps LLMROUTER_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLMROUTER_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("LLMROUTER_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("LLMROUTER_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("LLMROUTER_DEFAULT_MODE"); v != "" {
		cfg.Policy.DefaultMode = v
	}
	if v := os.Getenv("LLMROUTER_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("LLMROUTER_GATEWAY_ENABLED"); v != "" {
		cfg.Gateway.Enabled = parseBool(v, cfg.Gateway.Enabled)
	}
	if v := os.Getenv("LLMROUTER_HEALTH_SCHEDULE"); v != "" {
		cfg.Health.Schedule = v
		cfg.Health.Enabled = true
	}
	if v := os.Getenv("LLMROUTER_SQLITE_PATH"); v != "" {
		cfg.Reporting.SQLite.Path = v
		cfg.Reporting.SQLite.Enabled = true
	}
	if v := os.Getenv("LLMROUTER_BASELINE_BACKEND"); v != "" {
		cfg.Reporting.BaselineBackend = v
	}
	if v := os.Getenv("LLMROUTER_MONTHLY_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reporting.MonthlyRequests = n
		}
	}
	if v := os.Getenv("LLMROUTER_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("LLMROUTER_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("LLMROUTER_WATCH_ENABLED"); v != "" {
		cfg.Watch.Enabled = parseBool(v, cfg.Watch.Enabled)
	}

	// Per-backend overrides: LLMROUTER_BACKEND_<ID>_HEALTH and _API_KEY.
	for i := range cfg.Backends {
		prefix := "LLMROUTER_BACKEND_" + envKey(cfg.Backends[i].ID) + "_"
		if v := os.Getenv(prefix + "HEALTH"); v != "" {
			cfg.Backends[i].Health = v
		}
		if v := os.Getenv(prefix + "API_KEY"); v != "" {
			cfg.Backends[i].Probe.APIKey = v
		}
	}
}

// envKey upper-cases an id and replaces non-alphanumerics with underscores.
func envKey(id string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func parseBool(s string, fallback bool) bool {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return v
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
