package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-router/internal/domain"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if len(cfg.Backends) != 4 {
		t.Fatalf("Backends = %d, want 4", len(cfg.Backends))
	}
	if cfg.Tiers["top"] != "gpt4" {
		t.Errorf("Tiers[top] = %q, want %q", cfg.Tiers["top"], "gpt4")
	}
	if cfg.Policy.DefaultMode != "smart_balance" {
		t.Errorf("DefaultMode = %q, want smart_balance", cfg.Policy.DefaultMode)
	}
	if cfg.Reporting.MonthlyRequests != 50000 {
		t.Errorf("MonthlyRequests = %d, want 50000", cfg.Reporting.MonthlyRequests)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.Tiers["cheapest"])
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
backends:
  - id: fast
    display_name: "Fast Model"
    unit_cost: 0.001
    latency_ms: 80
    quality: 70
  - id: smart
    display_name: "Smart Model"
    unit_cost: 0.02
    latency_ms: 400
    quality: 97
    health: offline
tiers:
  cheapest: fast
  low_cost: fast
  code_specialist: smart
  reasoning_specialist: smart
  top: smart
  balanced: fast
failover:
  smart: [fast]
reporting:
  baseline_backend: smart
logger:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, "Smart Model", cfg.Backends[1].DisplayName)
	assert.Equal(t, "offline", cfg.Backends[1].Health)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, []string{"fast"}, cfg.Failover["smart"])
	// Default rows survive when policy is not overridden.
	assert.Equal(t, "cheapest", cfg.Policy.Rules["cost_first"]["simple"].Tier)
}

func TestLoadDefaultTierTargetsRemovedBackend(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
backends:
  - id: solo
    unit_cost: 0.01
    latency_ms: 100
    quality: 80
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnknownBackend), "got %v", err)
	assert.True(t, errors.Is(err, domain.ErrConfigLoad))
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "backends: [unterminated")
	_, err := Load(path)
	assert.ErrorIs(t, err, domain.ErrConfigLoad)
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", "logger:\n  level: info\n")
	require.NoError(t, os.Chmod(path, 0o666))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure permissions")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LLMROUTER_LOGGER_LEVEL", "debug")
	t.Setenv("LLMROUTER_DEFAULT_MODE", "cost_first")
	t.Setenv("LLMROUTER_GATEWAY_ADDR", "0.0.0.0:9090")
	t.Setenv("LLMROUTER_GATEWAY_ENABLED", "true")
	t.Setenv("LLMROUTER_HEALTH_SCHEDULE", "1m")
	t.Setenv("LLMROUTER_SQLITE_PATH", "/tmp/decisions.db")
	t.Setenv("LLMROUTER_TRACER_ENABLED", "true")
	t.Setenv("LLMROUTER_MONTHLY_REQUESTS", "1000")
	t.Setenv("LLMROUTER_BACKEND_GPT4_HEALTH", "offline")
	t.Setenv("LLMROUTER_BACKEND_CLAUDE_API_KEY", "sk-claude")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "cost_first", cfg.Policy.DefaultMode)
	assert.Equal(t, "0.0.0.0:9090", cfg.Gateway.Addr)
	assert.True(t, cfg.Gateway.Enabled)
	assert.True(t, cfg.Health.Enabled)
	assert.Equal(t, "1m", cfg.Health.Schedule)
	assert.True(t, cfg.Reporting.SQLite.Enabled)
	assert.Equal(t, "/tmp/decisions.db", cfg.Reporting.SQLite.Path)
	assert.True(t, cfg.Tracer.Enabled)
	assert.Equal(t, 1000, cfg.Reporting.MonthlyRequests)

	for _, b := range cfg.Backends {
		switch b.ID {
		case "gpt4":
			assert.Equal(t, "offline", b.Health)
		case "claude":
			assert.Equal(t, "sk-claude", b.Probe.APIKey)
		}
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "GPT_4O_MINI", envKey("gpt-4o.mini"))
	assert.Equal(t, "GEMINI", envKey("gemini"))
}

func TestLoadDecryptsProbeKey(t *testing.T) {
	enc, err := EncryptValue("sk-secret", "passphrase")
	require.NoError(t, err)

	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.yaml", `
backends:
  - id: gpt35
    unit_cost: 0.002
    latency_ms: 150
    quality: 85
    probe:
      url: "https://status.example.com"
      api_key: "enc:`+enc+`"
      timeout: 2s
  - id: gpt4
    unit_cost: 0.03
    latency_ms: 300
    quality: 95
  - id: claude
    unit_cost: 0.015
    latency_ms: 250
    quality: 92
  - id: gemini
    unit_cost: 0.001
    latency_ms: 100
    quality: 88
`)
	t.Setenv("LLMROUTER_CONFIG_KEY", "passphrase")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", cfg.Backends[0].Probe.APIKey)
	assert.Equal(t, 2*time.Second, cfg.Backends[0].Probe.Timeout)

	t.Setenv("LLMROUTER_CONFIG_KEY", "wrong")
	_, err = Load(path)
	assert.ErrorIs(t, err, domain.ErrDecryption)
}
