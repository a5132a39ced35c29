package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-router/internal/domain"
	"llm-router/internal/infra/config"
	"llm-router/internal/usecase/routing"
)

func TestRoutingSettingsFromDefaults(t *testing.T) {
	cfg := config.Defaults()

	s, err := routingSettings(cfg)
	require.NoError(t, err)
	require.Len(t, s.Backends, 4)
	assert.Equal(t, "gpt35", s.Backends[0].ID)
	assert.Equal(t, 150, s.Backends[0].LatencyEstimateMs)
	assert.Equal(t, domain.HealthAvailable, s.Backends[0].Health)
	assert.Nil(t, s.ClassifierRules, "empty rules fall back to the built-in set")

	rule, ok := s.Policy.Rule(domain.CategoryCode, domain.ModeSmartBalance)
	require.True(t, ok)
	assert.Equal(t, routing.TierCodeSpecialist, rule.Tier)

	_, err = routing.NewRouter(s, routing.WithLogger(discardLogger()))
	require.NoError(t, err, "default config builds a router")
}

func TestRoutingSettingsCopiesMaps(t *testing.T) {
	cfg := config.Defaults()
	s, err := routingSettings(cfg)
	require.NoError(t, err)

	s.Failover["gpt4"][0] = "mutated"
	s.Tiers["top"] = "mutated"
	assert.Equal(t, "claude", cfg.Failover["gpt4"][0])
	assert.Equal(t, "gpt4", cfg.Tiers["top"])
}

func TestRoutingSettingsConversions(t *testing.T) {
	cfg := config.Defaults()
	cfg.Backends[1].Health = "offline"
	cfg.Classifier.Rules = []config.ClassifierRuleConfig{{Category: "creative", Keywords: []string{"Poem"}}}

	s, err := routingSettings(cfg)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthUnavailable, s.Backends[1].Health)
	require.Len(t, s.ClassifierRules, 1)
	assert.Equal(t, domain.CategoryCreative, s.ClassifierRules[0].Category)
}

func TestRoutingSettingsErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   error
	}{
		{
			name:   "bad health",
			mutate: func(c *config.Config) { c.Backends[0].Health = "sleepy" },
			want:   domain.ErrInvalidHealth,
		},
		{
			name: "bad mode",
			mutate: func(c *config.Config) {
				c.Policy.Rules["turbo"] = map[string]config.RuleConfig{}
			},
			want: domain.ErrInvalidOptimizationMode,
		},
		{
			name: "bad category",
			mutate: func(c *config.Config) {
				c.Policy.Rules["cost_first"]["poetry"] = config.RuleConfig{Tier: "top"}
			},
			want: domain.ErrInvalidCategory,
		},
		{
			name: "bad classifier category",
			mutate: func(c *config.Config) {
				c.Classifier.Rules = []config.ClassifierRuleConfig{{Category: "poetry", Keywords: []string{"x"}}}
			},
			want: domain.ErrInvalidCategory,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			tt.mutate(cfg)
			_, err := routingSettings(cfg)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestProbeTargets(t *testing.T) {
	cfg := config.Defaults()
	cfg.Backends[2].Probe = config.ProbeConfig{URL: "https://api.example.com/v1/models", APIKey: "k", Timeout: 2 * time.Second}

	targets := probeTargets(cfg)
	require.Len(t, targets, 1)
	assert.Equal(t, domain.ProbeTarget{
		BackendID: "claude",
		URL:       "https://api.example.com/v1/models",
		APIKey:    "k",
		Timeout:   2 * time.Second,
	}, targets[0])
}

func TestCannedResponses(t *testing.T) {
	cfg := config.Defaults()
	cfg.Backends = append(cfg.Backends, config.BackendConfig{ID: "local", LatencyMs: 10})

	got := cannedResponses(cfg)
	assert.Contains(t, got["gpt4"], "GPT-4")
	assert.Equal(t, "Response from local", got["local"])
}

func TestDefaultMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Policy.DefaultMode = "cost_first"
	assert.Equal(t, domain.ModeCostFirst, defaultMode(cfg))

	cfg.Policy.DefaultMode = "???"
	assert.Equal(t, domain.ModeSmartBalance, defaultMode(cfg))
}
