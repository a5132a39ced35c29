package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-router/internal/domain"
)

func newTestEngine(t *testing.T, r *Registry) *PolicyEngine {
	t.Helper()
	table := DefaultPolicyTable()
	pe, err := NewPolicyEngine(table, DefaultTiers(), r, NewFailoverResolver(DefaultFailoverChains(), r, table))
	require.NoError(t, err)
	return pe
}

func TestPolicyEngineSelectionTable(t *testing.T) {
	r := newTestRegistry(t)
	pe := newTestEngine(t, r)

	tests := []struct {
		mode     domain.OptimizationMode
		category domain.TaskCategory
		backend  string
		reason   string
	}{
		{domain.ModeCostFirst, domain.CategorySimple, "gemini", "Simple query → cheapest model (Gemini Pro)"},
		{domain.ModeCostFirst, domain.CategoryGeneral, "gpt35", "Complex query → cost-effective model (GPT-3.5 Turbo)"},
		{domain.ModeCostFirst, domain.CategoryCode, "gpt35", "Complex query → cost-effective model (GPT-3.5 Turbo)"},
		{domain.ModeCostFirst, domain.CategoryAnalysis, "gpt35", "Complex query → cost-effective model (GPT-3.5 Turbo)"},
		{domain.ModeCostFirst, domain.CategoryCreative, "gpt35", "Complex query → cost-effective model (GPT-3.5 Turbo)"},
		{domain.ModePerformanceFirst, domain.CategoryCode, "gemini", "Code query → best code model (Gemini Pro)"},
		{domain.ModePerformanceFirst, domain.CategoryAnalysis, "claude", "Analysis task → best reasoning model (Claude Sonnet)"},
		{domain.ModePerformanceFirst, domain.CategoryCreative, "gpt4", "Creative task → best creative model (GPT-4)"},
		{domain.ModePerformanceFirst, domain.CategoryGeneral, "gpt4", "Default → highest quality model (GPT-4)"},
		{domain.ModePerformanceFirst, domain.CategorySimple, "gpt4", "Default → highest quality model (GPT-4)"},
		{domain.ModeSmartBalance, domain.CategorySimple, "gemini", "Simple query → optimized for cost (Gemini Pro)"},
		{domain.ModeSmartBalance, domain.CategoryCode, "gemini", "Code query → specialized model (Gemini Pro)"},
		{domain.ModeSmartBalance, domain.CategoryAnalysis, "claude", "Analysis → balanced quality/cost (Claude Sonnet)"},
		{domain.ModeSmartBalance, domain.CategoryGeneral, "gpt35", "General query → balanced option (GPT-3.5 Turbo)"},
		{domain.ModeSmartBalance, domain.CategoryCreative, "gpt35", "General query → balanced option (GPT-3.5 Turbo)"},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String()+"/"+tt.category.String(), func(t *testing.T) {
			sel, err := pe.Route(tt.category, tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.backend, sel.BackendID)
			assert.Equal(t, tt.reason, sel.Reason)
			assert.False(t, sel.FailedOver)
		})
	}
}

func TestPolicyEngineDeterministic(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.SetHealth("gpt4", domain.HealthUnavailable))
	pe := newTestEngine(t, r)

	for _, mode := range domain.Modes() {
		for _, category := range domain.Categories() {
			first, err1 := pe.Route(category, mode)
			second, err2 := pe.Route(category, mode)
			assert.Equal(t, err1, err2)
			assert.Equal(t, first, second)
		}
	}
}

func TestPolicyEngineRejectsInvalidInput(t *testing.T) {
	pe := newTestEngine(t, newTestRegistry(t))

	_, err := pe.Route(domain.CategoryCode, domain.OptimizationMode(42))
	assert.ErrorIs(t, err, domain.ErrInvalidOptimizationMode)

	_, err = pe.Route(domain.TaskCategory(42), domain.ModeCostFirst)
	assert.ErrorIs(t, err, domain.ErrInvalidCategory)
}

func TestNewPolicyEngineUnknownTierTarget(t *testing.T) {
	r := newTestRegistry(t)
	tiers := DefaultTiers()
	tiers[TierTop] = "gpt5"

	_, err := NewPolicyEngine(DefaultPolicyTable(), tiers, r, nil)
	assert.ErrorIs(t, err, domain.ErrUnknownBackend)

	delete(tiers, TierTop)
	_, err = NewPolicyEngine(DefaultPolicyTable(), tiers, r, nil)
	assert.ErrorIs(t, err, domain.ErrUnknownBackend)
}

func TestNewPolicyEngineIncompleteTable(t *testing.T) {
	r := newTestRegistry(t)
	table := DefaultPolicyTable()
	delete(table[domain.ModeSmartBalance], domain.CategoryCreative)

	_, err := NewPolicyEngine(table, DefaultTiers(), r, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestPolicyEnginePrimaryIgnoresHealth(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.SetHealth("gpt4", domain.HealthUnavailable))
	pe := newTestEngine(t, r)

	id, rule, err := pe.Primary(domain.CategoryCreative, domain.ModePerformanceFirst)
	require.NoError(t, err)
	assert.Equal(t, "gpt4", id)
	assert.Equal(t, TierTop, rule.Tier)
}

func TestPolicyEngineWithoutResolverFailsClosed(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.SetHealth("gemini", domain.HealthUnavailable))
	pe, err := NewPolicyEngine(DefaultPolicyTable(), DefaultTiers(), r, nil)
	require.NoError(t, err)

	sel, err := pe.Route(domain.CategorySimple, domain.ModeCostFirst)
	assert.ErrorIs(t, err, domain.ErrNoBackendAvailable)
	assert.Empty(t, sel.BackendID)
}
