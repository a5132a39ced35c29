package main

import (
	"fmt"
	"maps"
	"slices"

	"llm-router/internal/adapter/invoker"
	"llm-router/internal/domain"
	"llm-router/internal/infra/config"
	"llm-router/internal/usecase/health"
	"llm-router/internal/usecase/routing"
)

// routingSettings converts the loaded config into router settings.
func routingSettings(cfg *config.Config) (routing.Settings, error) {
	backends := make([]domain.Backend, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		h := domain.HealthAvailable
		if b.Health != "" {
			parsed, err := domain.ParseHealth(b.Health)
			if err != nil {
				return routing.Settings{}, fmt.Errorf("backend %s: %w", b.ID, err)
			}
			h = parsed
		}
		backends = append(backends, domain.Backend{
			ID:                b.ID,
			DisplayName:       b.DisplayName,
			UnitCost:          b.UnitCost,
			LatencyEstimateMs: b.LatencyMs,
			QualityScore:      b.Quality,
			Health:            h,
		})
	}

	var policy routing.PolicyTable
	if len(cfg.Policy.Rules) > 0 {
		policy = make(routing.PolicyTable, len(cfg.Policy.Rules))
		for modeName, row := range cfg.Policy.Rules {
			mode, err := domain.ParseOptimizationMode(modeName)
			if err != nil {
				return routing.Settings{}, fmt.Errorf("policy.rules: %w", err)
			}
			rules := make(map[domain.TaskCategory]routing.Rule, len(row))
			for catName, r := range row {
				cat, err := domain.ParseTaskCategory(catName)
				if err != nil {
					return routing.Settings{}, fmt.Errorf("policy.rules.%s: %w", modeName, err)
				}
				rules[cat] = routing.Rule{Tier: r.Tier, Subject: r.Subject, Detail: r.Detail}
			}
			policy[mode] = rules
		}
	}

	var classifier []routing.ClassifierRule
	for _, r := range cfg.Classifier.Rules {
		cat, err := domain.ParseTaskCategory(r.Category)
		if err != nil {
			return routing.Settings{}, fmt.Errorf("classifier.rules: %w", err)
		}
		classifier = append(classifier, routing.ClassifierRule{Category: cat, Keywords: slices.Clone(r.Keywords)})
	}

	chains := make(map[string][]string, len(cfg.Failover))
	for id, chain := range cfg.Failover {
		chains[id] = slices.Clone(chain)
	}

	return routing.Settings{
		Backends:        backends,
		Tiers:           maps.Clone(cfg.Tiers),
		Policy:          policy,
		Failover:        chains,
		ClassifierRules: classifier,
	}, nil
}

// defaultMode returns the configured default optimization mode.
func defaultMode(cfg *config.Config) domain.OptimizationMode {
	mode, err := domain.ParseOptimizationMode(cfg.Policy.DefaultMode)
	if err != nil {
		return domain.ModeSmartBalance
	}
	return mode
}

// probeTargets lists the backends that carry a probe URL.
func probeTargets(cfg *config.Config) []domain.ProbeTarget {
	var targets []domain.ProbeTarget
	for _, b := range cfg.Backends {
		if b.Probe.URL == "" {
			continue
		}
		targets = append(targets, domain.ProbeTarget{
			BackendID: b.ID,
			URL:       b.Probe.URL,
			APIKey:    b.Probe.APIKey,
			Timeout:   b.Probe.Timeout,
		})
	}
	return targets
}

// cannedResponses maps backend ids to their simulated reply text.
func cannedResponses(cfg *config.Config) map[string]string {
	out := make(map[string]string, len(cfg.Backends))
	for _, b := range cfg.Backends {
		text := b.Response
		if text == "" {
			name := b.DisplayName
			if name == "" {
				name = b.ID
			}
			text = fmt.Sprintf("Response from %s", name)
		}
		out[b.ID] = text
	}
	return out
}

func monitorBreaker(b config.BreakerConfig) health.BreakerSettings {
	return health.BreakerSettings{MaxFailures: b.MaxFailures, Timeout: b.Timeout, Interval: b.Interval}
}

func invokerBreaker(b config.BreakerConfig) invoker.BreakerConfig {
	return invoker.BreakerConfig{MaxFailures: b.MaxFailures, Timeout: b.Timeout, Interval: b.Interval}
}
