package routing

import (
	"fmt"

	"llm-router/internal/domain"
)

// Tier labels used by the default policy table.
const (
	TierCheapest            = "cheapest"
	TierLowCost             = "low_cost"
	TierCodeSpecialist      = "code_specialist"
	TierReasoningSpecialist = "reasoning_specialist"
	TierTop                 = "top"
	TierBalanced            = "balanced"
)

// Rule is one cell of the policy table: a tier to route to and the reason
// template "<Subject> → <Detail>".
type Rule struct {
	Tier    string
	Subject string
	Detail  string
}

// PolicyTable maps mode × category to a rule.
type PolicyTable map[domain.OptimizationMode]map[domain.TaskCategory]Rule

// Rule returns the rule for a cell.
func (t PolicyTable) Rule(category domain.TaskCategory, mode domain.OptimizationMode) (Rule, bool) {
	row, ok := t[mode]
	if !ok {
		return Rule{}, false
	}
	rule, ok := row[category]
	return rule, ok
}

// Validate checks that every mode × category cell has a tier that resolves
// to a known backend.
func (t PolicyTable) Validate(tiers map[string]string, lookup domain.BackendLookup) error {
	for _, mode := range domain.Modes() {
		for _, category := range domain.Categories() {
			rule, ok := t.Rule(category, mode)
			if !ok {
				return domain.NewDomainError("PolicyTable.Validate", domain.ErrInvalidInput,
					fmt.Sprintf("no rule for %s/%s", mode, category))
			}
			id, ok := tiers[rule.Tier]
			if !ok {
				return domain.NewDomainError("PolicyTable.Validate", domain.ErrUnknownBackend,
					fmt.Sprintf("tier %q for %s/%s is not assigned", rule.Tier, mode, category))
			}
			if _, err := lookup.Get(id); err != nil {
				return domain.WrapOp("PolicyTable.Validate", fmt.Errorf("tier %q: %w", rule.Tier, err))
			}
		}
	}
	return nil
}

// DefaultPolicyTable returns the built-in selection table.
func DefaultPolicyTable() PolicyTable {
	costFirstOther := Rule{Tier: TierLowCost, Subject: "Complex query", Detail: "cost-effective model"}
	topDefault := Rule{Tier: TierTop, Subject: "Default", Detail: "highest quality model"}
	balanced := Rule{Tier: TierBalanced, Subject: "General query", Detail: "balanced option"}

	return PolicyTable{
		domain.ModeCostFirst: {
			domain.CategorySimple:   {Tier: TierCheapest, Subject: "Simple query", Detail: "cheapest model"},
			domain.CategoryGeneral:  costFirstOther,
			domain.CategoryCode:     costFirstOther,
			domain.CategoryAnalysis: costFirstOther,
			domain.CategoryCreative: costFirstOther,
		},
		domain.ModePerformanceFirst: {
			domain.CategoryCode:     {Tier: TierCodeSpecialist, Subject: "Code query", Detail: "best code model"},
			domain.CategoryAnalysis: {Tier: TierReasoningSpecialist, Subject: "Analysis task", Detail: "best reasoning model"},
			domain.CategoryCreative: {Tier: TierTop, Subject: "Creative task", Detail: "best creative model"},
			domain.CategoryGeneral:  topDefault,
			domain.CategorySimple:   topDefault,
		},
		domain.ModeSmartBalance: {
			domain.CategorySimple:   {Tier: TierCheapest, Subject: "Simple query", Detail: "optimized for cost"},
			domain.CategoryCode:     {Tier: TierCodeSpecialist, Subject: "Code query", Detail: "specialized model"},
			domain.CategoryAnalysis: {Tier: TierReasoningSpecialist, Subject: "Analysis", Detail: "balanced quality/cost"},
			domain.CategoryGeneral:  balanced,
			domain.CategoryCreative: balanced,
		},
	}
}

// DefaultTiers returns the built-in tier assignments for the default catalog.
func DefaultTiers() map[string]string {
	return map[string]string{
		TierCheapest:            "gemini",
		TierLowCost:             "gpt35",
		TierCodeSpecialist:      "gemini",
		TierReasoningSpecialist: "claude",
		TierTop:                 "gpt4",
		TierBalanced:            "gpt35",
	}
}

// Selection is the outcome of policy resolution before accounting.
type Selection struct {
	BackendID  string
	Reason     string
	FailedOver bool
	// Skipped lists the unavailable backends passed over, first choice first.
	Skipped []string
}

// PolicyEngine deterministically picks a backend for a category and mode.
type PolicyEngine struct {
	table    PolicyTable
	tiers    map[string]string
	lookup   domain.BackendLookup
	resolver *FailoverResolver
}

// NewPolicyEngine validates the table against the catalog and creates an
// engine. An unassigned tier or a tier pointing at an unknown backend fails
// with ErrUnknownBackend.
func NewPolicyEngine(table PolicyTable, tiers map[string]string, lookup domain.BackendLookup, resolver *FailoverResolver) (*PolicyEngine, error) {
	if err := table.Validate(tiers, lookup); err != nil {
		return nil, err
	}
	copied := make(map[string]string, len(tiers))
	for k, v := range tiers {
		copied[k] = v
	}
	return &PolicyEngine{table: table, tiers: copied, lookup: lookup, resolver: resolver}, nil
}

// Primary returns the first-choice backend id and rule for a cell without
// consulting health.
func (p *PolicyEngine) Primary(category domain.TaskCategory, mode domain.OptimizationMode) (string, Rule, error) {
	if !mode.Valid() {
		return "", Rule{}, domain.NewDomainError("PolicyEngine.Route", domain.ErrInvalidOptimizationMode, mode.String())
	}
	if !category.Valid() {
		return "", Rule{}, domain.NewDomainError("PolicyEngine.Route", domain.ErrInvalidCategory, category.String())
	}
	rule, ok := p.table.Rule(category, mode)
	if !ok {
		return "", Rule{}, domain.NewDomainError("PolicyEngine.Route", domain.ErrInvalidInput,
			fmt.Sprintf("no rule for %s/%s", mode, category))
	}
	id, ok := p.tiers[rule.Tier]
	if !ok {
		return "", Rule{}, domain.NewDomainError("PolicyEngine.Route", domain.ErrUnknownBackend, "tier "+rule.Tier)
	}
	return id, rule, nil
}

// Route selects a backend for the cell. When the first choice is
// unavailable the failover resolver substitutes one; if none is available
// an *domain.UnavailableError is returned.
func (p *PolicyEngine) Route(category domain.TaskCategory, mode domain.OptimizationMode) (Selection, error) {
	id, rule, err := p.Primary(category, mode)
	if err != nil {
		return Selection{}, err
	}
	b, err := p.lookup.Get(id)
	if err != nil {
		return Selection{}, err
	}
	if b.Available() {
		return Selection{
			BackendID: b.ID,
			Reason:    fmt.Sprintf("%s → %s (%s)", rule.Subject, rule.Detail, b.Name()),
		}, nil
	}
	if p.resolver == nil {
		return Selection{}, &domain.UnavailableError{Category: category, Mode: mode, Tried: []string{id}}
	}
	return p.resolver.Resolve(id, category, mode)
}

// Table returns the policy table in use.
func (p *PolicyEngine) Table() PolicyTable { return p.table }

// Tiers returns a copy of the tier assignments.
func (p *PolicyEngine) Tiers() map[string]string {
	out := make(map[string]string, len(p.tiers))
	for k, v := range p.tiers {
		out[k] = v
	}
	return out
}
