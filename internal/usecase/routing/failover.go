package routing

import (
	"fmt"
	"strings"

	"llm-router/internal/domain"
)

// DefaultFailoverChains returns the built-in fallback order per backend.
func DefaultFailoverChains() map[string][]string {
	return map[string][]string{
		"gpt4":   {"claude", "gpt35"},
		"claude": {"gpt4", "gpt35"},
		"gemini": {"gpt35", "claude"},
		"gpt35":  {"gemini", "claude"},
	}
}

// FailoverResolver substitutes an unavailable backend with the first
// available entry of its fallback chain.
type FailoverResolver struct {
	chains map[string][]string
	lookup domain.BackendLookup
	table  PolicyTable
}

// NewFailoverResolver creates a resolver. The policy table supplies the
// subject used in failover reasons.
func NewFailoverResolver(chains map[string][]string, lookup domain.BackendLookup, table PolicyTable) *FailoverResolver {
	copied := make(map[string][]string, len(chains))
	for id, chain := range chains {
		copied[id] = append([]string(nil), chain...)
	}
	return &FailoverResolver{chains: copied, lookup: lookup, table: table}
}

// ValidateChains checks that every chain entry names a known backend.
func ValidateChains(chains map[string][]string, lookup domain.BackendLookup) error {
	for id, chain := range chains {
		if _, err := lookup.Get(id); err != nil {
			return domain.WrapOp("ValidateChains", fmt.Errorf("chain owner: %w", err))
		}
		for _, next := range chain {
			if _, err := lookup.Get(next); err != nil {
				return domain.WrapOp("ValidateChains", fmt.Errorf("chain for %q: %w", id, err))
			}
		}
	}
	return nil
}

// Chain returns the fallback chain configured for a backend.
func (f *FailoverResolver) Chain(id string) []string {
	return append([]string(nil), f.chains[id]...)
}

// Resolve walks the fallback chain of unavailableID and returns the first
// available substitute. The whole chain is tried in order; chains of
// substitutes are not expanded. Exhaustion yields an *domain.UnavailableError.
func (f *FailoverResolver) Resolve(unavailableID string, category domain.TaskCategory, mode domain.OptimizationMode) (Selection, error) {
	original, err := f.lookup.Get(unavailableID)
	if err != nil {
		return Selection{}, err
	}

	tried := []string{unavailableID}
	skippedNames := []string{original.Name()}
	seen := map[string]bool{unavailableID: true}

	for _, id := range f.chains[unavailableID] {
		if seen[id] {
			continue
		}
		seen[id] = true

		b, err := f.lookup.Get(id)
		if err != nil {
			return Selection{}, err
		}
		if !b.Available() {
			tried = append(tried, id)
			skippedNames = append(skippedNames, b.Name())
			continue
		}
		return Selection{
			BackendID:  b.ID,
			Reason:     fmt.Sprintf("%s → %s offline, failed over to %s", f.subject(category, mode), strings.Join(skippedNames, ", "), b.Name()),
			FailedOver: true,
			Skipped:    tried,
		}, nil
	}

	return Selection{}, &domain.UnavailableError{Category: category, Mode: mode, Tried: tried}
}

func (f *FailoverResolver) subject(category domain.TaskCategory, mode domain.OptimizationMode) string {
	if rule, ok := f.table.Rule(category, mode); ok && rule.Subject != "" {
		return rule.Subject
	}
	s := category.String()
	return strings.ToUpper(s[:1]) + s[1:] + " task"
}
