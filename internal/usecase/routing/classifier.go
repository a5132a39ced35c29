package routing

import (
	"strings"

	"llm-router/internal/domain"
)

// ClassifierRule matches when the request contains any of its keywords.
type ClassifierRule struct {
	Category domain.TaskCategory
	Keywords []string
}

// DefaultClassifierRules returns the built-in rule set in precedence order.
func DefaultClassifierRules() []ClassifierRule {
	return []ClassifierRule{
		{Category: domain.CategoryCode, Keywords: []string{"code", "debug"}},
		{Category: domain.CategoryAnalysis, Keywords: []string{"analyze", "analysis"}},
		{Category: domain.CategoryCreative, Keywords: []string{"creative", "write", "story"}},
		{Category: domain.CategorySimple, Keywords: []string{"what is", "define"}},
	}
}

var _ domain.Classifier = (*KeywordClassifier)(nil)

// KeywordClassifier assigns the category of the first rule with a
// case-insensitive substring match, or General when none match.
type KeywordClassifier struct {
	rules []ClassifierRule
}

// NewKeywordClassifier creates a classifier. A nil rule set uses the defaults.
func NewKeywordClassifier(rules []ClassifierRule) *KeywordClassifier {
	if rules == nil {
		rules = DefaultClassifierRules()
	}
	normalized := make([]ClassifierRule, 0, len(rules))
	for _, rule := range rules {
		kws := make([]string, 0, len(rule.Keywords))
		for _, kw := range rule.Keywords {
			if kw = strings.ToLower(kw); kw != "" {
				kws = append(kws, kw)
			}
		}
		normalized = append(normalized, ClassifierRule{Category: rule.Category, Keywords: kws})
	}
	return &KeywordClassifier{rules: normalized}
}

// Classify implements domain.Classifier.
func (c *KeywordClassifier) Classify(text string) domain.TaskCategory {
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return domain.CategoryGeneral
	}
	for _, rule := range c.rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, kw) {
				return rule.Category
			}
		}
	}
	return domain.CategoryGeneral
}

// Rules returns a copy of the normalized rule set.
func (c *KeywordClassifier) Rules() []ClassifierRule {
	out := make([]ClassifierRule, len(c.rules))
	for i, r := range c.rules {
		out[i] = ClassifierRule{Category: r.Category, Keywords: append([]string(nil), r.Keywords...)}
	}
	return out
}
