package routing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"llm-router/internal/domain"
)

func TestKeywordClassifierDefaults(t *testing.T) {
	c := NewKeywordClassifier(nil)

	tests := []struct {
		text string
		want domain.TaskCategory
	}{
		{"Debug my Python function", domain.CategoryCode},
		{"review this CODE please", domain.CategoryCode},
		{"Analyze the quarterly numbers", domain.CategoryAnalysis},
		{"give me an analysis of churn", domain.CategoryAnalysis},
		{"Write a creative story", domain.CategoryCreative},
		{"tell me a story", domain.CategoryCreative},
		{"What is React?", domain.CategorySimple},
		{"define entropy", domain.CategorySimple},
		{"hello there", domain.CategoryGeneral},
		{"", domain.CategoryGeneral},
		{"   \t\n", domain.CategoryGeneral},
		// Precedence: earlier rules win.
		{"write code for a parser", domain.CategoryCode},
		{"analyze this story", domain.CategoryAnalysis},
		{"what is the best way to write a poem", domain.CategoryCreative},
		{"define the code of conduct", domain.CategoryCode},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.text))
		})
	}
}

func TestKeywordClassifierDebugAlwaysCode(t *testing.T) {
	c := NewKeywordClassifier(nil)
	variants := []string{"debug", "DEBUG", "Debug", "dEbUg"}
	surroundings := []string{"%s", "please %s this", "what is %s?", "write a story then %s it", "analyze and %s"}
	for _, v := range variants {
		for _, s := range surroundings {
			text := strings.ReplaceAll(s, "%s", v)
			assert.Equal(t, domain.CategoryCode, c.Classify(text), text)
		}
	}
}

func TestKeywordClassifierCustomRules(t *testing.T) {
	c := NewKeywordClassifier([]ClassifierRule{
		{Category: domain.CategoryCreative, Keywords: []string{"POEM", ""}},
	})
	assert.Equal(t, domain.CategoryCreative, c.Classify("a poem about go"))
	assert.Equal(t, domain.CategoryGeneral, c.Classify("debug this"))
	assert.Equal(t, []string{"poem"}, c.Rules()[0].Keywords)

	empty := NewKeywordClassifier([]ClassifierRule{})
	assert.Equal(t, domain.CategoryGeneral, empty.Classify("debug this"))
}
