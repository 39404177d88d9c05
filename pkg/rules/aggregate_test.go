package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregate(t *testing.T) {
	learnings := []*Learnt{
		{ErrorType: ErrorWrongAssumption, Severity: SeverityMajor},
		{ErrorType: ErrorWrongAssumption, Severity: SeverityMinor},
		{ErrorType: ErrorMissingContext, Severity: SeverityMajor},
	}

	stats := Aggregate(learnings)

	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ErrorTypes[ErrorWrongAssumption])
	assert.Equal(t, 1, stats.ErrorTypes[ErrorMissingContext])
	assert.Equal(t, 2, stats.Severities[SeverityMajor])
	assert.False(t, stats.LastUpdated.IsZero())

	t.Run("empty_input", func(t *testing.T) {
		stats := Aggregate(nil)
		assert.Equal(t, 0, stats.Total)
		assert.Empty(t, stats.ErrorTypes)
	})
}

func TestBuildMetaRuleContent(t *testing.T) {
	stats := Aggregate([]*Learnt{
		{ErrorType: ErrorIncorrectAction, Severity: SeverityCritical},
		{ErrorType: ErrorIncorrectAction, Severity: SeverityLow},
		{ErrorType: ErrorOther, Severity: SeverityLow},
		{ErrorType: ErrorOther, Severity: SeverityLow},
	})
	content := BuildMetaRuleContent(stats)

	assert.Contains(t, content, "# AI Learning Aggregator - Validated Solutions")
	assert.Contains(t, content, "Total learnt experiences processed: 4")
	assert.Contains(t, content, "### Common Error Types:")
	assert.Contains(t, content, "- IncorrectAction: 2 occurrences (50.0%)")
	assert.Contains(t, content, "### Severity Distribution:")
	assert.Contains(t, content, "- low: 3 occurrences (75.0%)")
	assert.Contains(t, content, "## Meta-Learning Principles:")
	assert.Contains(t, content, "Source learnt experiences: 4")

	t.Run("histograms_omitted_when_empty", func(t *testing.T) {
		content := BuildMetaRuleContent(Aggregate(nil))
		assert.NotContains(t, content, "### Common Error Types:")
		assert.NotContains(t, content, "### Severity Distribution:")
		assert.Contains(t, content, "Total learnt experiences processed: 0")
	})
}

func TestSortHistogram(t *testing.T) {
	entries := sortHistogram(map[Severity]int{
		SeverityLow:      1,
		SeverityCritical: 3,
		SeverityMajor:    3,
	})

	// Descending count, keys break ties alphabetically.
	assert.Equal(t, SeverityCritical, entries[0].key)
	assert.Equal(t, SeverityMajor, entries[1].key)
	assert.Equal(t, SeverityLow, entries[2].key)
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 0.0, percentage(5, 0))
	assert.InDelta(t, 33.3, percentage(1, 3), 0.05)
}
