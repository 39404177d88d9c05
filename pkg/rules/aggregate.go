package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Default identity of the aggregator meta-rule.
const (
	MetaRuleName    = "Learnt Knowledge Aggregator"
	MetaRuleSeed    = "This meta-rule aggregates validated solutions from learnt experiences to help avoid common problems and improve AI performance."
	metaRuleHeading = "# AI Learning Aggregator - Validated Solutions"
)

// AggregationStats summarizes the learnt solutions feeding the meta-rule.
type AggregationStats struct {
	Total       int
	ErrorTypes  map[ErrorType]int
	Severities  map[Severity]int
	LastUpdated time.Time
}

// Aggregate computes histogram statistics over a set of learnt solutions.
func Aggregate(learnings []*Learnt) AggregationStats {
	stats := AggregationStats{
		Total:       len(learnings),
		ErrorTypes:  make(map[ErrorType]int),
		Severities:  make(map[Severity]int),
		LastUpdated: time.Now().UTC(),
	}
	for _, l := range learnings {
		stats.ErrorTypes[l.ErrorType]++
		stats.Severities[l.Severity]++
	}
	return stats
}

// BuildMetaRuleContent renders the meta-rule document from aggregation
// statistics: a header, error-type and severity histograms sorted by
// frequency, and the standing guidance sections.
func BuildMetaRuleContent(stats AggregationStats) string {
	var b strings.Builder

	b.WriteString(metaRuleHeading + "\n\n")
	b.WriteString("This meta-rule contains aggregated knowledge from validated AI learning experiences.\n")
	fmt.Fprintf(&b, "Total learnt experiences processed: %d\n", stats.Total)
	fmt.Fprintf(&b, "Last updated: %s\n\n", stats.LastUpdated.Format("2006-01-02 15:04:05 UTC"))
	b.WriteString("## Key Learning Patterns:\n\n")

	if len(stats.ErrorTypes) > 0 {
		b.WriteString("### Common Error Types:\n")
		for _, entry := range sortHistogram(stats.ErrorTypes) {
			fmt.Fprintf(&b, "- %s: %d occurrences (%.1f%%)\n",
				entry.key, entry.count, percentage(entry.count, stats.Total))
		}
		b.WriteString("\n")
	}

	if len(stats.Severities) > 0 {
		b.WriteString("### Severity Distribution:\n")
		for _, entry := range sortHistogram(stats.Severities) {
			fmt.Fprintf(&b, "- %s: %d occurrences (%.1f%%)\n",
				entry.key, entry.count, percentage(entry.count, stats.Total))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Actionable Guidance:\n\n")
	b.WriteString("Based on the aggregated learning experiences, focus on:\n")
	b.WriteString("1. Preventing the most common error types listed above\n")
	b.WriteString("2. Implementing validated solutions for recurring problems\n")
	b.WriteString("3. Following patterns that have proven successful\n\n")

	b.WriteString("## Meta-Learning Principles:\n\n")
	b.WriteString("- Always validate solutions before implementing\n")
	b.WriteString("- Learn from both successful and failed approaches\n")
	b.WriteString("- Continuously update knowledge based on new experiences\n")
	b.WriteString("- Focus on error prevention rather than just error correction\n\n")

	fmt.Fprintf(&b, "*This content is automatically generated and updated. Source learnt experiences: %d*", stats.Total)
	return b.String()
}

type histogramEntry[K ~string] struct {
	key   K
	count int
}

// sortHistogram orders entries by descending count, then key for
// determinism.
func sortHistogram[K ~string](hist map[K]int) []histogramEntry[K] {
	entries := make([]histogramEntry[K], 0, len(hist))
	for k, c := range hist {
		entries = append(entries, histogramEntry[K]{key: k, count: c})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].key < entries[j].key
	})
	return entries
}

func percentage(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(count) / float64(total) * 100
}
