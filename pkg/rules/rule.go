// Package rules holds Muninn's domain layer: reusable guidance rules,
// learnt solutions recorded from agent mistakes, and the meta-rule that
// aggregates validated learnings into a single evolving document.
//
// The package sits on top of the store contract and never touches a
// backend directly; nodes carry the models as flat property bags so any
// backend can persist them.
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/orneryd/muninn/pkg/store"
)

// Node labels used by the domain layer.
const (
	LabelRule   = "Rule"
	LabelLearnt = "Learnt"
)

// RelContributesTo links a learnt solution to the meta-rule it was
// aggregated into.
const RelContributesTo = "CONTRIBUTES_TO"

// RuleCategory organizes rules by area.
type RuleCategory string

// Valid rule categories. CategoryMetaLearnt is reserved for the meta-rule.
const (
	CategoryFrontend    RuleCategory = "frontend"
	CategoryBackend     RuleCategory = "backend"
	CategoryDatabase    RuleCategory = "database"
	CategorySecurity    RuleCategory = "security"
	CategoryPerformance RuleCategory = "performance"
	CategoryTesting     RuleCategory = "testing"
	CategoryDeployment  RuleCategory = "deployment"
	CategoryGeneral     RuleCategory = "general"
	CategoryMetaLearnt  RuleCategory = "meta_learnt"
)

// RuleCategories lists every valid category in declaration order.
func RuleCategories() []RuleCategory {
	return []RuleCategory{
		CategoryFrontend, CategoryBackend, CategoryDatabase, CategorySecurity,
		CategoryPerformance, CategoryTesting, CategoryDeployment,
		CategoryGeneral, CategoryMetaLearnt,
	}
}

// ParseRuleCategory validates a category string. The empty string defaults
// to CategoryGeneral.
func ParseRuleCategory(s string) (RuleCategory, error) {
	if s == "" {
		return CategoryGeneral, nil
	}
	for _, c := range RuleCategories() {
		if RuleCategory(s) == c {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: invalid rule category %q", store.ErrValidation, s)
}

// RuleType distinguishes what kind of guidance a rule carries.
type RuleType string

// Valid rule types. TypeMetaAggregation is reserved for the meta-rule.
const (
	TypeBestPractice    RuleType = "best_practice"
	TypeAntiPattern     RuleType = "anti_pattern"
	TypeConfiguration   RuleType = "configuration"
	TypeGuideline       RuleType = "guideline"
	TypeMetaAggregation RuleType = "meta_aggregation"
)

// RuleTypes lists every valid rule type in declaration order.
func RuleTypes() []RuleType {
	return []RuleType{
		TypeBestPractice, TypeAntiPattern, TypeConfiguration,
		TypeGuideline, TypeMetaAggregation,
	}
}

// ParseRuleType validates a rule type string. The empty string defaults to
// TypeBestPractice.
func ParseRuleType(s string) (RuleType, error) {
	if s == "" {
		return TypeBestPractice, nil
	}
	for _, rt := range RuleTypes() {
		if RuleType(s) == rt {
			return rt, nil
		}
	}
	return "", fmt.Errorf("%w: invalid rule type %q", store.ErrValidation, s)
}

// Rule is a piece of reusable guidance. The meta-rule is a Rule with
// IsMetaRule set; it is maintained by the aggregation service rather than by
// callers.
type Rule struct {
	ID       string       `json:"rule_id"`
	Name     string       `json:"rule_name"`
	Content  string       `json:"content"`
	Category RuleCategory `json:"category"`
	Type     RuleType     `json:"rule_type"`

	IsMetaRule      bool      `json:"is_meta_rule"`
	LastUpdated     time.Time `json:"last_updated,omitempty"`
	SourceLearntIDs []string  `json:"source_learnt_ids,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	CreatedBy string         `json:"created_by,omitempty"`
	Priority  int            `json:"priority"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewRule builds a regular rule with defaults applied.
func NewRule(name, content string) *Rule {
	return &Rule{
		ID:        store.NewID(),
		Name:      strings.TrimSpace(name),
		Content:   strings.TrimSpace(content),
		Category:  CategoryGeneral,
		Type:      TypeBestPractice,
		CreatedAt: time.Now().UTC(),
		Priority:  5,
	}
}

// NewMetaRule builds the aggregator meta-rule with its reserved category
// and type.
func NewMetaRule(name, content string) *Rule {
	now := time.Now().UTC()
	return &Rule{
		ID:          store.NewID(),
		Name:        strings.TrimSpace(name),
		Content:     strings.TrimSpace(content),
		Category:    CategoryMetaLearnt,
		Type:        TypeMetaAggregation,
		IsMetaRule:  true,
		LastUpdated: now,
		CreatedAt:   now,
		Priority:    5,
	}
}

// Validate checks field constraints and the meta/regular split: only
// meta-rules may use the reserved category, type, and source list.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: rule name cannot be empty", store.ErrValidation)
	}
	if len(r.Name) > 200 {
		return fmt.Errorf("%w: rule name must be 200 characters or less", store.ErrValidation)
	}
	if strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("%w: rule content cannot be empty", store.ErrValidation)
	}
	if _, err := ParseRuleCategory(string(r.Category)); err != nil {
		return err
	}
	if _, err := ParseRuleType(string(r.Type)); err != nil {
		return err
	}
	if r.Priority < 1 || r.Priority > 10 {
		return fmt.Errorf("%w: priority must be between 1 and 10, got %d", store.ErrValidation, r.Priority)
	}

	if r.IsMetaRule {
		if r.Category != CategoryMetaLearnt {
			return fmt.Errorf("%w: meta-rules must use category %q", store.ErrValidation, CategoryMetaLearnt)
		}
		if r.Type != TypeMetaAggregation {
			return fmt.Errorf("%w: meta-rules must use type %q", store.ErrValidation, TypeMetaAggregation)
		}
	} else {
		if r.Category == CategoryMetaLearnt {
			return fmt.Errorf("%w: only meta-rules can use category %q", store.ErrValidation, CategoryMetaLearnt)
		}
		if r.Type == TypeMetaAggregation {
			return fmt.Errorf("%w: only meta-rules can use type %q", store.ErrValidation, TypeMetaAggregation)
		}
		if len(r.SourceLearntIDs) > 0 {
			return fmt.Errorf("%w: only meta-rules can have source learnt ids", store.ErrValidation)
		}
	}
	return nil
}

// Properties flattens the rule into a store property bag. Timestamps are
// stored as RFC 3339 strings so every backend serializes them identically.
func (r *Rule) Properties() map[string]any {
	props := map[string]any{
		"rule_id":      r.ID,
		"rule_name":    r.Name,
		"content":      r.Content,
		"category":     string(r.Category),
		"rule_type":    string(r.Type),
		"is_meta_rule": r.IsMetaRule,
		"created_at":   r.CreatedAt.Format(time.RFC3339),
		"priority":     r.Priority,
	}
	if !r.LastUpdated.IsZero() {
		props["last_updated"] = r.LastUpdated.Format(time.RFC3339)
	}
	if len(r.SourceLearntIDs) > 0 {
		props["source_learnt_ids"] = append([]string(nil), r.SourceLearntIDs...)
	}
	if r.CreatedBy != "" {
		props["created_by"] = r.CreatedBy
	}
	if len(r.Tags) > 0 {
		props["tags"] = append([]string(nil), r.Tags...)
	}
	if len(r.Metadata) > 0 {
		props["metadata"] = r.Metadata
	}
	return props
}

// RuleFromNode rebuilds a Rule from a stored node.
func RuleFromNode(node *store.Node) (*Rule, error) {
	if node == nil {
		return nil, nil
	}
	if node.Label != LabelRule {
		return nil, fmt.Errorf("%w: node %s has label %q, expected %q", store.ErrValidation, node.ID, node.Label, LabelRule)
	}

	p := node.Properties
	r := &Rule{
		ID:              node.ID,
		Name:            propString(p, "rule_name"),
		Content:         propString(p, "content"),
		Category:        RuleCategory(propString(p, "category")),
		Type:            RuleType(propString(p, "rule_type")),
		IsMetaRule:      propBool(p, "is_meta_rule"),
		SourceLearntIDs: propStrings(p, "source_learnt_ids"),
		CreatedAt:       propTime(p, "created_at"),
		LastUpdated:     propTime(p, "last_updated"),
		CreatedBy:       propString(p, "created_by"),
		Priority:        propInt(p, "priority", 5),
		Tags:            propStrings(p, "tags"),
	}
	if m, ok := p["metadata"].(map[string]any); ok {
		r.Metadata = m
	}
	return r, nil
}

// Property bag accessors tolerant of JSON round-trips (numbers arrive as
// float64, string slices as []any).

func propString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func propBool(p map[string]any, key string) bool {
	b, _ := p[key].(bool)
	return b
}

func propInt(p map[string]any, key string, fallback int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func propTime(p map[string]any, key string) time.Time {
	s, ok := p[key].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func propStrings(p map[string]any, key string) []string {
	switch v := p[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
