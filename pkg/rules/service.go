package rules

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/orneryd/muninn/pkg/store"
)

// Service implements the domain operations over any store backend: rule
// CRUD, learnt-solution recording, and the meta-rule aggregation that keeps
// the "Learnt Knowledge Aggregator" up to date as validated solutions come
// in.
type Service struct {
	store store.Store
}

// NewService wraps a connected store.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// CreateRule validates and stores a regular rule. Meta-rules are managed
// internally; callers cannot create them directly.
func (s *Service) CreateRule(ctx context.Context, rule *Rule) (string, error) {
	if rule.IsMetaRule {
		return "", fmt.Errorf("%w: meta-rules are managed by the aggregation service", store.ErrValidation)
	}
	if rule.ID == "" {
		rule.ID = store.NewID()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	if err := rule.Validate(); err != nil {
		return "", err
	}
	return s.store.CreateNode(ctx, LabelRule, rule.Properties(), rule.ID)
}

// CreateRules creates a batch of rules all-or-nothing: every rule is
// validated before any is stored, and a storage failure rolls back the rules
// already created in this batch.
func (s *Service) CreateRules(ctx context.Context, batch []*Rule) ([]string, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: batch cannot be empty", store.ErrValidation)
	}
	for i, rule := range batch {
		if rule == nil {
			return nil, fmt.Errorf("%w: rule %d is missing", store.ErrValidation, i)
		}
		if rule.IsMetaRule {
			return nil, fmt.Errorf("%w: rule %d: meta-rules are managed by the aggregation service", store.ErrValidation, i)
		}
		if rule.ID == "" {
			rule.ID = store.NewID()
		}
		if rule.CreatedAt.IsZero() {
			rule.CreatedAt = time.Now().UTC()
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}

	created := make([]string, 0, len(batch))
	for i, rule := range batch {
		id, err := s.store.CreateNode(ctx, LabelRule, rule.Properties(), rule.ID)
		if err != nil {
			for _, undo := range created {
				if _, delErr := s.store.DeleteNode(ctx, undo); delErr != nil {
					log.Printf("WARN: rollback of rule %s failed: %v", undo, delErr)
				}
			}
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		created = append(created, id)
	}
	return created, nil
}

// GetRule returns a rule by ID, or (nil, nil) when absent.
func (s *Service) GetRule(ctx context.Context, ruleID string) (*Rule, error) {
	node, err := s.store.GetNode(ctx, ruleID)
	if err != nil || node == nil {
		return nil, err
	}
	return RuleFromNode(node)
}

// ListRules returns rules filtered by optional category and type, sorted
// by ID.
func (s *Service) ListRules(ctx context.Context, category RuleCategory, ruleType RuleType, limit int) ([]*Rule, error) {
	filters := map[string]any{}
	if category != "" {
		if _, err := ParseRuleCategory(string(category)); err != nil {
			return nil, err
		}
		filters["category"] = string(category)
	}
	if ruleType != "" {
		if _, err := ParseRuleType(string(ruleType)); err != nil {
			return nil, err
		}
		filters["rule_type"] = string(ruleType)
	}

	nodes, err := s.store.GetNodesByLabel(ctx, LabelRule, filters, limit)
	if err != nil {
		return nil, err
	}
	return nodesToRules(nodes)
}

// SearchRules matches a case-insensitive term against rule names, content,
// and tags.
func (s *Service) SearchRules(ctx context.Context, term string, limit int) ([]*Rule, error) {
	if strings.TrimSpace(term) == "" {
		return nil, fmt.Errorf("%w: search term cannot be empty", store.ErrValidation)
	}
	nodes, err := s.store.GetNodesByLabel(ctx, LabelRule, nil, 0)
	if err != nil {
		return nil, err
	}
	all, err := nodesToRules(nodes)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(term)
	matched := make([]*Rule, 0, len(all))
	for _, rule := range all {
		if ruleMatches(rule, needle) {
			matched = append(matched, rule)
			if limit > 0 && len(matched) == limit {
				break
			}
		}
	}
	return matched, nil
}

func ruleMatches(rule *Rule, needle string) bool {
	if strings.Contains(strings.ToLower(rule.Name), needle) ||
		strings.Contains(strings.ToLower(rule.Content), needle) {
		return true
	}
	for _, tag := range rule.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

// UpdateRule merges updates onto a rule. Category, type, and priority
// updates are validated; the reserved meta fields cannot be touched.
func (s *Service) UpdateRule(ctx context.Context, ruleID string, updates map[string]any) (bool, error) {
	for _, forbidden := range []string{"rule_id", "is_meta_rule", "source_learnt_ids"} {
		if _, ok := updates[forbidden]; ok {
			return false, fmt.Errorf("%w: field %q cannot be updated", store.ErrValidation, forbidden)
		}
	}
	if raw, ok := updates["category"]; ok {
		category, _ := raw.(string)
		if _, err := ParseRuleCategory(category); err != nil {
			return false, err
		}
		if RuleCategory(category) == CategoryMetaLearnt {
			return false, fmt.Errorf("%w: only meta-rules can use category %q", store.ErrValidation, CategoryMetaLearnt)
		}
	}
	if raw, ok := updates["rule_type"]; ok {
		ruleType, _ := raw.(string)
		if _, err := ParseRuleType(ruleType); err != nil {
			return false, err
		}
		if RuleType(ruleType) == TypeMetaAggregation {
			return false, fmt.Errorf("%w: only meta-rules can use type %q", store.ErrValidation, TypeMetaAggregation)
		}
	}
	if raw, ok := updates["priority"]; ok {
		p := propInt(map[string]any{"p": raw}, "p", 0)
		if p < 1 || p > 10 {
			return false, fmt.Errorf("%w: priority must be between 1 and 10", store.ErrValidation)
		}
	}
	return s.store.UpdateNode(ctx, ruleID, updates)
}

// DeleteRule removes a rule and any relationships touching it. Returns
// (false, nil) when absent.
func (s *Service) DeleteRule(ctx context.Context, ruleID string) (bool, error) {
	return s.store.DeleteNode(ctx, ruleID)
}

// MetaRule returns the aggregator meta-rule, or (nil, nil) when none has
// been created yet.
func (s *Service) MetaRule(ctx context.Context) (*Rule, error) {
	nodes, err := s.store.GetNodesByLabel(ctx, LabelRule, map[string]any{"is_meta_rule": true}, 1)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return RuleFromNode(nodes[0])
}

// EnsureMetaRule returns the meta-rule, creating it with seed content on
// first use.
func (s *Service) EnsureMetaRule(ctx context.Context) (*Rule, error) {
	meta, err := s.MetaRule(ctx)
	if err != nil || meta != nil {
		return meta, err
	}

	meta = NewMetaRule(MetaRuleName, MetaRuleSeed)
	if _, err := s.store.CreateNode(ctx, LabelRule, meta.Properties(), meta.ID); err != nil {
		return nil, err
	}
	log.Printf("initialized meta-rule %s", meta.ID)
	return meta, nil
}

// RecordSolution validates and stores a learnt solution. A solution whose
// verification status is "validated" immediately contributes to the
// meta-rule: it is linked with a CONTRIBUTES_TO relationship and the
// meta-rule content is regenerated.
func (s *Service) RecordSolution(ctx context.Context, learnt *Learnt) (string, error) {
	if learnt.ID == "" {
		learnt.ID = store.NewID()
	}
	if learnt.RecordedAt.IsZero() {
		learnt.RecordedAt = time.Now().UTC()
	}
	if learnt.VerificationStatus == "" {
		learnt.VerificationStatus = StatusValidated
	}
	if err := learnt.Validate(); err != nil {
		return "", err
	}

	nodeID, err := s.store.CreateNode(ctx, LabelLearnt, learnt.Properties(), learnt.ID)
	if err != nil {
		return "", err
	}

	if learnt.VerificationStatus == StatusValidated {
		if err := s.contribute(ctx, learnt); err != nil {
			// The solution itself is stored; aggregation can catch up on the
			// next contribution.
			log.Printf("WARN: meta-rule contribution for %s failed: %v", learnt.ID, err)
		}
	}
	return nodeID, nil
}

// RecordSolutions records a batch of solutions. Every solution is validated
// before any is recorded; after that point each one is stored independently,
// so a persistence failure fails the request but keeps the solutions already
// recorded.
func (s *Service) RecordSolutions(ctx context.Context, batch []*Learnt) ([]string, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: batch cannot be empty", store.ErrValidation)
	}
	for i, learnt := range batch {
		if learnt == nil {
			return nil, fmt.Errorf("%w: solution %d is missing", store.ErrValidation, i)
		}
		if learnt.ID == "" {
			learnt.ID = store.NewID()
		}
		if learnt.RecordedAt.IsZero() {
			learnt.RecordedAt = time.Now().UTC()
		}
		if learnt.VerificationStatus == "" {
			learnt.VerificationStatus = StatusValidated
		}
		if err := learnt.Validate(); err != nil {
			return nil, fmt.Errorf("solution %d: %w", i, err)
		}
	}

	recorded := make([]string, 0, len(batch))
	for i, learnt := range batch {
		id, err := s.RecordSolution(ctx, learnt)
		if err != nil {
			return nil, fmt.Errorf("solution %d: %w", i, err)
		}
		recorded = append(recorded, id)
	}
	return recorded, nil
}

// GetSolution returns a learnt solution by ID, or (nil, nil) when absent.
func (s *Service) GetSolution(ctx context.Context, learntID string) (*Learnt, error) {
	node, err := s.store.GetNode(ctx, learntID)
	if err != nil || node == nil {
		return nil, err
	}
	return LearntFromNode(node)
}

// ListSolutions returns learnt solutions filtered by optional error type
// and severity, sorted by ID.
func (s *Service) ListSolutions(ctx context.Context, errorType ErrorType, severity Severity, limit int) ([]*Learnt, error) {
	filters := map[string]any{}
	if errorType != "" {
		if _, err := ParseErrorType(string(errorType)); err != nil {
			return nil, err
		}
		filters["type_of_error"] = string(errorType)
	}
	if severity != "" {
		parsed, err := ParseSeverity(string(severity))
		if err != nil {
			return nil, err
		}
		filters["original_severity"] = string(parsed)
	}

	nodes, err := s.store.GetNodesByLabel(ctx, LabelLearnt, filters, limit)
	if err != nil {
		return nil, err
	}
	return nodesToLearnt(nodes)
}

// SearchSolutions matches a case-insensitive term against problem
// summaries, solutions, root causes, and tags.
func (s *Service) SearchSolutions(ctx context.Context, term string, limit int) ([]*Learnt, error) {
	if strings.TrimSpace(term) == "" {
		return nil, fmt.Errorf("%w: search term cannot be empty", store.ErrValidation)
	}
	all, err := s.ListSolutions(ctx, "", "", 0)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(term)
	matched := make([]*Learnt, 0, len(all))
	for _, l := range all {
		if learntMatches(l, needle) {
			matched = append(matched, l)
			if limit > 0 && len(matched) == limit {
				break
			}
		}
	}
	return matched, nil
}

func learntMatches(l *Learnt, needle string) bool {
	for _, field := range []string{l.ProblemSummary, l.Solution, l.RootCause} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	for _, tag := range l.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

// RecentSolutions returns solutions recorded within the last N days, newest
// first.
func (s *Service) RecentSolutions(ctx context.Context, days, limit int) ([]*Learnt, error) {
	if days <= 0 {
		return nil, fmt.Errorf("%w: days must be positive", store.ErrValidation)
	}
	all, err := s.ListSolutions(ctx, "", "", 0)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	recent := make([]*Learnt, 0, len(all))
	for _, l := range all {
		if l.RecordedAt.After(cutoff) {
			recent = append(recent, l)
		}
	}
	sort.Slice(recent, func(i, j int) bool {
		return recent[i].RecordedAt.After(recent[j].RecordedAt)
	})
	if limit > 0 && len(recent) > limit {
		recent = recent[:limit]
	}
	return recent, nil
}

// UpdateVerificationStatus changes a solution's verification status.
// Transitioning to "validated" triggers the meta-rule contribution if it
// has not happened yet.
func (s *Service) UpdateVerificationStatus(ctx context.Context, learntID, status string) (bool, error) {
	if _, err := ParseVerificationStatus(status); err != nil {
		return false, err
	}

	learnt, err := s.GetSolution(ctx, learntID)
	if err != nil {
		return false, err
	}
	if learnt == nil {
		return false, nil
	}

	ok, err := s.store.UpdateNode(ctx, learntID, map[string]any{"verification_status": status})
	if err != nil || !ok {
		return ok, err
	}

	if status == StatusValidated && !learnt.ContributedToMetaRule {
		learnt.VerificationStatus = status
		if err := s.contribute(ctx, learnt); err != nil {
			log.Printf("WARN: meta-rule contribution for %s failed: %v", learntID, err)
		}
	}
	return true, nil
}

// Statistics summarizes the learnt corpus: totals, per-error-type and
// per-severity counts, verification breakdown, and contribution count.
func (s *Service) Statistics(ctx context.Context) (map[string]any, error) {
	all, err := s.ListSolutions(ctx, "", "", 0)
	if err != nil {
		return nil, err
	}

	byErrorType := make(map[string]int)
	bySeverity := make(map[string]int)
	byStatus := make(map[string]int)
	contributions := 0
	for _, l := range all {
		byErrorType[string(l.ErrorType)]++
		bySeverity[string(l.Severity)]++
		byStatus[l.VerificationStatus]++
		if l.ContributedToMetaRule {
			contributions++
		}
	}

	return map[string]any{
		"total_solutions":         len(all),
		"by_error_type":           byErrorType,
		"by_severity":             bySeverity,
		"by_verification_status":  byStatus,
		"meta_rule_contributions": contributions,
	}, nil
}

// contribute folds a validated solution into the meta-rule: mark it
// contributed, link it, and regenerate the meta-rule document from every
// contributed solution.
func (s *Service) contribute(ctx context.Context, learnt *Learnt) error {
	if learnt.ContributedToMetaRule {
		return nil
	}

	meta, err := s.EnsureMetaRule(ctx)
	if err != nil {
		return err
	}

	// Link first, flag second. The contributed flag is the skip-if-done
	// guard, so it must never be persisted without the relationship backing
	// it; a failure here leaves the solution uncontributed and retryable.
	relID, err := s.store.CreateRelationship(ctx, learnt.ID, meta.ID, RelContributesTo, map[string]any{
		"contributed_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	contribution := learnt.ContributionSummary()
	if _, err := s.store.UpdateNode(ctx, learnt.ID, map[string]any{
		"contributed_to_meta_rule": true,
		"meta_rule_contribution":   contribution,
	}); err != nil {
		if _, delErr := s.store.DeleteRelationship(ctx, relID); delErr != nil {
			log.Printf("WARN: could not remove contribution link %s after failed flag update: %v", relID, delErr)
		}
		return err
	}
	learnt.ContributedToMetaRule = true
	learnt.MetaRuleContribution = contribution

	return s.refreshMetaRule(ctx, meta)
}

// refreshMetaRule regenerates the meta-rule content and source list from
// all contributed solutions.
func (s *Service) refreshMetaRule(ctx context.Context, meta *Rule) error {
	contributed, err := s.store.GetNodesByLabel(ctx, LabelLearnt,
		map[string]any{"contributed_to_meta_rule": true}, 0)
	if err != nil {
		return err
	}
	learnings, err := nodesToLearnt(contributed)
	if err != nil {
		return err
	}

	sourceIDs := make([]string, 0, len(learnings))
	for _, l := range learnings {
		sourceIDs = append(sourceIDs, l.ID)
	}
	stats := Aggregate(learnings)
	content := BuildMetaRuleContent(stats)

	_, err = s.store.UpdateNode(ctx, meta.ID, map[string]any{
		"content":           content,
		"last_updated":      stats.LastUpdated.Format(time.RFC3339),
		"source_learnt_ids": sourceIDs,
	})
	if err == nil {
		log.Printf("updated meta-rule content with %d learnt experiences", len(learnings))
	}
	return err
}

func nodesToRules(nodes []*store.Node) ([]*Rule, error) {
	out := make([]*Rule, 0, len(nodes))
	for _, node := range nodes {
		rule, err := RuleFromNode(node)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

func nodesToLearnt(nodes []*store.Node) ([]*Learnt, error) {
	out := make([]*Learnt, 0, len(nodes))
	for _, node := range nodes {
		l, err := LearntFromNode(node)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}
