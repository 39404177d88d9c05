package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/orneryd/muninn/pkg/store"
)

// ErrorType classifies the mistake a learnt solution was recorded for.
type ErrorType string

// Valid error types.
const (
	ErrorIncorrectAction    ErrorType = "IncorrectAction"
	ErrorMisunderstanding   ErrorType = "Misunderstanding"
	ErrorUnmetUserGoal      ErrorType = "UnmetUserGoal"
	ErrorInvalidResponse    ErrorType = "InvalidResponse"
	ErrorIncompleteSolution ErrorType = "IncompleteSolution"
	ErrorWrongAssumption    ErrorType = "WrongAssumption"
	ErrorMissingContext     ErrorType = "MissingContext"
	ErrorOther              ErrorType = "Other"
)

// ErrorTypes lists every valid error type in declaration order.
func ErrorTypes() []ErrorType {
	return []ErrorType{
		ErrorIncorrectAction, ErrorMisunderstanding, ErrorUnmetUserGoal,
		ErrorInvalidResponse, ErrorIncompleteSolution, ErrorWrongAssumption,
		ErrorMissingContext, ErrorOther,
	}
}

// ParseErrorType validates an error type string.
func ParseErrorType(s string) (ErrorType, error) {
	for _, et := range ErrorTypes() {
		if ErrorType(s) == et {
			return et, nil
		}
	}
	return "", fmt.Errorf("%w: invalid error type %q", store.ErrValidation, s)
}

// Severity grades how bad the original problem was.
type Severity string

// Valid severity levels.
const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityLow      Severity = "low"
)

// Severities lists every valid severity in declaration order.
func Severities() []Severity {
	return []Severity{SeverityCritical, SeverityMajor, SeverityMinor, SeverityLow}
}

// ParseSeverity validates a severity string, case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	for _, sev := range Severities() {
		if Severity(strings.ToLower(s)) == sev {
			return sev, nil
		}
	}
	return "", fmt.Errorf("%w: invalid severity %q", store.ErrValidation, s)
}

// Verification statuses for learnt solutions.
const (
	StatusValidated = "validated"
	StatusPending   = "pending"
	StatusRejected  = "rejected"
)

// ParseVerificationStatus validates a verification status string.
func ParseVerificationStatus(s string) (string, error) {
	switch s {
	case StatusValidated, StatusPending, StatusRejected:
		return s, nil
	}
	return "", fmt.Errorf("%w: status must be one of: validated, pending, rejected", store.ErrValidation)
}

// Learnt captures a validated solution to a problem: what went wrong, why,
// and the fix that was proven to work. Validated learnings feed the
// meta-rule aggregation.
type Learnt struct {
	ID                string    `json:"learnt_id"`
	RecordedAt        time.Time `json:"timestamp_recorded"`
	ErrorType         ErrorType `json:"type_of_error"`
	ProblemSummary    string    `json:"problem_summary"`
	ProblemInput      string    `json:"problematic_input_segment"`
	ProblemOutput     string    `json:"problematic_ai_output_segment"`
	RootCause         string    `json:"inferred_original_cause"`
	Severity          Severity  `json:"original_severity"`
	Solution          string    `json:"validated_solution_description"`
	ImplementationLog string    `json:"solution_implemented_notes,omitempty"`
	RelatedRuleIDs    []string  `json:"related_rule_ids,omitempty"`

	ContributedToMetaRule bool   `json:"contributed_to_meta_rule"`
	MetaRuleContribution  string `json:"meta_rule_contribution,omitempty"`

	CreatedBy          string         `json:"created_by,omitempty"`
	VerificationStatus string         `json:"verification_status"`
	Tags               []string       `json:"tags,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// NewLearnt builds a learnt solution with defaults applied. The result is
// not yet validated; call Validate before storing.
func NewLearnt(errorType ErrorType, severity Severity, problemSummary, solution string) *Learnt {
	return &Learnt{
		ID:                 store.NewID(),
		RecordedAt:         time.Now().UTC(),
		ErrorType:          errorType,
		Severity:           severity,
		ProblemSummary:     strings.TrimSpace(problemSummary),
		Solution:           strings.TrimSpace(solution),
		VerificationStatus: StatusValidated,
	}
}

// Validate checks field constraints.
func (l *Learnt) Validate() error {
	if _, err := ParseErrorType(string(l.ErrorType)); err != nil {
		return err
	}
	if _, err := ParseSeverity(string(l.Severity)); err != nil {
		return err
	}
	if strings.TrimSpace(l.ProblemSummary) == "" {
		return fmt.Errorf("%w: problem summary cannot be empty", store.ErrValidation)
	}
	if len(l.ProblemSummary) > 500 {
		return fmt.Errorf("%w: problem summary must be 500 characters or less", store.ErrValidation)
	}
	if strings.TrimSpace(l.ProblemInput) == "" {
		return fmt.Errorf("%w: problematic input segment cannot be empty", store.ErrValidation)
	}
	if strings.TrimSpace(l.ProblemOutput) == "" {
		return fmt.Errorf("%w: problematic output segment cannot be empty", store.ErrValidation)
	}
	if strings.TrimSpace(l.RootCause) == "" {
		return fmt.Errorf("%w: inferred original cause cannot be empty", store.ErrValidation)
	}
	if strings.TrimSpace(l.Solution) == "" {
		return fmt.Errorf("%w: validated solution description cannot be empty", store.ErrValidation)
	}
	if _, err := ParseVerificationStatus(l.VerificationStatus); err != nil {
		return err
	}
	return nil
}

// ContributionSummary produces the one-line knowledge extract this learning
// contributes to the meta-rule.
func (l *Learnt) ContributionSummary() string {
	solution := l.Solution
	if len(solution) > 200 {
		solution = solution[:200] + "..."
	}
	return fmt.Sprintf("To avoid %s: %s. Solution: %s",
		strings.ToLower(string(l.ErrorType)), l.ProblemSummary, solution)
}

// Properties flattens the learnt solution into a store property bag.
func (l *Learnt) Properties() map[string]any {
	props := map[string]any{
		"learnt_id":                      l.ID,
		"timestamp_recorded":             l.RecordedAt.Format(time.RFC3339),
		"type_of_error":                  string(l.ErrorType),
		"problem_summary":                l.ProblemSummary,
		"problematic_input_segment":      l.ProblemInput,
		"problematic_ai_output_segment":  l.ProblemOutput,
		"inferred_original_cause":        l.RootCause,
		"original_severity":              string(l.Severity),
		"validated_solution_description": l.Solution,
		"contributed_to_meta_rule":       l.ContributedToMetaRule,
		"verification_status":            l.VerificationStatus,
	}
	if l.ImplementationLog != "" {
		props["solution_implemented_notes"] = l.ImplementationLog
	}
	if len(l.RelatedRuleIDs) > 0 {
		props["related_rule_ids"] = append([]string(nil), l.RelatedRuleIDs...)
	}
	if l.MetaRuleContribution != "" {
		props["meta_rule_contribution"] = l.MetaRuleContribution
	}
	if l.CreatedBy != "" {
		props["created_by"] = l.CreatedBy
	}
	if len(l.Tags) > 0 {
		props["tags"] = append([]string(nil), l.Tags...)
	}
	if len(l.Metadata) > 0 {
		props["metadata"] = l.Metadata
	}
	return props
}

// LearntFromNode rebuilds a Learnt from a stored node.
func LearntFromNode(node *store.Node) (*Learnt, error) {
	if node == nil {
		return nil, nil
	}
	if node.Label != LabelLearnt {
		return nil, fmt.Errorf("%w: node %s has label %q, expected %q", store.ErrValidation, node.ID, node.Label, LabelLearnt)
	}

	p := node.Properties
	l := &Learnt{
		ID:                    node.ID,
		RecordedAt:            propTime(p, "timestamp_recorded"),
		ErrorType:             ErrorType(propString(p, "type_of_error")),
		ProblemSummary:        propString(p, "problem_summary"),
		ProblemInput:          propString(p, "problematic_input_segment"),
		ProblemOutput:         propString(p, "problematic_ai_output_segment"),
		RootCause:             propString(p, "inferred_original_cause"),
		Severity:              Severity(propString(p, "original_severity")),
		Solution:              propString(p, "validated_solution_description"),
		ImplementationLog:     propString(p, "solution_implemented_notes"),
		RelatedRuleIDs:        propStrings(p, "related_rule_ids"),
		ContributedToMetaRule: propBool(p, "contributed_to_meta_rule"),
		MetaRuleContribution:  propString(p, "meta_rule_contribution"),
		CreatedBy:             propString(p, "created_by"),
		VerificationStatus:    propString(p, "verification_status"),
		Tags:                  propStrings(p, "tags"),
	}
	if m, ok := p["metadata"].(map[string]any); ok {
		l.Metadata = m
	}
	return l, nil
}
