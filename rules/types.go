package rules

import (
	"errors"
	"maps"
	"time"
)

// RuleType classifies what a rule protects against
type RuleType string

const (
	TypeAccessControl   RuleType = "access_control"
	TypeRateLimit       RuleType = "rate_limit"
	TypeInputValidation RuleType = "input_validation"
	TypeThreatDetection RuleType = "threat_detection"
	TypeDataProtection  RuleType = "data_protection"
	TypeAuthentication  RuleType = "authentication"
)

// RuleStatus controls whether a rule takes part in evaluation.
// Only StatusActive rules can match.
type RuleStatus string

const (
	StatusActive   RuleStatus = "active"
	StatusDisabled RuleStatus = "disabled"
	StatusPending  RuleStatus = "pending"
	StatusArchived RuleStatus = "archived"
)

// DependencyType describes the relationship declared by a RuleDependency
type DependencyType string

const (
	DependencyRequired  DependencyType = "required"
	DependencyOptional  DependencyType = "optional"
	DependencyConflicts DependencyType = "conflicts"
)

var (
	// ErrRuleNotFound is returned when the provider has no rule with the requested ID
	ErrRuleNotFound = errors.New("rule not found")

	// ErrInvalidPattern is wrapped by PatternError when a pattern fails validation
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrCacheDisposed is returned by cache operations after Dispose
	ErrCacheDisposed = errors.New("rule cache disposed")

	// ErrRefreshInProgress is returned when a scheduled refresh is skipped
	// because a previous one is still running
	ErrRefreshInProgress = errors.New("refresh already in progress")
)

// Rule is a security predicate together with the actions to apply when it matches.
// Rules held by the cache are shared; callers must treat them as read-only.
type Rule struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name,omitempty"`
	Description string                    `json:"description,omitempty"`
	Type        RuleType                  `json:"type"`
	Pattern     string                    `json:"pattern"`
	Status      RuleStatus                `json:"status"`
	Priority    int                       `json:"priority"`
	Conditions  map[string]any            `json:"conditions,omitempty"`
	Actions     map[string]map[string]any `json:"actions,omitempty"`
	Metadata    map[string]any            `json:"metadata,omitempty"`
	Version     int64                     `json:"version"`
	CreatedAt   time.Time                 `json:"createdAt"`
	UpdatedAt   time.Time                 `json:"updatedAt"`
	CreatedBy   string                    `json:"createdBy,omitempty"`
	UpdatedBy   string                    `json:"updatedBy,omitempty"`
}

// Clone returns a copy of the rule that shares no maps with the original
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	out := *r
	out.Conditions = maps.Clone(r.Conditions)
	out.Metadata = maps.Clone(r.Metadata)
	if r.Actions != nil {
		out.Actions = make(map[string]map[string]any, len(r.Actions))
		for actionType, params := range r.Actions {
			out.Actions[actionType] = maps.Clone(params)
		}
	}
	return &out
}

// IsActive reports whether the rule is eligible for evaluation
func (r *Rule) IsActive() bool {
	return r.Status == StatusActive
}

// RequiredContextKeys returns the dotted paths listed under
// conditions.requiredContextKeys. Non-string entries are ignored.
func (r *Rule) RequiredContextKeys() []string {
	raw, ok := r.Conditions["requiredContextKeys"]
	if !ok {
		return nil
	}
	switch keys := raw.(type) {
	case []string:
		return keys
	case []any:
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			if s, ok := k.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// RuleDependency declares that RuleID relies on DependsOnRuleID
type RuleDependency struct {
	RuleID          string         `json:"ruleId"`
	DependsOnRuleID string         `json:"dependsOnRuleId"`
	Type            DependencyType `json:"type"`
}

// Facts is the evaluation context a compiled rule runs against.
// "data" holds the input for regex patterns and "target" the expected
// rendering for template patterns.
type Facts map[string]any

// Action is one resolved action of a matched rule
type Action struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters"`
}

// TraceEntry records one sub-evaluation performed by a compiled rule
type TraceEntry struct {
	Kind     PatternKind   `json:"kind"`
	Pattern  string        `json:"pattern"`
	Matched  bool          `json:"matched"`
	Detail   string        `json:"detail,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// EvaluationResult contains the outcome of evaluating a compiled rule
type EvaluationResult struct {
	RuleID            string        `json:"ruleId"`
	Matched           bool          `json:"matched"`
	Actions           []Action      `json:"actions"`
	MatchedConditions []string      `json:"matchedConditions"`
	EvaluationTime    time.Duration `json:"evaluationTime"`
	Trace             []TraceEntry  `json:"trace,omitempty"`
}

// EvalOptions tunes a single evaluation
type EvalOptions struct {
	// Trace collects one TraceEntry per sub-evaluation
	Trace bool
}
