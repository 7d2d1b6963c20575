package main

import (
	"time"

	"github.com/liamcoop/rulecache/rules"
)

// API request and response models

// RuleRequest is the body for creating or replacing a rule. ID is
// generated when empty on create and taken from the path on replace.
type RuleRequest struct {
	ID          string                    `json:"id,omitempty"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Type        rules.RuleType            `json:"type"`
	Pattern     string                    `json:"pattern"`
	Status      rules.RuleStatus          `json:"status,omitempty"`
	Priority    int                       `json:"priority"`
	Conditions  map[string]any            `json:"conditions,omitempty"`
	Actions     map[string]map[string]any `json:"actions,omitempty"`
	Metadata    map[string]any            `json:"metadata,omitempty"`
	Author      string                    `json:"author,omitempty"`
}

func (r RuleRequest) toRule(id string) *rules.Rule {
	status := r.Status
	if status == "" {
		status = rules.StatusActive
	}
	return &rules.Rule{
		ID:          id,
		Name:        r.Name,
		Description: r.Description,
		Type:        r.Type,
		Pattern:     r.Pattern,
		Status:      status,
		Priority:    r.Priority,
		Conditions:  r.Conditions,
		Actions:     r.Actions,
		Metadata:    r.Metadata,
		CreatedBy:   r.Author,
		UpdatedBy:   r.Author,
	}
}

// RuleResponse is a rule, with its compilation summary when requested
type RuleResponse struct {
	*rules.Rule
	Compiled *CompiledSummary `json:"compiled,omitempty"`
}

// CompiledSummary describes the compiled form of a rule
type CompiledSummary struct {
	Version     int64             `json:"version"`
	Kind        rules.PatternKind `json:"kind"`
	CompiledAt  time.Time         `json:"compiledAt"`
	CompileTime string            `json:"compileTime"`
	Error       string            `json:"error,omitempty"`
}

func toRuleResponse(e *rules.RuleEntry) RuleResponse {
	resp := RuleResponse{Rule: e.Rule}
	if c := e.Compiled; c != nil {
		resp.Compiled = &CompiledSummary{
			Version:     c.Version,
			Kind:        c.Kind,
			CompiledAt:  c.CompiledAt,
			CompileTime: c.CompileDuration.String(),
		}
		if c.Err != nil {
			resp.Compiled.Error = c.Err.Error()
		}
	}
	return resp
}

// RulesListResponse is the response for listing rules
type RulesListResponse struct {
	Rules []RuleResponse `json:"rules"`
	Count int            `json:"count"`
}

// EvaluateRequest is the body for evaluating one rule
type EvaluateRequest struct {
	Facts rules.Facts `json:"facts"`
	Trace bool        `json:"trace,omitempty"`
}

// DependenciesRequest replaces the rules a rule depends on
type DependenciesRequest struct {
	DependsOn []DependencyItem `json:"dependsOn"`
}

type DependencyItem struct {
	RuleID string               `json:"ruleId"`
	Type   rules.DependencyType `json:"type,omitempty"`
}

// DependenciesResponse lists the direct edges of a rule as the cache knows them
type DependenciesResponse struct {
	RuleID       string   `json:"ruleId"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// InvalidateResponse lists the rules whose compiled form was dropped
type InvalidateResponse struct {
	Invalidated []string `json:"invalidated"`
}

// RefreshRequest is the body for triggering a refresh
type RefreshRequest struct {
	Full      bool             `json:"full"`
	Types     []rules.RuleType `json:"types,omitempty"`
	OlderThan *time.Time       `json:"olderThan,omitempty"`
}

// ClearRequest selects what a clear keeps; the empty body clears everything
type ClearRequest struct {
	KeepL1           bool `json:"keepL1"`
	KeepL2           bool `json:"keepL2"`
	KeepCompiled     bool `json:"keepCompiled"`
	KeepDependencies bool `json:"keepDependencies"`
}

// ValidatePatternRequest is the body for validating a pattern
type ValidatePatternRequest struct {
	Pattern string `json:"pattern"`
}

// LogLevelRequest sets or reports the process log level
type LogLevelRequest struct {
	Level string `json:"level"`
}

// ErrorResponse is returned for every failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
