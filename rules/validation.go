package rules

import (
	"fmt"
	"regexp"
	"strings"
)

const maxIdentifierLength = 128

var (
	validRuleID   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]*$`)
	validPathPart = regexp.MustCompile(`^[a-zA-Z0-9_$-]+$`)
)

// Validate checks that a rule is well formed enough to be cached and compiled.
// Pattern syntax is checked separately by the compiler.
func (r *Rule) Validate() error {
	if err := validateRuleID(r.ID); err != nil {
		return fmt.Errorf("invalid rule id %q: %w", r.ID, err)
	}

	if !isValidRuleType(r.Type) {
		return fmt.Errorf("rule %s has invalid type %q", r.ID, r.Type)
	}

	if !isValidStatus(r.Status) {
		return fmt.Errorf("rule %s has invalid status %q", r.ID, r.Status)
	}

	if strings.TrimSpace(r.Pattern) == "" {
		return fmt.Errorf("rule %s has empty pattern", r.ID)
	}

	if r.Version < 0 {
		return fmt.Errorf("rule %s has negative version %d", r.ID, r.Version)
	}

	for _, key := range r.RequiredContextKeys() {
		if err := validateDottedPath(key); err != nil {
			return fmt.Errorf("rule %s requiredContextKeys entry %q: %w", r.ID, key, err)
		}
	}

	return nil
}

// Validate checks a dependency edge
func (d RuleDependency) Validate() error {
	if err := validateRuleID(d.RuleID); err != nil {
		return fmt.Errorf("invalid rule id %q: %w", d.RuleID, err)
	}
	if err := validateRuleID(d.DependsOnRuleID); err != nil {
		return fmt.Errorf("invalid dependency id %q: %w", d.DependsOnRuleID, err)
	}
	switch d.Type {
	case DependencyRequired, DependencyOptional, DependencyConflicts:
	default:
		return fmt.Errorf("invalid dependency type %q", d.Type)
	}
	return nil
}

func validateRuleID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(id), maxIdentifierLength)
	}
	if !validRuleID.MatchString(id) {
		return fmt.Errorf("must match pattern %s", validRuleID.String())
	}
	return nil
}

func validateDottedPath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	for _, part := range strings.Split(path, ".") {
		if !validPathPart.MatchString(part) {
			return fmt.Errorf("segment %q is not a valid path segment", part)
		}
	}
	return nil
}

func isValidRuleType(t RuleType) bool {
	switch t {
	case TypeAccessControl, TypeRateLimit, TypeInputValidation,
		TypeThreatDetection, TypeDataProtection, TypeAuthentication:
		return true
	}
	return false
}

func isValidStatus(s RuleStatus) bool {
	switch s {
	case StatusActive, StatusDisabled, StatusPending, StatusArchived:
		return true
	}
	return false
}
