package rules

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// RuleProvider is the read contract the cache needs from a backing store.
// GetRuleByID returns ErrRuleNotFound when no rule has the given ID.
type RuleProvider interface {
	GetRuleByID(ctx context.Context, id string) (*Rule, error)
	GetRulesByType(ctx context.Context, ruleType RuleType) ([]*Rule, error)
	GetAllRules(ctx context.Context) ([]*Rule, error)
	GetRuleDependencies(ctx context.Context, ruleID string) ([]RuleDependency, error)
	GetRulesUpdatedSince(ctx context.Context, since time.Time) ([]*Rule, error)
}

// RuleStore is a RuleProvider that can also be written to
type RuleStore interface {
	RuleProvider

	// AddRule inserts a new rule; the ID must be unused
	AddRule(ctx context.Context, rule *Rule) error

	// UpdateRule replaces an existing rule and bumps its version
	UpdateRule(ctx context.Context, rule *Rule) error

	// DeleteRule removes a rule and the dependency edges it declares
	DeleteRule(ctx context.Context, id string) error

	// SetDependencies replaces the dependency edges declared by ruleID
	SetDependencies(ctx context.Context, ruleID string, deps []RuleDependency) error
}

// InMemoryRuleProvider implements RuleStore using in-memory maps.
// Thread-safe with RWMutex.
type InMemoryRuleProvider struct {
	rules map[string]*Rule
	deps  map[string][]RuleDependency
	now   func() time.Time
	mu    sync.RWMutex
}

// NewInMemoryRuleProvider creates an empty in-memory provider
func NewInMemoryRuleProvider() *InMemoryRuleProvider {
	return &InMemoryRuleProvider{
		rules: make(map[string]*Rule),
		deps:  make(map[string][]RuleDependency),
		now:   time.Now,
	}
}

// AddRule stores a copy of rule, setting timestamps and defaulting Version to 1
func (p *InMemoryRuleProvider) AddRule(_ context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	now := p.now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if rule.Version == 0 {
		rule.Version = 1
	}
	p.rules[rule.ID] = rule.Clone()
	return nil
}

// UpdateRule replaces a rule, preserving CreatedAt and incrementing Version
func (p *InMemoryRuleProvider) UpdateRule(_ context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	existing, exists := p.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.CreatedBy = existing.CreatedBy
	rule.UpdatedAt = p.now()
	rule.Version = existing.Version + 1
	p.rules[rule.ID] = rule.Clone()
	return nil
}

// DeleteRule removes a rule and its declared dependencies
func (p *InMemoryRuleProvider) DeleteRule(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.rules[id]; !exists {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}

	delete(p.rules, id)
	delete(p.deps, id)
	return nil
}

// SetDependencies replaces the edges declared by ruleID
func (p *InMemoryRuleProvider) SetDependencies(_ context.Context, ruleID string, deps []RuleDependency) error {
	for _, d := range deps {
		if d.RuleID != ruleID {
			return fmt.Errorf("dependency %s -> %s does not belong to rule %s", d.RuleID, d.DependsOnRuleID, ruleID)
		}
		if err := d.Validate(); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(deps) == 0 {
		delete(p.deps, ruleID)
		return nil
	}
	p.deps[ruleID] = slices.Clone(deps)
	return nil
}

// GetRuleByID returns a copy of the rule with the given ID
func (p *InMemoryRuleProvider) GetRuleByID(_ context.Context, id string) (*Rule, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rule, exists := p.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return rule.Clone(), nil
}

// GetRulesByType returns copies of all rules of the given type
func (p *InMemoryRuleProvider) GetRulesByType(_ context.Context, ruleType RuleType) ([]*Rule, error) {
	return p.collect(func(r *Rule) bool { return r.Type == ruleType }), nil
}

// GetAllRules returns copies of every rule
func (p *InMemoryRuleProvider) GetAllRules(_ context.Context) ([]*Rule, error) {
	return p.collect(func(*Rule) bool { return true }), nil
}

// GetRulesUpdatedSince returns rules whose UpdatedAt is after since
func (p *InMemoryRuleProvider) GetRulesUpdatedSince(_ context.Context, since time.Time) ([]*Rule, error) {
	return p.collect(func(r *Rule) bool { return r.UpdatedAt.After(since) }), nil
}

// GetRuleDependencies returns the edges declared by ruleID
func (p *InMemoryRuleProvider) GetRuleDependencies(_ context.Context, ruleID string) ([]RuleDependency, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return slices.Clone(p.deps[ruleID]), nil
}

// collect returns matching rules ordered by priority (descending) then ID
func (p *InMemoryRuleProvider) collect(keep func(*Rule) bool) []*Rule {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*Rule
	for _, rule := range p.rules {
		if keep(rule) {
			out = append(out, rule.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Rule) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
