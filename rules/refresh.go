package rules

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// defaultRefreshWindow is how far back an incremental refresh looks when no
// cutoff is given
const defaultRefreshWindow = time.Hour

// RefreshOptions selects what Refresh reloads
type RefreshOptions struct {
	// Full reloads every rule (or every rule of Types) instead of only the
	// recently updated ones
	Full bool

	// Types restricts the refresh to these rule types
	Types []RuleType

	// OlderThan is the cutoff of an incremental refresh; rules updated after
	// it are reloaded. Zero means one hour ago.
	OlderThan time.Time
}

// RefreshResult summarises a completed refresh
type RefreshResult struct {
	Refreshed int `json:"refreshed"`
	Errors    int `json:"errors"`
}

// refreshSet is everything a refresh will apply, loaded before any of it is
type refreshSet struct {
	rules   []*Rule
	edges   map[string][]RuleDependency
	invalid int
}

// Refresh reloads rules from the provider. A full refresh without a type
// filter also evicts cached rules the provider no longer returns and
// rebuilds the dependency graph. Concurrent calls are serialised.
//
// Nothing is applied until the whole replacement set has been loaded, so a
// provider error or cancellation leaves the cache untouched.
func (c *RuleCache) Refresh(ctx context.Context, opts RefreshOptions) (RefreshResult, error) {
	if c.disposed.Load() {
		return RefreshResult{}, ErrCacheDisposed
	}

	select {
	case c.refreshSem <- struct{}{}:
	case <-ctx.Done():
		return RefreshResult{}, ctx.Err()
	}
	defer func() { <-c.refreshSem }()

	return c.refresh(ctx, opts)
}

// tryRefresh is Refresh for the scheduler: it skips instead of queueing
// behind a refresh that is already running
func (c *RuleCache) tryRefresh(ctx context.Context, opts RefreshOptions) (RefreshResult, error) {
	if c.disposed.Load() {
		return RefreshResult{}, ErrCacheDisposed
	}

	select {
	case c.refreshSem <- struct{}{}:
	default:
		return RefreshResult{}, ErrRefreshInProgress
	}
	defer func() { <-c.refreshSem }()

	return c.refresh(ctx, opts)
}

func (c *RuleCache) refresh(ctx context.Context, opts RefreshOptions) (RefreshResult, error) {
	logger := c.logger.With("refresh_id", uuid.NewString(), "full", opts.Full)
	start := time.Now()

	set, err := c.loadRefreshSet(ctx, opts)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		c.stats.update(func(s *Stats) { s.RefreshErrors++ })
		logger.Error("rule refresh failed", "error", err)
		c.events.emit(Event{Type: EventRefreshError, Full: opts.Full, Err: err})
		return RefreshResult{}, fmt.Errorf("refresh rules: %w", err)
	}

	c.applyRefreshSet(set, opts)

	result := RefreshResult{Refreshed: len(set.rules), Errors: set.invalid}
	c.stats.update(func(s *Stats) { s.Refreshes++ })
	logger.Info("rule refresh complete",
		"refreshed", result.Refreshed,
		"invalid", result.Errors,
		"duration", time.Since(start))
	c.events.emit(Event{Type: EventRefreshDone, Full: opts.Full, Count: result.Refreshed})
	return result, nil
}

func (c *RuleCache) loadRefreshSet(ctx context.Context, opts RefreshOptions) (*refreshSet, error) {
	var loaded []*Rule
	switch {
	case opts.Full && len(opts.Types) > 0:
		for _, t := range opts.Types {
			rules, err := c.provider.GetRulesByType(ctx, t)
			if err != nil {
				return nil, fmt.Errorf("load rules of type %s: %w", t, err)
			}
			loaded = append(loaded, rules...)
		}
	case opts.Full:
		rules, err := c.provider.GetAllRules(ctx)
		if err != nil {
			return nil, fmt.Errorf("load all rules: %w", err)
		}
		loaded = rules
	default:
		since := opts.OlderThan
		if since.IsZero() {
			since = time.Now().Add(-defaultRefreshWindow)
		}
		rules, err := c.provider.GetRulesUpdatedSince(ctx, since)
		if err != nil {
			return nil, fmt.Errorf("load rules updated since %s: %w", since.Format(time.RFC3339), err)
		}
		loaded = filterTypes(rules, opts.Types)
	}

	set := &refreshSet{edges: make(map[string][]RuleDependency)}
	for _, rule := range loaded {
		if err := rule.Validate(); err != nil {
			c.logger.Warn("skipping invalid rule from provider", "rule_id", rule.ID, "error", err)
			set.invalid++
			continue
		}
		set.rules = append(set.rules, rule)
	}

	if c.config.TrackDependencies {
		for _, rule := range set.rules {
			deps, err := c.provider.GetRuleDependencies(ctx, rule.ID)
			if err != nil {
				return nil, fmt.Errorf("load dependencies of %s: %w", rule.ID, err)
			}
			set.edges[rule.ID] = deps
		}
	}
	return set, nil
}

func (c *RuleCache) applyRefreshSet(set *refreshSet, opts RefreshOptions) {
	rebuild := opts.Full && len(opts.Types) == 0

	if rebuild {
		fresh := make(idSet, len(set.rules))
		for _, rule := range set.rules {
			fresh[rule.ID] = struct{}{}
		}
		vanished := make(idSet)
		for _, id := range append(c.l1.keys(), c.l2.keys()...) {
			if _, ok := fresh[id]; !ok {
				vanished[id] = struct{}{}
			}
		}
		// Cascade before the graph is replaced, which forgets the reverse edges
		for _, id := range slices.Sorted(maps.Keys(vanished)) {
			c.removeRule(id)
		}
	}

	if c.config.TrackDependencies {
		if rebuild {
			c.deps.replaceAll(set.edges)
		} else {
			for id, deps := range set.edges {
				c.deps.setEdges(id, deps)
			}
		}
	}

	for _, rule := range set.rules {
		stored, _ := c.put(rule)
		c.schedulePrecompile(stored)
	}
}

func filterTypes(rules []*Rule, types []RuleType) []*Rule {
	if len(types) == 0 {
		return rules
	}
	out := rules[:0:0]
	for _, rule := range rules {
		for _, t := range types {
			if rule.Type == t {
				out = append(out, rule)
				break
			}
		}
	}
	return out
}

// StartAutoRefresh starts the periodic incremental refresh. It is a no-op
// when the scheduler is already running or the cache is disposed.
func (c *RuleCache) StartAutoRefresh() {
	c.autoMu.Lock()
	defer c.autoMu.Unlock()

	if c.autoCancel != nil || c.disposed.Load() {
		return
	}

	interval := c.config.AutoRefresh.Interval
	if interval <= 0 {
		interval = DefaultCacheConfig().AutoRefresh.Interval
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.autoCancel = cancel
	c.autoDone = done

	go c.runAutoRefresh(ctx, interval, done)
	c.logger.Info("auto refresh started", "interval", interval)
}

// StopAutoRefresh stops the scheduler and waits for an in-flight tick to
// finish
func (c *RuleCache) StopAutoRefresh() {
	c.autoMu.Lock()
	cancel, done := c.autoCancel, c.autoDone
	c.autoCancel, c.autoDone = nil, nil
	c.autoMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info("auto refresh stopped")
}

func (c *RuleCache) runAutoRefresh(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := c.tryRefresh(ctx, RefreshOptions{})
			switch {
			case err == nil:
			case errors.Is(err, ErrRefreshInProgress):
				c.logger.Debug("auto refresh skipped, refresh already running")
			case ctx.Err() != nil, errors.Is(err, ErrCacheDisposed):
				return
			default:
				c.logger.Warn("auto refresh failed", "error", err)
			}
		}
	}
}
