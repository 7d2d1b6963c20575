package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	L1 TierConfig
	L2 TierConfig

	// TrackDependencies keeps the dependency graph current so that changes
	// cascade to dependent rules
	TrackDependencies bool

	// PrecompileRules compiles rules in the background as they are cached
	PrecompileRules bool

	AutoRefresh AutoRefreshConfig

	// BackgroundWorkers and BackgroundQueueSize size the queue that runs
	// dependency refresh and precompilation
	BackgroundWorkers   int
	BackgroundQueueSize int

	// ProviderTimeout bounds a single cache-fill fetch shared by concurrent callers
	ProviderTimeout time.Duration

	CompileOptions CompileOptions

	Logger *slog.Logger
}

// AutoRefreshConfig controls the periodic incremental refresh
type AutoRefreshConfig struct {
	Enabled  bool
	Interval time.Duration
}

// DefaultCacheConfig returns sensible defaults for rule caching
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		L1: TierConfig{
			Enabled:        true,
			MaxEntries:     1000,
			TTL:            time.Hour,
			UpdateAgeOnGet: true,
		},
		L2: TierConfig{
			Enabled:    true,
			MaxEntries: 10000,
			TTL:        24 * time.Hour,
		},
		TrackDependencies: true,
		PrecompileRules:   true,
		AutoRefresh: AutoRefreshConfig{
			Enabled:  true,
			Interval: 5 * time.Minute,
		},
		BackgroundWorkers:   2,
		BackgroundQueueSize: 256,
		ProviderTimeout:     30 * time.Second,
		CompileOptions:      DefaultCompileOptions(),
	}
}

// GetOptions tunes GetRule
type GetOptions struct {
	// ForceFresh bypasses both tiers and reloads the rule from the provider
	ForceFresh bool

	// Compile attaches the compiled form of the rule's current version
	Compile bool
}

// ListOptions tunes GetRulesByType and GetAllRules
type ListOptions struct {
	ForceFresh bool
	Compile    bool

	// Status filters the result. GetRulesByType defaults to StatusActive
	// unless AnyStatus is set; GetAllRules does not filter by default.
	Status    RuleStatus
	AnyStatus bool
}

// ClearOptions selects what Clear keeps. The zero value clears everything.
type ClearOptions struct {
	KeepL1           bool
	KeepL2           bool
	KeepCompiled     bool
	KeepDependencies bool
}

// RuleEntry is a cached rule, with its compiled form when requested
type RuleEntry struct {
	Rule     *Rule
	Compiled *CompiledRule
}

// RuleCache is a two-tier read-through cache of rules and their compiled
// forms, fronting a RuleProvider. It tracks rule dependencies so that
// changes invalidate dependent compiled rules, and can refresh itself
// periodically. Safe for concurrent use.
type RuleCache struct {
	compiler RuleCompiler
	provider RuleProvider
	config   CacheConfig
	logger   *slog.Logger

	l1       *tier
	l2       *tier
	compiled *compiledStore
	deps     *dependencyGraph
	stats    *statsCollector
	events   eventBus
	queue    *taskQueue

	fetches  singleflight.Group
	compiles singleflight.Group

	// refreshSem serialises refreshes; a scheduled tick skips when it is held
	refreshSem chan struct{}

	autoMu     sync.Mutex
	autoCancel context.CancelFunc
	autoDone   chan struct{}

	disposed atomic.Bool
}

// NewRuleCache creates a cache over provider using compiler. When
// config.AutoRefresh.Enabled is set the refresh scheduler starts immediately.
func NewRuleCache(compiler RuleCompiler, provider RuleProvider, config CacheConfig) *RuleCache {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = DefaultCacheConfig().ProviderTimeout
	}

	stats := newStatsCollector()
	c := &RuleCache{
		compiler:   compiler,
		provider:   provider,
		config:     config,
		logger:     config.Logger,
		l1:         newTier(levelL1, config.L1),
		l2:         newTier(levelL2, config.L2),
		compiled:   newCompiledStore(),
		deps:       newDependencyGraph(),
		stats:      stats,
		queue:      newTaskQueue(config.BackgroundWorkers, config.BackgroundQueueSize, config.Logger, stats),
		refreshSem: make(chan struct{}, 1),
	}

	if config.AutoRefresh.Enabled {
		c.StartAutoRefresh()
	}
	return c
}

// Subscribe registers h for cache events and returns a function that
// removes it
func (c *RuleCache) Subscribe(h EventHandler) (unsubscribe func()) {
	return c.events.subscribe(h)
}

// GetRule returns the rule with the given ID, looking in L1, then L2, then
// the provider. A provider miss returns ErrRuleNotFound.
func (c *RuleCache) GetRule(ctx context.Context, id string, opts GetOptions) (*RuleEntry, error) {
	if c.disposed.Load() {
		return nil, ErrCacheDisposed
	}

	start := time.Now()
	defer func() { c.stats.observeGet(time.Since(start)) }()

	if !opts.ForceFresh {
		if rule, ok := c.lookup(id); ok {
			return c.entry(rule, opts.Compile), nil
		}
	}

	rule, err := c.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.entry(rule, opts.Compile), nil
}

// Evaluate compiles (or reuses) the rule's current version and runs it
// against facts
func (c *RuleCache) Evaluate(ctx context.Context, id string, facts Facts, opts EvalOptions) (*EvaluationResult, error) {
	entry, err := c.GetRule(ctx, id, GetOptions{Compile: true})
	if err != nil {
		return nil, err
	}
	return entry.Compiled.Evaluate(ctx, facts, opts), nil
}

// GetRulesByType loads all rules of a type from the provider, writes them
// through to the cache and returns those matching the status filter
func (c *RuleCache) GetRulesByType(ctx context.Context, ruleType RuleType, opts ListOptions) ([]*RuleEntry, error) {
	if c.disposed.Load() {
		return nil, ErrCacheDisposed
	}

	rules, err := c.provider.GetRulesByType(ctx, ruleType)
	if err != nil {
		c.logger.Error("failed to load rules by type", "rule_type", ruleType, "error", err)
		return nil, fmt.Errorf("get rules of type %s: %w", ruleType, err)
	}

	if opts.Status == "" && !opts.AnyStatus {
		opts.Status = StatusActive
	}
	return c.writeThrough(rules, opts), nil
}

// GetAllRules loads every rule from the provider and writes them through to
// the cache. Compilation is opt-in here since it is O(N).
func (c *RuleCache) GetAllRules(ctx context.Context, opts ListOptions) ([]*RuleEntry, error) {
	if c.disposed.Load() {
		return nil, ErrCacheDisposed
	}

	rules, err := c.provider.GetAllRules(ctx)
	if err != nil {
		c.logger.Error("failed to load all rules", "error", err)
		return nil, fmt.Errorf("get all rules: %w", err)
	}

	if opts.AnyStatus {
		opts.Status = ""
	}
	return c.writeThrough(rules, opts), nil
}

// SetRule writes rule to both tiers, refreshes its dependency edges in the
// background and, when enabled, precompiles it. Setting an unchanged rule
// again only refreshes its TTL.
func (c *RuleCache) SetRule(rule *Rule) error {
	if c.disposed.Load() {
		return ErrCacheDisposed
	}
	if rule == nil {
		return errors.New("set rule: rule is nil")
	}
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("set rule: %w", err)
	}

	start := time.Now()
	stored, _ := c.put(rule)
	c.scheduleDependencyRefresh(stored)
	c.schedulePrecompile(stored)
	c.stats.observeSet(time.Since(start))

	c.events.emit(Event{Type: EventRuleSet, RuleID: stored.ID})
	return nil
}

// DeleteRule removes a rule from both tiers and the compiled store, then
// invalidates the compiled form of every rule that transitively depends on it
func (c *RuleCache) DeleteRule(id string) error {
	if c.disposed.Load() {
		return ErrCacheDisposed
	}

	c.removeRule(id)
	return nil
}

// Invalidate drops the compiled form of id and of every rule that
// transitively depends on it. Cached rules stay in place. It returns the
// IDs that were invalidated, id first.
func (c *RuleCache) Invalidate(id string) []string {
	c.compiled.evict(id)
	c.stats.update(func(s *Stats) { s.Invalidations++ })
	c.events.emit(Event{Type: EventRuleInvalidate, RuleID: id, CausedBy: id})

	return append([]string{id}, c.invalidateDependents(id)...)
}

// Dependencies returns the IDs id directly depends on
func (c *RuleCache) Dependencies(id string) []string {
	return c.deps.dependencies(id)
}

// Dependents returns the IDs that directly depend on id
func (c *RuleCache) Dependents(id string) []string {
	return c.deps.dependents(id)
}

// Clear wipes the selected parts of the cache
func (c *RuleCache) Clear(opts ClearOptions) {
	if !opts.KeepL1 {
		c.l1.purge()
	}
	if !opts.KeepL2 {
		c.l2.purge()
	}
	if !opts.KeepCompiled {
		c.compiled.clear()
	}
	if !opts.KeepDependencies {
		c.deps.clear()
	}
	c.events.emit(Event{Type: EventCacheClear, Clear: opts})
}

// Stats returns a snapshot of cache statistics
func (c *RuleCache) Stats() Stats {
	s := c.stats.snapshot()
	s.L1.Size = c.l1.len()
	s.L2.Size = c.l2.len()
	s.CompiledSize = c.compiled.len()
	return s
}

// ResetStats zeroes all counters and timings
func (c *RuleCache) ResetStats() {
	c.stats.reset()
}

// WaitIdle blocks until queued background work has finished or ctx is done
func (c *RuleCache) WaitIdle(ctx context.Context) error {
	return c.queue.waitIdle(ctx)
}

// Dispose stops the refresh scheduler and background workers, clears the
// cache and detaches all subscribers. Safe to call more than once.
//
// The expiry goroutine of each TTL tier cannot be stopped with
// golang-lru v2.0.7 and outlives Dispose; create caches once per process.
func (c *RuleCache) Dispose() {
	if !c.disposed.CompareAndSwap(false, true) {
		return
	}

	c.StopAutoRefresh()
	c.queue.stop()
	c.Clear(ClearOptions{})
	c.events.removeAll()
}

// lookup checks L1 then L2, promoting L2 hits into L1
func (c *RuleCache) lookup(id string) (*Rule, bool) {
	if c.l1.enabled() {
		if rule, ok := c.l1.get(id); ok {
			c.stats.hit(levelL1, id)
			return rule, true
		}
		c.stats.miss(levelL1)
	}

	if c.l2.enabled() {
		if rule, ok := c.l2.get(id); ok {
			c.stats.hit(levelL2, id)
			if c.l1.add(rule) {
				c.stats.stored(levelL1)
			}
			return rule, true
		}
		c.stats.miss(levelL2)
	}

	return nil, false
}

// fetch loads id from the provider and fills the cache. Concurrent fetches
// of the same ID share one provider call; a caller that gives up does not
// cancel the shared call.
func (c *RuleCache) fetch(ctx context.Context, id string) (*Rule, error) {
	ch := c.fetches.DoChan(id, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.ProviderTimeout)
		defer cancel()

		rule, err := c.provider.GetRuleByID(fetchCtx, id)
		if errors.Is(err, ErrRuleNotFound) {
			c.evictLocal(id)
			return nil, err
		}
		if err != nil {
			return nil, err
		}

		stored, changed := c.put(rule)
		if changed {
			c.scheduleDependencyRefresh(stored)
			c.schedulePrecompile(stored)
		}
		return stored, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if !errors.Is(res.Err, ErrRuleNotFound) {
				c.logger.Error("failed to fetch rule", "rule_id", id, "error", res.Err)
			}
			return nil, fmt.Errorf("get rule %s: %w", id, res.Err)
		}
		return res.Val.(*Rule), nil
	}
}

// put stores a copy of rule in both tiers. changed is true when the rule was
// not cached before or its version differs from the cached one; a version
// change drops stale compiled forms and cascades to dependents.
func (c *RuleCache) put(rule *Rule) (stored *Rule, changed bool) {
	stored = rule.Clone()
	prev, existed := c.currentVersion(stored.ID)

	if c.l1.add(stored) {
		c.stats.stored(levelL1)
	}
	if c.l2.add(stored) {
		c.stats.stored(levelL2)
	}

	if existed && prev != stored.Version {
		c.compiled.evictOtherVersions(stored.ID, stored.Version)
		c.invalidateDependents(stored.ID)
	}
	return stored, !existed || prev != stored.Version
}

// currentVersion reports the version of id held by the cache, if any
func (c *RuleCache) currentVersion(id string) (int64, bool) {
	if rule, ok := c.l1.peek(id); ok {
		return rule.Version, true
	}
	if rule, ok := c.l2.peek(id); ok {
		return rule.Version, true
	}
	return 0, false
}

// removeRule drops every local trace of id and cascades to its dependents
// while the graph still knows them
func (c *RuleCache) removeRule(id string) {
	c.evictLocal(id)
	c.stats.update(func(s *Stats) { s.Deletes++ })
	c.events.emit(Event{Type: EventRuleDelete, RuleID: id})

	c.invalidateDependents(id)
	c.deps.removeRule(id)
}

func (c *RuleCache) evictLocal(id string) {
	c.l1.remove(id)
	c.l2.remove(id)
	c.compiled.evict(id)
}

func (c *RuleCache) invalidateDependents(id string) []string {
	dependents := c.deps.transitiveDependents(id)
	for _, dependent := range dependents {
		c.compiled.evict(dependent)
		c.stats.update(func(s *Stats) { s.Invalidations++ })
		c.events.emit(Event{Type: EventRuleInvalidate, RuleID: dependent, CausedBy: id})
	}
	return dependents
}

func (c *RuleCache) writeThrough(rules []*Rule, opts ListOptions) []*RuleEntry {
	entries := make([]*RuleEntry, 0, len(rules))
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			c.logger.Warn("skipping invalid rule from provider", "rule_id", rule.ID, "error", err)
			continue
		}

		stored, changed := c.put(rule)
		if changed {
			c.scheduleDependencyRefresh(stored)
			c.schedulePrecompile(stored)
		}

		if opts.Status != "" && stored.Status != opts.Status {
			continue
		}
		entries = append(entries, c.entry(stored, opts.Compile))
	}
	return entries
}

func (c *RuleCache) entry(rule *Rule, compile bool) *RuleEntry {
	e := &RuleEntry{Rule: rule}
	if compile {
		e.Compiled = c.compiledFor(rule)
	}
	return e
}

// compiledFor returns the compiled form of rule's current version,
// compiling it synchronously on a miss
func (c *RuleCache) compiledFor(rule *Rule) *CompiledRule {
	if cr, ok := c.compiled.get(rule.ID, rule.Version); ok {
		return cr
	}

	key := fmt.Sprintf("%s@%d", rule.ID, rule.Version)
	v, _, _ := c.compiles.Do(key, func() (any, error) {
		if cr, ok := c.compiled.get(rule.ID, rule.Version); ok {
			return cr, nil
		}
		return c.compile(rule), nil
	})
	return v.(*CompiledRule)
}

func (c *RuleCache) compile(rule *Rule) *CompiledRule {
	start := time.Now()
	cr, err := c.compiler.Compile(rule, c.config.CompileOptions)
	if cr == nil {
		if err == nil {
			err = errors.New("compiler returned no rule")
		}
		cr = newNeverMatch(rule, err, start)
	}
	failed := err != nil || cr.Err != nil
	if failed {
		c.logger.Warn("rule compiled to never-match", "rule_id", rule.ID, "version", rule.Version, "error", firstErr(err, cr.Err))
	}
	c.stats.observeCompile(rule.ID, time.Since(start), failed)

	// A newer version may have been cached while compiling
	if v, ok := c.currentVersion(rule.ID); !ok || v == cr.Version {
		c.compiled.set(cr)
	}
	return cr
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *RuleCache) scheduleDependencyRefresh(rule *Rule) {
	if !c.config.TrackDependencies {
		return
	}
	id := rule.ID
	c.queue.enqueue(task{
		name:   "dependencies",
		ruleID: id,
		run: func(ctx context.Context) error {
			deps, err := c.provider.GetRuleDependencies(ctx, id)
			if err != nil {
				return fmt.Errorf("load dependencies of %s: %w", id, err)
			}
			c.deps.setEdges(id, deps)
			return nil
		},
	})
}

func (c *RuleCache) schedulePrecompile(rule *Rule) {
	if !c.config.PrecompileRules {
		return
	}
	if _, ok := c.compiled.get(rule.ID, rule.Version); ok {
		return
	}
	c.queue.enqueue(task{
		name:   "precompile",
		ruleID: rule.ID,
		run: func(context.Context) error {
			if cr := c.compiledFor(rule); cr.Err != nil {
				return cr.Err
			}
			return nil
		},
	})
}
