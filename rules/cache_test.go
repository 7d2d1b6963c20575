package rules

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errProviderDown = errors.New("provider unavailable")

// stubProvider wraps the in-memory provider with call counting, failure
// injection and an optional gate that holds GetRuleByID until closed
type stubProvider struct {
	*InMemoryRuleProvider
	getCalls atomic.Int64
	fail     atomic.Bool
	gate     chan struct{}
}

func newStubProvider() *stubProvider {
	return &stubProvider{InMemoryRuleProvider: NewInMemoryRuleProvider()}
}

func (p *stubProvider) GetRuleByID(ctx context.Context, id string) (*Rule, error) {
	p.getCalls.Add(1)
	if p.gate != nil {
		<-p.gate
	}
	if p.fail.Load() {
		return nil, errProviderDown
	}
	return p.InMemoryRuleProvider.GetRuleByID(ctx, id)
}

func (p *stubProvider) GetRulesByType(ctx context.Context, ruleType RuleType) ([]*Rule, error) {
	if p.fail.Load() {
		return nil, errProviderDown
	}
	return p.InMemoryRuleProvider.GetRulesByType(ctx, ruleType)
}

func (p *stubProvider) GetAllRules(ctx context.Context) ([]*Rule, error) {
	if p.fail.Load() {
		return nil, errProviderDown
	}
	return p.InMemoryRuleProvider.GetAllRules(ctx)
}

func (p *stubProvider) GetRulesUpdatedSince(ctx context.Context, since time.Time) ([]*Rule, error) {
	if p.fail.Load() {
		return nil, errProviderDown
	}
	return p.InMemoryRuleProvider.GetRulesUpdatedSince(ctx, since)
}

func (p *stubProvider) mustAdd(t *testing.T, rules ...*Rule) {
	t.Helper()
	for _, r := range rules {
		if err := p.AddRule(context.Background(), r); err != nil {
			t.Fatalf("AddRule(%s) failed: %v", r.ID, err)
		}
	}
}

func (p *stubProvider) mustDepend(t *testing.T, ruleID string, dependsOn ...string) {
	t.Helper()
	deps := make([]RuleDependency, 0, len(dependsOn))
	for _, d := range dependsOn {
		deps = append(deps, RuleDependency{RuleID: ruleID, DependsOnRuleID: d, Type: DependencyRequired})
	}
	if err := p.SetDependencies(context.Background(), ruleID, deps); err != nil {
		t.Fatalf("SetDependencies(%s) failed: %v", ruleID, err)
	}
}

func testCacheConfig() CacheConfig {
	config := DefaultCacheConfig()
	config.AutoRefresh.Enabled = false
	config.Logger = quietLogger()
	return config
}

func newTestCache(t *testing.T, provider RuleProvider, configure func(*CacheConfig)) *RuleCache {
	t.Helper()
	config := testCacheConfig()
	if configure != nil {
		configure(&config)
	}
	cache := NewRuleCache(newTestCompiler(t), provider, config)
	t.Cleanup(cache.Dispose)
	return cache
}

func waitIdle(t *testing.T, cache *RuleCache) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cache.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle() failed: %v", err)
	}
}

// eventRecorder collects events delivered to a subscriber
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func record(cache *RuleCache) *eventRecorder {
	r := &eventRecorder{}
	cache.Subscribe(func(e Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	})
	return r
}

func (r *eventRecorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// TestSetRuleIdempotent checks that setting an unchanged rule twice counts
// two sets but serves the same data
func TestSetRuleIdempotent(t *testing.T) {
	cache := newTestCache(t, newStubProvider(), nil)
	ctx := context.Background()
	rule := testRule("r1", "regex:^admin")

	if err := cache.SetRule(rule); err != nil {
		t.Fatalf("SetRule() failed: %v", err)
	}
	first, err := cache.GetRule(ctx, "r1", GetOptions{})
	if err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}

	if err := cache.SetRule(rule); err != nil {
		t.Fatalf("SetRule() failed: %v", err)
	}
	second, err := cache.GetRule(ctx, "r1", GetOptions{})
	if err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}

	if !reflect.DeepEqual(*first.Rule, *second.Rule) {
		t.Errorf("GetRule results differ:\n%+v\n%+v", first.Rule, second.Rule)
	}

	stats := cache.Stats()
	if stats.L1.Sets != 2 || stats.L2.Sets != 2 {
		t.Errorf("expected 2 sets per tier, got L1=%d L2=%d", stats.L1.Sets, stats.L2.Sets)
	}
}

func TestSetRuleStoresCopy(t *testing.T) {
	cache := newTestCache(t, newStubProvider(), nil)
	rule := testRule("r1", "regex:a")

	if err := cache.SetRule(rule); err != nil {
		t.Fatalf("SetRule() failed: %v", err)
	}
	rule.Pattern = "regex:changed"

	entry, err := cache.GetRule(context.Background(), "r1", GetOptions{})
	if err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}
	if entry.Rule.Pattern != "regex:a" {
		t.Errorf("cached rule changed with caller's copy: %s", entry.Rule.Pattern)
	}
}

func TestSetRuleRejectsInvalid(t *testing.T) {
	cache := newTestCache(t, newStubProvider(), nil)

	rule := testRule("bad id!", "regex:a")
	if err := cache.SetRule(rule); err == nil {
		t.Error("expected SetRule to reject an invalid rule")
	}
	if err := cache.SetRule(nil); err == nil {
		t.Error("expected SetRule to reject nil")
	}
}

func TestGetRuleReadThrough(t *testing.T) {
	provider := newStubProvider()
	provider.mustAdd(t, testRule("r1", "regex:a"))
	cache := newTestCache(t, provider, nil)
	ctx := context.Background()

	for range 3 {
		entry, err := cache.GetRule(ctx, "r1", GetOptions{})
		if err != nil {
			t.Fatalf("GetRule() failed: %v", err)
		}
		if entry.Rule.ID != "r1" || entry.Compiled != nil {
			t.Errorf("unexpected entry %+v", entry)
		}
	}

	if calls := provider.getCalls.Load(); calls != 1 {
		t.Errorf("expected 1 provider call, got %d", calls)
	}

	stats := cache.Stats()
	if stats.L1.Hits != 2 || stats.L1.Misses != 1 || stats.L2.Misses != 1 {
		t.Errorf("unexpected tier stats L1=%+v L2=%+v", stats.L1, stats.L2)
	}
	if stats.RuleHits["r1"] != 2 {
		t.Errorf("RuleHits[r1] = %d, want 2", stats.RuleHits["r1"])
	}
	if stats.AvgGetTime <= 0 {
		t.Error("expected a non-zero average get time")
	}
}

func TestGetRuleNotFound(t *testing.T) {
	cache := newTestCache(t, newStubProvider(), nil)

	_, err := cache.GetRule(context.Background(), "missing", GetOptions{})
	if !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestGetRuleForceFreshDropsDeletedRule(t *testing.T) {
	cache := newTestCache(t, newStubProvider(), nil)
	if err := cache.SetRule(testRule("local", "regex:a")); err != nil {
		t.Fatalf("SetRule() failed: %v", err)
	}

	_, err := cache.GetRule(context.Background(), "local", GetOptions{ForceFresh: true})
	if !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
	if _, ok := cache.l1.peek("local"); ok {
		t.Error("rule the provider no longer has should be dropped from L1")
	}
}

// TestGetRuleProviderError checks that I/O failures reach the caller and
// leave cached rules alone
func TestGetRuleProviderError(t *testing.T) {
	provider := newStubProvider()
	cache := newTestCache(t, provider, nil)
	if err := cache.SetRule(testRule("cached", "regex:a")); err != nil {
		t.Fatalf("SetRule() failed: %v", err)
	}

	provider.fail.Store(true)

	_, err := cache.GetRule(context.Background(), "uncached", GetOptions{})
	if !errors.Is(err, errProviderDown) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if errors.Is(err, ErrRuleNotFound) {
		t.Error("provider failure should not look like a missing rule")
	}

	if _, err := cache.GetRule(context.Background(), "cached", GetOptions{}); err != nil {
		t.Errorf("cached rule should still be served: %v", err)
	}
}

// TestGetRuleCoalescesFetches checks that concurrent misses share one
// provider call
func TestGetRuleCoalescesFetches(t *testing.T) {
	provider := newStubProvider()
	provider.mustAdd(t, testRule("hot", "regex:a"))
	provider.gate = make(chan struct{})
	cache := newTestCache(t, provider, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.GetRule(context.Background(), "hot", GetOptions{})
			errs <- err
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for provider.getCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(provider.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("GetRule() failed: %v", err)
		}
	}
	if calls := provider.getCalls.Load(); calls != 1 {
		t.Errorf("expected 1 provider call, got %d", calls)
	}
}

func TestGetRuleCallerCancellation(t *testing.T) {
	provider := newStubProvider()
	provider.mustAdd(t, testRule("slow", "regex:a"))
	provider.gate = make(chan struct{})
	t.Cleanup(func() { close(provider.gate) })
	cache := newTestCache(t, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for provider.getCalls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := cache.GetRule(ctx, "slow", GetOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// TestTierPromotion seeds only L2 and checks a read promotes into L1
func TestTierPromotion(t *testing.T) {
	provider := newStubProvider()
	cache := newTestCache(t, provider, nil)

	rule := testRule("l2-only", "regex:a")
	cache.l2.add(rule)

	entry, err := cache.GetRule(context.Background(), "l2-only", GetOptions{})
	if err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}
	if entry.Rule.Pattern != "regex:a" {
		t.Errorf("unexpected rule %+v", entry.Rule)
	}
	if _, ok := cache.l1.peek("l2-only"); !ok {
		t.Error("rule should have been promoted to L1")
	}
	if calls := provider.getCalls.Load(); calls != 0 {
		t.Errorf("L2 hit should not reach the provider, got %d calls", calls)
	}

	stats := cache.Stats()
	if stats.L2.Hits != 1 || stats.L1.Sets != 1 {
		t.Errorf("unexpected stats L1=%+v L2=%+v", stats.L1, stats.L2)
	}
}

func TestDisabledTiersAlwaysFetch(t *testing.T) {
	provider := newStubProvider()
	provider.mustAdd(t, testRule("r1", "regex:a"))
	cache := newTestCache(t, provider, func(c *CacheConfig) {
		c.L1.Enabled = false
		c.L2.Enabled = false
	})

	for range 2 {
		if _, err := cache.GetRule(context.Background(), "r1", GetOptions{Compile: true}); err != nil {
			t.Fatalf("GetRule() failed: %v", err)
		}
	}
	if calls := provider.getCalls.Load(); calls != 2 {
		t.Errorf("expected every read to reach the provider, got %d calls", calls)
	}
	if size := cache.Stats().CompiledSize; size != 1 {
		t.Errorf("compiled store should still cache, size %d", size)
	}
}

// TestVersionGatedRecompilation checks that a version bump produces a fresh
// compiled artifact
func TestVersionGatedRecompilation(t *testing.T) {
	cache := newTestCache(t, newStubProvider(), func(c *CacheConfig) {
		c.PrecompileRules = false
	})
	ctx := context.Background()

	v1 := testRule("r1", "regex:^one")
	if err := cache.SetRule(v1); err != nil {
		t.Fatalf("SetRule() failed: %v", err)
	}
	first, err := cache.GetRule(ctx, "r1", GetOptions{Compile: true})
	if err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}

	again, err := cache.GetRule(ctx, "r1", GetOptions{Compile: true})
	if err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}
	if again.Compiled != first.Compiled {
		t.Error("same version should reuse the compiled artifact")
	}

	v2 := testRule("r1", "regex:^two")
	v2.Version = 2
	if err := cache.SetRule(v2); err != nil {
		t.Fatalf("SetRule() failed: %v", err)
	}
	second, err := cache.GetRule(ctx, "r1", GetOptions{Compile: true})
	if err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}

	if second.Compiled == first.Compiled || second.Compiled.Version != 2 {
		t.Fatalf("expected a new version-2 artifact, got version %d", second.Compiled.Version)
	}
	if res := second.Compiled.Evaluate(ctx, Facts{"data": "two"}, EvalOptions{}); !res.Matched {
		t.Error("version-2 artifact should use the new pattern")
	}

	stats := cache.Stats()
	if stats.Compilations != 2 || stats.RuleCompilations["r1"] != 2 {
		t.Errorf("expected 2 compilations, got %d", stats.Compilations)
	}
	if stats.CompiledSize != 1 {
		t.Errorf("stale version should be evicted, compiled size %d", stats.CompiledSize)
	}
}

func TestPrecompileOnSet(t *testing.T) {
	cache := newTestCache(t, newStubProvider(), nil)

	if err := cache.SetRule(testRule("r1", "regex:a")); err != nil {
		t.Fatalf("SetRule() failed: %v", err)
	}
	waitIdle(t, cache)

	if _, ok := cache.compiled.get("r1", 1); !ok {
		t.Fatal("rule should have been precompiled")
	}
	if _, err := cache.GetRule(context.Background(), "r1", GetOptions{Compile: true}); err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}
	if n := cache.Stats().Compilations; n != 1 {
		t.Errorf("expected the precompiled artifact to be reused, got %d compilations", n)
	}
}

func TestCompileFailureCounted(t *testing.T) {
	cache := newTestCache(t, newStubProvider(), func(c *CacheConfig) {
		c.PrecompileRules = false
	})
	if err := cache.SetRule(testRule("broken", "regex:(")); err != nil {
		t.Fatalf("SetRule() failed: %v", err)
	}

	res, err := cache.Evaluate(context.Background(), "broken", Facts{"data": "("}, EvalOptions{})
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if res.Matched {
		t.Error("broken rule should never match")
	}
	if n := cache.Stats().CompilationErrors; n != 1 {
		t.Errorf("CompilationErrors = %d, want 1", n)
	}
}

// TestDependencyCascade checks that deleting a rule evicts the compiled
// form of the rules that depend on it
func TestDependencyCascade(t *testing.T) {
	provider := newStubProvider()
	a, b := testRule("A", "regex:a"), testRule("B", "regex:b")
	provider.mustAdd(t, a, b)
	provider.mustDepend(t, "A", "B")

	cache := newTestCache(t, provider, nil)
	events := record(cache)

	for _, r := range []*Rule{a, b} {
		if err := cache.SetRule(r); err != nil {
			t.Fatalf("SetRule(%s) failed: %v", r.ID, err)
		}
	}
	waitIdle(t, cache)

	if got := cache.Dependents("B"); !slices.Equal(got, []string{"A"}) {
		t.Fatalf("Dependents(B) = %v, want [A]", got)
	}
	if n := cache.Stats().Compilations; n != 2 {
		t.Fatalf("expected both rules precompiled, got %d compilations", n)
	}

	if err := cache.DeleteRule("B"); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	if _, ok := cache.compiled.get("A", 1); ok {
		t.Error("A's compiled artifact should have been invalidated")
	}

	if _, err := cache.GetRule(context.Background(), "A", GetOptions{Compile: true}); err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}
	stats := cache.Stats()
	if stats.Compilations != 3 {
		t.Errorf("expected A to be recompiled, got %d compilations", stats.Compilations)
	}
	if stats.Deletes != 1 || stats.Invalidations != 1 {
		t.Errorf("Deletes=%d Invalidations=%d, want 1 and 1", stats.Deletes, stats.Invalidations)
	}

	inv := events.ofType(EventRuleInvalidate)
	if len(inv) != 1 || inv[0].RuleID != "A" || inv[0].CausedBy != "B" {
		t.Errorf("unexpected invalidate events %+v", inv)
	}
	if del := events.ofType(EventRuleDelete); len(del) != 1 || del[0].RuleID != "B" {
		t.Errorf("unexpected delete events %+v", del)
	}
}

func TestTransitiveCascade(t *testing.T) {
	provider := newStubProvider()
	provider.mustAdd(t, testRule("A", "regex:a"), testRule("B", "regex:b"), testRule("C", "regex:c"))
	provider.mustDepend(t, "A", "B")
	provider.mustDepend(t, "B", "C")

	cache := newTestCache(t, provider, nil)
	for _, id := range []string{"A", "B", "C"} {
		if _, err := cache.GetRule(context.Background(), id, GetOptions{}); err != nil {
			t.Fatalf("GetRule(%s) failed: %v", id, err)
		}
	}
	waitIdle(t, cache)

	got := cache.Invalidate("C")
	if !slices.Equal(got, []string{"C", "B", "A"}) {
		t.Errorf("Invalidate(C) = %v, want [C B A]", got)
	}
	if size := cache.Stats().CompiledSize; size != 0 {
		t.Errorf("all compiled artifacts should be gone, %d left", size)
	}
}

// TestCycleSafety checks that a dependency cycle terminates and touches
// each rule once
func TestCycleSafety(t *testing.T) {
	provider := newStubProvider()
	a, b := testRule("A", "regex:a"), testRule("B", "regex:b")
	provider.mustAdd(t, a, b)
	provider.mustDepend(t, "A", "B")
	provider.mustDepend(t, "B", "A")

	cache := newTestCache(t, provider, nil)
	events := record(cache)
	for _, r := range []*Rule{a, b} {
		if err := cache.SetRule(r); err != nil {
			t.Fatalf("SetRule(%s) failed: %v", r.ID, err)
		}
	}
	waitIdle(t, cache)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := cache.DeleteRule("A"); err != nil {
			t.Errorf("DeleteRule() failed: %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("DeleteRule did not terminate on a dependency cycle")
	}

	inv := events.ofType(EventRuleInvalidate)
	if len(inv) != 1 || inv[0].RuleID != "B" || inv[0].CausedBy != "A" {
		t.Errorf("expected B invalidated once by A, got %+v", inv)
	}
	if size := cache.Stats().CompiledSize; size != 0 {
		t.Errorf("both compiled artifacts should be gone, %d left", size)
	}

	// Edges declared by A are gone, edges pointing at A remain
	if got := cache.Invalidate("A"); !slices.Equal(got, []string{"A", "B"}) {
		t.Errorf("Invalidate(A) = %v, want [A B]", got)
	}
	if got := cache.Invalidate("B"); !slices.Equal(got, []string{"B"}) {
		t.Errorf("Invalidate(B) = %v, want [B]", got)
	}
}

func TestSetRuleVersionChangeCascades(t *testing.T) {
	provider := newStubProvider()
	a, b := testRule("A", "regex:a"), testRule("B", "regex:b")
	provider.mustAdd(t, a, b)
	provider.mustDepend(t, "A", "B")

	cache := newTestCache(t, provider, nil)
	for _, r := range []*Rule{a, b} {
		if err := cache.SetRule(r); err != nil {
			t.Fatalf("SetRule(%s) failed: %v", r.ID, err)
		}
	}
	waitIdle(t, cache)

	b2 := b.Clone()
	b2.Version = 2
	if err := cache.SetRule(b2); err != nil {
		t.Fatalf("SetRule() failed: %v", err)
	}
	if _, ok := cache.compiled.get("A", 1); ok {
		t.Error("updating B should invalidate A")
	}
}

func TestGetRulesByTypeFiltersStatus(t *testing.T) {
	provider := newStubProvider()
	disabled := testRule("off", "regex:a")
	disabled.Status = StatusDisabled
	other := testRule("other", "regex:a")
	other.Type = TypeRateLimit
	provider.mustAdd(t, testRule("on", "regex:a"), disabled, other)

	cache := newTestCache(t, provider, nil)
	ctx := context.Background()

	active, err := cache.GetRulesByType(ctx, TypeAccessControl, ListOptions{Compile: true})
	if err != nil {
		t.Fatalf("GetRulesByType() failed: %v", err)
	}
	if len(active) != 1 || active[0].Rule.ID != "on" || active[0].Compiled == nil {
		t.Errorf("expected only the active rule, compiled; got %+v", active)
	}

	all, err := cache.GetRulesByType(ctx, TypeAccessControl, ListOptions{AnyStatus: true})
	if err != nil {
		t.Fatalf("GetRulesByType() failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 rules with AnyStatus, got %d", len(all))
	}

	// Everything the provider returned is written through
	if _, ok := cache.l1.peek("off"); !ok {
		t.Error("filtered rule should still be cached")
	}
}

func TestGetAllRules(t *testing.T) {
	provider := newStubProvider()
	disabled := testRule("off", "regex:a")
	disabled.Status = StatusDisabled
	provider.mustAdd(t, testRule("on", "regex:a"), disabled)

	cache := newTestCache(t, provider, func(c *CacheConfig) {
		c.PrecompileRules = false
	})

	entries, err := cache.GetAllRules(context.Background(), ListOptions{})
	if err != nil {
		t.Fatalf("GetAllRules() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Compiled != nil {
			t.Error("GetAllRules should not compile by default")
		}
	}

	provider.fail.Store(true)
	if _, err := cache.GetAllRules(context.Background(), ListOptions{}); !errors.Is(err, errProviderDown) {
		t.Errorf("expected provider error, got %v", err)
	}
}

// TestIncrementalRefresh reloads only rules updated after the cutoff and
// leaves the other cached entries untouched
func TestIncrementalRefresh(t *testing.T) {
	provider := newStubProvider()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	provider.now = func() time.Time { return base }
	provider.mustAdd(t, testRule("r1", "regex:a"), testRule("r2", "regex:b"), testRule("r3", "regex:c"))

	cache := newTestCache(t, provider, nil)
	ctx := context.Background()
	if _, err := cache.GetAllRules(ctx, ListOptions{}); err != nil {
		t.Fatalf("GetAllRules() failed: %v", err)
	}
	before, _ := cache.l1.peek("r1")

	t0 := base.Add(time.Minute)
	provider.now = func() time.Time { return base.Add(2 * time.Minute) }
	r3 := testRule("r3", "regex:updated")
	if err := provider.UpdateRule(ctx, r3); err != nil {
		t.Fatalf("UpdateRule() failed: %v", err)
	}

	events := record(cache)
	result, err := cache.Refresh(ctx, RefreshOptions{OlderThan: t0})
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if result.Refreshed != 1 || result.Errors != 0 {
		t.Errorf("Refresh() = %+v, want 1 refreshed", result)
	}

	after, _ := cache.l1.peek("r1")
	if after != before {
		t.Error("unrelated rule r1 was replaced by the refresh")
	}
	updated, _ := cache.l1.peek("r3")
	if updated == nil || updated.Version != 2 || updated.Pattern != "regex:updated" {
		t.Errorf("r3 not refreshed: %+v", updated)
	}

	done := events.ofType(EventRefreshDone)
	if len(done) != 1 || done[0].Count != 1 || done[0].Full {
		t.Errorf("unexpected refresh events %+v", done)
	}
	if n := cache.Stats().Refreshes; n != 1 {
		t.Errorf("Refreshes = %d, want 1", n)
	}
}

func TestIncrementalRefreshTypeFilter(t *testing.T) {
	provider := newStubProvider()
	other := testRule("limit", "regex:a")
	other.Type = TypeRateLimit
	provider.mustAdd(t, testRule("acl", "regex:a"), other)

	cache := newTestCache(t, provider, nil)
	result, err := cache.Refresh(context.Background(), RefreshOptions{
		Types:     []RuleType{TypeRateLimit},
		OlderThan: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if result.Refreshed != 1 {
		t.Errorf("expected 1 refreshed, got %d", result.Refreshed)
	}
	if _, ok := cache.l1.peek("acl"); ok {
		t.Error("rule outside the type filter should not be loaded")
	}
}

func TestFullRefreshRebuilds(t *testing.T) {
	provider := newStubProvider()
	provider.mustAdd(t, testRule("A", "regex:a"), testRule("B", "regex:b"), testRule("gone", "regex:c"))
	provider.mustDepend(t, "A", "B")

	cache := newTestCache(t, provider, nil)
	ctx := context.Background()
	if _, err := cache.Refresh(ctx, RefreshOptions{Full: true}); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if got := cache.Dependencies("A"); !slices.Equal(got, []string{"B"}) {
		t.Fatalf("Dependencies(A) = %v, want [B]", got)
	}

	if err := provider.DeleteRule(ctx, "gone"); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	if err := provider.SetDependencies(ctx, "A", nil); err != nil {
		t.Fatalf("SetDependencies() failed: %v", err)
	}

	result, err := cache.Refresh(ctx, RefreshOptions{Full: true})
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if result.Refreshed != 2 {
		t.Errorf("expected 2 refreshed, got %d", result.Refreshed)
	}
	if _, ok := cache.l1.peek("gone"); ok {
		t.Error("rule removed from the provider should be evicted")
	}
	if got := cache.Dependencies("A"); len(got) != 0 {
		t.Errorf("dependency graph should be rebuilt, A still depends on %v", got)
	}
}

// TestFullRefreshCascadesRemovedRule checks that a rule missing from a full
// refresh is deleted like DeleteRule would, invalidating its dependents
func TestFullRefreshCascadesRemovedRule(t *testing.T) {
	provider := newStubProvider()
	provider.mustAdd(t, testRule("A", "regex:a"), testRule("B", "regex:b"))
	provider.mustDepend(t, "A", "B")

	cache := newTestCache(t, provider, func(c *CacheConfig) { c.PrecompileRules = false })
	ctx := context.Background()
	if _, err := cache.Refresh(ctx, RefreshOptions{Full: true}); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if _, err := cache.GetRule(ctx, "A", GetOptions{Compile: true}); err != nil {
		t.Fatalf("GetRule(A) failed: %v", err)
	}
	if _, ok := cache.compiled.get("A", 1); !ok {
		t.Fatal("A should be compiled before the refresh")
	}

	events := record(cache)
	if err := provider.DeleteRule(ctx, "B"); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	if _, err := cache.Refresh(ctx, RefreshOptions{Full: true}); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}

	if _, ok := cache.compiled.get("A", 1); ok {
		t.Error("dependent of a removed rule kept its compiled form")
	}
	deletes := events.ofType(EventRuleDelete)
	if len(deletes) != 1 || deletes[0].RuleID != "B" {
		t.Errorf("delete events = %+v, want one for B", deletes)
	}
	invalidations := events.ofType(EventRuleInvalidate)
	if len(invalidations) != 1 || invalidations[0].RuleID != "A" || invalidations[0].CausedBy != "B" {
		t.Errorf("invalidate events = %+v, want A caused by B", invalidations)
	}
}

// TestRefreshFailureLeavesCache checks that a failed refresh surfaces the
// error and applies nothing
func TestRefreshFailureLeavesCache(t *testing.T) {
	provider := newStubProvider()
	provider.mustAdd(t, testRule("r1", "regex:a"))
	cache := newTestCache(t, provider, nil)
	ctx := context.Background()
	if _, err := cache.Refresh(ctx, RefreshOptions{Full: true}); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}

	events := record(cache)
	provider.fail.Store(true)

	_, err := cache.Refresh(ctx, RefreshOptions{Full: true})
	if !errors.Is(err, errProviderDown) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if _, ok := cache.l1.peek("r1"); !ok {
		t.Error("failed refresh should not evict cached rules")
	}

	failed := events.ofType(EventRefreshError)
	if len(failed) != 1 || !failed[0].Full || failed[0].Err == nil {
		t.Errorf("unexpected refresh:error events %+v", failed)
	}
	if n := cache.Stats().RefreshErrors; n != 1 {
		t.Errorf("RefreshErrors = %d, want 1", n)
	}
}

func TestRefreshCanceled(t *testing.T) {
	provider := newStubProvider()
	provider.mustAdd(t, testRule("r1", "regex:a"))
	cache := newTestCache(t, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := cache.Refresh(ctx, RefreshOptions{Full: true}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if n := cache.Stats().L1.Size; n != 0 {
		t.Errorf("canceled refresh applied %d rules", n)
	}
}

func TestScheduledRefreshSkipsWhenBusy(t *testing.T) {
	cache := newTestCache(t, newStubProvider(), nil)

	cache.refreshSem <- struct{}{}
	_, err := cache.tryRefresh(context.Background(), RefreshOptions{})
	<-cache.refreshSem

	if !errors.Is(err, ErrRefreshInProgress) {
		t.Errorf("expected ErrRefreshInProgress, got %v", err)
	}
}

func TestAutoRefresh(t *testing.T) {
	provider := newStubProvider()
	provider.mustAdd(t, testRule("r1", "regex:a"))

	config := testCacheConfig()
	config.AutoRefresh = AutoRefreshConfig{Enabled: true, Interval: 20 * time.Millisecond}
	cache := NewRuleCache(newTestCompiler(t), provider, config)
	t.Cleanup(cache.Dispose)

	refreshed := make(chan Event, 1)
	cache.Subscribe(func(e Event) {
		if e.Type == EventRefreshDone {
			select {
			case refreshed <- e:
			default:
			}
		}
	})

	select {
	case e := <-refreshed:
		if e.Full {
			t.Error("scheduled refresh should be incremental")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("auto refresh did not run")
	}

	cache.StopAutoRefresh()
	cache.StopAutoRefresh()
	if _, ok := cache.l1.peek("r1"); !ok {
		t.Error("recently added rule should have been loaded by the refresh")
	}
}

// TestAutoRefreshSurvivesFailure checks that a failed tick is counted and
// the scheduler keeps running
func TestAutoRefreshSurvivesFailure(t *testing.T) {
	provider := newStubProvider()
	provider.mustAdd(t, testRule("r1", "regex:a"))
	provider.fail.Store(true)

	config := testCacheConfig()
	config.AutoRefresh = AutoRefreshConfig{Enabled: true, Interval: 20 * time.Millisecond}
	cache := NewRuleCache(newTestCompiler(t), provider, config)
	t.Cleanup(cache.Dispose)

	failed := make(chan struct{}, 1)
	refreshed := make(chan struct{}, 1)
	cache.Subscribe(func(e Event) {
		var ch chan struct{}
		switch e.Type {
		case EventRefreshError:
			ch = failed
		case EventRefreshDone:
			ch = refreshed
		default:
			return
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	})

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("failing auto refresh was not reported")
	}
	if n := cache.Stats().RefreshErrors; n < 1 {
		t.Errorf("RefreshErrors = %d, want at least 1", n)
	}

	provider.fail.Store(false)
	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("auto refresh stopped after a failed tick")
	}
	if _, ok := cache.l1.peek("r1"); !ok {
		t.Error("rule should be loaded once the provider recovers")
	}
}

func TestClearSelective(t *testing.T) {
	cache := newTestCache(t, newStubProvider(), nil)
	events := record(cache)
	if err := cache.SetRule(testRule("r1", "regex:a")); err != nil {
		t.Fatalf("SetRule() failed: %v", err)
	}
	waitIdle(t, cache)

	cache.Clear(ClearOptions{KeepL2: true})

	stats := cache.Stats()
	if stats.L1.Size != 0 || stats.L2.Size != 1 || stats.CompiledSize != 0 {
		t.Errorf("unexpected sizes after clear: L1=%d L2=%d compiled=%d", stats.L1.Size, stats.L2.Size, stats.CompiledSize)
	}

	cleared := events.ofType(EventCacheClear)
	if len(cleared) != 1 || !cleared[0].Clear.KeepL2 {
		t.Errorf("unexpected cache:clear events %+v", cleared)
	}

	cache.Clear(ClearOptions{})
	if n := cache.Stats().L2.Size; n != 0 {
		t.Errorf("zero ClearOptions should clear L2, size %d", n)
	}
}

func TestResetStats(t *testing.T) {
	cache := newTestCache(t, newStubProvider(), nil)
	if err := cache.SetRule(testRule("r1", "regex:a")); err != nil {
		t.Fatalf("SetRule() failed: %v", err)
	}
	if _, err := cache.GetRule(context.Background(), "r1", GetOptions{}); err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}

	cache.ResetStats()
	stats := cache.Stats()
	if stats.L1.Hits != 0 || stats.L1.Sets != 0 || len(stats.RuleHits) != 0 || stats.AvgGetTime != 0 {
		t.Errorf("stats not reset: %+v", stats)
	}
	if stats.L1.Size != 1 {
		t.Error("ResetStats should not clear the cache")
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	cache := newTestCache(t, newStubProvider(), nil)

	var count atomic.Int64
	unsubscribe := cache.Subscribe(func(e Event) {
		if e.Type == EventRuleSet {
			count.Add(1)
		}
	})

	_ = cache.SetRule(testRule("r1", "regex:a"))
	unsubscribe()
	unsubscribe()
	_ = cache.SetRule(testRule("r2", "regex:a"))

	if n := count.Load(); n != 1 {
		t.Errorf("expected 1 event before unsubscribing, got %d", n)
	}
}

func TestEvaluateThroughCache(t *testing.T) {
	cache := newTestCache(t, newStubProvider(), nil)
	if err := cache.SetRule(testRule("r1", "regex:^admin")); err != nil {
		t.Fatalf("SetRule() failed: %v", err)
	}

	ctx := context.Background()
	res, err := cache.Evaluate(ctx, "r1", Facts{"data": "admin-login"}, EvalOptions{})
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if !res.Matched || res.RuleID != "r1" {
		t.Errorf("unexpected result %+v", res)
	}

	if _, err := cache.Evaluate(ctx, "missing", Facts{}, EvalOptions{}); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound, got %v", err)
	}
}

// TestDisposeIdempotent checks Dispose can run repeatedly and shuts the
// cache down
func TestDisposeIdempotent(t *testing.T) {
	config := testCacheConfig()
	config.AutoRefresh = AutoRefreshConfig{Enabled: true, Interval: time.Hour}
	cache := NewRuleCache(newTestCompiler(t), newStubProvider(), config)

	var cleared atomic.Int64
	cache.Subscribe(func(e Event) {
		if e.Type == EventCacheClear {
			cleared.Add(1)
		}
	})
	if err := cache.SetRule(testRule("r1", "regex:a")); err != nil {
		t.Fatalf("SetRule() failed: %v", err)
	}

	cache.Dispose()
	cache.Dispose()

	if n := cleared.Load(); n != 1 {
		t.Errorf("expected one cache:clear on dispose, got %d", n)
	}
	if n := cache.Stats().L1.Size; n != 0 {
		t.Errorf("dispose should clear the cache, %d entries left", n)
	}

	ctx := context.Background()
	if _, err := cache.GetRule(ctx, "r1", GetOptions{}); !errors.Is(err, ErrCacheDisposed) {
		t.Errorf("GetRule after dispose: %v", err)
	}
	if err := cache.SetRule(testRule("r2", "regex:a")); !errors.Is(err, ErrCacheDisposed) {
		t.Errorf("SetRule after dispose: %v", err)
	}
	if _, err := cache.Refresh(ctx, RefreshOptions{}); !errors.Is(err, ErrCacheDisposed) {
		t.Errorf("Refresh after dispose: %v", err)
	}

	// Listeners are detached
	cache.Clear(ClearOptions{})
	if n := cleared.Load(); n != 1 {
		t.Errorf("listener still attached after dispose")
	}
}

func TestConcurrentAccess(t *testing.T) {
	provider := newStubProvider()
	for _, id := range []string{"a", "b", "c", "d"} {
		provider.mustAdd(t, testRule(id, "regex:"+id))
	}
	provider.mustDepend(t, "a", "b")
	provider.mustDepend(t, "b", "c")
	cache := newTestCache(t, provider, nil)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				id := []string{"a", "b", "c", "d"}[(i+j)%4]
				switch j % 5 {
				case 0:
					_ = cache.SetRule(testRule(id, "regex:"+id))
				case 1:
					_ = cache.DeleteRule(id)
				case 2:
					_, _ = cache.Refresh(ctx, RefreshOptions{Full: j%2 == 0})
				default:
					_, _ = cache.Evaluate(ctx, id, Facts{"data": id}, EvalOptions{})
				}
			}
		}()
	}
	wg.Wait()
	waitIdle(t, cache)
}
