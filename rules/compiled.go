package rules

import "sync"

type compiledKey struct {
	ruleID  string
	version int64
}

// compiledStore caches compiled rules keyed by (rule ID, version).
// Entries are evicted on rule update, delete or dependency invalidation. No TTL.
type compiledStore struct {
	mu    sync.RWMutex
	rules map[compiledKey]*CompiledRule
}

func newCompiledStore() *compiledStore {
	return &compiledStore{rules: make(map[compiledKey]*CompiledRule)}
}

// get returns the compiled rule for (ruleID, version), or (nil, false) if not cached
func (s *compiledStore) get(ruleID string, version int64) (*CompiledRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.rules[compiledKey{ruleID, version}]
	return c, ok
}

// set stores a compiled rule, dropping any other version of the same rule
func (s *compiledStore) set(c *CompiledRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.rules {
		if k.ruleID == c.RuleID && k.version != c.Version {
			delete(s.rules, k)
		}
	}
	s.rules[compiledKey{c.RuleID, c.Version}] = c
}

// evict removes all cached versions of ruleID and reports whether any existed
func (s *compiledStore) evict(ruleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := false
	for k := range s.rules {
		if k.ruleID == ruleID {
			delete(s.rules, k)
			evicted = true
		}
	}
	return evicted
}

// evictOtherVersions removes cached versions of ruleID other than version
func (s *compiledStore) evictOtherVersions(ruleID string, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.rules {
		if k.ruleID == ruleID && k.version != version {
			delete(s.rules, k)
		}
	}
}

func (s *compiledStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

func (s *compiledStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = make(map[compiledKey]*CompiledRule)
}
