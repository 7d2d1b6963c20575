package rules

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TierConfig holds configuration for one cache tier
type TierConfig struct {
	Enabled bool

	// MaxEntries bounds the tier; the least recently used rule is evicted first
	MaxEntries int

	// TTL is the time-to-live of an entry. 0 means no expiration.
	TTL time.Duration

	// UpdateAgeOnGet resets an entry's TTL whenever it is read
	UpdateAgeOnGet bool
}

// tier is one level of the rule cache. A disabled tier holds nothing.
// Thread-safe for concurrent access.
type tier struct {
	level  cacheLevel
	config TierConfig
	lru    *expirable.LRU[string, *Rule]
	mu     sync.Mutex
}

func newTier(level cacheLevel, config TierConfig) *tier {
	t := &tier{level: level, config: config}
	if config.Enabled {
		t.lru = expirable.NewLRU[string, *Rule](config.MaxEntries, nil, config.TTL)
	}
	return t
}

func (t *tier) enabled() bool {
	return t.lru != nil
}

// get returns the cached rule, touching its TTL when configured to
func (t *tier) get(id string) (*Rule, bool) {
	if !t.enabled() {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rule, ok := t.lru.Get(id)
	if ok && t.config.UpdateAgeOnGet {
		t.lru.Add(id, rule)
	}
	return rule, ok
}

// peek returns the cached rule without affecting recency or TTL
func (t *tier) peek(id string) (*Rule, bool) {
	if !t.enabled() {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.lru.Peek(id)
}

// add stores rule and reports whether the tier accepted it
func (t *tier) add(rule *Rule) bool {
	if !t.enabled() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.lru.Add(rule.ID, rule)
	return true
}

func (t *tier) remove(id string) bool {
	if !t.enabled() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.lru.Remove(id)
}

func (t *tier) keys() []string {
	if !t.enabled() {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.lru.Keys()
}

func (t *tier) len() int {
	if !t.enabled() {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.lru.Len()
}

func (t *tier) purge() {
	if !t.enabled() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.lru.Purge()
}
