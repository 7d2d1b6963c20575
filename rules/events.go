package rules

import (
	"slices"
	"sync"
)

// EventType names a cache event
type EventType string

const (
	EventRuleSet        EventType = "rule:set"
	EventRuleDelete     EventType = "rule:delete"
	EventRuleInvalidate EventType = "rule:invalidate"
	EventRefreshDone    EventType = "refresh:complete"
	EventRefreshError   EventType = "refresh:error"
	EventCacheClear     EventType = "cache:clear"
)

// Event is delivered to subscribers. Which fields are set depends on Type:
// RuleID for rule events, CausedBy for invalidations, Full/Count/Err for
// refresh events and Clear for cache:clear.
type Event struct {
	Type     EventType
	RuleID   string
	CausedBy string
	Full     bool
	Count    int
	Err      error
	Clear    ClearOptions
}

// EventHandler receives cache events. Handlers run synchronously on the
// goroutine that triggered the event and must not block.
type EventHandler func(Event)

type subscription struct {
	id      uint64
	handler EventHandler
}

type eventBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

func (b *eventBus) subscribe(h EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, handler: h})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
		})
	}
}

func (b *eventBus) emit(e Event) {
	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(e)
	}
}

func (b *eventBus) removeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
}
