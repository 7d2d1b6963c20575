package rules

import (
	"slices"
	"sync"
)

type idSet map[string]struct{}

// dependencyGraph tracks which rules depend on which.
// forward: rule -> rules it depends on; reverse: rule -> rules that depend on it.
// Only required and optional edges are tracked.
type dependencyGraph struct {
	forward map[string]idSet
	reverse map[string]idSet
	mu      sync.RWMutex
}

func newDependencyGraph() *dependencyGraph {
	return &dependencyGraph{
		forward: make(map[string]idSet),
		reverse: make(map[string]idSet),
	}
}

func tracked(d RuleDependency) bool {
	return d.Type == DependencyRequired || d.Type == DependencyOptional
}

// setEdges replaces the forward edges of ruleID
func (g *dependencyGraph) setEdges(ruleID string, deps []RuleDependency) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.unlinkLocked(ruleID)
	for _, d := range deps {
		if tracked(d) && d.RuleID == ruleID {
			g.linkLocked(ruleID, d.DependsOnRuleID)
		}
	}
}

// replaceAll swaps in a graph built from edges keyed by rule ID
func (g *dependencyGraph) replaceAll(edges map[string][]RuleDependency) {
	next := newDependencyGraph()
	for ruleID, deps := range edges {
		for _, d := range deps {
			if tracked(d) && d.RuleID == ruleID {
				next.linkLocked(ruleID, d.DependsOnRuleID)
			}
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.forward = next.forward
	g.reverse = next.reverse
}

// removeRule drops the edges declared by ruleID. Edges pointing at ruleID
// are kept so that dependents are still invalidated if it comes back.
func (g *dependencyGraph) removeRule(ruleID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.unlinkLocked(ruleID)
}

func (g *dependencyGraph) clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.forward = make(map[string]idSet)
	g.reverse = make(map[string]idSet)
}

func (g *dependencyGraph) linkLocked(from, to string) {
	if g.forward[from] == nil {
		g.forward[from] = make(idSet)
	}
	g.forward[from][to] = struct{}{}
	if g.reverse[to] == nil {
		g.reverse[to] = make(idSet)
	}
	g.reverse[to][from] = struct{}{}
}

func (g *dependencyGraph) unlinkLocked(from string) {
	for to := range g.forward[from] {
		delete(g.reverse[to], from)
		if len(g.reverse[to]) == 0 {
			delete(g.reverse, to)
		}
	}
	delete(g.forward, from)
}

// dependencies returns the direct dependencies of ruleID, sorted
func (g *dependencyGraph) dependencies(ruleID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return sortedIDs(g.forward[ruleID])
}

// dependents returns the rules that directly depend on ruleID, sorted
func (g *dependencyGraph) dependents(ruleID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return sortedIDs(g.reverse[ruleID])
}

// transitiveDependents walks the reverse edges breadth-first from ruleID and
// returns each reachable dependent once. ruleID itself is never returned,
// even inside a cycle.
func (g *dependencyGraph) transitiveDependents(ruleID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := idSet{ruleID: {}}
	queue := []string{ruleID}
	var out []string

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dependent := range sortedIDs(g.reverse[current]) {
			if _, seen := visited[dependent]; seen {
				continue
			}
			visited[dependent] = struct{}{}
			out = append(out, dependent)
			queue = append(queue, dependent)
		}
	}
	return out
}

func sortedIDs(set idSet) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
