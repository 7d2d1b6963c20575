package rules

import (
	"maps"
	"sync"
	"time"
)

// timingWindow is the number of samples behind each rolling average
const timingWindow = 100

// TierStats counts activity on one cache tier
type TierStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
	Size   int   `json:"size"`
}

// Stats is a point-in-time snapshot of cache activity. It is purely
// observational.
type Stats struct {
	L1 TierStats `json:"l1"`
	L2 TierStats `json:"l2"`

	Deletes            int64 `json:"deletes"`
	Invalidations      int64 `json:"invalidations"`
	Compilations       int64 `json:"compilations"`
	CompilationErrors  int64 `json:"compilationErrors"`
	CompiledSize       int   `json:"compiledSize"`
	Refreshes          int64 `json:"refreshes"`
	RefreshErrors      int64 `json:"refreshErrors"`
	BackgroundDropped  int64 `json:"backgroundDropped"`
	BackgroundFailures int64 `json:"backgroundFailures"`

	AvgGetTime     time.Duration `json:"avgGetTime"`
	AvgSetTime     time.Duration `json:"avgSetTime"`
	AvgCompileTime time.Duration `json:"avgCompileTime"`

	RuleHits         map[string]int64 `json:"ruleHits"`
	RuleCompilations map[string]int64 `json:"ruleCompilations"`
}

type rollingAverage struct {
	samples [timingWindow]time.Duration
	next    int
	count   int
	sum     time.Duration
}

func (r *rollingAverage) observe(d time.Duration) {
	if r.count == timingWindow {
		r.sum -= r.samples[r.next]
	} else {
		r.count++
	}
	r.samples[r.next] = d
	r.sum += d
	r.next = (r.next + 1) % timingWindow
}

func (r *rollingAverage) average() time.Duration {
	if r.count == 0 {
		return 0
	}
	return r.sum / time.Duration(r.count)
}

type statsCollector struct {
	mu      sync.Mutex
	stats   Stats
	get     rollingAverage
	set     rollingAverage
	compile rollingAverage
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.reset()
	return s
}

func (s *statsCollector) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = Stats{
		RuleHits:         make(map[string]int64),
		RuleCompilations: make(map[string]int64),
	}
	s.get = rollingAverage{}
	s.set = rollingAverage{}
	s.compile = rollingAverage{}
}

func (s *statsCollector) update(fn func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.stats)
}

// cacheLevel selects the tier a counter belongs to
type cacheLevel int

const (
	levelL1 cacheLevel = iota + 1
	levelL2
)

func (s *statsCollector) tierLocked(level cacheLevel) *TierStats {
	if level == levelL1 {
		return &s.stats.L1
	}
	return &s.stats.L2
}

func (s *statsCollector) hit(level cacheLevel, ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tierLocked(level).Hits++
	s.stats.RuleHits[ruleID]++
}

func (s *statsCollector) miss(level cacheLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tierLocked(level).Misses++
}

func (s *statsCollector) stored(level cacheLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tierLocked(level).Sets++
}

func (s *statsCollector) observeGet(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get.observe(d)
}

func (s *statsCollector) observeSet(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set.observe(d)
}

func (s *statsCollector) observeCompile(ruleID string, d time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compile.observe(d)
	s.stats.Compilations++
	s.stats.RuleCompilations[ruleID]++
	if failed {
		s.stats.CompilationErrors++
	}
}

func (s *statsCollector) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.RuleHits = maps.Clone(s.stats.RuleHits)
	out.RuleCompilations = maps.Clone(s.stats.RuleCompilations)
	out.AvgGetTime = s.get.average()
	out.AvgSetTime = s.set.average()
	out.AvgCompileTime = s.compile.average()
	return out
}
