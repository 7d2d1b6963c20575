// Package metrics exports rule cache statistics in Prometheus format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/liamcoop/rulecache/internal/logger"
	"github.com/liamcoop/rulecache/rules"
)

const namespace = "rulecache"

// StatsSource is satisfied by *rules.RuleCache
type StatsSource interface {
	Stats() rules.Stats
}

// EventSource is satisfied by *rules.RuleCache
type EventSource interface {
	Subscribe(h rules.EventHandler) (unsubscribe func())
}

// Collector reads a stats snapshot on every scrape so the values are never
// older than the scrape itself.
type Collector struct {
	source StatsSource

	tierHits      *prometheus.Desc
	tierMisses    *prometheus.Desc
	tierSets      *prometheus.Desc
	tierSize      *prometheus.Desc
	deletes       *prometheus.Desc
	invalidations *prometheus.Desc
	compilations  *prometheus.Desc
	compileErrors *prometheus.Desc
	compiledSize  *prometheus.Desc
	refreshes     *prometheus.Desc
	refreshErrors *prometheus.Desc
	bgDropped     *prometheus.Desc
	bgFailures    *prometheus.Desc
	avgSeconds    *prometheus.Desc
	logRecords    *prometheus.Desc
	httpErrors    *prometheus.Desc
}

func NewCollector(source StatsSource) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}

	return &Collector{
		source:        source,
		tierHits:      desc("tier_hits_total", "Cache hits per tier.", "tier"),
		tierMisses:    desc("tier_misses_total", "Cache misses per tier.", "tier"),
		tierSets:      desc("tier_sets_total", "Rules written per tier.", "tier"),
		tierSize:      desc("tier_entries", "Rules currently held per tier.", "tier"),
		deletes:       desc("deletes_total", "Rules deleted from the cache."),
		invalidations: desc("invalidations_total", "Compiled rules invalidated by dependency cascades."),
		compilations:  desc("compilations_total", "Rule compilations."),
		compileErrors: desc("compilation_errors_total", "Rule compilations that failed."),
		compiledSize:  desc("compiled_entries", "Compiled rule artifacts currently held."),
		refreshes:     desc("refreshes_total", "Completed refresh runs."),
		refreshErrors: desc("refresh_errors_total", "Failed refresh runs."),
		bgDropped:     desc("background_dropped_total", "Background tasks dropped because the queue was full."),
		bgFailures:    desc("background_failures_total", "Background tasks that returned an error."),
		avgSeconds:    desc("operation_avg_seconds", "Rolling average latency per operation.", "operation"),
		logRecords:    desc("log_records_total", "Warn and error records logged, before sampling.", "level"),
		httpErrors:    desc("http_errors_total", "HTTP error responses by class.", "class"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.tierHits, c.tierMisses, c.tierSets, c.tierSize,
		c.deletes, c.invalidations, c.compilations, c.compileErrors, c.compiledSize,
		c.refreshes, c.refreshErrors, c.bgDropped, c.bgFailures,
		c.avgSeconds, c.logRecords, c.httpErrors,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	for tier, ts := range map[string]rules.TierStats{"l1": s.L1, "l2": s.L2} {
		counter(c.tierHits, ts.Hits, tier)
		counter(c.tierMisses, ts.Misses, tier)
		counter(c.tierSets, ts.Sets, tier)
		gauge(c.tierSize, float64(ts.Size), tier)
	}

	counter(c.deletes, s.Deletes)
	counter(c.invalidations, s.Invalidations)
	counter(c.compilations, s.Compilations)
	counter(c.compileErrors, s.CompilationErrors)
	gauge(c.compiledSize, float64(s.CompiledSize))
	counter(c.refreshes, s.Refreshes)
	counter(c.refreshErrors, s.RefreshErrors)
	counter(c.bgDropped, s.BackgroundDropped)
	counter(c.bgFailures, s.BackgroundFailures)

	gauge(c.avgSeconds, s.AvgGetTime.Seconds(), "get")
	gauge(c.avgSeconds, s.AvgSetTime.Seconds(), "set")
	gauge(c.avgSeconds, s.AvgCompileTime.Seconds(), "compile")

	counter(c.logRecords, logger.TotalWarnings.Load(), "warn")
	counter(c.logRecords, logger.TotalErrors.Load(), "error")
	counter(c.httpErrors, logger.Total4xxErrors.Load(), "4xx")
	counter(c.httpErrors, logger.Total404Errors.Load(), "404")
	counter(c.httpErrors, logger.Total5xxErrors.Load(), "5xx")
}

// EventCounter counts cache events by type
type EventCounter struct {
	events *prometheus.CounterVec
}

func NewEventCounter() *EventCounter {
	return &EventCounter{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Cache events emitted, by type.",
		}, []string{"type"}),
	}
}

// Observe subscribes the counter to src
func (e *EventCounter) Observe(src EventSource) (unsubscribe func()) {
	return src.Subscribe(func(ev rules.Event) {
		e.events.WithLabelValues(string(ev.Type)).Inc()
	})
}

func (e *EventCounter) Describe(ch chan<- *prometheus.Desc) { e.events.Describe(ch) }

func (e *EventCounter) Collect(ch chan<- prometheus.Metric) { e.events.Collect(ch) }

// Register adds the cache collectors to reg and starts counting events.
// The returned function stops event counting.
func Register(reg prometheus.Registerer, cache interface {
	StatsSource
	EventSource
}) (func(), error) {
	if err := reg.Register(NewCollector(cache)); err != nil {
		return nil, err
	}
	events := NewEventCounter()
	if err := reg.Register(events); err != nil {
		return nil, err
	}
	return events.Observe(cache), nil
}
