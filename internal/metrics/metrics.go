// Package metrics wraps a Prometheus registry with the counters and
// gauges that matter for diagnosing this cache in production: hit/miss
// rate, collisions, purge activity, and current accounted size. It
// deliberately does not start an HTTP listener — spec.md §1 treats
// network front-ends as an external collaborator, so the host process
// registers Collector's Registry on whatever mux it already serves
// /metrics from.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the function response cache's Prometheus
// instrumentation.
type Collector struct {
	Registry *prometheus.Registry

	hits        prometheus.Counter
	misses      prometheus.Counter
	writes      prometheus.Counter
	collisions  prometheus.Counter
	evictions   prometheus.Counter
	corruptions prometheus.Counter
	bypasses    prometheus.Counter
	sizeBytes   prometheus.Gauge
}

// New builds a Collector and registers its metrics on a fresh
// registry. namespace/subsystem follow Prometheus naming convention,
// e.g. namespace="bes", subsystem="function_response_cache".
func New(namespace, subsystem string) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "hits_total",
			Help: "Cache lookups that found a valid entry.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "misses_total",
			Help: "Cache lookups that found no valid entry and fell through to evaluation.",
		}),
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "writes_total",
			Help: "New cache entries successfully written.",
		}),
		collisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "hash_collisions_total",
			Help: "Hash-collision suffixes probed across all lookups.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "purge_evictions_total",
			Help: "Entries removed by the size-triggered LRU purge.",
		}),
		corruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "corrupt_entries_total",
			Help: "Entries unlinked after failing to decode.",
		}),
		bypasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "bypasses_total",
			Help: "Requests served by direct evaluation because caching was disabled or the resource id was too long.",
		}),
		sizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "size_bytes",
			Help: "Last known cumulative size of all cache entries, in bytes.",
		}),
	}

	reg.MustRegister(c.hits, c.misses, c.writes, c.collisions, c.evictions, c.corruptions, c.bypasses, c.sizeBytes)
	return c
}

func (c *Collector) RecordHit()       { c.hits.Inc() }
func (c *Collector) RecordMiss()      { c.misses.Inc() }
func (c *Collector) RecordWrite()     { c.writes.Inc() }
func (c *Collector) RecordCollision() { c.collisions.Inc() }
func (c *Collector) RecordEviction()  { c.evictions.Inc() }
func (c *Collector) RecordCorruption() { c.corruptions.Inc() }
func (c *Collector) RecordBypass()    { c.bypasses.Inc() }
func (c *Collector) SetSizeBytes(n int64) { c.sizeBytes.Set(float64(n)) }
