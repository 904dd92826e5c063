// Package metrics exposes the allocator's aggregate accounting
// (reserved, page-heap free, thread-cache and central transfer-buffer
// bytes, and the shard count) as a set of Prometheus gauges, so its
// internal bookkeeping is observable from outside the process. There
// is no live-bytes gauge, and objects free inside central-cache spans
// or parked in transfer caches are not counted by any gauge.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Source is anything able to report a point-in-time snapshot of
// allocator accounting; the tcmalloc.Allocator implements it.
type Source interface {
	Snapshot() Snapshot
}

// Snapshot is the accounting breakdown metrics.Collector publishes.
type Snapshot struct {
	ReservedBytes     uintptr
	FreeBytes         uintptr
	ThreadCacheBytes  uintptr
	CentralCacheBytes uintptr
	ShardCount        int
}

// Collector exposes a Source's accounting as Prometheus gauges. It
// implements prometheus.Collector itself so callers register one
// value with a registry rather than each gauge individually.
type Collector struct {
	source Source

	reserved     *prometheus.Desc
	free         *prometheus.Desc
	threadCache  *prometheus.Desc
	centralCache *prometheus.Desc
	shards       *prometheus.Desc
}

// New constructs a Collector reading from source. Register it with a
// prometheus.Registerer to expose it.
func New(source Source) *Collector {
	return &Collector{
		source: source,
		reserved: prometheus.NewDesc(
			"tcmalloc_reserved_bytes", "Bytes currently reserved from the OS.", nil, nil),
		free: prometheus.NewDesc(
			"tcmalloc_free_bytes", "Bytes sitting free in the page heap.", nil, nil),
		threadCache: prometheus.NewDesc(
			"tcmalloc_thread_cache_bytes", "Bytes cached across all thread-cache shards.", nil, nil),
		centralCache: prometheus.NewDesc(
			"tcmalloc_central_cache_bytes", "Bytes parked in central-cache transfer buffers.", nil, nil),
		shards: prometheus.NewDesc(
			"tcmalloc_thread_cache_shards", "Number of thread-cache shards in use.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.reserved
	ch <- c.free
	ch <- c.threadCache
	ch <- c.centralCache
	ch <- c.shards
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.reserved, prometheus.GaugeValue, float64(snap.ReservedBytes))
	ch <- prometheus.MustNewConstMetric(c.free, prometheus.GaugeValue, float64(snap.FreeBytes))
	ch <- prometheus.MustNewConstMetric(c.threadCache, prometheus.GaugeValue, float64(snap.ThreadCacheBytes))
	ch <- prometheus.MustNewConstMetric(c.centralCache, prometheus.GaugeValue, float64(snap.CentralCacheBytes))
	ch <- prometheus.MustNewConstMetric(c.shards, prometheus.GaugeValue, float64(snap.ShardCount))
}
