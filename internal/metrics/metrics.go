// Package metrics exposes pool counters as prometheus metrics via a
// custom collector, so scrapes always observe the live Stats snapshot.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dkessler/mempool"
)

// Collector adapts a Pool's Stats snapshot to the prometheus
// collection interface.
type Collector struct {
	pool *mempool.Pool

	allocsTotal     *prometheus.Desc
	freesTotal      *prometheus.Desc
	allocFailures   *prometheus.Desc
	bytesReserved   *prometheus.Desc
	buddySplits     *prometheus.Desc
	buddyMerges     *prometheus.Desc
	slabLiveClasses *prometheus.Desc
	slabLiveSlabs   *prometheus.Desc
	slabObjectsUsed *prometheus.Desc
}

// NewCollector builds a collector for pool. Register it on a
// prometheus.Registerer to serve the metrics.
func NewCollector(pool *mempool.Pool) *Collector {
	labels := prometheus.Labels{"policy": pool.Policy().String()}
	return &Collector{
		pool: pool,
		allocsTotal: prometheus.NewDesc(
			"mempool_allocs_total",
			"Total successful allocations.",
			nil, labels),
		freesTotal: prometheus.NewDesc(
			"mempool_frees_total",
			"Total free operations.",
			nil, labels),
		allocFailures: prometheus.NewDesc(
			"mempool_alloc_failures_total",
			"Allocations rejected for lack of capacity.",
			nil, labels),
		bytesReserved: prometheus.NewDesc(
			"mempool_bytes_reserved",
			"Bytes currently held by reserved buddy chunks.",
			nil, labels),
		buddySplits: prometheus.NewDesc(
			"mempool_buddy_splits_total",
			"Buddy node splits performed.",
			nil, labels),
		buddyMerges: prometheus.NewDesc(
			"mempool_buddy_merges_total",
			"Buddy sibling-hole merges performed.",
			nil, labels),
		slabLiveClasses: prometheus.NewDesc(
			"mempool_slab_live_classes",
			"Live slab size classes.",
			nil, labels),
		slabLiveSlabs: prometheus.NewDesc(
			"mempool_slab_live_slabs",
			"Live slabs across all classes.",
			nil, labels),
		slabObjectsUsed: prometheus.NewDesc(
			"mempool_slab_objects_used",
			"Slab object slots currently in use.",
			nil, labels),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.allocsTotal
	ch <- c.freesTotal
	ch <- c.allocFailures
	ch <- c.bytesReserved
	ch <- c.buddySplits
	ch <- c.buddyMerges
	ch <- c.slabLiveClasses
	ch <- c.slabLiveSlabs
	ch <- c.slabObjectsUsed
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stats()
	ch <- prometheus.MustNewConstMetric(c.allocsTotal, prometheus.CounterValue, float64(s.Allocs))
	ch <- prometheus.MustNewConstMetric(c.freesTotal, prometheus.CounterValue, float64(s.Frees))
	ch <- prometheus.MustNewConstMetric(c.allocFailures, prometheus.CounterValue, float64(s.AllocFailures))
	ch <- prometheus.MustNewConstMetric(c.bytesReserved, prometheus.GaugeValue, float64(s.BytesReserved))
	ch <- prometheus.MustNewConstMetric(c.buddySplits, prometheus.CounterValue, float64(s.BuddySplits))
	ch <- prometheus.MustNewConstMetric(c.buddyMerges, prometheus.CounterValue, float64(s.BuddyMerges))
	ch <- prometheus.MustNewConstMetric(c.slabLiveClasses, prometheus.GaugeValue, float64(s.LiveClasses))
	ch <- prometheus.MustNewConstMetric(c.slabLiveSlabs, prometheus.GaugeValue, float64(s.LiveSlabs))
	ch <- prometheus.MustNewConstMetric(c.slabObjectsUsed, prometheus.GaugeValue, float64(s.ObjectsUsed))
}
