package controller

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// ───────────────────────────────────────────────────────────────────────────
// Prometheus collectors
// ───────────────────────────────────────────────────────────────────────────

// FTLStats is the view of FTL counters the exporter scrapes; the
// Application FTL implements it.
type FTLStats interface {
	FreeUsedBlocks() (free []int, used []int)
	GCCounters() (passes, victims, movedSecs int64)
}

// Exporter collects controller and FTL gauges on scrape.
type Exporter struct {
	core  *Core
	stats FTLStats

	hostReads  *prometheus.Desc
	hostWrites *prometheus.Desc
	freeBlocks *prometheus.Desc
	usedBlocks *prometheus.Desc
	gcPasses   *prometheus.Desc
	gcVictims  *prometheus.Desc
	gcMoved    *prometheus.Desc
	nsSectors  *prometheus.Desc
}

// NewExporter builds the collector; stats may be nil when no FTL exposes
// counters.
func NewExporter(core *Core, stats FTLStats) *Exporter {
	return &Exporter{
		core:  core,
		stats: stats,
		hostReads: prometheus.NewDesc("oxnvm_host_reads_total",
			"Host read commands accepted.", nil, nil),
		hostWrites: prometheus.NewDesc("oxnvm_host_writes_total",
			"Host write commands accepted.", nil, nil),
		freeBlocks: prometheus.NewDesc("oxnvm_channel_free_blocks",
			"Free blocks per channel.", []string{"channel"}, nil),
		usedBlocks: prometheus.NewDesc("oxnvm_channel_used_blocks",
			"Used blocks per channel.", []string{"channel"}, nil),
		gcPasses: prometheus.NewDesc("oxnvm_gc_passes_total",
			"Garbage collection passes.", nil, nil),
		gcVictims: prometheus.NewDesc("oxnvm_gc_victim_blocks_total",
			"Blocks recycled by the garbage collector.", nil, nil),
		gcMoved: prometheus.NewDesc("oxnvm_gc_moved_sectors_total",
			"Valid sectors copied forward by the garbage collector.", nil, nil),
		nsSectors: prometheus.NewDesc("oxnvm_namespace_sectors",
			"Host-visible namespace size in sectors.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.hostReads
	ch <- e.hostWrites
	ch <- e.freeBlocks
	ch <- e.usedBlocks
	ch <- e.gcPasses
	ch <- e.gcVictims
	ch <- e.gcMoved
	ch <- e.nsSectors
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(e.hostReads,
		prometheus.CounterValue, float64(e.core.reads.Load()))
	ch <- prometheus.MustNewConstMetric(e.hostWrites,
		prometheus.CounterValue, float64(e.core.writes.Load()))
	ch <- prometheus.MustNewConstMetric(e.nsSectors,
		prometheus.GaugeValue, float64(e.core.NamespaceSectors()))

	if e.stats == nil {
		return
	}
	free, used := e.stats.FreeUsedBlocks()
	for i := range free {
		label := strconv.Itoa(i)
		ch <- prometheus.MustNewConstMetric(e.freeBlocks,
			prometheus.GaugeValue, float64(free[i]), label)
		ch <- prometheus.MustNewConstMetric(e.usedBlocks,
			prometheus.GaugeValue, float64(used[i]), label)
	}
	passes, victims, moved := e.stats.GCCounters()
	ch <- prometheus.MustNewConstMetric(e.gcPasses,
		prometheus.CounterValue, float64(passes))
	ch <- prometheus.MustNewConstMetric(e.gcVictims,
		prometheus.CounterValue, float64(victims))
	ch <- prometheus.MustNewConstMetric(e.gcMoved,
		prometheus.CounterValue, float64(moved))
}
