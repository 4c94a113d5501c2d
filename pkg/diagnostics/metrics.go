package diagnostics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector mirrors a SnapshotFunc's counters as Prometheus metrics
// (SPEC_FULL §6.3's "optional prometheus.Collector"). Unlike the
// process-global promauto counters the wider pack favors for
// request-scoped metrics, these gauges read a live per-Supervisor
// snapshot on every scrape, since an embedding application may run
// more than one Supervisor; Describe/Collect is the standard
// Prometheus pattern for collectors backed by externally-owned state.
type Collector struct {
	snapshot SnapshotFunc

	orphanCount    *prometheus.Desc
	forceKillCount *prometheus.Desc
	reconnectCount *prometheus.Desc
	clockOffsetUs  *prometheus.Desc
	driftPPM       *prometheus.Desc
	bufferedMs     *prometheus.Desc
	underrunUs     *prometheus.Desc
	lateDropCount  *prometheus.Desc
	overflowDrops  *prometheus.Desc
	clockResets    *prometheus.Desc
	state          *prometheus.Desc
}

// NewCollector wraps snapshot (typically (*supervisor.Supervisor).Snapshot)
// as a prometheus.Collector. Register it with the embedding
// application's own registry; the engine core never opens a listening
// socket itself.
func NewCollector(snapshot SnapshotFunc) *Collector {
	ns := "snapclient"
	return &Collector{
		snapshot:       snapshot,
		orphanCount:    prometheus.NewDesc(ns+"_orphan_count", "Sessions abandoned to the orphan list", nil, nil),
		forceKillCount: prometheus.NewDesc(ns+"_orphan_force_kill_total", "Orphans force-joined on overflow", nil, nil),
		reconnectCount: prometheus.NewDesc(ns+"_reconnect_total", "Reconnect attempts scheduled", nil, nil),
		clockOffsetUs:  prometheus.NewDesc(ns+"_clock_offset_microseconds", "Estimated server/client clock offset", nil, nil),
		driftPPM:       prometheus.NewDesc(ns+"_clock_drift_ppm", "Estimated clock drift", nil, nil),
		bufferedMs:     prometheus.NewDesc(ns+"_playout_buffered_milliseconds", "Currently buffered playout duration", nil, nil),
		underrunUs:     prometheus.NewDesc(ns+"_playout_underrun_microseconds_total", "Cumulative underrun duration", nil, nil),
		lateDropCount:  prometheus.NewDesc(ns+"_playout_late_drop_total", "Chunks dropped for arriving past deadline", nil, nil),
		overflowDrops:  prometheus.NewDesc(ns+"_playout_overflow_drop_total", "Chunks dropped for exceeding max buffer", nil, nil),
		clockResets:    prometheus.NewDesc(ns+"_clock_reset_total", "ClockSync window resets", nil, nil),
		state:          prometheus.NewDesc(ns+"_state", "Current Supervisor state (1=active)", []string{"state"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.orphanCount
	ch <- c.forceKillCount
	ch <- c.reconnectCount
	ch <- c.clockOffsetUs
	ch <- c.driftPPM
	ch <- c.bufferedMs
	ch <- c.underrunUs
	ch <- c.lateDropCount
	ch <- c.overflowDrops
	ch <- c.clockResets
	ch <- c.state
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()

	ch <- prometheus.MustNewConstMetric(c.orphanCount, prometheus.GaugeValue, float64(s.OrphanCount))
	ch <- prometheus.MustNewConstMetric(c.forceKillCount, prometheus.CounterValue, float64(s.ForceKillCount))
	ch <- prometheus.MustNewConstMetric(c.reconnectCount, prometheus.CounterValue, float64(s.ReconnectCount))
	ch <- prometheus.MustNewConstMetric(c.clockOffsetUs, prometheus.GaugeValue, float64(s.Session.ClockOffsetUs))
	ch <- prometheus.MustNewConstMetric(c.driftPPM, prometheus.GaugeValue, s.Session.DriftPPM)
	ch <- prometheus.MustNewConstMetric(c.bufferedMs, prometheus.GaugeValue, float64(s.Session.BufferedMs))
	ch <- prometheus.MustNewConstMetric(c.underrunUs, prometheus.CounterValue, float64(s.Session.UnderrunUs))
	ch <- prometheus.MustNewConstMetric(c.lateDropCount, prometheus.CounterValue, float64(s.Session.LateDropCount))
	ch <- prometheus.MustNewConstMetric(c.overflowDrops, prometheus.CounterValue, float64(s.Session.OverflowDrops))
	ch <- prometheus.MustNewConstMetric(c.clockResets, prometheus.CounterValue, float64(s.Session.ClockResets))
	ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, 1, s.State.String())
}
