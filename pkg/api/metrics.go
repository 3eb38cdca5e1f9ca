package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

// dyntrackCollector implements prometheus.Collector, reading table, engine
// and sweeper counters on each scrape.
type dyntrackCollector struct {
	srv *Server

	// Table gauges
	entries    *prometheus.Desc
	maxEntries *prometheus.Desc
	buckets    *prometheus.Desc

	// Table counters
	lookupsTotal       *prometheus.Desc
	hitsTotal          *prometheus.Desc
	installsTotal      *prometheus.Desc
	tableFullTotal     *prometheus.Desc
	limitExceededTotal *prometheus.Desc
	expiredTotal       *prometheus.Desc
	ruleRemovedTotal   *prometheus.Desc
	keepalivesTotal    *prometheus.Desc
	sweepsTotal        *prometheus.Desc

	// Engine counters
	packetsTotal  *prometheus.Desc
	verdictsTotal *prometheus.Desc
	noMatchTotal  *prometheus.Desc
	resetsTotal   *prometheus.Desc

	rules *prometheus.Desc

	// Sweeper
	gcSweepDuration    *prometheus.Desc
	gcKeepalivesSent   *prometheus.Desc
	gcTransmitErrors   *prometheus.Desc
	gcLastSweepEntries *prometheus.Desc

	// Capture loops
	capturePacketsTotal *prometheus.Desc
	captureNonIPTotal   *prometheus.Desc
	captureErrorsTotal  *prometheus.Desc

	// Flow export
	exportFlowsTotal   *prometheus.Desc
	exportPacketsTotal *prometheus.Desc
	exportDropsTotal   *prometheus.Desc
}

func newCollector(srv *Server) *dyntrackCollector {
	return &dyntrackCollector{
		srv: srv,

		entries: prometheus.NewDesc(
			"dyntrack_entries",
			"Live dynamic table entries.",
			[]string{"kind"}, nil,
		),
		maxEntries: prometheus.NewDesc(
			"dyntrack_max_entries",
			"Configured dynamic table capacity.",
			nil, nil,
		),
		buckets: prometheus.NewDesc(
			"dyntrack_buckets",
			"Dynamic table hash buckets.",
			nil, nil,
		),
		lookupsTotal: prometheus.NewDesc(
			"dyntrack_lookups_total",
			"Total dynamic table lookups.",
			nil, nil,
		),
		hitsTotal: prometheus.NewDesc(
			"dyntrack_hits_total",
			"Total lookups that matched a session.",
			nil, nil,
		),
		installsTotal: prometheus.NewDesc(
			"dyntrack_installs_total",
			"Total entries installed.",
			nil, nil,
		),
		tableFullTotal: prometheus.NewDesc(
			"dyntrack_table_full_total",
			"Total installs refused because the table was full.",
			nil, nil,
		),
		limitExceededTotal: prometheus.NewDesc(
			"dyntrack_limit_exceeded_total",
			"Total installs refused by a limit rule.",
			nil, nil,
		),
		expiredTotal: prometheus.NewDesc(
			"dyntrack_expired_total",
			"Total entries reaped after expiring.",
			nil, nil,
		),
		ruleRemovedTotal: prometheus.NewDesc(
			"dyntrack_rule_removed_total",
			"Total entries removed with their rule.",
			nil, nil,
		),
		keepalivesTotal: prometheus.NewDesc(
			"dyntrack_keepalives_total",
			"Total keepalive segments generated.",
			nil, nil,
		),
		sweepsTotal: prometheus.NewDesc(
			"dyntrack_sweeps_total",
			"Total sweeps of the dynamic table.",
			nil, nil,
		),
		packetsTotal: prometheus.NewDesc(
			"dyntrack_packets_total",
			"Total packets evaluated.",
			[]string{"path"}, nil,
		),
		verdictsTotal: prometheus.NewDesc(
			"dyntrack_verdicts_total",
			"Total packet verdicts.",
			[]string{"verdict"}, nil,
		),
		noMatchTotal: prometheus.NewDesc(
			"dyntrack_no_match_total",
			"Total packets matching neither a session nor a rule.",
			nil, nil,
		),
		resetsTotal: prometheus.NewDesc(
			"dyntrack_resets_total",
			"Total TCP resets generated for rejected packets.",
			[]string{"result"}, nil,
		),
		rules: prometheus.NewDesc(
			"dyntrack_rules",
			"Installed rules.",
			nil, nil,
		),
		gcSweepDuration: prometheus.NewDesc(
			"dyntrack_gc_sweep_duration_seconds",
			"Duration of the last sweep.",
			nil, nil,
		),
		gcKeepalivesSent: prometheus.NewDesc(
			"dyntrack_gc_keepalives_sent_total",
			"Total keepalive segments transmitted by the sweeper.",
			nil, nil,
		),
		gcTransmitErrors: prometheus.NewDesc(
			"dyntrack_gc_transmit_errors_total",
			"Total keepalive segments that failed to transmit.",
			nil, nil,
		),
		gcLastSweepEntries: prometheus.NewDesc(
			"dyntrack_gc_last_sweep_entries",
			"Table entries after the last sweep.",
			nil, nil,
		),
		capturePacketsTotal: prometheus.NewDesc(
			"dyntrack_capture_packets_total",
			"Total IP packets decoded by a capture loop.",
			[]string{"capture"}, nil,
		),
		captureNonIPTotal: prometheus.NewDesc(
			"dyntrack_capture_non_ip_total",
			"Total non-IP frames skipped by a capture loop.",
			[]string{"capture"}, nil,
		),
		captureErrorsTotal: prometheus.NewDesc(
			"dyntrack_capture_errors_total",
			"Total read or decode failures of a capture loop.",
			[]string{"capture"}, nil,
		),
		exportFlowsTotal: prometheus.NewDesc(
			"dyntrack_flowexport_flows_total",
			"Total NetFlow records sent for closed sessions.",
			nil, nil,
		),
		exportPacketsTotal: prometheus.NewDesc(
			"dyntrack_flowexport_packets_total",
			"Total NetFlow data packets sent.",
			nil, nil,
		),
		exportDropsTotal: prometheus.NewDesc(
			"dyntrack_flowexport_dropped_total",
			"Total closed sessions not exported, by reason.",
			[]string{"reason"}, nil,
		),
	}
}

func (c *dyntrackCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.maxEntries
	ch <- c.buckets
	ch <- c.lookupsTotal
	ch <- c.hitsTotal
	ch <- c.installsTotal
	ch <- c.tableFullTotal
	ch <- c.limitExceededTotal
	ch <- c.expiredTotal
	ch <- c.ruleRemovedTotal
	ch <- c.keepalivesTotal
	ch <- c.sweepsTotal
	ch <- c.packetsTotal
	ch <- c.verdictsTotal
	ch <- c.noMatchTotal
	ch <- c.resetsTotal
	ch <- c.rules
	ch <- c.gcSweepDuration
	ch <- c.gcKeepalivesSent
	ch <- c.gcTransmitErrors
	ch <- c.gcLastSweepEntries
	ch <- c.capturePacketsTotal
	ch <- c.captureNonIPTotal
	ch <- c.captureErrorsTotal
	ch <- c.exportFlowsTotal
	ch <- c.exportPacketsTotal
	ch <- c.exportDropsTotal
}

func (c *dyntrackCollector) Collect(ch chan<- prometheus.Metric) {
	if c.srv.engine == nil {
		return
	}
	c.collectTable(ch)
	c.collectEngine(ch)
	c.collectGC(ch)
	c.collectCaptures(ch)
	c.collectFlowExport(ch)
}

func (c *dyntrackCollector) collectTable(ch chan<- prometheus.Metric) {
	st := c.srv.engine.Table().Stats()

	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(st.Sessions), "dynamic")
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(st.Parents), "limit-parent")
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(st.Children), "limit-child")
	ch <- prometheus.MustNewConstMetric(c.maxEntries, prometheus.GaugeValue, float64(st.MaxEntries))
	ch <- prometheus.MustNewConstMetric(c.buckets, prometheus.GaugeValue, float64(st.Buckets))

	counters := []struct {
		desc *prometheus.Desc
		val  uint64
	}{
		{c.lookupsTotal, st.Lookups},
		{c.hitsTotal, st.Hits},
		{c.installsTotal, st.Installs},
		{c.tableFullTotal, st.TableFull},
		{c.limitExceededTotal, st.LimitExceeded},
		{c.expiredTotal, st.Expired},
		{c.ruleRemovedTotal, st.RuleRemoved},
		{c.keepalivesTotal, st.Keepalives},
		{c.sweepsTotal, st.Sweeps},
	}
	for _, ctr := range counters {
		ch <- prometheus.MustNewConstMetric(ctr.desc, prometheus.CounterValue, float64(ctr.val))
	}
}

func (c *dyntrackCollector) collectEngine(ch chan<- prometheus.Metric) {
	ec := c.srv.engine.Counters()

	ch <- prometheus.MustNewConstMetric(c.packetsTotal, prometheus.CounterValue, float64(ec.Dynamic), "dynamic")
	ch <- prometheus.MustNewConstMetric(c.packetsTotal, prometheus.CounterValue, float64(ec.Packets-ec.Dynamic), "rules")

	ch <- prometheus.MustNewConstMetric(c.verdictsTotal, prometheus.CounterValue, float64(ec.Passed), "pass")
	ch <- prometheus.MustNewConstMetric(c.verdictsTotal, prometheus.CounterValue, float64(ec.Dropped), "drop")
	ch <- prometheus.MustNewConstMetric(c.verdictsTotal, prometheus.CounterValue, float64(ec.Rejected), "reject")
	ch <- prometheus.MustNewConstMetric(c.noMatchTotal, prometheus.CounterValue, float64(ec.NoMatch))

	ch <- prometheus.MustNewConstMetric(c.resetsTotal, prometheus.CounterValue, float64(ec.ResetsSent), "sent")
	ch <- prometheus.MustNewConstMetric(c.resetsTotal, prometheus.CounterValue, float64(ec.ResetErrors), "error")

	ch <- prometheus.MustNewConstMetric(c.rules, prometheus.GaugeValue, float64(c.srv.engine.Rules().Len()))
}

func (c *dyntrackCollector) collectGC(ch chan<- prometheus.Metric) {
	if c.srv.gc == nil {
		return
	}
	gs := c.srv.gc.Stats()
	ch <- prometheus.MustNewConstMetric(c.gcSweepDuration, prometheus.GaugeValue, gs.LastDuration.Seconds())
	ch <- prometheus.MustNewConstMetric(c.gcKeepalivesSent, prometheus.CounterValue, float64(gs.KeepalivesSent))
	ch <- prometheus.MustNewConstMetric(c.gcTransmitErrors, prometheus.CounterValue, float64(gs.TransmitErrors))
	ch <- prometheus.MustNewConstMetric(c.gcLastSweepEntries, prometheus.GaugeValue, float64(gs.LastEntries))
}

func (c *dyntrackCollector) collectCaptures(ch chan<- prometheus.Metric) {
	if c.srv.captures == nil {
		return
	}
	for _, cp := range c.srv.captures() {
		st := cp.Stats()
		name := cp.Name()
		ch <- prometheus.MustNewConstMetric(c.capturePacketsTotal, prometheus.CounterValue, float64(st.Packets), name)
		ch <- prometheus.MustNewConstMetric(c.captureNonIPTotal, prometheus.CounterValue, float64(st.NonIP), name)
		ch <- prometheus.MustNewConstMetric(c.captureErrorsTotal, prometheus.CounterValue, float64(st.Errors), name)
	}
}

func (c *dyntrackCollector) collectFlowExport(ch chan<- prometheus.Metric) {
	if c.srv.exporter == nil {
		return
	}
	st := c.srv.exporter.Stats()
	ch <- prometheus.MustNewConstMetric(c.exportFlowsTotal, prometheus.CounterValue, float64(st.Flows))
	ch <- prometheus.MustNewConstMetric(c.exportPacketsTotal, prometheus.CounterValue, float64(st.Packets))
	ch <- prometheus.MustNewConstMetric(c.exportDropsTotal, prometheus.CounterValue, float64(st.Sampled), "sampled")
	ch <- prometheus.MustNewConstMetric(c.exportDropsTotal, prometheus.CounterValue, float64(st.Dropped), "queue_full")
	ch <- prometheus.MustNewConstMetric(c.exportDropsTotal, prometheus.CounterValue, float64(st.SendErrors), "send_error")
}
