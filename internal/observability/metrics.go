package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/torosent/probefire/internal/metrics"
)

const namespace = "probefire"

// RunSnapshot is one run as seen at scrape time.
type RunSnapshot struct {
	ID     string
	Status string
	Stats  metrics.RunStats
}

// RunSource lists the runs to export.
type RunSource interface {
	RunSnapshots() []RunSnapshot
}

// RunCollector exports live run statistics. Values are computed from fresh
// snapshots on every scrape, so nothing is double counted across runs.
type RunCollector struct {
	source RunSource

	requests     *prometheus.Desc
	responses    *prometheus.Desc
	timeouts     *prometheus.Desc
	sendFailures *prometheus.Desc
	pending      *prometheus.Desc
	latency      *prometheus.Desc
	sessions     *prometheus.Desc
	connectRate  *prometheus.Desc
	status       *prometheus.Desc
}

// NewRunCollector returns a collector reading from source.
func NewRunCollector(source RunSource) *RunCollector {
	run := []string{"run"}
	return &RunCollector{
		source:       source,
		requests:     prometheus.NewDesc(namespace+"_probes_sent_total", "Probes registered in the measured window.", run, nil),
		responses:    prometheus.NewDesc(namespace+"_probes_answered_total", "Probes matched with a reply.", run, nil),
		timeouts:     prometheus.NewDesc(namespace+"_probes_timed_out_total", "Probes expired without a reply.", run, nil),
		sendFailures: prometheus.NewDesc(namespace+"_send_failures_total", "Probe sends rejected by a session.", run, nil),
		pending:      prometheus.NewDesc(namespace+"_probes_pending", "Probes awaiting a reply.", run, nil),
		latency:      prometheus.NewDesc(namespace+"_probe_latency_seconds", "Probe round-trip latency.", []string{"run", "quantile"}, nil),
		sessions:     prometheus.NewDesc(namespace+"_sessions", "Sessions by connection outcome.", []string{"run", "outcome"}, nil),
		connectRate:  prometheus.NewDesc(namespace+"_connection_success_percent", "Percentage of logon attempts that succeeded.", run, nil),
		status:       prometheus.NewDesc(namespace+"_run_info", "Run status, always 1.", []string{"run", "status"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *RunCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.requests, c.responses, c.timeouts, c.sendFailures, c.pending,
		c.latency, c.sessions, c.connectRate, c.status,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *RunCollector) Collect(ch chan<- prometheus.Metric) {
	if c.source == nil {
		return
	}
	for _, run := range c.source.RunSnapshots() {
		s := run.Stats
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.TotalRequests), run.ID)
		ch <- prometheus.MustNewConstMetric(c.responses, prometheus.CounterValue, float64(s.TotalResponses), run.ID)
		ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(s.Timeouts), run.ID)
		ch <- prometheus.MustNewConstMetric(c.sendFailures, prometheus.CounterValue, float64(s.SendFailures), run.ID)
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(s.Pending), run.ID)
		for _, q := range []struct {
			label string
			value float64
		}{
			{"0.5", s.P50Latency.Seconds()},
			{"0.95", s.P95Latency.Seconds()},
			{"0.99", s.P99Latency.Seconds()},
		} {
			ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, q.value, run.ID, q.label)
		}
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(s.Connections.Active), run.ID, "active")
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(s.Connections.Successful), run.ID, "successful")
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(s.Connections.Failed), run.ID, "failed")
		ch <- prometheus.MustNewConstMetric(c.connectRate, prometheus.GaugeValue, s.Connections.SuccessRate, run.ID)
		ch <- prometheus.MustNewConstMetric(c.status, prometheus.GaugeValue, 1, run.ID, run.Status)
	}
}

// Metrics owns the registry served on /metrics.
type Metrics struct {
	registry     *prometheus.Registry
	RunsFinished *prometheus.CounterVec
	BuildInfo    *prometheus.GaugeVec
}

// NewMetrics registers the run collector plus process-level counters.
func NewMetrics(source RunSource) *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"status"}),
		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build version, always 1.",
		}, []string{"version", "commit"}),
	}
	m.BuildInfo.WithLabelValues(Version, Commit).Set(1)
	r.MustRegister(m.RunsFinished, m.BuildInfo, NewRunCollector(source))
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
