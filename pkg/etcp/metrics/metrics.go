// Package metrics provides optional prometheus instrumentation for an
// etcp.State: frame counters and queue depth gauges a host can register
// alongside its own registry. Nothing in pkg/etcp depends on this package;
// a host wires it in only if it wants observability, consistent with
// spec.md's exclusion of a built-in metrics surface from the core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/etcp-project/etcp/pkg/etcp"
)

// Collector exposes per-connection queue occupancy and cumulative
// frame/ack counters as prometheus metrics.
type Collector struct {
	FramesSent     prometheus.Counter
	FramesRecv     prometheus.Counter
	FramesDropped  prometheus.Counter
	AcksSent       prometheus.Counter
	RxQDepth       prometheus.Gauge
	TxQDepth       prometheus.Gauge
	RTTSeconds     prometheus.Histogram
}

// NewCollector builds a Collector with metrics named under the "etcp_"
// prefix, ready to be registered with a prometheus.Registerer.
func NewCollector() *Collector {
	return &Collector{
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "etcp_frames_sent_total",
			Help: "Total etcp frames transmitted (DAT and ACK).",
		}),
		FramesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "etcp_frames_received_total",
			Help: "Total etcp frames received.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "etcp_frames_dropped_total",
			Help: "Total inbound frames dropped (bad packet, rejected, out of range).",
		}),
		AcksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "etcp_acks_sent_total",
			Help: "Total SACK frames generated (fresh and stale).",
		}),
		RxQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "etcp_rxq_depth",
			Help: "Committed, unreleased slots in the most recently observed rx queue.",
		}),
		TxQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "etcp_txq_depth",
			Help: "Committed, unreleased slots in the most recently observed tx queue.",
		}),
		RTTSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "etcp_rtt_seconds",
			Help:    "Sampled round-trip time per ack.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.all() {
		ch <- m.Desc()
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.all() {
		ch <- m
	}
}

func (c *Collector) all() []prometheus.Metric {
	return []prometheus.Metric{
		c.FramesSent, c.FramesRecv, c.FramesDropped, c.AcksSent, c.RxQDepth, c.TxQDepth, c.RTTSeconds,
	}
}

// Observe samples a connection's current queue depths and RTT estimate.
// Call it periodically (e.g. once per pump cycle) rather than on every
// frame, matching the gauge semantics prometheus expects.
func (c *Collector) Observe(conn *etcp.Connection) {
	c.RxQDepth.Set(float64(conn.RxQ.Committed()))
	c.TxQDepth.Set(float64(conn.TxQ.Committed()))
	if conn.RTTSamples > 0 {
		c.RTTSeconds.Observe(float64(conn.RTTLastNs) / 1e9)
	}
}
