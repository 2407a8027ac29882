package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes NodeStats as Prometheus metrics. Values are read from
// the atomics at scrape time, so nothing is double-counted.
type Collector struct {
	stats *NodeStats
	descs map[string]*prometheus.Desc
}

// NewCollector builds a collector over s. Register it with a
// prometheus.Registerer to serve it.
func NewCollector(s *NodeStats) *Collector {
	d := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, nil, nil)
	}
	return &Collector{
		stats: s,
		descs: map[string]*prometheus.Desc{
			"received":   d("relay_messages_received_total", "Publishes that passed validation"),
			"relayed":    d("relay_messages_relayed_total", "Copies accepted into subscriber send queues"),
			"duplicate":  d("relay_messages_duplicate_total", "Publishes suppressed by the message cache"),
			"rejected":   d("relay_messages_rejected_total", "Publishes rejected by the validator"),
			"send_fail":  d("relay_send_failures_total", "Outbound deliveries dropped"),
			"dial_fail":  d("relay_dial_failures_total", "Failed bootstrap dials"),
			"bytes":      d("relay_bytes_transferred_total", "Inbound and outbound frame bytes"),
			"peers":      d("relay_connected_peers", "Currently registered connections"),
			"uptime_sec": d("relay_uptime_seconds", "Seconds since node start"),
		},
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()
	counter := func(key string, v uint64) {
		ch <- prometheus.MustNewConstMetric(c.descs[key], prometheus.CounterValue, float64(v))
	}
	counter("received", snap.MessagesReceived)
	counter("relayed", snap.MessagesRelayed)
	counter("duplicate", snap.MessagesDuplicate)
	counter("rejected", snap.MessagesRejected)
	counter("send_fail", snap.SendFailures)
	counter("dial_fail", snap.DialFailures)
	counter("bytes", snap.BytesTransferred)
	ch <- prometheus.MustNewConstMetric(c.descs["peers"], prometheus.GaugeValue, float64(snap.ConnectedPeerCount))
	ch <- prometheus.MustNewConstMetric(c.descs["uptime_sec"], prometheus.GaugeValue, snap.Uptime)
}

// Handler serves s plus the Go runtime metrics on its own registry.
func Handler(s *NodeStats) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(s),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
