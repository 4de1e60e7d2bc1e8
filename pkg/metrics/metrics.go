// Package metrics exposes session counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/modoterra/kclbridge/pkg/session"
)

const namespace = "kclbridge"

// Snapshotter is the narrow view of a session manager the collector needs.
type Snapshotter interface {
	Snapshot() []session.Status
}

// Collector reads a fresh snapshot on every scrape.
type Collector struct {
	src Snapshotter

	up             *prometheus.Desc
	batches        *prometheus.Desc
	records        *prometheus.Desc
	lastBatch      *prometheus.Desc
	busAccepted    *prometheus.Desc
	busRejected    *prometheus.Desc
	busActive      *prometheus.Desc
	busDelivered   *prometheus.Desc
	busMalformed   *prometheus.Desc
	logEmitted     *prometheus.Desc
	daemonRSS      *prometheus.Desc
	daemonCPUTicks *prometheus.Desc
	daemonThreads  *prometheus.Desc
}

func desc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, []string{"stream"}, nil)
}

// NewCollector creates a collector over src.
func NewCollector(src Snapshotter) *Collector {
	return &Collector{
		src:            src,
		up:             desc("daemon_up", "Whether the consumer daemon of the stream is running"),
		batches:        desc("batches_total", "Record batches delivered to the listener"),
		records:        desc("records_total", "Records delivered to the listener"),
		lastBatch:      desc("last_batch_timestamp_seconds", "Unix time of the most recent batch"),
		busAccepted:    desc("bus_connections_accepted_total", "Connections accepted by the event bus"),
		busRejected:    desc("bus_connections_rejected_total", "Connections rejected by the event bus"),
		busActive:      desc("bus_connections_active", "Open event bus connections"),
		busDelivered:   desc("bus_messages_delivered_total", "Messages decoded and handed to the session"),
		busMalformed:   desc("bus_messages_malformed_total", "Lines dropped because they were not valid JSON"),
		logEmitted:     desc("daemon_log_lines_emitted_total", "Daemon log lines republished by the log monitor"),
		daemonRSS:      desc("daemon_resident_memory_bytes", "Resident memory of the consumer daemon"),
		daemonCPUTicks: desc("daemon_cpu_ticks_total", "User plus system CPU ticks of the consumer daemon"),
		daemonThreads:  desc("daemon_threads", "Threads of the consumer daemon"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.up, c.batches, c.records, c.lastBatch,
		c.busAccepted, c.busRejected, c.busActive, c.busDelivered, c.busMalformed,
		c.logEmitted, c.daemonRSS, c.daemonCPUTicks, c.daemonThreads,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.src.Snapshot() {
		s := st.Stream
		up := 0.0
		if st.Process.Running() {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up, s)
		ch <- prometheus.MustNewConstMetric(c.batches, prometheus.CounterValue, float64(st.Batches), s)
		ch <- prometheus.MustNewConstMetric(c.records, prometheus.CounterValue, float64(st.Records), s)
		if st.LastBatchAt != nil {
			ch <- prometheus.MustNewConstMetric(c.lastBatch, prometheus.GaugeValue, float64(st.LastBatchAt.UnixMilli())/1000, s)
		}
		ch <- prometheus.MustNewConstMetric(c.busAccepted, prometheus.CounterValue, float64(st.Bus.Accepted), s)
		ch <- prometheus.MustNewConstMetric(c.busRejected, prometheus.CounterValue, float64(st.Bus.Rejected), s)
		ch <- prometheus.MustNewConstMetric(c.busActive, prometheus.GaugeValue, float64(st.Bus.Active), s)
		ch <- prometheus.MustNewConstMetric(c.busDelivered, prometheus.CounterValue, float64(st.Bus.Delivered), s)
		ch <- prometheus.MustNewConstMetric(c.busMalformed, prometheus.CounterValue, float64(st.Bus.Malformed), s)
		ch <- prometheus.MustNewConstMetric(c.logEmitted, prometheus.CounterValue, float64(st.LogEmitted), s)
		if st.Resources.PID != 0 {
			ch <- prometheus.MustNewConstMetric(c.daemonRSS, prometheus.GaugeValue, float64(st.Resources.RSSBytes), s)
			ch <- prometheus.MustNewConstMetric(c.daemonCPUTicks, prometheus.CounterValue, float64(st.Resources.CPUTicks), s)
			ch <- prometheus.MustNewConstMetric(c.daemonThreads, prometheus.GaugeValue, float64(st.Resources.Threads), s)
		}
	}
}

// NewRegistry returns a registry holding the session collector plus the
// standard Go runtime and process collectors.
func NewRegistry(src Snapshotter) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
