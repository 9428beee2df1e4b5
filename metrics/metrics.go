// Package metrics exports ring statistics to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/romshark/zcring"
	"github.com/romshark/zcring/ring"
)

// Collector reports the counters of every ring of a port.
// Each series carries a dir ("tx" or "rx") and a ring label.
type Collector struct {
	port    *zcring.Port
	packets *prometheus.Desc
	bytes   *prometheus.Desc
	syncs   *prometheus.Desc
	full    *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(namespace string, port *zcring.Port) *Collector {
	labels := []string{"dir", "ring"}
	constLabels := prometheus.Labels{
		"target":  port.Address().String(),
		"backing": port.Backing().String(),
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ring", name), help, labels, constLabels,
		)
	}
	return &Collector{
		port:    port,
		packets: desc("packets_total", "Packets sent or received."),
		bytes:   desc("bytes_total", "Payload bytes sent or received."),
		syncs:   desc("syncs_total", "Sync calls."),
		full:    desc("full_total", "Sends rejected because the ring was full."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packets
	ch <- c.bytes
	ch <- c.syncs
	ch <- c.full
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for i, r := range c.port.TxRings() {
		c.collect(ch, "tx", i, r.Stats())
	}
	for i, r := range c.port.RxRings() {
		c.collect(ch, "rx", i, r.Stats())
	}
}

func (c *Collector) collect(ch chan<- prometheus.Metric, dir string, i int, s ring.Stats) {
	idx := strconv.Itoa(i)
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), dir, idx)
	}
	counter(c.packets, s.Packets)
	counter(c.bytes, s.Bytes)
	counter(c.syncs, s.Syncs)
	if dir == "tx" {
		counter(c.full, s.Full)
	}
}
