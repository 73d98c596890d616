// Package prom exposes the statistics of a simulation run as Prometheus metrics.
package prom

import (
	"net/http"
	"strconv"

	"github.com/iti/aqmon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source is anything that can produce the current results of a run.
// *aqmon.Simulation satisfies it.
type Source interface {
	Result() *aqmon.Result
}

// Collector reads a Source at scrape time and converts it to const metrics
type Collector struct {
	src Source

	txPackets  *prometheus.Desc
	rxPackets  *prometheus.Desc
	rxBytes    *prometheus.Desc
	lost       *prometheus.Desc
	throughput *prometheus.Desc
	delay      *prometheus.Desc
	jitter     *prometheus.Desc

	queueDrops *prometheus.Desc
	queueMarks *prometheus.Desc
	occupancy  *prometheus.Desc
	avgQueue   *prometheus.Desc
	linkLosses *prometheus.Desc
	fairness   *prometheus.Desc
}

// New builds a Collector that reads src on every scrape
func New(src Source) *Collector {
	flowLabels := []string{"scenario", "flow_id", "flow"}
	scenarioLabel := []string{"scenario"}
	return &Collector{
		src:        src,
		txPackets:  prometheus.NewDesc("aqmon_flow_tx_packets", "Packets transmitted per flow", flowLabels, nil),
		rxPackets:  prometheus.NewDesc("aqmon_flow_rx_packets", "Packets received per flow", flowLabels, nil),
		rxBytes:    prometheus.NewDesc("aqmon_flow_rx_bytes", "Bytes received per flow", flowLabels, nil),
		lost:       prometheus.NewDesc("aqmon_flow_lost_packets", "Packets lost per flow", flowLabels, nil),
		throughput: prometheus.NewDesc("aqmon_flow_throughput_mbps", "Received throughput per flow", flowLabels, nil),
		delay:      prometheus.NewDesc("aqmon_flow_mean_delay_ms", "Mean one-way delay per flow", flowLabels, nil),
		jitter:     prometheus.NewDesc("aqmon_flow_mean_jitter_ms", "Mean jitter per flow", flowLabels, nil),
		queueDrops: prometheus.NewDesc("aqmon_queue_drops", "Packets dropped by the queue discipline, by reason",
			[]string{"scenario", "reason"}, nil),
		queueMarks: prometheus.NewDesc("aqmon_queue_marks", "Packets ECN-marked by the queue discipline, by reason",
			[]string{"scenario", "reason"}, nil),
		occupancy:  prometheus.NewDesc("aqmon_queue_occupancy", "Instantaneous queue occupancy", scenarioLabel, nil),
		avgQueue:   prometheus.NewDesc("aqmon_queue_avg_size", "Average queue size", scenarioLabel, nil),
		linkLosses: prometheus.NewDesc("aqmon_link_losses", "Packets lost by the link", scenarioLabel, nil),
		fairness:   prometheus.NewDesc("aqmon_fairness_index", "Jain's fairness index over flow throughputs", scenarioLabel, nil),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.txPackets
	ch <- c.rxPackets
	ch <- c.rxBytes
	ch <- c.lost
	ch <- c.throughput
	ch <- c.delay
	ch <- c.jitter
	ch <- c.queueDrops
	ch <- c.queueMarks
	ch <- c.occupancy
	ch <- c.avgQueue
	ch <- c.linkLosses
	ch <- c.fairness
}

// Collect implements prometheus.Collector.  The metrics are built from a fresh Result.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	rslt := c.src.Result()
	name := rslt.Name

	for _, fr := range rslt.Flows {
		id := strconv.Itoa(fr.FlowID)
		emit := func(desc *prometheus.Desc, vt prometheus.ValueType, val float64) {
			ch <- prometheus.MustNewConstMetric(desc, vt, val, name, id, fr.Flow)
		}
		emit(c.txPackets, prometheus.CounterValue, float64(fr.TxPackets))
		emit(c.rxPackets, prometheus.CounterValue, float64(fr.RxPackets))
		emit(c.rxBytes, prometheus.CounterValue, float64(fr.RxBytes))
		emit(c.lost, prometheus.CounterValue, float64(fr.LostPackets))
		emit(c.throughput, prometheus.GaugeValue, fr.ThroughputMbps)
		emit(c.delay, prometheus.GaugeValue, fr.MeanDelayMs)
		emit(c.jitter, prometheus.GaugeValue, fr.MeanJitterMs)
	}

	qs := rslt.Queue
	ch <- prometheus.MustNewConstMetric(c.queueDrops, prometheus.CounterValue, float64(qs.UnforcedDrops), name, "unforced")
	ch <- prometheus.MustNewConstMetric(c.queueDrops, prometheus.CounterValue, float64(qs.ForcedDrops), name, "forced")
	ch <- prometheus.MustNewConstMetric(c.queueDrops, prometheus.CounterValue, float64(qs.QueueLimitDrops), name, "queue-limit")
	ch <- prometheus.MustNewConstMetric(c.queueMarks, prometheus.CounterValue, float64(qs.UnforcedMarks), name, "unforced")
	ch <- prometheus.MustNewConstMetric(c.queueMarks, prometheus.CounterValue, float64(qs.ForcedMarks), name, "forced")
	ch <- prometheus.MustNewConstMetric(c.occupancy, prometheus.GaugeValue, float64(qs.Occupancy), name)
	ch <- prometheus.MustNewConstMetric(c.avgQueue, prometheus.GaugeValue, qs.AvgQueueSize, name)
	ch <- prometheus.MustNewConstMetric(c.linkLosses, prometheus.CounterValue, float64(rslt.LinkLosses), name)
	ch <- prometheus.MustNewConstMetric(c.fairness, prometheus.GaugeValue, rslt.Aggregate.FairnessIndex, name)
}

// Handler registers a collector for src on a fresh registry and returns the
// HTTP handler that serves it
func Handler(src Source) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(New(src)); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
