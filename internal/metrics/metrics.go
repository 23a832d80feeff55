// Package metrics exposes the benchmark's own Prometheus collector,
// separate from the NIC telemetry collector inherited from the exporter
// this module started from: bytes written, completions harvested,
// post_send/poll_cq error counts, and active QP gauges.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rdma_bench"

// BenchmarkCollector implements prometheus.Collector for the counters a
// running benchmark client or server accumulates. It is safe for
// concurrent use by the per-QP tasks described in spec §4.5/§4.7.
type BenchmarkCollector struct {
	mu sync.Mutex

	bytesTransferred uint64
	completions      uint64
	postSendErrors   uint64
	pollErrors       uint64
	activeQPs        int

	bytesDesc       *prometheus.Desc
	completionsDesc *prometheus.Desc
	postErrDesc     *prometheus.Desc
	pollErrDesc     *prometheus.Desc
	activeQPsDesc   *prometheus.Desc
}

// New constructs an empty BenchmarkCollector.
func New() *BenchmarkCollector {
	return &BenchmarkCollector{
		bytesDesc: prometheus.NewDesc(
			namespace+"_bytes_transferred_total",
			"Total bytes transferred via RDMA_WRITE across all queue pairs.",
			nil, nil,
		),
		completionsDesc: prometheus.NewDesc(
			namespace+"_completions_total",
			"Total signaled work completions harvested.",
			nil, nil,
		),
		postErrDesc: prometheus.NewDesc(
			namespace+"_post_send_errors_total",
			"Total ibv_post_send failures.",
			nil, nil,
		),
		pollErrDesc: prometheus.NewDesc(
			namespace+"_poll_cq_errors_total",
			"Total ibv_poll_cq failures.",
			nil, nil,
		),
		activeQPsDesc: prometheus.NewDesc(
			namespace+"_active_queue_pairs",
			"Number of queue pairs currently in the RTS state.",
			nil, nil,
		),
	}
}

// AddBytesTransferred records n additional bytes delivered.
func (c *BenchmarkCollector) AddBytesTransferred(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytesTransferred += n
}

// AddCompletions records n additional harvested completions.
func (c *BenchmarkCollector) AddCompletions(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completions += n
}

// IncPostSendErrors records one ibv_post_send failure.
func (c *BenchmarkCollector) IncPostSendErrors() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.postSendErrors++
}

// IncPollErrors records one ibv_poll_cq failure.
func (c *BenchmarkCollector) IncPollErrors() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollErrors++
}

// SetActiveQPs reports the current count of QPs in the RTS state.
func (c *BenchmarkCollector) SetActiveQPs(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeQPs = n
}

// Describe implements prometheus.Collector.
func (c *BenchmarkCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesDesc
	ch <- c.completionsDesc
	ch <- c.postErrDesc
	ch <- c.pollErrDesc
	ch <- c.activeQPsDesc
}

// Collect implements prometheus.Collector.
func (c *BenchmarkCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue, float64(c.bytesTransferred))
	ch <- prometheus.MustNewConstMetric(c.completionsDesc, prometheus.CounterValue, float64(c.completions))
	ch <- prometheus.MustNewConstMetric(c.postErrDesc, prometheus.CounterValue, float64(c.postSendErrors))
	ch <- prometheus.MustNewConstMetric(c.pollErrDesc, prometheus.CounterValue, float64(c.pollErrors))
	ch <- prometheus.MustNewConstMetric(c.activeQPsDesc, prometheus.GaugeValue, float64(c.activeQPs))
}
