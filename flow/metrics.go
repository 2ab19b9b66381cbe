package flow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus instrumentation for flow execution. All
// metrics are namespaced "flowforge_".
type Metrics struct {
	flowsRunning   *prometheus.GaugeVec
	flowsPaused    *prometheus.GaugeVec
	flowsCompleted *prometheus.CounterVec
	flowsFailed    *prometheus.CounterVec
	stepLatency    *prometheus.HistogramVec
	stepRetries    *prometheus.CounterVec
	branchFanout   *prometheus.HistogramVec
	jumpCount      *prometheus.CounterVec
}

// NewMetrics registers every metric against registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() to isolate a test's metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		flowsRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flowforge",
			Name:      "flows_running",
			Help:      "Number of flows currently being executed.",
		}, []string{"flow_kind"}),
		flowsPaused: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flowforge",
			Name:      "flows_paused",
			Help:      "Number of flows currently paused awaiting resume.",
		}, []string{"flow_kind", "reason"}),
		flowsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowforge",
			Name:      "flows_completed_total",
			Help:      "Cumulative count of flows that reached Completed.",
		}, []string{"flow_kind"}),
		flowsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowforge",
			Name:      "flows_failed_total",
			Help:      "Cumulative count of flows that reached Failed.",
		}, []string{"flow_kind", "reason"}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowforge",
			Name:      "step_latency_ms",
			Help:      "Step body execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"flow_kind", "step", "status"}),
		stepRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowforge",
			Name:      "step_retries_total",
			Help:      "Cumulative retry attempts across all steps.",
		}, []string{"flow_kind", "step"}),
		branchFanout: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowforge",
			Name:      "branch_fanout_size",
			Help:      "Number of sub-steps instantiated by a dynamic branch.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}, []string{"flow_kind", "step"}),
		jumpCount: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowforge",
			Name:      "jumps_total",
			Help:      "Cumulative jumpTo traversals.",
		}, []string{"flow_kind", "step", "target"}),
	}
}

func (m *Metrics) flowStarted(kind string) {
	if m == nil {
		return
	}
	m.flowsRunning.WithLabelValues(kind).Inc()
}

func (m *Metrics) flowEnded(kind string, status string, reason string) {
	if m == nil {
		return
	}
	m.flowsRunning.WithLabelValues(kind).Dec()
	switch status {
	case "completed":
		m.flowsCompleted.WithLabelValues(kind).Inc()
	case "failed":
		m.flowsFailed.WithLabelValues(kind, reason).Inc()
	}
}

func (m *Metrics) flowPaused(kind, reason string, paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.flowsPaused.WithLabelValues(kind, reason).Inc()
	} else {
		m.flowsPaused.WithLabelValues(kind, reason).Dec()
	}
}

func (m *Metrics) observeStep(kind, step, status string, ms float64) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(kind, step, status).Observe(ms)
}

func (m *Metrics) observeRetry(kind, step string) {
	if m == nil {
		return
	}
	m.stepRetries.WithLabelValues(kind, step).Inc()
}

func (m *Metrics) observeFanout(kind, step string, n int) {
	if m == nil {
		return
	}
	m.branchFanout.WithLabelValues(kind, step).Observe(float64(n))
}

func (m *Metrics) observeJump(kind, step, target string) {
	if m == nil {
		return
	}
	m.jumpCount.WithLabelValues(kind, step, target).Inc()
}
