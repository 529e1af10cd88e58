package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "flowkit"

// Metrics holds the engine's Prometheus collectors, registered against an
// injected registerer so tests can use isolated registries.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec
	RunDuration   prometheus.Histogram
	NodesTotal    *prometheus.CounterVec
	NodeDuration  *prometheus.HistogramVec
	RetriesTotal  prometheus.Counter
	TokensTotal   prometheus.Counter
	CostTotal     prometheus.Counter
	EventsDropped prometheus.Counter
	ActiveRuns    prometheus.Gauge
}

// NewMetrics registers the engine collectors. A nil registerer uses a
// private registry, keeping collectors inert.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_total",
			Help:      "Workflow runs by final status.",
		}, []string{"status"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of workflow runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		NodesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "node_executions_total",
			Help:      "Node executions by node type and outcome.",
		}, []string{"type", "status"}),
		NodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "node_duration_seconds",
			Help:      "Wall time of node executions by node type.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"type"}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "node_retries_total",
			Help:      "Node execution retry attempts.",
		}),
		TokensTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tokens_used_total",
			Help:      "Tokens consumed by agent nodes.",
		}),
		CostTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cost_usd_total",
			Help:      "Estimated provider cost in USD.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_dropped_total",
			Help:      "Run events dropped because the recorder queue was full.",
		}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_runs",
			Help:      "Currently executing workflow runs.",
		}),
	}
}
