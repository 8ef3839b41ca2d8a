// Package metrics wires the agent's counters and gauges into
// Prometheus, using the same promauto registration idiom throughout.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every Prometheus collector the agent exposes. A nil
// Registerer is a supported mode (Null Object pattern, matching the
// teacher): the collectors are still created but never scraped.
type Metrics struct {
	FlushDuration       *prometheus.HistogramVec
	EventsSentTotal     prometheus.Counter
	MetricsSentTotal    prometheus.Counter
	TransportErrorTotal *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
	BufferFill          *prometheus.GaugeVec
	DroppedTotal        *prometheus.CounterVec
	OverflowEntries     prometheus.Gauge
	RulesFetchTotal     *prometheus.CounterVec
}

// New constructs and registers the agent's metrics against reg. Pass
// nil to get a self-contained, unregistered set (useful in tests or
// when Prometheus scraping is not wired up).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		FlushDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guard_agent_flush_duration_seconds",
			Help:    "Duration of buffer flush round-trips to the remote service.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"queue"}),

		EventsSentTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "guard_agent_events_sent_total",
			Help: "Total number of security events successfully delivered.",
		}),

		MetricsSentTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "guard_agent_metrics_sent_total",
			Help: "Total number of security metrics successfully delivered.",
		}),

		TransportErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "guard_agent_transport_errors_total",
			Help: "Total transport failures by classification.",
		}, []string{"kind"}), // kinds: retriable, permanent, circuit_open

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "guard_agent_circuit_breaker_state",
			Help: "Current breaker state (0=closed, 1=half_open, 2=open).",
		}, []string{"endpoint"}),

		BufferFill: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "guard_agent_buffer_fill",
			Help: "Current number of items held in each in-memory queue.",
		}, []string{"queue"}),

		DroppedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "guard_agent_dropped_total",
			Help: "Total items dropped by reason.",
		}, []string{"reason"}), // reasons: capacity, encrypted

		OverflowEntries: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "guard_agent_overflow_entries",
			Help: "Current number of items spilled to the durable overflow store.",
		}),

		RulesFetchTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "guard_agent_rules_fetch_total",
			Help: "Total dynamic-rule fetch attempts by outcome.",
		}, []string{"outcome"}), // outcomes: updated, unchanged (a failed fetch is also counted as unchanged)
	}
}

// BreakerStateValue maps a resilience.State string to the numeric gauge
// value the Prometheus convention above expects.
func BreakerStateValue(state string) float64 {
	switch state {
	case "OPEN":
		return 2
	case "HALF_OPEN":
		return 1
	default:
		return 0
	}
}
