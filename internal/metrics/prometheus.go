package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type PrometheusMetrics struct {
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheusMetrics() *PrometheusMetrics {
	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}

	pm.registerMetrics()

	return pm
}

func (pm *PrometheusMetrics) registerMetrics() {
	// Counters
	pm.counters["calls_launched"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_calls_launched_total",
			Help: "Total originations accepted by the API",
		},
		[]string{},
	)

	pm.counters["calls_success"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_calls_success_total",
			Help: "Total originations accepted by the PBX",
		},
		[]string{},
	)

	pm.counters["calls_failed"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_calls_failed_total",
			Help: "Total originations that failed",
		},
		[]string{"reason"},
	)

	pm.counters["call_state_transitions"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_call_state_transitions_total",
			Help: "Call state transitions applied or rejected",
		},
		[]string{"from", "to", "allowed"},
	)

	pm.counters["reconciler_events_dropped"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_reconciler_events_dropped_total",
			Help: "PBX events dropped by the reconciler",
		},
		[]string{"reason"},
	)

	pm.counters["rate_limit_exceeded"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_rate_limit_exceeded_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"endpoint"},
	)

	pm.counters["ari_events"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_ari_events_total",
			Help: "Events received from the PBX event socket",
		},
		[]string{"type"},
	)

	// Histograms
	pm.histograms["originate_latency"] = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_originate_latency_seconds",
			Help:    "Wall-clock latency of PBX originate calls",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{},
	)

	// Gauges
	pm.gauges["breaker_state"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"operation"},
	)

	pm.gauges["event_stream_connected"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_event_stream_connected",
			Help: "Whether the PBX event socket is connected",
		},
		[]string{},
	)

	// Register all metrics
	for _, counter := range pm.counters {
		prometheus.MustRegister(counter)
	}
	for _, histogram := range pm.histograms {
		prometheus.MustRegister(histogram)
	}
	for _, gauge := range pm.gauges {
		prometheus.MustRegister(gauge)
	}
}

func (pm *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
	if counter, exists := pm.counters[name]; exists {
		if labels == nil {
			labels = make(map[string]string)
		}
		counter.With(prometheus.Labels(labels)).Inc()
	}
}

func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	if histogram, exists := pm.histograms[name]; exists {
		if labels == nil {
			labels = make(map[string]string)
		}
		histogram.With(prometheus.Labels(labels)).Observe(value)
	}
}

func (pm *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
	if gauge, exists := pm.gauges[name]; exists {
		if labels == nil {
			labels = make(map[string]string)
		}
		gauge.With(prometheus.Labels(labels)).Set(value)
	}
}
