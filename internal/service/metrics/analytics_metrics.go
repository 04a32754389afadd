package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// InferenceMetrics tracks calls to the external inference service.
type InferenceMetrics struct {
	Latency *prometheus.HistogramVec
	Errors  *prometheus.CounterVec
}

// NewInferenceMetrics registers the collectors on reg, or the default registry when nil.
func NewInferenceMetrics(reg prometheus.Registerer) *InferenceMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &InferenceMetrics{
		Latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tradepipe",
				Subsystem: "inference",
				Name:      "latency_seconds",
				Help:      "Latency of inference endpoints",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2, 5},
			},
			[]string{"endpoint"},
		),
		Errors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tradepipe",
				Subsystem: "inference",
				Name:      "errors_total",
				Help:      "Errors by inference endpoint",
			},
			[]string{"endpoint"},
		),
	}
}

func (m *InferenceMetrics) ObserveLatency(endpoint string, seconds float64) {
	if m == nil {
		return
	}
	m.Latency.WithLabelValues(endpoint).Observe(seconds)
}

func (m *InferenceMetrics) IncError(endpoint string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(endpoint).Inc()
}
