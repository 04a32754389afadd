package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"TradePipe/internal/domain/models"
)

// Recorder implements domain repository.Metrics using Prometheus.
type Recorder struct {
	ticksTotal     *prometheus.CounterVec
	anomaliesTotal *prometheus.CounterVec
	lastPrice      *prometheus.GaugeVec
	signalsTotal   *prometheus.CounterVec
	aiFallbacks    *prometheus.CounterVec
	riskDecisions  *prometheus.CounterVec
	tradesTotal    *prometheus.CounterVec
	pongLatency    prometheus.Histogram
	breakerOpen    prometheus.Gauge
	errorsTotal    *prometheus.CounterVec
	latency        *prometheus.HistogramVec
}

// New creates a recorder registered on reg. A nil reg means the default registry.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		ticksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepipe_ticks_accepted_total",
				Help: "Normalized ticks accepted per market",
			},
			[]string{"market"},
		),
		anomaliesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepipe_tick_anomalies_total",
				Help: "Ticks rejected by the normalizer, by anomaly kind",
			},
			[]string{"kind", "market"},
		),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tradepipe_last_quote",
				Help: "Last accepted quote per market",
			},
			[]string{"market"},
		),
		signalsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepipe_signals_total",
				Help: "Signals emitted by the generator",
			},
			[]string{"market", "type", "reason"},
		),
		aiFallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepipe_ai_fallbacks_total",
				Help: "Signals that fell back to the rule path",
			},
			[]string{"reason"},
		),
		riskDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepipe_risk_decisions_total",
				Help: "Risk guard decisions",
			},
			[]string{"result", "reason"},
		),
		tradesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepipe_trades_total",
				Help: "Trade execution outcomes",
			},
			[]string{"status"},
		),
		pongLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tradepipe_venue_pong_latency_seconds",
				Help:    "Round trip between ping and pong on the venue connection",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15},
			},
		),
		breakerOpen: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradepipe_venue_breaker_open",
				Help: "1 while the venue circuit breaker is tripped",
			},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradepipe_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradepipe_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

func (r *Recorder) RecordTick(market string, price float64) {
	r.ticksTotal.WithLabelValues(market).Inc()
	r.lastPrice.WithLabelValues(market).Set(price)
}

func (r *Recorder) RecordAnomaly(kind, market string) {
	r.anomaliesTotal.WithLabelValues(kind, market).Inc()
}

func (r *Recorder) RecordSignal(market string, signalType models.SignalType, reason string) {
	r.signalsTotal.WithLabelValues(market, string(signalType), reason).Inc()
}

func (r *Recorder) RecordAIFallback(reason string) {
	r.aiFallbacks.WithLabelValues(reason).Inc()
}

func (r *Recorder) RecordRiskDecision(result models.RiskResult, reason string) {
	r.riskDecisions.WithLabelValues(string(result), reason).Inc()
}

func (r *Recorder) RecordTrade(status models.TradeStatus) {
	r.tradesTotal.WithLabelValues(string(status)).Inc()
}

func (r *Recorder) RecordPongLatency(seconds float64) {
	r.pongLatency.Observe(seconds)
}

func (r *Recorder) RecordBreakerOpen(open bool) {
	if open {
		r.breakerOpen.Set(1)
		return
	}
	r.breakerOpen.Set(0)
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordTick(string, float64)                     {}
func (Nop) RecordAnomaly(string, string)                   {}
func (Nop) RecordSignal(string, models.SignalType, string) {}
func (Nop) RecordAIFallback(string)                        {}
func (Nop) RecordRiskDecision(models.RiskResult, string)   {}
func (Nop) RecordTrade(models.TradeStatus)                 {}
func (Nop) RecordPongLatency(float64)                      {}
func (Nop) RecordBreakerOpen(bool)                         {}
func (Nop) RecordError(string)                             {}
func (Nop) RecordLatency(string, float64)                  {}
