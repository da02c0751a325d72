// Package metrics exposes the risk engine's Prometheus surface.
package metrics

import (
	"net/http"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RiskMetrics holds the engine-level Prometheus collectors on a private
// registry so the daemon never leaks default-registry globals.
type RiskMetrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	ticksEvaluated      prometheus.Counter
	haltsTriggered      *prometheus.CounterVec
	liquidationsTotal   prometheus.Counter
	liquidatedNotional  prometheus.Counter
	claimRejects        *prometheus.CounterVec
	coverageRatio       *prometheus.GaugeVec
	openInterest        *prometheus.GaugeVec
	insurancePool       prometheus.Gauge
	keepersActive       prometheus.Gauge
	tickLatency         prometheus.Histogram
	workItemsDispatched prometheus.Counter
}

// New creates the collectors under the given namespace.
func New(namespace string, logger log.Logger) *RiskMetrics {
	registry := prometheus.NewRegistry()

	m := &RiskMetrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		ticksEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_evaluated_total",
			Help:      "Total engine ticks evaluated",
		}),

		haltsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "halts_triggered_total",
			Help:      "Circuit breaker halts by reason",
		}, []string{"market", "reason"}),

		liquidationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Total liquidation executions committed",
		}),

		liquidatedNotional: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidated_notional_micro_total",
			Help:      "Total liquidated notional in micro-units",
		}),

		claimRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_rejects_total",
			Help:      "Rejected liquidation claims by outcome",
		}, []string{"outcome"}),

		coverageRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coverage_ratio_bps",
			Help:      "Vault coverage of open interest in basis points",
		}, []string{"market"}),

		openInterest: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_interest_micro",
			Help:      "Open interest per market in micro-units",
		}, []string{"market"}),

		insurancePool: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "insurance_pool_micro",
			Help:      "Insurance pool balance in micro-units",
		}),

		keepersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keepers_active",
			Help:      "Keepers currently eligible for work",
		}),

		tickLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_latency_microseconds",
			Help:      "Engine tick evaluation latency in microseconds",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),

		workItemsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_items_dispatched_total",
			Help:      "Liquidation work items handed to keepers",
		}),
	}

	registry.MustRegister(
		m.ticksEvaluated,
		m.haltsTriggered,
		m.liquidationsTotal,
		m.liquidatedNotional,
		m.claimRejects,
		m.coverageRatio,
		m.openInterest,
		m.insurancePool,
		m.keepersActive,
		m.tickLatency,
		m.workItemsDispatched,
	)
	return m
}

// Handler serves the registry for the daemon's /metrics endpoint.
func (m *RiskMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTick records one evaluated tick and its latency.
func (m *RiskMetrics) RecordTick(market string, coverageBps, openInterest int64, latencyMicros float64) {
	m.ticksEvaluated.Inc()
	m.coverageRatio.WithLabelValues(market).Set(float64(coverageBps))
	m.openInterest.WithLabelValues(market).Set(float64(openInterest))
	m.tickLatency.Observe(latencyMicros)
}

// RecordHalt records a breaker halt.
func (m *RiskMetrics) RecordHalt(market, reason string) {
	m.haltsTriggered.WithLabelValues(market, reason).Inc()
}

// RecordLiquidation records one committed execution.
func (m *RiskMetrics) RecordLiquidation(amount int64) {
	m.liquidationsTotal.Inc()
	m.liquidatedNotional.Add(float64(amount))
}

// RecordClaimReject records a rejected claim by outcome label.
func (m *RiskMetrics) RecordClaimReject(outcome string) {
	m.claimRejects.WithLabelValues(outcome).Inc()
}

// SetInsurancePool updates the insurance pool gauge.
func (m *RiskMetrics) SetInsurancePool(balance int64) {
	m.insurancePool.Set(float64(balance))
}

// SetActiveKeepers updates the eligible-keeper gauge.
func (m *RiskMetrics) SetActiveKeepers(n int) {
	m.keepersActive.Set(float64(n))
}

// RecordDispatch records work items handed out.
func (m *RiskMetrics) RecordDispatch(items int) {
	m.workItemsDispatched.Add(float64(items))
}
