// Package metrics exposes the engine's prometheus instrumentation,
// following the teacher's pattern of a package-level Registry plus
// promauto-registered vectors and small Record/Update helper functions
// (spec.md §2 "Metrics", ambient observability stack).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is a dedicated registry (not the global default) so the engine
// can expose exactly the series it owns on /metrics.
var Registry = prometheus.NewRegistry()

var (
	signalsReceived = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "engine_signals_received_total",
		Help: "Webhook signals received, by instrument and kind.",
	}, []string{"instrument", "kind"})

	signalsRejected = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "engine_signals_rejected_total",
		Help: "Webhook signals rejected, by instrument and reason code.",
	}, []string{"instrument", "reason"})

	signalsDuplicate = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "engine_signals_duplicate_total",
		Help: "Webhook signals dropped as duplicates, by instrument.",
	}, []string{"instrument"})

	ordersPlaced = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_placed_total",
		Help: "Broker orders placed, by instrument and side.",
	}, []string{"instrument", "side"})

	orderFailures = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "engine_order_failures_total",
		Help: "Broker order placements that ultimately failed, by instrument and reason.",
	}, []string{"instrument", "reason"})

	signalProcessingSeconds = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_signal_processing_seconds",
		Help:    "End-to-end webhook processing latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"instrument", "kind"})

	openPositions = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_open_positions",
		Help: "Currently open positions, by instrument and layer.",
	}, []string{"instrument", "layer"})

	portfolioRiskPct = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "engine_portfolio_risk_pct",
		Help: "Current total portfolio risk as a fraction of equity high.",
	})

	portfolioEquity = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "engine_portfolio_equity",
		Help: "Current closed equity.",
	})

	marginUtilizationPct = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "engine_margin_utilization_pct",
		Help: "Margin used as a fraction of margin available.",
	})

	isLeader = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "engine_is_leader",
		Help: "1 if this instance currently holds the leader lock, else 0.",
	})

	rolloversCompleted = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "engine_rollovers_completed_total",
		Help: "Contract rollovers completed, by instrument.",
	}, []string{"instrument"})
)

// RecordSignalReceived increments the received counter for one webhook alert.
func RecordSignalReceived(instrument, kind string) {
	signalsReceived.WithLabelValues(instrument, kind).Inc()
}

// RecordSignalRejected increments the rejected counter with a typed reason.
func RecordSignalRejected(instrument, reason string) {
	signalsRejected.WithLabelValues(instrument, reason).Inc()
}

// RecordSignalDuplicate increments the duplicate-drop counter.
func RecordSignalDuplicate(instrument string) {
	signalsDuplicate.WithLabelValues(instrument).Inc()
}

// RecordOrderPlaced increments the orders-placed counter.
func RecordOrderPlaced(instrument, side string) {
	ordersPlaced.WithLabelValues(instrument, side).Inc()
}

// RecordOrderFailure increments the order-failure counter with a reason.
func RecordOrderFailure(instrument, reason string) {
	orderFailures.WithLabelValues(instrument, reason).Inc()
}

// ObserveSignalProcessing records end-to-end webhook processing latency.
func ObserveSignalProcessing(instrument, kind string, seconds float64) {
	signalProcessingSeconds.WithLabelValues(instrument, kind).Observe(seconds)
}

// SetOpenPositions updates the open-positions gauge for one (instrument, layer).
func SetOpenPositions(instrument, layer string, count float64) {
	openPositions.WithLabelValues(instrument, layer).Set(count)
}

// UpdatePortfolioMetrics refreshes the portfolio-level gauges, mirroring
// the teacher's UpdateRiskMetrics/UpdateTraderMetrics update functions.
func UpdatePortfolioMetrics(riskPct, equity, marginUtilPct float64) {
	portfolioRiskPct.Set(riskPct)
	portfolioEquity.Set(equity)
	marginUtilizationPct.Set(marginUtilPct)
}

// SetLeader updates the leadership gauge.
func SetLeader(leader bool) {
	if leader {
		isLeader.Set(1)
		return
	}
	isLeader.Set(0)
}

// RecordRolloverCompleted increments the rollover counter for an instrument.
func RecordRolloverCompleted(instrument string) {
	rolloversCompleted.WithLabelValues(instrument).Inc()
}
