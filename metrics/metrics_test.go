package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordSignalReceived_IncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(signalsReceived.WithLabelValues("BANK_NIFTY", "BASE_ENTRY"))
	RecordSignalReceived("BANK_NIFTY", "BASE_ENTRY")
	after := testutil.ToFloat64(signalsReceived.WithLabelValues("BANK_NIFTY", "BASE_ENTRY"))
	assert.Equal(t, before+1, after)
}

func TestRecordSignalRejected_IncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(signalsRejected.WithLabelValues("GOLD_MINI", "SIGNAL_STALE"))
	RecordSignalRejected("GOLD_MINI", "SIGNAL_STALE")
	after := testutil.ToFloat64(signalsRejected.WithLabelValues("GOLD_MINI", "SIGNAL_STALE"))
	assert.Equal(t, before+1, after)
}

func TestRecordOrderPlacedAndFailure(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordOrderPlaced("COPPER", "BUY")
		RecordOrderFailure("COPPER", "BROKER_REJECTED")
	})
}

func TestObserveSignalProcessing_DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() { ObserveSignalProcessing("BANK_NIFTY", "PYRAMID", 0.42) })
}

func TestSetOpenPositions(t *testing.T) {
	SetOpenPositions("BANK_NIFTY", "Long_1", 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(openPositions.WithLabelValues("BANK_NIFTY", "Long_1")))
}

func TestUpdatePortfolioMetrics(t *testing.T) {
	UpdatePortfolioMetrics(0.015, 5_250_000, 0.42)
	assert.Equal(t, 0.015, testutil.ToFloat64(portfolioRiskPct))
	assert.Equal(t, float64(5_250_000), testutil.ToFloat64(portfolioEquity))
	assert.Equal(t, 0.42, testutil.ToFloat64(marginUtilizationPct))
}

func TestSetLeader_TogglesGauge(t *testing.T) {
	SetLeader(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(isLeader))
	SetLeader(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(isLeader))
}

func TestRecordRolloverCompleted(t *testing.T) {
	before := testutil.ToFloat64(rolloversCompleted.WithLabelValues("GOLD_MINI"))
	RecordRolloverCompleted("GOLD_MINI")
	after := testutil.ToFloat64(rolloversCompleted.WithLabelValues("GOLD_MINI"))
	assert.Equal(t, before+1, after)
}
