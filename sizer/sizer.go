// Package sizer implements Tom Basso's three-constraint position sizing
// (risk, volatility, margin) with layer-specific rates and efficiency-ratio
// adjustment (spec.md §2 "Position Sizer", §4.3 "Position Sizing").
package sizer

import (
	"math"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/instrument"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/portfolio"
)

// Inputs bundles everything the three constraints need (spec.md §4.3).
type Inputs struct {
	Instrument instrument.Config

	// IsBaseLayer selects the instrument's Initial*Pct rates; otherwise the
	// lower Ongoing*Pct rates apply (spec.md §4.3: "initial layer risks more
	// than pyramided layers").
	IsBaseLayer bool

	// PyramidIndex is 0 for the base layer, 1 for the first pyramid, etc.
	// Each pyramid beyond the first halves the ongoing risk/vol budget
	// (spec.md §4.3 "pyramid halving").
	PyramidIndex int

	EquityHigh float64

	// MaxMarginUtilPct and MarginUsed drive the margin constraint: Lot_M =
	// floor((MaxMarginUtilPct * EquityHigh - MarginUsed) / MarginPerLot)
	// (spec.md §4.3). MaxMarginUtilPct is a fraction (e.g. 0.6 for 60%), not
	// a percentage.
	MaxMarginUtilPct float64
	MarginUsed       float64

	EntryPrice  float64
	StopPrice   float64
	ATR         float64

	// EfficiencyRatio in [0,1] scales down size for choppy trends; 0 or 1
	// disables the adjustment (spec.md §4.3 "ER adjustment").
	EfficiencyRatio float64
}

// Result is the full calculation record kept for audit (spec.md §4.3
// "every sizing decision is fully reconstructable from its audit record").
type Result struct {
	LotsByRisk   int
	LotsByVol    int
	LotsByMargin int

	Lots    int
	Limiter portfolio.Limiter

	RiskPctUsed float64
	VolPctUsed  float64

	RiskAmount   float64
	VolAmount    float64
	MarginAmount float64 // lots * MarginPerLot, for portfolio margin-utilization bookkeeping
}

// Size runs the three-constraint sizing algorithm and returns the binding
// (minimum) lot count plus the full audit record. A zero-lot result (e.g.
// margin exhausted, or stop distance wider than the risk budget allows) is
// a valid outcome — callers must check Lots == 0 and reject the signal
// rather than rounding up (spec.md §4.3 edge case "zero lots").
func Size(in Inputs) Result {
	riskPct := rate(in.Instrument.InitialRiskPct, in.Instrument.OngoingRiskPct, in.IsBaseLayer)
	volPct := rate(in.Instrument.InitialVolPct, in.Instrument.OngoingVolPct, in.IsBaseLayer)

	riskPct = halvePerPyramid(riskPct, in.PyramidIndex)
	volPct = halvePerPyramid(volPct, in.PyramidIndex)

	if in.EfficiencyRatio > 0 && in.EfficiencyRatio < 1 {
		riskPct *= in.EfficiencyRatio
		volPct *= in.EfficiencyRatio
	}

	riskAmount := in.EquityHigh * riskPct
	volAmount := in.EquityHigh * volPct

	stopDistance := math.Abs(in.EntryPrice - in.StopPrice)
	pointValue := in.Instrument.PointValue

	lotsByRisk := 0
	if stopDistance > 0 && pointValue > 0 {
		lotsByRisk = int(math.Floor(riskAmount / (stopDistance * pointValue)))
	}

	lotsByVol := 0
	if in.ATR > 0 && pointValue > 0 {
		lotsByVol = int(math.Floor(volAmount / (in.ATR * pointValue)))
	}

	lotsByMargin := 0
	if in.Instrument.MarginPerLot > 0 {
		availableMargin := in.MaxMarginUtilPct*in.EquityHigh - in.MarginUsed
		if availableMargin > 0 {
			lotsByMargin = int(math.Floor(availableMargin / in.Instrument.MarginPerLot))
		}
	}

	lots, limiter := minLots(lotsByRisk, lotsByVol, lotsByMargin)

	return Result{
		LotsByRisk:   lotsByRisk,
		LotsByVol:    lotsByVol,
		LotsByMargin: lotsByMargin,
		Lots:         lots,
		Limiter:      limiter,
		RiskPctUsed:  riskPct,
		VolPctUsed:   volPct,
		RiskAmount:   riskAmount,
		VolAmount:    volAmount,
		MarginAmount: float64(lots) * in.Instrument.MarginPerLot,
	}
}

func rate(initial, ongoing float64, isBase bool) float64 {
	if isBase {
		return initial
	}
	return ongoing
}

// halvePerPyramid halves the rate once per pyramid beyond the first
// (index 0 = base, index 1 = first pyramid at full ongoing rate, index 2
// halved, index 3 halved again, ...), per spec.md §4.3.
func halvePerPyramid(rate float64, pyramidIndex int) float64 {
	halvings := pyramidIndex - 1
	for i := 0; i < halvings; i++ {
		rate /= 2
	}
	return rate
}

func minLots(byRisk, byVol, byMargin int) (int, portfolio.Limiter) {
	lots := byRisk
	limiter := portfolio.LimiterRisk

	if byVol < lots {
		lots = byVol
		limiter = portfolio.LimiterVol
	}
	if byMargin < lots {
		lots = byMargin
		limiter = portfolio.LimiterMargin
	}
	if lots <= 0 {
		return 0, portfolio.LimiterFloor
	}
	return lots, limiter
}
