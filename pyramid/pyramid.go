// Package pyramid implements the ordered gate checks that decide whether a
// PYRAMID signal is allowed to add to an existing position (spec.md §2
// "Pyramid Gating", §4.4 "Pyramid Gates"). Gates are evaluated in order and
// the first failure is returned; all must pass for a pyramid to proceed.
package pyramid

import (
	"fmt"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/apperr"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/instrument"
)

// MaxPortfolioRiskPct is the hard cap spec.md §4.4 documents: no signal,
// pyramid or otherwise, may push total portfolio risk above this ceiling
// regardless of any per-instrument gate outcome.
const MaxPortfolioRiskPct = 0.15

// Inputs bundles the state needed to evaluate the gate chain (spec.md §4.4:
// instrument gate, portfolio gate, profit gate, then the hard cap).
type Inputs struct {
	Instrument instrument.Config

	CurrentPyramidCount int // number of pyramid layers already added (0 = base only)

	// PriceMovedSinceLastEntry and ATR/ATRPyramidSpacing drive the
	// instrument gate's "price moved >= ATR * spacing from last pyramid
	// price" check.
	PriceMovedSinceLastEntry float64
	ATR                      float64
	ATRPyramidSpacing        float64

	ProposedRiskAmount   float64
	ProposedVolAmount    float64
	ProposedMarginAmount float64

	PortfolioRiskAmount float64
	PortfolioVolAmount  float64
	MarginUsed          float64
	EquityHigh          float64

	// Portfolio-wide block thresholds, expressed as percentages: the engine
	// passes config.PyramidGates.RiskBlockPct/VolBlockPct and a fixed 50 for
	// MaxMarginUtilPct (spec.md §4.4 "Portfolio gate":
	// total_risk% < 12%, total_vol% < 4%, margin utilization < 50%).
	RiskBlockPct     float64
	VolBlockPct      float64
	MaxMarginUtilPct float64

	// Profit gate inputs (spec.md §4.4): the pyramid is only allowed when the
	// portfolio as a whole is net profitable AND this instrument's own open
	// layers are profitable beyond the risk originally put up on the base
	// entry.
	CombinedUnrealizedPnL   float64
	InstrumentUnrealizedPnL float64
	BaseRiskAmount          float64
}

// Check runs the gate chain in spec order: instrument gate, then portfolio
// gate, then profit gate, then the portfolio hard cap. Returns nil if the
// pyramid is allowed.
func Check(in Inputs) error {
	if in.CurrentPyramidCount >= in.Instrument.MaxPyramids {
		return apperr.NewRiskError(apperr.ReasonInstrumentGate,
			fmt.Sprintf("instrument already at max pyramids (%d)", in.Instrument.MaxPyramids))
	}

	if in.ATRPyramidSpacing > 0 {
		required := in.ATR * in.ATRPyramidSpacing
		if in.PriceMovedSinceLastEntry < required {
			return apperr.NewRiskError(apperr.ReasonInstrumentGate,
				fmt.Sprintf("price has moved %.4f, less than the required %.4f (ATR x %.2f) since the last pyramid entry",
					in.PriceMovedSinceLastEntry, required, in.ATRPyramidSpacing))
		}
	}

	if in.EquityHigh <= 0 {
		return apperr.NewRiskError(apperr.ReasonPortfolioGateRisk, "equity high must be positive to evaluate the portfolio gate")
	}

	newRiskPct := (in.PortfolioRiskAmount + in.ProposedRiskAmount) / in.EquityHigh * 100
	if in.RiskBlockPct > 0 && newRiskPct >= in.RiskBlockPct {
		return apperr.NewRiskError(apperr.ReasonPortfolioGateRisk,
			fmt.Sprintf("portfolio risk would reach %.2f%%, at or above the %.2f%% block threshold", newRiskPct, in.RiskBlockPct))
	}

	newVolPct := (in.PortfolioVolAmount + in.ProposedVolAmount) / in.EquityHigh * 100
	if in.VolBlockPct > 0 && newVolPct >= in.VolBlockPct {
		return apperr.NewRiskError(apperr.ReasonPortfolioGateVol,
			fmt.Sprintf("portfolio volatility exposure would reach %.2f%%, at or above the %.2f%% block threshold", newVolPct, in.VolBlockPct))
	}

	newMarginPct := (in.MarginUsed + in.ProposedMarginAmount) / in.EquityHigh * 100
	if in.MaxMarginUtilPct > 0 && newMarginPct >= in.MaxMarginUtilPct {
		return apperr.NewRiskError(apperr.ReasonPortfolioGateMargin,
			fmt.Sprintf("margin utilization would reach %.2f%%, at or above the %.2f%% block threshold", newMarginPct, in.MaxMarginUtilPct))
	}

	if in.CombinedUnrealizedPnL <= 0 {
		return apperr.NewRiskError(apperr.ReasonProfitGate,
			"portfolio is not net profitable; pyramiding requires an open combined profit")
	}
	if in.InstrumentUnrealizedPnL <= in.BaseRiskAmount {
		return apperr.NewRiskError(apperr.ReasonProfitGate,
			fmt.Sprintf("instrument unrealized pnl %.2f does not exceed its base risk amount %.2f", in.InstrumentUnrealizedPnL, in.BaseRiskAmount))
	}

	newPortfolioRiskPct := (in.PortfolioRiskAmount + in.ProposedRiskAmount) / in.EquityHigh
	if newPortfolioRiskPct > MaxPortfolioRiskPct {
		return apperr.NewRiskError(apperr.ReasonPortfolioHardCap,
			fmt.Sprintf("portfolio risk would reach %.2f%%, exceeding the %.0f%% hard cap",
				newPortfolioRiskPct*100, MaxPortfolioRiskPct*100))
	}

	return nil
}
