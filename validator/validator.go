// Package validator checks an inbound Signal against staleness, future-
// timestamp, pyramid-gate and execution-price-divergence rules before the
// engine acts on it (spec.md §2 "Validator", §4.2 "Signal Validation").
package validator

import (
	"fmt"
	"time"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/apperr"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/instrument"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/signal"
)

// Config carries the tunables spec.md §4.2 names explicitly.
type Config struct {
	MaxSignalAge         time.Duration // reject if signal.Age() exceeds this
	FutureTolerance       time.Duration // reject if timestamp is this far in the future
	PriceDivergenceUp     float64       // e.g. 0.02 for longs (2%)
	PriceDivergenceDown   float64       // e.g. 0.01 (1%) direction-aware per spec.md §4.2
}

// DefaultConfig mirrors the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxSignalAge:       30 * time.Second,
		FutureTolerance:    30 * time.Second,
		PriceDivergenceUp:  0.02,
		PriceDivergenceDown: 0.01,
	}
}

// ValidateConditions checks the signal is fresh, not from the future, and -
// for PYRAMID kinds - gated by the 1R-move-from-last-entry rule (spec.md
// §4.2 "Condition validation"). lastEntryPrice is 0 when there is no
// pyramiding state yet.
func ValidateConditions(cfg Config, s signal.Signal, now time.Time, use1RGate bool, lastEntryPrice, atr float64) error {
	if s.Instrument == "" {
		return apperr.NewValidationError(apperr.CodeUnknownInstrument, "instrument is empty")
	}
	switch s.Kind {
	case signal.KindBaseEntry, signal.KindPyramid, signal.KindExit, signal.KindEODMonitor:
	default:
		return apperr.NewValidationError(apperr.CodeUnknownKind, string(s.Kind))
	}

	age := s.Age(now)
	if age < 0 {
		if -age > cfg.FutureTolerance {
			return apperr.NewValidationError(apperr.CodeSignalFuture,
				fmt.Sprintf("timestamp %s is %s in the future", s.Timestamp, -age))
		}
	} else if age > cfg.MaxSignalAge {
		return apperr.NewValidationError(apperr.CodeSignalStale,
			fmt.Sprintf("signal age %s exceeds max %s", age, cfg.MaxSignalAge))
	}

	if s.Kind == signal.KindExit && s.Reason == "" {
		return apperr.NewValidationError(apperr.CodeMissingExitReason, "EXIT signal requires a reason")
	}

	if s.Price <= 0 {
		return apperr.NewValidationError(apperr.CodeBadPrice, fmt.Sprintf("non-positive price %v", s.Price))
	}

	if s.Kind == signal.KindPyramid && use1RGate {
		if lastEntryPrice <= 0 {
			return apperr.NewValidationError(apperr.CodeMissingBase, "no base position to pyramid from")
		}
		if atr <= 0 {
			return apperr.NewValidationError(apperr.CodeBadPrice, "atr must be positive to evaluate the 1R gate")
		}
		moved := s.Price - lastEntryPrice
		if moved < atr {
			return apperr.NewValidationError(apperr.CodeRiskIncreaseBlocked,
				fmt.Sprintf("price has moved %.4f, less than 1R (%.4f) since last entry", moved, atr))
		}
	}

	return nil
}

// ExecutionConfig returns the divergence tolerance for a given signal kind
// (spec.md §4.2): pyramids and exits tolerate 1% in either direction, while
// a base entry keeps the default 2% above / 1% below, since they act on an
// already-established position.
func ExecutionConfig(kind signal.Kind) Config {
	cfg := DefaultConfig()
	if kind == signal.KindPyramid || kind == signal.KindExit {
		cfg.PriceDivergenceUp = 0.01
		cfg.PriceDivergenceDown = 0.01
	}
	return cfg
}

// ValidateExecutionPrice checks the live quote has not diverged too far from
// the signal price before placing an order, direction-aware per spec.md
// §4.2 ("longs tolerate more upside slippage than downside, since a long
// entry at a materially worse/lower price changes the risk calculus"):
// up to cfg.PriceDivergenceUp above the signal price, or
// cfg.PriceDivergenceDown below it.
func ValidateExecutionPrice(cfg Config, signalPrice, livePrice float64) error {
	if signalPrice <= 0 {
		return apperr.NewValidationError(apperr.CodeBadPrice, "signal price must be positive")
	}
	delta := (livePrice - signalPrice) / signalPrice
	if delta > cfg.PriceDivergenceUp {
		return apperr.NewValidationError(apperr.CodePriceDivergent,
			fmt.Sprintf("live price %.2f is %.2f%% above signal price %.2f (max %.2f%%)",
				livePrice, delta*100, signalPrice, cfg.PriceDivergenceUp*100))
	}
	if delta < -cfg.PriceDivergenceDown {
		return apperr.NewValidationError(apperr.CodePriceDivergent,
			fmt.Sprintf("live price %.2f is %.2f%% below signal price %.2f (max %.2f%%)",
				livePrice, -delta*100, signalPrice, cfg.PriceDivergenceDown*100))
	}
	return nil
}

// ExchangeOpenCheck verifies the signal's instrument trades on an exchange
// that is currently open (spec.md §4.6 market-hours gate); callers supply
// the resolved open-state since market-hours/holiday logic is owned by the
// engine's scheduler-aware clock.
func ExchangeOpenCheck(isOpen bool, inst instrument.Name) error {
	if !isOpen {
		return &apperr.MarketClosedError{Reason: fmt.Sprintf("%s exchange is closed", inst)}
	}
	return nil
}
