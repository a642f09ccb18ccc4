package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/apperr"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/clock"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/logger"
)

var log = logger.With("broker")

// Strategy selects how the executor chases a fill (spec.md §4.6
// "execution.strategy").
type Strategy string

const (
	StrategySimpleLimit  Strategy = "simple_limit"
	StrategyProgressive  Strategy = "progressive"
)

// ExecutorConfig carries spec.md §6 execution.* tunables.
type ExecutorConfig struct {
	Strategy      Strategy
	MaxAttempts   int
	PollInterval  time.Duration
	PriceStepPct  float64 // per-attempt price concession for progressive
	MarketFallback bool   // place a market order for any unfilled remainder after MaxAttempts
}

// DefaultExecutorConfig mirrors spec.md §6 defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Strategy:       StrategyProgressive,
		MaxAttempts:    3,
		PollInterval:   2 * time.Second,
		PriceStepPct:   0.001,
		MarketFallback: true,
	}
}

// Executor drives single-leg and multi-leg order placement against a
// Broker port, retrying partial fills per the configured strategy
// (spec.md §4.6 "Order Executor").
type Executor struct {
	broker Broker
	clock  clock.Clock
	cfg    ExecutorConfig
}

// NewExecutor builds an Executor.
func NewExecutor(b Broker, c clock.Clock, cfg ExecutorConfig) *Executor {
	return &Executor{broker: b, clock: c, cfg: cfg}
}

// Execute places req and chases the remaining quantity according to the
// configured strategy until fully filled, rejected, or attempts are
// exhausted (spec.md §4.6 "partial-fill handling"). The returned
// OrderResult reflects the cumulative fill across all attempts, with
// BrokerOrderID set to the last order placed.
func (e *Executor) Execute(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if e.cfg.Strategy == StrategySimpleLimit {
		return e.executeSimple(ctx, req)
	}
	return e.executeProgressive(ctx, req)
}

func (e *Executor) executeSimple(ctx context.Context, req OrderRequest) (OrderResult, error) {
	res, err := e.broker.PlaceOrder(ctx, req)
	if err != nil {
		return res, &apperr.BrokerError{Reason: apperr.BrokerNetwork, Cause: err}
	}
	if res.Status == StatusRejected {
		return res, &apperr.BrokerError{Reason: apperr.BrokerRejected, Cause: fmt.Errorf("%s", res.RejectReason)}
	}
	return res, nil
}

// executeProgressive places a limit order, and if it is not fully filled by
// the next poll, cancels and re-places the remainder at a progressively
// worse (more aggressive) price, up to cfg.MaxAttempts, finally falling
// back to a market order for any unfilled remainder if configured
// (spec.md §4.6 "progressive limit-chase strategy").
func (e *Executor) executeProgressive(ctx context.Context, req OrderRequest) (OrderResult, error) {
	remaining := req.Quantity
	cumulative := OrderResult{Status: StatusPending}
	price := req.Price

	for attempt := 0; attempt < e.cfg.MaxAttempts && remaining > 0; attempt++ {
		leg := req
		leg.Quantity = remaining
		leg.Price = price

		res, err := e.broker.PlaceOrder(ctx, leg)
		if err != nil {
			return cumulative, &apperr.BrokerError{Reason: apperr.BrokerNetwork, Cause: err}
		}
		if res.Status == StatusRejected {
			if cumulative.FilledQuantity > 0 {
				break // keep what filled, report as partial below
			}
			return res, &apperr.BrokerError{Reason: apperr.BrokerRejected, Cause: fmt.Errorf("%s", res.RejectReason)}
		}

		select {
		case <-ctx.Done():
			return cumulative, ctx.Err()
		case <-e.clock.After(e.cfg.PollInterval):
		}

		polled, err := e.broker.GetOrderStatus(ctx, res.BrokerOrderID)
		if err != nil {
			return cumulative, &apperr.BrokerError{Reason: apperr.BrokerNetwork, Cause: err}
		}

		cumulative = mergeFill(cumulative, polled)
		remaining = req.Quantity - cumulative.FilledQuantity

		if polled.Status == StatusFilled {
			break
		}
		if polled.Status != StatusFilled && polled.Status != StatusRejected {
			_ = e.broker.CancelOrder(ctx, res.BrokerOrderID)
		}
		price = stepPrice(price, req.Side, e.cfg.PriceStepPct)
		log.Infof("progressive fill attempt %d: filled=%d remaining=%d next_price=%.2f",
			attempt+1, cumulative.FilledQuantity, remaining, price)
	}

	if remaining > 0 && e.cfg.MarketFallback {
		leg := req
		leg.Quantity = remaining
		leg.Type = Market
		res, err := e.broker.PlaceOrder(ctx, leg)
		if err != nil {
			return cumulative, &apperr.BrokerError{Reason: apperr.BrokerNetwork, Cause: err}
		}
		cumulative = mergeFill(cumulative, res)
	}

	if cumulative.FilledQuantity == 0 {
		return cumulative, &apperr.BrokerError{Reason: apperr.BrokerRejected, Cause: fmt.Errorf("no fill after %d attempts", e.cfg.MaxAttempts)}
	}
	if cumulative.FilledQuantity < req.Quantity {
		cumulative.Status = StatusPartial
	} else {
		cumulative.Status = StatusFilled
	}
	return cumulative, nil
}

func mergeFill(cum, latest OrderResult) OrderResult {
	totalQty := cum.FilledQuantity + latest.FilledQuantity
	if totalQty == 0 {
		return latest
	}
	avg := (cum.AverageFillPrice*float64(cum.FilledQuantity) + latest.AverageFillPrice*float64(latest.FilledQuantity)) / float64(totalQty)
	return OrderResult{
		BrokerOrderID:    latest.BrokerOrderID,
		Status:           latest.Status,
		FilledQuantity:   totalQty,
		AverageFillPrice: avg,
		UpdatedAt:        latest.UpdatedAt,
	}
}

func stepPrice(price float64, side Side, stepPct float64) float64 {
	step := price * stepPct
	if side == Buy {
		return price + step
	}
	return price - step
}

// SyntheticLegResult pairs the sell-PE and buy-CE fills of a Bank Nifty
// synthetic futures position.
type SyntheticLegResult struct {
	SellPE OrderResult
	BuyCE  OrderResult
}

// ExecuteSynthetic places both legs of a Bank Nifty synthetic futures
// position (short PE + long CE at the same strike/expiry). If the second
// leg fails after the first filled, it unwinds the filled leg rather than
// leaving a naked single-leg option position (spec.md §4.6 "synthetic
// multi-leg orders": "a failed second leg must not leave a naked leg open").
func (e *Executor) ExecuteSynthetic(ctx context.Context, sellPE, buyCE OrderRequest) (SyntheticLegResult, error) {
	peRes, err := e.Execute(ctx, sellPE)
	if err != nil {
		return SyntheticLegResult{}, fmt.Errorf("broker: sell-PE leg failed: %w", err)
	}

	ceRes, err := e.Execute(ctx, buyCE)
	if err != nil {
		unwind := sellPE
		unwind.Side = opposite(sellPE.Side)
		unwind.Quantity = peRes.FilledQuantity
		unwind.Type = Market
		if _, uerr := e.Execute(ctx, unwind); uerr != nil {
			log.Errorf("broker: failed to unwind PE leg after CE leg failure: %v", uerr)
		}
		return SyntheticLegResult{SellPE: peRes}, fmt.Errorf("broker: buy-CE leg failed, PE leg unwound: %w", err)
	}

	return SyntheticLegResult{SellPE: peRes, BuyCE: ceRes}, nil
}

func opposite(s Side) Side {
	if s == Buy {
		return Sell
	}
	return Buy
}
