package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/apperr"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/broker"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/instrument"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/metrics"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/portfolio"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/pyramid"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/signal"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/sizer"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/stopmgr"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/symbolresolver"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/validator"
)

// maxOptimisticRetries is how many write attempts the engine makes for a
// versioned write that keeps hitting StateConflictError before giving up,
// counting the first attempt (spec.md §4.7 "retry
// up to N times on optimistic-lock conflict, then fail the signal").
const maxOptimisticRetries = 3

// baseLayer is the layer name of an instrument's first entry (spec.md §3:
// "Position id = {instrument}_{layer}", Long_1..Long_6).
const baseLayer = "Long_1"

// layerNames lists every layer slot in creation order.
var layerNames = []string{"Long_1", "Long_2", "Long_3", "Long_4", "Long_5", "Long_6"}

func (e *Engine) dispatchBaseEntry(ctx context.Context, cfg instrument.Config, sig signal.Signal, fp string) (Outcome, error) {
	if err := validator.ValidateConditions(e.conditionConfig(), sig, e.clock.Now(), false, 0, 0); err != nil {
		return e.reject(sig, fp, err.Error())
	}

	layer := sig.Layer
	if layer == "" {
		layer = baseLayer
	}
	if n, err := e.store.CountOpenPositionsForLayer(sig.Instrument, layer); err != nil {
		return e.reject(sig, fp, err.Error())
	} else if n > 0 {
		return e.reject(sig, fp, "position already open for this layer")
	}

	state, err := e.store.GetState()
	if err != nil {
		return e.reject(sig, fp, err.Error())
	}

	sizeResult := sizer.Size(sizer.Inputs{
		Instrument:       cfg,
		IsBaseLayer:      true,
		PyramidIndex:     0,
		EquityHigh:       state.EquityHigh,
		MaxMarginUtilPct: e.cfg.Portfolio.MaxMarginUtilPct / 100,
		MarginUsed:       state.MarginUsed,
		EntryPrice:       sig.Price,
		StopPrice:        sig.Stop,
		ATR:              sig.ATR,
		EfficiencyRatio:  sig.ER,
	})
	if sizeResult.Lots == 0 {
		return e.reject(sig, fp, "sizing resolved to zero lots")
	}

	if newPct := (state.TotalRiskAmount + sizeResult.RiskAmount) / state.EquityHigh; newPct > pyramid.MaxPortfolioRiskPct {
		return e.reject(sig, fp, "portfolio hard cap would be exceeded")
	}

	if err := e.validateExecutionPrice(ctx, sig); err != nil {
		return e.reject(sig, fp, err.Error())
	}

	positionID := newPositionID(sig.Instrument, layer)
	execResult, legs, futuresSymbol, contractMonth, err := e.placeEntry(ctx, cfg, sig, sizeResult.Lots)
	if err != nil {
		metrics.RecordOrderFailure(string(sig.Instrument), err.Error())
		return e.reject(sig, fp, fmt.Sprintf("order execution failed: %v", err))
	}

	pos := &portfolio.Position{
		PositionID:     positionID,
		Instrument:     sig.Instrument,
		Layer:          layer,
		Status:         portfolio.StatusOpen,
		EntryTimestamp: sig.Timestamp,
		EntryPrice:     execResult.AverageFillPrice,
		Lots:           sizeResult.Lots,
		Quantity:       sizeResult.Lots * cfg.LotSize,
		InitialStop:    stopmgr.InitialStop(execResult.AverageFillPrice, sig.ATR, cfg.InitialATRMult),
		CurrentStop:    stopmgr.InitialStop(execResult.AverageFillPrice, sig.ATR, cfg.InitialATRMult),
		HighestClose:   execResult.AverageFillPrice,
		ATRAtEntry:     sig.ATR,
		Limiter:        sizeResult.Limiter,
		IsBasePosition: true,
		RolloverStatus: portfolio.RolloverNone,
		Legs:           legs,
		FuturesSymbol:  futuresSymbol,
		ContractMonth:  contractMonth,
		BrokerOrderID:  execResult.BrokerOrderID,
		StrategyID:     uuid.New().String(),
	}
	if err := e.store.CreatePosition(pos); err != nil {
		return e.reject(sig, fp, err.Error())
	}

	state.TotalRiskAmount += sizeResult.RiskAmount
	state.TotalVolAmount += sizeResult.VolAmount
	state.MarginUsed += sizeResult.MarginAmount
	if err := e.retryUpdateState(state); err != nil {
		log.Errorf("base entry: failed to update portfolio state after fill: %v", err)
	}

	if err := e.store.SetPyramidingState(&portfolio.PyramidingState{
		Instrument:            sig.Instrument,
		LastPyramidEntryPrice: execResult.AverageFillPrice,
		BasePositionID:        positionID,
		UpdatedAt:             e.clock.Now(),
	}); err != nil {
		log.Errorf("base entry: failed to set pyramiding state: %v", err)
	}

	metrics.RecordOrderPlaced(string(sig.Instrument), string(broker.Buy))
	log.Infof("base entry filled: %s %s lots=%d risk=%s vol=%s limiter=%s",
		sig.Instrument, layer, sizeResult.Lots,
		humanize.FormatFloat("#,###.##", sizeResult.RiskAmount), humanize.FormatFloat("#,###.##", sizeResult.VolAmount), sizeResult.Limiter)
	return e.accept(sig, fp, positionID)
}

func (e *Engine) dispatchPyramid(ctx context.Context, cfg instrument.Config, sig signal.Signal, fp string) (Outcome, error) {
	baseLayerName := sig.Layer
	if baseLayerName == "" {
		baseLayerName = baseLayer
	}
	basePos, err := e.store.GetOpenPosition(sig.Instrument, baseLayerName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e.reject(sig, fp, "no open base position to pyramid")
		}
		return e.reject(sig, fp, err.Error())
	}

	openPositions, err := e.store.ListOpenPositions(sig.Instrument)
	if err != nil {
		return e.reject(sig, fp, err.Error())
	}
	newLayer, ok := nextFreeLayer(openPositions, cfg.MaxPyramids)
	if !ok {
		return e.reject(sig, fp, "max pyramid layers reached")
	}
	// pyramidIndex counts this pyramid among the layers already open: 1 for
	// the first layer added on top of the base, 2 for the second, and so on
	// (spec.md §4.3 "pyramid halving").
	pyramidIndex := len(openPositions)

	pyState, err := e.store.GetPyramidingState(sig.Instrument)
	if err != nil {
		return e.reject(sig, fp, err.Error())
	}
	lastEntryPrice := basePos.EntryPrice
	if pyState != nil {
		lastEntryPrice = pyState.LastPyramidEntryPrice
	}

	if err := validator.ValidateConditions(e.conditionConfig(), sig, e.clock.Now(), e.cfg.PyramidGates.Use1RGate, lastEntryPrice, sig.ATR); err != nil {
		return e.reject(sig, fp, err.Error())
	}

	state, err := e.store.GetState()
	if err != nil {
		return e.reject(sig, fp, err.Error())
	}

	sizeResult := sizer.Size(sizer.Inputs{
		Instrument:       cfg,
		IsBaseLayer:      false,
		PyramidIndex:     pyramidIndex,
		EquityHigh:       state.EquityHigh,
		MaxMarginUtilPct: e.cfg.Portfolio.MaxMarginUtilPct / 100,
		MarginUsed:       state.MarginUsed,
		EntryPrice:       sig.Price,
		StopPrice:        sig.Stop,
		ATR:              sig.ATR,
		EfficiencyRatio:  sig.ER,
	})
	if sizeResult.Lots == 0 {
		return e.reject(sig, fp, "sizing resolved to zero lots")
	}

	allOpen, err := e.store.ListAllOpenPositions()
	if err != nil {
		return e.reject(sig, fp, err.Error())
	}
	var combinedUnrealized, instrumentUnrealized float64
	for _, p := range allOpen {
		combinedUnrealized += p.UnrealizedPnL
	}
	for _, p := range openPositions {
		instrumentUnrealized += p.UnrealizedPnL
	}
	baseRiskAmount := state.EquityHigh * cfg.InitialRiskPct

	if err := pyramid.Check(pyramid.Inputs{
		Instrument:               cfg,
		CurrentPyramidCount:      len(openPositions) - 1,
		PriceMovedSinceLastEntry: sig.Price - lastEntryPrice,
		ATR:                      sig.ATR,
		ATRPyramidSpacing:        e.cfg.PyramidGates.ATRPyramidSpacing,
		ProposedRiskAmount:       sizeResult.RiskAmount,
		ProposedVolAmount:        sizeResult.VolAmount,
		ProposedMarginAmount:     sizeResult.MarginAmount,
		PortfolioRiskAmount:      state.TotalRiskAmount,
		PortfolioVolAmount:       state.TotalVolAmount,
		MarginUsed:               state.MarginUsed,
		EquityHigh:               state.EquityHigh,
		RiskBlockPct:             e.cfg.PyramidGates.RiskBlockPct,
		VolBlockPct:              e.cfg.PyramidGates.VolBlockPct,
		// The portfolio gate blocks at 50% margin utilization, tighter than
		// the sizer's config.Portfolio.MaxMarginUtilPct cap.
		MaxMarginUtilPct:         50,
		CombinedUnrealizedPnL:    combinedUnrealized,
		InstrumentUnrealizedPnL:  instrumentUnrealized,
		BaseRiskAmount:           baseRiskAmount,
	}); err != nil {
		return e.reject(sig, fp, err.Error())
	}

	if err := e.validateExecutionPrice(ctx, sig); err != nil {
		return e.reject(sig, fp, err.Error())
	}

	execResult, legs, futuresSymbol, contractMonth, err := e.placeEntry(ctx, cfg, sig, sizeResult.Lots)
	if err != nil {
		metrics.RecordOrderFailure(string(sig.Instrument), err.Error())
		return e.reject(sig, fp, fmt.Sprintf("order execution failed: %v", err))
	}

	positionID := newPositionID(sig.Instrument, newLayer)
	pos := &portfolio.Position{
		PositionID:     positionID,
		Instrument:     sig.Instrument,
		Layer:          newLayer,
		Status:         portfolio.StatusOpen,
		EntryTimestamp: sig.Timestamp,
		EntryPrice:     execResult.AverageFillPrice,
		Lots:           sizeResult.Lots,
		Quantity:       sizeResult.Lots * cfg.LotSize,
		InitialStop:    stopmgr.InitialStop(execResult.AverageFillPrice, sig.ATR, cfg.InitialATRMult),
		CurrentStop:    stopmgr.InitialStop(execResult.AverageFillPrice, sig.ATR, cfg.InitialATRMult),
		HighestClose:   execResult.AverageFillPrice,
		ATRAtEntry:     sig.ATR,
		Limiter:        sizeResult.Limiter,
		IsBasePosition: false,
		PyramidCount:   pyramidIndex,
		RolloverStatus: portfolio.RolloverNone,
		Legs:           legs,
		FuturesSymbol:  futuresSymbol,
		ContractMonth:  contractMonth,
		BrokerOrderID:  execResult.BrokerOrderID,
		StrategyID:     basePos.StrategyID,
	}
	if err := e.store.CreatePosition(pos); err != nil {
		return e.reject(sig, fp, err.Error())
	}

	state.TotalRiskAmount += sizeResult.RiskAmount
	state.TotalVolAmount += sizeResult.VolAmount
	state.MarginUsed += sizeResult.MarginAmount
	if err := e.retryUpdateState(state); err != nil {
		log.Errorf("pyramid: failed to update portfolio state after fill: %v", err)
	}

	if err := e.store.SetPyramidingState(&portfolio.PyramidingState{
		Instrument:            sig.Instrument,
		LastPyramidEntryPrice: execResult.AverageFillPrice,
		BasePositionID:        basePos.PositionID,
		UpdatedAt:             e.clock.Now(),
	}); err != nil {
		log.Errorf("pyramid: failed to update pyramiding state: %v", err)
	}

	metrics.RecordOrderPlaced(string(sig.Instrument), string(broker.Buy))
	log.Infof("pyramid filled: %s %s lots=%d risk=%s vol=%s limiter=%s",
		sig.Instrument, newLayer, sizeResult.Lots,
		humanize.FormatFloat("#,###.##", sizeResult.RiskAmount), humanize.FormatFloat("#,###.##", sizeResult.VolAmount), sizeResult.Limiter)
	return e.accept(sig, fp, positionID)
}

// nextFreeLayer resolves the next unused layer name for a new pyramid row,
// bounded by maxPyramids layers beyond the base (spec.md §4.7 PYRAMID:
// "resolve next free layer index").
func nextFreeLayer(open []*portfolio.Position, maxPyramids int) (string, bool) {
	occupied := make(map[string]bool, len(open))
	for _, p := range open {
		occupied[p.Layer] = true
	}
	limit := maxPyramids + 1
	if limit > len(layerNames) {
		limit = len(layerNames)
	}
	for _, name := range layerNames[:limit] {
		if !occupied[name] {
			return name, true
		}
	}
	return "", false
}

func (e *Engine) dispatchExit(ctx context.Context, cfg instrument.Config, sig signal.Signal, fp string) (Outcome, error) {
	var positions []*portfolio.Position
	var err error
	if sig.Layer != "" {
		p, gerr := e.store.GetOpenPosition(sig.Instrument, sig.Layer)
		if gerr != nil {
			if errors.Is(gerr, sql.ErrNoRows) {
				return e.reject(sig, fp, "no open position for this layer")
			}
			return e.reject(sig, fp, gerr.Error())
		}
		positions = []*portfolio.Position{p}
	} else {
		positions, err = e.store.ListOpenPositions(sig.Instrument)
		if err != nil {
			return e.reject(sig, fp, err.Error())
		}
	}
	if len(positions) == 0 {
		return e.reject(sig, fp, "no open positions to exit")
	}

	var lastID string
	for _, pos := range positions {
		if err := e.closePosition(ctx, cfg, pos, sig.Price, sig.Reason); err != nil {
			log.Errorf("exit: failed to close position %s: %v", pos.PositionID, err)
			continue
		}
		lastID = pos.PositionID
	}

	if sig.Layer == "" || isBaseLayer(sig.Layer) {
		if err := e.store.ClearPyramidingState(sig.Instrument); err != nil {
			log.Errorf("exit: failed to clear pyramiding state: %v", err)
		}
	}

	return e.accept(sig, fp, lastID)
}

func (e *Engine) dispatchEODMonitor(_ context.Context, _ instrument.Config, sig signal.Signal, fp string) (Outcome, error) {
	positions, err := e.store.ListOpenPositions(sig.Instrument)
	if err != nil {
		return e.reject(sig, fp, err.Error())
	}
	if len(positions) == 0 {
		return Outcome{Status: OutcomeIgnored, Reason: "no open positions"}, nil
	}
	// The EOD monitor signal itself carries no action beyond confirming the
	// instrument is still being watched; actual EOD flattening is driven by
	// the scheduler's EOD window, not this webhook path (spec.md §4.9).
	return e.accept(sig, fp, "")
}

// resolveQuoteSymbol returns the live-feed symbol to mark sig's instrument
// against: Bank Nifty's signal/stop prices are expressed in index points, so
// it is marked against the underlying index rather than either options leg;
// every other instrument is marked against its resolved futures contract.
func (e *Engine) resolveQuoteSymbol(sig signal.Signal) (string, error) {
	if sig.Instrument == instrument.BankNifty {
		return string(instrument.BankNifty), nil
	}
	expiry, err := e.resolver.NextExpiry(sig.Instrument, sig.Timestamp)
	if err != nil {
		return "", err
	}
	return symbolresolver.FuturesSymbol(sig.Instrument, expiry.ContractMonth), nil
}

// validateExecutionPrice checks the live quote hasn't diverged too far from
// the signal's price before an order is placed (spec.md §4.2). A failure to
// resolve a symbol or fetch a quote degrades to a no-op rather than blocking
// the signal, matching the engine's existing resilience posture around
// best-effort collaborators (e.g. dedup check failures are logged, not
// fatal); an actual price divergence is always enforced.
func (e *Engine) validateExecutionPrice(ctx context.Context, sig signal.Signal) error {
	symbol, err := e.resolveQuoteSymbol(sig)
	if err != nil {
		log.Warnf("execution price check: could not resolve quote symbol for %s: %v", sig.Instrument, err)
		return nil
	}
	quote, err := e.feed.GetQuote(ctx, symbol)
	if err != nil {
		log.Warnf("execution price check: get quote for %s: %v", symbol, err)
		return nil
	}
	if quote.LTP <= 0 {
		return nil
	}
	return validator.ValidateExecutionPrice(validator.ExecutionConfig(sig.Kind), sig.Price, quote.LTP)
}

// placeEntry builds and executes the order(s) for an entry (single-leg
// futures, or Bank Nifty's synthetic PE-sell/CE-buy pair), returning the
// blended fill, the legs recorded against the position (Bank Nifty only),
// and the resolved futures symbol/contract month (single-leg only, so
// closePosition knows what to trade out of later).
func (e *Engine) placeEntry(ctx context.Context, cfg instrument.Config, sig signal.Signal, lots int) (broker.OrderResult, []portfolio.OptionLeg, string, string, error) {
	qty := lots * cfg.LotSize

	if sig.Instrument == instrument.BankNifty {
		expiry, err := e.resolver.NextExpiry(sig.Instrument, sig.Timestamp)
		if err != nil {
			return broker.OrderResult{}, nil, "", "", err
		}
		strike := symbolresolver.NearestStrike(sig.Price, 100, false)
		sellPE, buyCE := symbolresolver.OptionLegSymbols(expiry.ContractMonth, strike)
		result, err := e.executor.ExecuteSynthetic(ctx,
			broker.OrderRequest{Symbol: sellPE, Exchange: instrument.NFO, Side: broker.Sell, Type: broker.Limit, Quantity: qty, Price: sig.Price},
			broker.OrderRequest{Symbol: buyCE, Exchange: instrument.NFO, Side: broker.Buy, Type: broker.Limit, Quantity: qty, Price: sig.Price},
		)
		if err != nil {
			return broker.OrderResult{}, nil, "", "", err
		}
		legs := []portfolio.OptionLeg{
			{Symbol: sellPE, Side: string(broker.Sell), FillPrice: result.SellPE.AverageFillPrice, BrokerOrderID: result.SellPE.BrokerOrderID},
			{Symbol: buyCE, Side: string(broker.Buy), FillPrice: result.BuyCE.AverageFillPrice, BrokerOrderID: result.BuyCE.BrokerOrderID},
		}
		return result.BuyCE, legs, "", "", nil
	}

	expiry, err := e.resolver.NextExpiry(sig.Instrument, sig.Timestamp)
	if err != nil {
		return broker.OrderResult{}, nil, "", "", err
	}
	symbol := symbolresolver.FuturesSymbol(sig.Instrument, expiry.ContractMonth)
	res, err := e.executor.Execute(ctx, broker.OrderRequest{
		Symbol: symbol, Exchange: cfg.Exchange, Side: broker.Buy, Type: broker.Limit, Quantity: qty, Price: sig.Price,
	})
	if err != nil {
		return broker.OrderResult{}, nil, "", "", err
	}
	return res, nil, symbol, expiry.ContractMonth, nil
}

func (e *Engine) closePosition(ctx context.Context, cfg instrument.Config, pos *portfolio.Position, exitPrice float64, reason string) error {
	qty := pos.Quantity
	if len(pos.Legs) > 0 {
		for _, leg := range pos.Legs {
			side := broker.Sell
			if leg.Side == string(broker.Sell) {
				side = broker.Buy
			}
			if _, err := e.executor.Execute(ctx, broker.OrderRequest{
				Symbol: leg.Symbol, Exchange: instrument.NFO, Side: side, Type: broker.Market, Quantity: qty,
			}); err != nil {
				return err
			}
		}
	} else {
		if _, err := e.executor.Execute(ctx, broker.OrderRequest{
			Symbol: pos.FuturesSymbol, Exchange: cfg.Exchange, Side: broker.Sell, Type: broker.Market, Quantity: qty,
		}); err != nil {
			return err
		}
	}

	now := e.clock.Now()
	pos.Status = portfolio.StatusClosed
	pos.ExitTimestamp = &now
	pos.ExitPrice = exitPrice
	pos.ExitReason = reason
	pos.RealizedPnL = (exitPrice - pos.EntryPrice) * float64(pos.Quantity)

	if err := e.store.UpdatePosition(pos); err != nil {
		return err
	}

	state, err := e.store.GetState()
	if err != nil {
		return err
	}
	equityBefore := state.ClosedEquity
	state.ClosedEquity += pos.RealizedPnL
	if state.ClosedEquity > state.EquityHigh {
		state.EquityHigh = state.ClosedEquity
	}
	state.TotalRiskAmount -= 0 // TotalRiskAmount and TotalVolAmount are not reduced on close and nothing else recomputes them; only MarginUsed is released
	state.MarginUsed -= float64(pos.Lots) * cfg.MarginPerLot
	if state.MarginUsed < 0 {
		state.MarginUsed = 0
	}
	if err := e.retryUpdateState(state); err != nil {
		return err
	}

	log.Infof("closed %s: pnl=%s equity=%s reason=%s",
		pos.PositionID, humanize.FormatFloat("#,###.##", pos.RealizedPnL), humanize.FormatFloat("#,###.##", state.ClosedEquity), reason)

	return e.store.AppendCapitalTransaction(&portfolio.CapitalTransaction{
		Type:         portfolio.TxTradingPnL,
		Amount:       pos.RealizedPnL,
		EquityBefore: equityBefore,
		EquityAfter:  state.ClosedEquity,
		PositionID:   pos.PositionID,
	})
}

// retryUpdateState makes up to maxOptimisticRetries attempts at an
// optimistic-locked state write, re-reading on conflict (spec.md §4.7, §7).
func (e *Engine) retryUpdateState(st *portfolio.PortfolioState) error {
	for attempt := 0; attempt < maxOptimisticRetries; attempt++ {
		err := e.store.UpdateState(st)
		if err == nil {
			return nil
		}
		var conflict *apperr.StateConflictError
		if !errors.As(err, &conflict) {
			return err
		}
		fresh, rerr := e.store.GetState()
		if rerr != nil {
			return rerr
		}
		fresh.ClosedEquity = st.ClosedEquity
		fresh.EquityHigh = st.EquityHigh
		fresh.TotalRiskAmount = st.TotalRiskAmount
		fresh.TotalVolAmount = st.TotalVolAmount
		fresh.MarginUsed = st.MarginUsed
		*st = *fresh
	}
	return fmt.Errorf("portfolio state update exhausted %d attempts", maxOptimisticRetries)
}

func isBaseLayer(layer string) bool {
	return layer == baseLayer
}
