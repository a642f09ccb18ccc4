package engine

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/instrument"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/portfolio"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/stopmgr"
)

// StopMonitorInterval is how often open positions are marked against the
// live feed to ratchet trailing stops and detect stop hits (spec.md §4.5
// "ATR Trailing Stops").
const StopMonitorInterval = 5 * time.Second

// stopMonitorConcurrency bounds how many positions are quoted and marked in
// parallel per tick (spec.md §5 "broker calls are bounded-concurrency,
// never unbounded fan-out").
const stopMonitorConcurrency = 4

// RunStopMonitor polls the live feed for every open position on a fixed
// interval, ratchets each position's trailing stop, and raises an
// internally-generated EXIT through the normal ProcessSignal path when a
// position's stop is hit (spec.md §4.5). It blocks until ctx is cancelled.
func (e *Engine) RunStopMonitor(ctx context.Context) {
	ticker := e.clock.NewTicker(StopMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			e.markAndCheckStops(ctx)
		}
	}
}

func (e *Engine) markAndCheckStops(ctx context.Context) {
	positions, err := e.store.ListAllOpenPositions()
	if err != nil {
		log.Errorf("stop monitor: list open positions: %v", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(stopMonitorConcurrency)
	for _, pos := range positions {
		pos := pos
		g.Go(func() error {
			e.markAndCheckStop(gctx, pos)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) markAndCheckStop(ctx context.Context, pos *portfolio.Position) {
	cfg, ok := e.catalog.Get(pos.Instrument)
	if !ok {
		return
	}
	symbol := quoteSymbolForPosition(pos)
	quote, err := e.feed.GetQuote(ctx, symbol)
	if err != nil {
		log.Warnf("stop monitor: get quote for %s (%s): %v", pos.PositionID, symbol, err)
		return
	}
	if quote.LTP <= 0 {
		return
	}

	pos.UnrealizedPnL = (quote.LTP - pos.EntryPrice) * float64(pos.Quantity)
	pos.HighestClose = stopmgr.UpdateHighestClose(pos.HighestClose, quote.LTP)
	pos.CurrentStop = stopmgr.Trail(pos.CurrentStop, pos.HighestClose, pos.ATRAtEntry, cfg.TrailingATRMult)
	if err := e.store.UpdatePosition(pos); err != nil {
		log.Errorf("stop monitor: failed to persist trail for %s: %v", pos.PositionID, err)
		return
	}

	if !stopmgr.StopHit(pos.CurrentStop, quote.LTP) {
		return
	}

	sig := SyntheticExitSignal(pos, quote.LTP, stopmgr.StopLossReason, e.clock.Now())
	if _, err := e.ProcessSignal(ctx, sig); err != nil {
		log.Errorf("stop monitor: failed to raise internal exit for %s: %v", pos.PositionID, err)
	}
}

// quoteSymbolForPosition resolves the live-feed symbol to mark a position
// against: the resolved futures symbol for single-leg instruments, or the
// underlying index for Bank Nifty's synthetic options structure (its signal
// and stop prices are expressed in index points, not either leg's premium).
func quoteSymbolForPosition(pos *portfolio.Position) string {
	if pos.FuturesSymbol != "" {
		return pos.FuturesSymbol
	}
	return string(instrument.BankNifty)
}

// SyntheticExitSignal builds an internally-generated EXIT webhook body so a
// stop hit or an EOD-monitor breach drives the same ProcessSignal path an
// externally-delivered EXIT signal takes, rather than a separate
// order-placement code path (mirrors api.emergencyExitSignal).
func SyntheticExitSignal(pos *portfolio.Position, price float64, reason string, now time.Time) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"kind":       "EXIT",
		"instrument": string(pos.Instrument),
		"layer":      pos.Layer,
		"timestamp":  now.Format(time.RFC3339),
		"price":      price,
		"reason":     reason,
	})
	return body
}
