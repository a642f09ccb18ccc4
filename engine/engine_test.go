package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/audit"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/broker"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/clock"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/config"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/instrument"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/leader"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/marketfeed"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/portfolio"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/signal"
)

// fakeBroker fills every order at the requested price and quantity, so
// dispatch tests exercise sizing/gating logic rather than fill chasing.
type fakeBroker struct{ seq int }

func (f *fakeBroker) PlaceOrder(_ context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	f.seq++
	return broker.OrderResult{
		BrokerOrderID:     fmt.Sprintf("o-%d", f.seq),
		Status:            broker.StatusFilled,
		FilledQuantity:    req.Quantity,
		AverageFillPrice:  req.Price,
	}, nil
}

func (f *fakeBroker) ModifyOrder(_ context.Context, _ string, _ float64) (broker.OrderResult, error) {
	return broker.OrderResult{}, nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, _ string) error { return nil }

func (f *fakeBroker) GetOrderStatus(_ context.Context, _ string) (broker.OrderResult, error) {
	return broker.OrderResult{Status: broker.StatusFilled}, nil
}

func (f *fakeBroker) GetMargins(_ context.Context) (broker.Margins, error) {
	return broker.Margins{Available: 10_000_000}, nil
}

func (f *fakeBroker) GetQuote(_ context.Context, _ string) (float64, error) {
	return 62000, nil
}

type fakeFeed struct{}

func (fakeFeed) GetQuote(context.Context, string) (marketfeed.Quote, error) {
	return marketfeed.Quote{}, nil
}

func (fakeFeed) Subscribe(context.Context, string) (<-chan marketfeed.Quote, error) {
	return make(chan marketfeed.Quote), nil
}

// alwaysAcquireLock is a leader.PrimaryLock that never contends, so a
// harness's Elector becomes leader on its first tick.
type alwaysAcquireLock struct{}

func (alwaysAcquireLock) TryAcquire(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}
func (alwaysAcquireLock) Renew(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}
func (alwaysAcquireLock) Release(context.Context, string) error { return nil }

type harness struct {
	engine *Engine
	store  *portfolio.Store
	clk    *clock.Fake
}

func newHarness(t *testing.T, start time.Time) *harness {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := portfolio.New(db)
	require.NoError(t, err)
	require.NoError(t, store.InitPortfolioState(1_000_000))

	auditSink, err := audit.New(db)
	require.NoError(t, err)

	clk := clock.NewFake(start)
	executor := broker.NewExecutor(&fakeBroker{}, clk, broker.ExecutorConfig{Strategy: broker.StrategySimpleLimit})
	dedup := signal.NewDedup(16, nil)

	elector := leader.New("inst-1", alwaysAcquireLock{}, store, []byte("signing-key"))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go elector.Run(ctx)
	require.Eventually(t, elector.IsLeader, time.Second, time.Millisecond)

	e := New(config.Default(), instrument.Default(), store, dedup, fakeFeed{}, executor, elector, auditSink, clk)
	return &harness{engine: e, store: store, clk: clk}
}

func webhookPayload(kind, inst, layer string, ts time.Time, price, stop, atr, er float64, reason string) []byte {
	body := map[string]interface{}{
		"kind":       kind,
		"instrument": inst,
		"layer":      layer,
		"timestamp":  ts.Format(time.RFC3339),
		"price":      price,
		"stop":       stop,
		"atr":        atr,
		"er":         er,
	}
	if reason != "" {
		body["reason"] = reason
	}
	b, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	return b
}

func TestProcessSignal_BaseEntry_Accepted(t *testing.T) {
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start)

	raw := webhookPayload("BASE_ENTRY", "GOLD_MINI", "Long_1", start, 62000, 61800, 150, 0, "")
	out, err := h.engine.ProcessSignal(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, out.Status)
	assert.Equal(t, "GOLD_MINI_Long_1", out.PositionID)

	pos, err := h.store.GetOpenPosition(instrument.GoldMini, "Long_1")
	require.NoError(t, err)
	// riskAmount = 1,000,000*0.0075 = 7500, stopDistance=200, pointValue=10
	// -> lotsByRisk = floor(7500/2000) = 3, the binding constraint.
	assert.Equal(t, 3, pos.Lots)
	assert.Equal(t, portfolio.LimiterRisk, pos.Limiter)
	assert.NotEmpty(t, pos.FuturesSymbol)
	assert.Equal(t, 62000.0, pos.EntryPrice)
}

func TestProcessSignal_DuplicateSignalShortCircuits(t *testing.T) {
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start)
	raw := webhookPayload("BASE_ENTRY", "GOLD_MINI", "Long_1", start, 62000, 61800, 150, 0, "")

	out1, err := h.engine.ProcessSignal(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out1.Status)

	out2, err := h.engine.ProcessSignal(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out2.Status)
}

func TestProcessSignal_RejectedWhenPaused(t *testing.T) {
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start)
	h.engine.Pause()

	raw := webhookPayload("BASE_ENTRY", "GOLD_MINI", "Long_1", start, 62000, 61800, 150, 0, "")
	out, err := h.engine.ProcessSignal(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out.Status)
	assert.Equal(t, "trading is paused", out.Reason)
}

func TestProcessSignal_IgnoredWhenNotLeader(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := portfolio.New(db)
	require.NoError(t, err)
	require.NoError(t, store.InitPortfolioState(1_000_000))

	auditSink, err := audit.New(db)
	require.NoError(t, err)

	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	executor := broker.NewExecutor(&fakeBroker{}, clk, broker.ExecutorConfig{Strategy: broker.StrategySimpleLimit})
	dedup := signal.NewDedup(16, nil)

	// Elector is never run, so it never acquires leadership.
	elector := leader.New("inst-2", alwaysAcquireLock{}, store, []byte("signing-key"))

	e := New(config.Default(), instrument.Default(), store, dedup, fakeFeed{}, executor, elector, auditSink, clk)

	raw := webhookPayload("BASE_ENTRY", "GOLD_MINI", "Long_1", start, 62000, 61800, 150, 0, "")
	out, err := e.ProcessSignal(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.Status)
}

func TestProcessSignal_RejectedWhenMarketClosed(t *testing.T) {
	start := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC) // before MCX's 09:00 open
	h := newHarness(t, start)

	raw := webhookPayload("BASE_ENTRY", "GOLD_MINI", "Long_1", start, 62000, 61800, 150, 0, "")
	out, err := h.engine.ProcessSignal(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out.Status)
	assert.Equal(t, "market closed", out.Reason)
}

func TestProcessSignal_Pyramid_AcceptedAfterProfitableMove(t *testing.T) {
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start)

	baseRaw := webhookPayload("BASE_ENTRY", "GOLD_MINI", "Long_1", start, 62000, 61800, 150, 0, "")
	out, err := h.engine.ProcessSignal(context.Background(), baseRaw)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out.Status)

	// The pyramid profit gate requires this instrument's open profit to
	// exceed its base risk amount (1,000,000*0.0075=7,500); production code
	// updates this from live marks in the stop monitor, so the test seeds it
	// directly instead.
	pos, err := h.store.GetOpenPosition(instrument.GoldMini, "Long_1")
	require.NoError(t, err)
	pos.UnrealizedPnL = 8000
	require.NoError(t, h.store.UpdatePosition(pos))

	next := start.Add(5 * time.Minute)
	h.clk.Set(next)
	// Moved 200 points since the 62000 base entry, clearing the 1R (ATR=150) gate.
	pyrRaw := webhookPayload("PYRAMID", "GOLD_MINI", "Long_1", next, 62200, 62000, 150, 0, "")
	out2, err := h.engine.ProcessSignal(context.Background(), pyrRaw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, out2.Status)
	assert.Equal(t, "GOLD_MINI_Long_2", out2.PositionID)

	base, err := h.store.GetOpenPosition(instrument.GoldMini, "Long_1")
	require.NoError(t, err)
	assert.Equal(t, 3, base.Lots, "the base layer row is untouched by a pyramid fill")

	added, err := h.store.GetOpenPosition(instrument.GoldMini, "Long_2")
	require.NoError(t, err)
	assert.Greater(t, added.Lots, 0)
	assert.False(t, added.IsBasePosition)
	assert.Equal(t, 1, added.PyramidCount)
}

func TestProcessSignal_Pyramid_RejectedBelow1RGate(t *testing.T) {
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start)

	baseRaw := webhookPayload("BASE_ENTRY", "GOLD_MINI", "Long_1", start, 62000, 61800, 150, 0, "")
	out, err := h.engine.ProcessSignal(context.Background(), baseRaw)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out.Status)

	next := start.Add(5 * time.Minute)
	h.clk.Set(next)
	// Moved only 50 points, short of the 150-point (ATR) 1R requirement.
	pyrRaw := webhookPayload("PYRAMID", "GOLD_MINI", "Long_1", next, 62050, 61850, 150, 0, "")
	out2, err := h.engine.ProcessSignal(context.Background(), pyrRaw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out2.Status)
}

func TestProcessSignal_Exit_ClosesPositionAndClearsPyramidingState(t *testing.T) {
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start)

	baseRaw := webhookPayload("BASE_ENTRY", "GOLD_MINI", "Long_1", start, 62000, 61800, 150, 0, "")
	out, err := h.engine.ProcessSignal(context.Background(), baseRaw)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out.Status)

	next := start.Add(10 * time.Minute)
	h.clk.Set(next)
	exitRaw := webhookPayload("EXIT", "GOLD_MINI", "Long_1", next, 62500, 0, 0, 0, "trend reversal")
	out2, err := h.engine.ProcessSignal(context.Background(), exitRaw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, out2.Status)

	_, err = h.store.GetOpenPosition(instrument.GoldMini, "Long_1")
	assert.Error(t, err)

	pyState, err := h.store.GetPyramidingState(instrument.GoldMini)
	require.NoError(t, err)
	assert.Nil(t, pyState)
}

func TestProcessSignal_UnknownInstrumentRejected(t *testing.T) {
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, start)

	raw := webhookPayload("BASE_ENTRY", "PLATINUM", "Long_1", start, 1000, 950, 10, 0, "")
	out, err := h.engine.ProcessSignal(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out.Status)
	assert.Equal(t, "unknown instrument", out.Reason)
}
