package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/apperr"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/clock"
)

// fakeBroker scripts PlaceOrder/GetOrderStatus responses in call order, so
// tests can drive the executor's attempt loop deterministically.
type fakeBroker struct {
	placeResults  []OrderResult
	placeErr      error
	statusResults []OrderResult
	placeCalls    []OrderRequest
	cancelCalls   []string
	placeIdx      int
	statusIdx     int
}

func (f *fakeBroker) PlaceOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	f.placeCalls = append(f.placeCalls, req)
	if f.placeErr != nil {
		return OrderResult{}, f.placeErr
	}
	res := f.placeResults[f.placeIdx]
	if f.placeIdx < len(f.placeResults)-1 {
		f.placeIdx++
	}
	return res, nil
}

func (f *fakeBroker) ModifyOrder(_ context.Context, _ string, _ float64) (OrderResult, error) {
	return OrderResult{}, nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, brokerOrderID string) error {
	f.cancelCalls = append(f.cancelCalls, brokerOrderID)
	return nil
}

func (f *fakeBroker) GetOrderStatus(_ context.Context, _ string) (OrderResult, error) {
	res := f.statusResults[f.statusIdx]
	if f.statusIdx < len(f.statusResults)-1 {
		f.statusIdx++
	}
	return res, nil
}

func (f *fakeBroker) GetMargins(_ context.Context) (Margins, error) {
	return Margins{Available: 10_000_000, Used: 0}, nil
}

func (f *fakeBroker) GetQuote(_ context.Context, _ string) (float64, error) {
	return 48000, nil
}

func testRequest() OrderRequest {
	return OrderRequest{Symbol: "BANKNIFTY260205PE", Side: Sell, Type: Limit, Quantity: 140, Price: 48000}
}

func TestExecuteSimple_Filled(t *testing.T) {
	fb := &fakeBroker{placeResults: []OrderResult{{BrokerOrderID: "o1", Status: StatusFilled, FilledQuantity: 140, AverageFillPrice: 48000}}}
	ex := NewExecutor(fb, clock.NewFake(time.Now()), ExecutorConfig{Strategy: StrategySimpleLimit})

	res, err := ex.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)
	assert.Equal(t, 140, res.FilledQuantity)
}

func TestExecuteSimple_RejectedReturnsBrokerError(t *testing.T) {
	fb := &fakeBroker{placeResults: []OrderResult{{Status: StatusRejected, RejectReason: "insufficient margin"}}}
	ex := NewExecutor(fb, clock.NewFake(time.Now()), ExecutorConfig{Strategy: StrategySimpleLimit})

	_, err := ex.Execute(context.Background(), testRequest())
	var brokerErr *apperr.BrokerError
	require.ErrorAs(t, err, &brokerErr)
	assert.Equal(t, apperr.BrokerRejected, brokerErr.Reason)
}

func TestExecuteProgressive_FillsOnFirstAttempt(t *testing.T) {
	fb := &fakeBroker{
		placeResults:  []OrderResult{{BrokerOrderID: "o1", Status: StatusPending}},
		statusResults: []OrderResult{{BrokerOrderID: "o1", Status: StatusFilled, FilledQuantity: 140, AverageFillPrice: 48000}},
	}
	cfg := DefaultExecutorConfig()
	ex := NewExecutor(fb, clock.NewFake(time.Now()), cfg)

	res, err := ex.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)
	assert.Equal(t, 140, res.FilledQuantity)
	assert.Len(t, fb.placeCalls, 1)
}

func TestExecuteProgressive_ChasesPartialFillAcrossAttempts(t *testing.T) {
	fb := &fakeBroker{
		placeResults: []OrderResult{
			{BrokerOrderID: "o1", Status: StatusPending},
			{BrokerOrderID: "o2", Status: StatusPending},
		},
		statusResults: []OrderResult{
			{BrokerOrderID: "o1", Status: StatusPartial, FilledQuantity: 70, AverageFillPrice: 48000},
			{BrokerOrderID: "o2", Status: StatusFilled, FilledQuantity: 70, AverageFillPrice: 48010},
		},
	}
	cfg := DefaultExecutorConfig()
	ex := NewExecutor(fb, clock.NewFake(time.Now()), cfg)

	res, err := ex.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)
	assert.Equal(t, 140, res.FilledQuantity)
	assert.Len(t, fb.cancelCalls, 1) // first partial leg cancelled before rechasing
}

func TestExecuteProgressive_FallsBackToMarketAfterMaxAttempts(t *testing.T) {
	fb := &fakeBroker{
		placeResults: []OrderResult{
			{BrokerOrderID: "o1", Status: StatusPending},
			{BrokerOrderID: "o2", Status: StatusPending},
			{BrokerOrderID: "o3", Status: StatusPending},
			{BrokerOrderID: "market-1", Status: StatusFilled, FilledQuantity: 140, AverageFillPrice: 48030},
		},
		statusResults: []OrderResult{
			{BrokerOrderID: "o1", Status: StatusPartial, FilledQuantity: 0, AverageFillPrice: 0},
		},
	}
	cfg := DefaultExecutorConfig()
	cfg.MaxAttempts = 3
	ex := NewExecutor(fb, clock.NewFake(time.Now()), cfg)

	res, err := ex.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)
	assert.Equal(t, 140, res.FilledQuantity)
	// 3 limit attempts + 1 market fallback
	assert.Len(t, fb.placeCalls, 4)
	assert.Equal(t, Market, fb.placeCalls[3].Type)
}

func TestExecuteSynthetic_BothLegsFill(t *testing.T) {
	fb := &fakeBroker{placeResults: []OrderResult{{BrokerOrderID: "o1", Status: StatusFilled, FilledQuantity: 140, AverageFillPrice: 48000}}}
	ex := NewExecutor(fb, clock.NewFake(time.Now()), ExecutorConfig{Strategy: StrategySimpleLimit})

	sellPE := testRequest()
	buyCE := testRequest()
	buyCE.Side = Buy
	buyCE.Symbol = "BANKNIFTY260205CE"

	result, err := ex.ExecuteSynthetic(context.Background(), sellPE, buyCE)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, result.SellPE.Status)
	assert.Equal(t, StatusFilled, result.BuyCE.Status)
}

func TestExecuteSynthetic_UnwindsFirstLegWhenSecondFails(t *testing.T) {
	fb := &fakeBroker{}
	callCount := 0
	ex := NewExecutor(&scriptedLegBroker{fb, &callCount}, clock.NewFake(time.Now()), ExecutorConfig{Strategy: StrategySimpleLimit})

	sellPE := testRequest()
	buyCE := testRequest()
	buyCE.Side = Buy
	buyCE.Symbol = "BANKNIFTY260205CE"

	_, err := ex.ExecuteSynthetic(context.Background(), sellPE, buyCE)
	require.Error(t, err)
	// sellPE leg, buyCE leg, then the unwind leg.
	assert.Equal(t, 3, callCount)
}

// scriptedLegBroker fills the PE leg, rejects the CE leg, then fills the
// unwind leg, to exercise ExecuteSynthetic's unwind-on-failure path.
type scriptedLegBroker struct {
	*fakeBroker
	calls *int
}

func (s *scriptedLegBroker) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	*s.calls++
	switch *s.calls {
	case 1:
		return OrderResult{BrokerOrderID: "pe-1", Status: StatusFilled, FilledQuantity: 140, AverageFillPrice: 48000}, nil
	case 2:
		return OrderResult{Status: StatusRejected, RejectReason: "CE leg margin shortfall"}, nil
	default:
		return OrderResult{BrokerOrderID: "unwind-1", Status: StatusFilled, FilledQuantity: 140, AverageFillPrice: 48000}, nil
	}
}
