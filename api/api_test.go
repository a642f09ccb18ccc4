package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agiledragon/gomonkey/v2"
	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/audit"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/broker"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/clock"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/config"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/engine"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/instrument"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/leader"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/marketfeed"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/portfolio"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/signal"
)

func init() {
	gin.SetMode(gin.TestMode)
}

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
func (f *fakeBroker) GetQuote(_ context.Context, _ string) (float64, error) { return 62000, nil }

type fakeFeed struct{}

func (fakeFeed) GetQuote(context.Context, string) (marketfeed.Quote, error) {
	return marketfeed.Quote{}, nil
}
func (fakeFeed) Subscribe(context.Context, string) (<-chan marketfeed.Quote, error) {
	return make(chan marketfeed.Quote), nil
}

type alwaysAcquireLock struct{}

func (alwaysAcquireLock) TryAcquire(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}
func (alwaysAcquireLock) Renew(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}
func (alwaysAcquireLock) Release(context.Context, string) error { return nil }

const testAPIKey = "super-secret-emergency-key"
const testTOTPSecret = "JBSWY3DPEHPK3PXP"

type testServer struct {
	srv   *Server
	eng   *engine.Engine
	store *portfolio.Store
	clk   *clock.Fake
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

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

	elector := leader.New("inst-1", alwaysAcquireLock{}, store, []byte("signing-key"))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go elector.Run(ctx)
	require.Eventually(t, elector.IsLeader, time.Second, time.Millisecond)

	eng := engine.New(config.Default(), instrument.Default(), store, dedup, fakeFeed{}, executor, elector, auditSink, clk)

	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	require.NoError(t, err)
	emerg := NewEmergencyAuth(string(hash), testTOTPSecret)

	srv := New(eng, store, elector, instrument.Default(), emerg)
	return &testServer{srv: srv, eng: eng, store: store, clk: clk}
}

func (ts *testServer) do(method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func validTOTPCode(t *testing.T) string {
	t.Helper()
	code, err := totp.GenerateCode(testTOTPSecret, time.Now())
	require.NoError(t, err)
	return code
}

func TestHandleWebhook_AcceptsValidSignal(t *testing.T) {
	ts := newTestServer(t)

	body := `{"kind":"BASE_ENTRY","instrument":"GOLD_MINI","layer":"Long_1","timestamp":"2026-03-10T10:00:00Z","price":62000,"stop":61800,"atr":150}`
	w := ts.do(http.MethodPost, "/webhook", body, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ACCEPTED", resp["status"])
	assert.Equal(t, "GOLD_MINI_Long_1", resp["position_id"])
}

func TestHandleWebhook_RejectedSignalReturns422(t *testing.T) {
	ts := newTestServer(t)

	body := `{"kind":"BASE_ENTRY","instrument":"PLATINUM","layer":"Long_1","timestamp":"2026-03-10T10:00:00Z","price":1000,"stop":950,"atr":10}`
	w := ts.do(http.MethodPost, "/webhook", body, nil)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "REJECTED", resp["status"])
	assert.Equal(t, "unknown instrument", resp["reason"])
}

func TestHandleWebhook_MalformedBodyReturns422(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/webhook", `not json`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandleHealth_ReportsLeaderStatus(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, true, resp["is_leader"])
}

func TestHandleStatus_ReturnsPortfolioState(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/status", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1_000_000.0, resp["closed_equity"])
	assert.Equal(t, 1_000_000.0, resp["equity_high"])
	assert.Equal(t, false, resp["trading_paused"])
}

func TestHandlePositions_ListsOpenPositions(t *testing.T) {
	ts := newTestServer(t)

	body := `{"kind":"BASE_ENTRY","instrument":"GOLD_MINI","layer":"Long_1","timestamp":"2026-03-10T10:00:00Z","price":62000,"stop":61800,"atr":150}`
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/webhook", body, nil).Code)

	w := ts.do(http.MethodGet, "/positions", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string][]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp["positions"], 1)
}

func TestHandleConfigSummary_NeverSerializesSecrets(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/config", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), testAPIKey)
	assert.NotContains(t, w.Body.String(), testTOTPSecret)
}

func TestEmergencyEndpoints_RejectWithoutCredentials(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/emergency/stop", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, ts.eng.IsPaused())
}

func TestEmergencyEndpoints_RejectWithBadAPIKey(t *testing.T) {
	ts := newTestServer(t)

	headers := map[string]string{"X-API-KEY": "wrong-key", "X-TOTP-CODE": validTOTPCode(t)}
	w := ts.do(http.MethodPost, "/emergency/stop", "", headers)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEmergencyStop_PausesEngineWithValidCredentials(t *testing.T) {
	ts := newTestServer(t)

	headers := map[string]string{"X-API-KEY": testAPIKey, "X-TOTP-CODE": validTOTPCode(t)}
	w := ts.do(http.MethodPost, "/emergency/stop", "", headers)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ts.eng.IsPaused())
}

func TestEmergencyResume_UnpausesEngine(t *testing.T) {
	ts := newTestServer(t)
	ts.eng.Pause()

	headers := map[string]string{"X-API-KEY": testAPIKey, "X-TOTP-CODE": validTOTPCode(t)}
	w := ts.do(http.MethodPost, "/emergency/resume", "", headers)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, ts.eng.IsPaused())
}

func TestEmergencyCloseAll_PausesAndClosesEveryOpenPosition(t *testing.T) {
	ts := newTestServer(t)

	body := `{"kind":"BASE_ENTRY","instrument":"GOLD_MINI","layer":"Long_1","timestamp":"2026-03-10T10:00:00Z","price":62000,"stop":61800,"atr":150}`
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/webhook", body, nil).Code)

	headers := map[string]string{"X-API-KEY": testAPIKey, "X-TOTP-CODE": validTOTPCode(t)}
	w := ts.do(http.MethodPost, "/emergency/close-all", "", headers)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ts.eng.IsPaused())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	closed, ok := resp["closed"].([]interface{})
	require.True(t, ok)
	assert.Contains(t, closed, "GOLD_MINI_Long_1")

	open, err := ts.store.ListAllOpenPositions()
	require.NoError(t, err)
	assert.Len(t, open, 0)
}

func TestEmergencyExitSignal_StampsCurrentTimeAndReason(t *testing.T) {
	frozen := time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC)
	patches := gomonkey.ApplyFunc(time.Now, func() time.Time { return frozen })
	defer patches.Reset()

	pos := &portfolio.Position{
		Instrument:  instrument.GoldMini,
		Layer:       "Long_1",
		CurrentStop: 61900,
	}
	raw := emergencyExitSignal(pos)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "EXIT", body["kind"])
	assert.Equal(t, "EMERGENCY_CLOSE_ALL", body["reason"])
	assert.Equal(t, frozen.Format(time.RFC3339), body["timestamp"])
}

func TestMetricsEndpoint_ExposesPrometheusFormat(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# HELP")
}
