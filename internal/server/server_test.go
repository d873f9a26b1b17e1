package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/execution"
	"github.com/eddiefleurent/trade_oracle/internal/exits"
	"github.com/eddiefleurent/trade_oracle/internal/lock"
	"github.com/eddiefleurent/trade_oracle/internal/mock"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/eddiefleurent/trade_oracle/internal/performance"
	"github.com/eddiefleurent/trade_oracle/internal/risk"
	"github.com/eddiefleurent/trade_oracle/internal/storage"
	"github.com/eddiefleurent/trade_oracle/internal/storage/storagetest"
	"github.com/eddiefleurent/trade_oracle/internal/strategy"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	token = "s3cret"

	putLeg  = "SPY260417P00550000"
	callLeg = "SPY260417C00610000"

	shortCall = "SPY260302C00510000"
	longCall  = "SPY260302C00515000"
	shortPut  = "SPY260302P00490000"
	longPut   = "SPY260302P00485000"
)

var monday = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// stubStrategy returns a fixed candidate or error.
type stubStrategy struct {
	name      string
	candidate *models.CandidateTrade
	err       error
	snap      strategy.Snapshot
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) ExitPolicy() exits.Policy { return strategy.FallbackPolicy() }

func (s *stubStrategy) Generate(_ context.Context, snap strategy.Snapshot) (*models.CandidateTrade, error) {
	s.snap = snap
	if s.err != nil {
		return nil, s.err
	}
	c := *s.candidate
	return &c, nil
}

func leg(symbol string, side models.Side, typ models.OptionType, strike, limit string) models.Leg {
	return models.Leg{
		Symbol: symbol, Side: side, OptionType: typ, Strike: d(strike), Quantity: 1,
		LimitPrice: d(limit), Expiration: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	}
}

func condorTrade() models.CandidateTrade {
	return models.CandidateTrade{
		Strategy:   "stub",
		Underlying: "SPY",
		Quantity:   1,
		Legs: []models.Leg{
			leg(shortCall, models.SideSell, models.OptionCall, "510", "1.20"),
			leg(longCall, models.SideBuy, models.OptionCall, "515", "0.40"),
			leg(shortPut, models.SideSell, models.OptionPut, "490", "1.10"),
			leg(longPut, models.SideBuy, models.OptionPut, "485", "0.30"),
		},
		NetPrice:        d("1.60"),
		MaxLossPerUnit:  d("340"),
		NotionalPerUnit: d("500"),
	}
}

type fixture struct {
	paper     *mock.PaperBroker
	store     *storage.MockStorage
	validator *risk.Validator
	stub      *stubStrategy
	hub       *Hub
	server    *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()

	paper := mock.NewPaperBroker(d("100000")).Freeze()
	paper.SetUnderlying("SPY", 500)
	paper.SetQuote(putLeg, d("0.50"), d("0.60"))
	paper.SetQuote(callLeg, d("0.60"), d("0.70"))

	store := storage.NewMockStorage()
	engine := execution.NewEngine(paper, store, lock.NewLocalLocker(), nil, logger, execution.Config{
		PollInterval:   time.Millisecond,
		FillTimeout:    50 * time.Millisecond,
		CallTimeout:    time.Second,
		FlattenTimeout: 50 * time.Millisecond,
		LockTTL:        time.Minute,
		Location:       time.UTC,
	})
	engine.SetClock(func() time.Time { return monday })

	stub := &stubStrategy{name: "stub", candidate: func() *models.CandidateTrade { c := condorTrade(); return &c }()}
	off := &stubStrategy{name: "off", candidate: stub.candidate}
	validator := risk.NewValidator(risk.DefaultLimits(), logger)
	hub := NewHub(logger)

	srv := NewServer(Deps{
		Broker:     paper,
		Store:      store,
		Validator:  validator,
		Engine:     engine,
		Strategies: strategy.NewRegistry(stub, off),
		Enabled:    map[string]bool{"stub": true},
		Hub:        hub,
	}, logger, Config{AuthToken: token, Underlying: "SPY", Location: time.UTC})
	srv.SetClock(func() time.Time { return monday })

	return &fixture{paper: paper, store: store, validator: validator, stub: stub, hub: hub, server: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Auth-Token", token)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) open(t *testing.T, id string) *models.Position {
	t.Helper()
	pos, entry := storagetest.Position(id, monday.Add(-time.Hour))
	require.NoError(t, f.store.CreatePosition(context.Background(), pos, entry))
	return pos
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestAuth(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "health is public")

	req = httptest.NewRequest(http.MethodGet, "/positions", nil)
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/positions?token="+token, nil)
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignal_ExplicitQuantity(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/signal", map[string]interface{}{
		"strategy": "stub", "quantity": 2, "iv_history": []float64{0.1, 0.2},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp signalResponse
	decode(t, rec, &resp)
	require.NotNil(t, resp.Signal)
	assert.Equal(t, 2, resp.Signal.Quantity)
	assert.Equal(t, 2, resp.SuggestedQuantity)

	assert.Equal(t, "SPY", f.stub.snap.Underlying)
	assert.Equal(t, monday, f.stub.snap.Now)
	assert.Equal(t, []float64{0.1, 0.2}, f.stub.snap.IVHistory)
	assert.NotNil(t, f.stub.snap.Market)
}

func TestSignal_SuggestsHalfKellyQuantity(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/signal", map[string]interface{}{"strategy": "stub"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp signalResponse
	decode(t, rec, &resp)
	want := f.validator.SuggestQuantity(&performance.StrategyStats{}, d("100000"), d("340"))
	require.Positive(t, want)
	assert.Equal(t, want, resp.SuggestedQuantity)
	assert.Equal(t, want, resp.Signal.Quantity)
}

func TestSignal_Errors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/signal", map[string]interface{}{"strategy": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/signal", map[string]interface{}{"strategy": "off"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/signal", map[string]interface{}{"strategy": "stub", "bogus": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")

	f.stub.err = errors.New("chain unavailable")
	rec = f.do(t, http.MethodPost, "/signal", map[string]interface{}{"strategy": "stub"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSignal_NoSignal(t *testing.T) {
	f := newFixture(t)
	f.stub.err = strategy.ErrNoSignal

	rec := f.do(t, http.MethodPost, "/signal", map[string]interface{}{"strategy": "stub"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp signalResponse
	decode(t, rec, &resp)
	assert.Nil(t, resp.Signal)
	assert.Contains(t, resp.Reason, "no signal")
}

func TestApprove(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/risk/approve", condorTrade())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var approval models.Approval
	decode(t, rec, &approval)
	assert.True(t, approval.Approved)
	assert.Equal(t, 1, approval.Quantity)

	big := condorTrade()
	big.MaxLossPerUnit = d("50000")
	rec = f.do(t, http.MethodPost, "/risk/approve", big)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &approval)
	assert.False(t, approval.Approved)
}

func TestApprove_EquityUnavailable(t *testing.T) {
	f := newFixture(t)
	f.paper.SetEquity(decimal.Zero)

	rec := f.do(t, http.MethodPost, "/risk/approve", condorTrade())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOrder_ShapeIsEnforced(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/execution/order", condorTrade())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "multi-leg")

	single := condorTrade()
	single.Legs = single.Legs[:1]
	rec = f.do(t, http.MethodPost, "/execution/order/multi-leg", single)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.paper.Submitted())
}

func TestOrder_MultiLegOpensPosition(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/execution/order/multi-leg", condorTrade())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp orderResponse
	decode(t, rec, &resp)
	require.NotNil(t, resp.Result)
	assert.True(t, resp.Approval.Approved)
	assert.True(t, resp.Result.Success)
	require.NotNil(t, resp.Result.Position)
	assert.Len(t, f.paper.Submitted(), 4)

	open, err := f.store.ListPositions(context.Background(), storage.Filter{Status: models.PositionOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, resp.Result.Position.ID, open[0].ID)
}

func TestOrder_SingleLeg(t *testing.T) {
	f := newFixture(t)
	trade := condorTrade()
	trade.Legs = []models.Leg{leg(longCall, models.SideBuy, models.OptionCall, "515", "0.40")}
	trade.NetPrice = d("-0.40")
	trade.MaxLossPerUnit = d("40")

	rec := f.do(t, http.MethodPost, "/execution/order", trade)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Len(t, f.paper.Submitted(), 1)
}

func TestOrder_RiskRejected(t *testing.T) {
	f := newFixture(t)
	trade := condorTrade()
	trade.MaxLossPerUnit = d("50000")

	rec := f.do(t, http.MethodPost, "/execution/order/multi-leg", trade)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp orderResponse
	decode(t, rec, &resp)
	assert.False(t, resp.Approval.Approved)
	assert.Nil(t, resp.Result)
	assert.Empty(t, f.paper.Submitted(), "rejected trades never reach the broker")
}

func TestOrder_FailedExecutionRollsBack(t *testing.T) {
	f := newFixture(t)
	f.paper.SetBehavior(longPut, mock.Behavior{Status: models.OrderRejected})

	rec := f.do(t, http.MethodPost, "/execution/order/multi-leg", condorTrade())
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())

	var resp orderResponse
	decode(t, rec, &resp)
	assert.False(t, resp.Result.Success)
	assert.True(t, resp.Result.RolledBack)

	open, err := f.store.ListPositions(context.Background(), storage.Filter{Status: models.PositionOpen})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPositions(t *testing.T) {
	f := newFixture(t)
	f.open(t, "pos-1")
	f.open(t, "pos-2")

	rec := f.do(t, http.MethodGet, "/positions?status=open&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Position
	decode(t, rec, &list)
	assert.Len(t, list, 1)

	rec = f.do(t, http.MethodGet, "/positions?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/positions/pos-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pos models.Position
	decode(t, rec, &pos)
	assert.Equal(t, "pos-2", pos.ID)

	rec = f.do(t, http.MethodGet, "/positions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/positions/pos-1/trades", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trades []models.TradeRecord
	decode(t, rec, &trades)
	require.Len(t, trades, 1)
	assert.Equal(t, models.TradeEntry, trades[0].Kind)
}

func TestPositions_ListFailure(t *testing.T) {
	f := newFixture(t)
	f.store.SetListError(errors.New("disk gone"))

	rec := f.do(t, http.MethodGet, "/positions", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk gone")
}

func TestClosePosition(t *testing.T) {
	f := newFixture(t)
	f.open(t, "pos-1")

	rec := f.do(t, http.MethodPost, "/positions/pos-1/close", map[string]string{"detail": "desk override"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res execution.CloseResult
	decode(t, rec, &res)
	assert.True(t, res.Success)
	require.NotNil(t, res.Position)
	assert.Equal(t, models.PositionClosed, res.Position.Status)
	assert.Equal(t, models.ExitManual, res.Position.ExitReason)
	assert.Equal(t, "desk override", res.Position.ExitDetail)

	// Idempotent: a second close is a no-op.
	rec = f.do(t, http.MethodPost, "/positions/pos-1/close", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &res)
	assert.True(t, res.AlreadyClosed)
	assert.Equal(t, 1, f.store.CloseCalls())

	rec = f.do(t, http.MethodPost, "/positions/missing/close", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClosePosition_NoQuoteLeavesOpen(t *testing.T) {
	f := newFixture(t)
	f.open(t, "pos-1")
	f.paper.SetQuote(callLeg, decimal.Zero, decimal.Zero)

	rec := f.do(t, http.MethodPost, "/positions/pos-1/close", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	pos, err := f.store.GetPosition(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.True(t, pos.IsOpen())
}

func TestRiskEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/risk/limits", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var limits risk.Limits
	decode(t, rec, &limits)
	assert.True(t, limits.MaxRiskPerTrade.Equal(risk.CeilingRiskPerTrade))

	rec = f.do(t, http.MethodGet, "/risk/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state riskStateResponse
	decode(t, rec, &state)
	assert.Equal(t, "2026-03-02", state.State.Day)
	assert.True(t, state.Portfolio.Equity.Equal(d("100000")))
}

func TestPerformance(t *testing.T) {
	f := newFixture(t)
	f.open(t, "pos-1")
	rec := f.do(t, http.MethodPost, "/positions/pos-1/close", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/performance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report performance.Report
	decode(t, rec, &report)
	assert.Equal(t, 1, report.Overall.TotalTrades)
	assert.Contains(t, report.ByStrategy, "strangle")

	rec = f.do(t, http.MethodGet, "/performance?month=March", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	assert.Panics(t, func() { NewServer(Deps{}, nil) })
}
