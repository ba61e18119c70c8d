package execution

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-signal-engine/internal/broker"
	"github.com/atlas-desktop/fx-signal-engine/internal/catalog"
	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
)

type fixedPriceSource struct {
	price decimal.Decimal
	ok    bool
}

func (f fixedPriceSource) CurrentPrice(broker types.Broker, pair string) (decimal.Decimal, bool) {
	return f.price, f.ok
}

type recordingPublisher struct {
	closed     []*types.Trade
	executed   []types.ExecutionResult
	supervised []string
}

func (r *recordingPublisher) PublishTradeClosed(trade *types.Trade) {
	r.closed = append(r.closed, trade)
}
func (r *recordingPublisher) PublishExecution(trade *types.Trade, result types.ExecutionResult) {
	r.executed = append(r.executed, result)
}
func (r *recordingPublisher) PublishSmartSupervision(trade *types.Trade, action string) {
	r.supervised = append(r.supervised, action)
}

func validSignal(pair string, direction types.Direction) *types.Signal {
	return &types.Signal{
		ID:        pair + "-sig-1",
		Pair:      pair,
		Direction: direction,
		IsValid:   types.SignalValidity{IsValid: true},
		Entry: &types.Entry{
			Price:      decimal.NewFromFloat(1.1000),
			StopLoss:   decimal.NewFromFloat(1.0950),
			TakeProfit: decimal.NewFromFloat(1.1100),
		},
		RiskManagement: &types.RiskManagement{
			CanTrade:     true,
			PositionSize: decimal.NewFromFloat(10000),
			RiskFraction: decimal.NewFromFloat(0.01),
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *recordingPublisher) {
	pub := &recordingPublisher{}
	e := New(zap.NewNop(), nil, catalog.New(catalog.DefaultSeed()), nil, fixedPriceSource{}, pub, DefaultConfig())
	t.Cleanup(func() { e.Close() })
	return e, pub
}

func TestExecuteTradeAcceptsValidSignalWithoutRouter(t *testing.T) {
	e, pub := newTestEngine(t)
	result, trade := e.ExecuteTrade(context.Background(), validSignal("EURUSD", types.DirectionBuy), types.BrokerMT5)

	require.True(t, result.Success)
	require.NotNil(t, trade)
	assert.Equal(t, types.TradeStatusOpen, trade.Status)
	assert.Len(t, pub.executed, 1)
}

func TestExecuteTradeIsIdempotentForSameSignalID(t *testing.T) {
	e, _ := newTestEngine(t)
	sig := validSignal("EURUSD", types.DirectionBuy)

	_, first := e.ExecuteTrade(context.Background(), sig, types.BrokerMT5)
	result2, second := e.ExecuteTrade(context.Background(), sig, types.BrokerMT5)

	require.True(t, result2.Success)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, e.ActiveTrades(), 1)
}

func TestExecuteTradeRejectsInvalidSignal(t *testing.T) {
	e, _ := newTestEngine(t)
	sig := validSignal("EURUSD", types.DirectionBuy)
	sig.IsValid = types.SignalValidity{IsValid: false, Reason: "stale"}

	result, trade := e.ExecuteTrade(context.Background(), sig, types.BrokerMT5)
	assert.False(t, result.Success)
	assert.Equal(t, "not_valid", result.ErrorType)
	assert.Nil(t, trade)
}

func TestExecuteTradeRejectsSecondOpenPositionOnSamePair(t *testing.T) {
	e, _ := newTestEngine(t)
	first := validSignal("EURUSD", types.DirectionBuy)
	_, _ = e.ExecuteTrade(context.Background(), first, types.BrokerMT5)

	second := validSignal("EURUSD", types.DirectionBuy)
	second.ID = "EURUSD-sig-2"
	result, trade := e.ExecuteTrade(context.Background(), second, types.BrokerMT5)

	assert.False(t, result.Success)
	assert.Equal(t, "pair_already_open", result.ErrorType)
	assert.Nil(t, trade)
}

func TestManageActiveTradesClosesOnTakeProfitHit(t *testing.T) {
	pub := &recordingPublisher{}
	prices := fixedPriceSource{price: decimal.NewFromFloat(1.1105), ok: true}
	e := New(zap.NewNop(), nil, catalog.New(catalog.DefaultSeed()), nil, prices, pub, DefaultConfig())
	t.Cleanup(func() { e.Close() })

	_, _ = e.ExecuteTrade(context.Background(), validSignal("EURUSD", types.DirectionBuy), types.BrokerMT5)
	e.ManageActiveTrades(context.Background())

	assert.Empty(t, e.ActiveTrades())
	require.Len(t, pub.closed, 1)
	assert.Equal(t, types.TradeStatusClosed, pub.closed[0].Status)
}

func TestCloseTradeComputesFinalPnLAndUpdatesSummary(t *testing.T) {
	e, _ := newTestEngine(t)
	_, trade := e.ExecuteTrade(context.Background(), validSignal("EURUSD", types.DirectionBuy), types.BrokerMT5)

	closed, err := e.CloseTrade(context.Background(), trade.ID, decimal.NewFromFloat(1.1050), "manual")
	require.NoError(t, err)
	assert.True(t, closed.FinalPnL.GreaterThan(decimal.Zero))

	summary := e.PnLSummary()
	assert.True(t, summary.Realized.Equal(closed.FinalPnL))
}

func TestCloseTradeUnknownIDReturnsError(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.CloseTrade(context.Background(), "nope", decimal.NewFromFloat(1.1), "manual")
	assert.Error(t, err)
}

func TestDailyRiskAccumulatesOnExecute(t *testing.T) {
	e, _ := newTestEngine(t)
	before := e.DailyRisk()
	sig := validSignal("EURUSD", types.DirectionBuy)
	_, _ = e.ExecuteTrade(context.Background(), sig, types.BrokerMT5)
	assert.True(t, e.DailyRisk().GreaterThan(before))
}

func TestExecuteTradeRollsBackDailyRiskOnBrokerFailure(t *testing.T) {
	pub := &recordingPublisher{}
	paper := broker.NewPaperConnector(string(types.BrokerMT5))
	paper.SetFailing(true)
	router := broker.NewRouter(time.Second)
	router.Register(paper)
	e := New(zap.NewNop(), router, catalog.New(catalog.DefaultSeed()), nil, fixedPriceSource{}, pub, DefaultConfig())
	t.Cleanup(func() { e.Close() })

	before := e.DailyRisk()
	result, trade := e.ExecuteTrade(context.Background(), validSignal("EURUSD", types.DirectionBuy), types.BrokerMT5)

	assert.False(t, result.Success)
	assert.Nil(t, trade)
	assert.True(t, e.DailyRisk().Equal(before))
	require.Len(t, pub.executed, 1)
	assert.False(t, pub.executed[0].Success)
}

func TestBlotterReportsOpenAndRecentlyClosed(t *testing.T) {
	e, _ := newTestEngine(t)
	_, trade := e.ExecuteTrade(context.Background(), validSignal("EURUSD", types.DirectionBuy), types.BrokerMT5)
	_, _ = e.CloseTrade(context.Background(), trade.ID, decimal.NewFromFloat(1.1010), "manual")

	blotter := e.Blotter(10)
	assert.Empty(t, blotter.OpenTrades)
	require.Len(t, blotter.RecentClosed, 1)
}

func TestEquityReturnsDerivesFromClosedTradeSequence(t *testing.T) {
	e, _ := newTestEngine(t)

	_, first := e.ExecuteTrade(context.Background(), validSignal("EURUSD", types.DirectionBuy), types.BrokerMT5)
	_, err := e.CloseTrade(context.Background(), first.ID, decimal.NewFromFloat(1.1010), "manual")
	require.NoError(t, err)
	afterFirst := e.PnLSummary().Realized

	_, second := e.ExecuteTrade(context.Background(), validSignal("GBPUSD", types.DirectionBuy), types.BrokerMT5)
	_, err = e.CloseTrade(context.Background(), second.ID, decimal.NewFromFloat(1.0990), "manual")
	require.NoError(t, err)
	afterSecond := e.PnLSummary().Realized

	returns := e.EquityReturns()
	require.Len(t, returns, 1)
	expected := afterSecond.Sub(afterFirst).Div(afterFirst)
	assert.True(t, expected.Equal(returns[0]), "want %s got %s", expected, returns[0])
}
