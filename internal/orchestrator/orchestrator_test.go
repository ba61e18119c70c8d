package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-signal-engine/internal/analyzers"
	"github.com/atlas-desktop/fx-signal-engine/internal/catalog"
	"github.com/atlas-desktop/fx-signal-engine/internal/gate"
	"github.com/atlas-desktop/fx-signal-engine/internal/quality"
	"github.com/atlas-desktop/fx-signal-engine/internal/risk"
	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
)

type fakeProvider struct {
	mctx analyzers.MarketContext
	err  error
}

func (f fakeProvider) MarketContext(ctx context.Context, broker types.Broker, pair string) (analyzers.MarketContext, error) {
	return f.mctx, f.err
}

type fakeQuotes struct {
	quote  types.Quote
	hasQ   bool
	spread decimal.Decimal
	hasS   bool
}

func (f fakeQuotes) CurrentQuote(broker types.Broker, symbol string) (types.Quote, bool) {
	return f.quote, f.hasQ
}

func (f fakeQuotes) CurrentSpreadPips(broker types.Broker, symbol string) (decimal.Decimal, bool) {
	return f.spread, f.hasS
}

type fakeExecutor struct {
	calls int
}

func (f *fakeExecutor) ExecuteTrade(ctx context.Context, signal *types.Signal, broker types.Broker) (types.ExecutionResult, *types.Trade) {
	f.calls++
	return types.ExecutionResult{Success: true}, &types.Trade{}
}

func (f *fakeExecutor) ActiveTrades() []*types.Trade { return nil }

type noopAlerts struct{}

func (noopAlerts) PublishRiskAlert(alertType, severity, pair, message string, current, threshold decimal.Decimal) {
}

func newTestCoordinator(t *testing.T, provider MarketContextProvider, quotes QuoteSource, executor Executor) *Coordinator {
	logger := zap.NewNop()
	cat := catalog.New(catalog.DefaultSeed())
	reg := analyzers.NewRegistry(
		analyzers.NewEconomicAnalyzer(),
		analyzers.NewNewsAnalyzer(),
		analyzers.NewTechnicalAnalyzer(),
		analyzers.NewCandleAnalyzer(),
	)
	guard := quality.New(fakeBars{}, fakeSpread{}, logger)
	riskEngine := risk.New(logger, risk.DefaultConfig(), cat, noopAlerts{}, func() []*types.Trade { return nil })
	decisionGate := gate.New(gate.NewMemory())
	cfg := func() types.ConfigSnapshot { return types.ConfigSnapshot{Env: "development"} }

	c := New(logger, provider, quotes, reg, guard, riskEngine, decisionGate, cat, executor, cfg)
	t.Cleanup(func() { c.Close() })
	return c
}

type fakeBars struct{}

func (fakeBars) RecentBars(broker types.Broker, symbol string, tf types.Timeframe, limit int) []types.Bar {
	return nil
}

type fakeSpread struct{}

func (fakeSpread) CurrentSpreadPips(broker types.Broker, symbol string) (decimal.Decimal, bool) {
	return decimal.Zero, false
}

func ascendingBars(n int) []types.Bar {
	bars := make([]types.Bar, n)
	price := 1.1000
	for i := 0; i < n; i++ {
		open := price
		price += 0.0010
		bars[i] = types.Bar{
			Timeframe: types.TimeframeH1,
			Open:      decimal.NewFromFloat(open),
			High:      decimal.NewFromFloat(price + 0.0003),
			Low:       decimal.NewFromFloat(open - 0.0003),
			Close:     decimal.NewFromFloat(price),
			Time:      time.Now().Add(time.Duration(i) * time.Hour),
		}
	}
	return bars
}

func TestGenerateSignalFallsBackOnProviderError(t *testing.T) {
	c := newTestCoordinator(t, fakeProvider{err: errors.New("feed down")}, fakeQuotes{}, nil)
	signal, result, err := c.GenerateSignal(context.Background(), "EURUSD", GenerateOptions{Broker: types.BrokerMT5})

	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, types.DirectionNeutral, signal.Direction)
	assert.False(t, signal.IsValid.IsValid)
	assert.Equal(t, types.SignalStatusNeutral, signal.SignalStatus)
}

func TestGenerateSignalNeutralWithNoMarketData(t *testing.T) {
	c := newTestCoordinator(t, fakeProvider{mctx: analyzers.MarketContext{}}, fakeQuotes{}, nil)
	signal, result, err := c.GenerateSignal(context.Background(), "EURUSD", GenerateOptions{Broker: types.BrokerMT5})

	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, types.DirectionNeutral, signal.Direction)
	assert.Nil(t, signal.Entry)
}

func TestGenerateSignalProducesBuyDirectionFromAscendingBars(t *testing.T) {
	quote := types.Quote{Symbol: "EURUSD", Bid: decimal.NewFromFloat(1.2000), Ask: decimal.NewFromFloat(1.2002)}
	mctx := analyzers.MarketContext{Quote: &quote, Bars: ascendingBars(30)}
	c := newTestCoordinator(t, fakeProvider{mctx: mctx}, fakeQuotes{}, nil)

	signal, _, err := c.GenerateSignal(context.Background(), "EURUSD", GenerateOptions{Broker: types.BrokerMT5})
	require.NoError(t, err)

	assert.Equal(t, types.DirectionBuy, signal.Direction)
	require.NotNil(t, signal.Entry)
	assert.True(t, signal.Entry.Price.Equal(quote.Mid()))
	assert.NotEmpty(t, signal.Components.Technical)
}

func TestGenerateSignalDoesNotAutoExecuteWhenNotEntering(t *testing.T) {
	exec := &fakeExecutor{}
	c := newTestCoordinator(t, fakeProvider{mctx: analyzers.MarketContext{}}, fakeQuotes{}, exec)

	_, result, err := c.GenerateSignal(context.Background(), "EURUSD", GenerateOptions{Broker: types.BrokerMT5, AutoExecute: true})
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, 0, exec.calls)
}

func TestCloseStopsTheAnalyzerWorkerPool(t *testing.T) {
	c := newTestCoordinator(t, fakeProvider{mctx: analyzers.MarketContext{}}, fakeQuotes{}, nil)
	require.True(t, c.pool.IsRunning())

	require.NoError(t, c.Close())
	assert.False(t, c.pool.IsRunning())
}

func TestRunAnalysisFansOutAcrossAllDefaultAnalyzerKinds(t *testing.T) {
	c := newTestCoordinator(t, fakeProvider{}, fakeQuotes{}, nil)
	mctx := analyzers.MarketContext{Bars: ascendingBars(30)}

	reports, err := c.runAnalysis(context.Background(), "EURUSD", ModeDefault, mctx)
	require.NoError(t, err)
	assert.Len(t, reports, 4)
	for _, kind := range []analyzers.Kind{analyzers.KindEconomic, analyzers.KindNews, analyzers.KindTechnical, analyzers.KindCandle} {
		_, ok := reports[kind]
		assert.True(t, ok, "expected report for %s", kind)
	}
}
