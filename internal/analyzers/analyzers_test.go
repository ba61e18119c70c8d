package analyzers

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
)

func TestEconomicAnalyzerNeutralOnNoEvents(t *testing.T) {
	a := NewEconomicAnalyzer()
	report, err := a.Analyze(context.Background(), "EURUSD", MarketContext{})
	require.NoError(t, err)
	assert.True(t, report.Neutral)
	assert.Equal(t, types.DirectionNeutral, report.Direction)
}

func TestEconomicAnalyzerScoresTowardBaseCurrency(t *testing.T) {
	a := NewEconomicAnalyzer()
	report, err := a.Analyze(context.Background(), "EURUSD", MarketContext{
		Events: []types.NewsEvent{
			{Currency: "EUR", Impact: 3},
			{Currency: "EUR", Impact: 3},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, types.DirectionBuy, report.Direction)
	assert.Greater(t, report.Score, 0.0)
	assert.Equal(t, 2, report.Fields["eventCount"])
}

func TestEconomicAnalyzerScoresTowardQuoteCurrencyAsSell(t *testing.T) {
	a := NewEconomicAnalyzer()
	report, err := a.Analyze(context.Background(), "EURUSD", MarketContext{
		Events: []types.NewsEvent{{Currency: "USD", Impact: 5}},
	})
	require.NoError(t, err)
	assert.Equal(t, types.DirectionSell, report.Direction)
	assert.Less(t, report.Score, 0.0)
}

func TestNewsAnalyzerNeutralOnNoEvents(t *testing.T) {
	a := NewNewsAnalyzer()
	report, err := a.Analyze(context.Background(), "EURUSD", MarketContext{})
	require.NoError(t, err)
	assert.True(t, report.Neutral)
}

func TestNewsAnalyzerAlwaysNeutralDirectionWithPenalizedConfidence(t *testing.T) {
	a := NewNewsAnalyzer()
	now := time.Now()
	report, err := a.Analyze(context.Background(), "EURUSD", MarketContext{
		Events: []types.NewsEvent{
			{Impact: 3, Time: now.Add(30 * time.Minute)},
			{Impact: 1, Time: now.Add(-time.Hour)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, types.DirectionNeutral, report.Direction)
	assert.Equal(t, 3, report.Fields["maxImpact"])
	assert.Equal(t, 1, report.Fields["upcomingEvents"])
	assert.Equal(t, clamp(100-3*15, 10, 100), report.Confidence)
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

func TestTechnicalAnalyzerUsesTalibPathWithEnoughBars(t *testing.T) {
	a := NewTechnicalAnalyzer()
	bars := ascendingBars(30)
	report, err := a.Analyze(context.Background(), "EURUSD", MarketContext{Bars: bars})
	require.NoError(t, err)
	assert.False(t, report.Neutral)
	assert.Equal(t, 30, report.Fields["barsUsed"])
	assert.Contains(t, report.Fields, "volatilityState")
	// A strictly ascending close series should read bullish RSI/MACD momentum.
	assert.Equal(t, types.DirectionBuy, report.Direction)
}

func TestTechnicalAnalyzerFallsBackToSnapshotWithFewBars(t *testing.T) {
	a := NewTechnicalAnalyzer()
	report, err := a.Analyze(context.Background(), "EURUSD", MarketContext{
		Bars: ascendingBars(5),
		Snapshot: &types.Snapshot{
			PerTimeframe: map[types.Timeframe]types.TFSnapshot{
				types.TimeframeM15: {Direction: types.DirectionBuy},
				types.TimeframeH1:  {Direction: types.DirectionBuy},
				types.TimeframeM30: {Direction: types.DirectionSell},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "snapshot", report.Fields["source"])
	assert.Equal(t, types.DirectionBuy, report.Direction)
}

func TestTechnicalAnalyzerNeutralWithNoBarsOrSnapshot(t *testing.T) {
	a := NewTechnicalAnalyzer()
	report, err := a.Analyze(context.Background(), "EURUSD", MarketContext{})
	require.NoError(t, err)
	assert.True(t, report.Neutral)
	assert.Equal(t, "no_bars_no_snapshot", report.Error)
}

func TestCandleAnalyzerBullishLastBar(t *testing.T) {
	a := NewCandleAnalyzer()
	report, err := a.Analyze(context.Background(), "EURUSD", MarketContext{
		Bars: []types.Bar{{
			Open:  decimal.NewFromFloat(1.1000),
			High:  decimal.NewFromFloat(1.1050),
			Low:   decimal.NewFromFloat(1.0990),
			Close: decimal.NewFromFloat(1.1045),
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, types.DirectionBuy, report.Direction)
	assert.Equal(t, true, report.Fields["bullish"])
}

func TestCandleAnalyzerBearishLastBar(t *testing.T) {
	a := NewCandleAnalyzer()
	report, err := a.Analyze(context.Background(), "EURUSD", MarketContext{
		Bars: []types.Bar{{
			Open:  decimal.NewFromFloat(1.1050),
			High:  decimal.NewFromFloat(1.1060),
			Low:   decimal.NewFromFloat(1.0990),
			Close: decimal.NewFromFloat(1.0995),
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, types.DirectionSell, report.Direction)
	assert.Equal(t, false, report.Fields["bullish"])
}

func TestCandleAnalyzerNeutralOnNoBars(t *testing.T) {
	a := NewCandleAnalyzer()
	report, err := a.Analyze(context.Background(), "EURUSD", MarketContext{})
	require.NoError(t, err)
	assert.True(t, report.Neutral)
	assert.Equal(t, "no_candles", report.Error)
}

func TestCandleAnalyzerNeutralOnZeroRange(t *testing.T) {
	a := NewCandleAnalyzer()
	report, err := a.Analyze(context.Background(), "EURUSD", MarketContext{
		Bars: []types.Bar{{
			Open:  decimal.NewFromFloat(1.1000),
			High:  decimal.NewFromFloat(1.1000),
			Low:   decimal.NewFromFloat(1.1000),
			Close: decimal.NewFromFloat(1.1000),
		}},
	})
	require.NoError(t, err)
	assert.True(t, report.Neutral)
	assert.Equal(t, "zero_range", report.Error)
}

func TestRegistryRegistersAndLooksUpAllKinds(t *testing.T) {
	r := NewRegistry(
		NewEconomicAnalyzer(),
		NewNewsAnalyzer(),
		NewTechnicalAnalyzer(),
		NewCandleAnalyzer(),
	)

	for _, kind := range []Kind{KindEconomic, KindNews, KindTechnical, KindCandle} {
		a, ok := r.Get(kind)
		require.True(t, ok, "expected %s to be registered", kind)
		assert.Equal(t, kind, a.Kind())
	}

	_, ok := r.Get(Kind("unknown"))
	assert.False(t, ok)
}
