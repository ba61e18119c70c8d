package quality

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-signal-engine/internal/events"
	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
)

type fakeBarSource struct {
	bars []types.Bar
}

func (f fakeBarSource) RecentBars(broker types.Broker, symbol string, tf types.Timeframe, limit int) []types.Bar {
	return f.bars
}

type fakeSpreadSource struct {
	pips decimal.Decimal
	ok   bool
}

func (f fakeSpreadSource) CurrentSpreadPips(broker types.Broker, symbol string) (decimal.Decimal, bool) {
	return f.pips, f.ok
}

func cleanBars(n int, interval time.Duration) []types.Bar {
	start := time.Now().Add(-time.Duration(n) * interval)
	bars := make([]types.Bar, n)
	price := decimal.NewFromFloat(1.1000)
	for i := 0; i < n; i++ {
		t := start.Add(time.Duration(i) * interval)
		bars[i] = types.Bar{Time: t, Open: price, High: price, Low: price, Close: price, Volume: decimal.NewFromInt(100)}
	}
	return bars
}

func TestAssessHealthyCleanSeriesScoresHigh(t *testing.T) {
	bars := cleanBars(250, 15*time.Minute)
	guard := New(fakeBarSource{bars: bars}, fakeSpreadSource{pips: decimal.NewFromFloat(1.0), ok: true}, zap.NewNop())

	report := guard.Assess(types.BrokerMT5, "EURUSD", Options{
		Timeframes:       []types.Timeframe{types.TimeframeM15},
		BarsPerTimeframe: 240,
	})

	assert.Equal(t, types.QualityHealthy, report.Status)
	assert.Equal(t, types.RecommendProceed, report.Recommendation)
	assert.GreaterOrEqual(t, report.Score, 90.0)
}

func TestAssessTooFewBarsIsStaleAndPenalized(t *testing.T) {
	guard := New(fakeBarSource{bars: []types.Bar{{Time: time.Now()}}}, fakeSpreadSource{}, zap.NewNop())
	report := guard.Assess(types.BrokerMT5, "EURUSD", Options{Timeframes: []types.Timeframe{types.TimeframeM15}})
	tfReport := report.TimeframeReports[types.TimeframeM15]
	assert.True(t, tfReport.Stale)
	assert.Less(t, tfReport.Score, 100.0)
}

func TestAssessCriticalSpreadTripsCircuitBreaker(t *testing.T) {
	bars := cleanBars(250, 15*time.Minute)
	guard := New(fakeBarSource{bars: bars}, fakeSpreadSource{pips: decimal.NewFromFloat(10), ok: true}, zap.NewNop())

	report := guard.Assess(types.BrokerMT5, "EURUSD", Options{
		Timeframes:       []types.Timeframe{types.TimeframeM15},
		BarsPerTimeframe: 240,
		Category:         types.CategoryMajors,
	})

	require.Equal(t, types.SpreadStatusCritical, report.Spread.Status)
	require.NotNil(t, report.CircuitBreaker)
	assert.Equal(t, "wide_spread", report.CircuitBreaker.Reason)

	// A second assessment while the breaker is still active should report it
	// again rather than re-tripping or clearing it.
	second := guard.Assess(types.BrokerMT5, "EURUSD", Options{
		Timeframes:       []types.Timeframe{types.TimeframeM15},
		BarsPerTimeframe: 240,
		Category:         types.CategoryMajors,
	})
	require.NotNil(t, second.CircuitBreaker)
}

func TestAssessCircuitBreakerTripAndClearPublishEvents(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop(), events.EventBusConfig{NumWorkers: 2, BufferSize: 16})
	t.Cleanup(bus.Close)

	received := make(chan *events.CircuitBreakerEvent, 2)
	bus.Subscribe(events.EventTypeCircuitBreaker, func(e events.Event) error {
		received <- e.(*events.CircuitBreakerEvent)
		return nil
	}, events.SubscriptionOptions{Async: false})

	bars := cleanBars(250, 15*time.Minute)
	guard := New(fakeBarSource{bars: bars}, fakeSpreadSource{pips: decimal.NewFromFloat(10), ok: true}, zap.NewNop())
	guard.SetEventBus(bus)

	report := guard.Assess(types.BrokerMT5, "EURUSD", Options{
		Timeframes:       []types.Timeframe{types.TimeframeM15},
		BarsPerTimeframe: 240,
		Category:         types.CategoryMajors,
	})
	require.NotNil(t, report.CircuitBreaker)

	select {
	case ev := <-received:
		assert.Equal(t, "EURUSD", ev.Pair)
		assert.False(t, ev.Cleared)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for circuit breaker trip event")
	}
}

func TestAssessSanityFailureFlagsBar(t *testing.T) {
	bars := cleanBars(10, 15*time.Minute)
	bars[5].High = decimal.NewFromFloat(1.0)
	bars[5].Low = decimal.NewFromFloat(2.0) // high < low: invalid bar
	guard := New(fakeBarSource{bars: bars}, fakeSpreadSource{}, zap.NewNop())

	report := guard.Assess(types.BrokerMT5, "EURUSD", Options{Timeframes: []types.Timeframe{types.TimeframeM15}})
	tfReport := report.TimeframeReports[types.TimeframeM15]
	assert.Equal(t, 1, tfReport.SanityFailures)
}

func TestSyntheticRelaxedBoostsScore(t *testing.T) {
	guard := New(fakeBarSource{bars: []types.Bar{{Time: time.Now()}}}, fakeSpreadSource{}, zap.NewNop())
	relaxed := guard.Assess(types.BrokerMT5, "EURUSD", Options{Timeframes: []types.Timeframe{types.TimeframeM15}, SyntheticRelaxed: true})
	strict := guard.Assess(types.BrokerMT4, "EURUSD", Options{Timeframes: []types.Timeframe{types.TimeframeM15}, SyntheticRelaxed: false})
	assert.Greater(t, relaxed.Score, strict.Score)
}
