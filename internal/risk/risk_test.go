package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-signal-engine/internal/catalog"
	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
)

type recordingAlerts struct {
	calls []string
}

func (r *recordingAlerts) PublishRiskAlert(alertType, severity, pair, message string, current, threshold decimal.Decimal) {
	r.calls = append(r.calls, severity)
}

func sampleSignal(pair string) *types.Signal {
	return &types.Signal{
		Pair:      pair,
		Direction: types.DirectionBuy,
		Entry: &types.Entry{
			Price:        decimal.NewFromFloat(1.1000),
			StopLoss:     decimal.NewFromFloat(1.0950),
			StopLossPips: decimal.NewFromFloat(50),
			RiskReward:   decimal.NewFromFloat(2),
		},
	}
}

func TestCalculateRiskManagementNeutralSignalCannotTrade(t *testing.T) {
	e := New(zap.NewNop(), DefaultConfig(), catalog.New(catalog.DefaultSeed()), &recordingAlerts{}, func() []*types.Trade { return nil })
	rm := e.CalculateRiskManagement(&types.Signal{Direction: types.DirectionNeutral}, decimal.NewFromInt(10000), types.VolatilityNormal, 0.55)
	assert.False(t, rm.CanTrade)
	assert.Equal(t, "no_entry_or_neutral_direction", rm.Reason)
}

func TestCalculateRiskManagementSizesPositionForValidSignal(t *testing.T) {
	e := New(zap.NewNop(), DefaultConfig(), catalog.New(catalog.DefaultSeed()), &recordingAlerts{}, func() []*types.Trade { return nil })
	rm := e.CalculateRiskManagement(sampleSignal("EURUSD"), decimal.NewFromInt(10000), types.VolatilityNormal, 0.6)
	require.True(t, rm.CanTrade)
	assert.True(t, rm.PositionSize.IsPositive())
	assert.True(t, rm.RiskFraction.LessThanOrEqual(DefaultConfig().RiskPerTrade))
}

func TestCorrelationPenaltyDiscountsSamePairExposure(t *testing.T) {
	// Lift the per-trade cap so both fractions are not clamped to the same
	// RiskPerTrade ceiling and the penalty stays visible.
	cfg := DefaultConfig()
	cfg.RiskPerTrade = decimal.NewFromFloat(1)
	open := []*types.Trade{{Pair: "EURUSD", Status: types.TradeStatusOpen}}
	e := New(zap.NewNop(), cfg, catalog.New(catalog.DefaultSeed()), &recordingAlerts{}, func() []*types.Trade { return open })

	rmWithOpen := e.CalculateRiskManagement(sampleSignal("EURUSD"), decimal.NewFromInt(10000), types.VolatilityNormal, 0.6)

	eNoOpen := New(zap.NewNop(), cfg, catalog.New(catalog.DefaultSeed()), &recordingAlerts{}, func() []*types.Trade { return nil })
	rmNoOpen := eNoOpen.CalculateRiskManagement(sampleSignal("EURUSD"), decimal.NewFromInt(10000), types.VolatilityNormal, 0.6)

	assert.True(t, rmWithOpen.RiskFraction.LessThan(rmNoOpen.RiskFraction))
}

func TestMonitorExposurePublishesAlertPastWarningThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxExposurePerCurrency = decimal.NewFromFloat(1000)
	alerts := &recordingAlerts{}
	e := New(zap.NewNop(), cfg, catalog.New(catalog.DefaultSeed()), alerts, func() []*types.Trade { return nil })

	e.monitorExposure("EURUSD", map[string]decimal.Decimal{"EUR": decimal.NewFromFloat(950)})
	require.Len(t, alerts.calls, 1)
	assert.Equal(t, "warning", alerts.calls[0])

	// Cooldown should suppress an immediate repeat for the same currency.
	e.monitorExposure("EURUSD", map[string]decimal.Decimal{"EUR": decimal.NewFromFloat(950)})
	assert.Len(t, alerts.calls, 1)
}

func TestUpdateVaRMetricsNotReadyBelowMinSamples(t *testing.T) {
	e := New(zap.NewNop(), DefaultConfig(), catalog.New(catalog.DefaultSeed()), &recordingAlerts{}, func() []*types.Trade { return nil })
	e.RecordDailyReturn("acct", -0.01)
	snap := e.UpdateVaRMetrics("acct")
	assert.False(t, snap.Ready)
}

func TestUpdateVaRMetricsReadyAboveMinSamples(t *testing.T) {
	e := New(zap.NewNop(), DefaultConfig(), catalog.New(catalog.DefaultSeed()), &recordingAlerts{}, func() []*types.Trade { return nil })
	for i := 0; i < 25; i++ {
		e.RecordDailyReturn("acct", -0.02)
	}
	snap := e.UpdateVaRMetrics("acct")
	require.True(t, snap.Ready)
	assert.Greater(t, snap.ValuePct, 0.0)
}

func TestBuildCorrelationSnapshotBlocksOversizedCluster(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClusterSize = 2
	cfg.CorrelationThreshold = 0.5
	open := []*types.Trade{
		{Pair: "EURUSD", Status: types.TradeStatusOpen},
		{Pair: "GBPUSD", Status: types.TradeStatusOpen},
	}
	e := New(zap.NewNop(), cfg, catalog.New(catalog.DefaultSeed()), &recordingAlerts{}, func() []*types.Trade { return open })

	snap := e.BuildCorrelationSnapshot(nil)
	assert.True(t, snap.Blocked)
	assert.Len(t, snap.Correlations, 1)
}
