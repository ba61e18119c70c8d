package config

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
)

func TestDefaultConfigSnapshotIsInternallyConsistent(t *testing.T) {
	snap := DefaultConfigSnapshot()

	assert.Equal(t, "development", snap.Env)
	assert.False(t, snap.EAOnlyMode)
	assert.True(t, snap.ConfluenceEnabled)
	assert.False(t, snap.LoadedAt.IsZero())

	assert.True(t, snap.RiskLimits.RiskPerTrade.LessThan(snap.RiskLimits.MaxDailyRisk))
	assert.True(t, snap.RiskLimits.MinKellyFraction.LessThan(snap.RiskLimits.MaxKellyFraction))
	assert.Len(t, snap.RiskLimits.VolatilityRiskMultipliers, 4)

	assert.Equal(t, "sqlite", snap.Persistence.Driver)
	assert.Equal(t, "/ws", snap.Server.WebSocketPath)
}

func TestLoadOverlaysEnvironmentOverDefaults(t *testing.T) {
	t.Setenv("NODE_ENV", "production")
	t.Setenv("EA_ONLY_MODE", "true")
	t.Setenv("SERVER_PORT", "9191")
	t.Setenv("FX_ATR_PIPS_MIN", "5.5")

	snap, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "production", snap.Env)
	assert.True(t, snap.EAOnlyMode)
	assert.Equal(t, 9191, snap.Server.Port)
	assert.True(t, snap.FXAtrPipsMin.Equal(decimal.NewFromFloat(5.5)))
}

func TestLoadLeavesUnsetFieldsAtDefault(t *testing.T) {
	snap, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfigSnapshot().Server.Host, snap.Server.Host)
	assert.Equal(t, types.VolatilityState("normal"), types.VolatilityNormal)
}
