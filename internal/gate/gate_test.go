package gate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
)

func strongSignal(at time.Time) *types.Signal {
	return &types.Signal{
		Pair:             "EURUSD",
		Direction:        types.DirectionBuy,
		Strength:         85,
		Confidence:       85,
		EstimatedWinRate: 65,
		Timestamp:        at,
		Entry:            &types.Entry{RiskReward: decimal.NewFromFloat(2.5)},
	}
}

func TestValidateEntersOnStrongSignal(t *testing.T) {
	g := New(NewMemory())
	now := time.Now()
	decision := g.Validate(Inputs{
		Signal:     strongSignal(now),
		AssetClass: types.AssetClassForex,
		Config:     types.ConfigSnapshot{Env: "development"},
		Now:        now,
	})
	require.Equal(t, types.DecisionEnter, decision.State)
	assert.False(t, decision.Blocked)
}

func TestValidateBlocksOnCriticalDataQuality(t *testing.T) {
	g := New(NewMemory())
	now := time.Now()
	decision := g.Validate(Inputs{
		Signal:     strongSignal(now),
		AssetClass: types.AssetClassForex,
		Quality:    types.QualityReport{Status: types.QualityCritical, Recommendation: types.RecommendBlock},
		Config:     types.ConfigSnapshot{Env: "development"},
		Now:        now,
	})
	assert.Equal(t, types.DecisionBlocked, decision.State)
	assert.True(t, decision.Blocked)
	assert.Equal(t, "hard_check", decision.Category)
}

func TestValidateBlocksOnActiveNewsBlackout(t *testing.T) {
	g := New(NewMemory())
	now := time.Now()
	decision := g.Validate(Inputs{
		Signal:     strongSignal(now),
		AssetClass: types.AssetClassForex,
		NewsEvents: []types.NewsEvent{{Impact: 3, Time: now.Add(2 * time.Minute)}},
		Config: types.ConfigSnapshot{
			Env:        "development",
			RiskLimits: types.RiskLimits{NewsBlackoutMinutes: 30, NewsBlackoutImpactThreshold: 2},
		},
		Now: now,
	})
	assert.Equal(t, types.DecisionBlocked, decision.State)
	assert.Contains(t, decision.Blockers, "noHighImpactNewsSoon")
}

func TestValidateWaitMonitorOnWeakSignal(t *testing.T) {
	g := New(NewMemory())
	now := time.Now()
	weak := strongSignal(now)
	weak.Strength = 10
	weak.Confidence = 10
	weak.EstimatedWinRate = 20
	decision := g.Validate(Inputs{
		Signal:     weak,
		AssetClass: types.AssetClassForex,
		Config:     types.ConfigSnapshot{Env: "development"},
		Now:        now,
	})
	assert.Equal(t, types.DecisionWaitMonitor, decision.State)
	assert.NotEmpty(t, decision.Missing)
}

func TestValidateRecordsRejectionForNonEnterDecision(t *testing.T) {
	mem := NewMemory()
	g := New(mem)
	now := time.Now()
	weak := strongSignal(now)
	weak.Strength = 5
	weak.Confidence = 5
	g.Validate(Inputs{Signal: weak, AssetClass: types.AssetClassForex, Config: types.ConfigSnapshot{Env: "development"}, Now: now})
	assert.NotEmpty(t, mem.Rejections())
}

func TestValidateKillSwitchBlocksInStrictMode(t *testing.T) {
	g := New(NewMemory())
	now := time.Now()
	// A setup timestamped an hour ago has long since blown through the
	// signal_ttl layer's window, which strict mode treats as a kill switch.
	decision := g.Validate(Inputs{
		Signal:     strongSignal(now.Add(-time.Hour)),
		AssetClass: types.AssetClassForex,
		Config:     types.ConfigSnapshot{Env: "production", EAOnlyMode: true},
		Now:        now,
	})
	assert.Equal(t, types.DecisionBlocked, decision.State)
	assert.Equal(t, "killswitch", decision.Category)
	assert.Contains(t, decision.Blockers, "signal_ttl")
}
