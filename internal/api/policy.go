package api

import "github.com/atlas-desktop/fx-signal-engine/pkg/types"

// serverPolicy is the authority/gate/execution configuration pushed to EA
// agents on heartbeat and on /agent/config.
type serverPolicy struct {
	Authority       authorityPolicy       `json:"authority"`
	Gates           gatesPolicy           `json:"gates"`
	Execution       executionPolicy       `json:"execution"`
	TradeManagement tradeManagementPolicy `json:"tradeManagement"`
	Runtime         runtimePolicy         `json:"runtime"`
	AutoTrading     autoTradingPolicy     `json:"autoTrading"`
}

type authorityPolicy struct {
	Decision   string `json:"decision"`
	Execution  string `json:"execution"`
	Management string `json:"management"`
}

type gatesPolicy struct {
	NewsBlackoutMinutes         int                `json:"newsBlackoutMinutes"`
	NewsBlackoutImpactThreshold int                `json:"newsBlackoutImpactThreshold"`
	EnforceTradingWindows       bool               `json:"enforceTradingWindows"`
	TradingWindowsLondon        []types.TimeWindow `json:"tradingWindowsLondon"`
	EnforceSpreadToATRHard      bool               `json:"enforceSpreadToAtrHard"`
	MaxSpreadToATRHard          float64            `json:"maxSpreadToAtrHard"`
	MaxSpreadToTPHard           float64            `json:"maxSpreadToTpHard"`
	RequireBarsCoverage         bool               `json:"requireBarsCoverage"`
	BarsMinM15                  int                `json:"barsMinM15"`
	BarsMinH1                   int                `json:"barsMinH1"`
	BarsMaxAgeM15Ms             int64              `json:"barsMaxAgeM15Ms"`
	BarsMaxAgeH1Ms              int64              `json:"barsMaxAgeH1Ms"`
	RequireHTFDirection         bool               `json:"requireHtfDirection"`
}

type executionPolicy struct {
	RequiresEnterState        bool     `json:"requiresEnterState"`
	MinConfidence             float64  `json:"minConfidence"`
	MinStrength               float64  `json:"minStrength"`
	RequireLayers18           bool     `json:"requireLayers18"`
	AllowWaitMonitorExecution bool     `json:"allowWaitMonitorExecution"`
	AssetClasses              []string `json:"assetClasses"`
}

type tradeManagementPolicy struct {
	DynamicTrailingEnabled bool `json:"dynamicTrailingEnabled"`
	PartialCloseEnabled    bool `json:"partialCloseEnabled"`
	SessionStrict          bool `json:"sessionStrict"`
	NewsGuard              bool `json:"newsGuard"`
	LiquidityGuard         bool `json:"liquidityGuard"`
}

type runtimePolicy struct {
	RequireRealtimeData bool `json:"requireRealtimeData"`
	AllowSyntheticData  bool `json:"allowSyntheticData"`
	AllowAllSymbols     bool `json:"allowAllSymbols"`
}

type autoTradingPolicy struct {
	Enabled                        bool `json:"enabled"`
	RealtimeSignalExecutionEnabled bool `json:"realtimeSignalExecutionEnabled"`
	MaxNewTradesPerCycle           int  `json:"maxNewTradesPerCycle"`
}

// buildServerPolicy derives the policy payload from a live ConfigSnapshot.
func buildServerPolicy(cfg types.ConfigSnapshot) serverPolicy {
	strict := cfg.Env == "production" && cfg.EAOnlyMode

	decisionAuthority := "advisory"
	if strict {
		decisionAuthority = "server"
	}

	assetClasses := []string{"forex", "metals"}

	return serverPolicy{
		Authority: authorityPolicy{
			Decision:   decisionAuthority,
			Execution:  "server",
			Management: "server",
		},
		Gates: gatesPolicy{
			NewsBlackoutMinutes:         cfg.RiskLimits.NewsBlackoutMinutes,
			NewsBlackoutImpactThreshold: cfg.RiskLimits.NewsBlackoutImpactThreshold,
			EnforceTradingWindows:       cfg.RiskLimits.EnforceTradingWindows,
			TradingWindowsLondon:        cfg.RiskLimits.TradingWindowsLondon,
			EnforceSpreadToATRHard:      cfg.RiskLimits.EnforceSpreadToATRHard,
			MaxSpreadToATRHard:          mustFloat(cfg.RiskLimits.MaxSpreadToATRHard),
			MaxSpreadToTPHard:           mustFloat(cfg.RiskLimits.MaxSpreadToTPHard),
			RequireBarsCoverage:         true,
			BarsMinM15:                  60,
			BarsMinH1:                   20,
			BarsMaxAgeM15Ms:             cfg.RiskLimits.BarsMaxAgeM15Ms,
			BarsMaxAgeH1Ms:              cfg.RiskLimits.BarsMaxAgeH1Ms,
			RequireHTFDirection:         cfg.EAOnlyMode,
		},
		Execution: executionPolicy{
			RequiresEnterState:        !cfg.EASignalAllowWaitMonitor,
			MinConfidence:             cfg.EASignalMinConfidence,
			MinStrength:               cfg.EASignalMinStrength,
			RequireLayers18:           cfg.AutoTrading.RealtimeRequireLayers18,
			AllowWaitMonitorExecution: cfg.EASignalAllowWaitMonitor,
			AssetClasses:              assetClasses,
		},
		TradeManagement: tradeManagementPolicy{
			DynamicTrailingEnabled: cfg.EADynamicTrailingEnabled,
			PartialCloseEnabled:    cfg.EAPartialCloseEnabled,
			SessionStrict:          cfg.EASessionStrict,
			NewsGuard:              true,
			LiquidityGuard:         true,
		},
		Runtime: runtimePolicy{
			RequireRealtimeData: cfg.RequireRealtimeData,
			AllowSyntheticData:  cfg.AllowSyntheticData,
			AllowAllSymbols:     cfg.AllowAllSymbols,
		},
		AutoTrading: autoTradingPolicy{
			Enabled:                        cfg.EABackgroundSignals,
			RealtimeSignalExecutionEnabled: cfg.SmartTradeSupervisorEnabled,
			MaxNewTradesPerCycle:           cfg.AutoTrading.MaxNewTradesPerCycle,
		},
	}
}

func mustFloat(d interface{ InexactFloat64() float64 }) float64 {
	return d.InexactFloat64()
}
