// Package types provides configuration types for the signal engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskLimits bounds position sizing and portfolio exposure.
type RiskLimits struct {
	MinSignalStrength                float64                             `json:"minSignalStrength"`
	RiskPerTrade                     decimal.Decimal                     `json:"riskPerTrade"`
	MaxDailyRisk                     decimal.Decimal                     `json:"maxDailyRisk"`
	MaxConcurrentTrades              int                                 `json:"maxConcurrentTrades"`
	MaxKellyFraction                 decimal.Decimal                     `json:"maxKellyFraction"`
	MinKellyFraction                 decimal.Decimal                     `json:"minKellyFraction"`
	VolatilityRiskMultipliers        map[VolatilityState]decimal.Decimal `json:"volatilityRiskMultipliers"`
	CorrelationPenaltySamePair       decimal.Decimal                     `json:"correlationPenaltySamePair"`
	CorrelationPenaltySharedCurrency decimal.Decimal                     `json:"correlationPenaltySharedCurrency"`
	MaxExposurePerCurrency           decimal.Decimal                     `json:"maxExposurePerCurrency"`
	NewsBlackoutMinutes              int                                 `json:"newsBlackoutMinutes"`
	NewsBlackoutImpactThreshold      int                                 `json:"newsBlackoutImpactThreshold"`
	EnforceTradingWindows            bool                                `json:"enforceTradingWindows"`
	TradingWindowsLondon             []TimeWindow                        `json:"tradingWindowsLondon"`
	EnforceSpreadToATRHard           bool                                `json:"enforceSpreadToAtrHard"`
	MaxSpreadToATRHard               decimal.Decimal                     `json:"maxSpreadToAtrHard"`
	MaxSpreadToTPHard                decimal.Decimal                     `json:"maxSpreadToTpHard"`
	BarsMaxAgeM15Ms                  int64                               `json:"barsMaxAgeM15Ms"`
	BarsMaxAgeH1Ms                   int64                               `json:"barsMaxAgeH1Ms"`
}

// TimeWindow is a UTC hour-of-day interval (e.g. London session hours).
type TimeWindow struct {
	StartHour int `json:"startHour"`
	EndHour   int `json:"endHour"`
}

// AutoTradingConfig governs the Trade Manager's realtime auto-trading loop.
type AutoTradingConfig struct {
	RealtimeMinConfidence       float64         `json:"realtimeMinConfidence"`
	RealtimeMinStrength         float64         `json:"realtimeMinStrength"`
	RealtimeRequireLayers18     bool            `json:"realtimeRequireLayers18"`
	SmartStrong                 bool            `json:"smartStrong"`
	SmartMinConfidence          float64         `json:"smartMinConfidence"`
	SmartMinStrength            float64         `json:"smartMinStrength"`
	SmartMinDecisionScore       float64         `json:"smartMinDecisionScore"`
	SmartExitMinProfitPct       decimal.Decimal `json:"smartExitMinProfitPct"`
	SmartExitNewsMinutes        int             `json:"smartExitNewsMinutes"`
	DynamicUniverseEnabled      bool            `json:"dynamicUniverseEnabled"`
	UniverseMaxAgeMs            int64           `json:"universeMaxAgeMs"`
	UniverseMaxSymbols          int             `json:"universeMaxSymbols"`
	MaxNewTradesPerCycle        int             `json:"maxNewTradesPerCycle"`
	RealtimeExecutionDebounceMs int64           `json:"realtimeExecutionDebounceMs"`
	RealtimeTradeCooldownMs     int64           `json:"realtimeTradeCooldownMs"`
	SignalCheckIntervalMs       int64           `json:"signalCheckIntervalMs"`
	MonitoringIntervalMs        int64           `json:"monitoringIntervalMs"`
	SignalGenerationIntervalMs  int64           `json:"signalGenerationIntervalMs"`
}

// DataQualityGuardConfig governs the circuit breaker's auto-reenable policy.
type DataQualityGuardConfig struct {
	AutoReenable                bool    `json:"autoReenable"`
	AutoReenableMinScore        float64 `json:"autoReenableMinScore"`
	AutoReenableMinHealthyCount int     `json:"autoReenableMinHealthyCount"`
	AutoReenableWindowMs        int64   `json:"autoReenableWindowMs"`
}

// ServerConfig represents HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	WebSocketPath  string        `json:"websocketPath"`
	ReadTimeout    time.Duration `json:"readTimeout"`
	WriteTimeout   time.Duration `json:"writeTimeout"`
	MaxConnections int           `json:"maxConnections"`
	EnableMetrics  bool          `json:"enableMetrics"`
	MetricsPort    int           `json:"metricsPort"`
}

// PersistenceConfig selects and configures the storage backend.
type PersistenceConfig struct {
	Driver     string `json:"driver"` // "sqlite" | "mysql"
	SQLitePath string `json:"sqlitePath"`
	MySQLDSN   string `json:"mysqlDsn,omitempty"`
}

// ConfigSnapshot is the single typed, frozen view of every environment
// variable and policy setting the engine reads. It is built once at
// startup; the broker connector variables (MT5 bridge address, Binance
// credentials and base URL) are read by cmd/server directly instead.
type ConfigSnapshot struct {
	Env        string `json:"env"` // NODE_ENV equivalent: "development" | "production" | "test"
	EAOnlyMode bool   `json:"eaOnlyMode"`

	SignalValidityMultiplier float64       `json:"signalValidityMultiplier"`
	SignalMinValidity        time.Duration `json:"signalMinValidity"`
	SignalMaxValidity        time.Duration `json:"signalMaxValidity"`
	SignalHardMinConfidence  float64       `json:"signalHardMinConfidence"`
	SignalHardMinStrength    float64       `json:"signalHardMinStrength"`

	ConfluenceMinScore           float64 `json:"confluenceMinScore"`
	ConfluenceEnabled            bool    `json:"confluenceEnabled"`
	ConfluenceAdvisorySmartFails bool    `json:"confluenceAdvisorySmartFails"`
	StrictSmartChecklist         bool    `json:"strictSmartChecklist"`

	EASignalMinConfidence         float64 `json:"eaSignalMinConfidence"`
	EASignalMinStrength           float64 `json:"eaSignalMinStrength"`
	EASignalLayers18MinConfluence float64 `json:"eaSignalLayers18MinConfluence"`
	EASignalAllowWaitMonitor      bool    `json:"eaSignalAllowWaitMonitor"`
	EADynamicTrailingEnabled      bool    `json:"eaDynamicTrailingEnabled"`
	EAPartialCloseEnabled         bool    `json:"eaPartialCloseEnabled"`
	EASessionStrict               bool    `json:"eaSessionStrict"`
	EABackgroundSignals           bool    `json:"eaBackgroundSignals"`
	EAScanIntervalMs              int64   `json:"eaScanIntervalMs"`
	EAScanBatchSize               int     `json:"eaScanBatchSize"`
	EAScanSymbolMaxAgeMs          int64   `json:"eaScanSymbolMaxAgeMs"`
	EAScanSymbolsMax              int     `json:"eaScanSymbolsMax"`
	EAScanAllowAllSymbols         bool    `json:"eaScanAllowAllSymbols"`

	AllowAllSymbols     bool `json:"allowAllSymbols"`
	RequireRealtimeData bool `json:"requireRealtimeData"`
	AllowSyntheticData  bool `json:"allowSyntheticData"`

	FXAtrPipsMin          decimal.Decimal `json:"fxAtrPipsMin"`
	FXAtrPipsMax          decimal.Decimal `json:"fxAtrPipsMax"`
	CryptoAtrPctSpike     decimal.Decimal `json:"cryptoAtrPctSpike"`
	CFDMaxSpreadRelative  decimal.Decimal `json:"cfdMaxSpreadRelative"`
	SweepAcceptBufferPips decimal.Decimal `json:"sweepAcceptBufferPips"`

	PostNewsRegimeWindowMinutes int `json:"postNewsRegimeWindowMinutes"`

	EventGovernorPreMinutes      int `json:"eventGovernorPreMinutes"`
	EventGovernorPostMinutes     int `json:"eventGovernorPostMinutes"`
	EventGovernorImpactThreshold int `json:"eventGovernorImpactThreshold"`

	QuoteTelemetryRetentionMinutes int `json:"quoteTelemetryRetentionMinutes"`
	QuoteTelemetryMaxPoints        int `json:"quoteTelemetryMaxPoints"`

	SignalSetupTTLMinutesFX        int             `json:"signalSetupTtlMinutesFx"`
	SignalSetupTTLMinutesCrypto    int             `json:"signalSetupTtlMinutesCrypto"`
	SignalMaxSLAtrRatio            decimal.Decimal `json:"signalMaxSlAtrRatio"`
	SignalMinTPFractionToLiquidity decimal.Decimal `json:"signalMinTpFractionToLiquidity"`

	SmartTradeSupervisorEnabled bool `json:"smartTradeSupervisorEnabled"`

	SignalDivergenceOpposingMinConfidence float64 `json:"signalDivergenceOpposingMinConfidence"`
	SignalMACDFlatEps                     float64 `json:"signalMacdFlatEps"`

	RiskLimits       RiskLimits             `json:"riskLimits"`
	AutoTrading      AutoTradingConfig      `json:"autoTrading"`
	DataQualityGuard DataQualityGuardConfig `json:"dataQualityGuard"`
	Server           ServerConfig           `json:"server"`
	Persistence      PersistenceConfig      `json:"persistence"`

	LoadedAt time.Time `json:"loadedAt"`
}

// KillSwitchConfig holds kill-switch bounds (drawdown, daily loss, loss
// streak, volatility, cooldown). It is not part of ConfigSnapshot and the
// decision gate does not read it.
type KillSwitchConfig struct {
	MaxDrawdownPct     decimal.Decimal `json:"maxDrawdownPct"`
	MaxDailyLossPct    decimal.Decimal `json:"maxDailyLossPct"`
	MaxConsecutiveLoss int             `json:"maxConsecutiveLoss"`
	MaxVolatility      decimal.Decimal `json:"maxVolatility"`
	CooldownPeriod     time.Duration   `json:"cooldownPeriod"`
}
