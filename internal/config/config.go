// Package config loads the single typed ConfigSnapshot the rest of the
// engine reads; only cmd/server's broker connector wiring calls os.Getenv
// directly. A
// viper-backed loader reads a documented environment-variable table, with
// .env support for local development.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
)

// DefaultConfigSnapshot returns the snapshot's baked-in defaults, matching
// the documented defaults and per-component
// defaults, with no environment overlaid.
func DefaultConfigSnapshot() types.ConfigSnapshot {
	return types.ConfigSnapshot{
		Env:        "development",
		EAOnlyMode: false,

		SignalValidityMultiplier: 3.0,
		SignalMinValidity:        30 * time.Second,
		SignalMaxValidity:        24 * time.Hour,
		SignalHardMinConfidence:  30,
		SignalHardMinStrength:    25,

		ConfluenceMinScore:           62,
		ConfluenceEnabled:            true,
		ConfluenceAdvisorySmartFails: true,
		StrictSmartChecklist:         false,

		EASignalMinConfidence:         45,
		EASignalMinStrength:           35,
		EASignalLayers18MinConfluence: 30,
		EASignalAllowWaitMonitor:      false,
		EADynamicTrailingEnabled:      true,
		EAPartialCloseEnabled:         false,
		EASessionStrict:               false,
		EABackgroundSignals:           true,
		EAScanIntervalMs:              15000,
		EAScanBatchSize:               180,
		EAScanSymbolMaxAgeMs:          12 * 60 * 1000,
		EAScanSymbolsMax:              500,
		EAScanAllowAllSymbols:         false,

		AllowAllSymbols:     false,
		RequireRealtimeData: true,
		AllowSyntheticData:  false,

		FXAtrPipsMin:          decimal.NewFromInt(3),
		FXAtrPipsMax:          decimal.NewFromInt(300),
		CryptoAtrPctSpike:     decimal.NewFromFloat(2.2),
		CFDMaxSpreadRelative:  decimal.NewFromFloat(0.35),
		SweepAcceptBufferPips: decimal.NewFromFloat(1.2),

		PostNewsRegimeWindowMinutes: 30,

		EventGovernorPreMinutes:      15,
		EventGovernorPostMinutes:     15,
		EventGovernorImpactThreshold: 2,

		QuoteTelemetryRetentionMinutes: 30,
		QuoteTelemetryMaxPoints:        2400,

		SignalSetupTTLMinutesFX:        25,
		SignalSetupTTLMinutesCrypto:    45,
		SignalMaxSLAtrRatio:            decimal.NewFromFloat(1.8),
		SignalMinTPFractionToLiquidity: decimal.NewFromFloat(0.45),

		SmartTradeSupervisorEnabled: true,

		SignalDivergenceOpposingMinConfidence: 60,
		SignalMACDFlatEps:                     0.00005,

		RiskLimits: types.RiskLimits{
			MinSignalStrength:   25,
			RiskPerTrade:        decimal.NewFromFloat(0.02),
			MaxDailyRisk:        decimal.NewFromFloat(0.06),
			MaxConcurrentTrades: 5,
			MaxKellyFraction:    decimal.NewFromFloat(0.25),
			MinKellyFraction:    decimal.NewFromFloat(0.01),
			VolatilityRiskMultipliers: map[types.VolatilityState]decimal.Decimal{
				types.VolatilityCalm:     decimal.NewFromFloat(1.15),
				types.VolatilityNormal:   decimal.NewFromFloat(1.0),
				types.VolatilityVolatile: decimal.NewFromFloat(0.72),
				types.VolatilityExtreme:  decimal.NewFromFloat(0.55),
			},
			CorrelationPenaltySamePair:       decimal.NewFromFloat(0.35),
			CorrelationPenaltySharedCurrency: decimal.NewFromFloat(0.65),
			MaxExposurePerCurrency:           decimal.NewFromFloat(0.30),
			NewsBlackoutMinutes:              15,
			NewsBlackoutImpactThreshold:      2,
			EnforceTradingWindows:            false,
			TradingWindowsLondon:             []types.TimeWindow{{StartHour: 7, EndHour: 16}},
			EnforceSpreadToATRHard:           true,
			MaxSpreadToATRHard:               decimal.NewFromFloat(0.30),
			MaxSpreadToTPHard:                decimal.NewFromFloat(0.12),
			BarsMaxAgeM15Ms:                  20 * 60 * 1000,
			BarsMaxAgeH1Ms:                   3 * 60 * 60 * 1000,
		},
		AutoTrading: types.AutoTradingConfig{
			RealtimeMinConfidence:       45,
			RealtimeMinStrength:         35,
			RealtimeRequireLayers18:     false,
			SmartStrong:                 false,
			SmartMinConfidence:          55,
			SmartMinStrength:            45,
			SmartMinDecisionScore:       50,
			SmartExitMinProfitPct:       decimal.NewFromFloat(0.35),
			SmartExitNewsMinutes:        20,
			DynamicUniverseEnabled:      true,
			UniverseMaxAgeMs:            12 * 60 * 1000,
			UniverseMaxSymbols:          500,
			MaxNewTradesPerCycle:        1,
			RealtimeExecutionDebounceMs: 500,
			RealtimeTradeCooldownMs:     3 * 60 * 1000,
			SignalCheckIntervalMs:       15 * 60 * 1000,
			MonitoringIntervalMs:        10 * 1000,
			SignalGenerationIntervalMs:  5 * 60 * 1000,
		},
		DataQualityGuard: types.DataQualityGuardConfig{
			AutoReenable:                true,
			AutoReenableMinScore:        78,
			AutoReenableMinHealthyCount: 2,
			AutoReenableWindowMs:        4 * 60 * 1000,
		},
		Server: types.ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			WebSocketPath:  "/ws",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			MaxConnections: 500,
			EnableMetrics:  true,
			MetricsPort:    9090,
		},
		Persistence: types.PersistenceConfig{
			Driver:     "sqlite",
			SQLitePath: "./data/fx-signal-engine.db",
		},

		LoadedAt: time.Now(),
	}
}

// Load builds a ConfigSnapshot from defaults overlaid with a .env file (if
// present) and the process environment, using viper as the single source of
// truth the rest of the engine reads from.
func Load(envFile string) (types.ConfigSnapshot, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile) // optional; absence is not an error
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	snap := DefaultConfigSnapshot()

	if env := v.GetString("NODE_ENV"); env != "" {
		snap.Env = env
	}
	bindBool(v, "EA_ONLY_MODE", &snap.EAOnlyMode)

	bindFloat(v, "SIGNAL_VALIDITY_MULTIPLIER", &snap.SignalValidityMultiplier)
	bindDurationMs(v, "SIGNAL_MIN_VALIDITY_MS", &snap.SignalMinValidity)
	bindDurationMs(v, "SIGNAL_MAX_VALIDITY_MS", &snap.SignalMaxValidity)
	bindFloat(v, "SIGNAL_HARD_MIN_CONFIDENCE", &snap.SignalHardMinConfidence)
	bindFloat(v, "SIGNAL_HARD_MIN_STRENGTH", &snap.SignalHardMinStrength)

	bindFloat(v, "SIGNAL_CONFLUENCE_MIN_SCORE", &snap.ConfluenceMinScore)
	bindBool(v, "SIGNAL_CONFLUENCE_ENABLED", &snap.ConfluenceEnabled)
	bindBool(v, "SIGNAL_CONFLUENCE_ADVISORY_SMART_FAILS", &snap.ConfluenceAdvisorySmartFails)
	bindBool(v, "EA_STRICT_SMART_CHECKLIST", &snap.StrictSmartChecklist)

	bindFloat(v, "EA_SIGNAL_MIN_CONFIDENCE", &snap.EASignalMinConfidence)
	bindFloat(v, "EA_SIGNAL_MIN_STRENGTH", &snap.EASignalMinStrength)
	bindFloat(v, "EA_SIGNAL_LAYERS18_MIN_CONFLUENCE", &snap.EASignalLayers18MinConfluence)
	bindBool(v, "EA_SIGNAL_ALLOW_WAIT_MONITOR", &snap.EASignalAllowWaitMonitor)
	bindBool(v, "EA_DYNAMIC_TRAILING_ENABLED", &snap.EADynamicTrailingEnabled)
	bindBool(v, "EA_PARTIAL_CLOSE_ENABLED", &snap.EAPartialCloseEnabled)
	bindBool(v, "EA_SESSION_STRICT", &snap.EASessionStrict)
	bindBool(v, "EA_BACKGROUND_SIGNALS", &snap.EABackgroundSignals)
	bindInt64(v, "EA_SCAN_INTERVAL_MS", &snap.EAScanIntervalMs)
	bindInt(v, "EA_SCAN_BATCH_SIZE", &snap.EAScanBatchSize)
	bindInt64(v, "EA_SCAN_SYMBOL_MAX_AGE_MS", &snap.EAScanSymbolMaxAgeMs)
	bindInt(v, "EA_SCAN_SYMBOLS_MAX", &snap.EAScanSymbolsMax)
	bindBool(v, "EA_SCAN_ALLOW_ALL_SYMBOLS", &snap.EAScanAllowAllSymbols)

	bindBool(v, "ALLOW_ALL_SYMBOLS", &snap.AllowAllSymbols)
	bindBool(v, "REQUIRE_REALTIME_DATA", &snap.RequireRealtimeData)
	bindBool(v, "ALLOW_SYNTHETIC_DATA", &snap.AllowSyntheticData)

	bindDecimal(v, "FX_ATR_PIPS_MIN", &snap.FXAtrPipsMin)
	bindDecimal(v, "FX_ATR_PIPS_MAX", &snap.FXAtrPipsMax)
	bindDecimal(v, "CRYPTO_ATR_PCT_SPIKE", &snap.CryptoAtrPctSpike)
	bindDecimal(v, "CFD_MAX_SPREAD_RELATIVE", &snap.CFDMaxSpreadRelative)
	bindDecimal(v, "SWEEP_ACCEPT_BUFFER_PIPS", &snap.SweepAcceptBufferPips)

	bindInt(v, "POST_NEWS_REGIME_WINDOW_MINUTES", &snap.PostNewsRegimeWindowMinutes)
	bindInt(v, "EVENT_GOVERNOR_PRE_MINUTES", &snap.EventGovernorPreMinutes)
	bindInt(v, "EVENT_GOVERNOR_POST_MINUTES", &snap.EventGovernorPostMinutes)
	bindInt(v, "EVENT_GOVERNOR_IMPACT_THRESHOLD", &snap.EventGovernorImpactThreshold)

	bindInt(v, "QUOTE_TELEMETRY_RETENTION_MINUTES", &snap.QuoteTelemetryRetentionMinutes)
	bindInt(v, "QUOTE_TELEMETRY_MAX_POINTS", &snap.QuoteTelemetryMaxPoints)

	bindInt(v, "SIGNAL_SETUP_TTL_MINUTES", &snap.SignalSetupTTLMinutesFX)
	bindDecimal(v, "SIGNAL_MAX_SL_ATR_RATIO", &snap.SignalMaxSLAtrRatio)
	bindDecimal(v, "SIGNAL_MIN_TP_FRACTION_TO_LIQUIDITY", &snap.SignalMinTPFractionToLiquidity)

	bindBool(v, "SMART_TRADE_SUPERVISOR_ENABLED", &snap.SmartTradeSupervisorEnabled)
	bindDecimal(v, "SMART_EXIT_MIN_PROFIT_PCT", &snap.AutoTrading.SmartExitMinProfitPct)
	bindInt(v, "SMART_EXIT_NEWS_MINUTES", &snap.AutoTrading.SmartExitNewsMinutes)

	bindFloat(v, "SIGNAL_DIVERGENCE_OPPOSING_MIN_CONF", &snap.SignalDivergenceOpposingMinConfidence)
	bindFloat(v, "SIGNAL_MACD_FLAT_EPS", &snap.SignalMACDFlatEps)

	bindString(v, "PERSISTENCE_DRIVER", &snap.Persistence.Driver)
	bindString(v, "PERSISTENCE_SQLITE_PATH", &snap.Persistence.SQLitePath)
	bindString(v, "PERSISTENCE_MYSQL_DSN", &snap.Persistence.MySQLDSN)

	bindString(v, "SERVER_HOST", &snap.Server.Host)
	bindInt(v, "SERVER_PORT", &snap.Server.Port)

	snap.LoadedAt = time.Now()
	return snap, nil
}

func bindBool(v *viper.Viper, key string, dst *bool) {
	if v.IsSet(key) {
		*dst = v.GetBool(key)
	}
}

func bindFloat(v *viper.Viper, key string, dst *float64) {
	if v.IsSet(key) {
		*dst = v.GetFloat64(key)
	}
}

func bindInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func bindInt64(v *viper.Viper, key string, dst *int64) {
	if v.IsSet(key) {
		*dst = v.GetInt64(key)
	}
}

func bindString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func bindDurationMs(v *viper.Viper, key string, dst *time.Duration) {
	if v.IsSet(key) {
		*dst = time.Duration(v.GetInt64(key)) * time.Millisecond
	}
}

func bindDecimal(v *viper.Viper, key string, dst *decimal.Decimal) {
	if v.IsSet(key) {
		if d, err := decimal.NewFromString(v.GetString(key)); err == nil {
			*dst = d
		}
	}
}
