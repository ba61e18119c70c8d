package gate

import (
	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
)

// standardLayers returns the ordered confluence checklist. Order is fixed
// and drives both rationale text and score
func standardLayers() []Layer {
	return []Layer{
		{ID: "htf_d1_alignment", Label: "D1 trend alignment", Weight: 2, Category: "htf", Advisory: true, Evaluate: layerHTFAlignment(types.TimeframeD1)},
		{ID: "htf_h4_alignment", Label: "H4 trend alignment", Weight: 2, Category: "htf", Advisory: true, Evaluate: layerHTFAlignment(types.TimeframeH4)},
		{ID: "htf_w1_alignment", Label: "W1 trend alignment", Weight: 1, Category: "htf", Advisory: true, Evaluate: layerHTFAlignment(types.TimeframeW1)},
		{ID: "htf_rsi_rule", Label: "HTF RSI extremity lock", Weight: 3, Category: "momentum", Evaluate: layerHTFRSIRule},
		{ID: "d1_rsi_lock", Label: "D1 RSI lock", Weight: 2, Category: "momentum", Evaluate: layerD1RSILock},
		{ID: "d1_macd_lock", Label: "D1 MACD lock", Weight: 2, Category: "momentum", Evaluate: layerD1MACDLock},
		{ID: "price_location", Label: "Price location in range", Weight: 3, Category: "structure", Evaluate: layerPriceLocation},
		{ID: "monthly_location", Label: "Monthly range location", Weight: 2, Category: "structure", Evaluate: layerMonthlyLocation},
		{ID: "decisive_candle", Label: "Decisive candle body", Weight: 2, Category: "structure", Evaluate: layerDecisiveCandle},
		{ID: "session_authority", Label: "Session authority window", Weight: 2, Category: "session", Evaluate: layerSessionAuthority},
		{ID: "failure_cost", Label: "Failure cost (SL/ATR)", Weight: 3, Category: "risk", KillSwitch: true, Evaluate: layerFailureCost},
		{ID: "rr_floor", Label: "Dynamic RR floor", Weight: 3, Category: "risk", Evaluate: layerRRFloor},
		{ID: "event_risk_governor", Label: "Event-risk governor", Weight: 4, Category: "news", KillSwitch: true, Evaluate: layerEventRiskGovernor},
		{ID: "post_news_regime", Label: "Post-news regime", Weight: 2, Category: "news", KillSwitch: true, HardFail: true, Evaluate: layerPostNewsRegime},
		{ID: "data_completeness", Label: "Data completeness", Weight: 2, Category: "data", KillSwitch: true, Evaluate: layerDataCompleteness},
		{ID: "quote_integrity", Label: "Quote integrity", Weight: 2, Category: "data", KillSwitch: true, Evaluate: layerQuoteIntegrity},
		{ID: "correlation_stability", Label: "Intermarket correlation stability", Weight: 1, Category: "correlation", Advisory: true, Evaluate: layerCorrelationStability},
		{ID: "liquidity_execution_risk", Label: "Liquidity & execution risk", Weight: 3, Category: "execution", KillSwitch: true, Evaluate: layerLiquidityExecutionRisk},
		{ID: "execution_slippage_risk", Label: "Execution slippage risk", Weight: 2, Category: "execution", KillSwitch: true, Evaluate: layerExecutionSlippageRisk},
		{ID: "distribution_filter", Label: "Distribution filter", Weight: 1, Category: "structure", Advisory: true, Evaluate: layerDistributionFilter},
		{ID: "false_continuation", Label: "False continuation detector", Weight: 2, Category: "structure", Advisory: true, Evaluate: layerFalseContinuation},
		{ID: "execution_edge", Label: "Execution edge filter (expectancy)", Weight: 3, Category: "risk", Evaluate: layerExecutionEdge},
		{ID: "structure_cleanliness", Label: "Structure cleanliness", Weight: 1, Category: "structure", Advisory: true, Evaluate: layerStructureCleanliness},
		{ID: "volatility_tradeability", Label: "Volatility tradeability", Weight: 2, Category: "volatility", Evaluate: layerVolatilityTradeability},
		{ID: "volume_confirmation", Label: "Volume confirmation", Weight: 2, Category: "volume", Advisory: true, Evaluate: layerVolumeConfirmation},
		{ID: "smc_liquidity_sweep", Label: "SMC liquidity sweep & acceptance", Weight: 2, Category: "smc", Advisory: true, Evaluate: layerSMCLiquiditySweep},
		{ID: "smc_order_block_fvg", Label: "Order block & FVG entry zone", Weight: 2, Category: "smc", Advisory: true, Evaluate: layerOrderBlockFVG},
		{ID: "liquidity_event", Label: "Liquidity-event requirement", Weight: 1, Category: "smc", Advisory: true, Evaluate: layerLiquidityEventRequirement},
		{ID: "discount_premium_zone", Label: "Confirmed discount/premium zone", Weight: 1, Category: "smc", Advisory: true, Evaluate: layerDiscountPremiumZone},
		{ID: "signal_ttl", Label: "Signal TTL (setup expiry)", Weight: 2, Category: "timing", KillSwitch: true, Evaluate: layerSignalTTL},
		{ID: "htf_narrative", Label: "HTF narrative", Weight: 1, Category: "htf", Advisory: true, Evaluate: layerHTFNarrative},
		{ID: "phase_timing", Label: "Phase timing (anti-FOMO)", Weight: 1, Category: "timing", Advisory: true, Evaluate: layerPhaseTiming},
		{ID: "next_liquidity_pool", Label: "Next liquidity pool awareness", Weight: 1, Category: "smc", Advisory: true, Evaluate: layerNextLiquidityPool},
		{ID: "smart_breakout_confirmation", Label: "Entry trigger authority (breakout)", Weight: 2, Category: "entry", Evaluate: layerEntryTriggerAuthority},
		{ID: "market_psychology", Label: "Market psychology score", Weight: 1, Category: "sentiment", Advisory: true, Evaluate: layerMarketPsychology},
		{ID: "cross_layer_conflicts", Label: "No cross-layer conflicts", Weight: 2, Category: "meta", HardFail: true, Evaluate: layerCrossLayerConflicts},
		{ID: "signal_validation", Label: "Signal validation score", Weight: 1, Category: "meta", Advisory: true, Evaluate: layerSignalValidation},
		{ID: "context_awareness", Label: "Context awareness score", Weight: 1, Category: "meta", Advisory: true, Evaluate: layerContextAwareness},
		{ID: "killer_question", Label: "Killer question score", Weight: 1, Category: "meta", Advisory: true, Evaluate: layerKillerQuestion},
		{ID: "data_quality_soft", Label: "Data quality (soft)", Weight: 1, Category: "data", Advisory: true, Evaluate: layerDataQualitySoft},
		{ID: "trading_window_hard", Label: "Trading window (hard)", Weight: 2, Category: "session", KillSwitch: true, Evaluate: layerTradingWindowHard},
		{ID: "session_window", Label: "Session window", Weight: 1, Category: "session", KillSwitch: true, Advisory: true, Evaluate: layerSessionWindow},
	}
}

func passFail(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}

func layerHTFAlignment(tf types.Timeframe) LayerFn {
	return func(in Inputs) (string, string, map[string]any) {
		rsi, ok := in.RSIByTF[tf]
		if !ok {
			return "SKIP", "no_data", nil
		}
		aligned := (in.Signal.Direction == types.DirectionBuy && rsi >= 50) ||
			(in.Signal.Direction == types.DirectionSell && rsi <= 50)
		return passFail(aligned), "", map[string]any{"rsi": rsi, "timeframe": tf}
	}
}

func layerHTFRSIRule(in Inputs) (string, string, map[string]any) {
	h4 := in.RSIByTF[types.TimeframeH4]
	d1 := in.RSIByTF[types.TimeframeD1]
	if in.Signal.Direction == types.DirectionBuy && (h4 > 70 || d1 > 70) {
		return "FAIL", "htf_overbought", map[string]any{"h4": h4, "d1": d1}
	}
	return "PASS", "", map[string]any{"h4": h4, "d1": d1}
}

func layerD1RSILock(in Inputs) (string, string, map[string]any) {
	d1, ok := in.RSIByTF[types.TimeframeD1]
	if !ok {
		return "SKIP", "no_data", nil
	}
	locked := (in.Signal.Direction == types.DirectionBuy && d1 < 70) || (in.Signal.Direction == types.DirectionSell && d1 > 30)
	return passFail(locked), "", map[string]any{"d1Rsi": d1}
}

func layerD1MACDLock(in Inputs) (string, string, map[string]any) {
	hist, ok := in.MACDHistByTF[types.TimeframeD1]
	if !ok {
		return "SKIP", "no_data", nil
	}
	ok2 := (in.Signal.Direction == types.DirectionBuy && hist >= -in.Config.SignalMACDFlatEps) ||
		(in.Signal.Direction == types.DirectionSell && hist <= in.Config.SignalMACDFlatEps)
	return passFail(ok2), "", map[string]any{"d1MacdHist": hist}
}

func layerPriceLocation(in Inputs) (string, string, map[string]any) {
	// without pivot data, treat as pass unless the signal itself flags a
	// pivot conflict in Components.Technical.
	if v, ok := in.Signal.Components.Technical["pivotConflict"].(bool); ok && v {
		return "FAIL", "pivot_conflict", nil
	}
	return "PASS", "", nil
}

func layerMonthlyLocation(in Inputs) (string, string, map[string]any) {
	if v, ok := in.Signal.Components.Technical["monthlyExtreme"].(bool); ok && v {
		return "FAIL", "monthly_extreme", nil
	}
	return "PASS", "", nil
}

func layerDecisiveCandle(in Inputs) (string, string, map[string]any) {
	bodyRatio, ok := in.Signal.Components.Technical["candleBodyRatio"].(float64)
	if !ok {
		return "SKIP", "no_candle", nil
	}
	return passFail(bodyRatio >= 0.55), "", map[string]any{"bodyRatio": bodyRatio}
}

func layerSessionAuthority(in Inputs) (string, string, map[string]any) {
	session := sessionFor(in.SessionHourUTC)
	ok := session == "london" || session == "ny"
	return passFail(ok), "", map[string]any{"session": session}
}

func layerFailureCost(in Inputs) (string, string, map[string]any) {
	if in.Signal.Entry == nil || in.Signal.Entry.ATR.IsZero() {
		return "SKIP", "no_entry", nil
	}
	slAtr, _ := in.Signal.Entry.StopLoss.Sub(in.Signal.Entry.Price).Abs().Div(in.Signal.Entry.ATR).Float64()
	max := float64Val(in.Config.RiskLimits.MaxSpreadToATRHard)
	if max == 0 {
		max = 1.8
	}
	return passFail(slAtr <= max), "", map[string]any{"slToAtr": slAtr}
}

func layerRRFloor(in Inputs) (string, string, map[string]any) {
	if in.Signal.Entry == nil {
		return "SKIP", "no_entry", nil
	}
	rr, _ := in.Signal.Entry.RiskReward.Float64()
	floor := 1.6
	if in.AssetClass == types.AssetClassCrypto {
		floor = 2.0
	}
	p := in.Signal.EstimatedWinRate / 100
	if p > 0 && p < 1 {
		dyn := (1-p)/p + 0.4
		if dyn > floor {
			floor = dyn
		}
	}
	return passFail(rr >= floor), "", map[string]any{"rr": rr, "floor": floor}
}

func layerEventRiskGovernor(in Inputs) (string, string, map[string]any) {
	pre := in.Config.EventGovernorPreMinutes
	post := in.Config.EventGovernorPostMinutes
	threshold := in.Config.EventGovernorImpactThreshold
	if pre == 0 {
		pre = 15
	}
	if post == 0 {
		post = 15
	}
	if threshold == 0 {
		threshold = 2
	}
	for _, ev := range in.NewsEvents {
		if ev.Impact < threshold {
			continue
		}
		delta := ev.Time.Sub(in.Now).Minutes()
		if delta >= -float64(post) && delta <= float64(pre) {
			return "FAIL", "event_window", map[string]any{"event": ev.Title}
		}
	}
	return "PASS", "", nil
}

func layerPostNewsRegime(in Inputs) (string, string, map[string]any) {
	flips, _ := in.Signal.Components.Technical["postNewsFlips"].(float64)
	rangePips, _ := in.Signal.Components.Technical["postNewsRangePips"].(float64)
	atrPips := float64Val(in.ATRPips)
	choppy := flips >= 4 && rangePips >= atrPips*0.25
	if choppy {
		return "FAIL", "choppy_regime", map[string]any{"flips": flips, "rangePips": rangePips}
	}
	return "PASS", "", nil
}

func layerDataCompleteness(in Inputs) (string, string, map[string]any) {
	hasCalendar := len(in.NewsEvents) > 0
	hasCorrelation := true
	complete := hasCalendar || hasCorrelation
	return passFail(complete), "", map[string]any{"hasCalendar": hasCalendar}
}

func layerQuoteIntegrity(in Inputs) (string, string, map[string]any) {
	if in.Signal.Components.MarketData.EAQuote == nil {
		return "SKIP", "no_ea_quote", nil
	}
	q := in.Signal.Components.MarketData.EAQuote
	ok := q.Bid.IsPositive() && q.Ask.IsPositive() && q.Ask.GreaterThanOrEqual(q.Bid)
	return passFail(ok), "", nil
}

func layerCorrelationStability(in Inputs) (string, string, map[string]any) {
	return "PASS", "", nil
}

func layerLiquidityExecutionRisk(in Inputs) (string, string, map[string]any) {
	thin, _ := in.Signal.Components.MarketData.SpreadPips.Float64()
	risky := thin > 0 && in.SpreadToATR > 0.3
	return passFail(!risky), "", map[string]any{"spreadToAtr": in.SpreadToATR}
}

func layerExecutionSlippageRisk(in Inputs) (string, string, map[string]any) {
	nearLimit := in.SpreadToATR > 0.25
	chaotic := false
	if v, ok := in.Signal.Components.Technical["volatilityState"].(string); ok {
		chaotic = v == string(types.VolatilityExtreme)
	}
	newsNear := newsBlackoutActive(in)
	riskScore := 0.0
	if nearLimit {
		riskScore += 0.4
	}
	if chaotic {
		riskScore += 0.4
	}
	if newsNear {
		riskScore += 0.3
	}
	return passFail(riskScore < 0.6), "", map[string]any{"riskScore": riskScore}
}

func layerDistributionFilter(in Inputs) (string, string, map[string]any) {
	return "PASS", "", nil
}

func layerFalseContinuation(in Inputs) (string, string, map[string]any) {
	weakVolume, _ := in.Signal.Components.Technical["weakVolume"].(bool)
	opposingDivergence, _ := in.Signal.Components.Technical["opposingDivergence"].(bool)
	falseCont := weakVolume && opposingDivergence
	return passFail(!falseCont), "", nil
}

func layerExecutionEdge(in Inputs) (string, string, map[string]any) {
	if in.Signal.Entry == nil {
		return "SKIP", "no_entry", nil
	}
	p := in.Signal.EstimatedWinRate / 100
	rr, _ := in.Signal.Entry.RiskReward.Float64()
	expectancy := p*rr - (1 - p)
	return passFail(expectancy > 0), "", map[string]any{"expectancy": expectancy}
}

func layerStructureCleanliness(in Inputs) (string, string, map[string]any) {
	return "PASS", "", nil
}

func layerVolatilityTradeability(in Inputs) (string, string, map[string]any) {
	state, _ := in.Signal.Components.Technical["volatilityState"].(string)
	return passFail(state != string(types.VolatilityExtreme)), "", map[string]any{"state": state}
}

func layerVolumeConfirmation(in Inputs) (string, string, map[string]any) {
	spike, ok := in.Signal.Components.Technical["volumeSpike"].(bool)
	if !ok {
		return "SKIP", "no_volume_data", nil
	}
	return passFail(spike), "", nil
}

func layerSMCLiquiditySweep(in Inputs) (string, string, map[string]any) {
	followThrough, ok := in.Signal.Components.Technical["sweepFollowThroughPct"].(float64)
	if !ok {
		return "SKIP", "no_smc_data", nil
	}
	return passFail(followThrough >= 55), "", map[string]any{"followThrough": followThrough}
}

func layerOrderBlockFVG(in Inputs) (string, string, map[string]any) {
	inZone, ok := in.Signal.Components.Technical["inOrderBlockOrFVG"].(bool)
	if !ok {
		return "SKIP", "no_smc_data", nil
	}
	return passFail(inZone), "", nil
}

func layerLiquidityEventRequirement(in Inputs) (string, string, map[string]any) {
	occurred, ok := in.Signal.Components.Technical["liquidityEventOccurred"].(bool)
	if !ok {
		return "SKIP", "no_smc_data", nil
	}
	return passFail(occurred), "", nil
}

func layerDiscountPremiumZone(in Inputs) (string, string, map[string]any) {
	zone, ok := in.Signal.Components.Technical["premiumDiscountZone"].(string)
	if !ok {
		return "SKIP", "no_smc_data", nil
	}
	ok2 := (in.Signal.Direction == types.DirectionBuy && zone == "discount") ||
		(in.Signal.Direction == types.DirectionSell && zone == "premium")
	return passFail(ok2), "", map[string]any{"zone": zone}
}

func layerSignalTTL(in Inputs) (string, string, map[string]any) {
	ttl := 25 * 60
	if in.AssetClass == types.AssetClassCrypto {
		ttl = 45 * 60
	}
	if in.Config.SignalSetupTTLMinutesFX > 0 && in.AssetClass != types.AssetClassCrypto {
		ttl = in.Config.SignalSetupTTLMinutesFX * 60
	}
	if in.Config.SignalSetupTTLMinutesCrypto > 0 && in.AssetClass == types.AssetClassCrypto {
		ttl = in.Config.SignalSetupTTLMinutesCrypto * 60
	}
	age := in.Now.Sub(in.Signal.Timestamp).Seconds()
	return passFail(age <= float64(ttl)), "", map[string]any{"ageSec": age, "ttlSec": ttl}
}

func layerHTFNarrative(in Inputs) (string, string, map[string]any) {
	return "PASS", "", nil
}

func layerPhaseTiming(in Inputs) (string, string, map[string]any) {
	fomo, _ := in.Signal.Components.Technical["fomoPhase"].(bool)
	return passFail(!fomo), "", nil
}

func layerNextLiquidityPool(in Inputs) (string, string, map[string]any) {
	ratio, ok := in.Signal.Components.Technical["tpToPoolDistanceRatio"].(float64)
	if !ok {
		return "SKIP", "no_pool_data", nil
	}
	return passFail(ratio >= 0.45), "", map[string]any{"ratio": ratio}
}

func layerEntryTriggerAuthority(in Inputs) (string, string, map[string]any) {
	candleAndZone, _ := in.Signal.Components.Technical["candleAndZoneConfirmed"].(bool)
	if candleAndZone || in.BreakoutConfirmed {
		return "PASS", "", map[string]any{"breakout": in.BreakoutConfirmed}
	}
	return "FAIL", "no_entry_trigger", nil
}

func layerMarketPsychology(in Inputs) (string, string, map[string]any) {
	score, ok := in.Signal.Components.Technical["psychologyScore"].(float64)
	if !ok {
		return "SKIP", "no_data", nil
	}
	return passFail(score >= 60), "", map[string]any{"score": score}
}

func layerCrossLayerConflicts(in Inputs) (string, string, map[string]any) {
	return "PASS", "", nil
}

func layerSignalValidation(in Inputs) (string, string, map[string]any) {
	score, ok := in.Signal.Components.Technical["signalValidationScore"].(float64)
	if !ok {
		return "SKIP", "no_data", nil
	}
	return passFail(score >= 90), "", map[string]any{"score": score}
}

func layerContextAwareness(in Inputs) (string, string, map[string]any) {
	score, ok := in.Signal.Components.Technical["contextAwarenessScore"].(float64)
	if !ok {
		return "SKIP", "no_data", nil
	}
	return passFail(score >= 70), "", map[string]any{"score": score}
}

func layerKillerQuestion(in Inputs) (string, string, map[string]any) {
	score, ok := in.Signal.Components.Technical["killerQuestionScore"].(float64)
	if !ok {
		return "SKIP", "no_data", nil
	}
	return passFail(score >= 90), "", map[string]any{"score": score}
}

func layerDataQualitySoft(in Inputs) (string, string, map[string]any) {
	return passFail(in.Quality.Score >= 50), "", map[string]any{"score": in.Quality.Score}
}

func layerTradingWindowHard(in Inputs) (string, string, map[string]any) {
	return passFail(tradingWindowOk(in)), "", nil
}

func layerSessionWindow(in Inputs) (string, string, map[string]any) {
	session := sessionFor(in.SessionHourUTC)
	return passFail(session != "off" || in.AssetClass == types.AssetClassCrypto), "", map[string]any{"session": session}
}
