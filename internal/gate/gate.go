// Package gate implements the Decision Gate ("validateSignal"): a
// deterministic, single-threaded scoring and veto pipeline that turns a raw
// signal into a tri-state ENTER / WAIT_MONITOR / NO_TRADE_BLOCKED decision.
// The confluence checklist is modeled as a declarative ordered list of layer
// descriptors, so adding or removing a layer is a data change rather than a
// code edit.
package gate

import (
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// Inputs is everything the gate needs for one deterministic evaluation.
// Assembled by the orchestration coordinator from the raw signal plus the
// analyzer reports and quality assessment that produced it.
type Inputs struct {
	Signal            *types.Signal
	AssetClass        types.AssetClass
	Quality           types.QualityReport
	NewsEvents        []types.NewsEvent
	RSIByTF           map[types.Timeframe]float64
	MACDHistByTF      map[types.Timeframe]float64
	ATRPips           decimal.Decimal
	BarsCoverage      map[types.Timeframe]int
	BarsAgeMs         map[types.Timeframe]int64
	SpreadPips        decimal.Decimal
	SpreadToATR       float64
	SpreadToTP        float64
	SessionHourUTC    int
	ActiveTrades      int
	BreakoutConfirmed bool
	Config            types.ConfigSnapshot
	Now               time.Time
}

// Profile lowers or raises contributor floors by asset class and mode.
// profileFor knows the "aggressive" and "smart_strong" modes, but Validate
// passes Config.Env as the mode and ConfigSnapshot has no profile setting,
// so only the balanced floors (with asset-class adjustments) are applied.
type Profile struct {
	Name           string
	EnterScore     float64
	MinConfluence  float64
	ContributorMin map[string]float64
}

func profileFor(assetClass types.AssetClass, mode string) Profile {
	base := Profile{
		Name:          "balanced",
		EnterScore:    62,
		MinConfluence: 62,
		ContributorMin: map[string]float64{
			"direction": 0.5, "strength": 0.5, "probability": 0.5,
			"confidence": 0.5, "riskReward": 0.4, "spreadEfficiency": 0.45,
		},
	}
	switch mode {
	case "aggressive":
		base.Name = "aggressive"
		base.EnterScore = 56
		base.MinConfluence = 55
		for k := range base.ContributorMin {
			base.ContributorMin[k] -= 0.08
		}
	case "smart_strong":
		base.Name = "smart_strong"
		base.EnterScore = 50
		base.MinConfluence = 50
		for k := range base.ContributorMin {
			base.ContributorMin[k] -= 0.15
		}
	}
	switch assetClass {
	case types.AssetClassCrypto:
		base.ContributorMin["riskReward"] += 0.1 // dynamic RR floor is 2.0 for crypto
	case types.AssetClassCFD:
		base.ContributorMin["spreadEfficiency"] += 0.05
	}
	return base
}

// LayerFn evaluates one confluence layer given inputs, returning a status
// (PASS/FAIL/SKIP), a rationale, and structured metrics.
type LayerFn func(in Inputs) (status string, reason string, metrics map[string]any)

// Layer is one declarative confluence-checklist entry.
type Layer struct {
	ID         string
	Label      string
	Weight     float64
	Category   string
	Advisory   bool // advisory-prefixed layers degrade FAIL->SKIP outside strict mode
	KillSwitch bool // member of the curated kill-switch set
	HardFail   bool // a FAIL here can downgrade ENTER to WAIT_MONITOR regardless of score
	Evaluate   LayerFn
}

// Memory holds the bounded per-pair decision-memory ring (last 8 scores)
// and a process-wide rejection audit ring (<=200)
// and step 8.
type Memory struct {
	mu           sync.Mutex
	decisionRing map[string][]types.DecisionMemoryPoint
	rejections   []Rejection
}

// Rejection is one recorded non-ENTER outcome for diagnostics.
type Rejection struct {
	Pair     string
	Reason   string
	Category string
	At       time.Time
}

func NewMemory() *Memory {
	return &Memory{decisionRing: make(map[string][]types.DecisionMemoryPoint)}
}

func (m *Memory) push(pair string, pt types.DecisionMemoryPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring := append(m.decisionRing[pair], pt)
	if len(ring) > 8 {
		ring = ring[len(ring)-8:]
	}
	m.decisionRing[pair] = ring
}

func (m *Memory) momentum(pair string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring := m.decisionRing[pair]
	if len(ring) < 2 {
		return 0
	}
	return ring[len(ring)-1].Score01 - ring[0].Score01
}

func (m *Memory) recordRejection(r Rejection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections = append(m.rejections, r)
	if len(m.rejections) > 200 {
		m.rejections = m.rejections[len(m.rejections)-200:]
	}
}

// Rejections returns a snapshot of the rejection audit ring.
func (m *Memory) Rejections() []Rejection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Rejection(nil), m.rejections...)
}

// Gate runs validateSignal. It is stateless across calls except for the
// bounded Memory rings.
type Gate struct {
	memory *Memory
	layers []Layer
}

// New builds a gate with the standard layer table.
func New(memory *Memory) *Gate {
	return &Gate{memory: memory, layers: standardLayers()}
}

// killSwitchSet is the curated subset of layer IDs whose union of failures
// trips the kill switch in strict mode
var killSwitchSet = map[string]bool{
	"event_risk_governor":      true,
	"post_news_regime":         true,
	"data_completeness":        true,
	"quote_integrity":          true,
	"liquidity_execution_risk": true,
	"execution_slippage_risk":  true,
	"trading_window_hard":      true,
	"session_window":           true,
	"signal_ttl":               true,
	"failure_cost":             true,
}

// Validate runs the full pipeline and returns the populated Decision.
func (g *Gate) Validate(in Inputs) types.Decision {
	profile := profileFor(in.AssetClass, in.Config.Env)
	if in.Config.AllowSyntheticData {
		// no direct profile effect; relaxation happens in the quality guard
	}

	hardChecks := g.runHardChecks(in)
	allHardPass := true
	var blockers []string
	for name, ok := range hardChecks {
		if !ok {
			allHardPass = false
			blockers = append(blockers, name)
		}
	}
	sort.Strings(blockers)

	contributors := g.contributors(in, profile)
	weighted01 := weightedMean(contributors)

	newsMod := newsModifier(in)
	sessionMod := sessionModifier(in)
	qualityPenalty := dataQualityPenalty(in.Quality)
	momentum := g.memory.momentum(in.Signal.Pair)
	momentumBoost := clamp(1+momentum*0.06, 0.9, 1.1)

	score := 100 * clamp01(weighted01*newsMod*sessionMod*qualityPenalty*momentumBoost)

	strictMode := in.Config.Env == "production" && in.Config.EAOnlyMode
	mode := "advisory"
	if strictMode {
		mode = "strict"
	}

	layerResults := make([]types.LayerResult, 0, len(g.layers))
	var hardFails []string
	var killFails []string
	passWeight, totalWeight := 0.0, 0.0
	for _, l := range g.layers {
		status, reason, metrics := l.Evaluate(in)
		if status == "FAIL" && l.Advisory && mode == "advisory" {
			status = "SKIP"
		}
		if status == "FAIL" && in.BreakoutConfirmed && (l.ID == "price_location" || l.ID == "monthly_location") {
			status = "PASS"
			reason = "overridden_by_breakout_confirmation"
		}
		layerResults = append(layerResults, types.LayerResult{
			ID: l.ID, Label: l.Label, Status: status, Weight: l.Weight, Category: l.Category, Metrics: metrics,
		})
		if status != "SKIP" {
			totalWeight += l.Weight
			if status == "PASS" {
				passWeight += l.Weight
			}
		}
		if status == "FAIL" {
			if l.HardFail {
				hardFails = append(hardFails, l.ID)
			}
			if l.KillSwitch && killSwitchSet[l.ID] {
				killFails = append(killFails, l.ID)
			}
			_ = reason
		}
	}
	confluenceScore := 0.0
	if totalWeight > 0 {
		confluenceScore = passWeight / totalWeight * 100
	}
	confluencePassed := in.Config.ConfluenceEnabled == false || (len(hardFails) == 0 && confluenceScore >= profile.MinConfluence)

	killSwitch := strictMode && len(killFails) > 0

	decision := types.Decision{
		AssetClass:   in.AssetClass,
		Score:        score,
		KillSwitch:   killSwitch,
		Profile:      profile.Name,
		Contributors: contributors,
		Modifiers: map[string]float64{
			"news": newsMod, "session": sessionMod, "dataQuality": qualityPenalty, "momentum": momentumBoost,
		},
		Confluence: types.ConfluenceResult{
			Passed:    confluencePassed,
			Score:     confluenceScore,
			MinScore:  profile.MinConfluence,
			Mode:      mode,
			HardFails: hardFails,
			Layers:    layerResults,
		},
	}

	switch {
	case !allHardPass || killSwitch:
		decision.State = types.DecisionBlocked
		decision.Blocked = true
		decision.Category = "hard_check"
		if killSwitch {
			decision.Category = "killswitch"
			blockers = append(blockers, killFails...)
		}
		decision.Blockers = blockers
	case in.Signal.Direction != types.DirectionNeutral && score >= profile.EnterScore:
		if in.Config.ConfluenceEnabled && (len(hardFails) > 0 || confluenceScore < profile.MinConfluence) {
			decision.State = types.DecisionWaitMonitor
			decision.Category = "confluence"
			decision.Missing = []string{"Confluence score above " + itoaf(profile.MinConfluence) + "/100 (layer alignment)"}
		} else {
			decision.State = types.DecisionEnter
		}
	default:
		decision.State = types.DecisionWaitMonitor
		decision.Missing, decision.WhatWouldChange = missingFor(in, profile, score, contributors)
	}

	g.memory.push(in.Signal.Pair, types.DecisionMemoryPoint{Score01: score / 100, State: decision.State, At: in.Now})
	if decision.State != types.DecisionEnter {
		reason := decision.Category
		if reason == "" {
			reason = "below_threshold"
		}
		g.memory.recordRejection(Rejection{Pair: in.Signal.Pair, Reason: reason, Category: decision.Category, At: in.Now})
	}

	return decision
}

func (g *Gate) runHardChecks(in Inputs) map[string]bool {
	checks := map[string]bool{
		"marketDataFresh":      in.Quality.Status != types.QualityCritical,
		"spreadOk":             spreadOk(in),
		"noHighImpactNewsSoon": !newsBlackoutActive(in),
		"withinRiskLimit":      in.Config.RiskLimits.MaxConcurrentTrades == 0 || in.ActiveTrades < in.Config.RiskLimits.MaxConcurrentTrades,
		"withinTradingWindow":  tradingWindowOk(in),
		"dataQualityOk":        in.Quality.Recommendation != types.RecommendBlock,
		"fxAtrRangeOk":         fxAtrRangeOk(in),
		"momentumRsiOk":        momentumRSIOk(in),
		"momentumMacdOk":       momentumMACDOk(in),
		"htfAlignmentOk":       htfAlignmentOk(in),
		"cryptoVolSpikeOk":     cryptoVolSpikeOk(in),
		"executionCostOk":      executionCostOk(in),
		"barsCoverageOk":       barsCoverageOk(in),
	}
	return checks
}

func spreadOk(in Inputs) bool {
	switch in.AssetClass {
	case types.AssetClassCFD:
		return in.SpreadToATR <= float64Val(in.Config.CFDMaxSpreadRelative)
	default:
		return in.Quality.Spread.Status != types.SpreadStatusCritical
	}
}

func newsBlackoutActive(in Inputs) bool {
	blackout := time.Duration(in.Config.RiskLimits.NewsBlackoutMinutes) * time.Minute
	threshold := in.Config.RiskLimits.NewsBlackoutImpactThreshold
	for _, ev := range in.NewsEvents {
		if ev.Impact < threshold {
			continue
		}
		delta := ev.Time.Sub(in.Now)
		if delta < 0 {
			delta = -delta
		}
		if delta <= blackout {
			return true
		}
	}
	return false
}

func tradingWindowOk(in Inputs) bool {
	if in.AssetClass != types.AssetClassForex || !in.Config.RiskLimits.EnforceTradingWindows {
		return true
	}
	for _, w := range in.Config.RiskLimits.TradingWindowsLondon {
		if in.SessionHourUTC >= w.StartHour && in.SessionHourUTC < w.EndHour {
			return true
		}
	}
	return len(in.Config.RiskLimits.TradingWindowsLondon) == 0
}

func fxAtrRangeOk(in Inputs) bool {
	if in.AssetClass != types.AssetClassForex {
		return true
	}
	min := float64Val(in.Config.FXAtrPipsMin)
	max := float64Val(in.Config.FXAtrPipsMax)
	if min == 0 {
		min = 3
	}
	if max == 0 {
		max = 300
	}
	atr := float64Val(in.ATRPips)
	if atr <= 0 {
		return true // no ATR figure available: range not checked
	}
	return atr >= min && atr <= max
}

func momentumRSIOk(in Inputs) bool {
	for _, rsi := range in.RSIByTF {
		if in.Signal.Direction == types.DirectionBuy && rsi >= 78 {
			return false
		}
		if in.Signal.Direction == types.DirectionSell && rsi <= 22 {
			return false
		}
	}
	return true
}

func momentumMACDOk(in Inputs) bool {
	for _, hist := range in.MACDHistByTF {
		if in.Signal.Direction == types.DirectionBuy && hist < 0 {
			return false
		}
		if in.Signal.Direction == types.DirectionSell && hist > 0 {
			return false
		}
	}
	return true
}

func htfAlignmentOk(in Inputs) bool {
	h4 := in.RSIByTF[types.TimeframeH4]
	d1 := in.RSIByTF[types.TimeframeD1]
	if in.Signal.Direction == types.DirectionBuy && (h4 > 70 || d1 > 70) {
		return false
	}
	if in.Signal.Direction == types.DirectionSell && (h4 < 30 || d1 < 30) {
		return false
	}
	return true
}

func cryptoVolSpikeOk(in Inputs) bool {
	if in.AssetClass != types.AssetClassCrypto {
		return true
	}
	max := float64Val(in.Config.CryptoAtrPctSpike)
	if max == 0 {
		max = 2.2
	}
	atrPct, _ := in.Signal.Components.Technical["volatilityPct"].(float64)
	return atrPct <= max
}

func executionCostOk(in Inputs) bool {
	if !in.Config.RiskLimits.EnforceSpreadToATRHard {
		return true
	}
	maxAtr := float64Val(in.Config.RiskLimits.MaxSpreadToATRHard)
	maxTP := float64Val(in.Config.RiskLimits.MaxSpreadToTPHard)
	if maxAtr > 0 && in.SpreadToATR > maxAtr {
		return false
	}
	if maxTP > 0 && in.SpreadToTP > maxTP {
		return false
	}
	return true
}

func barsCoverageOk(in Inputs) bool {
	if len(in.BarsCoverage) == 0 {
		return true
	}
	m15, hasM15 := in.BarsCoverage[types.TimeframeM15]
	h1, hasH1 := in.BarsCoverage[types.TimeframeH1]
	if hasM15 && m15 < 60 {
		return false
	}
	if hasH1 && h1 < 20 {
		return false
	}
	if maxAge := in.Config.RiskLimits.BarsMaxAgeM15Ms; maxAge > 0 {
		if age, ok := in.BarsAgeMs[types.TimeframeM15]; ok && age > maxAge {
			return false
		}
	}
	if maxAge := in.Config.RiskLimits.BarsMaxAgeH1Ms; maxAge > 0 {
		if age, ok := in.BarsAgeMs[types.TimeframeH1]; ok && age > maxAge {
			return false
		}
	}
	return true
}

func (g *Gate) contributors(in Inputs, profile Profile) map[string]float64 {
	direction := 0.0
	if in.Signal.Direction != types.DirectionNeutral {
		direction = 1.0
	}
	rr := 0.0
	if in.Signal.Entry != nil {
		rr, _ = in.Signal.Entry.RiskReward.Float64()
	}
	spreadToAtrScore := clamp01(1 - in.SpreadToATR/0.22)
	spreadToTpScore := clamp01(1 - in.SpreadToTP/0.12)
	spreadEfficiency := (spreadToAtrScore + spreadToTpScore) / 2

	out := map[string]float64{
		"direction":        smoothstep(direction, profile.ContributorMin["direction"]),
		"strength":         smoothstep(in.Signal.Strength/100, profile.ContributorMin["strength"]),
		"probability":      smoothstep(in.Signal.EstimatedWinRate/100, profile.ContributorMin["probability"]),
		"confidence":       smoothstep(in.Signal.Confidence/100, profile.ContributorMin["confidence"]),
		"riskReward":       smoothstep(clamp01(rr/3), profile.ContributorMin["riskReward"]),
		"spreadEfficiency": smoothstep(spreadEfficiency, profile.ContributorMin["spreadEfficiency"]),
	}
	return out
}

func weightedMean(contributors map[string]float64) float64 {
	if len(contributors) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range contributors {
		sum += v
	}
	return sum / float64(len(contributors))
}

// smoothstep normalizes x against a floor: below floor maps toward 0,
// at/above floor maps toward 1 with a cubic ease.
func smoothstep(x, floor float64) float64 {
	if floor >= 1 {
		floor = 0.99
	}
	t := clamp01((x - floor) / (1 - floor))
	return t * t * (3 - 2*t)
}

func newsModifier(in Inputs) float64 {
	maxImpact := 0
	upcoming := 0
	for _, ev := range in.NewsEvents {
		if ev.Impact > maxImpact {
			maxImpact = ev.Impact
		}
		if ev.Time.After(in.Now) && ev.Time.Before(in.Now.Add(2*time.Hour)) {
			upcoming++
		}
	}
	return clamp01(1 - minFloat(0.22, float64(maxImpact)*0.0018+float64(upcoming)*0.01))
}

func sessionModifier(in Inputs) float64 {
	session := sessionFor(in.SessionHourUTC)
	switch in.AssetClass {
	case types.AssetClassCrypto:
		if session == "london" || session == "ny" {
			return 1.0
		}
		return 0.96
	case types.AssetClassMetals:
		switch session {
		case "london", "ny":
			return 1.0
		case "asia":
			return 0.90
		default:
			return 0.92
		}
	default: // forex and cfd
		switch session {
		case "london", "ny":
			return 1.0
		case "asia":
			return 0.95
		default:
			return 0.90
		}
	}
}

func sessionFor(hourUTC int) string {
	switch {
	case hourUTC >= 7 && hourUTC < 16:
		return "london"
	case hourUTC >= 12 && hourUTC < 21:
		return "ny"
	case hourUTC >= 0 && hourUTC < 7:
		return "asia"
	default:
		return "off"
	}
}

func dataQualityPenalty(q types.QualityReport) float64 {
	switch q.Status {
	case types.QualityHealthy:
		return 1.0
	case types.QualityDegraded:
		return 0.7
	case types.QualityCritical:
		return 0.35
	default:
		return 1.0
	}
}

func missingFor(in Inputs, profile Profile, score float64, contributors map[string]float64) ([]string, []string) {
	var missing, whatWouldChange []string
	if in.Signal.Strength < 70 {
		whatWouldChange = append(whatWouldChange, "Strength rising above 70")
	}
	if score < profile.MinConfluence {
		whatWouldChange = append(whatWouldChange, "Confluence score above "+itoaf(profile.MinConfluence)+"/100 (layer alignment)")
	}
	if score < profile.EnterScore {
		missing = append(missing, "weighted score below enter threshold")
	}
	return missing, whatWouldChange
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func float64Val(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func itoaf(f float64) string {
	i := int(f)
	return itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
