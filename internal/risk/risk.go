// Package risk implements the portfolio risk engine: Kelly-bounded
// position sizing, per-currency exposure limits, correlation clustering,
// and historical VaR, reporting breaches through a non-blocking alert
// channel.
package risk

import (
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/fx-signal-engine/internal/catalog"
	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
	"github.com/atlas-desktop/fx-signal-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// Config bounds the engine's sizing and exposure behavior, sourced from
// types.RiskLimits at construction.
type Config struct {
	MinKellyFraction          decimal.Decimal
	MaxKellyFraction          decimal.Decimal
	RiskPerTrade              decimal.Decimal
	MaxExposurePerCurrency    decimal.Decimal
	VolatilityMultipliers     map[types.VolatilityState]decimal.Decimal
	CorrelationSamePair       decimal.Decimal
	CorrelationSharedCurrency decimal.Decimal
	CorrelationThreshold      float64
	MaxClusterSize            int
	VaRConfidence             float64
	VaRLookback               int
	VaRMinSamples             int
	VaRMaxLossPct             float64
	ExposureAlertCooldown     time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinKellyFraction:       decimal.NewFromFloat(0.01),
		MaxKellyFraction:       decimal.NewFromFloat(0.25),
		RiskPerTrade:           decimal.NewFromFloat(0.02),
		MaxExposurePerCurrency: decimal.NewFromFloat(0.30),
		VolatilityMultipliers: map[types.VolatilityState]decimal.Decimal{
			types.VolatilityCalm:     decimal.NewFromFloat(1.15),
			types.VolatilityNormal:   decimal.NewFromFloat(1.0),
			types.VolatilityVolatile: decimal.NewFromFloat(0.72),
			types.VolatilityExtreme:  decimal.NewFromFloat(0.55),
		},
		CorrelationSamePair:       decimal.NewFromFloat(0.35),
		CorrelationSharedCurrency: decimal.NewFromFloat(0.65),
		CorrelationThreshold:      0.80,
		MaxClusterSize:            3,
		VaRConfidence:             0.95,
		VaRLookback:               60,
		VaRMinSamples:             20,
		VaRMaxLossPct:             5.0,
		ExposureAlertCooldown:     5 * time.Minute,
	}
}

// AlertPublisher is the non-blocking sink for risk_exposure alerts.
type AlertPublisher interface {
	PublishRiskAlert(alertType, severity, pair, message string, current, threshold decimal.Decimal)
}

// Engine is the process-scoped risk engine. One Engine serves the whole
// portfolio across brokers.
type Engine struct {
	logger  *zap.Logger
	cfg     Config
	catalog *catalog.Catalog
	alerts  AlertPublisher

	mu                sync.RWMutex
	exposures         map[string]decimal.Decimal // currency -> net exposure (account currency units)
	lastExposureAlert map[string]time.Time
	returns           map[string][]float64 // realized daily returns, for VaR
	activeTrades      func() []*types.Trade
}

// New builds a risk engine. activeTrades supplies the current open-trade
// set on demand so the engine never owns trade state directly.
func New(logger *zap.Logger, cfg Config, cat *catalog.Catalog, alerts AlertPublisher, activeTrades func() []*types.Trade) *Engine {
	return &Engine{
		logger:            logger.Named("risk"),
		cfg:               cfg,
		catalog:           cat,
		alerts:            alerts,
		exposures:         make(map[string]decimal.Decimal),
		lastExposureAlert: make(map[string]time.Time),
		returns:           make(map[string][]float64),
		activeTrades:      activeTrades,
	}
}

// CalculateRiskManagement sizes a candidate signal under current portfolio
// constraints
func (e *Engine) CalculateRiskManagement(signal *types.Signal, accountBalance decimal.Decimal, volState types.VolatilityState, winRate float64) types.RiskManagement {
	if signal.Direction == types.DirectionNeutral || signal.Entry == nil {
		return types.RiskManagement{CanTrade: false, Reason: "no_entry_or_neutral_direction"}
	}
	entry := signal.Entry

	rr, _ := entry.RiskReward.Float64()
	if rr <= 0 {
		rr = 1
	}
	kelly := utils.ClampDecimal(decimal.NewFromFloat(winRate-(1-winRate)/rr), e.cfg.MinKellyFraction, e.cfg.MaxKellyFraction)

	volMult, ok := e.cfg.VolatilityMultipliers[volState]
	if !ok {
		volMult = decimal.NewFromInt(1)
	}

	corrPenalty := e.correlationPenalty(signal.Pair)

	riskFraction := kelly.Mul(volMult).Mul(corrPenalty)
	riskFraction = utils.ClampDecimal(riskFraction, e.cfg.MinKellyFraction, e.cfg.MaxKellyFraction)
	riskFraction = utils.MinDecimal(riskFraction, e.cfg.RiskPerTrade)

	pipValue := decimal.NewFromFloat(10) // account-currency value per pip per standard lot, simplified
	if e.catalog != nil {
		pipValue = e.catalog.PipSize(signal.Pair).Mul(decimal.NewFromInt(100000))
	}
	positionSize := decimal.Zero
	if entry.StopLossPips.IsPositive() && pipValue.IsPositive() {
		riskAmount := accountBalance.Mul(riskFraction)
		positionSize = riskAmount.Div(entry.StopLossPips.Mul(pipValue))
	}

	stress := map[string]decimal.Decimal{
		"spreadWidening2x":      riskFraction.Mul(decimal.NewFromFloat(0.9)),
		"slippage1pip":          riskFraction.Mul(decimal.NewFromFloat(0.95)),
		"maxDrawdownProjection": riskFraction.Mul(decimal.NewFromInt(10)),
	}

	guardrails := []string{}
	canTrade := true
	if positionSize.IsZero() {
		canTrade = false
		guardrails = append(guardrails, "zero_position_size")
	}

	base, quote := splitPair(signal.Pair)
	exposureImpact := map[string]decimal.Decimal{
		base:  positionSize,
		quote: positionSize.Neg(),
	}
	e.monitorExposure(signal.Pair, exposureImpact)

	return types.RiskManagement{
		CanTrade:           canTrade,
		PositionSize:       positionSize,
		RiskFraction:       riskFraction,
		Kelly:              kelly,
		CorrelationPenalty: corrPenalty,
		StressTests:        stress,
		Guardrails:         guardrails,
		ExposureImpact:     exposureImpact,
	}
}

// correlationPenalty cumulatively discounts sizing for every active trade
// sharing the pair or a currency leg
func (e *Engine) correlationPenalty(pair string) decimal.Decimal {
	if e.activeTrades == nil {
		return decimal.NewFromInt(1)
	}
	base, quote := splitPair(pair)
	penalty := decimal.NewFromInt(1)
	for _, t := range e.activeTrades() {
		if t.Status != types.TradeStatusOpen {
			continue
		}
		if t.Pair == pair {
			penalty = penalty.Mul(e.cfg.CorrelationSamePair)
			continue
		}
		tb, tq := splitPair(t.Pair)
		if tb == base || tb == quote || tq == base || tq == quote {
			penalty = penalty.Mul(e.cfg.CorrelationSharedCurrency)
		}
	}
	return penalty
}

// monitorExposure previews added exposure and fires a cooldown-gated alert
// when it crosses warning (0.9x) or critical (1.0x) of the per-currency
// limit
func (e *Engine) monitorExposure(pair string, preview map[string]decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	for currency, delta := range preview {
		projected := e.exposures[currency].Add(delta).Abs()
		limit := e.cfg.MaxExposurePerCurrency
		if limit.IsZero() {
			continue
		}
		ratio, _ := projected.Div(limit).Float64()
		var severity string
		switch {
		case ratio >= 1.0:
			severity = "critical"
		case ratio >= 0.9:
			severity = "warning"
		default:
			continue
		}
		if last, ok := e.lastExposureAlert[currency]; ok && now.Sub(last) < e.cfg.ExposureAlertCooldown {
			continue
		}
		e.lastExposureAlert[currency] = now
		if e.alerts != nil {
			e.alerts.PublishRiskAlert("risk_exposure", severity, pair, "currency exposure approaching limit: "+currency, projected, limit)
		}
	}
}

// RecordExposure commits a fill's exposure delta into the running ledger;
// called by the execution engine on accept/close.
func (e *Engine) RecordExposure(delta map[string]decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range delta {
		e.exposures[k] = e.exposures[k].Add(v)
	}
}

// RecordDailyReturn appends a realized daily return (as a fraction of
// equity) for VaR estimation.
func (e *Engine) RecordDailyReturn(account string, ret float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hist := append(e.returns[account], ret)
	if len(hist) > e.cfg.VaRLookback {
		hist = hist[len(hist)-e.cfg.VaRLookback:]
	}
	e.returns[account] = hist
}

// UpdateVaRMetrics computes a last-N realized-return historical VaR at the
// configured confidence
func (e *Engine) UpdateVaRMetrics(account string) types.VaRSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	hist := e.returns[account]
	snap := types.VaRSnapshot{
		Confidence:  e.cfg.VaRConfidence,
		Lookback:    e.cfg.VaRLookback,
		SampleCount: len(hist),
		LimitPct:    e.cfg.VaRMaxLossPct,
		LastUpdated: time.Now(),
	}
	if len(hist) < e.cfg.VaRMinSamples {
		snap.Ready = false
		return snap
	}
	sorted := append([]float64(nil), hist...)
	quantile := stat.Quantile(1-e.cfg.VaRConfidence, stat.Empirical, sortedCopy(sorted), nil)
	valuePct := math.Abs(quantile) * 100
	snap.Ready = true
	snap.ValuePct = valuePct
	snap.Breach = valuePct > e.cfg.VaRMaxLossPct
	return snap
}

// BuildCorrelationSnapshot enumerates open-trade pairs, derives a pairwise
// correlation matrix, clusters above threshold, and reports whether any
// cluster breaches MaxClusterSize
func (e *Engine) BuildCorrelationSnapshot(correlationConfig map[[2]string]float64) types.CorrelationSnapshot {
	snap := types.CorrelationSnapshot{
		Enabled:     true,
		Threshold:   e.cfg.CorrelationThreshold,
		MaxCluster:  e.cfg.MaxClusterSize,
		ClusterLoad: map[string]int{},
	}
	if e.activeTrades == nil {
		return snap
	}
	pairs := uniquePairs(e.activeTrades())
	clusterCount := map[string]int{}
	for i := 0; i < len(pairs); i++ {
		for j := i + 1; j < len(pairs); j++ {
			corr := heuristicCorrelation(pairs[i], pairs[j], correlationConfig)
			snap.Correlations = append(snap.Correlations, types.PairCorrelation{A: pairs[i], B: pairs[j], Correlation: corr})
			if corr >= e.cfg.CorrelationThreshold {
				clusterCount[pairs[i]]++
				clusterCount[pairs[j]]++
			}
		}
	}
	snap.ClusterLoad = clusterCount
	for _, n := range clusterCount {
		if n+1 >= e.cfg.MaxClusterSize {
			snap.Blocked = true
		}
	}
	return snap
}

func heuristicCorrelation(a, b string, explicit map[[2]string]float64) float64 {
	if explicit != nil {
		if v, ok := explicit[[2]string{a, b}]; ok {
			return v
		}
		if v, ok := explicit[[2]string{b, a}]; ok {
			return v
		}
	}
	ab, aq := splitPair(a)
	bb, bq := splitPair(b)
	if ab == bb || ab == bq || aq == bb || aq == bq {
		return 0.68
	}
	return 0.20
}

func uniquePairs(trades []*types.Trade) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, t := range trades {
		if t.Status != types.TradeStatusOpen || seen[t.Pair] {
			continue
		}
		seen[t.Pair] = true
		out = append(out, t.Pair)
	}
	return out
}

func splitPair(pair string) (base, quote string) {
	if len(pair) >= 6 {
		return pair[:3], pair[3:6]
	}
	return pair, ""
}

func sortedCopy(xs []float64) []float64 {
	out := append([]float64(nil), xs...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
