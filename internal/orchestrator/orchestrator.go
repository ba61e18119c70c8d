// Package orchestrator composes analyzer output, the data quality guard, the
// risk engine, and the decision gate into a single generateSignal call. The
// coordinator is constructed once with its dependencies injected and exposes
// one primary entry point rather than scattering the pipeline across
// callers.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/fx-signal-engine/internal/analyzers"
	"github.com/atlas-desktop/fx-signal-engine/internal/catalog"
	"github.com/atlas-desktop/fx-signal-engine/internal/gate"
	"github.com/atlas-desktop/fx-signal-engine/internal/quality"
	"github.com/atlas-desktop/fx-signal-engine/internal/risk"
	"github.com/atlas-desktop/fx-signal-engine/internal/workers"
	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
	"github.com/atlas-desktop/fx-signal-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AnalysisMode selects which analyzer paths generateSignal takes.
type AnalysisMode string

const (
	ModeDefault  AnalysisMode = ""
	ModeEAOnly   AnalysisMode = "ea"
	ModeEAHybrid AnalysisMode = "ea_hybrid"
	ModeHybrid   AnalysisMode = "hybrid"
)

// GenerateOptions parameterizes one generateSignal call.
type GenerateOptions struct {
	AutoExecute  bool
	Broker       types.Broker
	AnalysisMode AnalysisMode
}

// Executor is the narrow execution-engine surface the coordinator calls on
// autoExecute and consults for the gate's concurrent-trades hard check.
type Executor interface {
	ExecuteTrade(ctx context.Context, signal *types.Signal, broker types.Broker) (types.ExecutionResult, *types.Trade)
	ActiveTrades() []*types.Trade
}

// MarketContextProvider supplies the external analysis context for a pair,
// .
type MarketContextProvider interface {
	MarketContext(ctx context.Context, broker types.Broker, pair string) (analyzers.MarketContext, error)
}

// QuoteSource is the bridge surface used for the EA-only fallback quote and
// spread figures.
type QuoteSource interface {
	CurrentQuote(broker types.Broker, symbol string) (types.Quote, bool)
	CurrentSpreadPips(broker types.Broker, symbol string) (decimal.Decimal, bool)
}

// SecondaryFilter may downgrade ENTER to WAIT_MONITOR, never upgrade.
type SecondaryFilter interface {
	Review(signal *types.Signal) (downgrade bool, reason string)
}

// Coordinator is the process-scoped orchestration entry point.
type Coordinator struct {
	logger    *zap.Logger
	provider  MarketContextProvider
	quotes    QuoteSource
	analyzers *analyzers.Registry
	guard     *quality.Guard
	risk      *risk.Engine
	gate      *gate.Gate
	catalog   *catalog.Catalog
	executor  Executor
	config    func() types.ConfigSnapshot
	filters   []SecondaryFilter
	pool      *workers.Pool
}

// New builds a Coordinator from its collaborators; config is a snapshot
// accessor so the coordinator always observes live configuration. A worker
// pool is started to fan analyzer calls for one pair out across goroutines
// instead of running them serially.
func New(logger *zap.Logger, provider MarketContextProvider, quotes QuoteSource, reg *analyzers.Registry, guard *quality.Guard, riskEngine *risk.Engine, decisionGate *gate.Gate, cat *catalog.Catalog, executor Executor, config func() types.ConfigSnapshot, filters ...SecondaryFilter) *Coordinator {
	poolCfg := workers.DefaultPoolConfig("orchestrator-analyzers")
	poolCfg.NumWorkers = 4 // one per analyzer kind; fan-out never exceeds this
	pool := workers.NewPool(logger.Named("orchestrator.pool"), poolCfg)
	pool.Start()
	return &Coordinator{
		logger:    logger.Named("orchestrator"),
		provider:  provider,
		quotes:    quotes,
		analyzers: reg,
		guard:     guard,
		risk:      riskEngine,
		gate:      decisionGate,
		catalog:   cat,
		executor:  executor,
		config:    config,
		filters:   filters,
		pool:      pool,
	}
}

// Close stops the coordinator's analyzer worker pool.
func (c *Coordinator) Close() error {
	return c.pool.Stop()
}

type errClass string

const (
	errProvider  errClass = "provider"
	errAnalyzer  errClass = "analyzer"
	errExecution errClass = "execution"
	errUnknown   errClass = "unknown"
)

// GenerateSignal builds a fully populated signal for a pair, or a neutral
// fallback on error.
func (c *Coordinator) GenerateSignal(ctx context.Context, pair string, opts GenerateOptions) (*types.Signal, *types.ExecutionResult, error) {
	broker := opts.Broker

	mctx, err := c.provider.MarketContext(ctx, broker, pair)
	if err != nil {
		return c.fallback(pair, errProvider, err), nil, err
	}
	if (opts.AnalysisMode == ModeEAOnly || opts.AnalysisMode == ModeEAHybrid) && mctx.Quote == nil && c.quotes != nil {
		if q, ok := c.quotes.CurrentQuote(broker, pair); ok {
			mctx.Quote = &q
		}
	}

	reports, err := c.runAnalysis(ctx, pair, opts.AnalysisMode, mctx)
	if err != nil {
		return c.fallback(pair, errAnalyzer, err), nil, err
	}

	assetClass := c.catalog.AssetClass(pair)
	price := c.pickMarketPrice(mctx, reports)

	cfg := c.config()
	qualityReport := c.assessQuality(broker, pair, opts.AnalysisMode, cfg)

	signal := c.assembleSignal(pair, broker, assetClass, price, reports)

	if mctx.Quote != nil {
		c.annotateSpread(signal, broker, pair, cfg)
	}

	accountBalance := decimal.NewFromInt(10000)
	winRate := c.estimateWinRate(signal)
	signal.EstimatedWinRate = winRate * 100
	riskMgmt := c.risk.CalculateRiskManagement(signal, accountBalance, volatilityOf(signal), winRate)
	signal.RiskManagement = &riskMgmt

	decision := c.gate.Validate(c.buildGateInputs(signal, assetClass, qualityReport, cfg, mctx))
	signal.Decision = &decision

	if decision.State == types.DecisionBlocked || decision.Blocked {
		coerceNeutral(signal, decision)
	}

	c.applySecondaryFilters(signal)

	c.computeValidity(signal, cfg)

	if opts.AutoExecute && signal.Decision != nil && signal.Decision.State == types.DecisionEnter && c.executor != nil {
		result, _ := c.executor.ExecuteTrade(ctx, signal, broker)
		return signal, &result, nil
	}
	return signal, nil, nil
}

func (c *Coordinator) runAnalysis(ctx context.Context, pair string, mode AnalysisMode, mctx analyzers.MarketContext) (map[analyzers.Kind]analyzers.Report, error) {
	var kinds []analyzers.Kind
	switch mode {
	case ModeEAOnly:
		kinds = []analyzers.Kind{analyzers.KindTechnical, analyzers.KindCandle}
	case ModeEAHybrid:
		kinds = []analyzers.Kind{analyzers.KindTechnical, analyzers.KindCandle, analyzers.KindEconomic, analyzers.KindNews}
	default:
		kinds = []analyzers.Kind{analyzers.KindEconomic, analyzers.KindNews, analyzers.KindTechnical, analyzers.KindCandle}
	}

	out := make(map[analyzers.Kind]analyzers.Report, len(kinds))
	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make(chan error, len(kinds))

	for _, kind := range kinds {
		a, ok := c.analyzers.Get(kind)
		if !ok {
			continue
		}
		kind, a := kind, a
		wg.Add(1)
		submit := func() error {
			defer wg.Done()
			report, err := a.Analyze(ctx, pair, mctx)
			if err != nil {
				errs <- err
				return err
			}
			mu.Lock()
			out[kind] = report
			mu.Unlock()
			return nil
		}
		if err := c.pool.SubmitFunc(submit); err != nil {
			// Pool saturated or stopped: run on a fresh goroutine rather than drop the analyzer.
			go submit()
		}
	}
	wg.Wait()
	close(errs)
	if err, ok := <-errs; ok {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) pickMarketPrice(mctx analyzers.MarketContext, reports map[analyzers.Kind]analyzers.Report) decimal.Decimal {
	if mctx.Quote != nil {
		return mctx.Quote.Mid()
	}
	if tech, ok := reports[analyzers.KindTechnical]; ok && tech.LatestPrice.IsPositive() {
		return tech.LatestPrice
	}
	return decimal.Zero
}

func (c *Coordinator) assessQuality(brokerID types.Broker, pair string, mode AnalysisMode, cfg types.ConfigSnapshot) types.QualityReport {
	if mode == ModeEAOnly || mode == ModeEAHybrid {
		return types.QualityReport{
			Pair:             pair,
			AssessedAt:       time.Now(),
			Score:            100,
			Status:           types.QualityHealthy,
			Recommendation:   types.RecommendProceed,
			Issues:           []types.QualityIssue{{Type: "ea_bridge_source", Severity: "info", Message: string(mode)}},
			SyntheticRelaxed: true,
			SyntheticContext: string(mode),
		}
	}
	opts := quality.DefaultOptions()
	return c.guard.Assess(brokerID, pair, opts)
}

func (c *Coordinator) assembleSignal(pair string, brokerID types.Broker, assetClass types.AssetClass, price decimal.Decimal, reports map[analyzers.Kind]analyzers.Report) *types.Signal {
	direction, strength, confidence, score := combineDirection(reports)

	components := types.SignalComponents{}
	if r, ok := reports[analyzers.KindEconomic]; ok {
		components.Economic = r.Fields
	}
	if r, ok := reports[analyzers.KindNews]; ok {
		components.News = r.Fields
	}
	technicalFields := map[string]any{}
	if r, ok := reports[analyzers.KindTechnical]; ok {
		for k, v := range r.Fields {
			technicalFields[k] = v
		}
	}
	if r, ok := reports[analyzers.KindCandle]; ok {
		for k, v := range r.Fields {
			technicalFields[k] = v
		}
	}
	components.Technical = technicalFields

	signal := &types.Signal{
		ID:         utils.GenerateSignalID(),
		Pair:       pair,
		Timestamp:  time.Now(),
		Direction:  direction,
		Strength:   strength,
		Confidence: confidence,
		FinalScore: score,
		Components: components,
		IsValid:    types.SignalValidity{IsValid: true},
		TradePlan:  types.TradePlan{Summary: fmt.Sprintf("%s %s @ %s", direction, pair, price.String())},
		Source:     string(brokerID),
	}

	if direction != types.DirectionNeutral && price.IsPositive() {
		atr := atrFromReports(reports)
		signal.Entry = buildEntry(direction, price, atr, assetClass)
	}

	return signal
}

func (c *Coordinator) annotateSpread(signal *types.Signal, brokerID types.Broker, pair string, cfg types.ConfigSnapshot) {
	spreadPips, ok := decimal.Zero, false
	if c.quotes != nil {
		spreadPips, ok = c.quotes.CurrentSpreadPips(brokerID, pair)
	}
	if !ok {
		return
	}
	maxSpread := decimal.NewFromFloat(2.4)
	status := types.SpreadStatusOK
	if spreadPips.GreaterThan(maxSpread) {
		status = types.SpreadStatusCritical
	} else if spreadPips.GreaterThan(maxSpread.Mul(decimal.NewFromFloat(0.75))) {
		status = types.SpreadStatusElevated
	}
	signal.Components.MarketData.SpreadPips = spreadPips
	signal.Components.MarketData.SpreadStatus = status
	if q, found := c.quoteFor(brokerID, pair); found {
		signal.Components.MarketData.EAQuote = &q
	}
}

func (c *Coordinator) quoteFor(brokerID types.Broker, pair string) (types.Quote, bool) {
	if c.quotes == nil {
		return types.Quote{}, false
	}
	return c.quotes.CurrentQuote(brokerID, pair)
}

func (c *Coordinator) estimateWinRate(signal *types.Signal) float64 {
	base := 0.5 + (signal.Confidence/100-0.5)*0.3
	if base < 0.35 {
		base = 0.35
	}
	if base > 0.72 {
		base = 0.72
	}
	return base
}

func (c *Coordinator) buildGateInputs(signal *types.Signal, assetClass types.AssetClass, qr types.QualityReport, cfg types.ConfigSnapshot, mctx analyzers.MarketContext) gate.Inputs {
	now := time.Now()

	rsiByTF := map[types.Timeframe]float64{}
	macdByTF := map[types.Timeframe]float64{}
	if rsi, ok := signal.Components.Technical["rsi"].(float64); ok {
		rsiByTF[types.TimeframeH1] = rsi
	}
	if macd, ok := signal.Components.Technical["macdHist"].(float64); ok {
		macdByTF[types.TimeframeH1] = macd
	}
	if mctx.Snapshot != nil {
		for _, tf := range []types.Timeframe{types.TimeframeH4, types.TimeframeD1, types.TimeframeW1} {
			tfs, ok := mctx.Snapshot.PerTimeframe[tf]
			if !ok {
				continue
			}
			rsiByTF[tf], _ = tfs.RSI.Float64()
			macdByTF[tf], _ = tfs.MACDHist.Float64()
		}
	}

	atrPips := decimal.Zero
	if v, ok := signal.Components.Technical["atr"].(float64); ok {
		pipSize := c.catalog.PipSize(signal.Pair)
		if pipSize.IsPositive() {
			atrPips = decimal.NewFromFloat(v).Div(pipSize)
		}
	}

	spreadToATR := 0.0
	spreadToTP := 0.0
	if atrPips.IsPositive() {
		spreadToATR, _ = signal.Components.MarketData.SpreadPips.Div(atrPips).Float64()
	}
	if signal.Entry != nil && signal.Entry.TakeProfitPips.IsPositive() {
		spreadToTP, _ = signal.Components.MarketData.SpreadPips.Div(signal.Entry.TakeProfitPips).Float64()
	}

	barsCoverage, barsAgeMs := barsCoverageAndAge(mctx, now)

	return gate.Inputs{
		Signal:            signal,
		AssetClass:        assetClass,
		Quality:           qr,
		NewsEvents:        mctx.Events,
		RSIByTF:           rsiByTF,
		MACDHistByTF:      macdByTF,
		ATRPips:           atrPips,
		BarsCoverage:      barsCoverage,
		BarsAgeMs:         barsAgeMs,
		SpreadPips:        signal.Components.MarketData.SpreadPips,
		SpreadToATR:       spreadToATR,
		SpreadToTP:        spreadToTP,
		SessionHourUTC:    now.UTC().Hour(),
		ActiveTrades:      c.openTradeCount(),
		BreakoutConfirmed: breakoutConfirmed(signal),
		Config:            cfg,
		Now:               now,
	}
}

// barsCoverageAndAge reports each timeframe's fetched bar count and the age
// of its most recent bar, falling back to the EA-pushed snapshot's latest
// candle when the bridge has no bar history of its own.
func barsCoverageAndAge(mctx analyzers.MarketContext, now time.Time) (map[types.Timeframe]int, map[types.Timeframe]int64) {
	coverage := make(map[types.Timeframe]int, 2)
	age := make(map[types.Timeframe]int64, 2)
	for _, tf := range []types.Timeframe{types.TimeframeM15, types.TimeframeH1} {
		bars := mctx.BarsByTimeframe[tf]
		coverage[tf] = len(bars)
		switch {
		case len(bars) > 0:
			age[tf] = now.Sub(bars[len(bars)-1].Time).Milliseconds()
		case mctx.Snapshot != nil:
			if tfs, ok := mctx.Snapshot.PerTimeframe[tf]; ok && !tfs.LatestCandle.Time.IsZero() {
				age[tf] = now.Sub(tfs.LatestCandle.Time).Milliseconds()
			}
		}
	}
	return coverage, age
}

// openTradeCount asks the executor for its live trade count, matching the
// trade manager's own cap check so the gate's withinRiskLimit hard check
// sees the real figure on the auto-execute path too.
func (c *Coordinator) openTradeCount() int {
	if c.executor == nil {
		return 0
	}
	n := 0
	for _, t := range c.executor.ActiveTrades() {
		if t.Status == types.TradeStatusOpen {
			n++
		}
	}
	return n
}

// breakoutConfirmed derives the smart_breakout_confirmation signal from the
// candle analyzer's own body-ratio/direction fields: a decisive candle body
// in the signal's direction counts as a confirmed breakout trigger.
func breakoutConfirmed(signal *types.Signal) bool {
	bodyRatio, ok := signal.Components.Technical["bodyRatio"].(float64)
	if !ok || bodyRatio < 0.6 {
		return false
	}
	bullish, ok := signal.Components.Technical["bullish"].(bool)
	if !ok {
		return false
	}
	return (signal.Direction == types.DirectionBuy && bullish) || (signal.Direction == types.DirectionSell && !bullish)
}

func (c *Coordinator) applySecondaryFilters(signal *types.Signal) {
	if signal.Decision == nil || signal.Decision.State != types.DecisionEnter {
		return
	}
	for _, f := range c.filters {
		if downgrade, reason := f.Review(signal); downgrade {
			signal.Decision.State = types.DecisionWaitMonitor
			if len(signal.Reasoning) < 20 {
				signal.Reasoning = append(signal.Reasoning, reason)
			}
		}
	}
}

func (c *Coordinator) computeValidity(signal *types.Signal, cfg types.ConfigSnapshot) {
	baseTTL := 15 * time.Minute * 3
	decisionMultiplier := 0.5
	status := types.SignalStatusPending

	switch {
	case signal.Decision != nil && signal.Decision.State == types.DecisionEnter && signal.IsValid.IsValid:
		decisionMultiplier = 1.0
		status = types.SignalStatusActive
	case signal.Decision != nil && signal.Decision.State == types.DecisionWaitMonitor:
		decisionMultiplier = 0.6
		status = types.SignalStatusWatch
	case signal.Direction == types.DirectionNeutral:
		decisionMultiplier = 0.2
		status = types.SignalStatusNeutral
	case signal.Decision != nil && signal.Decision.State == types.DecisionBlocked:
		decisionMultiplier = 0.2
		status = types.SignalStatusBlocked
	}

	ttl := time.Duration(float64(baseTTL) * decisionMultiplier)
	minTTL := 30 * time.Second
	maxTTL := 24 * time.Hour
	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	signal.Validity = ttl
	signal.ExpiresAt = signal.Timestamp.Add(ttl)
	signal.SignalStatus = status
}

func (c *Coordinator) fallback(pair string, class errClass, err error) *types.Signal {
	c.logger.Warn("generateSignal failed, returning neutral fallback", zap.String("pair", pair), zap.String("class", string(class)), zap.Error(err))
	return &types.Signal{
		ID:           utils.GenerateSignalID(),
		Pair:         pair,
		Timestamp:    time.Now(),
		Direction:    types.DirectionNeutral,
		IsValid:      types.SignalValidity{IsValid: false, Reason: fmt.Sprintf("%s: %v", class, err)},
		SignalStatus: types.SignalStatusNeutral,
	}
}

func coerceNeutral(signal *types.Signal, decision types.Decision) {
	signal.Direction = types.DirectionNeutral
	signal.Entry = nil
	signal.RiskManagement = nil
	reason := "blocked"
	if len(decision.Blockers) > 0 {
		reason = decision.Blockers[0]
	}
	signal.Reasoning = append(signal.Reasoning, "no_trade_blocked: "+reason)
}

func combineDirection(reports map[analyzers.Kind]analyzers.Report) (types.Direction, float64, float64, float64) {
	var sumScore, sumConfidence float64
	var votesBuy, votesSell int
	n := 0
	for _, r := range reports {
		if r.Neutral {
			continue
		}
		sumScore += r.Score
		sumConfidence += r.Confidence
		n++
		switch r.Direction {
		case types.DirectionBuy:
			votesBuy++
		case types.DirectionSell:
			votesSell++
		}
	}
	if n == 0 {
		return types.DirectionNeutral, 0, 0, 0
	}
	avgScore := sumScore / float64(n)           // signed, -100..100
	avgConfidence := sumConfidence / float64(n) // 0..100
	direction := types.DirectionNeutral
	switch {
	case votesBuy > votesSell:
		direction = types.DirectionBuy
	case votesSell > votesBuy:
		direction = types.DirectionSell
	}
	strength := clamp01(0.5+avgScore/200) * 100 // fold signed score into 0..100 magnitude
	finalScore := clamp01((strength/100)*0.6+(avgConfidence/100)*0.4) * 100
	return direction, strength, avgConfidence, finalScore
}

func atrFromReports(reports map[analyzers.Kind]analyzers.Report) decimal.Decimal {
	if r, ok := reports[analyzers.KindTechnical]; ok {
		if v, ok := r.Fields["atr"].(float64); ok {
			return decimal.NewFromFloat(v)
		}
	}
	return decimal.Zero
}

func buildEntry(direction types.Direction, price, atr decimal.Decimal, assetClass types.AssetClass) *types.Entry {
	if atr.IsZero() {
		atr = price.Mul(decimal.NewFromFloat(0.001))
	}
	stopMultiple := decimal.NewFromFloat(1.5)
	tpMultiple := decimal.NewFromFloat(2.5)
	if assetClass == types.AssetClassCrypto {
		tpMultiple = decimal.NewFromFloat(3.0)
	}

	var sl, tp decimal.Decimal
	if direction == types.DirectionBuy {
		sl = price.Sub(atr.Mul(stopMultiple))
		tp = price.Add(atr.Mul(tpMultiple))
	} else {
		sl = price.Add(atr.Mul(stopMultiple))
		tp = price.Sub(atr.Mul(tpMultiple))
	}

	rr := decimal.Zero
	riskDist := price.Sub(sl).Abs()
	if riskDist.IsPositive() {
		rr = price.Sub(tp).Abs().Div(riskDist)
	}

	return &types.Entry{
		Price:              price,
		Direction:          direction,
		StopLoss:           sl,
		TakeProfit:         tp,
		ATR:                atr,
		RiskReward:         rr,
		StopMultiple:       stopMultiple,
		TakeProfitMultiple: tpMultiple,
		VolatilityState:    types.VolatilityNormal,
		TrailingStop: types.TrailingStop{
			Enabled:              true,
			BreakevenAtFraction:  decimal.NewFromFloat(0.5),
			ActivationAtFraction: decimal.NewFromFloat(0.3),
			TrailingDistance:     atr.Mul(decimal.NewFromFloat(0.8)),
			StepDistance:         atr.Mul(decimal.NewFromFloat(0.1)),
		},
	}
}

func volatilityOf(signal *types.Signal) types.VolatilityState {
	if signal.Entry != nil && signal.Entry.VolatilityState != "" {
		return signal.Entry.VolatilityState
	}
	return types.VolatilityNormal
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
