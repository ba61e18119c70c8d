// Package execution implements idempotent order placement through a broker
// router, slippage measurement, breakeven/trailing management, smart exits,
// and broker reconciliation. ExecuteTrade runs validate -> risk check ->
// size -> order -> metrics, rolling risk state back on failure.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/fx-signal-engine/internal/broker"
	"github.com/atlas-desktop/fx-signal-engine/internal/catalog"
	"github.com/atlas-desktop/fx-signal-engine/internal/risk"
	"github.com/atlas-desktop/fx-signal-engine/internal/workers"
	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
	"github.com/atlas-desktop/fx-signal-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// manageBatchSize bounds how many open trades manageOne processes
// concurrently per ManageActiveTrades pass.
const manageBatchSize = 8

// lotStep is the broker-side minimum position size increment orders are
// rounded down to before routing.
var lotStep = decimal.NewFromFloat(0.01)

// PriceSource supplies the current tradable price for a pair, preferring a
// live EA quote mid when available.
type PriceSource interface {
	CurrentPrice(broker types.Broker, pair string) (decimal.Decimal, bool)
}

// EventPublisher is the narrow slice of the event bus the engine needs.
type EventPublisher interface {
	PublishTradeClosed(trade *types.Trade)
	PublishExecution(trade *types.Trade, result types.ExecutionResult)
	PublishSmartSupervision(trade *types.Trade, action string)
}

// Config bounds execution-engine behavior: risk caps, slippage tolerance,
// and the monitoring/reconciliation cadence.
type Config struct {
	MaxRiskPerSymbol        decimal.Decimal
	MaxSlippagePips         decimal.Decimal
	MonitoringInterval      time.Duration
	ReconciliationInterval  time.Duration
	BrokerModifyThrottle    time.Duration
	SmartExitMinProfitPct   decimal.Decimal
	SmartExitNewsMinutes    int
	SmartSupervisorEnabled  bool
	ManualCloseAcknowledged bool
}

func DefaultConfig() Config {
	return Config{
		MaxRiskPerSymbol:       decimal.NewFromFloat(0.06),
		MaxSlippagePips:        decimal.NewFromFloat(3),
		MonitoringInterval:     10 * time.Second,
		ReconciliationInterval: 60 * time.Second,
		BrokerModifyThrottle:   1500 * time.Millisecond,
		SmartExitMinProfitPct:  decimal.NewFromFloat(0.35),
		SmartExitNewsMinutes:   20,
		SmartSupervisorEnabled: true,
	}
}

// Engine is the process-scoped execution engine. One Engine manages every
// open trade across brokers.
type Engine struct {
	logger  *zap.Logger
	router  *broker.Router
	catalog *catalog.Catalog
	risk    *risk.Engine
	prices  PriceSource
	events  EventPublisher
	cfg     Config

	pool  *workers.Pool
	batch *workers.BatchProcessor

	mu             sync.RWMutex
	activeTrades   map[string]*types.Trade // keyed by trade ID
	bySignal       map[string]string       // signal ID -> trade ID, for idempotency
	history        []*types.Trade
	dailyRisk      decimal.Decimal
	dailyDate      string
	lastReconcile  time.Time
	equityCurve    []decimal.Decimal
	peakEquity     decimal.Decimal
	maxDrawdownPct decimal.Decimal
	realizedPnL    decimal.Decimal
	perfByPair     map[string]decimal.Decimal
}

// New builds an execution engine. A worker pool backs the batch processor
// ManageActiveTrades uses to supervise open trades concurrently.
func New(logger *zap.Logger, router *broker.Router, cat *catalog.Catalog, riskEngine *risk.Engine, prices PriceSource, events EventPublisher, cfg Config) *Engine {
	poolCfg := workers.DefaultPoolConfig("execution-manage")
	pool := workers.NewPool(logger.Named("execution.pool"), poolCfg)
	pool.Start()
	return &Engine{
		logger:       logger.Named("execution"),
		router:       router,
		catalog:      cat,
		risk:         riskEngine,
		prices:       prices,
		events:       events,
		cfg:          cfg,
		pool:         pool,
		batch:        workers.NewBatchProcessor(pool, manageBatchSize),
		activeTrades: make(map[string]*types.Trade),
		bySignal:     make(map[string]string),
		perfByPair:   make(map[string]decimal.Decimal),
	}
}

// Close stops the engine's trade-management worker pool.
func (e *Engine) Close() error {
	return e.pool.Stop()
}

// ActiveTrades returns a snapshot of every open trade, safe for the risk
// engine's correlation/exposure computations.
func (e *Engine) ActiveTrades() []*types.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*types.Trade, 0, len(e.activeTrades))
	for _, t := range e.activeTrades {
		out = append(out, t)
	}
	return out
}

func (e *Engine) activeCountForPair(pair string) int {
	n := 0
	for _, t := range e.activeTrades {
		if t.Pair == pair && t.Status == types.TradeStatusOpen {
			n++
		}
	}
	return n
}

func (e *Engine) riskSumForPair(pair string) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range e.activeTrades {
		if t.Pair == pair && t.Status == types.TradeStatusOpen {
			sum = sum.Add(t.RiskFraction)
		}
	}
	return sum
}

func (e *Engine) rollDay(now time.Time) {
	date := now.Format("2006-01-02")
	if e.dailyDate != date {
		e.dailyDate = date
		e.dailyRisk = decimal.Zero
	}
}

// ExecuteTrade places an order for a validated, sized signal. It is
// idempotent under re-submission of the same signal ID: a second call
// observes the first trade rather than creating a duplicate.
func (e *Engine) ExecuteTrade(ctx context.Context, signal *types.Signal, brokerID types.Broker) (types.ExecutionResult, *types.Trade) {
	e.mu.Lock()
	if tradeID, ok := e.bySignal[signal.ID]; ok {
		if existing, ok := e.activeTrades[tradeID]; ok {
			e.mu.Unlock()
			return types.ExecutionResult{Success: true, TradeID: existing.ID}, existing
		}
	}
	e.mu.Unlock()

	if !signal.IsValid.IsValid {
		return e.reject("not_valid", signal.IsValid.Reason), nil
	}
	if !signal.ExpiresAt.IsZero() && time.Now().After(signal.ExpiresAt) {
		return e.reject("expired", "signal expired before execution"), nil
	}
	if signal.Entry == nil || signal.RiskManagement == nil || !signal.RiskManagement.CanTrade {
		return e.reject("not_sizeable", "no entry or risk management refused sizing"), nil
	}

	now := time.Now()
	e.mu.Lock()
	e.rollDay(now)

	if e.riskSumForPair(signal.Pair).Add(signal.RiskManagement.RiskFraction).GreaterThan(e.cfg.MaxRiskPerSymbol) {
		e.mu.Unlock()
		return e.reject("max_risk_per_symbol", "per-symbol risk budget exceeded"), nil
	}
	if e.activeCountForPair(signal.Pair) > 0 {
		e.mu.Unlock()
		return e.reject("pair_already_open", "trade already open for pair"), nil
	}

	tradeID := "trd_" + signal.ID
	trade := &types.Trade{
		ID:             tradeID,
		Pair:           signal.Pair,
		Direction:      signal.Direction,
		EntryPrice:     signal.Entry.Price,
		StopLoss:       signal.Entry.StopLoss,
		TakeProfit:     signal.Entry.TakeProfit,
		PositionSize:   signal.RiskManagement.PositionSize,
		RiskFraction:   signal.RiskManagement.RiskFraction,
		StressTests:    signal.RiskManagement.StressTests,
		Guardrails:     signal.RiskManagement.Guardrails,
		OpenTime:       now,
		Status:         types.TradeStatusOpen,
		TrailingStop:   signal.Entry.TrailingStop,
		Broker:         brokerID,
		OriginSignalID: signal.ID,
	}

	if inst, ok := e.catalog.Get(signal.Pair); ok && inst.PipSize.IsPositive() {
		trade.EntryPrice = utils.RoundToTickSize(trade.EntryPrice, inst.PipSize)
		trade.StopLoss = utils.RoundToTickSize(trade.StopLoss, inst.PipSize)
		trade.TakeProfit = utils.RoundToTickSize(trade.TakeProfit, inst.PipSize)
	}
	trade.PositionSize = utils.RoundToStepSize(trade.PositionSize, lotStep)

	e.activeTrades[tradeID] = trade
	e.bySignal[signal.ID] = tradeID
	e.dailyRisk = e.dailyRisk.Add(trade.RiskFraction)
	e.mu.Unlock()

	e.logger.Info("trade accepted", zap.String("tradeId", tradeID), zap.String("pair", trade.Pair))

	result := types.ExecutionResult{Success: true, TradeID: tradeID}
	if e.router != nil {
		side := "buy"
		if trade.Direction == types.DirectionSell {
			side = "sell"
		}
		reqStart := time.Now()
		orderResult, err := e.router.PlaceOrder(ctx, broker.OrderPayload{
			Broker:         string(brokerID),
			Symbol:         signal.Pair,
			Pair:           signal.Pair,
			Direction:      string(trade.Direction),
			Side:           side,
			Volume:         trade.PositionSize,
			Price:          trade.EntryPrice,
			TakeProfit:     trade.TakeProfit,
			StopLoss:       trade.StopLoss,
			TradeID:        tradeID,
			IdempotencyKey: tradeID,
			Source:         "auto",
		})
		latency := time.Since(reqStart).Milliseconds()
		if err != nil || !orderResult.Success {
			e.rollback(tradeID, trade)
			errType := orderResult.ErrorType
			if errType == "" {
				errType = "execution"
			}
			reason := orderResult.Error
			if reason == "" && err != nil {
				reason = err.Error()
			}
			e.logger.Warn("broker order failed, rolled back", zap.String("tradeId", tradeID), zap.String("reason", reason))
			result = types.ExecutionResult{Success: false, Reason: reason, ErrorType: errType, TradeID: tradeID}
			if e.events != nil {
				e.events.PublishExecution(trade, result)
			}
			return result, nil
		}

		pipSize := e.catalog.PipSize(signal.Pair)
		slippagePips := decimal.Zero
		if pipSize.IsPositive() {
			slippagePips = orderResult.FilledPrice.Sub(orderResult.RequestedPrice).Abs().Div(pipSize)
		}
		trade.BrokerOrderID = orderResult.OrderID
		trade.Execution = types.TradeExecution{
			RequestedPrice:   orderResult.RequestedPrice,
			FilledPrice:      orderResult.FilledPrice,
			SlippagePips:     slippagePips,
			SlippageExceeded: slippagePips.GreaterThan(e.cfg.MaxSlippagePips),
			LatencyMs:        latency,
			Broker:           brokerID,
			OrderID:          orderResult.OrderID,
		}
		result.TradeExecution = trade.Execution
	}

	base, quote := splitPair(signal.Pair)
	if e.risk != nil {
		e.risk.RecordExposure(map[string]decimal.Decimal{base: trade.PositionSize, quote: trade.PositionSize.Neg()})
	}
	if e.events != nil {
		e.events.PublishExecution(trade, result)
	}
	return result, trade
}

func (e *Engine) rollback(tradeID string, trade *types.Trade) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.activeTrades, tradeID)
	delete(e.bySignal, trade.OriginSignalID)
	e.dailyRisk = e.dailyRisk.Sub(trade.RiskFraction)
	if e.dailyRisk.IsNegative() {
		e.dailyRisk = decimal.Zero
	}
}

func (e *Engine) reject(errType, reason string) types.ExecutionResult {
	return types.ExecutionResult{Success: false, Reason: reason, ErrorType: errType}
}

func splitPair(pair string) (base, quote string) {
	if len(pair) >= 6 {
		return pair[:3], pair[3:6]
	}
	return pair, ""
}

// ManageActiveTrades is the polled supervision pass
// 4.H: updates PnL, runs smart-exit checks, moves to breakeven, trails
// stops, closes on SL/TP, and periodically reconciles with the broker.
func (e *Engine) ManageActiveTrades(ctx context.Context) {
	e.mu.RLock()
	trades := make([]*types.Trade, 0, len(e.activeTrades))
	for _, t := range e.activeTrades {
		trades = append(trades, t)
	}
	e.mu.RUnlock()

	if len(trades) > 0 {
		items := make([]interface{}, len(trades))
		for i, t := range trades {
			items[i] = t
		}
		// Errors are impossible here; manageOne handles its own failures by
		// leaving the trade's state untouched for the next pass.
		_ = e.batch.ProcessBatch(items, func(item interface{}) error {
			e.manageOne(ctx, item.(*types.Trade))
			return nil
		})
	}

	if time.Since(e.lastReconcile) >= e.cfg.ReconciliationInterval && e.router != nil {
		e.lastReconcile = time.Now()
		e.router.RunReconciliation(ctx)
	}
}

func (e *Engine) manageOne(ctx context.Context, trade *types.Trade) {
	price, ok := e.currentPrice(trade)
	if !ok {
		return
	}
	pnlPct := e.pnlPct(trade, price)

	if e.cfg.SmartSupervisorEnabled {
		if pnlPct.GreaterThanOrEqual(e.cfg.SmartExitMinProfitPct) {
			e.publishSupervision(trade, "smart_exit_news_blackout_candidate")
		} else {
			e.maybeBreakeven(trade, price)
		}
	} else {
		e.maybeBreakeven(trade, price)
	}

	e.maybeTrail(ctx, trade, price)

	if e.hitTarget(trade, price) {
		e.CloseTrade(ctx, trade.ID, price, "target_hit")
	}
}

func (e *Engine) currentPrice(trade *types.Trade) (decimal.Decimal, bool) {
	if e.prices != nil {
		if p, ok := e.prices.CurrentPrice(trade.Broker, trade.Pair); ok {
			return p, true
		}
	}
	return decimal.Zero, false
}

func (e *Engine) pnlPct(trade *types.Trade, price decimal.Decimal) decimal.Decimal {
	if trade.EntryPrice.IsZero() {
		return decimal.Zero
	}
	diff := price.Sub(trade.EntryPrice)
	if trade.Direction == types.DirectionSell {
		diff = diff.Neg()
	}
	return diff.Div(trade.EntryPrice).Mul(decimal.NewFromInt(100))
}

func (e *Engine) maybeBreakeven(trade *types.Trade, price decimal.Decimal) {
	if trade.MovedToBreakeven || trade.TakeProfit.IsZero() {
		return
	}
	tpDistance := trade.TakeProfit.Sub(trade.EntryPrice).Abs()
	if tpDistance.IsZero() {
		return
	}
	moved := price.Sub(trade.EntryPrice).Abs()
	if trade.Direction == types.DirectionSell {
		moved = trade.EntryPrice.Sub(price).Abs()
	}
	fraction := trade.TrailingStop.BreakevenAtFraction
	if fraction.IsZero() {
		fraction = decimal.NewFromFloat(0.5)
	}
	if moved.Div(tpDistance).GreaterThanOrEqual(fraction) {
		trade.StopLoss = trade.EntryPrice
		trade.MovedToBreakeven = true
		e.syncBrokerProtection(context.Background(), trade)
	}
}

func (e *Engine) maybeTrail(ctx context.Context, trade *types.Trade, price decimal.Decimal) {
	if !trade.TrailingStop.Enabled || trade.TakeProfit.IsZero() {
		return
	}
	tpDistance := trade.TakeProfit.Sub(trade.EntryPrice).Abs()
	if tpDistance.IsZero() {
		return
	}
	profitFrac := trade.TrailingStop.ActivationAtFraction
	if profitFrac.IsZero() {
		profitFrac = decimal.NewFromFloat(0.3)
	}
	moved := price.Sub(trade.EntryPrice)
	if trade.Direction == types.DirectionSell {
		moved = trade.EntryPrice.Sub(price)
	}
	if moved.Div(tpDistance).LessThan(profitFrac) {
		return
	}
	var newSL decimal.Decimal
	if trade.Direction == types.DirectionBuy {
		newSL = price.Sub(trade.TrailingStop.TrailingDistance)
	} else {
		newSL = price.Add(trade.TrailingStop.TrailingDistance)
	}
	step := trade.TrailingStop.StepDistance
	improved := (trade.Direction == types.DirectionBuy && newSL.Sub(trade.StopLoss).GreaterThanOrEqual(step)) ||
		(trade.Direction == types.DirectionSell && trade.StopLoss.Sub(newSL).GreaterThanOrEqual(step))
	if improved {
		trade.StopLoss = newSL
		e.syncBrokerProtection(ctx, trade)
	}
}

func (e *Engine) syncBrokerProtection(ctx context.Context, trade *types.Trade) {
	if !trade.LastBrokerModifyAt.IsZero() && time.Since(trade.LastBrokerModifyAt) < e.cfg.BrokerModifyThrottle {
		return
	}
	if trade.LastBrokerStopLossSent.Equal(trade.StopLoss) {
		return
	}
	if e.router != nil {
		_ = e.router.ModifyPosition(ctx, broker.ModifyPayload{
			Broker: string(trade.Broker), TradeID: trade.ID, BrokerOrderID: trade.BrokerOrderID,
			StopLoss: trade.StopLoss, TakeProfit: trade.TakeProfit,
		})
	}
	trade.LastBrokerModifyAt = time.Now()
	trade.LastBrokerStopLossSent = trade.StopLoss
}

func (e *Engine) hitTarget(trade *types.Trade, price decimal.Decimal) bool {
	if trade.Direction == types.DirectionBuy {
		return price.LessThanOrEqual(trade.StopLoss) || price.GreaterThanOrEqual(trade.TakeProfit)
	}
	return price.GreaterThanOrEqual(trade.StopLoss) || price.LessThanOrEqual(trade.TakeProfit)
}

func (e *Engine) publishSupervision(trade *types.Trade, action string) {
	if e.events != nil {
		e.events.PublishSmartSupervision(trade, action)
	}
}

// CloseTrade closes a position, computes final PnL, and migrates the trade
// to history
func (e *Engine) CloseTrade(ctx context.Context, tradeID string, price decimal.Decimal, reason string) (*types.Trade, error) {
	e.mu.Lock()
	trade, ok := e.activeTrades[tradeID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("no active trade %q", tradeID)
	}
	e.mu.Unlock()

	if e.router != nil && trade.Broker != "" && !e.cfg.ManualCloseAcknowledged {
		if fillPrice, err := e.router.ClosePosition(ctx, broker.ClosePayload{
			Broker: string(trade.Broker), TradeID: trade.ID, BrokerOrderID: trade.BrokerOrderID, Price: price, Reason: reason,
		}); err == nil && fillPrice.IsPositive() {
			price = fillPrice
		}
	}

	e.mu.Lock()
	trade.Status = types.TradeStatusClosed
	trade.ClosePrice = price
	trade.CloseTime = time.Now()
	trade.CloseReason = reason
	trade.FinalPnL = trade.CurrentPnL(price)
	delete(e.activeTrades, tradeID)
	delete(e.bySignal, trade.OriginSignalID)
	e.dailyRisk = e.dailyRisk.Sub(trade.RiskFraction)
	if e.dailyRisk.IsNegative() {
		e.dailyRisk = decimal.Zero
	}
	e.history = append(e.history, trade)
	e.realizedPnL = e.realizedPnL.Add(trade.FinalPnL)
	e.perfByPair[trade.Pair] = e.perfByPair[trade.Pair].Add(trade.FinalPnL)
	e.mu.Unlock()

	if e.risk != nil {
		base, quote := splitPair(trade.Pair)
		e.risk.RecordExposure(map[string]decimal.Decimal{base: trade.PositionSize.Neg(), quote: trade.PositionSize})
	}

	e.handleTradeClosed(trade)

	_, quote := utils.ParseSymbol(utils.FormatSymbol(trade.Pair))
	e.logger.Info("trade closed",
		zap.String("tradeId", trade.ID),
		zap.String("pair", trade.Pair),
		zap.String("reason", reason),
		zap.String("pnl", utils.FormatMoney(trade.FinalPnL, quote)),
	)

	if e.events != nil {
		e.events.PublishTradeClosed(trade)
	}
	return trade, nil
}

// handleTradeClosed updates the equity curve, peak equity, drawdown, and
// per-pair performance breakdown
func (e *Engine) handleTradeClosed(trade *types.Trade) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.equityCurve = append(e.equityCurve, e.realizedPnL)
	e.peakEquity = utils.MaxDecimal(e.peakEquity, e.realizedPnL)
	if e.peakEquity.IsPositive() {
		dd := e.peakEquity.Sub(e.realizedPnL).Div(e.peakEquity).Mul(decimal.NewFromInt(100))
		e.maxDrawdownPct = utils.MaxDecimal(e.maxDrawdownPct, dd)
	}
}

// History returns recently closed trades, most recent last.
func (e *Engine) History(limit int) []*types.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	return append([]*types.Trade(nil), e.history[len(e.history)-limit:]...)
}

// DailyRisk returns the current day's accumulated risk fraction.
func (e *Engine) DailyRisk() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dailyRisk
}

// PnLSummary reports the realized/unrealized rollup for risk snapshots.
func (e *Engine) PnLSummary() types.PnLSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	best, worst := decimal.Zero, decimal.Zero
	pnls := make([]decimal.Decimal, 0, len(e.history))
	for _, t := range e.history {
		best = utils.MaxDecimal(best, t.FinalPnL)
		worst = utils.MinDecimal(worst, t.FinalPnL)
		pnls = append(pnls, t.FinalPnL)
	}
	unrealized := decimal.Zero
	for _, t := range e.activeTrades {
		if price, ok := e.currentPrice(t); ok {
			unrealized = unrealized.Add(t.CurrentPnL(price))
		}
	}
	return types.PnLSummary{
		Realized:       e.realizedPnL,
		Unrealized:     unrealized,
		Net:            e.realizedPnL.Add(unrealized),
		BestTrade:      best,
		WorstTrade:     worst,
		WinRate:        utils.CalculateWinRate(pnls),
		ProfitFactor:   utils.CalculateProfitFactor(pnls),
		MaxDrawdownPct: e.maxDrawdownPct,
	}
}

// Blotter returns the current open trades and recently closed ones.
func (e *Engine) Blotter(recentClosed int) types.Blotter {
	return types.Blotter{OpenTrades: e.ActiveTrades(), RecentClosed: e.History(recentClosed)}
}

// EquityReturns derives the fractional return between each consecutive pair
// of equity curve points, one entry shorter than the curve itself.
func (e *Engine) EquityReturns() []decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return utils.CalculateReturns(e.equityCurve)
}
