// Package types provides shared type definitions for the signal and
// execution engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass classifies an instrument for threshold and gating purposes.
type AssetClass string

const (
	AssetClassForex  AssetClass = "forex"
	AssetClassMetals AssetClass = "metals"
	AssetClassCrypto AssetClass = "crypto"
	AssetClassCFD    AssetClass = "cfd"
	AssetClassOther  AssetClass = "other"
)

// PairCategory further subdivides forex pairs for spread thresholds.
type PairCategory string

const (
	CategoryMajors PairCategory = "majors"
	CategoryYen    PairCategory = "yen"
	CategoryMinors PairCategory = "minors"
	CategoryCross  PairCategory = "crosses"
	CategoryNone   PairCategory = ""
)

// Instrument is static, immutable metadata for a tradable pair.
type Instrument struct {
	Pair                string          `json:"pair"`
	Base                string          `json:"base"`
	Quote               string          `json:"quote"`
	AssetClass          AssetClass      `json:"assetClass"`
	Category            PairCategory    `json:"category,omitempty"`
	PipSize             decimal.Decimal `json:"pipSize"`
	PricePrecision      int             `json:"pricePrecision"`
	SyntheticVolatility decimal.Decimal `json:"syntheticVolatility"`
}

// Broker identifies the terminal family behind a session.
type Broker string

const (
	BrokerMT4 Broker = "mt4"
	BrokerMT5 Broker = "mt5"
)

// Timeframe enumerates the bar resolutions the bridge understands.
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
	TimeframeW1  Timeframe = "W1"
)

// Session is a broker-scoped EA connection.
type Session struct {
	ID            string          `json:"id"`
	Broker        Broker          `json:"broker"`
	AccountNumber string          `json:"accountNumber"`
	AccountMode   string          `json:"accountMode"`
	Server        string          `json:"server"`
	Currency      string          `json:"currency"`
	Equity        decimal.Decimal `json:"equity"`
	Balance       decimal.Decimal `json:"balance"`
	LastHeartbeat time.Time       `json:"lastHeartbeat"`
	EA            string          `json:"ea"`
	ConnectedAt   time.Time       `json:"connectedAt"`
}

// Disconnected reports whether the session should be treated as gone for
// scheduling purposes (heartbeat older than 2 minutes).
func (s Session) Disconnected(now time.Time) bool {
	return now.Sub(s.LastHeartbeat) > 2*time.Minute
}

// Direction is the trade/signal bias.
type Direction string

const (
	DirectionBuy     Direction = "BUY"
	DirectionSell    Direction = "SELL"
	DirectionNeutral Direction = "NEUTRAL"
)

// SignalStatus is the lifecycle state of a published signal.
type SignalStatus string

const (
	SignalStatusActive  SignalStatus = "ACTIVE"
	SignalStatusWatch   SignalStatus = "WATCH"
	SignalStatusBlocked SignalStatus = "BLOCKED"
	SignalStatusNeutral SignalStatus = "NEUTRAL"
	SignalStatusPending SignalStatus = "PENDING"
	SignalStatusExpired SignalStatus = "EXPIRED"
)

// DecisionState is the tri-state output of the decision gate.
type DecisionState string

const (
	DecisionEnter       DecisionState = "ENTER"
	DecisionWaitMonitor DecisionState = "WAIT_MONITOR"
	DecisionBlocked     DecisionState = "NO_TRADE_BLOCKED"
)

// VolatilityState classifies current realized volatility for sizing.
type VolatilityState string

const (
	VolatilityCalm     VolatilityState = "calm"
	VolatilityNormal   VolatilityState = "normal"
	VolatilityVolatile VolatilityState = "volatile"
	VolatilityExtreme  VolatilityState = "extreme"
)

// TrailingStop describes the supervision parameters for an open trade.
type TrailingStop struct {
	Enabled              bool            `json:"enabled"`
	BreakevenAtFraction  decimal.Decimal `json:"breakevenAtFraction"`
	ActivationAtFraction decimal.Decimal `json:"activationAtFraction"`
	ActivationLevel      decimal.Decimal `json:"activationLevel"`
	TrailingDistance     decimal.Decimal `json:"trailingDistance"`
	StepDistance         decimal.Decimal `json:"stepDistance"`
}

// Entry describes the planned trade parameters produced by orchestration.
type Entry struct {
	Price              decimal.Decimal `json:"price"`
	Direction          Direction       `json:"direction"`
	StopLoss           decimal.Decimal `json:"stopLoss"`
	TakeProfit         decimal.Decimal `json:"takeProfit"`
	ATR                decimal.Decimal `json:"atr"`
	RiskReward         decimal.Decimal `json:"riskReward"`
	StopMultiple       decimal.Decimal `json:"stopMultiple"`
	TakeProfitMultiple decimal.Decimal `json:"takeProfitMultiple"`
	VolatilityState    VolatilityState `json:"volatilityState"`
	StopLossPips       decimal.Decimal `json:"stopLossPips"`
	TakeProfitPips     decimal.Decimal `json:"takeProfitPips"`
	TrailingStop       TrailingStop    `json:"trailingStop"`
}

// RiskManagement is the output of the risk engine's sizing pass.
type RiskManagement struct {
	CanTrade           bool                       `json:"canTrade"`
	Reason             string                     `json:"reason,omitempty"`
	PositionSize       decimal.Decimal            `json:"positionSize"`
	RiskFraction       decimal.Decimal            `json:"riskFraction"`
	Kelly              decimal.Decimal            `json:"kelly"`
	CorrelationPenalty decimal.Decimal            `json:"correlationPenalty"`
	StressTests        map[string]decimal.Decimal `json:"stressTests,omitempty"`
	Guardrails         []string                   `json:"guardrails,omitempty"`
	ExposureImpact     map[string]decimal.Decimal `json:"exposureImpact,omitempty"`
}

// TradeExecution is the sub-record of a trade capturing execution telemetry.
type TradeExecution struct {
	RequestedPrice   decimal.Decimal `json:"requestedPrice"`
	FilledPrice      decimal.Decimal `json:"filledPrice"`
	SlippagePips     decimal.Decimal `json:"slippagePips"`
	SlippageExceeded bool            `json:"slippageExceeded"`
	LatencyMs        int64           `json:"latencyMs"`
	Broker           Broker          `json:"broker"`
	OrderID          string          `json:"orderId"`
}

// ExecutionResult carries the outcome of an executeTrade call.
type ExecutionResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`

	ErrorType string `json:"errorType,omitempty"`
	TradeID   string `json:"tradeId,omitempty"`

	TradeExecution
}

// TradeStatus is the lifecycle state of a Trade.
type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "open"
	TradeStatusClosed TradeStatus = "closed"
)

// Trade is a live or historical position managed by the execution engine.
type Trade struct {
	ID           string          `json:"id"`
	Pair         string          `json:"pair"`
	Direction    Direction       `json:"direction"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	StopLoss     decimal.Decimal `json:"stopLoss"`
	TakeProfit   decimal.Decimal `json:"takeProfit"`
	PositionSize decimal.Decimal `json:"positionSize"`
	RiskFraction decimal.Decimal `json:"riskFraction"`
	StressTests  map[string]decimal.Decimal `json:"stressTests,omitempty"`
	Guardrails   []string        `json:"guardrails,omitempty"`
	OpenTime     time.Time       `json:"openTime"`
	Status       TradeStatus     `json:"status"`
	TrailingStop TrailingStop    `json:"trailingStop"`

	Broker        Broker         `json:"broker,omitempty"`
	BrokerOrderID string         `json:"brokerOrder,omitempty"`
	BrokerRoute   string         `json:"brokerRoute,omitempty"`
	Execution     TradeExecution `json:"execution"`

	MovedToBreakeven       bool            `json:"movedToBreakeven"`
	LastBrokerModifyAt     time.Time       `json:"lastBrokerModifyAt,omitempty"`
	LastBrokerStopLossSent decimal.Decimal `json:"lastBrokerStopLossSent,omitempty"`

	ClosePrice  decimal.Decimal `json:"closePrice,omitempty"`
	CloseTime   time.Time       `json:"closeTime,omitempty"`
	CloseReason string          `json:"closeReason,omitempty"`
	FinalPnL    decimal.Decimal `json:"finalPnL,omitempty"`

	OriginSignalID string `json:"originSignalId,omitempty"`
}

// CurrentPnL computes unrealized P&L given a live price, proportional to
// position size.
func (t Trade) CurrentPnL(price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(t.EntryPrice)
	if t.Direction == DirectionSell {
		diff = diff.Neg()
	}
	return diff.Mul(t.PositionSize)
}
