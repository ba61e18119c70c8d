package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the most recent tradable price for a (broker, symbol) pair.
type Quote struct {
	Broker        Broker          `json:"broker"`
	Symbol        string          `json:"symbol"`
	Bid           decimal.Decimal `json:"bid"`
	Ask           decimal.Decimal `json:"ask"`
	Last          decimal.Decimal `json:"last,omitempty"`
	Digits        int             `json:"digits"`
	Point         decimal.Decimal `json:"point"`
	SpreadPoints  decimal.Decimal `json:"spreadPoints"`
	Volume        decimal.Decimal `json:"volume,omitempty"`
	LiquidityHint string          `json:"liquidityHint,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	ReceivedAt    time.Time       `json:"receivedAt"`
}

// Mid returns the midpoint of bid/ask.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Bar is a single candlestick for a (broker, symbol, timeframe) series.
type Bar struct {
	Broker    Broker          `json:"broker"`
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume,omitempty"`
	Time      time.Time       `json:"time"`
	Closed    bool            `json:"closed"`
}

// Snapshot is a per-timeframe indicator bundle pushed by the bridge agent.
type Snapshot struct {
	Broker       Broker                   `json:"broker"`
	Symbol       string                   `json:"symbol"`
	PerTimeframe map[Timeframe]TFSnapshot `json:"perTimeframe"`
	ReceivedAt   time.Time                `json:"receivedAt"`
}

// TFSnapshot is one timeframe's worth of indicator state.
type TFSnapshot struct {
	RSI          decimal.Decimal   `json:"rsi"`
	MACDHist     decimal.Decimal   `json:"macdHist"`
	ATR          decimal.Decimal   `json:"atr"`
	DayRange     decimal.Decimal   `json:"dayRange,omitempty"`
	WeekRange    decimal.Decimal   `json:"weekRange,omitempty"`
	MonthRange   decimal.Decimal   `json:"monthRange,omitempty"`
	PivotLevels  []decimal.Decimal `json:"pivotLevels,omitempty"`
	LatestCandle Bar               `json:"latestCandle"`
	Direction    Direction         `json:"direction"`
	Score        decimal.Decimal   `json:"score"`
}

// NewsEvent is a single economic calendar / headline entry.
type NewsEvent struct {
	Broker    Broker          `json:"broker"`
	Title     string          `json:"title"`
	Currency  string          `json:"currency,omitempty"`
	Impact    int             `json:"impact"` // 0-3, higher = more disruptive
	Time      time.Time       `json:"time"`
	Relevance decimal.Decimal `json:"relevance,omitempty"`
}

// ActiveSymbolClaim marks a symbol as "hot" for a limited time.
type ActiveSymbolClaim struct {
	Broker    Broker    `json:"broker"`
	Symbol    string    `json:"symbol"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ManagementCommand is a trade-management instruction queued for an EA to
// poll and apply (modify SL/TP, close, etc).
type ManagementCommand struct {
	ID         string                     `json:"id"`
	Broker     Broker                     `json:"broker"`
	TradeID    string                     `json:"tradeId"`
	Action     string                     `json:"action"`
	Params     map[string]decimal.Decimal `json:"params,omitempty"`
	EnqueuedAt time.Time                  `json:"enqueuedAt"`
}

// SpreadStatus classifies the current spread for a pair.
type SpreadStatus string

const (
	SpreadStatusOK       SpreadStatus = "ok"
	SpreadStatusElevated SpreadStatus = "elevated"
	SpreadStatusCritical SpreadStatus = "critical"
)

// SpreadAssessment is the quality report's spread sub-section.
type SpreadAssessment struct {
	Status    SpreadStatus    `json:"status"`
	Pips      decimal.Decimal `json:"pips"`
	Provider  string          `json:"provider,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// WeekendGapSeverity classifies the size of a detected weekend price gap.
type WeekendGapSeverity string

const (
	GapNone     WeekendGapSeverity = "none"
	GapMinor    WeekendGapSeverity = "minor"
	GapElevated WeekendGapSeverity = "elevated"
	GapCritical WeekendGapSeverity = "critical"
)

// WeekendGapAssessment is the quality report's weekend-gap sub-section.
type WeekendGapAssessment struct {
	Severity WeekendGapSeverity `json:"severity"`
	MaxPips  decimal.Decimal    `json:"maxPips"`
}

// QualityStatus is the overall classification of a quality report.
type QualityStatus string

const (
	QualityHealthy  QualityStatus = "healthy"
	QualityDegraded QualityStatus = "degraded"
	QualityCritical QualityStatus = "critical"
)

// QualityRecommendation tells callers how to treat the pair right now.
type QualityRecommendation string

const (
	RecommendProceed QualityRecommendation = "proceed"
	RecommendCaution QualityRecommendation = "caution"
	RecommendBlock   QualityRecommendation = "block"
	RecommendMonitor QualityRecommendation = "monitor"
)

// QualityIssue is a single detected data-quality defect.
type QualityIssue struct {
	Type      string          `json:"type"`
	Severity  string          `json:"severity"`
	Timestamp time.Time       `json:"timestamp"`
	Symbol    string          `json:"symbol"`
	Message   string          `json:"message"`
	Value     decimal.Decimal `json:"value,omitempty"`
	BarIndex  int             `json:"barIndex,omitempty"`
}

// TimeframeQualityReport is the per-timeframe scoring detail.
type TimeframeQualityReport struct {
	Timeframe      Timeframe `json:"timeframe"`
	Score          float64   `json:"score"`
	SpikeCount     int       `json:"spikeCount"`
	GapCount       int       `json:"gapCount"`
	Misaligned     bool      `json:"misaligned"`
	Stale          bool      `json:"stale"`
	SanityFailures int       `json:"sanityFailures"`
}

// QualityReport is a per-pair assessment produced by the data quality guard.
type QualityReport struct {
	Pair             string                               `json:"pair"`
	AssessedAt       time.Time                            `json:"assessedAt"`
	Score            float64                              `json:"score"`
	Status           QualityStatus                        `json:"status"`
	Recommendation   QualityRecommendation                `json:"recommendation"`
	Issues           []QualityIssue                       `json:"issues"`
	TimeframeReports map[Timeframe]TimeframeQualityReport `json:"timeframeReports"`
	Spread           SpreadAssessment                     `json:"spread"`
	WeekendGap       WeekendGapAssessment                 `json:"weekendGap"`
	SyntheticRelaxed bool                                 `json:"syntheticRelaxed"`
	SyntheticContext string                               `json:"syntheticContext,omitempty"`
	ConfidenceFloor  *float64                             `json:"confidenceFloor,omitempty"`
	CircuitBreaker   *CircuitBreakerEntry                 `json:"circuitBreaker,omitempty"`
}

// CircuitBreakerEntry vetoes execution for a pair until it expires or is
// cleared by auto-reenable.
type CircuitBreakerEntry struct {
	Pair        string                `json:"pair"`
	Reason      string                `json:"reason"`
	ActivatedAt time.Time             `json:"activatedAt"`
	ExpiresAt   time.Time             `json:"expiresAt"`
	Context     CircuitBreakerContext `json:"context"`
}

// CircuitBreakerContext captures the inputs that triggered the breaker.
type CircuitBreakerContext struct {
	Score          float64         `json:"score"`
	SpreadPips     decimal.Decimal `json:"spreadPips"`
	WeekendGapPips decimal.Decimal `json:"weekendGapPips"`
}

// Expired reports whether the breaker entry should be evicted on read.
func (c CircuitBreakerEntry) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// DecisionMemoryPoint is one entry in a pair's bounded decision-memory ring.
type DecisionMemoryPoint struct {
	Score01 float64       `json:"score01"`
	State   DecisionState `json:"state"`
	At      time.Time     `json:"at"`
}

// SignalComponents holds the per-source scoring contributions combined into
// a raw signal by the orchestration coordinator.
type SignalComponents struct {
	Economic   map[string]any      `json:"economic,omitempty"`
	News       map[string]any      `json:"news,omitempty"`
	Technical  map[string]any      `json:"technical,omitempty"`
	MarketData MarketDataComponent `json:"marketData"`
}

// MarketDataComponent is the market-data contribution to a raw signal.
type MarketDataComponent struct {
	SpreadPips   decimal.Decimal `json:"spreadPips,omitempty"`
	SpreadStatus SpreadStatus    `json:"spreadStatus,omitempty"`
	EAQuote      *Quote          `json:"eaQuote,omitempty"`
}

// TradePlan is the human/machine-rationale-bearing execution plan attached
// to a raw signal.
type TradePlan struct {
	Summary string   `json:"summary"`
	Notes   []string `json:"notes,omitempty"`
}

// Signal is the raw output of the orchestration coordinator, owned
// exclusively within the scope of one generation call.
type Signal struct {
	ID               string           `json:"id"`
	Pair             string           `json:"pair"`
	Timestamp        time.Time        `json:"timestamp"`
	Direction        Direction        `json:"direction"`
	Strength         float64          `json:"strength"`
	Confidence       float64          `json:"confidence"`
	FinalScore       float64          `json:"finalScore"`
	Components       SignalComponents `json:"components"`
	Entry            *Entry           `json:"entry,omitempty"`
	RiskManagement   *RiskManagement  `json:"riskManagement,omitempty"`
	IsValid          SignalValidity   `json:"isValid"`
	ExpiresAt        time.Time        `json:"expiresAt,omitempty"`
	Validity         time.Duration    `json:"validity,omitempty"`
	Reasoning        []string         `json:"reasoning,omitempty"`
	TradePlan        TradePlan        `json:"tradePlan"`
	EstimatedWinRate float64          `json:"estimatedWinRate"`
	SignalStatus     SignalStatus     `json:"signalStatus"`
	Decision         *Decision        `json:"decision,omitempty"`
	Source           string           `json:"source"`
}

// SignalValidity is the outer validity envelope for a signal.
type SignalValidity struct {
	IsValid bool   `json:"isValid"`
	Reason  string `json:"reason,omitempty"`
}

// Decision is the structured output of the decision gate.
type Decision struct {
	State           DecisionState      `json:"state"`
	Blocked         bool               `json:"blocked"`
	Category        string             `json:"category,omitempty"`
	AssetClass      AssetClass         `json:"assetClass"`
	Score           float64            `json:"score"`
	KillSwitch      bool               `json:"killSwitch"`
	Confluence      ConfluenceResult   `json:"confluence"`
	Profile         string             `json:"profile"`
	Contributors    map[string]float64 `json:"contributors,omitempty"`
	Context         map[string]any     `json:"context,omitempty"`
	Modifiers       map[string]float64 `json:"modifiers,omitempty"`
	Blockers        []string           `json:"blockers,omitempty"`
	Missing         []string           `json:"missing,omitempty"`
	WhatWouldChange []string           `json:"whatWouldChange,omitempty"`
}

// ConfluenceResult summarizes the 45-layer checklist evaluation.
type ConfluenceResult struct {
	Passed    bool          `json:"passed"`
	Score     float64       `json:"score"`
	MinScore  float64       `json:"minScore"`
	Mode      string        `json:"mode"` // "strict" | "advisory"
	HardFails []string      `json:"hardFails,omitempty"`
	Layers    []LayerResult `json:"layers,omitempty"`
}

// LayerResult is one confluence-layer outcome.
type LayerResult struct {
	ID       string         `json:"id"`
	Label    string         `json:"label"`
	Status   string         `json:"status"` // PASS | FAIL | SKIP
	Weight   float64        `json:"weight"`
	Category string         `json:"category"`
	Metrics  map[string]any `json:"metrics,omitempty"`
}

// RiskCommandSnapshot is the portfolio-level risk view, refreshed on
// trade-open/close and periodic tick.
type RiskCommandSnapshot struct {
	Exposures             map[string]decimal.Decimal `json:"exposures"`
	CurrencyLimitBreaches []string                   `json:"currencyLimitBreaches,omitempty"`
	Correlation           CorrelationSnapshot        `json:"correlation"`
	VaR                   VaRSnapshot                `json:"var"`
	PnLSummary            PnLSummary                 `json:"pnlSummary"`
	Blotter               Blotter                    `json:"blotter"`
	UpdatedAt             time.Time                  `json:"updatedAt"`
}

// CorrelationSnapshot is the risk engine's correlation-cluster view.
type CorrelationSnapshot struct {
	Enabled      bool              `json:"enabled"`
	Threshold    float64           `json:"threshold"`
	MaxCluster   int               `json:"maxCluster"`
	Correlations []PairCorrelation `json:"correlations,omitempty"`
	ClusterLoad  map[string]int    `json:"clusterLoad,omitempty"`
	Blocked      bool              `json:"blocked"`
}

// PairCorrelation is one pairwise correlation estimate.
type PairCorrelation struct {
	A           string  `json:"a"`
	B           string  `json:"b"`
	Correlation float64 `json:"correlation"`
}

// VaRSnapshot is the historical value-at-risk view.
type VaRSnapshot struct {
	Ready       bool      `json:"ready"`
	ValuePct    float64   `json:"valuePct"`
	LimitPct    float64   `json:"limitPct"`
	Breach      bool      `json:"breach"`
	Confidence  float64   `json:"confidence"`
	Lookback    int       `json:"lookback"`
	SampleCount int       `json:"sampleCount"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// PnLSummary is the realized/unrealized P&L rollup.
type PnLSummary struct {
	Realized       decimal.Decimal `json:"realized"`
	Unrealized     decimal.Decimal `json:"unrealized"`
	Net            decimal.Decimal `json:"net"`
	BestTrade      decimal.Decimal `json:"bestTrade"`
	WorstTrade     decimal.Decimal `json:"worstTrade"`
	WinRate        decimal.Decimal `json:"winRate"`
	ProfitFactor   decimal.Decimal `json:"profitFactor"`
	MaxDrawdownPct decimal.Decimal `json:"maxDrawdownPct"`
}

// Blotter lists open and recently closed trades for dashboards.
type Blotter struct {
	OpenTrades   []*Trade `json:"openTrades"`
	RecentClosed []*Trade `json:"recentClosed"`
}
