// Package analyzers provides thin, typed contracts over economic, news,
// technical, and candle analyses. Each adapter normalizes its source data
// into a report the orchestration coordinator can compose without knowing
// how the report was produced; the indicator math behind the technical
// adapter lives in a third-party TA library rather than hand-rolled here.
package analyzers

import (
	"context"
	"time"

	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
	"github.com/atlas-desktop/fx-signal-engine/pkg/utils"
	talib "github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
)

// Kind identifies an analyzer's domain.
type Kind string

const (
	KindEconomic  Kind = "economic"
	KindNews      Kind = "news"
	KindTechnical Kind = "technical"
	KindCandle    Kind = "candle"
)

// Analyzer produces a typed report for a pair given a market context.
// Implementations must not block past ctx's deadline; a failing analyzer
// returns an error so the orchestrator can substitute a neutral placeholder
// rather than abort the whole signal generation.
type Analyzer interface {
	Kind() Kind
	Analyze(ctx context.Context, pair string, mctx MarketContext) (Report, error)
}

// MarketContext is the externally supplied context for one analysis pass,
// matching the provider shape.
type MarketContext struct {
	Quote           *types.Quote
	BarsByTimeframe map[types.Timeframe][]types.Bar
	Snapshot        *types.Snapshot
	Events          []types.NewsEvent
	Bars            []types.Bar
	BarsTimeframe   types.Timeframe
}

// Report is the normalized output of any analyzer. Fields not relevant to
// a given Kind are left at zero value.
type Report struct {
	Kind        Kind            `json:"kind"`
	Direction   types.Direction `json:"direction"`
	Score       float64         `json:"score"`      // signed, -100..100
	Confidence  float64         `json:"confidence"` // 0..100
	LatestPrice decimal.Decimal `json:"latestPrice,omitempty"`
	Fields      map[string]any  `json:"fields,omitempty"`
	Neutral     bool            `json:"neutral"`
	Error       string          `json:"error,omitempty"`
}

// Registry looks analyzers up by Kind.
type Registry struct {
	byKind map[Kind]Analyzer
}

// NewRegistry builds a registry from the given analyzers, keyed by Kind.
func NewRegistry(list ...Analyzer) *Registry {
	r := &Registry{byKind: make(map[Kind]Analyzer, len(list))}
	for _, a := range list {
		r.byKind[a.Kind()] = a
	}
	return r
}

// Get returns the analyzer for kind, if registered.
func (r *Registry) Get(kind Kind) (Analyzer, bool) {
	a, ok := r.byKind[kind]
	return a, ok
}

func neutralReport(kind Kind, price decimal.Decimal, reason string) Report {
	return Report{Kind: kind, Direction: types.DirectionNeutral, Score: 0, Confidence: 0, LatestPrice: price, Neutral: true, Error: reason}
}

// EconomicAnalyzer produces a macro-bias report from calendar events.
type EconomicAnalyzer struct{}

func NewEconomicAnalyzer() *EconomicAnalyzer { return &EconomicAnalyzer{} }

func (a *EconomicAnalyzer) Kind() Kind { return KindEconomic }

func (a *EconomicAnalyzer) Analyze(ctx context.Context, pair string, mctx MarketContext) (Report, error) {
	if len(mctx.Events) == 0 {
		return neutralReport(KindEconomic, decimal.Zero, "no_events"), nil
	}
	var weighted float64
	var totalWeight float64
	for _, ev := range mctx.Events {
		w := float64(ev.Impact) + 1
		totalWeight += w
		// Positive-impact events on the base currency push a signed score
		// toward BUY; this is a coarse macro bias, not a forecast.
		if ev.Currency != "" && len(pair) >= 3 && ev.Currency == pair[:3] {
			weighted += w
		} else if ev.Currency != "" && len(pair) >= 6 && ev.Currency == pair[3:6] {
			weighted -= w
		}
	}
	score := 0.0
	if totalWeight > 0 {
		score = clamp(weighted/totalWeight*100, -100, 100)
	}
	dir := directionFromScore(score)
	return Report{
		Kind:       KindEconomic,
		Direction:  dir,
		Score:      score,
		Confidence: clamp(totalWeight*8, 0, 70),
		Fields:     map[string]any{"eventCount": len(mctx.Events)},
	}, nil
}

// NewsAnalyzer produces a sentiment/impact report from headline events.
type NewsAnalyzer struct{}

func NewNewsAnalyzer() *NewsAnalyzer { return &NewsAnalyzer{} }

func (a *NewsAnalyzer) Kind() Kind { return KindNews }

func (a *NewsAnalyzer) Analyze(ctx context.Context, pair string, mctx MarketContext) (Report, error) {
	if len(mctx.Events) == 0 {
		return neutralReport(KindNews, decimal.Zero, "no_news"), nil
	}
	maxImpact := 0
	upcoming := 0
	now := time.Now()
	for _, ev := range mctx.Events {
		if ev.Impact > maxImpact {
			maxImpact = ev.Impact
		}
		if ev.Time.After(now) && ev.Time.Before(now.Add(2*time.Hour)) {
			upcoming++
		}
	}
	return Report{
		Kind:       KindNews,
		Direction:  types.DirectionNeutral,
		Score:      0,
		Confidence: clamp(100-float64(maxImpact)*15, 10, 100),
		Fields: map[string]any{
			"maxImpact":      maxImpact,
			"upcomingEvents": upcoming,
		},
	}, nil
}

// TechnicalAnalyzer produces a momentum/volatility/structure report using
// go-talib over supplied bars, falling back to snapshot-direction hydration
// when bars are unavailable (EA-only path).
type TechnicalAnalyzer struct{}

func NewTechnicalAnalyzer() *TechnicalAnalyzer { return &TechnicalAnalyzer{} }

func (a *TechnicalAnalyzer) Kind() Kind { return KindTechnical }

func (a *TechnicalAnalyzer) Analyze(ctx context.Context, pair string, mctx MarketContext) (Report, error) {
	bars := mctx.Bars
	if len(bars) == 0 {
		if h1, ok := mctx.BarsByTimeframe[types.TimeframeH1]; ok {
			bars = h1
		}
	}
	if len(bars) < 15 {
		return a.fromSnapshot(mctx), nil
	}

	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	for i, b := range bars {
		closes[i], _ = b.Close.Float64()
		highs[i], _ = b.High.Float64()
		lows[i], _ = b.Low.Float64()
	}

	rsi := talib.Rsi(closes, 14)
	macd, signal, hist := talib.Macd(closes, 12, 26, 9)
	atr := talib.Atr(highs, lows, closes, 14)

	last := len(closes) - 1
	lastRSI := lastOf(rsi)
	lastHist := lastOf(hist)
	lastATR := lastOf(atr)
	_ = macd
	_ = signal

	score := 0.0
	score += clamp((lastRSI-50)*1.6, -50, 50)
	if lastHist > 0 {
		score += clamp(lastHist*10000, 0, 30)
	} else {
		score -= clamp(-lastHist*10000, 0, 30)
	}
	score = clamp(score, -100, 100)

	volState := volatilityFromATR(lastATR, closes[last])

	sma20 := utils.NewSMA(20)
	ema20 := utils.NewEMA(20)
	for _, b := range bars {
		sma20.Add(b.Close)
		ema20.Add(b.Close)
	}

	return Report{
		Kind:        KindTechnical,
		Direction:   directionFromScore(score),
		Score:       score,
		Confidence:  clamp(50+abs(score)/4, 0, 95),
		LatestPrice: decimal.NewFromFloat(closes[last]),
		Fields: map[string]any{
			"rsi":             lastRSI,
			"macdHist":        lastHist,
			"atr":             lastATR,
			"volatilityState": volState,
			"barsUsed":        len(bars),
			"sma20":           sma20.Current(),
			"ema20":           ema20.Current(),
		},
	}, nil
}

// fromSnapshot builds a neutral-leaning technical scaffold hydrated with
// per-timeframe snapshot direction when raw bars aren't available, for the
// EA-only path.
func (a *TechnicalAnalyzer) fromSnapshot(mctx MarketContext) Report {
	price := decimal.Zero
	if mctx.Quote != nil {
		price = mctx.Quote.Mid()
	}
	if mctx.Snapshot == nil {
		return neutralReport(KindTechnical, price, "no_bars_no_snapshot")
	}
	var votes float64
	var n float64
	for _, tf := range mctx.Snapshot.PerTimeframe {
		switch tf.Direction {
		case types.DirectionBuy:
			votes++
		case types.DirectionSell:
			votes--
		}
		n++
		if price.IsZero() && !tf.LatestCandle.Close.IsZero() {
			price = tf.LatestCandle.Close
		}
	}
	score := 0.0
	if n > 0 {
		score = clamp(votes/n*100, -100, 100)
	}
	return Report{
		Kind:        KindTechnical,
		Direction:   directionFromScore(score),
		Score:       score,
		Confidence:  clamp(n*12, 0, 60),
		LatestPrice: price,
		Fields:      map[string]any{"source": "snapshot", "timeframes": n},
	}
}

// CandleAnalyzer derives momentum/volatility/structure signals from raw
// candle geometry (body ratio, range expansion) when a dedicated technical
// analyzer path isn't run, for the EA-only candle-derived path.
type CandleAnalyzer struct{}

func NewCandleAnalyzer() *CandleAnalyzer { return &CandleAnalyzer{} }

func (a *CandleAnalyzer) Kind() Kind { return KindCandle }

func (a *CandleAnalyzer) Analyze(ctx context.Context, pair string, mctx MarketContext) (Report, error) {
	bars := mctx.Bars
	if len(bars) == 0 {
		for _, b := range mctx.BarsByTimeframe {
			bars = b
			break
		}
	}
	if len(bars) == 0 {
		return neutralReport(KindCandle, decimal.Zero, "no_candles"), nil
	}
	last := bars[len(bars)-1]
	rng := last.High.Sub(last.Low)
	if rng.IsZero() {
		return neutralReport(KindCandle, last.Close, "zero_range"), nil
	}
	body := last.Close.Sub(last.Open).Abs()
	bodyRatio, _ := body.Div(rng).Float64()
	bullish := last.Close.GreaterThan(last.Open)

	score := bodyRatio * 100
	if !bullish {
		score = -score
	}
	return Report{
		Kind:        KindCandle,
		Direction:   directionFromScore(score),
		Score:       clamp(score, -100, 100),
		Confidence:  clamp(bodyRatio*100, 0, 80),
		LatestPrice: last.Close,
		Fields:      map[string]any{"bodyRatio": bodyRatio, "bullish": bullish},
	}
}

func directionFromScore(score float64) types.Direction {
	switch {
	case score >= 8:
		return types.DirectionBuy
	case score <= -8:
		return types.DirectionSell
	default:
		return types.DirectionNeutral
	}
}

func volatilityFromATR(atr, price float64) types.VolatilityState {
	if price == 0 {
		return types.VolatilityNormal
	}
	pct := atr / price * 100
	switch {
	case pct < 0.15:
		return types.VolatilityCalm
	case pct < 0.6:
		return types.VolatilityNormal
	case pct < 1.5:
		return types.VolatilityVolatile
	default:
		return types.VolatilityExtreme
	}
}

func lastOf(xs []float64) float64 {
	for i := len(xs) - 1; i >= 0; i-- {
		if xs[i] == xs[i] { // not NaN
			return xs[i]
		}
	}
	return 0
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

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
