// Package quality implements the per-pair, multi-timeframe data quality
// assessor and its circuit breaker.
package quality

import (
	"sync"
	"time"

	"github.com/atlas-desktop/fx-signal-engine/internal/events"
	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BarSource supplies recent bars for a (broker, symbol, timeframe) series,
// ascending by time.
type BarSource interface {
	RecentBars(broker types.Broker, symbol string, tf types.Timeframe, limit int) []types.Bar
}

// SpreadSource supplies the latest spread estimate for a pair.
type SpreadSource interface {
	CurrentSpreadPips(broker types.Broker, symbol string) (decimal.Decimal, bool)
}

// spikeThresholds indexed by timeframe, expressed as a fraction (2.4% = 0.024).
var spikeThresholds = map[types.Timeframe]float64{
	types.TimeframeM1:  0.024,
	types.TimeframeM5:  0.020,
	types.TimeframeM15: 0.016,
	types.TimeframeM30: 0.013,
	types.TimeframeH1:  0.011,
	types.TimeframeH4:  0.009,
	types.TimeframeD1:  0.006,
}

var expectedInterval = map[types.Timeframe]time.Duration{
	types.TimeframeM1:  time.Minute,
	types.TimeframeM5:  5 * time.Minute,
	types.TimeframeM15: 15 * time.Minute,
	types.TimeframeM30: 30 * time.Minute,
	types.TimeframeH1:  time.Hour,
	types.TimeframeH4:  4 * time.Hour,
	types.TimeframeD1:  24 * time.Hour,
	types.TimeframeW1:  7 * 24 * time.Hour,
}

// categorySpread: warn/block pips by pair category.
type spreadBand struct{ warn, block decimal.Decimal }

var categorySpread = map[types.PairCategory]spreadBand{
	types.CategoryMajors: {warn: decimal.NewFromFloat(1.5), block: decimal.NewFromFloat(3.0)},
	types.CategoryYen:    {warn: decimal.NewFromFloat(1.8), block: decimal.NewFromFloat(3.5)},
	types.CategoryMinors: {warn: decimal.NewFromFloat(2.5), block: decimal.NewFromFloat(5.0)},
	types.CategoryCross:  {warn: decimal.NewFromFloat(2.5), block: decimal.NewFromFloat(5.0)},
	types.CategoryNone:   {warn: decimal.NewFromFloat(3.0), block: decimal.NewFromFloat(6.0)},
}

// Options configures one assessment call.
type Options struct {
	Timeframes         []types.Timeframe
	BarsPerTimeframe   int
	SyntheticRelaxed   bool
	Category           types.PairCategory
	MinHealthyScore    float64
	MinHealthyCount    int
	HealthyWindow      time.Duration
	MinBreakerDuration time.Duration
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		Timeframes:         []types.Timeframe{types.TimeframeM15, types.TimeframeH1, types.TimeframeH4},
		BarsPerTimeframe:   240,
		MinHealthyScore:    78,
		MinHealthyCount:    2,
		HealthyWindow:      4 * time.Minute,
		MinBreakerDuration: 2 * time.Minute,
	}
}

type streak struct {
	healthyCount int
	healthySince time.Time
}

// Guard is the per-pair data quality assessor and circuit breaker registry.
type Guard struct {
	mu       sync.RWMutex
	bars     BarSource
	spreads  SpreadSource
	breakers map[string]types.CircuitBreakerEntry
	streaks  map[string]streak
	logger   *zap.Logger
	bus      *events.EventBus
}

// SetEventBus attaches the bus circuit breaker activations and clears are
// published to. Optional; a Guard with no bus just logs.
func (g *Guard) SetEventBus(bus *events.EventBus) {
	g.bus = bus
}

// New builds a Guard over the given bar and spread sources.
func New(bars BarSource, spreads SpreadSource, logger *zap.Logger) *Guard {
	return &Guard{
		bars:     bars,
		spreads:  spreads,
		breakers: make(map[string]types.CircuitBreakerEntry),
		streaks:  make(map[string]streak),
		logger:   logger,
	}
}

// Assess evaluates a pair's current data quality across the configured
// timeframes and updates the circuit breaker / healthy-streak state.
func (g *Guard) Assess(broker types.Broker, pair string, opts Options) types.QualityReport {
	if len(opts.Timeframes) == 0 {
		def := DefaultOptions()
		opts.Timeframes = def.Timeframes
		opts.BarsPerTimeframe = def.BarsPerTimeframe
		opts.MinHealthyScore = def.MinHealthyScore
		opts.MinHealthyCount = def.MinHealthyCount
		opts.HealthyWindow = def.HealthyWindow
		opts.MinBreakerDuration = def.MinBreakerDuration
	}
	if opts.BarsPerTimeframe == 0 {
		opts.BarsPerTimeframe = 240
	}

	now := time.Now()
	report := types.QualityReport{
		Pair:             pair,
		AssessedAt:       now,
		TimeframeReports: make(map[types.Timeframe]types.TimeframeQualityReport, len(opts.Timeframes)),
		SyntheticRelaxed: opts.SyntheticRelaxed,
	}

	var totalScore float64
	var weekendGapPips decimal.Decimal
	weekendSeverity := types.GapNone

	for _, tf := range opts.Timeframes {
		tfReport, issues, gapPips, gapSeverity := g.assessTimeframe(broker, pair, tf, opts)
		report.TimeframeReports[tf] = tfReport
		report.Issues = append(report.Issues, issues...)
		totalScore += tfReport.Score
		if severityRank(gapSeverity) > severityRank(weekendSeverity) {
			weekendSeverity = gapSeverity
			weekendGapPips = gapPips
		}
	}
	if len(opts.Timeframes) > 0 {
		totalScore /= float64(len(opts.Timeframes))
	}

	report.WeekendGap = types.WeekendGapAssessment{Severity: weekendSeverity, MaxPips: weekendGapPips}

	spreadStatus, spreadPips := g.assessSpread(broker, pair, opts.Category)
	report.Spread = types.SpreadAssessment{Status: spreadStatus, Pips: spreadPips, Timestamp: now}

	switch spreadStatus {
	case types.SpreadStatusElevated:
		totalScore -= 8
	case types.SpreadStatusCritical:
		totalScore -= 18
	}
	if opts.SyntheticRelaxed {
		totalScore += 8
	}
	if totalScore < 0 {
		totalScore = 0
	}
	if totalScore > 100 {
		totalScore = 100
	}
	report.Score = totalScore

	report.Status, report.Recommendation = classify(totalScore, spreadStatus, weekendSeverity)
	report.ConfidenceFloor = confidenceFloor(spreadStatus, weekendSeverity)

	key := breakerKey(broker, pair)
	g.mu.Lock()
	defer g.mu.Unlock()

	if entry, ok := g.breakers[key]; ok && !entry.Expired(now) {
		g.updateHealthyStreak(key, report, opts, now)
		if g.shouldAutoReenable(key, report, opts, now) {
			delete(g.breakers, key)
			if g.bus != nil {
				g.bus.Publish(events.NewCircuitBreakerEvent(pair, entry.Reason, true))
			}
		} else {
			report.CircuitBreaker = &entry
		}
		return report
	}
	delete(g.breakers, key)

	if !opts.SyntheticRelaxed && g.shouldTrip(report) {
		reason := "quality_score"
		if spreadStatus == types.SpreadStatusCritical {
			reason = "wide_spread"
		} else if weekendSeverity == types.GapCritical {
			reason = "weekend_gap"
		}
		duration := opts.MinBreakerDuration
		if duration < 120*time.Second {
			duration = 120 * time.Second
		}
		entry := types.CircuitBreakerEntry{
			Pair:        pair,
			Reason:      reason,
			ActivatedAt: now,
			ExpiresAt:   now.Add(duration),
			Context: types.CircuitBreakerContext{
				Score:          report.Score,
				SpreadPips:     spreadPips,
				WeekendGapPips: weekendGapPips,
			},
		}
		g.breakers[key] = entry
		report.CircuitBreaker = &entry
		g.logger.Warn("circuit breaker activated",
			zap.String("pair", pair), zap.String("reason", reason), zap.Float64("score", report.Score))
		if g.bus != nil {
			g.bus.Publish(events.NewCircuitBreakerEvent(pair, reason, false))
		}
	}

	g.updateHealthyStreak(key, report, opts, now)
	return report
}

func (g *Guard) shouldTrip(report types.QualityReport) bool {
	if report.Status == types.QualityCritical && report.Score < 55 {
		return true
	}
	if report.Spread.Status == types.SpreadStatusCritical {
		return true
	}
	if report.WeekendGap.Severity == types.GapCritical {
		return true
	}
	return false
}

// updateHealthyStreak must be called with g.mu held.
func (g *Guard) updateHealthyStreak(key string, report types.QualityReport, opts Options, now time.Time) {
	s := g.streaks[key]
	if report.Status == types.QualityHealthy {
		if s.healthyCount == 0 {
			s.healthySince = now
		}
		s.healthyCount++
	} else {
		s.healthyCount = 0
		s.healthySince = time.Time{}
	}
	g.streaks[key] = s
}

// shouldAutoReenable must be called with g.mu held.
func (g *Guard) shouldAutoReenable(key string, report types.QualityReport, opts Options, now time.Time) bool {
	s := g.streaks[key]
	if report.Status != types.QualityHealthy {
		return false
	}
	if report.Score < opts.MinHealthyScore {
		return false
	}
	if s.healthyCount < opts.MinHealthyCount {
		return false
	}
	if s.healthySince.IsZero() || now.Sub(s.healthySince) > opts.HealthyWindow {
		return false
	}
	g.logger.Info("circuit breaker auto-reenabled", zap.String("pair", key))
	return true
}

func (g *Guard) assessTimeframe(broker types.Broker, pair string, tf types.Timeframe, opts Options) (types.TimeframeQualityReport, []types.QualityIssue, decimal.Decimal, types.WeekendGapSeverity) {
	bars := g.bars.RecentBars(broker, pair, tf, opts.BarsPerTimeframe)
	tfReport := types.TimeframeQualityReport{Timeframe: tf, Score: 100}
	var issues []types.QualityIssue
	var maxGapPips decimal.Decimal
	gapSeverity := types.GapNone

	if len(bars) < 2 {
		tfReport.Stale = true
		tfReport.Score -= relaxed(20, 8, opts.SyntheticRelaxed)
		return tfReport, issues, maxGapPips, gapSeverity
	}

	threshold, ok := spikeThresholds[tf]
	if !ok {
		threshold = 0.02
	}
	expected, ok := expectedInterval[tf]
	if !ok {
		expected = 15 * time.Minute
	}

	spikePenaltyPer := 35.0 / float64(len(bars))
	gapPenaltyPer := 40.0 / float64(len(bars))
	misalignPenaltyPer := 15.0 / float64(len(bars))

	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1], bars[i]
		if prev.Close.IsPositive() {
			move := cur.Close.Sub(prev.Close).Div(prev.Close).Abs()
			if mv, _ := move.Float64(); mv > threshold {
				tfReport.SpikeCount++
				tfReport.Score -= spikePenaltyPer
				issues = append(issues, types.QualityIssue{Type: "spike", Severity: "warning", Timestamp: cur.Time, Symbol: pair, BarIndex: i})
			}
		}

		dt := cur.Time.Sub(prev.Time)
		if dt > (expected*175)/100 {
			tfReport.GapCount++
			tfReport.Score -= relaxed(gapPenaltyPer, gapPenaltyPer*0.35, opts.SyntheticRelaxed)
			issues = append(issues, types.QualityIssue{Type: "gap", Severity: "warning", Timestamp: cur.Time, Symbol: pair, BarIndex: i})

			if dt >= expected*6 && isWeekendPattern(prev.Time, cur.Time) {
				moveAbs := cur.Close.Sub(prev.Close).Abs()
				if moveAbs.GreaterThan(maxGapPips) {
					maxGapPips = moveAbs
				}
				sev := classifyWeekendGap(moveAbs)
				if severityRank(sev) > severityRank(gapSeverity) {
					gapSeverity = sev
				}
			}
			continue
		}

		deviation := dt - expected
		if deviation < 0 {
			deviation = -deviation
		}
		if float64(deviation) > float64(expected)*0.20 {
			tfReport.Misaligned = true
			tfReport.Score -= relaxed(misalignPenaltyPer, misalignPenaltyPer*0.3, opts.SyntheticRelaxed)
		}
	}

	if len(bars) > 0 {
		latestAge := time.Since(bars[len(bars)-1].Time)
		if latestAge > expected*3 {
			tfReport.Stale = true
			tfReport.Score -= relaxed(20, 8, opts.SyntheticRelaxed)
		}
	}

	for i, bar := range bars {
		if bar.High.LessThan(bar.Low) || bar.Close.IsNegative() || bar.Open.IsNegative() {
			tfReport.SanityFailures++
			tfReport.Score -= 15.0 / float64(len(bars))
			issues = append(issues, types.QualityIssue{Type: "sanity", Severity: "critical", Timestamp: bar.Time, Symbol: pair, BarIndex: i})
		}
	}

	if tfReport.Score < 0 {
		tfReport.Score = 0
	}
	return tfReport, issues, maxGapPips, gapSeverity
}

func (g *Guard) assessSpread(broker types.Broker, pair string, category types.PairCategory) (types.SpreadStatus, decimal.Decimal) {
	band, ok := categorySpread[category]
	if !ok {
		band = categorySpread[types.CategoryNone]
	}
	if g.spreads == nil {
		return types.SpreadStatusOK, decimal.Zero
	}
	pips, ok := g.spreads.CurrentSpreadPips(broker, pair)
	if !ok {
		return types.SpreadStatusOK, decimal.Zero
	}
	switch {
	case pips.GreaterThan(band.block):
		return types.SpreadStatusCritical, pips
	case pips.GreaterThan(band.warn):
		return types.SpreadStatusElevated, pips
	default:
		return types.SpreadStatusOK, pips
	}
}

func relaxed(full, relaxedVal float64, isRelaxed bool) float64 {
	if isRelaxed {
		return relaxedVal
	}
	return full
}

func isWeekendPattern(prev, cur time.Time) bool {
	return prev.Weekday() == time.Friday && (cur.Weekday() == time.Sunday || cur.Weekday() == time.Monday)
}

func classifyWeekendGap(movePips decimal.Decimal) types.WeekendGapSeverity {
	v, _ := movePips.Float64()
	switch {
	case v >= 20:
		return types.GapCritical
	case v >= 10:
		return types.GapElevated
	case v >= 3:
		return types.GapMinor
	default:
		return types.GapNone
	}
}

func severityRank(s types.WeekendGapSeverity) int {
	switch s {
	case types.GapCritical:
		return 3
	case types.GapElevated:
		return 2
	case types.GapMinor:
		return 1
	default:
		return 0
	}
}

func classify(score float64, spread types.SpreadStatus, gap types.WeekendGapSeverity) (types.QualityStatus, types.QualityRecommendation) {
	if gap == types.GapCritical || spread == types.SpreadStatusCritical || score < 55 {
		return types.QualityCritical, types.RecommendBlock
	}
	if score < 78 || spread == types.SpreadStatusElevated || gap == types.GapElevated {
		return types.QualityDegraded, types.RecommendCaution
	}
	return types.QualityHealthy, types.RecommendProceed
}

func confidenceFloor(spread types.SpreadStatus, gap types.WeekendGapSeverity) *float64 {
	var floor float64
	switch {
	case spread == types.SpreadStatusCritical && gap == types.GapCritical:
		floor = 50
	case spread == types.SpreadStatusCritical:
		floor = 55
	case gap == types.GapCritical:
		floor = 52
	case spread == types.SpreadStatusElevated && gap == types.GapElevated:
		floor = 60
	case spread == types.SpreadStatusElevated:
		floor = 65
	case gap == types.GapElevated:
		floor = 62
	default:
		return nil
	}
	return &floor
}

func breakerKey(broker types.Broker, pair string) string {
	return string(broker) + ":" + pair
}
