// Package events provides a high-performance event bus carrying
// cross-component notifications between the bridge, orchestrator, decision
// gate, risk engine, execution engine, and trade manager.
package events

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventType defines the category of event.
type EventType string

const (
	EventTypeBar              EventType = "bar"
	EventTypeTick             EventType = "tick"
	EventTypeSignal           EventType = "signal"
	EventTypeExecution        EventType = "execution"
	EventTypeRiskAlert        EventType = "risk_alert"
	EventTypeTradeClosed      EventType = "trade_closed"
	EventTypeTradeLiveContext EventType = "trade_live_context"
	EventTypeCircuitBreaker   EventType = "circuit_breaker"
	EventTypeDrawdown         EventType = "drawdown"
)

// Event is the base interface for all events carried on the bus.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

// BarEvent signals a closed bar for (broker, symbol, timeframe).
type BarEvent struct {
	BaseEvent
	Broker    string          `json:"broker"`
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// TickEvent signals a quote update for (broker, symbol).
type TickEvent struct {
	BaseEvent
	Broker string          `json:"broker"`
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
}

// SignalEvent carries a published raw signal.
type SignalEvent struct {
	BaseEvent
	Pair       string  `json:"pair"`
	Direction  string  `json:"direction"`
	Strength   float64 `json:"strength"`
	Confidence float64 `json:"confidence"`
	FinalScore float64 `json:"finalScore"`
	State      string  `json:"state"`
}

// ExecutionEvent carries a trade execution outcome.
type ExecutionEvent struct {
	BaseEvent
	TradeID   string          `json:"tradeId"`
	Pair      string          `json:"pair"`
	Success   bool            `json:"success"`
	Reason    string          `json:"reason,omitempty"`
	ErrorType string          `json:"errorType,omitempty"`
	LatencyNs int64           `json:"latencyNs"`
	Slippage  decimal.Decimal `json:"slippagePips"`
}

// RiskAlertEvent contains risk warnings (exposure, VaR breach, correlation).
type RiskAlertEvent struct {
	BaseEvent
	AlertType    string          `json:"alertType"`
	Severity     string          `json:"severity"` // "warning" | "critical"
	Pair         string          `json:"pair,omitempty"`
	Message      string          `json:"message"`
	CurrentValue decimal.Decimal `json:"currentValue,omitempty"`
	Threshold    decimal.Decimal `json:"threshold,omitempty"`
}

// TradeClosedEvent carries the outcome of closeTrade.
type TradeClosedEvent struct {
	BaseEvent
	TradeID        string          `json:"tradeId"`
	Pair           string          `json:"pair"`
	Reason         string          `json:"reason"`
	FinalPnL       decimal.Decimal `json:"finalPnL"`
	OriginSignalID string          `json:"originSignalId,omitempty"`
}

// TradeLiveContextEvent carries a live supervision snapshot for an open trade.
type TradeLiveContextEvent struct {
	BaseEvent
	TradeID       string  `json:"tradeId"`
	Pair          string  `json:"pair"`
	ConfluenceNow float64 `json:"confluenceNow"`
	DriftScore    float64 `json:"driftScore"`
}

// CircuitBreakerEvent signals a circuit-breaker activation or clear.
type CircuitBreakerEvent struct {
	BaseEvent
	Pair    string `json:"pair"`
	Reason  string `json:"reason"`
	Cleared bool   `json:"cleared"`
}

// DrawdownEvent fires when portfolio drawdown crosses its alert threshold.
type DrawdownEvent struct {
	BaseEvent
	DrawdownPct decimal.Decimal `json:"drawdownPct"`
	PeakEquity  decimal.Decimal `json:"peakEquity"`
}

// EventHandler processes a single event.
type EventHandler func(event Event) error

// EventFilter selectively admits events to a handler.
type EventFilter func(event Event) bool

// SubscriptionOptions configures subscription behavior.
type SubscriptionOptions struct {
	Filter     EventFilter
	Async      bool
	BufferSize int
}

// Subscription represents an active event subscription.
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	Options   SubscriptionOptions
	active    atomic.Bool
}

// EventBusStats tracks bus performance metrics.
type EventBusStats struct {
	EventsPublished   int64         `json:"eventsPublished"`
	EventsProcessed   int64         `json:"eventsProcessed"`
	EventsDropped     int64         `json:"eventsDropped"`
	ProcessingErrors  int64         `json:"processingErrors"`
	AvgLatencyNs      int64         `json:"avgLatencyNs"`
	MaxLatencyNs      int64         `json:"maxLatencyNs"`
	P99LatencyNs      int64         `json:"p99LatencyNs"`
	P99Latency        time.Duration `json:"p99Latency"`
	ActiveSubscribers int64         `json:"activeSubscribers"`
}

// EventBusConfig configures the event bus.
type EventBusConfig struct {
	NumWorkers int `json:"numWorkers"`
	BufferSize int `json:"bufferSize"`
}

// DefaultEventBusConfig returns sensible defaults.
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		NumWorkers: 16,
		BufferSize: 100000,
	}
}

// EventBus is the central event routing system used to fan component
// notifications out to the trade manager, realtime runner, and dashboard
// broadcaster.
type EventBus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan   chan Event
	workerCount int

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64

	latencies  []int64
	latencyMu  sync.Mutex
	maxLatency atomic.Int64
	avgLatency atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewEventBus creates a bus with the given worker and buffer sizing.
func NewEventBus(logger *zap.Logger, config EventBusConfig) *EventBus {
	workerCount := config.NumWorkers
	bufferSize := config.BufferSize

	if workerCount <= 0 {
		workerCount = 16
	}
	if bufferSize <= 0 {
		bufferSize = 100000
	}

	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		subscribers:    make(map[EventType][]*Subscription),
		allSubscribers: make([]*Subscription, 0),
		eventChan:      make(chan Event, bufferSize),
		workerCount:    workerCount,
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger,
		latencies:      make([]int64, 0, 10000),
	}

	for i := 0; i < workerCount; i++ {
		eb.wg.Add(1)
		go eb.worker(i)
	}

	eb.logger.Info("event bus initialized",
		zap.Int("workers", workerCount),
		zap.Int("buffer_size", bufferSize),
	)

	return eb
}

func (eb *EventBus) worker(id int) {
	defer eb.wg.Done()

	for {
		select {
		case <-eb.ctx.Done():
			return
		case event := <-eb.eventChan:
			start := time.Now()
			eb.processEvent(event)
			eb.trackLatency(time.Since(start).Nanoseconds())
		}
	}
}

func (eb *EventBus) processEvent(event Event) {
	eb.mu.RLock()
	subs := eb.subscribers[event.GetType()]
	allSubs := eb.allSubscribers
	eb.mu.RUnlock()

	for _, sub := range subs {
		eb.dispatch(sub, event)
	}
	for _, sub := range allSubs {
		eb.dispatch(sub, event)
	}

	eb.eventsProcessed.Add(1)
}

func (eb *EventBus) dispatch(sub *Subscription, event Event) {
	if !sub.active.Load() {
		return
	}
	if sub.Options.Filter != nil && !sub.Options.Filter(event) {
		return
	}
	if sub.Options.Async {
		go eb.executeHandler(sub, event)
	} else {
		eb.executeHandler(sub, event)
	}
}

func (eb *EventBus) executeHandler(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.processingErrors.Add(1)
			eb.logger.Error("event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.GetType())),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.Handler(event); err != nil {
		eb.processingErrors.Add(1)
		eb.logger.Warn("event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.GetType())),
			zap.Error(err),
		)
	}
}

func (eb *EventBus) trackLatency(latencyNs int64) {
	eb.latencyMu.Lock()
	defer eb.latencyMu.Unlock()

	eb.latencies = append(eb.latencies, latencyNs)
	if len(eb.latencies) > 10000 {
		eb.latencies = eb.latencies[5000:]
	}

	if currentMax := eb.maxLatency.Load(); latencyNs > currentMax {
		eb.maxLatency.Store(latencyNs)
	}

	currentAvg := eb.avgLatency.Load()
	eb.avgLatency.Store((currentAvg*99 + latencyNs) / 100)
}

var subscriptionCounter atomic.Int64

func generateSubscriptionID() string {
	id := subscriptionCounter.Add(1)
	return "sub_" + time.Now().Format("20060102150405") + "_" + itoa(id)
}

func itoa(i int64) string {
	if i == 0 {
		return "0"
	}

	var buf [20]byte
	pos := len(buf)
	neg := i < 0
	if neg {
		i = -i
	}
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

// Subscribe registers a handler for an event type.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	options := SubscriptionOptions{Async: true, BufferSize: 1000}
	if len(opts) > 0 {
		options = opts[0]
	}

	sub := &Subscription{
		ID:        generateSubscriptionID(),
		EventType: eventType,
		Handler:   handler,
		Options:   options,
	}
	sub.active.Store(true)

	eb.subscribers[eventType] = append(eb.subscribers[eventType], sub)
	eb.activeSubscribers.Add(1)
	return sub
}

// SubscribeAll registers a handler for every event type.
func (eb *EventBus) SubscribeAll(handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	options := SubscriptionOptions{Async: true, BufferSize: 1000}
	if len(opts) > 0 {
		options = opts[0]
	}

	sub := &Subscription{ID: generateSubscriptionID(), EventType: "*", Handler: handler, Options: options}
	sub.active.Store(true)

	eb.allSubscribers = append(eb.allSubscribers, sub)
	eb.activeSubscribers.Add(1)
	return sub
}

// Unsubscribe deactivates a subscription.
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	sub.active.Store(false)
	eb.activeSubscribers.Add(-1)
}

// Publish sends an event to all subscribers without blocking; the event is
// dropped and counted if the buffer is full.
func (eb *EventBus) Publish(event Event) {
	select {
	case eb.eventChan <- event:
		eb.eventsPublished.Add(1)
	default:
		eb.eventsDropped.Add(1)
		eb.logger.Warn("event dropped, buffer full", zap.String("event_type", string(event.GetType())))
	}
}

// PublishSync sends an event and waits for it to be processed.
func (eb *EventBus) PublishSync(event Event) {
	eb.eventsPublished.Add(1)
	eb.processEvent(event)
}

// GetStats returns current performance statistics.
func (eb *EventBus) GetStats() EventBusStats {
	p99Ns := eb.GetP99LatencyNs()
	return EventBusStats{
		EventsPublished:   eb.eventsPublished.Load(),
		EventsProcessed:   eb.eventsProcessed.Load(),
		EventsDropped:     eb.eventsDropped.Load(),
		ProcessingErrors:  eb.processingErrors.Load(),
		AvgLatencyNs:      eb.avgLatency.Load(),
		MaxLatencyNs:      eb.maxLatency.Load(),
		P99LatencyNs:      p99Ns,
		P99Latency:        time.Duration(p99Ns),
		ActiveSubscribers: eb.activeSubscribers.Load(),
	}
}

// GetP99LatencyNs calculates the 99th percentile processing latency.
func (eb *EventBus) GetP99LatencyNs() int64 {
	eb.latencyMu.Lock()
	defer eb.latencyMu.Unlock()

	if len(eb.latencies) == 0 {
		return 0
	}

	sorted := make([]int64, len(eb.latencies))
	copy(sorted, eb.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// GetP99Latency returns P99 latency as a time.Duration.
func (eb *EventBus) GetP99Latency() time.Duration {
	return time.Duration(eb.GetP99LatencyNs())
}

// Start is a no-op; workers are already running from the constructor.
func (eb *EventBus) Start(ctx context.Context) error {
	eb.logger.Info("event bus started", zap.Int("workers", eb.workerCount))
	return nil
}

// Stop cancels the bus and waits up to 5s for its workers to exit; events
// still buffered at that point are not processed.
func (eb *EventBus) Stop() {
	eb.logger.Info("shutting down event bus")
	eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		eb.logger.Info("event bus shutdown complete",
			zap.Int64("events_processed", eb.eventsProcessed.Load()),
			zap.Int64("events_dropped", eb.eventsDropped.Load()),
		)
	case <-time.After(5 * time.Second):
		eb.logger.Warn("event bus shutdown timed out")
	}
}

// Close is an alias for Stop.
func (eb *EventBus) Close() {
	eb.Stop()
}

var eventCounter atomic.Int64

func generateEventID() string {
	id := eventCounter.Add(1)
	return "evt_" + time.Now().Format("20060102150405") + "_" + itoa(id)
}

// NewBarEvent builds a BarEvent for a closed candle.
func NewBarEvent(broker, symbol, timeframe string, open, high, low, close, volume decimal.Decimal, ts time.Time) *BarEvent {
	return &BarEvent{
		BaseEvent: BaseEvent{ID: generateEventID(), Type: EventTypeBar, Timestamp: ts},
		Broker:    broker, Symbol: symbol, Timeframe: timeframe,
		Open: open, High: high, Low: low, Close: close, Volume: volume,
	}
}

// NewTickEvent builds a TickEvent for a quote update.
func NewTickEvent(broker, symbol string, bid, ask decimal.Decimal, ts time.Time) *TickEvent {
	return &TickEvent{
		BaseEvent: BaseEvent{ID: generateEventID(), Type: EventTypeTick, Timestamp: ts},
		Broker:    broker, Symbol: symbol, Bid: bid, Ask: ask,
	}
}

// NewSignalEvent builds a SignalEvent from a published signal's headline fields.
func NewSignalEvent(pair, direction, state string, strength, confidence, finalScore float64) *SignalEvent {
	return &SignalEvent{
		BaseEvent: BaseEvent{ID: generateEventID(), Type: EventTypeSignal, Timestamp: time.Now()},
		Pair:      pair, Direction: direction, State: state,
		Strength: strength, Confidence: confidence, FinalScore: finalScore,
	}
}

// NewExecutionEvent builds an ExecutionEvent for an executeTrade outcome.
func NewExecutionEvent(tradeID, pair string, success bool, reason, errorType string, latencyNs int64, slippage decimal.Decimal) *ExecutionEvent {
	return &ExecutionEvent{
		BaseEvent: BaseEvent{ID: generateEventID(), Type: EventTypeExecution, Timestamp: time.Now()},
		TradeID:   tradeID, Pair: pair, Success: success, Reason: reason,
		ErrorType: errorType, LatencyNs: latencyNs, Slippage: slippage,
	}
}

// NewRiskAlertEvent builds a RiskAlertEvent.
func NewRiskAlertEvent(alertType, severity, pair, message string, currentVal, threshold decimal.Decimal) *RiskAlertEvent {
	return &RiskAlertEvent{
		BaseEvent: BaseEvent{ID: generateEventID(), Type: EventTypeRiskAlert, Timestamp: time.Now()},
		AlertType: alertType, Severity: severity, Pair: pair, Message: message,
		CurrentValue: currentVal, Threshold: threshold,
	}
}

// NewTradeClosedEvent builds a TradeClosedEvent.
func NewTradeClosedEvent(tradeID, pair, reason, originSignalID string, finalPnL decimal.Decimal) *TradeClosedEvent {
	return &TradeClosedEvent{
		BaseEvent: BaseEvent{ID: generateEventID(), Type: EventTypeTradeClosed, Timestamp: time.Now()},
		TradeID:   tradeID, Pair: pair, Reason: reason, FinalPnL: finalPnL, OriginSignalID: originSignalID,
	}
}

// NewCircuitBreakerEvent builds a CircuitBreakerEvent.
func NewCircuitBreakerEvent(pair, reason string, cleared bool) *CircuitBreakerEvent {
	return &CircuitBreakerEvent{
		BaseEvent: BaseEvent{ID: generateEventID(), Type: EventTypeCircuitBreaker, Timestamp: time.Now()},
		Pair:      pair, Reason: reason, Cleared: cleared,
	}
}

// NewDrawdownEvent builds a DrawdownEvent.
func NewDrawdownEvent(drawdownPct, peakEquity decimal.Decimal) *DrawdownEvent {
	return &DrawdownEvent{
		BaseEvent:   BaseEvent{ID: generateEventID(), Type: EventTypeDrawdown, Timestamp: time.Now()},
		DrawdownPct: drawdownPct, PeakEquity: peakEquity,
	}
}
