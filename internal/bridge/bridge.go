// Package bridge implements the Market Data Bridge: the process-scoped
// state container that ingests broker-side agent ("EA") data and exposes
// read APIs and per-broker command queues.
package bridge

import (
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/fx-signal-engine/internal/events"
	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9_.#-]{3,20}$`)

const (
	defaultQuoteRetention  = 30 * time.Minute
	defaultQuoteMaxPoints  = 2400
	defaultActiveSymbolTTL = 12 * time.Minute
	defaultBroadcastFlush  = 250 * time.Millisecond
	defaultNewsRingSize    = 500
	maxBarsPerSeries       = 5000
)

type quoteHistory struct {
	current types.Quote
	history []types.Quote
}

type barSeries struct {
	bars []types.Bar
}

type symbolInfo struct {
	lastSeen time.Time
}

type activeClaim struct {
	expiresAt time.Time
}

// Bridge is the concurrency-safe market data store for all brokers.
type Bridge struct {
	mu sync.RWMutex

	sessions map[string]types.Session // key: broker:accountNumber

	quotes    map[string]*quoteHistory           // key: broker:symbol
	bars      map[string]*barSeries              // key: broker:symbol:timeframe
	snapshots map[string]types.Snapshot          // key: broker:symbol
	news      map[types.Broker][]types.NewsEvent // ring per broker

	symbols map[types.Broker]map[string]*symbolInfo
	active  map[types.Broker]map[string]*activeClaim

	snapshotRequests map[types.Broker][]string
	commandQueues    map[types.Broker][]types.ManagementCommand

	bus    *events.EventBus
	logger *zap.Logger

	pendingBroadcast []Notification
	broadcastMu      sync.Mutex
	flushInterval    time.Duration
	onBroadcast      func([]Notification)
}

// Notification is a unit of buffered broadcast output.
type Notification struct {
	Kind   string `json:"kind"`
	Broker types.Broker `json:"broker"`
	Symbol string `json:"symbol,omitempty"`
}

// New builds an empty Bridge.
func New(bus *events.EventBus, logger *zap.Logger) *Bridge {
	b := &Bridge{
		sessions:         make(map[string]types.Session),
		quotes:           make(map[string]*quoteHistory),
		bars:             make(map[string]*barSeries),
		snapshots:        make(map[string]types.Snapshot),
		news:             make(map[types.Broker][]types.NewsEvent),
		symbols:          make(map[types.Broker]map[string]*symbolInfo),
		active:           make(map[types.Broker]map[string]*activeClaim),
		snapshotRequests: make(map[types.Broker][]string),
		commandQueues:    make(map[types.Broker][]types.ManagementCommand),
		bus:              bus,
		logger:           logger,
		flushInterval:    defaultBroadcastFlush,
	}
	return b
}

// OnBroadcast registers the sink invoked on each buffered flush.
func (b *Bridge) OnBroadcast(fn func([]Notification)) {
	b.onBroadcast = fn
}

// RunBroadcastLoop periodically flushes buffered notifications. Call once
// from a long-lived goroutine; returns when stop is closed.
func (b *Bridge) RunBroadcastLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.flush()
		}
	}
}

func (b *Bridge) flush() {
	b.broadcastMu.Lock()
	pending := b.pendingBroadcast
	b.pendingBroadcast = nil
	b.broadcastMu.Unlock()

	if len(pending) == 0 || b.onBroadcast == nil {
		return
	}
	b.onBroadcast(pending)
}

func (b *Bridge) queueBroadcast(n Notification) {
	b.broadcastMu.Lock()
	b.pendingBroadcast = append(b.pendingBroadcast, n)
	b.broadcastMu.Unlock()
}

func sessionKey(broker types.Broker, accountNumber string) string {
	return string(broker) + ":" + accountNumber
}

func quoteKey(broker types.Broker, symbol string) string {
	return string(broker) + ":" + symbol
}

func barKey(broker types.Broker, symbol string, tf types.Timeframe) string {
	return string(broker) + ":" + symbol + ":" + string(tf)
}

// RegisterSession upserts a session on agent connect.
func (b *Bridge) RegisterSession(s types.Session) types.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.ConnectedAt = time.Now()
	s.LastHeartbeat = s.ConnectedAt
	b.sessions[sessionKey(s.Broker, s.AccountNumber)] = s
	return s
}

// HandleHeartbeat refreshes lastHeartbeat for an existing session and
// returns it for policy-payload construction.
func (b *Bridge) HandleHeartbeat(broker types.Broker, accountNumber string) (types.Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := sessionKey(broker, accountNumber)
	s, ok := b.sessions[key]
	if !ok {
		return types.Session{}, false
	}
	s.LastHeartbeat = time.Now()
	b.sessions[key] = s
	return s, true
}

// DisconnectSession removes a session explicitly.
func (b *Bridge) DisconnectSession(broker types.Broker, accountNumber string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionKey(broker, accountNumber))
}

// Session returns the current session for (broker, accountNumber).
func (b *Bridge) Session(broker types.Broker, accountNumber string) (types.Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[sessionKey(broker, accountNumber)]
	return s, ok
}

// ValidationError reports a malformed ingestion payload.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

func validSymbol(symbol string) bool {
	return symbolPattern.MatchString(symbol)
}

// RecordQuotes ingests a batch of quotes for a broker. Invalid entries are
// skipped and reported; valid entries are stored and broadcast.
func (b *Bridge) RecordQuotes(broker types.Broker, quotes []types.Quote) []error {
	var errs []error
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, q := range quotes {
		if !validSymbol(q.Symbol) {
			errs = append(errs, &ValidationError{Field: "symbol", Message: "invalid symbol: " + q.Symbol})
			continue
		}
		q.Broker = broker
		if q.ReceivedAt.IsZero() {
			q.ReceivedAt = time.Now()
		}
		key := quoteKey(broker, q.Symbol)
		hist, ok := b.quotes[key]
		if !ok {
			hist = &quoteHistory{}
			b.quotes[key] = hist
		}
		hist.current = q
		hist.history = append(hist.history, q)
		hist.history = pruneQuoteHistory(hist.history)

		b.touchSymbol(broker, q.Symbol)
		b.queueBroadcast(Notification{Kind: "quote", Broker: broker, Symbol: q.Symbol})
		if b.bus != nil {
			b.bus.Publish(events.NewTickEvent(string(broker), q.Symbol, q.Bid, q.Ask, q.ReceivedAt))
		}
	}
	return errs
}

func pruneQuoteHistory(hist []types.Quote) []types.Quote {
	cutoff := time.Now().Add(-defaultQuoteRetention)
	start := 0
	for start < len(hist) && hist[start].ReceivedAt.Before(cutoff) {
		start++
	}
	hist = hist[start:]
	if len(hist) > defaultQuoteMaxPoints {
		hist = hist[len(hist)-defaultQuoteMaxPoints:]
	}
	return hist
}

// CurrentQuote returns the canonical quote for (broker, symbol).
func (b *Bridge) CurrentQuote(broker types.Broker, symbol string) (types.Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hist, ok := b.quotes[quoteKey(broker, symbol)]
	if !ok {
		return types.Quote{}, false
	}
	return hist.current, true
}

// CurrentSpreadPips implements quality.SpreadSource.
func (b *Bridge) CurrentSpreadPips(broker types.Broker, symbol string) (decimal.Decimal, bool) {
	q, ok := b.CurrentQuote(broker, symbol)
	if !ok {
		return decimal.Zero, false
	}
	if q.Point.IsZero() {
		return q.SpreadPoints, true
	}
	return q.Ask.Sub(q.Bid).Div(q.Point).Mul(decimal.NewFromInt(1)).Div(decimal.NewFromInt(10)), true
}

// QuoteHistory returns the bounded time-ordered quote history for (broker, symbol).
func (b *Bridge) QuoteHistory(broker types.Broker, symbol string) []types.Quote {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hist, ok := b.quotes[quoteKey(broker, symbol)]
	if !ok {
		return nil
	}
	out := make([]types.Quote, len(hist.history))
	copy(out, hist.history)
	return out
}

// RecordMarketBars appends closed/partial bars to a (broker,symbol,timeframe)
// series and publishes bar-close events for closed bars or large seed batches.
func (b *Bridge) RecordMarketBars(broker types.Broker, symbol string, tf types.Timeframe, bars []types.Bar) []error {
	var errs []error
	if !validSymbol(symbol) {
		return []error{&ValidationError{Field: "symbol", Message: "invalid symbol: " + symbol}}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := barKey(broker, symbol, tf)
	series, ok := b.bars[key]
	if !ok {
		series = &barSeries{}
		b.bars[key] = series
	}

	seedBatch := len(bars) >= 50
	for _, bar := range bars {
		bar.Broker = broker
		bar.Symbol = symbol
		bar.Timeframe = tf
		series.bars = append(series.bars, bar)
		if bar.Closed || seedBatch {
			if b.bus != nil {
				b.bus.Publish(events.NewBarEvent(string(broker), symbol, string(tf), bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.Time))
			}
		}
	}
	if len(series.bars) > maxBarsPerSeries {
		series.bars = series.bars[len(series.bars)-maxBarsPerSeries:]
	}
	b.touchSymbol(broker, symbol)
	return errs
}

// RecentBars implements quality.BarSource: last `limit` bars, ascending.
func (b *Bridge) RecentBars(broker types.Broker, symbol string, tf types.Timeframe, limit int) []types.Bar {
	b.mu.RLock()
	defer b.mu.RUnlock()
	series, ok := b.bars[barKey(broker, symbol, tf)]
	if !ok {
		return nil
	}
	n := len(series.bars)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]types.Bar, limit)
	copy(out, series.bars[n-limit:])
	return out
}

// RecordMarketSnapshot replaces the canonical snapshot for (broker, symbol).
func (b *Bridge) RecordMarketSnapshot(broker types.Broker, symbol string, snap types.Snapshot) {
	snap.Broker = broker
	snap.Symbol = symbol
	snap.ReceivedAt = time.Now()

	b.mu.Lock()
	b.snapshots[quoteKey(broker, symbol)] = snap
	b.touchSymbol(broker, symbol)
	b.mu.Unlock()

	b.queueBroadcast(Notification{Kind: "snapshot", Broker: broker, Symbol: symbol})
}

// CurrentSnapshot returns the canonical snapshot for (broker, symbol).
func (b *Bridge) CurrentSnapshot(broker types.Broker, symbol string) (types.Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap, ok := b.snapshots[quoteKey(broker, symbol)]
	return snap, ok
}

// RecordNews appends an event to the broker's bounded news ring.
func (b *Bridge) RecordNews(broker types.Broker, event types.NewsEvent) {
	event.Broker = broker
	b.mu.Lock()
	defer b.mu.Unlock()
	ring := append(b.news[broker], event)
	if len(ring) > defaultNewsRingSize {
		ring = ring[len(ring)-defaultNewsRingSize:]
	}
	b.news[broker] = ring
}

// RecentNews returns news within the lookback window for a broker.
func (b *Bridge) RecentNews(broker types.Broker, since time.Time) []types.NewsEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []types.NewsEvent
	for _, e := range b.news[broker] {
		if e.Time.After(since) {
			out = append(out, e)
		}
	}
	return out
}

func (b *Bridge) touchSymbol(broker types.Broker, symbol string) {
	m, ok := b.symbols[broker]
	if !ok {
		m = make(map[string]*symbolInfo)
		b.symbols[broker] = m
	}
	info, ok := m[symbol]
	if !ok {
		info = &symbolInfo{}
		m[symbol] = info
	}
	info.lastSeen = time.Now()
}

// RecordSymbols registers a broker's known symbol universe.
func (b *Bridge) RecordSymbols(broker types.Broker, symbols []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range symbols {
		b.touchSymbol(broker, s)
	}
}

// ListKnownSymbols returns the freshest symbols for broker within maxAge,
// capped at max entries.
func (b *Bridge) ListKnownSymbols(broker types.Broker, maxAge time.Duration, max int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	type entry struct {
		symbol   string
		lastSeen time.Time
	}
	var entries []entry
	cutoff := time.Now().Add(-maxAge)
	for symbol, info := range b.symbols[broker] {
		if maxAge > 0 && info.lastSeen.Before(cutoff) {
			continue
		}
		entries = append(entries, entry{symbol, info.lastSeen})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].lastSeen.After(entries[j].lastSeen) })
	if max > 0 && len(entries) > max {
		entries = entries[:max]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.symbol
	}
	return out
}

// SetActiveSymbols marks a batch of symbols hot for the given TTL.
func (b *Bridge) SetActiveSymbols(broker types.Broker, symbols []string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultActiveSymbolTTL
	}
	expiresAt := time.Now().Add(ttl)

	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.active[broker]
	if !ok {
		m = make(map[string]*activeClaim)
		b.active[broker] = m
	}
	for _, s := range symbols {
		m[s] = &activeClaim{expiresAt: expiresAt}
	}
}

// TouchActiveSymbol refreshes a single symbol's TTL.
func (b *Bridge) TouchActiveSymbol(broker types.Broker, symbol string, ttl time.Duration) {
	b.SetActiveSymbols(broker, []string{symbol}, ttl)
}

// GetActiveSymbols returns currently-hot symbols, evicting expired entries.
func (b *Bridge) GetActiveSymbols(broker types.Broker) []string {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.active[broker]
	if !ok {
		return nil
	}
	var out []string
	for symbol, claim := range m {
		if now.After(claim.expiresAt) {
			delete(m, symbol)
			continue
		}
		out = append(out, symbol)
	}
	return out
}

// RequestMarketSnapshot enqueues a dashboard-initiated snapshot request.
func (b *Bridge) RequestMarketSnapshot(broker types.Broker, symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshotRequests[broker] = append(b.snapshotRequests[broker], symbol)
}

// ConsumeMarketSnapshotRequests drains all pending snapshot requests for a broker.
func (b *Bridge) ConsumeMarketSnapshotRequests(broker types.Broker) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.snapshotRequests[broker]
	delete(b.snapshotRequests, broker)
	return out
}

// EnqueueManagementCommands appends commands to a broker's FIFO queue.
func (b *Bridge) EnqueueManagementCommands(broker types.Broker, cmds ...types.ManagementCommand) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range cmds {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.Broker = broker
		c.EnqueuedAt = time.Now()
		b.commandQueues[broker] = append(b.commandQueues[broker], c)
	}
}

// DrainManagementCommands destructively removes up to limit queued commands.
func (b *Bridge) DrainManagementCommands(broker types.Broker, limit int) []types.ManagementCommand {
	if limit <= 0 {
		limit = 20
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	queue := b.commandQueues[broker]
	if len(queue) <= limit {
		b.commandQueues[broker] = nil
		return queue
	}
	out := queue[:limit]
	b.commandQueues[broker] = queue[limit:]
	return out
}

// SweepDisconnected prunes sessions whose heartbeat has expired, returning
// the removed session IDs.
func (b *Bridge) SweepDisconnected() []string {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	var removed []string
	for key, s := range b.sessions {
		if s.Disconnected(now) {
			removed = append(removed, s.ID)
			delete(b.sessions, key)
		}
	}
	return removed
}
