// Package realtime is the Realtime Signal Runner: it turns a
// burst of "this symbol just moved" notifications into debounced signal
// generation calls, keeps revalidating what it already published, and
// round-robins a background scan across the known symbol universe on a
// fixed interval.
package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-signal-engine/internal/events"
	"github.com/atlas-desktop/fx-signal-engine/internal/orchestrator"
	"github.com/atlas-desktop/fx-signal-engine/internal/trademanager"
	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
)

// SignalGenerator is the orchestrator surface the runner drives; satisfied
// by *orchestrator.Coordinator.
type SignalGenerator interface {
	GenerateSignal(ctx context.Context, pair string, opts orchestrator.GenerateOptions) (*types.Signal, *types.ExecutionResult, error)
}

// SymbolSource is the bridge surface used by the background scan to learn
// the known symbol universe per broker; satisfied by *bridge.Bridge.
type SymbolSource interface {
	ListKnownSymbols(broker types.Broker, maxAge time.Duration, max int) []string
}

// SignalSink is a single broker's trade-manager realtime hand-off path;
// satisfied by *trademanager.Manager.
type SignalSink interface {
	EnqueueGeneratedSignal(ctx context.Context, signal *types.Signal)
}

// TradeRouter resolves the SignalSink for a broker; satisfied by
// *trademanager.Coordinator through TradeRouterFromCoordinator.
type TradeRouter interface {
	ManagerFor(broker types.Broker) SignalSink
}

// coordinatorRouter adapts *trademanager.Coordinator's concrete ManagerFor
// (which returns *trademanager.Manager) to the TradeRouter interface.
type coordinatorRouter struct {
	coordinator *trademanager.Coordinator
}

func (r coordinatorRouter) ManagerFor(broker types.Broker) SignalSink {
	return r.coordinator.ManagerFor(broker)
}

// TradeRouterFromCoordinator wraps a trademanager.Coordinator for use as a
// Runner's TradeRouter.
func TradeRouterFromCoordinator(c *trademanager.Coordinator) TradeRouter {
	return coordinatorRouter{coordinator: c}
}

// Config bounds the runner's debounce, revalidation and scan cadence. Its
// fields mirror the EA_SCAN_* settings, but cmd/server builds the runner
// from DefaultConfig and does not map those values onto it.
type Config struct {
	DebounceWindow       time.Duration
	RevalidationInterval time.Duration
	ScanInterval         time.Duration
	ScanBatchSize        int
	ScanSymbolMaxAge     time.Duration
	ScanSymbolsMax       int
}

// DefaultConfig matches the documented defaults (EA_SCAN_INTERVAL_MS
// 15000, EA_SCAN_BATCH_SIZE 180, realtime debounce 500ms).
func DefaultConfig() Config {
	return Config{
		DebounceWindow:       500 * time.Millisecond,
		RevalidationInterval: 2 * time.Minute,
		ScanInterval:         15 * time.Second,
		ScanBatchSize:        180,
		ScanSymbolMaxAge:     12 * time.Minute,
		ScanSymbolsMax:       500,
	}
}

type symbolKey struct {
	broker types.Broker
	symbol string
}

// Runner drives ingestSymbols, the revalidation loop, and the background
// scan for every enabled broker.
type Runner struct {
	logger      *zap.Logger
	symbols     SymbolSource
	coordinator SignalGenerator
	router      TradeRouter
	bus         *events.EventBus
	cfg         Config

	mu        sync.Mutex
	pending   map[symbolKey]time.Time
	published map[symbolKey]time.Time
	cursor    map[types.Broker]int

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a runner bound to the bridge's symbol universe, the
// orchestrator, and the trade manager's realtime hand-off path. bus may be
// nil if no broadcast sink is wired.
func New(logger *zap.Logger, symbols SymbolSource, coordinator SignalGenerator, router TradeRouter, bus *events.EventBus, cfg Config) *Runner {
	return &Runner{
		logger:      logger.Named("realtime"),
		symbols:     symbols,
		coordinator: coordinator,
		router:      router,
		bus:         bus,
		cfg:         cfg,
		pending:     make(map[symbolKey]time.Time),
		published:   make(map[symbolKey]time.Time),
		cursor:      make(map[types.Broker]int),
	}
}

// Start launches the revalidation and background scan loops for the given
// brokers. IngestSymbols may be called independently (e.g. from an EA push
// handler) at any time, including before Start.
func (r *Runner) Start(ctx context.Context, brokers []types.Broker) {
	r.stop = make(chan struct{})
	r.wg.Add(2)
	go r.revalidationLoop(ctx)
	go r.backgroundScanLoop(ctx, brokers)
}

// Stop halts both loops and blocks until they exit.
func (r *Runner) Stop() {
	if r.stop == nil {
		return
	}
	close(r.stop)
	r.wg.Wait()
}

// IngestSymbols debounces repeated triggers for the same (broker, symbol)
// within Config.DebounceWindow; on fire it generates a signal in EA-only
// mode, publishes it to the broadcast bus, and hands it to the trade
// manager's realtime execution path.
func (r *Runner) IngestSymbols(ctx context.Context, broker types.Broker, symbols []string) {
	now := time.Now()
	var fire []string

	r.mu.Lock()
	for _, sym := range symbols {
		key := symbolKey{broker, sym}
		if last, ok := r.pending[key]; ok && now.Sub(last) < r.cfg.DebounceWindow {
			continue
		}
		r.pending[key] = now
		fire = append(fire, sym)
	}
	r.mu.Unlock()

	for _, sym := range fire {
		r.evaluateOne(ctx, broker, sym)
	}
}

func (r *Runner) evaluateOne(ctx context.Context, broker types.Broker, symbol string) {
	if r.coordinator == nil {
		return
	}
	signal, _, err := r.coordinator.GenerateSignal(ctx, symbol, orchestrator.GenerateOptions{
		Broker:       broker,
		AutoExecute:  false,
		AnalysisMode: orchestrator.ModeEAOnly,
	})
	if err != nil {
		r.logger.Debug("realtime signal generation failed", zap.String("pair", symbol), zap.Error(err))
		return
	}
	if signal == nil {
		return
	}

	r.mu.Lock()
	r.published[symbolKey{broker, symbol}] = time.Now()
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(events.NewSignalEvent(signal.Pair, string(signal.Direction), signalState(signal), signal.Strength, signal.Confidence, signal.FinalScore))
	}
	if r.router != nil {
		r.router.ManagerFor(broker).EnqueueGeneratedSignal(ctx, signal)
	}
}

func signalState(signal *types.Signal) string {
	if signal.Decision == nil {
		return string(types.SignalStatusNeutral)
	}
	return string(signal.Decision.State)
}

// revalidationLoop periodically re-ingests every symbol this runner has
// previously published a signal for, so trailing/exit logic keeps seeing
// fresh decisions even without a new EA push.
func (r *Runner) revalidationLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.RevalidationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.revalidateOnce(ctx)
		}
	}
}

func (r *Runner) revalidateOnce(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.RevalidationInterval * 4)
	r.mu.Lock()
	byBroker := make(map[types.Broker][]string)
	for key, at := range r.published {
		if at.Before(cutoff) {
			delete(r.published, key)
			continue
		}
		byBroker[key.broker] = append(byBroker[key.broker], key.symbol)
	}
	r.mu.Unlock()

	for broker, symbols := range byBroker {
		for _, sym := range symbols {
			r.evaluateOne(ctx, broker, sym)
		}
	}
}

// backgroundScanLoop round-robins the known-symbol universe per broker in
// fixed-size batches on every ScanInterval tick, whether or not EA pushes
// have driven ingestSymbols in the meantime.
func (r *Runner) backgroundScanLoop(ctx context.Context, brokers []types.Broker) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			for _, broker := range brokers {
				r.scanOnce(ctx, broker)
			}
		}
	}
}

func (r *Runner) scanOnce(ctx context.Context, broker types.Broker) {
	if r.symbols == nil {
		return
	}
	universe := r.symbols.ListKnownSymbols(broker, r.cfg.ScanSymbolMaxAge, r.cfg.ScanSymbolsMax)
	if len(universe) == 0 {
		return
	}

	r.mu.Lock()
	start := r.cursor[broker] % len(universe)
	r.mu.Unlock()

	batchSize := r.cfg.ScanBatchSize
	if batchSize <= 0 || batchSize > len(universe) {
		batchSize = len(universe)
	}

	batch := make([]string, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		batch = append(batch, universe[(start+i)%len(universe)])
	}

	r.mu.Lock()
	r.cursor[broker] = (start + batchSize) % len(universe)
	r.mu.Unlock()

	r.IngestSymbols(ctx, broker, batch)
}
