// Package trademanager owns the per-broker auto-trading lifecycle: polling
// the bridge for active symbols, debouncing realtime signal requests,
// running them through the orchestrator, and handing accepted signals to
// the execution engine. Start/Stop/Pause/Resume drive a cron-scheduled scan
// and a trade-management loop per broker session, each manager reporting its
// own status and metrics.
package trademanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/fx-signal-engine/internal/bridge"
	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SignalGenerator is the orchestrator surface a manager drives.
type SignalGenerator interface {
	GenerateSignal(ctx context.Context, broker types.Broker, pair string) (*types.Signal, error)
}

// Executor is the execution-engine surface a manager drives.
type Executor interface {
	ExecuteTrade(ctx context.Context, signal *types.Signal, broker types.Broker) (types.ExecutionResult, *types.Trade)
	ManageActiveTrades(ctx context.Context)
}

// Config bounds a manager's cadence and guardrails
type Config struct {
	ScanInterval time.Duration
	// ScanSchedule overrides ScanInterval with an explicit cron expression
	// (e.g. "0 9-17 * * MON-FRI" to scan only during session hours). Empty
	// falls back to "@every <ScanInterval>".
	ScanSchedule        string
	ManageInterval      time.Duration
	DebounceWindow      time.Duration
	MaxConcurrentTrades int
	AutoExecute         bool
	MinScoreToExecute   float64
}

func DefaultConfig() Config {
	return Config{
		ScanInterval:        20 * time.Second,
		ManageInterval:      10 * time.Second,
		DebounceWindow:      2 * time.Second,
		MaxConcurrentTrades: 5,
		AutoExecute:         true,
		MinScoreToExecute:   0.55,
	}
}

// Metrics tracks one broker's signal throughput and outcomes.
type Metrics struct {
	SignalsProcessed int
	SignalsAccepted  int
	SignalsRejected  int
	TradesOpened     int
	LastSignalAt     time.Time
	LastTradeAt      time.Time
}

// Status reports a manager's run state for diagnostics endpoints.
type Status struct {
	Broker    types.Broker
	IsRunning bool
	IsPaused  bool
	StartedAt time.Time
	Metrics   Metrics
}

// Manager runs the auto-trading loop for a single broker session.
type Manager struct {
	logger    *zap.Logger
	broker    types.Broker
	bridge    *bridge.Bridge
	generator SignalGenerator
	executor  Executor
	cfg       Config

	mu        sync.RWMutex
	running   bool
	paused    bool
	startedAt time.Time
	metrics   Metrics

	pending  map[string]time.Time // debounce key -> last-seen
	cursor   int                  // round-robin index into the active symbol list
	scanCron *cron.Cron
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New builds a trade manager bound to one broker session.
func New(logger *zap.Logger, brokerID types.Broker, br *bridge.Bridge, generator SignalGenerator, executor Executor, cfg Config) *Manager {
	return &Manager{
		logger:    logger.Named("trademanager").With(zap.String("broker", string(brokerID))),
		broker:    brokerID,
		bridge:    br,
		generator: generator,
		executor:  executor,
		cfg:       cfg,
		pending:   make(map[string]time.Time),
	}
}

// Start begins the scan and manage loops for this broker.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("trademanager for %s already running", m.broker)
	}
	m.running = true
	m.paused = false
	m.startedAt = time.Now()
	m.stop = make(chan struct{})

	schedule := m.cfg.ScanSchedule
	if schedule == "" {
		schedule = "@every " + m.cfg.ScanInterval.String()
	}
	m.scanCron = cron.New()
	if _, err := m.scanCron.AddFunc(schedule, func() {
		if m.isPaused() {
			return
		}
		m.scanOnce(ctx)
	}); err != nil {
		m.running = false
		m.mu.Unlock()
		return fmt.Errorf("trademanager for %s: invalid scan schedule %q: %w", m.broker, schedule, err)
	}
	m.mu.Unlock()

	m.scanCron.Start()
	m.logger.Info("auto-trading started", zap.String("scanSchedule", schedule))

	m.wg.Add(1)
	go m.manageLoop(ctx)
	return nil
}

// Stop halts the scan schedule and manage loop, blocking until both exit.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return fmt.Errorf("trademanager for %s not running", m.broker)
	}
	m.running = false
	scanCron := m.scanCron
	close(m.stop)
	m.mu.Unlock()

	if scanCron != nil {
		<-scanCron.Stop().Done()
	}
	m.wg.Wait()
	m.logger.Info("auto-trading stopped")
	return nil
}

// Pause suspends new signal generation while leaving trade management active.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running && !m.paused {
		m.paused = true
		m.logger.Info("auto-trading paused")
	}
}

// Resume re-enables signal generation.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running && m.paused {
		m.paused = false
		m.logger.Info("auto-trading resumed")
	}
}

func (m *Manager) isPaused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}

// scanOnce round-robins the bridge's active symbol set, enqueueing the next
// symbol for debounced signal generation. Invoked on the manager's cron
// schedule (Config.ScanSchedule, defaulting to "@every ScanInterval").
func (m *Manager) scanOnce(ctx context.Context) {
	symbols := m.bridge.GetActiveSymbols(m.broker)
	if len(symbols) == 0 {
		return
	}
	m.mu.Lock()
	if m.cursor >= len(symbols) {
		m.cursor = 0
	}
	pair := symbols[m.cursor]
	m.cursor++
	m.mu.Unlock()

	m.EnqueueRealtimeSignal(ctx, pair)
}

// EnqueueRealtimeSignal debounces repeated requests for the same pair within
// Config.DebounceWindow, then evaluates it immediately.
func (m *Manager) EnqueueRealtimeSignal(ctx context.Context, pair string) {
	key := pair
	m.mu.Lock()
	last, seen := m.pending[key]
	now := time.Now()
	if seen && now.Sub(last) < m.cfg.DebounceWindow {
		m.mu.Unlock()
		return
	}
	m.pending[key] = now
	m.mu.Unlock()

	m.checkForNewSignal(ctx, pair)
}

// EnqueueGeneratedSignal accepts a signal already produced by the realtime
// signal runner (which owns its own per-(broker,symbol) debounce window) and
// routes it straight through this manager's execution gate, without calling
// the generator again.
func (m *Manager) EnqueueGeneratedSignal(ctx context.Context, signal *types.Signal) {
	if signal == nil {
		return
	}
	m.mu.Lock()
	m.metrics.SignalsProcessed++
	m.metrics.LastSignalAt = time.Now()
	m.mu.Unlock()
	m.evaluateExecutionGate(ctx, signal)
}

func (m *Manager) checkForNewSignal(ctx context.Context, pair string) {
	if m.generator == nil {
		return
	}
	signal, err := m.generator.GenerateSignal(ctx, m.broker, pair)
	m.mu.Lock()
	m.metrics.SignalsProcessed++
	m.metrics.LastSignalAt = time.Now()
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("signal generation failed", zap.String("pair", pair), zap.Error(err))
		return
	}
	if signal == nil {
		return
	}
	m.evaluateExecutionGate(ctx, signal)
}

// evaluateExecutionGate applies the manager's own auto-execute gating on top
// of whatever the decision gate already decided, then routes accepted
// signals to the execution engine.
func (m *Manager) evaluateExecutionGate(ctx context.Context, signal *types.Signal) {
	if signal.Decision == nil {
		return
	}
	accepted := signal.Decision.State == types.DecisionEnter && !signal.Decision.Blocked

	m.mu.Lock()
	if accepted {
		m.metrics.SignalsAccepted++
	} else {
		m.metrics.SignalsRejected++
	}
	m.mu.Unlock()

	if !accepted || !m.cfg.AutoExecute {
		return
	}
	if signal.FinalScore < m.cfg.MinScoreToExecute {
		return
	}
	if m.openTradeCount() >= m.cfg.MaxConcurrentTrades {
		m.logger.Debug("max concurrent trades reached, skipping", zap.String("pair", signal.Pair))
		return
	}

	result, trade := m.executor.ExecuteTrade(ctx, signal, m.broker)
	m.mu.Lock()
	if result.Success && trade != nil {
		m.metrics.TradesOpened++
		m.metrics.LastTradeAt = time.Now()
	}
	m.mu.Unlock()
}

func (m *Manager) openTradeCount() int {
	type counter interface{ ActiveTrades() []*types.Trade }
	if c, ok := m.executor.(counter); ok {
		n := 0
		for _, t := range c.ActiveTrades() {
			if t.Status == types.TradeStatusOpen {
				n++
			}
		}
		return n
	}
	return 0
}

// manageLoop periodically drives the execution engine's supervision pass.
func (m *Manager) manageLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ManageInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.executor.ManageActiveTrades(ctx)
		}
	}
}

// Status reports the manager's run state and accumulated metrics.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		Broker:    m.broker,
		IsRunning: m.running,
		IsPaused:  m.paused,
		StartedAt: m.startedAt,
		Metrics:   m.metrics,
	}
}

// Coordinator owns one Manager per broker session, mirroring the bridge's
// per-session model.
type Coordinator struct {
	mu       sync.RWMutex
	managers map[types.Broker]*Manager
	factory  func(types.Broker) *Manager
}

// NewCoordinator builds a coordinator that lazily creates managers via
// factory on first reference to a broker.
func NewCoordinator(factory func(types.Broker) *Manager) *Coordinator {
	return &Coordinator{managers: make(map[types.Broker]*Manager), factory: factory}
}

// ManagerFor returns (creating if needed) the manager for a broker, so
// external callers such as the realtime signal runner can hand off
// already-generated signals via EnqueueGeneratedSignal.
func (c *Coordinator) ManagerFor(brokerID types.Broker) *Manager {
	return c.managerFor(brokerID)
}

func (c *Coordinator) managerFor(brokerID types.Broker) *Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.managers[brokerID]; ok {
		return m
	}
	m := c.factory(brokerID)
	c.managers[brokerID] = m
	return m
}

// StartFor starts auto-trading for the given broker, creating its manager if
// needed.
func (c *Coordinator) StartFor(ctx context.Context, brokerID types.Broker) error {
	return c.managerFor(brokerID).Start(ctx)
}

// StopFor stops auto-trading for the given broker.
func (c *Coordinator) StopFor(brokerID types.Broker) error {
	c.mu.RLock()
	m, ok := c.managers[brokerID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no manager for broker %s", brokerID)
	}
	return m.Stop()
}

// AllStatus reports every broker manager's status.
func (c *Coordinator) AllStatus() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Status, 0, len(c.managers))
	for _, m := range c.managers {
		out = append(out, m.Status())
	}
	return out
}
