package trademanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-signal-engine/internal/bridge"
	"github.com/atlas-desktop/fx-signal-engine/internal/events"
	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	sig   *types.Signal
	err   error
}

func (f *fakeGenerator) GenerateSignal(ctx context.Context, broker types.Broker, pair string) (*types.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	sig := *f.sig
	sig.Pair = pair
	return &sig, nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeExecutor struct {
	mu     sync.Mutex
	trades int
	result types.ExecutionResult
	active []*types.Trade
}

func (f *fakeExecutor) ExecuteTrade(ctx context.Context, signal *types.Signal, broker types.Broker) (types.ExecutionResult, *types.Trade) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades++
	if !f.result.Success {
		return f.result, nil
	}
	return f.result, &types.Trade{ID: signal.Pair, Status: types.TradeStatusOpen}
}

func (f *fakeExecutor) ManageActiveTrades(ctx context.Context) {}

func (f *fakeExecutor) ActiveTrades() []*types.Trade {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeExecutor) tradeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trades
}

func acceptedSignal() *types.Signal {
	return &types.Signal{
		Pair:       "EURUSD",
		FinalScore: 0.9,
		Decision:   &types.Decision{State: types.DecisionEnter},
	}
}

func rejectedSignal() *types.Signal {
	return &types.Signal{
		Pair:     "EURUSD",
		Decision: &types.Decision{State: types.DecisionWaitMonitor},
	}
}

func newTestBridge() *bridge.Bridge {
	bus := events.NewEventBus(zap.NewNop(), events.EventBusConfig{})
	return bridge.New(bus, zap.NewNop())
}

func TestEnqueueRealtimeSignalExecutesAcceptedSignal(t *testing.T) {
	gen := &fakeGenerator{sig: acceptedSignal()}
	exec := &fakeExecutor{result: types.ExecutionResult{Success: true}}
	cfg := DefaultConfig()
	m := New(zap.NewNop(), types.BrokerMT5, newTestBridge(), gen, exec, cfg)

	m.EnqueueRealtimeSignal(context.Background(), "EURUSD")

	assert.Equal(t, 1, gen.callCount())
	assert.Equal(t, 1, exec.tradeCount())
	assert.Equal(t, 1, m.Status().Metrics.SignalsAccepted)
	assert.Equal(t, 1, m.Status().Metrics.TradesOpened)
}

func TestEnqueueRealtimeSignalDebounces(t *testing.T) {
	gen := &fakeGenerator{sig: acceptedSignal()}
	exec := &fakeExecutor{result: types.ExecutionResult{Success: true}}
	cfg := DefaultConfig()
	m := New(zap.NewNop(), types.BrokerMT5, newTestBridge(), gen, exec, cfg)

	m.EnqueueRealtimeSignal(context.Background(), "EURUSD")
	m.EnqueueRealtimeSignal(context.Background(), "EURUSD")

	assert.Equal(t, 1, gen.callCount(), "second call within the debounce window should be dropped")
}

func TestEvaluateExecutionGateRejectsNonEnterState(t *testing.T) {
	exec := &fakeExecutor{result: types.ExecutionResult{Success: true}}
	m := New(zap.NewNop(), types.BrokerMT5, newTestBridge(), &fakeGenerator{}, exec, DefaultConfig())

	m.evaluateExecutionGate(context.Background(), rejectedSignal())

	assert.Equal(t, 0, exec.tradeCount())
	assert.Equal(t, 1, m.Status().Metrics.SignalsRejected)
}

func TestEvaluateExecutionGateSkipsBelowMinScore(t *testing.T) {
	exec := &fakeExecutor{result: types.ExecutionResult{Success: true}}
	cfg := DefaultConfig()
	cfg.MinScoreToExecute = 0.95
	m := New(zap.NewNop(), types.BrokerMT5, newTestBridge(), &fakeGenerator{}, exec, cfg)

	signal := acceptedSignal()
	signal.FinalScore = 0.5
	m.evaluateExecutionGate(context.Background(), signal)

	assert.Equal(t, 0, exec.tradeCount())
}

func TestEvaluateExecutionGateSkipsWhenAutoExecuteDisabled(t *testing.T) {
	exec := &fakeExecutor{result: types.ExecutionResult{Success: true}}
	cfg := DefaultConfig()
	cfg.AutoExecute = false
	m := New(zap.NewNop(), types.BrokerMT5, newTestBridge(), &fakeGenerator{}, exec, cfg)

	m.evaluateExecutionGate(context.Background(), acceptedSignal())

	assert.Equal(t, 0, exec.tradeCount())
}

func TestEnqueueGeneratedSignalSkipsGeneratorAndExecutes(t *testing.T) {
	gen := &fakeGenerator{sig: acceptedSignal()}
	exec := &fakeExecutor{result: types.ExecutionResult{Success: true}}
	m := New(zap.NewNop(), types.BrokerMT5, newTestBridge(), gen, exec, DefaultConfig())

	m.EnqueueGeneratedSignal(context.Background(), acceptedSignal())

	assert.Equal(t, 0, gen.callCount(), "a pre-generated signal must not trigger the generator again")
	assert.Equal(t, 1, exec.tradeCount())
	assert.Equal(t, 1, m.Status().Metrics.SignalsProcessed)
}

func TestEnqueueGeneratedSignalIgnoresNil(t *testing.T) {
	exec := &fakeExecutor{result: types.ExecutionResult{Success: true}}
	m := New(zap.NewNop(), types.BrokerMT5, newTestBridge(), &fakeGenerator{}, exec, DefaultConfig())

	m.EnqueueGeneratedSignal(context.Background(), nil)

	assert.Equal(t, 0, m.Status().Metrics.SignalsProcessed)
}

func TestStartRejectsDoubleStart(t *testing.T) {
	m := New(zap.NewNop(), types.BrokerMT5, newTestBridge(), &fakeGenerator{sig: acceptedSignal()}, &fakeExecutor{}, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Start(ctx))
	defer func() { _ = m.Stop() }()

	assert.Error(t, m.Start(ctx))
}

func TestStartRejectsInvalidScanSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScanSchedule = "not a cron expression"
	m := New(zap.NewNop(), types.BrokerMT5, newTestBridge(), &fakeGenerator{}, &fakeExecutor{}, cfg)

	err := m.Start(context.Background())

	assert.Error(t, err)
	assert.False(t, m.Status().IsRunning)
}

func TestStopRequiresRunning(t *testing.T) {
	m := New(zap.NewNop(), types.BrokerMT5, newTestBridge(), &fakeGenerator{}, &fakeExecutor{}, DefaultConfig())
	assert.Error(t, m.Stop())
}

func TestPauseResume(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScanSchedule = "@every 1h"
	cfg.ManageInterval = time.Hour
	m := New(zap.NewNop(), types.BrokerMT5, newTestBridge(), &fakeGenerator{sig: acceptedSignal()}, &fakeExecutor{}, cfg)
	require.NoError(t, m.Start(context.Background()))
	defer func() { _ = m.Stop() }()

	m.Pause()
	assert.True(t, m.Status().IsPaused)

	m.Resume()
	assert.False(t, m.Status().IsPaused)
}

func TestCoordinatorLazilyCreatesAndTracksManagers(t *testing.T) {
	var created []types.Broker
	coord := NewCoordinator(func(b types.Broker) *Manager {
		created = append(created, b)
		return New(zap.NewNop(), b, newTestBridge(), &fakeGenerator{sig: acceptedSignal()}, &fakeExecutor{}, DefaultConfig())
	})

	m1 := coord.ManagerFor(types.BrokerMT5)
	m2 := coord.ManagerFor(types.BrokerMT5)

	assert.Same(t, m1, m2, "ManagerFor must return the same instance for a given broker")
	assert.Len(t, created, 1)

	statuses := coord.AllStatus()
	require.Len(t, statuses, 1)
	assert.Equal(t, types.BrokerMT5, statuses[0].Broker)
}

func TestCoordinatorStopForUnknownBroker(t *testing.T) {
	coord := NewCoordinator(func(b types.Broker) *Manager {
		return New(zap.NewNop(), b, newTestBridge(), &fakeGenerator{}, &fakeExecutor{}, DefaultConfig())
	})

	assert.Error(t, coord.StopFor(types.BrokerMT4))
}
