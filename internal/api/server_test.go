package api

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-signal-engine/internal/analyzers"
	"github.com/atlas-desktop/fx-signal-engine/internal/bridge"
	"github.com/atlas-desktop/fx-signal-engine/internal/broker"
	"github.com/atlas-desktop/fx-signal-engine/internal/catalog"
	"github.com/atlas-desktop/fx-signal-engine/internal/execution"
	"github.com/atlas-desktop/fx-signal-engine/internal/gate"
	"github.com/atlas-desktop/fx-signal-engine/internal/orchestrator"
	"github.com/atlas-desktop/fx-signal-engine/internal/quality"
	"github.com/atlas-desktop/fx-signal-engine/internal/risk"
	"github.com/atlas-desktop/fx-signal-engine/internal/trademanager"
	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
)

type noopAlerts struct{}

func (noopAlerts) PublishRiskAlert(alertType, severity, pair, message string, current, threshold decimal.Decimal) {
}

type bridgePriceSource struct{ bridge *bridge.Bridge }

func (p bridgePriceSource) CurrentPrice(brokerID types.Broker, pair string) (decimal.Decimal, bool) {
	q, ok := p.bridge.CurrentQuote(brokerID, pair)
	if !ok {
		return decimal.Zero, false
	}
	return q.Mid(), true
}

type noopEventPublisher struct{}

func (noopEventPublisher) PublishTradeClosed(trade *types.Trade)                             {}
func (noopEventPublisher) PublishExecution(trade *types.Trade, result types.ExecutionResult) {}
func (noopEventPublisher) PublishSmartSupervision(trade *types.Trade, action string)          {}

type bridgeMarketContextProvider struct{ bridge *bridge.Bridge }

func (p bridgeMarketContextProvider) MarketContext(ctx context.Context, brokerID types.Broker, pair string) (analyzers.MarketContext, error) {
	mctx := analyzers.MarketContext{BarsByTimeframe: map[types.Timeframe][]types.Bar{}, BarsTimeframe: types.TimeframeH1}
	if q, ok := p.bridge.CurrentQuote(brokerID, pair); ok {
		mctx.Quote = &q
	}
	return mctx, nil
}

type orchestratorSignalGenerator struct{ coordinator *orchestrator.Coordinator }

func (g orchestratorSignalGenerator) GenerateSignal(ctx context.Context, brokerID types.Broker, pair string) (*types.Signal, error) {
	sig, _, err := g.coordinator.GenerateSignal(ctx, pair, orchestrator.GenerateOptions{Broker: brokerID, AutoExecute: false})
	return sig, err
}

// newTestServer wires a real (unstarted) stack the same way cmd/server/main.go
// does, minus persistence and the event bus, so handler tests exercise the
// actual dependency graph rather than mocks of it.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := zap.NewNop()

	br := bridge.New(nil, logger)
	cat := catalog.New(catalog.DefaultSeed())
	guard := quality.New(br, br, logger)

	riskEngine := risk.New(logger, risk.DefaultConfig(), cat, noopAlerts{}, func() []*types.Trade { return nil })

	router := broker.NewRouter(2 * time.Second)
	router.Register(broker.NewPaperConnector("paper"))

	execEngine := execution.New(logger, router, cat, riskEngine, bridgePriceSource{bridge: br}, noopEventPublisher{}, execution.DefaultConfig())

	reg := analyzers.NewRegistry(
		analyzers.NewEconomicAnalyzer(),
		analyzers.NewNewsAnalyzer(),
		analyzers.NewTechnicalAnalyzer(),
		analyzers.NewCandleAnalyzer(),
	)

	gateMemory := gate.NewMemory()
	configFn := func() types.ConfigSnapshot { return types.ConfigSnapshot{Env: "test"} }
	coordinator := orchestrator.New(logger, bridgeMarketContextProvider{bridge: br}, br, reg, guard, riskEngine, gate.New(gateMemory), cat, execEngine, configFn)

	tmFactory := func(brokerID types.Broker) *trademanager.Manager {
		return trademanager.New(logger, brokerID, br, orchestratorSignalGenerator{coordinator: coordinator}, execEngine, trademanager.DefaultConfig())
	}
	tradeCoordinator := trademanager.NewCoordinator(tmFactory)

	deps := Deps{
		Bridge:       br,
		Router:       router,
		Coordinator:  coordinator,
		Execution:    execEngine,
		RiskEngine:   riskEngine,
		TradeManager: tradeCoordinator,
		Guard:        guard,
		GateMemory:   gateMemory,
		ConfigFn:     configFn,
	}
	return NewServer(logger, types.ServerConfig{Host: "127.0.0.1", Port: 0, WebSocketPath: "/ws"}, deps)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
}
