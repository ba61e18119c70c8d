// Package main wires the FX/metals/crypto signal engine together: bridge,
// data quality guard, analyzer registry, orchestrator, risk engine, execution
// engine, trade manager, realtime signal runner and the API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/fx-signal-engine/internal/analyzers"
	"github.com/atlas-desktop/fx-signal-engine/internal/api"
	"github.com/atlas-desktop/fx-signal-engine/internal/bridge"
	"github.com/atlas-desktop/fx-signal-engine/internal/broker"
	"github.com/atlas-desktop/fx-signal-engine/internal/catalog"
	"github.com/atlas-desktop/fx-signal-engine/internal/config"
	"github.com/atlas-desktop/fx-signal-engine/internal/events"
	"github.com/atlas-desktop/fx-signal-engine/internal/execution"
	"github.com/atlas-desktop/fx-signal-engine/internal/gate"
	"github.com/atlas-desktop/fx-signal-engine/internal/orchestrator"
	"github.com/atlas-desktop/fx-signal-engine/internal/persistence"
	"github.com/atlas-desktop/fx-signal-engine/internal/quality"
	"github.com/atlas-desktop/fx-signal-engine/internal/realtime"
	"github.com/atlas-desktop/fx-signal-engine/internal/risk"
	"github.com/atlas-desktop/fx-signal-engine/internal/trademanager"
	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// contextTimeframes are the bar resolutions fetched for every analyzer pass.
var contextTimeframes = []types.Timeframe{types.TimeframeM15, types.TimeframeH1, types.TimeframeH4, types.TimeframeD1}

func main() {
	envFile := flag.String("env-file", "", "Path to a .env file to load in addition to the process environment")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	instrumentsFile := flag.String("instruments-file", "", "Path to a YAML/JSON file of instrument overrides layered onto the built-in catalog seed")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	level := *logLevel
	if level == "" {
		level = "info"
	}
	logger := setupLogger(level)
	defer logger.Sync()

	logger.Info("starting fx-signal-engine",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Server.Port),
		zap.String("persistence", cfg.Persistence.Driver),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configFn := func() types.ConfigSnapshot { return cfg }

	bus := events.NewEventBus(logger, events.DefaultEventBusConfig())
	if err := bus.Start(ctx); err != nil {
		logger.Fatal("failed to start event bus", zap.Error(err))
	}
	defer bus.Stop()

	br := bridge.New(bus, logger)

	cat := catalog.New(catalog.DefaultSeed())
	overrides, err := config.LoadInstrumentOverrides(*instrumentsFile)
	if err != nil {
		logger.Fatal("failed to load instrument overrides", zap.Error(err))
	}
	for _, inst := range overrides {
		cat.Upsert(inst)
	}
	if n := len(overrides); n > 0 {
		logger.Info("applied instrument overrides", zap.Int("count", n))
	}

	guard := quality.New(br, br, logger)
	guard.SetEventBus(bus)

	store, err := persistence.Open(cfg.Persistence)
	if err != nil {
		logger.Fatal("failed to open persistence store", zap.Error(err))
	}
	defer store.Close()

	alerts := eventAlertPublisher{bus: bus}

	var execEngine *execution.Engine
	riskEngine := risk.New(logger, risk.DefaultConfig(), cat, alerts, func() []*types.Trade {
		if execEngine == nil {
			return nil
		}
		return execEngine.ActiveTrades()
	})

	reg := analyzers.NewRegistry(
		analyzers.NewEconomicAnalyzer(),
		analyzers.NewNewsAnalyzer(),
		analyzers.NewTechnicalAnalyzer(),
		analyzers.NewCandleAnalyzer(),
	)

	router := broker.NewRouter(10 * time.Second)
	router.Register(broker.NewPaperConnector("paper"))
	if dsn := os.Getenv("MT5_BRIDGE_ADDR"); dsn != "" {
		conn, derr := broker.DialMT5(dsn)
		if derr != nil {
			logger.Error("failed to dial MT5 bridge, falling back to paper only", zap.Error(derr))
		} else {
			logger.Warn("MT5_BRIDGE_ADDR set but no generated trade client is wired into this binary; skipping MT5 connector registration")
			_ = conn.Close()
		}
	}
	if os.Getenv("BINANCE_API_KEY") != "" {
		router.Register(broker.NewRESTConnector(logger, broker.RESTConfig{
			ID:        "binance",
			BaseURL:   getEnvOrDefault("BINANCE_BASE_URL", "https://api.binance.com"),
			APIKey:    os.Getenv("BINANCE_API_KEY"),
			APISecret: os.Getenv("BINANCE_API_SECRET"),
		}))
	}

	execCfg := execution.DefaultConfig()
	execEngine = execution.New(logger, router, cat, riskEngine, bridgePriceSource{bridge: br}, eventPublisherAdapter{bus: bus, logger: logger}, execCfg)
	defer execEngine.Close()

	provider := bridgeMarketContextProvider{bridge: br}
	gateMemory := gate.NewMemory()
	coordinator := orchestrator.New(logger, provider, br, reg, guard, riskEngine, gate.New(gateMemory), cat, execEngine, configFn)
	defer coordinator.Close()

	tmFactory := func(brokerID types.Broker) *trademanager.Manager {
		return trademanager.New(logger, brokerID, br, orchestratorSignalGenerator{coordinator: coordinator}, execEngine, trademanager.DefaultConfig())
	}
	tradeCoordinator := trademanager.NewCoordinator(tmFactory)

	runner := realtime.New(logger, br, coordinator, realtime.TradeRouterFromCoordinator(tradeCoordinator), bus, realtime.DefaultConfig())
	runner.Start(ctx, []types.Broker{types.BrokerMT4, types.BrokerMT5})
	defer runner.Stop()

	server := api.NewServer(logger, cfg.Server, api.Deps{
		Bridge:       br,
		Router:       router,
		Coordinator:  coordinator,
		Execution:    execEngine,
		RiskEngine:   riskEngine,
		TradeManager: tradeCoordinator,
		Guard:        guard,
		GateMemory:   gateMemory,
		Store:        store,
		Bus:          bus,
		ConfigFn:     configFn,
		Realtime:     runner,
	})

	go runManagementLoop(ctx, execEngine, execCfg.MonitoringInterval)
	go runReconciliationLoop(ctx, logger, router, execCfg.ReconciliationInterval)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server stopped", zap.Error(err))
		}
	}()

	logger.Info("fx-signal-engine started", zap.String("http", fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()

	for _, b := range []types.Broker{types.BrokerMT4, types.BrokerMT5} {
		if m := tradeCoordinator.ManagerFor(b); m.Status().IsRunning {
			_ = tradeCoordinator.StopFor(b)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}

	logger.Info("fx-signal-engine stopped")
}

func runManagementLoop(ctx context.Context, engine *execution.Engine, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.ManageActiveTrades(ctx)
		}
	}
}

func runReconciliationLoop(ctx context.Context, logger *zap.Logger, router *broker.Router, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for id, err := range router.RunReconciliation(ctx) {
				if err != nil {
					logger.Warn("reconciliation error", zap.String("connector", id), zap.Error(err))
				}
			}
		}
	}
}

// bridgeMarketContextProvider assembles an analyzers.MarketContext from the
// bridge's quote/bar/snapshot/news stores.
type bridgeMarketContextProvider struct {
	bridge *bridge.Bridge
}

func (p bridgeMarketContextProvider) MarketContext(ctx context.Context, brokerID types.Broker, pair string) (analyzers.MarketContext, error) {
	mctx := analyzers.MarketContext{
		BarsByTimeframe: make(map[types.Timeframe][]types.Bar, len(contextTimeframes)),
		BarsTimeframe:   types.TimeframeH1,
	}
	if q, ok := p.bridge.CurrentQuote(brokerID, pair); ok {
		mctx.Quote = &q
	}
	for _, tf := range contextTimeframes {
		bars := p.bridge.RecentBars(brokerID, pair, tf, 200)
		if len(bars) == 0 {
			continue
		}
		mctx.BarsByTimeframe[tf] = bars
		if tf == mctx.BarsTimeframe {
			mctx.Bars = bars
		}
	}
	if len(mctx.Bars) == 0 {
		for _, tf := range contextTimeframes {
			if bars, ok := mctx.BarsByTimeframe[tf]; ok {
				mctx.Bars = bars
				mctx.BarsTimeframe = tf
				break
			}
		}
	}
	if snap, ok := p.bridge.CurrentSnapshot(brokerID, pair); ok {
		mctx.Snapshot = &snap
	}
	mctx.Events = p.bridge.RecentNews(brokerID, time.Now().Add(-48*time.Hour))
	return mctx, nil
}

// orchestratorSignalGenerator adapts orchestrator.Coordinator.GenerateSignal
// (pair + options, three return values) onto trademanager.SignalGenerator
// (broker + pair, two return values), fixing the scheduled-scan cadence's
// analysis mode to ModeDefault and leaving execution to the manager's own
// gate.
type orchestratorSignalGenerator struct {
	coordinator *orchestrator.Coordinator
}

func (g orchestratorSignalGenerator) GenerateSignal(ctx context.Context, brokerID types.Broker, pair string) (*types.Signal, error) {
	signal, _, err := g.coordinator.GenerateSignal(ctx, pair, orchestrator.GenerateOptions{Broker: brokerID, AutoExecute: false})
	return signal, err
}

// bridgePriceSource adapts the bridge's quote store onto execution.PriceSource.
type bridgePriceSource struct {
	bridge *bridge.Bridge
}

func (p bridgePriceSource) CurrentPrice(brokerID types.Broker, pair string) (decimal.Decimal, bool) {
	q, ok := p.bridge.CurrentQuote(brokerID, pair)
	if !ok {
		return decimal.Zero, false
	}
	return q.Mid(), true
}

// eventAlertPublisher adapts the event bus onto risk.AlertPublisher.
type eventAlertPublisher struct {
	bus *events.EventBus
}

func (a eventAlertPublisher) PublishRiskAlert(alertType, severity, pair, message string, current, threshold decimal.Decimal) {
	a.bus.Publish(events.NewRiskAlertEvent(alertType, severity, pair, message, current, threshold))
}

// eventPublisherAdapter adapts the event bus onto execution.EventPublisher.
type eventPublisherAdapter struct {
	bus    *events.EventBus
	logger *zap.Logger
}

func (a eventPublisherAdapter) PublishTradeClosed(trade *types.Trade) {
	a.bus.Publish(events.NewTradeClosedEvent(trade.ID, trade.Pair, trade.CloseReason, trade.OriginSignalID, trade.FinalPnL))
}

func (a eventPublisherAdapter) PublishExecution(trade *types.Trade, result types.ExecutionResult) {
	tradeID := result.TradeID
	if trade != nil {
		tradeID = trade.ID
	}
	pair := ""
	if trade != nil {
		pair = trade.Pair
	}
	a.bus.Publish(events.NewExecutionEvent(tradeID, pair, result.Success, result.Reason, result.ErrorType, result.LatencyMs*int64(time.Millisecond), result.SlippagePips))
}

func (a eventPublisherAdapter) PublishSmartSupervision(trade *types.Trade, action string) {
	a.logger.Info("smart supervision action", zap.String("tradeId", trade.ID), zap.String("pair", trade.Pair), zap.String("action", action))
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
