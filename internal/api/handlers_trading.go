package api

import (
	"net/http"

	"github.com/atlas-desktop/fx-signal-engine/internal/orchestrator"
	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
)

// handleSignalGet runs generateSignal on demand for dashboards/manual
// checks, in advisory (non-executing) mode.
func (s *Server) handleSignalGet(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	pair := r.URL.Query().Get("pair")
	if pair == "" {
		writeError(w, http.StatusBadRequest, "pair required")
		return
	}
	brokerID := brokerFromPath(r)
	signal, execResult, err := s.deps.Coordinator.GenerateSignal(r.Context(), pair, orchestrator.GenerateOptions{
		Broker:       brokerID,
		AutoExecute:  false,
		AnalysisMode: orchestrator.ModeEAOnly,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signal": signal, "execution": execResult})
}

// handleAnalysisGet returns the same signal's component breakdown, framed
// as an analysis view rather than a tradeable signal.
func (s *Server) handleAnalysisGet(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	pair := r.URL.Query().Get("pair")
	if pair == "" {
		writeError(w, http.StatusBadRequest, "pair required")
		return
	}
	brokerID := brokerFromPath(r)
	signal, _, err := s.deps.Coordinator.GenerateSignal(r.Context(), pair, orchestrator.GenerateOptions{
		Broker:       brokerID,
		AutoExecute:  false,
		AnalysisMode: orchestrator.ModeEAOnly,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pair":       pair,
		"components": signal.Components,
		"decision":   signal.Decision,
		"reasoning":  signal.Reasoning,
	})
}

// handleStatus reports broker connector health and trade-manager run state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var connectors []any
	if s.deps.Router != nil {
		for _, status := range s.deps.Router.GetStatus() {
			connectors = append(connectors, status)
		}
	}
	var managers []any
	if s.deps.TradeManager != nil {
		for _, st := range s.deps.TradeManager.AllStatus() {
			managers = append(managers, st)
		}
	}
	resp := map[string]any{
		"connectors":    connectors,
		"tradeManagers": managers,
	}
	if s.deps.Bus != nil {
		resp["eventBus"] = s.deps.Bus.GetStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStartTrading begins the auto-trading loop for a broker, creating
// its manager on first use.
func (s *Server) handleStartTrading(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	brokerID := brokerFromPath(r)
	if s.deps.TradeManager == nil {
		writeError(w, http.StatusServiceUnavailable, "trade manager not configured")
		return
	}
	if err := s.deps.TradeManager.StartFor(r.Context(), brokerID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"broker": brokerID, "running": true})
}

// handleStopTrading stops the auto-trading loop for a broker.
func (s *Server) handleStopTrading(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	brokerID := brokerFromPath(r)
	if s.deps.TradeManager == nil {
		writeError(w, http.StatusServiceUnavailable, "trade manager not configured")
		return
	}
	if err := s.deps.TradeManager.StopFor(brokerID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"broker": brokerID, "running": false})
}

// handlePauseTrading suspends a broker's auto-trading loop without
// tearing it down, for manual intervention without losing run state.
func (s *Server) handlePauseTrading(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	brokerID := brokerFromPath(r)
	if s.deps.TradeManager == nil {
		writeError(w, http.StatusServiceUnavailable, "trade manager not configured")
		return
	}
	s.deps.TradeManager.ManagerFor(brokerID).Pause()
	writeJSON(w, http.StatusOK, map[string]any{"broker": brokerID, "paused": true})
}

// handleResumeTrading lifts a prior pause on a broker's auto-trading loop.
func (s *Server) handleResumeTrading(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	brokerID := brokerFromPath(r)
	if s.deps.TradeManager == nil {
		writeError(w, http.StatusServiceUnavailable, "trade manager not configured")
		return
	}
	s.deps.TradeManager.ManagerFor(brokerID).Resume()
	writeJSON(w, http.StatusOK, map[string]any{"broker": brokerID, "paused": false})
}

// handleStatistics reports execution-engine and risk-engine rollups.
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if s.deps.Execution != nil {
		resp["pnl"] = s.deps.Execution.PnLSummary()
		resp["blotter"] = s.deps.Execution.Blotter(20)
		resp["dailyRisk"] = s.deps.Execution.DailyRisk()
		resp["equityReturns"] = s.deps.Execution.EquityReturns()
	}
	if s.deps.GateMemory != nil {
		resp["recentRejections"] = s.deps.GateMemory.Rejections()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSessions reports active-symbol sets as a lightweight liveness
// signal: for the broker named in the query string, or for both mt4 and
// mt5 when none is given. It does not list EA session records.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	brokerParam := r.URL.Query().Get("broker")
	if brokerParam == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"mt4": s.deps.Bridge.GetActiveSymbols(types.BrokerMT4),
			"mt5": s.deps.Bridge.GetActiveSymbols(types.BrokerMT5),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activeSymbols": s.deps.Bridge.GetActiveSymbols(types.Broker(brokerParam)),
	})
}
