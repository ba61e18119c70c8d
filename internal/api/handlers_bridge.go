package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
	"github.com/atlas-desktop/fx-signal-engine/pkg/utils"
)

// --- session / agent lifecycle ---

type sessionConnectRequest struct {
	AccountNumber string      `json:"accountNumber"`
	AccountMode   string      `json:"accountMode"`
	Server        string      `json:"server"`
	Currency      string      `json:"currency"`
	Equity        json.Number `json:"equity"`
	Balance       json.Number `json:"balance"`
	EA            string      `json:"ea"`
}

func (s *Server) handleSessionConnect(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var req sessionConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	equity, _ := decimal.NewFromString(req.Equity.String())
	balance, _ := decimal.NewFromString(req.Balance.String())
	session := s.deps.Bridge.RegisterSession(types.Session{
		Broker:        brokerFromPath(r),
		AccountNumber: req.AccountNumber,
		AccountMode:   req.AccountMode,
		Server:        req.Server,
		Currency:      req.Currency,
		Equity:        equity,
		Balance:       balance,
		EA:            req.EA,
	})
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleSessionDisconnect(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	accountNumber := r.URL.Query().Get("accountNumber")
	s.deps.Bridge.DisconnectSession(brokerFromPath(r), accountNumber)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	accountNumber := r.URL.Query().Get("accountNumber")
	session, ok := s.deps.Bridge.HandleHeartbeat(brokerFromPath(r), accountNumber)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	cfg := s.deps.ConfigFn()
	writeJSON(w, http.StatusOK, map[string]any{
		"session":      session,
		"serverPolicy": buildServerPolicy(cfg),
	})
}

type transactionRequest struct {
	Quotes        []types.Quote     `json:"quotes,omitempty"`
	Bars          []types.Bar       `json:"bars,omitempty"`
	Timeframe     types.Timeframe   `json:"timeframe,omitempty"`
	Symbol        string            `json:"symbol,omitempty"`
	Snapshot      *types.Snapshot   `json:"snapshot,omitempty"`
	News          []types.NewsEvent `json:"news,omitempty"`
	Symbols       []string          `json:"symbols,omitempty"`
	ActiveSymbols []string          `json:"activeSymbols,omitempty"`
	ActiveTTLMs   int64             `json:"activeTtlMs,omitempty"`
}

// handleAgentTransaction is the single bulk-ingest endpoint an EA agent
// posts to: any subset of quotes/bars/snapshot/news/symbols may be present.
func (s *Server) handleAgentTransaction(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	brokerID := brokerFromPath(r)
	var req transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	var errs []error
	if len(req.Quotes) > 0 {
		errs = append(errs, s.deps.Bridge.RecordQuotes(brokerID, req.Quotes)...)
	}
	if len(req.Bars) > 0 && req.Symbol != "" {
		errs = append(errs, s.deps.Bridge.RecordMarketBars(brokerID, req.Symbol, req.Timeframe, req.Bars)...)
		s.deps.Bridge.TouchActiveSymbol(brokerID, req.Symbol, 0)
	}
	if req.Snapshot != nil && req.Symbol != "" {
		s.deps.Bridge.RecordMarketSnapshot(brokerID, req.Symbol, *req.Snapshot)
		s.deps.Bridge.TouchActiveSymbol(brokerID, req.Symbol, 0)
	}
	for _, n := range req.News {
		s.deps.Bridge.RecordNews(brokerID, n)
	}
	if len(req.Symbols) > 0 {
		s.deps.Bridge.RecordSymbols(brokerID, req.Symbols)
	}
	if len(req.ActiveSymbols) > 0 {
		ttl := time.Duration(req.ActiveTTLMs) * time.Millisecond
		s.deps.Bridge.SetActiveSymbols(brokerID, req.ActiveSymbols, ttl)
	}

	resp := map[string]any{"accepted": true}
	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		resp["errors"] = msgs
	}
	writeJSON(w, http.StatusOK, resp)
}

type manageRequest struct {
	Action  string                 `json:"action"`
	TradeID string                 `json:"tradeId"`
	Params  map[string]json.Number `json:"params,omitempty"`
}

// handleAgentManage lets a dashboard/operator push a trade-management
// command into the broker's command queue for the EA to poll.
func (s *Server) handleAgentManage(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var req manageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	params := make(map[string]decimal.Decimal, len(req.Params))
	for k, v := range req.Params {
		d, _ := decimal.NewFromString(v.String())
		params[k] = d
	}
	cmd := types.ManagementCommand{
		ID:      uuid.New().String(),
		TradeID: req.TradeID,
		Action:  req.Action,
		Params:  params,
	}
	brokerID := brokerFromPath(r)
	s.deps.Bridge.EnqueueManagementCommands(brokerID, cmd)
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "id": cmd.ID})
}

func (s *Server) handleAgentCommands(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	brokerID := brokerFromPath(r)
	cmds := s.deps.Bridge.DrainManagementCommands(brokerID, limit)
	snapshotRequests := s.deps.Bridge.ConsumeMarketSnapshotRequests(brokerID)
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds, "snapshotRequests": snapshotRequests})
}

func (s *Server) handleAgentConfig(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, buildServerPolicy(s.deps.ConfigFn()))
}

// --- market data ingestion (POST) ---

func (s *Server) handleMarketQuotesPost(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var quotes []types.Quote
	if err := json.NewDecoder(r.Body).Decode(&quotes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	errs := s.deps.Bridge.RecordQuotes(brokerFromPath(r), quotes)
	writeJSON(w, http.StatusOK, map[string]any{"accepted": len(quotes) - len(errs), "rejected": len(errs)})
}

type barsPostRequest struct {
	Symbol    string          `json:"symbol"`
	Timeframe types.Timeframe `json:"timeframe"`
	Bars      []types.Bar     `json:"bars"`
}

func (s *Server) handleMarketBarsPost(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var req barsPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	errs := s.deps.Bridge.RecordMarketBars(brokerFromPath(r), req.Symbol, req.Timeframe, req.Bars)
	writeJSON(w, http.StatusOK, map[string]any{"accepted": len(req.Bars) - len(errs), "rejected": len(errs)})
}

type snapshotPostRequest struct {
	Symbol   string         `json:"symbol"`
	Snapshot types.Snapshot `json:"snapshot"`
}

func (s *Server) handleMarketSnapshotPost(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var req snapshotPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.deps.Bridge.RecordMarketSnapshot(brokerFromPath(r), req.Symbol, req.Snapshot)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (s *Server) handleMarketNewsPost(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var events []types.NewsEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	brokerID := brokerFromPath(r)
	for _, e := range events {
		s.deps.Bridge.RecordNews(brokerID, e)
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(events)})
}

func (s *Server) handleMarketSymbolsPost(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var symbols []string
	if err := json.NewDecoder(r.Body).Decode(&symbols); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.deps.Bridge.RecordSymbols(brokerFromPath(r), symbols)
	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(symbols)})
}

type activeSymbolsPostRequest struct {
	Symbols []string `json:"symbols"`
	TTLMs   int64    `json:"ttlMs"`
}

func (s *Server) handleActiveSymbolsPost(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var req activeSymbolsPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	ttl := time.Duration(req.TTLMs) * time.Millisecond
	brokerID := brokerFromPath(r)
	s.deps.Bridge.SetActiveSymbols(brokerID, req.Symbols, ttl)
	if s.deps.Realtime != nil {
		s.deps.Realtime.IngestSymbols(r.Context(), brokerID, req.Symbols)
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(req.Symbols)})
}

func (s *Server) handleMarketSnapshotRequest(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	symbol := r.URL.Query().Get("symbol")
	s.deps.Bridge.RequestMarketSnapshot(brokerFromPath(r), symbol)
	writeJSON(w, http.StatusOK, map[string]string{"status": "requested"})
}

// --- market data query (GET) ---

func (s *Server) handleMarketQuotesGet(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	brokerID := brokerFromPath(r)
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	if r.URL.Query().Get("history") == "true" {
		writeJSON(w, http.StatusOK, map[string]any{"history": s.deps.Bridge.QuoteHistory(brokerID, symbol)})
		return
	}
	quote, ok := s.deps.Bridge.CurrentQuote(brokerID, symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "no quote for symbol")
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleMarketBarsGet(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	tf := types.Timeframe(r.URL.Query().Get("timeframe"))
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	bars := s.deps.Bridge.RecentBars(brokerFromPath(r), symbol, tf, limit)
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "timeframe": tf, "bars": bars, "count": len(bars)})
}

func (s *Server) handleMarketSnapshotGet(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	snap, ok := s.deps.Bridge.CurrentSnapshot(brokerFromPath(r), symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "no snapshot for symbol")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleMarketNewsGet(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if v := r.URL.Query().Get("range"); v != "" {
		if d, err := utils.ParseTimeRange(v); err == nil {
			window = d
		}
	} else if v := r.URL.Query().Get("sinceMinutes"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			window = time.Duration(n) * time.Minute
		}
	}
	since := time.Now().Add(-window)
	events := s.deps.Bridge.RecentNews(brokerFromPath(r), since)
	writeJSON(w, http.StatusOK, map[string]any{"news": events, "count": len(events), "window": utils.FormatDuration(window)})
}

func (s *Server) handleMarketSymbolsGet(w http.ResponseWriter, r *http.Request) {
	maxAgeMs := int64(0)
	if v := r.URL.Query().Get("maxAgeMs"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			maxAgeMs = n
		}
	}
	max := 0
	if v := r.URL.Query().Get("max"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			max = n
		}
	}
	symbols := s.deps.Bridge.ListKnownSymbols(brokerFromPath(r), time.Duration(maxAgeMs)*time.Millisecond, max)
	writeJSON(w, http.StatusOK, map[string]any{"symbols": symbols})
}

func (s *Server) handleActiveSymbolsGet(w http.ResponseWriter, r *http.Request) {
	symbols := s.deps.Bridge.GetActiveSymbols(brokerFromPath(r))
	writeJSON(w, http.StatusOK, map[string]any{"activeSymbols": symbols})
}

func (s *Server) handleCandleAnalysis(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	tf := types.Timeframe(r.URL.Query().Get("timeframe"))
	bars := s.deps.Bridge.RecentBars(brokerFromPath(r), symbol, tf, 50)
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "timeframe": tf, "bars": len(bars)})
}
