// Package api exposes the broker-bridge HTTP surface and a WebSocket
// broadcast hub for dashboards, routed under /broker/bridge/:broker/* with
// a mux router, gorilla/websocket upgrader, and rs/cors. Auth and
// rate-limiting are interfaces only; concrete implementations are left to
// the deployment.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-signal-engine/internal/bridge"
	"github.com/atlas-desktop/fx-signal-engine/internal/broker"
	"github.com/atlas-desktop/fx-signal-engine/internal/events"
	"github.com/atlas-desktop/fx-signal-engine/internal/execution"
	"github.com/atlas-desktop/fx-signal-engine/internal/gate"
	"github.com/atlas-desktop/fx-signal-engine/internal/orchestrator"
	"github.com/atlas-desktop/fx-signal-engine/internal/persistence"
	"github.com/atlas-desktop/fx-signal-engine/internal/quality"
	"github.com/atlas-desktop/fx-signal-engine/internal/risk"
	"github.com/atlas-desktop/fx-signal-engine/internal/trademanager"
	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
)

// AuthValidator checks the x-api-key header and resolves its role. The
// engine ships no concrete implementation; operators wire their own.
type AuthValidator interface {
	Validate(apiKey string) (role string, ok bool)
}

// RateLimiter bounds requests per (identity, ip, method, path). The engine
// ships no concrete implementation.
type RateLimiter interface {
	Allow(identity, ip, method, path string) bool
}

// SymbolIngester feeds an EA's "these symbols are active now" push into the
// realtime signal runner's debounced evaluation path; satisfied by
// *realtime.Runner.
type SymbolIngester interface {
	IngestSymbols(ctx context.Context, broker types.Broker, symbols []string)
}

// Deps bundles every component the API surface reads from or drives.
type Deps struct {
	Bridge       *bridge.Bridge
	Router       *broker.Router
	Coordinator  *orchestrator.Coordinator
	Execution    *execution.Engine
	RiskEngine   *risk.Engine
	TradeManager *trademanager.Coordinator
	Guard        *quality.Guard
	GateMemory   *gate.Memory
	Store        persistence.Store
	Bus          *events.EventBus
	ConfigFn     func() types.ConfigSnapshot
	Realtime     SymbolIngester // optional

	Auth        AuthValidator // optional
	RateLimiter RateLimiter   // optional
}

// Client is one connected WebSocket dashboard subscriber.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Subs map[string]bool
}

// Message is the WebSocket envelope for both client requests and broadcast
// events.
type Message struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"` // request | response | event | broadcast
	Method    string      `json:"method"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Server is the HTTP/WebSocket API surface.
type Server struct {
	mu            sync.RWMutex
	logger        *zap.Logger
	cfg           types.ServerConfig
	deps          Deps
	router        *mux.Router
	httpServer    *http.Server
	upgrader      websocket.Upgrader
	clients       map[string]*Client
	stopBroadcast chan struct{}
}

// NewServer builds the router and wires every route, but does not start
// listening.
func NewServer(logger *zap.Logger, cfg types.ServerConfig, deps Deps) *Server {
	s := &Server{
		logger:  logger.Named("api"),
		cfg:     cfg,
		deps:    deps,
		router:  mux.NewRouter(),
		clients: make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	if s.deps.Bus != nil {
		s.deps.Bus.SubscribeAll(s.relayEvent)
	}
	if s.deps.Bridge != nil {
		s.deps.Bridge.OnBroadcast(s.relayBridgeNotifications)
		s.stopBroadcast = make(chan struct{})
		go s.deps.Bridge.RunBroadcastLoop(s.stopBroadcast)
	}
	return s
}

// relayBridgeNotifications forwards buffered quote/snapshot updates to
// WebSocket clients subscribed to the "bridge" channel.
func (s *Server) relayBridgeNotifications(notifications []bridge.Notification) {
	if len(notifications) == 0 {
		return
	}
	msg := Message{
		ID:        uuid.New().String(),
		Type:      "broadcast",
		Method:    "bridge",
		Payload:   notifications,
		Timestamp: time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if len(c.Subs) > 0 && !c.Subs["bridge"] {
			continue
		}
		select {
		case c.Send <- raw:
		default:
		}
	}
}

func (s *Server) setupRoutes() {
	r := s.router

	b := r.PathPrefix("/broker/bridge/{broker}").Subrouter()
	b.HandleFunc("/session/connect", s.handleSessionConnect).Methods("POST")
	b.HandleFunc("/session/disconnect", s.handleSessionDisconnect).Methods("POST")
	b.HandleFunc("/agent/heartbeat", s.handleAgentHeartbeat).Methods("POST")
	b.HandleFunc("/agent/transaction", s.handleAgentTransaction).Methods("POST")
	b.HandleFunc("/agent/manage", s.handleAgentManage).Methods("POST")
	b.HandleFunc("/agent/commands", s.handleAgentCommands).Methods("GET")
	b.HandleFunc("/agent/config", s.handleAgentConfig).Methods("GET")

	b.HandleFunc("/market/quotes", s.handleMarketQuotesPost).Methods("POST")
	b.HandleFunc("/market/bars", s.handleMarketBarsPost).Methods("POST")
	b.HandleFunc("/market/snapshot", s.handleMarketSnapshotPost).Methods("POST")
	b.HandleFunc("/market/news", s.handleMarketNewsPost).Methods("POST")
	b.HandleFunc("/market/symbols", s.handleMarketSymbolsPost).Methods("POST")
	b.HandleFunc("/market/active-symbols", s.handleActiveSymbolsPost).Methods("POST")
	b.HandleFunc("/market/snapshot/request", s.handleMarketSnapshotRequest).Methods("POST")

	b.HandleFunc("/market/quotes", s.handleMarketQuotesGet).Methods("GET")
	b.HandleFunc("/market/bars", s.handleMarketBarsGet).Methods("GET")
	b.HandleFunc("/market/candles", s.handleMarketBarsGet).Methods("GET")
	b.HandleFunc("/market/snapshot", s.handleMarketSnapshotGet).Methods("GET")
	b.HandleFunc("/market/news", s.handleMarketNewsGet).Methods("GET")
	b.HandleFunc("/market/symbols", s.handleMarketSymbolsGet).Methods("GET")
	b.HandleFunc("/market/active-symbols", s.handleActiveSymbolsGet).Methods("GET")
	b.HandleFunc("/market/candle-analysis", s.handleCandleAnalysis).Methods("GET")

	b.HandleFunc("/signal/get", s.handleSignalGet).Methods("GET")
	b.HandleFunc("/analysis/get", s.handleAnalysisGet).Methods("GET")

	b.HandleFunc("/trading/start", s.handleStartTrading).Methods("POST")
	b.HandleFunc("/trading/stop", s.handleStopTrading).Methods("POST")
	b.HandleFunc("/trading/pause", s.handlePauseTrading).Methods("POST")
	b.HandleFunc("/trading/resume", s.handleResumeTrading).Methods("POST")

	r.HandleFunc("/broker/bridge/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/broker/bridge/statistics", s.handleStatistics).Methods("GET")
	r.HandleFunc("/broker/bridge/sessions", s.handleSessions).Methods("GET")

	r.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	r.HandleFunc(s.cfg.WebSocketPath, s.handleWebSocket)
}

// authorize applies the optional AuthValidator/RateLimiter chain. Absent
// implementations mean the check is skipped — wiring them in is left to the
// deployment.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	apiKey := r.Header.Get("x-api-key")
	if s.deps.Auth != nil {
		if _, ok := s.deps.Auth.Validate(apiKey); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return false
		}
	}
	if s.deps.RateLimiter != nil {
		if !s.deps.RateLimiter.Allow(apiKey, r.RemoteAddr, r.Method, r.URL.Path) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return false
		}
	}
	return true
}

func brokerFromPath(r *http.Request) types.Broker {
	return types.Broker(mux.Vars(r)["broker"])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Start begins serving HTTP on cfg.Host:cfg.Port behind CORS middleware.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("starting api server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop drains WebSocket clients and shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.stopBroadcast != nil {
		close(s.stopBroadcast)
	}
	s.mu.Lock()
	for _, c := range s.clients {
		c.Conn.Close()
	}
	s.mu.Unlock()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "time": time.Now().Unix()})
}

// --- WebSocket hub: Client/readPump/writePump/broadcast. ---

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{ID: uuid.New().String(), Conn: conn, Send: make(chan []byte, 256), Subs: make(map[string]bool)}

	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	go s.readPump(client)
	go s.writePump(client)
}

func (s *Server) readPump(client *Client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.Conn.Close()
	}()
	client.Conn.SetReadLimit(512 * 1024)
	client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, raw, err := client.Conn.ReadMessage()
		if err != nil {
			break
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		s.handleClientMessage(client, &msg)
	}
}

func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()
	for {
		select {
		case msg, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleClientMessage(client *Client, msg *Message) {
	resp := &Message{ID: msg.ID, Type: "response", Method: msg.Method, Timestamp: time.Now().UnixMilli()}
	switch msg.Method {
	case "ping":
		resp.Payload = map[string]string{"pong": "ok"}
	case "subscribe":
		payload, _ := msg.Payload.(map[string]interface{})
		channel, _ := payload["channel"].(string)
		client.Subs[channel] = true
		resp.Payload = map[string]string{"subscribed": channel}
	case "unsubscribe":
		payload, _ := msg.Payload.(map[string]interface{})
		channel, _ := payload["channel"].(string)
		delete(client.Subs, channel)
		resp.Payload = map[string]string{"unsubscribed": channel}
	default:
		resp.Error = "unknown method"
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	select {
	case client.Send <- raw:
	default:
	}
}

// relayEvent forwards every bus event to subscribed WebSocket clients,
// channel-keyed by the event's type string.
func (s *Server) relayEvent(ev events.Event) error {
	msg := Message{
		ID:        uuid.New().String(),
		Type:      "event",
		Method:    string(ev.GetType()),
		Payload:   ev,
		Timestamp: ev.GetTimestamp().UnixMilli(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	channel := string(ev.GetType())

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if len(c.Subs) > 0 && !c.Subs[channel] {
			continue
		}
		select {
		case c.Send <- raw:
		default:
		}
	}
	return nil
}
