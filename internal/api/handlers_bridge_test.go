package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/fx-signal-engine/pkg/types"
)

type recordingIngester struct {
	broker  types.Broker
	symbols []string
}

func (r *recordingIngester) IngestSymbols(ctx context.Context, broker types.Broker, symbols []string) {
	r.broker = broker
	r.symbols = symbols
}

func TestSessionConnectAndHeartbeat(t *testing.T) {
	s := newTestServer(t)

	body := bytes.NewBufferString(`{"accountNumber":"1001","accountMode":"demo","server":"Broker-Demo","currency":"USD","equity":"10000","balance":"10000","ea":"atlas-ea"}`)
	req := httptest.NewRequest("POST", "/broker/bridge/mt5/session/connect", body)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	var session types.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	require.Equal(t, "1001", session.AccountNumber)
	require.True(t, session.Equity.Equal(session.Balance))

	hbReq := httptest.NewRequest("POST", "/broker/bridge/mt5/agent/heartbeat?accountNumber=1001", nil)
	hbRec := httptest.NewRecorder()
	s.router.ServeHTTP(hbRec, hbReq)
	require.Equal(t, 200, hbRec.Code)

	var hb map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(hbRec.Body.Bytes(), &hb))
	require.Contains(t, hb, "session")
	require.Contains(t, hb, "serverPolicy")
}

func TestAgentHeartbeatUnknownSessionReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("POST", "/broker/bridge/mt5/agent/heartbeat?accountNumber=does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, 404, rec.Code)
}

func TestMarketQuotesPostAndGet(t *testing.T) {
	s := newTestServer(t)

	quotesBody := bytes.NewBufferString(`[{"symbol":"EURUSD","bid":"1.0950","ask":"1.0952"}]`)
	postReq := httptest.NewRequest("POST", "/broker/bridge/mt5/market/quotes", quotesBody)
	postRec := httptest.NewRecorder()
	s.router.ServeHTTP(postRec, postReq)
	require.Equal(t, 200, postRec.Code)

	getReq := httptest.NewRequest("GET", "/broker/bridge/mt5/market/quotes?symbol=EURUSD", nil)
	getRec := httptest.NewRecorder()
	s.router.ServeHTTP(getRec, getReq)
	require.Equal(t, 200, getRec.Code)

	var quote types.Quote
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &quote))
	require.Equal(t, "EURUSD", quote.Symbol)
}

func TestMarketQuotesGetMissingSymbolIsBadRequest(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/broker/bridge/mt5/market/quotes", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, 400, rec.Code)
}

func TestAgentManageAndDrainCommands(t *testing.T) {
	s := newTestServer(t)

	manageBody := bytes.NewBufferString(`{"action":"close","tradeId":"trade-1"}`)
	req := httptest.NewRequest("POST", "/broker/bridge/mt5/agent/manage", manageBody)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	drainReq := httptest.NewRequest("GET", "/broker/bridge/mt5/agent/commands", nil)
	drainRec := httptest.NewRecorder()
	s.router.ServeHTTP(drainRec, drainReq)
	require.Equal(t, 200, drainRec.Code)

	var payload map[string][]types.ManagementCommand
	require.NoError(t, json.Unmarshal(drainRec.Body.Bytes(), &payload))
	require.Len(t, payload["commands"], 1)
	require.Equal(t, "close", payload["commands"][0].Action)
}

func TestActiveSymbolsPostNotifiesRealtimeIngester(t *testing.T) {
	s := newTestServer(t)
	ingester := &recordingIngester{}
	s.deps.Realtime = ingester

	body := bytes.NewBufferString(`{"symbols":["EURUSD","GBPUSD"],"ttlMs":60000}`)
	req := httptest.NewRequest("POST", "/broker/bridge/mt5/market/active-symbols", body)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	assert.Equal(t, types.BrokerMT5, ingester.broker)
	assert.Equal(t, []string{"EURUSD", "GBPUSD"}, ingester.symbols)
}

func TestBrokerFromPathReadsRouteVar(t *testing.T) {
	req := httptest.NewRequest("GET", "/broker/bridge/mt4/market/quotes", nil)
	req = mux.SetURLVars(req, map[string]string{"broker": "mt4"})
	require.Equal(t, types.BrokerMT4, brokerFromPath(req))
}
