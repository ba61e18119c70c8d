package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRESTServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestRESTConnectorPlaceOrderSuccess(t *testing.T) {
	srv := newTestRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NotEmpty(t, r.URL.Query().Get("signature"))
		_ = json.NewEncoder(w).Encode(map[string]any{"orderId": 42, "price": "1.2345", "status": "FILLED"})
	})

	c := NewRESTConnector(zap.NewNop(), RESTConfig{ID: "rest1", BaseURL: srv.URL, APIKey: "k", APISecret: "s"})
	result, err := c.PlaceOrder(context.Background(), OrderPayload{
		Symbol:         "BTCUSDT",
		Side:           "BUY",
		Volume:         decimal.NewFromFloat(0.01),
		Price:          decimal.NewFromFloat(1.234),
		IdempotencyKey: "trade-1",
	})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "BTCUSDT:42", result.OrderID)
	assert.True(t, result.FilledPrice.Equal(decimal.NewFromFloat(1.2345)))
	assert.True(t, c.Status().Connected)
}

func TestRESTConnectorPlaceOrderHTTPFailure(t *testing.T) {
	srv := newTestRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})

	c := NewRESTConnector(zap.NewNop(), RESTConfig{ID: "rest1", BaseURL: srv.URL, APIKey: "k", APISecret: "s"})
	result, err := c.PlaceOrder(context.Background(), OrderPayload{Symbol: "BTCUSDT", Side: "BUY", Volume: decimal.NewFromFloat(0.01)})

	require.Error(t, err)
	assert.False(t, result.Success)
	assert.False(t, c.Status().Connected)
	assert.Contains(t, c.Status().LastError, "boom")
}

func TestRESTConnectorModifyUnsupportedWithoutPath(t *testing.T) {
	c := NewRESTConnector(zap.NewNop(), RESTConfig{ID: "rest1", BaseURL: "http://example.invalid", APIKey: "k", APISecret: "s"})
	err := c.ModifyPosition(context.Background(), ModifyPayload{BrokerOrderID: "1"})
	assert.Error(t, err)
}

func TestRESTConnectorClosePosition(t *testing.T) {
	srv := newTestRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"price": "2.5"})
	})

	c := NewRESTConnector(zap.NewNop(), RESTConfig{ID: "rest1", BaseURL: srv.URL, APIKey: "k", APISecret: "s", ClosePath: "/close"})
	price, err := c.ClosePosition(context.Background(), ClosePayload{BrokerOrderID: "7", Price: decimal.NewFromFloat(2.4)})

	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromFloat(2.5)))
}

func TestRESTRateLimiterBlocksUntilRefill(t *testing.T) {
	rl := newRESTRateLimiter(1, 20*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	rl.acquire(ctx)
	rl.acquire(ctx)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 15*time.Millisecond)
}

func TestRESTRateLimiterRespectsContextCancellation(t *testing.T) {
	rl := newRESTRateLimiter(1, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	rl.acquire(context.Background())
	done := make(chan struct{})
	go func() {
		rl.acquire(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire did not return after context cancellation")
	}
}
