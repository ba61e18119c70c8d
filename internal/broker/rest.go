package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RESTConfig configures a generic signed-REST connector, covering the
// fields OrderPayload/ModifyPayload/ClosePayload need.
type RESTConfig struct {
	ID           string
	BaseURL      string
	APIKey       string
	APISecret    string
	OrderPath    string
	ModifyPath   string
	ClosePath    string
	HTTPTimeout  time.Duration
	RateLimitQPS int
}

// RESTConnector drives a crypto-style signed REST venue (Binance-shaped
// order/modify/close endpoints), for brokers that expose HTTP trading APIs
// rather than the MT4/MT5 terminal bridge or gRPC.
type RESTConnector struct {
	logger      *zap.Logger
	cfg         RESTConfig
	httpClient  *http.Client
	rateLimiter *restRateLimiter

	mu        sync.Mutex
	connected bool
	lastError string
}

// NewRESTConnector builds a signed-REST connector.
func NewRESTConnector(logger *zap.Logger, cfg RESTConfig) *RESTConnector {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.OrderPath == "" {
		cfg.OrderPath = "/api/v3/order"
	}
	if cfg.RateLimitQPS <= 0 {
		cfg.RateLimitQPS = 10
	}
	return &RESTConnector{
		logger:      logger.Named("broker.rest").With(zap.String("id", cfg.ID)),
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: cfg.HTTPTimeout},
		rateLimiter: newRESTRateLimiter(cfg.RateLimitQPS, time.Second),
		connected:   true,
	}
}

func (c *RESTConnector) ID() string { return c.cfg.ID }

// PlaceOrder signs and sends an order to the configured endpoint.
func (c *RESTConnector) PlaceOrder(ctx context.Context, payload OrderPayload) (OrderResult, error) {
	c.rateLimiter.acquire(ctx)

	start := time.Now()
	params := url.Values{}
	params.Set("symbol", payload.Symbol)
	params.Set("side", payload.Side)
	params.Set("quantity", payload.Volume.String())
	if payload.Price.IsPositive() {
		params.Set("price", payload.Price.String())
		params.Set("type", "LIMIT")
		params.Set("timeInForce", orDefault(payload.TimeInForce, "GTC"))
	} else {
		params.Set("type", "MARKET")
	}
	if payload.TakeProfit.IsPositive() {
		params.Set("takeProfit", payload.TakeProfit.String())
	}
	if payload.StopLoss.IsPositive() {
		params.Set("stopLoss", payload.StopLoss.String())
	}
	params.Set("newClientOrderId", payload.IdempotencyKey)

	var parsed struct {
		OrderID int64           `json:"orderId"`
		Price   decimal.Decimal `json:"price"`
		Status  string          `json:"status"`
	}
	if err := c.signedRequest(ctx, http.MethodPost, c.cfg.OrderPath, params, &parsed); err != nil {
		c.recordError(err)
		return OrderResult{Success: false, Error: err.Error(), ErrorType: "execution"}, err
	}

	c.recordError(nil)
	filled := parsed.Price
	if filled.IsZero() {
		filled = payload.Price
	}
	return OrderResult{
		Success:        true,
		OrderID:        fmt.Sprintf("%s:%d", payload.Symbol, parsed.OrderID),
		RequestedPrice: payload.Price,
		FilledPrice:    filled,
		LatencyMs:      time.Since(start).Milliseconds(),
	}, nil
}

// ModifyPosition re-issues SL/TP by hitting a broker-specific modify
// endpoint, if configured; brokers without one (plain spot venues) report
// unsupported rather than silently no-op.
func (c *RESTConnector) ModifyPosition(ctx context.Context, payload ModifyPayload) error {
	if c.cfg.ModifyPath == "" {
		return fmt.Errorf("broker.rest[%s]: modify not supported", c.cfg.ID)
	}
	c.rateLimiter.acquire(ctx)

	params := url.Values{}
	params.Set("orderId", payload.BrokerOrderID)
	if payload.StopLoss.IsPositive() {
		params.Set("stopLoss", payload.StopLoss.String())
	}
	if payload.TakeProfit.IsPositive() {
		params.Set("takeProfit", payload.TakeProfit.String())
	}
	err := c.signedRequest(ctx, http.MethodPost, c.cfg.ModifyPath, params, nil)
	c.recordError(err)
	return err
}

// ClosePosition hits the configured close endpoint and returns the fill
// price reported by the venue.
func (c *RESTConnector) ClosePosition(ctx context.Context, payload ClosePayload) (decimal.Decimal, error) {
	if c.cfg.ClosePath == "" {
		return decimal.Zero, fmt.Errorf("broker.rest[%s]: close not supported", c.cfg.ID)
	}
	c.rateLimiter.acquire(ctx)

	params := url.Values{}
	params.Set("orderId", payload.BrokerOrderID)

	var parsed struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := c.signedRequest(ctx, http.MethodPost, c.cfg.ClosePath, params, &parsed); err != nil {
		c.recordError(err)
		return decimal.Zero, err
	}
	c.recordError(nil)
	if parsed.Price.IsZero() {
		return payload.Price, nil
	}
	return parsed.Price, nil
}

func (c *RESTConnector) Status() ConnectorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectorStatus{ID: c.cfg.ID, Connected: c.connected, LastError: c.lastError}
}

func (c *RESTConnector) recordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.connected = false
		c.lastError = err.Error()
		return
	}
	c.connected = true
	c.lastError = ""
}

// signedRequest HMAC-SHA256 signs the request and decodes the JSON response
// into out when non-nil.
func (c *RESTConnector) signedRequest(ctx context.Context, method, endpoint string, params url.Values, out any) error {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	signature := c.sign(params.Encode())
	params.Set("signature", signature)

	reqURL := c.cfg.BaseURL + endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-KEY", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broker.rest[%s]: %s %s failed with status %d: %s", c.cfg.ID, method, endpoint, resp.StatusCode, string(body))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *RESTConnector) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// restRateLimiter is a simple refilling token bucket.
type restRateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

func newRESTRateLimiter(maxTokens int, refillRate time.Duration) *restRateLimiter {
	return &restRateLimiter{tokens: maxTokens, maxTokens: maxTokens, refillRate: refillRate, lastRefill: time.Now()}
}

func (rl *restRateLimiter) acquire(ctx context.Context) {
	for {
		rl.mu.Lock()
		now := time.Now()
		if refills := int(now.Sub(rl.lastRefill) / rl.refillRate); refills > 0 {
			rl.tokens = min(rl.maxTokens, rl.tokens+refills)
			rl.lastRefill = now
		}
		if rl.tokens > 0 {
			rl.tokens--
			rl.mu.Unlock()
			return
		}
		rl.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(rl.refillRate):
		}
	}
}
