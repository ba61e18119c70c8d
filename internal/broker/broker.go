// Package broker defines the broker router abstraction the execution
// engine places orders through, plus a paper/simulated connector used when
// no live venue is configured.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/fx-signal-engine/pkg/utils"
	"github.com/shopspring/decimal"
)

// OrderPayload is the broker-agnostic order request shape connectors share
// section 6. IdempotencyKey is always the originating trade's ID.
type OrderPayload struct {
	Broker         string
	Symbol         string
	Pair           string
	Direction      string
	Side           string
	Units          decimal.Decimal
	Volume         decimal.Decimal
	Price          decimal.Decimal
	TakeProfit     decimal.Decimal
	StopLoss       decimal.Decimal
	Comment        string
	TradeID        string
	IdempotencyKey string
	Source         string
	TimeInForce    string
}

// ModifyPayload adjusts SL/TP on an open position.
type ModifyPayload struct {
	Broker        string
	TradeID       string
	BrokerOrderID string
	StopLoss      decimal.Decimal
	TakeProfit    decimal.Decimal
}

// ClosePayload requests a position close.
type ClosePayload struct {
	Broker        string
	TradeID       string
	BrokerOrderID string
	Price         decimal.Decimal
	Reason        string
}

// OrderResult is a connector's response to PlaceOrder.
type OrderResult struct {
	Success        bool
	OrderID        string
	RequestedPrice decimal.Decimal
	FilledPrice    decimal.Decimal
	LatencyMs      int64
	Error          string
	ErrorType      string
}

// ConnectorStatus reports a connector's health for diagnostics endpoints.
type ConnectorStatus struct {
	ID        string
	Connected bool
	LastError string
}

// Connector is a single broker/venue integration.
type Connector interface {
	ID() string
	PlaceOrder(ctx context.Context, payload OrderPayload) (OrderResult, error)
	ModifyPosition(ctx context.Context, payload ModifyPayload) error
	ClosePosition(ctx context.Context, payload ClosePayload) (decimal.Decimal, error)
	Status() ConnectorStatus
}

// Router dispatches orders to the connector registered for the payload's
// broker, matching the router abstraction documented for this package.
type Router struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	deadline   time.Duration
}

// NewRouter builds a router with a per-call broker HTTP deadline.
func NewRouter(deadline time.Duration) *Router {
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	return &Router{connectors: make(map[string]Connector), deadline: deadline}
}

// Register attaches a connector under its own ID.
func (r *Router) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.ID()] = c
}

// GetConnector returns the registered connector, if any.
func (r *Router) GetConnector(id string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[id]
	return c, ok
}

// GetStatus reports every connector's health.
func (r *Router) GetStatus() []ConnectorStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnectorStatus, 0, len(r.connectors))
	for _, c := range r.connectors {
		out = append(out, c.Status())
	}
	return out
}

// PlaceOrder routes an order to the connector named by payload.Broker,
// honoring the router's overall deadline; on timeout the caller must treat
// this identically to any other broker failure and roll back.
func (r *Router) PlaceOrder(ctx context.Context, payload OrderPayload) (OrderResult, error) {
	c, ok := r.GetConnector(payload.Broker)
	if !ok {
		return OrderResult{Success: false, Error: "unknown_broker", ErrorType: "execution"}, fmt.Errorf("no connector for broker %q", payload.Broker)
	}
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()
	return c.PlaceOrder(ctx, payload)
}

// ModifyPosition routes an SL/TP modification.
func (r *Router) ModifyPosition(ctx context.Context, payload ModifyPayload) error {
	c, ok := r.GetConnector(payload.Broker)
	if !ok {
		return fmt.Errorf("no connector for broker %q", payload.Broker)
	}
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()
	return c.ModifyPosition(ctx, payload)
}

// ClosePosition routes a close request.
func (r *Router) ClosePosition(ctx context.Context, payload ClosePayload) (decimal.Decimal, error) {
	c, ok := r.GetConnector(payload.Broker)
	if !ok {
		return decimal.Zero, fmt.Errorf("no connector for broker %q", payload.Broker)
	}
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()
	return c.ClosePosition(ctx, payload)
}

// RunReconciliation asks every connector to reconcile its open positions
// against the execution engine's view; connectors that don't support
// reconciliation are skipped.
func (r *Router) RunReconciliation(ctx context.Context) map[string]error {
	r.mu.RLock()
	conns := make([]Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	results := make(map[string]error, len(conns))
	for _, c := range conns {
		if rc, ok := c.(interface{ Reconcile(context.Context) error }); ok {
			results[c.ID()] = rc.Reconcile(ctx)
		}
	}
	return results
}

// PaperConnector simulates fills at the requested price with a small fixed
// latency.
type PaperConnector struct {
	id      string
	mu      sync.Mutex
	latency time.Duration
	fail    bool
}

// NewPaperConnector builds a simulated connector.
func NewPaperConnector(id string) *PaperConnector {
	return &PaperConnector{id: id, latency: 40 * time.Millisecond}
}

func (p *PaperConnector) ID() string { return p.id }

// SetFailing forces subsequent PlaceOrder calls to fail, for rollback tests.
func (p *PaperConnector) SetFailing(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

func (p *PaperConnector) PlaceOrder(ctx context.Context, payload OrderPayload) (OrderResult, error) {
	start := time.Now()
	select {
	case <-time.After(p.latency):
	case <-ctx.Done():
		return OrderResult{Success: false, Error: "timeout", ErrorType: "execution"}, ctx.Err()
	}
	p.mu.Lock()
	failing := p.fail
	p.mu.Unlock()
	if failing {
		return OrderResult{Success: false, Error: "simulated_failure", ErrorType: "execution"}, fmt.Errorf("simulated broker failure")
	}
	return OrderResult{
		Success:        true,
		OrderID:        utils.GenerateOrderID(),
		RequestedPrice: payload.Price,
		FilledPrice:    payload.Price,
		LatencyMs:      time.Since(start).Milliseconds(),
	}, nil
}

func (p *PaperConnector) ModifyPosition(ctx context.Context, payload ModifyPayload) error {
	return nil
}

func (p *PaperConnector) ClosePosition(ctx context.Context, payload ClosePayload) (decimal.Decimal, error) {
	return payload.Price, nil
}

func (p *PaperConnector) Status() ConnectorStatus {
	return ConnectorStatus{ID: p.id, Connected: true}
}
