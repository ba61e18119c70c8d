package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// MT5OrderRequest is the wire shape OrderSend needs, grounded on
// MetaRPC-GoMT5's pb.OrderSendRequest field set (symbol, operation, volume,
// optional price/SL/TP/comment/expert id/expiration).
type MT5OrderRequest struct {
	Symbol     string
	Side       string // "buy" | "sell"
	Volume     decimal.Decimal
	Price      decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Comment    string
	ExpertID   uint64
	Expiration *timestamppb.Timestamp
}

// MT5OrderReply mirrors pb.OrderSendData's fields this connector consumes.
type MT5OrderReply struct {
	Ticket      uint64
	FilledPrice decimal.Decimal
	Comment     string
}

// MT5ModifyRequest mirrors the PositionModify request shape.
type MT5ModifyRequest struct {
	Ticket     uint64
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
}

// MT5CloseRequest mirrors the PositionClose request shape.
type MT5CloseRequest struct {
	Ticket uint64
	Volume decimal.Decimal
}

// MT5CloseReply mirrors pb.OrderCloseData's fields this connector consumes.
type MT5CloseReply struct {
	ClosePrice decimal.Decimal
}

// MT5TradeClient is the narrow surface a generated MetaRPC-style gRPC
// trading client must satisfy. It is expressed in domain types rather than
// raw protobuf messages so this connector can depend on the interface
// without vendoring generated .pb.go stubs into this module; an actual
// deployment supplies a thin adapter over the generated client (e.g.
// MetaRPC-GoMT5's MT5Account.TradeClient) that implements it.
type MT5TradeClient interface {
	OrderSend(ctx context.Context, req MT5OrderRequest) (MT5OrderReply, error)
	PositionModify(ctx context.Context, req MT5ModifyRequest) error
	PositionClose(ctx context.Context, req MT5CloseRequest) (MT5CloseReply, error)
}

// DialMT5 opens the gRPC channel to an MT5 bridge endpoint, grounded on
// MetaRPC-GoMT5's MT5Account connection setup (plain grpc.NewClient with a
// target host:port). TLS credentials should be supplied via additional
// grpc.DialOption values in production; insecure transport is the
// development default, matching the example's own Host/Port/GrpcServer
// plain-TCP demo configuration.
func DialMT5(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	return grpc.NewClient(target, dialOpts...)
}

// MT5Connector bridges the broker.Connector contract onto an MT5TradeClient,
// applying a per-call deadline the way MetaRPC-GoMT5's OrderSend does when
// the caller's context carries none.
type MT5Connector struct {
	id          string
	client      MT5TradeClient
	conn        *grpc.ClientConn
	callTimeout time.Duration

	mu        sync.Mutex
	connected bool
	lastError string

	// ticketByTradeID remembers the broker ticket assigned to each trade so
	// ModifyPosition/ClosePosition (addressed by our own TradeID) can be
	// translated into MT5's ticket-addressed API.
	ticketByTradeID map[string]uint64
}

// NewMT5Connector builds a connector around an already-dialed client. conn
// may be nil if the caller manages the gRPC connection lifecycle elsewhere.
func NewMT5Connector(id string, client MT5TradeClient, conn *grpc.ClientConn, callTimeout time.Duration) *MT5Connector {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &MT5Connector{
		id:              id,
		client:          client,
		conn:            conn,
		callTimeout:     callTimeout,
		connected:       true,
		ticketByTradeID: make(map[string]uint64),
	}
}

func (c *MT5Connector) ID() string { return c.id }

func (c *MT5Connector) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// PlaceOrder sends a market order through OrderSend and remembers the
// returned ticket under payload.TradeID for subsequent modify/close calls.
func (c *MT5Connector) PlaceOrder(ctx context.Context, payload OrderPayload) (OrderResult, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	start := time.Now()
	reply, err := c.client.OrderSend(ctx, MT5OrderRequest{
		Symbol:     payload.Symbol,
		Side:       payload.Side,
		Volume:     payload.Volume,
		Price:      payload.Price,
		StopLoss:   payload.StopLoss,
		TakeProfit: payload.TakeProfit,
		Comment:    payload.Comment,
	})
	if err != nil {
		c.recordError(err)
		return OrderResult{Success: false, Error: err.Error(), ErrorType: "execution"}, err
	}
	c.recordError(nil)

	c.mu.Lock()
	c.ticketByTradeID[payload.TradeID] = reply.Ticket
	c.mu.Unlock()

	filled := reply.FilledPrice
	if filled.IsZero() {
		filled = payload.Price
	}
	return OrderResult{
		Success:        true,
		OrderID:        fmt.Sprintf("%d", reply.Ticket),
		RequestedPrice: payload.Price,
		FilledPrice:    filled,
		LatencyMs:      time.Since(start).Milliseconds(),
	}, nil
}

func (c *MT5Connector) ModifyPosition(ctx context.Context, payload ModifyPayload) error {
	ticket, err := c.ticketFor(payload.TradeID, payload.BrokerOrderID)
	if err != nil {
		return err
	}
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	err = c.client.PositionModify(ctx, MT5ModifyRequest{Ticket: ticket, StopLoss: payload.StopLoss, TakeProfit: payload.TakeProfit})
	c.recordError(err)
	return err
}

func (c *MT5Connector) ClosePosition(ctx context.Context, payload ClosePayload) (decimal.Decimal, error) {
	ticket, err := c.ticketFor(payload.TradeID, payload.BrokerOrderID)
	if err != nil {
		return decimal.Zero, err
	}
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	reply, err := c.client.PositionClose(ctx, MT5CloseRequest{Ticket: ticket})
	if err != nil {
		c.recordError(err)
		return decimal.Zero, err
	}
	c.recordError(nil)
	if reply.ClosePrice.IsZero() {
		return payload.Price, nil
	}
	return reply.ClosePrice, nil
}

func (c *MT5Connector) ticketFor(tradeID, brokerOrderID string) (uint64, error) {
	if brokerOrderID != "" {
		var ticket uint64
		if _, err := fmt.Sscanf(brokerOrderID, "%d", &ticket); err == nil {
			return ticket, nil
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ticket, ok := c.ticketByTradeID[tradeID]
	if !ok {
		return 0, fmt.Errorf("broker.mt5[%s]: no known ticket for trade %q", c.id, tradeID)
	}
	return ticket, nil
}

func (c *MT5Connector) Status() ConnectorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectorStatus{ID: c.id, Connected: c.connected, LastError: c.lastError}
}

func (c *MT5Connector) recordError(err error) {
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

// Close releases the underlying gRPC connection, if this connector owns it.
func (c *MT5Connector) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
