package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMT5Client struct {
	orderReply  MT5OrderReply
	orderErr    error
	modifyErr   error
	closeReply  MT5CloseReply
	closeErr    error
	lastOrder   MT5OrderRequest
	lastModify  MT5ModifyRequest
	lastClose   MT5CloseRequest
}

func (f *fakeMT5Client) OrderSend(ctx context.Context, req MT5OrderRequest) (MT5OrderReply, error) {
	f.lastOrder = req
	if f.orderErr != nil {
		return MT5OrderReply{}, f.orderErr
	}
	return f.orderReply, nil
}

func (f *fakeMT5Client) PositionModify(ctx context.Context, req MT5ModifyRequest) error {
	f.lastModify = req
	return f.modifyErr
}

func (f *fakeMT5Client) PositionClose(ctx context.Context, req MT5CloseRequest) (MT5CloseReply, error) {
	f.lastClose = req
	if f.closeErr != nil {
		return MT5CloseReply{}, f.closeErr
	}
	return f.closeReply, nil
}

func TestMT5ConnectorPlaceOrderRemembersTicket(t *testing.T) {
	client := &fakeMT5Client{orderReply: MT5OrderReply{Ticket: 555, FilledPrice: decimal.NewFromFloat(1.1)}}
	c := NewMT5Connector("mt5-demo", client, nil, time.Second)

	result, err := c.PlaceOrder(context.Background(), OrderPayload{
		Symbol: "EURUSD", Side: "buy", Volume: decimal.NewFromFloat(0.1), Price: decimal.NewFromFloat(1.0999), TradeID: "trade-1",
	})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "555", result.OrderID)
	assert.True(t, result.FilledPrice.Equal(decimal.NewFromFloat(1.1)))
	assert.Equal(t, "EURUSD", client.lastOrder.Symbol)
}

func TestMT5ConnectorPlaceOrderFailureRecordsStatus(t *testing.T) {
	client := &fakeMT5Client{orderErr: assert.AnError}
	c := NewMT5Connector("mt5-demo", client, nil, time.Second)

	_, err := c.PlaceOrder(context.Background(), OrderPayload{Symbol: "EURUSD", Side: "buy", TradeID: "trade-1"})

	require.Error(t, err)
	assert.False(t, c.Status().Connected)
}

func TestMT5ConnectorModifyUsesRememberedTicket(t *testing.T) {
	client := &fakeMT5Client{orderReply: MT5OrderReply{Ticket: 777}}
	c := NewMT5Connector("mt5-demo", client, nil, time.Second)
	_, err := c.PlaceOrder(context.Background(), OrderPayload{Symbol: "EURUSD", TradeID: "trade-1"})
	require.NoError(t, err)

	err = c.ModifyPosition(context.Background(), ModifyPayload{TradeID: "trade-1", StopLoss: decimal.NewFromFloat(1.05)})

	require.NoError(t, err)
	assert.Equal(t, uint64(777), client.lastModify.Ticket)
}

func TestMT5ConnectorModifyUsesExplicitBrokerOrderID(t *testing.T) {
	client := &fakeMT5Client{}
	c := NewMT5Connector("mt5-demo", client, nil, time.Second)

	err := c.ModifyPosition(context.Background(), ModifyPayload{BrokerOrderID: "999", StopLoss: decimal.NewFromFloat(1.05)})

	require.NoError(t, err)
	assert.Equal(t, uint64(999), client.lastModify.Ticket)
}

func TestMT5ConnectorModifyUnknownTradeErrors(t *testing.T) {
	c := NewMT5Connector("mt5-demo", &fakeMT5Client{}, nil, time.Second)

	err := c.ModifyPosition(context.Background(), ModifyPayload{TradeID: "unknown"})

	assert.Error(t, err)
}

func TestMT5ConnectorClosePositionUsesReplyPrice(t *testing.T) {
	client := &fakeMT5Client{closeReply: MT5CloseReply{ClosePrice: decimal.NewFromFloat(1.2)}}
	c := NewMT5Connector("mt5-demo", client, nil, time.Second)

	price, err := c.ClosePosition(context.Background(), ClosePayload{BrokerOrderID: "123", Price: decimal.NewFromFloat(1.1)})

	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromFloat(1.2)))
}

func TestMT5ConnectorClosePositionFallsBackToRequestedPrice(t *testing.T) {
	client := &fakeMT5Client{closeReply: MT5CloseReply{}}
	c := NewMT5Connector("mt5-demo", client, nil, time.Second)

	price, err := c.ClosePosition(context.Background(), ClosePayload{BrokerOrderID: "123", Price: decimal.NewFromFloat(1.1)})

	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromFloat(1.1)))
}

func TestMT5ConnectorCloseWithNilConnIsNoop(t *testing.T) {
	c := NewMT5Connector("mt5-demo", &fakeMT5Client{}, nil, time.Second)
	assert.NoError(t, c.Close())
}
