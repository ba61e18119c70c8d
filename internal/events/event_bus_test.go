package events

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBus(t *testing.T) *EventBus {
	eb := NewEventBus(zap.NewNop(), EventBusConfig{NumWorkers: 2, BufferSize: 16})
	t.Cleanup(eb.Close)
	return eb
}

func TestPublishDeliversToTypedSubscriber(t *testing.T) {
	eb := newTestBus(t)
	received := make(chan Event, 1)
	eb.Subscribe(EventTypeSignal, func(e Event) error {
		received <- e
		return nil
	}, SubscriptionOptions{Async: false})

	eb.Publish(NewSignalEvent("EURUSD", "buy", "ENTER", 80, 75, 82))

	select {
	case e := <-received:
		assert.Equal(t, EventTypeSignal, e.GetType())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event delivery")
	}
}

func TestSubscribeAllReceivesEveryEventType(t *testing.T) {
	eb := newTestBus(t)
	received := make(chan EventType, 2)
	eb.SubscribeAll(func(e Event) error {
		received <- e.GetType()
		return nil
	}, SubscriptionOptions{Async: false})

	eb.Publish(NewTickEvent("mt5", "EURUSD", decimal.NewFromFloat(1.1), decimal.NewFromFloat(1.1002), time.Now()))
	eb.Publish(NewDrawdownEvent(decimal.NewFromFloat(0.05), decimal.NewFromFloat(10000)))

	seen := map[EventType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case et := <-received:
			seen[et] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.True(t, seen[EventTypeTick])
	assert.True(t, seen[EventTypeDrawdown])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	eb := newTestBus(t)
	var calls int
	sub := eb.Subscribe(EventTypeRiskAlert, func(e Event) error {
		calls++
		return nil
	}, SubscriptionOptions{Async: false})

	eb.PublishSync(NewRiskAlertEvent("exposure", "warning", "EURUSD", "near limit", decimal.Zero, decimal.Zero))
	eb.Unsubscribe(sub)
	eb.PublishSync(NewRiskAlertEvent("exposure", "warning", "EURUSD", "near limit", decimal.Zero, decimal.Zero))

	assert.Equal(t, 1, calls)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	eb := NewEventBus(zap.NewNop(), EventBusConfig{NumWorkers: 1, BufferSize: 1})
	started := make(chan struct{})
	block := make(chan struct{})
	eb.Subscribe(EventTypeTick, func(e Event) error {
		close(started)
		<-block
		return nil
	}, SubscriptionOptions{Async: false})
	t.Cleanup(func() {
		close(block)
		eb.Close()
	})

	// The sole worker picks this one up and blocks in the handler, leaving
	// the channel free to accept exactly one more before it is full.
	eb.Publish(NewTickEvent("mt5", "EURUSD", decimal.Zero, decimal.Zero, time.Now()))
	<-started
	eb.Publish(NewTickEvent("mt5", "EURUSD", decimal.Zero, decimal.Zero, time.Now()))
	eb.Publish(NewTickEvent("mt5", "EURUSD", decimal.Zero, decimal.Zero, time.Now()))

	stats := eb.GetStats()
	assert.Equal(t, int64(1), stats.EventsDropped)
}

func TestFilterExcludesNonMatchingEvents(t *testing.T) {
	eb := newTestBus(t)
	received := make(chan Event, 1)
	eb.Subscribe(EventTypeSignal, func(e Event) error {
		received <- e
		return nil
	}, SubscriptionOptions{
		Async: false,
		Filter: func(e Event) bool {
			sig, ok := e.(*SignalEvent)
			return ok && sig.Pair == "GBPUSD"
		},
	})

	eb.PublishSync(NewSignalEvent("EURUSD", "buy", "ENTER", 80, 75, 82))
	select {
	case <-received:
		t.Fatal("filtered event should not have been delivered")
	default:
	}

	eb.PublishSync(NewSignalEvent("GBPUSD", "sell", "ENTER", 80, 75, 82))
	require.Len(t, received, 1)
}
