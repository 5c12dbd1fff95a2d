package mevent

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeByType(t *testing.T) {
	bus := NewBus(16)

	var got []Event

	bus.Subscribe("a", func(e Event) { got = append(got, e) })

	bus.Publish("a", "one")
	bus.Publish("b", "ignored")
	bus.Publish("a", "two")

	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Payload)
	assert.Equal(t, "two", got[1].Payload)
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus(16)

	count := 0

	bus.SubscribeAll(func(Event) { count++ })

	bus.Publish("a", nil)
	bus.Publish("b", nil)
	bus.Publish("c", nil)

	assert.Equal(t, 3, count)
}

func TestBus_OrderedPerPublisher(t *testing.T) {
	bus := NewBus(128)

	var order []int

	bus.Subscribe("seq", func(e Event) { order = append(order, e.Payload.(int)) })

	for i := 0; i < 50; i++ {
		bus.Publish("seq", i)
	}

	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestBus_HistoryBounded(t *testing.T) {
	bus := NewBus(5)

	for i := 0; i < 12; i++ {
		bus.Publish("evt", i)
	}

	history := bus.History()
	require.Len(t, history, 5)
	assert.Equal(t, 7, history[0].Payload)
	assert.Equal(t, 11, history[4].Payload)
}

func TestBus_HistoryByType(t *testing.T) {
	bus := NewBus(32)

	for i := 0; i < 4; i++ {
		bus.Publish("a", i)
		bus.Publish("b", i)
	}

	assert.Len(t, bus.HistoryByType("a"), 4)
	assert.Len(t, bus.HistoryByType("missing"), 0)
}

func TestBus_MetadataStamped(t *testing.T) {
	bus := NewBus(8).WithCorrelationID("run-1")

	evt := bus.Publish("stamped", nil)

	assert.NotEmpty(t, evt.Metadata.ID)
	assert.False(t, evt.Metadata.Timestamp.IsZero())
	assert.Equal(t, "run-1", evt.Metadata.CorrelationID)

	other := bus.Publish("stamped", nil)
	assert.NotEqual(t, evt.Metadata.ID, other.Metadata.ID)
}

func TestBus_ManySubscribersDeliveryOrder(t *testing.T) {
	bus := NewBus(8)

	var calls []string

	for i := 0; i < 3; i++ {
		i := i

		bus.Subscribe("x", func(Event) { calls = append(calls, fmt.Sprintf("h%d", i)) })
	}

	bus.Publish("x", nil)

	assert.Equal(t, []string{"h0", "h1", "h2"}, calls)
}
