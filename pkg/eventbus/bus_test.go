package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("событие не получено")
		return Event{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(nil)
	defer sub.Close()

	bus.Publish(Event{Kind: "CallStateChanged", SessionID: "s1", Priority: PriorityNormal})

	ev := recvEvent(t, sub)
	assert.Equal(t, "CallStateChanged", ev.Kind)
	assert.Equal(t, "s1", ev.SessionID)
}

func TestFilterByKind(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(FilterByKind("MediaEvent"))
	defer sub.Close()

	bus.Publish(Event{Kind: "CallStateChanged", SessionID: "s1"})
	bus.Publish(Event{Kind: "MediaEvent", SessionID: "s1"})

	ev := recvEvent(t, sub)
	assert.Equal(t, "MediaEvent", ev.Kind)
	assert.Empty(t, sub.Events())
}

func TestFilterCombination(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(CombineFilters(
		FilterBySession("s2"),
		FilterByMinPriority(PriorityHigh),
	))
	defer sub.Close()

	bus.Publish(Event{Kind: "A", SessionID: "s1", Priority: PriorityCritical})
	bus.Publish(Event{Kind: "B", SessionID: "s2", Priority: PriorityLow})
	bus.Publish(Event{Kind: "C", SessionID: "s2", Priority: PriorityHigh})

	ev := recvEvent(t, sub)
	assert.Equal(t, "C", ev.Kind)
}

func TestLowPriorityDropOnFullChannel(t *testing.T) {
	bus := NewBus(nil)
	bus.bufferSize = 2
	sub := bus.Subscribe(nil)
	defer sub.Close()

	// Канал заполняется, события Normal отбрасываются без блокировки
	for i := 0; i < 10; i++ {
		bus.Publish(Event{Kind: "X", Priority: PriorityNormal})
	}
	assert.Len(t, sub.Events(), 2)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(nil)
	require.Equal(t, 1, bus.SubscriberCount())

	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount())
}
