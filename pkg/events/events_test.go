package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: TypeLeadershipAcquired, Message: "node-1 elected"})

	select {
	case ev := <-sub:
		require.Equal(t, TypeLeadershipAcquired, ev.Type)
		require.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())
	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	require.False(t, open)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 0; i < 100; i++ {
		b.Publish(&Event{Type: TypeEgressBound, Message: "flood"})
	}
	// Publish must return promptly even though sub is never drained.
}
