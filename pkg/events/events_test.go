package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Publish(&Event{
		Type:     EventJobCompleted,
		Message:  "valid=true",
		Metadata: map[string]string{"job": "nightly-validation"},
	})

	select {
	case event := <-sub:
		assert.Equal(t, EventJobCompleted, event.Type)
		assert.NotEmpty(t, event.ID)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)

	_, open := <-sub
	require.False(t, open)
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	first := broker.Subscribe()
	second := broker.Subscribe()

	broker.Publish(&Event{Type: EventInstanceUnhealthy})

	for _, sub := range []Subscriber{first, second} {
		select {
		case event := <-sub:
			assert.Equal(t, EventInstanceUnhealthy, event.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the event")
		}
	}
}
