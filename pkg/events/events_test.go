package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBrokerBroadcast(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Publish(&Event{Type: EventProxyStarted, ServiceName: "api", Port: 4000})

	ev := receive(t, sub)
	assert.Equal(t, EventProxyStarted, ev.Type)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestBrokerSubscribeByKind(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	deleted := b.Subscribe(EventProxyDeleted)
	all := b.Subscribe()

	b.Publish(&Event{Type: EventProxyStarted})
	b.Publish(&Event{Type: EventProxyDeleted, ServiceID: "svc-1"})

	assert.Equal(t, EventProxyStarted, receive(t, all).Type)
	assert.Equal(t, EventProxyDeleted, receive(t, all).Type)

	ev := receive(t, deleted)
	assert.Equal(t, "svc-1", ev.ServiceID)
	select {
	case extra := <-deleted:
		t.Fatalf("unexpected event %s", extra.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestPublishDoesNotBlockWhenFull(t *testing.T) {
	b := NewBroker() // not started, queue fills up

	done := make(chan struct{})
	go func() {
		for i := 0; i < 250; i++ {
			b.Publish(&Event{Type: EventHeartbeatFailed})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
}
