package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	ch1, un1 := b.Subscribe(4)
	ch2, un2 := b.Subscribe(4)
	defer un1()
	defer un2()

	b.Publish(Event{Type: "queue.delivered", Data: "m1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			require.Equal(t, "queue.delivered", e.Type)
			require.False(t, e.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSubscribeTypesFilters(t *testing.T) {
	b := New()
	ch, un := b.SubscribeTypes(4, "registry.primary_changed")
	defer un()

	b.Publish(Event{Type: "queue.delivered"})
	b.Publish(Event{Type: "registry.primary_changed"})

	select {
	case e := <-ch:
		require.Equal(t, "registry.primary_changed", e.Type)
	case <-time.After(time.Second):
		t.Fatal("filtered event not delivered")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %q", e.Type)
	default:
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch, un := b.Subscribe(1)
	defer un()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // dropped, buffer full

	e := <-ch
	require.Equal(t, "a", e.Type)
	select {
	case e := <-ch:
		t.Fatalf("expected drop, got %q", e.Type)
	default:
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	b := New()
	_, un := b.Subscribe(1)
	un()
	un() // idempotent

	// Must not panic even though the channel is closed.
	b.Publish(Event{Type: "x"})
}
