package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(Event{Descriptor: ModelDescriptor{Provider: "openai", Model: "gpt-4o"}, Payload: "hello"})

	select {
	case ev := <-sub.C():
		require.Equal(t, "hello", ev.Payload)
		require.Equal(t, "openai", ev.Descriptor.Provider)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_PublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New(1)
	sub := b.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Payload: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestBus_CloseClosesSubscriberChannels(t *testing.T) {
	b := New(1)
	sub := b.Subscribe()
	b.Close()

	_, ok := <-sub.C()
	require.False(t, ok)

	// Publish after Close is a no-op, not a panic.
	b.Publish(Event{})
}

func TestBus_SubscribeAfterCloseYieldsClosedChannel(t *testing.T) {
	b := New(1)
	b.Close()
	sub := b.Subscribe()
	_, ok := <-sub.C()
	require.False(t, ok)
}
