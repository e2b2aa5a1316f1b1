package events

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := New()
	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Publish(SSEEvent{Type: EventActionCreated, ActionID: "a1"})

	for i, ch := range []<-chan SSEEvent{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Type != EventActionCreated || evt.ActionID != "a1" {
				t.Errorf("subscriber %d got %+v", i, evt)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe()
	cancel()

	if _, open := <-ch; open {
		t.Fatal("channel still open after cancel")
	}
	// Second cancel is a no-op, publishing after cancel must not panic.
	cancel()
	bus.Publish(SSEEvent{Type: EventAgentHeartbeat})
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := New()
	_, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferSize*2; i++ {
			bus.Publish(SSEEvent{Type: EventActionClaimed})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
}
