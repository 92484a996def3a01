package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessageUpdated, Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageUpdated {
			t.Errorf("got kind %q, want %q", evt.Kind, KindMessageUpdated)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("rt.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessageUpdated})
	b.Publish(Event{Kind: KindRTMessage})

	select {
	case evt := <-ch:
		if evt.Kind != KindRTMessage {
			t.Errorf("got kind %q, want %q", evt.Kind, KindRTMessage)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// The message.* event must not have been delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitStampsTimestamp(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("presence.", 1)
	defer unsub()

	before := time.Now()
	b.Emit(KindTypingChanged, "c1")

	evt := <-ch
	if evt.Timestamp.Before(before) {
		t.Errorf("timestamp %v predates Emit call", evt.Timestamp)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	unsub()

	b.Publish(Event{Kind: KindMessageUpdated})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("rt.", 1)
	defer unsub()

	b.Publish(Event{Kind: KindRTTyping})
	// Buffer is full; this one is dropped rather than blocking the publisher.
	b.Publish(Event{Kind: KindRTStopTyping})

	evt := <-ch
	if evt.Kind != KindRTTyping {
		t.Errorf("got %q, want %q", evt.Kind, KindRTTyping)
	}
}
