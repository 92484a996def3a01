package rt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/voxmeet/chatsync/internal/bus"
	"github.com/voxmeet/chatsync/internal/store"
)

func recv(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for bus event")
		return bus.Event{}
	}
}

func TestHandleMessageNew(t *testing.T) {
	b := bus.New()
	h := NewEventHandler(b, nil)
	ch, unsub := b.Subscribe("rt.", 10)
	defer unsub()

	h.Handle(Envelope{Event: EvMessageNew, Data: json.RawMessage(`{
		"id": "m1", "conversationId": "c1", "senderId": "u2",
		"content": " hello ", "createdAt": 1700000000000, "isPinned": false,
		"sender": {"id": "u2", "name": "Bob"}
	}`)})

	evt := recv(t, ch)
	if evt.Kind != bus.KindRTMessage {
		t.Fatalf("kind = %q, want %q", evt.Kind, bus.KindRTMessage)
	}
	msg, ok := evt.Payload.(*store.Message)
	if !ok {
		t.Fatalf("payload type = %T, want *store.Message", evt.Payload)
	}
	if msg.ServerID != "m1" || msg.SenderName != "Bob" {
		t.Errorf("parsed = %+v, want m1 from Bob", msg)
	}
	if msg.Content != "hello" {
		t.Errorf("content = %q, want trimmed", msg.Content)
	}
	if msg.Origin != store.OriginConfirmed {
		t.Errorf("origin = %s, want confirmed", msg.Origin)
	}
}

func TestHandleMalformedMessageDropped(t *testing.T) {
	b := bus.New()
	h := NewEventHandler(b, nil)
	ch, unsub := b.Subscribe("rt.", 10)
	defer unsub()

	h.Handle(Envelope{Event: EvMessageNew, Data: json.RawMessage(`{"conversationId": "c1"}`)})
	h.Handle(Envelope{Event: EvMessageStatus, Data: json.RawMessage(`not json`)})

	select {
	case evt := <-ch:
		t.Errorf("malformed event reached the bus: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleStatusEvent(t *testing.T) {
	b := bus.New()
	h := NewEventHandler(b, nil)
	ch, unsub := b.Subscribe("rt.", 10)
	defer unsub()

	h.Handle(Envelope{Event: EvMessageStatus, Data: json.RawMessage(`{"messageId": "m1", "status": "delivered"}`)})

	evt := recv(t, ch)
	se, ok := evt.Payload.(*StatusEvent)
	if !ok {
		t.Fatalf("payload type = %T, want *StatusEvent", evt.Payload)
	}
	if se.MessageID != "m1" || se.Status != "delivered" {
		t.Errorf("status event = %+v", se)
	}
}

func TestHandleTypingEvents(t *testing.T) {
	b := bus.New()
	h := NewEventHandler(b, nil)
	ch, unsub := b.Subscribe("rt.", 10)
	defer unsub()

	h.Handle(Envelope{Event: EvUserTyping, Data: json.RawMessage(`{"conversationId": "c1", "userId": "u1", "userName": "Alice"}`)})
	evt := recv(t, ch)
	if evt.Kind != bus.KindRTTyping {
		t.Errorf("kind = %q, want %q", evt.Kind, bus.KindRTTyping)
	}

	h.Handle(Envelope{Event: EvUserStopTyping, Data: json.RawMessage(`{"conversationId": "c1", "userId": "u1"}`)})
	evt = recv(t, ch)
	if evt.Kind != bus.KindRTStopTyping {
		t.Errorf("kind = %q, want %q", evt.Kind, bus.KindRTStopTyping)
	}
}

func TestHandlePresenceAndError(t *testing.T) {
	b := bus.New()
	h := NewEventHandler(b, nil)
	ch, unsub := b.Subscribe("rt.", 10)
	defer unsub()

	h.Handle(Envelope{Event: EvUserStatus, Data: json.RawMessage(`{"userId": "u1", "online": true}`)})
	evt := recv(t, ch)
	pe, ok := evt.Payload.(*PresenceEvent)
	if !ok || !pe.Online {
		t.Errorf("presence payload = %+v (%T)", evt.Payload, evt.Payload)
	}

	h.Handle(Envelope{Event: EvMessageError, Data: json.RawMessage(`{"error": "rate limited", "tempId": "t1"}`)})
	evt = recv(t, ch)
	ee, ok := evt.Payload.(*ErrorEvent)
	if !ok || ee.TempID != "t1" || ee.Reason != "rate limited" {
		t.Errorf("error payload = %+v (%T)", evt.Payload, evt.Payload)
	}
}

func TestHandleConversationEvent(t *testing.T) {
	b := bus.New()
	h := NewEventHandler(b, nil)
	ch, unsub := b.Subscribe("rt.", 10)
	defer unsub()

	h.Handle(Envelope{Event: EvConversation, Data: json.RawMessage(`{
		"id": "c1", "name": "Design Crew", "isGroup": true,
		"participants": [{"id": "u1", "name": "Ana", "presenceKey": "555111"}]
	}`)})

	evt := recv(t, ch)
	ce, ok := evt.Payload.(*ConversationEvent)
	if !ok {
		t.Fatalf("payload = %+v (%T)", evt.Payload, evt.Payload)
	}
	if ce.ID != "c1" || ce.Name != "Design Crew" || !ce.IsGroup {
		t.Errorf("conversation = %+v", ce)
	}
	if len(ce.Participants) != 1 || ce.Participants[0].PresenceKey != "555111" {
		t.Errorf("participants = %+v", ce.Participants)
	}
}

func TestHandleUnknownEventIgnored(t *testing.T) {
	b := bus.New()
	h := NewEventHandler(b, nil)
	ch, unsub := b.Subscribe("rt.", 10)
	defer unsub()

	h.Handle(Envelope{Event: "call:ring", Data: json.RawMessage(`{}`)})

	select {
	case evt := <-ch:
		t.Errorf("unknown event reached the bus: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
