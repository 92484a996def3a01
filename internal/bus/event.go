package bus

import "time"

// Event is a domain event published on the in-process bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Well-known event kinds. Namespaces:
//
//	rt.*           inbound real-time channel events, published by the rt
//	               handler and consumed by the sync engine
//	message.*      store changes the renderer reacts to
//	conversation.* denormalized conversation-list refresh signals
//	presence.*     presence/typing changes
const (
	KindRTMessage      = "rt.message"
	KindRTStatus       = "rt.status"
	KindRTError        = "rt.error"
	KindRTPinned       = "rt.pinned"
	KindRTTyping       = "rt.typing"
	KindRTStopTyping   = "rt.stop_typing"
	KindRTPresence     = "rt.presence"
	KindRTConversation = "rt.conversation"

	KindMessageUpdated    = "message.updated"
	KindMessageSendFailed = "message.send_failed"

	KindConversationRefresh = "conversation.refresh"

	KindPresenceChanged = "presence.changed"
	KindTypingChanged   = "presence.typing_changed"
)
