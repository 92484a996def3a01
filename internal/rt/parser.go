package rt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voxmeet/chatsync/internal/store"
)

// Envelope is the wire format of every channel event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Inbound event names.
const (
	EvMessageNew     = "message:new"
	EvMessageStatus  = "message:status"
	EvMessageError   = "message:error"
	EvMessagePinned  = "message:pinned"
	EvUserTyping     = "user:typing"
	EvUserStopTyping = "user:stopped-typing"
	EvUserStatus     = "user:status"
	EvConversation   = "conversation:updated"
)

// Outbound event names.
const (
	EvMessageSend = "message:send"
	EvMessageSeen = "message:seen"
	EvMessagePin  = "message:pin"
	EvTypingStart = "typing:start"
	EvTypingStop  = "typing:stop"
)

// messageNewPayload is the wire shape of message:new.
type messageNewPayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"createdAt"` // unix ms
	IsPinned       bool   `json:"isPinned"`
	Sender         struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"sender"`
}

// StatusEvent is the parsed message:status payload. MessageID may be a
// server id or a temp id.
type StatusEvent struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// ErrorEvent is the parsed message:error payload. TempID may be empty.
type ErrorEvent struct {
	Reason string `json:"error"`
	TempID string `json:"tempId"`
}

// PinEvent is the parsed message:pinned payload.
type PinEvent struct {
	MessageID string `json:"messageId"`
	IsPinned  bool   `json:"isPinned"`
}

// TypingEvent is the parsed user:typing / user:stopped-typing payload.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
}

// PresenceEvent is the parsed user:status payload.
type PresenceEvent struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// ConversationEvent is the parsed conversation:updated payload.
type ConversationEvent struct {
	ID           string                    `json:"id"`
	Name         string                    `json:"name"`
	IsGroup      bool                      `json:"isGroup"`
	Participants []ConversationParticipant `json:"participants"`
}

// ConversationParticipant is one roster entry inside a ConversationEvent.
type ConversationParticipant struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PresenceKey string `json:"presenceKey"`
}

// parseMessageNew normalizes a message:new payload into a confirmed store
// message.
func parseMessageNew(data json.RawMessage) (*store.Message, error) {
	var p messageNewPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode message:new: %w", err)
	}
	if p.ID == "" || p.ConversationID == "" {
		return nil, fmt.Errorf("message:new missing id or conversation id")
	}
	senderName := p.Sender.Name
	return &store.Message{
		ServerID:       p.ID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		SenderName:     senderName,
		Content:        strings.TrimSpace(p.Content),
		CreatedAt:      p.CreatedAt,
		IsPinned:       p.IsPinned,
		Origin:         store.OriginConfirmed,
	}, nil
}
