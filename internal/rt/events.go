package rt

import (
	"encoding/json"
	"fmt"

	"github.com/voxmeet/chatsync/internal/bus"
	"github.com/voxmeet/chatsync/internal/observability"
	"go.uber.org/zap"
)

// EventHandler decodes inbound channel envelopes and publishes typed domain
// events on the bus. It never touches the store; the sync engine subscribes
// to the bus independently, which keeps all store mutation on one event
// queue.
type EventHandler struct {
	bus    *bus.Bus
	logger *zap.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler(b *bus.Bus, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{bus: b, logger: logger}
}

// Handle processes one inbound envelope. Malformed payloads are logged and
// dropped; nothing on this path is fatal.
func (h *EventHandler) Handle(env Envelope) {
	observability.ChannelEvents.WithLabelValues(env.Event).Inc()

	var err error
	switch env.Event {
	case EvMessageNew:
		var msg any
		if msg, err = parseMessageNew(env.Data); err == nil {
			h.bus.Emit(bus.KindRTMessage, msg)
		}
	case EvMessageStatus:
		err = h.decodeAndEmit(env.Data, bus.KindRTStatus, &StatusEvent{})
	case EvMessageError:
		err = h.decodeAndEmit(env.Data, bus.KindRTError, &ErrorEvent{})
	case EvMessagePinned:
		err = h.decodeAndEmit(env.Data, bus.KindRTPinned, &PinEvent{})
	case EvUserTyping:
		err = h.decodeAndEmit(env.Data, bus.KindRTTyping, &TypingEvent{})
	case EvUserStopTyping:
		err = h.decodeAndEmit(env.Data, bus.KindRTStopTyping, &TypingEvent{})
	case EvUserStatus:
		err = h.decodeAndEmit(env.Data, bus.KindRTPresence, &PresenceEvent{})
	case EvConversation:
		err = h.decodeAndEmit(env.Data, bus.KindRTConversation, &ConversationEvent{})
	default:
		h.logger.Debug("unhandled channel event", zap.String("event", env.Event))
	}

	if err != nil {
		observability.MalformedEvents.Inc()
		h.logger.Warn("dropping malformed channel event", zap.String("event", env.Event), zap.Error(err))
	}
}

func (h *EventHandler) decodeAndEmit(data json.RawMessage, kind string, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	h.bus.Emit(kind, dst)
	return nil
}
