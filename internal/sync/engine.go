// Package sync owns the event loop that keeps the local timeline consistent
// with the realtime channel: reconciliation of confirmations, status
// receipts, send failures, pins, typing, and presence.
package sync

import (
	"context"
	stdsync "sync"

	"github.com/voxmeet/chatsync/internal/bus"
	"github.com/voxmeet/chatsync/internal/history"
	"github.com/voxmeet/chatsync/internal/observability"
	"github.com/voxmeet/chatsync/internal/presence"
	"github.com/voxmeet/chatsync/internal/rt"
	"github.com/voxmeet/chatsync/internal/status"
	"github.com/voxmeet/chatsync/internal/store"
	"go.uber.org/zap"
)

// SendFailer marks an in-flight optimistic send as failed.
type SendFailer interface {
	Fail(tempID, reason string)
}

// Engine consumes "rt." bus events on a single goroutine and dispatches them
// to the reconciler and trackers, so all store mutations driven by the
// channel happen in arrival order.
type Engine struct {
	db         *store.DB
	bus        *bus.Bus
	reconciler *Reconciler
	tracker    *status.Tracker
	presence   *presence.Tracker
	failer     SendFailer
	history    *history.Controller
	logger     *zap.Logger

	mu         stdsync.Mutex
	activeConv string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine wires the event loop. history may be nil when pagination is not
// in use (tests).
func NewEngine(db *store.DB, b *bus.Bus, rec *Reconciler, tracker *status.Tracker,
	pres *presence.Tracker, failer SendFailer, hist *history.Controller, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:         db,
		bus:        b,
		reconciler: rec,
		tracker:    tracker,
		presence:   pres,
		failer:     failer,
		history:    hist,
		logger:     logger,
	}
}

// Start launches the event loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	events, unsubscribe := e.bus.Subscribe("rt.", 256)
	go func() {
		defer close(e.done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				e.handle(evt)
			}
		}
	}()
}

// Stop shuts the event loop down and waits for it to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handle(evt bus.Event) {
	switch evt.Kind {
	case bus.KindRTMessage:
		m, ok := evt.Payload.(*store.Message)
		if !ok {
			return
		}
		if err := e.reconciler.Reconcile(m); err != nil {
			e.logger.Error("reconcile failed", zap.String("server_id", m.ServerID), zap.Error(err))
			return
		}
		// A remote message landing in the conversation on screen is seen
		// right away, not on the next activation.
		if m.SenderID != e.reconciler.selfID && m.ConversationID == e.ActiveConversation() {
			if err := e.tracker.MarkConversationSeen(context.Background(), m.ConversationID); err != nil {
				e.logger.Warn("seen pass failed", zap.String("conversation_id", m.ConversationID), zap.Error(err))
			}
		}

	case bus.KindRTStatus:
		se, ok := evt.Payload.(*rt.StatusEvent)
		if !ok {
			return
		}
		if err := e.tracker.Apply(se.MessageID, status.Status(se.Status)); err != nil {
			e.logger.Error("status apply failed", zap.String("message_id", se.MessageID), zap.Error(err))
		}

	case bus.KindRTError:
		ee, ok := evt.Payload.(*rt.ErrorEvent)
		if !ok {
			return
		}
		e.failer.Fail(ee.TempID, ee.Reason)

	case bus.KindRTPinned:
		pe, ok := evt.Payload.(*rt.PinEvent)
		if !ok {
			return
		}
		if err := e.db.SetPinned(pe.MessageID, pe.IsPinned); err != nil {
			e.logger.Error("pin update failed", zap.String("message_id", pe.MessageID), zap.Error(err))
			return
		}
		e.bus.Emit(bus.KindMessageUpdated, map[string]string{"server_id": pe.MessageID})

	case bus.KindRTTyping:
		te, ok := evt.Payload.(*rt.TypingEvent)
		if !ok {
			return
		}
		e.presence.StartTyping(te.ConversationID, te.UserID, te.UserName)

	case bus.KindRTStopTyping:
		te, ok := evt.Payload.(*rt.TypingEvent)
		if !ok {
			return
		}
		e.presence.StopTyping(te.ConversationID, te.UserID)

	case bus.KindRTPresence:
		pe, ok := evt.Payload.(*rt.PresenceEvent)
		if !ok {
			return
		}
		e.presence.SetOnline(pe.UserID, pe.Online)

	case bus.KindRTConversation:
		ce, ok := evt.Payload.(*rt.ConversationEvent)
		if !ok {
			return
		}
		e.applyConversationUpdate(ce)

	default:
		e.logger.Debug("unhandled channel event", zap.String("kind", evt.Kind))
	}
}

// applyConversationUpdate persists a conversation:updated payload and tells
// the renderer to re-read the sidebar. Unread and last-message columns are
// maintained by the message path, so an existing row keeps them.
func (e *Engine) applyConversationUpdate(ce *rt.ConversationEvent) {
	conv := &store.Conversation{ID: ce.ID, Name: ce.Name, IsGroup: ce.IsGroup}
	if existing, err := e.db.GetConversation(ce.ID); err != nil {
		e.logger.Warn("conversation lookup failed", zap.String("conversation", ce.ID), zap.Error(err))
	} else if existing != nil {
		conv.UnreadCount = existing.UnreadCount
		conv.LastMessageAt = existing.LastMessageAt
		conv.LastMessagePreview = existing.LastMessagePreview
	}
	if err := e.db.UpsertConversation(conv); err != nil {
		e.logger.Warn("conversation upsert failed", zap.String("conversation", ce.ID), zap.Error(err))
		return
	}
	if len(ce.Participants) > 0 {
		parts := make([]store.Participant, 0, len(ce.Participants))
		for _, p := range ce.Participants {
			parts = append(parts, store.Participant{
				ConversationID: ce.ID,
				UserID:         p.ID,
				DisplayName:    p.Name,
				PresenceKey:    p.PresenceKey,
			})
		}
		if err := e.db.SetParticipants(ce.ID, parts); err != nil {
			e.logger.Warn("participant sync failed", zap.String("conversation", ce.ID), zap.Error(err))
		}
	}
	e.bus.Emit(bus.KindConversationRefresh, ce.ID)
}

// ActivateConversation makes conversationID the rendered conversation:
// transient state scoped to the previous one is dropped, the unread counter
// resets, and seen receipts go out for the remote messages now on screen.
func (e *Engine) ActivateConversation(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	prev := e.activeConv
	e.activeConv = conversationID
	e.mu.Unlock()

	if prev != "" && prev != conversationID {
		e.presence.ClearConversation(prev)
		if e.history != nil {
			e.history.Reset(prev)
		}
		e.reconciler.ClearLocks()
	}
	if e.history != nil {
		e.history.Reset(conversationID)
	}
	if conversationID == "" {
		return nil
	}
	return e.tracker.MarkConversationSeen(ctx, conversationID)
}

// ActiveConversation reports the currently rendered conversation.
func (e *Engine) ActiveConversation() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeConv
}

// Snapshot compacts lingering double-deliveries and returns the ordered
// timeline for rendering.
func (e *Engine) Snapshot(conversationID string) ([]store.Message, error) {
	removed, err := e.db.Compact(e.reconciler.timing.DuplicateWindow.Std().Milliseconds())
	if err != nil {
		e.logger.Warn("compaction failed", zap.Error(err))
	} else if removed > 0 {
		observability.CompactedRows.Add(float64(removed))
	}
	return e.db.Snapshot(conversationID)
}
