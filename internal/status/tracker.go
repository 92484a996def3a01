package status

import (
	"context"
	"sync"

	"github.com/voxmeet/chatsync/internal/bus"
	"github.com/voxmeet/chatsync/internal/store"
	"go.uber.org/zap"
)

// SeenEmitter sends the outbound seen notification over the channel.
type SeenEmitter interface {
	EmitSeen(ctx context.Context, messageID, userID string) error
}

// Tracker applies server-pushed delivery transitions to local-authored
// messages and emits local "seen" notifications for remote ones.
type Tracker struct {
	db      *store.DB
	bus     *bus.Bus
	emitter SeenEmitter
	selfID  string
	logger  *zap.Logger

	mu          sync.Mutex
	seenEmitted map[string]struct{}
}

// NewTracker creates a status tracker for the given local user.
func NewTracker(db *store.DB, b *bus.Bus, emitter SeenEmitter, selfID string, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		db:          db,
		bus:         b,
		emitter:     emitter,
		selfID:      selfID,
		logger:      logger,
		seenEmitted: make(map[string]struct{}),
	}
}

// Apply routes a status event keyed by server id or temp id. A status for a
// still-optimistic message is buffered on its pending entry and applied at
// reconciliation. Unknown ids and non-advancing transitions are ignored.
func (t *Tracker) Apply(ref string, s Status) error {
	if !Known(s) {
		t.logger.Warn("ignoring unknown delivery status", zap.String("ref", ref), zap.String("status", string(s)))
		return nil
	}

	m, err := t.db.GetByRef(ref)
	if err != nil {
		return err
	}
	if m == nil {
		t.logger.Debug("status update for unknown message", zap.String("ref", ref))
		return nil
	}
	if m.SenderID != t.selfID {
		// Delivery status is only meaningful for our own messages.
		return nil
	}

	if m.Origin == store.OriginOptimistic {
		return t.buffer(m.TempID, s)
	}

	if !Advances(Status(m.Status), s) {
		return nil
	}
	if err := t.db.SetStatus(m.ServerID, string(s)); err != nil {
		return err
	}
	t.bus.Emit(bus.KindMessageUpdated, map[string]string{
		"conversation_id": m.ConversationID,
		"server_id":       m.ServerID,
	})
	t.bus.Emit(bus.KindConversationRefresh, m.ConversationID)
	return nil
}

func (t *Tracker) buffer(tempID string, s Status) error {
	p, err := t.db.GetPending(tempID)
	if err != nil {
		return err
	}
	if p == nil {
		t.logger.Debug("buffered status for unknown pending entry", zap.String("temp_id", tempID))
		return nil
	}
	if !Advances(Status(p.BufferedStatus), s) {
		return nil
	}
	return t.db.BufferPendingStatus(tempID, string(s))
}

// MarkConversationSeen emits a seen notification for every confirmed remote
// message in the conversation that has not been notified yet, and resets the
// unread counter. Re-invocation for already-seen messages is a no-op.
func (t *Tracker) MarkConversationSeen(ctx context.Context, conversationID string) error {
	snap, err := t.db.Snapshot(conversationID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range snap {
		if m.SenderID == t.selfID || m.Origin != store.OriginConfirmed || m.ServerID == "" {
			continue
		}
		if _, done := t.seenEmitted[m.ServerID]; done {
			continue
		}
		if err := t.emitter.EmitSeen(ctx, m.ServerID, t.selfID); err != nil {
			// Not marked: the next visibility pass retries.
			t.logger.Warn("seen emission failed", zap.Error(err), zap.String("server_id", m.ServerID))
			continue
		}
		t.seenEmitted[m.ServerID] = struct{}{}
	}

	if err := t.db.ResetUnread(conversationID); err != nil {
		return err
	}
	t.bus.Emit(bus.KindConversationRefresh, conversationID)
	return nil
}
