package sync

import (
	"fmt"
	stdsync "sync"
	"time"

	"github.com/voxmeet/chatsync/internal/bus"
	"github.com/voxmeet/chatsync/internal/config"
	"github.com/voxmeet/chatsync/internal/observability"
	"github.com/voxmeet/chatsync/internal/status"
	"github.com/voxmeet/chatsync/internal/store"
	"go.uber.org/zap"
)

// Reconciler folds server-confirmed messages into the local timeline. Every
// confirmation takes exactly one of four paths: replay of an already known
// server id, promotion of a matching optimistic row, transport
// double-delivery, or a plain append.
type Reconciler struct {
	db      *store.DB
	bus     *bus.Bus
	tracker *status.Tracker
	timing  config.Timing
	selfID  string
	logger  *zap.Logger

	now func() time.Time

	// locks holds server ids that just replaced an optimistic row. A
	// re-delivery of the same confirmation inside the grace period is
	// dropped instead of re-entering the match logic.
	mu    stdsync.Mutex
	locks map[string]time.Time
}

// NewReconciler creates a reconciler for the local participant selfID.
func NewReconciler(db *store.DB, b *bus.Bus, tracker *status.Tracker, timing config.Timing, selfID string, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		db:      db,
		bus:     b,
		tracker: tracker,
		timing:  timing,
		selfID:  selfID,
		logger:  logger,
		now:     time.Now,
		locks:   make(map[string]time.Time),
	}
}

// Reconcile processes one confirmed message. m.ServerID must be set; the
// call is idempotent for a given server id.
func (r *Reconciler) Reconcile(m *store.Message) error {
	if m == nil || m.ServerID == "" {
		return fmt.Errorf("reconcile: message without server id")
	}
	now := r.now()
	if r.locked(m.ServerID, now) {
		observability.Reconciled.WithLabelValues("replayed").Inc()
		r.logger.Debug("confirmation dropped by replacement lock", zap.String("server_id", m.ServerID))
		return nil
	}

	existing, err := r.db.GetByServerID(m.ServerID)
	if err != nil {
		return err
	}
	if existing != nil {
		return r.replay(existing, m)
	}

	if m.SenderID == r.selfID {
		promoted, err := r.promote(m, now)
		if err != nil || promoted {
			return err
		}
	}

	dup, err := r.db.HasConfirmedDuplicate(m.ConversationID, m.SenderID, m.Content,
		m.CreatedAt, r.timing.DuplicateWindow.Std().Milliseconds())
	if err != nil {
		return err
	}
	if dup {
		observability.Reconciled.WithLabelValues("duplicate").Inc()
		r.logger.Debug("transport double-delivery dropped",
			zap.String("server_id", m.ServerID), zap.String("sender_id", m.SenderID))
		return nil
	}

	return r.append(m)
}

// replay refreshes the mutable fields of an already stored confirmation.
// The row keeps its sequence number and status.
func (r *Reconciler) replay(existing, m *store.Message) error {
	if existing.IsPinned != m.IsPinned {
		if err := r.db.SetPinned(m.ServerID, m.IsPinned); err != nil {
			return err
		}
		r.bus.Emit(bus.KindMessageUpdated, map[string]string{
			"conversation_id": m.ConversationID, "server_id": m.ServerID,
		})
	}
	observability.Reconciled.WithLabelValues("replayed").Inc()
	return nil
}

// promote matches m against the oldest pending optimistic send with the same
// conversation, sender, and content inside the reconcile window, and rewrites
// that row in place. Returns false when no pending entry matches.
func (r *Reconciler) promote(m *store.Message, now time.Time) (bool, error) {
	p, err := r.db.FindReconcilable(m.ConversationID, r.selfID, m.Content,
		m.CreatedAt, r.timing.ReconcileWindow.Std().Milliseconds())
	if err != nil {
		return false, err
	}
	if p == nil {
		return false, nil
	}

	if err := r.db.Promote(p.TempID, m.ServerID); err != nil {
		return false, err
	}
	if m.IsPinned {
		if err := r.db.SetPinned(m.ServerID, true); err != nil {
			return false, err
		}
	}

	resolved, err := r.db.ResolvePending(p.TempID)
	if err != nil {
		return false, err
	}
	if resolved != nil {
		observability.PendingSends.Dec()
	}
	r.lock(m.ServerID, now)

	// A delivery or seen receipt may have raced ahead of the confirmation;
	// it was parked on the pending entry and is applied now that the row
	// has its server id.
	if resolved != nil && resolved.BufferedStatus != "" {
		if err := r.tracker.Apply(m.ServerID, status.Status(resolved.BufferedStatus)); err != nil {
			r.logger.Warn("buffered status replay failed",
				zap.String("server_id", m.ServerID), zap.Error(err))
		}
	}

	if err := r.db.TouchConversation(m.ConversationID, m.CreatedAt, m.Content, false); err != nil {
		return false, err
	}
	observability.Reconciled.WithLabelValues("promoted").Inc()
	r.logger.Info("optimistic message confirmed",
		zap.String("temp_id", p.TempID), zap.String("server_id", m.ServerID))
	r.bus.Emit(bus.KindMessageUpdated, map[string]string{
		"conversation_id": m.ConversationID, "server_id": m.ServerID, "temp_id": p.TempID,
	})
	r.bus.Emit(bus.KindConversationRefresh, m.ConversationID)
	return true, nil
}

// append stores a confirmation that matched nothing local. Own messages come
// back as sent (a confirmation from another device of the same account);
// remote messages carry no tracked status and bump the unread counter.
func (r *Reconciler) append(m *store.Message) error {
	remote := m.SenderID != r.selfID
	m.Origin = store.OriginConfirmed
	m.TempID = ""
	if remote {
		m.Status = ""
	} else {
		m.Status = store.StatusSent
	}
	if _, err := r.db.Append(m); err != nil {
		return err
	}
	if err := r.db.TouchConversation(m.ConversationID, m.CreatedAt, m.Content, remote); err != nil {
		return err
	}
	observability.Reconciled.WithLabelValues("appended").Inc()
	r.bus.Emit(bus.KindMessageUpdated, map[string]string{
		"conversation_id": m.ConversationID, "server_id": m.ServerID,
	})
	r.bus.Emit(bus.KindConversationRefresh, m.ConversationID)
	return nil
}

func (r *Reconciler) lock(serverID string, now time.Time) {
	r.mu.Lock()
	r.locks[serverID] = now.Add(r.timing.ReplacementGrace.Std())
	r.mu.Unlock()
}

func (r *Reconciler) locked(serverID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.locks[serverID]
	if !ok {
		return false
	}
	if now.After(exp) {
		delete(r.locks, serverID)
		return false
	}
	return true
}

// ClearLocks drops all replacement locks, used when the active conversation
// changes.
func (r *Reconciler) ClearLocks() {
	r.mu.Lock()
	r.locks = make(map[string]time.Time)
	r.mu.Unlock()
}
