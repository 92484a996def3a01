package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/voxmeet/chatsync/internal/bus"
	"github.com/voxmeet/chatsync/internal/observability"
	"github.com/voxmeet/chatsync/internal/store"
	"go.uber.org/zap"
)

// TextSender is the outbound message path of the real-time channel.
// Fire-and-forget: correctness rests on the send deadline, not on an ack.
type TextSender interface {
	SendText(ctx context.Context, conversationID, senderID, content string) error
}

// SendFailure is the payload of a message.send_failed bus event.
type SendFailure struct {
	TempID         string
	ConversationID string
	Reason         string
}

// Sender owns the optimistic send path: it creates the optimistic store row,
// registers the pending entry, emits the send, and expires pending entries
// whose confirmation never arrived.
type Sender struct {
	db       *store.DB
	channel  TextSender
	bus      *bus.Bus
	selfID   string
	selfName string
	deadline time.Duration
	logger   *zap.Logger
	now      func() time.Time
	cancel   context.CancelFunc
}

// NewSender creates an outbox sender for the given local user.
func NewSender(db *store.DB, channel TextSender, b *bus.Bus, selfID, selfName string, deadline time.Duration, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:       db,
		channel:  channel,
		bus:      b,
		selfID:   selfID,
		selfName: selfName,
		deadline: deadline,
		logger:   logger,
		now:      time.Now,
	}
}

// Send creates an optimistic message, shows it immediately, and fires the
// outbound send. The returned temp id identifies the in-flight send until
// reconciliation or failure.
func (s *Sender) Send(ctx context.Context, conversationID, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("empty message content")
	}

	tempID := uuid.NewString()
	now := s.now().UnixMilli()

	if _, err := s.db.Append(&store.Message{
		TempID:         tempID,
		ConversationID: conversationID,
		SenderID:       s.selfID,
		SenderName:     s.selfName,
		Content:        content,
		CreatedAt:      now,
		Origin:         store.OriginOptimistic,
	}); err != nil {
		return "", fmt.Errorf("optimistic insert: %w", err)
	}
	if err := s.db.RegisterPending(&store.PendingSend{
		TempID:         tempID,
		ConversationID: conversationID,
		SenderID:       s.selfID,
		Content:        content,
		CreatedAt:      now,
		Deadline:       now + s.deadline.Milliseconds(),
	}); err != nil {
		return "", fmt.Errorf("register pending: %w", err)
	}
	observability.PendingSends.Inc()

	s.bus.Emit(bus.KindMessageUpdated, map[string]string{
		"conversation_id": conversationID,
		"temp_id":         tempID,
	})

	if err := s.channel.SendText(ctx, conversationID, s.selfID, content); err != nil {
		// Transport rejected immediately: no point waiting out the deadline.
		s.logger.Error("send failed", zap.Error(err), zap.String("temp_id", tempID))
		s.Fail(tempID, err.Error())
		return tempID, nil
	}

	s.logger.Info("message sent", zap.String("temp_id", tempID), zap.String("conversation_id", conversationID))
	return tempID, nil
}

// Fail force-fails a pending send: the optimistic row is removed and a
// failure signal is raised exactly once. An empty tempID targets the most
// recent pending send from the local user (transport errors without a temp
// id). Resend is a fresh user action, never automatic.
func (s *Sender) Fail(tempID, reason string) {
	var p *store.PendingSend
	var err error
	if tempID != "" {
		p, err = s.db.ResolvePending(tempID)
	} else {
		if p, err = s.db.LatestPendingFor(s.selfID); err == nil && p != nil {
			p, err = s.db.ResolvePending(p.TempID)
		}
	}
	if err != nil {
		s.logger.Error("resolve pending failed", zap.Error(err), zap.String("temp_id", tempID))
		return
	}
	if p == nil {
		// Already resolved or expired; nothing to fail.
		return
	}
	s.fail(p, reason)
}

func (s *Sender) fail(p *store.PendingSend, reason string) {
	if err := s.db.DeleteByTempID(p.TempID); err != nil {
		s.logger.Error("remove failed optimistic message", zap.Error(err), zap.String("temp_id", p.TempID))
	}
	observability.PendingSends.Dec()
	observability.SendFailures.WithLabelValues(reasonLabel(reason)).Inc()
	s.bus.Emit(bus.KindMessageSendFailed, SendFailure{
		TempID:         p.TempID,
		ConversationID: p.ConversationID,
		Reason:         reason,
	})
	s.bus.Emit(bus.KindMessageUpdated, map[string]string{
		"conversation_id": p.ConversationID,
		"temp_id":         p.TempID,
	})
}

// Start launches the deadline sweep. The pending gauge is seeded from the
// store so entries that survived a restart are counted before the first
// expiry tick.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.PendingCount(); err != nil {
		s.logger.Warn("pending count unavailable", zap.Error(err))
	} else {
		observability.PendingSends.Set(float64(n))
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sweep.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.expire()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) expire() {
	expired, err := s.db.ExpiredPending(s.now().UnixMilli())
	if err != nil {
		s.logger.Error("read expired pending sends", zap.Error(err))
		return
	}
	for _, p := range expired {
		// Resolve first: reconciliation may have won the race since the
		// query, and resolving is what makes the failure fire once.
		resolved, err := s.db.ResolvePending(p.TempID)
		if err != nil {
			s.logger.Error("resolve expired pending", zap.Error(err), zap.String("temp_id", p.TempID))
			continue
		}
		if resolved == nil {
			continue
		}
		s.logger.Warn("send deadline passed", zap.String("temp_id", p.TempID), zap.String("conversation_id", p.ConversationID))
		s.fail(resolved, "send deadline exceeded")
	}
}

func reasonLabel(reason string) string {
	if reason == "send deadline exceeded" {
		return "deadline"
	}
	return "transport"
}
