package daemon

import (
	"context"
	"fmt"

	"github.com/voxmeet/chatsync/internal/config"
	"github.com/voxmeet/chatsync/internal/history"
	"github.com/voxmeet/chatsync/internal/outbox"
	"github.com/voxmeet/chatsync/internal/presence"
	"github.com/voxmeet/chatsync/internal/rt"
	"github.com/voxmeet/chatsync/internal/store"
	intsync "github.com/voxmeet/chatsync/internal/sync"
)

// Service is the renderer-facing surface of the daemon. Renderers call it
// for every user action and subscribe to the bus for change notifications;
// they never touch the store directly.
type Service struct {
	db       *store.DB
	engine   *intsync.Engine
	sender   *outbox.Sender
	history  *history.Controller
	presence *presence.Tracker
	channel  *rt.Client
	selfID   string
	selfName string
}

// NewService bundles the engine and its collaborators behind one API.
func NewService(cfg *config.Config, db *store.DB, engine *intsync.Engine, sender *outbox.Sender,
	hist *history.Controller, pres *presence.Tracker, channel *rt.Client) *Service {
	return &Service{
		db:       db,
		engine:   engine,
		sender:   sender,
		history:  hist,
		presence: pres,
		channel:  channel,
		selfID:   cfg.Account.UserID,
		selfName: cfg.Account.DisplayName,
	}
}

// Conversations lists known conversations, most recent activity first.
func (s *Service) Conversations(limit, offset int) ([]store.Conversation, error) {
	return s.db.ListConversations(limit, offset)
}

// Conversation returns a single conversation header, or nil when the id is
// unknown.
func (s *Service) Conversation(id string) (*store.Conversation, error) {
	return s.db.GetConversation(id)
}

// Participants returns the roster of a conversation in join order.
func (s *Service) Participants(conversationID string) ([]store.Participant, error) {
	return s.db.Participants(conversationID)
}

// Activate switches the rendered conversation. Unread resets, seen receipts
// go out, and transient state of the previous conversation is dropped.
func (s *Service) Activate(ctx context.Context, conversationID string) error {
	return s.engine.ActivateConversation(ctx, conversationID)
}

// Timeline returns the ordered message snapshot for rendering.
func (s *Service) Timeline(conversationID string) ([]store.Message, error) {
	return s.engine.Snapshot(conversationID)
}

// Send performs an optimistic send and returns the temp id of the new row.
func (s *Service) Send(ctx context.Context, conversationID, content string) (string, error) {
	if conversationID == "" {
		return "", fmt.Errorf("send: no conversation selected")
	}
	return s.sender.Send(ctx, conversationID, content)
}

// LoadOlder pages one batch of older history into the conversation.
func (s *Service) LoadOlder(ctx context.Context, conversationID string) (history.Result, error) {
	return s.history.LoadOlder(ctx, conversationID)
}

// TypingUsers reports who is currently typing in a conversation.
func (s *Service) TypingUsers(conversationID string) []presence.TypingUser {
	return s.presence.TypingUsers(conversationID)
}

// SetTyping notifies the channel that the local user started or stopped
// typing. Failures are logged and swallowed; typing is best-effort.
func (s *Service) SetTyping(ctx context.Context, conversationID string, typing bool) {
	s.presence.NotifyTyping(ctx, conversationID, s.selfID, s.selfName, typing)
}

// Pin toggles a message's pin flag on the server. The local row updates when
// the resulting message:pinned event comes back, keeping a single source of
// truth for pin state.
func (s *Service) Pin(ctx context.Context, messageID string, pinned bool) error {
	if messageID == "" {
		return fmt.Errorf("pin: missing message id")
	}
	return s.channel.EmitPin(ctx, messageID, pinned)
}
