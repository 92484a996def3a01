// Package presence maintains the transient typing and online/offline state.
// Everything here is best-effort: entries self-heal via timeouts and nothing
// in this package ever blocks message delivery.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voxmeet/chatsync/internal/bus"
	"go.uber.org/zap"
)

// TypingEmitter sends the local user's typing signals over the channel.
type TypingEmitter interface {
	EmitTyping(ctx context.Context, conversationID, userID, userName string, typing bool) error
}

// TypingUser is one remote user currently typing in a conversation.
type TypingUser struct {
	UserID      string
	DisplayName string
}

type typingKey struct {
	conversationID string
	userID         string
}

type typingEntry struct {
	displayName string
	expiresAt   time.Time
}

// Tracker owns the typing table and the presence set. It is the sole writer
// of both; readers get value copies.
type Tracker struct {
	bus     *bus.Bus
	emitter TypingEmitter
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.RWMutex
	typing map[typingKey]typingEntry
	online map[string]bool
	cancel context.CancelFunc
}

// NewTracker creates a presence tracker with the given typing TTL.
func NewTracker(b *bus.Bus, emitter TypingEmitter, ttl time.Duration, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		bus:     b,
		emitter: emitter,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		typing:  make(map[typingKey]typingEntry),
		online:  make(map[string]bool),
	}
}

// StartTyping inserts or refreshes a typing entry for a remote user.
func (t *Tracker) StartTyping(conversationID, userID, displayName string) {
	t.mu.Lock()
	t.typing[typingKey{conversationID, userID}] = typingEntry{
		displayName: displayName,
		expiresAt:   t.now().Add(t.ttl),
	}
	t.mu.Unlock()
	t.bus.Emit(bus.KindTypingChanged, conversationID)
}

// StopTyping removes a typing entry immediately.
func (t *Tracker) StopTyping(conversationID, userID string) {
	t.mu.Lock()
	delete(t.typing, typingKey{conversationID, userID})
	t.mu.Unlock()
	t.bus.Emit(bus.KindTypingChanged, conversationID)
}

// TypingUsers returns who is typing in a conversation right now. Expired
// entries are filtered out even if the sweep has not caught them yet.
func (t *Tracker) TypingUsers(conversationID string) []TypingUser {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()

	var users []TypingUser
	for k, e := range t.typing {
		if k.conversationID != conversationID || !now.Before(e.expiresAt) {
			continue
		}
		users = append(users, TypingUser{UserID: k.userID, DisplayName: e.displayName})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

// SetOnline records an explicit presence event. Presence has no expiry; it
// reflects the last event received.
func (t *Tracker) SetOnline(userID string, online bool) {
	t.mu.Lock()
	if online {
		t.online[userID] = true
	} else {
		delete(t.online, userID)
	}
	t.mu.Unlock()
	t.bus.Emit(bus.KindPresenceChanged, userID)
}

// IsOnline reports the last known presence of a user.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online[userID]
}

// ClearConversation drops all typing entries for a conversation, used when
// the active conversation changes.
func (t *Tracker) ClearConversation(conversationID string) {
	t.mu.Lock()
	for k := range t.typing {
		if k.conversationID == conversationID {
			delete(t.typing, k)
		}
	}
	t.mu.Unlock()
}

// NotifyTyping emits the local user's typing signal. Failures are logged and
// swallowed: a dropped stop event self-heals remotely via the same TTL.
func (t *Tracker) NotifyTyping(ctx context.Context, conversationID, userID, userName string, typing bool) {
	if err := t.emitter.EmitTyping(ctx, conversationID, userID, userName, typing); err != nil {
		t.logger.Warn("typing emission failed", zap.Error(err), zap.String("conversation_id", conversationID))
	}
}

// Start launches the background sweep removing expired typing entries.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	go t.loop(ctx)
}

// Stop stops the sweep.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Tracker) loop(ctx context.Context) {
	ticker := time.NewTicker(t.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) sweep() {
	now := t.now()
	var changed []string

	t.mu.Lock()
	for k, e := range t.typing {
		if !now.Before(e.expiresAt) {
			delete(t.typing, k)
			changed = append(changed, k.conversationID)
		}
	}
	t.mu.Unlock()

	for _, conv := range changed {
		t.bus.Emit(bus.KindTypingChanged, conv)
	}
}
