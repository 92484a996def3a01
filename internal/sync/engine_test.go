package sync

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/voxmeet/chatsync/internal/bus"
	"github.com/voxmeet/chatsync/internal/config"
	"github.com/voxmeet/chatsync/internal/presence"
	"github.com/voxmeet/chatsync/internal/rt"
	"github.com/voxmeet/chatsync/internal/status"
	"github.com/voxmeet/chatsync/internal/store"
)

type recordingFailer struct {
	mu    stdsync.Mutex
	calls []string
}

func (f *recordingFailer) Fail(tempID, reason string) {
	f.mu.Lock()
	f.calls = append(f.calls, tempID+":"+reason)
	f.mu.Unlock()
}

func (f *recordingFailer) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type engineFixture struct {
	db       *store.DB
	bus      *bus.Bus
	engine   *Engine
	presence *presence.Tracker
	failer   *recordingFailer
	emitter  *nopEmitter
}

func startEngine(t *testing.T) *engineFixture {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	emitter := &nopEmitter{}
	tracker := status.NewTracker(db, b, emitter, selfID, nil)
	rec := NewReconciler(db, b, tracker, config.DefaultTiming(), selfID, nil)
	pres := presence.NewTracker(b, nil, 3*time.Second, nil)
	failer := &recordingFailer{}
	eng := NewEngine(db, b, rec, tracker, pres, failer, nil, nil)
	eng.Start(context.Background())
	t.Cleanup(eng.Stop)
	return &engineFixture{db: db, bus: b, engine: eng, presence: pres, failer: failer, emitter: emitter}
}

// waitFor polls until cond holds or the deadline passes. The engine loop is a
// separate goroutine, so tests observe its effects asynchronously.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEngineReconcilesChannelMessages(t *testing.T) {
	fx := startEngine(t)

	fx.bus.Emit(bus.KindRTMessage, &store.Message{
		ServerID: "srv-1", ConversationID: "c1", SenderID: "user-other",
		Content: "hello", CreatedAt: 1000,
	})

	waitFor(t, func() bool {
		m, _ := fx.db.GetByServerID("srv-1")
		return m != nil
	}, "channel message never reached the store")
}

func TestEngineAppliesStatusEvents(t *testing.T) {
	fx := startEngine(t)
	if _, err := fx.db.Append(&store.Message{
		ServerID: "srv-1", ConversationID: "c1", SenderID: selfID,
		Content: "mine", CreatedAt: 1000, Status: store.StatusSent,
		Origin: store.OriginConfirmed,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	fx.bus.Emit(bus.KindRTStatus, &rt.StatusEvent{MessageID: "srv-1", Status: "delivered"})

	waitFor(t, func() bool {
		m, _ := fx.db.GetByServerID("srv-1")
		return m != nil && m.Status == store.StatusDelivered
	}, "status event never applied")
}

func TestEngineRoutesSendErrors(t *testing.T) {
	fx := startEngine(t)

	fx.bus.Emit(bus.KindRTError, &rt.ErrorEvent{TempID: "tmp-9", Reason: "rate limited"})

	waitFor(t, func() bool {
		calls := fx.failer.snapshot()
		return len(calls) == 1 && calls[0] == "tmp-9:rate limited"
	}, "send error never routed to the outbox")
}

func TestEngineTracksTypingAndPresence(t *testing.T) {
	fx := startEngine(t)

	fx.bus.Emit(bus.KindRTTyping, &rt.TypingEvent{ConversationID: "c1", UserID: "u2", UserName: "Bea"})
	waitFor(t, func() bool {
		return len(fx.presence.TypingUsers("c1")) == 1
	}, "typing start never tracked")

	fx.bus.Emit(bus.KindRTStopTyping, &rt.TypingEvent{ConversationID: "c1", UserID: "u2"})
	waitFor(t, func() bool {
		return len(fx.presence.TypingUsers("c1")) == 0
	}, "typing stop never tracked")

	fx.bus.Emit(bus.KindRTPresence, &rt.PresenceEvent{UserID: "u2", Online: true})
	waitFor(t, func() bool {
		return fx.presence.IsOnline("u2")
	}, "presence never tracked")
}

func TestEnginePinUpdates(t *testing.T) {
	fx := startEngine(t)
	if _, err := fx.db.Append(&store.Message{
		ServerID: "srv-1", ConversationID: "c1", SenderID: "user-other",
		Content: "pin me", CreatedAt: 1000, Origin: store.OriginConfirmed,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	fx.bus.Emit(bus.KindRTPinned, &rt.PinEvent{MessageID: "srv-1", IsPinned: true})

	waitFor(t, func() bool {
		m, _ := fx.db.GetByServerID("srv-1")
		return m != nil && m.IsPinned
	}, "pin event never applied")
}

func TestEngineConversationUpdatePersistsAndRefreshes(t *testing.T) {
	fx := startEngine(t)
	events, unsubscribe := fx.bus.Subscribe(bus.KindConversationRefresh, 4)
	defer unsubscribe()

	// Pre-existing row with an unread counter the update must not clobber.
	if err := fx.db.UpsertConversation(&store.Conversation{ID: "c1", Name: "old name", UnreadCount: 3}); err != nil {
		t.Fatal(err)
	}

	fx.bus.Emit(bus.KindRTConversation, &rt.ConversationEvent{
		ID: "c1", Name: "Design Crew", IsGroup: true,
		Participants: []rt.ConversationParticipant{
			{ID: "u1", Name: "Ana", PresenceKey: "555111"},
			{ID: "u2", Name: "Bea", PresenceKey: "555222"},
		},
	})

	select {
	case evt := <-events:
		if evt.Payload.(string) != "c1" {
			t.Fatalf("payload = %v", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("conversation update never re-published")
	}

	c, err := fx.db.GetConversation("c1")
	if err != nil || c == nil {
		t.Fatalf("GetConversation: %v %v", c, err)
	}
	if c.Name != "Design Crew" || !c.IsGroup {
		t.Fatalf("conversation not updated: %+v", c)
	}
	if c.UnreadCount != 3 {
		t.Fatalf("UnreadCount = %d, want 3", c.UnreadCount)
	}
	parts, err := fx.db.Participants("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 2 || parts[0].UserID != "u1" || parts[1].DisplayName != "Bea" {
		t.Fatalf("participants = %+v", parts)
	}
}

func TestActivateConversationResetsState(t *testing.T) {
	fx := startEngine(t)
	ctx := context.Background()

	// Unread remote message plus a typing indicator in the old conversation.
	fx.bus.Emit(bus.KindRTMessage, &store.Message{
		ServerID: "srv-1", ConversationID: "c2", SenderID: "user-other",
		Content: "unread", CreatedAt: 1000,
	})
	waitFor(t, func() bool {
		c, _ := fx.db.GetConversation("c2")
		return c != nil && c.UnreadCount == 1
	}, "seed message never landed")
	fx.presence.StartTyping("c1", "u2", "Bea")

	if err := fx.engine.ActivateConversation(ctx, "c1"); err != nil {
		t.Fatalf("activate c1: %v", err)
	}
	if err := fx.engine.ActivateConversation(ctx, "c2"); err != nil {
		t.Fatalf("activate c2: %v", err)
	}

	if got := fx.engine.ActiveConversation(); got != "c2" {
		t.Fatalf("active = %q, want c2", got)
	}
	if len(fx.presence.TypingUsers("c1")) != 0 {
		t.Fatal("typing state for the previous conversation should be cleared")
	}
	c, _ := fx.db.GetConversation("c2")
	if c.UnreadCount != 0 {
		t.Fatalf("unread = %d, want 0 after activation", c.UnreadCount)
	}
	if got := fx.emitter.seenIDs(); len(got) != 1 || got[0] != "srv-1" {
		t.Fatalf("seen receipts = %v, want [srv-1]", got)
	}
}

func TestRemoteMessageInActiveConversationIsSeenImmediately(t *testing.T) {
	fx := startEngine(t)
	if err := fx.engine.ActivateConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	fx.bus.Emit(bus.KindRTMessage, &store.Message{
		ServerID: "srv-1", ConversationID: "c1", SenderID: "user-other",
		Content: "hi", CreatedAt: 1000,
	})

	waitFor(t, func() bool {
		s := fx.emitter.seenIDs()
		return len(s) == 1 && s[0] == "srv-1"
	}, "message in the active conversation never marked seen")
	c, _ := fx.db.GetConversation("c1")
	if c.UnreadCount != 0 {
		t.Fatalf("unread = %d, want 0 while conversation is active", c.UnreadCount)
	}
}

func TestSnapshotKeepsIdenticalRapidFireSends(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	tracker := status.NewTracker(db, b, &nopEmitter{}, selfID, nil)
	rec := NewReconciler(db, b, tracker, config.DefaultTiming(), selfID, nil)
	eng := NewEngine(db, b, rec, tracker, nil, nil, nil, nil)

	// Two identical sends one second apart, each confirmed under its own id.
	optimisticSend(t, db, "tmp-a", "c1", "ok", 1000)
	optimisticSend(t, db, "tmp-b", "c1", "ok", 2000)
	if err := rec.Reconcile(&store.Message{
		ServerID: "srv-1", ConversationID: "c1", SenderID: selfID,
		Content: "ok", CreatedAt: 1100,
	}); err != nil {
		t.Fatalf("first confirmation: %v", err)
	}
	if err := rec.Reconcile(&store.Message{
		ServerID: "srv-2", ConversationID: "c1", SenderID: selfID,
		Content: "ok", CreatedAt: 2100,
	}); err != nil {
		t.Fatalf("second confirmation: %v", err)
	}

	// The render path must not fold the pair: both rows consumed their own
	// pending entry and carry distinct server ids.
	snap, err := eng.Snapshot("c1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("rendered rows = %d, want 2 (both confirmed sends must survive)", len(snap))
	}
	if snap[0].ServerID != "srv-1" || snap[1].ServerID != "srv-2" {
		t.Fatalf("rendered ids = %q, %q", snap[0].ServerID, snap[1].ServerID)
	}
}

func TestSnapshotCompactsDoubleDeliveries(t *testing.T) {
	fx := startEngine(t)
	for _, id := range []string{"srv-1", "srv-2"} {
		if _, err := fx.db.Append(&store.Message{
			ServerID: id, ConversationID: "c1", SenderID: "user-other",
			Content: "dup", CreatedAt: 1000, Origin: store.OriginConfirmed,
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	snap, err := fx.engine.Snapshot("c1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap) != 1 {
		t.Fatalf("rows = %d, want 1 after compaction", len(snap))
	}
}
