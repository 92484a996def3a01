// Package history fetches older timeline pages from the HTTP collaborator
// and splices them into the store without moving the viewport.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voxmeet/chatsync/internal/bus"
	"github.com/voxmeet/chatsync/internal/store"
	"go.uber.org/zap"
)

// Fetcher is the external history collaborator: an ordered batch of
// confirmed messages older than `before`, at most `limit` of them.
type Fetcher interface {
	FetchBefore(ctx context.Context, conversationID string, before int64, limit int) ([]store.Message, error)
}

// Anchor identifies the row that was topmost before a prepend and how many
// rows now sit above it. The renderer repositions by scrolling Offset rows
// down from the top, which keeps the anchor message fixed on screen.
type Anchor struct {
	MessageID string
	Offset    int
}

// Result describes one LoadOlder call.
type Result struct {
	Prepended int
	HasMore   bool
	Anchor    Anchor
}

type convState struct {
	loading   bool
	exhausted bool
}

// Controller walks a conversation's history backward by createdAt of the
// oldest loaded message. One fetch at a time per conversation; end-of-history
// latches until Reset.
type Controller struct {
	db       *store.DB
	fetcher  Fetcher
	bus      *bus.Bus
	pageSize int
	logger   *zap.Logger

	mu    sync.Mutex
	state map[string]*convState
}

// NewController creates a pagination controller.
func NewController(db *store.DB, fetcher Fetcher, b *bus.Bus, pageSize int, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pageSize <= 0 {
		pageSize = 30
	}
	return &Controller{
		db:       db,
		fetcher:  fetcher,
		bus:      b,
		pageSize: pageSize,
		logger:   logger,
		state:    make(map[string]*convState),
	}
}

func (c *Controller) conv(id string) *convState {
	s, ok := c.state[id]
	if !ok {
		s = &convState{}
		c.state[id] = s
	}
	return s
}

// LoadOlder fetches and prepends one page of older history. After
// end-of-history it is a no-op (no network call) until Reset. A call while a
// fetch is outstanding is also a no-op; the store tolerates reconciliation
// events landing mid-fetch because prepend and append touch disjoint rows.
func (c *Controller) LoadOlder(ctx context.Context, conversationID string) (Result, error) {
	c.mu.Lock()
	s := c.conv(conversationID)
	if s.loading || s.exhausted {
		hasMore := !s.exhausted
		c.mu.Unlock()
		return Result{HasMore: hasMore}, nil
	}
	s.loading = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conv(conversationID).loading = false
		c.mu.Unlock()
	}()

	before, ok, err := c.db.OldestLoaded(conversationID)
	if err != nil {
		return Result{HasMore: true}, err
	}
	if !ok {
		before = time.Now().UnixMilli() + 1
	}

	// The anchor is whatever is topmost right now; captured before the
	// splice so the caller can keep it pinned in place.
	var anchorID string
	if snap, err := c.db.Snapshot(conversationID); err == nil && len(snap) > 0 {
		anchorID = snap[0].ServerID
		if anchorID == "" {
			anchorID = snap[0].TempID
		}
	}

	batch, err := c.fetcher.FetchBefore(ctx, conversationID, before, c.pageSize)
	if err != nil {
		// No auto-retry: the caller re-invokes, which avoids overlapping
		// pagination windows.
		return Result{HasMore: true}, fmt.Errorf("fetch history: %w", err)
	}

	inserted, err := c.db.PrependBatch(batch)
	if err != nil {
		return Result{HasMore: true}, err
	}

	hasMore := len(batch) == c.pageSize
	if !hasMore {
		c.mu.Lock()
		c.conv(conversationID).exhausted = true
		c.mu.Unlock()
	}

	if inserted > 0 {
		c.bus.Emit(bus.KindMessageUpdated, map[string]string{"conversation_id": conversationID})
	}
	c.logger.Info("history page loaded",
		zap.String("conversation_id", conversationID),
		zap.Int("fetched", len(batch)), zap.Int("inserted", inserted), zap.Bool("has_more", hasMore))

	return Result{
		Prepended: inserted,
		HasMore:   hasMore,
		Anchor:    Anchor{MessageID: anchorID, Offset: inserted},
	}, nil
}

// Reset forgets pagination state for a conversation, used when the active
// conversation changes.
func (c *Controller) Reset(conversationID string) {
	c.mu.Lock()
	delete(c.state, conversationID)
	c.mu.Unlock()
}
