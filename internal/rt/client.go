package rt

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client is the real-time channel: a websocket carrying JSON envelopes both
// ways. It reconnects with exponential backoff and hands every inbound
// envelope to the event handler. Outbound emission is fire-and-forget.
type Client struct {
	url     string
	token   string
	handler *EventHandler
	logger  *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc

	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewClient creates a channel client. Token is passed as a bearer credential;
// acquiring it is the auth collaborator's problem.
func NewClient(url, token string, handler *EventHandler, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:       url,
		token:     token,
		handler:   handler,
		logger:    logger,
		baseDelay: time.Second,
		maxDelay:  30 * time.Second,
	}
}

// Start runs the connect/read/reconnect loop until the context is cancelled.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.loop(ctx)
}

// Stop tears the connection down.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutting down")
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) loop(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		attempt++
		delay := c.backoff(attempt)
		c.logger.Warn("channel disconnected, reconnecting",
			zap.Error(err), zap.Int("attempt", attempt), zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) connectAndRead(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + c.token}},
	})
	cancel()
	if err != nil {
		return fmt.Errorf("dial channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("channel connected", zap.String("url", c.url))

	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			return fmt.Errorf("read channel: %w", err)
		}
		c.handler.Handle(env)
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.baseDelay) * math.Pow(2, float64(attempt-1)))
	if d > c.maxDelay {
		d = c.maxDelay
	}
	// Jitter keeps a fleet of clients from reconnecting in lockstep.
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// Emit writes one outbound envelope. Returns an error when the channel is
// down; callers decide whether that matters (sends rely on the deadline,
// typing is best-effort).
func (c *Client) Emit(ctx context.Context, event string, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("channel not connected")
	}
	return wsjson.Write(ctx, conn, map[string]any{"event": event, "data": data})
}

// SendText implements the outbox sender's channel interface.
func (c *Client) SendText(ctx context.Context, conversationID, senderID, content string) error {
	return c.Emit(ctx, EvMessageSend, map[string]string{
		"conversationId": conversationID,
		"senderId":       senderID,
		"content":        content,
	})
}

// EmitSeen implements the status tracker's emitter interface.
func (c *Client) EmitSeen(ctx context.Context, messageID, userID string) error {
	return c.Emit(ctx, EvMessageSeen, map[string]string{
		"messageId": messageID,
		"userId":    userID,
	})
}

// EmitPin requests a pin/unpin on the server.
func (c *Client) EmitPin(ctx context.Context, messageID string, pinned bool) error {
	return c.Emit(ctx, EvMessagePin, map[string]any{
		"messageId": messageID,
		"isPinned":  pinned,
	})
}

// EmitTyping implements the presence tracker's emitter interface.
func (c *Client) EmitTyping(ctx context.Context, conversationID, userID, userName string, typing bool) error {
	event := EvTypingStart
	data := map[string]string{
		"conversationId": conversationID,
		"userId":         userID,
	}
	if userName != "" {
		data["userName"] = userName
	}
	if !typing {
		event = EvTypingStop
		delete(data, "userName")
	}
	return c.Emit(ctx, event, data)
}
