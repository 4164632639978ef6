package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Client is one user's live connection with its outbound queue.
type Client struct {
	userID    string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       *slog.Logger
}

// NewClient wraps conn with an outbound queue of queueSize frames.
func NewClient(userID string, conn *websocket.Conn, queueSize int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Client{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, queueSize),
		done:   make(chan struct{}),
		log:    logger,
	}
}

// UserID returns the owner of the connection.
func (c *Client) UserID() string {
	return c.userID
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Enqueue queues a frame without blocking. A client whose queue is full is
// closed so one slow reader cannot stall delivery to others.
func (c *Client) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn("Live client queue full, closing", "user_id", c.userID, "queue_len", len(c.send))
		go c.Close(websocket.StatusPolicyViolation, "slow consumer")
		return false
	}
}

// EnqueueWait queues a frame, blocking while the queue is full. Used for
// replay, where the backlog can exceed the queue size.
func (c *Client) EnqueueWait(ctx context.Context, data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close terminates the connection. Safe to call more than once.
func (c *Client) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			if err := c.conn.Close(code, reason); err != nil {
				c.log.Debug("Failed to close websocket", "error", err, "user_id", c.userID)
			}
		}
	})
}

// writeLoop drains the outbound queue onto the socket until the client or ctx ends.
func (c *Client) writeLoop(ctx context.Context, timeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, timeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.log.Debug("WebSocket write error", "error", err, "user_id", c.userID)
				}
				return
			}
		}
	}
}
