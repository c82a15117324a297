package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sketchparty/server/internal/v1/logging"
)

// wsConnection is the slice of *websocket.Conn the client needs. Tests swap in
// a fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// Client is one websocket session. It satisfies the fabric's Conn contract:
// Deliver never blocks (slow consumers drop frames) and Shutdown records an
// application close code for the write pump to emit on its way out.
type Client struct {
	conn   wsConnection
	userID int64

	onMessage    func(ctx context.Context, data []byte)
	onDisconnect func()

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string

	send chan []byte
}

func newClient(conn wsConnection, userID int64) *Client {
	return &Client{
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
	}
}

// UserID identifies the authenticated player behind this socket.
func (c *Client) UserID() int64 {
	return c.userID
}

// Deliver queues a frame for the write pump, dropping it when the buffer is
// saturated or the client already closed. Holding the mutex across the send
// keeps it ordered against Shutdown closing the channel.
func (c *Client) Deliver(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Client send channel full - dropping frame", zap.Int64("userId", c.userID))
	}
}

// Shutdown closes the session with an application close code. Safe to call
// from any goroutine, any number of times; the first caller's code wins.
func (c *Client) Shutdown(closeCode int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = closeCode
	c.closeReason = reason
	close(c.send)
}

func (c *Client) closeState() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCode == 0 {
		return websocket.CloseNormalClosure, ""
	}
	return c.closeCode, c.closeReason
}

// readPump feeds inbound frames to the message handler until the socket dies.
func (c *Client) readPump() {
	defer func() {
		if c.onDisconnect != nil {
			c.onDisconnect()
		}
		c.Shutdown(websocket.CloseNormalClosure, "")
		_ = c.conn.Close()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(context.Background(), data)
		}
	}
}

// writePump drains queued frames, then emits the recorded close code once the
// send channel closes.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message", zap.Int64("userId", c.userID), zap.Error(err))
			return
		}
	}

	code, reason := c.closeState()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
