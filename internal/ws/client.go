package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxInboundSize = 4096
)

// Client is a log-stream websocket peer. Writes are serialised; reads only service
// control frames.
type Client struct {
	mu   sync.Mutex
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient wraps conn and arms the pong deadline.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &Client{conn: conn, log: logger}
}

// Send writes one log entry payload as a text frame.
func (c *Client) Send(payload []byte) error {
	return c.write(websocket.TextMessage, payload)
}

// Ping keeps idle connections alive; a peer that stops answering is dropped by Drain.
func (c *Client) Ping() error {
	return c.write(websocket.PingMessage, nil)
}

func (c *Client) write(kind int, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(kind, payload); err != nil {
		c.log.Warn("websocket write failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Drain reads until the peer goes away or misses the pong deadline.
func (c *Client) Drain() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
