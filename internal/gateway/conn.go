package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn wraps a websocket connection with a write lock. Gorilla allows
// one concurrent writer only; the lock lets the keepalive ticker, the
// event fan-out and the read-loop replies share the connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

// Send writes v as a JSON text frame. Implements pool.Sender.
func (c *wsConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Ping(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// CloseWith sends a close frame with a policy code, then drops the
// connection. Used for authentication rejections.
func (c *wsConn) CloseWith(code int, reason string) {
	c.mu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *wsConn) Close() {
	_ = c.conn.Close()
}
