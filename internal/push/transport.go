package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ridesync/internal/contracts"
)

// Conn is one live push-channel connection.
type Conn interface {
	// ReadFrame blocks until the next inbound frame or a terminal error.
	ReadFrame() (contracts.Frame, error)
	// WriteJSON sends one outbound message. Safe for concurrent use.
	WriteJSON(v any) error
	Close() error
}

// Transport dials new connections. The websocket implementation is the
// production one; tests substitute their own.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketTransport dials gorilla websocket connections with ping keepalive
// and write deadlines.
type WebsocketTransport struct {
	DialTimeout  time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	Header       http.Header
}

func (t *WebsocketTransport) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: t.DialTimeout}
	sock, resp, err := dialer.DialContext(ctx, url, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("push: dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("push: dial %s: %w", url, err)
	}

	c := &wsConn{
		conn:         sock,
		writeTimeout: t.WriteTimeout,
		done:         make(chan struct{}),
	}

	pongWait := 2 * t.PingInterval
	if t.PingInterval > 0 {
		_ = sock.SetReadDeadline(time.Now().Add(pongWait))
		sock.SetPongHandler(func(string) error {
			return sock.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.pingLoop(t.PingInterval)
	}

	return c, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func (c *wsConn) ReadFrame() (contracts.Frame, error) {
	var frame contracts.Frame
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return contracts.Frame{}, fmt.Errorf("push: read: %w", err)
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return contracts.Frame{}, fmt.Errorf("push: decode frame: %w", err)
	}
	return frame, nil
}

func (c *wsConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) pingLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.writeMu.Lock()
			if c.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
