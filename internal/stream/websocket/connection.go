package websocket

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

const (
	sendChSize     = 256
	maxReconnect   = 10
	maxBackoff     = 30 * time.Second
	initialBackoff = time.Second
	writeWait      = 10 * time.Second
)

// connection manages a WebSocket connection with a single write goroutine.
type connection struct {
	mu     sync.Mutex
	conn   *ws.Conn
	sendCh chan []byte
	done   chan struct{} // closed on shutdown
	closed bool

	wsURL  string
	secret string

	// Sent first on every reconnect.
	hello []byte
	// Latest marker set, replayed after a reconnect so the renderer
	// catches up without waiting for the next change.
	latest []byte

	backoff    time.Duration
	backoffCap time.Duration

	// attempts after which an unreachable renderer is logged as an error;
	// dialing goes on until close
	maxReconnect int

	logger *slog.Logger
}

func newConnection(logger *slog.Logger) *connection {
	return &connection{
		sendCh:       make(chan []byte, sendChSize),
		done:         make(chan struct{}),
		backoff:      initialBackoff,
		backoffCap:   maxBackoff,
		maxReconnect: maxReconnect,
		logger:       logger,
	}
}

// dial connects to the WebSocket server and starts read/write loops. When
// the first attempt fails the error is returned and dialing continues in
// the background with the reconnect backoff.
func (c *connection) dial(rawURL, secret string, hello []byte) error {
	c.wsURL = rawURL
	c.secret = secret
	c.hello = hello

	conn, err := c.dialOnce()
	if err == nil {
		if err = c.writeDirect(conn, hello); err != nil {
			_ = conn.Close()
		}
	}
	if err != nil {
		go c.reconnect(nil)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.writeLoop(conn)
	go c.readLoop(conn)

	return nil
}

// dialOnce performs a single WebSocket dial with the secret query param.
func (c *connection) dialOnce() (*ws.Conn, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	if c.secret != "" {
		q := u.Query()
		q.Set("secret", c.secret)
		u.RawQuery = q.Encode()
	}

	conn, _, err := ws.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

func (c *connection) writeDirect(conn *ws.Conn, data []byte) error {
	if data == nil {
		return nil
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// writeLoop drains sendCh and writes messages to conn.
// Only one writeLoop runs at a time; it returns on error or shutdown.
func (c *connection) writeLoop(conn *ws.Conn) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			if err := c.writeDirect(conn, data); err != nil {
				c.logger.Warn("WebSocket write error", "error", err)
				go c.reconnect(conn)
				return
			}
		}
	}
}

// readLoop discards server messages and notices a dropped connection. The
// renderer protocol has no replies.
func (c *connection) readLoop(conn *ws.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warn("WebSocket read error", "error", err)
			go c.reconnect(conn)
			return
		}
	}
}

// reconnect replaces broken with a new connection, retrying with
// exponential backoff until it succeeds or the connection is closed. Read
// and write loops both report the same broken connection; only the first
// report reconnects. A nil broken connection means the first dial failed
// and nothing is connected yet.
func (c *connection) reconnect(broken *ws.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != broken {
		c.mu.Unlock()
		return
	}
	if broken != nil {
		_ = broken.Close()
	}
	c.conn = nil
	c.mu.Unlock()

	backoff := c.backoff
	for attempt := 1; ; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		c.logger.Info("Reconnecting to renderer", "attempt", attempt)
		conn, err := c.dialOnce()
		if err == nil {
			err = c.replay(conn)
		}
		if err != nil {
			if attempt == c.maxReconnect {
				c.logger.Error("Renderer unreachable, still retrying", "attempts", attempt, "error", err)
			} else {
				c.logger.Warn("Reconnect failed", "attempt", attempt, "error", err)
			}
			backoff = min(backoff*2, c.backoffCap)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info("Renderer reconnected", "attempt", attempt)
		go c.writeLoop(conn)
		go c.readLoop(conn)
		return
	}
}

// replay writes hello and the latest set to a fresh connection. Sets queued
// while disconnected are discarded first; they are all older than latest.
func (c *connection) replay(conn *ws.Conn) error {
	c.drain()

	c.mu.Lock()
	latest := c.latest
	c.mu.Unlock()

	for _, msg := range [][]byte{c.hello, latest} {
		if err := c.writeDirect(conn, msg); err != nil {
			_ = conn.Close()
			return err
		}
	}
	return nil
}

func (c *connection) drain() {
	for {
		select {
		case <-c.sendCh:
		default:
			return
		}
	}
}

// send pushes data to the write loop. Non-blocking; drops if channel full.
func (c *connection) send(data []byte) {
	c.mu.Lock()
	c.latest = data
	c.mu.Unlock()

	select {
	case c.sendCh <- data:
	default:
		c.logger.Warn("WebSocket send channel full, dropping message")
	}
}

// connected reports whether a connection is currently up.
func (c *connection) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// close sends a WebSocket close frame and shuts down all goroutines.
func (c *connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return conn.Close()
	}
	return nil
}
