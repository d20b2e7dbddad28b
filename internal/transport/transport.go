// Package transport maintains the realtime socket to the server: one
// connection per daemon, an application-level heartbeat, and exponential
// backoff reconnects. Decoded frames are published on the bus under the
// "event." namespace; consumers never touch the socket directly.
package transport

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lumechat/lume/internal/bus"
	"github.com/lumechat/lume/internal/config"
	"github.com/lumechat/lume/internal/status"
	"github.com/lumechat/lume/internal/wire"
	"go.uber.org/zap"
)

// Time allowed to write a frame to the peer.
const writeWait = 10 * time.Second

// TokenSource supplies the current auth token. Returning "" means the
// session is not authenticated; connecting without credentials is a
// silent no-op.
type TokenSource func() string

// Client is the realtime socket client.
type Client struct {
	socketURL string
	cfg       config.Transport
	token     TokenSource
	bus       *bus.Bus
	machine   *status.Machine
	logger    *zap.Logger
	dialer    *websocket.Dialer

	writeMu sync.Mutex

	mu             sync.Mutex
	conn           *websocket.Conn
	connecting     bool
	closed         bool
	attempts       int
	lastPong       time.Time
	heartbeatStop  chan struct{}
	reconnectTimer *time.Timer
}

// New creates a socket client. The logger may be nil.
func New(socketURL string, cfg config.Transport, token TokenSource, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		socketURL: socketURL,
		cfg:       cfg,
		token:     token,
		bus:       b,
		machine:   machine,
		logger:    logger,
		dialer:    &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

// Connect establishes the socket connection. Idempotent: calling while
// connected or while a connect is in flight does nothing. Without a token
// it silently does nothing.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.conn != nil || c.connecting {
		c.mu.Unlock()
		return
	}
	token := c.token()
	if token == "" {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.closed = false
	c.mu.Unlock()

	_ = c.machine.Transition(status.Connecting)
	c.dial(token)
}

// Disconnect tears down the connection, stops the heartbeat, cancels any
// scheduled reconnect, and resets the attempt counter.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.attempts = 0
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	_ = c.machine.Transition(status.Disconnected)
}

// SendTyping emits a typing-start frame for the chat. Fails when not
// connected; typing is best-effort and callers may ignore the error.
func (c *Client) SendTyping(chatID string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	frame, err := wire.TypingStart(chatID)
	if err != nil {
		return err
	}
	return c.write(conn, frame)
}

func (c *Client) dial(token string) {
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)
	conn, resp, err := c.dialer.Dial(c.socketURL, hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mu.Lock()
	c.connecting = false
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("socket dial failed", zap.Error(err))
		_ = c.machine.Transition(status.Reconnecting)
		c.scheduleReconnect()
		return
	}
	if c.closed {
		// Disconnect raced the dial.
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.attempts = 0
	c.lastPong = time.Now()
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	_ = c.machine.Transition(status.Connected)
	c.logger.Info("socket connected", zap.String("url", c.socketURL))
	go c.heartbeat(conn, stop)
	go c.readLoop(conn)
}

// readLoop pumps frames off the socket onto the bus until the connection
// drops, then hands off to the reconnect scheduler.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("socket read failed", zap.Error(err))
			}
			break
		}

		evt, err := wire.Decode(raw)
		if err != nil {
			// Malformed frames are dropped; one bad frame must not kill
			// the connection.
			c.logger.Warn("dropping frame", zap.Error(err))
			continue
		}
		if evt.Kind == wire.KindPong {
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
			continue
		}
		c.bus.Publish(bus.Event{
			Kind:      "event." + string(evt.Kind),
			Timestamp: time.Now(),
			Payload:   evt,
		})
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		if c.heartbeatStop != nil {
			close(c.heartbeatStop)
			c.heartbeatStop = nil
		}
	}
	closed := c.closed
	c.mu.Unlock()
	_ = conn.Close()

	if closed {
		return
	}
	_ = c.machine.Transition(status.Reconnecting)
	c.scheduleReconnect()
}

// heartbeat sends an application-level ping every interval and force-closes
// the connection when the server's pongs go quiet for more than twice the
// interval. Closing unblocks the read loop, which drives the reconnect.
func (c *Client) heartbeat(conn *websocket.Conn, stop chan struct{}) {
	interval := c.cfg.HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			gap := time.Since(c.lastPong)
			c.mu.Unlock()
			if gap > 2*interval {
				c.logger.Warn("heartbeat timed out", zap.Duration("gap", gap))
				_ = conn.Close()
				return
			}
			if err := c.write(conn, wire.Ping()); err != nil {
				c.logger.Warn("heartbeat write failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		attempts := c.attempts
		c.mu.Unlock()
		_ = c.machine.Transition(status.GaveUp)
		c.logger.Error("giving up on reconnect", zap.Int("attempts", attempts))
		return
	}
	delay := BackoffDelay(c.cfg.BackoffBase(), c.attempts)
	attempt := c.attempts
	c.attempts++
	c.reconnectTimer = time.AfterFunc(delay, c.retryConnect)
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
}

func (c *Client) retryConnect() {
	c.mu.Lock()
	if c.closed || c.conn != nil || c.connecting {
		c.mu.Unlock()
		return
	}
	token := c.token()
	if token == "" {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.mu.Unlock()

	_ = c.machine.Transition(status.Connecting)
	c.dial(token)
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// BackoffDelay computes the reconnect delay for the given zero-based
// attempt: base doubled per attempt.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	return base * (1 << attempt)
}
