package websocket

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/quizrelay/internal/adapter/metrics"
	"github.com/pscheid92/quizrelay/internal/domain"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	idleTimeout       = 5 * time.Minute
	idleWarningTime   = 4 * time.Minute
	messageBufferSize = 64
	maxInboundMessage = 4096
)

var idleWarningFrame = []byte(`{"event":"idle_warning","payload":{"message":"Connection idle. Will disconnect if no activity within 1 minute."}}`)

// Client is an admitted WebSocket connection. Frames handed to Send are
// written by a dedicated goroutine so callers never block on the socket.
type Client struct {
	id          string
	identity    domain.Identity
	remoteIP    string
	connectedAt time.Time

	conn    *websocket.Conn
	clock   clockwork.Clock
	metrics *metrics.WebSocketMetrics

	sendCh   chan []byte
	doneCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu           sync.Mutex
	closeReason  string
	lastActivity time.Time
	warningSent  bool
}

var _ domain.Connection = (*Client)(nil)

func newClient(conn *websocket.Conn, identity domain.Identity, remoteIP string, clock clockwork.Clock, m *metrics.WebSocketMetrics) *Client {
	now := clock.Now()
	c := &Client{
		id:           uuid.NewString(),
		identity:     identity,
		remoteIP:     remoteIP,
		connectedAt:  now,
		conn:         conn,
		clock:        clock,
		metrics:      m,
		sendCh:       make(chan []byte, messageBufferSize),
		doneCh:       make(chan struct{}),
		lastActivity: now,
	}
	c.conn.SetReadLimit(maxInboundMessage)
	c.configurePongHandler()
	c.wg.Add(1)
	go c.writeLoop()
	return c
}

func (c *Client) ID() string                { return c.id }
func (c *Client) Identity() domain.Identity { return c.identity }

// Send enqueues a frame. It fails when the client is closed or its buffer
// is full; a full buffer means the client cannot keep up.
func (c *Client) Send(frame []byte) error {
	select {
	case <-c.doneCh:
		return fmt.Errorf("%w: connection closed", domain.ErrDeliveryFailed)
	default:
	}

	select {
	case c.sendCh <- frame:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", domain.ErrDeliveryFailed)
	}
}

// Close stops the writer. A non-empty reason is sent to the peer in a close
// frame before the socket is closed. Close does not wait for the writer.
func (c *Client) Close(reason string) {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()
		close(c.doneCh)
	})
}

func (c *Client) wait() {
	c.wg.Wait()
}

func (c *Client) writeLoop() {
	ticker := c.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.wg.Done()
	defer c.shutdown()

	for {
		select {
		case frame := <-c.sendCh:
			start := c.clock.Now()
			c.updateWriteDeadline()
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close("")
				return
			}
			c.metrics.MessagesSent.Inc()
			c.metrics.SendDuration.Observe(c.clock.Since(start).Seconds())

		case <-ticker.Chan():
			if c.checkIdleTimeout() {
				c.Close("idle timeout")
				return
			}
			c.updateWriteDeadline()
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.metrics.PingFailures.Inc()
				c.Close("")
				return
			}

		case <-c.doneCh:
			return
		}
	}
}

// shutdown runs on the writer goroutine, the only goroutine allowed to
// write, so the close frame never races a data frame.
func (c *Client) shutdown() {
	c.mu.Lock()
	reason := c.closeReason
	c.mu.Unlock()

	if reason != "" {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		c.updateWriteDeadline()
		_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
	}
	_ = c.conn.Close()
}

func (c *Client) configurePongHandler() {
	c.updateReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.updateReadDeadline()
		c.recordActivity()
		return nil
	})
}

// Socket deadlines are wall-clock; the injected clock only drives the ping
// ticker and idle accounting.
func (c *Client) updateWriteDeadline() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
}

func (c *Client) updateReadDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongDeadline))
}

func (c *Client) recordActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = c.clock.Now()
	c.warningSent = false
}

// checkIdleTimeout warns once when the client nears the idle limit and
// reports true once it is exceeded.
func (c *Client) checkIdleTimeout() bool {
	c.mu.Lock()
	idle := c.clock.Since(c.lastActivity)
	warned := c.warningSent
	c.mu.Unlock()

	if idle >= idleTimeout {
		c.metrics.IdleDisconnects.Inc()
		return true
	}

	if !warned && idle >= idleWarningTime {
		c.updateWriteDeadline()
		if err := c.conn.WriteMessage(websocket.TextMessage, idleWarningFrame); err == nil {
			c.mu.Lock()
			c.warningSent = true
			c.mu.Unlock()
		}
	}
	return false
}
