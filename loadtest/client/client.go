// Package client provides a reusable observer WebSocket client for sessiond
// load and integration tests. It connects using gobwas/ws (the same library
// the server uses), dispatches incoming lifecycle events to registered
// handlers, and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/wire constants)
// ---------------------------------------------------------------------------

// Server -> observer lifecycle event types.
const (
	TypePairingCode      = "pairing_code"
	TypeConnectionStatus = "connection_status"
	TypeSessionReady     = "session_ready"
	TypeError            = "error"
	TypePong             = "pong"
)

// Observer -> server message types.
const (
	TypePing = "ping"
)

// Connection status values carried by connection_status events.
const (
	StatusInitializing = "initializing"
	StatusConnecting   = "connecting"
	StatusReconnecting = "reconnecting"
	StatusConnected    = "connected"
	StatusLoggedOut    = "logged_out"
)

// Event mirrors the server's lifecycle event envelope.
type Event struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
	Code       string `json:"code,omitempty"`
	Status     string `json:"status,omitempty"`
	Message    string `json:"message,omitempty"`
	Ts         int64  `json:"ts"`
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency    time.Duration
	FirstEventLatency time.Duration
	EventsReceived    int
	Errors            int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client is one observer connection to a sessiond instance. It manages the
// WebSocket lifecycle and dispatches every incoming lifecycle event to the
// handler registered for its type.
type Client struct {
	conn      net.Conn
	startedAt time.Time

	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(Event)
	sawFirst bool

	pongCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an observer client connected to the given WebSocket URL. The
// connection is established immediately and a background goroutine begins
// reading events; the server sends nothing on connect, so a successful dial
// is all the handshake there is.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:      conn,
		startedAt: start,
		handlers:  make(map[string]func(Event)),
		pongCh:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	return c, nil
}

// On registers a handler for a specific event type. Handlers are invoked from
// the read loop goroutine so they should not block for extended periods. Only
// one handler per event type is supported; registering a second handler for
// the same type replaces the first.
func (c *Client) On(eventType string, handler func(Event)) {
	c.mu.Lock()
	c.handlers[eventType] = handler
	c.mu.Unlock()
}

// Ping sends a keepalive to the server. The reply arrives on the read loop as
// a pong event.
func (c *Client) Ping() error {
	data, err := json.Marshal(map[string]string{"type": TypePing})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// AwaitPong sends a ping and blocks until the server answers, the context is
// cancelled, or the connection closes. It is the liveness probe the load
// scenarios use to confirm the server is actually servicing the socket.
func (c *Client) AwaitPong(ctx context.Context) error {
	if err := c.Ping(); err != nil {
		return err
	}
	select {
	case <-c.pongCh:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before pong arrived")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop continuously reads lifecycle events from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		if ev.Type == TypePong {
			select {
			case c.pongCh <- struct{}{}:
			default:
			}
		}

		c.mu.Lock()
		c.metrics.EventsReceived++
		if !c.sawFirst {
			c.sawFirst = true
			c.metrics.FirstEventLatency = time.Since(c.startedAt)
		}
		handler := c.handlers[ev.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(ev)
		}
	}
}
