// Package loopback is an in-process protocol.Connector used for local
// development and tests. It simulates the connect/open/close lifecycle with
// configurable pacing, writes credential fragments to the session's storage
// directory the way the real protocol layer would, and lets tests script
// remote closes.
package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pairlink/sessiond/internal/protocol"
)

// Fragment files emitted on open when Config.EmitFragments is set. The names
// follow the persisted layout the assembler consumes.
const (
	credsFile     = "creds.json"
	preKeyFile    = "pre-key-1.json"
	senderKeyFile = "sender-key-primary.json"
)

// ErrClosed is returned by operations on a connection that already closed.
var ErrClosed = errors.New("loopback: connection closed")

// Config tunes the simulated handshake.
type Config struct {
	ConnectDelay  time.Duration // delay before the connecting update
	OpenDelay     time.Duration // delay between connecting and open
	Registered    bool          // whether connections start registered (skip pairing)
	EmitFragments bool          // write creds/pre-key/sender-key files on open
}

// DefaultConfig returns pacing suitable for interactive use.
func DefaultConfig() Config {
	return Config{
		ConnectDelay:  100 * time.Millisecond,
		OpenDelay:     500 * time.Millisecond,
		Registered:    false,
		EmitFragments: true,
	}
}

// Connector manufactures loopback connections.
type Connector struct {
	cfg Config

	mu      sync.Mutex
	nextErr error
}

// NewConnector returns a Connector with the given simulation config.
func NewConnector(cfg Config) *Connector {
	return &Connector{cfg: cfg}
}

// FailNext makes the next Connect call fail with err. Used to script
// connect failures in tests and demos.
func (c *Connector) FailNext(err error) {
	c.mu.Lock()
	c.nextErr = err
	c.mu.Unlock()
}

// Connect builds a connection handle and starts the simulated handshake in
// the background. The context bounds construction only; the connection's
// lifetime is controlled through Close.
func (c *Connector) Connect(_ context.Context, identifier, storageDir string) (protocol.Conn, error) {
	c.mu.Lock()
	nextErr := c.nextErr
	c.nextErr = nil
	c.mu.Unlock()
	if nextErr != nil {
		return nil, nextErr
	}

	conn := &Conn{
		identifier: identifier,
		storageDir: storageDir,
		registered: c.cfg.Registered,
		updates:    make(chan protocol.Update, 8),
		done:       make(chan struct{}),
	}
	go conn.handshake(c.cfg)
	return conn, nil
}

// Conn is one simulated protocol connection.
type Conn struct {
	identifier string
	storageDir string

	mu         sync.Mutex
	registered bool
	paired     bool
	open       bool
	closed     bool
	sent       []string

	updates   chan protocol.Update
	done      chan struct{}
	closeOnce sync.Once
}

// handshake emits connecting then open, writing fragments in between, unless
// the connection is closed first.
func (c *Conn) handshake(cfg Config) {
	if !c.sleep(cfg.ConnectDelay) {
		return
	}
	c.push(protocol.Update{State: protocol.StateConnecting})

	if !c.sleep(cfg.OpenDelay) {
		return
	}
	if cfg.EmitFragments {
		if err := c.writeFragments(); err != nil {
			log.Warn().Err(err).Str("identifier", c.identifier).
				Msg("loopback: fragment write failed")
		}
	}

	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	c.push(protocol.Update{State: protocol.StateOpen})
}

// sleep waits for d unless the connection closes first.
func (c *Conn) sleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-c.done:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.done:
		return false
	}
}

// push delivers an update unless the connection already closed. The buffer
// is large enough for the whole simulated lifecycle, so a full channel means
// the consumer is gone and the update can be dropped.
func (c *Conn) push(u protocol.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.updates <- u:
	default:
	}
}

// writeFragments persists the simulated credential fragment set.
func (c *Conn) writeFragments() error {
	c.mu.Lock()
	paired := c.paired || c.registered
	c.mu.Unlock()

	files := map[string]any{
		credsFile: map[string]any{
			"identifier": c.identifier,
			"registered": paired,
			"platform":   "loopback",
		},
		preKeyFile: map[string]any{
			"keyId":  1,
			"public": "loopback-pre-key",
		},
		senderKeyFile: map[string]any{
			"groupId": "primary",
			"chainId": 1,
		},
	}
	for name, v := range files {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(c.storageDir, name), b, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// Updates implements protocol.Conn.
func (c *Conn) Updates() <-chan protocol.Update {
	return c.updates
}

// Registered implements protocol.Conn.
func (c *Conn) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// RequestPairingCode implements protocol.Conn. The loopback echoes the
// requested code and marks the connection paired so subsequently written
// credentials carry registered=true.
func (c *Conn) RequestPairingCode(_ context.Context, code string) (string, error) {
	select {
	case <-c.done:
		return "", ErrClosed
	default:
	}
	c.mu.Lock()
	c.paired = true
	c.mu.Unlock()
	return code, nil
}

// Send implements protocol.Conn. Messages are retained for inspection and
// logged so interactive runs show the delivery.
func (c *Conn) Send(_ context.Context, text string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return fmt.Errorf("loopback: send before open")
	}
	c.sent = append(c.sent, text)
	log.Info().Str("identifier", c.identifier).Int("bytes", len(text)).
		Msg("loopback: message delivered to principal")
	return nil
}

// Sent returns a copy of every message delivered so far.
func (c *Conn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

// Drop simulates a remote close: a terminal close update is emitted with the
// given logout flag and the connection becomes unusable.
func (c *Conn) Drop(loggedOut bool) {
	c.terminate(protocol.Update{
		State:     protocol.StateClose,
		Err:       errors.New("loopback: remote close"),
		LoggedOut: loggedOut,
	})
}

// Close implements protocol.Conn. Closing locally also surfaces a terminal
// close update so the consumer's loop always observes the end of stream.
func (c *Conn) Close() error {
	c.terminate(protocol.Update{State: protocol.StateClose})
	return nil
}

// terminate delivers the final update exactly once and closes the stream.
func (c *Conn) terminate(u protocol.Update) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.open = false
		c.closed = true
		// Buffered channel: the final update is queued even when the
		// consumer is between reads, then the stream ends.
		select {
		case c.updates <- u:
		default:
		}
		close(c.updates)
		c.mu.Unlock()
		close(c.done)
	})
}
