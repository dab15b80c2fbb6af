package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Observer is one connected WebSocket observer with a write mutex that
// serializes outbound frames.
type Observer struct {
	ID        string // observer ID (UUID)
	Conn      net.Conn
	CreatedAt time.Time

	writeTimeout time.Duration
	writeMu      sync.Mutex
	lastSeen     atomic.Int64 // unix nanos of the last successful read
}

func newObserver(id string, conn net.Conn, writeTimeout time.Duration) *Observer {
	o := &Observer{
		ID:           id,
		Conn:         conn,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
	o.touch()
	return o
}

// touch records read activity; the heartbeat uses it to find dead observers.
func (o *Observer) touch() {
	o.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last successful read from this observer.
func (o *Observer) LastSeen() time.Time {
	return time.Unix(0, o.lastSeen.Load())
}

// WriteMessage sends a WebSocket text frame to this observer. The write mutex
// keeps concurrent broadcasts from interleaving frame bytes.
func (o *Observer) WriteMessage(data []byte) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	if o.writeTimeout > 0 {
		_ = o.Conn.SetWriteDeadline(time.Now().Add(o.writeTimeout))
		defer o.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(o.Conn, ws.OpText, data)
}

// writePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (o *Observer) writePing() error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	if o.writeTimeout > 0 {
		_ = o.Conn.SetWriteDeadline(time.Now().Add(o.writeTimeout))
		defer o.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(o.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (o *Observer) Close() error {
	return o.Conn.Close()
}

// Hub is a thread-safe registry of connected observers with O(1) lookups by
// observer ID and by network connection. Every lifecycle event the service
// emits is fanned out to all of them through Broadcast.
type Hub struct {
	mu     sync.RWMutex
	byID   map[string]*Observer
	byConn map[net.Conn]*Observer
}

// NewHub creates an empty Hub ready for use.
func NewHub() *Hub {
	return &Hub{
		byID:   make(map[string]*Observer),
		byConn: make(map[net.Conn]*Observer),
	}
}

// Add registers an observer in both lookup maps.
func (h *Hub) Add(o *Observer) {
	h.mu.Lock()
	h.byID[o.ID] = o
	h.byConn[o.Conn] = o
	h.mu.Unlock()
}

// Remove removes an observer by ID and closes its connection. Returns true if
// the observer was found and removed, false if it was already gone.
func (h *Hub) Remove(id string) bool {
	h.mu.Lock()
	o, ok := h.byID[id]
	if ok {
		delete(h.byID, id)
		delete(h.byConn, o.Conn)
	}
	h.mu.Unlock()

	if ok {
		_ = o.Close()
	}
	return ok
}

// Get returns the observer for the given ID, or nil if not found.
func (h *Hub) Get(id string) *Observer {
	h.mu.RLock()
	o := h.byID[id]
	h.mu.RUnlock()
	return o
}

// GetByConn returns the observer for the given network connection, or nil if
// not found.
func (h *Hub) GetByConn(conn net.Conn) *Observer {
	h.mu.RLock()
	o := h.byConn[conn]
	h.mu.RUnlock()
	return o
}

// Count returns the current number of connected observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	n := len(h.byID)
	h.mu.RUnlock()
	return n
}

// All returns a snapshot of the current observers. The returned slice is safe
// to iterate without holding the lock.
func (h *Hub) All() []*Observer {
	h.mu.RLock()
	observers := make([]*Observer, 0, len(h.byID))
	for _, o := range h.byID {
		observers = append(observers, o)
	}
	h.mu.RUnlock()
	return observers
}

// Broadcast sends an encoded event to every connected observer. It satisfies
// the gateway's sink contract. Errors on individual observers are ignored;
// dead connections are reaped by the read path and the heartbeat.
func (h *Hub) Broadcast(data []byte) {
	for _, o := range h.All() {
		_ = o.WriteMessage(data)
	}
}
