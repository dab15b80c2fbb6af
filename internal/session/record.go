package session

import (
	"sync"
	"time"

	"github.com/pairlink/sessiond/internal/protocol"
)

// Phase is the coarse lifecycle phase of a session record, used for listings
// and logs. Transitions are driven entirely by the Coordinator.
type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseOpen       Phase = "open"
	PhaseDelivering Phase = "delivering"
	PhaseRetiring   Phase = "retiring"
)

// Record ties one identifier to its live protocol connection and the
// resources the session owns. The connection handle and the storage directory
// belong exclusively to this record and are released when it is discarded.
// Generation distinguishes successive records for the same identifier, so a
// deferred action scheduled against an old record can tell it no longer
// applies.
type Record struct {
	Identifier string
	Generation uint64
	StorageDir string
	Conn       protocol.Conn
	StartedAt  time.Time

	mu        sync.Mutex
	phase     Phase
	connected bool
}

func newRecord(identifier, storageDir string, conn protocol.Conn, generation uint64) *Record {
	return &Record{
		Identifier: identifier,
		Generation: generation,
		StorageDir: storageDir,
		Conn:       conn,
		StartedAt:  time.Now(),
		phase:      PhaseConnecting,
	}
}

// Phase returns the record's current lifecycle phase.
func (r *Record) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *Record) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

// Connected reports whether the connection has opened at least once.
func (r *Record) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// markConnected latches the connected flag. It returns true only on the
// false-to-true transition, so post-open work is scheduled exactly once per
// record no matter how often the transport reports open.
func (r *Record) markConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connected {
		return false
	}
	r.connected = true
	return true
}
