package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pairlink/sessiond/internal/metrics"
)

const (
	recorderBuffer = 256
	insertTimeout  = 5 * time.Second
)

// Recorder buffers lifecycle events and writes them to the store from a
// background goroutine, so the coordinator's event handling never blocks on
// the database. When the buffer is full new entries are dropped and counted.
type Recorder struct {
	store *Store

	mu     sync.Mutex
	closed bool
	ch     chan Entry
	done   chan struct{}
}

// NewRecorder starts a recorder writing to store.
func NewRecorder(store *Store) *Recorder {
	r := &Recorder{
		store: store,
		ch:    make(chan Entry, recorderBuffer),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues one lifecycle event. It never blocks: a full buffer drops the
// entry, and recording after Close is a no-op.
func (r *Recorder) Record(identifier, event, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- Entry{Identifier: identifier, Event: event, Detail: detail}:
	default:
		metrics.AuditDropped.Inc()
	}
}

func (r *Recorder) run() {
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		if err := r.store.Insert(ctx, e.Identifier, e.Event, e.Detail); err != nil {
			log.Warn().Err(err).Str("identifier", e.Identifier).Str("event", e.Event).
				Msg("audit: insert failed")
		}
		cancel()
	}
	close(r.done)
}

// Close flushes buffered entries and stops the writer. It is idempotent.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done
}
