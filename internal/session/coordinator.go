package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pairlink/sessiond/internal/creds"
	"github.com/pairlink/sessiond/internal/identity"
	"github.com/pairlink/sessiond/internal/metrics"
	"github.com/pairlink/sessiond/internal/protocol"
	"github.com/pairlink/sessiond/internal/wire"
)

const (
	// defaultPairingCode is the fixed application-defined code used for every
	// pairing exchange. The remote end displays it back for confirmation.
	defaultPairingCode = "PAIRLINK0"

	// deliveryInstructions precedes the raw artifact on the session's own
	// channel so the principal knows what the next message is.
	deliveryInstructions = "Your session is ready. The next message is your credential export; " +
		"store it somewhere safe and never share it."

	connectTimeout  = 10 * time.Second
	pairingTimeout  = 15 * time.Second
	deliveryTimeout = 30 * time.Second
)

// ErrShuttingDown is returned by StartSession once Shutdown has begun.
var ErrShuttingDown = errors.New("session: coordinator is shutting down")

// Delays configures the coordinator's pacing. All of them are fixed, short
// waits; none is awaited by any caller.
type Delays struct {
	Pairing   time.Duration // transport settle time before requesting a pairing code
	Stabilize time.Duration // wait after open for fragment files to flush to disk
	Pacing    time.Duration // gap between the instructions message and the artifact
	Retire    time.Duration // wait after delivery before retiring the session
	Backoff   time.Duration // wait before reconnecting after a non-logout close
}

// DefaultDelays returns the production pacing.
func DefaultDelays() Delays {
	return Delays{
		Pairing:   3 * time.Second,
		Stabilize: 5 * time.Second,
		Pacing:    750 * time.Millisecond,
		Retire:    10 * time.Second,
		Backoff:   5 * time.Second,
	}
}

// Notifier fans lifecycle events out to observers. Delivery is fire and
// forget; implementations must not block the caller for long.
type Notifier interface {
	PairingCode(identifier, code string)
	ConnectionStatus(identifier, status string)
	SessionReady(identifier, message string)
	Error(identifier, message string)
}

type noopNotifier struct{}

func (noopNotifier) PairingCode(string, string)      {}
func (noopNotifier) ConnectionStatus(string, string) {}
func (noopNotifier) SessionReady(string, string)     {}
func (noopNotifier) Error(string, string)            {}

// Recorder persists lifecycle transitions for later inspection. A nil
// Recorder disables auditing.
type Recorder interface {
	Record(identifier, event, detail string)
}

// Config carries the coordinator's tunables.
type Config struct {
	// BaseDir is the root under which per-identifier storage directories are
	// created.
	BaseDir string
	// Delays overrides DefaultDelays when non-zero.
	Delays Delays
	// PairingCode overrides defaultPairingCode when non-empty.
	PairingCode string
}

// Coordinator orchestrates sessions end to end: it opens protocol
// connections, consumes their event streams, drives pairing and credential
// delivery, and guarantees that retries, retirement, and concurrent
// re-requests never leave a second live connection or an orphaned resource
// behind for an identifier.
type Coordinator struct {
	store     *Store
	connector protocol.Connector
	assembler *creds.Assembler
	notify    Notifier
	recorder  Recorder
	cfg       Config

	// startMu serializes evict-connect-register sequences so two concurrent
	// starts for the same identifier cannot both install a record.
	startMu sync.Mutex

	wg sync.WaitGroup

	timerMu sync.Mutex
	timers  map[*time.Timer]struct{}
	closed  bool
}

// NewCoordinator wires a coordinator to its collaborators. The store must be
// dedicated to this coordinator; notify and recorder may be nil.
func NewCoordinator(cfg Config, store *Store, connector protocol.Connector, assembler *creds.Assembler, notify Notifier, recorder Recorder) *Coordinator {
	if cfg.Delays == (Delays{}) {
		cfg.Delays = DefaultDelays()
	}
	if cfg.PairingCode == "" {
		cfg.PairingCode = defaultPairingCode
	}
	if notify == nil {
		notify = noopNotifier{}
	}
	return &Coordinator{
		store:     store,
		connector: connector,
		assembler: assembler,
		notify:    notify,
		recorder:  recorder,
		cfg:       cfg,
		timers:    make(map[*time.Timer]struct{}),
	}
}

// StartSession validates the identifier and brings a session up for it,
// evicting any existing record for the same identifier first. It returns the
// normalized identifier once the new record is registered; everything past
// that point is event-driven and surfaced through the Notifier. Only
// validation and synchronous initialization failures are returned.
func (c *Coordinator) StartSession(raw string) (string, error) {
	identifier, err := identity.Normalize(raw)
	if err != nil {
		return "", err
	}
	if err := c.start(identifier, true); err != nil {
		return "", err
	}
	return identifier, nil
}

// Sessions returns the live records sorted by identifier.
func (c *Coordinator) Sessions() []*Record {
	return c.store.Snapshot()
}

// ActiveCount returns the number of live session records.
func (c *Coordinator) ActiveCount() int {
	return c.store.Len()
}

// start brings up a session for an already-normalized identifier. With evict
// set (caller-initiated) an existing record is torn down first; without it
// (scheduled reconnect) an existing record means a newer session took over
// and the start is a no-op.
func (c *Coordinator) start(identifier string, evict bool) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if c.isClosed() {
		return ErrShuttingDown
	}

	if old, ok := c.store.Get(identifier); ok {
		if !evict {
			log.Debug().Str("identifier", identifier).
				Msg("session: reconnect superseded by a newer session")
			return nil
		}
		c.evict(old)
	}

	dir := filepath.Join(c.cfg.BaseDir, identity.StorageDirName(identifier))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		c.notify.Error(identifier, "could not prepare session storage")
		return fmt.Errorf("session: create storage dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	conn, err := c.connector.Connect(ctx, identifier, dir)
	if err != nil {
		c.notify.Error(identifier, "connection failed: "+err.Error())
		return fmt.Errorf("session: connect %s: %w", identifier, err)
	}

	rec := newRecord(identifier, dir, conn, c.store.nextGen())
	if !c.store.PutIfAbsent(rec) {
		// Starts are serialized, so this means a caller bypassed the
		// coordinator. Refuse rather than leak the new connection.
		_ = conn.Close()
		return fmt.Errorf("session: identifier %s already has a live session", identifier)
	}

	metrics.SessionsStarted.Inc()
	metrics.ActiveSessions.Set(float64(c.store.Len()))
	c.notify.ConnectionStatus(identifier, wire.StatusInitializing)
	c.audit(identifier, "created", dir)

	if !conn.Registered() {
		c.schedulePairing(rec)
	}

	c.wg.Add(1)
	go c.consume(rec)

	log.Info().Str("identifier", identifier).Uint64("generation", rec.Generation).
		Str("dir", dir).Msg("session: started")
	return nil
}

// evict closes and removes an existing record so a new one can take its
// identifier. Close errors are swallowed: the old handle must not block the
// new session.
func (c *Coordinator) evict(old *Record) {
	if c.store.RemoveMatching(old.Identifier, old.Generation) == nil {
		return // already removed, its connection is already closed
	}
	if err := old.Conn.Close(); err != nil {
		log.Warn().Err(err).Str("identifier", old.Identifier).
			Msg("session: close superseded connection")
	}
	metrics.SessionOutcomes.WithLabelValues("superseded").Inc()
	c.audit(old.Identifier, "superseded", "")
	log.Info().Str("identifier", old.Identifier).Uint64("generation", old.Generation).
		Msg("session: superseded")
}

// schedulePairing requests a pairing code once the transport has settled.
func (c *Coordinator) schedulePairing(rec *Record) {
	c.schedule(c.cfg.Delays.Pairing, func() {
		if !c.isCurrent(rec) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), pairingTimeout)
		defer cancel()
		code, err := rec.Conn.RequestPairingCode(ctx, c.cfg.PairingCode)
		if err != nil {
			// Soft failure: the transport may still authenticate on its own,
			// so the connection stays up.
			log.Warn().Err(err).Str("identifier", rec.Identifier).
				Msg("session: pairing code request failed")
			c.notify.Error(rec.Identifier, "pairing code request failed")
			c.audit(rec.Identifier, "pairing_failed", err.Error())
			return
		}
		c.notify.PairingCode(rec.Identifier, code)
		c.audit(rec.Identifier, "pairing_code", code)
		log.Info().Str("identifier", rec.Identifier).Str("code", code).
			Msg("session: pairing code issued")
	})
}

// consume is the sole consumer of one connection's update stream. Updates for
// one connection arrive in order, which is what keeps lifecycle events for an
// identifier totally ordered. handleClose always runs exactly once, when the
// stream ends.
func (c *Coordinator) consume(rec *Record) {
	defer c.wg.Done()

	closeUpdate := protocol.Update{State: protocol.StateClose}
	for u := range rec.Conn.Updates() {
		if u.State == protocol.StateClose {
			closeUpdate = u
			break
		}
		c.handleUpdate(rec, u)
	}
	c.handleClose(rec, closeUpdate)
}

func (c *Coordinator) handleUpdate(rec *Record, u protocol.Update) {
	switch u.State {
	case protocol.StateConnecting:
		if !c.isCurrent(rec) {
			return
		}
		c.notify.ConnectionStatus(rec.Identifier, wire.StatusConnecting)
		c.audit(rec.Identifier, "connecting", "")
	case protocol.StateOpen:
		c.handleOpen(rec)
	}
}

// handleOpen marks the record connected and schedules delivery after the
// stabilization delay. The connected latch makes sure a transport that
// reports open more than once still gets exactly one delivery.
func (c *Coordinator) handleOpen(rec *Record) {
	if !c.isCurrent(rec) {
		return
	}
	first := rec.markConnected()
	rec.setPhase(PhaseOpen)
	c.notify.ConnectionStatus(rec.Identifier, wire.StatusConnected)
	c.audit(rec.Identifier, "open", "")
	log.Info().Str("identifier", rec.Identifier).Msg("session: connection open")

	if !first {
		return
	}
	c.schedule(c.cfg.Delays.Stabilize, func() { c.deliver(rec) })
}

// deliver assembles the credential artifact and sends it to the session's own
// principal over the established channel: first a human-readable instructions
// message, then the artifact verbatim. Assembly and send failures are soft;
// the record stays live so a later request can try again.
func (c *Coordinator) deliver(rec *Record) {
	if !c.isCurrent(rec) {
		return
	}
	rec.setPhase(PhaseDelivering)

	artifact, ok := c.assembler.Assemble(rec.StorageDir)
	if !ok {
		rec.setPhase(PhaseOpen)
		metrics.Deliveries.WithLabelValues("assembly_failed").Inc()
		c.notify.Error(rec.Identifier, "credential assembly failed")
		c.audit(rec.Identifier, "assembly_failed", "")
		return
	}
	blob, err := artifact.JSON()
	if err != nil {
		rec.setPhase(PhaseOpen)
		metrics.Deliveries.WithLabelValues("assembly_failed").Inc()
		log.Error().Err(err).Str("identifier", rec.Identifier).Msg("session: encode artifact")
		c.notify.Error(rec.Identifier, "credential assembly failed")
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	if err := rec.Conn.Send(ctx, deliveryInstructions); err != nil {
		c.deliveryFailed(rec, err)
		return
	}
	time.Sleep(c.cfg.Delays.Pacing)
	if !c.isCurrent(rec) {
		return
	}
	if err := rec.Conn.Send(ctx, string(blob)); err != nil {
		c.deliveryFailed(rec, err)
		return
	}

	metrics.Deliveries.WithLabelValues("delivered").Inc()
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	c.notify.SessionReady(rec.Identifier, "session ready; credentials delivered")
	c.audit(rec.Identifier, "delivered", "")
	log.Info().Str("identifier", rec.Identifier).Dur("took", time.Since(start)).
		Msg("session: credentials delivered")

	c.schedule(c.cfg.Delays.Retire, func() { c.retire(rec) })
}

// deliveryFailed reports a failed send. The connection stays in place so a
// later attempt remains possible; a superseded record fails silently.
func (c *Coordinator) deliveryFailed(rec *Record, err error) {
	if !c.isCurrent(rec) {
		return
	}
	rec.setPhase(PhaseOpen)
	metrics.Deliveries.WithLabelValues("send_failed").Inc()
	log.Warn().Err(err).Str("identifier", rec.Identifier).Msg("session: delivery failed")
	c.notify.Error(rec.Identifier, "credential delivery failed")
	c.audit(rec.Identifier, "delivery_failed", err.Error())
}

// retire closes the connection, removes the record, and deletes the storage
// directory. It runs once per completed delivery; if the record was removed
// or superseded in the meantime the generation check makes it a no-op, so a
// newer session that reused the identifier is never torn down.
func (c *Coordinator) retire(rec *Record) {
	removed := c.store.RemoveMatching(rec.Identifier, rec.Generation)
	if removed == nil {
		return
	}
	removed.setPhase(PhaseRetiring)
	if err := removed.Conn.Close(); err != nil {
		log.Warn().Err(err).Str("identifier", rec.Identifier).Msg("session: close on retirement")
	}
	c.purgeStorage(removed)
	metrics.ActiveSessions.Set(float64(c.store.Len()))
	metrics.SessionOutcomes.WithLabelValues("retired").Inc()
	c.audit(rec.Identifier, "retired", "")
	log.Info().Str("identifier", rec.Identifier).
		Dur("lived", time.Since(removed.StartedAt).Round(time.Millisecond)).
		Msg("session: retired")
}

// handleClose runs when a connection's stream ends. A record that is no
// longer current was evicted, retired, or shut down through its own path;
// its close is reported by nobody and schedules nothing.
func (c *Coordinator) handleClose(rec *Record, u protocol.Update) {
	removed := c.store.RemoveMatching(rec.Identifier, rec.Generation)
	if removed == nil {
		return
	}
	metrics.ActiveSessions.Set(float64(c.store.Len()))

	if u.LoggedOut {
		c.notify.ConnectionStatus(rec.Identifier, wire.StatusLoggedOut)
		c.audit(rec.Identifier, "logged_out", "")
		metrics.SessionOutcomes.WithLabelValues("logged_out").Inc()
		c.purgeStorage(removed)
		log.Info().Str("identifier", rec.Identifier).
			Dur("lived", time.Since(removed.StartedAt).Round(time.Millisecond)).
			Msg("session: logged out")
		return
	}

	// Transport drop. The handle is already dead, so just report it and
	// schedule one reconnect; the storage directory is kept for the retry.
	if u.Err != nil {
		log.Warn().Err(u.Err).Str("identifier", rec.Identifier).Msg("session: connection lost")
	}
	c.notify.ConnectionStatus(rec.Identifier, wire.StatusReconnecting)
	c.audit(rec.Identifier, "reconnecting", "")
	metrics.SessionOutcomes.WithLabelValues("dropped").Inc()
	c.schedule(c.cfg.Delays.Backoff, func() {
		if err := c.start(rec.Identifier, false); err != nil && !errors.Is(err, ErrShuttingDown) {
			log.Error().Err(err).Str("identifier", rec.Identifier).Msg("session: reconnect failed")
			c.notify.Error(rec.Identifier, "reconnect failed")
		}
	})
}

// purgeStorage deletes a retired record's storage directory. Cleanup must
// never fail the caller; errors are logged and swallowed.
func (c *Coordinator) purgeStorage(rec *Record) {
	if err := os.RemoveAll(rec.StorageDir); err != nil {
		log.Warn().Err(err).Str("dir", rec.StorageDir).Msg("session: purge storage dir")
	}
}

// schedule runs fn after d unless Shutdown happens first. Callbacks re-check
// record state at fire time, so a superseded record's pending work self
// cancels.
func (c *Coordinator) schedule(d time.Duration, fn func()) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		// Taking timerMu first also means t is registered before this runs,
		// even for a zero delay.
		c.timerMu.Lock()
		delete(c.timers, t)
		closed := c.closed
		c.timerMu.Unlock()
		if closed {
			return
		}
		fn()
	})
	c.timers[t] = struct{}{}
}

func (c *Coordinator) isClosed() bool {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	return c.closed
}

// isCurrent reports whether rec is still the store's record for its
// identifier. Every deferred or asynchronous action checks this before
// touching shared state.
func (c *Coordinator) isCurrent(rec *Record) bool {
	cur, ok := c.store.Get(rec.Identifier)
	return ok && cur.Generation == rec.Generation
}

func (c *Coordinator) audit(identifier, event, detail string) {
	if c.recorder == nil {
		return
	}
	c.recorder.Record(identifier, event, detail)
}

// Shutdown stops pending timers, closes every live connection, and waits for
// the per-connection consumers to drain. Storage directories are left in
// place; sessions do not survive a restart and the janitor sweeps leftovers.
func (c *Coordinator) Shutdown() {
	c.timerMu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	for t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[*time.Timer]struct{})
	c.timerMu.Unlock()

	for _, rec := range c.store.Snapshot() {
		removed := c.store.RemoveMatching(rec.Identifier, rec.Generation)
		if removed == nil {
			continue
		}
		if err := removed.Conn.Close(); err != nil {
			log.Warn().Err(err).Str("identifier", removed.Identifier).
				Msg("session: close on shutdown")
		}
	}
	metrics.ActiveSessions.Set(0)
	c.wg.Wait()

	if !alreadyClosed {
		log.Info().Msg("session: coordinator stopped")
	}
}
