// Package gateway fans session lifecycle events out to observers. Delivery is
// broadcast-only and fire-and-forget: every currently registered sink gets
// every event, nothing is acknowledged, and observers that attach later see
// no replay.
package gateway

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pairlink/sessiond/internal/metrics"
	"github.com/pairlink/sessiond/internal/wire"
)

// Sink receives encoded lifecycle events for fan-out. The WebSocket hub and
// the NATS bridge both implement it. Broadcast must not block for long; slow
// receivers are the sink's problem, not the emitter's.
type Sink interface {
	Broadcast(data []byte)
}

// Gateway multiplexes lifecycle events to every registered sink.
type Gateway struct {
	mu    sync.RWMutex
	sinks []Sink
}

// New returns a gateway with no sinks. Emitting without sinks is valid and
// drops the event.
func New() *Gateway {
	return &Gateway{}
}

// Register adds a sink to the fan-out set. Sinks cannot be removed; they live
// as long as the process.
func (g *Gateway) Register(s Sink) {
	g.mu.Lock()
	g.sinks = append(g.sinks, s)
	g.mu.Unlock()
}

// PairingCode broadcasts a pairing_code event.
func (g *Gateway) PairingCode(identifier, code string) {
	g.emit(wire.NewPairingCode(identifier, code))
}

// ConnectionStatus broadcasts a connection_status event.
func (g *Gateway) ConnectionStatus(identifier, status string) {
	g.emit(wire.NewConnectionStatus(identifier, status))
}

// SessionReady broadcasts a session_ready event.
func (g *Gateway) SessionReady(identifier, message string) {
	g.emit(wire.NewSessionReady(identifier, message))
}

// Error broadcasts an error event.
func (g *Gateway) Error(identifier, message string) {
	g.emit(wire.NewError(identifier, message))
}

func (g *Gateway) emit(ev wire.Event) {
	data, err := wire.EncodeEvent(ev)
	if err != nil {
		log.Error().Err(err).Str("type", ev.Type).Msg("gateway: encode event")
		return
	}
	metrics.Notifications.WithLabelValues(ev.Type).Inc()

	g.mu.RLock()
	sinks := make([]Sink, len(g.sinks))
	copy(sinks, g.sinks)
	g.mu.RUnlock()

	for _, s := range sinks {
		s.Broadcast(data)
	}
}
