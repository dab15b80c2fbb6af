// Package ws runs the observer-facing WebSocket hub and the HTTP API in front
// of the session coordinator. Observer connections are upgraded with
// gobwas/ws zero-copy upgrades and watched with Linux epoll, so the hub holds
// thousands of mostly-idle dashboard connections without a goroutine per
// socket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pairlink/sessiond/internal/identity"
	"github.com/pairlink/sessiond/internal/metrics"
	"github.com/pairlink/sessiond/internal/ratelimit"
	"github.com/pairlink/sessiond/internal/session"
	"github.com/pairlink/sessiond/internal/wire"
)

// Config holds tunable parameters for the WebSocket server.
type Config struct {
	ListenAddr        string        // address to listen on, e.g. ":8080"
	MaxObservers      int           // hard cap on concurrent observer connections
	ReadTimeout       time.Duration // bound on a single observer frame read
	WriteTimeout      time.Duration // bound on a single outbound frame write
	HeartbeatInterval time.Duration // how often to ping observers
	HeartbeatTimeout  time.Duration // grace period after the interval before eviction
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        ":8080",
		MaxObservers:      1024,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
	}
}

// Server exposes the session API over HTTP and fans lifecycle events out to
// WebSocket observers. A nil limiter disables request throttling.
type Server struct {
	cfg     Config
	coord   *session.Coordinator
	limiter *ratelimit.Limiter

	hub    *Hub
	poller *poller

	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer wires a Server to the coordinator. The limiter may be nil.
func NewServer(cfg Config, coord *session.Coordinator, limiter *ratelimit.Limiter) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		coord:     coord,
		limiter:   limiter,
		hub:       NewHub(),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	var err error
	s.poller, err = newPoller(s.readObserver)
	if err != nil {
		return nil, fmt.Errorf("ws: create poller: %w", err)
	}
	return s, nil
}

// Hub returns the observer hub so the gateway can register it as a sink.
func (s *Server) Hub() *Hub {
	return s.hub
}

// routes builds the HTTP mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleObserve)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start begins serving. It starts the heartbeat monitor and blocks on
// ListenAndServe until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.routes(),
	}

	startHeartbeat(s)

	log.Info().Str("addr", s.cfg.ListenAddr).Int("max_observers", s.cfg.MaxObservers).
		Msg("ws: server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server: %w", err)
	}
	return nil
}

// handleObserve upgrades an observer connection and registers it with the hub
// and the poller. Observers receive events from the moment they connect; there
// is no replay of earlier ones.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	host := clientHost(r)
	if s.limiter != nil {
		if allowed, _ := s.limiter.Allow(r.Context(), host, ratelimit.RuleObserve); !allowed {
			s.writeRateLimited(w, r, host, ratelimit.RuleObserve)
			return
		}
	}
	if s.hub.Count() >= s.cfg.MaxObservers {
		http.Error(w, "too many observers", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ws: upgrade failed")
		return
	}

	o := newObserver(uuid.New().String(), conn, s.cfg.WriteTimeout)
	s.hub.Add(o)
	if err := s.poller.Add(conn); err != nil {
		log.Error().Err(err).Str("observer", o.ID).Msg("ws: poller add failed")
		s.hub.Remove(o.ID)
		return
	}

	metrics.ObserversConnected.Set(float64(s.hub.Count()))
	log.Info().Str("observer", o.ID).Str("remote", r.RemoteAddr).
		Int("total", s.hub.Count()).Msg("ws: observer connected")
}

// handleCreateSession validates the identifier, applies the creation rate
// limit, and asks the coordinator for a session. Everything after acceptance
// is asynchronous and surfaced on the observer channel.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req wire.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, wire.CreateSessionResponse{Error: "invalid request body"})
		return
	}

	identifier, err := identity.Normalize(req.Identifier)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, wire.CreateSessionResponse{Error: err.Error()})
		return
	}

	if s.limiter != nil {
		if allowed, _ := s.limiter.Allow(r.Context(), identifier, ratelimit.RuleCreateSession); !allowed {
			s.writeRateLimited(w, r, identifier, ratelimit.RuleCreateSession)
			return
		}
	}

	if _, err := s.coord.StartSession(identifier); err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, identity.ErrInvalidIdentifier):
			status = http.StatusBadRequest
		case errors.Is(err, session.ErrShuttingDown):
			status = http.StatusServiceUnavailable
		}
		log.Warn().Err(err).Str("identifier", identifier).Msg("ws: session start refused")
		writeJSON(w, status, wire.CreateSessionResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, wire.CreateSessionResponse{
		Accepted:   true,
		Identifier: identifier,
	})
}

// handleListSessions returns the live sessions sorted by identifier.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	records := s.coord.Sessions()
	infos := make([]wire.SessionInfo, 0, len(records))
	for _, rec := range records {
		infos = append(infos, wire.SessionInfo{
			Identifier: rec.Identifier,
			Connected:  rec.Connected(),
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleHealth reports service health for load balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wire.HealthResponse{
		Status:             "ok",
		ActiveSessionCount: s.coord.ActiveCount(),
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
		Uptime:             time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// writeRateLimited answers 429 with a Retry-After hint from the limiter.
func (s *Server) writeRateLimited(w http.ResponseWriter, r *http.Request, key string, rule ratelimit.Rule) {
	var retry time.Duration
	if s.limiter != nil {
		retry, _ = s.limiter.Reset(r.Context(), key, rule)
	}
	secs := int(retry / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, wire.RateLimitedResponse{
		Error:      "rate limit exceeded",
		RetryAfter: secs,
	})
}

// readObserver reads a single frame from a ready observer connection using
// wsutil.NextReader so control frames are seen without blocking on a data
// frame that may never arrive. It reports whether the connection is still
// registered.
func (s *Server) readObserver(netConn net.Conn) bool {
	o := s.hub.GetByConn(netConn)
	if o == nil {
		return false
	}

	if s.cfg.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means no frame arrived; idle observers live on until the
		// heartbeat decides otherwise.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		s.removeObserver(o)
		return false
	}
	_ = netConn.SetReadDeadline(time.Time{})

	// Any readable frame proves the observer is alive.
	o.touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.removeObserver(o)
			return false
		}
		// Drain ping/pong payloads so the stream stays frame aligned.
		if header.Length > 0 {
			_, _ = io.Copy(io.Discard, reader)
		}
		return true
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.removeObserver(o)
			return false
		}
	}
	if len(data) == 0 {
		return true
	}

	s.handleObserverMessage(o, data)
	return true
}

// handleObserverMessage processes one inbound observer frame. Observers only
// speak the keepalive; anything else is logged and dropped.
func (s *Server) handleObserverMessage(o *Observer, data []byte) {
	msgType, err := wire.ParseObserverMessage(data)
	if err != nil {
		log.Warn().Err(err).Str("observer", o.ID).Msg("ws: bad observer message")
		return
	}
	if msgType == wire.TypePing {
		if err := o.WriteMessage(wire.NewPong()); err != nil {
			log.Warn().Err(err).Str("observer", o.ID).Msg("ws: pong write failed")
		}
	}
}

// removeObserver unregisters an observer from the poller and the hub and
// closes its connection. Multiple paths race to remove the same observer;
// only the first one past the hub does the bookkeeping.
func (s *Server) removeObserver(o *Observer) {
	_ = s.poller.Remove(o.Conn)
	if !s.hub.Remove(o.ID) {
		return
	}
	metrics.ObserversConnected.Set(float64(s.hub.Count()))
	log.Info().Str("observer", o.ID).Int("total", s.hub.Count()).
		Msg("ws: observer disconnected")
}

// Shutdown stops the HTTP listener, disconnects every observer, and tears
// down the poller.
func (s *Server) Shutdown() error {
	log.Info().Msg("ws: shutting down")
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("ws: http shutdown")
		}
	}

	for _, o := range s.hub.All() {
		s.removeObserver(o)
	}
	_ = s.poller.Close()

	metrics.ObserversConnected.Set(0)
	log.Info().Msg("ws: server stopped")
	return nil
}

// clientHost extracts the remote address without the port for rate limiting.
func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
