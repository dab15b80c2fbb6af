package ws

import (
	"time"

	"github.com/rs/zerolog/log"
)

// startHeartbeat begins a background goroutine that periodically pings every
// observer at the WebSocket protocol level and evicts those that have gone
// silent. It returns immediately; the goroutine exits when the server's done
// channel closes.
func startHeartbeat(s *Server) {
	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				checkObservers(s)
			}
		}
	}()
}

// checkObservers walks the hub. Observers with no successful read within
// interval+timeout are considered dead and removed. The rest receive a ping
// frame (opcode 0x9), which clients answer automatically with a pong.
func checkObservers(s *Server) {
	deadline := s.cfg.HeartbeatInterval + s.cfg.HeartbeatTimeout
	now := time.Now()

	for _, o := range s.hub.All() {
		if idle := now.Sub(o.LastSeen()); idle > deadline {
			log.Info().Str("observer", o.ID).Dur("idle", idle.Round(time.Second)).
				Msg("ws: heartbeat timeout")
			s.removeObserver(o)
			continue
		}

		if err := o.writePing(); err != nil {
			log.Warn().Err(err).Str("observer", o.ID).Msg("ws: heartbeat ping failed")
			s.removeObserver(o)
		}
	}
}
