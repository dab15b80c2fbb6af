//go:build !linux

package ws

import (
	"net"
	"sync"
)

// poller is the non-Linux fallback: one reader goroutine per observer instead
// of epoll readiness notifications. The handle callback blocks in the read
// itself, so no bytes are consumed outside the normal read path.
type poller struct {
	handle func(net.Conn) bool

	done      chan struct{}
	closeOnce sync.Once
}

// newPoller creates the goroutine-per-observer fallback.
func newPoller(handle func(net.Conn) bool) (*poller, error) {
	return &poller{
		handle: handle,
		done:   make(chan struct{}),
	}, nil
}

// Add starts a reader goroutine for the connection. The goroutine exits when
// the handle callback reports the connection gone or the poller closes.
func (p *poller) Add(conn net.Conn) error {
	go func() {
		for {
			select {
			case <-p.done:
				return
			default:
			}
			if !p.handle(conn) {
				return
			}
		}
	}()
	return nil
}

// Remove is a no-op: the reader goroutine notices the closed connection on
// its next read and exits on its own.
func (p *poller) Remove(net.Conn) error {
	return nil
}

// Close signals every reader goroutine to stop after its current read.
func (p *poller) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}
