package ws

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/rs/zerolog/log"
)

// waitMillis bounds each epoll_wait call so the loop notices Close promptly.
const waitMillis = 1000

// poller watches observer connections with Linux epoll and calls the handle
// callback whenever one has data or has hung up. Observers are push-mostly,
// so readiness means a keepalive, a control frame, or the peer going away.
// The callback runs on the poll loop; its reads are bounded by the server's
// read timeout.
type poller struct {
	fd     int
	handle func(net.Conn) bool

	mu    sync.RWMutex
	conns map[int]net.Conn // fd -> net.Conn

	done      chan struct{}
	closeOnce sync.Once
}

// newPoller creates an epoll instance and starts its wait loop.
func newPoller(handle func(net.Conn) bool) (*poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	p := &poller{
		fd:     fd,
		handle: handle,
		conns:  make(map[int]net.Conn),
		done:   make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// Add registers a connection for read readiness notifications. EPOLLRDHUP is
// included so a peer close wakes the loop even with no data pending.
func (p *poller) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return fmt.Errorf("ws: connection does not expose a file descriptor")
	}
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[fd] = conn
	p.mu.Unlock()
	return nil
}

// Remove unregisters a connection. The map entry goes away even when the
// EpollCtl call fails, which it does once the descriptor is already closed.
func (p *poller) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, fd, nil)

	p.mu.Lock()
	delete(p.conns, fd)
	p.mu.Unlock()
	return err
}

// run is the epoll wait loop. Each ready connection is handled inline;
// connections removed between epoll_wait returning and the lookup are
// silently skipped.
func (p *poller) run() {
	events := make([]unix.EpollEvent, 128)
	for {
		select {
		case <-p.done:
			return
		default:
		}

		n, err := unix.EpollWait(p.fd, events, waitMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			select {
			case <-p.done:
				return
			default:
			}
			log.Warn().Err(err).Msg("ws: epoll wait")
			if errors.Is(err, unix.EBADF) {
				return
			}
			continue
		}

		for i := 0; i < n; i++ {
			p.mu.RLock()
			conn := p.conns[int(events[i].Fd)]
			p.mu.RUnlock()
			if conn == nil {
				continue
			}
			p.handle(conn)
		}
	}
}

// Close stops the wait loop and closes the epoll descriptor.
func (p *poller) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		p.conns = make(map[int]net.Conn)
		p.mu.Unlock()
		err = unix.Close(p.fd)
	})
	return err
}

// socketFD extracts the file descriptor from a net.Conn via SyscallConn. This
// avoids duplicating the descriptor (which File() does), keeping the original
// fd valid for epoll registration.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
