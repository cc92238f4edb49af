//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Poller is a goroutine-per-connection fallback for non-Linux platforms. A
// monitor goroutine per connection blocks on a poll read and signals
// readiness over a channel. It lets the server run unchanged on macOS and
// Windows for development; production deployments target the epoll build.
type Poller struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn
	done    chan struct{}
}

// NewPoller creates the fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection by spawning a monitor goroutine.
func (p *Poller) Add(conn net.Conn) error {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	go p.monitor(conn)
	return nil
}

// monitor signals readiness whenever the connection has pending data. The
// fallback consumes one byte to detect readability; the Linux build never
// consumes bytes out of band, which is why production runs on epoll.
func (p *Poller) monitor(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			select {
			case p.readyCh <- conn:
			case <-p.done:
			}
			return
		}

		select {
		case p.readyCh <- conn:
		case <-p.done:
			return
		}

		p.mu.RLock()
		_, alive := p.conns[conn]
		p.mu.RUnlock()
		if !alive {
			return
		}
	}
}

// Remove unregisters a connection.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready, then drains any other
// ready connections without blocking.
func (p *Poller) Wait() ([]net.Conn, error) {
	first, ok := <-p.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return nil
}
