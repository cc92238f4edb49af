//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/relay/chat-app/internal/registry"
)

// Poller wraps Linux epoll for I/O readiness notifications. Instead of a
// read goroutine per connection, sockets are registered with the kernel and
// the event loop wakes only for connections with pending data.
type Poller struct {
	fd    int // epoll file descriptor
	mu    sync.RWMutex
	conns map[int]net.Conn  // fd -> net.Conn
	evbuf []unix.EpollEvent // reusable event buffer for Wait
}

// NewPoller creates an epoll instance via epoll_create1.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Poller{
		fd:    fd,
		conns: make(map[int]net.Conn),
		evbuf: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers a connection for read readiness notifications.
func (p *Poller) Add(conn net.Conn) error {
	fd := registry.SocketFD(conn)
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[fd] = conn
	p.mu.Unlock()
	return nil
}

// Remove unregisters a connection from the interest list.
func (p *Poller) Remove(conn net.Conn) error {
	fd := registry.SocketFD(conn)
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.conns, fd)
	p.mu.Unlock()
	return nil
}

// Wait blocks until one or more registered connections are ready for
// reading. Connections removed between epoll_wait returning and the lookup
// are silently skipped.
func (p *Poller) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(p.fd, p.evbuf, -1)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := p.conns[int(p.evbuf[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	p.mu.RUnlock()
	return conns, nil
}

// Close closes the epoll file descriptor.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = nil
	return unix.Close(p.fd)
}
