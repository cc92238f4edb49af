package registry

import (
	"net"
	"sync"
	"syscall"

	"github.com/gobwas/ws"
)

// Registry maps identities to their single live connection handle. It also
// maintains an fd index so the epoll event loop can resolve ready sockets.
// All methods are safe for concurrent use; the map is guarded by one mutex.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]*Conn
	byFd       map[int]*Conn
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byIdentity: make(map[string]*Conn),
		byFd:       make(map[int]*Conn),
	}
}

// Register stores the handle for its identity. If the identity already has a
// live handle, the old one is closed with the "replaced by new connection"
// reason before the new one is stored. It returns the evicted handle, if any,
// so the caller can finish its cleanup (epoll deregistration, presence).
func (r *Registry) Register(c *Conn) *Conn {
	r.mu.Lock()
	prev := r.byIdentity[c.IdentityID]
	if prev != nil {
		delete(r.byFd, prev.Fd)
	}
	r.byIdentity[c.IdentityID] = c
	r.byFd[c.Fd] = c
	r.mu.Unlock()

	if prev != nil {
		prev.CloseWithStatus(ws.StatusNormalClosure, ReasonReplaced)
	}
	return prev
}

// Unregister removes the mapping only if the stored handle is the caller's
// handle. A stale close racing a fresh login must not evict the newer
// connection. Returns true if the mapping was removed.
func (r *Registry) Unregister(c *Conn) bool {
	r.mu.Lock()
	cur, ok := r.byIdentity[c.IdentityID]
	if !ok || cur != c {
		r.mu.Unlock()
		return false
	}
	delete(r.byIdentity, c.IdentityID)
	delete(r.byFd, c.Fd)
	r.mu.Unlock()
	return true
}

// Lookup returns the live handle for an identity, or nil.
func (r *Registry) Lookup(identityID string) *Conn {
	r.mu.RLock()
	c := r.byIdentity[identityID]
	r.mu.RUnlock()
	return c
}

// GetByFd returns the handle for a file descriptor, or nil.
func (r *Registry) GetByFd(fd int) *Conn {
	r.mu.RLock()
	c := r.byFd[fd]
	r.mu.RUnlock()
	return c
}

// GetByConn resolves a net.Conn to its handle via the socket fd.
func (r *Registry) GetByConn(nc net.Conn) *Conn {
	return r.GetByFd(SocketFD(nc))
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byIdentity)
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of all live handles, safe to iterate without the
// lock.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.byIdentity))
	for _, c := range r.byIdentity {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	return conns
}

// SocketFD extracts the file descriptor from a net.Conn using the
// SyscallConn interface. This avoids duplicating the descriptor (which
// File() does), keeping the original fd valid for epoll registration.
func SocketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	var fd int
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
